package letterboxd

import (
	"errors"
	"fmt"
	"time"
)

// ErrPageLayout 页面结构无法识别，通常意味着来源站点改版
var ErrPageLayout = errors.New("页面结构无法识别")

// Listing 列表类型
type Listing string

const (
	ListingFavorites Listing = "favorites"
	ListingProfile   Listing = "profile"
	ListingWatched   Listing = "watched"
	ListingDiary     Listing = "diary"
	ListingWatchlist Listing = "watchlist"
)

// ParseListing 解析列表名称
func ParseListing(s string) (Listing, error) {
	switch l := Listing(s); l {
	case ListingFavorites, ListingProfile, ListingWatched, ListingDiary, ListingWatchlist:
		return l, nil
	}
	return "", fmt.Errorf("未知的列表类型: %s", s)
}

// Paginated 是否分页
func (l Listing) Paginated() bool {
	return l == ListingWatched || l == ListingDiary || l == ListingWatchlist
}

// FilmStub 抓取得到的未校验条目
type FilmStub struct {
	Slug        string
	Title       string
	Year        int
	Rating      *float64 // 0.5 - 5
	Liked       bool
	WatchedDate *time.Time // 仅日记
	Rewatch     bool
	Review      string
	EntryID     string
	Position    int // 仅最爱
}

// Key 列表内唯一标识，日记以 slug+日期区分同一部影片的多次观看
func (s FilmStub) Key() string {
	if s.WatchedDate != nil {
		return s.Slug + "@" + s.WatchedDate.Format("2006-01-02")
	}
	return s.Slug
}

// RowResult 单行解析结果：Parsed 或 SkippedRow
type RowResult struct {
	Stub   *FilmStub
	Reason string
}

// Parsed 解析成功
func Parsed(stub FilmStub) RowResult {
	return RowResult{Stub: &stub}
}

// SkippedRow 该行无法解析，附原因
func SkippedRow(reason string) RowResult {
	return RowResult{Reason: reason}
}

// Ok 是否解析成功
func (r RowResult) Ok() bool {
	return r.Stub != nil
}

// ParsedPage 单页的解析结果
type ParsedPage struct {
	Rows    []RowResult
	HasNext bool
}

// Cursor 流的恢复位置；After 为该页已处理的最后一条的 Key
type Cursor struct {
	Listing Listing
	Page    int
	After   string
}

// Page 流返回的一页新条目
type Page struct {
	Listing Listing
	Number  int
	Stubs   []FilmStub
	Skipped int
	Last    bool // 本页之后不再有数据
}

// FilmPage 影片页上的基本信息和外部 ID，缺失的 ID 为零值
type FilmPage struct {
	Slug   string
	Title  string
	Year   int
	TMDBID int64
	IMDbID string
}

// Profile 个人主页
type Profile struct {
	Username    string
	DisplayName string
	Stats       map[string]int
	Favorites   []FilmStub
}
