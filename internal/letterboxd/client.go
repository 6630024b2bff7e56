// Package letterboxd 个人主页抓取客户端
//
// 所有请求经过 ratelimit.Client，按页解析为 FilmStub。单行解析失败会被跳过，
// 整页无法识别时返回 ratelimit.ErrFatal，只影响当前列表。
package letterboxd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/smysle/filmsync-go/internal/config"
	"github.com/smysle/filmsync-go/pkg/logger"
	"github.com/smysle/filmsync-go/pkg/ratelimit"
)

// Client 抓取客户端
type Client struct {
	baseURL  string
	username string
	http     *ratelimit.Client
}

// NewHTTPClient 按配置创建抓取专用的限流客户端
func NewHTTPClient(cfg config.LetterboxdConfig) *ratelimit.Client {
	p := cfg.Policy
	return ratelimit.New(ratelimit.Config{
		Name:             "letterboxd",
		RPS:              p.RequestsPerSecond,
		Burst:            p.Burst,
		MaxAttempts:      p.MaxAttempts,
		BaseDelay:        p.BaseDelay(),
		MaxDelay:         p.MaxDelay(),
		MaxRetryAfter:    p.MaxRetryAfter(),
		Timeout:          p.Timeout(),
		UserAgent:        cfg.UserAgent,
		ThrottleStatuses: p.ThrottleStatuses,
		Headers:          map[string]string{"Accept": "text/html"},
	})
}

// NewClient 创建抓取客户端
func NewClient(cfg config.LetterboxdConfig, username string, hc *ratelimit.Client) *Client {
	return &Client{
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		username: strings.ToLower(strings.TrimSpace(username)),
		http:     hc,
	}
}

func (c *Client) pageURL(listing Listing, page int) string {
	base := fmt.Sprintf("%s/%s", c.baseURL, c.username)
	var path string
	switch listing {
	case ListingWatched:
		path = "/films/"
	case ListingDiary:
		path = "/films/diary/"
	case ListingWatchlist:
		path = "/watchlist/"
	default:
		return base + "/"
	}
	if page > 1 {
		path += fmt.Sprintf("page/%d/", page)
	}
	return base + path
}

// StreamListing 从 cursor 开始流式读取列表
func (c *Client) StreamListing(listing Listing, cursor Cursor, opts StreamOptions) *Stream {
	return NewStream(c, listing, cursor, opts)
}

// FetchPage 获取并解析一页
//
// 最爱来自主页，只有一页。
func (c *Client) FetchPage(ctx context.Context, listing Listing, page int) (*ParsedPage, error) {
	switch listing {
	case ListingFavorites:
		if page > 1 {
			return &ParsedPage{}, nil
		}
		profile, err := c.FetchProfile(ctx)
		if err != nil {
			return nil, err
		}
		out := &ParsedPage{}
		for _, f := range profile.Favorites {
			out.Rows = append(out.Rows, Parsed(f))
		}
		return out, nil
	case ListingWatched, ListingWatchlist, ListingDiary:
	default:
		return nil, ratelimit.Fatal(fmt.Errorf("列表 %s 不支持分页抓取", listing))
	}

	target := c.pageURL(listing, page)
	resp, err := c.http.Get(ctx, target, nil)
	if err != nil {
		return nil, err
	}

	var parsed *ParsedPage
	if listing == ListingDiary {
		parsed, err = parseDiaryPage(bytes.NewReader(resp.Body()))
	} else {
		parsed, err = parsePosterPage(bytes.NewReader(resp.Body()))
	}
	if err != nil {
		return nil, ratelimit.Fatal(fmt.Errorf("%s 第 %d 页: %w", listing, page, err))
	}

	logger.Debug().
		Str("listing", string(listing)).
		Int("page", page).
		Int("rows", len(parsed.Rows)).
		Bool("has_next", parsed.HasNext).
		Msg("已抓取列表页")
	return parsed, nil
}

// FetchFilm 获取影片页，读取其中的 TMDB 和 IMDb ID
func (c *Client) FetchFilm(ctx context.Context, slug string) (*FilmPage, error) {
	if slug == "" {
		return nil, ratelimit.Fatal(errors.New("影片 slug 为空"))
	}
	resp, err := c.http.Get(ctx, fmt.Sprintf("%s/film/%s/", c.baseURL, url.PathEscape(slug)), nil)
	if err != nil {
		return nil, err
	}

	page, err := parseFilmPage(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, ratelimit.Fatal(fmt.Errorf("影片 %s: %w", slug, err))
	}
	page.Slug = slug

	logger.Debug().Str("slug", slug).Int64("tmdb_id", page.TMDBID).Str("imdb_id", page.IMDbID).Msg("已抓取影片页")
	return page, nil
}

// FetchProfile 获取主页统计和最爱
func (c *Client) FetchProfile(ctx context.Context) (*Profile, error) {
	resp, err := c.http.Get(ctx, c.pageURL(ListingProfile, 1), nil)
	if err != nil {
		if ratelimit.IsNotFound(err) {
			return nil, ratelimit.Fatal(fmt.Errorf("用户 %s 不存在: %w", c.username, err))
		}
		return nil, err
	}

	profile, err := parseProfilePage(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, ratelimit.Fatal(fmt.Errorf("主页: %w", err))
	}
	profile.Username = c.username
	return profile, nil
}
