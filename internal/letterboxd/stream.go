package letterboxd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/smysle/filmsync-go/pkg/logger"
	"github.com/smysle/filmsync-go/pkg/ratelimit"
)

// PageFetcher 按页获取列表
type PageFetcher interface {
	FetchPage(ctx context.Context, listing Listing, page int) (*ParsedPage, error)
}

// StreamOptions 增量模式参数
//
// Known 非空时开启增量模式：遇到早于 Now-Lookback 且已入库的日记即停止。
type StreamOptions struct {
	Known    func(slug string, date time.Time) (bool, error)
	Lookback time.Duration
	Now      func() time.Time
}

// Stream 有限、可从任意 Cursor 恢复的分页流
type Stream struct {
	fetcher PageFetcher
	listing Listing
	page    int
	after   string
	opts    StreamOptions
	seen    map[string]struct{}
	done    bool
}

// NewStream 从 cursor 指定的位置开始读取
func NewStream(fetcher PageFetcher, listing Listing, cursor Cursor, opts StreamOptions) *Stream {
	page := cursor.Page
	if page < 1 {
		page = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Stream{
		fetcher: fetcher,
		listing: listing,
		page:    page,
		after:   cursor.After,
		opts:    opts,
		seen:    make(map[string]struct{}),
	}
}

// Cursor 下一次读取的位置
func (s *Stream) Cursor() Cursor {
	return Cursor{Listing: s.listing, Page: s.page, After: s.after}
}

// Next 返回下一页的新条目，读完返回 io.EOF
func (s *Stream) Next(ctx context.Context) (*Page, error) {
	if s.done {
		return nil, io.EOF
	}

	parsed, err := s.fetcher.FetchPage(ctx, s.listing, s.page)
	if err != nil {
		if ratelimit.IsNotFound(err) {
			if s.page > 1 {
				s.done = true
				return nil, io.EOF
			}
			return nil, ratelimit.Fatal(fmt.Errorf("%s 列表不存在: %w", s.listing, err))
		}
		return nil, err
	}

	if len(parsed.Rows) == 0 {
		s.done = true
		return nil, io.EOF
	}

	page := &Page{Listing: s.listing, Number: s.page}
	rows := parsed.Rows
	if s.after != "" {
		rows = skipThrough(rows, s.after)
	}

	var cutoff time.Time
	if s.opts.Known != nil {
		cutoff = s.opts.Now().Add(-s.opts.Lookback)
	}

	fresh := 0
	stopped := false
	for _, row := range parsed.Rows {
		if !row.Ok() {
			page.Skipped++
			continue
		}
		if _, dup := s.seen[row.Stub.Key()]; !dup {
			fresh++
		}
	}
	if page.Skipped == len(parsed.Rows) {
		return nil, ratelimit.Fatal(fmt.Errorf("%s 第 %d 页: %w: 所有条目均无法解析", s.listing, s.page, ErrPageLayout))
	}
	if fresh == 0 {
		// 只重复了已读过的条目，视为列表结束
		s.done = true
		return nil, io.EOF
	}

	for _, row := range parsed.Rows {
		if row.Ok() {
			s.seen[row.Stub.Key()] = struct{}{}
		}
	}

	for _, row := range rows {
		if !row.Ok() {
			logger.Debug().Str("listing", string(s.listing)).Int("page", s.page).Str("reason", row.Reason).Msg("跳过无法解析的条目")
			continue
		}
		stub := *row.Stub
		if s.opts.Known != nil && stub.WatchedDate != nil && stub.WatchedDate.Before(cutoff) {
			known, err := s.opts.Known(stub.Slug, *stub.WatchedDate)
			if err != nil {
				return nil, fmt.Errorf("查询已知日记失败: %w", err)
			}
			if known {
				logger.Debug().Str("slug", stub.Slug).Time("date", *stub.WatchedDate).Msg("增量模式遇到已同步的日记，停止翻页")
				stopped = true
				break
			}
		}
		page.Stubs = append(page.Stubs, stub)
	}

	s.after = ""
	s.page++
	if stopped || !parsed.HasNext || !s.listing.Paginated() {
		s.done = true
	}
	page.Last = s.done
	return page, nil
}

// skipThrough 跳过 key 及其之前的条目；找不到 key 时整页保留
func skipThrough(rows []RowResult, key string) []RowResult {
	for i, row := range rows {
		if row.Ok() && row.Stub.Key() == key {
			return rows[i+1:]
		}
	}
	return rows
}
