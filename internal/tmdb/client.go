// Package tmdb 影片元数据补全客户端
package tmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/smysle/filmsync-go/internal/config"
	"github.com/smysle/filmsync-go/internal/database/models"
	"github.com/smysle/filmsync-go/pkg/logger"
	"github.com/smysle/filmsync-go/pkg/ratelimit"
)

// Client TMDB 客户端
type Client struct {
	baseURL   string
	imageBase string
	apiKey    string
	language  string
	region    string
	threshold float64
	castLimit int

	http  *ratelimit.Client
	cache *cache.Cache
}

// NewHTTPClient 按配置创建 TMDB 专用的限流客户端
func NewHTTPClient(cfg config.TMDBConfig) *ratelimit.Client {
	p := cfg.Policy
	headers := map[string]string{"Accept": "application/json"}
	// v4 读令牌走 Bearer，v3 key 走查询参数
	if isBearerToken(cfg.APIKey) {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	return ratelimit.New(ratelimit.Config{
		Name:             "tmdb",
		RPS:              p.RequestsPerSecond,
		Burst:            p.Burst,
		MaxAttempts:      p.MaxAttempts,
		BaseDelay:        p.BaseDelay(),
		MaxDelay:         p.MaxDelay(),
		MaxRetryAfter:    p.MaxRetryAfter(),
		Timeout:          p.Timeout(),
		ThrottleStatuses: p.ThrottleStatuses,
		Headers:          headers,
	})
}

// NewClient 创建 TMDB 客户端
func NewClient(cfg config.TMDBConfig, hc *ratelimit.Client) *Client {
	ttl := time.Duration(cfg.SearchCacheMinutes) * time.Minute
	if ttl <= 0 {
		ttl = time.Hour
	}
	threshold := cfg.MatchThreshold
	if threshold <= 0 {
		threshold = 0.85
	}
	return &Client{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		imageBase: strings.TrimSuffix(cfg.ImageBaseURL, "/"),
		apiKey:    cfg.APIKey,
		language:  cfg.Language,
		region:    cfg.Region,
		threshold: threshold,
		castLimit: cfg.CastLimit,
		http:      hc,
		cache:     cache.New(ttl, 2*ttl),
	}
}

func isBearerToken(key string) bool {
	return strings.HasPrefix(key, "eyJ")
}

// get 请求并解码 JSON，解码失败视为不可恢复
func (c *Client) get(ctx context.Context, path string, query map[string]string, out interface{}) error {
	params := map[string]string{}
	for k, v := range query {
		params[k] = v
	}
	if c.apiKey != "" && !isBearerToken(c.apiKey) {
		params["api_key"] = c.apiKey
	}

	resp, err := c.http.Get(ctx, c.baseURL+path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return ratelimit.Fatal(fmt.Errorf("解析 %s 响应失败: %w", path, err))
	}
	return nil
}

// Enrich 解析影片并拉取完整元数据
//
// 任何子请求失败都会让整次补全失败，不返回部分结果。
func (c *Client) Enrich(ctx context.Context, ref FilmRef) (*EnrichedFilm, error) {
	var details *movieDetails
	if ref.TMDBID > 0 {
		d, err := c.movie(ctx, ref.TMDBID)
		switch {
		case err == nil:
			details = d
		case ratelimit.IsNotFound(err):
			logger.Warn().Str("slug", ref.Slug).Int64("tmdb_id", ref.TMDBID).Msg("已记录的 TMDB ID 不存在，改为搜索")
		default:
			return nil, err
		}
	}

	if details == nil {
		id, err := c.resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		if details, err = c.movie(ctx, id); err != nil {
			return nil, err
		}
	}

	meta, err := c.extended(ctx, details)
	if err != nil {
		return nil, err
	}

	out := &EnrichedFilm{
		TMDBID:   details.ID,
		IMDbID:   details.IMDbID,
		Title:    details.Title,
		Runtime:  details.Runtime,
		Metadata: *meta,
	}
	if details.PosterPath != "" {
		out.PosterURL = c.imageBase + details.PosterPath
	}
	return out, nil
}

// resolve 按标题和年份搜索；带年份搜不到时去掉年份再搜一次
func (c *Client) resolve(ctx context.Context, ref FilmRef) (int64, error) {
	title := ref.Title
	if title == "" {
		title = strings.ReplaceAll(ref.Slug, "-", " ")
	}

	results, err := c.search(ctx, title, ref.Year)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 && ref.Year > 0 {
		if results, err = c.search(ctx, title, 0); err != nil {
			return 0, err
		}
	}

	best, ok := pickCandidate(results, title, ref.Year, c.threshold)
	if !ok {
		logger.Debug().Str("slug", ref.Slug).Str("title", title).Int("year", ref.Year).Int("candidates", len(results)).Msg("TMDB 没有匹配的候选")
		return 0, ErrNoMatch
	}
	return best.ID, nil
}

func (c *Client) search(ctx context.Context, title string, year int) ([]searchResult, error) {
	key := fmt.Sprintf("%s|%d", normalizeTitle(title), year)
	if cached, ok := c.cache.Get(key); ok {
		return cached.([]searchResult), nil
	}

	query := map[string]string{
		"query":         title,
		"include_adult": "false",
		"language":      c.language,
	}
	if year > 0 {
		query["primary_release_year"] = strconv.Itoa(year)
	}

	var resp searchResponse
	if err := c.get(ctx, "/search/movie", query, &resp); err != nil {
		return nil, err
	}
	c.cache.Set(key, resp.Results, cache.DefaultExpiration)
	return resp.Results, nil
}

func (c *Client) movie(ctx context.Context, id int64) (*movieDetails, error) {
	var d movieDetails
	if err := c.get(ctx, fmt.Sprintf("/movie/%d", id), map[string]string{"language": c.language}, &d); err != nil {
		return nil, err
	}
	if d.ID == 0 {
		return nil, ratelimit.Fatal(fmt.Errorf("影片 %d 响应缺少 ID", id))
	}
	return &d, nil
}

// extended 依次拉取演职员、关键词、分级、观看渠道和系列
func (c *Client) extended(ctx context.Context, d *movieDetails) (*models.FilmMetadata, error) {
	meta := &models.FilmMetadata{
		OriginalTitle: d.OriginalTitle,
		Overview:      d.Overview,
		Tagline:       d.Tagline,
		ReleaseDate:   d.ReleaseDate,
		Budget:        d.Budget,
		Revenue:       d.Revenue,
		VoteAverage:   d.VoteAverage,
		VoteCount:     d.VoteCount,
	}
	for _, g := range d.Genres {
		meta.Genres = append(meta.Genres, g.Name)
	}
	for _, pc := range d.ProductionCountries {
		meta.Countries = append(meta.Countries, pc.Name)
	}
	for _, l := range d.SpokenLanguages {
		meta.Languages = append(meta.Languages, l.EnglishName)
	}

	base := fmt.Sprintf("/movie/%d", d.ID)

	var credits creditsResponse
	if err := c.get(ctx, base+"/credits", nil, &credits); err != nil {
		return nil, fmt.Errorf("演职员: %w", err)
	}
	sort.SliceStable(credits.Cast, func(i, j int) bool { return credits.Cast[i].Order < credits.Cast[j].Order })
	for i, m := range credits.Cast {
		if c.castLimit > 0 && i >= c.castLimit {
			break
		}
		meta.Cast = append(meta.Cast, models.CastMember{Name: m.Name, Character: m.Character, Order: m.Order})
	}
	for _, m := range credits.Crew {
		if m.Job == "Director" {
			meta.Directors = append(meta.Directors, m.Name)
		}
	}

	var keywords keywordsResponse
	if err := c.get(ctx, base+"/keywords", nil, &keywords); err != nil {
		return nil, fmt.Errorf("关键词: %w", err)
	}
	for _, k := range keywords.Keywords {
		meta.Keywords = append(meta.Keywords, k.Name)
	}

	var releases releaseDatesResponse
	if err := c.get(ctx, base+"/release_dates", nil, &releases); err != nil {
		return nil, fmt.Errorf("分级: %w", err)
	}
	meta.Certification = certificationFor(releases, c.region)

	var providers watchProvidersResponse
	switch err := c.get(ctx, base+"/watch/providers", nil, &providers); {
	case err == nil:
		meta.Providers = providersFor(providers, c.region)
	case ratelimit.IsNotFound(err):
	default:
		return nil, fmt.Errorf("观看渠道: %w", err)
	}

	if d.BelongsToCollection != nil && d.BelongsToCollection.ID > 0 {
		col := &models.Collection{ID: d.BelongsToCollection.ID, Name: d.BelongsToCollection.Name}
		var resp collectionResponse
		err := c.get(ctx, fmt.Sprintf("/collection/%d", col.ID), map[string]string{"language": c.language}, &resp)
		switch {
		case err == nil:
			sort.SliceStable(resp.Parts, func(i, j int) bool { return resp.Parts[i].ReleaseDate < resp.Parts[j].ReleaseDate })
			for _, p := range resp.Parts {
				col.Parts = append(col.Parts, p.Title)
			}
		case ratelimit.IsNotFound(err):
		default:
			return nil, fmt.Errorf("系列: %w", err)
		}
		meta.Collection = col
	}

	return meta, nil
}

// certificationFor 优先取院线上映（type 3）的分级
func certificationFor(resp releaseDatesResponse, region string) string {
	for _, r := range resp.Results {
		if !strings.EqualFold(r.ISO, region) {
			continue
		}
		fallback := ""
		for _, rd := range r.ReleaseDates {
			if rd.Certification == "" {
				continue
			}
			if rd.Type == 3 {
				return rd.Certification
			}
			if fallback == "" {
				fallback = rd.Certification
			}
		}
		return fallback
	}
	return ""
}

func providersFor(resp watchProvidersResponse, region string) []models.Provider {
	entry, ok := resp.Results[strings.ToUpper(region)]
	if !ok {
		return nil
	}
	var out []models.Provider
	add := func(kind string, list []providerEntry) {
		for _, p := range list {
			out = append(out, models.Provider{Name: p.ProviderName, Type: kind})
		}
	}
	add("flatrate", entry.Flatrate)
	add("rent", entry.Rent)
	add("buy", entry.Buy)
	return out
}

// IsNoMatch 是否为搜索无结果
func IsNoMatch(err error) bool {
	return errors.Is(err, ErrNoMatch) || ratelimit.IsNotFound(err)
}
