package letterboxd

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

var (
	ratedClassRegex = regexp.MustCompile(`\brated-(\d+)\b`)
	yearSuffixRegex = regexp.MustCompile(`\s*\((\d{4})\)\s*$`)
	diaryDateRegex  = regexp.MustCompile(`/for/(\d{4})/(\d{2})/(\d{2})/?`)
	filmHrefRegex   = regexp.MustCompile(`/film/([^/]+)/`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
	tmdbLinkRegex   = regexp.MustCompile(`themoviedb\.org/movie/(\d+)`)
	imdbLinkRegex   = regexp.MustCompile(`imdb\.com/title/(tt\d+)`)
)

// parsePosterPage 解析海报网格页（看过、想看）
func parsePosterPage(r io.Reader) (*ParsedPage, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("解析 HTML 失败: %w", err)
	}

	container := findFirst(doc, func(n *html.Node) bool {
		return isElement(n, "ul", "div") &&
			(hasClass(n, "poster-list") || hasClass(n, "poster-grid") || hasClass(n, "grid"))
	})
	if container == nil {
		if isEmptyState(doc) {
			return &ParsedPage{}, nil
		}
		return nil, fmt.Errorf("%w: 找不到海报列表", ErrPageLayout)
	}

	items := findAll(container, func(n *html.Node) bool {
		return isElement(n, "li") && (hasClass(n, "poster-container") || hasClass(n, "griditem") || hasPosterData(n))
	})

	page := &ParsedPage{HasNext: hasNextLink(doc)}
	for i, item := range items {
		page.Rows = append(page.Rows, parsePosterItem(item, i+1))
	}
	return page, nil
}

// parsePosterItem 解析单个海报条目
func parsePosterItem(n *html.Node, position int) RowResult {
	el := findFirst(n, hasPosterData)
	if el == nil {
		return SkippedRow("缺少影片 slug")
	}

	stub := FilmStub{
		Slug:     firstAttr(el, "data-film-slug", "data-item-slug"),
		Position: position,
	}
	if stub.Slug == "" {
		return SkippedRow("影片 slug 为空")
	}

	name := firstAttr(el, "data-film-name", "data-item-name", "data-item-full-display-name")
	if name == "" {
		if img := findFirst(n, func(c *html.Node) bool { return isElement(c, "img") }); img != nil {
			name = attr(img, "alt")
		}
	}
	stub.Title, stub.Year = splitTitleYear(name)
	if y := firstAttr(el, "data-film-release-year", "data-item-release-year"); y != "" {
		if year, err := strconv.Atoi(y); err == nil {
			stub.Year = year
		}
	}

	if rating := findFirst(n, func(c *html.Node) bool { return hasClass(c, "rating") }); rating != nil {
		stub.Rating = parseRatedClass(attr(rating, "class"))
	}
	stub.Liked = findFirst(n, func(c *html.Node) bool {
		return hasClass(c, "liked-micro") || hasClass(c, "icon-liked")
	}) != nil

	return Parsed(stub)
}

// parseDiaryPage 解析日记表格页
func parseDiaryPage(r io.Reader) (*ParsedPage, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("解析 HTML 失败: %w", err)
	}

	table := findFirst(doc, func(n *html.Node) bool {
		return isElement(n, "table") && (attr(n, "id") == "diary-table" || hasClass(n, "diary-table"))
	})
	if table == nil {
		if isEmptyState(doc) {
			return &ParsedPage{}, nil
		}
		return nil, fmt.Errorf("%w: 找不到日记表格", ErrPageLayout)
	}

	rows := findAll(table, func(n *html.Node) bool {
		return isElement(n, "tr") && hasClass(n, "diary-entry-row")
	})

	page := &ParsedPage{HasNext: hasNextLink(doc)}
	for _, row := range rows {
		page.Rows = append(page.Rows, parseDiaryRow(row))
	}
	return page, nil
}

// parseDiaryRow 解析单条日记
func parseDiaryRow(tr *html.Node) RowResult {
	var stub FilmStub

	if el := findFirst(tr, hasPosterData); el != nil {
		stub.Slug = firstAttr(el, "data-film-slug", "data-item-slug")
		stub.Title, stub.Year = splitTitleYear(firstAttr(el, "data-film-name", "data-item-name"))
	}
	if headline := findFirst(tr, func(n *html.Node) bool {
		return isElement(n, "h3") || hasClass(n, "td-film-details")
	}); headline != nil {
		if a := findFirst(headline, func(n *html.Node) bool { return isElement(n, "a") }); a != nil {
			if stub.Slug == "" {
				if m := filmHrefRegex.FindStringSubmatch(attr(a, "href")); m != nil {
					stub.Slug = m[1]
				}
			}
			if stub.Title == "" {
				stub.Title = textContent(a)
			}
		}
	}
	if stub.Slug == "" {
		return SkippedRow("缺少影片 slug")
	}

	day := findFirst(tr, func(n *html.Node) bool { return hasClass(n, "td-day") || hasClass(n, "diary-day") })
	if day == nil {
		return SkippedRow("缺少观看日期")
	}
	a := findFirst(day, func(n *html.Node) bool { return isElement(n, "a") })
	if a == nil {
		return SkippedRow("缺少观看日期")
	}
	m := diaryDateRegex.FindStringSubmatch(attr(a, "href"))
	if m == nil {
		return SkippedRow("无法解析观看日期: " + attr(a, "href"))
	}
	date, err := time.Parse("2006-01-02", m[1]+"-"+m[2]+"-"+m[3])
	if err != nil {
		return SkippedRow("无法解析观看日期: " + err.Error())
	}
	stub.WatchedDate = &date

	if released := findFirst(tr, func(n *html.Node) bool { return hasClass(n, "td-released") }); released != nil && stub.Year == 0 {
		if year, err := strconv.Atoi(textContent(released)); err == nil {
			stub.Year = year
		}
	}
	if td := findFirst(tr, func(n *html.Node) bool { return hasClass(n, "td-rating") }); td != nil {
		if rating := findFirst(td, func(n *html.Node) bool { return hasClass(n, "rating") }); rating != nil {
			stub.Rating = parseRatedClass(attr(rating, "class"))
		}
	}
	if td := findFirst(tr, func(n *html.Node) bool { return hasClass(n, "td-like") }); td != nil {
		stub.Liked = findFirst(td, func(n *html.Node) bool { return hasClass(n, "icon-liked") }) != nil
	}
	if td := findFirst(tr, func(n *html.Node) bool { return hasClass(n, "td-rewatch") }); td != nil {
		stub.Rewatch = !hasClass(td, "icon-status-off")
	}
	if body := findFirst(tr, func(n *html.Node) bool { return hasClass(n, "body-text") }); body != nil {
		stub.Review = textContent(body)
	}

	stub.EntryID = strings.TrimPrefix(firstAttr(tr, "data-viewing-id", "data-object-id"), "viewing:")
	return Parsed(stub)
}

// parseProfilePage 解析个人主页的统计和最爱
func parseProfilePage(r io.Reader) (*Profile, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("解析 HTML 失败: %w", err)
	}

	stats := findAll(doc, func(n *html.Node) bool { return hasClass(n, "profile-statistic") })
	favSection := findFirst(doc, func(n *html.Node) bool {
		id := attr(n, "id")
		return id == "favourites" || id == "favorites"
	})
	if len(stats) == 0 && favSection == nil {
		return nil, fmt.Errorf("%w: 找不到主页统计", ErrPageLayout)
	}

	p := &Profile{Stats: make(map[string]int)}
	if dn := findFirst(doc, func(n *html.Node) bool { return hasClass(n, "displayname") }); dn != nil {
		p.DisplayName = textContent(dn)
	}

	for _, s := range stats {
		valueNode := findFirst(s, func(n *html.Node) bool { return hasClass(n, "value") })
		defNode := findFirst(s, func(n *html.Node) bool { return hasClass(n, "definition") })
		if valueNode == nil || defNode == nil {
			continue
		}
		value, err := strconv.Atoi(strings.NewReplacer(",", "", ".", "", " ", "").Replace(textContent(valueNode)))
		if err != nil {
			continue
		}
		key := strings.ReplaceAll(strings.ToLower(textContent(defNode)), " ", "_")
		p.Stats[key] = value
	}

	if favSection != nil {
		posters := findAll(favSection, func(n *html.Node) bool {
			return isElement(n, "li") && (hasClass(n, "poster-container") || hasClass(n, "griditem") || hasPosterData(n))
		})
		for i, li := range posters {
			row := parsePosterItem(li, i+1)
			if row.Ok() {
				p.Favorites = append(p.Favorites, *row.Stub)
			}
		}
	}
	return p, nil
}

// parseFilmPage 解析影片页的标题和 TMDB、IMDb 链接
//
// body 上的 data-tmdb-id 优先；data-tmdb-type 不是 movie 时（剧集）不取 TMDB ID。
func parseFilmPage(r io.Reader) (*FilmPage, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("解析 HTML 失败: %w", err)
	}

	page := &FilmPage{}
	if meta := findFirst(doc, func(n *html.Node) bool {
		return isElement(n, "meta") && attr(n, "property") == "og:title"
	}); meta != nil {
		page.Title, page.Year = splitTitleYear(attr(meta, "content"))
	}
	if page.Title == "" {
		if h1 := findFirst(doc, func(n *html.Node) bool { return isElement(n, "h1") && hasClass(n, "headline-1") }); h1 != nil {
			page.Title = textContent(h1)
		}
	}

	isMovie := true
	if body := findFirst(doc, func(n *html.Node) bool { return isElement(n, "body") }); body != nil {
		if t := attr(body, "data-tmdb-type"); t != "" && t != "movie" {
			isMovie = false
		}
		if id, err := strconv.ParseInt(attr(body, "data-tmdb-id"), 10, 64); err == nil && id > 0 && isMovie {
			page.TMDBID = id
		}
	}

	for _, a := range findAll(doc, func(n *html.Node) bool { return isElement(n, "a") }) {
		href := attr(a, "href")
		if m := tmdbLinkRegex.FindStringSubmatch(href); m != nil && page.TMDBID == 0 && isMovie {
			page.TMDBID, _ = strconv.ParseInt(m[1], 10, 64)
		}
		if m := imdbLinkRegex.FindStringSubmatch(href); m != nil && page.IMDbID == "" {
			page.IMDbID = m[1]
		}
	}

	if page.Title == "" && page.TMDBID == 0 && page.IMDbID == "" {
		return nil, fmt.Errorf("%w: 找不到影片信息", ErrPageLayout)
	}
	return page, nil
}

// splitTitleYear 把 "Heat (1995)" 拆成标题和年份
func splitTitleYear(name string) (string, int) {
	name = strings.TrimSpace(name)
	m := yearSuffixRegex.FindStringSubmatch(name)
	if m == nil {
		return name, 0
	}
	year, _ := strconv.Atoi(m[1])
	return strings.TrimSpace(name[:len(name)-len(m[0])]), year
}

// parseRatedClass rated-N 中的 N 是半星数
func parseRatedClass(class string) *float64 {
	m := ratedClassRegex.FindStringSubmatch(class)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 || n > 10 {
		return nil
	}
	rating := float64(n) / 2
	return &rating
}

func hasPosterData(n *html.Node) bool {
	return n.Type == html.ElementNode && (attr(n, "data-film-slug") != "" || attr(n, "data-item-slug") != "")
}

func hasNextLink(doc *html.Node) bool {
	return findFirst(doc, func(n *html.Node) bool {
		return isElement(n, "a") && hasClass(n, "next")
	}) != nil
}

func isEmptyState(doc *html.Node) bool {
	return findFirst(doc, func(n *html.Node) bool { return hasClass(n, "empty-state") }) != nil
}

// --- DOM 辅助 ---

func isElement(n *html.Node, tags ...string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, t := range tags {
		if n.Data == t {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func firstAttr(n *html.Node, keys ...string) string {
	for _, k := range keys {
		if v := attr(n, k); v != "" {
			return v
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

// findAll 返回所有匹配节点，不再深入已匹配节点的子树
func findAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if match(n) {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func textContent(n *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
			buf.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(buf.String(), " "))
}
