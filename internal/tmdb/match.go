package tmdb

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// minExactYearSimilarity 年份完全一致时允许的最低标题相似度
const minExactYearSimilarity = 0.5

var leadingArticles = []string{"the ", "a ", "an "}

// normalizeTitle 去掉变音符号、标点和开头的冠词，转小写
func normalizeTitle(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.ToLower(out)
	out = strings.ReplaceAll(out, "&", " and ")

	var b strings.Builder
	for _, r := range out {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	out = strings.Join(strings.Fields(b.String()), " ")

	for _, a := range leadingArticles {
		if strings.HasPrefix(out, a) && len(out) > len(a) {
			out = out[len(a):]
			break
		}
	}
	return out
}

// similarity 归一化编辑距离，1 表示完全相同
func similarity(a, b string) float64 {
	ra, rb := []rune(normalizeTitle(a)), []rune(normalizeTitle(b))
	if len(ra) == 0 && len(rb) == 0 {
		return 1
	}
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// titleScore 取译名和原名中更接近的一个
func titleScore(r searchResult, title string) float64 {
	score := similarity(r.Title, title)
	if r.OriginalTitle != "" {
		if s := similarity(r.OriginalTitle, title); s > score {
			score = s
		}
	}
	return score
}

// pickCandidate 先在年份完全一致的候选中选标题最接近的，否则要求相似度达到阈值
func pickCandidate(results []searchResult, title string, year int, threshold float64) (searchResult, bool) {
	var (
		best      searchResult
		bestScore = -1.0
	)
	if year > 0 {
		for _, r := range results {
			if r.Year() != year {
				continue
			}
			if s := titleScore(r, title); s >= minExactYearSimilarity && s > bestScore {
				best, bestScore = r, s
			}
		}
		if bestScore >= 0 {
			return best, true
		}
	}

	for _, r := range results {
		if s := titleScore(r, title); s >= threshold && s > bestScore {
			best, bestScore = r, s
		}
	}
	return best, bestScore >= 0
}

func yearOf(date string) int {
	if len(date) < 4 {
		return 0
	}
	y, err := strconv.Atoi(date[:4])
	if err != nil {
		return 0
	}
	return y
}
