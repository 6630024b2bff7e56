package tmdb

import (
	"fmt"

	"github.com/smysle/filmsync-go/internal/database/models"
	"github.com/smysle/filmsync-go/pkg/ratelimit"
)

// ErrNoMatch 搜索没有足够接近的候选，影片保持未补全，下次同步再试
var ErrNoMatch = fmt.Errorf("没有匹配的影片: %w", ratelimit.ErrNotFound)

// FilmRef 需要补全的影片
type FilmRef struct {
	Slug   string
	Title  string
	Year   int
	TMDBID int64 // 之前已补全过时直接按 ID 获取
}

// EnrichedFilm 一次完整补全的结果
type EnrichedFilm struct {
	TMDBID    int64
	IMDbID    string
	Title     string
	Runtime   int
	PosterURL string
	Metadata  models.FilmMetadata
}

// --- API 响应 ---

type searchResponse struct {
	Page    int            `json:"page"`
	Results []searchResult `json:"results"`
}

type searchResult struct {
	ID            int64   `json:"id"`
	Title         string  `json:"title"`
	OriginalTitle string  `json:"original_title"`
	ReleaseDate   string  `json:"release_date"`
	Popularity    float64 `json:"popularity"`
}

// Year 上映年份，未知为 0
func (r searchResult) Year() int {
	return yearOf(r.ReleaseDate)
}

type namedItem struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type movieDetails struct {
	ID                  int64       `json:"id"`
	IMDbID              string      `json:"imdb_id"`
	Title               string      `json:"title"`
	OriginalTitle       string      `json:"original_title"`
	Overview            string      `json:"overview"`
	Tagline             string      `json:"tagline"`
	ReleaseDate         string      `json:"release_date"`
	Runtime             int         `json:"runtime"`
	Budget              int64       `json:"budget"`
	Revenue             int64       `json:"revenue"`
	PosterPath          string      `json:"poster_path"`
	VoteAverage         float64     `json:"vote_average"`
	VoteCount           int         `json:"vote_count"`
	Genres              []namedItem `json:"genres"`
	BelongsToCollection *namedItem  `json:"belongs_to_collection"`
	ProductionCountries []struct {
		ISO  string `json:"iso_3166_1"`
		Name string `json:"name"`
	} `json:"production_countries"`
	SpokenLanguages []struct {
		ISO         string `json:"iso_639_1"`
		EnglishName string `json:"english_name"`
	} `json:"spoken_languages"`
}

type creditsResponse struct {
	Cast []struct {
		Name      string `json:"name"`
		Character string `json:"character"`
		Order     int    `json:"order"`
	} `json:"cast"`
	Crew []struct {
		Name string `json:"name"`
		Job  string `json:"job"`
	} `json:"crew"`
}

type keywordsResponse struct {
	Keywords []namedItem `json:"keywords"`
}

type releaseDatesResponse struct {
	Results []struct {
		ISO          string `json:"iso_3166_1"`
		ReleaseDates []struct {
			Certification string `json:"certification"`
			Type          int    `json:"type"`
		} `json:"release_dates"`
	} `json:"results"`
}

type providerEntry struct {
	ProviderName string `json:"provider_name"`
}

type watchProvidersResponse struct {
	Results map[string]struct {
		Flatrate []providerEntry `json:"flatrate"`
		Rent     []providerEntry `json:"rent"`
		Buy      []providerEntry `json:"buy"`
	} `json:"results"`
}

type collectionResponse struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Parts []struct {
		Title       string `json:"title"`
		ReleaseDate string `json:"release_date"`
	} `json:"parts"`
}
