// Package models 数据模型 - 影片
package models

import (
	"time"

	"gorm.io/datatypes"
)

// CastMember 演员
type CastMember struct {
	Name      string `json:"name"`
	Character string `json:"character,omitempty"`
	Order     int    `json:"order"`
}

// Collection 系列
type Collection struct {
	ID    int64    `json:"id"`
	Name  string   `json:"name"`
	Parts []string `json:"parts,omitempty"`
}

// Provider 观看渠道
type Provider struct {
	Name string `json:"name"`
	Type string `json:"type"` // flatrate | rent | buy
}

// FilmMetadata 元数据提供方返回的扩展属性
type FilmMetadata struct {
	OriginalTitle string       `json:"original_title,omitempty"`
	Overview      string       `json:"overview,omitempty"`
	Tagline       string       `json:"tagline,omitempty"`
	ReleaseDate   string       `json:"release_date,omitempty"`
	Budget        int64        `json:"budget,omitempty"`
	Revenue       int64        `json:"revenue,omitempty"`
	Genres        []string     `json:"genres,omitempty"`
	Cast          []CastMember `json:"cast,omitempty"`
	Directors     []string     `json:"directors,omitempty"`
	Keywords      []string     `json:"keywords,omitempty"`
	Certification string       `json:"certification,omitempty"`
	Collection    *Collection  `json:"collection,omitempty"`
	Providers     []Provider   `json:"providers,omitempty"`
	Countries     []string     `json:"countries,omitempty"`
	Languages     []string     `json:"languages,omitempty"`
	VoteAverage   float64      `json:"vote_average,omitempty"`
	VoteCount     int          `json:"vote_count,omitempty"`
}

// Film 影片表，以来源站点的 slug 去重
type Film struct {
	ID               uint                             `gorm:"column:id;primaryKey" json:"id"`
	Slug             string                           `gorm:"column:slug;size:255;uniqueIndex;not null" json:"slug"`
	Title            string                           `gorm:"column:title;size:512" json:"title"`
	Year             int                              `gorm:"column:year" json:"year,omitempty"`
	Runtime          int                              `gorm:"column:runtime" json:"runtime,omitempty"` // 分钟
	PosterURL        string                           `gorm:"column:poster_url;size:1024" json:"poster_url,omitempty"`
	TMDBID           *int64                           `gorm:"column:tmdb_id;index" json:"tmdb_id,omitempty"`
	IMDbID           string                           `gorm:"column:imdb_id;size:32" json:"imdb_id,omitempty"`
	Metadata         datatypes.JSONType[FilmMetadata] `gorm:"column:metadata" json:"metadata"`
	MetadataSyncedAt *time.Time                       `gorm:"column:metadata_synced_at;index" json:"metadata_synced_at,omitempty"`
	CreatedAt        time.Time                        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time                        `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 表名
func (Film) TableName() string {
	return "films"
}

// IsEnriched 是否已有元数据
func (f *Film) IsEnriched() bool {
	return f.TMDBID != nil && f.MetadataSyncedAt != nil
}

// NeedsEnrichment 元数据缺失或早于 staleness 视为过期
func (f *Film) NeedsEnrichment(now time.Time, staleness time.Duration) bool {
	if f.MetadataSyncedAt == nil {
		return true
	}
	return now.Sub(*f.MetadataSyncedAt) > staleness
}
