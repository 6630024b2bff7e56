// Package models 数据模型 - 用户片库
package models

import (
	"time"

	"gorm.io/datatypes"
)

// DiaryEntry 一次观影记录，(film_id, watched_date) 唯一
type DiaryEntry struct {
	ID          uint      `gorm:"column:id;primaryKey" json:"id"`
	FilmID      uint      `gorm:"column:film_id;not null;uniqueIndex:idx_diary_film_date,priority:1" json:"film_id"`
	WatchedDate time.Time `gorm:"column:watched_date;not null;uniqueIndex:idx_diary_film_date,priority:2;index" json:"watched_date"`
	Rating      *float64  `gorm:"column:rating" json:"rating,omitempty"` // 0.5 - 5
	Liked       bool      `gorm:"column:liked;default:false" json:"liked"`
	Rewatch     bool      `gorm:"column:rewatch;default:false" json:"rewatch"`
	Review      string    `gorm:"column:review;type:text" json:"review,omitempty"`
	EntryID     string    `gorm:"column:entry_id;size:64" json:"entry_id,omitempty"` // 来源站点的 viewing id
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 表名
func (DiaryEntry) TableName() string {
	return "diary_entries"
}

// WatchedFilm 看过的影片（含未写日记的），聚合日记数据
type WatchedFilm struct {
	ID           uint       `gorm:"column:id;primaryKey" json:"id"`
	FilmID       uint       `gorm:"column:film_id;not null;uniqueIndex" json:"film_id"`
	Rating       *float64   `gorm:"column:rating" json:"rating,omitempty"`
	Liked        bool       `gorm:"column:liked;default:false" json:"liked"`
	WatchCount   int        `gorm:"column:watch_count;default:0" json:"watch_count"`
	FirstWatched *time.Time `gorm:"column:first_watched" json:"first_watched,omitempty"`
	LastWatched  *time.Time `gorm:"column:last_watched" json:"last_watched,omitempty"`
	UpdatedAt    time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 表名
func (WatchedFilm) TableName() string {
	return "watched_films"
}

// WatchlistItem 想看列表，仅记录成员关系
type WatchlistItem struct {
	ID       uint      `gorm:"column:id;primaryKey" json:"id"`
	FilmID   uint      `gorm:"column:film_id;not null;uniqueIndex" json:"film_id"`
	SeenPass string    `gorm:"column:seen_pass;size:64;index" json:"-"` // 最近一次在抓取中出现的批次
	AddedAt  time.Time `gorm:"column:added_at" json:"added_at"`
}

// TableName 表名
func (WatchlistItem) TableName() string {
	return "watchlist_items"
}

// Favorite 个人主页的四部最爱
type Favorite struct {
	ID       uint `gorm:"column:id;primaryKey" json:"id"`
	FilmID   uint `gorm:"column:film_id;not null" json:"film_id"`
	Position int  `gorm:"column:position" json:"position"`
}

// TableName 表名
func (Favorite) TableName() string {
	return "favorites"
}

// Profile 个人主页统计，单行
type Profile struct {
	ID          uint                               `gorm:"column:id;primaryKey;autoIncrement:false" json:"-"`
	Username    string                             `gorm:"column:username;size:128" json:"username"`
	DisplayName string                             `gorm:"column:display_name;size:255" json:"display_name"`
	Stats       datatypes.JSONType[map[string]int] `gorm:"column:stats" json:"stats"`
	UpdatedAt   time.Time                          `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 表名
func (Profile) TableName() string {
	return "profile"
}
