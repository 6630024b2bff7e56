// Package models 数据模型 - 同步状态
package models

import (
	"time"

	"gorm.io/datatypes"
)

// SyncResult 一次运行的最终结果
type SyncResult string

const (
	SyncSuccess SyncResult = "success"
	SyncFailed  SyncResult = "failed"
	SyncPartial SyncResult = "partial"
)

// SyncStatusID 单例行主键
const SyncStatusID = 1

// SyncStatus 全局同步状态，只有一行
//
// is_running 通过条件更新做 compare-and-swap，保证同一时刻最多一次运行。
type SyncStatus struct {
	ID             uint       `gorm:"column:id;primaryKey;autoIncrement:false" json:"-"`
	IsRunning      bool       `gorm:"column:is_running;not null;default:false" json:"is_running"`
	RunID          string     `gorm:"column:run_id;size:64" json:"run_id,omitempty"`
	RunningSince   *time.Time `gorm:"column:running_since" json:"running_since,omitempty"`
	LastSyncAt     *time.Time `gorm:"column:last_sync_at" json:"last_sync_at,omitempty"`
	LastSyncStatus SyncResult `gorm:"column:last_sync_status;size:16" json:"last_sync_status,omitempty"`
	LastSyncItems  int        `gorm:"column:last_sync_items;default:0" json:"last_sync_items"`
	LastSyncError  string     `gorm:"column:last_sync_error;type:text" json:"last_sync_error,omitempty"`

	// 断点：列表类型 + 页码 + 该页最后处理的条目
	CheckpointListing string `gorm:"column:checkpoint_listing;size:32" json:"checkpoint_listing,omitempty"`
	CheckpointPage    int    `gorm:"column:checkpoint_page;default:0" json:"checkpoint_page,omitempty"`
	CheckpointItem    string `gorm:"column:checkpoint_item;size:255" json:"checkpoint_item,omitempty"`
	CheckpointPass    string `gorm:"column:checkpoint_pass;size:64" json:"-"`
}

// TableName 表名
func (SyncStatus) TableName() string {
	return "sync_status"
}

// Checkpoint 断点
type Checkpoint struct {
	Listing string `json:"listing"`
	Page    int    `json:"page"`
	Item    string `json:"item,omitempty"`
	Pass    string `json:"pass,omitempty"`
}

// IsZero 没有断点
func (c Checkpoint) IsZero() bool {
	return c.Listing == ""
}

// Checkpoint 当前断点
func (s *SyncStatus) Checkpoint() Checkpoint {
	return Checkpoint{
		Listing: s.CheckpointListing,
		Page:    s.CheckpointPage,
		Item:    s.CheckpointItem,
		Pass:    s.CheckpointPass,
	}
}

// NeedsRetry 上次运行没有完全成功
func (s *SyncStatus) NeedsRetry() bool {
	return s.LastSyncStatus == SyncFailed || s.LastSyncStatus == SyncPartial
}

// ListingSummary 单个列表的运行摘要
type ListingSummary struct {
	Listing   string `json:"listing"`
	Status    string `json:"status"`
	Items     int    `json:"items"`
	Enriched  int    `json:"enriched"`
	Unmatched int    `json:"unmatched"`
	Skipped   int    `json:"skipped"`
	Error     string `json:"error,omitempty"`
}

// SyncRun 同步历史
type SyncRun struct {
	ID         uint                                 `gorm:"column:id;primaryKey" json:"id"`
	RunID      string                               `gorm:"column:run_id;size:64;uniqueIndex" json:"run_id"`
	Trigger    string                               `gorm:"column:trigger_source;size:16" json:"trigger"`
	StartedAt  time.Time                            `gorm:"column:started_at;index" json:"started_at"`
	FinishedAt *time.Time                           `gorm:"column:finished_at" json:"finished_at,omitempty"`
	Status     string                               `gorm:"column:status;size:16" json:"status"`
	Items      int                                  `gorm:"column:items" json:"items"`
	Error      string                               `gorm:"column:error;type:text" json:"error,omitempty"`
	Summary    datatypes.JSONType[[]ListingSummary] `gorm:"column:summary" json:"summary"`
}

// TableName 表名
func (SyncRun) TableName() string {
	return "sync_runs"
}
