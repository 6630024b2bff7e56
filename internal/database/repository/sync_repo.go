// Package repository 同步状态仓库
package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/smysle/filmsync-go/internal/database/models"
)

// ErrRunNotOwner 当前运行已不持有同步锁
var ErrRunNotOwner = errors.New("同步状态不属于当前运行")

// InterruptedMessage 进程异常退出后遗留的运行被标记为失败时的说明
const InterruptedMessage = "上次同步被中断，下次运行时将从断点继续"

// SyncRepository 同步状态仓库
type SyncRepository struct {
	db *gorm.DB
}

// NewSyncRepository 创建同步状态仓库
func NewSyncRepository(db *gorm.DB) *SyncRepository {
	return &SyncRepository{db: db}
}

func (r *SyncRepository) status() *gorm.DB {
	return r.db.Model(&models.SyncStatus{}).Where("id = ?", models.SyncStatusID)
}

// EnsureRow 确保单例行存在
func (r *SyncRepository) EnsureRow() error {
	return r.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.SyncStatus{ID: models.SyncStatusID}).Error
}

// Get 读取当前状态
func (r *SyncRepository) Get() (*models.SyncStatus, error) {
	var s models.SyncStatus
	if err := r.db.First(&s, models.SyncStatusID).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// RecoverInterrupted 把崩溃遗留的 is_running 重置为失败，保留断点
func (r *SyncRepository) RecoverInterrupted(now time.Time) (bool, error) {
	res := r.status().Where("is_running = ?", true).Updates(map[string]interface{}{
		"is_running":       false,
		"run_id":           "",
		"running_since":    nil,
		"last_sync_at":     now,
		"last_sync_status": models.SyncFailed,
		"last_sync_error":  InterruptedMessage,
	})
	return res.RowsAffected > 0, res.Error
}

// TryAcquire 原子地把 is_running 从 false 置为 true，返回是否抢到
func (r *SyncRepository) TryAcquire(runID string, now time.Time) (bool, error) {
	res := r.status().Where("is_running = ?", false).Updates(map[string]interface{}{
		"is_running":    true,
		"run_id":        runID,
		"running_since": now,
	})
	if res.Error != nil {
		return false, fmt.Errorf("获取同步锁失败: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SaveCheckpoint 持久化断点，只允许持锁的运行写入
func (r *SyncRepository) SaveCheckpoint(runID string, cp models.Checkpoint) error {
	res := r.status().Where("run_id = ? AND is_running = ?", runID, true).Updates(checkpointColumns(cp))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRunNotOwner
	}
	return nil
}

// Release 释放同步锁，不改动上次结果和断点
func (r *SyncRepository) Release(runID string) error {
	return r.status().Where("run_id = ? AND is_running = ?", runID, true).Updates(map[string]interface{}{
		"is_running":    false,
		"run_id":        "",
		"running_since": nil,
	}).Error
}

// FinishState 运行结束时一次性写入的状态
type FinishState struct {
	At         time.Time
	Status     models.SyncResult
	Items      int
	Error      string
	Checkpoint models.Checkpoint
}

// Finish 释放同步锁并在同一条 UPDATE 中写入最终结果
func (r *SyncRepository) Finish(runID string, st FinishState) error {
	updates := checkpointColumns(st.Checkpoint)
	updates["is_running"] = false
	updates["run_id"] = ""
	updates["running_since"] = nil
	updates["last_sync_at"] = st.At
	updates["last_sync_status"] = st.Status
	updates["last_sync_items"] = st.Items
	updates["last_sync_error"] = st.Error

	res := r.status().Where("run_id = ? AND is_running = ?", runID, true).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("写入同步结果失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRunNotOwner
	}
	return nil
}

func checkpointColumns(cp models.Checkpoint) map[string]interface{} {
	return map[string]interface{}{
		"checkpoint_listing": cp.Listing,
		"checkpoint_page":    cp.Page,
		"checkpoint_item":    cp.Item,
		"checkpoint_pass":    cp.Pass,
	}
}

// CreateRun 记录一次运行开始
func (r *SyncRepository) CreateRun(run *models.SyncRun) error {
	return r.db.Create(run).Error
}

// FinishRun 记录一次运行结束
func (r *SyncRepository) FinishRun(runID string, finishedAt time.Time, status string, items int, errMsg string, summary []models.ListingSummary) error {
	return r.db.Model(&models.SyncRun{}).Where("run_id = ?", runID).Updates(map[string]interface{}{
		"finished_at": finishedAt,
		"status":      status,
		"items":       items,
		"error":       errMsg,
		"summary":     datatypes.NewJSONType(summary),
	}).Error
}

// ListRuns 最近的运行记录
func (r *SyncRepository) ListRuns(limit int) ([]models.SyncRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var runs []models.SyncRun
	err := r.db.Order("started_at DESC, id DESC").Limit(limit).Find(&runs).Error
	return runs, err
}
