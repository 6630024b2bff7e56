// Package repository 影片数据仓库
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

// FilmRepository 影片仓库
type FilmRepository struct {
	db *gorm.DB
}

// NewFilmRepository 创建影片仓库
func NewFilmRepository(db *gorm.DB) *FilmRepository {
	return &FilmRepository{db: db}
}

// GetBySlug 根据 slug 获取影片，不存在时返回 nil, nil
func (r *FilmRepository) GetBySlug(slug string) (*models.Film, error) {
	var film models.Film
	err := r.db.Where("slug = ?", slug).First(&film).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &film, nil
}

// GetByID 根据 ID 获取影片
func (r *FilmRepository) GetByID(id uint) (*models.Film, error) {
	var film models.Film
	if err := r.db.First(&film, id).Error; err != nil {
		return nil, err
	}
	return &film, nil
}

// CreateIfMissing 按 slug 插入，已存在则返回已有记录
//
// 依赖 slug 唯一索引，并发插入同一 slug 时只有一个成功，其余读回已有行。
func (r *FilmRepository) CreateIfMissing(film *models.Film) (*models.Film, bool, error) {
	res := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoNothing: true,
	}).Create(film)
	if res.Error != nil {
		return nil, false, fmt.Errorf("创建影片失败: %w", res.Error)
	}
	if res.RowsAffected == 1 && film.ID != 0 {
		return film, true, nil
	}

	existing, err := r.GetBySlug(film.Slug)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("影片 %s 插入后不可见", film.Slug)
	}
	return existing, false, nil
}

// FillBasics 仅在字段为空时补齐标题和年份
func (r *FilmRepository) FillBasics(id uint, title string, year int) error {
	if title != "" {
		if err := r.db.Model(&models.Film{}).
			Where("id = ? AND (title IS NULL OR title = '')", id).
			Update("title", title).Error; err != nil {
			return err
		}
	}
	if year > 0 {
		if err := r.db.Model(&models.Film{}).
			Where("id = ? AND (year IS NULL OR year = 0)", id).
			Update("year", year).Error; err != nil {
			return err
		}
	}
	return nil
}

// SetExternalIDs 写入来源站点影片页上的外部 ID，只填空字段
func (r *FilmRepository) SetExternalIDs(filmID uint, tmdbID int64, imdbID string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if tmdbID > 0 {
			if err := tx.Model(&models.Film{}).
				Where("id = ? AND tmdb_id IS NULL", filmID).
				Update("tmdb_id", tmdbID).Error; err != nil {
				return err
			}
		}
		if imdbID != "" {
			if err := tx.Model(&models.Film{}).
				Where("id = ? AND (imdb_id IS NULL OR imdb_id = '')", filmID).
				Update("imdb_id", imdbID).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Enrichment 一次完整的元数据补全结果
type Enrichment struct {
	TMDBID    int64
	IMDbID    string
	Title     string
	Runtime   int
	PosterURL string
	Metadata  models.FilmMetadata
	SyncedAt  time.Time
}

// ApplyEnrichment 用一次 UPDATE 写入全部元数据，要么全部生效要么都不生效
func (r *FilmRepository) ApplyEnrichment(filmID uint, e Enrichment) error {
	if e.TMDBID <= 0 {
		return errors.New("补全结果缺少 TMDB ID")
	}

	updates := map[string]interface{}{
		"tmdb_id":            e.TMDBID,
		"metadata":           datatypes.NewJSONType(e.Metadata),
		"metadata_synced_at": e.SyncedAt,
	}
	if e.IMDbID != "" {
		updates["imdb_id"] = e.IMDbID
	}
	if e.Runtime > 0 {
		updates["runtime"] = e.Runtime
	}
	if e.PosterURL != "" {
		updates["poster_url"] = e.PosterURL
	}

	res := r.db.Model(&models.Film{}).Where("id = ?", filmID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("写入元数据失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("影片 %d 不存在", filmID)
	}

	// 空标题用提供方的标题补齐
	if e.Title != "" {
		return r.FillBasics(filmID, e.Title, 0)
	}
	return nil
}

// Count 影片总数
func (r *FilmRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.Film{}).Count(&count).Error
	return count, err
}

// CountEnriched 已补全元数据的影片数
func (r *FilmRepository) CountEnriched() (int64, error) {
	var count int64
	err := r.db.Model(&models.Film{}).Where("metadata_synced_at IS NOT NULL").Count(&count).Error
	return count, err
}
