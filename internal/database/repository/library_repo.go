// Package repository 片库数据仓库（日记、看过、想看、最爱、主页）
package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/smysle/filmsync-go/internal/database/models"
)

// DiaryRepository 日记仓库
type DiaryRepository struct {
	db *gorm.DB
}

// NewDiaryRepository 创建日记仓库
func NewDiaryRepository(db *gorm.DB) *DiaryRepository {
	return &DiaryRepository{db: db}
}

// Upsert 以 (film_id, watched_date) 为键写入，内容相同时不做任何修改
func (r *DiaryRepository) Upsert(entry *models.DiaryEntry) (bool, error) {
	changed := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var existing models.DiaryEntry
		err := tx.Where("film_id = ? AND watched_date = ?", entry.FilmID, entry.WatchedDate).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			changed = true
			return tx.Create(entry).Error
		}
		if err != nil {
			return err
		}

		entry.ID = existing.ID
		if sameDiary(&existing, entry) {
			return nil
		}
		changed = true
		return tx.Model(&existing).Updates(map[string]interface{}{
			"rating":   entry.Rating,
			"liked":    entry.Liked,
			"rewatch":  entry.Rewatch,
			"review":   entry.Review,
			"entry_id": entry.EntryID,
		}).Error
	})
	return changed, err
}

func sameDiary(a, b *models.DiaryEntry) bool {
	return floatPtrEqual(a.Rating, b.Rating) &&
		a.Liked == b.Liked &&
		a.Rewatch == b.Rewatch &&
		a.Review == b.Review &&
		(b.EntryID == "" || a.EntryID == b.EntryID)
}

// Known 该影片在该日期是否已有日记
func (r *DiaryRepository) Known(slug string, date time.Time) (bool, error) {
	var count int64
	err := r.db.Model(&models.DiaryEntry{}).
		Joins("JOIN films ON films.id = diary_entries.film_id").
		Where("films.slug = ? AND diary_entries.watched_date = ?", slug, date).
		Count(&count).Error
	return count > 0, err
}

// ListByFilm 某部影片的全部日记
func (r *DiaryRepository) ListByFilm(filmID uint) ([]models.DiaryEntry, error) {
	var entries []models.DiaryEntry
	err := r.db.Where("film_id = ?", filmID).Order("watched_date ASC").Find(&entries).Error
	return entries, err
}

// Count 日记总数
func (r *DiaryRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.DiaryEntry{}).Count(&count).Error
	return count, err
}

// WatchedRepository 看过影片仓库
type WatchedRepository struct {
	db *gorm.DB
}

// NewWatchedRepository 创建看过影片仓库
func NewWatchedRepository(db *gorm.DB) *WatchedRepository {
	return &WatchedRepository{db: db}
}

// Upsert 写入看过列表中的评分和喜欢标记
func (r *WatchedRepository) Upsert(filmID uint, rating *float64, liked bool) (bool, error) {
	changed := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var existing models.WatchedFilm
		err := tx.Where("film_id = ?", filmID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			changed = true
			return tx.Create(&models.WatchedFilm{FilmID: filmID, Rating: rating, Liked: liked}).Error
		}
		if err != nil {
			return err
		}
		if floatPtrEqual(existing.Rating, rating) && existing.Liked == liked {
			return nil
		}
		changed = true
		return tx.Model(&existing).Updates(map[string]interface{}{
			"rating": rating,
			"liked":  liked,
		}).Error
	})
	return changed, err
}

// RefreshAggregates 根据日记重新计算观看次数、首次和最近观看日期
//
// 看过列表里的评分优先，只有缺失时才取最近一条带评分的日记。
func (r *WatchedRepository) RefreshAggregates(filmIDs []uint) error {
	for _, filmID := range filmIDs {
		err := r.db.Transaction(func(tx *gorm.DB) error {
			var entries []models.DiaryEntry
			if err := tx.Where("film_id = ?", filmID).Order("watched_date ASC").Find(&entries).Error; err != nil {
				return err
			}
			if len(entries) == 0 {
				return nil
			}

			first := entries[0].WatchedDate
			last := entries[len(entries)-1].WatchedDate
			liked := false
			var latestRating *float64
			for i := range entries {
				liked = liked || entries[i].Liked
				if entries[i].Rating != nil {
					latestRating = entries[i].Rating
				}
			}

			var row models.WatchedFilm
			err := tx.Where("film_id = ?", filmID).First(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return tx.Create(&models.WatchedFilm{
					FilmID:       filmID,
					Rating:       latestRating,
					Liked:        liked,
					WatchCount:   len(entries),
					FirstWatched: &first,
					LastWatched:  &last,
				}).Error
			}
			if err != nil {
				return err
			}

			updates := map[string]interface{}{
				"watch_count":   len(entries),
				"first_watched": first,
				"last_watched":  last,
				"liked":         row.Liked || liked,
			}
			if row.Rating == nil && latestRating != nil {
				updates["rating"] = latestRating
			}
			return tx.Model(&row).Updates(updates).Error
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// GetByFilm 获取某部影片的看过记录
func (r *WatchedRepository) GetByFilm(filmID uint) (*models.WatchedFilm, error) {
	var row models.WatchedFilm
	err := r.db.Where("film_id = ?", filmID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &row, err
}

// Count 看过影片数
func (r *WatchedRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.WatchedFilm{}).Count(&count).Error
	return count, err
}

// WatchlistRepository 想看列表仓库
type WatchlistRepository struct {
	db *gorm.DB
}

// NewWatchlistRepository 创建想看列表仓库
func NewWatchlistRepository(db *gorm.DB) *WatchlistRepository {
	return &WatchlistRepository{db: db}
}

// MarkSeen 标记本批次抓取到的影片，不存在则插入
func (r *WatchlistRepository) MarkSeen(filmIDs []uint, pass string, now time.Time) error {
	if len(filmIDs) == 0 {
		return nil
	}
	items := make([]models.WatchlistItem, 0, len(filmIDs))
	for _, id := range filmIDs {
		items = append(items, models.WatchlistItem{FilmID: id, SeenPass: pass, AddedAt: now})
	}
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "film_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"seen_pass"}),
	}).CreateInBatches(items, 100).Error
}

// Sweep 删除本批次没有出现的条目（全量替换）
func (r *WatchlistRepository) Sweep(pass string) (int64, error) {
	res := r.db.Where("seen_pass <> ? OR seen_pass IS NULL", pass).Delete(&models.WatchlistItem{})
	return res.RowsAffected, res.Error
}

// FilmIDs 当前想看列表中的影片
func (r *WatchlistRepository) FilmIDs() ([]uint, error) {
	var ids []uint
	err := r.db.Model(&models.WatchlistItem{}).Order("film_id").Pluck("film_id", &ids).Error
	return ids, err
}

// Count 想看条目数
func (r *WatchlistRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.WatchlistItem{}).Count(&count).Error
	return count, err
}

// ProfileRepository 主页与最爱仓库
type ProfileRepository struct {
	db *gorm.DB
}

// NewProfileRepository 创建主页仓库
func NewProfileRepository(db *gorm.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// Save 写入主页统计（单行）
func (r *ProfileRepository) Save(p *models.Profile) error {
	p.ID = 1
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "display_name", "stats", "updated_at"}),
	}).Create(p).Error
}

// Get 读取主页统计
func (r *ProfileRepository) Get() (*models.Profile, error) {
	var p models.Profile
	err := r.db.First(&p, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &p, err
}

// ReplaceFavorites 清空旧的最爱后写入新列表
func (r *ProfileRepository) ReplaceFavorites(favs []models.Favorite) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.Favorite{}).Error; err != nil {
			return err
		}
		if len(favs) == 0 {
			return nil
		}
		return tx.CreateInBatches(favs, 100).Error
	})
}

// Favorites 当前最爱，按位置排序
func (r *ProfileRepository) Favorites() ([]models.Favorite, error) {
	var favs []models.Favorite
	err := r.db.Order("position ASC").Find(&favs).Error
	return favs, err
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
