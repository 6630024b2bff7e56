// Package service 同步业务逻辑
package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/smysle/filmsync-go/internal/database/models"
	"github.com/smysle/filmsync-go/internal/database/repository"
	"github.com/smysle/filmsync-go/internal/letterboxd"
)

// DefaultStaleness 元数据过期时间
const DefaultStaleness = 30 * 24 * time.Hour

// StaleAlways 每次运行都重新补全已有元数据
const StaleAlways time.Duration = -1

// Resolver 把抓取到的条目对应到本地影片
type Resolver struct {
	films     *repository.FilmRepository
	diary     *repository.DiaryRepository
	staleness time.Duration
	now       func() time.Time
}

// NewResolver 创建 Resolver，staleness 为 0 时使用默认值，为负数时总是需要补全
func NewResolver(films *repository.FilmRepository, diary *repository.DiaryRepository, staleness time.Duration) *Resolver {
	if staleness == 0 {
		staleness = DefaultStaleness
	}
	return &Resolver{
		films:     films,
		diary:     diary,
		staleness: staleness,
		now:       time.Now,
	}
}

// Resolve 按 slug 查找影片，不存在时创建最小记录
//
// 新建的影片总是需要补全；已有影片只有从未补全或元数据过期时才需要。
func (r *Resolver) Resolve(stub letterboxd.FilmStub) (*models.Film, bool, error) {
	if stub.Slug == "" {
		return nil, false, errors.New("条目缺少 slug")
	}

	film, err := r.films.GetBySlug(stub.Slug)
	if err != nil {
		return nil, false, fmt.Errorf("查询影片 %s 失败: %w", stub.Slug, err)
	}
	if film == nil {
		created, isNew, err := r.films.CreateIfMissing(&models.Film{
			Slug:  stub.Slug,
			Title: stub.Title,
			Year:  stub.Year,
		})
		if err != nil {
			return nil, false, err
		}
		if isNew {
			return created, true, nil
		}
		film = created
	}

	if (film.Title == "" && stub.Title != "") || (film.Year == 0 && stub.Year > 0) {
		if err := r.films.FillBasics(film.ID, stub.Title, stub.Year); err != nil {
			return nil, false, fmt.Errorf("补齐影片 %s 基本信息失败: %w", stub.Slug, err)
		}
		if film.Title == "" {
			film.Title = stub.Title
		}
		if film.Year == 0 {
			film.Year = stub.Year
		}
	}

	return film, film.NeedsEnrichment(r.now(), r.staleness), nil
}

// UpsertDiary 以 (影片, 观看日期) 为键写入日记，内容没变时不写
func (r *Resolver) UpsertDiary(filmID uint, stub letterboxd.FilmStub) (bool, error) {
	if stub.WatchedDate == nil {
		return false, fmt.Errorf("日记 %s 缺少观看日期", stub.Slug)
	}
	return r.diary.Upsert(&models.DiaryEntry{
		FilmID:      filmID,
		WatchedDate: *stub.WatchedDate,
		Rating:      stub.Rating,
		Liked:       stub.Liked,
		Rewatch:     stub.Rewatch,
		Review:      stub.Review,
		EntryID:     stub.EntryID,
	})
}
