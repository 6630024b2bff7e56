package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/smysle/filmsync-go/internal/config"
	"github.com/smysle/filmsync-go/internal/database/models"
	"github.com/smysle/filmsync-go/internal/database/repository"
	"github.com/smysle/filmsync-go/internal/letterboxd"
	"github.com/smysle/filmsync-go/internal/tmdb"
	"github.com/smysle/filmsync-go/pkg/logger"
	"github.com/smysle/filmsync-go/pkg/ratelimit"
)

// State 同步状态
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StatePartial   State = "partial"
)

// 触发来源
const (
	TriggerScheduled = "schedule"
	TriggerManual    = "manual"
)

// ErrAlreadyRunning 已有同步在运行，本次触发被忽略
var ErrAlreadyRunning = errors.New("同步正在进行中")

var errStopped = errors.New("同步被中止")

const resumeHint = "下次运行时将从断点继续"

// 写入最终结果的重试次数和间隔
const finishAttempts = 3

var finishRetryDelay = 500 * time.Millisecond

// 列表的固定处理顺序
var listingOrder = []letterboxd.Listing{
	letterboxd.ListingFavorites,
	letterboxd.ListingProfile,
	letterboxd.ListingWatched,
	letterboxd.ListingDiary,
	letterboxd.ListingWatchlist,
}

// Scraper 来源站点
type Scraper interface {
	letterboxd.PageFetcher
	FetchProfile(ctx context.Context) (*letterboxd.Profile, error)
	FetchFilm(ctx context.Context, slug string) (*letterboxd.FilmPage, error)
}

// Enricher 元数据来源
type Enricher interface {
	Enrich(ctx context.Context, ref tmdb.FilmRef) (*tmdb.EnrichedFilm, error)
}

// Runner 定时任务和手动触发共用的入口
type Runner interface {
	RunOnce(ctx context.Context) Outcome
}

const (
	listingOK      = "ok"
	listingFailed  = "failed"
	listingStopped = "stopped"
)

// ListingResult 单个列表的处理结果
type ListingResult struct {
	Listing   letterboxd.Listing
	Status    string
	Items     int
	Enriched  int
	Unmatched int
	Skipped   int
	Err       error
}

// OK 是否完整处理
func (r ListingResult) OK() bool {
	return r.Status == listingOK
}

// Outcome 一次运行的结果
type Outcome struct {
	RunID      string
	State      State
	Items      int
	Listings   []ListingResult
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Failed 是否需要重试，部分成功也算
func (o Outcome) Failed() bool {
	return o.State == StateFailed || o.State == StatePartial
}

// AlreadyRunning 是否因已有运行而被忽略
func (o Outcome) AlreadyRunning() bool {
	return errors.Is(o.Err, ErrAlreadyRunning)
}

// SyncOptions 同步参数
//
// Staleness 为 0 时使用 DefaultStaleness，为 StaleAlways 时每次都重新补全。
type SyncOptions struct {
	Listings  []letterboxd.Listing
	BatchSize int
	Workers   int
	Lookback  time.Duration
	Staleness time.Duration
}

// OptionsFromConfig 从配置构造同步参数
func OptionsFromConfig(cfg config.SyncConfig) SyncOptions {
	opts := SyncOptions{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Lookback:  cfg.Lookback(),
		Staleness: cfg.Staleness(),
	}
	if opts.Staleness == 0 {
		opts.Staleness = StaleAlways
	}
	for _, name := range cfg.Listings {
		l, err := letterboxd.ParseListing(name)
		if err != nil {
			logger.Warn().Str("listing", name).Msg("忽略未知的列表类型")
			continue
		}
		opts.Listings = append(opts.Listings, l)
	}
	return opts
}

// SyncService 同步编排
type SyncService struct {
	scraper   Scraper
	enricher  Enricher
	resolver  *Resolver
	films     *repository.FilmRepository
	diary     *repository.DiaryRepository
	watched   *repository.WatchedRepository
	watchlist *repository.WatchlistRepository
	profiles  *repository.ProfileRepository
	status    *repository.SyncRepository
	opts      SyncOptions
	order     []letterboxd.Listing
	now       func() time.Time

	mu      sync.Mutex
	current *Run
}

// NewSyncService 创建同步服务，enricher 为 nil 时跳过元数据补全
func NewSyncService(db *gorm.DB, scraper Scraper, enricher Enricher, opts SyncOptions) *SyncService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	films := repository.NewFilmRepository(db)
	diary := repository.NewDiaryRepository(db)
	s := &SyncService{
		scraper:   scraper,
		enricher:  enricher,
		resolver:  NewResolver(films, diary, opts.Staleness),
		films:     films,
		diary:     diary,
		watched:   repository.NewWatchedRepository(db),
		watchlist: repository.NewWatchlistRepository(db),
		profiles:  repository.NewProfileRepository(db),
		status:    repository.NewSyncRepository(db),
		opts:      opts,
		now:       time.Now,
	}
	s.order = enabledListings(opts.Listings)
	return s
}

func enabledListings(enabled []letterboxd.Listing) []letterboxd.Listing {
	if len(enabled) == 0 {
		return listingOrder
	}
	want := make(map[letterboxd.Listing]bool, len(enabled))
	for _, l := range enabled {
		want[l] = true
	}
	var out []letterboxd.Listing
	for _, l := range listingOrder {
		if want[l] {
			out = append(out, l)
		}
	}
	return out
}

// orderFrom 从断点所在列表开始轮转
func (s *SyncService) orderFrom(listing string) []letterboxd.Listing {
	for i, l := range s.order {
		if string(l) == listing {
			out := make([]letterboxd.Listing, 0, len(s.order))
			out = append(out, s.order[i:]...)
			return append(out, s.order[:i]...)
		}
	}
	return s.order
}

// nextListing 按固定顺序的下一个列表
func (s *SyncService) nextListing(listing letterboxd.Listing) letterboxd.Listing {
	for i, l := range s.order {
		if l == listing {
			return s.order[(i+1)%len(s.order)]
		}
	}
	return s.order[0]
}

// Recover 启动时把上次进程遗留的运行标记为失败，断点保留
func (s *SyncService) Recover() error {
	if err := s.status.EnsureRow(); err != nil {
		return fmt.Errorf("初始化同步状态失败: %w", err)
	}
	recovered, err := s.status.RecoverInterrupted(s.now())
	if err != nil {
		return fmt.Errorf("恢复同步状态失败: %w", err)
	}
	if recovered {
		logger.Warn().Msg("检测到上次同步被中断，已标记为失败")
	}
	return nil
}

// Status 当前同步状态
func (s *SyncService) Status() (*models.SyncStatus, error) {
	if err := s.status.EnsureRow(); err != nil {
		return nil, err
	}
	return s.status.Get()
}

// Runs 最近的运行记录
func (s *SyncService) Runs(limit int) ([]models.SyncRun, error) {
	return s.status.ListRuns(limit)
}

// Stats 片库统计
type Stats struct {
	Films          int64 `json:"films"`
	EnrichedFilms  int64 `json:"enriched_films"`
	DiaryEntries   int64 `json:"diary_entries"`
	WatchedFilms   int64 `json:"watched_films"`
	WatchlistItems int64 `json:"watchlist_items"`
}

// Stats 统计片库数据
func (s *SyncService) Stats() (*Stats, error) {
	var (
		st  Stats
		err error
	)
	if st.Films, err = s.films.Count(); err != nil {
		return nil, err
	}
	if st.EnrichedFilms, err = s.films.CountEnriched(); err != nil {
		return nil, err
	}
	if st.DiaryEntries, err = s.diary.Count(); err != nil {
		return nil, err
	}
	if st.WatchedFilms, err = s.watched.Count(); err != nil {
		return nil, err
	}
	if st.WatchlistItems, err = s.watchlist.Count(); err != nil {
		return nil, err
	}
	return &st, nil
}

// RequestStop 请求当前运行在下一个批次边界停止
func (s *SyncService) RequestStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return false
	}
	s.current.RequestStop()
	return true
}

// RunOnce 定时任务入口：获取同步锁后执行一次完整同步
func (s *SyncService) RunOnce(ctx context.Context) Outcome {
	run, err := s.Begin(ctx, TriggerScheduled)
	if err != nil {
		state := StateFailed
		if errors.Is(err, ErrAlreadyRunning) {
			state = StateRunning
		}
		return Outcome{State: state, Err: err}
	}
	return run.Execute(ctx)
}

// Begin 原子地进入运行状态，已有运行时返回 ErrAlreadyRunning
func (s *SyncService) Begin(ctx context.Context, trigger string) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.status.EnsureRow(); err != nil {
		return nil, fmt.Errorf("初始化同步状态失败: %w", err)
	}

	now := s.now()
	runID := uuid.NewString()
	ok, err := s.status.TryAcquire(runID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}

	st, err := s.status.Get()
	if err != nil {
		if relErr := s.status.Release(runID); relErr != nil {
			logger.Error().Err(relErr).Str("run_id", runID).Msg("释放同步锁失败")
		}
		return nil, fmt.Errorf("读取同步状态失败: %w", err)
	}

	run := &Run{
		svc:        s,
		id:         runID,
		trigger:    trigger,
		startedAt:  now,
		checkpoint: st.Checkpoint(),
		attempted:  make(map[uint]struct{}),
	}
	if err := s.status.CreateRun(&models.SyncRun{
		RunID:     runID,
		Trigger:   trigger,
		StartedAt: now,
		Status:    string(StateRunning),
	}); err != nil {
		logger.Warn().Err(err).Str("run_id", runID).Msg("写入运行记录失败")
	}

	s.mu.Lock()
	s.current = run
	s.mu.Unlock()

	logger.Info().
		Str("run_id", runID).
		Str("trigger", trigger).
		Str("resume_listing", run.checkpoint.Listing).
		Int("resume_page", run.checkpoint.Page).
		Msg("开始同步")
	return run, nil
}

// Run 一次持有同步锁的运行
type Run struct {
	svc       *SyncService
	id        string
	trigger   string
	startedAt time.Time

	stop    atomic.Bool
	started atomic.Bool

	pool       *workerpool.WorkerPool
	attempted  map[uint]struct{}
	checkpoint models.Checkpoint // 最近一次成功写入的断点
	frozen     bool              // 出现第一个失败后断点不再移动
}

// ID 运行 ID
func (r *Run) ID() string {
	return r.id
}

// RequestStop 在下一个批次边界停止
func (r *Run) RequestStop() {
	r.stop.Store(true)
}

func (r *Run) stopRequested(ctx context.Context) bool {
	return r.stop.Load() || ctx.Err() != nil
}

// Execute 依次处理各列表，结束时释放同步锁
//
// 网络请求使用不随 ctx 取消的上下文，进行中的请求会完成；
// 取消和停止只在批次边界生效。
func (r *Run) Execute(ctx context.Context) (out Outcome) {
	out = Outcome{RunID: r.id, StartedAt: r.startedAt, State: StateRunning}
	if !r.started.CompareAndSwap(false, true) {
		out.Err = errors.New("该运行已执行过")
		return out
	}

	r.pool = workerpool.New(r.svc.opts.Workers)
	defer r.pool.StopWait()
	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Str("run_id", r.id).Msg("同步过程中发生 panic")
			out.State = StateFailed
			out.Err = fmt.Errorf("同步异常: %v；%s", p, resumeHint)
		}
		r.finish(&out)
	}()

	netCtx := context.WithoutCancel(ctx)
	for _, listing := range r.svc.orderFrom(r.checkpoint.Listing) {
		var res ListingResult
		if r.stopRequested(ctx) {
			res = ListingResult{Listing: listing, Status: listingStopped, Err: errStopped}
		} else {
			res = r.runListing(ctx, netCtx, listing)
		}
		out.Listings = append(out.Listings, res)
		out.Items += res.Items

		ev := logger.Info()
		if !res.OK() {
			ev = logger.Warn().Err(res.Err)
		}
		ev.Str("run_id", r.id).
			Str("listing", string(listing)).
			Str("status", res.Status).
			Int("items", res.Items).
			Int("enriched", res.Enriched).
			Int("unmatched", res.Unmatched).
			Int("skipped", res.Skipped).
			Msg("列表处理结束")
	}

	out.State, out.Err = summarize(out.Listings)
	return out
}

func summarize(results []ListingResult) (State, error) {
	ok := 0
	var failures []string
	for _, res := range results {
		if res.OK() {
			ok++
			continue
		}
		failures = append(failures, fmt.Sprintf("%s: %v", res.Listing, res.Err))
	}
	if len(failures) == 0 {
		return StateSucceeded, nil
	}
	state := StateFailed
	if ok > 0 {
		state = StatePartial
	}
	return state, fmt.Errorf("%s；%s", strings.Join(failures, "; "), resumeHint)
}

func (r *Run) runListing(ctx, netCtx context.Context, listing letterboxd.Listing) ListingResult {
	res := ListingResult{Listing: listing}
	cursor, pass := r.startCursor(listing)

	err := r.saveCheckpoint(models.Checkpoint{Listing: string(listing), Page: cursor.Page, Item: cursor.After, Pass: pass})
	if err == nil {
		if listing == letterboxd.ListingProfile {
			err = r.syncProfile(netCtx)
		} else {
			err = r.syncStream(ctx, netCtx, listing, cursor, pass, &res)
		}
	}

	switch {
	case err == nil:
		res.Status = listingOK
		if err := r.saveCheckpoint(models.Checkpoint{Listing: string(r.svc.nextListing(listing)), Page: 1}); err != nil {
			logger.Warn().Err(err).Str("run_id", r.id).Msg("写入断点失败")
		}
	case errors.Is(err, errStopped):
		res.Status = listingStopped
		res.Err = err
	default:
		res.Status = listingFailed
		res.Err = err
		r.frozen = true
	}
	return res
}

// startCursor 断点在本列表时从断点继续，否则从第一页开始
//
// 最爱只有一页且需要整体替换，总是重新读取。
func (r *Run) startCursor(listing letterboxd.Listing) (letterboxd.Cursor, string) {
	cursor := letterboxd.Cursor{Listing: listing, Page: 1}
	pass := ""
	cp := r.checkpoint
	if cp.Listing == string(listing) && listing != letterboxd.ListingFavorites {
		if cp.Page > 1 {
			cursor.Page = cp.Page
		}
		cursor.After = cp.Item
		pass = cp.Pass
	}
	if pass == "" {
		pass = uuid.NewString()
	}
	return cursor, pass
}

func (r *Run) saveCheckpoint(cp models.Checkpoint) error {
	if r.frozen {
		return nil
	}
	if err := r.svc.status.SaveCheckpoint(r.id, cp); err != nil {
		return fmt.Errorf("写入断点失败: %w", err)
	}
	r.checkpoint = cp
	return nil
}

func (r *Run) syncProfile(ctx context.Context) error {
	p, err := r.svc.scraper.FetchProfile(ctx)
	if err != nil {
		return err
	}
	stats := make(map[string]int, len(p.Stats))
	for k, v := range p.Stats {
		stats[k] = v
	}
	if err := r.svc.profiles.Save(&models.Profile{
		Username:    p.Username,
		DisplayName: p.DisplayName,
		Stats:       datatypes.NewJSONType(stats),
	}); err != nil {
		return fmt.Errorf("保存主页失败: %w", err)
	}
	return nil
}

func (r *Run) syncStream(ctx, netCtx context.Context, listing letterboxd.Listing, cursor letterboxd.Cursor, pass string, res *ListingResult) error {
	s := r.svc
	var opts letterboxd.StreamOptions
	if listing == letterboxd.ListingDiary {
		opts = letterboxd.StreamOptions{Known: s.diary.Known, Lookback: s.opts.Lookback, Now: s.now}
	}
	stream := letterboxd.NewStream(s.scraper, listing, cursor, opts)

	var favorites []models.Favorite
	for {
		if r.stopRequested(ctx) {
			return errStopped
		}
		page, err := stream.Next(netCtx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		res.Skipped += page.Skipped

		for start := 0; start < len(page.Stubs); start += s.opts.BatchSize {
			if start > 0 && r.stopRequested(ctx) {
				return errStopped
			}
			batch := page.Stubs[start:min(start+s.opts.BatchSize, len(page.Stubs))]
			favs, err := r.syncBatch(netCtx, listing, batch, pass, res)
			if err != nil {
				return err
			}
			favorites = append(favorites, favs...)

			last := batch[len(batch)-1].Key()
			if err := r.saveCheckpoint(models.Checkpoint{Listing: string(listing), Page: page.Number, Item: last, Pass: pass}); err != nil {
				return err
			}
		}
		if err := r.saveCheckpoint(models.Checkpoint{Listing: string(listing), Page: page.Number + 1, Pass: pass}); err != nil {
			return err
		}
	}

	switch listing {
	case letterboxd.ListingFavorites:
		if err := s.profiles.ReplaceFavorites(favorites); err != nil {
			return fmt.Errorf("替换最爱失败: %w", err)
		}
	case letterboxd.ListingWatchlist:
		removed, err := s.watchlist.Sweep(pass)
		if err != nil {
			return fmt.Errorf("清理想看列表失败: %w", err)
		}
		if removed > 0 {
			logger.Info().Str("run_id", r.id).Int64("removed", removed).Msg("已移除不在想看列表中的影片")
		}
	}
	return nil
}

// syncBatch 写入一批条目，并补全其中需要补全的影片
func (r *Run) syncBatch(ctx context.Context, listing letterboxd.Listing, batch []letterboxd.FilmStub, pass string, res *ListingResult) ([]models.Favorite, error) {
	s := r.svc
	var (
		toEnrich []*models.Film
		filmIDs  []uint
		favs     []models.Favorite
	)

	for _, stub := range batch {
		film, needs, err := s.resolver.Resolve(stub)
		if err != nil {
			return nil, err
		}

		switch listing {
		case letterboxd.ListingDiary:
			if _, err := s.resolver.UpsertDiary(film.ID, stub); err != nil {
				return nil, fmt.Errorf("写入日记失败: %w", err)
			}
		case letterboxd.ListingWatched:
			if _, err := s.watched.Upsert(film.ID, stub.Rating, stub.Liked); err != nil {
				return nil, fmt.Errorf("写入看过列表失败: %w", err)
			}
		case letterboxd.ListingFavorites:
			favs = append(favs, models.Favorite{FilmID: film.ID, Position: stub.Position})
		}

		filmIDs = append(filmIDs, film.ID)
		res.Items++

		if _, done := r.attempted[film.ID]; needs && !done {
			r.attempted[film.ID] = struct{}{}
			toEnrich = append(toEnrich, film)
		}
	}

	switch listing {
	case letterboxd.ListingDiary:
		if err := s.watched.RefreshAggregates(filmIDs); err != nil {
			return nil, fmt.Errorf("刷新观看统计失败: %w", err)
		}
	case letterboxd.ListingWatchlist:
		if err := s.watchlist.MarkSeen(filmIDs, pass, s.now()); err != nil {
			return nil, fmt.Errorf("写入想看列表失败: %w", err)
		}
	}

	if err := r.enrichAll(ctx, toEnrich, res); err != nil {
		return nil, err
	}
	return favs, nil
}

// enrichAll 在工作池中并发补全，遇到限流时不再发起新的补全
func (r *Run) enrichAll(ctx context.Context, films []*models.Film, res *ListingResult) error {
	if len(films) == 0 || r.svc.enricher == nil {
		return nil
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		throttled error
	)
	for _, film := range films {
		wg.Add(1)
		r.pool.Submit(func() {
			defer wg.Done()

			mu.Lock()
			skip := throttled != nil
			mu.Unlock()
			if skip {
				return
			}

			err := r.enrichFilm(ctx, film)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Enriched++
			case ratelimit.IsThrottled(err):
				if throttled == nil {
					throttled = err
				}
			case tmdb.IsNoMatch(err):
				res.Unmatched++
				logger.Debug().Str("slug", film.Slug).Msg("未找到匹配的元数据")
			default:
				logger.Warn().Err(err).Str("slug", film.Slug).Msg("补全元数据失败")
			}
		})
	}
	wg.Wait()

	if throttled != nil {
		return fmt.Errorf("补全元数据被限流: %w", throttled)
	}
	return nil
}

func (r *Run) enrichFilm(ctx context.Context, film *models.Film) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("补全 %s 时 panic: %v", film.Slug, p)
		}
	}()

	ref := tmdb.FilmRef{Slug: film.Slug, Title: film.Title, Year: film.Year}
	if film.TMDBID != nil {
		ref.TMDBID = *film.TMDBID
	} else if err := r.lookupFilmPage(ctx, film, &ref); err != nil {
		return err
	}
	got, err := r.svc.enricher.Enrich(ctx, ref)
	if err != nil {
		return err
	}
	return r.svc.films.ApplyEnrichment(film.ID, repository.Enrichment{
		TMDBID:    got.TMDBID,
		IMDbID:    got.IMDbID,
		Title:     got.Title,
		Runtime:   got.Runtime,
		PosterURL: got.PosterURL,
		Metadata:  got.Metadata,
		SyncedAt:  r.svc.now(),
	})
}

// lookupFilmPage 从来源站点的影片页读取外部 ID，读不到时保持按标题搜索
//
// 只有限流会向上返回，其余错误记录后忽略。
func (r *Run) lookupFilmPage(ctx context.Context, film *models.Film, ref *tmdb.FilmRef) error {
	page, err := r.svc.scraper.FetchFilm(ctx, film.Slug)
	if err != nil {
		if ratelimit.IsThrottled(err) {
			return err
		}
		logger.Debug().Err(err).Str("slug", film.Slug).Msg("读取影片页失败，按标题搜索")
		return nil
	}

	if err := r.svc.films.SetExternalIDs(film.ID, page.TMDBID, page.IMDbID); err != nil {
		return fmt.Errorf("写入外部 ID 失败: %w", err)
	}
	if ref.Title == "" && page.Title != "" {
		ref.Title = page.Title
	}
	if ref.Year == 0 && page.Year > 0 {
		ref.Year = page.Year
	}
	if err := r.svc.films.FillBasics(film.ID, page.Title, page.Year); err != nil {
		return fmt.Errorf("补齐影片 %s 基本信息失败: %w", film.Slug, err)
	}
	ref.TMDBID = page.TMDBID
	return nil
}

// finish 在同一条 UPDATE 中释放同步锁并写入结果
func (r *Run) finish(out *Outcome) {
	s := r.svc
	out.FinishedAt = s.now()

	cp := r.checkpoint
	if out.State == StateSucceeded {
		cp = models.Checkpoint{}
	}
	errMsg := ""
	if out.Err != nil {
		errMsg = out.Err.Error()
	}

	r.writeResult(repository.FinishState{
		At:         out.FinishedAt,
		Status:     resultFor(out.State),
		Items:      out.Items,
		Error:      errMsg,
		Checkpoint: cp,
	})

	summary := make([]models.ListingSummary, 0, len(out.Listings))
	for _, l := range out.Listings {
		item := models.ListingSummary{
			Listing:   string(l.Listing),
			Status:    l.Status,
			Items:     l.Items,
			Enriched:  l.Enriched,
			Unmatched: l.Unmatched,
			Skipped:   l.Skipped,
		}
		if l.Err != nil {
			item.Error = l.Err.Error()
		}
		summary = append(summary, item)
	}
	if err := s.status.FinishRun(r.id, out.FinishedAt, string(out.State), out.Items, errMsg, summary); err != nil {
		logger.Warn().Err(err).Str("run_id", r.id).Msg("更新运行记录失败")
	}

	s.mu.Lock()
	if s.current == r {
		s.current = nil
	}
	s.mu.Unlock()

	logger.Info().
		Str("run_id", r.id).
		Str("state", string(out.State)).
		Int("items", out.Items).
		Dur("elapsed", out.FinishedAt.Sub(out.StartedAt)).
		Msg("同步结束")
}

// writeResult 写入最终结果，多次失败后至少释放同步锁
func (r *Run) writeResult(st repository.FinishState) {
	s := r.svc
	var err error
	for attempt := 1; attempt <= finishAttempts; attempt++ {
		if err = s.status.Finish(r.id, st); err == nil {
			return
		}
		if errors.Is(err, repository.ErrRunNotOwner) {
			logger.Error().Err(err).Str("run_id", r.id).Msg("同步锁已不属于当前运行")
			return
		}
		logger.Warn().Err(err).Str("run_id", r.id).Int("attempt", attempt).Msg("写入同步结果失败")
		if attempt < finishAttempts {
			time.Sleep(time.Duration(attempt) * finishRetryDelay)
		}
	}

	logger.Error().Err(err).Str("run_id", r.id).Msg("写入同步结果持续失败，仅释放同步锁")
	if err := s.status.Release(r.id); err != nil {
		logger.Error().Err(err).Str("run_id", r.id).Msg("释放同步锁失败，重启后将标记为中断")
	}
}

func resultFor(state State) models.SyncResult {
	switch state {
	case StateSucceeded:
		return models.SyncSuccess
	case StatePartial:
		return models.SyncPartial
	default:
		return models.SyncFailed
	}
}
