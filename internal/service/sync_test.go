package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/smysle/filmsync-go/internal/config"
	"github.com/smysle/filmsync-go/internal/database/dbtest"
	"github.com/smysle/filmsync-go/internal/database/models"
	"github.com/smysle/filmsync-go/internal/database/repository"
	"github.com/smysle/filmsync-go/internal/letterboxd"
	"github.com/smysle/filmsync-go/internal/tmdb"
	"github.com/smysle/filmsync-go/pkg/ratelimit"
)

// fakeSource 按 (列表, 页码) 返回预设的页面并记录调用次数
type fakeSource struct {
	mu        sync.Mutex
	pages     map[letterboxd.Listing][]*letterboxd.ParsedPage
	errs      map[string]error
	calls     map[string]int
	profile   letterboxd.Profile
	onProfile func()
	filmPages map[string]*letterboxd.FilmPage
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:     map[letterboxd.Listing][]*letterboxd.ParsedPage{},
		errs:      map[string]error{},
		calls:     map[string]int{},
		filmPages: map[string]*letterboxd.FilmPage{},
	}
}

func pageKey(l letterboxd.Listing, page int) string {
	return fmt.Sprintf("%s/%d", l, page)
}

func (f *fakeSource) setPages(l letterboxd.Listing, pages ...[]letterboxd.FilmStub) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*letterboxd.ParsedPage
	for i, stubs := range pages {
		p := &letterboxd.ParsedPage{HasNext: i < len(pages)-1}
		for _, s := range stubs {
			p.Rows = append(p.Rows, letterboxd.Parsed(s))
		}
		out = append(out, p)
	}
	f.pages[l] = out
}

func (f *fakeSource) fail(l letterboxd.Listing, page int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[pageKey(l, page)] = err
}

func (f *fakeSource) callCount(l letterboxd.Listing, page int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[pageKey(l, page)]
}

func (f *fakeSource) FetchPage(_ context.Context, listing letterboxd.Listing, page int) (*letterboxd.ParsedPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pageKey(listing, page)
	f.calls[key]++
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	if listing == letterboxd.ListingFavorites {
		out := &letterboxd.ParsedPage{}
		if page == 1 {
			for _, s := range f.profile.Favorites {
				out.Rows = append(out.Rows, letterboxd.Parsed(s))
			}
		}
		return out, nil
	}
	ps := f.pages[listing]
	if page > len(ps) {
		return &letterboxd.ParsedPage{}, nil
	}
	return ps[page-1], nil
}

func (f *fakeSource) FetchProfile(context.Context) (*letterboxd.Profile, error) {
	f.mu.Lock()
	f.calls["profile"]++
	err := f.errs["profile"]
	p := f.profile
	hook := f.onProfile
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FetchFilm 没有预设影片页时返回不带外部 ID 的页面
func (f *fakeSource) FetchFilm(_ context.Context, slug string) (*letterboxd.FilmPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := "film/" + slug
	f.calls[key]++
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	if p, ok := f.filmPages[slug]; ok {
		out := *p
		return &out, nil
	}
	return &letterboxd.FilmPage{Slug: slug}, nil
}

// fakeEnricher 为每个 slug 分配固定的 TMDB ID，带 TMDB ID 的请求直接使用该 ID
type fakeEnricher struct {
	mu    sync.Mutex
	calls map[string]int
	ids   map[string]int64
	refs  map[string]tmdb.FilmRef
	fail  func(ref tmdb.FilmRef) error
	hook  func(ref tmdb.FilmRef)
}

func newFakeEnricher() *fakeEnricher {
	return &fakeEnricher{calls: map[string]int{}, ids: map[string]int64{}, refs: map[string]tmdb.FilmRef{}}
}

func (e *fakeEnricher) Enrich(_ context.Context, ref tmdb.FilmRef) (*tmdb.EnrichedFilm, error) {
	e.mu.Lock()
	e.calls[ref.Slug]++
	e.refs[ref.Slug] = ref
	id, ok := e.ids[ref.Slug]
	if ref.TMDBID > 0 {
		id, ok = ref.TMDBID, true
		e.ids[ref.Slug] = id
	}
	if !ok {
		id = int64(len(e.ids) + 100)
		e.ids[ref.Slug] = id
	}
	fail, hook := e.fail, e.hook
	e.mu.Unlock()

	if hook != nil {
		hook(ref)
	}
	if fail != nil {
		if err := fail(ref); err != nil {
			return nil, err
		}
	}
	return &tmdb.EnrichedFilm{
		TMDBID:   id,
		Title:    ref.Title,
		Runtime:  100,
		Metadata: models.FilmMetadata{Genres: []string{"Drama"}},
	}, nil
}

func (e *fakeEnricher) total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		n += c
	}
	return n
}

type harness struct {
	db  *gorm.DB
	svc *SyncService
	src *fakeSource
	enr *fakeEnricher
	now time.Time
}

func newHarness(t *testing.T, opts SyncOptions) *harness {
	t.Helper()
	h := &harness{
		db:  dbtest.New(t),
		src: newFakeSource(),
		enr: newFakeEnricher(),
		now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.svc = NewSyncService(h.db, h.src, h.enr, opts)
	clock := func() time.Time { return h.now }
	h.svc.now = clock
	h.svc.resolver.now = clock
	return h
}

func (h *harness) status(t *testing.T) *models.SyncStatus {
	t.Helper()
	st, err := h.svc.Status()
	require.NoError(t, err)
	return st
}

func (h *harness) daysAgo(n int) time.Time {
	d := h.now.AddDate(0, 0, -n)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

func (h *harness) films(t *testing.T) []models.Film {
	t.Helper()
	var films []models.Film
	require.NoError(t, h.db.Order("id").Find(&films).Error)
	return films
}

func (h *harness) watchlistSlugs(t *testing.T) []string {
	t.Helper()
	ids, err := repository.NewWatchlistRepository(h.db).FilmIDs()
	require.NoError(t, err)
	films := repository.NewFilmRepository(h.db)
	var slugs []string
	for _, id := range ids {
		f, err := films.GetByID(id)
		require.NoError(t, err)
		slugs = append(slugs, f.Slug)
	}
	sort.Strings(slugs)
	return slugs
}

func stub(slug string) letterboxd.FilmStub {
	return letterboxd.FilmStub{Slug: slug, Title: strings.ToUpper(slug[:1]) + slug[1:]}
}

func diaryStub(slug string, date time.Time) letterboxd.FilmStub {
	s := stub(slug)
	s.WatchedDate = &date
	return s
}

func throttleErr(host string) error {
	return ratelimit.Throttled(host, errors.New("429 Too Many Requests"))
}

func listingResult(out Outcome, l letterboxd.Listing) ListingResult {
	for _, r := range out.Listings {
		if r.Listing == l {
			return r
		}
	}
	return ListingResult{}
}

func TestSync_FullRun(t *testing.T) {
	h := newHarness(t, SyncOptions{BatchSize: 2, Workers: 2, Lookback: 14 * 24 * time.Hour})
	h.src.profile = letterboxd.Profile{
		Username:    "cinephile",
		DisplayName: "Cine Phile",
		Stats:       map[string]int{"films": 3, "this_year": 1},
		Favorites: []letterboxd.FilmStub{
			{Slug: "heat", Title: "Heat", Position: 1},
			{Slug: "ran", Title: "Ran", Position: 2},
		},
	}
	h.src.setPages(letterboxd.ListingWatched, []letterboxd.FilmStub{stub("heat"), stub("ran"), stub("alien")})
	h.src.setPages(letterboxd.ListingDiary, []letterboxd.FilmStub{
		diaryStub("heat", h.daysAgo(1)),
		diaryStub("heat", h.daysAgo(3)),
	})
	h.src.setPages(letterboxd.ListingWatchlist, []letterboxd.FilmStub{stub("solaris")})

	out := h.svc.RunOnce(context.Background())
	require.Equal(t, StateSucceeded, out.State, "%v", out.Err)
	assert.NoError(t, out.Err)
	assert.False(t, out.Failed())
	assert.Len(t, out.Listings, 5)
	assert.Equal(t, 8, out.Items)

	st := h.status(t)
	assert.False(t, st.IsRunning)
	assert.Equal(t, models.SyncSuccess, st.LastSyncStatus)
	assert.Equal(t, 8, st.LastSyncItems)
	assert.Empty(t, st.LastSyncError)
	assert.True(t, st.Checkpoint().IsZero())
	require.NotNil(t, st.LastSyncAt)

	stats, err := h.svc.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Films: 4, EnrichedFilms: 4, DiaryEntries: 2, WatchedFilms: 3, WatchlistItems: 1}, *stats)

	for slug, n := range h.enr.calls {
		assert.Equal(t, 1, n, "每部影片只补全一次: %s", slug)
	}

	profiles := repository.NewProfileRepository(h.db)
	favs, err := profiles.Favorites()
	require.NoError(t, err)
	assert.Len(t, favs, 2)
	p, err := profiles.Get()
	require.NoError(t, err)
	assert.Equal(t, "Cine Phile", p.DisplayName)
	assert.Equal(t, map[string]int{"films": 3, "this_year": 1}, p.Stats.Data())

	heat, err := repository.NewFilmRepository(h.db).GetBySlug("heat")
	require.NoError(t, err)
	w, err := repository.NewWatchedRepository(h.db).GetByFilm(heat.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, w.WatchCount)

	runs, err := h.svc.Runs(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, string(StateSucceeded), runs[0].Status)
	assert.Equal(t, TriggerScheduled, runs[0].Trigger)
	assert.Len(t, runs[0].Summary.Data(), 5)
}

func TestSync_RerunIsIdempotent(t *testing.T) {
	h := newHarness(t, SyncOptions{BatchSize: 2, Lookback: 14 * 24 * time.Hour})
	h.src.profile = letterboxd.Profile{Username: "cinephile", Favorites: []letterboxd.FilmStub{{Slug: "heat", Position: 1}}}
	h.src.setPages(letterboxd.ListingWatched, []letterboxd.FilmStub{stub("heat"), stub("ran")})
	h.src.setPages(letterboxd.ListingDiary, []letterboxd.FilmStub{diaryStub("ran", h.daysAgo(2))})
	h.src.setPages(letterboxd.ListingWatchlist, []letterboxd.FilmStub{stub("solaris"), stub("stalker")})

	out := h.svc.RunOnce(context.Background())
	require.Equal(t, StateSucceeded, out.State, "%v", out.Err)
	statsBefore, err := h.svc.Stats()
	require.NoError(t, err)
	filmsBefore := h.films(t)
	enrichCalls := h.enr.total()

	h.now = h.now.Add(time.Hour)
	out = h.svc.RunOnce(context.Background())
	require.Equal(t, StateSucceeded, out.State, "%v", out.Err)

	statsAfter, err := h.svc.Stats()
	require.NoError(t, err)
	assert.Equal(t, statsBefore, statsAfter)
	assert.Equal(t, enrichCalls, h.enr.total(), "未过期的元数据不重新获取")

	filmsAfter := h.films(t)
	require.Len(t, filmsAfter, len(filmsBefore))
	for i := range filmsBefore {
		require.NotNil(t, filmsAfter[i].MetadataSyncedAt)
		assert.True(t, filmsBefore[i].MetadataSyncedAt.Equal(*filmsAfter[i].MetadataSyncedAt), filmsBefore[i].Slug)
	}
}

func TestSync_SingleFlight(t *testing.T) {
	h := newHarness(t, SyncOptions{Listings: []letterboxd.Listing{letterboxd.ListingProfile}})
	h.src.profile = letterboxd.Profile{Username: "cinephile"}
	ctx := context.Background()

	run, err := h.svc.Begin(ctx, TriggerManual)
	require.NoError(t, err)
	assert.True(t, h.status(t).IsRunning)

	_, err = h.svc.Begin(ctx, TriggerManual)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	rejected := h.svc.RunOnce(ctx)
	assert.True(t, rejected.AlreadyRunning())
	assert.False(t, rejected.Failed(), "已在运行不算失败")

	out := run.Execute(ctx)
	assert.Equal(t, StateSucceeded, out.State)
	assert.False(t, h.status(t).IsRunning)

	again := run.Execute(ctx)
	assert.Error(t, again.Err, "同一个运行不能执行两次")

	out = h.svc.RunOnce(ctx)
	assert.Equal(t, StateSucceeded, out.State)
}

func TestSync_ConcurrentTriggers(t *testing.T) {
	h := newHarness(t, SyncOptions{Listings: []letterboxd.Listing{letterboxd.ListingProfile}})
	h.src.profile = letterboxd.Profile{Username: "cinephile"}

	release := make(chan struct{})
	var runningDuringRun bool
	h.src.onProfile = func() {
		st, err := h.svc.Status()
		if err == nil {
			runningDuringRun = st.IsRunning
		}
		<-release
	}

	const n = 8
	results := make(chan Outcome, n)
	for i := 0; i < n; i++ {
		go func() { results <- h.svc.RunOnce(context.Background()) }()
	}

	// 持锁的运行阻塞在主页抓取上，其余触发必须先返回
	for i := 0; i < n-1; i++ {
		select {
		case out := <-results:
			assert.True(t, out.AlreadyRunning(), "state=%s err=%v", out.State, out.Err)
		case <-time.After(5 * time.Second):
			t.Fatal("等待被拒绝的触发超时")
		}
	}
	close(release)

	select {
	case out := <-results:
		assert.Equal(t, StateSucceeded, out.State)
	case <-time.After(5 * time.Second):
		t.Fatal("等待同步结束超时")
	}
	assert.True(t, runningDuringRun)
	assert.False(t, h.status(t).IsRunning)
}

func TestSync_EnrichmentThrottled(t *testing.T) {
	tests := []struct {
		name      string
		listings  []letterboxd.Listing
		wantState State
		wantCP    letterboxd.Listing
	}{
		{"部分列表成功", nil, StatePartial, letterboxd.ListingFavorites},
		{"全部列表失败", []letterboxd.Listing{letterboxd.ListingWatched}, StateFailed, letterboxd.ListingWatched},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, SyncOptions{Listings: tt.listings, BatchSize: 2, Workers: 2})
			h.src.profile = letterboxd.Profile{Username: "cinephile", Favorites: []letterboxd.FilmStub{{Slug: "heat", Position: 1}}}
			h.src.setPages(letterboxd.ListingWatched, []letterboxd.FilmStub{stub("heat"), stub("ran"), stub("alien")})
			h.enr.fail = func(tmdb.FilmRef) error { return throttleErr("api.themoviedb.org") }

			out := h.svc.RunOnce(context.Background())
			assert.Equal(t, tt.wantState, out.State)
			assert.True(t, out.Failed())
			assert.True(t, ratelimit.IsThrottled(listingResult(out, letterboxd.ListingWatched).Err))

			st := h.status(t)
			assert.False(t, st.IsRunning)
			assert.True(t, st.NeedsRetry())
			assert.Contains(t, st.LastSyncError, resumeHint)
			assert.Equal(t, string(tt.wantCP), st.CheckpointListing)

			for _, f := range h.films(t) {
				assert.Nil(t, f.MetadataSyncedAt, f.Slug)
				assert.Nil(t, f.TMDBID, f.Slug)
			}
			for slug, n := range h.enr.calls {
				assert.LessOrEqual(t, n, 1, "每次运行每部影片最多尝试一次: %s", slug)
			}
		})
	}
}

func TestSync_DiaryResumesAtThrottledPage(t *testing.T) {
	h := newHarness(t, SyncOptions{Listings: []letterboxd.Listing{letterboxd.ListingDiary}, BatchSize: 10, Lookback: 14 * 24 * time.Hour})
	h.src.setPages(letterboxd.ListingDiary,
		[]letterboxd.FilmStub{diaryStub("heat", h.daysAgo(1)), diaryStub("ran", h.daysAgo(2))},
		[]letterboxd.FilmStub{diaryStub("alien", h.daysAgo(3)), diaryStub("solaris", h.daysAgo(4))},
		[]letterboxd.FilmStub{diaryStub("stalker", h.daysAgo(5)), diaryStub("heat", h.daysAgo(6))},
	)
	h.src.fail(letterboxd.ListingDiary, 2, throttleErr("letterboxd.com"))

	out := h.svc.RunOnce(context.Background())
	assert.Equal(t, StateFailed, out.State)

	st := h.status(t)
	assert.Equal(t, models.SyncFailed, st.LastSyncStatus)
	assert.NotEmpty(t, st.LastSyncError)
	assert.Equal(t, "diary", st.CheckpointListing)
	assert.Equal(t, 2, st.CheckpointPage)
	assert.Empty(t, st.CheckpointItem)
	assert.Equal(t, 1, h.src.callCount(letterboxd.ListingDiary, 1))
	assert.Equal(t, 1, h.src.callCount(letterboxd.ListingDiary, 2))
	assert.Zero(t, h.src.callCount(letterboxd.ListingDiary, 3))

	diary := repository.NewDiaryRepository(h.db)
	count, err := diary.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	h.src.fail(letterboxd.ListingDiary, 2, nil)
	out = h.svc.RunOnce(context.Background())
	require.Equal(t, StateSucceeded, out.State, "%v", out.Err)
	assert.Equal(t, 4, out.Items)

	assert.Equal(t, 1, h.src.callCount(letterboxd.ListingDiary, 1), "已完成的页不再抓取")
	assert.Equal(t, 2, h.src.callCount(letterboxd.ListingDiary, 2))
	assert.Equal(t, 1, h.src.callCount(letterboxd.ListingDiary, 3))

	count, err = diary.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 6, count)
	assert.True(t, h.status(t).Checkpoint().IsZero())

	runs, err := h.svc.Runs(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, string(StateSucceeded), runs[0].Status)
	assert.Equal(t, string(StateFailed), runs[1].Status)
}

func TestSync_IncrementalDiary(t *testing.T) {
	h := newHarness(t, SyncOptions{Listings: []letterboxd.Listing{letterboxd.ListingDiary}, Lookback: 14 * 24 * time.Hour})
	h.src.setPages(letterboxd.ListingDiary,
		[]letterboxd.FilmStub{diaryStub("alien", h.daysAgo(20)), diaryStub("ran", h.daysAgo(30))},
		[]letterboxd.FilmStub{diaryStub("heat", h.daysAgo(40))},
	)

	out := h.svc.RunOnce(context.Background())
	require.Equal(t, StateSucceeded, out.State, "%v", out.Err)
	assert.Equal(t, 1, h.src.callCount(letterboxd.ListingDiary, 2))

	// 新增一条日记，旧条目已入库且早于回看窗口
	h.src.setPages(letterboxd.ListingDiary,
		[]letterboxd.FilmStub{diaryStub("solaris", h.daysAgo(1)), diaryStub("alien", h.daysAgo(20)), diaryStub("ran", h.daysAgo(30))},
		[]letterboxd.FilmStub{diaryStub("heat", h.daysAgo(40))},
	)
	out = h.svc.RunOnce(context.Background())
	require.Equal(t, StateSucceeded, out.State, "%v", out.Err)
	assert.Equal(t, 1, out.Items, "只处理新增的条目")
	assert.Equal(t, 1, h.src.callCount(letterboxd.ListingDiary, 2), "不再翻到旧的页面")

	count, err := repository.NewDiaryRepository(h.db).Count()
	require.NoError(t, err)
	assert.EqualValues(t, 4, count)
}

func TestSync_WatchlistFullReplace(t *testing.T) {
	h := newHarness(t, SyncOptions{Listings: []letterboxd.Listing{letterboxd.ListingWatchlist}})
	h.src.setPages(letterboxd.ListingWatchlist, []letterboxd.FilmStub{stub("xanadu")})

	out := h.svc.RunOnce(context.Background())
	require.Equal(t, StateSucceeded, out.State, "%v", out.Err)
	assert.Equal(t, []string{"xanadu"}, h.watchlistSlugs(t))

	h.src.setPages(letterboxd.ListingWatchlist,
		[]letterboxd.FilmStub{stub("alien"), stub("brazil")},
		[]letterboxd.FilmStub{stub("chinatown")},
	)
	h.src.fail(letterboxd.ListingWatchlist, 2, throttleErr("letterboxd.com"))

	out = h.svc.RunOnce(context.Background())
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, []string{"alien", "brazil", "xanadu"}, h.watchlistSlugs(t), "失败时不清理旧条目")

	h.src.fail(letterboxd.ListingWatchlist, 2, nil)
	out = h.svc.RunOnce(context.Background())
	require.Equal(t, StateSucceeded, out.State, "%v", out.Err)
	assert.Equal(t, []string{"alien", "brazil", "chinatown"}, h.watchlistSlugs(t))
	assert.Equal(t, 2, h.src.callCount(letterboxd.ListingWatchlist, 1), "续跑时沿用同一批次，不重抓第一页")

	// 影片本身保留
	count, err := repository.NewFilmRepository(h.db).Count()
	require.NoError(t, err)
	assert.EqualValues(t, 4, count)
}

func TestSync_StopBetweenBatches(t *testing.T) {
	h := newHarness(t, SyncOptions{Listings: []letterboxd.Listing{letterboxd.ListingWatched}, BatchSize: 2, Workers: 1})
	h.src.setPages(letterboxd.ListingWatched, []letterboxd.FilmStub{
		stub("alien"), stub("brazil"), stub("chinatown"), stub("dune"), stub("eraserhead"), stub("fargo"),
	})
	var once sync.Once
	h.enr.hook = func(tmdb.FilmRef) {
		once.Do(func() { assert.True(t, h.svc.RequestStop()) })
	}

	out := h.svc.RunOnce(context.Background())
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 2, out.Items)
	assert.Equal(t, listingStopped, out.Listings[0].Status)

	st := h.status(t)
	assert.Contains(t, st.LastSyncError, "中止")
	assert.Equal(t, "watched", st.CheckpointListing)
	assert.Equal(t, 1, st.CheckpointPage)
	assert.Equal(t, "brazil", st.CheckpointItem)
	assert.Equal(t, 2, h.enr.total(), "进行中的批次完成补全")

	out = h.svc.RunOnce(context.Background())
	require.Equal(t, StateSucceeded, out.State, "%v", out.Err)
	assert.Equal(t, 4, out.Items)
	assert.Equal(t, 6, h.enr.total())

	count, err := repository.NewWatchedRepository(h.db).Count()
	require.NoError(t, err)
	assert.EqualValues(t, 6, count)
	assert.False(t, h.svc.RequestStop(), "没有运行时无需停止")
}

func TestSync_CancelledContextStopsRun(t *testing.T) {
	h := newHarness(t, SyncOptions{Listings: []letterboxd.Listing{letterboxd.ListingWatched}})
	h.src.setPages(letterboxd.ListingWatched, []letterboxd.FilmStub{stub("alien")})

	run, err := h.svc.Begin(context.Background(), TriggerManual)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := run.Execute(ctx)
	assert.Equal(t, StateFailed, out.State)
	assert.Zero(t, h.src.callCount(letterboxd.ListingWatched, 1))
	assert.False(t, h.status(t).IsRunning)
}

func TestSync_FatalListingIsIsolated(t *testing.T) {
	h := newHarness(t, SyncOptions{})
	h.src.profile = letterboxd.Profile{Username: "cinephile"}
	h.src.setPages(letterboxd.ListingWatched, []letterboxd.FilmStub{stub("heat")})
	h.src.setPages(letterboxd.ListingWatchlist, []letterboxd.FilmStub{stub("ran")})
	h.src.fail(letterboxd.ListingDiary, 1, ratelimit.Fatal(fmt.Errorf("diary 第 1 页: %w", letterboxd.ErrPageLayout)))

	out := h.svc.RunOnce(context.Background())
	assert.Equal(t, StatePartial, out.State)

	diary := listingResult(out, letterboxd.ListingDiary)
	assert.Equal(t, listingFailed, diary.Status)
	assert.ErrorIs(t, diary.Err, letterboxd.ErrPageLayout)
	assert.True(t, listingResult(out, letterboxd.ListingWatchlist).OK(), "后续列表照常处理")

	st := h.status(t)
	assert.Equal(t, models.SyncPartial, st.LastSyncStatus)
	assert.Equal(t, "diary", st.CheckpointListing)
	assert.Equal(t, []string{"ran"}, h.watchlistSlugs(t))
}

func TestSync_UnmatchedFilmIsIsolated(t *testing.T) {
	h := newHarness(t, SyncOptions{Listings: []letterboxd.Listing{letterboxd.ListingWatched}})
	h.src.setPages(letterboxd.ListingWatched, []letterboxd.FilmStub{stub("heat"), stub("obscure")})
	h.enr.fail = func(ref tmdb.FilmRef) error {
		if ref.Slug == "obscure" {
			return tmdb.ErrNoMatch
		}
		return nil
	}

	out := h.svc.RunOnce(context.Background())
	require.Equal(t, StateSucceeded, out.State, "%v", out.Err)
	assert.Equal(t, 1, out.Listings[0].Enriched)
	assert.Equal(t, 1, out.Listings[0].Unmatched)

	obscure, err := repository.NewFilmRepository(h.db).GetBySlug("obscure")
	require.NoError(t, err)
	assert.False(t, obscure.IsEnriched())

	// 下次运行再次尝试
	out = h.svc.RunOnce(context.Background())
	require.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 2, h.enr.calls["obscure"])
	assert.Equal(t, 1, h.enr.calls["heat"])
}

func TestSync_FilmPageIDs(t *testing.T) {
	h := newHarness(t, SyncOptions{Listings: []letterboxd.Listing{letterboxd.ListingWatched}})
	h.src.setPages(letterboxd.ListingWatched, []letterboxd.FilmStub{stub("heat"), stub("ran"), {Slug: "solaris"}})
	h.src.filmPages["heat"] = &letterboxd.FilmPage{Slug: "heat", Title: "Heat", Year: 1995, TMDBID: 949, IMDbID: "tt0113277"}
	h.src.filmPages["solaris"] = &letterboxd.FilmPage{Slug: "solaris", Title: "Solaris", Year: 1972}
	h.src.errs["film/ran"] = fmt.Errorf("404: %w", ratelimit.ErrNotFound)

	out := h.svc.RunOnce(context.Background())
	require.Equal(t, StateSucceeded, out.State, "%v", out.Err)
	assert.Equal(t, 3, out.Listings[0].Enriched)

	// 影片页给出 TMDB ID 时直接按 ID 补全
	assert.EqualValues(t, 949, h.enr.refs["heat"].TMDBID)
	// 影片页不可用时退回按标题搜索
	assert.Zero(t, h.enr.refs["ran"].TMDBID)
	assert.Equal(t, "Ran", h.enr.refs["ran"].Title)
	// 列表里没有标题时用影片页的标题和年份搜索
	assert.Zero(t, h.enr.refs["solaris"].TMDBID)
	assert.Equal(t, "Solaris", h.enr.refs["solaris"].Title)
	assert.Equal(t, 1972, h.enr.refs["solaris"].Year)

	films := repository.NewFilmRepository(h.db)
	heat, err := films.GetBySlug("heat")
	require.NoError(t, err)
	require.NotNil(t, heat.TMDBID)
	assert.EqualValues(t, 949, *heat.TMDBID)
	assert.Equal(t, "tt0113277", heat.IMDbID)
	solaris, err := films.GetBySlug("solaris")
	require.NoError(t, err)
	assert.Equal(t, "Solaris", solaris.Title)
	assert.Equal(t, 1972, solaris.Year)

	// 已有 TMDB ID 的影片不再读取影片页
	h.now = h.now.Add(60 * 24 * time.Hour)
	out = h.svc.RunOnce(context.Background())
	require.Equal(t, StateSucceeded, out.State, "%v", out.Err)
	assert.Equal(t, 1, h.src.calls["film/heat"])
	assert.Equal(t, 2, h.enr.calls["heat"])
}

func TestSync_FilmPageThrottled(t *testing.T) {
	h := newHarness(t, SyncOptions{Listings: []letterboxd.Listing{letterboxd.ListingWatched}})
	h.src.setPages(letterboxd.ListingWatched, []letterboxd.FilmStub{stub("heat")})
	h.src.errs["film/heat"] = throttleErr("letterboxd.com")

	out := h.svc.RunOnce(context.Background())
	assert.Equal(t, StateFailed, out.State)
	assert.True(t, ratelimit.IsThrottled(out.Listings[0].Err))
	assert.Zero(t, h.enr.total())
	assert.Equal(t, "watched", h.status(t).CheckpointListing)
}

// failFinish 让写入最终结果的 UPDATE 失败 n 次
func failFinish(t *testing.T, db *gorm.DB, n int) {
	t.Helper()
	var mu sync.Mutex
	err := db.Callback().Update().Before("gorm:update").Register("test:fail_finish", func(tx *gorm.DB) {
		dest, ok := tx.Statement.Dest.(map[string]interface{})
		if !ok {
			return
		}
		if _, finishing := dest["last_sync_status"]; !finishing {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if n > 0 {
			n--
			tx.AddError(errors.New("database is locked"))
		}
	})
	require.NoError(t, err)
}

func TestSync_FinishRetries(t *testing.T) {
	defer func(d time.Duration) { finishRetryDelay = d }(finishRetryDelay)
	finishRetryDelay = time.Millisecond

	tests := []struct {
		name       string
		failures   int
		wantStatus models.SyncResult
	}{
		{"重试后写入成功", finishAttempts - 1, models.SyncSuccess},
		{"持续失败只释放锁", finishAttempts, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, SyncOptions{Listings: []letterboxd.Listing{letterboxd.ListingProfile}})
			h.src.profile = letterboxd.Profile{Username: "cinephile"}
			failFinish(t, h.db, tt.failures)

			out := h.svc.RunOnce(context.Background())
			assert.Equal(t, StateSucceeded, out.State)

			st := h.status(t)
			assert.False(t, st.IsRunning)
			assert.Empty(t, st.RunID)
			assert.Equal(t, tt.wantStatus, st.LastSyncStatus)

			// 锁已释放，下一次运行不会被当作已在运行
			out = h.svc.RunOnce(context.Background())
			assert.False(t, out.AlreadyRunning())
			assert.Equal(t, models.SyncSuccess, h.status(t).LastSyncStatus)
		})
	}
}

func TestSync_RecoverInterrupted(t *testing.T) {
	h := newHarness(t, SyncOptions{Listings: []letterboxd.Listing{letterboxd.ListingDiary}})
	repo := repository.NewSyncRepository(h.db)
	require.NoError(t, repo.EnsureRow())
	ok, err := repo.TryAcquire("crashed", h.now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.SaveCheckpoint("crashed", models.Checkpoint{Listing: "diary", Page: 4}))

	_, err = h.svc.Begin(context.Background(), TriggerManual)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, h.svc.Recover())
	st := h.status(t)
	assert.False(t, st.IsRunning)
	assert.Equal(t, models.SyncFailed, st.LastSyncStatus)
	assert.Equal(t, repository.InterruptedMessage, st.LastSyncError)
	assert.Equal(t, 4, st.CheckpointPage)

	out := h.svc.RunOnce(context.Background())
	require.Equal(t, StateSucceeded, out.State, "%v", out.Err)
	assert.Equal(t, 1, h.src.callCount(letterboxd.ListingDiary, 4), "从断点页继续")
	assert.Zero(t, h.src.callCount(letterboxd.ListingDiary, 1))
}

func TestSyncService_OrderFrom(t *testing.T) {
	h := newHarness(t, SyncOptions{})

	tests := []struct {
		checkpoint string
		want       []letterboxd.Listing
	}{
		{"", listingOrder},
		{"unknown", listingOrder},
		{"diary", []letterboxd.Listing{
			letterboxd.ListingDiary, letterboxd.ListingWatchlist,
			letterboxd.ListingFavorites, letterboxd.ListingProfile, letterboxd.ListingWatched,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.checkpoint, func(t *testing.T) {
			assert.Equal(t, tt.want, h.svc.orderFrom(tt.checkpoint))
		})
	}

	assert.Equal(t, letterboxd.ListingFavorites, h.svc.nextListing(letterboxd.ListingWatchlist))
}

func intPtr(n int) *int { return &n }

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.SyncConfig{
		BatchSize:     10,
		Workers:       6,
		LookbackDays:  intPtr(7),
		StalenessDays: intPtr(3),
		Listings:      []string{"watchlist", "bogus", "diary"},
	})
	assert.Equal(t, 10, opts.BatchSize)
	assert.Equal(t, 6, opts.Workers)
	assert.Equal(t, 7*24*time.Hour, opts.Lookback)
	assert.Equal(t, 3*24*time.Hour, opts.Staleness)
	assert.Equal(t, []letterboxd.Listing{letterboxd.ListingWatchlist, letterboxd.ListingDiary}, opts.Listings)

	// 启用的列表仍按固定顺序处理
	assert.Equal(t, []letterboxd.Listing{letterboxd.ListingDiary, letterboxd.ListingWatchlist}, enabledListings(opts.Listings))

	// 显式为零：每次都补全，不回看
	zero := OptionsFromConfig(config.SyncConfig{LookbackDays: intPtr(0), StalenessDays: intPtr(0)})
	assert.Equal(t, StaleAlways, zero.Staleness)
	assert.Zero(t, zero.Lookback)

	// 未配置：默认值
	unset := OptionsFromConfig(config.SyncConfig{})
	assert.Equal(t, 30*24*time.Hour, unset.Staleness)
	assert.Equal(t, 14*24*time.Hour, unset.Lookback)
}
