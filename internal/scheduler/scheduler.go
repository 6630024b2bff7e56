// Package scheduler 定时任务调度
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/smysle/filmsync-go/internal/config"
	"github.com/smysle/filmsync-go/internal/service"
	"github.com/smysle/filmsync-go/pkg/logger"
)

// 手动触发的结果
const (
	TriggerStarted        = "started"
	TriggerAlreadyRunning = "already_running"
)

const syncTag = "sync"

// ErrStopped 调度器已停止，不再接受新的同步
var ErrStopped = errors.New("调度器已停止")

// Syncer 定时任务和手动触发共用的同步入口
type Syncer interface {
	service.Runner
	Begin(ctx context.Context, trigger string) (*service.Run, error)
}

// Scheduler 定时任务调度器
type Scheduler struct {
	cron   *gocron.Scheduler
	cfg    config.SyncConfig
	syncer Syncer

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// New 创建调度器
func New(cfg config.SyncConfig, timezone string, syncer Syncer) *Scheduler {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		logger.Warn().Err(err).Str("timezone", timezone).Msg("时区无效，使用 UTC")
		loc = time.UTC
	}
	s := gocron.NewScheduler(loc)
	s.SingletonModeAll()

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   s,
		cfg:    cfg,
		syncer: syncer,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 注册同步任务并启动
func (s *Scheduler) Start() error {
	logger.Info().Msg("启动定时任务调度器")

	minutes := s.cfg.IntervalMinutes
	if minutes <= 0 {
		return fmt.Errorf("同步间隔无效: %d", minutes)
	}

	job := s.cron.Every(minutes).Minutes().Tag(syncTag)
	if !s.cfg.RunOnStart {
		job = job.WaitForSchedule()
	}
	if _, err := job.Do(s.runScheduled); err != nil {
		return fmt.Errorf("注册同步任务失败: %w", err)
	}
	logger.Info().
		Int("interval_minutes", minutes).
		Bool("run_on_start", s.cfg.RunOnStart).
		Msg("已注册: 同步任务")

	s.cron.StartAsync()
	return nil
}

// Stop 停止调度，正在进行的同步在下一个批次边界结束
func (s *Scheduler) Stop() {
	logger.Info().Msg("停止定时任务调度器")
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.cron.Stop()
	s.wg.Wait()
}

// NextRun 下一次定时同步的时间
func (s *Scheduler) NextRun() time.Time {
	jobs, err := s.cron.FindJobsByTag(syncTag)
	if err != nil || len(jobs) == 0 {
		return time.Time{}
	}
	return jobs[0].NextRun()
}

// Trigger 手动触发一次同步，立即返回
//
// 获取同步锁是同步完成的，因此返回值能准确区分已开始和已在运行。
func (s *Scheduler) Trigger() (string, error) {
	if !s.track() {
		return "", ErrStopped
	}
	run, err := s.syncer.Begin(s.ctx, service.TriggerManual)
	if err != nil {
		s.wg.Done()
		if errors.Is(err, service.ErrAlreadyRunning) {
			return TriggerAlreadyRunning, nil
		}
		return "", err
	}

	go func() {
		defer s.wg.Done()
		report(run.Execute(s.ctx))
	}()
	return TriggerStarted, nil
}

// track 登记一次运行，Stop 之后返回 false
func (s *Scheduler) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Scheduler) runScheduled() {
	if !s.track() {
		return
	}
	defer s.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("定时同步发生 panic")
		}
	}()

	logger.Info().Msg("执行定时任务: 同步")
	report(s.syncer.RunOnce(s.ctx))
}

func report(out service.Outcome) {
	switch {
	case out.AlreadyRunning():
		logger.Info().Msg("已有同步在运行，跳过本次触发")
	case out.Failed():
		logger.Warn().
			Err(out.Err).
			Str("run_id", out.RunID).
			Str("state", string(out.State)).
			Int("items", out.Items).
			Msg("同步未完全成功，下次运行时将从断点继续")
	case out.Err != nil:
		logger.Error().Err(out.Err).Str("run_id", out.RunID).Msg("同步失败")
	default:
		logger.Info().
			Str("run_id", out.RunID).
			Int("items", out.Items).
			Dur("elapsed", out.FinishedAt.Sub(out.StartedAt)).
			Msg("同步完成")
	}
}
