// filmsync - Letterboxd 个人主页镜像
// 定时抓取观影记录并用 TMDB 补全元数据
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/smysle/filmsync-go/internal/config"
	"github.com/smysle/filmsync-go/internal/database"
	"github.com/smysle/filmsync-go/internal/letterboxd"
	"github.com/smysle/filmsync-go/internal/scheduler"
	"github.com/smysle/filmsync-go/internal/service"
	"github.com/smysle/filmsync-go/internal/tmdb"
	"github.com/smysle/filmsync-go/internal/web"
	"github.com/smysle/filmsync-go/pkg/logger"
)

var (
	configPath = flag.String("config", "config.json", "配置文件路径")
	debug      = flag.Bool("debug", false, "调试模式")
	once       = flag.Bool("once", false, "执行一次同步后退出")
)

func main() {
	flag.Parse()

	// 初始化日志
	logger.Init(logger.Options{Debug: *debug})
	logger.Info().Msg("filmsync 启动中...")

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("加载配置失败")
	}
	logger.Init(logger.Options{Debug: *debug, Dir: cfg.Log.Dir, Timezone: cfg.Log.Timezone})
	logger.Info().Str("profile", cfg.Profile).Msg("配置加载完成")

	// 初始化数据库
	if err := database.Init(&cfg.Database); err != nil {
		logger.Fatal().Err(err).Msg("初始化数据库失败")
	}
	defer database.Close()

	// 抓取和补全客户端
	scraper := letterboxd.NewClient(cfg.Letterboxd, cfg.Profile, letterboxd.NewHTTPClient(cfg.Letterboxd))
	var enricher service.Enricher
	if cfg.HasTMDB() {
		enricher = tmdb.NewClient(cfg.TMDB, tmdb.NewHTTPClient(cfg.TMDB))
	} else {
		logger.Warn().Msg("未配置 TMDB 凭据，跳过元数据补全")
	}

	svc := service.NewSyncService(database.GetDB(), scraper, enricher, service.OptionsFromConfig(cfg.Sync))
	if err := svc.Recover(); err != nil {
		logger.Fatal().Err(err).Msg("恢复同步状态失败")
	}

	if *once {
		out := svc.RunOnce(context.Background())
		if out.Failed() || (out.Err != nil && !out.AlreadyRunning()) {
			logger.Error().Err(out.Err).Str("state", string(out.State)).Msg("同步未完成")
			database.Close()
			os.Exit(1)
		}
		logger.Info().Int("items", out.Items).Msg("同步完成")
		return
	}

	// 初始化定时任务调度器
	sched := scheduler.New(cfg.Sync, cfg.Log.Timezone, svc)
	if err := sched.Start(); err != nil {
		logger.Fatal().Err(err).Msg("启动定时任务失败")
	}
	defer sched.Stop()
	logger.Info().Time("next_run", sched.NextRun()).Msg("定时任务调度器启动")

	// 初始化 Web API 服务
	webServer := web.New(cfg, svc, sched)
	go func() {
		if err := webServer.Start(); err != nil {
			logger.Error().Err(err).Msg("Web API 服务启动失败")
		}
	}()
	defer webServer.Stop()

	// 监听系统信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	logger.Info().Msg("filmsync 启动成功，按 Ctrl+C 停止...")

	// 等待退出信号
	<-quit

	logger.Info().Msg("正在关闭服务，进行中的同步将在当前批次结束后停止...")
	svc.RequestStop()
}
