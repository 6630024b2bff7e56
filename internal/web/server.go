// Package web Web API 服务
package web

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/smysle/filmsync-go/internal/config"
	"github.com/smysle/filmsync-go/internal/database"
	"github.com/smysle/filmsync-go/internal/database/models"
	"github.com/smysle/filmsync-go/internal/service"
	pkglogger "github.com/smysle/filmsync-go/pkg/logger"
)

// SyncReader 同步状态和片库统计的只读视图
type SyncReader interface {
	Status() (*models.SyncStatus, error)
	Runs(limit int) ([]models.SyncRun, error)
	Stats() (*service.Stats, error)
}

// Trigger 手动触发同步
type Trigger interface {
	Trigger() (string, error)
	NextRun() time.Time
}

// Server Web 服务器
type Server struct {
	app       *fiber.App
	cfg       config.APIConfig
	profile   *config.Config
	sync      SyncReader
	trigger   Trigger
	startTime time.Time
}

// New 创建 Web 服务器
func New(cfg *config.Config, sync SyncReader, trigger Trigger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	origins := "*"
	if len(cfg.API.AllowOrigins) > 0 {
		origins = strings.Join(cfg.API.AllowOrigins, ",")
	}

	// 中间件
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	server := &Server{
		app:       app,
		cfg:       cfg.API,
		profile:   cfg,
		sync:      sync,
		trigger:   trigger,
		startTime: time.Now(),
	}

	server.registerRoutes()

	return server
}

// registerRoutes 注册路由
func (s *Server) registerRoutes() {
	// 健康检查
	s.app.Get("/health", s.healthCheck)
	s.app.Get("/", s.healthCheck)

	// 详细状态
	s.app.Get("/status", s.detailedStatus)

	// 同步
	s.app.Get("/sync/status", s.syncStatus)
	s.app.Get("/sync/runs", s.syncRuns)
	s.app.Post("/sync/:identity", s.triggerSync)

	// API v1
	v1 := s.app.Group("/api/v1")
	v1.Get("/stats", s.getStats)
}

// Start 启动服务器
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		pkglogger.Info().Msg("【API服务】未启用，跳过...")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	pkglogger.Info().Str("addr", addr).Msg("【API服务】启动中...")

	return s.app.Listen(addr)
}

// Stop 停止服务器
func (s *Server) Stop() error {
	return s.app.Shutdown()
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime"`
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	})
}

// StatusResponse 详细状态响应
type StatusResponse struct {
	Status   string         `json:"status"`
	Profile  string         `json:"profile"`
	Uptime   string         `json:"uptime"`
	System   SystemInfo     `json:"system"`
	Database DatabaseStatus `json:"database"`
	NextSync *time.Time     `json:"next_sync,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumCPU       int    `json:"num_cpu"`
	NumGoroutine int    `json:"num_goroutine"`
	MemAlloc     string `json:"mem_alloc"`
}

// DatabaseStatus 数据库状态
type DatabaseStatus struct {
	Connected bool  `json:"connected"`
	FilmCount int64 `json:"film_count"`
}

// detailedStatus 详细状态
func (s *Server) detailedStatus(c *fiber.Ctx) error {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	dbConnected := false
	if db := database.GetDB(); db != nil {
		sqlDB, err := db.DB()
		dbConnected = err == nil && sqlDB.Ping() == nil
	}
	var filmCount int64
	if stats, err := s.sync.Stats(); err == nil {
		filmCount = stats.Films
	}

	resp := StatusResponse{
		Status:  "ok",
		Profile: s.profile.Profile,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		System: SystemInfo{
			GoVersion:    runtime.Version(),
			NumCPU:       runtime.NumCPU(),
			NumGoroutine: runtime.NumGoroutine(),
			MemAlloc:     fmt.Sprintf("%.2f MB", float64(memStats.Alloc)/1024/1024),
		},
		Database: DatabaseStatus{
			Connected: dbConnected,
			FilmCount: filmCount,
		},
	}
	if next := s.trigger.NextRun(); !next.IsZero() {
		resp.NextSync = &next
	}
	return c.JSON(resp)
}

// SyncStatusResponse 同步状态快照
type SyncStatusResponse struct {
	*models.SyncStatus
	State      string `json:"state"`
	NeedsRetry bool   `json:"needs_retry"`
}

// syncStatus 同步状态
func (s *Server) syncStatus(c *fiber.Ctx) error {
	st, err := s.sync.Status()
	if err != nil {
		pkglogger.Error().Err(err).Msg("读取同步状态失败")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "读取同步状态失败",
		})
	}

	state := string(service.StateIdle)
	if st.IsRunning {
		state = string(service.StateRunning)
	}
	return c.JSON(SyncStatusResponse{
		SyncStatus: st,
		State:      state,
		NeedsRetry: st.NeedsRetry(),
	})
}

// syncRuns 最近的同步记录
func (s *Server) syncRuns(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 100 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit 必须在 1 到 100 之间",
		})
	}

	runs, err := s.sync.Runs(limit)
	if err != nil {
		pkglogger.Error().Err(err).Msg("读取同步记录失败")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "读取同步记录失败",
		})
	}
	return c.JSON(fiber.Map{
		"runs": runs,
	})
}

// triggerSync 手动触发同步，已在运行时直接返回
func (s *Server) triggerSync(c *fiber.Ctx) error {
	identity := c.Params("identity")
	if !s.profile.IsProfile(identity) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "未知的用户",
		})
	}

	status, err := s.trigger.Trigger()
	if err != nil {
		pkglogger.Error().Err(err).Str("identity", identity).Msg("触发同步失败")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "触发同步失败",
		})
	}

	pkglogger.Info().Str("identity", identity).Str("status", status).Msg("收到手动同步请求")
	return c.JSON(fiber.Map{
		"status": status,
	})
}

// getStats 片库统计
func (s *Server) getStats(c *fiber.Ctx) error {
	stats, err := s.sync.Stats()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "获取统计失败",
		})
	}
	return c.JSON(stats)
}
