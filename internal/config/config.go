// Package config 配置管理模块
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Config 全局配置结构
type Config struct {
	// Profile 需要镜像的 Letterboxd 用户名
	Profile string `json:"profile"`

	Letterboxd LetterboxdConfig `json:"letterboxd"`
	TMDB       TMDBConfig       `json:"tmdb"`
	Database   DatabaseConfig   `json:"database"`
	Sync       SyncConfig       `json:"sync"`
	API        APIConfig        `json:"api"`
	Log        LogConfig        `json:"log"`
}

// HTTPPolicy 出站请求的限流与重试策略
type HTTPPolicy struct {
	RequestsPerSecond float64 `json:"rps"`
	Burst             int     `json:"burst"`
	MaxAttempts       int     `json:"max_attempts"`
	BaseDelayMS       int     `json:"base_delay_ms"`
	MaxDelaySeconds   int     `json:"max_delay_seconds"`
	MaxRetryAfterSecs int     `json:"max_retry_after_seconds"`
	TimeoutSeconds    int     `json:"timeout_seconds"`
	ThrottleStatuses  []int   `json:"throttle_statuses"`
}

// BaseDelay 首次退避时间
func (p HTTPPolicy) BaseDelay() time.Duration {
	return time.Duration(p.BaseDelayMS) * time.Millisecond
}

// MaxDelay 退避上限
func (p HTTPPolicy) MaxDelay() time.Duration {
	return time.Duration(p.MaxDelaySeconds) * time.Second
}

// MaxRetryAfter 愿意等待的 Retry-After 上限
func (p HTTPPolicy) MaxRetryAfter() time.Duration {
	return time.Duration(p.MaxRetryAfterSecs) * time.Second
}

// Timeout 单次请求超时
func (p HTTPPolicy) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// LetterboxdConfig 抓取源配置
type LetterboxdConfig struct {
	BaseURL   string     `json:"base_url"`
	UserAgent string     `json:"user_agent"`
	Policy    HTTPPolicy `json:"policy"`
}

// TMDBConfig 元数据提供方配置
type TMDBConfig struct {
	APIKey             string     `json:"api_key"`
	BaseURL            string     `json:"base_url"`
	ImageBaseURL       string     `json:"image_base_url"`
	Language           string     `json:"language"`
	Region             string     `json:"region"`
	MatchThreshold     float64    `json:"match_threshold"`
	CastLimit          int        `json:"cast_limit"`
	SearchCacheMinutes int        `json:"search_cache_minutes"`
	Policy             HTTPPolicy `json:"policy"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string `json:"driver"` // sqlite | mysql
	Path     string `json:"path"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// 未配置时的默认天数
const (
	DefaultStalenessDays = 30
	DefaultLookbackDays  = 14
)

// SyncConfig 同步任务配置
//
// StalenessDays 和 LookbackDays 为 nil 表示未配置；显式的 0 表示每次都重新补全、不回看。
type SyncConfig struct {
	IntervalMinutes int      `json:"interval_minutes"`
	RunOnStart      bool     `json:"run_on_start"`
	StalenessDays   *int     `json:"staleness_days"`
	LookbackDays    *int     `json:"lookback_days"`
	BatchSize       int      `json:"batch_size"`
	Workers         int      `json:"workers"`
	Listings        []string `json:"listings"`
}

// Interval 同步间隔
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// Staleness 元数据过期阈值
func (s SyncConfig) Staleness() time.Duration {
	return days(s.StalenessDays, DefaultStalenessDays)
}

// Lookback 日记增量模式下始终重扫的窗口
func (s SyncConfig) Lookback() time.Duration {
	return days(s.LookbackDays, DefaultLookbackDays)
}

func days(n *int, def int) time.Duration {
	d := def
	if n != nil {
		d = *n
	}
	return time.Duration(d) * 24 * time.Hour
}

// APIConfig Web API 配置
type APIConfig struct {
	Enabled      bool     `json:"enabled"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	AllowOrigins []string `json:"allow_origins"`
}

// LogConfig 日志配置
type LogConfig struct {
	Dir      string `json:"dir"`
	Timezone string `json:"timezone"`
}

// DefaultListings 默认同步顺序
var DefaultListings = []string{"favorites", "profile", "watched", "diary", "watchlist"}

var (
	cfg     *Config
	cfgLock sync.RWMutex
)

// Load 加载配置文件
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	config.applyEnv()
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfgLock.Lock()
	cfg = &config
	cfgLock.Unlock()

	return &config, nil
}

// Get 获取全局配置（线程安全）
func Get() *Config {
	cfgLock.RLock()
	defer cfgLock.RUnlock()
	return cfg
}

// applyEnv 环境变量覆盖敏感项
func (c *Config) applyEnv() {
	if v := os.Getenv("TMDB_API_KEY"); v != "" {
		c.TMDB.APIKey = v
	}
	if v := os.Getenv("FILMSYNC_PROFILE"); v != "" {
		c.Profile = v
	}
}

// setDefaults 设置默认值
func (c *Config) setDefaults() {
	c.Profile = strings.TrimSpace(c.Profile)

	if c.Letterboxd.BaseURL == "" {
		c.Letterboxd.BaseURL = "https://letterboxd.com"
	}
	if c.Letterboxd.UserAgent == "" {
		c.Letterboxd.UserAgent = "filmsync/1.0 (+personal mirror)"
	}
	// 原实现每 4 秒一个请求
	setPolicyDefaults(&c.Letterboxd.Policy, 0.25, 1)
	if len(c.Letterboxd.Policy.ThrottleStatuses) == 0 {
		c.Letterboxd.Policy.ThrottleStatuses = []int{429, 503}
	}

	if c.TMDB.BaseURL == "" {
		c.TMDB.BaseURL = "https://api.themoviedb.org/3"
	}
	if c.TMDB.ImageBaseURL == "" {
		c.TMDB.ImageBaseURL = "https://image.tmdb.org/t/p/w500"
	}
	if c.TMDB.Language == "" {
		c.TMDB.Language = "en-US"
	}
	if c.TMDB.Region == "" {
		c.TMDB.Region = "US"
	}
	if c.TMDB.MatchThreshold == 0 {
		c.TMDB.MatchThreshold = 0.85
	}
	if c.TMDB.CastLimit == 0 {
		c.TMDB.CastLimit = 15
	}
	if c.TMDB.SearchCacheMinutes == 0 {
		c.TMDB.SearchCacheMinutes = 60
	}
	setPolicyDefaults(&c.TMDB.Policy, 4, 8)
	if len(c.TMDB.Policy.ThrottleStatuses) == 0 {
		c.TMDB.Policy.ThrottleStatuses = []int{429}
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/filmsync.db"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}

	if c.Sync.IntervalMinutes == 0 {
		c.Sync.IntervalMinutes = 360
	}
	if c.Sync.StalenessDays == nil {
		c.Sync.StalenessDays = intPtr(DefaultStalenessDays)
	}
	if c.Sync.LookbackDays == nil {
		c.Sync.LookbackDays = intPtr(DefaultLookbackDays)
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 25
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 4
	}
	if len(c.Sync.Listings) == 0 {
		c.Sync.Listings = append([]string(nil), DefaultListings...)
	}

	if c.API.Port == 0 {
		c.API.Port = 8000
	}
	if len(c.API.AllowOrigins) == 0 {
		c.API.AllowOrigins = []string{"*"}
	}

	if c.Log.Timezone == "" {
		c.Log.Timezone = "UTC"
	}
}

func intPtr(n int) *int {
	return &n
}

func setPolicyDefaults(p *HTTPPolicy, rps float64, burst int) {
	if p.RequestsPerSecond == 0 {
		p.RequestsPerSecond = rps
	}
	if p.Burst == 0 {
		p.Burst = burst
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelayMS == 0 {
		p.BaseDelayMS = 1000
	}
	if p.MaxDelaySeconds == 0 {
		p.MaxDelaySeconds = 60
	}
	if p.MaxRetryAfterSecs == 0 {
		p.MaxRetryAfterSecs = 120
	}
	if p.TimeoutSeconds == 0 {
		p.TimeoutSeconds = 30
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if c.Profile == "" {
		errs = append(errs, errors.New("profile 不能为空"))
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver))
	}
	for _, l := range c.Sync.Listings {
		if !isKnownListing(l) {
			errs = append(errs, fmt.Errorf("未知的同步列表: %s", l))
		}
	}
	if c.Sync.Workers < 1 || c.Sync.Workers > 16 {
		errs = append(errs, fmt.Errorf("sync.workers 超出范围: %d", c.Sync.Workers))
	}
	if c.Sync.StalenessDays != nil && *c.Sync.StalenessDays < 0 {
		errs = append(errs, fmt.Errorf("sync.staleness_days 不能为负数: %d", *c.Sync.StalenessDays))
	}
	if c.Sync.LookbackDays != nil && *c.Sync.LookbackDays < 0 {
		errs = append(errs, fmt.Errorf("sync.lookback_days 不能为负数: %d", *c.Sync.LookbackDays))
	}
	if c.Sync.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("sync.batch_size 必须大于 0"))
	}
	return errors.Join(errs...)
}

func isKnownListing(name string) bool {
	for _, l := range DefaultListings {
		if l == name {
			return true
		}
	}
	return false
}

// IsProfile 判断给定标识是否为当前配置的用户
func (c *Config) IsProfile(identity string) bool {
	return strings.EqualFold(strings.TrimSpace(identity), c.Profile)
}

// HasTMDB 是否配置了元数据提供方凭据
func (c *Config) HasTMDB() bool {
	return c.TMDB.APIKey != ""
}
