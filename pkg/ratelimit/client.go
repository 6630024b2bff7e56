// Package ratelimit 带限流、退避重试和熔断的出站 HTTP 客户端
//
// 同一个 Client 的所有调用方按上游主机共享令牌预算。重试循环由本包自己
// 掌控（resty 自带重试关闭），以便区分限流、临时错误和不可恢复错误。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/smysle/filmsync-go/pkg/logger"
)

// Config 客户端配置
type Config struct {
	Name          string
	RPS           float64 // <= 0 表示不限速
	Burst         int
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxRetryAfter time.Duration
	Timeout       time.Duration
	UserAgent     string
	Headers       map[string]string

	// ThrottleStatuses 除 429 外同样视为限流的状态码
	ThrottleStatuses []int

	// 熔断：连续 BreakerFailures 次调用失败后打开，BreakerTimeout 后半开
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "http"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Minute
	}
	if c.MaxRetryAfter <= 0 {
		c.MaxRetryAfter = 2 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = time.Minute
	}
}

// Request 一次出站请求
type Request struct {
	Method string
	URL    string
	Query  map[string]string
	Header map[string]string
	Body   interface{}

	// Idempotent 显式声明非 GET 请求可以安全重试
	Idempotent bool
}

// Client 限流 HTTP 客户端
type Client struct {
	cfg        Config
	httpClient *resty.Client
	limiter    *KeyedLimiter

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*resty.Response]

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// New 创建客户端
func New(cfg Config) *Client {
	cfg.setDefaults()

	hc := resty.New()
	hc.SetTimeout(cfg.Timeout)
	hc.SetRetryCount(0)
	if cfg.UserAgent != "" {
		hc.SetHeader("User-Agent", cfg.UserAgent)
	}
	if len(cfg.Headers) > 0 {
		hc.SetHeaders(cfg.Headers)
	}

	return &Client{
		cfg:        cfg,
		httpClient: hc,
		limiter:    NewKeyedLimiter(cfg.RPS, cfg.Burst),
		breakers:   make(map[string]*gobreaker.CircuitBreaker[*resty.Response]),
		sleep:      sleepCtx,
		jitter:     rand.Float64,
	}
}

// Get 便捷 GET
func (c *Client) Get(ctx context.Context, rawURL string, query map[string]string) (*resty.Response, error) {
	return c.Execute(ctx, &Request{Method: http.MethodGet, URL: rawURL, Query: query})
}

// Execute 发送请求，按需限流、退避和重试
func (c *Client) Execute(ctx context.Context, req *Request) (*resty.Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, &Error{Kind: KindFatal, Err: fmt.Errorf("无效的请求地址 %q", req.URL)}
	}
	host := u.Host

	resp, err := c.breaker(host).Execute(func() (*resty.Response, error) {
		return c.do(ctx, host, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &Error{Kind: KindThrottled, Host: host, Err: err}
	}
	return resp, err
}

func (c *Client) do(ctx context.Context, host string, req *Request) (*resty.Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	idempotent := req.Idempotent || isIdempotent(method)

	var last *Error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx, host); err != nil {
			return nil, err
		}

		resp, err := c.send(ctx, method, req)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e := c.classify(host, resp, err)
		if e == nil {
			return resp, nil
		}
		e.Attempts = attempt
		last = e

		switch e.Kind {
		case KindNotFound, KindFatal:
			return nil, e
		case KindTransient:
			if !idempotent {
				return nil, e
			}
		case KindThrottled:
			if e.RetryAfter > c.cfg.MaxRetryAfter {
				logger.Warn().Str("host", host).Dur("retry_after", e.RetryAfter).Msg("上游要求的等待时间过长，放弃本次请求")
				return nil, e
			}
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}

		delay := e.RetryAfter
		if delay <= 0 {
			delay = c.backoff(attempt)
		}
		logger.Debug().
			Str("client", c.cfg.Name).
			Str("host", host).
			Str("kind", e.Kind.String()).
			Int("status", e.Status).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("请求失败，退避后重试")
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	if last.Kind == KindThrottled {
		logger.Warn().Str("host", host).Int("attempts", last.Attempts).Msg("上游持续限流，重试次数已用尽")
	}
	return nil, last
}

func (c *Client) send(ctx context.Context, method string, req *Request) (*resty.Response, error) {
	r := c.httpClient.R().SetContext(ctx)
	if len(req.Query) > 0 {
		r.SetQueryParams(req.Query)
	}
	if len(req.Header) > 0 {
		r.SetHeaders(req.Header)
	}
	if req.Body != nil {
		r.SetBody(req.Body)
	}
	return r.Execute(method, req.URL)
}

// classify 把响应映射到错误分类，成功返回 nil
func (c *Client) classify(host string, resp *resty.Response, err error) *Error {
	if err != nil {
		return &Error{Kind: KindTransient, Host: host, Err: err}
	}
	status := resp.StatusCode()
	switch {
	case status < 400:
		return nil
	case c.isThrottleStatus(status):
		return &Error{
			Kind:       KindThrottled,
			Host:       host,
			Status:     status,
			RetryAfter: parseRetryAfter(resp.Header().Get("Retry-After"), time.Now()),
		}
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Host: host, Status: status}
	case status >= 500:
		return &Error{Kind: KindTransient, Host: host, Status: status}
	default:
		return &Error{Kind: KindFatal, Host: host, Status: status}
	}
}

func (c *Client) isThrottleStatus(status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	for _, s := range c.cfg.ThrottleStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// backoff 第 n 次失败后的等待：base*2^(n-1)，封顶后抖动到 [d/2, d]
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BaseDelay
	for i := 1; i < attempt && d < c.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	half := d / 2
	return half + time.Duration(c.jitter()*float64(d-half))
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker[*resty.Response] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	threshold := c.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        c.cfg.Name + ":" + host,
		MaxRequests: 1,
		Timeout:     c.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("熔断器状态变化")
		},
		// 404、4xx 和调用方取消不算上游故障
		IsSuccessful: func(err error) bool {
			return err == nil || IsNotFound(err) || IsFatal(err) ||
				errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	c.breakers[host] = cb
	return cb
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// parseRetryAfter 支持秒数和 HTTP 日期两种格式
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
