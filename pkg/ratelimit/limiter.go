package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// KeyedLimiter 按 key（上游主机）隔离的令牌桶
type KeyedLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewKeyedLimiter 创建按主机限流器，rps 为每秒请求数
func NewKeyedLimiter(rps float64, burst int) *KeyedLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &KeyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Wait 阻塞直到该 key 有可用令牌或 ctx 结束
func (kl *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return kl.get(key).Wait(ctx)
}

// Allow 不阻塞地尝试取一个令牌
func (kl *KeyedLimiter) Allow(key string) bool {
	return kl.get(key).Allow()
}

func (kl *KeyedLimiter) get(key string) *rate.Limiter {
	kl.mu.RLock()
	l, ok := kl.limiters[key]
	kl.mu.RUnlock()
	if ok {
		return l
	}

	kl.mu.Lock()
	defer kl.mu.Unlock()
	if l, ok = kl.limiters[key]; ok {
		return l
	}
	l = rate.NewLimiter(kl.limit, kl.burst)
	kl.limiters[key] = l
	return l
}

// Len 当前跟踪的 key 数量
func (kl *KeyedLimiter) Len() int {
	kl.mu.RLock()
	defer kl.mu.RUnlock()
	return len(kl.limiters)
}
