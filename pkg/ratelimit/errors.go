package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// 错误分类哨兵，配合 errors.Is 使用
var (
	// ErrThrottled 上游限流且重试耗尽，稍后可再试
	ErrThrottled = errors.New("上游限流")
	// ErrTransient 网络错误或 5xx
	ErrTransient = errors.New("临时错误")
	// ErrFatal 不可重试的错误，例如页面结构变化或 4xx
	ErrFatal = errors.New("不可恢复错误")
	// ErrNotFound 资源不存在
	ErrNotFound = errors.New("资源不存在")
)

// Kind 错误类别
type Kind int

const (
	KindTransient Kind = iota
	KindThrottled
	KindFatal
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindThrottled:
		return "throttled"
	case KindFatal:
		return "fatal"
	case KindNotFound:
		return "not_found"
	default:
		return "transient"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindThrottled:
		return ErrThrottled
	case KindFatal:
		return ErrFatal
	case KindNotFound:
		return ErrNotFound
	default:
		return ErrTransient
	}
}

// Error 出站请求的分类错误
type Error struct {
	Kind       Kind
	Host       string
	Status     int
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Host, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf("，已尝试 %d 次", e.Attempts)
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf("，建议 %s 后重试", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 同时暴露哨兵和底层错误
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// Fatal 把任意错误标记为不可恢复，用于调用方自己发现的解析失败
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindFatal, Err: err}
}

// Throttled 构造限流错误，主要给上层的模拟实现和测试用
func Throttled(host string, err error) error {
	return &Error{Kind: KindThrottled, Host: host, Err: err}
}

func IsThrottled(err error) bool { return errors.Is(err, ErrThrottled) }
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
func IsFatal(err error) bool     { return errors.Is(err, ErrFatal) }
func IsNotFound(err error) bool  { return errors.Is(err, ErrNotFound) }
