// Package queue 持久化任务队列的抽象：至少一次投递、指数退避重试、
// 成功即删除、最后一次失败后留档。具体实现见 redisq（Redis）与 natsx（JetStream）。
package queue

import (
	"context"
	"errors"
	"time"

	"PPRoom/tools/errs"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy 指数退避：第 n 次失败后等待 Backoff * 2^(n-1)
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: time.Second}
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errs.ErrArgs.WrapMsg("max attempts must be >= 1", "max_attempts", p.MaxAttempts)
	}
	if p.Backoff <= 0 {
		return errs.ErrArgs.WrapMsg("backoff must be positive", "backoff", p.Backoff)
	}
	return nil
}

// NewBackOff 不带抖动、不封顶的指数退避
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(1<<62 - 1)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay 第 attempt 次（从 1 开始）失败后到下一次尝试的等待时间，严格递增
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.NewBackOff()
	d := p.Backoff
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Exhausted 第 attempt 次失败后是否不再重试
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

type Job struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Payload      []byte      `json:"payload"`
	Attempts     int         `json:"attempts"`
	Policy       RetryPolicy `json:"policy"`
	FailedReason string      `json:"failedReason,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	FinishedAt   time.Time   `json:"finishedAt,omitempty"`
}

// Handler 返回 nil 视为成功
type Handler func(ctx context.Context, job *Job) error

type Submitter interface {
	Submit(ctx context.Context, name string, payload []byte, policy RetryPolicy) (id string, err error)
}

type Worker interface {
	// Run 阻塞直到 ctx 结束
	Run(ctx context.Context, name string, h Handler) error
}

// Inspector 运维查看最终失败的任务
type Inspector interface {
	Failed(ctx context.Context, name string, limit int) ([]*Job, error)
}

// Events 任务结果回调（日志/指标），都是可选的
type Events struct {
	OnCompleted func(job *Job)
	// willRetry 为 false 表示已用尽重试，任务进入失败集合
	OnFailed func(job *Job, err error, willRetry bool, delay time.Duration)
}

func (e Events) Completed(job *Job) {
	if e.OnCompleted != nil {
		e.OnCompleted(job)
	}
}

func (e Events) Failed(job *Job, err error, willRetry bool, delay time.Duration) {
	if e.OnFailed != nil {
		e.OnFailed(job, err, willRetry, delay)
	}
}

// Invoke 调用 handler，panic 视为一次失败
func Invoke(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.ErrPanic(r)
		}
	}()
	return h(ctx, job)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记不值得重试的失败，任务直接进入失败集合
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// GiveUp 第 attempt 次失败（错误为 err）后是否停止重试
func (p RetryPolicy) GiveUp(attempt int, err error) bool {
	return p.Exhausted(attempt) || IsPermanent(err)
}
