package natsx

import (
	"context"
	"time"

	"PPRoom/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// NatsxSyncPublisher 同步发布器（带退避重试，受 ctx 约束）
type NatsxSyncPublisher struct {
	P       *NatsxProducer
	Retries uint64
	Backoff time.Duration
}

func (sp *NatsxSyncPublisher) PublishOnce(ctx context.Context, biz string, payload []byte, msgID string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = sp.Backoff
	if b.InitialInterval <= 0 {
		b.InitialInterval = 50 * time.Millisecond
	}
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, sp.Retries), ctx)

	// msgID 不变，重试不会在流里产生重复
	return backoff.RetryNotify(func() error {
		return sp.P.PublishOnce(ctx, biz, payload, nil, msgID)
	}, policy, func(err error, d time.Duration) {
		logger.Warn("nats publish retry", zap.String("biz", biz), zap.Duration("next", d), zap.Error(err))
	})
}
