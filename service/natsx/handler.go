package natsx

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsxMessage 统一消息对象
type NatsxMessage struct {
	Subject   string
	Data      []byte
	Header    map[string]string
	Delivered uint64 // JetStream 投递次数，从 1 开始

	raw     *nats.Msg
	settled *atomic.Bool
}

// Ack 确认成功（JS WorkQueue 流会删除该消息）
func (m NatsxMessage) Ack() error {
	if m.raw == nil || !m.settled.CompareAndSwap(false, true) {
		return nil
	}
	return m.raw.Ack()
}

// NakWithDelay 延迟重投
func (m NatsxMessage) NakWithDelay(d time.Duration) error {
	if m.raw == nil || !m.settled.CompareAndSwap(false, true) {
		return nil
	}
	return m.raw.NakWithDelay(d)
}

// Term 不再投递
func (m NatsxMessage) Term() error {
	if m.raw == nil || !m.settled.CompareAndSwap(false, true) {
		return nil
	}
	return m.raw.Term()
}

func (m NatsxMessage) isSettled() bool {
	return m.settled != nil && m.settled.Load()
}

// NatsxHandler 业务处理函数；未显式确认时按返回值 Ack / Nak
type NatsxHandler func(ctx context.Context, msg NatsxMessage) error

// NatsxMiddleware 中间件（日志、指标、重试等）
type NatsxMiddleware func(NatsxHandler) NatsxHandler

// NatsxChain 组合中间件
func NatsxChain(h NatsxHandler, mws ...NatsxMiddleware) NatsxHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
