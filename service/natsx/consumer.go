package natsx

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

// NatsxConsumer 消费端
type NatsxConsumer struct {
	c   *NatsxClient
	mws []NatsxMiddleware
}

func NewNatsxConsumer(c *NatsxClient, mws ...NatsxMiddleware) *NatsxConsumer {
	return &NatsxConsumer{c: c, mws: mws}
}

// Subscribe JetStream Push 订阅（ManualAck + durable deliver group）。
// handler 没有自己确认时：返回 nil 则 Ack，否则 Nak。
func (cs *NatsxConsumer) Subscribe(ctx context.Context, biz string, h NatsxHandler) error {
	r, ok := cs.c.route(biz)
	if !ok {
		return fmt.Errorf("route not found: %s", biz)
	}
	h = NatsxChain(h, cs.mws...)

	opts := []nats.SubOpt{
		nats.ManualAck(),
		nats.AckWait(r.AckWait),
		nats.MaxAckPending(r.MaxAckPending),
		nats.DeliverAll(),
	}
	if r.Durable != "" {
		opts = append(opts, nats.Durable(r.Durable))
	}

	cb := func(m *nats.Msg) {
		msg := NatsxMessage{
			Subject: m.Subject,
			Data:    append([]byte(nil), m.Data...),
			Header:  headerToMap(m.Header),
			raw:     m,
			settled: new(atomic.Bool),
		}
		if meta, err := m.Metadata(); err == nil {
			msg.Delivered = meta.NumDelivered
		}
		err := h(ctx, msg)
		if msg.isSettled() {
			return
		}
		if err == nil {
			_ = msg.Ack()
		} else {
			_ = msg.raw.Nak()
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if r.Durable == "" {
		sub, err = cs.c.js.Subscribe(r.Subject, cb, opts...)
	} else {
		sub, err = cs.c.js.QueueSubscribe(r.Subject, r.Durable, cb, opts...)
	}
	if err != nil {
		return err
	}
	cs.c.mu.Lock()
	cs.c.subs[biz] = sub
	cs.c.mu.Unlock()
	return nil
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
