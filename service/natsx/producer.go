package natsx

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NatsxProducer 生产端
type NatsxProducer struct{ c *NatsxClient }

func NewNatsxProducer(c *NatsxClient) *NatsxProducer { return &NatsxProducer{c: c} }

// PublishOnce 按 Biz 路由发送，带 Nats-Msg-Id（流的去重窗口内同 ID 只存一份）
func (p *NatsxProducer) PublishOnce(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string) error {
	r, ok := p.c.route(biz)
	if !ok {
		return fmt.Errorf("route not found: %s", biz)
	}
	return p.c.sendJS(ctx, r.Subject, data, hdr, msgID)
}

// PublishSubject 不走路由，直接发到某个 subject（失败归档用）
func (p *NatsxProducer) PublishSubject(ctx context.Context, subject string, data []byte, msgID string) error {
	return p.c.sendJS(ctx, subject, data, nil, msgID)
}

func (c *NatsxClient) sendJS(ctx context.Context, subject string, data []byte, hdr map[string]string, msgID string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data

	// 加 header
	for k, v := range hdr {
		msg.Header.Add(k, v)
	}
	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	if _, err := c.js.PublishMsg(msg, opts...); err != nil {
		return fmt.Errorf("publish %s failed: %w", subject, err)
	}
	return nil
}
