package natsx

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"PPRoom/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NatsxRoute 路由配置（按 Biz 维度注册，Biz 即队列名）
type NatsxRoute struct {
	Biz           string
	Subject       string
	Durable       string // JS durable 名，同时作为 deliver group
	AckWait       time.Duration
	MaxAckPending int
}

// NatsxConfig 客户端配置
type NatsxConfig struct {
	Servers       []string
	Name          string
	User          string
	Password      string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsxClient 统一客户端
type NatsxClient struct {
	cfg NatsxConfig
	nc  *nats.Conn
	js  nats.JetStreamContext

	mu     sync.RWMutex
	routes map[string]NatsxRoute         // biz -> route
	subs   map[string]*nats.Subscription // biz -> sub
}

// NewNatsxClient 连接 NATS 并初始化 JetStream 上下文
func NewNatsxClient(cfg NatsxConfig) (*NatsxClient, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}
	return &NatsxClient{
		cfg:    cfg,
		nc:     nc,
		js:     js,
		routes: make(map[string]NatsxRoute),
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Close 优雅关闭
func (c *NatsxClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for biz, sub := range c.subs {
		_ = sub.Drain()
		delete(c.subs, biz)
	}
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

// EnsureStream 不存在则创建，存在则按需更新 subjects
func (c *NatsxClient) EnsureStream(sc *nats.StreamConfig) error {
	info, err := c.js.StreamInfo(sc.Name)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = c.js.AddStream(sc)
		return err
	}
	if err != nil {
		return err
	}
	if strings.Join(info.Config.Subjects, ",") != strings.Join(sc.Subjects, ",") {
		_, err = c.js.UpdateStream(sc)
	}
	return err
}

// RegisterRoute 注册 Biz 路由；同 Biz 重复注册直接覆盖
func (c *NatsxClient) RegisterRoute(r NatsxRoute) error {
	if r.Biz == "" || r.Subject == "" {
		return errors.New("invalid route")
	}
	if r.AckWait == 0 {
		r.AckWait = 30 * time.Second
	}
	if r.MaxAckPending == 0 {
		r.MaxAckPending = 1024
	}
	c.mu.Lock()
	c.routes[r.Biz] = r
	c.mu.Unlock()
	return nil
}

// route 查询已注册路由
func (c *NatsxClient) route(biz string) (NatsxRoute, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[biz]
	return r, ok
}

// Unsubscribe 停止某个 Biz 的订阅（保留 durable）
func (c *NatsxClient) Unsubscribe(biz string) {
	c.mu.Lock()
	sub, ok := c.subs[biz]
	delete(c.subs, biz)
	c.mu.Unlock()
	if ok {
		_ = sub.Drain()
	}
}
