package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"PPRoom/global"
	"PPRoom/logger"
	"PPRoom/middleware"
	"PPRoom/service/chat"
	"PPRoom/service/chat/handlers"
	"PPRoom/service/metrics"
	"PPRoom/service/natsx"
	"PPRoom/service/persist"
	"PPRoom/service/queue"
	"PPRoom/service/queue/redisq"
	"PPRoom/service/storage"
	redisx "PPRoom/service/storage/redis"
	"PPRoom/tools/errs"
	"PPRoom/tools/security"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// app 一个进程内的全部组件；按 node_type 决定跑网关、worker 或两者
type app struct {
	cfg     *global.AppConfig
	metrics *metrics.Metrics

	pg   *pgxpool.Pool
	rdb  *redis.Client
	nats *natsx.NatsxClient

	q      queue.Submitter
	worker queue.Worker
	wk     *persist.Worker
	disp   *persist.Dispatcher
	srv    *chat.Server
	http   *http.Server
}

func newApp(ctx context.Context, cfg *global.AppConfig) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}
	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}

	cache := persist.NewRoomCache(storage.NewRoomStore(a.pg))
	var events queue.Events
	if cfg.RunsWorker() {
		a.wk = persist.NewWorker(cache, storage.NewRoomStore(a.pg), a.metrics)
		events = a.wk.Events()
	}
	if err := a.buildQueue(events); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.RunsGateway() {
		a.disp = persist.NewDispatcher(cache, a.q, persist.Options{
			Queue:         cfg.Queue.Name,
			Policy:        queue.RetryPolicy{MaxAttempts: cfg.Queue.MaxAttempts, Backoff: cfg.Queue.Backoff},
			Lanes:         cfg.Queue.Lanes,
			LaneBuffer:    cfg.Queue.LaneBuffer,
			SubmitTimeout: cfg.Queue.SubmitTimeout,
			Metrics:       a.metrics,
		})
		verifier := security.NewVerifier(security.Options{Secret: []byte(cfg.Auth.JwtSecret), Alg: cfg.Auth.JwtAlg})
		a.srv = chat.NewServer(chat.ConfFromGlobal(cfg.HTTP), verifier, a.disp, a.metrics)
		handlers.RegisterAll(a.srv)
	}
	a.http = &http.Server{Addr: cfg.HTTP.Addr, Handler: a.engine()}
	return a, nil
}

// connect 依赖启动顺序不可控，建连失败按指数退避重试
func (a *app) connect(ctx context.Context) error {
	cfg := a.cfg
	retry := func(name string, op func() error) error {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxElapsedTime = 30 * time.Second
		return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
			logger.Warn("dependency not ready, retrying", zap.String("dep", name), zap.Duration("in", d), zap.Error(err))
		})
	}

	if err := retry("postgres", func() (err error) {
		a.pg, err = storage.NewPgPool(ctx, storage.PgConfig{DSN: cfg.Postgres.DSN, MaxConns: cfg.Postgres.MaxConns})
		return err
	}); err != nil {
		return errs.WrapMsg(err, "connect postgres")
	}

	switch cfg.Queue.Driver {
	case global.QueueDriverRedis:
		if err := retry("redis", func() (err error) {
			a.rdb, err = redisx.NewClient(ctx, redisx.Config{
				URL: cfg.Redis.URL, Addr: cfg.Redis.Addr, Password: cfg.Redis.Password,
				DB: cfg.Redis.DB, PoolSize: cfg.Redis.PoolSize,
			})
			return err
		}); err != nil {
			return errs.WrapMsg(err, "connect redis")
		}
	case global.QueueDriverNats:
		if err := retry("nats", func() (err error) {
			a.nats, err = natsx.NewNatsxClient(natsx.NatsxConfig{Servers: cfg.Nats.Servers, Name: cfg.Nats.Name})
			return err
		}); err != nil {
			return errs.WrapMsg(err, "connect nats")
		}
	}
	return nil
}

func (a *app) buildQueue(events queue.Events) error {
	switch a.cfg.Queue.Driver {
	case global.QueueDriverNats:
		jq, err := natsx.NewJobQueue(a.nats, natsx.JobQueueOptions{
			MaxAckPending: a.cfg.Queue.Concurrency,
			Events:        events,
		})
		if err != nil {
			return err
		}
		a.q, a.worker = jq, jq
	default:
		rq := redisq.New(a.rdb, redisq.Options{
			PollInterval: a.cfg.Queue.PollInterval,
			Concurrency:  a.cfg.Queue.Concurrency,
			Events:       events,
		})
		a.q, a.worker = rq, rq
	}
	return nil
}

func (a *app) engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	middleware.Defaults(a.cfg.HTTP.AllowedOrigins).Mount(r)
	if a.srv != nil {
		a.srv.Routes(r)
	} else {
		r.GET("/healthz", func(c *gin.Context) {
			c.JSON(http.StatusOK, global.Success(gin.H{"status": "ok"}))
		})
	}
	r.GET("/metrics", gin.WrapH(a.metrics.Handler()))
	return r
}

// Run 阻塞到 ctx 结束或任一组件出错
func (a *app) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.disp != nil {
		a.disp.Start()
	}
	if a.wk != nil {
		g.Go(func() error {
			return a.wk.Run(gctx, a.worker, a.cfg.Queue.Name)
		})
	}
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", a.cfg.HTTP.Addr), zap.String("node_type", a.cfg.NodeType))
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errs.WrapMsg(err, "http serve")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		// 已升级的 WebSocket 连接不受 Shutdown 管理，由进程退出关闭
		return a.http.Shutdown(sctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Close 先排空持久化 lane，再断开外部依赖
func (a *app) Close() {
	if a.disp != nil {
		a.disp.Close()
		a.disp = nil
	}
	if a.nats != nil {
		_ = a.nats.Close()
		a.nats = nil
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
		a.rdb = nil
	}
	if a.pg != nil {
		a.pg.Close()
		a.pg = nil
	}
}
