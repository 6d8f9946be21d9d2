package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	"PPRoom/global"
	"PPRoom/logger"
	"PPRoom/module/chat/model"
	"PPRoom/service/metrics"
	"PPRoom/service/queue"
	"PPRoom/tools/errs"
	"PPRoom/tools/safe"

	"go.uber.org/zap"
)

type Options struct {
	Queue         string // 默认 chat-messages
	Policy        queue.RetryPolicy
	Lanes         int
	LaneBuffer    int
	SubmitTimeout time.Duration
	Metrics       *metrics.Metrics
}

func (o *Options) norm() {
	if o.Queue == "" {
		o.Queue = global.ChatQueueName
	}
	if o.Policy.Validate() != nil {
		o.Policy = queue.DefaultRetryPolicy()
	}
	if o.Lanes <= 0 {
		o.Lanes = 8
	}
	if o.LaneBuffer <= 0 {
		o.LaneBuffer = 1024
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 3 * time.Second
	}
}

// Dispatcher 把聊天消息交给持久化队列。连接处理协程只调用 Dispatch，
// 解析 slug 与投递都在 lane 协程里完成，存储抖动不会拖慢广播。
type Dispatcher struct {
	cache *RoomCache
	q     queue.Submitter
	opts  Options

	mu     sync.RWMutex
	closed bool
	lanes  []chan model.ChatEvent
	wg     sync.WaitGroup
}

func NewDispatcher(cache *RoomCache, q queue.Submitter, opts Options) *Dispatcher {
	safe.MustNotNil(cache, "room cache")
	safe.MustNotNil(q, "queue submitter")
	opts.norm()
	d := &Dispatcher{cache: cache, q: q, opts: opts}
	d.lanes = make([]chan model.ChatEvent, opts.Lanes)
	for i := range d.lanes {
		d.lanes[i] = make(chan model.ChatEvent, opts.LaneBuffer)
	}
	return d
}

// Start 启动 lane 协程；Close 后退出
func (d *Dispatcher) Start() {
	for i, lane := range d.lanes {
		d.wg.Add(1)
		safe.SafeGo("persist-lane", func() {
			defer d.wg.Done()
			d.drain(i, lane)
		})
	}
}

func (d *Dispatcher) drain(idx int, lane <-chan model.ChatEvent) {
	for ev := range lane {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.SubmitTimeout)
		_, err := d.Enqueue(ctx, ev)
		cancel()
		if err != nil {
			d.report(ev, err, zap.Int("lane", idx))
		}
	}
}

// Dispatch 非阻塞：同一房间落在同一 lane，保持到达顺序；lane 满或已关闭返回 false
func (d *Dispatcher) Dispatch(ev model.ChatEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.report(ev, errs.ErrPersistence.WrapMsg("dispatcher closed"))
		return false
	}
	lane := d.lanes[global.HashPartition(ev.RoomSlug, len(d.lanes))]
	select {
	case lane <- ev:
		return true
	default:
		d.report(ev, errs.ErrBacklogFull.WrapMsg("lane full", "buffer", d.opts.LaneBuffer))
		return false
	}
}

// Enqueue 解析房间并投递一个持久化任务，返回任务 ID。
// 房间不存在返回 ErrLookup，不会重试；其它错误为 ErrPersistence。
func (d *Dispatcher) Enqueue(ctx context.Context, ev model.ChatEvent) (string, error) {
	roomID, err := d.cache.Resolve(ctx, ev.RoomSlug)
	if err != nil {
		if errors.Is(err, errs.ErrLookup) {
			return "", err
		}
		return "", errs.ErrPersistence.WrapMsg("resolve room", "slug", ev.RoomSlug, "err", err)
	}
	payload, err := model.NewPersistJob(ev, roomID).Marshal()
	if err != nil {
		return "", errs.Wrap(err)
	}
	id, err := d.q.Submit(ctx, d.opts.Queue, payload, d.opts.Policy)
	if err != nil {
		if errors.Is(err, errs.ErrPersistence) {
			return "", err
		}
		return "", errs.ErrPersistence.WrapMsg("submit", "queue", d.opts.Queue, "err", err)
	}
	if d.opts.Metrics != nil {
		d.opts.Metrics.PersistEnqueued.Inc()
	}
	logger.Debug("chat queued for persistence", zap.String("job", id), zap.String("room", ev.RoomSlug), zap.Int64("room_id", roomID))
	return id, nil
}

func (d *Dispatcher) report(ev model.ChatEvent, err error, fields ...zap.Field) {
	if d.opts.Metrics != nil {
		d.opts.Metrics.PersistError(errs.Code(err))
	}
	fields = append(fields, zap.String("room", ev.RoomSlug), zap.String("user", ev.SenderUserID), zap.Error(err))
	if errors.Is(err, errs.ErrLookup) {
		logger.Warn("chat not persisted: unknown room", fields...)
		return
	}
	logger.Error("chat not persisted", fields...)
}

// Close 停止接收并把 lane 里剩余的消息投递完
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
