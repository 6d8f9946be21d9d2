// Package redisq Redis 上的持久化任务队列。
//
// 每个队列 <prefix><name> 使用五个 key：
//
//	:wait    list  待处理（LPUSH 入，RIGHT 端取）
//	:active  list  处理中
//	:delayed zset  等待重试，score 为到期毫秒时间戳
//	:failed  list  重试用尽的任务，保留供排查
//	:jobs    hash  id -> Job JSON
//	:lock:<id> string 处理中任务的锁，值为持有者 token，带 TTL
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"PPRoom/logger"
	"PPRoom/service/queue"
	"PPRoom/tools/errs"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Prefix          string        // 默认 "ppq:"
	PollInterval    time.Duration // 队列为空时的轮询间隔，默认 200ms
	Concurrency     int           // 每个 Run 的并发处理数，默认 1
	LockTTL         time.Duration // 处理中任务的锁有效期，处理期间按 1/3 周期续期，默认 30s
	StalledInterval time.Duration // 检查锁已过期的 active 任务的周期，默认等于 LockTTL
	Events          queue.Events
}

type Queue struct {
	rdb   redis.Cmdable
	opts  Options
	token string // 锁的持有者标识，每个 Queue 实例唯一
	now   func() time.Time
}

var (
	_ queue.Submitter = (*Queue)(nil)
	_ queue.Worker    = (*Queue)(nil)
	_ queue.Inspector = (*Queue)(nil)
)

func New(rdb redis.Cmdable, opts Options) *Queue {
	if opts.Prefix == "" {
		opts.Prefix = "ppq:"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.StalledInterval <= 0 {
		opts.StalledInterval = opts.LockTTL
	}
	return &Queue{rdb: rdb, opts: opts, token: uuid.NewString(), now: time.Now}
}

type keys struct {
	wait, active, delayed, failed, jobs, lock string
}

func (q *Queue) keys(name string) keys {
	base := q.opts.Prefix + name
	return keys{
		wait:    base + ":wait",
		active:  base + ":active",
		delayed: base + ":delayed",
		failed:  base + ":failed",
		jobs:    base + ":jobs",
		lock:    base + ":lock:",
	}
}

func (k keys) lockOf(id string) string { return k.lock + id }

var (
	// wait -> active 与加锁在同一个脚本里完成，active 里不会出现无主又未过期的任务
	fetchScript = redis.NewScript(`
local id = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
if not id then return false end
redis.call('SET', ARGV[1] .. id, ARGV[2], 'PX', ARGV[3])
return id`)

	extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)

	// 持锁时才改写任务内容
	saveScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1`)

	// 持锁者释放锁并迁移任务：done 删除；wait/failed/delayed 改写后放入目标 key
	moveScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
redis.call('LREM', KEYS[2], 1, ARGV[2])
local mode = ARGV[4]
if mode == 'done' then
  redis.call('HDEL', KEYS[3], ARGV[2])
  return 1
end
if ARGV[3] ~= '' then redis.call('HSET', KEYS[3], ARGV[2], ARGV[3]) end
if mode == 'wait' then
  redis.call('RPUSH', KEYS[4], ARGV[2])
elseif mode == 'failed' then
  redis.call('LPUSH', KEYS[4], ARGV[2])
else
  redis.call('ZADD', KEYS[4], ARGV[5], ARGV[2])
end
return 1`)

	// 锁已过期的 active 任务才放回 wait
	reclaimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then return 0 end
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then return 0 end
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1`)

	promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids`)
)

const (
	moveDone    = "done"
	moveWait    = "wait"
	moveFailed  = "failed"
	moveDelayed = "delayed"

	promoteBatch = 100
)

// Submit 写入任务并放进 wait
func (q *Queue) Submit(ctx context.Context, name string, payload []byte, policy queue.RetryPolicy) (string, error) {
	if err := policy.Validate(); err != nil {
		return "", err
	}
	job := &queue.Job{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   payload,
		Policy:    policy,
		CreatedAt: q.now(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", errs.Wrap(err)
	}
	k := q.keys(name)
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, k.jobs, job.ID, data)
	pipe.LPush(ctx, k.wait, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errs.ErrPersistence.WrapMsg("submit job", "queue", name, "err", err)
	}
	return job.ID, nil
}

// Run 消费队列直到 ctx 结束。启动时与之后每个 StalledInterval 回收锁已过期的 active 任务；
// 其他 worker 正在处理（锁仍有效）的任务不受影响。
func (q *Queue) Run(ctx context.Context, name string, h queue.Handler) error {
	if _, err := q.reclaimStalled(ctx, name); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTicker(q.opts.StalledInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				if _, err := q.reclaimStalled(gctx, name); err != nil && gctx.Err() == nil {
					logger.Warn("redisq reclaim stalled failed", zap.String("queue", name), zap.Error(err))
				}
			}
		}
	})
	for i := 0; i < q.opts.Concurrency; i++ {
		g.Go(func() error {
			q.loop(gctx, name, h)
			return nil
		})
	}
	return g.Wait()
}

func (q *Queue) loop(ctx context.Context, name string, h queue.Handler) {
	k := q.keys(name)
	for ctx.Err() == nil {
		if err := q.promoteDue(ctx, k); err != nil && ctx.Err() == nil {
			logger.Warn("redisq promote delayed failed", zap.String("queue", name), zap.Error(err))
		}
		id, err := fetchScript.Run(ctx, q.rdb, []string{k.wait, k.active},
			k.lock, q.token, q.opts.LockTTL.Milliseconds()).Text()
		if errors.Is(err, redis.Nil) {
			q.sleep(ctx)
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("redisq fetch failed", zap.String("queue", name), zap.Error(err))
				q.sleep(ctx)
			}
			continue
		}
		q.process(ctx, k, id, h)
	}
}

func (q *Queue) sleep(ctx context.Context) {
	t := time.NewTimer(q.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (q *Queue) process(ctx context.Context, k keys, id string, h queue.Handler) {
	// 状态迁移不受 ctx 取消影响，避免任务卡在 active
	bg := context.WithoutCancel(ctx)

	raw, err := q.rdb.HGet(bg, k.jobs, id).Result()
	if errors.Is(err, redis.Nil) {
		q.move(bg, k, id, moveDone, "", 0)
		return
	}
	if err != nil {
		logger.Warn("redisq load job failed", zap.String("job", id), zap.Error(err))
		q.move(bg, k, id, moveWait, "", 0)
		return
	}
	var job queue.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// 坏数据直接进 failed
		q.move(bg, k, id, moveFailed, raw, 0)
		q.opts.Events.Failed(&queue.Job{ID: id, FailedReason: "corrupt job"}, err, false, 0)
		return
	}

	// 上次尝试已计数但没有结果（worker 崩溃），次数用尽后不再执行
	if job.Policy.Exhausted(job.Attempts) {
		serr := errs.ErrPersistence.WrapMsg("job stalled", "attempts", job.Attempts)
		job.FailedReason = serr.Error()
		job.FinishedAt = q.now()
		data, _ := json.Marshal(&job)
		q.move(bg, k, id, moveFailed, string(data), 0)
		q.opts.Events.Failed(&job, serr, false, 0)
		return
	}

	// 先落盘尝试次数再执行，崩溃重来也会被计数
	job.Attempts++
	data, _ := json.Marshal(&job)
	if ok, err := saveScript.Run(bg, q.rdb, []string{k.lockOf(id), k.jobs}, q.token, id, string(data)).Int(); err != nil || ok == 0 {
		logger.Warn("redisq lock lost before run", zap.String("job", id), zap.Error(err))
		return
	}

	hctx, cancel := context.WithCancel(ctx)
	stop := q.keepLock(hctx, k.lockOf(id), cancel)
	herr := queue.Invoke(hctx, h, &job)
	stop()
	lost := hctx.Err() != nil && ctx.Err() == nil
	cancel()
	if lost {
		// 锁已被回收，任务归别的 worker 处理
		return
	}

	if herr != nil && ctx.Err() != nil {
		// 停机打断，不计入尝试次数
		job.Attempts--
		data, _ := json.Marshal(&job)
		q.move(bg, k, id, moveWait, string(data), 0)
		return
	}
	if herr == nil {
		if q.move(bg, k, id, moveDone, "", 0) {
			job.FinishedAt = q.now()
			q.opts.Events.Completed(&job)
		}
		return
	}

	job.FailedReason = herr.Error()
	if job.Policy.GiveUp(job.Attempts, herr) {
		job.FinishedAt = q.now()
		data, _ := json.Marshal(&job)
		if q.move(bg, k, id, moveFailed, string(data), 0) {
			q.opts.Events.Failed(&job, herr, false, 0)
		}
		return
	}
	delay := job.Policy.Delay(job.Attempts)
	data, _ = json.Marshal(&job)
	due := q.now().Add(delay).UnixMilli()
	if q.move(bg, k, id, moveDelayed, string(data), due) {
		q.opts.Events.Failed(&job, herr, true, delay)
	}
}

// keepLock 处理期间续期；续期发现锁已不属于自己时调用 lost
func (q *Queue) keepLock(ctx context.Context, lock string, lost context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		t := time.NewTicker(q.opts.LockTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := extendScript.Run(context.WithoutCancel(ctx), q.rdb, []string{lock}, q.token, q.opts.LockTTL.Milliseconds()).Int()
				if err != nil {
					logger.Warn("redisq extend lock failed", zap.String("lock", lock), zap.Error(err))
					continue
				}
				if n == 0 {
					logger.Warn("redisq lock lost", zap.String("lock", lock))
					lost()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// move 持锁时释放锁并迁移任务；锁已丢失返回 false，不做任何修改
func (q *Queue) move(ctx context.Context, k keys, id, mode, data string, score int64) bool {
	dest := ""
	switch mode {
	case moveWait:
		dest = k.wait
	case moveFailed:
		dest = k.failed
	case moveDelayed:
		dest = k.delayed
	}
	n, err := moveScript.Run(ctx, q.rdb, []string{k.lockOf(id), k.active, k.jobs, dest},
		q.token, id, data, mode, score).Int()
	if err != nil {
		logger.Error("redisq move job failed", zap.String("job", id), zap.String("to", mode), zap.Error(err))
		return false
	}
	if n == 0 {
		logger.Warn("redisq lock lost, skip state change", zap.String("job", id), zap.String("to", mode))
		return false
	}
	return true
}

// promoteDue 把到期的 delayed 任务原子地放回 wait
func (q *Queue) promoteDue(ctx context.Context, k keys) error {
	return promoteScript.Run(ctx, q.rdb, []string{k.delayed, k.wait},
		q.now().UnixMilli(), promoteBatch).Err()
}

// reclaimStalled 回收锁已过期的 active 任务（持有者崩溃或失联）
func (q *Queue) reclaimStalled(ctx context.Context, name string) (int, error) {
	k := q.keys(name)
	ids, err := q.rdb.LRange(ctx, k.active, 0, -1).Result()
	if err != nil {
		return 0, errs.WrapMsg(err, "list active", "queue", name)
	}
	n := 0
	for _, id := range ids {
		ok, err := reclaimScript.Run(ctx, q.rdb, []string{k.active, k.wait, k.lockOf(id)}, id).Int()
		if err != nil {
			return n, errs.WrapMsg(err, "reclaim stalled", "queue", name, "job", id)
		}
		n += ok
	}
	if n > 0 {
		logger.Warn("redisq requeued stalled jobs", zap.String("queue", name), zap.Int("count", n))
	}
	return n, nil
}

// Failed 最近进入失败集合的任务，最新的在前
func (q *Queue) Failed(ctx context.Context, name string, limit int) ([]*queue.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	k := q.keys(name)
	ids, err := q.rdb.LRange(ctx, k.failed, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := q.rdb.HMGet(ctx, k.jobs, ids...).Result()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	out := make([]*queue.Job, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var j queue.Job
		if err := json.Unmarshal([]byte(s), &j); err != nil {
			j = queue.Job{ID: ids[i], Name: name, FailedReason: "corrupt job"}
		}
		out = append(out, &j)
	}
	return out, nil
}

// Counts 各状态任务数
type Counts struct {
	Waiting, Active, Delayed, Failed int64
}

func (q *Queue) Counts(ctx context.Context, name string) (Counts, error) {
	k := q.keys(name)
	pipe := q.rdb.Pipeline()
	w := pipe.LLen(ctx, k.wait)
	a := pipe.LLen(ctx, k.active)
	d := pipe.ZCard(ctx, k.delayed)
	f := pipe.LLen(ctx, k.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, errs.Wrap(err)
	}
	return Counts{Waiting: w.Val(), Active: a.Val(), Delayed: d.Val(), Failed: f.Val()}, nil
}
