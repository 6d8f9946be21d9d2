package natsx

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"PPRoom/logger"
	"PPRoom/service/queue"
	"PPRoom/tools/errs"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	jobStream    = "PPQ"
	failedStream = "PPQ_FAILED"
	subjectBase  = "ppq."
	failedBase   = "ppq_failed."

	// 之前真实执行过的次数；停机打断后重发时带上，投递次数从 1 重新算
	hdrPriorAttempts = "Ppq-Prior-Attempts"
)

// JobQueueOptions JetStream 任务队列参数
type JobQueueOptions struct {
	AckWait       time.Duration // 超时未确认会被重投（worker 崩溃恢复）
	MaxAckPending int
	Events        queue.Events
}

// JobQueue 基于 JetStream 的 queue.Submitter / queue.Worker / queue.Inspector。
// PPQ 是 WorkQueue 流，Ack 即删除；失败到头的任务另存到 PPQ_FAILED。
type JobQueue struct {
	c    *NatsxClient
	p    *NatsxSyncPublisher
	cs   *NatsxConsumer
	opts JobQueueOptions
}

var (
	_ queue.Submitter = (*JobQueue)(nil)
	_ queue.Worker    = (*JobQueue)(nil)
	_ queue.Inspector = (*JobQueue)(nil)
)

func NewJobQueue(c *NatsxClient, opts JobQueueOptions, mws ...NatsxMiddleware) (*JobQueue, error) {
	if opts.AckWait <= 0 {
		opts.AckWait = 30 * time.Second
	}
	streams := []*nats.StreamConfig{
		{Name: jobStream, Subjects: []string{subjectBase + "*"}, Retention: nats.WorkQueuePolicy, Storage: nats.FileStorage},
		{Name: failedStream, Subjects: []string{failedBase + "*"}, Retention: nats.LimitsPolicy, Storage: nats.FileStorage},
	}
	for _, sc := range streams {
		if err := c.EnsureStream(sc); err != nil {
			return nil, errs.WrapMsg(err, "ensure stream", "stream", sc.Name)
		}
	}
	return &JobQueue{
		c:    c,
		p:    &NatsxSyncPublisher{P: NewNatsxProducer(c), Retries: 2, Backoff: 50 * time.Millisecond},
		cs:   NewNatsxConsumer(c, mws...),
		opts: opts,
	}, nil
}

func (q *JobQueue) ensureRoute(name string) error {
	if _, ok := q.c.route(name); ok {
		return nil
	}
	return q.c.RegisterRoute(NatsxRoute{
		Biz:           name,
		Subject:       subjectBase + name,
		Durable:       "ppq-" + name,
		AckWait:       q.opts.AckWait,
		MaxAckPending: q.opts.MaxAckPending,
	})
}

func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, ".*> \t")
}

// Submit 以任务 ID 作为 Nats-Msg-Id 发布
func (q *JobQueue) Submit(ctx context.Context, name string, payload []byte, policy queue.RetryPolicy) (string, error) {
	if err := policy.Validate(); err != nil {
		return "", err
	}
	if !validName(name) {
		return "", errs.ErrArgs.WrapMsg("invalid queue name", "name", name)
	}
	if err := q.ensureRoute(name); err != nil {
		return "", err
	}
	job := &queue.Job{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   payload,
		Policy:    policy,
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", errs.Wrap(err)
	}
	if err := q.p.PublishOnce(ctx, name, data, job.ID); err != nil {
		return "", errs.ErrPersistence.WrapMsg("submit job", "queue", name, "err", err)
	}
	return job.ID, nil
}

// Run 订阅直到 ctx 结束；尝试次数 = 打断前已执行次数 + JetStream 投递次数
func (q *JobQueue) Run(ctx context.Context, name string, h queue.Handler) error {
	if !validName(name) {
		return errs.ErrArgs.WrapMsg("invalid queue name", "name", name)
	}
	if err := q.ensureRoute(name); err != nil {
		return err
	}
	err := q.cs.Subscribe(ctx, name, func(ctx context.Context, m NatsxMessage) error {
		return q.handle(ctx, name, m, h)
	})
	if err != nil {
		return errs.WrapMsg(err, "subscribe", "queue", name)
	}
	<-ctx.Done()
	q.c.Unsubscribe(name)
	return nil
}

func (q *JobQueue) handle(ctx context.Context, name string, m NatsxMessage, h queue.Handler) error {
	var job queue.Job
	if err := json.Unmarshal(m.Data, &job); err != nil {
		logger.Error("natsx corrupt job", zap.String("queue", name), zap.Error(err))
		q.archive(ctx, name, &queue.Job{ID: uuid.NewString(), Name: name, Payload: m.Data, FailedReason: "corrupt job: " + err.Error()})
		return m.Term()
	}
	if job.Policy.Validate() != nil {
		job.Policy = queue.DefaultRetryPolicy()
	}
	prior, _ := strconv.Atoi(m.Header[hdrPriorAttempts])
	delivered := int(m.Delivered)
	if delivered < 1 {
		delivered = 1
	}
	job.Attempts = prior + delivered

	herr := queue.Invoke(ctx, h, &job)
	if herr == nil {
		job.FinishedAt = time.Now()
		q.opts.Events.Completed(&job)
		return m.Ack()
	}
	if ctx.Err() != nil {
		return q.requeueInterrupted(ctx, name, m, job.Attempts-1)
	}
	job.FailedReason = herr.Error()
	if job.Policy.GiveUp(job.Attempts, herr) {
		job.FinishedAt = time.Now()
		q.archive(ctx, name, &job)
		q.opts.Events.Failed(&job, herr, false, 0)
		return m.Term()
	}
	delay := job.Policy.Delay(job.Attempts)
	q.opts.Events.Failed(&job, herr, true, delay)
	return m.NakWithDelay(delay)
}

// requeueInterrupted 停机打断的这次不算尝试：带着已执行次数重发一份再 Ack 原消息。
// 重发失败就退回 Nak，此时这次打断会被计入。
func (q *JobQueue) requeueInterrupted(ctx context.Context, name string, m NatsxMessage, done int) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	hdr := map[string]string{hdrPriorAttempts: strconv.Itoa(done)}
	msgID := uuid.NewString()
	if err := q.p.P.PublishOnce(pctx, name, m.Data, hdr, msgID); err != nil {
		logger.Warn("natsx requeue interrupted job", zap.String("queue", name), zap.Error(err))
		return m.NakWithDelay(0)
	}
	return m.Ack()
}

func (q *JobQueue) archive(ctx context.Context, name string, job *queue.Job) {
	data, err := json.Marshal(job)
	if err == nil {
		err = q.p.P.PublishSubject(context.WithoutCancel(ctx), failedBase+name, data, job.ID+"-failed")
	}
	if err != nil {
		logger.Error("natsx archive failed job", zap.String("queue", name), zap.String("job", job.ID), zap.Error(err))
	}
}

// Failed 读取失败归档（最旧的在前）
func (q *JobQueue) Failed(ctx context.Context, name string, limit int) ([]*queue.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	sub, err := q.c.js.SubscribeSync(failedBase+name, nats.OrderedConsumer(), nats.DeliverAll())
	if err != nil {
		return nil, errs.Wrap(err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	var out []*queue.Job
	for len(out) < limit {
		wait := 200 * time.Millisecond
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
			wait = time.Until(dl)
		}
		if wait <= 0 {
			break
		}
		m, err := sub.NextMsg(wait)
		if errors.Is(err, nats.ErrTimeout) {
			break
		}
		if err != nil {
			return out, errs.Wrap(err)
		}
		var j queue.Job
		if err := json.Unmarshal(m.Data, &j); err != nil {
			continue
		}
		out = append(out, &j)
	}
	return out, nil
}
