package persist

import (
	"context"
	"errors"
	"time"

	"PPRoom/logger"
	"PPRoom/module/chat/model"
	"PPRoom/service/metrics"
	"PPRoom/service/queue"
	"PPRoom/tools/errs"

	"go.uber.org/zap"
)

// ChatSaver 聊天记录落库
type ChatSaver interface {
	SaveChat(ctx context.Context, c *model.Chat) (int64, error)
}

// Worker 消费 chat-messages 队列
type Worker struct {
	cache   *RoomCache
	saver   ChatSaver
	metrics *metrics.Metrics
}

func NewWorker(cache *RoomCache, saver ChatSaver, m *metrics.Metrics) *Worker {
	return &Worker{cache: cache, saver: saver, metrics: m}
}

// Handle 单个任务；老格式任务没有 roomId 时按 slug 再解析
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	pj, err := model.DecodePersistJob(job.Payload)
	if err != nil {
		return queue.Permanent(err)
	}
	roomID := pj.RoomID
	if roomID == 0 {
		roomID, err = w.cache.Resolve(ctx, pj.Slug)
		if errors.Is(err, errs.ErrLookup) {
			return queue.Permanent(err)
		}
		if err != nil {
			return err
		}
	}
	chat := &model.Chat{RoomID: roomID, Message: pj.Message, UserID: pj.UserID}
	if _, err := w.saver.SaveChat(ctx, chat); err != nil {
		return err
	}
	return nil
}

// Events 任务结果日志与指标
func (w *Worker) Events() queue.Events {
	return queue.Events{
		OnCompleted: func(job *queue.Job) {
			w.count("completed")
			logger.Info("job completed", zap.String("job", job.ID), zap.Int("attempt", job.Attempts))
		},
		OnFailed: func(job *queue.Job, err error, willRetry bool, delay time.Duration) {
			if willRetry {
				w.count("retry")
				logger.Warn("job failed, will retry", zap.String("job", job.ID), zap.Int("attempt", job.Attempts),
					zap.Duration("delay", delay), zap.Error(err))
				return
			}
			w.count("failed")
			logger.Error("job failed", zap.String("job", job.ID), zap.Int("attempts", job.Attempts), zap.Error(err))
		},
	}
}

func (w *Worker) count(result string) {
	if w.metrics != nil {
		w.metrics.Jobs.WithLabelValues(result).Inc()
	}
}

// Run 阻塞消费直到 ctx 结束
func (w *Worker) Run(ctx context.Context, q queue.Worker, name string) error {
	logger.Info("persist worker started", zap.String("queue", name))
	defer logger.Info("persist worker stopped", zap.String("queue", name))
	return q.Run(ctx, name, w.Handle)
}
