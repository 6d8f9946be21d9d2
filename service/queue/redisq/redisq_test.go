package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"PPRoom/service/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func newTestQueue(t *testing.T, ev queue.Events) (*Queue, *redis.Client) {
	t.Helper()
	_, rdb := newTestRedis(t)
	return New(rdb, Options{PollInterval: 5 * time.Millisecond, Events: ev}), rdb
}

func runWorker(t *testing.T, q *Queue, name string, h queue.Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, name, h) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return cancel
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitAndComplete(t *testing.T) {
	var (
		mu        sync.Mutex
		completed []*queue.Job
	)
	q, rdb := newTestQueue(t, queue.Events{OnCompleted: func(j *queue.Job) {
		mu.Lock()
		completed = append(completed, j)
		mu.Unlock()
	}})
	ctx := context.Background()

	id, err := q.Submit(ctx, "chat-messages", []byte(`{"slug":"abc"}`), queue.DefaultRetryPolicy())
	if err != nil || id == "" {
		t.Fatalf("Submit = %q, %v", id, err)
	}
	c, _ := q.Counts(ctx, "chat-messages")
	if c.Waiting != 1 {
		t.Fatalf("counts after submit = %+v", c)
	}

	got := make(chan *queue.Job, 1)
	runWorker(t, q, "chat-messages", func(_ context.Context, j *queue.Job) error {
		got <- j
		return nil
	})

	select {
	case j := <-got:
		if j.ID != id || string(j.Payload) != `{"slug":"abc"}` || j.Attempts != 1 {
			t.Fatalf("handler got %+v", j)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("job not processed")
	}
	waitFor(t, "job removed", func() bool {
		exists, _ := rdb.HExists(ctx, "ppq:chat-messages:jobs", id).Result()
		c, _ := q.Counts(ctx, "chat-messages")
		return !exists && c == (Counts{})
	})
	waitFor(t, "completed event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 1
	})
}

func TestRetryWithBackoffThenFail(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts []time.Time
		delays   []time.Duration
		final    int
	)
	q, _ := newTestQueue(t, queue.Events{OnFailed: func(_ *queue.Job, _ error, willRetry bool, d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		if willRetry {
			delays = append(delays, d)
		} else {
			final++
		}
	}})
	ctx := context.Background()
	policy := queue.RetryPolicy{MaxAttempts: 3, Backoff: 30 * time.Millisecond}
	id, err := q.Submit(ctx, "chat-messages", []byte("x"), policy)
	if err != nil {
		t.Fatal(err)
	}

	runWorker(t, q, "chat-messages", func(_ context.Context, _ *queue.Job) error {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		return errors.New("db unavailable")
	})

	waitFor(t, "job in failed set", func() bool {
		c, _ := q.Counts(ctx, "chat-messages")
		return c.Failed == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(attempts))
	}
	if final != 1 {
		t.Fatalf("final failure events = %d", final)
	}
	if len(delays) != 2 || delays[0] != 30*time.Millisecond || delays[1] != 60*time.Millisecond {
		t.Fatalf("retry delays = %v", delays)
	}
	if gap := attempts[1].Sub(attempts[0]); gap < 30*time.Millisecond {
		t.Fatalf("second attempt too early: %v", gap)
	}
	if gap := attempts[2].Sub(attempts[1]); gap < 60*time.Millisecond {
		t.Fatalf("third attempt too early: %v", gap)
	}

	failed, err := q.Failed(ctx, "chat-messages", 10)
	if err != nil || len(failed) != 1 {
		t.Fatalf("Failed = %v, %v", failed, err)
	}
	if failed[0].ID != id || failed[0].Attempts != 3 || failed[0].FailedReason != "db unavailable" {
		t.Fatalf("retained job = %+v", failed[0])
	}
}

func TestRetryThenSucceed(t *testing.T) {
	q, _ := newTestQueue(t, queue.Events{})
	ctx := context.Background()
	if _, err := q.Submit(ctx, "q", []byte("x"), queue.RetryPolicy{MaxAttempts: 3, Backoff: 10 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	var (
		mu    sync.Mutex
		calls int
	)
	runWorker(t, q, "q", func(_ context.Context, j *queue.Job) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if j.Attempts == 1 {
			return errors.New("transient")
		}
		return nil
	})
	waitFor(t, "queue drained", func() bool {
		c, _ := q.Counts(ctx, "q")
		mu.Lock()
		defer mu.Unlock()
		return calls == 2 && c == (Counts{})
	})
}

func TestPanickingHandlerCountsAsFailure(t *testing.T) {
	q, _ := newTestQueue(t, queue.Events{})
	ctx := context.Background()
	if _, err := q.Submit(ctx, "q", nil, queue.RetryPolicy{MaxAttempts: 1, Backoff: time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	runWorker(t, q, "q", func(context.Context, *queue.Job) error { panic("boom") })
	waitFor(t, "failed", func() bool {
		c, _ := q.Counts(ctx, "q")
		return c.Failed == 1 && c.Active == 0
	})
}

func TestStalledActiveJobsAreRequeued(t *testing.T) {
	q, rdb := newTestQueue(t, queue.Events{})
	ctx := context.Background()
	id, err := q.Submit(ctx, "q", []byte("x"), queue.DefaultRetryPolicy())
	if err != nil {
		t.Fatal(err)
	}
	// 模拟 worker 取走后崩溃
	if err := rdb.LMove(ctx, "ppq:q:wait", "ppq:q:active", "RIGHT", "LEFT").Err(); err != nil {
		t.Fatal(err)
	}
	got := make(chan string, 1)
	runWorker(t, q, "q", func(_ context.Context, j *queue.Job) error {
		got <- j.ID
		return nil
	})
	select {
	case g := <-got:
		if g != id {
			t.Fatalf("processed %q, want %q", g, id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stalled job not recovered")
	}
}

func TestSubmitRejectsBadPolicy(t *testing.T) {
	q, _ := newTestQueue(t, queue.Events{})
	if _, err := q.Submit(context.Background(), "q", nil, queue.RetryPolicy{}); err == nil {
		t.Fatal("expected policy error")
	}
}

func TestLiveWorkerJobNotReclaimedByAnotherWorker(t *testing.T) {
	_, rdb := newTestRedis(t)
	opts := Options{PollInterval: 5 * time.Millisecond, StalledInterval: 10 * time.Millisecond}
	a, b := New(rdb, opts), New(rdb, opts)
	ctx := context.Background()
	if _, err := a.Submit(ctx, "q", []byte("x"), queue.DefaultRetryPolicy()); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	h := func(context.Context, *queue.Job) error {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		return nil
	}
	runWorker(t, a, "q", h)
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("worker a never started the job")
	}

	// b 启动并多次检查 stalled，a 的锁仍有效
	runWorker(t, b, "q", h)
	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler invocations while a holds the job = %d", n)
	}
	if c, _ := a.Counts(ctx, "q"); c.Active != 1 || c.Waiting != 0 {
		t.Fatalf("counts while running = %+v", c)
	}

	close(release)
	waitFor(t, "queue drained", func() bool {
		c, _ := a.Counts(ctx, "q")
		return c == (Counts{})
	})
	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler invocations for one job = %d", n)
	}
}

func TestExpiredLockIsReclaimed(t *testing.T) {
	mr, rdb := newTestRedis(t)
	q := New(rdb, Options{PollInterval: 5 * time.Millisecond, LockTTL: time.Second, StalledInterval: 10 * time.Millisecond})
	ctx := context.Background()
	id, err := q.Submit(ctx, "q", []byte("x"), queue.DefaultRetryPolicy())
	if err != nil {
		t.Fatal(err)
	}
	// 另一个 worker 取走并加锁后失联
	if err := rdb.LMove(ctx, "ppq:q:wait", "ppq:q:active", "RIGHT", "LEFT").Err(); err != nil {
		t.Fatal(err)
	}
	if err := rdb.Set(ctx, "ppq:q:lock:"+id, "gone-worker", time.Second).Err(); err != nil {
		t.Fatal(err)
	}

	got := make(chan string, 1)
	runWorker(t, q, "q", func(_ context.Context, j *queue.Job) error {
		got <- j.ID
		return nil
	})
	select {
	case <-got:
		t.Fatal("job reclaimed while its lock was still valid")
	case <-time.After(100 * time.Millisecond):
	}

	mr.FastForward(2 * time.Second)
	select {
	case g := <-got:
		if g != id {
			t.Fatalf("processed %q, want %q", g, id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expired job not reclaimed")
	}
}

func TestAttemptPersistedBeforeHandlerRuns(t *testing.T) {
	q, rdb := newTestQueue(t, queue.Events{})
	ctx := context.Background()
	id, err := q.Submit(ctx, "q", []byte("x"), queue.DefaultRetryPolicy())
	if err != nil {
		t.Fatal(err)
	}
	entered := make(chan struct{})
	release := make(chan struct{})
	runWorker(t, q, "q", func(context.Context, *queue.Job) error {
		close(entered)
		<-release
		return nil
	})
	defer close(release)
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("job not started")
	}
	raw, err := rdb.HGet(ctx, "ppq:q:jobs", id).Result()
	if err != nil {
		t.Fatal(err)
	}
	var stored queue.Job
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		t.Fatal(err)
	}
	if stored.Attempts != 1 {
		t.Fatalf("stored attempts during run = %d", stored.Attempts)
	}
}

func TestJobStalledOnLastAttemptGoesToFailed(t *testing.T) {
	var failed atomic.Int32
	q, rdb := newTestQueue(t, queue.Events{OnFailed: func(_ *queue.Job, _ error, willRetry bool, _ time.Duration) {
		if !willRetry {
			failed.Add(1)
		}
	}})
	ctx := context.Background()
	id, err := q.Submit(ctx, "q", []byte("x"), queue.RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	// 两次尝试都在执行中崩溃：次数已落盘，任务留在 active 且没有锁
	raw, _ := rdb.HGet(ctx, "ppq:q:jobs", id).Result()
	var j queue.Job
	_ = json.Unmarshal([]byte(raw), &j)
	j.Attempts = 2
	data, _ := json.Marshal(&j)
	rdb.HSet(ctx, "ppq:q:jobs", id, data)
	if err := rdb.LMove(ctx, "ppq:q:wait", "ppq:q:active", "RIGHT", "LEFT").Err(); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	runWorker(t, q, "q", func(context.Context, *queue.Job) error {
		calls.Add(1)
		return nil
	})
	waitFor(t, "job in failed set", func() bool {
		c, _ := q.Counts(ctx, "q")
		return c.Failed == 1 && c.Active == 0 && c.Waiting == 0
	})
	if calls.Load() != 0 {
		t.Fatal("exhausted job must not run again")
	}
	if failed.Load() != 1 {
		t.Fatalf("final failure events = %d", failed.Load())
	}
}

func TestPromoteDueMovesOnlyDueJobs(t *testing.T) {
	q, rdb := newTestQueue(t, queue.Events{})
	ctx := context.Background()
	k := q.keys("q")
	now := time.Now().UnixMilli()
	rdb.ZAdd(ctx, k.delayed, redis.Z{Score: float64(now - 10), Member: "due"}, redis.Z{Score: float64(now + 60_000), Member: "later"})
	if err := q.promoteDue(ctx, k); err != nil {
		t.Fatal(err)
	}
	wait, _ := rdb.LRange(ctx, k.wait, 0, -1).Result()
	left, _ := rdb.ZRange(ctx, k.delayed, 0, -1).Result()
	if len(wait) != 1 || wait[0] != "due" || len(left) != 1 || left[0] != "later" {
		t.Fatalf("wait = %v, delayed = %v", wait, left)
	}
}
