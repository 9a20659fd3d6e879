package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jobindev25/tech-co-founder-sub000/internal/config"
	"github.com/jobindev25/tech-co-founder-sub000/internal/db"
	"github.com/jobindev25/tech-co-founder-sub000/internal/domain"
	"github.com/jobindev25/tech-co-founder-sub000/internal/faults"
	"github.com/jobindev25/tech-co-founder-sub000/internal/migrate"
	"github.com/jobindev25/tech-co-founder-sub000/internal/queue"
	"github.com/jobindev25/tech-co-founder-sub000/internal/repo"
)

func newManager(t *testing.T) (*queue.Manager, repo.Repo) {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	m := queue.NewManager(r, config.Default())
	m.Jitter = func() float64 { return 0.5 }
	return m, r
}

func enqueue(t *testing.T, r repo.Repo, taskType string, maxRetries int) int64 {
	t.Helper()
	id, err := r.InsertTask(context.Background(), nil, taskType, `{}`, 5, maxRetries)
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return id
}

func taskStatus(t *testing.T, r repo.Repo, id int64) domain.QueuedTask {
	t.Helper()
	task, err := r.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func TestRunCycleCompletesTask(t *testing.T) {
	m, r := newManager(t)
	var calls int32
	m.Register("echo", func(ctx context.Context, task domain.QueuedTask) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	id := enqueue(t, r, "echo", 3)

	result, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if result.Succeeded != 1 || result.Processed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if calls != 1 {
		t.Fatalf("executor ran %d times", calls)
	}
	if task := taskStatus(t, r, id); task.Status != domain.TaskCompleted {
		t.Fatalf("task status %s", task.Status)
	}
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	m, r := newManager(t)
	m.Register("doomed", func(ctx context.Context, task domain.QueuedTask) error {
		return faults.ValidationError{Msg: "bad payload"}
	})
	var failedTask atomic.Int64
	m.OnPermanentFailure = func(ctx context.Context, task domain.QueuedTask, err error) {
		failedTask.Store(task.ID)
	}
	id := enqueue(t, r, "doomed", 3)

	result, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	task := taskStatus(t, r, id)
	if task.Status != domain.TaskFailed || task.RetryCount != 0 {
		t.Fatalf("expected terminal failure without retries, got %+v", task)
	}
	if failedTask.Load() != id {
		t.Fatalf("permanent failure hook not invoked for task %d", id)
	}
}

func TestRetryableErrorDefersTask(t *testing.T) {
	m, r := newManager(t)
	m.BaseDelay = time.Minute
	m.Register("flaky", func(ctx context.Context, task domain.QueuedTask) error {
		return &faults.StoreError{Op: "tx", Err: errors.New("database is locked")}
	})
	id := enqueue(t, r, "flaky", 3)

	result, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if result.Released != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	task := taskStatus(t, r, id)
	if task.Status != domain.TaskPending || task.RetryCount != 1 {
		t.Fatalf("expected pending retry, got %+v", task)
	}
	if task.NextRetryAt == nil {
		t.Fatal("next_retry_at not set")
	}
	if task.LastError == nil {
		t.Fatal("last_error not recorded")
	}

	// deferred until next_retry_at: an immediate cycle must skip it
	result, err = m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if result.Processed != 0 {
		t.Fatalf("deferred task was picked up: %+v", result)
	}
}

func TestRetriesExhausted(t *testing.T) {
	m, r := newManager(t)
	// backdated clock keeps computed next_retry_at in the past, so every
	// cycle sees the task as due
	m.Now = func() time.Time { return time.Now().Add(-time.Hour) }
	var attempts int32
	m.Register("flaky", func(ctx context.Context, task domain.QueuedTask) error {
		atomic.AddInt32(&attempts, 1)
		return &faults.StoreError{Op: "tx", Err: errors.New("busy")}
	})
	hookCalls := 0
	m.OnPermanentFailure = func(ctx context.Context, task domain.QueuedTask, err error) {
		hookCalls++
	}
	id := enqueue(t, r, "flaky", 1)

	// first failure spends the single retry, the second exhausts the budget
	result, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if result.Released != 1 {
		t.Fatalf("unexpected first result: %+v", result)
	}
	result, err = m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("unexpected second result: %+v", result)
	}
	task := taskStatus(t, r, id)
	if task.Status != domain.TaskFailed || task.RetryCount != 1 {
		t.Fatalf("expected terminal failure with retry_count 1, got %+v", task)
	}
	if attempts != 2 {
		t.Fatalf("executor ran %d times, want 2", attempts)
	}
	if hookCalls != 1 {
		t.Fatalf("hook called %d times", hookCalls)
	}
}

func TestRetryBudgetRunsMaxRetriesPlusOne(t *testing.T) {
	m, r := newManager(t)
	m.Now = func() time.Time { return time.Now().Add(-time.Hour) }
	var attempts int32
	m.Register("flaky", func(ctx context.Context, task domain.QueuedTask) error {
		atomic.AddInt32(&attempts, 1)
		return &faults.StoreError{Op: "tx", Err: errors.New("busy")}
	})
	id := enqueue(t, r, "flaky", 3)

	for i := 0; i < 10; i++ {
		if _, err := m.RunCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if taskStatus(t, r, id).Status == domain.TaskFailed {
			break
		}
	}
	task := taskStatus(t, r, id)
	if task.Status != domain.TaskFailed {
		t.Fatalf("task never failed terminally: %+v", task)
	}
	// max_retries=3 means the initial attempt plus three retries
	if attempts != 4 {
		t.Fatalf("executor ran %d times, want 4", attempts)
	}
	if task.RetryCount != 3 {
		t.Fatalf("retry count %d, want 3", task.RetryCount)
	}
}

func TestFirstRetryDelayDoubles(t *testing.T) {
	m, r := newManager(t)
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return t0 }
	m.BaseDelay = time.Second
	m.Register("flaky", func(ctx context.Context, task domain.QueuedTask) error {
		return &faults.StoreError{Op: "tx", Err: errors.New("busy")}
	})
	id := enqueue(t, r, "flaky", 3)

	if _, err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	task := taskStatus(t, r, id)
	if task.NextRetryAt == nil {
		t.Fatal("next_retry_at not set")
	}
	// delay uses the incremented retry count: base * 2^1 with neutral jitter
	want := t0.Add(2 * time.Second).Format(time.RFC3339)
	if *task.NextRetryAt != want {
		t.Fatalf("next_retry_at %s, want %s", *task.NextRetryAt, want)
	}
}

func TestUnknownTaskTypeFails(t *testing.T) {
	m, r := newManager(t)
	id := enqueue(t, r, "mystery", 3)
	if _, err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if task := taskStatus(t, r, id); task.Status != domain.TaskFailed {
		t.Fatalf("task status %s", task.Status)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	_, r := newManager(t)
	ctx := context.Background()
	id := enqueue(t, r, "echo", 3)

	claimed, err := r.ClaimTask(ctx, id)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	claimed, err = r.ClaimTask(ctx, id)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatal("second claim must not succeed")
	}
}

func TestStaleClaimRecovery(t *testing.T) {
	m, r := newManager(t)
	ctx := context.Background()
	id := enqueue(t, r, "echo", 3)
	if _, err := r.ClaimTask(ctx, id); err != nil {
		t.Fatal(err)
	}

	// a cutoff after the claim time treats it as abandoned
	recovered, err := r.RecoverStalledTasks(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered %d, want 1", recovered)
	}
	task := taskStatus(t, r, id)
	if task.Status != domain.TaskPending {
		t.Fatalf("task status %s", task.Status)
	}

	// RunCycle recovery path picks the task back up
	m.StaleClaimAfter = time.Nanosecond
	m.Register("echo", func(ctx context.Context, task domain.QueuedTask) error { return nil })
	if _, err := r.ClaimTask(ctx, id); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond)
	result, err := m.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if result.Recovered != 1 || result.Succeeded != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestBackoff(t *testing.T) {
	fixed := func() float64 { return 0.5 }
	base := time.Second
	max := time.Minute

	var prev time.Duration
	for retry := 0; retry < 6; retry++ {
		delay := queue.Backoff(base, max, retry, fixed)
		if delay < prev {
			t.Fatalf("backoff shrank at retry %d: %s < %s", retry, delay, prev)
		}
		prev = delay
	}
	// jitter 0.5 is the neutral multiplier
	if got := queue.Backoff(base, max, 0, fixed); got != time.Second {
		t.Fatalf("retry 0 delay %s, want 1s", got)
	}
	if got := queue.Backoff(base, max, 3, fixed); got != 8*time.Second {
		t.Fatalf("retry 3 delay %s, want 8s", got)
	}
	if got := queue.Backoff(base, max, 20, fixed); got != max {
		t.Fatalf("retry 20 delay %s, want clamp to %s", got, max)
	}
	// jitter spreads around the exponential value
	low := queue.Backoff(base, max, 2, func() float64 { return 0 })
	high := queue.Backoff(base, max, 2, func() float64 { return 0.999 })
	if low >= high {
		t.Fatalf("jitter range inverted: %s >= %s", low, high)
	}
	if low < 3*time.Second || high > 5*time.Second {
		t.Fatalf("jitter outside 10%% band: %s .. %s", low, high)
	}
}
