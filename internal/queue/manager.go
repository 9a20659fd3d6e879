// Package queue drains the durable task queue. Claims are conditional
// status updates in the store, so any number of concurrent workers or
// processes can run cycles against the same database without double
// executing a task.
package queue

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jobindev25/tech-co-founder-sub000/internal/config"
	"github.com/jobindev25/tech-co-founder-sub000/internal/domain"
	"github.com/jobindev25/tech-co-founder-sub000/internal/faults"
	"github.com/jobindev25/tech-co-founder-sub000/internal/repo"
)

// Executor runs one task. A nil return completes the task; an error is
// classified to decide between a deferred retry and a terminal failure.
type Executor func(ctx context.Context, task domain.QueuedTask) error

// PermanentFailureFunc is invoked after a task fails for good, either from a
// permanent error or an exhausted retry budget.
type PermanentFailureFunc func(ctx context.Context, task domain.QueuedTask, err error)

type Manager struct {
	Repo      repo.Repo
	Executors map[string]Executor

	OnPermanentFailure PermanentFailureFunc

	BatchSize       int
	MaxConcurrency  int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	WavePause       time.Duration
	StaleClaimAfter time.Duration

	Now    func() time.Time
	Jitter func() float64 // in [0,1); defaults to rand.Float64
}

func NewManager(r repo.Repo, cfg *config.Config) *Manager {
	m := &Manager{
		Repo:           r,
		Executors:      map[string]Executor{},
		BatchSize:      10,
		MaxConcurrency: 3,
		BaseDelay:      time.Second,
		MaxDelay:       time.Minute,
	}
	if cfg != nil {
		m.BatchSize = cfg.Queue.BatchSize
		m.MaxConcurrency = cfg.Queue.MaxConcurrency
		m.BaseDelay = time.Duration(cfg.Queue.BaseDelayMillis) * time.Millisecond
		m.MaxDelay = time.Duration(cfg.Queue.MaxDelayMillis) * time.Millisecond
		m.WavePause = time.Duration(cfg.Queue.WavePauseMillis) * time.Millisecond
		m.StaleClaimAfter = time.Duration(cfg.Queue.StaleClaimSeconds) * time.Second
	}
	return m
}

func (m *Manager) Register(taskType string, exec Executor) {
	if m.Executors == nil {
		m.Executors = map[string]Executor{}
	}
	m.Executors[taskType] = exec
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// CycleResult summarizes one queue cycle.
type CycleResult struct {
	Recovered int64 `json:"recovered"`
	Processed int   `json:"processed"`
	Succeeded int   `json:"succeeded"`
	Released  int   `json:"released"`
	Failed    int   `json:"failed"`
	Skipped   int   `json:"skipped"`
}

// RunCycle recovers stale claims, fetches one batch of due tasks, and works
// through it in waves of at most MaxConcurrency goroutines.
func (m *Manager) RunCycle(ctx context.Context) (CycleResult, error) {
	var result CycleResult

	if m.StaleClaimAfter > 0 {
		cutoff := m.now().Add(-m.StaleClaimAfter)
		recovered, err := m.Repo.RecoverStalledTasks(ctx, cutoff)
		if err != nil {
			return result, &faults.StoreError{Op: "recover stalled tasks", Err: err}
		}
		if recovered > 0 {
			log.Printf("queue: recovered %d stale claims", recovered)
		}
		result.Recovered = recovered
	}

	tasks, err := m.Repo.PendingTasks(ctx, m.BatchSize)
	if err != nil {
		return result, &faults.StoreError{Op: "fetch pending tasks", Err: err}
	}

	var mu sync.Mutex
	for start := 0; start < len(tasks); start += m.MaxConcurrency {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		end := start + m.MaxConcurrency
		if end > len(tasks) {
			end = len(tasks)
		}
		var wg sync.WaitGroup
		for _, task := range tasks[start:end] {
			wg.Add(1)
			go func(task domain.QueuedTask) {
				defer wg.Done()
				outcome := m.runOne(ctx, task)
				mu.Lock()
				result.Processed++
				switch outcome {
				case outcomeSucceeded:
					result.Succeeded++
				case outcomeReleased:
					result.Released++
				case outcomeFailed:
					result.Failed++
				case outcomeSkipped:
					result.Processed--
					result.Skipped++
				}
				mu.Unlock()
			}(task)
		}
		wg.Wait()
		if m.WavePause > 0 && end < len(tasks) {
			select {
			case <-time.After(m.WavePause):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
	}
	return result, nil
}

// Run drains the queue on an interval until the context ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.RunCycle(ctx); err != nil && ctx.Err() == nil {
			log.Printf("queue: cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeReleased
	outcomeFailed
	outcomeSkipped
)

func (m *Manager) runOne(ctx context.Context, task domain.QueuedTask) outcome {
	claimed, err := m.Repo.ClaimTask(ctx, task.ID)
	if err != nil {
		log.Printf("queue: claim task %d: %v", task.ID, err)
		return outcomeSkipped
	}
	if !claimed {
		return outcomeSkipped
	}

	exec, ok := m.Executors[task.Type]
	if !ok {
		err := fmt.Errorf("no executor for task type %q", task.Type)
		m.failForGood(ctx, task, err)
		return outcomeFailed
	}

	execErr := exec(ctx, task)
	if execErr == nil {
		if err := m.Repo.CompleteTask(ctx, task.ID); err != nil {
			log.Printf("queue: complete task %d: %v", task.ID, err)
		}
		return outcomeSucceeded
	}

	if faults.Classify(execErr) == faults.Permanent {
		m.failForGood(ctx, task, execErr)
		return outcomeFailed
	}

	// Budget check happens before the increment, so a task with
	// max_retries=N runs N+1 times before failing for good.
	if task.RetryCount >= task.MaxRetries {
		m.failForGood(ctx, task, fmt.Errorf("retries exhausted: %w", execErr))
		return outcomeFailed
	}
	retries := task.RetryCount + 1
	delay := Backoff(m.BaseDelay, m.MaxDelay, retries, m.Jitter)
	nextRetryAt := m.now().Add(delay).UTC().Format(time.RFC3339)
	if err := m.Repo.ReleaseTask(ctx, task.ID, retries, nextRetryAt, execErr.Error()); err != nil {
		log.Printf("queue: release task %d: %v", task.ID, err)
	}
	log.Printf("queue: task %d (%s) retry %d/%d in %s: %v", task.ID, task.Type, retries, task.MaxRetries, delay, execErr)
	return outcomeReleased
}

func (m *Manager) failForGood(ctx context.Context, task domain.QueuedTask, cause error) {
	log.Printf("queue: task %d (%s) failed permanently: %v", task.ID, task.Type, cause)
	if err := m.Repo.FailTask(ctx, task.ID, cause.Error()); err != nil {
		log.Printf("queue: fail task %d: %v", task.ID, err)
	}
	if m.OnPermanentFailure != nil {
		m.OnPermanentFailure(ctx, task, cause)
	}
}

// Backoff computes the delay before the next attempt: base doubled per
// recorded retry, clamped to max, with a 10% jitter so retries spread out.
// jitter may be nil.
func Backoff(base, max time.Duration, retryCount int, jitter func() float64) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	delay := float64(base) * math.Pow(2, float64(retryCount))
	if delay > float64(max) {
		delay = float64(max)
	}
	if jitter == nil {
		jitter = rand.Float64
	}
	delay *= 0.9 + 0.2*jitter()
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}
