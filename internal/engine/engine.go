// Package engine implements the pipeline: conversation intake, the project
// status state machine, and the executors the task queue dispatches to.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jobindev25/tech-co-founder-sub000/internal/broadcast"
	"github.com/jobindev25/tech-co-founder-sub000/internal/config"
	"github.com/jobindev25/tech-co-founder-sub000/internal/domain"
	"github.com/jobindev25/tech-co-founder-sub000/internal/faults"
	"github.com/jobindev25/tech-co-founder-sub000/internal/ledger"
	"github.com/jobindev25/tech-co-founder-sub000/internal/repo"
)

// Task priorities. Webhook-driven updates outrank pipeline stages so status
// catches up before new work is started.
const (
	PriorityNotify   = 0
	PriorityPipeline = 5
	PriorityWebhook  = 10
)

// Analyzer produces the analysis and plan documents for a conversation.
type Analyzer interface {
	AnalyzeConversation(ctx context.Context, conversationID string, metadata map[string]any) (string, error)
	GeneratePlan(ctx context.Context, conversationID, analysisJSON string) (string, error)
}

// BuildTrigger starts a build on the external build service.
type BuildTrigger interface {
	TriggerBuild(ctx context.Context, projectID int64, name, planJSON string) (domain.BuildTriggerResult, error)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Ledger    ledger.Writer
	AI        Analyzer
	Builder   BuildTrigger
	Broadcast *broadcast.Registry
	Config    *config.Config
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Ledger: ledger.Writer{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC() string {
	return e.now().UTC().Format(time.RFC3339)
}

// HandleConversationEnded registers a project for a finished conversation
// and enqueues the analysis task. Redelivery of the same conversation is an
// idempotent no-op returning the existing project.
func (e Engine) HandleConversationEnded(ctx context.Context, conversationID, name string, metadata map[string]any) (domain.Project, bool, error) {
	existing, err := e.Repo.GetProjectByConversation(ctx, conversationID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, false, storeErr("get project by conversation", err)
	}

	meta := "{}"
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return domain.Project{}, false, faults.ValidationError{Msg: fmt.Sprintf("conversation metadata: %v", err)}
		}
		meta = string(b)
	}
	now := e.nowRFC()
	p := domain.Project{
		ConversationID: conversationID,
		Name:           name,
		Status:         domain.ProjectAnalyzing,
		MetadataJSON:   meta,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, false, storeErr("begin", err)
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertProject(ctx, tx, p)
	if err != nil {
		// Unique constraint on conversation_id: a concurrent delivery won
		// the insert. Fall back to the winner's row.
		tx.Rollback()
		if winner, lookupErr := e.Repo.GetProjectByConversation(ctx, conversationID); lookupErr == nil {
			return winner, false, nil
		}
		return domain.Project{}, false, storeErr("insert project", err)
	}
	p.ID = id

	if err := e.enqueue(ctx, tx, domain.TaskAnalyzeConversation, pipelinePayload{ProjectID: id}, PriorityPipeline); err != nil {
		return domain.Project{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, false, storeErr("commit", err)
	}
	e.notify(ctx, p, "project.created", "conversation "+conversationID+" accepted", nil)
	return p, true, nil
}

// RetryProject resets a failed project to analyzing and restarts the
// pipeline from the top, up to the configured retry ceiling.
func (e Engine) RetryProject(ctx context.Context, id int64) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, storeErr("get project", err)
	}
	if p.Status != domain.ProjectFailed {
		return p, faults.ValidationError{Msg: fmt.Sprintf("project %d is %s; only failed projects can be retried", id, p.Status)}
	}
	maxRetries := 3
	if e.Config != nil {
		maxRetries = e.Config.Pipeline.MaxBuildRetries
	}
	if p.RetryCount >= maxRetries {
		meta, mergeErr := mergeMetadata(p.MetadataJSON, map[string]any{"permanently_failed": true})
		if mergeErr == nil {
			_ = e.Repo.SetProjectMetadata(ctx, nil, id, meta)
		}
		return p, faults.ValidationError{Msg: fmt.Sprintf("project %d exhausted %d build retries", id, maxRetries)}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, storeErr("begin", err)
	}
	defer tx.Rollback()

	retries := p.RetryCount + 1
	clear := ""
	applied, err := e.Repo.TransitionProject(ctx, tx, id, []string{domain.ProjectFailed}, domain.ProjectAnalyzing,
		repo.ProjectMutation{RetryCount: &retries, ErrorMessage: &clear})
	if err != nil {
		return p, storeErr("transition project", err)
	}
	if !applied {
		return p, faults.ValidationError{Msg: fmt.Sprintf("project %d changed status during retry", id)}
	}
	if err := e.enqueue(ctx, tx, domain.TaskAnalyzeConversation, pipelinePayload{ProjectID: id}, PriorityPipeline); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, storeErr("commit", err)
	}
	p, err = e.Repo.GetProject(ctx, id)
	if err != nil {
		return p, storeErr("get project", err)
	}
	e.notify(ctx, p, "project.retried", fmt.Sprintf("pipeline retry %d of %d", retries, maxRetries), nil)
	return p, nil
}

// CancelProject stops a running pipeline. Cancelling an already cancelled
// project is a no-op; other terminal states refuse.
func (e Engine) CancelProject(ctx context.Context, id int64) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, storeErr("get project", err)
	}
	if p.Status == domain.ProjectCancelled {
		return p, nil
	}
	if p.Terminal() {
		return p, faults.ValidationError{Msg: fmt.Sprintf("project %d is already %s", id, p.Status)}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, storeErr("begin", err)
	}
	defer tx.Rollback()

	applied, err := e.Repo.TransitionProject(ctx, tx, id, nonTerminalStatuses(), domain.ProjectCancelled, repo.ProjectMutation{})
	if err != nil {
		return p, storeErr("transition project", err)
	}
	if applied {
		if _, err := e.Ledger.Append(ctx, tx, id, domain.EventBuildCancelled, "cancelled by operator", nil, nil); err != nil {
			return p, storeErr("append ledger", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return p, storeErr("commit", err)
	}
	p, err = e.Repo.GetProject(ctx, id)
	if err != nil {
		return p, storeErr("get project", err)
	}
	e.notify(ctx, p, "project.cancelled", "", nil)
	return p, nil
}

// FailProject marks a project failed after a task exhausted its retries.
// Terminal projects are left untouched.
func (e Engine) FailProject(ctx context.Context, id int64, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback()

	applied, err := e.Repo.TransitionProject(ctx, tx, id, nonTerminalStatuses(), domain.ProjectFailed,
		repo.ProjectMutation{ErrorMessage: &reason})
	if err != nil {
		return storeErr("transition project", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	if applied {
		if p, err := e.Repo.GetProject(ctx, id); err == nil {
			e.notify(ctx, p, "project.failed", reason, nil)
		}
	}
	return nil
}

func (e Engine) enqueue(ctx context.Context, tx *sql.Tx, taskType string, payload any, priority int) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return faults.ValidationError{Msg: fmt.Sprintf("task payload: %v", err)}
	}
	maxRetries := 3
	if e.Config != nil {
		maxRetries = e.Config.Queue.MaxRetries
	}
	if _, err := e.Repo.InsertTask(ctx, tx, taskType, string(b), priority, maxRetries); err != nil {
		return storeErr("insert task", err)
	}
	return nil
}

func (e Engine) notify(ctx context.Context, p domain.Project, event, message string, data map[string]any) {
	if e.Broadcast == nil {
		return
	}
	e.Broadcast.Publish(ctx, broadcast.Notice{
		ProjectID:      p.ID,
		ConversationID: p.ConversationID,
		Event:          event,
		Status:         p.Status,
		Message:        message,
		Data:           data,
		TS:             e.nowRFC(),
	})
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return faults.ValidationError{Msg: op + ": not found"}
	}
	return &faults.StoreError{Op: op, Err: err}
}

func mergeMetadata(current string, updates map[string]any) (string, error) {
	meta := map[string]any{}
	if current != "" {
		if err := json.Unmarshal([]byte(current), &meta); err != nil {
			meta = map[string]any{}
		}
	}
	for k, v := range updates {
		meta[k] = v
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return current, err
	}
	return string(b), nil
}
