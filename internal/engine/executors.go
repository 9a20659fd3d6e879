package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jobindev25/tech-co-founder-sub000/internal/domain"
	"github.com/jobindev25/tech-co-founder-sub000/internal/faults"
	"github.com/jobindev25/tech-co-founder-sub000/internal/ledger"
	"github.com/jobindev25/tech-co-founder-sub000/internal/repo"
)

// pipelinePayload is the payload of the analyze, plan, and build tasks. The
// project row carries everything else the stage needs.
type pipelinePayload struct {
	ProjectID int64 `json:"project_id"`
}

// BuildEventInput is a verified build webhook, queued as a process_webhook
// task and applied against the ledger and state machine.
type BuildEventInput struct {
	BuildID           string         `json:"build_id,omitempty"`
	ExternalProjectID string         `json:"external_project_id,omitempty"`
	EventType         string         `json:"event_type"`
	Sequence          *int64         `json:"sequence,omitempty"`
	Message           string         `json:"message,omitempty"`
	Data              map[string]any `json:"data,omitempty"`
}

type notifyPayload struct {
	ProjectID int64          `json:"project_id"`
	Event     string         `json:"event"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ExecuteAnalyze runs the analysis stage. The stage only acts on projects
// still in analyzing, so a redelivered task after a crash-then-commit is a
// no-op.
func (e Engine) ExecuteAnalyze(ctx context.Context, payloadJSON string) error {
	var payload pipelinePayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return faults.ValidationError{Msg: fmt.Sprintf("analyze payload: %v", err)}
	}
	p, err := e.Repo.GetProject(ctx, payload.ProjectID)
	if err != nil {
		return storeErr("get project", err)
	}
	if p.Status != domain.ProjectAnalyzing {
		return nil
	}
	if e.AI == nil {
		return faults.ValidationError{Msg: "no analyzer configured"}
	}

	var meta map[string]any
	if p.MetadataJSON != "" {
		_ = json.Unmarshal([]byte(p.MetadataJSON), &meta)
	}
	analysis, err := e.AI.AnalyzeConversation(ctx, p.ConversationID, meta)
	if err != nil {
		return err
	}

	m := repo.ProjectMutation{AnalysisJSON: &analysis}
	if p.Name == "" {
		if name := projectNameFrom(analysis); name != "" {
			m.Name = &name
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback()

	applied, err := e.Repo.TransitionProject(ctx, tx, p.ID, priorStatuses(domain.ProjectPlanning), domain.ProjectPlanning, m)
	if err != nil {
		return storeErr("transition project", err)
	}
	if !applied {
		return nil
	}
	if err := e.enqueue(ctx, tx, domain.TaskGeneratePlan, pipelinePayload{ProjectID: p.ID}, PriorityPipeline); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	p.Status = domain.ProjectPlanning
	e.notify(ctx, p, "project.status", "analysis complete", nil)
	return nil
}

// ExecuteGeneratePlan runs the planning stage.
func (e Engine) ExecuteGeneratePlan(ctx context.Context, payloadJSON string) error {
	var payload pipelinePayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return faults.ValidationError{Msg: fmt.Sprintf("plan payload: %v", err)}
	}
	p, err := e.Repo.GetProject(ctx, payload.ProjectID)
	if err != nil {
		return storeErr("get project", err)
	}
	if p.Status != domain.ProjectPlanning {
		return nil
	}
	if p.AnalysisJSON == nil {
		return faults.ValidationError{Msg: fmt.Sprintf("project %d has no analysis", p.ID)}
	}
	if e.AI == nil {
		return faults.ValidationError{Msg: "no analyzer configured"}
	}

	plan, err := e.AI.GeneratePlan(ctx, p.ConversationID, *p.AnalysisJSON)
	if err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback()

	applied, err := e.Repo.TransitionProject(ctx, tx, p.ID, priorStatuses(domain.ProjectReadyToBuild), domain.ProjectReadyToBuild,
		repo.ProjectMutation{PlanJSON: &plan})
	if err != nil {
		return storeErr("transition project", err)
	}
	if !applied {
		return nil
	}
	if err := e.enqueue(ctx, tx, domain.TaskTriggerBuild, pipelinePayload{ProjectID: p.ID}, PriorityPipeline); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	p.Status = domain.ProjectReadyToBuild
	e.notify(ctx, p, "project.status", "plan ready", nil)
	return nil
}

// ExecuteTriggerBuild submits the plan to the build service and records the
// build_started ledger entry together with the building transition.
func (e Engine) ExecuteTriggerBuild(ctx context.Context, payloadJSON string) error {
	var payload pipelinePayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return faults.ValidationError{Msg: fmt.Sprintf("build payload: %v", err)}
	}
	p, err := e.Repo.GetProject(ctx, payload.ProjectID)
	if err != nil {
		return storeErr("get project", err)
	}
	if p.Status != domain.ProjectReadyToBuild {
		return nil
	}
	if p.PlanJSON == nil {
		return faults.ValidationError{Msg: fmt.Sprintf("project %d has no plan", p.ID)}
	}
	if e.Builder == nil {
		return faults.ValidationError{Msg: "no build service configured"}
	}

	result, err := e.Builder.TriggerBuild(ctx, p.ID, p.Name, *p.PlanJSON)
	if err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback()

	m := repo.ProjectMutation{}
	if result.BuildID != "" {
		m.BuildRef = &result.BuildID
	}
	if result.ExternalProjectID != "" {
		m.ExternalProjectRef = &result.ExternalProjectID
	}
	applied, err := e.Repo.TransitionProject(ctx, tx, p.ID, priorStatuses(domain.ProjectBuilding), domain.ProjectBuilding, m)
	if err != nil {
		return storeErr("transition project", err)
	}
	if !applied {
		return nil
	}
	data := ledger.Payload{"build_id": result.BuildID}
	if result.EstimatedCompletion != "" {
		data["estimated_completion"] = result.EstimatedCompletion
	}
	if _, err := e.Ledger.Append(ctx, tx, p.ID, domain.EventBuildStarted, "build submitted", nil, data); err != nil {
		return storeErr("append ledger", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	p.Status = domain.ProjectBuilding
	e.notify(ctx, p, "project.status", "build "+result.BuildID+" started", nil)
	return nil
}

// ExecuteProcessWebhook applies a queued build event.
func (e Engine) ExecuteProcessWebhook(ctx context.Context, payloadJSON string) error {
	var in BuildEventInput
	if err := json.Unmarshal([]byte(payloadJSON), &in); err != nil {
		return faults.ValidationError{Msg: fmt.Sprintf("webhook payload: %v", err)}
	}
	_, err := e.ApplyBuildEvent(ctx, in)
	return err
}

// ApplyResult reports what applying a build event did.
type ApplyResult struct {
	Project    domain.Project
	Transition bool
	Stale      bool
}

// ApplyBuildEvent records a build event in the ledger and advances the
// project state machine. A stale sequence number is still recorded but
// changes nothing else. Recording and transition commit in one transaction.
func (e Engine) ApplyBuildEvent(ctx context.Context, in BuildEventInput) (ApplyResult, error) {
	if in.EventType == "" {
		return ApplyResult{}, faults.ValidationError{Msg: "build event missing event_type"}
	}
	p, err := e.Repo.GetProjectByBuildRef(ctx, in.BuildID, in.ExternalProjectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ApplyResult{}, faults.ValidationError{Msg: fmt.Sprintf("no project for build %q / external %q", in.BuildID, in.ExternalProjectID)}
		}
		return ApplyResult{}, storeErr("get project by build ref", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, storeErr("begin", err)
	}
	defer tx.Rollback()

	res := ApplyResult{Project: p}
	if err := e.Ledger.CheckSequence(ctx, tx, p.ID, in.Sequence); err != nil {
		var oc faults.OrderingConflict
		if !errors.As(err, &oc) {
			return ApplyResult{}, storeErr("check sequence", err)
		}
		res.Stale = true
	}
	if _, err := e.Ledger.Append(ctx, tx, p.ID, in.EventType, in.Message, in.Sequence, ledger.Payload(in.Data)); err != nil {
		return ApplyResult{}, storeErr("append ledger", err)
	}

	if !res.Stale {
		if to, ok := eventTransition(in.EventType); ok {
			m := repo.ProjectMutation{}
			switch to {
			case domain.ProjectCompleted:
				done := e.now().UTC().Format(time.RFC3339)
				m.CompletedAt = &done
			case domain.ProjectFailed:
				reason := in.Message
				if reason == "" {
					reason = "build failed"
				}
				m.ErrorMessage = &reason
			}
			applied, err := e.Repo.TransitionProject(ctx, tx, p.ID, priorStatuses(to), to, m)
			if err != nil {
				return ApplyResult{}, storeErr("transition project", err)
			}
			res.Transition = applied
			if applied {
				res.Project.Status = to
			}
		} else if updates := progressUpdates(in); len(updates) > 0 {
			meta, err := mergeMetadata(p.MetadataJSON, updates)
			if err == nil {
				if err := e.Repo.SetProjectMetadata(ctx, tx, p.ID, meta); err != nil {
					return ApplyResult{}, storeErr("set metadata", err)
				}
				res.Project.MetadataJSON = meta
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, storeErr("commit", err)
	}
	e.notify(ctx, res.Project, "build.event", in.EventType, in.Data)
	return res, nil
}

// ExecuteSendNotification fans one notice out through the broadcast
// channels.
func (e Engine) ExecuteSendNotification(ctx context.Context, payloadJSON string) error {
	var payload notifyPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return faults.ValidationError{Msg: fmt.Sprintf("notification payload: %v", err)}
	}
	p, err := e.Repo.GetProject(ctx, payload.ProjectID)
	if err != nil {
		return storeErr("get project", err)
	}
	e.notify(ctx, p, payload.Event, payload.Message, payload.Data)
	return nil
}

// progressUpdates extracts the metadata worth keeping from a non-transition
// event. Log entries live in the ledger only.
func progressUpdates(in BuildEventInput) map[string]any {
	updates := map[string]any{}
	switch in.EventType {
	case domain.EventBuildProgress:
		for _, key := range []string{"progress", "stage", "files_completed", "files_total"} {
			if v, ok := in.Data[key]; ok {
				updates[key] = v
			}
		}
	case domain.EventFileGenerated:
		if v, ok := in.Data["path"]; ok {
			updates["last_file"] = v
		}
	}
	return updates
}

func projectNameFrom(analysisJSON string) string {
	var doc map[string]any
	if err := json.Unmarshal([]byte(analysisJSON), &doc); err != nil {
		return ""
	}
	for _, key := range []string{"project_name", "name", "title"} {
		if v, ok := doc[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
