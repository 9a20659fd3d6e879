package server

import (
	"encoding/json"

	"github.com/jobindev25/tech-co-founder-sub000/internal/domain"
)

// Request payloads

type CreateSubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
}

type CreateAPIKeyRequest struct {
	Owner string `json:"owner"`
	Name  string `json:"name,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID                 int64          `json:"id"`
	ConversationID     string         `json:"conversation_id"`
	Name               string         `json:"name,omitempty"`
	Status             string         `json:"status" enum:"analyzing,planning,ready_to_build,building,completed,failed,cancelled"`
	BuildRef           *string        `json:"build_ref,omitempty"`
	ExternalProjectRef *string        `json:"external_project_ref,omitempty"`
	RetryCount         int            `json:"retry_count"`
	ErrorMessage       *string        `json:"error_message,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          string         `json:"created_at" format:"date-time"`
	UpdatedAt          string         `json:"updated_at" format:"date-time"`
	CompletedAt        *string        `json:"completed_at,omitempty" format:"date-time"`
}

type ProjectStatusResponse struct {
	ID           int64          `json:"id"`
	Status       string         `json:"status"`
	RetryCount   int            `json:"retry_count"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	EventCount   int            `json:"event_count"`
}

type EventResponse struct {
	ID             int64          `json:"id"`
	ProjectID      int64          `json:"project_id"`
	Type           string         `json:"type"`
	Message        string         `json:"message,omitempty"`
	SequenceNumber *int64         `json:"sequence_number,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	TS             string         `json:"ts" format:"date-time"`
}

type TaskResponse struct {
	ID          int64   `json:"id"`
	Type        string  `json:"type"`
	Status      string  `json:"status" enum:"pending,processing,completed,failed"`
	Priority    int     `json:"priority"`
	RetryCount  int     `json:"retry_count"`
	MaxRetries  int     `json:"max_retries"`
	LastError   *string `json:"last_error,omitempty"`
	NextRetryAt *string `json:"next_retry_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type WebhookAccepted struct {
	ProjectID int64  `json:"project_id,omitempty"`
	TaskID    int64  `json:"task_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Created   bool   `json:"created,omitempty"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:                 p.ID,
		ConversationID:     p.ConversationID,
		Name:               p.Name,
		Status:             p.Status,
		BuildRef:           p.BuildRef,
		ExternalProjectRef: p.ExternalProjectRef,
		RetryCount:         p.RetryCount,
		ErrorMessage:       p.ErrorMessage,
		Metadata:           decodeJSONMap(p.MetadataJSON),
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
		CompletedAt:        p.CompletedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func eventResponse(e domain.BuildEvent) EventResponse {
	return EventResponse{
		ID:             e.ID,
		ProjectID:      e.ProjectID,
		Type:           e.Type,
		Message:        e.Message,
		SequenceNumber: e.SequenceNumber,
		Data:           decodeJSONMap(e.DataJSON),
		TS:             e.TS,
	}
}

func mapEvents(items []domain.BuildEvent) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}

func taskResponse(t domain.QueuedTask) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Type:        t.Type,
		Status:      t.Status,
		Priority:    t.Priority,
		RetryCount:  t.RetryCount,
		MaxRetries:  t.MaxRetries,
		LastError:   t.LastError,
		NextRetryAt: t.NextRetryAt,
		CreatedAt:   t.CreatedAt,
	}
}

func mapTasks(items []domain.QueuedTask) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
