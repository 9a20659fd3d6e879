package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jobindev25/tech-co-founder-sub000/internal/domain"
	"github.com/jobindev25/tech-co-founder-sub000/internal/engine"
	"github.com/jobindev25/tech-co-founder-sub000/internal/ingest"
	"github.com/jobindev25/tech-co-founder-sub000/internal/repo"
)

type webhookInput struct {
	Timestamp string `header:"X-Webhook-Timestamp"`
	Signature string `header:"X-Webhook-Signature"`
	RawBody   []byte
}

// registerWebhooks wires the two ingestion endpoints. Both verify before
// touching the store; the build endpoint resolves its project and records a
// task, so the sender gets its 202 before any state machine work happens.
func registerWebhooks(api huma.API, e engine.Engine, conversation, build ingest.Ingestor) {
	huma.Register(api, huma.Operation{
		OperationID:   "conversation-webhook",
		Method:        http.MethodPost,
		Path:          "/webhooks/conversation",
		Summary:       "Conversation ended webhook",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *webhookInput) (*struct {
		Body WebhookAccepted `json:"body"`
	}, error) {
		if rej := conversation.Verify(input.Timestamp, input.Signature, input.RawBody); rej != nil {
			return nil, rejectionError(rej)
		}
		evt, rej := ingest.ParseConversation(input.RawBody)
		if rej != nil {
			return nil, rejectionError(rej)
		}
		p, created, err := e.HandleConversationEnded(ctx, evt.ConversationID, evt.Name, evt.Metadata)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WebhookAccepted `json:"body"`
		}{Body: WebhookAccepted{ProjectID: p.ID, Status: p.Status, Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "build-webhook",
		Method:        http.MethodPost,
		Path:          "/webhooks/build",
		Summary:       "Build progress webhook",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *webhookInput) (*struct {
		Body WebhookAccepted `json:"body"`
	}, error) {
		if rej := build.Verify(input.Timestamp, input.Signature, input.RawBody); rej != nil {
			return nil, rejectionError(rej)
		}
		evt, rej := ingest.ParseBuild(input.RawBody)
		if rej != nil {
			return nil, rejectionError(rej)
		}
		// Resolution gate: an event for an unknown build is rejected here,
		// before anything is queued or written.
		if _, err := e.Repo.GetProjectByBuildRef(ctx, evt.BuildID, evt.ExternalProjectID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found",
					fmt.Sprintf("no project for build %q / external %q", evt.BuildID, evt.ExternalProjectID), nil)
			}
			return nil, handleError(err)
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			return nil, handleError(err)
		}
		maxRetries := 3
		if e.Config != nil {
			maxRetries = e.Config.Queue.MaxRetries
		}
		taskID, err := e.Repo.InsertTask(ctx, nil, domain.TaskProcessWebhook, string(payload), engine.PriorityWebhook, maxRetries)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WebhookAccepted `json:"body"`
		}{Body: WebhookAccepted{TaskID: taskID}}, nil
	})
}

func rejectionError(rej *ingest.Rejection) huma.StatusError {
	status := http.StatusBadRequest
	switch rej.Code {
	case ingest.CodeStaleTimestamp, ingest.CodeFutureTimestamp, ingest.CodeBadSignature:
		status = http.StatusUnauthorized
	case ingest.CodeUnsupportedEvent:
		status = http.StatusUnprocessableEntity
	}
	return newAPIError(status, rej.Code, rej.Message, nil)
}
