// Package server exposes the pipeline over HTTP: the webhook intake, the
// project read and control endpoints, and queue operations.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jobindev25/tech-co-founder-sub000/internal/domain"
	"github.com/jobindev25/tech-co-founder-sub000/internal/engine"
	"github.com/jobindev25/tech-co-founder-sub000/internal/faults"
	"github.com/jobindev25/tech-co-founder-sub000/internal/ingest"
	"github.com/jobindev25/tech-co-founder-sub000/internal/queue"
	"github.com/jobindev25/tech-co-founder-sub000/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine       engine.Engine
	Queue        *queue.Manager
	Conversation ingest.Ingestor
	Build        ingest.Ingestor
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_signature"`
	Message string         `json:"message" example:"signature mismatch"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the pipeline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Cofounder Pipeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWebhooks(group, cfg.Engine, cfg.Conversation, cfg.Build)
	registerProjects(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerSubscriptions(group, cfg.Engine)
	registerQueue(group, cfg.Engine, cfg.Queue)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve faults.ValidationError
	if errors.As(err, &ve) {
		if strings.Contains(ve.Msg, "not found") {
			return newAPIError(http.StatusNotFound, "not_found", ve.Msg, nil)
		}
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Msg, nil)
	}
	var ae faults.AuthenticationError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", ae.Msg, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ee *faults.ExternalError
	if errors.As(err, &ee) {
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), map[string]any{"status": ee.Status})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Cofounder Pipeline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"analyzing,planning,ready_to_build,building,completed,failed,cancelled,"`
		Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project pipeline status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body ProjectStatusResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		count, err := e.Repo.CountBuildEvents(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectStatusResponse `json:"body"`
		}{Body: ProjectStatusResponse{
			ID:           p.ID,
			Status:       p.Status,
			RetryCount:   p.RetryCount,
			ErrorMessage: p.ErrorMessage,
			Metadata:     decodeJSONMap(p.MetadataJSON),
			EventCount:   count,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/retry",
		Summary:     "Retry a failed project",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.RetryProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/cancel",
		Summary:     "Cancel a running pipeline",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.CancelProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-project-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List build ledger entries",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64  `path:"project_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
		Cursor    int64  `query:"cursor"`
	}) (*struct {
		Body struct {
			Items      []EventResponse `json:"items"`
			NextCursor int64           `json:"next_cursor,omitempty"`
		} `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListBuildEvents(ctx, repo.EventFilters{
			ProjectID: input.ProjectID,
			Type:      input.Type,
			Limit:     input.Limit,
			Cursor:    input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items      []EventResponse `json:"items"`
				NextCursor int64           `json:"next_cursor,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Items = mapEvents(items)
		if len(items) == input.Limit && input.Limit > 0 {
			out.Body.NextCursor = items[len(items)-1].ID
		}
		return out, nil
	})
}

func registerSubscriptions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-subscription",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/subscriptions",
		Summary:       "Subscribe a URL to project notices",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64                     `path:"project_id"`
		Body      CreateSubscriptionRequest `json:"body"`
	}) (*struct {
		Body domain.Subscription `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.URL) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "url is required", nil)
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		sub := domain.Subscription{ProjectID: input.ProjectID, URL: input.Body.URL}
		if len(input.Body.Events) > 0 {
			events := strings.Join(input.Body.Events, ",")
			sub.Events = &events
		}
		created, err := e.Repo.InsertSubscription(ctx, sub)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Subscription `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-subscriptions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/subscriptions",
		Summary:     "List project subscriptions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body []domain.Subscription `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		subs, err := e.Repo.ListSubscriptions(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Subscription `json:"body"`
		}{Body: subs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-subscription",
		Method:      http.MethodDelete,
		Path:        "/subscriptions/{subscription_id}",
		Summary:     "Delete a subscription",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SubscriptionID string `path:"subscription_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteSubscription(ctx, input.SubscriptionID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerQueue(api huma.API, e engine.Engine, mgr *queue.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "run-queue",
		Method:      http.MethodPost,
		Path:        "/queue/run",
		Summary:     "Run one queue cycle",
		RequestBody: &huma.RequestBody{
			Required: false,
			Content:  map[string]*huma.MediaType{"application/json": {}},
		},
		Errors: []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RawBody []byte
	}) (*struct {
		Body queue.CycleResult `json:"body"`
	}, error) {
		if mgr == nil {
			return nil, newAPIError(http.StatusConflict, "conflict", "queue manager not configured", nil)
		}
		// Overrides apply to this cycle only; the manager's configuration
		// stays untouched for the background drain.
		run := *mgr
		if len(input.RawBody) > 0 {
			var overrides struct {
				BatchSize      int `json:"batch_size"`
				MaxConcurrency int `json:"max_concurrency"`
			}
			if err := json.Unmarshal(input.RawBody, &overrides); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_payload", fmt.Sprintf("cycle overrides: %v", err), nil)
			}
			if overrides.BatchSize > 0 {
				run.BatchSize = overrides.BatchSize
			}
			if overrides.MaxConcurrency > 0 {
				run.MaxConcurrency = overrides.MaxConcurrency
			}
		}
		result, err := run.RunCycle(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body queue.CycleResult `json:"body"`
		}{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "queue-status",
		Method:      http.MethodGet,
		Path:        "/queue/status",
		Summary:     "Task counts by status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		counts, err := e.Repo.CountTasksByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: counts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-queue-tasks",
		Method:      http.MethodGet,
		Path:        "/queue/tasks",
		Summary:     "List queued tasks",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,processing,completed,failed,"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			Status: input.Status,
			Type:   input.Type,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body struct {
			ID    string `json:"id"`
			Owner string `json:"owner"`
			Name  string `json:"name,omitempty"`
			Key   string `json:"key"`
		} `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Owner) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "owner is required", nil)
		}
		// The plaintext key is only returned here; the store keeps the hash.
		plaintext := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:      uuid.New().String(),
			Owner:   input.Body.Owner,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(plaintext),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				ID    string `json:"id"`
				Owner string `json:"owner"`
				Name  string `json:"name,omitempty"`
				Key   string `json:"key"`
			} `json:"body"`
		}{}
		out.Body.ID = key.ID
		out.Body.Owner = key.Owner
		out.Body.Name = key.Name
		out.Body.Key = plaintext
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete an API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
