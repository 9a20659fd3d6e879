package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jobindev25/tech-co-founder-sub000/internal/config"
	"github.com/jobindev25/tech-co-founder-sub000/internal/domain"
)

// BuildClient talks to the external build service.
type BuildClient struct {
	BaseURL     string
	APIKey      string
	CallbackURL string
	HTTPClient  *http.Client
}

func NewBuildClient(cfg config.ServiceConfig, callbackURL string) *BuildClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BuildClient{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		CallbackURL: callbackURL,
		HTTPClient:  &http.Client{Timeout: timeout},
	}
}

// TriggerBuild submits a plan to the build service. The service reports
// progress back through the webhook endpoint at CallbackURL.
func (c *BuildClient) TriggerBuild(ctx context.Context, projectID int64, name, planJSON string) (domain.BuildTriggerResult, error) {
	body := map[string]any{
		"project_name": name,
		"plan":         json.RawMessage(planJSON),
		"webhook_url":  c.CallbackURL,
		"reference":    projectID,
	}
	var resp domain.BuildTriggerResult
	err := doJSON(ctx, c.HTTPClient, "trigger_build", http.MethodPost, joinURL(c.BaseURL, "v1/builds"), c.APIKey, body, &resp)
	if err != nil {
		return domain.BuildTriggerResult{}, err
	}
	return resp, nil
}
