package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jobindev25/tech-co-founder-sub000/internal/config"
)

// AIClient talks to the conversation analysis service.
type AIClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewAIClient(cfg config.ServiceConfig) *AIClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AIClient{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// AnalyzeConversation extracts structured project requirements from a
// finished conversation. The result is returned as raw JSON.
func (c *AIClient) AnalyzeConversation(ctx context.Context, conversationID string, metadata map[string]any) (string, error) {
	body := map[string]any{
		"conversation_id": conversationID,
		"metadata":        metadata,
	}
	var resp struct {
		Analysis json.RawMessage `json:"analysis"`
	}
	err := doJSON(ctx, c.HTTPClient, "analyze_conversation", http.MethodPost, joinURL(c.BaseURL, "v1/analyze"), c.APIKey, body, &resp)
	if err != nil {
		return "", err
	}
	return string(resp.Analysis), nil
}

// GeneratePlan turns an analysis document into a build plan. Both documents
// are opaque JSON as far as the pipeline is concerned.
func (c *AIClient) GeneratePlan(ctx context.Context, conversationID, analysisJSON string) (string, error) {
	body := map[string]any{
		"conversation_id": conversationID,
		"analysis":        json.RawMessage(analysisJSON),
	}
	var resp struct {
		Plan json.RawMessage `json:"plan"`
	}
	err := doJSON(ctx, c.HTTPClient, "generate_plan", http.MethodPost, joinURL(c.BaseURL, "v1/plan"), c.APIKey, body, &resp)
	if err != nil {
		return "", err
	}
	return string(resp.Plan), nil
}
