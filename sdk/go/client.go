package cofoundersdk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Cofounder pipeline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID                 int64          `json:"id"`
	ConversationID     string         `json:"conversation_id"`
	Name               string         `json:"name"`
	Status             string         `json:"status"`
	BuildRef           *string        `json:"build_ref,omitempty"`
	ExternalProjectRef *string        `json:"external_project_ref,omitempty"`
	RetryCount         int            `json:"retry_count"`
	ErrorMessage       *string        `json:"error_message,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          string         `json:"created_at"`
	UpdatedAt          string         `json:"updated_at"`
	CompletedAt        *string        `json:"completed_at,omitempty"`
}

// ProjectStatus is the lightweight status view.
type ProjectStatus struct {
	ID           int64          `json:"id"`
	Status       string         `json:"status"`
	RetryCount   int            `json:"retry_count"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	EventCount   int            `json:"event_count"`
}

// Event represents a ledger entry.
type Event struct {
	ID             int64          `json:"id"`
	ProjectID      int64          `json:"project_id"`
	Type           string         `json:"type"`
	Message        string         `json:"message,omitempty"`
	SequenceNumber *int64         `json:"sequence_number,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	TS             string         `json:"ts"`
}

// Task represents a queued task.
type Task struct {
	ID          int64   `json:"id"`
	Type        string  `json:"type"`
	Status      string  `json:"status"`
	Priority    int     `json:"priority"`
	RetryCount  int     `json:"retry_count"`
	MaxRetries  int     `json:"max_retries"`
	LastError   *string `json:"last_error,omitempty"`
	NextRetryAt *string `json:"next_retry_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// CycleResult reports one queue cycle.
type CycleResult struct {
	Recovered int64 `json:"recovered"`
	Processed int   `json:"processed"`
	Succeeded int   `json:"succeeded"`
	Released  int   `json:"released"`
	Failed    int   `json:"failed"`
	Skipped   int   `json:"skipped"`
}

// WebhookAccepted is the 202 body returned by webhook endpoints.
type WebhookAccepted struct {
	ProjectID int64  `json:"project_id,omitempty"`
	TaskID    int64  `json:"task_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Created   bool   `json:"created,omitempty"`
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Projects lists projects, optionally filtered by status.
func (c *Client) Projects(ctx context.Context, status string, limit int) ([]Project, error) {
	endpoint := "v0/projects"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Project
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Project fetches a project by id.
func (c *Client) Project(ctx context.Context, id int64) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/projects/%d", id), nil, &resp)
	return resp, err
}

// Status fetches the status view for a project.
func (c *Client) Status(ctx context.Context, id int64) (ProjectStatus, error) {
	var resp ProjectStatus
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/projects/%d/status", id), nil, &resp)
	return resp, err
}

// Retry restarts a failed project's pipeline from analysis.
func (c *Client) Retry(ctx context.Context, id int64) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/projects/%d/retry", id), nil, &resp)
	return resp, err
}

// Cancel stops a running pipeline.
func (c *Client) Cancel(ctx context.Context, id int64) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/projects/%d/cancel", id), nil, &resp)
	return resp, err
}

// Events returns recent ledger entries for a project.
func (c *Client) Events(ctx context.Context, projectID int64, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, projectID, limit, 0)
	return page.Items, err
}

// EventsPage returns a paginated ledger listing.
func (c *Client) EventsPage(ctx context.Context, projectID int64, limit int, cursor int64) (PaginatedEvents, error) {
	endpoint := fmt.Sprintf("v0/projects/%d/events", projectID)
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if cursor > 0 {
		params.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RunQueue triggers one queue cycle.
func (c *Client) RunQueue(ctx context.Context) (CycleResult, error) {
	var resp CycleResult
	err := c.do(ctx, http.MethodPost, "v0/queue/run", nil, &resp)
	return resp, err
}

// QueueStatus returns task counts by status.
func (c *Client) QueueStatus(ctx context.Context) (map[string]int, error) {
	var resp map[string]int
	err := c.do(ctx, http.MethodGet, "v0/queue/status", nil, &resp)
	return resp, err
}

// Subscribe registers a notification URL for a project's events.
func (c *Client) Subscribe(ctx context.Context, projectID int64, targetURL string, events []string) error {
	body := map[string]any{
		"url":    targetURL,
		"events": events,
	}
	endpoint := fmt.Sprintf("v0/projects/%d/subscriptions", projectID)
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// PostConversationWebhook signs and delivers a conversation payload.
func (c *Client) PostConversationWebhook(ctx context.Context, secret string, payload any) (WebhookAccepted, error) {
	return c.postWebhook(ctx, "v0/webhooks/conversation", secret, payload)
}

// PostBuildWebhook signs and delivers a build event payload.
func (c *Client) PostBuildWebhook(ctx context.Context, secret string, payload any) (WebhookAccepted, error) {
	return c.postWebhook(ctx, "v0/webhooks/build", secret, payload)
}

// Sign computes the hex HMAC-SHA256 webhook signature over timestamp.body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) postWebhook(ctx context.Context, endpoint, secret string, payload any) (WebhookAccepted, error) {
	var resp WebhookAccepted
	body, err := json.Marshal(payload)
	if err != nil {
		return resp, err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return resp, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Timestamp", ts)
	req.Header.Set("X-Webhook-Signature", Sign(secret, ts, body))
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return resp, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return resp, &APIError{StatusCode: res.StatusCode, Body: string(b)}
	}
	err = json.NewDecoder(res.Body).Decode(&resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
