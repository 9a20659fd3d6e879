package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jobindev25/tech-co-founder-sub000/internal/config"
	"github.com/jobindev25/tech-co-founder-sub000/internal/faults"
)

func TestAnalyzeConversation(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"analysis":{"project_name":"Shop"}}`))
	}))
	defer srv.Close()

	c := NewAIClient(config.ServiceConfig{BaseURL: srv.URL, APIKey: "ai-key"})
	analysis, err := c.AnalyzeConversation(context.Background(), "conv_1", map[string]any{"plan": "pro"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if gotPath != "/v1/analyze" {
		t.Fatalf("path %s", gotPath)
	}
	if gotAuth != "Bearer ai-key" {
		t.Fatalf("auth header %q", gotAuth)
	}
	if gotBody["conversation_id"] != "conv_1" {
		t.Fatalf("request body %+v", gotBody)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(analysis), &doc); err != nil || doc["project_name"] != "Shop" {
		t.Fatalf("analysis %q: %v", analysis, err)
	}
}

func TestGeneratePlanForwardsAnalysis(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["analysis"].(map[string]any); !ok {
			http.Error(w, "analysis missing", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"plan":{"steps":[]}}`))
	}))
	defer srv.Close()

	c := NewAIClient(config.ServiceConfig{BaseURL: srv.URL})
	plan, err := c.GeneratePlan(context.Background(), "conv_1", `{"project_name":"Shop"}`)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan == "" {
		t.Fatal("empty plan")
	}
}

func TestUpstreamErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewAIClient(config.ServiceConfig{BaseURL: srv.URL})
	_, err := c.AnalyzeConversation(context.Background(), "conv_1", nil)
	var ee *faults.ExternalError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExternalError, got %v", err)
	}
	if ee.Status != http.StatusServiceUnavailable {
		t.Fatalf("status %d", ee.Status)
	}
	if faults.Classify(err) != faults.Retryable {
		t.Fatal("503 should classify retryable")
	}
}

func TestTriggerBuild(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/builds" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"build_id":"bld_9","external_project_id":"ext_9","estimated_completion":"2024-06-01T13:00:00Z"}`))
	}))
	defer srv.Close()

	c := NewBuildClient(config.ServiceConfig{BaseURL: srv.URL}, "https://api.example.com/v0/webhooks/build")
	result, err := c.TriggerBuild(context.Background(), 42, "Shop", `{"steps":[]}`)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if result.BuildID != "bld_9" || result.ExternalProjectID != "ext_9" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if gotBody["webhook_url"] != "https://api.example.com/v0/webhooks/build" {
		t.Fatalf("webhook_url %v", gotBody["webhook_url"])
	}
	if gotBody["project_name"] != "Shop" {
		t.Fatalf("project_name %v", gotBody["project_name"])
	}
}

func TestTriggerBuildConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	c := NewBuildClient(config.ServiceConfig{BaseURL: srv.URL}, "")
	_, err := c.TriggerBuild(context.Background(), 1, "x", `{}`)
	var ee *faults.ExternalError
	if !errors.As(err, &ee) || ee.Status != 0 {
		t.Fatalf("expected statusless ExternalError, got %v", err)
	}
	if faults.Classify(err) != faults.Retryable {
		t.Fatalf("connection refused should classify retryable, got %s", faults.Classify(err))
	}
}
