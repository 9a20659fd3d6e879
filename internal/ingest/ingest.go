// Package ingest verifies and parses incoming webhooks before anything is
// queued. A request passes four gates: a parseable timestamp, freshness
// within tolerance, an authentic signature, and a payload that maps onto a
// known event.
package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/jobindev25/tech-co-founder-sub000/internal/domain"
	"github.com/jobindev25/tech-co-founder-sub000/internal/engine"
)

// Header names the webhook senders use.
const (
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"
)

// Rejection codes.
const (
	CodeStaleTimestamp   = "stale_timestamp"
	CodeFutureTimestamp  = "future_timestamp"
	CodeBadSignature     = "bad_signature"
	CodeBadPayload       = "bad_payload"
	CodeUnsupportedEvent = "unsupported_event"
)

// Rejection explains why a webhook was refused. Rejected requests are never
// queued or retried; the sender is expected to redeliver.
type Rejection struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Ingestor struct {
	Secret     string
	Tolerance  time.Duration
	FutureSkew time.Duration
	Now        func() time.Time
}

func (i Ingestor) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Verify checks the timestamp and signature headers against the raw body.
// With no secret configured the signature gate is skipped and logged.
func (i Ingestor) Verify(timestamp, signature string, body []byte) *Rejection {
	ts, ok := parseTimestamp(timestamp)
	if !ok {
		return &Rejection{Code: CodeBadPayload, Message: "missing or malformed timestamp header"}
	}
	now := i.now()
	tolerance := i.Tolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	skew := i.FutureSkew
	if skew <= 0 {
		skew = 30 * time.Second
	}
	if now.Sub(ts) > tolerance {
		return &Rejection{Code: CodeStaleTimestamp, Message: fmt.Sprintf("timestamp %s older than %s", timestamp, tolerance)}
	}
	if ts.Sub(now) > skew {
		return &Rejection{Code: CodeFutureTimestamp, Message: fmt.Sprintf("timestamp %s is in the future", timestamp)}
	}

	if i.Secret == "" {
		log.Printf("ingest: no webhook secret configured, accepting unsigned request")
		return nil
	}
	if !validSignature(i.Secret, timestamp, signature, body) {
		return &Rejection{Code: CodeBadSignature, Message: "signature mismatch"}
	}
	return nil
}

// Signature computes the expected hex signature for a timestamp and body.
// The signed message is the timestamp, a dot, then the raw body.
func Signature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret, timestamp, signature string, body []byte) bool {
	got := strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	want := Signature(secret, timestamp, body)
	return hmac.Equal([]byte(got), []byte(want))
}

func parseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), true
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, true
	}
	return time.Time{}, false
}

// ConversationEvent is the parsed conversation webhook.
type ConversationEvent struct {
	ConversationID string
	Name           string
	Metadata       map[string]any
}

type conversationPayload struct {
	EventType      string         `json:"event_type"`
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id"`
	Name           string         `json:"name"`
	ProjectName    string         `json:"project_name"`
	Metadata       map[string]any `json:"metadata"`
}

// ParseConversation maps a conversation webhook body onto a pipeline start.
func ParseConversation(body []byte) (ConversationEvent, *Rejection) {
	var p conversationPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return ConversationEvent{}, &Rejection{Code: CodeBadPayload, Message: err.Error()}
	}
	evt := normalize(firstNonEmpty(p.EventType, p.Type))
	if evt != "conversation_ended" && evt != "conversation_completed" {
		return ConversationEvent{}, &Rejection{Code: CodeUnsupportedEvent, Message: fmt.Sprintf("conversation event %q not handled", evt)}
	}
	if strings.TrimSpace(p.ConversationID) == "" {
		return ConversationEvent{}, &Rejection{Code: CodeBadPayload, Message: "conversation_id is required"}
	}
	return ConversationEvent{
		ConversationID: p.ConversationID,
		Name:           firstNonEmpty(p.ProjectName, p.Name),
		Metadata:       p.Metadata,
	}, nil
}

type buildPayload struct {
	EventType         string         `json:"event_type"`
	Type              string         `json:"type"`
	BuildID           string         `json:"build_id"`
	ExternalProjectID string         `json:"external_project_id"`
	ProjectID         string         `json:"project_id"`
	Sequence          *int64         `json:"sequence"`
	SequenceNumber    *int64         `json:"sequence_number"`
	Message           string         `json:"message"`
	Data              map[string]any `json:"data"`
}

// ParseBuild maps a build webhook body onto a ledger event.
func ParseBuild(body []byte) (engine.BuildEventInput, *Rejection) {
	var p buildPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return engine.BuildEventInput{}, &Rejection{Code: CodeBadPayload, Message: err.Error()}
	}
	evtType, ok := buildEventType(firstNonEmpty(p.EventType, p.Type))
	if !ok {
		return engine.BuildEventInput{}, &Rejection{Code: CodeUnsupportedEvent, Message: fmt.Sprintf("build event %q not handled", firstNonEmpty(p.EventType, p.Type))}
	}
	buildID := strings.TrimSpace(p.BuildID)
	external := strings.TrimSpace(firstNonEmpty(p.ExternalProjectID, p.ProjectID))
	if buildID == "" && external == "" {
		return engine.BuildEventInput{}, &Rejection{Code: CodeBadPayload, Message: "build_id or external_project_id is required"}
	}
	seq := p.SequenceNumber
	if seq == nil {
		seq = p.Sequence
	}
	return engine.BuildEventInput{
		BuildID:           buildID,
		ExternalProjectID: external,
		EventType:         evtType,
		Sequence:          seq,
		Message:           p.Message,
		Data:              p.Data,
	}, nil
}

// buildEventType folds the sender's event names onto the ledger vocabulary.
func buildEventType(raw string) (string, bool) {
	switch normalize(raw) {
	case "build_started", "started":
		return domain.EventBuildStarted, true
	case "build_progress", "progress":
		return domain.EventBuildProgress, true
	case "build_completed", "build_succeeded", "completed", "succeeded":
		return domain.EventBuildCompleted, true
	case "build_failed", "failed", "error":
		return domain.EventBuildFailed, true
	case "build_cancelled", "build_canceled", "cancelled", "canceled":
		return domain.EventBuildCancelled, true
	case "file_generated", "file_created":
		return domain.EventFileGenerated, true
	case "log_entry", "log":
		return domain.EventLogEntry, true
	}
	return "", false
}

func normalize(raw string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), ".", "_")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
