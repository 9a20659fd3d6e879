package ingest_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/jobindev25/tech-co-founder-sub000/internal/domain"
	"github.com/jobindev25/tech-co-founder-sub000/internal/ingest"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newIngestor(secret string) ingest.Ingestor {
	return ingest.Ingestor{
		Secret:     secret,
		Tolerance:  5 * time.Minute,
		FutureSkew: 30 * time.Second,
		Now:        func() time.Time { return testNow },
	}
}

func unixTS(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func TestVerifyAcceptsSignedRequest(t *testing.T) {
	ing := newIngestor("topsecret")
	body := []byte(`{"event_type":"conversation_ended","conversation_id":"conv_123"}`)
	ts := unixTS(testNow)
	if rej := ing.Verify(ts, ingest.Signature("topsecret", ts, body), body); rej != nil {
		t.Fatalf("expected accept, got %s: %s", rej.Code, rej.Message)
	}
}

func TestVerifyAcceptsPrefixedSignature(t *testing.T) {
	ing := newIngestor("topsecret")
	body := []byte(`{}`)
	ts := unixTS(testNow)
	sig := "sha256=" + ingest.Signature("topsecret", ts, body)
	if rej := ing.Verify(ts, sig, body); rej != nil {
		t.Fatalf("expected accept with prefix, got %s", rej.Code)
	}
}

func TestVerifyStaleTimestamp(t *testing.T) {
	ing := newIngestor("topsecret")
	body := []byte(`{}`)
	ts := unixTS(testNow.Add(-6 * time.Minute))
	rej := ing.Verify(ts, ingest.Signature("topsecret", ts, body), body)
	if rej == nil || rej.Code != ingest.CodeStaleTimestamp {
		t.Fatalf("expected stale_timestamp, got %+v", rej)
	}
}

func TestVerifyFutureTimestamp(t *testing.T) {
	ing := newIngestor("topsecret")
	body := []byte(`{}`)
	ts := unixTS(testNow.Add(2 * time.Minute))
	rej := ing.Verify(ts, ingest.Signature("topsecret", ts, body), body)
	if rej == nil || rej.Code != ingest.CodeFutureTimestamp {
		t.Fatalf("expected future_timestamp, got %+v", rej)
	}
}

func TestVerifyBadSignature(t *testing.T) {
	ing := newIngestor("topsecret")
	body := []byte(`{"a":1}`)
	ts := unixTS(testNow)
	rej := ing.Verify(ts, ingest.Signature("wrongsecret", ts, body), body)
	if rej == nil || rej.Code != ingest.CodeBadSignature {
		t.Fatalf("expected bad_signature, got %+v", rej)
	}
	// body tampering after signing
	signed := ingest.Signature("topsecret", ts, body)
	rej = ing.Verify(ts, signed, []byte(`{"a":2}`))
	if rej == nil || rej.Code != ingest.CodeBadSignature {
		t.Fatalf("expected bad_signature on tampered body, got %+v", rej)
	}
}

func TestVerifyMissingTimestamp(t *testing.T) {
	ing := newIngestor("topsecret")
	rej := ing.Verify("", "sig", []byte(`{}`))
	if rej == nil || rej.Code != ingest.CodeBadPayload {
		t.Fatalf("expected bad_payload, got %+v", rej)
	}
	rej = ing.Verify("not-a-time", "sig", []byte(`{}`))
	if rej == nil || rej.Code != ingest.CodeBadPayload {
		t.Fatalf("expected bad_payload for garbage timestamp, got %+v", rej)
	}
}

func TestVerifyRFC3339Timestamp(t *testing.T) {
	ing := newIngestor("topsecret")
	body := []byte(`{}`)
	ts := testNow.Format(time.RFC3339)
	if rej := ing.Verify(ts, ingest.Signature("topsecret", ts, body), body); rej != nil {
		t.Fatalf("expected RFC3339 accept, got %s", rej.Code)
	}
}

func TestVerifyNoSecretSkipsSignatureGate(t *testing.T) {
	ing := newIngestor("")
	ts := unixTS(testNow)
	if rej := ing.Verify(ts, "", []byte(`{}`)); rej != nil {
		t.Fatalf("expected unsigned accept without secret, got %s", rej.Code)
	}
	// timestamp gates still apply
	old := unixTS(testNow.Add(-time.Hour))
	rej := ing.Verify(old, "", []byte(`{}`))
	if rej == nil || rej.Code != ingest.CodeStaleTimestamp {
		t.Fatalf("expected stale_timestamp without secret, got %+v", rej)
	}
}

func TestParseConversation(t *testing.T) {
	evt, rej := ingest.ParseConversation([]byte(`{"event_type":"conversation.ended","conversation_id":"conv_123","project_name":"Shop"}`))
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	if evt.ConversationID != "conv_123" || evt.Name != "Shop" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestParseConversationUnsupportedEvent(t *testing.T) {
	_, rej := ingest.ParseConversation([]byte(`{"event_type":"conversation_started","conversation_id":"c1"}`))
	if rej == nil || rej.Code != ingest.CodeUnsupportedEvent {
		t.Fatalf("expected unsupported_event, got %+v", rej)
	}
}

func TestParseConversationMissingID(t *testing.T) {
	_, rej := ingest.ParseConversation([]byte(`{"event_type":"conversation_ended"}`))
	if rej == nil || rej.Code != ingest.CodeBadPayload {
		t.Fatalf("expected bad_payload, got %+v", rej)
	}
	_, rej = ingest.ParseConversation([]byte(`not json`))
	if rej == nil || rej.Code != ingest.CodeBadPayload {
		t.Fatalf("expected bad_payload for malformed json, got %+v", rej)
	}
}

func TestParseBuild(t *testing.T) {
	in, rej := ingest.ParseBuild([]byte(`{"event_type":"build.progress","build_id":"bld_1","sequence_number":4,"message":"halfway","data":{"progress":50}}`))
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	if in.EventType != domain.EventBuildProgress {
		t.Fatalf("event type %q", in.EventType)
	}
	if in.BuildID != "bld_1" || in.Sequence == nil || *in.Sequence != 4 {
		t.Fatalf("unexpected input: %+v", in)
	}
}

func TestParseBuildEventAliases(t *testing.T) {
	cases := map[string]string{
		"started":        domain.EventBuildStarted,
		"succeeded":      domain.EventBuildCompleted,
		"build_canceled": domain.EventBuildCancelled,
		"error":          domain.EventBuildFailed,
		"file_created":   domain.EventFileGenerated,
		"log":            domain.EventLogEntry,
	}
	for alias, want := range cases {
		in, rej := ingest.ParseBuild([]byte(`{"event_type":"` + alias + `","build_id":"b"}`))
		if rej != nil {
			t.Fatalf("%s: unexpected rejection %+v", alias, rej)
		}
		if in.EventType != want {
			t.Fatalf("%s mapped to %q, want %q", alias, in.EventType, want)
		}
	}
}

func TestParseBuildRequiresReference(t *testing.T) {
	_, rej := ingest.ParseBuild([]byte(`{"event_type":"build_completed"}`))
	if rej == nil || rej.Code != ingest.CodeBadPayload {
		t.Fatalf("expected bad_payload, got %+v", rej)
	}
	// project_id alone is enough
	in, rej := ingest.ParseBuild([]byte(`{"event_type":"build_completed","project_id":"ext_9"}`))
	if rej != nil {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	if in.ExternalProjectID != "ext_9" {
		t.Fatalf("external ref %q", in.ExternalProjectID)
	}
}

func TestParseBuildUnknownEvent(t *testing.T) {
	_, rej := ingest.ParseBuild([]byte(`{"event_type":"deploy_started","build_id":"b"}`))
	if rej == nil || rej.Code != ingest.CodeUnsupportedEvent {
		t.Fatalf("expected unsupported_event, got %+v", rej)
	}
}
