// Package ledger appends build lifecycle entries to the append-only event
// store. Entries are written inside the caller's transaction so a status
// transition and its ledger entry commit or roll back together.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jobindev25/tech-co-founder-sub000/internal/domain"
	"github.com/jobindev25/tech-co-founder-sub000/internal/faults"
	"github.com/jobindev25/tech-co-founder-sub000/internal/repo"
)

type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

type Payload map[string]any

// Append records one entry for a project. Entries are never updated or
// deleted after this point.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, projectID int64, evtType, message string, seq *int64, payload Payload) (int64, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal ledger payload: %w", err)
	}
	return w.Repo.AppendBuildEvent(ctx, tx, domain.BuildEvent{
		ProjectID:      projectID,
		Type:           evtType,
		DataJSON:       string(data),
		Message:        message,
		SequenceNumber: seq,
		TS:             now().UTC().Format(time.RFC3339),
	})
}

// CheckSequence reports whether an incoming sequence number is newer than the
// last one recorded for the project. Entries without a sequence number are
// always considered fresh. A stale number returns an OrderingConflict; the
// caller still appends the entry but must skip any state transition.
func (w Writer) CheckSequence(ctx context.Context, tx *sql.Tx, projectID int64, seq *int64) error {
	if seq == nil {
		return nil
	}
	last, err := w.Repo.LastSequence(ctx, tx, projectID)
	if err != nil {
		return err
	}
	if last != nil && *seq <= *last {
		return faults.OrderingConflict{ProjectID: projectID, Incoming: *seq, Last: *last}
	}
	return nil
}
