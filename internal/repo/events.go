package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jobindev25/tech-co-founder-sub000/internal/domain"
)

const eventColumns = `id,project_id,event_type,event_data_json,message,sequence_number,ts`

func scanEvent(row rowScanner) (domain.BuildEvent, error) {
	var e domain.BuildEvent
	var data, message sql.NullString
	var seq sql.NullInt64
	err := row.Scan(&e.ID, &e.ProjectID, &e.Type, &data, &message, &seq, &e.TS)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if data.Valid {
		e.DataJSON = data.String
	}
	if message.Valid {
		e.Message = message.String
	}
	if seq.Valid {
		e.SequenceNumber = &seq.Int64
	}
	return e, nil
}

// AppendBuildEvent inserts one ledger row. The ledger is append-only; there
// is no update or delete counterpart.
func (r Repo) AppendBuildEvent(ctx context.Context, tx *sql.Tx, e domain.BuildEvent) (int64, error) {
	var seq any
	if e.SequenceNumber != nil {
		seq = *e.SequenceNumber
	}
	res, err := execContext(ctx, r.DB, tx, `INSERT INTO build_events(project_id,event_type,event_data_json,message,sequence_number,ts) VALUES (?,?,?,?,?,?)`,
		e.ProjectID, e.Type, nullable(e.DataJSON), nullable(e.Message), seq, e.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LastSequence returns the highest sequence number recorded for a project,
// or nil when no numbered event exists yet.
func (r Repo) LastSequence(ctx context.Context, tx *sql.Tx, projectID int64) (*int64, error) {
	var row *sql.Row
	query := `SELECT MAX(sequence_number) FROM build_events WHERE project_id=? AND sequence_number IS NOT NULL`
	if tx != nil {
		row = tx.QueryRowContext(ctx, query, projectID)
	} else {
		row = r.DB.QueryRowContext(ctx, query, projectID)
	}
	var seq sql.NullInt64
	if err := row.Scan(&seq); err != nil {
		return nil, err
	}
	if !seq.Valid {
		return nil, nil
	}
	return &seq.Int64, nil
}

type EventFilters struct {
	ProjectID int64
	Type      string
	Limit     int
	Cursor    int64
}

// ListBuildEvents returns ledger entries newest-first with id-cursor
// pagination.
func (r Repo) ListBuildEvents(ctx context.Context, f EventFilters) ([]domain.BuildEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID > 0 {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.Type)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + eventColumns + ` FROM build_events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BuildEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order, for relay channels that stream the ledger forward.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor, projectID int64) ([]domain.BuildEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID > 0 {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := `SELECT ` + eventColumns + ` FROM build_events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BuildEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// CountBuildEvents reports the number of ledger entries for a project.
func (r Repo) CountBuildEvents(ctx context.Context, projectID int64) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM build_events WHERE project_id=?`, projectID).Scan(&count)
	return count, err
}
