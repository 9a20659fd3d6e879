package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/jobindev25/tech-co-founder-sub000/internal/domain"
)

func (r Repo) InsertSubscription(ctx context.Context, s domain.Subscription) (domain.Subscription, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt == "" {
		s.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO subscriptions(id,project_id,url,events,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.ProjectID, s.URL, nullableStringPtr(s.Events), s.CreatedAt)
	return s, err
}

func (r Repo) DeleteSubscription(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSubscriptions returns subscriptions for a project plus the global ones
// (project_id=0). Passing zero returns only the global set.
func (r Repo) ListSubscriptions(ctx context.Context, projectID int64) ([]domain.Subscription, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,url,events,created_at FROM subscriptions WHERE project_id=? OR project_id=0 ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Subscription
	for rows.Next() {
		var s domain.Subscription
		var events sql.NullString
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.URL, &events, &s.CreatedAt); err != nil {
			return nil, err
		}
		if events.Valid {
			s.Events = &events.String
		}
		res = append(res, s)
	}
	return res, nil
}
