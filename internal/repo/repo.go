package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jobindev25/tech-co-founder-sub000/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectColumns = `id,conversation_id,name,status,analysis_json,plan_json,build_ref,external_project_ref,retry_count,error_message,metadata_json,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var name, analysis, plan, buildRef, externalRef, errMsg, completedAt sql.NullString
	err := row.Scan(&p.ID, &p.ConversationID, &name, &p.Status, &analysis, &plan, &buildRef, &externalRef,
		&p.RetryCount, &errMsg, &p.MetadataJSON, &p.CreatedAt, &p.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if name.Valid {
		p.Name = name.String
	}
	if analysis.Valid {
		p.AnalysisJSON = &analysis.String
	}
	if plan.Valid {
		p.PlanJSON = &plan.String
	}
	if buildRef.Valid {
		p.BuildRef = &buildRef.String
	}
	if externalRef.Valid {
		p.ExternalProjectRef = &externalRef.String
	}
	if errMsg.Valid {
		p.ErrorMessage = &errMsg.String
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.String
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) (int64, error) {
	res, err := execContext(ctx, r.DB, tx, `INSERT INTO projects(conversation_id,name,status,analysis_json,plan_json,build_ref,external_project_ref,retry_count,error_message,metadata_json,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ConversationID, nullable(p.Name), p.Status, nullableStringPtr(p.AnalysisJSON), nullableStringPtr(p.PlanJSON),
		nullableStringPtr(p.BuildRef), nullableStringPtr(p.ExternalProjectRef), p.RetryCount,
		nullableStringPtr(p.ErrorMessage), metadataOrEmpty(p.MetadataJSON), p.CreatedAt, p.UpdatedAt, nullableStringPtr(p.CompletedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectByConversation(ctx context.Context, conversationID string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE conversation_id=?`, conversationID))
}

// GetProjectByBuildRef resolves an inbound build notification to a project.
// The build_id and external project id are tried in that order.
func (r Repo) GetProjectByBuildRef(ctx context.Context, buildRef, externalRef string) (domain.Project, error) {
	if buildRef != "" {
		p, err := scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE build_ref=?`, buildRef))
		if err == nil || !errors.Is(err, ErrNotFound) {
			return p, err
		}
	}
	if externalRef != "" {
		return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE external_project_ref=?`, externalRef))
	}
	return domain.Project{}, ErrNotFound
}

func (r Repo) ListProjects(ctx context.Context, status string, limit int) ([]domain.Project, error) {
	clauses := []string{"1=1"}
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + projectColumns + ` FROM projects WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

// ProjectMutation carries the optional column updates applied alongside a
// status transition. Nil fields are left untouched.
type ProjectMutation struct {
	Name               *string
	AnalysisJSON       *string
	PlanJSON           *string
	BuildRef           *string
	ExternalProjectRef *string
	ErrorMessage       *string
	RetryCount         *int
	MetadataJSON       *string
	CompletedAt        *string
}

// TransitionProject is the guarded status update: the row only changes when
// its current status is one of `from`. It reports whether the transition was
// applied; a false return with no error means the guard did not match, which
// callers treat as an idempotent no-op under redelivery.
func (r Repo) TransitionProject(ctx context.Context, tx *sql.Tx, id int64, from []string, to string, m ProjectMutation) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition requires expected prior states")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	fields := []string{"status=?", "updated_at=?"}
	args := []any{to, now}
	if m.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *m.Name)
	}
	if m.AnalysisJSON != nil {
		fields = append(fields, "analysis_json=?")
		args = append(args, *m.AnalysisJSON)
	}
	if m.PlanJSON != nil {
		fields = append(fields, "plan_json=?")
		args = append(args, *m.PlanJSON)
	}
	if m.BuildRef != nil {
		// build_ref is write-once: the guard refuses to overwrite one.
		fields = append(fields, "build_ref=COALESCE(build_ref,?)")
		args = append(args, *m.BuildRef)
	}
	if m.ExternalProjectRef != nil {
		fields = append(fields, "external_project_ref=COALESCE(external_project_ref,?)")
		args = append(args, *m.ExternalProjectRef)
	}
	if m.ErrorMessage != nil {
		fields = append(fields, "error_message=?")
		args = append(args, nullable(*m.ErrorMessage))
	}
	if m.RetryCount != nil {
		fields = append(fields, "retry_count=?")
		args = append(args, *m.RetryCount)
	}
	if m.MetadataJSON != nil {
		fields = append(fields, "metadata_json=?")
		args = append(args, *m.MetadataJSON)
	}
	if m.CompletedAt != nil {
		fields = append(fields, "completed_at=?")
		args = append(args, *m.CompletedAt)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	query := fmt.Sprintf(`UPDATE projects SET %s WHERE id=? AND status IN (%s)`, strings.Join(fields, ","), placeholders)
	args = append(args, id)
	for _, s := range from {
		args = append(args, s)
	}
	res, err := execContext(ctx, r.DB, tx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SetProjectMetadata overwrites metadata_json. Metadata fields are
// last-write-wins.
func (r Repo) SetProjectMetadata(ctx context.Context, tx *sql.Tx, id int64, metadataJSON string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := execContext(ctx, r.DB, tx, `UPDATE projects SET metadata_json=?, updated_at=? WHERE id=?`, metadataJSON, now, id)
	return err
}

func execContext(ctx context.Context, db *sql.DB, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return db.ExecContext(ctx, query, args...)
}

func metadataOrEmpty(v string) string {
	if v == "" {
		return "{}"
	}
	return v
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
