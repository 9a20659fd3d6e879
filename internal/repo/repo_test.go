package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jobindev25/tech-co-founder-sub000/internal/db"
	"github.com/jobindev25/tech-co-founder-sub000/internal/domain"
	"github.com/jobindev25/tech-co-founder-sub000/internal/migrate"
	"github.com/jobindev25/tech-co-founder-sub000/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func insertProject(t *testing.T, r repo.Repo, conversationID, status string) int64 {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	id, err := r.InsertProject(context.Background(), nil, domain.Project{
		ConversationID: conversationID,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}
	return id
}

func TestConversationIDUnique(t *testing.T) {
	r := newRepo(t)
	insertProject(t, r, "conv_u", domain.ProjectAnalyzing)
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.InsertProject(context.Background(), nil, domain.Project{
		ConversationID: "conv_u",
		Status:         domain.ProjectAnalyzing,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err == nil {
		t.Fatal("expected unique constraint violation")
	}
}

func TestTransitionGuard(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	id := insertProject(t, r, "conv_t", domain.ProjectAnalyzing)

	applied, err := r.TransitionProject(ctx, nil, id, []string{domain.ProjectAnalyzing}, domain.ProjectPlanning, repo.ProjectMutation{})
	if err != nil || !applied {
		t.Fatalf("expected transition, applied=%v err=%v", applied, err)
	}
	// the guard no longer matches
	applied, err = r.TransitionProject(ctx, nil, id, []string{domain.ProjectAnalyzing}, domain.ProjectPlanning, repo.ProjectMutation{})
	if err != nil {
		t.Fatalf("repeat transition: %v", err)
	}
	if applied {
		t.Fatal("guard must refuse a second identical transition")
	}
	p, err := r.GetProject(ctx, id)
	if err != nil || p.Status != domain.ProjectPlanning {
		t.Fatalf("status %s err=%v", p.Status, err)
	}
}

func TestBuildRefWriteOnce(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	id := insertProject(t, r, "conv_b", domain.ProjectReadyToBuild)

	first := "bld_1"
	if _, err := r.TransitionProject(ctx, nil, id, []string{domain.ProjectReadyToBuild}, domain.ProjectBuilding,
		repo.ProjectMutation{BuildRef: &first}); err != nil {
		t.Fatal(err)
	}
	// a later transition must not replace the ref
	second := "bld_2"
	if _, err := r.TransitionProject(ctx, nil, id, []string{domain.ProjectBuilding}, domain.ProjectFailed,
		repo.ProjectMutation{BuildRef: &second}); err != nil {
		t.Fatal(err)
	}
	p, err := r.GetProject(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if p.BuildRef == nil || *p.BuildRef != "bld_1" {
		t.Fatalf("build_ref %v, want bld_1", p.BuildRef)
	}
}

func TestGetProjectByBuildRef(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	id := insertProject(t, r, "conv_ref", domain.ProjectReadyToBuild)
	buildRef := "bld_x"
	external := "ext_x"
	if _, err := r.TransitionProject(ctx, nil, id, []string{domain.ProjectReadyToBuild}, domain.ProjectBuilding,
		repo.ProjectMutation{BuildRef: &buildRef, ExternalProjectRef: &external}); err != nil {
		t.Fatal(err)
	}

	p, err := r.GetProjectByBuildRef(ctx, "bld_x", "")
	if err != nil || p.ID != id {
		t.Fatalf("lookup by build ref: id=%d err=%v", p.ID, err)
	}
	p, err = r.GetProjectByBuildRef(ctx, "bld_other", "ext_x")
	if err != nil || p.ID != id {
		t.Fatalf("fallback to external ref: id=%d err=%v", p.ID, err)
	}
	_, err = r.GetProjectByBuildRef(ctx, "", "")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListSubscriptionsIncludesGlobal(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	id := insertProject(t, r, "conv_s", domain.ProjectAnalyzing)

	if _, err := r.InsertSubscription(ctx, domain.Subscription{ProjectID: id, URL: "https://a.example.com"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.InsertSubscription(ctx, domain.Subscription{ProjectID: 0, URL: "https://global.example.com"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.InsertSubscription(ctx, domain.Subscription{ProjectID: id + 100, URL: "https://other.example.com"}); err != nil {
		t.Fatal(err)
	}

	subs, err := r.ListSubscriptions(ctx, id)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected project plus global subscription, got %d", len(subs))
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	key := domain.APIKey{ID: "key-1", Owner: "ci", Name: "bot", KeyHash: repo.HashAPIKey("s3cret")}
	if err := r.InsertAPIKey(ctx, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("  s3cret  "))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Owner != "ci" {
		t.Fatalf("owner %q", got.Owner)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("wrong")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown key, got %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "key-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "key-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
}
