package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"allura.org/internal/docstore"
	"allura.org/internal/security"
)

func seed(t *testing.T) (*Repo, context.Context) {
	t.Helper()
	ctx := context.Background()
	repo := NewRepo(docstore.NewMemory())
	if err := repo.EnsureIndexes(ctx); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}
	s := repo.Store()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	must(s.Insert(ctx, Neighborhoods, "n1", &Neighborhood{ID: "n1", Name: "Projects", URLPrefix: "/p/",
		ACL: security.ACL{security.AllowACE(security.Anonymous, security.PermRead)}}))
	must(s.Insert(ctx, Projects, "p1", &Project{ID: "p1", Shortname: "test", NeighborhoodID: "n1",
		ACL: security.ACL{security.AllowACE("dev", security.PermUpdate)}}))
	must(s.Insert(ctx, Projects, "p2", &Project{ID: "p2", Shortname: "test-sub", NeighborhoodID: "n1", ParentID: "p1"}))
	must(s.Insert(ctx, ProjectRoles, "dev", &ProjectRole{ID: "dev", ProjectID: "p1", Name: RoleDeveloper}))
	must(s.Insert(ctx, ProjectRoles, "ur", &ProjectRole{ID: "ur", ProjectID: "p1", UserID: "u1", Roles: []string{"dev"}}))
	must(s.Insert(ctx, AppConfigs, "a1", &AppConfig{ID: "a1", ProjectID: "p2", ToolName: "wiki",
		Options: Options{"mount_point": "wiki", "ordinal": 2}}))
	return repo, ctx
}

func TestDuplicateShortnameRejected(t *testing.T) {
	repo, ctx := seed(t)
	err := repo.Store().Insert(ctx, Projects, "p3", &Project{ID: "p3", Shortname: "test", NeighborhoodID: "n1"})
	if !errors.Is(err, docstore.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestAppConfigByMount(t *testing.T) {
	repo, ctx := seed(t)
	app, err := repo.AppConfigByMount(ctx, "p2", "wiki")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if app.Options.Ordinal() != 2 || app.Options.MountPoint() != "wiki" {
		t.Fatalf("unexpected options %v", app.Options)
	}
	if _, err := repo.AppConfigByMount(ctx, "p1", "wiki"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubprojectUsesRootRoles(t *testing.T) {
	repo, ctx := seed(t)
	id, err := repo.UserRole(ctx, "p2", "u1")
	if err != nil || id != "ur" {
		t.Fatalf("user role via root: %q %v", id, err)
	}
	if _, err := repo.UserRole(ctx, "p2", "u2"); !errors.Is(err, security.ErrNoRole) {
		t.Fatalf("expected ErrNoRole, got %v", err)
	}
}

func TestArtifactChainAndAccess(t *testing.T) {
	repo, ctx := seed(t)
	art := &Artifact{ID: "x1", AppConfigID: "a1", ProjectID: "p2"}
	chain, err := repo.ArtifactChain(ctx, art)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	// artifact, app, p2, p1, neighborhood
	if len(chain.Levels) != 5 || chain.ProjectID != "p2" {
		t.Fatalf("unexpected chain %+v", chain)
	}
	res := security.NewResolver(repo)
	if !res.HasAccess(ctx, chain, security.PermUpdate, security.Subject{UserID: "u1"}) {
		t.Fatalf("developer should update via the root project ACL")
	}
	if res.HasAccess(ctx, chain, security.PermUpdate, security.Subject{UserID: "u2"}) {
		t.Fatalf("non-member must not update")
	}
	if !res.HasAccess(ctx, chain, security.PermRead, security.Subject{}) {
		t.Fatalf("neighborhood grants anonymous read")
	}
}

type page struct {
	Artifact
	Versioned
	Text string `json:"text"`
}

func TestSaveVersionKeepsHistory(t *testing.T) {
	repo, ctx := seed(t)
	sess := docstore.NewSession(repo.Store())
	p := &page{Artifact: Artifact{ID: "w1", AppConfigID: "a1"}, Text: "one"}
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := SaveVersion(ctx, sess, "pages", p, "u1", now); err != nil {
		t.Fatalf("save v1: %v", err)
	}
	p.Text = "two"
	if err := SaveVersion(ctx, sess, "pages", p, "u1", now); err != nil {
		t.Fatalf("save v2: %v", err)
	}
	if p.Version != 2 {
		t.Fatalf("expected version 2, got %d", p.Version)
	}
	snaps, err := repo.Snapshots(ctx, "w1")
	if err != nil || len(snaps) != 2 || snaps[0].Version != 1 {
		t.Fatalf("unexpected snapshots %+v %v", snaps, err)
	}
}
