package project_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allura.org/internal/apperr"
	"allura.org/internal/bus"
	"allura.org/internal/docstore"
	"allura.org/internal/forgetest"
	"allura.org/internal/model"
	"allura.org/internal/project"
	"allura.org/internal/security"
	"allura.org/internal/tools/wiki"
)

func newService(f *forgetest.Forge) *project.Service {
	return project.NewService(project.Config{
		Store:      f.Store,
		Tools:      f.Manager,
		Resolver:   f.Resolver,
		Publisher:  f.Pub,
		Extensions: f.Extensions,
	})
}

func can(t *testing.T, f *forgetest.Forge, ctx context.Context, p *model.Project, user, perm string) bool {
	t.Helper()
	chain, err := f.Repo.ProjectChain(ctx, p)
	require.NoError(t, err)
	return f.Resolver.HasAccess(ctx, chain, perm, security.Subject{UserID: user})
}

func TestRegisterProjectFromTemplate(t *testing.T) {
	f := forgetest.New(t, wiki.New())
	f.Neighborhood.ProjectTemplate = &model.ProjectTemplate{
		Summary: "A fresh project",
		Labels:  []string{"new"},
		Tools: []model.TemplateTool{{
			ToolName:   "wiki",
			MountPoint: "docs",
			MountLabel: "$root_project.name Docs",
			Options:    map[string]any{"root_page_name": "$root_project.name Home"},
		}},
	}
	svc := newService(f)

	sc, ctx := f.Scope(forgetest.DevUser)
	p, err := svc.Register(ctx, f.Neighborhood, project.Request{Shortname: "demo", Name: "Demo"})
	require.NoError(t, err)
	require.NoError(t, sc.Commit(ctx))

	stored, err := f.Repo.ProjectByShortname(f.Ctx, forgetest.NeighborhoodID, "demo")
	require.NoError(t, err)
	assert.Equal(t, p.ID, stored.ID)
	assert.Equal(t, "A fresh project", stored.Summary)
	assert.Equal(t, []string{"new"}, stored.Labels)

	roles, err := f.Repo.ProjectRolesOf(f.Ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, roles, 4)

	members, err := svc.Members(f.Ctx, p)
	require.NoError(t, err)
	assert.Equal(t, []project.Member{{UserID: forgetest.DevUser, Roles: []string{model.RoleAdmin}}}, members)

	app, err := f.Repo.AppConfigByMount(f.Ctx, p.ID, "docs")
	require.NoError(t, err)
	assert.Equal(t, "Demo Docs", app.Options.MountLabel())
	assert.Equal(t, "Demo Home", app.Options.String("root_page_name"))

	_, check := f.Scope(forgetest.DevUser)
	assert.True(t, can(t, f, check, p, forgetest.DevUser, security.PermAdmin))
	assert.True(t, can(t, f, check, p, forgetest.DevUser, security.PermUpdate), "Admin includes Developer")
	assert.False(t, can(t, f, check, p, forgetest.AdminUser, security.PermAdmin), "admin of another project")
	assert.True(t, can(t, f, check, p, "", security.PermRead))

	assert.Contains(t, f.Sent(bus.React), bus.KeyProjectUpdated)
	logs, err := f.Repo.AuditLogsOf(f.Ctx, p.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestRegisterValidatesShortname(t *testing.T) {
	f := forgetest.New(t)
	svc := newService(f)
	_, ctx := f.Scope(forgetest.DevUser)

	for _, name := range []string{"ab", "Test", "1abc", "a_b", "waytoolongshortname"} {
		_, err := svc.Register(ctx, f.Neighborhood, project.Request{Shortname: name})
		verr, ok := apperr.AsValidation(err)
		require.True(t, ok, "%q: %v", name, err)
		assert.Equal(t, "shortname", verr.Field)
	}

	_, err := svc.Register(ctx, f.Neighborhood, project.Request{Shortname: "test"})
	verr, ok := apperr.AsValidation(err)
	require.True(t, ok, "%v", err)
	assert.Contains(t, verr.Message, "already taken")
}

func TestRegisterNeedsPermission(t *testing.T) {
	f := forgetest.New(t)
	svc := newService(f)

	_, anon := f.Scope("")
	_, err := svc.Register(anon, f.Neighborhood, project.Request{Shortname: "demo"})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	closed := *f.Neighborhood
	closed.ACL = security.ACL{security.AllowACE(forgetest.AdminRoleID, security.PermRegister)}
	_, ctx := f.Scope(forgetest.DevUser)
	_, err = svc.Register(ctx, &closed, project.Request{Shortname: "demo"})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.Repo.ProjectByShortname(f.Ctx, forgetest.NeighborhoodID, "demo")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestMembership(t *testing.T) {
	f := forgetest.New(t)
	svc := newService(f)
	sc, ctx := f.Scope(forgetest.AdminUser)

	assert.False(t, can(t, f, ctx, f.Project, "u-new", security.PermUpdate))
	require.NoError(t, svc.AddUser(ctx, f.Project, "u-new", model.RoleDeveloper))
	assert.True(t, can(t, f, ctx, f.Project, "u-new", security.PermUpdate), "role cache is invalidated")
	require.NoError(t, svc.AddUser(ctx, f.Project, "u-new", model.RoleDeveloper))

	err := svc.AddUser(ctx, f.Project, "u-new", "Owner")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	err = svc.RemoveUser(ctx, f.Project, forgetest.AdminUser, model.RoleAdmin)
	verr, ok := apperr.AsValidation(err)
	require.True(t, ok, "%v", err)
	assert.Contains(t, verr.Message, "last admin")

	require.NoError(t, svc.RemoveUser(ctx, f.Project, "u-new", model.RoleDeveloper))
	assert.False(t, can(t, f, ctx, f.Project, "u-new", security.PermUpdate))
	require.NoError(t, sc.Commit(ctx))

	members, err := svc.Members(f.Ctx, f.Project)
	require.NoError(t, err)
	assert.Equal(t, []project.Member{
		{UserID: forgetest.AdminUser, Roles: []string{model.RoleAdmin}},
		{UserID: forgetest.DevUser, Roles: []string{model.RoleDeveloper}},
	}, members)

	_, devCtx := f.Scope(forgetest.DevUser)
	err = svc.AddUser(devCtx, f.Project, "u-new", model.RoleAdmin)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestDeleteRestoreSubprojects(t *testing.T) {
	f := forgetest.New(t)
	svc := newService(f)
	sc, ctx := f.Scope(forgetest.AdminUser)

	sub, err := svc.NewSubproject(ctx, f.Project, "docs", "Docs")
	require.NoError(t, err)
	assert.Equal(t, "test/docs", sub.Shortname)
	assert.True(t, can(t, f, ctx, sub, forgetest.AdminUser, security.PermAdmin), "subprojects use the root's roles")

	require.NoError(t, svc.Delete(ctx, f.Project))
	for _, id := range []string{forgetest.ProjectID, sub.ID} {
		p, err := f.Repo.Project(f.Ctx, id)
		require.NoError(t, err)
		assert.True(t, p.Deleted, id)
	}

	require.NoError(t, svc.Restore(ctx, f.Project))
	got, err := f.Repo.Project(f.Ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, got.Deleted)
	require.NoError(t, sc.Commit(ctx))

	err = svc.Purge(f.Ctx, f.Project)
	assert.ErrorIs(t, err, apperr.ErrForbidden, "purge needs an admin")
}

func TestPurgeRemovesEverything(t *testing.T) {
	f := forgetest.New(t, wiki.New())
	f.Neighborhood.ProjectTemplate = &model.ProjectTemplate{
		Tools: []model.TemplateTool{{ToolName: "wiki", MountPoint: "wiki"}},
	}
	svc := newService(f)

	sc, ctx := f.Scope(forgetest.DevUser)
	p, err := svc.Register(ctx, f.Neighborhood, project.Request{Shortname: "gone", Name: "Gone"})
	require.NoError(t, err)
	require.NoError(t, sc.Commit(ctx))
	require.Equal(t, 1, f.Store.Count(wiki.Collection))

	sc, ctx = f.Scope(forgetest.DevUser)
	err = svc.Purge(ctx, p)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput, "live projects are not purged")

	require.NoError(t, svc.Delete(ctx, p))
	require.NoError(t, svc.Purge(ctx, p))
	require.NoError(t, sc.Commit(ctx))

	_, err = f.Repo.Project(f.Ctx, p.ID)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	apps, err := f.Repo.AppConfigsOf(f.Ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, apps)
	roles, err := f.Repo.ProjectRolesOf(f.Ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, roles)
	assert.Equal(t, 0, f.Store.Count(wiki.Collection))
}
