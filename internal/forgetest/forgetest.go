// Package forgetest builds an in-memory forge for tests: one neighborhood,
// one project with the default roles, a bus and the artifact indexer.
package forgetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"allura.org/internal/artifact"
	"allura.org/internal/bus"
	"allura.org/internal/docstore"
	"allura.org/internal/model"
	"allura.org/internal/reqctx"
	"allura.org/internal/security"
	"allura.org/internal/tool"
)

// Well-known ids of the fixture.
const (
	NeighborhoodID = "nbhd"
	ProjectID      = "proj"
	AdminRoleID    = "role-admin"
	DevRoleID      = "role-dev"
	MemberRoleID   = "role-member"
	AdminUser      = "u-admin"
	DevUser        = "u-dev"
)

// Forge is the fixture.
type Forge struct {
	T            *testing.T
	Ctx          context.Context
	Store        *docstore.Memory
	Repo         *model.Repo
	Transport    *bus.Memory
	Pub          *bus.Publisher
	Bus          *bus.Registry
	Artifacts    *artifact.Registry
	Resolver     *security.Resolver
	Tools        *tool.Registry
	Manager      *tool.Manager
	Neighborhood *model.Neighborhood
	Project      *model.Project
}

// New builds a forge whose tool registry holds tools.
func New(t *testing.T, tools ...tool.Tool) *Forge {
	t.Helper()
	ctx := context.Background()
	store := docstore.NewMemory()
	repo := model.NewRepo(store)
	require.NoError(t, repo.EnsureIndexes(ctx))
	arts := artifact.NewRegistry(store, artifact.NewMemoryCache(time.Minute))
	require.NoError(t, arts.EnsureIndexes(ctx))
	transport := bus.NewMemory()
	pub := bus.NewPublisher(transport)
	reg := tool.NewRegistry()
	for _, tl := range tools {
		require.NoError(t, reg.Register(tl))
	}
	require.NoError(t, reg.EnsureIndexes(ctx, store))
	breg := bus.NewRegistry()
	require.NoError(t, reg.WireBus(breg))

	f := &Forge{
		T: t, Ctx: ctx, Store: store, Repo: repo, Transport: transport, Pub: pub, Bus: breg,
		Artifacts: arts, Resolver: security.NewResolver(repo), Tools: reg,
	}
	f.Manager = tool.NewManager(tool.Config{
		Tools:      reg,
		Store:      store,
		Artifacts:  arts,
		Publisher:  pub,
		Resolver:   f.Resolver,
		Extensions: f.Extensions,
	})

	f.Neighborhood = &model.Neighborhood{
		ID: NeighborhoodID, Name: "Projects", URLPrefix: "/p/",
		ACL: security.ACL{security.AllowACE(security.Authenticated, security.PermRegister)},
	}
	f.Project = &model.Project{
		ID: ProjectID, Shortname: "test", NeighborhoodID: NeighborhoodID, Name: "Test Project",
		ACL: security.ACL{
			security.AllowACE(security.Anonymous, security.PermRead),
			security.AllowACE(AdminRoleID, security.PermAdmin),
			security.AllowACE(DevRoleID, security.PermUpdate),
		},
	}
	f.put(model.Neighborhoods, f.Neighborhood)
	f.put(model.Projects, f.Project)
	f.put(model.ProjectRoles, &model.ProjectRole{ID: AdminRoleID, ProjectID: ProjectID, Name: model.RoleAdmin, Roles: []string{DevRoleID}})
	f.put(model.ProjectRoles, &model.ProjectRole{ID: DevRoleID, ProjectID: ProjectID, Name: model.RoleDeveloper, Roles: []string{MemberRoleID}})
	f.put(model.ProjectRoles, &model.ProjectRole{ID: MemberRoleID, ProjectID: ProjectID, Name: model.RoleMember})
	f.put(model.ProjectRoles, &model.ProjectRole{ID: "ur-admin", ProjectID: ProjectID, UserID: AdminUser, Roles: []string{AdminRoleID}})
	f.put(model.ProjectRoles, &model.ProjectRole{ID: "ur-dev", ProjectID: ProjectID, UserID: DevUser, Roles: []string{DevRoleID}})
	return f
}

func (f *Forge) put(coll string, doc docstore.Document) {
	f.T.Helper()
	require.NoError(f.T, f.Store.Insert(f.Ctx, coll, doc.DocID(), doc))
}

// Extensions returns the session extensions of a request scope.
func (f *Forge) Extensions() []docstore.Extension {
	return []docstore.Extension{artifact.NewIndexer(f.Artifacts, f.Pub)}
}

// Scope opens a request scope for userID in the fixture project. The
// scope is released when the test ends.
func (f *Forge) Scope(userID string) (*reqctx.Scope, context.Context) {
	state := &reqctx.State{
		Subject:      security.Subject{UserID: userID},
		Neighborhood: f.Neighborhood,
		Project:      f.Project,
	}
	sc, ctx := reqctx.Begin(f.Ctx, f.Store, state, f.Extensions()...)
	f.T.Cleanup(func() { sc.Release(ctx) })
	return sc, ctx
}

// Instance returns the tool instance mounted at mount.
func (f *Forge) Instance(ctx context.Context, mount string) *tool.Instance {
	f.T.Helper()
	app, err := f.Repo.AppConfigByMount(f.Ctx, ProjectID, mount)
	require.NoError(f.T, err)
	st := reqctx.From(ctx)
	require.NotNil(f.T, st, "Instance needs a scope")
	st.App = app
	return &tool.Instance{Project: f.Project, Neighborhood: f.Neighborhood, App: app, Session: st.Session, Repo: f.Repo}
}

// Sent returns the routing keys published on exchange, in order.
func (f *Forge) Sent(exchange string) []string {
	var out []string
	for _, m := range f.Transport.Sent() {
		if m.Exchange == exchange {
			out = append(out, m.RoutingKey)
		}
	}
	return out
}

// Worker returns a worker over the fixture bus.
func (f *Forge) Worker() *bus.Worker {
	return bus.NewWorker(bus.WorkerConfig{
		Transport:  f.Transport,
		Registry:   f.Bus,
		Publisher:  f.Pub,
		Store:      f.Store,
		Extensions: f.Extensions,
	})
}
