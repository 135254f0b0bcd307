package security

import (
	"context"
	"testing"
)

type graph struct {
	userRoles map[string]string   // project/user -> role
	parents   map[string][]string // role -> parents
	calls     int
}

func (g *graph) UserRole(_ context.Context, projectID, userID string) (string, error) {
	g.calls++
	id, ok := g.userRoles[projectID+"/"+userID]
	if !ok {
		return "", ErrNoRole
	}
	return id, nil
}

func (g *graph) ParentRoles(_ context.Context, roleID string) ([]string, error) {
	return g.parents[roleID], nil
}

func newGraph() *graph {
	return &graph{
		userRoles: map[string]string{"p1/alice": "ur-alice", "p1/bob": "ur-bob"},
		parents: map[string][]string{
			"ur-alice":  {"developer"},
			"ur-bob":    {"member"},
			"developer": {"member"},
			"admin":     {"developer"},
		},
	}
}

func TestExpandedRolesTransitive(t *testing.T) {
	r := NewResolver(newGraph())
	set := r.ExpandedRoles(context.Background(), Subject{UserID: "alice"}, "p1")
	for _, want := range []string{"ur-alice", "developer", "member", Anonymous, Authenticated} {
		if !set.Contains(want) {
			t.Fatalf("expected %s in %v", want, set)
		}
	}
	if set.Contains("admin") {
		t.Fatalf("admin must not be inherited upwards")
	}
}

func TestExpandedRolesCycleTerminates(t *testing.T) {
	g := newGraph()
	g.parents["member"] = []string{"ur-alice"}
	r := NewResolver(g)
	set := r.ExpandedRoles(context.Background(), Subject{UserID: "alice"}, "p1")
	if len(set) != 5 {
		t.Fatalf("unexpected role set %v", set)
	}
}

func TestAnonymousHasOnlyAnonymousRole(t *testing.T) {
	r := NewResolver(newGraph())
	set := r.ExpandedRoles(context.Background(), Subject{}, "p1")
	if len(set) != 1 || !set.Contains(Anonymous) {
		t.Fatalf("unexpected anonymous set %v", set)
	}
}

func TestHasAccessFirstMatchWins(t *testing.T) {
	r := NewResolver(newGraph())
	ctx := context.Background()
	chain := Chain{
		ProjectID: "p1",
		Levels: []ACL{
			{DenyACE("ur-bob", PermRead)},
			{AllowACE(Authenticated, PermRead), DenyAll()},
		},
	}
	if r.HasAccess(ctx, chain, PermRead, Subject{UserID: "bob"}) {
		t.Fatalf("artifact-level deny must win over project allow")
	}
	if !r.HasAccess(ctx, chain, PermRead, Subject{UserID: "alice"}) {
		t.Fatalf("alice should inherit authenticated read")
	}
	if r.HasAccess(ctx, chain, PermRead, Subject{}) {
		t.Fatalf("anonymous should hit DenyAll")
	}
	if r.HasAccess(ctx, chain, PermUpdate, Subject{UserID: "alice"}) {
		t.Fatalf("update should be denied")
	}
}

func TestHasAccessDefaultsToDeny(t *testing.T) {
	r := NewResolver(newGraph())
	if r.HasAccess(context.Background(), Chain{ProjectID: "p1"}, PermRead, Subject{UserID: "alice"}) {
		t.Fatalf("empty chain must deny")
	}
}

func TestHasAccessWildcardPermission(t *testing.T) {
	r := NewResolver(newGraph())
	chain := Chain{ProjectID: "p1", Levels: []ACL{{AllowACE("developer", All)}}}
	if !r.HasAccess(context.Background(), chain, PermConfigure, Subject{UserID: "alice"}) {
		t.Fatalf("wildcard should grant any permission")
	}
	if r.HasAccess(context.Background(), chain, PermConfigure, Subject{UserID: "bob"}) {
		t.Fatalf("bob is only a member")
	}
}

func TestUnknownRoleNeverErrors(t *testing.T) {
	r := NewResolver(newGraph())
	chain := Chain{ProjectID: "p1", Levels: []ACL{{AllowACE("ghost", PermRead)}}}
	if r.HasAccess(context.Background(), chain, PermRead, Subject{UserID: "carol"}) {
		t.Fatalf("carol has no role in p1")
	}
}

func TestRoleCacheMemoisesAndInvalidates(t *testing.T) {
	g := newGraph()
	r := NewResolver(g)
	cache := NewRoleCache()
	ctx := WithRoleCache(context.Background(), cache)

	r.ExpandedRoles(ctx, Subject{UserID: "alice"}, "p1")
	r.ExpandedRoles(ctx, Subject{UserID: "alice"}, "p1")
	if g.calls != 1 {
		t.Fatalf("expected one lookup, got %d", g.calls)
	}
	g.parents["ur-alice"] = []string{"admin"}
	cache.InvalidateProject("p1")
	set := r.ExpandedRoles(ctx, Subject{UserID: "alice"}, "p1")
	if !set.Contains("admin") || g.calls != 2 {
		t.Fatalf("invalidation did not refresh roles: %v calls=%d", set, g.calls)
	}
}

func TestACLWithout(t *testing.T) {
	acl := ACL{AllowACE("a", PermRead), AllowACE("a", PermPost), AllowACE("b", PermRead)}
	got := acl.Without("a", PermRead)
	if len(got) != 2 || got[0].Permission != PermPost {
		t.Fatalf("unexpected acl %v", got)
	}
	if perms := acl.Permissions(); len(perms) != 2 {
		t.Fatalf("unexpected permissions %v", perms)
	}
}
