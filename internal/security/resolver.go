package security

import (
	"context"
	"errors"
	"sync"

	"allura.org/internal/obs"
)

// ErrNoRole is returned by a RoleSource when the user has no role in the
// project. Resolution treats it, and every other lookup failure, as no
// membership.
var ErrNoRole = errors.New("security: no role")

// RoleSource exposes the role graph of a project.
type RoleSource interface {
	// UserRole returns the id of the user's own role in the project.
	UserRole(ctx context.Context, projectID, userID string) (string, error)
	// ParentRoles returns the roles a role inherits from.
	ParentRoles(ctx context.Context, roleID string) ([]string, error)
}

// Subject identifies the caller. An empty UserID is anonymous.
type Subject struct {
	UserID string
}

// IsAnonymous reports whether the subject is not logged in.
func (s Subject) IsAnonymous() bool { return s.UserID == "" }

// Chain is the ordered list of ACLs guarding an object, most specific
// first, together with the project whose roles apply.
type Chain struct {
	ProjectID string
	Levels    []ACL
}

// Resolver answers access questions.
type Resolver struct {
	roles RoleSource
}

// NewResolver builds a Resolver over a role graph.
func NewResolver(roles RoleSource) *Resolver {
	return &Resolver{roles: roles}
}

// ExpandedRoles computes the transitive closure of the subject's user-role
// plus the implicit roles. Results are memoised in the request's RoleCache.
func (r *Resolver) ExpandedRoles(ctx context.Context, subject Subject, projectID string) RoleSet {
	cache := RoleCacheFrom(ctx)
	if cache != nil {
		if set, ok := cache.get(subject.UserID, projectID); ok {
			return set
		}
	}
	set := r.expand(ctx, subject, projectID)
	if cache != nil {
		cache.put(subject.UserID, projectID, set)
	}
	return set
}

func (r *Resolver) expand(ctx context.Context, subject Subject, projectID string) RoleSet {
	set := NewRoleSet(Anonymous)
	if subject.IsAnonymous() {
		return set
	}
	set.add(Authenticated)
	if r.roles == nil || projectID == "" {
		return set
	}
	log := obs.Component("security")
	start, err := r.roles.UserRole(ctx, projectID, subject.UserID)
	if err != nil {
		if !errors.Is(err, ErrNoRole) {
			log.Warn().Err(err).Str("user_id", subject.UserID).Str("project_id", projectID).Msg("user role lookup failed")
		}
		return set
	}
	visited := map[string]struct{}{}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		set.add(id)
		parents, err := r.roles.ParentRoles(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("role_id", id).Msg("role lookup failed")
			continue
		}
		for _, p := range parents {
			if _, seen := visited[p]; !seen {
				queue = append(queue, p)
			}
		}
	}
	return set
}

// HasAccess walks the chain and returns the first verdict, defaulting to deny.
func (r *Resolver) HasAccess(ctx context.Context, chain Chain, perm string, subject Subject) bool {
	roles := r.ExpandedRoles(ctx, subject, chain.ProjectID)
	return Evaluate(chain.Levels, roles, perm)
}

// Evaluate applies the first-match rule over levels with a precomputed role set.
func Evaluate(levels []ACL, roles RoleSet, perm string) bool {
	for _, acl := range levels {
		if access, ok := acl.Decide(roles, perm); ok {
			return access == Allow
		}
	}
	return false
}

type cacheKey struct {
	userID    string
	projectID string
}

// RoleCache memoises expanded role sets for the duration of one request.
type RoleCache struct {
	mu   sync.Mutex
	sets map[cacheKey]RoleSet
}

// NewRoleCache returns an empty cache.
func NewRoleCache() *RoleCache {
	return &RoleCache{sets: make(map[cacheKey]RoleSet)}
}

func (c *RoleCache) get(userID, projectID string) (RoleSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.sets[cacheKey{userID, projectID}]
	return set, ok
}

func (c *RoleCache) put(userID, projectID string, set RoleSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets[cacheKey{userID, projectID}] = set
}

// Invalidate drops every cached set. Call it after roles or ACLs change.
func (c *RoleCache) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets = make(map[cacheKey]RoleSet)
}

// InvalidateProject drops the cached sets of one project.
func (c *RoleCache) InvalidateProject(projectID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.sets {
		if k.projectID == projectID {
			delete(c.sets, k)
		}
	}
}

// Len reports the number of cached sets.
func (c *RoleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sets)
}

type roleCacheKey struct{}

// WithRoleCache attaches a cache to ctx.
func WithRoleCache(ctx context.Context, cache *RoleCache) context.Context {
	return context.WithValue(ctx, roleCacheKey{}, cache)
}

// RoleCacheFrom returns the cache attached to ctx, if any.
func RoleCacheFrom(ctx context.Context) *RoleCache {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(roleCacheKey{}).(*RoleCache)
	return c
}
