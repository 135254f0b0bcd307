package model

import (
	"context"
	"errors"
	"fmt"

	"allura.org/internal/docstore"
	"allura.org/internal/security"
)

// Repo is a typed view over the document store.
type Repo struct {
	store docstore.Store
}

// NewRepo wraps a store.
func NewRepo(store docstore.Store) *Repo {
	return &Repo{store: store}
}

// Store exposes the underlying store.
func (r *Repo) Store() docstore.Store { return r.store }

// Indexes lists the indexes the forge relies on.
func Indexes() []docstore.Index {
	return []docstore.Index{
		{Collection: Neighborhoods, Fields: []string{"url_prefix"}, Unique: true},
		{Collection: Projects, Fields: []string{"neighborhood_id", "shortname"}, Unique: true},
		{Collection: Projects, Fields: []string{"parent_id"}},
		{Collection: ProjectRoles, Fields: []string{"project_id", "user_id"}},
		{Collection: ProjectRoles, Fields: []string{"project_id", "name"}},
		{Collection: AppConfigs, Fields: []string{"project_id", "options.mount_point"}, Unique: true},
		{Collection: Users, Fields: []string{"username"}, Unique: true},
		{Collection: AuditLogs, Fields: []string{"project_id"}},
		{Collection: Feeds, Fields: []string{"project_id"}},
		{Collection: Notifications, Fields: []string{"project_id", "app_config_id"}},
		{Collection: Mailboxes, Fields: []string{"user_id", "app_config_id"}},
		{Collection: ArtifactStates, Fields: []string{"artifact_id"}},
	}
}

// EnsureIndexes creates the forge indexes.
func (r *Repo) EnsureIndexes(ctx context.Context) error {
	for _, idx := range Indexes() {
		if err := r.store.EnsureIndex(ctx, idx); err != nil {
			return fmt.Errorf("ensure index %s: %w", idx.Name(), err)
		}
	}
	return nil
}

func first[T any](ctx context.Context, s docstore.Store, coll string, f docstore.Filter) (*T, error) {
	var out []T
	if err := s.Find(ctx, coll, f, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, docstore.ErrNotFound
	}
	return &out[0], nil
}

func get[T any](ctx context.Context, s docstore.Store, coll, id string) (*T, error) {
	var out T
	if err := s.Get(ctx, coll, id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Repo) Neighborhood(ctx context.Context, id string) (*Neighborhood, error) {
	return get[Neighborhood](ctx, r.store, Neighborhoods, id)
}

func (r *Repo) NeighborhoodByPrefix(ctx context.Context, prefix string) (*Neighborhood, error) {
	return first[Neighborhood](ctx, r.store, Neighborhoods, docstore.Filter{"url_prefix": prefix})
}

func (r *Repo) Project(ctx context.Context, id string) (*Project, error) {
	return get[Project](ctx, r.store, Projects, id)
}

// ProjectByShortname finds a project by shortname. With an empty
// neighborhood id the first match across neighborhoods is returned.
func (r *Repo) ProjectByShortname(ctx context.Context, neighborhoodID, shortname string) (*Project, error) {
	f := docstore.Filter{"shortname": shortname}
	if neighborhoodID != "" {
		f["neighborhood_id"] = neighborhoodID
	}
	return first[Project](ctx, r.store, Projects, f)
}

func (r *Repo) ChildProjects(ctx context.Context, parentID string) ([]Project, error) {
	var out []Project
	err := r.store.Find(ctx, Projects, docstore.Filter{"parent_id": parentID}, &out)
	return out, err
}

// RootProject follows parent links to the top of the project tree.
func (r *Repo) RootProject(ctx context.Context, p *Project) (*Project, error) {
	seen := map[string]struct{}{}
	for !p.IsRoot() {
		if _, loop := seen[p.ID]; loop {
			return nil, fmt.Errorf("%w: project parent cycle at %s", docstore.ErrInvalid, p.ID)
		}
		seen[p.ID] = struct{}{}
		parent, err := r.Project(ctx, p.ParentID)
		if err != nil {
			return nil, err
		}
		p = parent
	}
	return p, nil
}

func (r *Repo) Role(ctx context.Context, id string) (*ProjectRole, error) {
	return get[ProjectRole](ctx, r.store, ProjectRoles, id)
}

func (r *Repo) RoleByName(ctx context.Context, projectID, name string) (*ProjectRole, error) {
	return first[ProjectRole](ctx, r.store, ProjectRoles, docstore.Filter{"project_id": projectID, "name": name})
}

func (r *Repo) ProjectRolesOf(ctx context.Context, projectID string) ([]ProjectRole, error) {
	var out []ProjectRole
	err := r.store.Find(ctx, ProjectRoles, docstore.Filter{"project_id": projectID}, &out)
	return out, err
}

// UserRoleDoc returns the user-role linking userID to the root of projectID.
func (r *Repo) UserRoleDoc(ctx context.Context, projectID, userID string) (*ProjectRole, error) {
	rootID, err := r.rootID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return first[ProjectRole](ctx, r.store, ProjectRoles, docstore.Filter{"project_id": rootID, "user_id": userID})
}

func (r *Repo) rootID(ctx context.Context, projectID string) (string, error) {
	p, err := r.Project(ctx, projectID)
	if err != nil {
		return "", err
	}
	root, err := r.RootProject(ctx, p)
	if err != nil {
		return "", err
	}
	return root.ID, nil
}

// UserRole implements security.RoleSource.
func (r *Repo) UserRole(ctx context.Context, projectID, userID string) (string, error) {
	role, err := r.UserRoleDoc(ctx, projectID, userID)
	if errors.Is(err, docstore.ErrNotFound) {
		return "", security.ErrNoRole
	}
	if err != nil {
		return "", err
	}
	return role.ID, nil
}

// ParentRoles implements security.RoleSource.
func (r *Repo) ParentRoles(ctx context.Context, roleID string) ([]string, error) {
	role, err := r.Role(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return role.Roles, nil
}

func (r *Repo) AppConfig(ctx context.Context, id string) (*AppConfig, error) {
	return get[AppConfig](ctx, r.store, AppConfigs, id)
}

func (r *Repo) AppConfigByMount(ctx context.Context, projectID, mount string) (*AppConfig, error) {
	return first[AppConfig](ctx, r.store, AppConfigs, docstore.Filter{"project_id": projectID, "options.mount_point": mount})
}

func (r *Repo) AppConfigsOf(ctx context.Context, projectID string) ([]AppConfig, error) {
	var out []AppConfig
	err := r.store.Find(ctx, AppConfigs, docstore.Filter{"project_id": projectID}, &out)
	return out, err
}

func (r *Repo) User(ctx context.Context, id string) (*User, error) {
	return get[User](ctx, r.store, Users, id)
}

func (r *Repo) UserByUsername(ctx context.Context, username string) (*User, error) {
	return first[User](ctx, r.store, Users, docstore.Filter{"username": username})
}

// SetMFAEnabled flips the enrolment flag without rewriting the rest of the
// user record, so a concurrently recorded mfa_attempts window survives.
func (r *Repo) SetMFAEnabled(ctx context.Context, userID string, enabled bool) error {
	return r.store.Set(ctx, Users, userID, map[string]any{"mfa_enabled": enabled})
}

func (r *Repo) SetPasswordHash(ctx context.Context, userID, hash string) error {
	return r.store.Set(ctx, Users, userID, map[string]any{"password_hash": hash})
}

func (r *Repo) AuditLogsOf(ctx context.Context, projectID string) ([]AuditLog, error) {
	var out []AuditLog
	err := r.store.Find(ctx, AuditLogs, docstore.Filter{"project_id": projectID}, &out)
	return out, err
}

func (r *Repo) FeedOf(ctx context.Context, projectID string) ([]Feed, error) {
	var out []Feed
	err := r.store.Find(ctx, Feeds, docstore.Filter{"project_id": projectID}, &out)
	return out, err
}

func (r *Repo) MailboxesFor(ctx context.Context, appConfigID string) ([]Mailbox, error) {
	var out []Mailbox
	err := r.store.Find(ctx, Mailboxes, docstore.Filter{"app_config_id": appConfigID}, &out)
	return out, err
}

// Snapshots lists the stored versions of an artifact, oldest first.
func (r *Repo) Snapshots(ctx context.Context, artifactID string) ([]Snapshot, error) {
	var out []Snapshot
	if err := r.store.Find(ctx, ArtifactStates, docstore.Filter{"artifact_id": artifactID}, &out); err != nil {
		return nil, err
	}
	sortSnapshots(out)
	return out, nil
}

func sortSnapshots(s []Snapshot) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Version < s[j-1].Version; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
