// Package project registers projects in neighborhoods and manages their
// membership and lifecycle.
package project

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"allura.org/internal/apperr"
	"allura.org/internal/audit"
	"allura.org/internal/bus"
	"allura.org/internal/docstore"
	"allura.org/internal/ids"
	"allura.org/internal/model"
	"allura.org/internal/obs"
	"allura.org/internal/reqctx"
	"allura.org/internal/security"
	"allura.org/internal/tool"
)

var shortnamePattern = regexp.MustCompile(`^[a-z][-a-z0-9]{2,14}$`)

// ValidateShortname checks the syntax of a project or subproject shortname.
func ValidateShortname(name string) error {
	if !shortnamePattern.MatchString(name) {
		return apperr.Invalid("shortname", "shortname %q must be 3-15 characters, start with a letter and contain only lowercase letters, digits and '-'", name)
	}
	return nil
}

// Config wires a Service.
type Config struct {
	Store     docstore.Store
	Tools     *tool.Manager
	Resolver  *security.Resolver
	Publisher tool.Publisher
	Clock     clock.Clock
	// Extensions builds session extensions for scopes the service opens.
	Extensions func() []docstore.Extension
}

// Service registers and administers projects.
type Service struct {
	cfg  Config
	repo *model.Repo
	log  zerolog.Logger
}

// NewService builds a service.
func NewService(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Service{cfg: cfg, repo: model.NewRepo(cfg.Store), log: obs.Component("project")}
}

// Repo exposes the service's repository.
func (s *Service) Repo() *model.Repo { return s.repo }

// Request describes a project to register.
type Request struct {
	Shortname string `json:"shortname"`
	Name      string `json:"name"`
	Summary   string `json:"summary,omitempty"`
	// Template overrides the neighborhood's project template.
	Template *model.ProjectTemplate `json:"-"`
}

// inScope runs fn in the caller's unit of work or in a new one committed
// on success. project becomes the scope's project when none is set.
func (s *Service) inScope(ctx context.Context, n *model.Neighborhood, project *model.Project, fn func(ctx context.Context, st *reqctx.State) error) error {
	if st := reqctx.From(ctx); st != nil && st.Session != nil {
		if st.Project == nil {
			st.Project = project
		}
		return fn(ctx, st)
	}
	var exts []docstore.Extension
	if s.cfg.Extensions != nil {
		exts = s.cfg.Extensions()
	}
	state := &reqctx.State{Subject: reqctx.Subject(ctx), Neighborhood: n, Project: project}
	sc, sctx := reqctx.Begin(ctx, s.cfg.Store, state, exts...)
	defer sc.Release(sctx)
	if err := fn(sctx, state); err != nil {
		return err
	}
	return sc.Commit(sctx)
}

func (s *Service) require(ctx context.Context, chain security.Chain, perm string) error {
	if s.cfg.Resolver == nil {
		return nil
	}
	if !s.cfg.Resolver.HasAccess(ctx, chain, perm, reqctx.Subject(ctx)) {
		return fmt.Errorf("%s: %w", perm, apperr.ErrForbidden)
	}
	return nil
}

func (s *Service) requireAdmin(ctx context.Context, p *model.Project) error {
	chain, err := s.repo.ProjectChain(ctx, p)
	if err != nil {
		return err
	}
	return s.require(ctx, chain, security.PermAdmin)
}

// Register creates a root project in n owned by the caller: the default
// roles, the caller as Admin, and the tools of the project template.
func (s *Service) Register(ctx context.Context, n *model.Neighborhood, req Request) (*model.Project, error) {
	subject := reqctx.Subject(ctx)
	if subject.IsAnonymous() {
		return nil, fmt.Errorf("register project: %w", apperr.ErrUnauthorized)
	}
	if err := s.require(ctx, security.Chain{Levels: []security.ACL{n.ACL}}, security.PermRegister); err != nil {
		return nil, err
	}
	short := strings.TrimSpace(req.Shortname)
	if err := ValidateShortname(short); err != nil {
		return nil, err
	}
	short = n.ShortnamePrefix + short
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = short
	}
	tmpl := req.Template
	if tmpl == nil {
		tmpl = n.ProjectTemplate
	}
	if err := s.available(ctx, n.ID, short); err != nil {
		return nil, err
	}

	p := &model.Project{
		ID:             ids.NewOID(),
		Shortname:      short,
		NeighborhoodID: n.ID,
		Name:           name,
		Summary:        req.Summary,
		LastUpdated:    s.cfg.Clock.Now().UTC(),
	}
	if tmpl != nil {
		if p.Summary == "" {
			p.Summary = tmpl.Summary
		}
		p.Description = tmpl.Description
		p.Labels = append([]string(nil), tmpl.Labels...)
	}
	err := s.inScope(ctx, n, p, func(ctx context.Context, st *reqctx.State) error {
		roles := defaultRoles(p.ID)
		p.ACL = DefaultACL(roles)
		if err := st.Session.Insert(ctx, model.Projects, p); err != nil {
			if errors.Is(err, docstore.ErrDuplicate) {
				return apperr.Invalid("shortname", "shortname %q is already taken", short)
			}
			return err
		}
		for _, r := range roles {
			if err := st.Session.Insert(ctx, model.ProjectRoles, r); err != nil {
				return err
			}
		}
		owner := &model.ProjectRole{ID: ids.NewOID(), ProjectID: p.ID, UserID: subject.UserID, Roles: []string{roles[0].ID}}
		if err := st.Session.Insert(ctx, model.ProjectRoles, owner); err != nil {
			return err
		}
		if c := security.RoleCacheFrom(ctx); c != nil {
			c.InvalidateProject(p.ID)
		}
		prev := st.Project
		st.Project = p
		defer func() { st.Project = prev }()
		if _, err := s.cfg.Tools.CloneTemplate(ctx, p, n, tmpl); err != nil {
			return err
		}
		if err := audit.LogEvent(ctx, "project.register", map[string]any{
			"message": fmt.Sprintf("register project %s", short),
		}); err != nil {
			return err
		}
		return s.updated(ctx, p, "register")
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("project_id", p.ID).Str("shortname", short).Str("user_id", subject.UserID).Msg("project registered")
	return p, nil
}

// NewSubproject creates a child of parent. Subprojects share the roles of
// their root and inherit its ACL.
func (s *Service) NewSubproject(ctx context.Context, parent *model.Project, shortname, name string) (*model.Project, error) {
	if err := s.requireAdmin(ctx, parent); err != nil {
		return nil, err
	}
	shortname = strings.TrimSpace(shortname)
	if err := ValidateShortname(shortname); err != nil {
		return nil, err
	}
	full := parent.Shortname + "/" + shortname
	if err := s.available(ctx, parent.NeighborhoodID, full); err != nil {
		return nil, err
	}
	if name == "" {
		name = shortname
	}
	p := &model.Project{
		ID:             ids.NewOID(),
		Shortname:      full,
		NeighborhoodID: parent.NeighborhoodID,
		ParentID:       parent.ID,
		Name:           name,
		ACL:            security.ACL{},
		LastUpdated:    s.cfg.Clock.Now().UTC(),
	}
	err := s.inScope(ctx, nil, p, func(ctx context.Context, st *reqctx.State) error {
		if err := st.Session.Insert(ctx, model.Projects, p); err != nil {
			if errors.Is(err, docstore.ErrDuplicate) {
				return apperr.Invalid("shortname", "shortname %q is already taken", full)
			}
			return err
		}
		if err := audit.LogEvent(ctx, "project.subproject", map[string]any{
			"message": fmt.Sprintf("create subproject %s", full),
		}); err != nil {
			return err
		}
		return s.updated(ctx, p, "register")
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) available(ctx context.Context, neighborhoodID, shortname string) error {
	_, err := s.repo.ProjectByShortname(ctx, neighborhoodID, shortname)
	switch {
	case err == nil:
		return apperr.Invalid("shortname", "shortname %q is already taken", shortname)
	case errors.Is(err, docstore.ErrNotFound):
		return nil
	default:
		return err
	}
}

// defaultRoles returns Admin, Developer and Member, each including the next.
func defaultRoles(projectID string) []*model.ProjectRole {
	member := &model.ProjectRole{ID: ids.NewOID(), ProjectID: projectID, Name: model.RoleMember, Roles: []string{}}
	dev := &model.ProjectRole{ID: ids.NewOID(), ProjectID: projectID, Name: model.RoleDeveloper, Roles: []string{member.ID}}
	admin := &model.ProjectRole{ID: ids.NewOID(), ProjectID: projectID, Name: model.RoleAdmin, Roles: []string{dev.ID}}
	return []*model.ProjectRole{admin, dev, member}
}

// DefaultACL is the ACL of a newly registered project: anyone may read,
// Developers update, Admins administer.
func DefaultACL(roles []*model.ProjectRole) security.ACL {
	byName := map[string]string{}
	for _, r := range roles {
		byName[r.Name] = r.ID
	}
	return security.ACL{
		security.AllowACE(security.Anonymous, security.PermRead),
		security.AllowACE(byName[model.RoleMember], security.PermRead),
		security.AllowACE(byName[model.RoleDeveloper], security.PermCreate),
		security.AllowACE(byName[model.RoleDeveloper], security.PermUpdate),
		security.AllowACE(byName[model.RoleAdmin], security.PermAdmin),
	}
}

func (s *Service) updated(ctx context.Context, p *model.Project, action string) error {
	if s.cfg.Publisher == nil {
		return nil
	}
	return s.cfg.Publisher.React(ctx, bus.KeyProjectUpdated, tool.ProjectUpdated{ProjectID: p.ID, Action: action})
}
