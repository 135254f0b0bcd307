package project

import (
	"context"
	"fmt"

	"allura.org/internal/apperr"
	"allura.org/internal/audit"
	"allura.org/internal/model"
	"allura.org/internal/reqctx"
)

// Delete marks p and its subprojects deleted. Nothing is removed.
func (s *Service) Delete(ctx context.Context, p *model.Project) error {
	return s.setDeleted(ctx, p, true)
}

// Restore undoes Delete for p and its subprojects.
func (s *Service) Restore(ctx context.Context, p *model.Project) error {
	return s.setDeleted(ctx, p, false)
}

func (s *Service) setDeleted(ctx context.Context, p *model.Project, deleted bool) error {
	if err := s.requireAdmin(ctx, p); err != nil {
		return err
	}
	tree, err := s.subtree(ctx, p)
	if err != nil {
		return err
	}
	action := "delete"
	if !deleted {
		action = "undelete"
	}
	now := s.cfg.Clock.Now().UTC()
	return s.inScope(ctx, nil, p, func(ctx context.Context, st *reqctx.State) error {
		for _, cur := range tree {
			if cur.Deleted == deleted {
				continue
			}
			cur.Deleted = deleted
			cur.LastUpdated = now
			if err := st.Session.Save(ctx, model.Projects, cur); err != nil {
				return err
			}
		}
		p.Deleted = deleted
		p.LastUpdated = now
		if err := audit.LogEvent(ctx, "project."+action, map[string]any{
			"message": fmt.Sprintf("%s project %s", action, p.Shortname),
		}); err != nil {
			return err
		}
		return s.updated(ctx, p, action)
	})
}

// Purge removes a deleted project for good: subprojects first, then every
// mounted tool with its artifacts, the project's roles and the project.
func (s *Service) Purge(ctx context.Context, p *model.Project) error {
	if err := s.requireAdmin(ctx, p); err != nil {
		return err
	}
	if !p.Deleted {
		return apperr.Invalid("project", "project %s must be deleted before it is purged", p.Shortname)
	}
	tree, err := s.subtree(ctx, p)
	if err != nil {
		return err
	}
	return s.inScope(ctx, nil, p, func(ctx context.Context, st *reqctx.State) error {
		for i := len(tree) - 1; i >= 0; i-- {
			if err := s.purgeOne(ctx, st, tree[i]); err != nil {
				return err
			}
		}
		return s.updated(ctx, p, "purge")
	})
}

func (s *Service) purgeOne(ctx context.Context, st *reqctx.State, p *model.Project) error {
	apps, err := s.repo.AppConfigsOf(ctx, p.ID)
	if err != nil {
		return err
	}
	for _, app := range apps {
		if err := s.cfg.Tools.Uninstall(ctx, p, app.Options.MountPoint()); err != nil {
			return err
		}
	}
	roles, err := s.repo.ProjectRolesOf(ctx, p.ID)
	if err != nil {
		return err
	}
	for i := range roles {
		if err := st.Session.Remove(ctx, model.ProjectRoles, &roles[i]); err != nil {
			return err
		}
	}
	s.invalidate(ctx, p)
	if err := st.Session.Remove(ctx, model.Projects, p); err != nil {
		return err
	}
	s.log.Info().Str("project_id", p.ID).Str("shortname", p.Shortname).Msg("project purged")
	return nil
}

// subtree returns p followed by its descendants, parents before children.
func (s *Service) subtree(ctx context.Context, p *model.Project) ([]*model.Project, error) {
	out := []*model.Project{p}
	seen := map[string]struct{}{p.ID: {}}
	for i := 0; i < len(out); i++ {
		children, err := s.repo.ChildProjects(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		for j := range children {
			c := &children[j]
			if _, ok := seen[c.ID]; ok {
				continue
			}
			seen[c.ID] = struct{}{}
			out = append(out, c)
		}
	}
	return out, nil
}
