package project

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"allura.org/internal/apperr"
	"allura.org/internal/audit"
	"allura.org/internal/docstore"
	"allura.org/internal/ids"
	"allura.org/internal/model"
	"allura.org/internal/reqctx"
	"allura.org/internal/security"
)

// Member is one user holding roles in a project.
type Member struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

func (s *Service) named(ctx context.Context, root *model.Project, roleName string) (*model.ProjectRole, error) {
	role, err := s.repo.RoleByName(ctx, root.ID, roleName)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, apperr.Invalid("role", "no role %q in project %s", roleName, root.Shortname)
	}
	return role, err
}

func (s *Service) invalidate(ctx context.Context, root *model.Project) {
	if c := security.RoleCacheFrom(ctx); c != nil {
		c.InvalidateProject(root.ID)
	}
}

// AddUser grants roleName to userID in the root of p, creating the user's
// role document when needed.
func (s *Service) AddUser(ctx context.Context, p *model.Project, userID, roleName string) error {
	if err := s.requireAdmin(ctx, p); err != nil {
		return err
	}
	root, err := s.repo.RootProject(ctx, p)
	if err != nil {
		return err
	}
	role, err := s.named(ctx, root, roleName)
	if err != nil {
		return err
	}
	return s.inScope(ctx, nil, root, func(ctx context.Context, st *reqctx.State) error {
		ur, err := s.repo.UserRoleDoc(ctx, root.ID, userID)
		if errors.Is(err, docstore.ErrNotFound) {
			ur = &model.ProjectRole{ID: ids.NewOID(), ProjectID: root.ID, UserID: userID}
		} else if err != nil {
			return err
		}
		for _, id := range ur.Roles {
			if id == role.ID {
				return nil
			}
		}
		ur.Roles = append(ur.Roles, role.ID)
		if err := st.Session.Save(ctx, model.ProjectRoles, ur); err != nil {
			return err
		}
		s.invalidate(ctx, root)
		return audit.LogEvent(ctx, "project.add_user", map[string]any{
			"message": fmt.Sprintf("add user %s to %s", userID, roleName),
		})
	})
}

// RemoveUser takes roleName away from userID. The last Admin cannot be
// removed.
func (s *Service) RemoveUser(ctx context.Context, p *model.Project, userID, roleName string) error {
	if err := s.requireAdmin(ctx, p); err != nil {
		return err
	}
	root, err := s.repo.RootProject(ctx, p)
	if err != nil {
		return err
	}
	role, err := s.named(ctx, root, roleName)
	if err != nil {
		return err
	}
	return s.inScope(ctx, nil, root, func(ctx context.Context, st *reqctx.State) error {
		ur, err := s.repo.UserRoleDoc(ctx, root.ID, userID)
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		kept := ur.Roles[:0:0]
		for _, id := range ur.Roles {
			if id != role.ID {
				kept = append(kept, id)
			}
		}
		if len(kept) == len(ur.Roles) {
			return nil
		}
		if roleName == model.RoleAdmin {
			admins, err := s.holders(ctx, root, role.ID)
			if err != nil {
				return err
			}
			if len(admins) <= 1 {
				return apperr.Invalid("role", "cannot remove the last admin of %s", root.Shortname)
			}
		}
		ur.Roles = kept
		if err := st.Session.Save(ctx, model.ProjectRoles, ur); err != nil {
			return err
		}
		s.invalidate(ctx, root)
		return audit.LogEvent(ctx, "project.remove_user", map[string]any{
			"message": fmt.Sprintf("remove user %s from %s", userID, roleName),
		})
	})
}

func (s *Service) holders(ctx context.Context, root *model.Project, roleID string) ([]string, error) {
	docs, err := s.repo.ProjectRolesOf(ctx, root.ID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, d := range docs {
		if d.UserID == "" {
			continue
		}
		for _, id := range d.Roles {
			if id == roleID {
				out = append(out, d.UserID)
				break
			}
		}
	}
	return out, nil
}

// Members lists the users with at least one role in p's root, by user id,
// with role names.
func (s *Service) Members(ctx context.Context, p *model.Project) ([]Member, error) {
	root, err := s.repo.RootProject(ctx, p)
	if err != nil {
		return nil, err
	}
	docs, err := s.repo.ProjectRolesOf(ctx, root.ID)
	if err != nil {
		return nil, err
	}
	names := map[string]string{}
	for _, d := range docs {
		if d.UserID == "" {
			names[d.ID] = d.Name
		}
	}
	var out []Member
	for _, d := range docs {
		if d.UserID == "" || len(d.Roles) == 0 {
			continue
		}
		m := Member{UserID: d.UserID}
		for _, id := range d.Roles {
			if n, ok := names[id]; ok {
				m.Roles = append(m.Roles, n)
			}
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
