package tool

import (
	"context"
	"fmt"
	"strings"

	"allura.org/internal/apperr"
	"allura.org/internal/audit"
	"allura.org/internal/model"
	"allura.org/internal/reqctx"
	"allura.org/internal/security"
)

// UpdateOptions applies the options editor of the default admin controller.
// The mount point cannot be changed here.
func (m *Manager) UpdateOptions(ctx context.Context, project *model.Project, mount string, changes map[string]any) (*model.AppConfig, error) {
	var app *model.AppConfig
	err := m.inScope(ctx, project, func(ctx context.Context, st *reqctx.State) error {
		var err error
		app, err = m.repo.AppConfigByMount(ctx, project.ID, mount)
		if err != nil {
			return err
		}
		t, ok := m.cfg.Tools.Get(app.ToolName)
		if !ok {
			return fmt.Errorf("%w: tool %q", apperr.ErrNotFound, app.ToolName)
		}
		for k, v := range changes {
			switch k {
			case "mount_point":
				if v != app.Options.MountPoint() {
					return apperr.Invalid(k, "mount point cannot be changed")
				}
				continue
			case "mount_label":
				label, ok := v.(string)
				if !ok || strings.TrimSpace(label) == "" {
					return apperr.Invalid(k, "label must be a non-empty string")
				}
			case "ordinal":
				switch v.(type) {
				case int, int64, float64:
				default:
					return apperr.Invalid(k, "ordinal must be a number")
				}
			default:
				if err := checkOption(t.Info(), k, v); err != nil {
					return err
				}
			}
			app.Options[k] = v
		}
		if err := st.Session.Save(ctx, model.AppConfigs, app); err != nil {
			return err
		}
		return audit.LogEvent(ctx, "tool.configure", map[string]any{
			"message": fmt.Sprintf("change options of %s", mount),
		})
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// SetPermission replaces the roles granted perm on the tool at mount.
// DENY entries and other permissions are kept.
func (m *Manager) SetPermission(ctx context.Context, project *model.Project, mount, perm string, roleIDs []string) (*model.AppConfig, error) {
	var app *model.AppConfig
	err := m.inScope(ctx, project, func(ctx context.Context, st *reqctx.State) error {
		var err error
		app, err = m.repo.AppConfigByMount(ctx, project.ID, mount)
		if err != nil {
			return err
		}
		if t, ok := m.cfg.Tools.Get(app.ToolName); ok && !contains(t.Info().Permissions, perm) {
			return apperr.Invalid("permission", "tool %q has no permission %q", app.ToolName, perm)
		}
		acl := make(security.ACL, 0, len(app.ACL)+len(roleIDs))
		for _, ace := range app.ACL {
			if ace.Access == security.Allow && ace.Permission == perm {
				continue
			}
			acl = append(acl, ace)
		}
		for _, id := range roleIDs {
			acl = append(acl, security.AllowACE(id, perm))
		}
		app.ACL = acl
		if err := st.Session.Save(ctx, model.AppConfigs, app); err != nil {
			return err
		}
		st.Roles.Invalidate()
		return audit.LogEvent(ctx, "tool.permission", map[string]any{
			"message": fmt.Sprintf("set %s permission on %s to %s", perm, mount, strings.Join(roleIDs, ",")),
		})
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
