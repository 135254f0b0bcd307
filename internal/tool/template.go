package tool

import (
	"context"
	"strings"

	"allura.org/internal/model"
)

// Substituter replaces $root_project placeholders with project values.
func Substituter(project *model.Project, n *model.Neighborhood) *strings.Replacer {
	return strings.NewReplacer(
		"$root_project.shortname", project.Shortname,
		"$root_project.name", project.Name,
		"$root_project.url", project.URL(n),
	)
}

func substitute(r *strings.Replacer, v any) any {
	switch x := v.(type) {
	case string:
		return r.Replace(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = substitute(r, val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = substitute(r, val)
		}
		return out
	}
	return v
}

// CloneTemplate installs the template's tools in order.
func (m *Manager) CloneTemplate(ctx context.Context, project *model.Project, n *model.Neighborhood, tmpl *model.ProjectTemplate) ([]*model.AppConfig, error) {
	if tmpl == nil {
		return nil, nil
	}
	r := Substituter(project, n)
	var apps []*model.AppConfig
	for i, tt := range tmpl.Tools {
		opts := map[string]any{}
		for k, v := range tt.Options {
			opts[k] = substitute(r, v)
		}
		ordinal := tt.Ordinal
		if ordinal == 0 {
			ordinal = i
		}
		app, err := m.Install(ctx, project, InstallRequest{
			ToolName:   tt.ToolName,
			MountPoint: r.Replace(tt.MountPoint),
			MountLabel: r.Replace(tt.MountLabel),
			Ordinal:    &ordinal,
			Options:    opts,
			System:     true,
		})
		if err != nil {
			return apps, err
		}
		apps = append(apps, app)
	}
	return apps, nil
}
