package wiki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"allura.org/internal/apperr"
	"allura.org/internal/docstore"
	"allura.org/internal/importer"
	"allura.org/internal/model"
	"allura.org/internal/tool"
)

// ExportedPage is one page of a wiki export.
type ExportedPage struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Importer loads a wiki export, given as the "pages" option, into a wiki
// mounted at the request's mount point. The wiki is installed if missing.
type Importer struct {
	wiki  *Tool
	tools *tool.Manager
}

// NewImporter builds an importer writing through w.
func NewImporter(w *Tool, tools *tool.Manager) *Importer {
	return &Importer{wiki: w, tools: tools}
}

func (i *Importer) Name() string   { return "wiki-json" }
func (i *Importer) Source() string { return "Wiki export" }

func pagesOf(req importer.Request) ([]ExportedPage, error) {
	raw, err := json.Marshal(req.Options["pages"])
	if err != nil {
		return nil, err
	}
	var pages []ExportedPage
	if err := json.Unmarshal(raw, &pages); err != nil {
		return nil, apperr.Invalid("pages", "pages must be a list of {title, text}")
	}
	if len(pages) == 0 {
		return nil, apperr.Invalid("pages", "nothing to import")
	}
	for n, p := range pages {
		if p.Title == "" {
			return nil, apperr.Invalid("pages", "page %d has no title", n+1)
		}
	}
	return pages, nil
}

func mountOf(req importer.Request) string {
	if req.MountPoint == "" {
		return "wiki"
	}
	return req.MountPoint
}

// Validate implements importer.Validator.
func (i *Importer) Validate(req importer.Request) error {
	if err := tool.ValidateMountPoint(mountOf(req)); err != nil {
		return err
	}
	_, err := pagesOf(req)
	return err
}

// Import implements importer.Importer.
func (i *Importer) Import(ctx context.Context, project *model.Project, req importer.Request) error {
	pages, err := pagesOf(req)
	if err != nil {
		return err
	}
	mount := mountOf(req)
	_, inst, err := i.tools.Instance(ctx, project, mount)
	if errors.Is(err, docstore.ErrNotFound) {
		if _, err := i.tools.Install(ctx, project, tool.InstallRequest{ToolName: i.wiki.Name(), MountPoint: mount, MountLabel: req.MountLabel}); err != nil {
			return err
		}
		_, inst, err = i.tools.Instance(ctx, project, mount)
	}
	if err != nil {
		return err
	}
	if inst.App.ToolName != i.wiki.Name() {
		return apperr.Invalid("mount_point", "%s is a %s, not a wiki", mount, inst.App.ToolName)
	}
	for _, p := range pages {
		if _, err := i.wiki.SavePage(ctx, inst, p.Title, p.Text); err != nil {
			return fmt.Errorf("page %q: %w", p.Title, err)
		}
	}
	return nil
}
