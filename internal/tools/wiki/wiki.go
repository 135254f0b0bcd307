// Package wiki is a versioned page tool.
package wiki

import (
	"context"
	"errors"
	"strings"
	"time"

	"allura.org/internal/apperr"
	"allura.org/internal/docstore"
	"allura.org/internal/ids"
	"allura.org/internal/model"
	"allura.org/internal/reqctx"
	"allura.org/internal/security"
	"allura.org/internal/tool"
)

// Collection holds the current page versions; history lives in
// model.ArtifactStates.
const Collection = "pages"

// Page is one wiki page.
type Page struct {
	model.Artifact
	model.Versioned
	PageTitle string `json:"title"`
	Text      string `json:"text"`
}

func (p *Page) ShouldUpdateIndex() bool { return !p.Deleted }
func (p *Page) ShortlinkText() string   { return p.PageTitle }
func (p *Page) Title() string           { return p.PageTitle }

// Tool is the wiki.
type Tool struct {
	tool.Base
	now func() time.Time
}

func init() { tool.Register(New()) }

// New returns the wiki tool.
func New() *Tool {
	return &Tool{
		Base: tool.Base{Meta: tool.Info{
			Label:             "Wiki",
			DefaultMountLabel: "Wiki",
			DefaultMountPoint: "wiki",
			Ordinal:           5,
			Permissions:       []string{security.PermRead, security.PermCreate, security.PermUpdate, security.PermDelete, security.PermAdmin},
			ConfigOptions: []tool.ConfigOption{
				{Name: "root_page_name", Type: "str", Default: "Home"},
				{Name: "show_discussion", Type: "bool", Default: true},
			},
			Installable: true,
			Status:      tool.Production,
			Collections: []string{Collection, model.ArtifactStates},
		}},
		now: time.Now,
	}
}

func (t *Tool) Name() string { return "wiki" }

func (t *Tool) Indexes() []docstore.Index {
	return []docstore.Index{
		{Collection: Collection, Fields: []string{"app_config_id", "title"}, Unique: true},
		{Collection: model.ArtifactStates, Fields: []string{"artifact_id"}},
	}
}

// Install creates the root page.
func (t *Tool) Install(ctx context.Context, inst *tool.Instance) error {
	name := inst.App.Options.String("root_page_name")
	if name == "" {
		name = "Home"
	}
	_, err := t.SavePage(ctx, inst, name, "Welcome to your wiki!\n\nThis is the default page, edit it as you see fit.")
	return err
}

func (t *Tool) SidebarMenu(_ context.Context, inst *tool.Instance) []tool.SitemapEntry {
	base := inst.URL()
	return []tool.SitemapEntry{
		{Label: "Create Page", URL: base + "create_wiki_page/", ClassName: "add"},
		{Label: "Browse Pages", URL: base + "browse_pages/"},
	}
}

// Page loads a page by title.
func (t *Tool) Page(ctx context.Context, inst *tool.Instance, title string) (*Page, error) {
	var out []Page
	if err := inst.Session.Store().Find(ctx, Collection, docstore.Filter{"app_config_id": inst.App.ID, "title": title}, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, apperr.ErrNotFound
	}
	return &out[0], nil
}

// SavePage creates or updates a page, recording a snapshot of every
// version.
func (t *Tool) SavePage(ctx context.Context, inst *tool.Instance, title, text string) (*Page, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperr.Invalid("title", "page title is required")
	}
	page, err := t.Page(ctx, inst, title)
	if errors.Is(err, apperr.ErrNotFound) {
		page = &Page{
			Artifact:  model.Artifact{ID: ids.NewOID(), AppConfigID: inst.App.ID, ProjectID: inst.Project.ID},
			PageTitle: title,
		}
	} else if err != nil {
		return nil, err
	}
	page.Text = text
	page.ModDate = t.now().UTC()
	if err := model.SaveVersion(ctx, inst.Session, Collection, page, reqctx.Subject(ctx).UserID, page.ModDate); err != nil {
		return nil, err
	}
	return page, nil
}

// History returns every version of a page, oldest first.
func (t *Tool) History(ctx context.Context, inst *tool.Instance, page *Page) ([]model.Snapshot, error) {
	return inst.Repo.Snapshots(ctx, page.ID)
}
