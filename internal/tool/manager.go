package tool

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"allura.org/internal/apperr"
	"allura.org/internal/artifact"
	"allura.org/internal/audit"
	"allura.org/internal/bus"
	"allura.org/internal/docstore"
	"allura.org/internal/ids"
	"allura.org/internal/model"
	"allura.org/internal/obs"
	"allura.org/internal/reqctx"
	"allura.org/internal/security"
)

var mountPattern = regexp.MustCompile(`^[a-z][-a-z0-9_]{0,62}$`)

// ReservedMounts are paths owned by the project itself.
var ReservedMounts = []string{"feed", "admin", "_admin", "search", "profile", "home", "add_project", "export", "import"}

// ValidateMountPoint checks the syntax of a mount point and that it is not reserved.
func ValidateMountPoint(mount string) error {
	if !mountPattern.MatchString(mount) {
		return apperr.Invalid("mount_point", "mount point %q must start with a letter and contain only lowercase letters, digits, '-' and '_'", mount)
	}
	for _, r := range ReservedMounts {
		if mount == r {
			return apperr.Invalid("mount_point", "mount point %q is reserved", mount)
		}
	}
	return nil
}

// Publisher emits bus messages.
type Publisher interface {
	Audit(ctx context.Context, key string, payload any) error
	React(ctx context.Context, key string, payload any) error
}

// rawDoc is an artifact of any tool, loaded without its concrete type.
type rawDoc map[string]any

func (d rawDoc) DocID() string {
	id, _ := d["_id"].(string)
	return id
}

// ProjectUpdated is the payload of forge.project_updated.
type ProjectUpdated struct {
	ProjectID  string `json:"project_id"`
	Action     string `json:"action"`
	ToolName   string `json:"tool_name,omitempty"`
	MountPoint string `json:"mount_point,omitempty"`
}

// Config wires a Manager.
type Config struct {
	Tools     *Registry
	Store     docstore.Store
	Artifacts *artifact.Registry
	Publisher Publisher
	Resolver  *security.Resolver
	MinStatus Status
	// Extensions builds session extensions for scopes the manager opens.
	Extensions func() []docstore.Extension
}

// Manager installs, uninstalls and describes tools in projects.
type Manager struct {
	cfg  Config
	repo *model.Repo
	log  zerolog.Logger
}

// NewManager builds a manager.
func NewManager(cfg Config) *Manager {
	if cfg.Tools == nil {
		cfg.Tools = Default()
	}
	if cfg.Artifacts == nil {
		cfg.Artifacts = artifact.NewRegistry(cfg.Store, nil)
	}
	return &Manager{cfg: cfg, repo: model.NewRepo(cfg.Store), log: obs.Component("tool")}
}

// Tools exposes the tool registry.
func (m *Manager) Tools() *Registry { return m.cfg.Tools }

// InstallRequest asks for a tool to be mounted.
type InstallRequest struct {
	ToolName   string         `json:"tool_name"`
	MountPoint string         `json:"mount_point"`
	MountLabel string         `json:"mount_label"`
	Ordinal    *int           `json:"ordinal,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
	// System installs bypass the installable and status checks.
	System bool `json:"-"`
}

// inScope runs fn inside the caller's unit of work, or inside a new one
// committed on success.
func (m *Manager) inScope(ctx context.Context, project *model.Project, fn func(ctx context.Context, st *reqctx.State) error) error {
	if st := reqctx.From(ctx); st != nil && st.Session != nil {
		if st.Project == nil {
			st.Project = project
		}
		return fn(ctx, st)
	}
	var exts []docstore.Extension
	if m.cfg.Extensions != nil {
		exts = m.cfg.Extensions()
	}
	state := &reqctx.State{Subject: reqctx.Subject(ctx), Project: project}
	sc, sctx := reqctx.Begin(ctx, m.cfg.Store, state, exts...)
	defer sc.Release(sctx)
	if err := fn(sctx, state); err != nil {
		return err
	}
	return sc.Commit(sctx)
}

func (m *Manager) instance(ctx context.Context, st *reqctx.State, project *model.Project, app *model.AppConfig) *Instance {
	inst := &Instance{Project: project, App: app, Session: st.Session, Repo: m.repo}
	if st.Neighborhood != nil && st.Neighborhood.ID == project.NeighborhoodID {
		inst.Neighborhood = st.Neighborhood
	} else if project.NeighborhoodID != "" {
		if n, err := m.repo.Neighborhood(ctx, project.NeighborhoodID); err == nil {
			inst.Neighborhood = n
		}
	}
	return inst
}

// Instance binds the tool mounted at mount to the caller's unit of work and
// makes it the scope's current tool.
func (m *Manager) Instance(ctx context.Context, project *model.Project, mount string) (Tool, *Instance, error) {
	st := reqctx.From(ctx)
	if st == nil || st.Session == nil {
		return nil, nil, reqctx.ErrNoScope
	}
	app, err := m.repo.AppConfigByMount(ctx, project.ID, mount)
	if err != nil {
		return nil, nil, err
	}
	t, ok := m.cfg.Tools.Get(app.ToolName)
	if !ok {
		return nil, nil, fmt.Errorf("tool %q at %s is not registered: %w", app.ToolName, mount, docstore.ErrNotFound)
	}
	st.App = app
	return t, m.instance(ctx, st, project, app), nil
}

// Install mounts a tool. Validation failures are *apperr.ValidationError.
// On any failure nothing the install wrote persists.
func (m *Manager) Install(ctx context.Context, project *model.Project, req InstallRequest) (*model.AppConfig, error) {
	t, ok := m.cfg.Tools.Get(req.ToolName)
	if !ok {
		return nil, apperr.Invalid("tool_name", "unknown tool %q", req.ToolName)
	}
	info := t.Info()
	if !req.System && (!info.Installable || !info.Status.AtLeast(m.cfg.MinStatus)) {
		return nil, apperr.Invalid("tool_name", "tool %q cannot be installed", req.ToolName)
	}
	mount := strings.TrimSpace(req.MountPoint)
	if mount == "" {
		mount = info.DefaultMountPoint
	}
	if err := ValidateMountPoint(mount); err != nil {
		return nil, err
	}
	var app *model.AppConfig
	err := m.inScope(ctx, project, func(ctx context.Context, st *reqctx.State) error {
		if _, err := m.repo.AppConfigByMount(ctx, project.ID, mount); err == nil {
			return apperr.Invalid("mount_point", "mount point %q is already in use", mount)
		} else if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		opts, err := m.options(ctx, project, info, req, mount)
		if err != nil {
			return err
		}
		app = &model.AppConfig{
			ID:        ids.NewOID(),
			ProjectID: project.ID,
			ToolName:  strings.ToLower(t.Name()),
			Options:   opts,
			ACL:       m.DefaultACL(ctx, project, info),
		}
		sp := st.Session.Mark()
		if err := st.Session.Insert(ctx, model.AppConfigs, app); err != nil {
			if errors.Is(err, docstore.ErrDuplicate) {
				return apperr.Invalid("mount_point", "mount point %q is already in use", mount)
			}
			return err
		}
		if err := t.Install(ctx, m.instance(ctx, st, project, app)); err != nil {
			if rbErr := st.Session.RollbackTo(ctx, sp); rbErr != nil {
				m.log.Error().Err(rbErr).Str("mount_point", mount).Msg("undo failed install")
			}
			return fmt.Errorf("install %s at %s: %w", app.ToolName, mount, err)
		}
		if err := audit.LogEvent(ctx, "tool.install", map[string]any{
			"message": fmt.Sprintf("install tool %s at %s", app.ToolName, mount),
		}); err != nil {
			return err
		}
		return m.projectUpdated(ctx, project, "install", app)
	})
	if err != nil {
		return nil, err
	}
	m.log.Info().Str("project_id", project.ID).Str("tool", app.ToolName).Str("mount_point", mount).Msg("tool installed")
	return app, nil
}

func (m *Manager) options(ctx context.Context, project *model.Project, info Info, req InstallRequest, mount string) (model.Options, error) {
	opts := model.Options{}
	for _, o := range info.ConfigOptions {
		if o.Default != nil {
			opts[o.Name] = o.Default
		}
	}
	for k, v := range req.Options {
		if err := checkOption(info, k, v); err != nil {
			return nil, err
		}
		opts[k] = v
	}
	label := strings.TrimSpace(req.MountLabel)
	if label == "" {
		label = info.DefaultMountLabel
	}
	ordinal := 0
	if req.Ordinal != nil {
		ordinal = *req.Ordinal
	} else {
		apps, err := m.repo.AppConfigsOf(ctx, project.ID)
		if err != nil {
			return nil, err
		}
		ordinal = len(apps)
	}
	opts["mount_point"] = mount
	opts["mount_label"] = label
	opts["ordinal"] = ordinal
	return opts, nil
}

func checkOption(info Info, name string, v any) error {
	switch name {
	case "mount_point", "mount_label", "ordinal":
		return nil
	}
	for _, o := range info.ConfigOptions {
		if o.Name != name {
			continue
		}
		ok := true
		switch o.Type {
		case "int":
			switch v.(type) {
			case int, int64, float64:
			default:
				ok = false
			}
		case "bool":
			_, ok = v.(bool)
		case "str", "":
			_, ok = v.(string)
		}
		if !ok {
			return apperr.Invalid(name, "option %q must be of type %s", name, o.Type)
		}
		return nil
	}
	return apperr.Invalid(name, "unknown option %q", name)
}

// DefaultACL grants read to anonymous users, the write family to
// developers and admin to admins, using the project's named roles.
func (m *Manager) DefaultACL(ctx context.Context, project *model.Project, info Info) security.ACL {
	root, err := m.repo.RootProject(ctx, project)
	if err != nil {
		root = project
	}
	roleID := func(name string) string {
		r, err := m.repo.RoleByName(ctx, root.ID, name)
		if err != nil {
			return ""
		}
		return r.ID
	}
	admin, dev := roleID(model.RoleAdmin), roleID(model.RoleDeveloper)
	var acl security.ACL
	for _, perm := range info.Permissions {
		switch {
		case perm == security.PermRead:
			acl = append(acl, security.AllowACE(security.Anonymous, perm))
		case perm == security.PermAdmin || perm == security.PermConfigure:
			if admin != "" {
				acl = append(acl, security.AllowACE(admin, perm))
			}
		default:
			if dev != "" {
				acl = append(acl, security.AllowACE(dev, perm))
			}
		}
	}
	return acl
}

func (m *Manager) projectUpdated(ctx context.Context, project *model.Project, action string, app *model.AppConfig) error {
	if m.cfg.Publisher == nil {
		return nil
	}
	return m.cfg.Publisher.React(ctx, bus.KeyProjectUpdated, ProjectUpdated{
		ProjectID:  project.ID,
		Action:     action,
		ToolName:   app.ToolName,
		MountPoint: app.Options.MountPoint(),
	})
}

// Uninstall removes a mounted tool, its artifacts and derived indices.
func (m *Manager) Uninstall(ctx context.Context, project *model.Project, mount string) error {
	return m.inScope(ctx, project, func(ctx context.Context, st *reqctx.State) error {
		app, err := m.repo.AppConfigByMount(ctx, project.ID, mount)
		if err != nil {
			return err
		}
		inst := m.instance(ctx, st, project, app)
		var collections []string
		if t, ok := m.cfg.Tools.Get(app.ToolName); ok {
			if err := t.Uninstall(ctx, inst); err != nil {
				return fmt.Errorf("uninstall %s at %s: %w", app.ToolName, mount, err)
			}
			collections = t.Info().Collections
		} else {
			m.log.Warn().Str("tool", app.ToolName).Msg("uninstalling unregistered tool")
		}
		var removed []string
		for _, coll := range collections {
			var docs []rawDoc
			if err := m.cfg.Store.Find(ctx, coll, docstore.Filter{"app_config_id": app.ID}, &docs); err != nil {
				return err
			}
			for _, d := range docs {
				if err := st.Session.Remove(ctx, coll, d); err != nil && !errors.Is(err, docstore.ErrNotFound) {
					return err
				}
				removed = append(removed, d.DocID())
			}
		}
		if len(removed) > 0 && m.cfg.Publisher != nil {
			if err := m.cfg.Publisher.Audit(ctx, artifact.KeyDelArtifacts, artifact.Task{ArtifactIDs: removed}); err != nil {
				return err
			}
		}
		if err := st.Session.Remove(ctx, model.AppConfigs, app); err != nil {
			return err
		}
		if err := audit.LogEvent(ctx, "tool.uninstall", map[string]any{
			"message": fmt.Sprintf("uninstall tool %s at %s", app.ToolName, mount),
		}); err != nil {
			return err
		}
		if err := m.projectUpdated(ctx, project, "uninstall", app); err != nil {
			return err
		}
		// Derived indices are not tracked by the session; drop them only once
		// the removals above are committed.
		return reqctx.Defer(ctx, func(ctx context.Context) error {
			_, err := m.cfg.Artifacts.PruneApp(ctx, app.ID)
			return err
		})
	})
}

// Mounted is a tool installation with its tool implementation.
type Mounted struct {
	Tool Tool
	Inst *Instance
}

// Mounted lists the project's tools by ordinal. Tools the caller cannot
// read are skipped when the manager has a resolver.
func (m *Manager) Mounted(ctx context.Context, project *model.Project) ([]Mounted, error) {
	apps, err := m.repo.AppConfigsOf(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(apps, func(i, j int) bool { return apps[i].Options.Ordinal() < apps[j].Options.Ordinal() })
	st := reqctx.From(ctx)
	if st == nil {
		st = &reqctx.State{}
	}
	var out []Mounted
	for i := range apps {
		t, ok := m.cfg.Tools.Get(apps[i].ToolName)
		if !ok {
			continue
		}
		if m.cfg.Resolver != nil {
			chain, err := m.repo.AppChain(ctx, &apps[i])
			if err != nil || !m.cfg.Resolver.HasAccess(ctx, chain, security.PermRead, st.Subject) {
				continue
			}
		}
		out = append(out, Mounted{Tool: t, Inst: m.instance(ctx, st, project, &apps[i])})
	}
	return out, nil
}

// Sitemap builds the project navigation from every readable tool.
func (m *Manager) Sitemap(ctx context.Context, project *model.Project) ([]SitemapEntry, error) {
	mounted, err := m.Mounted(ctx, project)
	if err != nil {
		return nil, err
	}
	var out []SitemapEntry
	for _, mt := range mounted {
		out = append(out, mt.Tool.Sitemap(ctx, mt.Inst)...)
	}
	return out, nil
}

// Menus is the navigation of one mounted tool.
type Menus struct {
	Sitemap []SitemapEntry `json:"sitemap"`
	Sidebar []SitemapEntry `json:"sidebar"`
	Admin   []SitemapEntry `json:"admin,omitempty"`
}

// ToolMenus returns the navigation of the tool at mount. Admin entries are
// included only for callers holding admin on the tool.
func (m *Manager) ToolMenus(ctx context.Context, project *model.Project, mount string) (*Menus, error) {
	app, err := m.repo.AppConfigByMount(ctx, project.ID, mount)
	if err != nil {
		return nil, err
	}
	t, ok := m.cfg.Tools.Get(app.ToolName)
	if !ok {
		return nil, fmt.Errorf("%w: tool %q", apperr.ErrNotFound, app.ToolName)
	}
	st := reqctx.From(ctx)
	if st == nil {
		st = &reqctx.State{}
	}
	inst := m.instance(ctx, st, project, app)
	menus := &Menus{Sitemap: t.Sitemap(ctx, inst), Sidebar: t.SidebarMenu(ctx, inst)}
	if m.cfg.Resolver != nil {
		chain, err := m.repo.AppChain(ctx, app)
		if err == nil && m.cfg.Resolver.HasAccess(ctx, chain, security.PermAdmin, st.Subject) {
			menus.Admin = t.AdminMenu(ctx, inst)
		}
	}
	return menus, nil
}

// HandleMail passes an inbound message to the tool at mount.
func (m *Manager) HandleMail(ctx context.Context, project *model.Project, mount, topic string, body []byte) error {
	app, err := m.repo.AppConfigByMount(ctx, project.ID, mount)
	if err != nil {
		return err
	}
	t, ok := m.cfg.Tools.Get(app.ToolName)
	if !ok {
		return fmt.Errorf("%w: tool %q", apperr.ErrNotFound, app.ToolName)
	}
	h, ok := t.(MailHandler)
	if !ok {
		return apperr.Invalid("", "tool %q does not accept email", app.ToolName)
	}
	return m.inScope(ctx, project, func(ctx context.Context, st *reqctx.State) error {
		return h.HandleMessage(ctx, m.instance(ctx, st, project, app), topic, body)
	})
}
