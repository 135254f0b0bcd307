package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"allura.org/internal/apperr"
	"allura.org/internal/importer"
	"allura.org/internal/model"
	"allura.org/internal/project"
	"allura.org/internal/reqctx"
	"allura.org/internal/security"
	"allura.org/internal/tool"
)

type projectView struct {
	ID        string            `json:"id"`
	Shortname string            `json:"shortname"`
	Name      string            `json:"name"`
	Summary   string            `json:"summary,omitempty"`
	URL       string            `json:"url"`
	Labels    []string          `json:"labels,omitempty"`
	Deleted   bool              `json:"deleted,omitempty"`
	Tools     []mountedToolView `json:"tools,omitempty"`
}

type mountedToolView struct {
	ToolName   string `json:"tool_name"`
	MountPoint string `json:"mount_point"`
	MountLabel string `json:"mount_label,omitempty"`
	URL        string `json:"url"`
}

func viewProject(p *model.Project, n *model.Neighborhood) projectView {
	return projectView{
		ID: p.ID, Shortname: p.Shortname, Name: p.Name, Summary: p.Summary,
		URL: p.URL(n), Labels: p.Labels, Deleted: p.Deleted,
	}
}

type subprojectRequest struct {
	Shortname string `json:"shortname"`
	Name      string `json:"name"`
}

type memberRequest struct {
	Role string `json:"role"`
}

type accessView struct {
	Permission string `json:"permission"`
	Mount      string `json:"mount_point,omitempty"`
	Allowed    bool   `json:"allowed"`
}

func (a *API) projectRoutes() {
	if a.cfg.Projects == nil || a.cfg.Tools == nil {
		a.mux.HandleFunc("/v1/projects", disabled)
		a.mux.HandleFunc("/v1/p/", disabled)
		return
	}
	a.mux.HandleFunc("POST /v1/projects", a.scoped(a.registerProject))
	a.mux.HandleFunc("GET /v1/p/{project}", a.scoped(a.getProject))
	a.mux.HandleFunc("DELETE /v1/p/{project}", a.scoped(a.deleteProject))
	a.mux.HandleFunc("POST /v1/p/{project}/restore", a.scoped(a.restoreProject))
	a.mux.HandleFunc("POST /v1/p/{project}/purge", a.scoped(a.purgeProject))
	a.mux.HandleFunc("POST /v1/p/{project}/subprojects", a.scoped(a.createSubproject))

	a.mux.HandleFunc("GET /v1/p/{project}/members", a.scoped(a.listMembers))
	a.mux.HandleFunc("PUT /v1/p/{project}/members/{user}", a.scoped(a.addMember))
	a.mux.HandleFunc("DELETE /v1/p/{project}/members/{user}/{role}", a.scoped(a.removeMember))

	a.mux.HandleFunc("GET /v1/p/{project}/sitemap", a.scoped(a.sitemap))
	a.mux.HandleFunc("GET /v1/p/{project}/access", a.scoped(a.access))
	a.mux.HandleFunc("GET /v1/p/{project}/{mount}/menus", a.scoped(a.toolMenus))

	a.mux.HandleFunc("POST /v1/p/{project}/admin/install", a.scoped(a.installTool))
	a.mux.HandleFunc("DELETE /v1/p/{project}/admin/{mount}", a.scoped(a.uninstallTool))
	a.mux.HandleFunc("PUT /v1/p/{project}/admin/{mount}/options", a.scoped(a.updateOptions))
	a.mux.HandleFunc("PUT /v1/p/{project}/admin/{mount}/permissions/{perm}", a.scoped(a.setPermission))
	a.mux.HandleFunc("POST /v1/p/{project}/admin/import", a.scoped(a.importProject))

	a.mux.HandleFunc("GET /v1/shortlink", a.scoped(a.resolveShortlink))
	if a.cfg.Notify != nil {
		a.mux.HandleFunc("PUT /v1/p/{project}/tools/{mount}/subscription", a.scoped(a.subscribe))
		a.mux.HandleFunc("DELETE /v1/p/{project}/tools/{mount}/subscription", a.scoped(a.unsubscribe))
		a.mux.HandleFunc("GET /v1/notifications", a.scoped(a.notifications))
	}
}

func (a *API) registerProject(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	var req project.Request
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	p, err := a.cfg.Projects.Register(ctx, st.Neighborhood, req)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, viewProject(p, st.Neighborhood), nil
}

func (a *API) getProject(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	if err := a.check(ctx, st.Project, "", security.PermRead); err != nil {
		return 0, nil, err
	}
	view := viewProject(st.Project, st.Neighborhood)
	mounted, err := a.cfg.Tools.Mounted(ctx, st.Project)
	if err != nil {
		return 0, nil, err
	}
	for _, m := range mounted {
		view.Tools = append(view.Tools, mountedToolView{
			ToolName:   m.Inst.App.ToolName,
			MountPoint: m.Inst.App.Options.MountPoint(),
			MountLabel: m.Inst.App.Options.MountLabel(),
			URL:        m.Inst.URL(),
		})
	}
	return http.StatusOK, view, nil
}

func (a *API) deleteProject(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	return http.StatusNoContent, nil, a.cfg.Projects.Delete(ctx, st.Project)
}

func (a *API) restoreProject(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	if err := a.cfg.Projects.Restore(ctx, st.Project); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, viewProject(st.Project, st.Neighborhood), nil
}

func (a *API) purgeProject(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	return http.StatusNoContent, nil, a.cfg.Projects.Purge(ctx, st.Project)
}

func (a *API) createSubproject(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	var req subprojectRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	sub, err := a.cfg.Projects.NewSubproject(ctx, st.Project, req.Shortname, req.Name)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, viewProject(sub, st.Neighborhood), nil
}

func (a *API) listMembers(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	if err := a.check(ctx, st.Project, "", security.PermRead); err != nil {
		return 0, nil, err
	}
	members, err := a.cfg.Projects.Members(ctx, st.Project)
	if err != nil {
		return 0, nil, err
	}
	if members == nil {
		members = []project.Member{}
	}
	return http.StatusOK, map[string]any{"members": members}, nil
}

func (a *API) addMember(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	userID, err := a.userID(ctx, r.PathValue("user"))
	if err != nil {
		return 0, nil, err
	}
	if err := a.cfg.Projects.AddUser(ctx, st.Project, userID, req.Role); err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, nil
}

func (a *API) removeMember(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	userID, err := a.userID(ctx, r.PathValue("user"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, a.cfg.Projects.RemoveUser(ctx, st.Project, userID, r.PathValue("role"))
}

// userID accepts a username or a user id.
func (a *API) userID(ctx context.Context, ref string) (string, error) {
	if u, err := a.repo.UserByUsername(ctx, strings.ToLower(ref)); err == nil {
		return u.ID, nil
	}
	u, err := a.repo.User(ctx, ref)
	if err != nil {
		return "", apperr.Invalid("user", "unknown user %q", ref)
	}
	return u.ID, nil
}

func (a *API) sitemap(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	if err := a.check(ctx, st.Project, "", security.PermRead); err != nil {
		return 0, nil, err
	}
	entries, err := a.cfg.Tools.Sitemap(ctx, st.Project)
	if err != nil {
		return 0, nil, err
	}
	if entries == nil {
		entries = []tool.SitemapEntry{}
	}
	return http.StatusOK, map[string]any{"sitemap": entries}, nil
}

func (a *API) toolMenus(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	mount := r.PathValue("mount")
	if err := a.check(ctx, st.Project, mount, security.PermRead); err != nil {
		return 0, nil, err
	}
	menus, err := a.cfg.Tools.ToolMenus(ctx, st.Project, mount)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, menus, nil
}

// access answers whether the caller holds ?perm= on the project or on the
// tool named by ?mount=.
func (a *API) access(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	q := r.URL.Query()
	perm := strings.TrimSpace(q.Get("perm"))
	if perm == "" {
		perm = security.PermRead
	}
	mount := strings.TrimSpace(q.Get("mount"))
	err := a.check(ctx, st.Project, mount, perm)
	if err != nil && !errors.Is(err, apperr.ErrForbidden) && !errors.Is(err, apperr.ErrUnauthorized) {
		return 0, nil, err
	}
	return http.StatusOK, accessView{Permission: perm, Mount: mount, Allowed: err == nil}, nil
}

func (a *API) installTool(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	if err := a.check(ctx, st.Project, "", security.PermAdmin); err != nil {
		return 0, nil, err
	}
	var req tool.InstallRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	app, err := a.cfg.Tools.Install(ctx, st.Project, req)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, mountedToolView{
		ToolName:   app.ToolName,
		MountPoint: app.Options.MountPoint(),
		MountLabel: app.Options.MountLabel(),
		URL:        app.URL(st.Project, st.Neighborhood),
	}, nil
}

func (a *API) uninstallTool(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	if err := a.check(ctx, st.Project, "", security.PermAdmin); err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, a.cfg.Tools.Uninstall(ctx, st.Project, r.PathValue("mount"))
}

func (a *API) updateOptions(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	mount := r.PathValue("mount")
	if err := a.check(ctx, st.Project, mount, security.PermConfigure); err != nil {
		return 0, nil, err
	}
	var changes map[string]any
	if err := decodeJSON(r, &changes); err != nil {
		return 0, nil, err
	}
	app, err := a.cfg.Tools.UpdateOptions(ctx, st.Project, mount, changes)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"options": app.Options}, nil
}

func (a *API) setPermission(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	mount := r.PathValue("mount")
	if err := a.check(ctx, st.Project, mount, security.PermAdmin); err != nil {
		return 0, nil, err
	}
	var req struct {
		Roles []string `json:"roles"`
	}
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	app, err := a.cfg.Tools.SetPermission(ctx, st.Project, mount, r.PathValue("perm"), req.Roles)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"acl": app.ACL}, nil
}

func (a *API) importProject(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	if a.cfg.Importer == nil {
		return 0, nil, apperr.Invalid("importer", "imports are not enabled")
	}
	if err := a.check(ctx, st.Project, "", security.PermAdmin); err != nil {
		return 0, nil, err
	}
	var req importer.Request
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	if err := a.cfg.Importer.Enqueue(ctx, req); err != nil {
		return 0, nil, err
	}
	return http.StatusAccepted, map[string]any{"status": "queued"}, nil
}

// resolveShortlink resolves ?text= as written inside ?project= and the
// tool at ?mount=, and reports where it points when the caller may read it.
func (a *API) resolveShortlink(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	q := r.URL.Query()
	p, err := a.loadProject(ctx, st, q.Get("project"))
	if err != nil {
		return 0, nil, err
	}
	var appID string
	if mount := q.Get("mount"); mount != "" {
		app, err := a.repo.AppConfigByMount(ctx, p.ID, mount)
		if err != nil {
			return 0, nil, err
		}
		appID = app.ID
	}
	link, err := a.cfg.Artifacts.Resolve(ctx, p.ID, appID, q.Get("text"))
	if err != nil {
		return 0, nil, err
	}
	target := p
	if link.ProjectID != p.ID {
		if target, err = a.repo.Project(ctx, link.ProjectID); err != nil {
			return 0, nil, err
		}
	}
	if err := a.check(ctx, target, link.MountPoint, security.PermRead); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{
		"artifact_id": link.RefID,
		"project":     target.Shortname,
		"mount_point": link.MountPoint,
		"link":        link.Link,
		"url":         target.URL(st.Neighborhood) + link.MountPoint + "/",
	}, nil
}

type subscriptionRequest struct {
	ArtifactID string `json:"artifact_id"`
	Type       string `json:"type"`
}

func (a *API) subscribe(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	u, err := currentUser(ctx)
	if err != nil {
		return 0, nil, err
	}
	mount := r.PathValue("mount")
	if err := a.check(ctx, st.Project, mount, security.PermRead); err != nil {
		return 0, nil, err
	}
	var req subscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	app, err := a.repo.AppConfigByMount(ctx, st.Project.ID, mount)
	if err != nil {
		return 0, nil, err
	}
	if req.Type == "" {
		req.Type = model.DeliverDirect
	}
	mb, err := a.cfg.Notify.Subscribe(ctx, u.ID, app, req.ArtifactID, req.Type)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, mb, nil
}

func (a *API) unsubscribe(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	u, err := currentUser(ctx)
	if err != nil {
		return 0, nil, err
	}
	app, err := a.repo.AppConfigByMount(ctx, st.Project.ID, r.PathValue("mount"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, a.cfg.Notify.Unsubscribe(ctx, u.ID, app.ID, r.URL.Query().Get("artifact_id"))
}

func (a *API) notifications(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	u, err := currentUser(ctx)
	if err != nil {
		return 0, nil, err
	}
	ns, err := a.cfg.Notify.Drain(ctx, u.ID)
	if err != nil {
		return 0, nil, err
	}
	if ns == nil {
		ns = []model.Notification{}
	}
	return http.StatusOK, map[string]any{"notifications": ns}, nil
}
