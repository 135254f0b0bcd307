package httpapi

import (
	"context"
	"net/http"

	"allura.org/internal/model"
	"allura.org/internal/reqctx"
	"allura.org/internal/security"
	"allura.org/internal/webhook"
)

type webhookRequest struct {
	Type    string `json:"type"`
	HookURL string `json:"url"`
	Secret  string `json:"secret"`
}

type webhookView struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	HookURL string `json:"url"`
	Secret  string `json:"secret"`
	Mount   string `json:"mount_point,omitempty"`
}

func viewHook(h *webhook.Webhook, mount string) webhookView {
	return webhookView{ID: h.ID, Type: h.Type, HookURL: h.HookURL, Secret: h.Secret, Mount: mount}
}

func (a *API) webhookRoutes() {
	if a.cfg.Webhooks == nil {
		a.mux.HandleFunc("/v1/webhooks/", disabled)
		return
	}
	a.mux.HandleFunc("GET /v1/p/{project}/{mount}/webhooks", a.scoped(a.listWebhooks))
	a.mux.HandleFunc("POST /v1/p/{project}/{mount}/webhooks", a.scoped(a.createWebhook))
	a.mux.HandleFunc("GET /v1/webhooks/{id}", a.scoped(a.getWebhook))
	a.mux.HandleFunc("PUT /v1/webhooks/{id}", a.scoped(a.updateWebhook))
	a.mux.HandleFunc("DELETE /v1/webhooks/{id}", a.scoped(a.deleteWebhook))
	a.mux.HandleFunc("POST /v1/webhooks/{id}/test", a.scoped(a.testWebhook))
}

// toolAdmin loads the tool at mount and checks the caller administers it.
func (a *API) toolAdmin(ctx context.Context, st *reqctx.State, mount string) (*model.AppConfig, error) {
	if err := a.check(ctx, st.Project, mount, security.PermAdmin); err != nil {
		return nil, err
	}
	app, err := a.repo.AppConfigByMount(ctx, st.Project.ID, mount)
	if err != nil {
		return nil, err
	}
	st.App = app
	return app, nil
}

// hookAdmin loads a subscription and checks the caller administers the
// tool it belongs to.
func (a *API) hookAdmin(ctx context.Context, r *http.Request, st *reqctx.State) (*webhook.Webhook, *model.AppConfig, error) {
	hook, err := a.cfg.Webhooks.Get(ctx, r.PathValue("id"))
	if err != nil {
		return nil, nil, err
	}
	app, err := a.repo.AppConfig(ctx, hook.AppConfigID)
	if err != nil {
		return nil, nil, err
	}
	p, err := a.repo.Project(ctx, app.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	st.Project = p
	if _, err := a.toolAdmin(ctx, st, app.Options.MountPoint()); err != nil {
		return nil, nil, err
	}
	return hook, app, nil
}

func (a *API) listWebhooks(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	app, err := a.toolAdmin(ctx, st, r.PathValue("mount"))
	if err != nil {
		return 0, nil, err
	}
	hooks, err := a.cfg.Webhooks.List(ctx, app.ID)
	if err != nil {
		return 0, nil, err
	}
	out := make([]webhookView, 0, len(hooks))
	for i := range hooks {
		out = append(out, viewHook(&hooks[i], app.Options.MountPoint()))
	}
	var types []string
	for _, snd := range a.cfg.Webhooks.SendersFor(app.ToolName) {
		types = append(types, snd.Type())
	}
	return http.StatusOK, map[string]any{"webhooks": out, "types": types}, nil
}

func (a *API) createWebhook(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	app, err := a.toolAdmin(ctx, st, r.PathValue("mount"))
	if err != nil {
		return 0, nil, err
	}
	var req webhookRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	hook, err := a.cfg.Webhooks.Create(ctx, app, req.Type, req.HookURL, req.Secret)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, viewHook(hook, app.Options.MountPoint()), nil
}

func (a *API) getWebhook(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	hook, app, err := a.hookAdmin(ctx, r, st)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, viewHook(hook, app.Options.MountPoint()), nil
}

func (a *API) updateWebhook(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	hook, app, err := a.hookAdmin(ctx, r, st)
	if err != nil {
		return 0, nil, err
	}
	var req webhookRequest
	if err := decodeJSON(r, &req); err != nil {
		return 0, nil, err
	}
	if hook, err = a.cfg.Webhooks.Update(ctx, hook.ID, req.HookURL, req.Secret); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, viewHook(hook, app.Options.MountPoint()), nil
}

func (a *API) deleteWebhook(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	hook, _, err := a.hookAdmin(ctx, r, st)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, a.cfg.Webhooks.Delete(ctx, hook.ID)
}

// testWebhook makes one synchronous delivery of the request body, or of
// a ping payload when the body is empty.
func (a *API) testWebhook(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
	hook, _, err := a.hookAdmin(ctx, r, st)
	if err != nil {
		return 0, nil, err
	}
	payload := map[string]any{"ping": true, "webhook_id": hook.ID}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &payload); err != nil {
			return 0, nil, err
		}
	}
	if err := a.cfg.Webhooks.Test(ctx, hook.ID, payload); err != nil {
		return http.StatusOK, map[string]any{"delivered": false, "error": err.Error()}, nil
	}
	return http.StatusOK, map[string]any{"delivered": true}, nil
}
