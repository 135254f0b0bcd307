// Package httpapi exposes the forge over JSON/HTTP: accounts, projects,
// tool administration, webhooks and a live event stream.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"allura.org/internal/apperr"
	"allura.org/internal/artifact"
	"allura.org/internal/auth"
	"allura.org/internal/docstore"
	"allura.org/internal/importer"
	"allura.org/internal/mfa"
	"allura.org/internal/model"
	"allura.org/internal/notify"
	"allura.org/internal/obs"
	"allura.org/internal/project"
	"allura.org/internal/reqctx"
	"allura.org/internal/security"
	"allura.org/internal/stream"
	"allura.org/internal/tool"
	"allura.org/internal/webhook"
)

// Config wires the API to the forge services. Nil optional services
// disable their endpoints.
type Config struct {
	Version    string
	Store      docstore.Store
	Tools      *tool.Manager
	Projects   *project.Service
	Artifacts  *artifact.Registry
	Resolver   *security.Resolver
	Auth       *auth.Service
	MFA        *mfa.Service
	Webhooks   *webhook.Service
	Importer   *importer.Service
	Notify     *notify.Service
	Stream     *stream.Stream
	Extensions func() []docstore.Extension

	// NeighborhoodPrefix selects the neighborhood served under /v1/p/.
	NeighborhoodPrefix string
	RateBurst          int
	RatePerSecond      int
	MaxBodyBytes       int64
}

// API is the HTTP layer over the forge services.
type API struct {
	cfg  Config
	repo *model.Repo
	mux  *http.ServeMux
}

// New builds the API and registers its routes.
func New(cfg Config) *API {
	if cfg.NeighborhoodPrefix == "" {
		cfg.NeighborhoodPrefix = "/p/"
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	a := &API{cfg: cfg, repo: model.NewRepo(cfg.Store), mux: http.NewServeMux()}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.authRoutes()
	a.projectRoutes()
	a.webhookRoutes()
	a.mux.HandleFunc("GET /v1/events", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	return a
}

// Handler returns the full middleware stack around the router.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	h = MaxBodyBytes(h, a.cfg.MaxBodyBytes)
	h = RateLimit(h, a.cfg.RateBurst, a.cfg.RatePerSecond)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "allura-web",
		"version": a.cfg.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.cfg.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	var tools []string
	if a.cfg.Tools != nil {
		for _, t := range a.cfg.Tools.Tools().All() {
			tools = append(tools, t.Name())
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "allura-web",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.cfg.Version,
		"tools":   tools,
	})
}

// scopedFunc handles a request inside a unit of work. The returned value
// is written as JSON with the returned status once the scope commits.
type scopedFunc func(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error)

// scoped runs fn in a request scope bound to the caller, the served
// neighborhood and the {project} path value when present. Nothing fn
// wrote or published survives an error.
func (a *API) scoped(fn scopedFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := a.repo.NeighborhoodByPrefix(r.Context(), a.cfg.NeighborhoodPrefix)
		if err != nil {
			fail(w, r, fmt.Errorf("neighborhood %s: %w", a.cfg.NeighborhoodPrefix, err))
			return
		}
		state := &reqctx.State{Subject: subject(r.Context()), Neighborhood: n}
		var exts []docstore.Extension
		if a.cfg.Extensions != nil {
			exts = a.cfg.Extensions()
		}
		sc, ctx := reqctx.Begin(r.Context(), a.cfg.Store, state, exts...)
		defer sc.Release(ctx)

		if name := r.PathValue("project"); name != "" {
			p, err := a.loadProject(ctx, state, name)
			if err != nil {
				fail(w, r, err)
				return
			}
			state.Project = p
		}
		code, body, err := fn(ctx, r, state)
		if err != nil {
			fail(w, r, err)
			return
		}
		if err := sc.Commit(ctx); err != nil {
			fail(w, r, err)
			return
		}
		writeJSON(w, code, body)
	}
}

// loadProject finds a project of the served neighborhood. Deleted
// projects are visible to their admins only.
func (a *API) loadProject(ctx context.Context, st *reqctx.State, shortname string) (*model.Project, error) {
	p, err := a.repo.ProjectByShortname(ctx, st.Neighborhood.ID, shortname)
	if err != nil {
		return nil, err
	}
	if p.Deleted && a.check(ctx, p, "", security.PermAdmin) != nil {
		return nil, fmt.Errorf("project %s: %w", shortname, apperr.ErrNotFound)
	}
	return p, nil
}

// check fails unless the caller holds perm on p, or on the tool at mount
// when mount is set. Anonymous callers get ErrUnauthorized.
func (a *API) check(ctx context.Context, p *model.Project, mount, perm string) error {
	var chain security.Chain
	var err error
	if mount != "" {
		var app *model.AppConfig
		if app, err = a.repo.AppConfigByMount(ctx, p.ID, mount); err != nil {
			return err
		}
		chain, err = a.repo.AppChain(ctx, app)
	} else {
		chain, err = a.repo.ProjectChain(ctx, p)
	}
	if err != nil {
		return err
	}
	sub := reqctx.Subject(ctx)
	if a.cfg.Resolver.HasAccess(ctx, chain, perm, sub) {
		return nil
	}
	if sub.IsAnonymous() {
		return apperr.ErrUnauthorized
	}
	return fmt.Errorf("%s: %w", perm, apperr.ErrForbidden)
}

func subject(ctx context.Context) security.Subject {
	if u, ok := auth.UserFromContext(ctx); ok {
		return security.Subject{UserID: u.ID}
	}
	return security.Subject{}
}

func currentUser(ctx context.Context) (*model.User, error) {
	u, ok := auth.UserFromContext(ctx)
	if !ok {
		return nil, apperr.ErrUnauthorized
	}
	return u, nil
}

var errDisabled = errors.New("endpoint disabled")

func disabled(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotImplemented, errDisabled.Error())
}
