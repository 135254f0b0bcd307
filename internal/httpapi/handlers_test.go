package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"allura.org/internal/apperr"
	"allura.org/internal/auth"
	"allura.org/internal/bus"
	"allura.org/internal/forgetest"
	"allura.org/internal/model"
	"allura.org/internal/project"
	"allura.org/internal/reqctx"
	"allura.org/internal/stream"
	"allura.org/internal/tool"
	"allura.org/internal/tools/wiki"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	api     *API
	forge   *forgetest.Forge
	tokens  *auth.Tokens
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()
	f := forgetest.New(t, wiki.New())
	tokens, err := auth.NewTokens("test-secret", time.Hour, nil)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	for id, name := range map[string]string{forgetest.AdminUser: "admin", forgetest.DevUser: "dev"} {
		u := &model.User{ID: id, Username: name}
		if err := f.Store.Insert(f.Ctx, model.Users, u.ID, u); err != nil {
			t.Fatalf("insert user: %v", err)
		}
	}
	api := New(Config{
		Version:   "test",
		Store:     f.Store,
		Tools:     f.Manager,
		Artifacts: f.Artifacts,
		Resolver:  f.Resolver,
		Projects: project.NewService(project.Config{
			Store: f.Store, Tools: f.Manager, Resolver: f.Resolver, Publisher: f.Pub, Extensions: f.Extensions,
		}),
		Auth:          auth.NewService(f.Store, tokens, nil, nil),
		Stream:        stream.New(),
		Extensions:    f.Extensions,
		RateBurst:     1000,
		RatePerSecond: 1000,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t, api: api, forge: f, tokens: tokens}
}

func (c *apiClient) bearer(userID string) map[string]string {
	c.t.Helper()
	token, _, err := c.tokens.Issue(userID, false)
	if err != nil {
		c.t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, r *http.Response, want int) {
	t.Helper()
	if r.StatusCode != want {
		var body bytes.Buffer
		_, _ = body.ReadFrom(r.Body)
		r.Body.Close()
		t.Fatalf("expected %d, got %d: %s", want, r.StatusCode, body.String())
	}
}

func TestHealthAndReady(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/healthz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
	health := decode[map[string]any](t, resp)
	if health["version"] != "test" {
		t.Fatalf("unexpected health body %v", health)
	}
	expectStatus(t, c.get("/readyz", nil, nil), http.StatusOK)
	expectStatus(t, c.get("/nowhere", nil, nil), http.StatusNotFound)
}

func TestRegisterLoginAndMe(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodPost, "/v1/auth/register", map[string]string{
		"username": "maria", "password": "correct horse", "email": "maria@example.com",
	}, nil)
	expectStatus(t, resp, http.StatusCreated)
	created := decode[userView](t, resp)
	if created.Username != "maria" || created.ID == "" {
		t.Fatalf("unexpected user %+v", created)
	}

	resp = c.do(http.MethodPost, "/v1/auth/register", map[string]string{"username": "maria", "password": "correct horse"}, nil)
	expectStatus(t, resp, http.StatusBadRequest)

	resp = c.do(http.MethodPost, "/v1/auth/login", map[string]string{"username": "maria", "password": "nope"}, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate on 401")
	}

	resp = c.do(http.MethodPost, "/v1/auth/login", map[string]string{"username": "maria", "password": "correct horse"}, nil)
	expectStatus(t, resp, http.StatusOK)
	sess := decode[auth.Session](t, resp)
	if sess.Token == "" || sess.MFARequired {
		t.Fatalf("unexpected session %+v", sess)
	}

	resp = c.get("/v1/auth/me", nil, map[string]string{"Authorization": "Bearer " + sess.Token})
	expectStatus(t, resp, http.StatusOK)
	if me := decode[userView](t, resp); me.ID != created.ID {
		t.Fatalf("me returned %+v", me)
	}

	expectStatus(t, c.get("/v1/auth/me", nil, nil), http.StatusUnauthorized)
	expectStatus(t, c.get("/v1/auth/me", nil, map[string]string{"Authorization": "Bearer garbage"}), http.StatusUnauthorized)
	expectStatus(t, c.get("/v1/auth/me", nil, map[string]string{"Authorization": "Basic abc"}), http.StatusUnauthorized)
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	admin := c.bearer(forgetest.AdminUser)

	expectStatus(t, c.do(http.MethodPost, "/v1/projects", map[string]string{"shortname": "demo", "name": "Demo"}, nil), http.StatusUnauthorized)

	resp := c.do(http.MethodPost, "/v1/projects", map[string]string{"shortname": "demo", "name": "Demo"}, admin)
	expectStatus(t, resp, http.StatusCreated)
	created := decode[projectView](t, resp)
	if created.Shortname != "demo" || created.URL != "/p/demo/" {
		t.Fatalf("unexpected project %+v", created)
	}

	resp = c.do(http.MethodPost, "/v1/projects", map[string]string{"shortname": "demo", "name": "Again"}, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	if body := decode[map[string]any](t, resp); body["field"] != "shortname" {
		t.Fatalf("expected shortname field error, got %v", body)
	}

	resp = c.get("/v1/p/demo/members", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	members := decode[map[string][]project.Member](t, resp)["members"]
	if len(members) != 1 || members[0].UserID != forgetest.AdminUser {
		t.Fatalf("unexpected members %+v", members)
	}

	expectStatus(t, c.do(http.MethodPut, "/v1/p/demo/members/dev", map[string]string{"role": model.RoleDeveloper}, admin), http.StatusNoContent)
	expectStatus(t, c.do(http.MethodDelete, "/v1/p/demo/members/admin/Admin", nil, admin), http.StatusBadRequest)

	expectStatus(t, c.do(http.MethodDelete, "/v1/p/demo", nil, c.bearer(forgetest.DevUser)), http.StatusForbidden)
	expectStatus(t, c.do(http.MethodDelete, "/v1/p/demo", nil, admin), http.StatusNoContent)
	expectStatus(t, c.get("/v1/p/demo", nil, nil), http.StatusNotFound)

	resp = c.get("/v1/p/demo", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	if !decode[projectView](t, resp).Deleted {
		t.Fatalf("admins see deleted projects as deleted")
	}
	expectStatus(t, c.do(http.MethodPost, "/v1/p/demo/restore", nil, admin), http.StatusOK)
	expectStatus(t, c.get("/v1/p/demo", nil, nil), http.StatusOK)
}

func TestInstallToolOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	install := map[string]any{"tool_name": "wiki", "mount_point": "docs", "mount_label": "Docs"}

	expectStatus(t, c.do(http.MethodPost, "/v1/p/test/admin/install", install, nil), http.StatusUnauthorized)
	expectStatus(t, c.do(http.MethodPost, "/v1/p/test/admin/install", install, c.bearer(forgetest.DevUser)), http.StatusForbidden)

	admin := c.bearer(forgetest.AdminUser)
	resp := c.do(http.MethodPost, "/v1/p/test/admin/install", install, admin)
	expectStatus(t, resp, http.StatusCreated)
	if got := decode[mountedToolView](t, resp); got.URL != "/p/test/docs/" {
		t.Fatalf("unexpected install result %+v", got)
	}
	if sent := c.forge.Sent(bus.React); len(sent) == 0 || sent[len(sent)-1] != bus.KeyProjectUpdated {
		t.Fatalf("expected project_updated after commit, got %v", sent)
	}

	resp = c.do(http.MethodPost, "/v1/p/test/admin/install", install, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	if body := decode[map[string]any](t, resp); body["field"] != "mount_point" {
		t.Fatalf("expected mount_point error, got %v", body)
	}

	resp = c.get("/v1/p/test/sitemap", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	sitemap := decode[map[string][]tool.SitemapEntry](t, resp)["sitemap"]
	if len(sitemap) != 1 || sitemap[0].Label != "Docs" {
		t.Fatalf("unexpected sitemap %+v", sitemap)
	}

	resp = c.get("/v1/shortlink", url.Values{"project": {"test"}, "mount": {"docs"}, "text": {"[Home]"}}, nil)
	expectStatus(t, resp, http.StatusOK)
	if link := decode[map[string]any](t, resp); link["url"] != "/p/test/docs/" || link["artifact_id"] == "" {
		t.Fatalf("unexpected shortlink %v", link)
	}

	resp = c.get("/v1/p/test/access", url.Values{"perm": {"admin"}, "mount": {"docs"}}, c.bearer(forgetest.DevUser))
	expectStatus(t, resp, http.StatusOK)
	if v := decode[accessView](t, resp); v.Allowed {
		t.Fatalf("developer must not administer the tool")
	}
	resp = c.get("/v1/p/test/access", url.Values{"perm": {"read"}}, nil)
	expectStatus(t, resp, http.StatusOK)
	if v := decode[accessView](t, resp); !v.Allowed {
		t.Fatalf("anonymous users can read the project")
	}

	expectStatus(t, c.do(http.MethodDelete, "/v1/p/test/admin/docs", nil, admin), http.StatusNoContent)
	expectStatus(t, c.get("/v1/shortlink", url.Values{"project": {"test"}, "mount": {"docs"}, "text": {"[Home]"}}, nil), http.StatusNotFound)
}

// A handler that publishes and then fails must leave no trace on the bus.
func TestFailedRequestPublishesNothing(t *testing.T) {
	c := newTestAPI(t)
	f := c.forge
	before := len(f.Transport.Sent())

	failing := c.api.scoped(func(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
		if err := f.Pub.React(ctx, bus.KeyProjectUpdated, tool.ProjectUpdated{ProjectID: forgetest.ProjectID, Action: "install"}); err != nil {
			return 0, nil, err
		}
		return 0, nil, apperr.Invalid("mount_point", "broken")
	})
	rr := httptest.NewRecorder()
	failing.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/p/test/admin/install", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if got := len(f.Transport.Sent()); got != before {
		t.Fatalf("failed request published %d messages", got-before)
	}

	ok := c.api.scoped(func(ctx context.Context, r *http.Request, st *reqctx.State) (int, any, error) {
		return http.StatusOK, nil, f.Pub.React(ctx, bus.KeyProjectUpdated, tool.ProjectUpdated{ProjectID: forgetest.ProjectID})
	})
	rr = httptest.NewRecorder()
	ok.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	if rr.Code != http.StatusOK || len(f.Transport.Sent()) != before+1 {
		t.Fatalf("committed request should publish once, code=%d sent=%d", rr.Code, len(f.Transport.Sent())-before)
	}
}

func TestFailMapsErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.Invalid("name", "bad"), http.StatusBadRequest},
		{fmt.Errorf("x: %w", apperr.ErrDuplicate), http.StatusConflict},
		{apperr.ErrUnauthorized, http.StatusUnauthorized},
		{fmt.Errorf("admin: %w", apperr.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("project: %w", apperr.ErrNotFound), http.StatusNotFound},
		{apperr.ErrRateLimited, http.StatusTooManyRequests},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		fail(rr, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		if rr.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	fail(rr, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("disk on fire"))
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "Sorry, something went wrong" || body["correlation_id"] == "" {
		t.Fatalf("internal errors must be masked, got %v", body)
	}
}

func TestEventStreamRequiresLogin(t *testing.T) {
	c := newTestAPI(t)
	expectStatus(t, c.get("/v1/events", nil, nil), http.StatusUnauthorized)
	expectStatus(t, c.get("/v1/events", url.Values{"project": {"missing"}}, nil), http.StatusNotFound)
}
