package httpapi

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"allura.org/internal/docstore"
	"allura.org/internal/model"
	"allura.org/internal/obs"
	"allura.org/internal/reqctx"
)

type readOnlyStore struct{ docstore.Store }

func (readOnlyStore) Insert(context.Context, string, string, any) error {
	return errors.New("store is read-only")
}

func TestRecordAuditLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	prev := obs.SetOutput(&buf)
	defer obs.SetOutput(prev)

	state := &reqctx.State{Project: &model.Project{ID: "p1"}}
	sc, ctx := reqctx.Begin(context.Background(), readOnlyStore{docstore.NewMemory()}, state)
	defer sc.Release(ctx)
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/mfa/enroll", nil).WithContext(ctx)

	recordAudit(req, "auth.mfa.enabled", map[string]any{"user": "alice"})

	out := buf.String()
	if !strings.Contains(out, "audit event not recorded") || !strings.Contains(out, "store is read-only") {
		t.Fatalf("expected logged audit failure, got %q", out)
	}
}
