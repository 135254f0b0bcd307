package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"allura.org/internal/docstore"
	"allura.org/internal/model"
	"allura.org/internal/obs"
	"allura.org/internal/reqctx"
	"allura.org/internal/security"
)

func TestLogEvent(t *testing.T) {
	var buf bytes.Buffer
	original := obs.SetOutput(&buf)
	defer obs.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = reqctx.With(ctx, &reqctx.State{Subject: security.Subject{UserID: "user-42"}})

	if err := LogEvent(ctx, "audit.test", map[string]any{"foo": "bar"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "audit.test" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" {
		t.Fatalf("unexpected user id: %v", entry["user_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventPersistsInsideScope(t *testing.T) {
	var buf bytes.Buffer
	original := obs.SetOutput(&buf)
	defer obs.SetOutput(original)

	store := docstore.NewMemory()
	state := &reqctx.State{Subject: security.Subject{UserID: "u1"}, Project: &model.Project{ID: "p1"}}
	sc, ctx := reqctx.Begin(context.Background(), store, state)
	defer sc.Release(ctx)

	if err := LogEvent(ctx, "install", map[string]any{"message": "install tool wiki", "url": "/p/test/admin/"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}
	if err := sc.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	logs, err := model.NewRepo(store).AuditLogsOf(context.Background(), "p1")
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected one audit log, got %v %v", logs, err)
	}
	if logs[0].Message != "install tool wiki" || logs[0].UserID != "u1" || logs[0].URL != "/p/test/admin/" {
		t.Fatalf("unexpected audit log %+v", logs[0])
	}
}

func TestMessage(t *testing.T) {
	if got := Message("webhook.delete", map[string]any{"type": "repo-push", "id": "w1"}); got != "webhook.delete id=w1 type=repo-push" {
		t.Fatalf("unexpected message %q", got)
	}
}
