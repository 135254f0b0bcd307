package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"allura.org/internal/ids"
	"allura.org/internal/model"
	"allura.org/internal/obs"
	"allura.org/internal/reqctx"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request identifier attached to ctx, if any.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit line enriched with request, user and project.
// Inside a request scope with a current project the event is also stored
// as an AuditLog document in the scope's unit of work.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	st := reqctx.From(ctx)

	line := obs.Logger().Info().Str("type", "audit").Str("event", event)
	if rid := RequestID(ctx); rid != "" {
		line = line.Str("request_id", rid)
	}
	if st != nil {
		if st.Subject.UserID != "" {
			line = line.Str("user_id", st.Subject.UserID)
		}
		if pid := st.ProjectID(); pid != "" {
			line = line.Str("project_id", pid)
		}
	}
	line.Interface("fields", copyFields).Send()

	if st == nil || st.Session == nil || st.Project == nil {
		return nil
	}
	entry := &model.AuditLog{
		ID:        ids.NewOID(),
		ProjectID: st.Project.ID,
		UserID:    st.Subject.UserID,
		Message:   Message(event, copyFields),
		Timestamp: time.Now().UTC(),
	}
	if url, ok := copyFields["url"].(string); ok {
		entry.URL = url
	}
	return st.Session.Insert(ctx, model.AuditLogs, entry)
}

// Message renders an event and its fields as one human-readable line.
func Message(event string, fields map[string]any) string {
	if msg, ok := fields["message"].(string); ok && msg != "" {
		return msg
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(event)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}
