// Package webhook delivers signed JSON payloads to URLs registered on tool
// installations when events happen inside the tool.
package webhook

import (
	"context"
	"time"

	"allura.org/internal/docstore"
	"allura.org/internal/reqctx"
)

// Collection holds the subscriptions.
const Collection = "webhooks"

// SendsCollection keeps the recent send timestamps of each subscription,
// keyed by webhook id.
const SendsCollection = "webhook_sends"

// KeySend is the audit task delivering one payload to one subscription.
const KeySend = "send_webhook"

// UserAgent is sent with every delivery.
const UserAgent = "Allura Webhook (https://allura.apache.org/)"

// Webhook is one subscription of a URL to an event type of a tool
// installation.
type Webhook struct {
	ID          string     `json:"_id"`
	Type        string     `json:"type"`
	AppConfigID string     `json:"app_config_id"`
	HookURL     string     `json:"hook_url"`
	Secret      string     `json:"secret"`
	LastSent    *time.Time `json:"last_sent,omitempty"`
}

func (w *Webhook) DocID() string { return w.ID }

// Indexes keeps (type, app, url) unique.
func Indexes() []docstore.Index {
	return []docstore.Index{
		{Collection: Collection, Fields: []string{"type", "app_config_id", "hook_url"}, Unique: true},
	}
}

// SendTask is the payload of send_webhook.
type SendTask struct {
	WebhookID string         `json:"webhook_id"`
	Payload   map[string]any `json:"payload"`
}

// Sender derives payloads for one event type.
type Sender interface {
	Type() string
	// TriggeredBy lists the tool names that can fire the event.
	TriggeredBy() []string
	Payload(ctx context.Context, params map[string]any) (map[string]any, error)
}

// RepoPush describes commits pushed to a repository tool.
type RepoPush struct{}

func (RepoPush) Type() string { return "repo-push" }

func (RepoPush) TriggeredBy() []string { return []string{"git", "hg", "svn"} }

// Payload expects commit_ids and optionally before, after and ref.
func (RepoPush) Payload(ctx context.Context, params map[string]any) (map[string]any, error) {
	commits, _ := params["commit_ids"].([]any)
	if ids, ok := params["commit_ids"].([]string); ok {
		commits = make([]any, len(ids))
		for i, id := range ids {
			commits[i] = id
		}
	}
	repo := map[string]any{}
	if st := reqctx.From(ctx); st != nil && st.Project != nil && st.App != nil {
		url := st.App.URL(st.Project, st.Neighborhood)
		repo["name"] = st.App.Options.MountLabel()
		repo["full_name"] = url
		repo["url"] = url
	}
	out := map[string]any{
		"size":       len(commits),
		"commits":    commits,
		"before":     params["before"],
		"after":      params["after"],
		"ref":        params["ref"],
		"repository": repo,
	}
	if pushed, ok := params["pushed_at"].(time.Time); ok {
		out["pushed_at"] = pushed
	}
	return out, nil
}
