// Package tickets is a minimal issue tracker tool.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"allura.org/internal/apperr"
	"allura.org/internal/bus"
	"allura.org/internal/docstore"
	"allura.org/internal/ids"
	"allura.org/internal/model"
	"allura.org/internal/reqctx"
	"allura.org/internal/security"
	"allura.org/internal/tool"
)

// Collections.
const (
	Collection        = "tickets"
	GlobalsCollection = "ticket_globals"
)

// KeyBulkEdit is the audit task changing the status of many tickets.
const KeyBulkEdit = "tickets.bulk_edit"

// Ticket is one issue.
type Ticket struct {
	model.Artifact
	Num         int       `json:"ticket_num"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	ReportedBy  string    `json:"reported_by,omitempty"`
	AssignedTo  string    `json:"assigned_to,omitempty"`
	CreatedDate time.Time `json:"created_date"`
}

func (t *Ticket) ShouldUpdateIndex() bool { return !t.Deleted }
func (t *Ticket) ShortlinkText() string   { return fmt.Sprintf("#%d", t.Num) }
func (t *Ticket) Title() string           { return fmt.Sprintf("#%d %s", t.Num, t.Summary) }

// Globals is the per-instance tracker state.
type Globals struct {
	ID             string   `json:"_id"`
	AppConfigID    string   `json:"app_config_id"`
	LastTicketNum  int      `json:"last_ticket_num"`
	OpenStatuses   []string `json:"open_status_names"`
	ClosedStatuses []string `json:"closed_status_names"`
}

func (g *Globals) DocID() string { return g.ID }

// Tool is the tracker.
type Tool struct {
	tool.Base
	now func() time.Time
}

func init() { tool.Register(New()) }

// New returns the tracker tool.
func New() *Tool {
	return &Tool{
		Base: tool.Base{Meta: tool.Info{
			Label:             "Tickets",
			DefaultMountLabel: "Tickets",
			DefaultMountPoint: "tickets",
			Ordinal:           6,
			Permissions: []string{
				security.PermRead, security.PermCreate, security.PermUpdate, security.PermAdmin,
				security.PermSaveSearches, security.PermPost, security.PermDelete,
			},
			ConfigOptions: []tool.ConfigOption{
				{Name: "EnableVoting", Type: "bool", Default: true},
				{Name: "TicketMonitoringEmail", Type: "str", Default: ""},
			},
			Installable: true,
			Status:      tool.Production,
			Collections: []string{Collection, GlobalsCollection},
		}},
		now: time.Now,
	}
}

func (t *Tool) Name() string { return "tickets" }

// Indexes implements tool.IndexDeclarer.
func (t *Tool) Indexes() []docstore.Index {
	return []docstore.Index{
		{Collection: Collection, Fields: []string{"app_config_id", "ticket_num"}, Unique: true},
	}
}

func globalsID(appID string) string { return "globals:" + appID }

// Install creates the tracker globals.
func (t *Tool) Install(ctx context.Context, inst *tool.Instance) error {
	return inst.Session.Insert(ctx, GlobalsCollection, &Globals{
		ID:             globalsID(inst.App.ID),
		AppConfigID:    inst.App.ID,
		OpenStatuses:   []string{"open", "unread", "accepted", "pending"},
		ClosedStatuses: []string{"closed", "wont-fix", "invalid"},
	})
}

func (t *Tool) SidebarMenu(_ context.Context, inst *tool.Instance) []tool.SitemapEntry {
	base := inst.URL()
	return []tool.SitemapEntry{
		{Label: "Create Ticket", URL: base + "new/", ClassName: "add"},
		{Label: "View Stats", URL: base + "stats/"},
	}
}

// Create files a ticket with the next number of the tracker.
func (t *Tool) Create(ctx context.Context, inst *tool.Instance, summary, description string) (*Ticket, error) {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, apperr.Invalid("summary", "summary is required")
	}
	reporter := reqctx.Subject(ctx).UserID
	for attempt := 0; attempt < 3; attempt++ {
		var g Globals
		if err := inst.Session.Store().Get(ctx, GlobalsCollection, globalsID(inst.App.ID), &g); err != nil {
			return nil, fmt.Errorf("tracker globals: %w", err)
		}
		g.LastTicketNum++
		if err := inst.Session.Save(ctx, GlobalsCollection, &g); err != nil {
			return nil, err
		}
		now := t.now().UTC()
		tk := &Ticket{
			Artifact: model.Artifact{
				ID:          ids.NewOID(),
				AppConfigID: inst.App.ID,
				ProjectID:   inst.Project.ID,
				ModDate:     now,
			},
			Num:         g.LastTicketNum,
			Summary:     summary,
			Description: description,
			Status:      "open",
			ReportedBy:  reporter,
			CreatedDate: now,
		}
		err := inst.Session.Insert(ctx, Collection, tk)
		if errors.Is(err, docstore.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return tk, nil
	}
	return nil, fmt.Errorf("%w: could not allocate a ticket number", apperr.ErrDuplicate)
}

// Get loads ticket num of the tracker.
func (t *Tool) Get(ctx context.Context, inst *tool.Instance, num int) (*Ticket, error) {
	var out []Ticket
	if err := inst.Session.Store().Find(ctx, Collection, docstore.Filter{"app_config_id": inst.App.ID, "ticket_num": num}, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, apperr.ErrNotFound
	}
	return &out[0], nil
}

// SetStatus changes the status of a ticket.
func (t *Tool) SetStatus(ctx context.Context, inst *tool.Instance, num int, status string) (*Ticket, error) {
	tk, err := t.Get(ctx, inst, num)
	if err != nil {
		return nil, err
	}
	tk.Status = status
	tk.ModDate = t.now().UTC()
	return tk, inst.Session.Save(ctx, Collection, tk)
}

// HandleMessage files inbound email as a ticket; the topic is the summary.
func (t *Tool) HandleMessage(ctx context.Context, inst *tool.Instance, topic string, body []byte) error {
	_, err := t.Create(ctx, inst, topic, string(body))
	return err
}

// BulkEdit is the payload of tickets.bulk_edit.
type BulkEdit struct {
	Nums   []int  `json:"ticket_nums"`
	Status string `json:"status"`
}

// Bindings implements tool.Subscriber.
func (t *Tool) Bindings() []bus.Binding {
	return []bus.Binding{{
		Exchange: bus.Audit,
		Pattern:  KeyBulkEdit,
		Name:     "tickets.bulk_edit",
		Handler: func(ctx context.Context, msg bus.Message) error {
			st := reqctx.From(ctx)
			if st == nil || st.App == nil || st.Project == nil {
				return fmt.Errorf("%w: bulk edit needs a tracker context", apperr.ErrInvalidInput)
			}
			var edit BulkEdit
			if err := msg.Decode(&edit); err != nil {
				return err
			}
			inst := &tool.Instance{Project: st.Project, App: st.App, Session: st.Session, Neighborhood: st.Neighborhood}
			for _, n := range edit.Nums {
				if _, err := t.SetStatus(ctx, inst, n, edit.Status); err != nil && !errors.Is(err, apperr.ErrNotFound) {
					return err
				}
			}
			return nil
		},
	}}
}
