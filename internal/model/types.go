// Package model defines the persistent forge entities and a typed
// repository over the document store.
package model

import (
	"time"

	"allura.org/internal/security"
)

// Collection names.
const (
	Neighborhoods  = "neighborhoods"
	Projects       = "projects"
	ProjectRoles   = "project_roles"
	AppConfigs     = "app_configs"
	Users          = "users"
	AuditLogs      = "audit_logs"
	Feeds          = "feeds"
	Notifications  = "notifications"
	Mailboxes      = "mailboxes"
	ArtifactStates = "artifact_snapshots"
)

// Default project role names.
const (
	RoleAdmin     = "Admin"
	RoleDeveloper = "Developer"
	RoleMember    = "Member"
)

// TemplateTool describes one tool installed from a project template.
type TemplateTool struct {
	ToolName   string         `json:"tool_name" yaml:"tool_name"`
	MountPoint string         `json:"mount_point" yaml:"mount_point"`
	MountLabel string         `json:"mount_label,omitempty" yaml:"mount_label"`
	Ordinal    int            `json:"ordinal,omitempty" yaml:"ordinal"`
	Options    map[string]any `json:"options,omitempty" yaml:"options"`
}

// ProjectTemplate is cloned into every project registered in a neighborhood.
// String values may reference $root_project.shortname, .name and .url.
type ProjectTemplate struct {
	Summary     string         `json:"summary,omitempty" yaml:"summary"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Labels      []string       `json:"labels,omitempty" yaml:"labels"`
	Tools       []TemplateTool `json:"tools,omitempty" yaml:"tools"`
}

// Neighborhood groups projects under a URL prefix.
type Neighborhood struct {
	ID              string           `json:"_id"`
	Name            string           `json:"name"`
	URLPrefix       string           `json:"url_prefix"`
	ShortnamePrefix string           `json:"shortname_prefix,omitempty"`
	ACL             security.ACL     `json:"acl"`
	ProjectTemplate *ProjectTemplate `json:"project_template,omitempty"`
}

func (n *Neighborhood) DocID() string { return n.ID }

// Trove holds the classification category ids of a project.
type Trove struct {
	Audience  []string `json:"trove_audience,omitempty"`
	License   []string `json:"trove_license,omitempty"`
	OS        []string `json:"trove_os,omitempty"`
	Language  []string `json:"trove_language,omitempty"`
	Topic     []string `json:"trove_topic,omitempty"`
	Status    []string `json:"trove_status,omitempty"`
	Interface []string `json:"trove_interface,omitempty"`
}

// Project is a unit of collaboration. Sub-projects set ParentID and share the
// roles of their root project.
type Project struct {
	ID             string       `json:"_id"`
	Shortname      string       `json:"shortname"`
	NeighborhoodID string       `json:"neighborhood_id"`
	ParentID       string       `json:"parent_id,omitempty"`
	Name           string       `json:"name"`
	Summary        string       `json:"summary,omitempty"`
	Description    string       `json:"description,omitempty"`
	Labels         []string     `json:"labels,omitempty"`
	ACL            security.ACL `json:"acl"`
	Trove
	Deleted     bool      `json:"deleted"`
	LastUpdated time.Time `json:"last_updated"`
}

func (p *Project) DocID() string { return p.ID }

// IsRoot reports whether p has no parent.
func (p *Project) IsRoot() bool { return p.ParentID == "" }

// URL returns the project path inside its neighborhood.
func (p *Project) URL(n *Neighborhood) string {
	prefix := "/p/"
	if n != nil && n.URLPrefix != "" {
		prefix = n.URLPrefix
	}
	return prefix + p.Shortname + "/"
}

// ProjectRole is either a named role or the user-role that ties a user to
// the project. Roles lists the role ids it inherits from.
type ProjectRole struct {
	ID        string   `json:"_id"`
	ProjectID string   `json:"project_id"`
	Name      string   `json:"name,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	Roles     []string `json:"roles"`
}

func (r *ProjectRole) DocID() string { return r.ID }

// Options holds the per-installation configuration of a tool.
type Options map[string]any

func (o Options) String(key string) string {
	s, _ := o[key].(string)
	return s
}

func (o Options) Int(key string) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (o Options) Bool(key string) bool {
	b, _ := o[key].(bool)
	return b
}

func (o Options) MountPoint() string { return o.String("mount_point") }
func (o Options) MountLabel() string { return o.String("mount_label") }
func (o Options) Ordinal() int       { return o.Int("ordinal") }

// AppConfig is one installation of a tool in a project.
type AppConfig struct {
	ID        string       `json:"_id"`
	ProjectID string       `json:"project_id"`
	ToolName  string       `json:"tool_name"`
	Options   Options      `json:"options"`
	ACL       security.ACL `json:"acl"`
}

func (c *AppConfig) DocID() string { return c.ID }

// URL returns the tool path inside the project.
func (c *AppConfig) URL(p *Project, n *Neighborhood) string {
	return p.URL(n) + c.Options.MountPoint() + "/"
}

// Artifact carries the fields every tool document shares. Tool types embed it.
type Artifact struct {
	ID          string       `json:"_id"`
	AppConfigID string       `json:"app_config_id"`
	ProjectID   string       `json:"project_id"`
	Labels      []string     `json:"labels,omitempty"`
	ACL         security.ACL `json:"acl,omitempty"`
	ModDate     time.Time    `json:"mod_date"`
	Deleted     bool         `json:"deleted,omitempty"`
}

func (a *Artifact) DocID() string { return a.ID }

// Base returns the shared fields; tools satisfy artifact interfaces through it.
func (a *Artifact) Base() *Artifact { return a }

// Versioned adds a version counter to an artifact.
type Versioned struct {
	Version int `json:"version"`
}

// Snapshot is a stored prior version of a versioned artifact.
type Snapshot struct {
	ID          string    `json:"_id"`
	ArtifactID  string    `json:"artifact_id"`
	AppConfigID string    `json:"app_config_id"`
	Collection  string    `json:"collection"`
	Version     int       `json:"version"`
	AuthorID    string    `json:"author_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Data        any       `json:"data"`
}

func (s *Snapshot) DocID() string { return s.ID }

// User is a forge account.
type User struct {
	ID           string    `json:"_id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name,omitempty"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"password_hash,omitempty"`
	Disabled     bool      `json:"disabled"`
	MFAEnabled   bool      `json:"mfa_enabled"`
	MFAAttempts  []float64 `json:"mfa_attempts,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (u *User) DocID() string { return u.ID }

// AuditLog records an administrative action on a project.
type AuditLog struct {
	ID        string    `json:"_id"`
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id,omitempty"`
	URL       string    `json:"url,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (l *AuditLog) DocID() string { return l.ID }

// Feed is one entry in a project activity feed.
type Feed struct {
	ID          string    `json:"_id"`
	ProjectID   string    `json:"project_id"`
	AppConfigID string    `json:"app_config_id,omitempty"`
	RefID       string    `json:"ref_id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Link        string    `json:"link,omitempty"`
	AuthorID    string    `json:"author_id,omitempty"`
	PubDate     time.Time `json:"pubdate"`
}

func (f *Feed) DocID() string { return f.ID }

// Notification is a message queued for subscribers of a tool or artifact.
type Notification struct {
	ID          string    `json:"_id"`
	ProjectID   string    `json:"project_id"`
	AppConfigID string    `json:"app_config_id,omitempty"`
	RefID       string    `json:"ref_id,omitempty"`
	Topic       string    `json:"topic"`
	Subject     string    `json:"subject"`
	Text        string    `json:"text"`
	FromUserID  string    `json:"from_user_id,omitempty"`
	PubDate     time.Time `json:"pubdate"`
}

func (n *Notification) DocID() string { return n.ID }

// Mailbox delivery modes.
const (
	DeliverDirect = "direct"
	DeliverDigest = "digest"
)

// Mailbox is a user's subscription to a tool or one artifact in it.
type Mailbox struct {
	ID          string   `json:"_id"`
	UserID      string   `json:"user_id"`
	ProjectID   string   `json:"project_id"`
	AppConfigID string   `json:"app_config_id"`
	ArtifactID  string   `json:"artifact_id,omitempty"`
	Type        string   `json:"type"`
	Queue       []string `json:"queue,omitempty"`
}

func (m *Mailbox) DocID() string { return m.ID }
