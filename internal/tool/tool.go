// Package tool defines the pluggable tool contract and the framework that
// mounts tools into projects.
package tool

import (
	"context"

	"allura.org/internal/bus"
	"allura.org/internal/docstore"
	"allura.org/internal/model"
)

// Status is the maturity of a tool.
type Status string

const (
	Production Status = "production"
	Beta       Status = "beta"
	Alpha      Status = "alpha"
)

func (s Status) rank() int {
	switch s {
	case Production:
		return 3
	case Beta:
		return 2
	case Alpha:
		return 1
	}
	return 0
}

// AtLeast reports whether s is as mature as min. An empty min admits all.
func (s Status) AtLeast(min Status) bool {
	if min == "" {
		return true
	}
	return s.rank() >= min.rank()
}

// ConfigOption declares one configurable option of a tool.
type ConfigOption struct {
	Name    string `json:"name"`
	Type    string `json:"type"` // "str", "int" or "bool"
	Default any    `json:"default,omitempty"`
}

// Info is the display and capability metadata of a tool.
type Info struct {
	Label             string         `json:"tool_label"`
	DefaultMountLabel string         `json:"default_mount_label"`
	DefaultMountPoint string         `json:"default_mount_point"`
	Ordinal           int            `json:"ordinal"`
	Permissions       []string       `json:"permissions"`
	ConfigOptions     []ConfigOption `json:"config_options"`
	Installable       bool           `json:"installable"`
	Status            Status         `json:"status"`
	// Collections are the artifact collections owned by the tool. Documents
	// in them carry app_config_id and are removed on uninstall.
	Collections []string `json:"-"`
}

// SitemapEntry is one navigation node.
type SitemapEntry struct {
	Label     string         `json:"label"`
	URL       string         `json:"url"`
	Children  []SitemapEntry `json:"children,omitempty"`
	ClassName string         `json:"class_name,omitempty"`
}

// Instance is a tool mounted in a project, as seen by tool hooks.
type Instance struct {
	Project      *model.Project
	Neighborhood *model.Neighborhood
	App          *model.AppConfig
	Session      *docstore.Session
	Repo         *model.Repo
}

// URL returns the tool's base path.
func (i *Instance) URL() string {
	return i.App.URL(i.Project, i.Neighborhood)
}

// Tool is implemented by every mountable tool.
type Tool interface {
	Name() string
	Info() Info
	// Install creates per-instance state. It runs in the same unit of work
	// as the AppConfig insert.
	Install(ctx context.Context, inst *Instance) error
	// Uninstall removes per-instance state. Artifacts in Info().Collections
	// and derived indices are removed by the framework afterwards.
	Uninstall(ctx context.Context, inst *Instance) error
	Sitemap(ctx context.Context, inst *Instance) []SitemapEntry
	SidebarMenu(ctx context.Context, inst *Instance) []SitemapEntry
	AdminMenu(ctx context.Context, inst *Instance) []SitemapEntry
}

// MailHandler is implemented by tools accepting inbound email.
type MailHandler interface {
	HandleMessage(ctx context.Context, inst *Instance, topic string, body []byte) error
}

// Subscriber is implemented by tools with bus handlers. The framework sets
// the Tool field of every returned binding.
type Subscriber interface {
	Bindings() []bus.Binding
}

// Base provides the default hooks. Tools embed it and set Meta.
type Base struct {
	Meta Info
}

func (b *Base) Info() Info { return b.Meta }

func (b *Base) Install(context.Context, *Instance) error { return nil }

func (b *Base) Uninstall(context.Context, *Instance) error { return nil }

func (b *Base) Sitemap(_ context.Context, inst *Instance) []SitemapEntry {
	return []SitemapEntry{{Label: inst.App.Options.MountLabel(), URL: inst.URL()}}
}

func (b *Base) SidebarMenu(context.Context, *Instance) []SitemapEntry { return nil }

func (b *Base) AdminMenu(_ context.Context, inst *Instance) []SitemapEntry {
	return DefaultAdminMenu(inst)
}

// DefaultAdminMenu lists the pages of the default admin controller.
func DefaultAdminMenu(inst *Instance) []SitemapEntry {
	base := inst.Project.URL(inst.Neighborhood) + "admin/" + inst.App.Options.MountPoint() + "/"
	return []SitemapEntry{
		{Label: "Permissions", URL: base + "permissions"},
		{Label: "Options", URL: base + "options"},
		{Label: "Label", URL: base + "edit_label"},
		{Label: "Delete", URL: base + "delete", ClassName: "admin_modal"},
	}
}
