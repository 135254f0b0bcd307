// Package importer runs project imports on the worker. The web tier only
// validates and enqueues; the import itself runs as an import.project task
// in the project's context.
package importer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"allura.org/internal/apperr"
	"allura.org/internal/audit"
	"allura.org/internal/bus"
	"allura.org/internal/model"
	"allura.org/internal/obs"
	"allura.org/internal/reqctx"
)

// KeyImportProject is the audit routing key of an import task.
const KeyImportProject = "import.project"

// Request describes one import. Options are importer specific.
type Request struct {
	Importer   string         `json:"importer"`
	MountPoint string         `json:"mount_point,omitempty"`
	MountLabel string         `json:"mount_label,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
}

// Importer brings external content into a project.
type Importer interface {
	Name() string
	// Source is a human label for the origin, e.g. "Trac" or "Wiki export".
	Source() string
	Import(ctx context.Context, project *model.Project, req Request) error
}

// Validator is implemented by importers that check a request before it is
// queued.
type Validator interface {
	Validate(req Request) error
}

// Registry holds the importers available to a process.
type Registry struct {
	mu        sync.RWMutex
	importers map[string]Importer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{importers: map[string]Importer{}}
}

// Register adds an importer.
func (r *Registry) Register(imp Importer) error {
	name := strings.ToLower(imp.Name())
	if name == "" {
		return fmt.Errorf("importer: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.importers[name]; dup {
		return fmt.Errorf("importer: %q already registered", name)
	}
	r.importers[name] = imp
	return nil
}

// Get returns an importer by case-insensitive name.
func (r *Registry) Get(name string) (Importer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	imp, ok := r.importers[strings.ToLower(name)]
	return imp, ok
}

// Names lists the registered importers in name order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.importers))
	for name := range r.importers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Publisher posts audit tasks.
type Publisher interface {
	Audit(ctx context.Context, key string, payload any) error
}

// Service enqueues and runs imports.
type Service struct {
	reg *Registry
	pub Publisher
	log zerolog.Logger
}

// NewService builds a service.
func NewService(reg *Registry, pub Publisher) *Service {
	return &Service{reg: reg, pub: pub, log: obs.Component("importer")}
}

// Enqueue validates req and queues it for the current project.
func (s *Service) Enqueue(ctx context.Context, req Request) error {
	st := reqctx.From(ctx)
	if st == nil || st.Project == nil {
		return fmt.Errorf("enqueue import: %w", reqctx.ErrNoScope)
	}
	imp, ok := s.reg.Get(req.Importer)
	if !ok {
		return apperr.Invalid("importer", "unknown importer %q", req.Importer)
	}
	if v, ok := imp.(Validator); ok {
		if err := v.Validate(req); err != nil {
			return err
		}
	}
	if err := s.pub.Audit(ctx, KeyImportProject, req); err != nil {
		return err
	}
	s.log.Info().Str("project_id", st.Project.ID).Str("importer", imp.Name()).Msg("import queued")
	return nil
}

// Run performs req in the current project and records the outcome in the
// project's audit log.
func (s *Service) Run(ctx context.Context, req Request) error {
	st := reqctx.From(ctx)
	if st == nil || st.Project == nil {
		return fmt.Errorf("run import: %w", reqctx.ErrNoScope)
	}
	imp, ok := s.reg.Get(req.Importer)
	if !ok {
		return apperr.Invalid("importer", "unknown importer %q", req.Importer)
	}
	start := time.Now()
	if err := imp.Import(ctx, st.Project, req); err != nil {
		return fmt.Errorf("import from %s: %w", imp.Source(), err)
	}
	s.log.Info().
		Str("project_id", st.Project.ID).
		Str("importer", imp.Name()).
		Dur("took", time.Since(start)).
		Msg("import finished")
	msg := fmt.Sprintf("import project from %s", imp.Source())
	if req.MountPoint != "" {
		msg = fmt.Sprintf("import %s from %s", req.MountPoint, imp.Source())
	}
	return audit.LogEvent(ctx, "project.import", map[string]any{"message": msg})
}

// Bindings returns the worker handler for import tasks.
func (s *Service) Bindings() []bus.Binding {
	return []bus.Binding{{
		Exchange: bus.Audit,
		Pattern:  KeyImportProject,
		Name:     "importer.import_project",
		Handler: func(ctx context.Context, msg bus.Message) error {
			var req Request
			if err := msg.Decode(&req); err != nil {
				return err
			}
			return s.Run(ctx, req)
		},
	}}
}
