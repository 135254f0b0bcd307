package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"allura.org/internal/apperr"
	"allura.org/internal/audit"
	"allura.org/internal/docstore"
	"allura.org/internal/model"
	"allura.org/internal/obs"
	"allura.org/internal/reqctx"
	"allura.org/internal/security"
)

// TaskFailed is the payload of a forge.task_failed event.
type TaskFailed struct {
	ErrorClass string     `json:"error_class"`
	Error      string     `json:"error"`
	Traceback  string     `json:"traceback"`
	Task       FailedTask `json:"task"`
}

// FailedTask identifies the message whose handler failed.
type FailedTask struct {
	ID          string `json:"id"`
	Exchange    string `json:"exchange"`
	RoutingKey  string `json:"routing_key"`
	Handler     string `json:"handler"`
	ProjectID   string `json:"project_id,omitempty"`
	AppConfigID string `json:"app_config_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

// WorkerConfig wires a Worker.
type WorkerConfig struct {
	Transport   Transport
	Registry    *Registry
	Publisher   *Publisher
	Store       docstore.Store
	PollTimeout time.Duration
	// Extensions builds the session extensions for each handler invocation.
	Extensions func() []docstore.Extension
}

// Worker consumes one exchange at a time, one message at a time.
type Worker struct {
	cfg  WorkerConfig
	repo *model.Repo
	log  zerolog.Logger
}

// NewWorker builds a worker.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	return &Worker{cfg: cfg, repo: model.NewRepo(cfg.Store), log: obs.Component("bus.worker")}
}

// Run consumes exchange until ctx ends.
func (w *Worker) Run(ctx context.Context, exchange string) error {
	w.log.Info().Str("exchange", exchange).Msg("worker started")
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		msg, ok, err := w.cfg.Transport.Receive(ctx, exchange, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error().Err(err).Str("exchange", exchange).Msg("receive failed")
			time.Sleep(w.cfg.PollTimeout)
			continue
		}
		if !ok {
			continue
		}
		w.Handle(ctx, msg)
	}
}

// Drain handles queued messages on exchange until none remain and reports
// how many were processed.
func (w *Worker) Drain(ctx context.Context, exchange string) (int, error) {
	n := 0
	for {
		msg, ok, err := w.cfg.Transport.Receive(ctx, exchange, 0)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		w.Handle(ctx, msg)
		n++
	}
}

// Handle dispatches one message. Failures are logged and reported as
// task_failed events; the message is always considered consumed.
func (w *Worker) Handle(ctx context.Context, msg Message) {
	ctx, span := obs.Tracer("bus").Start(ctx, "bus.handle")
	span.SetAttributes(
		attribute.String("bus.exchange", msg.Exchange),
		attribute.String("bus.routing_key", msg.RoutingKey),
	)
	defer span.End()

	state, err := w.restore(ctx, msg)
	if err != nil {
		w.fail(ctx, msg, "restore", err)
		return
	}
	switch msg.Exchange {
	case Audit:
		tool := ""
		if state.App != nil {
			tool = state.App.ToolName
		}
		b, ok := w.cfg.Registry.AuditHandler(tool, msg.RoutingKey)
		if !ok {
			w.fail(ctx, msg, tool, errors.Wrapf(ErrNoHandler, "audit %s for tool %q", msg.RoutingKey, tool))
			return
		}
		w.invoke(ctx, msg, b, state)
	case React:
		for _, b := range w.cfg.Registry.ReactHandlers(msg.RoutingKey) {
			if b.Tool == "" || state.Project == nil {
				w.invoke(ctx, msg, b, state)
				continue
			}
			apps, err := w.repo.AppConfigsOf(ctx, state.Project.ID)
			if err != nil {
				w.fail(ctx, msg, b.Name, errors.WithStack(err))
				continue
			}
			for i := range apps {
				if apps[i].ToolName != b.Tool {
					continue
				}
				per := *state
				per.App = &apps[i]
				w.invoke(ctx, msg, b, &per)
			}
		}
	default:
		w.fail(ctx, msg, "", errors.Wrapf(ErrUnknownExchange, "%q", msg.Exchange))
	}
}

// restore rebuilds the request context a handler expects.
func (w *Worker) restore(ctx context.Context, msg Message) (*reqctx.State, error) {
	st := &reqctx.State{Subject: security.Subject{UserID: msg.UserID}}
	if msg.ProjectID != "" {
		p, err := w.repo.Project(ctx, msg.ProjectID)
		if err != nil {
			return nil, errors.Wrapf(err, "load project %s", msg.ProjectID)
		}
		st.Project = p
		if p.NeighborhoodID != "" {
			if n, err := w.repo.Neighborhood(ctx, p.NeighborhoodID); err == nil {
				st.Neighborhood = n
			}
		}
	}
	if msg.AppConfigID != "" {
		app, err := w.repo.AppConfig(ctx, msg.AppConfigID)
		if err != nil {
			return nil, errors.Wrapf(err, "load app config %s", msg.AppConfigID)
		}
		st.App = app
	}
	return st, nil
}

func (w *Worker) invoke(ctx context.Context, msg Message, b Binding, state *reqctx.State) {
	var exts []docstore.Extension
	if w.cfg.Extensions != nil {
		exts = w.cfg.Extensions()
	}
	fresh := &reqctx.State{
		Subject:      state.Subject,
		Neighborhood: state.Neighborhood,
		Project:      state.Project,
		App:          state.App,
	}
	sc, hctx := reqctx.Begin(ctx, w.cfg.Store, fresh, exts...)
	defer sc.Release(hctx)

	start := time.Now()
	err := call(hctx, b.Handler, msg)
	if err == nil {
		err = sc.Commit(hctx)
	}
	log := w.log.With().
		Str("msg_id", msg.ID).
		Str("exchange", msg.Exchange).
		Str("routing_key", msg.RoutingKey).
		Str("handler", b.Name).
		Str("app_config_id", fresh.AppID()).
		Dur("took", time.Since(start)).
		Logger()
	if err != nil {
		sc.Release(hctx)
		if errors.Is(err, apperr.ErrForbidden) || errors.Is(err, apperr.ErrUnauthorized) {
			log.Warn().Err(err).Msg("handler denied")
			w.denied(ctx, msg, b, state, err)
			return
		}
		w.fail(ctx, msg, b.Name, err)
		return
	}
	obs.BusMessages.WithLabelValues(msg.Exchange, "ok").Inc()
	log.Debug().Msg("handled")
}

// denied drops a message whose handler was refused access and records it
// in the project audit log.
func (w *Worker) denied(ctx context.Context, msg Message, b Binding, state *reqctx.State, cause error) {
	obs.BusMessages.WithLabelValues(msg.Exchange, "denied").Inc()
	sc, actx := reqctx.Begin(ctx, w.cfg.Store, &reqctx.State{
		Subject:      state.Subject,
		Neighborhood: state.Neighborhood,
		Project:      state.Project,
		App:          state.App,
	})
	defer sc.Release(actx)
	err := audit.LogEvent(actx, "task_denied", map[string]any{
		"routing_key": msg.RoutingKey,
		"handler":     b.Name,
		"error":       cause.Error(),
	})
	if err == nil {
		err = sc.Commit(actx)
	}
	if err != nil {
		w.log.Error().Err(err).Str("msg_id", msg.ID).Msg("record denied task")
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// call runs h, turning panics into errors. Returned errors without a stack
// get one here so task_failed tracebacks point at the handler.
func call(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	err = h(ctx, msg)
	var st stackTracer
	if err != nil && !errors.As(err, &st) {
		err = errors.WithStack(err)
	}
	return err
}

func (w *Worker) fail(ctx context.Context, msg Message, handler string, err error) {
	obs.BusMessages.WithLabelValues(msg.Exchange, "failed").Inc()
	w.log.Error().
		Err(err).
		Str("msg_id", msg.ID).
		Str("exchange", msg.Exchange).
		Str("routing_key", msg.RoutingKey).
		Str("handler", handler).
		Msg("task failed")
	if msg.RoutingKey == KeyTaskFailed || w.cfg.Publisher == nil {
		return
	}
	payload := TaskFailed{
		ErrorClass: ErrorClass(err),
		Error:      err.Error(),
		Traceback:  fmt.Sprintf("%+v", err),
		Task: FailedTask{
			ID:          msg.ID,
			Exchange:    msg.Exchange,
			RoutingKey:  msg.RoutingKey,
			Handler:     handler,
			ProjectID:   msg.ProjectID,
			AppConfigID: msg.AppConfigID,
			UserID:      msg.UserID,
		},
	}
	event := Message{
		Exchange:    React,
		RoutingKey:  KeyTaskFailed,
		ProjectID:   msg.ProjectID,
		AppConfigID: msg.AppConfigID,
		UserID:      msg.UserID,
		MountPoint:  msg.MountPoint,
	}
	event, err = w.cfg.Publisher.Stamp(ctx, event, payload)
	if err == nil {
		err = w.cfg.Publisher.Send(ctx, event)
	}
	if err != nil {
		w.log.Error().Err(err).Str("msg_id", msg.ID).Msg("publish task_failed")
	}
}

// ErrorClass names the innermost error type of err.
func ErrorClass(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	return fmt.Sprintf("%T", err)
}
