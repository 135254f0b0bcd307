package artifact

import (
	"context"
	"errors"

	"allura.org/internal/bus"
	"allura.org/internal/docstore"
	"allura.org/internal/obs"
)

// SearchSink receives index updates for the external search service.
type SearchSink interface {
	Add(ctx context.Context, refs []Reference) error
	Delete(ctx context.Context, ids []string) error
}

// LogSink records index updates in the log only.
type LogSink struct{}

func (LogSink) Add(_ context.Context, refs []Reference) error {
	log := obs.Component("artifact.search").With().Int("count", len(refs)).Logger()
	log.Debug().Msg("search add")
	return nil
}

func (LogSink) Delete(_ context.Context, ids []string) error {
	log := obs.Component("artifact.search").With().Int("count", len(ids)).Logger()
	log.Debug().Msg("search delete")
	return nil
}

// Bindings returns the worker handlers for the index tasks.
func (r *Registry) Bindings(sink SearchSink) []bus.Binding {
	if sink == nil {
		sink = LogSink{}
	}
	return []bus.Binding{
		{Exchange: bus.Audit, Pattern: KeyAddArtifacts, Name: "artifact.add", Handler: func(ctx context.Context, msg bus.Message) error {
			var task Task
			if err := msg.Decode(&task); err != nil {
				return err
			}
			refs := make([]Reference, 0, len(task.ArtifactIDs))
			for _, id := range task.ArtifactIDs {
				ref, err := r.Lookup(ctx, id)
				if errors.Is(err, docstore.ErrNotFound) {
					r.log.Warn().Str("artifact_id", id).Msg("no reference for indexed artifact")
					continue
				}
				if err != nil {
					return err
				}
				refs = append(refs, *ref)
			}
			return sink.Add(ctx, refs)
		}},
		{Exchange: bus.Audit, Pattern: KeyDelArtifacts, Name: "artifact.del", Handler: func(ctx context.Context, msg bus.Message) error {
			var task Task
			if err := msg.Decode(&task); err != nil {
				return err
			}
			if err := r.Unindex(ctx, task.ArtifactIDs...); err != nil {
				return err
			}
			return sink.Delete(ctx, task.ArtifactIDs)
		}},
	}
}
