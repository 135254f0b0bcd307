package artifact

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"allura.org/internal/docstore"
	"allura.org/internal/model"
	"allura.org/internal/obs"
)

// Entry is one artifact to (re)index together with its collection.
type Entry struct {
	Collection string
	Doc        Indexable
}

// Registry reads and writes the derived indices.
type Registry struct {
	store docstore.Store
	repo  *model.Repo
	cache Cache
	log   zerolog.Logger
}

// NewRegistry builds a registry. cache may be nil.
func NewRegistry(store docstore.Store, cache Cache) *Registry {
	if cache == nil {
		cache = noCache{}
	}
	return &Registry{store: store, repo: model.NewRepo(store), cache: cache, log: obs.Component("artifact")}
}

// EnsureIndexes creates the indexes of the derived collections.
func (r *Registry) EnsureIndexes(ctx context.Context) error {
	for _, idx := range Indexes() {
		if err := r.store.EnsureIndex(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}

// Index refreshes the reference and shortlink of each entry.
func (r *Registry) Index(ctx context.Context, entries ...Entry) error {
	apps := map[string]*model.AppConfig{}
	for _, e := range entries {
		base := e.Doc.Base()
		app, ok := apps[base.AppConfigID]
		if !ok {
			var err error
			app, err = r.repo.AppConfig(ctx, base.AppConfigID)
			if err != nil {
				return fmt.Errorf("artifact %s: app config %s: %w", base.ID, base.AppConfigID, err)
			}
			apps[base.AppConfigID] = app
		}
		ref := &Reference{
			ID:          base.ID,
			ProjectID:   app.ProjectID,
			AppConfigID: app.ID,
			MountPoint:  app.Options.MountPoint(),
			Ref:         Pointer{Collection: e.Collection, Tool: app.ToolName},
		}
		if err := r.store.Put(ctx, References, ref.ID, ref); err != nil {
			return err
		}
		r.cache.Set(ctx, ref)
		if _, err := r.store.DeleteMatching(ctx, Shortlinks, docstore.Filter{"ref_id": base.ID}); err != nil {
			return err
		}
		l, ok := e.Doc.(Linkable)
		if !ok {
			continue
		}
		text := Canonical(l.ShortlinkText())
		if text == "" {
			continue
		}
		link := &Shortlink{
			ID:          app.ID + ":" + text,
			ProjectID:   app.ProjectID,
			AppConfigID: app.ID,
			MountPoint:  ref.MountPoint,
			Link:        text,
			RefID:       base.ID,
		}
		if err := r.claim(ctx, link); err != nil {
			return err
		}
	}
	return nil
}

// claim stores link unless another live artifact of the same tool already
// owns its text. The first owner keeps the link; a link whose owner has no
// reference any more is taken over.
func (r *Registry) claim(ctx context.Context, link *Shortlink) error {
	err := r.store.Insert(ctx, Shortlinks, link.ID, link)
	if !errors.Is(err, docstore.ErrDuplicate) {
		return err
	}
	var cur Shortlink
	if err := r.store.Get(ctx, Shortlinks, link.ID, &cur); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return err
	}
	if cur.RefID != "" && cur.RefID != link.RefID {
		err := r.store.Get(ctx, References, cur.RefID, &Reference{})
		if err == nil {
			r.log.Warn().Str("link", link.Link).Str("app_config_id", link.AppConfigID).
				Str("owner", cur.RefID).Str("artifact_id", link.RefID).Msg("shortlink already taken")
			return nil
		}
		if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
	}
	return r.store.Put(ctx, Shortlinks, link.ID, link)
}

// Unindex removes the reference and every shortlink pointing at each id.
func (r *Registry) Unindex(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if err := r.store.Delete(ctx, References, id); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		r.cache.Delete(ctx, id)
		if _, err := r.store.DeleteMatching(ctx, Shortlinks, docstore.Filter{"ref_id": id}); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the reference of an artifact id.
func (r *Registry) Lookup(ctx context.Context, id string) (*Reference, error) {
	if ref, ok := r.cache.Get(ctx, id); ok {
		return ref, nil
	}
	var ref Reference
	if err := r.store.Get(ctx, References, id, &ref); err != nil {
		return nil, err
	}
	r.cache.Set(ctx, &ref)
	return &ref, nil
}

// Resolve finds the shortlink named by text as seen from a tool. text may
// name another tool ("bugs:#1") or another project of the same neighborhood
// ("proj:bugs:#1").
func (r *Registry) Resolve(ctx context.Context, projectID, appConfigID, text string) (*Shortlink, error) {
	parsed, ok := ParseLink(text)
	if !ok {
		return nil, fmt.Errorf("%w: shortlink %q", docstore.ErrInvalid, text)
	}
	if parsed.Project != "" {
		src, err := r.repo.Project(ctx, projectID)
		if err != nil {
			return nil, err
		}
		p, err := r.repo.ProjectByShortname(ctx, src.NeighborhoodID, parsed.Project)
		if err != nil {
			return nil, err
		}
		projectID = p.ID
	}
	if parsed.Mount != "" {
		app, err := r.repo.AppConfigByMount(ctx, projectID, parsed.Mount)
		if err != nil {
			return nil, err
		}
		appConfigID = app.ID
	}
	if appConfigID == "" {
		return nil, fmt.Errorf("%w: shortlink %q needs a tool", docstore.ErrInvalid, text)
	}
	var link Shortlink
	if err := r.store.Get(ctx, Shortlinks, appConfigID+":"+Canonical(parsed.Artifact), &link); err != nil {
		return nil, err
	}
	return &link, nil
}

// PruneApp removes every reference and shortlink owned by a tool
// installation and reports how many references were removed.
func (r *Registry) PruneApp(ctx context.Context, appConfigID string) (int, error) {
	var refs []Reference
	if err := r.store.Find(ctx, References, docstore.Filter{"app_config_id": appConfigID}, &refs); err != nil {
		return 0, err
	}
	for _, ref := range refs {
		r.cache.Delete(ctx, ref.ID)
	}
	n, err := r.store.DeleteMatching(ctx, References, docstore.Filter{"app_config_id": appConfigID})
	if err != nil {
		return n, err
	}
	if _, err := r.store.DeleteMatching(ctx, Shortlinks, docstore.Filter{"app_config_id": appConfigID}); err != nil {
		return n, err
	}
	r.log.Info().Str("app_config_id", appConfigID).Int("references", n).Msg("pruned derived indices")
	return n, nil
}
