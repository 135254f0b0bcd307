// Package notify turns forge events into project feed entries and mailbox
// notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"allura.org/internal/apperr"
	"allura.org/internal/artifact"
	"allura.org/internal/bus"
	"allura.org/internal/docstore"
	"allura.org/internal/ids"
	"allura.org/internal/model"
	"allura.org/internal/obs"
	"allura.org/internal/reqctx"
	"allura.org/internal/tool"
)

// Service records feeds and notifications.
type Service struct {
	store docstore.Store
	repo  *model.Repo
	clock clock.Clock
	log   zerolog.Logger
}

// NewService builds a service over store. A nil clock means wall time.
func NewService(store docstore.Store, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Service{store: store, repo: model.NewRepo(store), clock: clk, log: obs.Component("notify")}
}

func (s *Service) write(ctx context.Context, fn func(ctx context.Context, sess *docstore.Session) error) error {
	if st := reqctx.From(ctx); st != nil && st.Session != nil {
		return fn(ctx, st.Session)
	}
	sess := docstore.NewSession(s.store)
	if err := fn(ctx, sess); err != nil {
		if rbErr := sess.Rollback(ctx); rbErr != nil {
			s.log.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return sess.Commit(ctx)
}

// Subscribe adds a mailbox for userID on app, or on one artifact in it when
// artifactID is set. Subscribing twice returns the existing mailbox.
func (s *Service) Subscribe(ctx context.Context, userID string, app *model.AppConfig, artifactID, deliver string) (*model.Mailbox, error) {
	if userID == "" {
		return nil, fmt.Errorf("subscribe: %w", apperr.ErrUnauthorized)
	}
	switch deliver {
	case "":
		deliver = model.DeliverDirect
	case model.DeliverDirect, model.DeliverDigest:
	default:
		return nil, apperr.Invalid("type", "unknown delivery %q", deliver)
	}
	existing, err := s.mailbox(ctx, userID, app.ID, artifactID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return nil, err
	}
	mb := &model.Mailbox{
		ID:          ids.NewOID(),
		UserID:      userID,
		ProjectID:   app.ProjectID,
		AppConfigID: app.ID,
		ArtifactID:  artifactID,
		Type:        deliver,
	}
	err = s.write(ctx, func(ctx context.Context, sess *docstore.Session) error {
		return sess.Insert(ctx, model.Mailboxes, mb)
	})
	if err != nil {
		return nil, err
	}
	return mb, nil
}

// Unsubscribe removes the matching mailbox. Missing mailboxes are ignored.
func (s *Service) Unsubscribe(ctx context.Context, userID, appConfigID, artifactID string) error {
	mb, err := s.mailbox(ctx, userID, appConfigID, artifactID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.write(ctx, func(ctx context.Context, sess *docstore.Session) error {
		return sess.Remove(ctx, model.Mailboxes, mb)
	})
}

// Subscribed reports whether userID follows the artifact, directly or
// through its tool.
func (s *Service) Subscribed(ctx context.Context, userID, appConfigID, artifactID string) (bool, error) {
	boxes, err := s.repo.MailboxesFor(ctx, appConfigID)
	if err != nil {
		return false, err
	}
	for _, mb := range boxes {
		if mb.UserID == userID && (mb.ArtifactID == "" || mb.ArtifactID == artifactID) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) mailbox(ctx context.Context, userID, appConfigID, artifactID string) (*model.Mailbox, error) {
	boxes, err := s.repo.MailboxesFor(ctx, appConfigID)
	if err != nil {
		return nil, err
	}
	for i := range boxes {
		if boxes[i].UserID == userID && boxes[i].ArtifactID == artifactID {
			return &boxes[i], nil
		}
	}
	return nil, docstore.ErrNotFound
}

// Post stores a notification about an artifact and queues it in every
// mailbox following it, except the author's.
func (s *Service) Post(ctx context.Context, n *model.Notification) error {
	if n.ID == "" {
		n.ID = ids.NewOID()
	}
	if n.PubDate.IsZero() {
		n.PubDate = s.clock.Now().UTC()
	}
	boxes, err := s.repo.MailboxesFor(ctx, n.AppConfigID)
	if err != nil {
		return err
	}
	return s.write(ctx, func(ctx context.Context, sess *docstore.Session) error {
		if err := sess.Insert(ctx, model.Notifications, n); err != nil {
			return err
		}
		queued := 0
		for i := range boxes {
			mb := &boxes[i]
			if mb.UserID == n.FromUserID || (mb.ArtifactID != "" && mb.ArtifactID != n.RefID) {
				continue
			}
			mb.Queue = append(mb.Queue, n.ID)
			if err := sess.Save(ctx, model.Mailboxes, mb); err != nil {
				return err
			}
			queued++
		}
		s.log.Debug().Str("notification_id", n.ID).Int("mailboxes", queued).Msg("notification queued")
		return nil
	})
}

// Drain returns the notifications queued for userID, oldest first, and
// empties the user's mailboxes.
func (s *Service) Drain(ctx context.Context, userID string) ([]model.Notification, error) {
	var boxes []model.Mailbox
	if err := s.store.Find(ctx, model.Mailboxes, docstore.Filter{"user_id": userID}, &boxes); err != nil {
		return nil, err
	}
	var out []model.Notification
	seen := map[string]struct{}{}
	err := s.write(ctx, func(ctx context.Context, sess *docstore.Session) error {
		for i := range boxes {
			mb := &boxes[i]
			if len(mb.Queue) == 0 {
				continue
			}
			for _, id := range mb.Queue {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				var n model.Notification
				if err := s.store.Get(ctx, model.Notifications, id, &n); err != nil {
					if errors.Is(err, docstore.ErrNotFound) {
						continue
					}
					return err
				}
				out = append(out, n)
			}
			mb.Queue = nil
			if err := sess.Save(ctx, model.Mailboxes, mb); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByDate(out)
	return out, nil
}

func sortByDate(ns []model.Notification) {
	for i := 1; i < len(ns); i++ {
		for j := i; j > 0 && ns[j].PubDate.Before(ns[j-1].PubDate); j-- {
			ns[j], ns[j-1] = ns[j-1], ns[j]
		}
	}
}

// AddFeed appends an entry to the current project's feed.
func (s *Service) AddFeed(ctx context.Context, f *model.Feed) error {
	if f.ProjectID == "" {
		return errors.New("notify: feed entry without project")
	}
	if f.ID == "" {
		f.ID = ids.NewOID()
	}
	if f.PubDate.IsZero() {
		f.PubDate = s.clock.Now().UTC()
	}
	return s.write(ctx, func(ctx context.Context, sess *docstore.Session) error {
		return sess.Insert(ctx, model.Feeds, f)
	})
}

// Bindings returns the react handlers that feed projects and mailboxes.
func (s *Service) Bindings() []bus.Binding {
	return []bus.Binding{
		{Exchange: bus.React, Pattern: bus.KeyProjectUpdated, Name: "notify.project_updated", Handler: s.onProjectUpdated},
		{Exchange: bus.React, Pattern: bus.KeyArtifactAdded, Name: "notify.artifact_created", Handler: s.onArtifactCreated},
	}
}

func (s *Service) onProjectUpdated(ctx context.Context, msg bus.Message) error {
	var ev tool.ProjectUpdated
	if err := msg.Decode(&ev); err != nil {
		return err
	}
	projectID := ev.ProjectID
	if projectID == "" {
		projectID = msg.ProjectID
	}
	if projectID == "" {
		return nil
	}
	title := "Project " + ev.Action
	if ev.ToolName != "" {
		title = fmt.Sprintf("Tool %s %s at %s", ev.ToolName, pastTense(ev.Action), ev.MountPoint)
	}
	st := reqctx.From(ctx)
	var link string
	if st != nil && st.Project != nil && st.Project.ID == projectID {
		link = st.Project.URL(st.Neighborhood)
		if ev.MountPoint != "" {
			link += ev.MountPoint + "/"
		}
	}
	return s.AddFeed(ctx, &model.Feed{
		ProjectID: projectID,
		Title:     title,
		Link:      link,
		AuthorID:  msg.UserID,
	})
}

func pastTense(action string) string {
	if strings.HasSuffix(action, "e") {
		return action + "d"
	}
	return action + "ed"
}

func (s *Service) onArtifactCreated(ctx context.Context, msg bus.Message) error {
	var ev artifact.Created
	if err := msg.Decode(&ev); err != nil {
		return err
	}
	st := reqctx.From(ctx)
	if st == nil || st.Project == nil {
		return nil
	}
	title := ev.Title
	if title == "" {
		title = ev.ArtifactID
	}
	var link, tag string
	if st.App != nil {
		link = st.App.URL(st.Project, st.Neighborhood)
		tag = fmt.Sprintf("[%s:%s] ", st.Project.Shortname, st.App.Options.MountPoint())
	}
	if err := s.AddFeed(ctx, &model.Feed{
		ProjectID:   st.Project.ID,
		AppConfigID: msg.AppConfigID,
		RefID:       ev.ArtifactID,
		Title:       title,
		Description: ev.Shortlink,
		Link:        link,
		AuthorID:    msg.UserID,
	}); err != nil {
		return err
	}
	if msg.AppConfigID == "" {
		return nil
	}
	return s.Post(ctx, &model.Notification{
		ProjectID:   st.Project.ID,
		AppConfigID: msg.AppConfigID,
		RefID:       ev.ArtifactID,
		Topic:       "metadata",
		Subject:     tag + title,
		Text:        fmt.Sprintf("%s created %s", author(msg.UserID), title),
		FromUserID:  msg.UserID,
	})
}

func author(userID string) string {
	if userID == "" {
		return "Someone"
	}
	return userID
}
