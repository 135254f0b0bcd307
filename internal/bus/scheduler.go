package bus

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"allura.org/internal/docstore"
	"allura.org/internal/ids"
	"allura.org/internal/obs"
	"allura.org/internal/reqctx"
)

// ScheduledCollection holds messages waiting for their fire time.
const ScheduledCollection = "scheduled_messages"

// ScheduledMessage is a message published once FireAt has passed.
type ScheduledMessage struct {
	ID      string    `json:"_id"`
	FireAt  time.Time `json:"fire_at"`
	Message Message   `json:"message"`
}

func (s *ScheduledMessage) DocID() string { return s.ID }

// Scheduler stores delayed messages and periodically publishes due ones.
type Scheduler struct {
	store     docstore.Store
	publisher *Publisher
	clock     clock.Clock
	interval  time.Duration
	log       zerolog.Logger
}

// NewScheduler builds a scheduler polling every interval.
func NewScheduler(store docstore.Store, pub *Publisher, clk clock.Clock, interval time.Duration) *Scheduler {
	if clk == nil {
		clk = clock.WallClock
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{store: store, publisher: pub, clock: clk, interval: interval, log: obs.Component("bus.scheduler")}
}

// Schedule stores msg to be published at fireAt. Within a reqctx scope the
// record is part of the unit of work.
func (s *Scheduler) Schedule(ctx context.Context, fireAt time.Time, msg Message, payload any) (string, error) {
	msg, err := s.publisher.Stamp(ctx, msg, payload)
	if err != nil {
		return "", err
	}
	rec := &ScheduledMessage{ID: ids.New(), FireAt: fireAt.UTC(), Message: msg}
	if st := reqctx.From(ctx); st != nil && st.Session != nil {
		err = st.Session.Insert(ctx, ScheduledCollection, rec)
	} else {
		err = s.store.Insert(ctx, ScheduledCollection, rec.ID, rec)
	}
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// FireDue publishes every message whose fire time has passed, removing each
// record after its publish succeeds.
func (s *Scheduler) FireDue(ctx context.Context) (int, error) {
	var pending []ScheduledMessage
	if err := s.store.Find(ctx, ScheduledCollection, nil, &pending); err != nil {
		return 0, err
	}
	now := s.clock.Now()
	fired := 0
	var errs []error
	for _, rec := range pending {
		if rec.FireAt.After(now) {
			continue
		}
		if err := s.publisher.Send(ctx, rec.Message); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.store.Delete(ctx, ScheduledCollection, rec.ID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		fired++
	}
	return fired, errors.Join(errs...)
}

// Run polls until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.interval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.interval):
			n, err := s.FireDue(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("fire scheduled messages")
			}
			if n > 0 {
				s.log.Debug().Int("fired", n).Msg("scheduled messages published")
			}
		}
	}
}
