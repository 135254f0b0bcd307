package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"allura.org/internal/apperr"
	"allura.org/internal/docstore"
	"allura.org/internal/ids"
	"allura.org/internal/model"
	"allura.org/internal/obs"
	"allura.org/internal/reqctx"
)

// Publisher posts audit tasks.
type Publisher interface {
	Audit(ctx context.Context, key string, payload any) error
}

// Config wires a Service.
type Config struct {
	Store     docstore.Store
	Publisher Publisher
	Clock     clock.Clock
	Client    *http.Client
	// RetryDelays are slept between attempts; len+1 attempts are made.
	RetryDelays []time.Duration
	Timeout     time.Duration
	MaxPerType  int
	// RatePerMinute and RateBurst bound the payloads queued per subscription:
	// at most RateBurst within any RateBurst/RatePerMinute minutes, counted
	// in the store so every web process shares one window.
	RatePerMinute float64
	RateBurst     int
}

// Service manages subscriptions and delivers payloads.
type Service struct {
	cfg     Config
	repo    *model.Repo
	log     zerolog.Logger
	senders map[string]Sender
}

// NewService builds a service; without senders it knows RepoPush.
func NewService(cfg Config, senders ...Sender) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxPerType <= 0 {
		cfg.MaxPerType = 3
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 30
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	if len(senders) == 0 {
		senders = []Sender{RepoPush{}}
	}
	s := &Service{
		cfg:     cfg,
		repo:    model.NewRepo(cfg.Store),
		log:     obs.Component("webhook"),
		senders: map[string]Sender{},
	}
	for _, snd := range senders {
		s.senders[snd.Type()] = snd
	}
	return s
}

// EnsureIndexes creates the subscription indexes.
func (s *Service) EnsureIndexes(ctx context.Context) error {
	for _, idx := range Indexes() {
		if err := s.cfg.Store.EnsureIndex(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}

// Sender returns the sender of an event type.
func (s *Service) Sender(hookType string) (Sender, bool) {
	snd, ok := s.senders[hookType]
	return snd, ok
}

// SendersFor lists the event types a tool can fire.
func (s *Service) SendersFor(toolName string) []Sender {
	var out []Sender
	for _, snd := range s.senders {
		for _, t := range snd.TriggeredBy() {
			if t == toolName {
				out = append(out, snd)
				break
			}
		}
	}
	return out
}

// write runs fn on the caller's unit of work, or on a new one.
func (s *Service) write(ctx context.Context, fn func(*docstore.Session) error) error {
	if st := reqctx.From(ctx); st != nil && st.Session != nil {
		return fn(st.Session)
	}
	sess := docstore.NewSession(s.cfg.Store)
	if err := fn(sess); err != nil {
		if rbErr := sess.Rollback(ctx); rbErr != nil {
			s.log.Error().Err(rbErr).Msg("rollback")
		}
		return err
	}
	return sess.Commit(ctx)
}

func validURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.Invalid("url", "%q is not a valid http or https URL", raw)
	}
	return nil
}

// GenerateSecret returns 32 random hex characters.
func GenerateSecret() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

var errExists = &apperr.ValidationError{Message: "webhook already exists"}

// EnforceLimit reports whether app may hold another webhook of sender's type.
func (s *Service) EnforceLimit(ctx context.Context, snd Sender, app *model.AppConfig) (bool, error) {
	var hooks []Webhook
	if err := s.cfg.Store.Find(ctx, Collection, docstore.Filter{"type": snd.Type(), "app_config_id": app.ID}, &hooks); err != nil {
		return false, err
	}
	return len(hooks) < s.cfg.MaxPerType, nil
}

// Create subscribes hookURL to hookType events of app. An empty secret is
// generated.
func (s *Service) Create(ctx context.Context, app *model.AppConfig, hookType, hookURL, secret string) (*Webhook, error) {
	snd, ok := s.senders[hookType]
	if !ok {
		return nil, apperr.Invalid("type", "unknown webhook type %q", hookType)
	}
	if !triggers(snd, app.ToolName) {
		return nil, apperr.Invalid("type", "tool %q does not fire %q webhooks", app.ToolName, hookType)
	}
	hookURL = strings.TrimSpace(hookURL)
	if err := validURL(hookURL); err != nil {
		return nil, err
	}
	var existing []Webhook
	if err := s.cfg.Store.Find(ctx, Collection, docstore.Filter{"type": hookType, "app_config_id": app.ID, "hook_url": hookURL}, &existing); err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, errExists
	}
	allowed, err := s.EnforceLimit(ctx, snd, app)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, apperr.Invalid("", "you have reached the maximum of %d %s webhooks for this tool", s.cfg.MaxPerType, hookType)
	}
	if secret == "" {
		if secret, err = GenerateSecret(); err != nil {
			return nil, err
		}
	}
	hook := &Webhook{ID: ids.NewOID(), Type: hookType, AppConfigID: app.ID, HookURL: hookURL, Secret: secret}
	err = s.write(ctx, func(sess *docstore.Session) error { return sess.Insert(ctx, Collection, hook) })
	if errors.Is(err, docstore.ErrDuplicate) {
		return nil, errExists
	}
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("webhook_id", hook.ID).Str("type", hookType).Str("app_config_id", app.ID).Msg("webhook created")
	return hook, nil
}

func triggers(snd Sender, toolName string) bool {
	for _, t := range snd.TriggeredBy() {
		if t == toolName {
			return true
		}
	}
	return false
}

// Get loads a subscription.
func (s *Service) Get(ctx context.Context, id string) (*Webhook, error) {
	var hook Webhook
	if err := s.cfg.Store.Get(ctx, Collection, id, &hook); err != nil {
		return nil, err
	}
	return &hook, nil
}

// List returns the subscriptions of a tool installation.
func (s *Service) List(ctx context.Context, appID string) ([]Webhook, error) {
	var out []Webhook
	err := s.cfg.Store.Find(ctx, Collection, docstore.Filter{"app_config_id": appID}, &out)
	return out, err
}

// Update changes the URL and, when non-empty, the secret of a subscription.
func (s *Service) Update(ctx context.Context, id, hookURL, secret string) (*Webhook, error) {
	hook, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if hookURL = strings.TrimSpace(hookURL); hookURL != "" && hookURL != hook.HookURL {
		if err := validURL(hookURL); err != nil {
			return nil, err
		}
		hook.HookURL = hookURL
	}
	if secret != "" {
		hook.Secret = secret
	}
	err = s.write(ctx, func(sess *docstore.Session) error { return sess.Save(ctx, Collection, hook) })
	if errors.Is(err, docstore.ErrDuplicate) {
		return nil, errExists
	}
	return hook, err
}

// Delete removes a subscription.
func (s *Service) Delete(ctx context.Context, id string) error {
	hook, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.write(ctx, func(sess *docstore.Session) error { return sess.Remove(ctx, Collection, hook) }); err != nil {
		return err
	}
	if err := s.cfg.Store.Delete(ctx, SendsCollection, id); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		s.log.Warn().Err(err).Str("webhook_id", id).Msg("dropping send window")
	}
	return nil
}

func (s *Service) rateWindow() time.Duration {
	return time.Duration(float64(s.cfg.RateBurst) / s.cfg.RatePerMinute * float64(time.Minute))
}

// allow records one send for hook and reports whether it fits the window.
// Dropped sends are counted too, so a flooded subscription stays throttled
// until it has been quiet for a whole window.
func (s *Service) allow(ctx context.Context, hookID string) (bool, error) {
	now := s.cfg.Clock.Now()
	kept, err := s.cfg.Store.AppendWindow(ctx, SendsCollection, hookID, "sent", seconds(now), seconds(now.Add(-s.rateWindow())))
	if err != nil {
		return false, err
	}
	return len(kept) <= s.cfg.RateBurst, nil
}

func seconds(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }

// Send queues one delivery per (subscription, params) for the event type of
// snd fired by app. Payloads over a subscription's rate are dropped.
func (s *Service) Send(ctx context.Context, snd Sender, app *model.AppConfig, params ...map[string]any) (int, error) {
	var hooks []Webhook
	if err := s.cfg.Store.Find(ctx, Collection, docstore.Filter{"type": snd.Type(), "app_config_id": app.ID}, &hooks); err != nil {
		return 0, err
	}
	if len(hooks) == 0 {
		return 0, nil
	}
	payloads := make([]map[string]any, 0, len(params))
	for _, p := range params {
		payload, err := snd.Payload(ctx, p)
		if err != nil {
			return 0, fmt.Errorf("webhook %s payload: %w", snd.Type(), err)
		}
		payloads = append(payloads, normalizeTimes(payload).(map[string]any))
	}
	queued := 0
	for _, hook := range hooks {
		for _, payload := range payloads {
			ok, err := s.allow(ctx, hook.ID)
			if err != nil {
				return queued, err
			}
			if !ok {
				s.log.Warn().Str("webhook_id", hook.ID).Str("hook_url", hook.HookURL).Msg("webhook rate limit exceeded, payload dropped")
				obsDelivery(hook.Type, "dropped")
				continue
			}
			if err := s.cfg.Publisher.Audit(ctx, KeySend, SendTask{WebhookID: hook.ID, Payload: payload}); err != nil {
				return queued, err
			}
			queued++
		}
	}
	return queued, nil
}

func obsDelivery(hookType, result string) {
	obs.WebhookDeliveries.WithLabelValues(hookType, result).Inc()
}
