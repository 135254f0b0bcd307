package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"allura.org/internal/bus"
	"allura.org/internal/docstore"
	"allura.org/internal/obs"
)

// StatusError is a delivery answered outside 2xx.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("webhook: endpoint answered %d", e.Code) }

// attempt POSTs body once.
func (s *Service) attempt(ctx context.Context, hook *Webhook, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.HookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(SignatureHeader, Sign(body, hook.Secret))
	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: POST %s: %w", hook.HookURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Deliver sends payload to a subscription, retrying after each configured
// delay. It returns the number of attempts made. Exhausting the schedule is
// logged and is not an error.
func (s *Service) Deliver(ctx context.Context, id string, payload map[string]any) (int, error) {
	hook, err := s.Get(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		s.log.Warn().Str("webhook_id", id).Msg("webhook deleted before delivery")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	body, err := Canonical(payload)
	if err != nil {
		return 0, err
	}
	ctx, span := obs.Tracer("webhook").Start(ctx, "webhook.deliver")
	span.SetAttributes(attribute.String("webhook.type", hook.Type), attribute.String("webhook.id", hook.ID))
	defer span.End()

	attempts := 0
	for i := 0; ; i++ {
		attempts++
		err = s.attempt(ctx, hook, body)
		if err == nil {
			break
		}
		log := s.log.With().Str("webhook_id", hook.ID).Str("hook_url", hook.HookURL).Int("attempt", attempts).Logger()
		if i >= len(s.cfg.RetryDelays) {
			log.Error().Err(err).Msg("webhook delivery abandoned")
			obsDelivery(hook.Type, "abandoned")
			span.SetStatus(codes.Error, err.Error())
			return attempts, nil
		}
		delay := s.cfg.RetryDelays[i]
		log.Warn().Err(err).Dur("retry_in", delay).Msg("webhook delivery failed")
		obsDelivery(hook.Type, "retry")
		select {
		case <-s.cfg.Clock.After(delay):
		case <-ctx.Done():
			return attempts, ctx.Err()
		}
	}
	obsDelivery(hook.Type, "ok")
	// Only last_sent is written: a subscription deleted or edited while the
	// attempts ran must not be restored from the copy loaded above.
	now := s.cfg.Clock.Now().UTC()
	err = s.cfg.Store.Set(ctx, Collection, hook.ID, map[string]any{"last_sent": now})
	if errors.Is(err, docstore.ErrNotFound) {
		s.log.Warn().Str("webhook_id", hook.ID).Msg("webhook deleted during delivery")
		return attempts, nil
	}
	if err != nil {
		return attempts, err
	}
	s.log.Info().Str("webhook_id", hook.ID).Int("attempts", attempts).Msg("webhook delivered")
	return attempts, nil
}

// Test makes one synchronous attempt with payload and reports its outcome.
func (s *Service) Test(ctx context.Context, id string, payload map[string]any) error {
	hook, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	body, err := Canonical(payload)
	if err != nil {
		return err
	}
	return s.attempt(ctx, hook, body)
}

// Bindings returns the worker handler of send_webhook.
func (s *Service) Bindings() []bus.Binding {
	return []bus.Binding{{
		Exchange: bus.Audit,
		Pattern:  KeySend,
		Name:     "webhook.send",
		Handler: func(ctx context.Context, msg bus.Message) error {
			var task SendTask
			if err := msg.Decode(&task); err != nil {
				return err
			}
			_, err := s.Deliver(ctx, task.WebhookID, task.Payload)
			return err
		},
	}}
}
