// Package mfa implements time-based one-time passwords and single-use
// recovery codes as a second login factor.
package mfa

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"image/png"
	"math/big"
	"strings"
	"time"
	"unicode"

	"github.com/juju/clock"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"allura.org/internal/apperr"
	"allura.org/internal/config"
	"allura.org/internal/model"
	"allura.org/internal/obs"
)

var (
	ErrInvalidToken        = fmt.Errorf("%w: invalid token", apperr.ErrUnauthorized)
	ErrInvalidRecoveryCode = fmt.Errorf("%w: invalid recovery code", apperr.ErrUnauthorized)
	ErrNotEnrolled         = fmt.Errorf("%w: multifactor authentication is not set up", apperr.ErrNotFound)
)

// RateLimitError reports too many attempts in the window.
type RateLimitError struct {
	Attempts int
	Window   time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many multifactor attempts (%d in %s)", e.Attempts, e.Window)
}

func (e *RateLimitError) Unwrap() error { return apperr.ErrRateLimited }

// KeySize is the length of generated secrets in bytes.
const KeySize = 20

// Service verifies codes against a Backend.
type Service struct {
	cfg     config.MFA
	backend Backend
	clock   clock.Clock
	log     zerolog.Logger
}

// NewService builds a service. clk may be nil for wall time.
func NewService(cfg config.MFA, backend Backend, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.WallClock
	}
	if cfg.Digits == 0 {
		cfg.Digits = 6
	}
	if cfg.Period <= 0 {
		cfg.Period = 30 * time.Second
	}
	if cfg.Windows <= 0 {
		cfg.Windows = 2
	}
	if cfg.RateLimitCount <= 0 {
		cfg.RateLimitCount = 3
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = 30 * time.Second
	}
	if cfg.RecoveryCount <= 0 {
		cfg.RecoveryCount = 10
	}
	if cfg.RecoveryLength <= 0 {
		cfg.RecoveryLength = 8
	}
	if cfg.SiteName == "" {
		cfg.SiteName = "Allura"
	}
	return &Service{cfg: cfg, backend: backend, clock: clk, log: obs.Component("mfa")}
}

func (s *Service) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(s.cfg.Period / time.Second),
		Digits:    otp.Digits(s.cfg.Digits),
		Algorithm: otp.AlgorithmSHA1,
	}
}

// GenerateKey returns a fresh random secret.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Code returns the code of key at t.
func (s *Service) Code(key []byte, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(b32.EncodeToString(key), t, s.opts())
}

func stripSpace(code string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, code)
}

// enforceRateLimit records an attempt and fails when the window is full.
func (s *Service) enforceRateLimit(ctx context.Context, user *model.User) error {
	kept, err := s.backend.RecordAttempt(ctx, user, s.clock.Now(), s.cfg.RateLimitWindow)
	if err != nil {
		return err
	}
	if len(kept) > s.cfg.RateLimitCount {
		obs.MFAAttempts.WithLabelValues("any", "rate_limited").Inc()
		s.log.Warn().Str("user_id", user.ID).Int("attempts", len(kept)).Msg("multifactor rate limit exceeded")
		return &RateLimitError{Attempts: len(kept), Window: s.cfg.RateLimitWindow}
	}
	return nil
}

// validate tests code against the configured number of windows, newest first.
func (s *Service) validate(key []byte, code string) bool {
	secret := b32.EncodeToString(key)
	now := s.clock.Now()
	for w := 0; w < s.cfg.Windows; w++ {
		ok, err := totp.ValidateCustom(code, secret, now.Add(-time.Duration(w)*s.cfg.Period), s.opts())
		if err == nil && ok {
			return true
		}
	}
	return false
}

// Verify checks a TOTP code for user.
func (s *Service) Verify(ctx context.Context, user *model.User, code string) error {
	code = stripSpace(code)
	if err := s.enforceRateLimit(ctx, user); err != nil {
		return err
	}
	key, err := s.backend.Key(ctx, user)
	if err != nil {
		return err
	}
	if !s.validate(key, code) {
		obs.MFAAttempts.WithLabelValues("totp", "invalid").Inc()
		return ErrInvalidToken
	}
	obs.MFAAttempts.WithLabelValues("totp", "ok").Inc()
	return nil
}

// VerifyRecoveryCode consumes one recovery code.
func (s *Service) VerifyRecoveryCode(ctx context.Context, user *model.User, code string) error {
	code = stripSpace(code)
	if err := s.enforceRateLimit(ctx, user); err != nil {
		return err
	}
	ok, err := s.backend.RemoveCode(ctx, user, code)
	if err != nil {
		return err
	}
	if !ok {
		obs.MFAAttempts.WithLabelValues("recovery", "invalid").Inc()
		return ErrInvalidRecoveryCode
	}
	obs.MFAAttempts.WithLabelValues("recovery", "ok").Inc()
	s.log.Info().Str("user_id", user.ID).Msg("recovery code used")
	return nil
}

// Codes lists the unused recovery codes.
func (s *Service) Codes(ctx context.Context, user *model.User) ([]string, error) {
	return s.backend.Codes(ctx, user)
}

// RegenerateCodes replaces the pool with fresh codes.
func (s *Service) RegenerateCodes(ctx context.Context, user *model.User) ([]string, error) {
	codes := make([]string, s.cfg.RecoveryCount)
	limit := big.NewInt(10)
	for i := range codes {
		var b strings.Builder
		for j := 0; j < s.cfg.RecoveryLength; j++ {
			d, err := rand.Int(rand.Reader, limit)
			if err != nil {
				return nil, err
			}
			b.WriteByte(byte('0' + d.Int64()))
		}
		codes[i] = b.String()
	}
	if err := s.backend.ReplaceCodes(ctx, user, codes); err != nil {
		return nil, err
	}
	return codes, nil
}

// UserStore persists the enrolment flag as a single-field update.
type UserStore interface {
	SetMFAEnabled(ctx context.Context, userID string, enabled bool) error
}

// Enable stores key once code proves the user holds it, marks the user
// enrolled and returns a new pool of recovery codes.
func (s *Service) Enable(ctx context.Context, users UserStore, user *model.User, key []byte, code string) ([]string, error) {
	if err := s.enforceRateLimit(ctx, user); err != nil {
		return nil, err
	}
	if !s.validate(key, stripSpace(code)) {
		return nil, ErrInvalidToken
	}
	if err := s.backend.SetKey(ctx, user, key); err != nil {
		return nil, err
	}
	codes, err := s.RegenerateCodes(ctx, user)
	if err != nil {
		return nil, err
	}
	if err := users.SetMFAEnabled(ctx, user.ID, true); err != nil {
		return nil, err
	}
	user.MFAEnabled = true
	s.log.Info().Str("user_id", user.ID).Msg("multifactor enabled")
	return codes, nil
}

// Disable removes the key and codes of user.
func (s *Service) Disable(ctx context.Context, users UserStore, user *model.User) error {
	if err := s.backend.ReplaceCodes(ctx, user, nil); err != nil && !errors.Is(err, ErrNotEnrolled) {
		return err
	}
	if err := s.backend.DeleteKey(ctx, user); err != nil {
		return err
	}
	if err := users.SetMFAEnabled(ctx, user.ID, false); err != nil {
		return err
	}
	user.MFAEnabled = false
	return nil
}

func (s *Service) otpKey(key []byte, username string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      s.cfg.SiteName,
		AccountName: username,
		Period:      uint(s.cfg.Period / time.Second),
		Secret:      key,
		Digits:      otp.Digits(s.cfg.Digits),
		Algorithm:   otp.AlgorithmSHA1,
	})
}

// ProvisioningURI returns the otpauth:// URI authenticator apps import.
func (s *Service) ProvisioningURI(key []byte, username string) (string, error) {
	k, err := s.otpKey(key, username)
	if err != nil {
		return "", err
	}
	return k.URL(), nil
}

// QRCode renders the provisioning URI as a size×size PNG.
func (s *Service) QRCode(key []byte, username string, size int) ([]byte, error) {
	k, err := s.otpKey(key, username)
	if err != nil {
		return nil, err
	}
	img, err := k.Image(size, size)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
