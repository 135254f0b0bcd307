package auth

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"allura.org/internal/apperr"
	"allura.org/internal/docstore"
	"allura.org/internal/ids"
	"allura.org/internal/model"
	"allura.org/internal/obs"
)

var usernamePattern = regexp.MustCompile(`^[a-z][-a-z0-9]{2,31}$`)

// SecondFactor verifies a one-time code for a user.
type SecondFactor interface {
	Verify(ctx context.Context, user *model.User, code string) error
	VerifyRecoveryCode(ctx context.Context, user *model.User, code string) error
}

// Service manages accounts and logins.
type Service struct {
	store  docstore.Store
	repo   *model.Repo
	tokens *Tokens
	mfa    SecondFactor
	clock  clock.Clock
	log    zerolog.Logger
}

// NewService builds a service. mfa may be nil when no user can enable a
// second factor.
func NewService(store docstore.Store, tokens *Tokens, mfa SecondFactor, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Service{store: store, repo: model.NewRepo(store), tokens: tokens, mfa: mfa, clock: clk, log: obs.Component("auth")}
}

// Session is the result of a login step.
type Session struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	MFARequired bool      `json:"mfa_required"`
}

// Register creates an account.
func (s *Service) Register(ctx context.Context, username, email, password, displayName string) (*model.User, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	if !usernamePattern.MatchString(username) {
		return nil, apperr.Invalid("username", "username must be 3-32 characters of lowercase letters, digits and '-'")
	}
	if err := checkPassword(username, password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &model.User{
		ID:           ids.NewOID(),
		Username:     username,
		DisplayName:  strings.TrimSpace(displayName),
		Email:        strings.TrimSpace(strings.ToLower(email)),
		PasswordHash: hash,
		CreatedAt:    s.clock.Now().UTC(),
	}
	if err := s.store.Insert(ctx, model.Users, u.ID, u); err != nil {
		if errors.Is(err, docstore.ErrDuplicate) {
			return nil, apperr.Invalid("username", "username %q is taken", username)
		}
		return nil, err
	}
	s.log.Info().Str("user_id", u.ID).Str("username", username).Msg("user registered")
	return u, nil
}

// Login checks a password. Users with a second factor get a pending token
// that only CompleteMFA accepts.
func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	if username == "" || password == "" {
		return Session{}, ErrInvalidCredentials
	}
	u, err := s.repo.UserByUsername(ctx, username)
	if errors.Is(err, docstore.ErrNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}
	if u.Disabled {
		return Session{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		return Session{}, err
	}
	s.upgradeHash(ctx, u.ID, u.PasswordHash, password)
	pending := u.MFAEnabled && s.mfa != nil
	token, exp, err := s.tokens.Issue(u.ID, pending)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, ExpiresAt: exp, MFARequired: pending}, nil
}

// CompleteMFA exchanges a pending token and a TOTP or recovery code for a
// full session.
func (s *Service) CompleteMFA(ctx context.Context, pendingToken, code string, recovery bool) (Session, error) {
	if s.mfa == nil {
		return Session{}, ErrInvalidToken
	}
	claims, err := s.tokens.Parse(pendingToken)
	if err != nil {
		return Session{}, err
	}
	if !claims.MFAPending {
		return Session{}, ErrInvalidToken
	}
	u, err := s.user(ctx, claims.Subject)
	if err != nil {
		return Session{}, err
	}
	if recovery {
		err = s.mfa.VerifyRecoveryCode(ctx, u, code)
	} else {
		err = s.mfa.Verify(ctx, u, code)
	}
	if err != nil {
		return Session{}, err
	}
	token, exp, err := s.tokens.Issue(u.ID, false)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, ExpiresAt: exp}, nil
}

// Authenticate resolves a full session token to its user.
func (s *Service) Authenticate(ctx context.Context, token string) (*model.User, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	if claims.MFAPending {
		return nil, ErrMFARequired
	}
	return s.user(ctx, claims.Subject)
}

func (s *Service) user(ctx context.Context, id string) (*model.User, error) {
	u, err := s.repo.User(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if u.Disabled {
		return nil, ErrInvalidToken
	}
	return u, nil
}

// SetPassword replaces a user's password after checking the old one.
func (s *Service) SetPassword(ctx context.Context, u *model.User, oldPassword, newPassword string) error {
	if err := VerifyPassword(u.PasswordHash, oldPassword); err != nil {
		return ErrInvalidCredentials
	}
	if err := checkPassword(u.Username, newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.repo.SetPasswordHash(ctx, u.ID, hash); err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}
