package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"golang.org/x/crypto/bcrypt"

	"allura.org/internal/apperr"
	"allura.org/internal/docstore"
	"allura.org/internal/model"
)

type fakeMFA struct {
	code string
}

func (f fakeMFA) Verify(_ context.Context, _ *model.User, code string) error {
	if code != f.code {
		return apperr.ErrUnauthorized
	}
	return nil
}

func (f fakeMFA) VerifyRecoveryCode(_ context.Context, _ *model.User, code string) error {
	if code != "recover-"+f.code {
		return apperr.ErrUnauthorized
	}
	return nil
}

func newTestService(t *testing.T) (*Service, *testclock.Clock, docstore.Store) {
	t.Helper()
	clk := testclock.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	tokens, err := NewTokens("s3cret", time.Hour, clk)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	store := docstore.NewMemory()
	if err := model.NewRepo(store).EnsureIndexes(context.Background()); err != nil {
		t.Fatalf("EnsureIndexes: %v", err)
	}
	return NewService(store, tokens, fakeMFA{code: "123456"}, clk), clk, store
}

func TestTokensRoundTrip(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	tokens, err := NewTokens("s3cret", 30*time.Minute, clk)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	token, exp, err := tokens.Issue("user-42", false)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.Equal(clk.Now().Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", exp)
	}
	claims, err := tokens.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "user-42" || claims.Issuer != "allura" || claims.MFAPending {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	other, _ := NewTokens("other", time.Hour, clk)
	if _, err := other.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature failure, got %v", err)
	}

	clk.Advance(31 * time.Minute)
	if _, err := tokens.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
	if !errors.Is(ErrInvalidToken, apperr.ErrUnauthorized) {
		t.Fatalf("invalid tokens must map to unauthorized")
	}
}

func TestNewTokensNeedsSecret(t *testing.T) {
	if _, err := NewTokens(" ", time.Hour, nil); err == nil {
		t.Fatalf("expected missing secret error")
	}
	if _, err := NewTokens("x", 0, nil); err == nil {
		t.Fatalf("expected ttl error")
	}
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "Ivan", "IVAN@example.com", "correct horse", "Ivan")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Username != "ivan" || u.Email != "ivan@example.com" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if u.PasswordHash == "correct horse" {
		t.Fatalf("password stored in clear")
	}

	if _, err := svc.Register(ctx, "ivan", "", "another pass", ""); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected duplicate username to be rejected, got %v", err)
	}
	if _, err := svc.Register(ctx, "x", "", "correct horse", ""); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected short username to be rejected, got %v", err)
	}
	if _, err := svc.Register(ctx, "maria", "", "short", ""); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected short password to be rejected, got %v", err)
	}

	if _, err := svc.Login(ctx, "ivan", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected bad password, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "correct horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected unknown user, got %v", err)
	}
	sess, err := svc.Login(ctx, "IVAN", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.MFARequired {
		t.Fatalf("no second factor enrolled")
	}
	got, err := svc.Authenticate(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("authenticated %s, want %s", got.ID, u.ID)
	}

	if err := svc.SetPassword(ctx, got, "correct horse", "battery staple"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if _, err := svc.Login(ctx, "ivan", "battery staple"); err != nil {
		t.Fatalf("Login with new password: %v", err)
	}
}

func TestPasswordPolicy(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for _, pw := range []string{"short", "Olivia-s", strings.Repeat("x", MaxPasswordBytes+1)} {
		if _, err := svc.Register(ctx, "olivia-s", "", pw, ""); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Fatalf("password %q: expected rejection, got %v", pw, err)
		}
	}
	u, err := svc.Register(ctx, "olivia-s", "", "long enough", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.SetPassword(ctx, u, "long enough", "OLIVIA-S"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected username as password to be rejected, got %v", err)
	}
}

func TestLoginUpgradesWeakHashOnly(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()
	weak, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	u := &model.User{ID: "u-p", Username: "peggy", PasswordHash: string(weak), MFAAttempts: []float64{1717243200.5}}
	if err := store.Insert(ctx, model.Users, u.ID, u); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := svc.Login(ctx, "peggy", "correct horse"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	var stored model.User
	if err := store.Get(ctx, model.Users, u.ID, &stored); err != nil {
		t.Fatalf("Get: %v", err)
	}
	cost, err := bcrypt.Cost([]byte(stored.PasswordHash))
	if err != nil || cost != PasswordCost {
		t.Fatalf("hash not upgraded: cost %d, %v", cost, err)
	}
	if len(stored.MFAAttempts) != 1 {
		t.Fatalf("upgrade rewrote other fields: %+v", stored.MFAAttempts)
	}
	if _, err := svc.Login(ctx, "peggy", "correct horse"); err != nil {
		t.Fatalf("Login after upgrade: %v", err)
	}
}

func TestLoginWithSecondFactor(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()
	u, err := svc.Register(ctx, "maria", "", "correct horse", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	u.MFAEnabled = true
	if err := store.Put(ctx, model.Users, u.ID, u); err != nil {
		t.Fatalf("Put: %v", err)
	}

	sess, err := svc.Login(ctx, "maria", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !sess.MFARequired {
		t.Fatalf("expected pending session")
	}
	if _, err := svc.Authenticate(ctx, sess.Token); !errors.Is(err, ErrMFARequired) {
		t.Fatalf("pending token must not authenticate, got %v", err)
	}
	if _, err := svc.CompleteMFA(ctx, sess.Token, "000000", false); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected wrong code, got %v", err)
	}
	full, err := svc.CompleteMFA(ctx, sess.Token, "123456", false)
	if err != nil {
		t.Fatalf("CompleteMFA: %v", err)
	}
	if _, err := svc.Authenticate(ctx, full.Token); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := svc.CompleteMFA(ctx, full.Token, "123456", false); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("full tokens are not exchanged again, got %v", err)
	}
	if _, err := svc.CompleteMFA(ctx, sess.Token, "recover-123456", true); err != nil {
		t.Fatalf("recovery login: %v", err)
	}
}

func TestDisabledUserRejected(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()
	u, err := svc.Register(ctx, "olga", "", "correct horse", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	sess, err := svc.Login(ctx, "olga", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	u.Disabled = true
	if err := store.Put(ctx, model.Users, u.ID, u); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := svc.Authenticate(ctx, sess.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected disabled user to be rejected, got %v", err)
	}
	if _, err := svc.Login(ctx, "olga", "correct horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected disabled login to fail, got %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := UserFromContext(ctx); ok {
		t.Fatalf("unexpected user")
	}
	ctx = ContextWithUser(ctx, &model.User{ID: "u-7"})
	u, ok := UserFromContext(ctx)
	if !ok || u.ID != "u-7" {
		t.Fatalf("unexpected user: %+v, ok=%v", u, ok)
	}
	ctx = ContextWithToken(ctx, "tok")
	if tok, ok := TokenFromContext(ctx); !ok || tok != "tok" {
		t.Fatalf("unexpected token %q", tok)
	}
}
