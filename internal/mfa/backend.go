package mfa

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"allura.org/internal/config"
	"allura.org/internal/docstore"
	"allura.org/internal/model"
)

// Backend stores TOTP keys, recovery codes and attempt timestamps.
type Backend interface {
	// Key returns the user's secret or ErrNotEnrolled.
	Key(ctx context.Context, user *model.User) ([]byte, error)
	SetKey(ctx context.Context, user *model.User, key []byte) error
	DeleteKey(ctx context.Context, user *model.User) error
	Codes(ctx context.Context, user *model.User) ([]string, error)
	// ReplaceCodes swaps the whole pool in one write.
	ReplaceCodes(ctx context.Context, user *model.User, codes []string) error
	// RemoveCode deletes code from the pool and reports whether it was there.
	RemoveCode(ctx context.Context, user *model.User, code string) (bool, error)
	// RecordAttempt drops attempts older than window, appends now and
	// returns the retained timestamps in one atomic step.
	RecordAttempt(ctx context.Context, user *model.User, now time.Time, window time.Duration) ([]float64, error)
}

// NewBackend selects the storage named by cfg.
func NewBackend(cfg config.MFA, store docstore.Store) (Backend, error) {
	switch cfg.Storage {
	case "", "docstore":
		return NewDocBackend(store), nil
	case "filesystem":
		return NewFileBackend(cfg.Dir)
	}
	return nil, fmt.Errorf("mfa: unknown storage %q", cfg.Storage)
}

// Collections of the document backend.
const (
	KeysCollection  = "totp_keys"
	CodesCollection = "recovery_codes"
)

type keyDoc struct {
	ID     string `json:"_id"`
	UserID string `json:"user_id"`
	Key    string `json:"key"`
}

func (d *keyDoc) DocID() string { return d.ID }

type codesDoc struct {
	ID     string   `json:"_id"`
	UserID string   `json:"user_id"`
	Codes  []string `json:"codes"`
}

func (d *codesDoc) DocID() string { return d.ID }

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// EncodeKey renders a key the way authenticator apps expect it.
func EncodeKey(key []byte) string { return b32.EncodeToString(key) }

// DecodeKey parses EncodeKey output, ignoring case and spaces.
func DecodeKey(s string) ([]byte, error) {
	return b32.DecodeString(strings.ToUpper(strings.ReplaceAll(s, " ", "")))
}

// DocBackend keeps one key document and one code document per user and the
// attempt window on the user record.
type DocBackend struct {
	store docstore.Store
}

func NewDocBackend(store docstore.Store) *DocBackend { return &DocBackend{store: store} }

func (b *DocBackend) Key(ctx context.Context, user *model.User) ([]byte, error) {
	var doc keyDoc
	err := b.store.Get(ctx, KeysCollection, user.ID, &doc)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrNotEnrolled
	}
	if err != nil {
		return nil, err
	}
	return b32.DecodeString(doc.Key)
}

func (b *DocBackend) SetKey(ctx context.Context, user *model.User, key []byte) error {
	return b.store.Put(ctx, KeysCollection, user.ID, &keyDoc{ID: user.ID, UserID: user.ID, Key: b32.EncodeToString(key)})
}

func (b *DocBackend) DeleteKey(ctx context.Context, user *model.User) error {
	if err := b.store.Delete(ctx, KeysCollection, user.ID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return err
	}
	return nil
}

func (b *DocBackend) Codes(ctx context.Context, user *model.User) ([]string, error) {
	var doc codesDoc
	err := b.store.Get(ctx, CodesCollection, user.ID, &doc)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	return doc.Codes, err
}

func (b *DocBackend) ReplaceCodes(ctx context.Context, user *model.User, codes []string) error {
	return b.store.Put(ctx, CodesCollection, user.ID, &codesDoc{ID: user.ID, UserID: user.ID, Codes: codes})
}

func (b *DocBackend) RemoveCode(ctx context.Context, user *model.User, code string) (bool, error) {
	return b.store.Pull(ctx, CodesCollection, user.ID, "codes", code)
}

func (b *DocBackend) RecordAttempt(ctx context.Context, user *model.User, now time.Time, window time.Duration) ([]float64, error) {
	return b.store.AppendWindow(ctx, model.Users, user.ID, "mfa_attempts", unix(now), unix(now.Add(-window)))
}
