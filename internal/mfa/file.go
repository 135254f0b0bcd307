package mfa

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"allura.org/internal/model"
)

const optionPrefix = `" `

// Option is one `" NAME value` line of a key file.
type Option struct {
	Name  string
	Value string
}

// File is the per-user key file: the base32 key, option lines, then one
// recovery code per line.
type File struct {
	Key     []byte
	Options []Option
	Codes   []string
}

// ParseFile reads a key file.
func ParseFile(data []byte) (*File, error) {
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, errors.New("mfa: key file has no key line")
	}
	key, err := b32.DecodeString(strings.ToUpper(strings.TrimSpace(lines[0])))
	if err != nil {
		return nil, fmt.Errorf("mfa: key line: %w", err)
	}
	f := &File{Key: key}
	for _, line := range lines[1:] {
		if rest, ok := strings.CutPrefix(line, optionPrefix); ok {
			name, value, _ := strings.Cut(rest, " ")
			f.Options = append(f.Options, Option{Name: name, Value: value})
			continue
		}
		if line = strings.TrimSpace(line); line != "" {
			f.Codes = append(f.Codes, line)
		}
	}
	return f, nil
}

// Bytes renders the file; Bytes(ParseFile(b)) == b for well-formed b.
func (f *File) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(b32.EncodeToString(f.Key))
	buf.WriteByte('\n')
	for _, o := range f.Options {
		buf.WriteString(optionPrefix)
		buf.WriteString(o.Name)
		if o.Value != "" {
			buf.WriteByte(' ')
			buf.WriteString(o.Value)
		}
		buf.WriteByte('\n')
	}
	for _, c := range f.Codes {
		buf.WriteString(c)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Option returns the value of the named option.
func (f *File) Option(name string) (string, bool) {
	for _, o := range f.Options {
		if o.Name == name {
			return o.Value, true
		}
	}
	return "", false
}

// SetOption replaces or appends an option.
func (f *File) SetOption(name, value string) {
	for i := range f.Options {
		if f.Options[i].Name == name {
			f.Options[i].Value = value
			return
		}
	}
	f.Options = append(f.Options, Option{Name: name, Value: value})
}

// Attempts parses the timestamps of the RATE_LIMIT option.
func (f *File) Attempts() []float64 {
	v, ok := f.Option("RATE_LIMIT")
	if !ok {
		return nil
	}
	fields := strings.Fields(v)
	var out []float64
	for i := 2; i < len(fields); i++ {
		ts, err := strconv.ParseFloat(fields[i], 64)
		if err == nil {
			out = append(out, ts)
		}
	}
	return out
}

// setAttempts rewrites the RATE_LIMIT option.
func (f *File) setAttempts(allowed int, window time.Duration, attempts []float64) {
	parts := []string{strconv.Itoa(allowed), strconv.Itoa(int(window / time.Second))}
	for _, ts := range attempts {
		parts = append(parts, strconv.FormatFloat(ts, 'f', -1, 64))
	}
	f.SetOption("RATE_LIMIT", strings.Join(parts, " "))
}

// FileBackend keeps one key file per user in a directory.
type FileBackend struct {
	dir string
	// Allowed is written into new RATE_LIMIT lines.
	Allowed int

	mu sync.Mutex
}

// NewFileBackend uses dir, creating it when missing.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, errors.New("mfa: filesystem storage needs a directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir, Allowed: 3}, nil
}

func (b *FileBackend) path(user *model.User) (string, error) {
	name := user.Username
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("mfa: unusable username %q", name)
	}
	return filepath.Join(b.dir, name), nil
}

func (b *FileBackend) load(user *model.User) (*File, error) {
	p, err := b.path(user)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotEnrolled
	}
	if err != nil {
		return nil, err
	}
	return ParseFile(data)
}

// store writes f through a temp file renamed into place.
func (b *FileBackend) store(user *model.User, f *File) error {
	p, err := b.path(user)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(b.dir, ".totp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(f.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o400); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, p)
}

func (b *FileBackend) update(user *model.User, fn func(*File) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, err := b.load(user)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		return err
	}
	return b.store(user, f)
}

func (b *FileBackend) Key(_ context.Context, user *model.User) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, err := b.load(user)
	if err != nil {
		return nil, err
	}
	return f.Key, nil
}

// SetKey writes a fresh file holding key, keeping existing codes.
func (b *FileBackend) SetKey(_ context.Context, user *model.User, key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, err := b.load(user)
	if errors.Is(err, ErrNotEnrolled) {
		f = &File{Options: []Option{{Name: "DISALLOW_REUSE"}, {Name: "TOTP_AUTH"}}}
	} else if err != nil {
		return err
	}
	f.Key = key
	return b.store(user, f)
}

func (b *FileBackend) DeleteKey(_ context.Context, user *model.User) error {
	p, err := b.path(user)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FileBackend) Codes(_ context.Context, user *model.User) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, err := b.load(user)
	if errors.Is(err, ErrNotEnrolled) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f.Codes, nil
}

func (b *FileBackend) ReplaceCodes(_ context.Context, user *model.User, codes []string) error {
	return b.update(user, func(f *File) error {
		f.Codes = append([]string(nil), codes...)
		return nil
	})
}

func (b *FileBackend) RemoveCode(_ context.Context, user *model.User, code string) (bool, error) {
	found := false
	err := b.update(user, func(f *File) error {
		for i, c := range f.Codes {
			if c == code {
				f.Codes = append(f.Codes[:i:i], f.Codes[i+1:]...)
				found = true
				return nil
			}
		}
		return errUnchanged
	})
	if errors.Is(err, errUnchanged) || errors.Is(err, ErrNotEnrolled) {
		return false, nil
	}
	return found, err
}

var errUnchanged = errors.New("unchanged")

// RecordAttempt keeps the window in the RATE_LIMIT option. Users without a
// key file have nothing to protect, so their attempts are not persisted.
func (b *FileBackend) RecordAttempt(_ context.Context, user *model.User, now time.Time, window time.Duration) ([]float64, error) {
	var kept []float64
	err := b.update(user, func(f *File) error {
		allowed := b.Allowed
		if v, ok := f.Option("RATE_LIMIT"); ok {
			if fields := strings.Fields(v); len(fields) > 0 {
				if n, err := strconv.Atoi(fields[0]); err == nil {
					allowed = n
				}
			}
		}
		_, kept = CheckRateLimit(allowed, window, f.Attempts(), now)
		f.setAttempts(allowed, window, kept)
		return nil
	})
	if errors.Is(err, ErrNotEnrolled) {
		return []float64{unix(now)}, nil
	}
	return kept, err
}
