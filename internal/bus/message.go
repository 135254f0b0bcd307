// Package bus carries commands (audit exchange) and events (react exchange)
// from the web tier to background workers.
package bus

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Exchanges.
const (
	Audit = "audit"
	React = "react"
)

// Well-known routing keys.
const (
	KeyTaskFailed     = "forge.task_failed"
	KeyProjectUpdated = "forge.project_updated"
	KeyArtifactAdded  = "forge.artifact_created"
)

var (
	// ErrTooLarge is returned when an encoded message exceeds the size limit.
	ErrTooLarge = errors.New("bus: message too large")
	// ErrUnknownExchange is returned for exchanges other than audit and react.
	ErrUnknownExchange = errors.New("bus: unknown exchange")
	// ErrNoHandler is returned when an audit message has no consumer.
	ErrNoHandler = errors.New("bus: no handler")
)

// Message is the envelope carried by every transport.
type Message struct {
	ID          string          `json:"id"`
	Exchange    string          `json:"exchange"`
	RoutingKey  string          `json:"routing_key"`
	ProjectID   string          `json:"project_id,omitempty"`
	AppConfigID string          `json:"app_config_id,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	MountPoint  string          `json:"mount_point,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Decode unmarshals the payload into out.
func (m Message) Decode(out any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, out)
}

func validExchange(ex string) bool { return ex == Audit || ex == React }

// Match reports whether key matches pattern. Segments are dot separated;
// "*" matches exactly one segment and "#" matches one or more.
func Match(pattern, key string) bool {
	return match(strings.Split(pattern, "."), strings.Split(key, "."))
}

func match(pat, key []string) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case "#":
			if len(key) == 0 {
				return false
			}
			for i := 1; i <= len(key); i++ {
				if match(pat[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pat[0] {
				return false
			}
		}
		pat, key = pat[1:], key[1:]
	}
	return len(key) == 0
}
