package obs

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLoggerEmitsJSONWithRenamedFields(t *testing.T) {
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	defer SetOutput(prev)

	log := Component("bus")
	log.Info().Str("routing_key", "forge.project_updated").Msg("published")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	for _, key := range []string{"ts", "level", "msg", "component", "routing_key"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in %v", key, entry)
		}
	}
	if entry["msg"] != "published" {
		t.Fatalf("unexpected msg: %v", entry["msg"])
	}
}
