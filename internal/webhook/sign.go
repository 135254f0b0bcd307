package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeFormat is how timestamps appear in payloads.
const TimeFormat = "2006-01-02T15:04:05Z"

// SignatureHeader carries the HMAC of the body.
const SignatureHeader = "X-Allura-Signature"

// Canonical renders v as JSON with sorted object keys and timestamps in UTC
// at second precision. Equal values always encode to equal bytes.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(normalizeTimes(v))
	if err != nil {
		return nil, fmt.Errorf("webhook: encode payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func normalizeTimes(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(TimeFormat)
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC().Format(TimeFormat)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalizeTimes(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalizeTimes(val)
		}
		return out
	}
	return v
}

// Sign returns the signature header value of body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value against body. The error
// never includes the expected digest.
func VerifySignature(body []byte, secret, signature string) error {
	if secret == "" {
		return errors.New("webhook: secret is empty")
	}
	digest, ok := strings.CutPrefix(signature, "sha1=")
	if !ok {
		return errors.New("webhook: signature must start with sha1=")
	}
	got, err := hex.DecodeString(digest)
	if err != nil {
		return fmt.Errorf("webhook: invalid hex signature: %w", err)
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), got) != 1 {
		return errors.New("webhook: signature mismatch")
	}
	return nil
}
