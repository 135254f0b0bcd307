package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"allura.org/internal/apperr"
	"allura.org/internal/docstore"
	"allura.org/internal/ids"
	"allura.org/internal/obs"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if v == nil || code == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="allura"`)
	}
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// fail maps a service error to a response. Unexpected errors are logged
// under a correlation id and never shown to the client.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	if ve, ok := apperr.AsValidation(err); ok {
		payload := map[string]any{"error": ve.Message}
		if ve.Field != "" {
			payload["field"] = ve.Field
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusBadRequest, payload)
		return
	}
	switch {
	case errors.Is(err, apperr.ErrDuplicate):
		writeError(w, r, http.StatusConflict, "already exists")
	case errors.Is(err, apperr.ErrInvalidInput), errors.Is(err, docstore.ErrInvalid):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperr.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, apperr.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, apperr.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, apperr.ErrRateLimited):
		w.Header().Set("Retry-After", "30")
		writeError(w, r, http.StatusTooManyRequests, err.Error())
	default:
		cid := ids.New()
		log := obs.Component("httpapi")
		log.Error().Err(err).
			Str("correlation_id", cid).
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":          "Sorry, something went wrong",
			"correlation_id": cid,
		})
	}
}

// decodeJSON reads exactly one JSON value. The body size is capped by
// MaxBodyBytes.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return apperr.Invalid("", "request body is required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Invalid("", "request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Invalid("", "request body exceeds %d bytes", tooLarge.Limit)
		}
		return apperr.Invalid("", "malformed JSON: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return apperr.Invalid("", "unexpected data after JSON body")
	}
	return nil
}
