package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"allura.org/internal/security"
	"allura.org/internal/stream"
)

// Stream serves forge events as Server-Sent Events. ?project= narrows the
// stream to one project the caller can read; ?key= to a routing pattern.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	filter := stream.Filter{Key: r.URL.Query().Get("key")}
	if name := r.URL.Query().Get("project"); name != "" {
		n, err := a.repo.NeighborhoodByPrefix(r.Context(), a.cfg.NeighborhoodPrefix)
		if err != nil {
			fail(w, r, err)
			return
		}
		p, err := a.repo.ProjectByShortname(r.Context(), n.ID, name)
		if err != nil {
			fail(w, r, err)
			return
		}
		chain, err := a.repo.ProjectChain(r.Context(), p)
		if err != nil {
			fail(w, r, err)
			return
		}
		if !a.cfg.Resolver.HasAccess(r.Context(), chain, security.PermRead, subject(r.Context())) {
			writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		filter.ProjectID = p.ID
	} else if _, err := currentUser(r.Context()); err != nil {
		// The forge-wide stream is for logged-in users only.
		fail(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.cfg.Stream.Subscribe(ctx, filter)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Key, payload)
		flusher.Flush()
	}
}
