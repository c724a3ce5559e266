package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"consentgate.org/internal/access"
	"consentgate.org/internal/stream"
)

// Stream serves committed audit entries as Server-Sent Events. The optional
// subject and action query parameters narrow the feed.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	filter := stream.Filter{SubjectID: strings.TrimSpace(r.URL.Query().Get("subject"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("action")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter.Actions = append(filter.Actions, access.Action(part))
			}
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx, filter)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for entry := range ch {
		payload, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("id: " + strconv.FormatUint(entry.Seq, 10) + "\n"))
		_, _ = w.Write([]byte("event: " + string(entry.Action) + "\n"))
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
