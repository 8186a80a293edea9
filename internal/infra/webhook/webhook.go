// Package webhook accepts chain events pushed over HTTP by an external
// indexer, as an alternative to the websocket chain feed.
package webhook

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"order_relay/internal/event"
	"order_relay/internal/infra/chainfeed"
)

const maxBodyBytes = 1 << 20

// WebhookHandler decodes posted frames and hands the events to a sink.
type WebhookHandler struct {
	sink   func(event.Event)
	logger *slog.Logger
	now    func() time.Time
}

// NewWebhookHandler creates a handler delivering into sink. sink must be
// safe for concurrent use.
func NewWebhookHandler(sink func(event.Event), logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		sink:   sink,
		logger: logger.With(slog.String("component", "webhook")),
		now:    time.Now,
	}
}

type rejection struct {
	Ref   string `json:"ref,omitempty"`
	Error string `json:"error"`
}

type response struct {
	Accepted int         `json:"accepted"`
	Rejected []rejection `json:"rejected,omitempty"`
}

// ServeHTTP accepts one frame or a JSON array of frames. Valid frames are
// delivered even if others in the same request are rejected.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body bytes.Buffer
	if _, err := body.ReadFrom(http.MaxBytesReader(w, r.Body, maxBodyBytes)); err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var frames []chainfeed.Frame
	raw := bytes.TrimSpace(body.Bytes())
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &frames); err != nil {
			http.Error(w, "malformed frames: "+err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		var f chainfeed.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			http.Error(w, "malformed frame: "+err.Error(), http.StatusBadRequest)
			return
		}
		frames = append(frames, f)
	}

	var resp response
	now := h.now()
	for _, f := range frames {
		ev, err := chainfeed.Decode(f, now)
		if err != nil {
			resp.Rejected = append(resp.Rejected, rejection{Ref: f.Ref, Error: err.Error()})
			continue
		}
		h.sink(ev)
		resp.Accepted++
	}
	if len(resp.Rejected) > 0 {
		h.logger.Warn("Rejected webhook frames", slog.Int("accepted", resp.Accepted), slog.Int("rejected", len(resp.Rejected)))
	}

	status := http.StatusAccepted
	if resp.Accepted == 0 && len(resp.Rejected) > 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
