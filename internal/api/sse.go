package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"primebud.com/primebud-chat/internal/core"
)

// eventWriter writes Server-Sent Events. Headers go out with the first event
// so errors raised before any output can still use a normal status code.
type eventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (e *eventWriter) start() {
	if e.started {
		return
	}
	e.started = true
	h := e.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	e.w.WriteHeader(http.StatusOK)
}

func (e *eventWriter) send(event string, v any) {
	e.start()
	data, _ := json.Marshal(v)
	if event != "" {
		fmt.Fprintf(e.w, "event: %s\n", event)
	}
	fmt.Fprintf(e.w, "data: %s\n\n", data)
	e.flusher.Flush()
}

func (e *eventWriter) done() {
	e.start()
	fmt.Fprint(e.w, "data: [DONE]\n\n")
	e.flusher.Flush()
}

func (h *APIHandler) streamMessage(w http.ResponseWriter, r *http.Request, chatID string, in core.TurnInput) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	ev := &eventWriter{w: w, flusher: flusher}

	msg, err := h.chatService.StreamMessage(r.Context(), session(r), chatID, in, func(fragment string) {
		ev.send("", map[string]string{"delta": fragment})
	})
	if err != nil {
		if !ev.started {
			h.writeError(w, r, err, "post message")
			return
		}
		h.logger.Error("Stream failed after start", zap.String("chat_id", chatID), zap.Error(err))
		ev.send("error", map[string]string{"error": "Failed to post message"})
		ev.done()
		return
	}
	ev.send("done", msg)
	ev.done()
}
