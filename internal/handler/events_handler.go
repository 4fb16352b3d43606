package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/bubbles/internal/model"
	"github.com/hitoshi/bubbles/internal/relay"
)

// defaultHeartbeatInterval はSSE接続を維持するためのコメント送信間隔。
const defaultHeartbeatInterval = 15 * time.Second

// EventSource はSSE購読者をリレーへ接続・切断するインターフェース。
// relay.Hubが実装する。
type EventSource interface {
	Connect(userID string) *relay.Peer
	Disconnect(p *relay.Peer)
}

// EventsHandler はリレーのイベントをServer-Sent Eventsとして配信する。
type EventsHandler struct {
	source    EventSource
	heartbeat time.Duration
}

// NewEventsHandler はEventsHandlerを生成する。heartbeatが0以下の場合はデフォルト値を使う。
func NewEventsHandler(source EventSource, heartbeat time.Duration) *EventsHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	return &EventsHandler{source: source, heartbeat: heartbeat}
}

// Stream はクライアントが切断するまでイベントを送信し続ける。
// GET /api/events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("streaming unsupported by response writer")
		writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
		return
	}

	// サーバーのWriteTimeoutでストリームが切断されないよう書き込み期限を解除する
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Warn("failed to clear write deadline", slog.String("error", err.Error()))
	}

	peer := h.source.Connect(userID)
	defer h.source.Disconnect(peer)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-peer.Events():
			if !open {
				return
			}
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				slog.Error("failed to marshal event payload",
					slog.String("event", ev.Name),
					slog.String("error", err.Error()),
				)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
