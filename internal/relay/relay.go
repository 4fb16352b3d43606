// Package relay は接続中の全ピアへイベントを配信するブロードキャストリレーを提供する。
// コアはリレーのメンバーシップ状態を参照しない。配信は常にベストエフォート。
package relay

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Broadcaster はイベントを全ピアへ配信するインターフェース。
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// Event は配信されるイベント。
type Event struct {
	Name    string
	Payload any
}

// Peer はハブに接続中の1クライアントを表す。
type Peer struct {
	ID     string
	UserID string
	events chan Event
}

// Events はピア宛てのイベントを受信するチャネルを返す。
// Disconnect後にクローズされる。
func (p *Peer) Events() <-chan Event {
	return p.events
}

// Hub はプロセス内でイベントをファンアウトするリレー実装。
type Hub struct {
	mu         sync.RWMutex
	peers      map[string]*Peer
	closed     bool
	bufferSize int
	logger     *slog.Logger
}

// NewHub はHubを生成する。bufferSizeはピアごとの未読イベントの上限。
func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		peers:      make(map[string]*Peer),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Connect は新しいピアを登録して返す。
// Close済みのハブではイベントチャネルがクローズ済みのピアを返す。
func (h *Hub) Connect(userID string) *Peer {
	p := &Peer{
		ID:     uuid.New().String(),
		UserID: userID,
		events: make(chan Event, h.bufferSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(p.events)
		return p
	}
	h.peers[p.ID] = p
	h.mu.Unlock()

	h.logger.Info("relay peer connected",
		slog.String("peer_id", p.ID),
		slog.String("user_id", userID),
	)
	return p
}

// Disconnect はピアを登録解除し、イベントチャネルをクローズする。
// 同じピアに対する複数回の呼び出しは無視する。
func (h *Hub) Disconnect(p *Peer) {
	h.mu.Lock()
	_, ok := h.peers[p.ID]
	if ok {
		delete(h.peers, p.ID)
		close(p.events)
	}
	h.mu.Unlock()

	if ok {
		h.logger.Info("relay peer disconnected",
			slog.String("peer_id", p.ID),
			slog.String("user_id", p.UserID),
		)
	}
}

// Broadcast は全ピアへイベントを配信する。
// バッファが満杯のピアにはイベントを破棄し、送信側をブロックしない。
func (h *Hub) Broadcast(event string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, p := range h.peers {
		select {
		case p.events <- Event{Name: event, Payload: payload}:
		default:
			h.logger.Warn("relay event dropped",
				slog.String("peer_id", p.ID),
				slog.String("event", event),
			)
		}
	}
}

// Close は全ピアを切断し、以降の接続を受け付けない。
// サーバーのシャットダウン時に呼ばれ、SSEストリームを終了させる。複数回呼んでもよい。
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	n := len(h.peers)
	for id, p := range h.peers {
		delete(h.peers, id)
		close(p.events)
	}
	h.mu.Unlock()

	h.logger.Info("relay closed", slog.Int("disconnected_peers", n))
}

// PeerCount は接続中のピア数を返す。
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// NopBroadcaster は何も配信しないBroadcaster。
type NopBroadcaster struct{}

// Broadcast は何もしない。
func (NopBroadcaster) Broadcast(string, any) {}

// compile-time interface check
var (
	_ Broadcaster = (*Hub)(nil)
	_ Broadcaster = NopBroadcaster{}
)
