package notify

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/driver-availability/internal/models"
)

// Channel names follow topic-like addressing: driver:<id>, region:<id>, and
// role:safety for critical transitions.
const RoleSafetyChannel = "role:safety"

func DriverChannel(driverID string) string { return "driver:" + driverID }
func RegionChannel(regionID string) string { return "region:" + regionID }

// WSSession wraps one subscriber connection. gorilla/websocket allows one
// concurrent writer per conn, hence the mutex.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(e models.TransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(e)
}

// WSRegistry holds subscriber sessions per channel.
type WSRegistry struct {
	mu       sync.RWMutex
	channels map[string]map[*WSSession]struct{}
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{channels: make(map[string]map[*WSSession]struct{}), logger: logger}
}

func (r *WSRegistry) Subscribe(channel string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[channel] == nil {
		r.channels[channel] = make(map[*WSSession]struct{})
	}
	r.channels[channel][s] = struct{}{}
	return s
}

func (r *WSRegistry) Unsubscribe(channel string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels[channel], s)
	if len(r.channels[channel]) == 0 {
		delete(r.channels, channel)
	}
}

// Fanout delivers the event to the driver channel, the region channel, and —
// for transitions entering or leaving suspended/emergency — the privileged
// role channel. Send errors evict the session; there is no retry.
func (r *WSRegistry) Fanout(e models.TransitionEvent) {
	targets := []string{DriverChannel(e.DriverID), RegionChannel(e.RegionID)}
	if e.Critical {
		targets = append(targets, RoleSafetyChannel)
	}
	for _, ch := range targets {
		r.broadcast(ch, e)
	}
}

func (r *WSRegistry) broadcast(channel string, e models.TransitionEvent) {
	r.mu.RLock()
	sessions := make([]*WSSession, 0, len(r.channels[channel]))
	for s := range r.channels[channel] {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		if err := s.Send(e); err != nil {
			r.logger.Warn("ws send failed, dropping session", "channel", channel, "error", err)
			r.Unsubscribe(channel, s)
			_ = s.conn.Close()
		}
	}
}
