package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Event is the envelope for messages pushed over driver and watcher
// sockets.
type Event struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// WSSession is one connected driver socket. Writes are serialized;
// gorilla allows only one concurrent writer per connection.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// WSRegistry holds driver sessions plus watcher connections that
// subscribe to broadcast events such as driver-location-updated.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	watchers map[*WSSession]bool
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{
		sessions: make(map[string]*WSSession),
		watchers: make(map[*WSSession]bool),
		logger:   logger,
	}
}

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, driverID)
}

// Watch registers a client connection interested in broadcast events.
// It returns an unsubscribe func.
func (r *WSRegistry) Watch(conn *websocket.Conn) func() {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	r.watchers[s] = true
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.watchers, s)
		r.mu.Unlock()
	}
}

func (r *WSRegistry) OfferToDriver(driverID string, n OfferNotice) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(Event{Event: "appointment-offer", Payload: n}); err != nil {
		r.logger.Warn("ws send failed", "driver_id", driverID, "error", err)
		return err
	}
	return nil
}

// Broadcast fans an event out to all watchers. Sends are best effort
// and must never block the caller's hot path longer than a socket
// write.
func (r *WSRegistry) Broadcast(event string, payload any) {
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.watchers))
	for s := range r.watchers {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	for _, s := range targets {
		if err := s.send(Event{Event: event, Payload: payload}); err != nil {
			r.logger.Debug("broadcast send failed", "error", err)
		}
	}
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
