package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/inspection-dispatch/internal/apperr"
	"github.com/example/inspection-dispatch/internal/models"
)

var upgrader = websocket.Upgrader{}

type wsInbound struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// handleDriverWS is the driver's real-time channel: offers go out,
// driver-location-update events come in.
func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	if driverID != userIDFromContext(r.Context()) {
		s.writeError(w, r, apperr.New(apperr.CodeForbidden, "token does not match driver id"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the response
		s.logger.Warn("ws upgrade failed", "driver_id", driverID, "error", err)
		return
	}
	s.WSReg.Add(driverID, conn)
	defer func() {
		s.WSReg.Remove(driverID)
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in wsInbound
		if err := json.Unmarshal(msg, &in); err != nil {
			continue
		}
		if in.Event != "driver-location-update" {
			continue
		}
		var u models.LocationUpdate
		if err := json.Unmarshal(in.Payload, &u); err != nil {
			continue
		}
		u.DriverID = driverID
		if u.At.IsZero() {
			u.At = time.Now()
		}
		s.applyLocation(r.Context(), u)
	}
}

// handleEventsWS subscribes a client to broadcast events, currently
// just driver-location-updated.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	unsubscribe := s.WSReg.Watch(conn)
	defer func() {
		unsubscribe()
		conn.Close()
	}()
	// watchers only listen; drain until the peer goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// applyLocation is the shared ingest path for heartbeats arriving over
// HTTP or WebSocket: publish, apply last-writer-wins, broadcast.
func (s *Server) applyLocation(ctx context.Context, u models.LocationUpdate) {
	if s.Producer != nil {
		if err := s.Producer.PublishLocation(u); err != nil {
			s.logger.Warn("location publish failed", "driver_id", u.DriverID, "error", err)
		}
	}
	if err := s.Registry.UpdateLocation(ctx, u.DriverID, u.Lat, u.Lng, u.At); err != nil {
		s.logger.Warn("location apply failed", "driver_id", u.DriverID, "error", err)
	}
	s.WSReg.Broadcast("driver-location-updated", u)
}
