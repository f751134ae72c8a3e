package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/emergency-dispatch/internal/auth"
	"github.com/example/emergency-dispatch/internal/dispatch"
	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/observability"
)

// Close codes clients distinguish between: missing credentials vs a
// token that belongs to someone else.
const (
	closeUnauthenticated = 4001
	closeForbidden       = 4002
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// inbound client frame; both coordinates are required.
type wsInbound struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// handleWS is the persistent connection endpoint. One goroutine per
// connection reads location updates; the session's writer goroutine
// (owned by the registry) handles everything outbound.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actorID := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied
	}

	token := bearerToken(r)
	if token == "" {
		closeWith(conn, closeUnauthenticated, "missing token")
		return
	}
	actor, err := s.auth.Authenticate(r.Context(), token, actorID)
	if err != nil {
		if errors.Is(err, auth.ErrForbidden) {
			closeWith(conn, closeForbidden, "token does not match user")
		} else {
			closeWith(conn, closeUnauthenticated, "invalid token")
		}
		return
	}

	sess := s.reg.Register(conn, actor)
	defer s.reg.Unregister(sess)
	s.logger.Info("session opened", "actor_id", actor.ID, "role", actor.Role)

	if actor.Role == models.RoleDriver && s.kafka != nil {
		if err := s.kafka.PublishLifecycle(models.LifecycleEvent{ActorID: actor.ID, Kind: "online", At: time.Now()}); err != nil {
			s.logger.Warn("lifecycle publish failed", "actor_id", actor.ID, "error", err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("session closed", "actor_id", actor.ID)
			return
		}
		observability.WSMessages.Inc()
		// one bad message never closes the connection
		if err := s.handleLocationMessage(r, actor, data); err != nil {
			s.engine.Dispatcher.ToActor(actor.ID, dispatch.NewErrorEvent(err.Error()))
		}
	}
}

func (s *Server) handleLocationMessage(r *http.Request, actor models.Actor, data []byte) error {
	var in wsInbound
	if err := json.Unmarshal(data, &in); err != nil {
		return errors.New("invalid JSON message")
	}
	if in.Latitude == nil || in.Longitude == nil {
		return errors.New("latitude and longitude are required")
	}
	lat, lon := *in.Latitude, *in.Longitude

	if err := s.geo.Upsert(r.Context(), actor.ID, actor.Role, actor.Category, lat, lon); err != nil {
		s.logger.Error("geo upsert failed", "actor_id", actor.ID, "error", err)
		return errors.New("location update failed")
	}
	if s.kafka != nil {
		loc := models.ActorLocation{ActorID: actor.ID, Role: actor.Role, Category: actor.Category, Loc: models.Coord{Lat: lat, Lon: lon}, At: time.Now()}
		if err := s.kafka.PublishLocation(loc); err != nil {
			s.logger.Warn("location publish failed", "actor_id", actor.ID, "error", err)
		}
	}
	s.engine.ForwardLocation(actor, lat, lon)
	return nil
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
