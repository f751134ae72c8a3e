package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/emergency-dispatch/internal/auth"
	"github.com/example/emergency-dispatch/internal/match"
	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/storage"
)

type actorKeyType struct{}

var actorKey actorKeyType

func actorFrom(ctx context.Context) models.Actor {
	a, _ := ctx.Value(actorKey).(models.Actor)
	return a
}

// authed resolves the bearer token and stashes the actor in the request
// context. The request API never reaches a handler unauthenticated.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		actor, err := s.auth.Authenticate(r.Context(), token, "")
		if err != nil {
			respond(w, http.StatusUnauthorized, "authentication required", nil)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

type createRequestBody struct {
	Category  string   `json:"category"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Details   string   `json:"details"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if actor.Role != models.RoleCustomer {
		respond(w, http.StatusForbidden, "only customers can request a vehicle", nil)
		return
	}
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respond(w, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}
	if body.Latitude == nil || body.Longitude == nil {
		respond(w, http.StatusBadRequest, "latitude and longitude are required", nil)
		return
	}
	if models.CategoryName(body.Category) == "Unknown" {
		respond(w, http.StatusBadRequest, "unknown category", nil)
		return
	}
	req, err := s.engine.Create(r.Context(), actor, match.CreateInput{
		Category: body.Category,
		Lat:      *body.Latitude,
		Lon:      *body.Longitude,
		Details:  body.Details,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, "request created", req)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if actor.Role != models.RoleDriver {
		respond(w, http.StatusForbidden, "only drivers can accept a request", nil)
		return
	}
	req, err := s.engine.Accept(r.Context(), actor, mux.Vars(r)["request_id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, "request accepted", req)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if actor.Role != models.RoleCustomer {
		respond(w, http.StatusForbidden, "only the requesting customer can complete", nil)
		return
	}
	req, err := s.engine.Complete(r.Context(), actor, mux.Vars(r)["request_id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, "request completed", req)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if actor.Role != models.RoleCustomer {
		respond(w, http.StatusForbidden, "only the requesting customer can cancel", nil)
		return
	}
	req, err := s.engine.Cancel(r.Context(), actor, mux.Vars(r)["request_id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, "request canceled", req)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if actor.Role != models.RoleCustomer {
		respond(w, http.StatusForbidden, "customer listing only", nil)
		return
	}
	reqs, err := s.store.ListByCustomer(r.Context(), actor.ID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, "ok", reqs)
}

func (s *Server) handlePendingForDriver(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if actor.Role != models.RoleDriver {
		respond(w, http.StatusForbidden, "driver listing only", nil)
		return
	}
	reqs, err := s.store.PendingForDriver(r.Context(), actor.ID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, "ok", reqs)
}

// respondError maps domain errors onto the wire. Race losers and
// unknown ids share the same 404 on purpose.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respond(w, http.StatusNotFound, "request not found", nil)
	case errors.Is(err, storage.ErrForbidden):
		respond(w, http.StatusForbidden, "not allowed", nil)
	case errors.Is(err, storage.ErrInvalidState):
		respond(w, http.StatusConflict, "request is not cancelable", nil)
	case errors.Is(err, storage.ErrRateLimited):
		respond(w, http.StatusTooManyRequests, "active request limit reached", nil)
	case errors.Is(err, auth.ErrForbidden):
		respond(w, http.StatusForbidden, "not allowed", nil)
	default:
		s.logger.Error("request handling failed", "error", err)
		respond(w, http.StatusInternalServerError, "internal error", nil)
	}
}
