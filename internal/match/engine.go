package match

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/example/emergency-dispatch/internal/dispatch"
	"github.com/example/emergency-dispatch/internal/geo"
	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/observability"
	"github.com/example/emergency-dispatch/internal/push"
	"github.com/example/emergency-dispatch/internal/storage"
)

// Directory resolves actor identifiers to their externally-owned
// profiles; the engine uses it only to find candidate push tokens.
type Directory interface {
	Lookup(ctx context.Context, actorID string) (models.Actor, error)
}

// CreateInput is the customer-supplied part of a new request.
type CreateInput struct {
	Category string
	Lat      float64
	Lon      float64
	Details  string
}

// Engine owns the request lifecycle end to end: creation with quota,
// candidate fan-out, the accept race, and terminal transitions, with
// the notifications each step requires.
type Engine struct {
	Geo        geo.Store
	Store      storage.RequestStore
	Dispatcher *dispatch.Dispatcher
	Push       push.Notifier
	Directory  Directory
	Pairings   *PairingCache
	Logger     *slog.Logger

	RadiusKm     float64
	MaxActive    int
	CategoryOnly bool // target only matching-category drivers
}

// Create persists a pending request for the customer and fans it out to
// nearby drivers. The caller is never blocked waiting for a driver: a
// request with zero candidates simply stays pending.
func (e *Engine) Create(ctx context.Context, customer models.Actor, in CreateInput) (models.ServiceRequest, error) {
	now := time.Now()
	req := models.ServiceRequest{
		ID:         uuid.NewString(),
		CustomerID: customer.ID,
		Category:   in.Category,
		Status:     models.StatusPending,
		Location:   models.Coord{Lat: in.Lat, Lon: in.Lon},
		Details:    in.Details,
		Code:       newCode(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Store.Create(ctx, &req, e.MaxActive); err != nil {
		return models.ServiceRequest{}, err
	}
	observability.RequestsCreated.Inc()
	e.fanOut(ctx, req, customer)
	return req, nil
}

// fanOut finds candidates, records their mappings and notifies each of
// them. One candidate's failure never aborts the rest.
func (e *Engine) fanOut(ctx context.Context, req models.ServiceRequest, customer models.Actor) {
	filter := geo.Filter{Role: models.RoleDriver}
	if e.CategoryOnly {
		filter.Category = req.Category
	}
	positions, err := e.Geo.Radius(ctx, req.Location.Lat, req.Location.Lon, e.RadiusKm, filter)
	if err != nil {
		e.Logger.Error("radius query failed", "request_id", req.ID, "error", err)
		return
	}
	observability.FanoutCandidates.Observe(float64(len(positions)))
	if len(positions) == 0 {
		e.Logger.Info("no candidates in radius", "request_id", req.ID, "radius_km", e.RadiusKm)
		return
	}
	ids := make([]string, len(positions))
	for i, p := range positions {
		ids[i] = p.ActorID
	}
	if err := e.Store.CreateMappings(ctx, req.ID, ids); err != nil {
		e.Logger.Error("create mappings failed", "request_id", req.ID, "error", err)
		return
	}
	ev := dispatch.NewNewBooking(req, customer)
	for _, id := range ids {
		e.Dispatcher.ToActor(id, ev)
		e.pushNewRequest(ctx, id, req)
	}
}

// pushNewRequest sends the guaranteed-eventual copy of a new-request
// alert through the external push collaborator, when the driver has a
// registered device.
func (e *Engine) pushNewRequest(ctx context.Context, driverID string, req models.ServiceRequest) {
	if e.Directory == nil || e.Push == nil {
		return
	}
	actor, err := e.Directory.Lookup(ctx, driverID)
	if err != nil {
		e.Logger.Warn("directory lookup failed", "actor_id", driverID, "error", err)
		return
	}
	if actor.PushToken == "" {
		return
	}
	title := models.CategoryName(req.Category) + " request nearby"
	data := map[string]any{"request_id": req.ID}
	if err := e.Push.Notify(ctx, []string{actor.PushToken}, title, req.Details, data); err != nil {
		e.Logger.Warn("push notify failed", "actor_id", driverID, "error", err)
	}
}

// Accept resolves the race between candidate drivers. The winner pairs
// with the customer and triggers the accepted/ignored notifications;
// every loser sees storage.ErrNotFound.
func (e *Engine) Accept(ctx context.Context, driver models.Actor, requestID string) (models.ServiceRequest, error) {
	req, ignored, err := e.Store.Accept(ctx, requestID, driver.ID)
	if err != nil {
		observability.AcceptConflicts.Inc()
		return models.ServiceRequest{}, err
	}
	observability.RequestsAccepted.Inc()
	e.Pairings.Pair(driver.ID, req.CustomerID)

	var snapshot *models.Coord
	if loc, ok, err := e.Geo.Position(ctx, driver.ID); err == nil && ok {
		snapshot = &loc
	}
	e.Dispatcher.ToActor(req.CustomerID, dispatch.NewOrderAccepted(req, driver, snapshot))
	for _, d := range ignored {
		e.Dispatcher.ToActor(d, dispatch.NewUpdateBooking(req.ID, models.MappingIgnored))
	}
	return req, nil
}

// Complete finishes an in_progress request and clears the pairing.
func (e *Engine) Complete(ctx context.Context, customer models.Actor, requestID string) (models.ServiceRequest, error) {
	req, err := e.Store.Complete(ctx, requestID, customer.ID)
	if err != nil {
		return models.ServiceRequest{}, err
	}
	observability.RequestsCompleted.Inc()
	if req.DriverID != "" {
		e.Pairings.Unpair(req.DriverID, req.CustomerID)
		e.Dispatcher.ToActor(req.DriverID, dispatch.NewOrderCompleted(req.ID))
	}
	e.Dispatcher.ToActor(req.CustomerID, dispatch.NewOrderCompleted(req.ID))
	return req, nil
}

// Cancel aborts a pending or in_progress request. The assigned driver
// (if any), the remaining candidates, and the customer's own sessions
// are all told.
func (e *Engine) Cancel(ctx context.Context, customer models.Actor, requestID string) (models.ServiceRequest, error) {
	req, stillPending, err := e.Store.Cancel(ctx, requestID, customer.ID)
	if err != nil {
		return models.ServiceRequest{}, err
	}
	observability.RequestsCanceled.Inc()
	if req.DriverID != "" {
		e.Pairings.Unpair(req.DriverID, req.CustomerID)
		e.Dispatcher.ToActor(req.DriverID, dispatch.NewOrderCanceled(req.ID))
	}
	for _, d := range stillPending {
		e.Dispatcher.ToActor(d, dispatch.NewUpdateBooking(req.ID, models.MappingIgnored))
	}
	// echo to the customer's own sessions for multi-device consistency
	e.Dispatcher.ToActor(req.CustomerID, dispatch.NewOrderCanceled(req.ID))
	return req, nil
}

// ForwardLocation pushes a fresh position to the actor's paired
// counterpart(s). Best-effort; unpaired actors forward to nobody.
func (e *Engine) ForwardLocation(actor models.Actor, lat, lon float64) {
	ev := dispatch.NewLocationUpdate(actor.ID, lat, lon)
	switch actor.Role {
	case models.RoleDriver:
		if customerID, ok := e.Pairings.CustomerOf(actor.ID); ok {
			e.Dispatcher.ToActor(customerID, ev)
		}
	case models.RoleCustomer:
		for _, d := range e.Pairings.DriversOf(actor.ID) {
			e.Dispatcher.ToActor(d, ev)
		}
	}
}

// newCode draws a 6-digit one-time confirmation code.
func newCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		// crypto/rand failing means the process is in far worse trouble
		panic(err)
	}
	return fmt.Sprintf("%06d", n.Int64())
}
