package dispatch

import (
	"encoding/json"
	"time"

	"github.com/example/emergency-dispatch/internal/models"
)

// Outbound event types as they appear in the "type" field on the wire.
const (
	TypeLocationUpdate = "location_update"
	TypeNewBooking     = "new_booking_event"
	TypeUpdateBooking  = "update_booking_event"
	TypeOrderAccepted  = "order_accepted_event"
	TypeOrderCanceled  = "order_canceled_event"
	TypeOrderCompleted = "order_completed_event"
	TypeError          = "error"
)

// Event is one variant of the outbound protocol. Each variant carries
// its own tag and serializer; there is no dynamic dispatch on type names.
type Event interface {
	Encode() ([]byte, error)
}

// LocationUpdate forwards a paired counterpart's position.
type LocationUpdate struct {
	Type      string  `json:"type"`
	ActorID   string  `json:"actor_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func NewLocationUpdate(actorID string, lat, lon float64) LocationUpdate {
	return LocationUpdate{Type: TypeLocationUpdate, ActorID: actorID, Latitude: lat, Longitude: lon}
}

func (e LocationUpdate) Encode() ([]byte, error) { return json.Marshal(e) }

// BookingUser identifies the requesting customer inside a booking event.
type BookingUser struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// BookingData is the payload drivers see for a new request.
type BookingData struct {
	User        BookingUser  `json:"user"`
	RequestType string       `json:"request_type"`
	Location    models.Coord `json:"location"`
	Status      string       `json:"status"`
	Timestamp   string       `json:"timestamp"`
	Details     string       `json:"additional_details"`
}

// NewBooking is fanned out to each candidate driver.
type NewBooking struct {
	Type        string      `json:"type"`
	Event       string      `json:"event"`
	ID          string      `json:"id"`
	BookingType string      `json:"booking_type"`
	Data        BookingData `json:"data"`
}

func NewNewBooking(req models.ServiceRequest, customer models.Actor) NewBooking {
	return NewBooking{
		Type:        TypeNewBooking,
		Event:       "new",
		ID:          req.ID,
		BookingType: "booking",
		Data: BookingData{
			User:        BookingUser{Name: customer.Name, Phone: customer.Phone},
			RequestType: models.CategoryName(req.Category),
			Location:    req.Location,
			Status:      string(req.Status),
			Timestamp:   req.CreatedAt.Format(time.DateTime),
			Details:     req.Details,
		},
	}
}

func (e NewBooking) Encode() ([]byte, error) { return json.Marshal(e) }

// UpdateBooking tells a candidate the request is no longer available to
// them (another driver accepted, or the customer canceled).
type UpdateBooking struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

func NewUpdateBooking(requestID string, status models.MappingStatus) UpdateBooking {
	return UpdateBooking{Type: TypeUpdateBooking, RequestID: requestID, Status: string(status)}
}

func (e UpdateBooking) Encode() ([]byte, error) { return json.Marshal(e) }

// AcceptedDriver is the driver identity shown to the customer.
type AcceptedDriver struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// OrderAccepted notifies the customer that a driver took the request.
type OrderAccepted struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Status    string         `json:"status"`
	Driver    AcceptedDriver `json:"driver"`
	Location  *models.Coord  `json:"driver_location,omitempty"`
	Code      string         `json:"code"`
}

func NewOrderAccepted(req models.ServiceRequest, driver models.Actor, loc *models.Coord) OrderAccepted {
	return OrderAccepted{
		Type:      TypeOrderAccepted,
		RequestID: req.ID,
		Status:    string(req.Status),
		Driver:    AcceptedDriver{ID: driver.ID, Name: driver.Name, Phone: driver.Phone},
		Location:  loc,
		Code:      req.Code,
	}
}

func (e OrderAccepted) Encode() ([]byte, error) { return json.Marshal(e) }

// OrderCanceled is sent to the owner, the assigned driver if any, and
// the remaining candidates when a request is canceled.
type OrderCanceled struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

func NewOrderCanceled(requestID string) OrderCanceled {
	return OrderCanceled{Type: TypeOrderCanceled, RequestID: requestID, Status: string(models.StatusCanceled)}
}

func (e OrderCanceled) Encode() ([]byte, error) { return json.Marshal(e) }

// OrderCompleted is sent to both parties on completion.
type OrderCompleted struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

func NewOrderCompleted(requestID string) OrderCompleted {
	return OrderCompleted{Type: TypeOrderCompleted, RequestID: requestID, Status: string(models.StatusCompleted)}
}

func (e OrderCompleted) Encode() ([]byte, error) { return json.Marshal(e) }

// ErrorEvent reports a malformed inbound message without closing the
// connection.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewErrorEvent(msg string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Message: msg}
}

func (e ErrorEvent) Encode() ([]byte, error) { return json.Marshal(e) }
