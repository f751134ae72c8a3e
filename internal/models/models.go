package models

import "time"

// Role distinguishes the two kinds of authenticated actors.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
)

// Vehicle categories as sent by clients. Wire values are numeric strings.
const (
	CategoryAmbulance   = "0"
	CategoryFireBrigade = "1"
	CategoryPolice      = "2"
)

// CategoryName maps a wire category to its display name.
func CategoryName(cat string) string {
	switch cat {
	case CategoryAmbulance:
		return "Ambulance"
	case CategoryFireBrigade:
		return "Fire Brigade"
	case CategoryPolice:
		return "Police"
	}
	return "Unknown"
}

// Actor is the core's view of an externally-owned identity. Credential
// storage and verification live behind the auth collaborator; the core
// only carries what dispatch needs.
type Actor struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Role      Role   `json:"role"`
	Category  string `json:"category,omitempty"`   // drivers only
	PushToken string `json:"push_token,omitempty"` // empty when no device registered
}

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RequestStatus is the service-request lifecycle. Transitions are
// monotonic: pending -> in_progress -> {completed, canceled}, or
// pending -> canceled. A request never re-enters pending.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusInProgress RequestStatus = "in_progress"
	StatusCompleted  RequestStatus = "completed"
	StatusCanceled   RequestStatus = "canceled"
)

// Terminal reports whether no further transitions are allowed.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// ServiceRequest is a customer's call for an emergency vehicle.
// DriverID is non-empty iff Status is in_progress or completed.
type ServiceRequest struct {
	ID         string        `json:"id"`
	CustomerID string        `json:"customer_id"`
	DriverID   string        `json:"driver_id,omitempty"`
	Category   string        `json:"category"`
	Status     RequestStatus `json:"status"`
	Location   Coord         `json:"location"`
	Details    string        `json:"details,omitempty"`
	Code       string        `json:"code"` // one-time numeric confirmation code
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// MappingStatus is the per-candidate offer state.
type MappingStatus string

const (
	MappingPending  MappingStatus = "pending"
	MappingAccepted MappingStatus = "accepted"
	MappingIgnored  MappingStatus = "ignored"
)

// CandidateMapping is one row per (request, candidate driver) pair,
// created at fan-out time. (RequestID, DriverID) is unique; at most one
// mapping per request ever reaches accepted.
type CandidateMapping struct {
	RequestID string        `json:"request_id"`
	DriverID  string        `json:"driver_id"`
	Status    MappingStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// ActorLocation is the message published to Kafka for every accepted
// location update, and consumed by cmd/consumer.
type ActorLocation struct {
	ActorID  string    `json:"actor_id"`
	Role     Role      `json:"role"`
	Category string    `json:"category,omitempty"`
	Loc      Coord     `json:"loc"`
	At       time.Time `json:"at"`
}

// LifecycleEvent records an actor going online or offline. Consumed by
// the external duty-log collaborator.
type LifecycleEvent struct {
	ActorID string    `json:"actor_id"`
	Kind    string    `json:"kind"` // "online" or "offline"
	At      time.Time `json:"at"`
}
