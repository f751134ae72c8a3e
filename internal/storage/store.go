package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/emergency-dispatch/internal/models"
)

var (
	// ErrNotFound covers both "no such request" and "no longer pending/
	// in_progress for this caller". Race losers on Accept see the same
	// error as callers of unknown ids, deliberately.
	ErrNotFound = errors.New("request not found")
	// ErrInvalidState rejects transitions out of a terminal status.
	ErrInvalidState = errors.New("request is not in a cancelable state")
	// ErrRateLimited rejects Create when the customer's active-request
	// quota is exhausted.
	ErrRateLimited = errors.New("active request limit reached")
	// ErrForbidden rejects owner-only operations from non-owners.
	ErrForbidden = errors.New("not the owner of this request")
)

// RequestStore persists service requests and candidate mappings. Accept
// is the one operation that must be atomic across concurrent callers;
// everything else tolerates last-writer-wins.
type RequestStore interface {
	// Create persists a new pending request, enforcing the active
	// (pending or in_progress) quota for the customer atomically.
	Create(ctx context.Context, req *models.ServiceRequest, maxActive int) error

	Get(ctx context.Context, id string) (models.ServiceRequest, error)

	// CreateMappings inserts one pending mapping per candidate driver.
	// (request, driver) is unique; duplicates are ignored.
	CreateMappings(ctx context.Context, requestID string, driverIDs []string) error

	// Accept is a compare-and-set: request must be pending and the
	// driver must hold a pending mapping. On success the request moves
	// to in_progress, the driver's mapping to accepted, and every
	// sibling mapping to ignored in the same transaction. The returned
	// slice holds the ignored drivers' ids. Losers get ErrNotFound.
	Accept(ctx context.Context, requestID, driverID string) (models.ServiceRequest, []string, error)

	// Complete moves an in_progress request owned by customerID to
	// completed. Wrong owner is ErrForbidden; anything not in_progress
	// is ErrNotFound.
	Complete(ctx context.Context, requestID, customerID string) (models.ServiceRequest, error)

	// Cancel moves a pending or in_progress request owned by customerID
	// to canceled, flipping outstanding pending mappings to ignored.
	// Returns the drivers whose mappings were still pending. Terminal
	// requests are ErrInvalidState.
	Cancel(ctx context.Context, requestID, customerID string) (models.ServiceRequest, []string, error)

	ListByCustomer(ctx context.Context, customerID string) ([]models.ServiceRequest, error)

	// PendingForDriver lists requests the driver was fanned out and has
	// not yet answered, newest first.
	PendingForDriver(ctx context.Context, driverID string) ([]models.ServiceRequest, error)

	MappingsFor(ctx context.Context, requestID string) ([]models.CandidateMapping, error)
}

// MemoryStore is the RequestStore used without Postgres and in tests.
// One mutex serializes every transition, which directly gives Accept
// its single-writer guarantee.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*models.ServiceRequest
	mappings map[string]map[string]*models.CandidateMapping // requestID -> driverID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*models.ServiceRequest),
		mappings: make(map[string]map[string]*models.CandidateMapping),
	}
}

func (m *MemoryStore) Create(_ context.Context, req *models.ServiceRequest, maxActive int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, r := range m.requests {
		if r.CustomerID == req.CustomerID && !r.Status.Terminal() {
			active++
		}
	}
	if maxActive > 0 && active >= maxActive {
		return ErrRateLimited
	}
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.ServiceRequest{}, ErrNotFound
	}
	return *r, nil
}

func (m *MemoryStore) CreateMappings(_ context.Context, requestID string, driverIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mappings[requestID] == nil {
		m.mappings[requestID] = make(map[string]*models.CandidateMapping)
	}
	for _, d := range driverIDs {
		if _, exists := m.mappings[requestID][d]; exists {
			continue
		}
		m.mappings[requestID][d] = &models.CandidateMapping{
			RequestID: requestID,
			DriverID:  d,
			Status:    models.MappingPending,
			CreatedAt: time.Now(),
		}
	}
	return nil
}

func (m *MemoryStore) Accept(_ context.Context, requestID, driverID string) (models.ServiceRequest, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok || r.Status != models.StatusPending {
		return models.ServiceRequest{}, nil, ErrNotFound
	}
	mp, ok := m.mappings[requestID][driverID]
	if !ok || mp.Status != models.MappingPending {
		return models.ServiceRequest{}, nil, ErrNotFound
	}
	r.Status = models.StatusInProgress
	r.DriverID = driverID
	r.UpdatedAt = time.Now()
	mp.Status = models.MappingAccepted
	ignored := make([]string, 0, len(m.mappings[requestID]))
	for d, sibling := range m.mappings[requestID] {
		if d == driverID {
			continue
		}
		sibling.Status = models.MappingIgnored
		ignored = append(ignored, d)
	}
	return *r, ignored, nil
}

func (m *MemoryStore) Complete(_ context.Context, requestID, customerID string) (models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return models.ServiceRequest{}, ErrNotFound
	}
	if r.CustomerID != customerID {
		return models.ServiceRequest{}, ErrForbidden
	}
	if r.Status != models.StatusInProgress {
		return models.ServiceRequest{}, ErrNotFound
	}
	r.Status = models.StatusCompleted
	r.UpdatedAt = time.Now()
	return *r, nil
}

func (m *MemoryStore) Cancel(_ context.Context, requestID, customerID string) (models.ServiceRequest, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return models.ServiceRequest{}, nil, ErrNotFound
	}
	if r.CustomerID != customerID {
		return models.ServiceRequest{}, nil, ErrForbidden
	}
	if r.Status.Terminal() {
		return models.ServiceRequest{}, nil, ErrInvalidState
	}
	r.Status = models.StatusCanceled
	r.UpdatedAt = time.Now()
	var stillPending []string
	for d, mp := range m.mappings[requestID] {
		if mp.Status == models.MappingPending {
			mp.Status = models.MappingIgnored
			stillPending = append(stillPending, d)
		}
	}
	return *r, stillPending, nil
}

func (m *MemoryStore) ListByCustomer(_ context.Context, customerID string) ([]models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ServiceRequest
	for _, r := range m.requests {
		if r.CustomerID == customerID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryStore) PendingForDriver(_ context.Context, driverID string) ([]models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ServiceRequest
	for reqID, byDriver := range m.mappings {
		mp, ok := byDriver[driverID]
		if !ok || mp.Status != models.MappingPending {
			continue
		}
		if r, ok := m.requests[reqID]; ok && r.Status == models.StatusPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) MappingsFor(_ context.Context, requestID string) ([]models.CandidateMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CandidateMapping
	for _, mp := range m.mappings[requestID] {
		out = append(out, *mp)
	}
	return out, nil
}
