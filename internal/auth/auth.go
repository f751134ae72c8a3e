package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/example/emergency-dispatch/internal/models"
)

// Identity storage lives in an external service; the core only verifies
// that a bearer token resolves to the actor the caller claims to be.
var (
	ErrUnauthenticated = errors.New("invalid or missing token")
	ErrForbidden       = errors.New("token does not belong to actor")
	ErrUnknownActor    = errors.New("unknown actor")
)

type Authenticator interface {
	// Authenticate resolves token to an actor. When expectedActorID is
	// non-empty and does not match the token's owner, it returns
	// ErrForbidden.
	Authenticate(ctx context.Context, token, expectedActorID string) (models.Actor, error)
}

// HTTPAuthenticator asks the identity service to resolve a token.
type HTTPAuthenticator struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPAuthenticator(endpoint string) *HTTPAuthenticator {
	return &HTTPAuthenticator{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (a *HTTPAuthenticator) Authenticate(ctx context.Context, token, expectedActorID string) (models.Actor, error) {
	if token == "" {
		return models.Actor{}, ErrUnauthenticated
	}
	u := fmt.Sprintf("%s/v1/tokens/%s", a.Endpoint, url.PathEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.Actor{}, err
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		return models.Actor{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized {
		return models.Actor{}, ErrUnauthenticated
	}
	if resp.StatusCode != http.StatusOK {
		return models.Actor{}, fmt.Errorf("auth service returned %d", resp.StatusCode)
	}
	var actor models.Actor
	if err := json.NewDecoder(resp.Body).Decode(&actor); err != nil {
		return models.Actor{}, err
	}
	if expectedActorID != "" && actor.ID != expectedActorID {
		return models.Actor{}, ErrForbidden
	}
	return actor, nil
}

// Directory looks up actor profiles by id on the identity service.
type Directory struct {
	Endpoint string
	Client   *http.Client
}

func NewDirectory(endpoint string) *Directory {
	return &Directory{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (d *Directory) Lookup(ctx context.Context, actorID string) (models.Actor, error) {
	u := fmt.Sprintf("%s/v1/actors/%s", d.Endpoint, url.PathEscape(actorID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.Actor{}, err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return models.Actor{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return models.Actor{}, ErrUnknownActor
	}
	if resp.StatusCode != http.StatusOK {
		return models.Actor{}, fmt.Errorf("auth service returned %d", resp.StatusCode)
	}
	var actor models.Actor
	if err := json.NewDecoder(resp.Body).Decode(&actor); err != nil {
		return models.Actor{}, err
	}
	return actor, nil
}

// Static resolves tokens from an in-memory table. Used in tests and
// single-process local runs.
type Static struct {
	mu     sync.RWMutex
	tokens map[string]models.Actor
}

func NewStatic() *Static {
	return &Static{tokens: make(map[string]models.Actor)}
}

func (s *Static) Add(token string, actor models.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = actor
}

// Lookup resolves an actor by id, serving as the actor directory for
// push-token resolution in local runs and tests.
func (s *Static) Lookup(_ context.Context, actorID string) (models.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.tokens {
		if a.ID == actorID {
			return a, nil
		}
	}
	return models.Actor{}, ErrUnknownActor
}

func (s *Static) Authenticate(_ context.Context, token, expectedActorID string) (models.Actor, error) {
	s.mu.RLock()
	actor, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok {
		return models.Actor{}, ErrUnauthenticated
	}
	if expectedActorID != "" && actor.ID != expectedActorID {
		return models.Actor{}, ErrForbidden
	}
	return actor, nil
}
