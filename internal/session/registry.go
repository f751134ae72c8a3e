package session

import (
	"log/slog"
	"sync"

	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/observability"
)

// Group naming. Unicast-by-actor is a broadcast to the actor's own
// group, which holds every device the actor has connected.
func UserGroup(actorID string) string { return "user_" + actorID }

func DriverGroup(category string) string { return "drivers_" + category }

const CustomersGroup = "customers"

// GroupsFor computes the groups a session joins, once, at connect time.
func GroupsFor(actor models.Actor) []string {
	groups := []string{UserGroup(actor.ID)}
	switch actor.Role {
	case models.RoleDriver:
		groups = append(groups, DriverGroup(actor.Category))
	case models.RoleCustomer:
		groups = append(groups, CustomersGroup)
	}
	return groups
}

// Registry tracks live sessions and their group membership. It is
// process-local and rebuilt from reconnections; nothing here survives a
// restart. Constructed once at startup and passed by reference.
type Registry struct {
	mu       sync.RWMutex
	groups   map[string]map[*Session]struct{}
	sessions map[*Session]struct{}

	buffer        int
	logger        *slog.Logger
	driverOffline func(models.Actor) // lifecycle hook, fired once per disconnect

	unregOnce sync.Map // *Session -> *sync.Once
}

func NewRegistry(buffer int, logger *slog.Logger, driverOffline func(models.Actor)) *Registry {
	if buffer <= 0 {
		buffer = 32
	}
	return &Registry{
		groups:        make(map[string]map[*Session]struct{}),
		sessions:      make(map[*Session]struct{}),
		buffer:        buffer,
		logger:        logger,
		driverOffline: driverOffline,
	}
}

// Register places an authenticated connection into its groups and
// starts its writer. The returned session is the handle for Unregister.
func (r *Registry) Register(conn Conn, actor models.Actor) *Session {
	s := newSession(conn, actor, GroupsFor(actor), r.buffer)
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	for _, g := range s.Groups {
		if r.groups[g] == nil {
			r.groups[g] = make(map[*Session]struct{})
		}
		r.groups[g][s] = struct{}{}
	}
	r.mu.Unlock()
	observability.SessionsOnline.Inc()
	return s
}

// Unregister removes a session from every group and closes it. Safe to
// call more than once and with sessions that were never registered; the
// driver-offline hook fires exactly once per registered session.
func (r *Registry) Unregister(s *Session) {
	if s == nil {
		return
	}
	onceAny, _ := r.unregOnce.LoadOrStore(s, &sync.Once{})
	onceAny.(*sync.Once).Do(func() {
		r.mu.Lock()
		_, registered := r.sessions[s]
		delete(r.sessions, s)
		for _, g := range s.Groups {
			if members := r.groups[g]; members != nil {
				delete(members, s)
				if len(members) == 0 {
					delete(r.groups, g)
				}
			}
		}
		r.mu.Unlock()
		s.close()
		if !registered {
			return
		}
		observability.SessionsOnline.Dec()
		if s.Actor.Role == models.RoleDriver && r.driverOffline != nil {
			r.driverOffline(s.Actor)
		}
	})
	// re-running on a long-gone session is harmless; dropping the entry
	// keeps the map from growing with churn
	r.unregOnce.Delete(s)
}

// Broadcast enqueues a payload to every member of a group present at
// the start of the call. Delivery is best-effort; sessions whose buffer
// overflows are disconnected instead of stalling the rest.
func (r *Registry) Broadcast(group string, payload []byte) {
	r.mu.RLock()
	members := make([]*Session, 0, len(r.groups[group]))
	for s := range r.groups[group] {
		members = append(members, s)
	}
	r.mu.RUnlock()

	for _, s := range members {
		if !s.enqueue(payload) {
			r.logger.Warn("outbound buffer full, dropping session",
				"actor_id", s.Actor.ID, "group", group)
			r.Unregister(s)
		}
	}
}

// Unicast delivers to every live session of one actor.
func (r *Registry) Unicast(actorID string, payload []byte) {
	r.Broadcast(UserGroup(actorID), payload)
}

// Online reports whether the actor has at least one live session.
func (r *Registry) Online(actorID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[UserGroup(actorID)]) > 0
}
