package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/emergency-dispatch/internal/models"
)

// Position is one actor's current location as returned by a radius query.
type Position struct {
	ActorID string
	Loc     models.Coord
}

// Filter narrows a radius query. Zero values match everything.
type Filter struct {
	Role     models.Role
	Category string
}

// Store is the mutable geospatial index shared by the websocket handler
// and the matching engine. Radius results are a set; callers must not
// rely on ordering.
type Store interface {
	Upsert(ctx context.Context, actorID string, role models.Role, category string, lat, lon float64) error
	Radius(ctx context.Context, lat, lon, radiusKm float64, f Filter) ([]Position, error)
	// Position is the point lookup behind "where is my driver" snapshots.
	Position(ctx context.Context, actorID string) (models.Coord, bool, error)
	Remove(ctx context.Context, actorID string) error
}

type entry struct {
	loc      models.Coord
	role     models.Role
	category string
	updated  time.Time
}

// Index is the in-memory Store used when no Redis is configured and in
// tests. Linear scan; fine at the fleet sizes a single process serves.
type Index struct {
	mu     sync.RWMutex
	actors map[string]entry
}

func NewIndex() *Index {
	return &Index{actors: make(map[string]entry)}
}

func (g *Index) Upsert(_ context.Context, actorID string, role models.Role, category string, lat, lon float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.actors[actorID] = entry{
		loc:      models.Coord{Lat: lat, Lon: lon},
		role:     role,
		category: category,
		updated:  time.Now(),
	}
	return nil
}

func (g *Index) Radius(_ context.Context, lat, lon, radiusKm float64, f Filter) ([]Position, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Position, 0)
	for id, e := range g.actors {
		if f.Role != "" && e.role != f.Role {
			continue
		}
		if f.Category != "" && e.category != f.Category {
			continue
		}
		if Haversine(lat, lon, e.loc.Lat, e.loc.Lon) <= radiusKm*1000 {
			out = append(out, Position{ActorID: id, Loc: e.loc})
		}
	}
	return out, nil
}

func (g *Index) Position(_ context.Context, actorID string) (models.Coord, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.actors[actorID]
	if !ok {
		return models.Coord{}, false, nil
	}
	return e.loc, true, nil
}

func (g *Index) Remove(_ context.Context, actorID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.actors, actorID)
	return nil
}

// Haversine is the great-circle distance in meters. Planar distance is
// off by whole kilometers at the 10 km search scale, so this matters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
