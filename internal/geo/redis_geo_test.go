package geo

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/emergency-dispatch/internal/models"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return NewRedisStore(c, "drivers_locations")
}

func TestRedisUpsertAndRadius(t *testing.T) {
	ctx := context.Background()
	s := newRedisStore(t)
	if err := s.Upsert(ctx, "d1", models.RoleDriver, models.CategoryAmbulance, 10.001, 20.001); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, "d2", models.RoleDriver, models.CategoryAmbulance, 50.0, 60.0); err != nil {
		t.Fatal(err)
	}

	got, err := s.Radius(ctx, 10.0, 20.0, 10, Filter{Role: models.RoleDriver})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ActorID != "d1" {
		t.Fatalf("expected only d1 within 10km, got %v", got)
	}
}

func TestRedisCategoryFilter(t *testing.T) {
	ctx := context.Background()
	s := newRedisStore(t)
	_ = s.Upsert(ctx, "amb", models.RoleDriver, models.CategoryAmbulance, 10.0, 20.0)
	_ = s.Upsert(ctx, "fire", models.RoleDriver, models.CategoryFireBrigade, 10.0, 20.0)

	got, err := s.Radius(ctx, 10.0, 20.0, 5, Filter{Role: models.RoleDriver, Category: models.CategoryFireBrigade})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ActorID != "fire" {
		t.Fatalf("expected only fire brigade, got %v", got)
	}
}

func TestRedisRemove(t *testing.T) {
	ctx := context.Background()
	s := newRedisStore(t)
	_ = s.Upsert(ctx, "d1", models.RoleDriver, models.CategoryAmbulance, 10.0, 20.0)
	if err := s.Remove(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Radius(ctx, 10.0, 20.0, 10, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("removed actor still indexed: %v", got)
	}
}
