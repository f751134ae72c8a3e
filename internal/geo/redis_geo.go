package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/emergency-dispatch/internal/models"
)

// RedisStore implements Store on Redis GEO commands, sharing the
// drivers_locations key with cmd/consumer and any external readers.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Upsert(ctx context.Context, actorID string, role models.Role, category string, lat, lon float64) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: lon, Latitude: lat, Name: actorID}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(actorID), map[string]interface{}{
		"role":     string(role),
		"category": category,
	}).Err()
}

func (r *RedisStore) Radius(ctx context.Context, lat, lon, radiusKm float64, f Filter) ([]Position, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(res))
	for _, g := range res {
		if f.Role != "" || f.Category != "" {
			m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
			if err != nil {
				return nil, err
			}
			if f.Role != "" && m["role"] != string(f.Role) {
				continue
			}
			if f.Category != "" && m["category"] != f.Category {
				continue
			}
		}
		out = append(out, Position{ActorID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}})
	}
	return out, nil
}

func (r *RedisStore) Position(ctx context.Context, actorID string) (models.Coord, bool, error) {
	res, err := r.client.GeoPos(ctx, r.key, actorID).Result()
	if err != nil {
		return models.Coord{}, false, err
	}
	if len(res) == 0 || res[0] == nil {
		return models.Coord{}, false, nil
	}
	return models.Coord{Lat: res[0].Latitude, Lon: res[0].Longitude}, true, nil
}

func (r *RedisStore) Remove(ctx context.Context, actorID string) error {
	if err := r.client.ZRem(ctx, r.key, actorID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(actorID)).Err()
}

func metaKey(id string) string { return "actor:meta:" + id }
