package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/emergency-dispatch/internal/geo"
	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/observability"
)

// PositionMirror applies one consumed location record to a backing
// store. The consumer retries transient failures.
type PositionMirror interface {
	Apply(ctx context.Context, loc models.ActorLocation) error
}

// RedisMirror writes positions into the shared geo set and keeps a
// capped per-driver movement trail under driver_location_history:<id>.
type RedisMirror struct {
	client       *redis.Client
	geo          *geo.RedisStore
	historyLimit int
}

func NewRedisMirror(client *redis.Client, geoKey string, historyLimit int) *RedisMirror {
	return &RedisMirror{
		client:       client,
		geo:          geo.NewRedisStore(client, geoKey),
		historyLimit: historyLimit,
	}
}

func historyKey(actorID string) string { return "driver_location_history:" + actorID }

type historyEntry struct {
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
	TS  time.Time `json:"ts"`
}

func (m *RedisMirror) Apply(ctx context.Context, loc models.ActorLocation) error {
	if err := m.geo.Upsert(ctx, loc.ActorID, loc.Role, loc.Category, loc.Loc.Lat, loc.Loc.Lon); err != nil {
		return fmt.Errorf("mirror position: %w", err)
	}
	if loc.Role != models.RoleDriver {
		return nil
	}
	entry, err := json.Marshal(historyEntry{Lat: loc.Loc.Lat, Lon: loc.Loc.Lon, TS: loc.At})
	if err != nil {
		return err
	}
	key := historyKey(loc.ActorID)
	pipe := m.client.TxPipeline()
	pipe.RPush(ctx, key, entry)
	pipe.LTrim(ctx, key, int64(-m.historyLimit), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// messageReader is satisfied by *kafka.Reader.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer drains the location topic and mirrors each record. Malformed
// records are logged and skipped; mirror failures are retried with a
// fixed backoff before the record is dropped.
type Consumer struct {
	reader  messageReader
	mirror  PositionMirror
	logger  *slog.Logger
	retries int
	backoff time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, mirror PositionMirror, logger *slog.Logger, retries int, backoff time.Duration) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: reader, mirror: mirror, logger: logger, retries: retries, backoff: backoff}
}

// Run blocks until ctx is canceled. Broker read errors are retried
// with an exponential backoff capped at 30s; the loop never gives up
// on its own.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	readBackoff := time.Second
	const maxReadBackoff = 30 * time.Second

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("broker read failed", "error", err, "backoff", readBackoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readBackoff):
			}
			readBackoff = min(readBackoff*2, maxReadBackoff)
			continue
		}
		readBackoff = time.Second
		observability.LocationsConsumed.Inc()

		var loc models.ActorLocation
		if err := json.Unmarshal(msg.Value, &loc); err != nil {
			c.logger.Warn("skipping malformed location record", "offset", msg.Offset, "error", err)
			continue
		}
		if err := c.applyWithRetry(ctx, loc); err != nil {
			observability.MirrorFailures.Inc()
			c.logger.Error("dropping location record", "actor_id", loc.ActorID, "error", err)
		}
	}
}

func (c *Consumer) applyWithRetry(ctx context.Context, loc models.ActorLocation) error {
	var err error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if err = c.mirror.Apply(ctx, loc); err == nil {
			return nil
		}
		if attempt == c.retries {
			break
		}
		observability.MirrorRetries.Inc()
		c.logger.Warn("mirror write failed, retrying", "actor_id", loc.ActorID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
	return err
}
