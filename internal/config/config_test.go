package config

import "testing"

func TestDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RadiusKm != 10 || cfg.MaxActiveRequests != 1 || cfg.Target != TargetAll {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RedisGeoKey != "drivers_locations" {
		t.Fatalf("geo key default: %q", cfg.RedisGeoKey)
	}
}

func TestInvalidValuesRejected(t *testing.T) {
	t.Setenv("DISPATCH_RADIUS_KM", "-1")
	t.Setenv("DISPATCH_TARGET", "nearest")
	if _, err := LoadServerConfig(); err == nil {
		t.Fatal("expected validation errors")
	}
}

func TestOverrides(t *testing.T) {
	t.Setenv("DISPATCH_RADIUS_KM", "2.5")
	t.Setenv("DISPATCH_MAX_ACTIVE", "3")
	t.Setenv("DISPATCH_TARGET", "category")
	t.Setenv("DISPATCH_PURGE_ON_DISCONNECT", "true")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RadiusKm != 2.5 || cfg.MaxActiveRequests != 3 || cfg.Target != TargetCategory || !cfg.PurgeOnDisconnect {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("brokers: %v", cfg.KafkaBrokers)
	}
}

func TestConsumerRequiresBrokers(t *testing.T) {
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatal("missing brokers must fail validation")
	}
	t.Setenv("KAFKA_BROKERS", "localhost:9092")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HistoryLimit != 500 || cfg.RetryAttempts != 5 || cfg.LocationTopic != "actor-locations" {
		t.Fatalf("consumer defaults: %+v", cfg)
	}
}
