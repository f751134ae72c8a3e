package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Target policies for candidate fan-out.
const (
	TargetAll      = "all"
	TargetCategory = "category"
)

// ServerConfig captures all tunable parameters for the dispatch API
// process. Values are loaded from environment variables with defaults
// that let the binary run locally without external services.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaLifecycleTopic string

	PGDSN string

	RadiusKm          float64
	MaxActiveRequests int
	Target            string // all | category
	PurgeOnDisconnect bool
	SendBuffer        int

	AuthEndpoint string
	PushEndpoint string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "drivers_locations",
		KafkaLocationTopic:  "actor-locations",
		KafkaLifecycleTopic: "actor-lifecycle",
		RadiusKm:            10,
		MaxActiveRequests:   1,
		Target:              TargetAll,
		SendBuffer:          32,
		PushEndpoint:        "https://exp.host/--/api/v2/push/send",
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaLifecycleTopic, "KAFKA_LIFECYCLE_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.RadiusKm, "DISPATCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.MaxActiveRequests, "DISPATCH_MAX_ACTIVE", &errs)
	if v := strings.TrimSpace(os.Getenv("DISPATCH_TARGET")); v != "" {
		cfg.Target = strings.ToLower(v)
	}
	cfg.PurgeOnDisconnect = strings.EqualFold(os.Getenv("DISPATCH_PURGE_ON_DISCONNECT"), "true")
	setIntFromEnv(&cfg.SendBuffer, "WS_SEND_BUFFER", &errs)

	setStringFromEnv(&cfg.AuthEndpoint, "AUTH_ENDPOINT")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.RadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_KM must be > 0"))
	}
	if cfg.MaxActiveRequests <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ACTIVE must be > 0"))
	}
	if cfg.Target != TargetAll && cfg.Target != TargetCategory {
		errs = append(errs, fmt.Errorf("DISPATCH_TARGET must be %q or %q", TargetAll, TargetCategory))
	}
	if cfg.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_BUFFER must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives the location mirror process (cmd/consumer).
type ConsumerConfig struct {
	KafkaBrokers  []string
	LocationTopic string
	GroupID       string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	HistoryLimit  int

	RetryAttempts int
	RetryBackoff  time.Duration

	MetricsAddr string
	LogLevel    string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		LocationTopic: "actor-locations",
		GroupID:       "location-mirror",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "drivers_locations",
		HistoryLimit:  500,
		RetryAttempts: 5,
		RetryBackoff:  200 * time.Millisecond,
		MetricsAddr:   ":9091",
		LogLevel:      "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.LocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.GroupID, "KAFKA_GROUP_ID")

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.HistoryLimit, "LOCATION_HISTORY_LIMIT", &errs)

	setIntFromEnv(&cfg.RetryAttempts, "MIRROR_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryBackoff, "MIRROR_RETRY_BACKOFF", &errs)

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if cfg.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_HISTORY_LIMIT must be > 0"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MIRROR_RETRY_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
