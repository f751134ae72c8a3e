package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/emergency-dispatch/internal/config"
	"github.com/example/emergency-dispatch/internal/ingest"
	"github.com/example/emergency-dispatch/internal/logging"
)

// The consumer drains the location topic and mirrors every position
// into the shared Redis geo set, keeping a capped movement trail per
// driver. It runs separately from the API so a Redis hiccup never
// backs up the websocket read path.
func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		logging.NewLogger("info").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.WithComponent(logging.NewLogger(cfg.LogLevel), "consumer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()

	go serveMetrics(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mirror := ingest.NewRedisMirror(rc, cfg.RedisGeoKey, cfg.HistoryLimit)
	consumer := ingest.NewConsumer(cfg.KafkaBrokers, cfg.LocationTopic, cfg.GroupID, mirror, logger, cfg.RetryAttempts, cfg.RetryBackoff)

	logger.Info("location mirror running", "topic", cfg.LocationTopic, "brokers", cfg.KafkaBrokers, "group", cfg.GroupID)
	if err := consumer.Run(ctx); err != nil {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("consumer shut down cleanly")
}

func serveMetrics(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics listening", "addr", addr)
	_ = http.ListenAndServe(addr, mux)
}
