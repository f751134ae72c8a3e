package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/emergency-dispatch/internal/auth"
	"github.com/example/emergency-dispatch/internal/config"
	"github.com/example/emergency-dispatch/internal/dispatch"
	"github.com/example/emergency-dispatch/internal/geo"
	"github.com/example/emergency-dispatch/internal/ingest"
	"github.com/example/emergency-dispatch/internal/logging"
	"github.com/example/emergency-dispatch/internal/match"
	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/push"
	"github.com/example/emergency-dispatch/internal/session"
	"github.com/example/emergency-dispatch/internal/storage"
)

// Server wires the dispatch core behind HTTP and WebSocket endpoints.
type Server struct {
	cfg    config.ServerConfig
	geo    geo.Store
	store  storage.RequestStore
	reg    *session.Registry
	engine *match.Engine
	auth   auth.Authenticator
	kafka  *ingest.KafkaProducer // nil when no brokers configured
	logger *slog.Logger
	mux    *mux.Router
	ready  []func(context.Context) error
}

// AddReadyCheck registers an external-dependency probe for /ready.
func (s *Server) AddReadyCheck(check func(context.Context) error) {
	s.ready = append(s.ready, check)
}

// Deps are the injected collaborators. Zero-value fields get local
// fallbacks so the server runs without external services.
type Deps struct {
	Geo       geo.Store
	Store     storage.RequestStore
	Auth      auth.Authenticator
	Directory match.Directory
	Push      push.Notifier
	Kafka     *ingest.KafkaProducer
	Logger    *slog.Logger
}

func NewServer(cfg config.ServerConfig, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logging.NewLogger(cfg.LogLevel)
	}
	if d.Geo == nil {
		d.Geo = geo.NewIndex()
	}
	if d.Store == nil {
		d.Store = storage.NewMemoryStore()
	}
	if d.Push == nil {
		d.Push = push.Nop{}
	}
	if d.Auth == nil {
		d.Auth = auth.NewStatic()
	}

	s := &Server{
		cfg:    cfg,
		geo:    d.Geo,
		store:  d.Store,
		auth:   d.Auth,
		kafka:  d.Kafka,
		logger: d.Logger,
		mux:    mux.NewRouter(),
	}
	s.reg = session.NewRegistry(cfg.SendBuffer, d.Logger, s.driverOffline)
	s.engine = &match.Engine{
		Geo:          d.Geo,
		Store:        d.Store,
		Dispatcher:   dispatch.NewDispatcher(s.reg, d.Logger),
		Push:         d.Push,
		Directory:    d.Directory,
		Pairings:     match.NewPairingCache(),
		Logger:       d.Logger,
		RadiusKm:     cfg.RadiusKm,
		MaxActive:    cfg.MaxActiveRequests,
		CategoryOnly: cfg.Target == config.TargetCategory,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// NewServerFromEnv builds the production wiring: Redis geo when
// REDIS_ADDR is set, Postgres when PG_DSN is set, Kafka when brokers
// are set, with in-process fallbacks otherwise.
func NewServerFromEnv() (*Server, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg.LogLevel)
	d := Deps{Logger: logger}

	var readyChecks []func(context.Context) error
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		d.Geo = geo.NewRedisStore(rc, cfg.RedisGeoKey)
		readyChecks = append(readyChecks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	}
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		d.Store = ps
		readyChecks = append(readyChecks, ps.Ping)
	}
	if len(cfg.KafkaBrokers) > 0 {
		d.Kafka = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaLifecycleTopic)
	}
	if cfg.AuthEndpoint != "" {
		d.Auth = auth.NewHTTPAuthenticator(cfg.AuthEndpoint)
		d.Directory = auth.NewDirectory(cfg.AuthEndpoint)
	} else {
		logger.Warn("AUTH_ENDPOINT not set, using empty static authenticator")
	}
	if cfg.PushEndpoint != "" {
		d.Push = push.NewExpoClient(cfg.PushEndpoint)
	}
	srv := NewServer(cfg, d)
	for _, check := range readyChecks {
		srv.AddReadyCheck(check)
	}
	return srv, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/requests", s.authed(s.handleCreate)).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests", s.authed(s.handleList)).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/pending", s.authed(s.handlePendingForDriver)).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/accept", s.authed(s.handleAccept)).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/complete", s.authed(s.handleComplete)).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/cancel", s.authed(s.handleCancel)).Methods("POST")
	s.mux.HandleFunc("/ws/user/{user_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		for _, check := range s.ready {
			if err := check(r.Context()); err != nil {
				http.Error(w, "dependency not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// driverOffline is the registry's disconnect hook: record the lifecycle
// event for the external duty log and apply the location-purge policy.
func (s *Server) driverOffline(actor models.Actor) {
	if s.kafka != nil {
		if err := s.kafka.PublishLifecycle(models.LifecycleEvent{ActorID: actor.ID, Kind: "offline", At: time.Now()}); err != nil {
			s.logger.Warn("lifecycle publish failed", "actor_id", actor.ID, "error", err)
		}
	}
	if s.cfg.PurgeOnDisconnect {
		if err := s.geo.Remove(context.Background(), actor.ID); err != nil {
			s.logger.Warn("geo purge failed", "actor_id", actor.ID, "error", err)
		}
	}
}

// envelope mirrors the response shape clients already consume.
type envelope struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func respond(w http.ResponseWriter, status int, message string, data any) {
	if data == nil {
		data = map[string]any{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Status: status, Message: message, Data: data})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
