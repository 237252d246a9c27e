// Package httpapi exposes the dispatch engine over HTTP and
// WebSocket.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/inspection-dispatch/internal/config"
	"github.com/example/inspection-dispatch/internal/dispatch"
	"github.com/example/inspection-dispatch/internal/ingest"
	"github.com/example/inspection-dispatch/internal/lifecycle"
	"github.com/example/inspection-dispatch/internal/payments"
	"github.com/example/inspection-dispatch/internal/presence"
	"github.com/example/inspection-dispatch/internal/storage"
)

type Server struct {
	Registry presence.Registry
	Store    storage.AppointmentStore
	Machine  *lifecycle.Machine
	Matcher  *dispatch.Matcher
	Coord    *dispatch.Coordinator
	Payments *payments.Coordinator
	Producer *ingest.KafkaProducer // nil when Kafka is not configured
	WSReg    *dispatch.WSRegistry

	cfg      config.ServerConfig
	logger   *slog.Logger
	validate *validator.Validate
	mux      *mux.Router
}

// NewServerFromEnv wires the engine from config with sensible
// fallbacks: Redis presence and Postgres storage when configured,
// in-memory otherwise.
func NewServerFromEnv(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var registry presence.Registry
	if cfg.RedisAddr != "" {
		registry = presence.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.PresenceFreshness)
	} else {
		registry = presence.NewIndex(cfg.PresenceFreshness)
	}

	var store storage.AppointmentStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	wsreg := dispatch.NewWSRegistry(logger)
	notifier := &dispatch.CompositeNotifier{WS: wsreg}
	if cfg.PushEndpoint != "" {
		notifier.Push = dispatch.NewPushNotifier(cfg.PushEndpoint)
	}

	machine := lifecycle.NewMachine(store, registry, logger)
	coord := dispatch.NewCoordinator(machine, notifier, cfg.OfferWindow, logger)
	matcher := dispatch.NewMatcher(store, registry, coord, machine, dispatch.MatcherConfig{
		RadiiKm:        cfg.DispatchRadiiKm,
		RetryInterval:  cfg.DispatchRetryInterval,
		MaxAttempts:    cfg.DispatchMaxAttempts,
		CandidateLimit: cfg.CandidateLimit,
		Workers:        cfg.DispatchWorkers,
	}, logger)

	var gateway payments.Gateway = payments.NewStripeGateway(cfg.StripeAPIKey)
	pay := payments.NewCoordinator(machine, gateway, cfg.Currency, logger)

	return NewServer(cfg, logger, registry, store, machine, matcher, coord, pay, producer, wsreg), nil
}

func NewServer(cfg config.ServerConfig, logger *slog.Logger, registry presence.Registry, store storage.AppointmentStore, machine *lifecycle.Machine, matcher *dispatch.Matcher, coord *dispatch.Coordinator, pay *payments.Coordinator, producer *ingest.KafkaProducer, wsreg *dispatch.WSRegistry) *Server {
	s := &Server{
		Registry: registry,
		Store:    store,
		Machine:  machine,
		Matcher:  matcher,
		Coord:    coord,
		Payments: pay,
		Producer: producer,
		WSReg:    wsreg,
		cfg:      cfg,
		logger:   logger,
		validate: validator.New(),
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	// driver heartbeat; reaches us from the internal ingress, not the
	// public edge
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.Handle("/appointments", s.requireRole(s.handleCreateAppointment, RoleClient, RoleAdmin)).Methods("POST")
	api.Handle("/appointments/{id}", s.requireRole(s.handleGetAppointment, RoleClient, RoleDriver, RoleAdmin)).Methods("GET")
	api.Handle("/appointments/{id}/accept", s.requireRole(s.handleAccept, RoleDriver)).Methods("PUT")
	api.Handle("/appointments/{id}/reject", s.requireRole(s.handleReject, RoleDriver)).Methods("PUT")
	api.Handle("/appointments/{id}/start", s.requireRole(s.handleStart, RoleDriver)).Methods("PUT")
	api.Handle("/appointments/{id}/complete", s.requireRole(s.handleComplete, RoleDriver)).Methods("PUT")
	api.Handle("/appointments/{id}/cancel", s.requireRole(s.handleCancel, RoleClient, RoleDriver, RoleAdmin)).Methods("PUT")
	api.Handle("/appointments/{id}/requeue", s.requireRole(s.handleRequeue, RoleAdmin)).Methods("PUT")
	api.Handle("/drivers/status", s.requireRole(s.handleDriverStatus, RoleDriver)).Methods("PUT")
	api.Handle("/payments/create-intent", s.requireRole(s.handleCreateIntent, RoleClient, RoleAdmin)).Methods("POST")
	api.Handle("/payments/confirm", s.requireRole(s.handleConfirmIntent, RoleClient, RoleAdmin)).Methods("POST")

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.Handle("/drivers/{driver_id}", s.requireRole(s.handleDriverWS, RoleDriver))
	ws.Handle("/events", s.requireRole(s.handleEventsWS, RoleClient, RoleDriver, RoleAdmin))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
