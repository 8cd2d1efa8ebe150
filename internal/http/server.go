package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/driver-availability/internal/matcher"
	"github.com/example/driver-availability/internal/notify"
	"github.com/example/driver-availability/internal/status"
)

type Server struct {
	engine    *status.Engine
	matcher   *matcher.Service
	registry  *notify.WSRegistry
	logger    *slog.Logger
	jwtSecret []byte
	mux       *mux.Router
}

func NewServer(engine *status.Engine, m *matcher.Service, registry *notify.WSRegistry, logger *slog.Logger, jwtSecret string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:    engine,
		matcher:   m,
		registry:  registry,
		logger:    logger,
		jwtSecret: []byte(jwtSecret),
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.actorMiddleware)
	api.HandleFunc("/drivers/{driver_id}/status", s.handleRequestTransition).Methods("POST")
	api.HandleFunc("/drivers/{driver_id}/status", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/drivers/{driver_id}/status/history", s.handleStatusHistory).Methods("GET")
	api.HandleFunc("/drivers/available", s.handleQueryAvailable).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.registry != nil {
		s.mux.Handle("/ws/{channel}", WSHandler(s.registry))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
