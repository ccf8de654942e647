package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/airport-pooling/internal/app"
	"github.com/example/airport-pooling/internal/models"
	"github.com/example/airport-pooling/internal/storage"
)

// Options tunes the HTTP surface.
type Options struct {
	// RideCacheTTL is how long ride reads may be served from cache.
	RideCacheTTL time.Duration
	// AdminToken guards /internal endpoints; empty disables them.
	AdminToken string
}

type Server struct {
	app        *app.App
	rides      *storage.RideCache
	ttl        time.Duration
	adminToken string
	logger     *slog.Logger
	mux        *mux.Router
}

// NewServer exposes a over HTTP.
func NewServer(a *app.App, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		app:        a,
		rides:      storage.NewRideCache(a.Store, opts.RideCacheTTL),
		ttl:        opts.RideCacheTTL,
		adminToken: opts.AdminToken,
		logger:     logger,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/job", s.handleRideJob).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	api.HandleFunc("/pools/{id}", s.handleGetPool).Methods(http.MethodGet)
	api.HandleFunc("/fare/estimate", s.handleFareEstimate).Methods(http.MethodGet)

	admin := s.mux.PathPrefix("/internal").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/demand", s.handleGetDemand).Methods(http.MethodGet)
	admin.HandleFunc("/demand/reset", s.handleResetDemand).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// RunCacheSweeper evicts expired ride snapshots until ctx is done.
func (s *Server) RunCacheSweeper(ctx context.Context) {
	if s.ttl <= 0 {
		return
	}
	t := time.NewTicker(s.ttl)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.rides.Sweep()
		}
	}
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var in models.CreateRideInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", models.ErrInvalidInput, err))
		return
	}
	ride, enqueued, err := s.app.Intake.Submit(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ride_id":      ride.ID,
		"status":       ride.Status,
		"job_enqueued": enqueued,
	})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRideJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.app.Orchestrator.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	res, err := s.app.Compensator.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	p, err := s.app.Store.GetPool(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleFareEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		vals [4]float64
		err  error
	)
	for i, key := range []string{"pickup_lat", "pickup_lon", "drop_lat", "drop_lon"} {
		if vals[i], err = strconv.ParseFloat(q.Get(key), 64); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %s must be a number", models.ErrInvalidInput, key))
			return
		}
	}
	pooled := true
	if v := q.Get("pooled"); v != "" {
		if pooled, err = strconv.ParseBool(v); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: pooled must be a boolean", models.ErrInvalidInput))
			return
		}
	}
	pickup := models.Coord{Lat: vals[0], Lon: vals[1]}
	drop := models.Coord{Lat: vals[2], Lon: vals[3]}
	quote, err := s.app.Pricing.Estimate(r.Context(), pickup, drop, pooled)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleGetDemand(w http.ResponseWriter, r *http.Request) {
	d, err := s.app.Demand.Get(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"active_requests": d})
}

func (s *Server) handleResetDemand(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Demand.Reset(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	loggerFrom(r.Context(), s.logger).Warn("demand counter reset")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Ready(r.Context()); err != nil {
		http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

// handleWS subscribes the connection to ride events until the client goes
// away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		return
	}
	s.app.Hub.Add(conn)
	go func() {
		defer s.app.Hub.Remove(conn)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		loggerFrom(r.Context(), s.logger).Error("request failed", "error", err)
		msg = "internal error"
	}
	respondError(w, status, kind, msg)
}
