// Package api exposes the blueprint engine and the network registry over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/blueprintd/blueprintd/pkg/netres"
	"github.com/blueprintd/blueprintd/pkg/policy"
	"github.com/blueprintd/blueprintd/pkg/telemetry"
	"github.com/gorilla/mux"
)

// Instances is the part of engine.Registry the API drives.
type Instances interface {
	CreateInstance(ctx context.Context, blueprintType, id string, labels map[string]string) (*engine.Document, error)
	Launch(ctx context.Context, blueprintType, id string, labels map[string]string, first engine.SubmitRequest) (*engine.Document, string, error)
	Submit(ctx context.Context, req engine.SubmitRequest) (string, error)
	Resume(ctx context.Context, instanceID string, ev engine.CallbackEvent) error
	Destroy(ctx context.Context, instanceID string) (<-chan struct{}, error)
	ListSummaries(ctx context.Context, filter engine.Filter) ([]engine.ShortSummary, error)
	GetDetail(ctx context.Context, instanceID string) (*engine.DetailedSummary, error)
	Workers() int
}

// Networks is the part of netres.Registry the API drives.
type Networks interface {
	Networks(ctx context.Context) []netres.NetworkInfo
	Network(ctx context.Context, name string) (netres.NetworkInfo, error)
	Reserve(ctx context.Context, networkName, owner string, length int) ([]netres.ReservedRange, error)
	Release(ctx context.Context, networkName, rangeID string) error
}

// ReservationAdmitter screens direct reservation requests.
type ReservationAdmitter interface {
	AdmitReservation(ctx context.Context, req policy.ReservationRequest) error
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Listen    string
	Instances Instances
	Networks  Networks
	Admission ReservationAdmitter
	Health    HealthChecker
	Metrics   http.Handler
	Logger    *telemetry.Logger

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server serves the REST API.
type Server struct {
	opts   Options
	router *mux.Router
	server *http.Server
	logger *telemetry.Logger
}

// NewServer builds the router. Instances and Networks are required.
func NewServer(opts Options) (*Server, error) {
	if opts.Instances == nil || opts.Networks == nil {
		return nil, errors.New("api server requires instances and networks")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}
	if opts.Listen == "" {
		opts.Listen = ":8080"
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 60 * time.Second
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		opts:   opts,
		router: mux.NewRouter(),
		logger: opts.Logger.NewComponentLogger("api"),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              opts.Listen,
		Handler:           s.router,
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: opts.ReadTimeout,
		WriteTimeout:      opts.WriteTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()

	bp := v1.PathPrefix("/blueprints").Subrouter()
	bp.HandleFunc("", s.listBlueprints).Methods(http.MethodGet)
	bp.HandleFunc("", s.createBlueprint).Methods(http.MethodPost)
	bp.HandleFunc("/{id}", s.getBlueprint).Methods(http.MethodGet)
	bp.HandleFunc("/{id}", s.destroyBlueprint).Methods(http.MethodDelete)
	bp.HandleFunc("/{id}/operations", s.submitOperation).Methods(http.MethodPost)
	bp.HandleFunc("/{id}/callbacks/{session}", s.deliverCallback).Methods(http.MethodPost)

	nets := v1.PathPrefix("/networks").Subrouter()
	nets.HandleFunc("", s.listNetworks).Methods(http.MethodGet)
	nets.HandleFunc("/{name}", s.getNetwork).Methods(http.MethodGet)
	nets.HandleFunc("/{name}/reservations", s.reserve).Methods(http.MethodPost)
	nets.HandleFunc("/{name}/reservations/{id}", s.release).Methods(http.MethodDelete)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, engine.ErrCodeNotFound, "no route for "+r.URL.Path)
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, engine.ErrCodeValidation, r.Method+" not allowed on "+r.URL.Path)
	})
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("listen", s.opts.Listen).Info("API server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("API server stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		entry := s.logger.WithFields(map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		})
		if rec.status >= http.StatusInternalServerError {
			entry.Warn("Request failed")
			return
		}
		entry.Debug("Request served")
	})
}
