package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"benchrunner/internal/audit"
	"benchrunner/internal/coordinator"
	"benchrunner/internal/models"
	"benchrunner/internal/progress"
)

// Coordinator is the control surface the API exposes, coordinator.Coordinator implements it
type Coordinator interface {
	CreateBatch(ctx context.Context, req coordinator.CreateBatchRequest) (*models.Batch, error)
	Pause(ctx context.Context, batchID int64, reason string) (*models.Batch, error)
	Resume(ctx context.Context, batchID int64) (*models.Batch, error)
	Cancel(ctx context.Context, batchID int64) (*models.Batch, error)
	Dispatch(ctx context.Context, batchID int64) (int, error)
	RetryRun(ctx context.Context, runID int64) (*models.Run, error)
	Progress(ctx context.Context, batchID int64) (*progress.BatchProgress, error)
}

// Store is the read side of the API, store.Store implements it
type Store interface {
	GetBatch(ctx context.Context, id int64) (*models.Batch, error)
	ListBatches(ctx context.Context, statuses ...models.Status) ([]models.Batch, error)
	ListRuns(ctx context.Context, batchID int64) ([]models.Run, error)
	GetRun(ctx context.Context, id int64) (*models.Run, error)
	ListResults(ctx context.Context, runID int64) ([]models.ItemResult, error)
	ListChanges(ctx context.Context, entityType string, entityID int64) ([]audit.Change, error)
}

type Exporter interface {
	Export(ctx context.Context, batchID int64) ([]string, error)
}

type Deps struct {
	Coordinator Coordinator
	Store       Store
	Exporter    Exporter
}

type Config struct {
	CORSOrigins   []string
	WatchInterval time.Duration // how often the websocket stream pushes progress
}

type Server struct {
	ctx    context.Context
	router *chi.Mux
}

// New creates a new API server instance
func New(ctx context.Context, deps Deps, config *Config) *Server {
	s := &Server{
		ctx:    ctx,
		router: chi.NewRouter(),
	}

	// Set up middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	if len(config.CORSOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: config.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	interval := config.WatchInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	s.router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		serveJson(w, map[string]string{"status": "ok"})
	})
	s.router.Route("/api", func(r chi.Router) {
		r.Route("/batches", func(r chi.Router) {
			NewBatchRouter(deps, interval, r)
		})
		r.Route("/runs", func(r chi.Router) {
			NewRunRouter(deps, r)
		})
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe blocks until the server context is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-s.ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Could not shut down server gracefully")
		}
	}()

	log.Info().Str("addr", addr).Msg("API server listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func readJson(w http.ResponseWriter, r *http.Request, payload any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close request body")
		}
	}()

	err := json.NewDecoder(r.Body).Decode(payload)
	if err != nil {
		http.Error(w, "could not parse request body to payload", http.StatusBadRequest)
	}
	return err
}

func serveJson(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		http.Error(w, "Failed to encode payload", http.StatusInternalServerError)
		log.Error().Err(err).Msg("JSON encoding issue")
	}
}

// serveError maps domain errors onto status codes
func serveError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrLeaseConflict):
		code = http.StatusConflict
	case errors.Is(err, models.ErrPartitionUnavailable):
		code = http.StatusUnprocessableEntity
	}
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	http.Error(w, err.Error(), code)
}

// serveChanges writes the change log of one entity
func serveChanges(w http.ResponseWriter, r *http.Request, store Store, entityType string, id int64) {
	changes, err := store.ListChanges(r.Context(), entityType, id)
	if err != nil {
		serveError(w, err)
		return
	}
	if changes == nil {
		changes = []audit.Change{}
	}
	serveJson(w, changes)
}

// pathID reads the {id} URL parameter, writing a 400 when it is not a positive integer
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "id must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
