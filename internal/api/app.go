// Package api wires the HTTP surface: upload admission, record queries, and
// the transcription callback endpoint.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kylejryan/audio-transcription-portal/internal/authz"
	"github.com/kylejryan/audio-transcription-portal/internal/config"
	"github.com/kylejryan/audio-transcription-portal/internal/metrics"
	"github.com/kylejryan/audio-transcription-portal/internal/models"
	"github.com/kylejryan/audio-transcription-portal/internal/queue"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Store is the record and quota repository as seen by the handlers.
type Store interface {
	CheckAndReserve(ctx context.Context, rec models.AudioRecord, day string, max int) error
	GetByID(ctx context.Context, audioID string) (models.AudioRecord, error)
	ListByUser(ctx context.Context, userID string, status models.AudioStatus, limit int32) ([]models.AudioRecord, error)
	ListAll(ctx context.Context, status models.AudioStatus, userID string, limit int32) ([]models.AudioRecord, error)
	Delete(ctx context.Context, userID, audioID string) error
	Complete(ctx context.Context, userID, audioID, text, transcriptKey, transcriptURL string, duration float64) error
	Fail(ctx context.Context, userID, audioID, msg string) error
	StatusCounts(ctx context.Context, userID string) (models.StatusCounts, error)
}

// Blobs is the blob storage collaborator.
type Blobs interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) (string, error)
	PutTranscript(ctx context.Context, userID, audioID, text string) (key, url string, err error)
	Fetch(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Dispatcher is the queue surface the admission path and stats need.
type Dispatcher interface {
	Enqueue(ctx context.Context, job queue.Job) error
	Stats(ctx context.Context) (queue.Stats, error)
}

// App holds the handlers' collaborators.
type App struct {
	cfg      config.Env
	logger   *slog.Logger
	store    Store
	blobs    Blobs
	queue    Dispatcher
	verifier authz.Verifier
	metrics  *metrics.Metrics
	router   *chi.Mux
}

// New builds the application router around injected collaborators so tests
// can substitute fakes.
func New(cfg config.Env, logger *slog.Logger, store Store, blobs Blobs, q Dispatcher, verifier authz.Verifier, m *metrics.Metrics) *App {
	a := &App{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		blobs:    blobs,
		queue:    q,
		verifier: verifier,
		metrics:  m,
		router:   chi.NewRouter(),
	}
	a.registerRoutes()
	return a
}

// Router returns the HTTP handler.
func (a *App) Router() http.Handler { return a.router }

func (a *App) registerRoutes() {
	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.RealIP)
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Timeout(60 * time.Second))

	a.router.Get("/healthz", a.health)
	a.router.Handle("/metrics", promhttp.Handler())

	a.router.Route("/api/v1", func(r chi.Router) {
		// Callback authenticates with the shared secret, not a bearer token.
		r.Post("/callback/transcription", a.callback)

		r.Group(func(r chi.Router) {
			r.Use(authz.Middleware(a.verifier, a.cfg.DevBypassAuth, a.logger))
			r.Post("/upload", a.upload)
			r.Get("/my-audios", a.myAudios)
			r.Get("/audios/{id}", a.getAudio)
			r.Delete("/audios/{id}", a.deleteAudio)
			r.Get("/audios/{id}/transcript", a.downloadTranscript)
			r.Get("/stats", a.stats)

			r.Group(func(r chi.Router) {
				r.Use(authz.RequireAdmin)
				r.Get("/admin/audios", a.allAudios)
			})
		})
	})
}

func (a *App) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","timestamp":"` + time.Now().UTC().Format(time.RFC3339) + `"}`))
}
