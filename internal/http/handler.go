package httpapp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cesargomez89/offlinevault/internal/constants"
	"github.com/cesargomez89/offlinevault/internal/domain"
	"github.com/cesargomez89/offlinevault/internal/download"
	"github.com/cesargomez89/offlinevault/internal/drm"
	"github.com/cesargomez89/offlinevault/internal/logger"
	"github.com/cesargomez89/offlinevault/internal/store"
)

type DownloadService interface {
	Start(ctx context.Context, sourceURL string, opts download.StartOptions) (*domain.Asset, error)
	Pause(ctx context.Context, id string) (*domain.Asset, error)
	Resume(ctx context.Context, id string) (*domain.Asset, error)
	Cancel(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.Asset, error)
	List(ctx context.Context) ([]*domain.Asset, error)
	FinishedAsset(ctx context.Context, sourceURL string) (*domain.Asset, error)
	Subscribe(id string, fields ...string) (*store.Subscription, error)
	Active(id string) bool
}

type KeyService interface {
	Await(ctx context.Context, req drm.KeyRequest) ([]byte, error)
}

var (
	_ DownloadService = (*download.Manager)(nil)
	_ KeyService      = (*drm.Coordinator)(nil)
)

type Handler struct {
	Downloads DownloadService
	Keys      KeyService
	Logger    *logger.Logger
}

func NewHandler(downloads DownloadService, keys KeyService, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		Downloads: downloads,
		Keys:      keys,
		Logger:    log.WithComponent("http"),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/downloads", func(r chi.Router) {
		r.Post("/", h.StartDownload)
		r.Get("/", h.ListDownloads)
		r.Get("/finished", h.FinishedDownload)
		r.Get("/{id}", h.GetDownload)
		r.Post("/{id}/pause", h.PauseDownload)
		r.Post("/{id}/resume", h.ResumeDownload)
		r.Post("/{id}/cancel", h.CancelDownload)
		r.Delete("/{id}", h.DeleteDownload)
		r.Get("/{id}/events", h.DownloadEvents)
	})
	r.Post("/api/keys/{contentID}", h.RequestKey)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", constants.MimeTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Error("Failed to encode response", "error", err)
	}
}
