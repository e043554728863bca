package httpapp

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cesargomez89/offlinevault/internal/constants"
	"github.com/cesargomez89/offlinevault/internal/domain"
	"github.com/cesargomez89/offlinevault/internal/download"
	"github.com/cesargomez89/offlinevault/internal/drm"
	"github.com/cesargomez89/offlinevault/internal/http/dto"
)

func (h *Handler) StartDownload(w http.ResponseWriter, r *http.Request) {
	var req dto.StartDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "invalid JSON body"})
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		h.writeValidation(w, errs)
		return
	}

	asset, err := h.Downloads.Start(r.Context(), req.URL, download.StartOptions{
		ContentID:   req.ContentID,
		AssetID:     req.AssetID,
		AccessToken: req.AccessToken,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if asset.Status != domain.AssetStatusNotStarted {
		status = http.StatusOK
	}
	h.writeJSON(w, status, h.assetResponse(asset))
}

func (h *Handler) ListDownloads(w http.ResponseWriter, r *http.Request) {
	assets, err := h.Downloads.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]dto.AssetResponse, 0, len(assets))
	for _, a := range assets {
		out = append(out, h.assetResponse(a))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) FinishedDownload(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		h.writeValidation(w, []dto.ValidationError{{Field: "url", Message: "is required"}})
		return
	}
	asset, err := h.Downloads.FinishedAsset(r.Context(), url)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.assetResponse(asset))
}

func (h *Handler) GetDownload(w http.ResponseWriter, r *http.Request) {
	asset, err := h.Downloads.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.assetResponse(asset))
}

func (h *Handler) PauseDownload(w http.ResponseWriter, r *http.Request) {
	asset, err := h.Downloads.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.assetResponse(asset))
}

func (h *Handler) ResumeDownload(w http.ResponseWriter, r *http.Request) {
	asset, err := h.Downloads.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.assetResponse(asset))
}

func (h *Handler) CancelDownload(w http.ResponseWriter, r *http.Request) {
	if err := h.Downloads.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteDownload(w http.ResponseWriter, r *http.Request) {
	if err := h.Downloads.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadEvents streams record changes as server-sent events until the
// client goes away or the record is deleted.
func (h *Handler) DownloadEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeJSON(w, http.StatusInternalServerError, dto.ErrorResponse{Error: "streaming unsupported"})
		return
	}

	asset, err := h.Downloads.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	sub, err := h.Downloads.Subscribe(id, r.URL.Query()["field"]...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", constants.MimeTypeEventStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "snapshot", h.assetResponse(asset)); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			name := "change"
			if ev.Deleted {
				name = "deleted"
			}
			if err := writeEvent(w, name, ev); err != nil {
				h.Logger.Debug("Event stream closed", "asset_id", id, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// RequestKey answers a key-request message posted by a player. The body is
// the raw message; ?persistable=true asks for an offline key.
func (h *Handler) RequestKey(w http.ResponseWriter, r *http.Request) {
	persistable, _ := strconv.ParseBool(r.URL.Query().Get("persistable"))

	msg, err := io.ReadAll(io.LimitReader(r.Body, constants.MaxLicenseResponseSize))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "failed to read body"})
		return
	}
	if len(msg) == 0 {
		h.writeValidation(w, []dto.ValidationError{{Field: "body", Message: "key request message is required"}})
		return
	}

	req := drm.NewMessageRequest(drm.Identifier(chi.URLParam(r, "contentID")), msg, persistable)
	key, err := h.Keys.Await(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", constants.MimeTypeOctetStream)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(key)
}

func (h *Handler) assetResponse(a *domain.Asset) dto.AssetResponse {
	return dto.NewAssetResponse(a, h.Downloads.Active(a.ID))
}

func writeEvent(w io.Writer, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
