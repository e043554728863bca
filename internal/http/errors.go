package httpapp

import (
	"errors"
	"net/http"

	"github.com/cesargomez89/offlinevault/internal/domain"
	"github.com/cesargomez89/offlinevault/internal/drm"
	"github.com/cesargomez89/offlinevault/internal/http/dto"
	"github.com/cesargomez89/offlinevault/internal/storage"
)

func statusFor(err error) int {
	var (
		verr *domain.ValidationError
		terr *domain.DownloadTransportError
		lerr *domain.LicenseServiceError
		serr *domain.StorageError
	)
	switch {
	case errors.As(err, &verr),
		errors.Is(err, drm.ErrInvalidIdentifier),
		errors.Is(err, storage.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrMultipleMatches), errors.Is(err, domain.ErrPrecondition):
		return http.StatusConflict
	case errors.As(err, &terr), errors.As(err, &lerr):
		return http.StatusBadGateway
	case errors.As(err, &serr):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("Request failed", "status", status, "error", err)
	}
	h.writeJSON(w, status, dto.ErrorResponse{Error: err.Error()})
}

func (h *Handler) writeValidation(w http.ResponseWriter, errs []dto.ValidationError) {
	h.writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{
		Error:  dto.ToResponse(errs),
		Fields: dto.ToMap(errs),
	})
}
