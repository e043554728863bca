package dto

import (
	"time"

	"github.com/cesargomez89/offlinevault/internal/domain"
)

type StartDownloadRequest struct {
	URL         string `json:"url"`
	ContentID   string `json:"content_id,omitempty"`
	AssetID     string `json:"asset_id,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
}

func (r *StartDownloadRequest) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, validateURL("url", r.URL)...)
	errs = append(errs, validateContentID(r.ContentID)...)
	errs = append(errs, validateCredentials(r.ContentID, r.AccessToken)...)
	return errs
}

type AssetResponse struct {
	ID           string  `json:"id"`
	SourceURL    string  `json:"source_url"`
	ContentID    string  `json:"content_id,omitempty"`
	LocalPath    string  `json:"local_path,omitempty"`
	Status       string  `json:"status"`
	KeyRef       string  `json:"key_ref,omitempty"`
	CreatedAt    string  `json:"created_at"`
	DownloadedAt string  `json:"downloaded_at,omitempty"`
	Progress     float64 `json:"progress"`
	IsProtected  bool    `json:"is_protected"`
	Active       bool    `json:"active"`
}

func NewAssetResponse(a *domain.Asset, active bool) AssetResponse {
	resp := AssetResponse{
		ID:          a.ID,
		SourceURL:   a.SourceURL,
		ContentID:   a.ContentID,
		LocalPath:   a.LocalPath,
		Status:      string(a.Status),
		Progress:    a.ProgressPercent,
		IsProtected: a.IsProtected,
		Active:      active,
		CreatedAt:   a.CreatedAt.Format(time.RFC3339),
	}
	if a.KeyRef != nil {
		resp.KeyRef = *a.KeyRef
	}
	if a.DownloadedAt != nil {
		resp.DownloadedAt = a.DownloadedAt.Format(time.RFC3339)
	}
	return resp
}

type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}
