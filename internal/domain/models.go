package domain

import (
	"fmt"
	"time"
)

type AssetStatus string

const (
	AssetStatusNotStarted AssetStatus = "NotStarted"
	AssetStatusInProgress AssetStatus = "InProgress"
	AssetStatusPaused     AssetStatus = "Paused"
	AssetStatusFinished   AssetStatus = "Finished"
)

// CanTransition reports whether a record may move from s to next.
// Status only moves forward, except InProgress and Paused which may swap.
func (s AssetStatus) CanTransition(next AssetStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case AssetStatusNotStarted:
		return next == AssetStatusInProgress || next == AssetStatusFinished
	case AssetStatusInProgress:
		return next == AssetStatusPaused || next == AssetStatusFinished
	case AssetStatusPaused:
		return next == AssetStatusInProgress || next == AssetStatusFinished
	}
	return false
}

func (s AssetStatus) IsFinished() bool {
	return s == AssetStatusFinished
}

type KeyStatus string

const (
	KeyStatusRequested KeyStatus = "Requested"
	KeyStatusPersisted KeyStatus = "Persisted"
)

// Asset is one downloadable content source and its local materialization.
type Asset struct {
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
	DownloadedAt    *time.Time  `json:"downloaded_at,omitempty" db:"downloaded_at"`
	KeyRef          *string     `json:"key_ref,omitempty" db:"key_ref"`
	ID              string      `json:"id" db:"id"`
	ContentID       string      `json:"content_id" db:"content_id"`
	SourceURL       string      `json:"source_url" db:"source_url"`
	LocalPath       string      `json:"local_path" db:"local_path"`
	Status          AssetStatus `json:"status" db:"status"`
	ProgressPercent float64     `json:"progress_percent" db:"progress_percent"`
	IsProtected     bool        `json:"is_protected" db:"is_protected"`
}

func (a *Asset) RecordID() string { return a.ID }

// Validate checks the record-level invariants.
func (a *Asset) Validate() error {
	if a.Status == AssetStatusFinished && a.LocalPath == "" {
		return fmt.Errorf("asset %s is finished without a local path", a.ID)
	}
	if a.Status == AssetStatusNotStarted && a.ProgressPercent != 0 {
		return fmt.Errorf("asset %s not started but reports %.2f%% progress", a.ID, a.ProgressPercent)
	}
	if a.ProgressPercent < 0 || a.ProgressPercent > 100 {
		return fmt.Errorf("asset %s progress %.2f out of range", a.ID, a.ProgressPercent)
	}
	return nil
}

// TransitionTo rejects a status change that CanTransition forbids.
func (a *Asset) TransitionTo(next *Asset) error {
	if a.Status.CanTransition(next.Status) {
		return nil
	}
	return &PreconditionError{Op: "update", Status: a.Status, Want: "cannot become " + string(next.Status)}
}

// Key is the license record for one content key namespace.
type Key struct {
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ValidUntil *time.Time `json:"valid_until,omitempty" db:"valid_until"`
	ID         string     `json:"id" db:"id"`
	ContentID  string     `json:"content_id" db:"content_id"`
	StoredPath string     `json:"stored_path" db:"stored_path"`
	Status     KeyStatus  `json:"status" db:"status"`
}

func (k *Key) RecordID() string { return k.ID }

// Expired reports whether a time-limited license has lapsed. Keys without
// ValidUntil never expire.
func (k *Key) Expired(now time.Time) bool {
	return k.ValidUntil != nil && !now.Before(*k.ValidUntil)
}

// ProvisionRequest asks for a content key to be provisioned for a
// protected asset.
type ProvisionRequest struct {
	AssetID     string
	AccessToken string
	ContentID   string
}
