package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrMultipleMatches = errors.New("multiple records match")
	ErrPrecondition    = errors.New("precondition violated")
)

// ValidationError rejects a mutation that names an attribute the record
// schema does not have.
type ValidationError struct {
	Table     string
	Attribute string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid attribute %q for %s", e.Attribute, e.Table)
}

// PreconditionError is a caller bug such as deleting an unfinished asset.
type PreconditionError struct {
	Op     string
	Status AssetStatus
	Want   string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: asset is %s, %s", e.Op, e.Status, e.Want)
}

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

// DownloadTransportError is a failure reported by the media download engine.
type DownloadTransportError struct {
	Err       error
	AssetID   string
	SourceURL string
}

func (e *DownloadTransportError) Error() string {
	return fmt.Sprintf("download %s (%s) failed: %v", e.AssetID, e.SourceURL, e.Err)
}

func (e *DownloadTransportError) Unwrap() error { return e.Err }

// LicenseServiceError is a transport failure or a rejected license.
type LicenseServiceError struct {
	Err        error
	ContentID  string
	StatusCode int
	RetryAfter time.Duration
}

func (e *LicenseServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("license for %s rejected (status %d): %v", e.ContentID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("license for %s failed: %v", e.ContentID, e.Err)
}

func (e *LicenseServiceError) Unwrap() error { return e.Err }

// StorageError is a local file write or delete failure.
type StorageError struct {
	Err  error
	Op   string
	Path string
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
