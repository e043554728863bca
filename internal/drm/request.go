// Package drm coordinates content-key requests raised by the DRM session:
// it answers from the local key cache when it can and otherwise negotiates
// a license, persisting offline keys on the way back.
package drm

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/cesargomez89/offlinevault/internal/constants"
	"github.com/cesargomez89/offlinevault/internal/license"
)

var (
	ErrInvalidIdentifier = errors.New("invalid content key identifier")
	ErrNoCredentials     = errors.New("no license credentials registered")
)

// KeyRequest is one content-key request raised by the DRM session. Exactly
// one of Respond or Fail is called for every request handed to the
// coordinator.
type KeyRequest interface {
	Identifier() string
	Persistable() bool
	KeyRequestMessage(ctx context.Context, certificate []byte, contentID string) ([]byte, error)
	PersistableKey(response []byte) ([]byte, error)
	Respond(key []byte)
	Fail(err error)
}

// Session is the DRM primitive that raises key requests. Asking it to
// process an identifier makes it call back into HandleKeyRequest.
type Session interface {
	ProcessKeyRequest(identifier string, persistable bool)
}

type LicenseService interface {
	RequestLicense(ctx context.Context, req license.Request) (*license.Response, error)
	Certificate(ctx context.Context) ([]byte, error)
}

// ContentIDFromIdentifier extracts the content id from an skd:// key
// identifier. The id is the URL host.
func ContentIDFromIdentifier(identifier string) (string, error) {
	u, err := url.Parse(identifier)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	if u.Scheme != constants.ContentKeyScheme || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}
	return u.Host, nil
}

// Identifier builds the key identifier for contentID.
func Identifier(contentID string) string {
	return constants.ContentKeyScheme + "://" + contentID
}

type RequestState int

const (
	StateNew RequestState = iota
	StateAwaitingLicense
	StatePersisting
	StateResolved
	StateFailed
)

func (s RequestState) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateAwaitingLicense:
		return "AwaitingLicense"
	case StatePersisting:
		return "Persisting"
	case StateResolved:
		return "Resolved"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("RequestState(%d)", int(s))
}

// RetryReason is why the DRM session asks whether to retry a request.
type RetryReason string

const (
	RetryTimedOut           RetryReason = "TimedOut"
	RetryExpiredLease       RetryReason = "ReceivedResponseWithExpiredLease"
	RetryObsoleteContentKey RetryReason = "ReceivedObsoleteContentKey"
	RetryUnknown            RetryReason = "Unknown"
)

// MessageRequest is a KeyRequest whose key-request message was built
// elsewhere, for example by a player that posts it over HTTP. The license
// response is stored as the persistable key as is.
type MessageRequest struct {
	result      chan keyResult
	identifier  string
	message     []byte
	persistable bool
}

type keyResult struct {
	err error
	key []byte
}

func NewMessageRequest(identifier string, message []byte, persistable bool) *MessageRequest {
	return &MessageRequest{
		identifier:  identifier,
		message:     message,
		persistable: persistable,
		result:      make(chan keyResult, 1),
	}
}

func (r *MessageRequest) Identifier() string { return r.identifier }
func (r *MessageRequest) Persistable() bool  { return r.persistable }

func (r *MessageRequest) KeyRequestMessage(context.Context, []byte, string) ([]byte, error) {
	if len(r.message) == 0 {
		return nil, errors.New("empty key request message")
	}
	return r.message, nil
}

func (r *MessageRequest) PersistableKey(response []byte) ([]byte, error) {
	return response, nil
}

func (r *MessageRequest) Respond(key []byte) { r.answer(keyResult{key: key}) }
func (r *MessageRequest) Fail(err error)     { r.answer(keyResult{err: err}) }

// Only the first answer is kept.
func (r *MessageRequest) answer(res keyResult) {
	select {
	case r.result <- res:
	default:
	}
}

// Wait blocks until the request is answered or ctx is done.
func (r *MessageRequest) Wait(ctx context.Context) ([]byte, error) {
	select {
	case res := <-r.result:
		return res.key, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
