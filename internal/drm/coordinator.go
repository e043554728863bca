package drm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cesargomez89/offlinevault/internal/domain"
	"github.com/cesargomez89/offlinevault/internal/keycache"
	"github.com/cesargomez89/offlinevault/internal/license"
	"github.com/cesargomez89/offlinevault/internal/logger"
	"github.com/cesargomez89/offlinevault/internal/store"
)

type credentials struct {
	assetID     string
	accessToken string
}

// Coordinator answers content-key requests. At most one resolution per
// content id runs at a time; requests that queue up behind it with the
// same persistability share its result.
type Coordinator struct {
	db         *store.DB
	keys       *keycache.Cache
	license    LicenseService
	session    Session
	dispatcher *Dispatcher
	logger     *logger.Logger
	creds      map[string]credentials
	pending    map[string][]KeyRequest
	now        func() time.Time

	// OnTransition observes every request state change.
	OnTransition func(contentID string, state RequestState)

	mu sync.Mutex
}

func NewCoordinator(db *store.DB, keys *keycache.Cache, ls LicenseService, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Default()
	}
	return &Coordinator{
		db:         db,
		keys:       keys,
		license:    ls,
		dispatcher: NewDispatcher(),
		logger:     log.WithComponent("drm"),
		creds:      make(map[string]credentials),
		pending:    make(map[string][]KeyRequest),
		now:        time.Now,
	}
}

// SetSession attaches the DRM primitive Provision asks to raise requests.
func (c *Coordinator) SetSession(s Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// Close stops accepting requests and waits for queued ones to finish.
func (c *Coordinator) Close() {
	c.dispatcher.Stop()
}

// Provision prepares the Key Record for a protected asset and returns its
// id. A Persisted record whose key file has gone missing is reset to
// Requested so the next key request negotiates a new license.
func (c *Coordinator) Provision(ctx context.Context, req domain.ProvisionRequest) (string, error) {
	if _, err := c.keys.Path(req.ContentID); err != nil {
		return "", err
	}
	log := c.logger.WithContent(req.ContentID)

	c.mu.Lock()
	c.creds[req.ContentID] = credentials{assetID: req.AssetID, accessToken: req.AccessToken}
	session := c.session
	c.mu.Unlock()

	rec, err := c.findOrCreateKey(ctx, req.ContentID)
	if err != nil {
		return "", err
	}

	if rec.Status == domain.KeyStatusPersisted && !c.keys.Exists(req.ContentID) {
		log.Warn("Persisted key missing on disk, resetting", "key_id", rec.ID)
		if err := c.resetKey(ctx, rec); err != nil {
			return "", err
		}
	}

	if session != nil {
		session.ProcessKeyRequest(Identifier(req.ContentID), true)
	}
	return rec.ID, nil
}

// HandleKeyRequest queues req behind any other request for the same
// content id. It returns immediately; req is answered from the queue.
func (c *Coordinator) HandleKeyRequest(req KeyRequest) {
	contentID, err := ContentIDFromIdentifier(req.Identifier())
	if err != nil {
		c.logger.Error("Rejecting key request", "identifier", req.Identifier(), "error", err)
		req.Fail(err)
		return
	}
	c.transition(contentID, StateNew)

	c.mu.Lock()
	c.pending[contentID] = append(c.pending[contentID], req)
	c.mu.Unlock()

	err = c.dispatcher.Dispatch(contentID, func(ctx context.Context) {
		c.resolveNext(ctx, contentID)
	})
	if err != nil {
		if c.takeRequest(contentID, req) {
			c.transition(contentID, StateFailed)
			req.Fail(err)
		}
	}
}

// Await handles req and waits for its answer. If ctx ends first Await
// returns, the resolution keeps going and its result still reaches req.
func (c *Coordinator) Await(ctx context.Context, req KeyRequest) ([]byte, error) {
	w := &awaited{KeyRequest: req, result: make(chan keyResult, 1)}
	c.HandleKeyRequest(w)

	select {
	case res := <-w.result:
		return res.key, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ShouldRetry classifies a failed request for the DRM session.
func (c *Coordinator) ShouldRetry(reason RetryReason) bool {
	switch reason {
	case RetryTimedOut, RetryExpiredLease, RetryObsoleteContentKey:
		return true
	}
	return false
}

type awaited struct {
	KeyRequest
	result chan keyResult
}

func (a *awaited) Respond(key []byte) {
	a.KeyRequest.Respond(key)
	a.result <- keyResult{key: key}
}

func (a *awaited) Fail(err error) {
	a.KeyRequest.Fail(err)
	a.result <- keyResult{err: err}
}

func (c *Coordinator) resolveNext(ctx context.Context, contentID string) {
	c.mu.Lock()
	queue := c.pending[contentID]
	if len(queue) == 0 {
		c.mu.Unlock()
		return
	}
	req := queue[0]
	c.pending[contentID] = queue[1:]
	c.mu.Unlock()

	key, err := c.resolve(ctx, contentID, req)

	batch := append([]KeyRequest{req}, c.takeMatching(contentID, req.Persistable())...)
	if err != nil {
		c.logger.WithContent(contentID).Error("Key request failed", "requests", len(batch), "error", err)
		for _, r := range batch {
			c.transition(contentID, StateFailed)
			r.Fail(err)
		}
		return
	}
	for _, r := range batch {
		c.transition(contentID, StateResolved)
		r.Respond(key)
	}
}

func (c *Coordinator) resolve(ctx context.Context, contentID string, req KeyRequest) ([]byte, error) {
	log := c.logger.WithContent(contentID)

	rec, err := c.db.Keys.Get(ctx, "content_id", contentID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		rec = nil
	}

	if key, ok := c.cachedKey(ctx, rec, contentID); ok {
		log.Debug("Answering key request from cache")
		if rec != nil && rec.Status != domain.KeyStatusPersisted {
			path, _ := c.keys.Path(contentID)
			if err := c.markPersisted(ctx, rec, contentID, path, rec.ValidUntil); err != nil {
				log.Warn("Failed to mark cached key persisted", "error", err)
			}
		}
		return key, nil
	}

	c.transition(contentID, StateAwaitingLicense)

	c.mu.Lock()
	cred, ok := c.creds[contentID]
	c.mu.Unlock()
	if !ok {
		return nil, &domain.LicenseServiceError{ContentID: contentID, Err: ErrNoCredentials}
	}

	cert, err := c.license.Certificate(ctx)
	if err != nil {
		return nil, err
	}

	msg, err := req.KeyRequestMessage(ctx, cert, contentID)
	if err != nil {
		return nil, fmt.Errorf("building key request for %s: %w", contentID, err)
	}

	resp, err := c.license.RequestLicense(ctx, license.Request{
		AssetID:     cred.assetID,
		AccessToken: cred.accessToken,
		ContentID:   contentID,
		Message:     msg,
		Persistable: req.Persistable(),
	})
	if err != nil {
		return nil, err
	}

	c.transition(contentID, StatePersisting)
	if !req.Persistable() {
		return resp.Key, nil
	}

	persistable, err := req.PersistableKey(resp.Key)
	if err != nil {
		return nil, fmt.Errorf("deriving persistable key for %s: %w", contentID, err)
	}

	path, err := c.keys.Write(contentID, persistable)
	if err != nil {
		return nil, err
	}

	if err := c.markPersisted(ctx, rec, contentID, path, resp.ValidUntil); err != nil {
		if rmErr := c.keys.Remove(contentID); rmErr != nil {
			log.Warn("Failed to remove orphaned key file", "error", rmErr)
		}
		return nil, err
	}
	log.Info("Persisted content key", "path", path)
	return persistable, nil
}

// cachedKey returns the cached key when the file exists, opens cleanly and
// the record has not expired. An expired or unreadable file is removed and
// a Persisted record without a usable file is reset.
func (c *Coordinator) cachedKey(ctx context.Context, rec *domain.Key, contentID string) ([]byte, bool) {
	log := c.logger.WithContent(contentID)

	if rec != nil && rec.Expired(c.now()) {
		log.Info("Cached key expired", "valid_until", rec.ValidUntil)
		if err := c.keys.Remove(contentID); err != nil {
			log.Warn("Failed to remove expired key", "error", err)
		}
	} else {
		key, err := c.keys.Read(contentID)
		if err == nil {
			return key, true
		}
		if errors.Is(err, keycache.ErrInvalidKey) {
			log.Warn("Discarding unreadable key file", "error", err)
			_ = c.keys.Remove(contentID)
		} else if !errors.Is(err, keycache.ErrNotCached) {
			log.Warn("Failed to read cached key", "error", err)
		}
	}

	if rec != nil && rec.Status == domain.KeyStatusPersisted {
		if err := c.resetKey(ctx, rec); err != nil {
			log.Warn("Failed to reset key record", "error", err)
		}
	}
	return nil, false
}

func (c *Coordinator) markPersisted(ctx context.Context, rec *domain.Key, contentID, path string, validUntil *time.Time) error {
	if rec == nil {
		var err error
		rec, err = c.findOrCreateKey(ctx, contentID)
		if err != nil {
			return err
		}
	}
	return c.db.Keys.Update(ctx, rec, store.Attrs{
		"status":      domain.KeyStatusPersisted,
		"stored_path": path,
		"valid_until": validUntil,
	})
}

func (c *Coordinator) resetKey(ctx context.Context, rec *domain.Key) error {
	return c.db.Keys.Update(ctx, rec, store.Attrs{
		"status":      domain.KeyStatusRequested,
		"stored_path": "",
		"valid_until": nil,
	})
}

func (c *Coordinator) findOrCreateKey(ctx context.Context, contentID string) (*domain.Key, error) {
	rec, err := c.db.Keys.Get(ctx, "content_id", contentID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	rec, err = c.db.Keys.Create(ctx, store.Attrs{
		"content_id": contentID,
		"status":     domain.KeyStatusRequested,
	})
	if err != nil {
		// Lost a race with another Provision for the same content id.
		if existing, getErr := c.db.Keys.Get(ctx, "content_id", contentID); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return rec, nil
}

func (c *Coordinator) takeMatching(contentID string, persistable bool) []KeyRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	var taken, kept []KeyRequest
	for _, r := range c.pending[contentID] {
		if r.Persistable() == persistable {
			taken = append(taken, r)
		} else {
			kept = append(kept, r)
		}
	}
	c.setPending(contentID, kept)
	return taken
}

func (c *Coordinator) takeRequest(contentID string, req KeyRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.pending[contentID]
	for i, r := range queue {
		if r == req {
			c.setPending(contentID, append(queue[:i:i], queue[i+1:]...))
			return true
		}
	}
	return false
}

func (c *Coordinator) setPending(contentID string, queue []KeyRequest) {
	if len(queue) == 0 {
		delete(c.pending, contentID)
		return
	}
	c.pending[contentID] = queue
}

func (c *Coordinator) transition(contentID string, state RequestState) {
	c.logger.Debug("Key request state", "content_id", contentID, "state", state.String())
	if c.OnTransition != nil {
		c.OnTransition(contentID, state)
	}
}
