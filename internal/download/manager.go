// Package download owns the asset lifecycle: it starts engine downloads,
// tracks their progress on asset records and triggers key provisioning for
// protected content.
package download

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cesargomez89/offlinevault/internal/constants"
	"github.com/cesargomez89/offlinevault/internal/domain"
	"github.com/cesargomez89/offlinevault/internal/logger"
	"github.com/cesargomez89/offlinevault/internal/storage"
	"github.com/cesargomez89/offlinevault/internal/store"
)

var ErrEngineDeclined = errors.New("engine declined the download")

// StartOptions describe a protected asset. An empty ContentID starts a
// clear download.
type StartOptions struct {
	ContentID   string
	AssetID     string
	AccessToken string
}

func (o StartOptions) protected() bool {
	return o.ContentID != ""
}

type binding struct {
	task      Task
	provision context.CancelFunc
}

type Manager struct {
	db         *store.DB
	engine     Engine
	keys       KeyProvisioner
	settings   *store.SettingsRepo
	logger     *logger.Logger
	locks      *keyedMutex
	bindings   map[string]*binding // asset id
	byTask     map[string]string   // task id -> asset id
	early      map[string][]parkedEvent
	submitting int
	now        func() time.Time
	mediaDir   string
	minBitrate int
	wg         sync.WaitGroup
	mu         sync.Mutex

	// OnError is called with every download or provisioning failure that
	// has no caller waiting on it.
	OnError func(assetID string, err error)
}

func NewManager(db *store.DB, engine Engine, keys KeyProvisioner, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{
		db:         db,
		engine:     engine,
		keys:       keys,
		settings:   store.NewSettingsRepo(db),
		logger:     log.WithComponent("download"),
		locks:      newKeyedMutex(),
		bindings:   make(map[string]*binding),
		byTask:     make(map[string]string),
		early:      make(map[string][]parkedEvent),
		now:        time.Now,
		minBitrate: constants.DefaultMinBitrate,
	}
	engine.SetEvents(m)
	return m
}

// SetMinBitrate changes the bitrate hint passed to the engine.
func (m *Manager) SetMinBitrate(bps int) {
	if bps > 0 {
		m.minBitrate = bps
	}
}

// SetMediaDir sets the directory local paths are recorded relative to.
// Paths outside it are recorded as reported.
func (m *Manager) SetMediaDir(dir string) {
	m.mediaDir = dir
}

func (m *Manager) relativePath(path string) string {
	if m.mediaDir == "" {
		return path
	}
	rel, err := filepath.Rel(m.mediaDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}

func (m *Manager) absolutePath(path string) string {
	if m.mediaDir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(m.mediaDir, path)
}

// Close cancels pending key provisioning and waits for it to return.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, b := range m.bindings {
		if b.provision != nil {
			b.provision()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Start returns the asset for sourceURL, starting a download when needed.
// A finished asset is returned without touching the engine.
func (m *Manager) Start(ctx context.Context, sourceURL string, opts StartOptions) (*domain.Asset, error) {
	if err := validateSourceURL(sourceURL); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock("source:" + sourceURL)
	defer unlock()

	existing, err := m.db.Assets.Get(ctx, "source_url", sourceURL)
	switch {
	case err == nil:
		return m.resumeExisting(ctx, existing, opts)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	asset, err := m.db.Assets.Create(ctx, store.Attrs{
		"source_url":   sourceURL,
		"content_id":   opts.ContentID,
		"is_protected": opts.protected(),
		"status":       domain.AssetStatusNotStarted,
	})
	if err != nil {
		return nil, err
	}
	log := m.logger.WithAsset(asset.ID, sourceURL)

	unlockAsset := m.locks.Lock(asset.ID)
	defer unlockAsset()

	if err := m.submit(ctx, asset); err != nil {
		if delErr := m.db.Assets.Delete(context.WithoutCancel(ctx), asset); delErr != nil {
			log.Error("Failed to remove asset after engine error", "error", delErr)
		}
		return nil, err
	}

	if opts.protected() {
		m.provision(asset, opts)
	}

	log.Info("Download started", "protected", opts.protected())
	return m.reload(ctx, asset), nil
}

func (m *Manager) resumeExisting(ctx context.Context, asset *domain.Asset, opts StartOptions) (*domain.Asset, error) {
	if asset.Status.IsFinished() {
		return asset, nil
	}

	unlock := m.locks.Lock(asset.ID)
	defer unlock()

	if m.task(asset.ID) != nil {
		return asset, nil
	}

	m.logger.WithAsset(asset.ID, asset.SourceURL).Info("Rebinding stale asset to a new task")
	if err := m.submit(ctx, asset); err != nil {
		return nil, err
	}
	if opts.protected() && asset.KeyRef == nil {
		m.provision(asset, opts)
	}
	return m.reload(ctx, asset), nil
}

// submit asks the engine for a task, binds it and then resumes it. Events
// the engine emitted before the task was bound are applied first, in
// order. Caller holds the asset lock.
func (m *Manager) submit(ctx context.Context, asset *domain.Asset) error {
	m.mu.Lock()
	m.submitting++
	m.mu.Unlock()

	task, err := m.engine.Submit(ctx, asset.SourceURL, m.minBitrate)
	if err == nil && task == nil {
		err = ErrEngineDeclined
	}
	if err != nil {
		m.endSubmit()
		return &domain.DownloadTransportError{AssetID: asset.ID, SourceURL: asset.SourceURL, Err: err}
	}
	early := m.bind(asset.ID, task)
	m.endSubmit()

	for _, ev := range early {
		m.applyEvent(asset.ID, ev.name, ev.fn)
	}
	if m.task(asset.ID) == task && task.State() == TaskSuspended {
		task.Resume()
	}
	return nil
}

func (m *Manager) endSubmit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitting--
	if m.submitting == 0 {
		clear(m.early)
	}
}

// reload returns a fresh copy of asset, or asset itself if it cannot be read.
func (m *Manager) reload(ctx context.Context, asset *domain.Asset) *domain.Asset {
	fresh, err := m.db.Assets.Get(ctx, "id", asset.ID)
	if err != nil {
		return asset
	}
	return fresh
}

func (m *Manager) provision(asset *domain.Asset, opts StartOptions) {
	if m.keys == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if b, ok := m.bindings[asset.ID]; ok {
		b.provision = cancel
	}
	m.mu.Unlock()

	req := domain.ProvisionRequest{
		AssetID:     opts.AssetID,
		AccessToken: opts.AccessToken,
		ContentID:   opts.ContentID,
	}
	if req.AssetID == "" {
		req.AssetID = asset.ID
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		log := m.logger.WithAsset(asset.ID, asset.SourceURL).WithContent(opts.ContentID)

		keyID, err := m.keys.Provision(ctx, req)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("Key provisioning failed", "error", err)
				m.reportError(asset.ID, err)
			}
			return
		}

		unlock := m.locks.Lock(asset.ID)
		defer unlock()

		rec, err := m.db.Assets.Get(ctx, "id", asset.ID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) && ctx.Err() == nil {
				log.Error("Failed to load asset for key link", "error", err)
			}
			return
		}
		if err := m.db.Assets.Update(ctx, rec, store.Attrs{"key_ref": &keyID}); err != nil {
			if ctx.Err() == nil {
				log.Error("Failed to link key", "key_id", keyID, "error", err)
				m.reportError(asset.ID, err)
			}
			return
		}
		log.Debug("Key linked", "key_id", keyID)
	}()
}

// Pause suspends the bound task of an InProgress asset.
func (m *Manager) Pause(ctx context.Context, id string) (*domain.Asset, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	asset, err := m.db.Assets.Get(ctx, "id", id)
	if err != nil {
		return nil, err
	}
	if asset.Status != domain.AssetStatusInProgress {
		return nil, m.precondition("pause", asset, "want InProgress")
	}
	task := m.task(id)
	if task == nil {
		return nil, m.precondition("pause", asset, "no download task bound")
	}

	if err := m.db.Assets.Update(ctx, asset, store.Attrs{"status": domain.AssetStatusPaused}); err != nil {
		return nil, err
	}
	task.Suspend()
	return asset, nil
}

// Resume restarts a Paused asset. A task that is already running is left
// alone; an asset without a task gets a new one.
func (m *Manager) Resume(ctx context.Context, id string) (*domain.Asset, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	asset, err := m.db.Assets.Get(ctx, "id", id)
	if err != nil {
		return nil, err
	}
	if asset.Status != domain.AssetStatusPaused {
		return nil, m.precondition("resume", asset, "want Paused")
	}

	if err := m.db.Assets.Update(ctx, asset, store.Attrs{"status": domain.AssetStatusInProgress}); err != nil {
		return nil, err
	}

	task := m.task(id)
	switch {
	case task != nil && task.State() == TaskRunning:
	case task != nil:
		task.Resume()
	default:
		if err := m.submit(ctx, asset); err != nil {
			if rerr := m.db.Assets.Update(context.WithoutCancel(ctx), asset, store.Attrs{"status": domain.AssetStatusPaused}); rerr != nil {
				m.logger.WithAsset(asset.ID, asset.SourceURL).Error("Failed to restore Paused after engine error", "error", rerr)
			}
			return nil, err
		}
		return m.reload(ctx, asset), nil
	}
	return asset, nil
}

// Cancel stops an unfinished download and deletes its record. Key records
// are left alone.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	asset, err := m.db.Assets.Get(ctx, "id", id)
	if err != nil {
		return err
	}
	if asset.Status.IsFinished() {
		return m.precondition("cancel", asset, "use delete for finished assets")
	}

	if b := m.unbind(id); b != nil {
		b.task.Cancel()
		if b.provision != nil {
			b.provision()
		}
	}

	if err := m.db.Assets.Delete(ctx, asset); err != nil {
		return err
	}
	m.logger.WithAsset(asset.ID, asset.SourceURL).Info("Download cancelled")
	return nil
}

// Delete removes a finished asset's media and then its record. The record
// stays when the media cannot be removed.
func (m *Manager) Delete(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	asset, err := m.db.Assets.Get(ctx, "id", id)
	if err != nil {
		return err
	}
	if !asset.Status.IsFinished() {
		return m.precondition("delete", asset, "cancel unfinished downloads instead")
	}

	media := m.absolutePath(asset.LocalPath)
	if err := storage.RemoveAll(media); err != nil && !storage.IsNotExist(err) {
		return &domain.StorageError{Op: "delete media", Path: media, Err: err}
	}

	if err := m.db.Assets.Delete(ctx, asset); err != nil {
		return err
	}
	m.logger.WithAsset(asset.ID, asset.SourceURL).Info("Asset deleted", "path", asset.LocalPath)
	return nil
}

func (m *Manager) Get(ctx context.Context, id string) (*domain.Asset, error) {
	return m.db.Assets.Get(ctx, "id", id)
}

// List returns every asset, oldest first.
func (m *Manager) List(ctx context.Context) ([]*domain.Asset, error) {
	var out []*domain.Asset
	for asset, err := range m.db.Assets.Filter(ctx, nil) {
		if err != nil {
			return nil, err
		}
		out = append(out, asset)
		if len(out) == constants.MaxListResults {
			break
		}
	}
	return out, nil
}

// FinishedAsset returns the finished asset for sourceURL.
func (m *Manager) FinishedAsset(ctx context.Context, sourceURL string) (*domain.Asset, error) {
	return m.db.Assets.First(ctx, store.Attrs{
		"source_url": sourceURL,
		"status":     domain.AssetStatusFinished,
	})
}

func (m *Manager) Subscribe(id string, fields ...string) (*store.Subscription, error) {
	return m.db.Assets.Subscribe(id, fields...)
}

// Active reports whether the asset has a bound task.
func (m *Manager) Active(id string) bool {
	return m.task(id) != nil
}

func (m *Manager) precondition(op string, asset *domain.Asset, want string) error {
	err := &domain.PreconditionError{Op: op, Status: asset.Status, Want: want}
	m.logger.WithAsset(asset.ID, asset.SourceURL).Error("Precondition violated", "error", err)
	return err
}

func (m *Manager) reportError(assetID string, err error) {
	if m.OnError != nil {
		m.OnError(assetID, err)
	}
}

// bind links task to the asset and returns any events parked for it.
func (m *Manager) bind(assetID string, task Task) []parkedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.bindings[assetID]; ok {
		delete(m.byTask, old.task.ID())
	}
	m.bindings[assetID] = &binding{task: task}
	m.byTask[task.ID()] = assetID

	early := m.early[task.ID()]
	delete(m.early, task.ID())
	return early
}

func (m *Manager) unbind(assetID string) *binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[assetID]
	if !ok {
		return nil
	}
	delete(m.bindings, assetID)
	delete(m.byTask, b.task.ID())
	return b
}

func (m *Manager) task(assetID string) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bindings[assetID]; ok {
		return b.task
	}
	return nil
}

func (m *Manager) assetForTask(taskID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTask[taskID]
	return id, ok
}

// assetOrPark resolves taskID to its asset. An unknown task seen while a
// Submit is in flight may belong to it, so its event is parked for bind.
func (m *Manager) assetOrPark(taskID string, ev parkedEvent) (assetID string, parked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byTask[taskID]; ok {
		return id, false
	}
	if m.submitting == 0 {
		return "", false
	}
	m.early[taskID] = append(m.early[taskID], ev)
	return "", true
}

func validateSourceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("source url %q: %w", raw, &domain.ValidationError{Table: constants.AssetsTable, Attribute: "source_url"})
	}
	return nil
}
