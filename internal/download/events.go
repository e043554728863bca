package download

import (
	"context"
	"errors"
	"time"

	"github.com/cesargomez89/offlinevault/internal/constants"
	"github.com/cesargomez89/offlinevault/internal/domain"
	"github.com/cesargomez89/offlinevault/internal/logger"
	"github.com/cesargomez89/offlinevault/internal/store"
)

var ErrNoLocalFile = errors.New("download completed without a local file")

var _ Events = (*Manager)(nil)

// OnProgress records progress. A Paused asset keeps its status.
func (m *Manager) OnProgress(taskID string, loaded []domain.TimeRange, expected domain.TimeRange) {
	m.withTaskAsset(taskID, "progress", func(ctx context.Context, asset *domain.Asset, log *logger.Logger) {
		if asset.Status.IsFinished() {
			return
		}

		attrs := store.Attrs{"progress_percent": domain.Progress(loaded, expected)}
		if asset.Status != domain.AssetStatusPaused && asset.Status != domain.AssetStatusInProgress {
			attrs["status"] = domain.AssetStatusInProgress
		}
		if err := m.db.Assets.Update(ctx, asset, attrs); err != nil {
			log.Error("Failed to record progress", "error", err)
			m.reportError(asset.ID, err)
		}
	})
}

// OnLocalFileReady records where the media landed, relative to the media
// directory when one is set.
func (m *Manager) OnLocalFileReady(taskID, path string) {
	m.withTaskAsset(taskID, "local file", func(ctx context.Context, asset *domain.Asset, log *logger.Logger) {
		if err := m.db.Assets.Update(ctx, asset, store.Attrs{"local_path": m.relativePath(path)}); err != nil {
			log.Error("Failed to record local path", "path", path, "error", err)
			m.reportError(asset.ID, err)
		}
	})
}

// OnComplete finishes the asset or, on error, leaves its status alone and
// reports a DownloadTransportError. The task is unbound either way.
func (m *Manager) OnComplete(taskID string, err error) {
	m.withTaskAsset(taskID, "completion", func(ctx context.Context, asset *domain.Asset, log *logger.Logger) {
		m.unbind(asset.ID)

		if err == nil && asset.LocalPath == "" {
			err = ErrNoLocalFile
		}
		if err != nil {
			terr := &domain.DownloadTransportError{AssetID: asset.ID, SourceURL: asset.SourceURL, Err: err}
			log.Error("Download failed", "error", err)
			m.reportError(asset.ID, terr)
			return
		}

		now := m.now()
		attrs := store.Attrs{
			"status":           domain.AssetStatusFinished,
			"progress_percent": 100.0,
			"downloaded_at":    &now,
		}
		if uerr := m.db.Assets.Update(ctx, asset, attrs); uerr != nil {
			log.Error("Failed to finish asset", "error", uerr)
			m.reportError(asset.ID, uerr)
			return
		}
		log.Info("Download finished", "path", asset.LocalPath)
	})
}

type eventFunc func(ctx context.Context, asset *domain.Asset, log *logger.Logger)

type parkedEvent struct {
	fn   eventFunc
	name string
}

// withTaskAsset runs fn under the asset's lock with a fresh copy of its
// record. Events for tasks that are no longer bound are dropped.
func (m *Manager) withTaskAsset(taskID, event string, fn eventFunc) {
	assetID, parked := m.assetOrPark(taskID, parkedEvent{name: event, fn: fn})
	if parked {
		m.logger.Debug("Parking event for task being submitted", "task_id", taskID, "event", event)
		return
	}
	if assetID == "" {
		m.logger.Debug("Dropping event for unbound task", "task_id", taskID, "event", event)
		return
	}

	unlock := m.locks.Lock(assetID)
	defer unlock()

	// The task may have been cancelled or rebound while we waited.
	if current, ok := m.assetForTask(taskID); !ok || current != assetID {
		return
	}
	m.applyEvent(assetID, event, fn)
}

// applyEvent loads the asset and runs fn. Caller holds the asset lock.
func (m *Manager) applyEvent(assetID, event string, fn eventFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultHTTPTimeout)
	defer cancel()

	asset, err := m.db.Assets.Get(ctx, "id", assetID)
	if err != nil {
		m.logger.Error("Failed to load asset for event", "asset_id", assetID, "event", event, "error", err)
		return
	}
	fn(ctx, asset, m.logger.WithAsset(asset.ID, asset.SourceURL))
}

// Reattach relinks live engine tasks to their asset records by source URL.
// Tasks without a live unfinished record are cancelled. It returns the
// number of tasks relinked.
func (m *Manager) Reattach(ctx context.Context) (int, error) {
	tasks, err := m.engine.Tasks(ctx)
	if err != nil {
		return 0, &domain.DownloadTransportError{Err: err}
	}

	relinked := 0
	for _, task := range tasks {
		if task.State() == TaskCancelled {
			continue
		}
		if m.reattach(ctx, task) {
			relinked++
		}
	}

	if err := m.settings.Set(ctx, store.SettingLastReattach, m.now().UTC().Format(time.RFC3339)); err != nil {
		m.logger.Warn("Failed to record reattach time", "error", err)
	}
	m.logger.Info("Reattached engine tasks", "tasks", len(tasks), "relinked", relinked)
	return relinked, nil
}

func (m *Manager) reattach(ctx context.Context, task Task) bool {
	log := m.logger.With("task_id", task.ID(), "source_url", task.SourceURL())

	asset, err := m.db.Assets.Get(ctx, "source_url", task.SourceURL())
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Error("Failed to look up asset for task", "error", err)
			return false
		}
		log.Info("Cancelling orphaned engine task")
		task.Cancel()
		return false
	}

	unlock := m.locks.Lock(asset.ID)
	defer unlock()

	if asset.Status.IsFinished() {
		log.Info("Cancelling engine task for finished asset", "asset_id", asset.ID)
		task.Cancel()
		return false
	}
	if current := m.task(asset.ID); current != nil {
		if current.ID() != task.ID() {
			task.Cancel()
		}
		return false
	}

	m.bind(asset.ID, task)
	return true
}
