// Package engine is a download.Engine that fetches a source URL over HTTP
// into the downloads directory. Progress is reported in bytes mapped onto
// the timeline, one byte per nanosecond.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cesargomez89/offlinevault/internal/constants"
	"github.com/cesargomez89/offlinevault/internal/domain"
	"github.com/cesargomez89/offlinevault/internal/download"
	"github.com/cesargomez89/offlinevault/internal/httpclient"
	"github.com/cesargomez89/offlinevault/internal/logger"
	"github.com/cesargomez89/offlinevault/internal/storage"
)

var _ download.Engine = (*Engine)(nil)

type Engine struct {
	client *httpclient.Client
	events download.Events
	logger *logger.Logger
	tasks  map[string]*task
	dir    string
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// New creates an engine writing into dir. A nil client gets one without a
// request timeout, since transfers run as long as the media takes.
func New(dir string, client *httpclient.Client, log *logger.Logger) *Engine {
	if client == nil {
		client = httpclient.NewClient(&http.Client{}, 0)
	}
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		client: client,
		logger: log.WithComponent("engine"),
		tasks:  make(map[string]*task),
		dir:    dir,
	}
}

func (e *Engine) SetEvents(events download.Events) {
	e.mu.Lock()
	e.events = events
	e.mu.Unlock()
}

func (e *Engine) Submit(ctx context.Context, sourceURL string, minBitrate int) (download.Task, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil
	}
	if err := storage.EnsureDir(e.dir, constants.DirPermissions); err != nil {
		return nil, fmt.Errorf("creating downloads dir: %w", err)
	}

	id := uuid.New().String()
	t := &task{
		engine:     e,
		id:         id,
		url:        sourceURL,
		minBitrate: minBitrate,
		state:      download.TaskSuspended,
		partPath:   filepath.Join(e.dir, id+constants.ExtPartial),
		finalPath:  filepath.Join(e.dir, finalName(id, u)),
	}

	e.mu.Lock()
	e.tasks[id] = t
	e.mu.Unlock()

	e.logger.Debug("Task submitted", "task_id", id, "source_url", sourceURL, "min_bitrate", minBitrate)
	return t, nil
}

// Tasks returns every task this process is still running or holding
// suspended.
func (e *Engine) Tasks(ctx context.Context) ([]download.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]download.Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		if t.State() != download.TaskCancelled {
			out = append(out, t)
		}
	}
	return out, nil
}

// Close stops every transfer, keeping partial files, and waits for them.
func (e *Engine) Close() {
	e.mu.Lock()
	tasks := make([]*task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	for _, t := range tasks {
		t.Suspend()
	}
	e.wg.Wait()
}

func (e *Engine) sink() download.Events {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.tasks, id)
	e.mu.Unlock()
}

func finalName(id string, u *url.URL) string {
	base := storage.Sanitize(path.Base(u.Path))
	if base == "" || base == "/" || base == "." {
		base = "media"
	}
	return id + "-" + base
}

type task struct {
	engine     *Engine
	cancel     context.CancelFunc
	done       chan struct{}
	id         string
	url        string
	partPath   string
	finalPath  string
	minBitrate int
	state      download.TaskState
	mu         sync.Mutex
}

func (t *task) ID() string        { return t.id }
func (t *task) SourceURL() string { return t.url }

func (t *task) State() download.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Suspend stops the transfer and keeps the partial file. It does not wait
// for the transfer goroutine.
func (t *task) Suspend() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != download.TaskRunning {
		return
	}
	t.state = download.TaskSuspended
	t.cancel()
}

// Resume continues from the partial file once the previous transfer has
// exited.
func (t *task) Resume() {
	t.mu.Lock()
	if t.state != download.TaskSuspended {
		t.mu.Unlock()
		return
	}
	prev := t.done
	t.mu.Unlock()
	t.start(prev)
}

func (t *task) Cancel() {
	t.mu.Lock()
	if t.state == download.TaskCancelled {
		t.mu.Unlock()
		return
	}
	t.state = download.TaskCancelled
	if t.cancel != nil {
		t.cancel()
	}
	done := t.done
	t.mu.Unlock()

	t.engine.forget(t.id)
	t.engine.wg.Add(1)
	go func() {
		defer t.engine.wg.Done()
		if done != nil {
			<-done
		}
		if err := storage.RemoveFile(t.partPath); err != nil && !storage.IsNotExist(err) {
			t.engine.logger.Warn("Failed to remove partial file", "task_id", t.id, "error", err)
		}
	}()
}

func (t *task) start(prev chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.mu.Lock()
	t.state = download.TaskRunning
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	t.engine.wg.Add(1)
	go func() {
		defer t.engine.wg.Done()
		defer close(done)
		defer cancel()
		if prev != nil {
			<-prev
		}
		if ctx.Err() != nil {
			return
		}
		t.finish(ctx, t.transfer(ctx))
	}()
}

func (t *task) finish(ctx context.Context, err error) {
	if err != nil && ctx.Err() != nil {
		// Suspended or cancelled: nothing to report.
		return
	}

	events := t.engine.sink()
	log := t.engine.logger.With("task_id", t.id)

	if err == nil {
		if err = storage.MoveFile(t.partPath, t.finalPath); err == nil && events != nil {
			events.OnLocalFileReady(t.id, t.finalPath)
		}
	}

	t.mu.Lock()
	t.state = download.TaskCancelled
	t.mu.Unlock()
	t.engine.forget(t.id)

	if err != nil {
		log.Warn("Transfer failed", "error", err)
	}
	if events != nil {
		events.OnComplete(t.id, err)
	}
}

func (t *task) transfer(ctx context.Context) error {
	offset, err := partialSize(t.partPath)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := t.engine.client.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // deferred cleanup

	var f *os.File
	switch resp.StatusCode {
	case http.StatusPartialContent:
		f, err = storage.OpenAppend(t.partPath)
	case http.StatusOK:
		offset = 0
		f, err = storage.CreateFile(t.partPath)
	case http.StatusRequestedRangeNotSatisfiable:
		if offset > 0 {
			return nil
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err != nil {
		return err
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}

	w := &progressWriter{
		task:    t,
		events:  t.engine.sink(),
		written: offset,
		total:   total,
	}
	_, copyErr := io.Copy(io.MultiWriter(f, w), resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}
	w.report()
	return nil
}

func partialSize(p string) (int64, error) {
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

// progressWriter counts bytes and reports progress at most every
// ProgressUpdateBytes or ProgressUpdateFreq.
type progressWriter struct {
	lastReport time.Time
	task       *task
	events     download.Events
	written    int64
	reported   int64
	total      int64
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.written-w.reported >= constants.ProgressUpdateBytes || time.Since(w.lastReport) >= constants.ProgressUpdateFreq {
		w.report()
	}
	return len(p), nil
}

func (w *progressWriter) report() {
	if w.events == nil || w.total <= 0 {
		return
	}
	w.reported = w.written
	w.lastReport = time.Now()
	w.events.OnProgress(w.task.id,
		[]domain.TimeRange{{Start: 0, Duration: time.Duration(w.written)}},
		domain.TimeRange{Start: 0, Duration: time.Duration(w.total)})
}
