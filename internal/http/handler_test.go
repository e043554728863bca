package httpapp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cesargomez89/offlinevault/internal/domain"
	"github.com/cesargomez89/offlinevault/internal/download"
	"github.com/cesargomez89/offlinevault/internal/drm"
	"github.com/cesargomez89/offlinevault/internal/http/dto"
	"github.com/cesargomez89/offlinevault/internal/logger"
	"github.com/cesargomez89/offlinevault/internal/store"
)

type stubTask struct {
	id, url string
	mu      sync.Mutex
	state   download.TaskState
}

func (t *stubTask) ID() string        { return t.id }
func (t *stubTask) SourceURL() string { return t.url }
func (t *stubTask) Suspend()          { t.set(download.TaskSuspended) }
func (t *stubTask) Resume()           { t.set(download.TaskRunning) }
func (t *stubTask) Cancel()           { t.set(download.TaskCancelled) }

func (t *stubTask) set(s download.TaskState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *stubTask) State() download.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

type stubEngine struct {
	events download.Events
	mu     sync.Mutex
	tasks  []*stubTask
}

func (e *stubEngine) SetEvents(ev download.Events) { e.events = ev }

func (e *stubEngine) Submit(_ context.Context, url string, _ int) (download.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := &stubTask{id: fmt.Sprintf("t%d", len(e.tasks)), url: url, state: download.TaskSuspended}
	e.tasks = append(e.tasks, t)
	return t, nil
}

func (e *stubEngine) Tasks(context.Context) ([]download.Task, error) { return nil, nil }

func (e *stubEngine) last() *stubTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks[len(e.tasks)-1]
}

type stubKeys struct {
	err error
	req drm.KeyRequest
}

func (k *stubKeys) Await(_ context.Context, req drm.KeyRequest) ([]byte, error) {
	k.req = req
	if k.err != nil {
		return nil, k.err
	}
	return []byte("key-bytes"), nil
}

type stubProvisioner struct{}

func (stubProvisioner) Provision(_ context.Context, req domain.ProvisionRequest) (string, error) {
	return "key-" + req.ContentID, nil
}

type fixture struct {
	srv    *httptest.Server
	engine *stubEngine
	keys   *stubKeys
	mgr    *download.Manager
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := store.NewSQLiteDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}

	f := &fixture{engine: &stubEngine{}, keys: &stubKeys{}}
	f.mgr = download.NewManager(db, f.engine, stubProvisioner{}, logger.Discard())

	r := chi.NewRouter()
	NewHandler(f.mgr, f.keys, logger.Discard()).RegisterRoutes(r)
	f.srv = httptest.NewServer(r)

	t.Cleanup(func() {
		f.srv.Close()
		f.mgr.Close()
		_ = db.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rdr = bytes.NewReader(data)
	}
	req, _ := http.NewRequest(method, f.srv.URL+path, rdr)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (f *fixture) start(t *testing.T, url string) dto.AssetResponse {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/downloads", dto.StartDownloadRequest{URL: url})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", resp.StatusCode, body)
	}
	var a dto.AssetResponse
	if err := json.Unmarshal(body, &a); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	return a
}

func TestHandler_DownloadLifecycle(t *testing.T) {
	f := setup(t)
	url := "https://x/a.m3u8"

	a := f.start(t, url)
	if a.Status != "NotStarted" || !a.Active {
		t.Errorf("Unexpected new asset %+v", a)
	}

	task := f.engine.last()
	f.mgr.OnProgress(task.ID(), []domain.TimeRange{{Duration: 50 * time.Second}}, domain.TimeRange{Duration: 100 * time.Second})

	resp, body := f.do(t, http.MethodPost, "/api/downloads/"+a.ID+"/pause", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"Paused"`) {
		t.Fatalf("Pause: %d %s", resp.StatusCode, body)
	}
	resp, body = f.do(t, http.MethodPost, "/api/downloads/"+a.ID+"/resume", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"InProgress"`) {
		t.Fatalf("Resume: %d %s", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodDelete, "/api/downloads/"+a.ID, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 deleting unfinished asset, got %d", resp.StatusCode)
	}

	f.mgr.OnLocalFileReady(task.ID(), filepath.Join(t.TempDir(), "a.movpkg"))
	f.mgr.OnComplete(task.ID(), nil)

	resp, body = f.do(t, http.MethodGet, "/api/downloads/finished?url="+url, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), a.ID) {
		t.Fatalf("Finished: %d %s", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/downloads", dto.StartDownloadRequest{URL: url})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for existing finished asset, got %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodDelete, "/api/downloads/"+a.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/api/downloads/"+a.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestHandler_StartValidation(t *testing.T) {
	f := setup(t)

	resp, body := f.do(t, http.MethodPost, "/api/downloads", dto.StartDownloadRequest{URL: "nope", ContentID: "c1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", resp.StatusCode)
	}
	var er dto.ErrorResponse
	_ = json.Unmarshal(body, &er)
	if er.Fields["url"] == "" || er.Fields["access_token"] == "" {
		t.Errorf("Expected url and access_token field errors, got %+v", er)
	}

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/downloads", strings.NewReader("{"))
	r, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad JSON, got %d", r.StatusCode)
	}
}

func TestHandler_ListAndCancel(t *testing.T) {
	f := setup(t)
	a := f.start(t, "https://x/1.m3u8")
	f.start(t, "https://x/2.m3u8")

	resp, body := f.do(t, http.MethodGet, "/api/downloads", nil)
	var list []dto.AssetResponse
	_ = json.Unmarshal(body, &list)
	if resp.StatusCode != http.StatusOK || len(list) != 2 {
		t.Fatalf("List: %d %s", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/downloads/"+a.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/api/downloads/"+a.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 cancelling twice, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/api/downloads/missing/pause", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestHandler_Events(t *testing.T) {
	f := setup(t)
	a := f.start(t, "https://x/e.m3u8")

	resp, err := http.Get(f.srv.URL + "/api/downloads/" + a.ID + "/events?field=status")
	if err != nil {
		t.Fatalf("Get events failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Unexpected content type %s", ct)
	}

	lines := make(chan string, 32)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), "event: ") {
				lines <- strings.TrimPrefix(sc.Text(), "event: ")
			}
		}
		close(lines)
	}()

	next := func() string {
		select {
		case l, ok := <-lines:
			if !ok {
				return ""
			}
			return l
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for event")
			return ""
		}
	}

	if got := next(); got != "snapshot" {
		t.Fatalf("Expected snapshot first, got %q", got)
	}

	f.mgr.OnProgress(f.engine.last().ID(), []domain.TimeRange{{Duration: time.Second}}, domain.TimeRange{Duration: 10 * time.Second})
	if got := next(); got != "change" {
		t.Errorf("Expected change event, got %q", got)
	}

	if r, _ := f.do(t, http.MethodPost, "/api/downloads/"+a.ID+"/cancel", nil); r.StatusCode != http.StatusNoContent {
		t.Fatalf("Cancel failed: %d", r.StatusCode)
	}
	if got := next(); got != "deleted" {
		t.Errorf("Expected deleted event, got %q", got)
	}
	if got := next(); got != "" {
		t.Errorf("Expected stream to end, got %q", got)
	}
}

func TestHandler_RequestKey(t *testing.T) {
	f := setup(t)

	resp, body := postRaw(t, f.srv.URL+"/api/keys/c1?persistable=true", "spc")
	if resp.StatusCode != http.StatusOK || string(body) != "key-bytes" {
		t.Fatalf("RequestKey: %d %s", resp.StatusCode, body)
	}
	if f.keys.req.Identifier() != "skd://c1" || !f.keys.req.Persistable() {
		t.Errorf("Unexpected key request %s persistable=%v", f.keys.req.Identifier(), f.keys.req.Persistable())
	}

	resp, _ = postRaw(t, f.srv.URL+"/api/keys/c1", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty message, got %d", resp.StatusCode)
	}

	f.keys.err = &domain.LicenseServiceError{ContentID: "c1", StatusCode: 403, Err: errors.New("denied")}
	resp, _ = postRaw(t, f.srv.URL+"/api/keys/c1", "spc")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502 for license failure, got %d", resp.StatusCode)
	}
}

func postRaw(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/octet-stream", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&domain.ValidationError{Attribute: "x"}, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrMultipleMatches, http.StatusConflict},
		{&domain.PreconditionError{Op: "delete"}, http.StatusConflict},
		{&domain.DownloadTransportError{Err: errors.New("x")}, http.StatusBadGateway},
		{&domain.LicenseServiceError{Err: errors.New("x")}, http.StatusBadGateway},
		{&domain.StorageError{Err: errors.New("x")}, http.StatusInternalServerError},
		{drm.ErrInvalidIdentifier, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
