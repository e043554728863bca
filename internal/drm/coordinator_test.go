package drm

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cesargomez89/offlinevault/internal/domain"
	"github.com/cesargomez89/offlinevault/internal/keycache"
	"github.com/cesargomez89/offlinevault/internal/license"
	"github.com/cesargomez89/offlinevault/internal/logger"
	"github.com/cesargomez89/offlinevault/internal/store"
)

type fakeLicense struct {
	err        error
	gate       chan struct{}
	entered    chan struct{}
	validUntil *time.Time
	calls      atomic.Int32
	certCalls  atomic.Int32
	mu         sync.Mutex
	requests   []license.Request
}

func (f *fakeLicense) RequestLicense(ctx context.Context, req license.Request) (*license.Response, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return &license.Response{Key: []byte("ckc:" + req.ContentID), ValidUntil: f.validUntil}, nil
}

func (f *fakeLicense) Certificate(ctx context.Context) ([]byte, error) {
	f.certCalls.Add(1)
	return []byte("cert"), nil
}

type fakeRequest struct {
	deriveErr   error
	identifier  string
	mu          sync.Mutex
	responses   [][]byte
	failures    []error
	persistable bool
}

func newFakeRequest(contentID string, persistable bool) *fakeRequest {
	return &fakeRequest{identifier: Identifier(contentID), persistable: persistable}
}

func (r *fakeRequest) Identifier() string { return r.identifier }
func (r *fakeRequest) Persistable() bool  { return r.persistable }

func (r *fakeRequest) KeyRequestMessage(_ context.Context, cert []byte, contentID string) ([]byte, error) {
	return []byte("spc:" + string(cert) + ":" + contentID), nil
}

func (r *fakeRequest) PersistableKey(response []byte) ([]byte, error) {
	if r.deriveErr != nil {
		return nil, r.deriveErr
	}
	return append([]byte("persist:"), response...), nil
}

func (r *fakeRequest) Respond(key []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, key)
}

func (r *fakeRequest) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *fakeRequest) answered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responses) + len(r.failures)
}

type fixture struct {
	db    *store.DB
	keys  *keycache.Cache
	lic   *fakeLicense
	coord *Coordinator
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	db, err := store.NewSQLiteDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	sealer, err := keycache.NewSealer(bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}

	f := &fixture{
		db:   db,
		keys: keycache.New(filepath.Join(dir, ".keys"), sealer),
		lic:  &fakeLicense{},
	}
	f.coord = NewCoordinator(db, f.keys, f.lic, logger.Discard())
	t.Cleanup(func() {
		f.coord.Close()
		_ = db.Close()
	})
	return f
}

func (f *fixture) provision(t *testing.T, contentID string) string {
	t.Helper()
	id, err := f.coord.Provision(context.Background(), domain.ProvisionRequest{
		AssetID:     "asset-" + contentID,
		AccessToken: "token",
		ContentID:   contentID,
	})
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	return id
}

func TestContentIDFromIdentifier(t *testing.T) {
	tests := []struct {
		identifier string
		want       string
		wantErr    bool
	}{
		{"skd://c-123", "c-123", false},
		{"skd://8eaHZjXt6km?x=1", "8eaHZjXt6km", false},
		{"https://c-123", "", true},
		{"skd://", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ContentIDFromIdentifier(tt.identifier)
		if (err != nil) != tt.wantErr {
			t.Errorf("ContentIDFromIdentifier(%q) error = %v, wantErr %v", tt.identifier, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidIdentifier) {
			t.Errorf("Expected ErrInvalidIdentifier, got %v", err)
		}
		if got != tt.want {
			t.Errorf("ContentIDFromIdentifier(%q) = %q, want %q", tt.identifier, got, tt.want)
		}
	}
}

func TestCoordinator_ShouldRetry(t *testing.T) {
	c := &Coordinator{}
	tests := []struct {
		reason RetryReason
		want   bool
	}{
		{RetryTimedOut, true},
		{RetryExpiredLease, true},
		{RetryObsoleteContentKey, true},
		{RetryUnknown, false},
		{RetryReason("InsufficientOutputProtection"), false},
	}
	for _, tt := range tests {
		if got := c.ShouldRetry(tt.reason); got != tt.want {
			t.Errorf("ShouldRetry(%s) = %v, want %v", tt.reason, got, tt.want)
		}
	}
}

func TestCoordinator_ProvisionFindsOrCreates(t *testing.T) {
	f := setup(t)
	first := f.provision(t, "c1")
	second := f.provision(t, "c1")
	if first != second {
		t.Errorf("Expected the same key record, got %s and %s", first, second)
	}

	rec, err := f.db.Keys.Get(context.Background(), "id", first)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != domain.KeyStatusRequested {
		t.Errorf("Expected Requested, got %s", rec.Status)
	}
}

func TestCoordinator_PersistThenServeFromCache(t *testing.T) {
	f := setup(t)
	validUntil := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	f.lic.validUntil = &validUntil
	keyID := f.provision(t, "c1")

	var states []RequestState
	var mu sync.Mutex
	f.coord.OnTransition = func(contentID string, s RequestState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	req := newFakeRequest("c1", true)
	key, err := f.coord.Await(context.Background(), req)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if string(key) != "persist:ckc:c1" {
		t.Errorf("Unexpected key %q", key)
	}
	if f.lic.calls.Load() != 1 {
		t.Errorf("Expected one license call, got %d", f.lic.calls.Load())
	}
	if got := f.lic.requests[0]; got.AssetID != "asset-c1" || got.AccessToken != "token" || !got.Persistable || string(got.Message) != "spc:cert:c1" {
		t.Errorf("Unexpected license request %+v", got)
	}

	want := []RequestState{StateNew, StateAwaitingLicense, StatePersisting, StateResolved}
	mu.Lock()
	if len(states) != len(want) {
		t.Fatalf("Expected states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("State %d: expected %s, got %s", i, want[i], states[i])
		}
	}
	states = nil
	mu.Unlock()

	rec, err := f.db.Keys.Get(context.Background(), "id", keyID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != domain.KeyStatusPersisted {
		t.Errorf("Expected Persisted, got %s", rec.Status)
	}
	if path, _ := f.keys.Path("c1"); rec.StoredPath != path {
		t.Errorf("Expected stored path %s, got %s", path, rec.StoredPath)
	}
	if rec.ValidUntil == nil || !rec.ValidUntil.Equal(validUntil) {
		t.Errorf("Expected valid until %v, got %v", validUntil, rec.ValidUntil)
	}

	cached, err := f.coord.Await(context.Background(), newFakeRequest("c1", true))
	if err != nil {
		t.Fatalf("Cached Await failed: %v", err)
	}
	if !bytes.Equal(cached, key) {
		t.Errorf("Expected cached bytes %q, got %q", key, cached)
	}
	if f.lic.calls.Load() != 1 {
		t.Errorf("Cached request reached the license service (%d calls)", f.lic.calls.Load())
	}
	mu.Lock()
	if len(states) != 2 || states[0] != StateNew || states[1] != StateResolved {
		t.Errorf("Expected New, Resolved for cached request, got %v", states)
	}
	mu.Unlock()
}

func TestCoordinator_ConcurrentRequestsShareOneCall(t *testing.T) {
	f := setup(t)
	f.lic.gate = make(chan struct{})
	f.lic.entered = make(chan struct{}, 4)
	f.provision(t, "c1")

	type result struct {
		err error
		key []byte
	}
	results := make(chan result, 2)
	await := func() {
		key, err := f.coord.Await(context.Background(), newFakeRequest("c1", false))
		results <- result{key: key, err: err}
	}

	go await()
	<-f.lic.entered
	go await()

	// Give the second request time to queue behind the first.
	time.Sleep(50 * time.Millisecond)
	close(f.lic.gate)

	var keys [][]byte
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("Await failed: %v", r.err)
		}
		keys = append(keys, r.key)
	}

	if f.lic.calls.Load() != 1 {
		t.Errorf("Expected exactly one license call, got %d", f.lic.calls.Load())
	}
	if !bytes.Equal(keys[0], keys[1]) || string(keys[0]) != "ckc:c1" {
		t.Errorf("Expected both callers to get ckc:c1, got %q and %q", keys[0], keys[1])
	}
}

func TestCoordinator_DifferentContentRunsInParallel(t *testing.T) {
	f := setup(t)
	f.lic.gate = make(chan struct{})
	f.lic.entered = make(chan struct{}, 2)
	f.provision(t, "c1")
	f.provision(t, "c2")

	f.coord.HandleKeyRequest(newFakeRequest("c1", false))
	f.coord.HandleKeyRequest(newFakeRequest("c2", false))

	for i := 0; i < 2; i++ {
		select {
		case <-f.lic.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("Requests for different content were serialized")
		}
	}
	close(f.lic.gate)
}

func TestCoordinator_LicenseFailureLeavesKeyUntouched(t *testing.T) {
	f := setup(t)
	f.lic.err = &domain.LicenseServiceError{ContentID: "c1", StatusCode: 403, Err: errors.New("denied")}
	keyID := f.provision(t, "c1")
	before, _ := f.db.Keys.Get(context.Background(), "id", keyID)

	req := newFakeRequest("c1", true)
	_, err := f.coord.Await(context.Background(), req)

	var lerr *domain.LicenseServiceError
	if !errors.As(err, &lerr) {
		t.Fatalf("Expected LicenseServiceError, got %v", err)
	}
	if len(req.failures) != 1 || len(req.responses) != 0 {
		t.Errorf("Expected the request to be failed once, got %d failures %d responses", len(req.failures), len(req.responses))
	}

	after, _ := f.db.Keys.Get(context.Background(), "id", keyID)
	if after.Status != before.Status || after.StoredPath != before.StoredPath {
		t.Errorf("Key record changed on failure: %+v -> %+v", before, after)
	}
	if f.keys.Exists("c1") {
		t.Error("Key file written despite failure")
	}
}

func TestCoordinator_DerivationFailureDiscardsResponse(t *testing.T) {
	f := setup(t)
	keyID := f.provision(t, "c1")

	req := newFakeRequest("c1", true)
	req.deriveErr = errors.New("cannot export")
	if _, err := f.coord.Await(context.Background(), req); err == nil {
		t.Fatal("Expected derivation failure")
	}

	rec, _ := f.db.Keys.Get(context.Background(), "id", keyID)
	if rec.Status != domain.KeyStatusRequested {
		t.Errorf("Expected Requested after failed derivation, got %s", rec.Status)
	}
	if f.keys.Exists("c1") {
		t.Error("Key file written despite derivation failure")
	}

	if _, err := f.coord.Await(context.Background(), newFakeRequest("c1", true)); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if f.lic.calls.Load() != 2 {
		t.Errorf("Expected a fresh round trip on retry, got %d calls", f.lic.calls.Load())
	}
}

func TestCoordinator_RepairsPersistedWithoutFile(t *testing.T) {
	f := setup(t)
	keyID := f.provision(t, "c1")
	ctx := context.Background()

	rec, _ := f.db.Keys.Get(ctx, "id", keyID)
	if err := f.db.Keys.Update(ctx, rec, store.Attrs{"status": domain.KeyStatusPersisted, "stored_path": "/gone"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	f.provision(t, "c1")
	rec, _ = f.db.Keys.Get(ctx, "id", keyID)
	if rec.Status != domain.KeyStatusRequested || rec.StoredPath != "" {
		t.Errorf("Expected record reset to Requested, got %+v", rec)
	}

	if _, err := f.coord.Await(ctx, newFakeRequest("c1", true)); err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if f.lic.calls.Load() != 1 {
		t.Errorf("Expected re-request through license service, got %d calls", f.lic.calls.Load())
	}
}

func TestCoordinator_ExpiredKeyIsRenewed(t *testing.T) {
	f := setup(t)
	keyID := f.provision(t, "c1")
	ctx := context.Background()

	if _, err := f.coord.Await(ctx, newFakeRequest("c1", true)); err != nil {
		t.Fatalf("Await failed: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	rec, _ := f.db.Keys.Get(ctx, "id", keyID)
	if err := f.db.Keys.Update(ctx, rec, store.Attrs{"valid_until": &past}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := f.coord.Await(ctx, newFakeRequest("c1", true)); err != nil {
		t.Fatalf("Renewal failed: %v", err)
	}
	if f.lic.calls.Load() != 2 {
		t.Errorf("Expected expired key to be renewed, got %d calls", f.lic.calls.Load())
	}
}

func TestCoordinator_AwaitCancelledKeepsResolution(t *testing.T) {
	f := setup(t)
	f.lic.gate = make(chan struct{})
	f.lic.entered = make(chan struct{}, 1)
	f.provision(t, "c1")

	ctx, cancel := context.WithCancel(context.Background())
	req := newFakeRequest("c1", true)
	errCh := make(chan error, 1)
	go func() {
		_, err := f.coord.Await(ctx, req)
		errCh <- err
	}()

	<-f.lic.entered
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	close(f.lic.gate)

	deadline := time.Now().Add(2 * time.Second)
	for req.answered() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("In-flight request was never answered")
		}
		time.Sleep(time.Millisecond)
	}
	if !f.keys.Exists("c1") {
		t.Error("Expected the in-flight result to be cached")
	}
}

func TestCoordinator_NoCredentials(t *testing.T) {
	f := setup(t)
	_, err := f.coord.Await(context.Background(), newFakeRequest("c1", false))
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("Expected ErrNoCredentials, got %v", err)
	}
	if f.lic.calls.Load() != 0 {
		t.Error("License service contacted without credentials")
	}
}

func TestCoordinator_InvalidIdentifier(t *testing.T) {
	f := setup(t)
	req := &fakeRequest{identifier: "https://nope"}
	f.coord.HandleKeyRequest(req)
	if len(req.failures) != 1 || !errors.Is(req.failures[0], ErrInvalidIdentifier) {
		t.Errorf("Expected ErrInvalidIdentifier failure, got %v", req.failures)
	}
}

type fakeSession struct {
	coord *Coordinator
	mu    sync.Mutex
	seen  []string
}

func (s *fakeSession) ProcessKeyRequest(identifier string, persistable bool) {
	s.mu.Lock()
	s.seen = append(s.seen, identifier)
	s.mu.Unlock()
	s.coord.HandleKeyRequest(&fakeRequest{identifier: identifier, persistable: persistable})
}

func TestCoordinator_ProvisionRaisesSessionRequest(t *testing.T) {
	f := setup(t)
	session := &fakeSession{coord: f.coord}
	f.coord.SetSession(session)

	f.provision(t, "c1")

	deadline := time.Now().Add(2 * time.Second)
	for !f.keys.Exists("c1") {
		if time.Now().After(deadline) {
			t.Fatal("Session request never persisted a key")
		}
		time.Sleep(time.Millisecond)
	}
	if len(session.seen) != 1 || session.seen[0] != "skd://c1" {
		t.Errorf("Unexpected session requests %v", session.seen)
	}
}

func TestMessageRequest(t *testing.T) {
	f := setup(t)
	f.provision(t, "c1")

	req := NewMessageRequest("skd://c1", []byte("spc"), true)
	f.coord.HandleKeyRequest(req)

	key, err := req.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if string(key) != "ckc:c1" {
		t.Errorf("Expected response stored as is, got %q", key)
	}
	if string(f.lic.requests[0].Message) != "spc" {
		t.Errorf("Expected posted message forwarded, got %q", f.lic.requests[0].Message)
	}
}
