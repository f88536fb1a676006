package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wikigate/veribot/internal/config"
	"github.com/wikigate/veribot/internal/event"
	"github.com/wikigate/veribot/internal/reconcile"
	"github.com/wikigate/veribot/internal/verify"
)

type memStore struct {
	groups         map[int64]bool
	restricted     map[int64]struct{}
	cursor         int64
	cursorWrites   int
	failNextCursor int
}

func newMemStore() *memStore {
	return &memStore{
		groups:     make(map[int64]bool),
		restricted: make(map[int64]struct{}),
	}
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) Groups(context.Context) (map[int64]bool, error) {
	out := make(map[int64]bool, len(s.groups))
	for k, v := range s.groups {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) UpsertGroup(_ context.Context, chatID int64, deleteMessages bool) error {
	s.groups[chatID] = deleteMessages
	return nil
}

func (s *memStore) EnsureGroup(_ context.Context, chatID int64) error {
	if _, ok := s.groups[chatID]; !ok {
		s.groups[chatID] = false
	}
	return nil
}

func (s *memStore) RemoveGroup(_ context.Context, chatID int64) error {
	delete(s.groups, chatID)
	return nil
}

func (s *memStore) Restrictions(context.Context) (map[int64]struct{}, error) {
	out := make(map[int64]struct{}, len(s.restricted))
	for k := range s.restricted {
		out[k] = struct{}{}
	}
	return out, nil
}

func (s *memStore) AddRestriction(_ context.Context, userID int64) error {
	s.restricted[userID] = struct{}{}
	return nil
}

func (s *memStore) RemoveRestriction(_ context.Context, userID int64) error {
	delete(s.restricted, userID)
	return nil
}

func (s *memStore) Cursor(context.Context) (int64, error) { return s.cursor, nil }

func (s *memStore) SetCursor(_ context.Context, updateID int64) error {
	s.cursorWrites++
	if s.failNextCursor > 0 {
		s.failNextCursor--
		return errors.New("disk full")
	}
	if updateID > s.cursor {
		s.cursor = updateID
	}
	return nil
}

func (s *memStore) PruneVerifiedRestrictions(context.Context) (int64, error) { return 0, nil }

func (s *memStore) RunSQLMaintenance(context.Context) error { return nil }

type fetchResult struct {
	events []event.Event
	maxID  int64
}

type stubSource struct {
	batches []fetchResult
	err     error
	fetches int
}

func (s *stubSource) Fetch(_ context.Context, _ int64) ([]event.Event, int64, error) {
	if s.err != nil {
		return nil, 0, s.err
	}
	if s.fetches >= len(s.batches) {
		return nil, 0, nil
	}
	batch := s.batches[s.fetches]
	s.fetches++
	return batch.events, batch.maxID, nil
}

type stubActuator struct{}

func (stubActuator) ChatMemberStatus(context.Context, int64, int64) (event.Status, error) {
	return event.StatusMember, nil
}
func (stubActuator) Restrict(context.Context, int64, int64) error    { return nil }
func (stubActuator) DeleteMessage(context.Context, int64, int) error { return nil }

type stubOracle struct{ err error }

func (o stubOracle) IsVerified(context.Context, int64) (bool, error) {
	if o.err != nil {
		return false, o.err
	}
	return false, nil
}

func testDaemon(store *memStore, source Source, oracle stubOracle) *Daemon {
	log := slog.Default()
	cfg := &config.Config{}
	rec := reconcile.New(store, stubActuator{}, oracle, log)
	return New(log, cfg, store, source, rec, nil)
}

func TestIterateAdvancesCursorOncePerBatch(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	source := &stubSource{batches: []fetchResult{{
		events: []event.Event{
			event.BotMembershipChanged{ID: 7, ChatID: -100123, ChatType: "supergroup", NewStatus: event.StatusAdministrator},
			event.BotMembershipChanged{ID: 9, ChatID: -100456, ChatType: "supergroup", NewStatus: event.StatusMember},
		},
		maxID: 9,
	}}}
	d := testDaemon(store, source, stubOracle{})

	if err := d.iterate(context.Background()); err != nil {
		t.Fatalf("iterate() error: %v", err)
	}

	if store.cursor != 9 {
		t.Errorf("cursor = %d, want 9", store.cursor)
	}
	if store.cursorWrites != 1 {
		t.Errorf("cursor writes = %d, want exactly one per batch", store.cursorWrites)
	}
	if len(store.groups) != 2 {
		t.Errorf("registry = %v, want entries for both groups", store.groups)
	}
}

func TestIterateEmptyBatchSkipsCursorWrite(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.cursor = 41
	d := testDaemon(store, &stubSource{}, stubOracle{})

	if err := d.iterate(context.Background()); err != nil {
		t.Fatalf("iterate() error: %v", err)
	}
	if store.cursorWrites != 0 {
		t.Errorf("cursor writes = %d, want 0 for an empty poll", store.cursorWrites)
	}
	if store.cursor != 41 {
		t.Errorf("cursor = %d, want unchanged 41", store.cursor)
	}
}

func TestIterateAdvancesCursorPastSkippedUpdates(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.cursor = 50
	// The poll returned updates, but none carried a payload the decoder
	// handles. The cursor still has to move past them or the same batch
	// would be re-requested forever.
	source := &stubSource{batches: []fetchResult{{maxID: 99}}}
	d := testDaemon(store, source, stubOracle{})

	if err := d.iterate(context.Background()); err != nil {
		t.Fatalf("iterate() error: %v", err)
	}
	if store.cursor != 99 {
		t.Errorf("cursor = %d, want 99", store.cursor)
	}
	if store.cursorWrites != 1 {
		t.Errorf("cursor writes = %d, want 1", store.cursorWrites)
	}
}

func TestIterateFetchFailureIsRecoverable(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	d := testDaemon(store, &stubSource{err: errors.New("bad gateway")}, stubOracle{})

	err := d.iterate(context.Background())
	if err == nil {
		t.Fatal("iterate() should surface the fetch failure")
	}
	if reconcile.IsFatal(err) {
		t.Errorf("fetch failure must not be fatal: %v", err)
	}
	if store.cursor != 0 {
		t.Errorf("cursor = %d, want unchanged 0", store.cursor)
	}
}

func TestIterateOracleOutageLeavesCursor(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.cursor = 10
	source := &stubSource{batches: []fetchResult{{
		events: []event.Event{
			event.UserMembershipChanged{ID: 11, ChatID: -100123, ChatType: "supergroup", User: event.User{ID: 42}, NewStatus: event.StatusMember},
		},
		maxID: 11,
	}}}
	oracle := stubOracle{err: fmt.Errorf("%w: connection refused", verify.ErrUnavailable)}
	d := testDaemon(store, source, oracle)

	err := d.iterate(context.Background())
	if err == nil {
		t.Fatal("iterate() should fail when the oracle is down")
	}
	if !reconcile.IsFatal(err) {
		t.Errorf("IsFatal(%v) = false, want true", err)
	}
	if store.cursor != 10 {
		t.Errorf("cursor = %d, want unchanged 10", store.cursor)
	}
}

func TestIterateRetriesCursorWriteOnce(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.failNextCursor = 1
	source := &stubSource{batches: []fetchResult{{
		events: []event.Event{
			event.BotMembershipChanged{ID: 5, ChatID: -100123, ChatType: "supergroup", NewStatus: event.StatusAdministrator},
		},
		maxID: 5,
	}}}
	d := testDaemon(store, source, stubOracle{})

	if err := d.iterate(context.Background()); err != nil {
		t.Fatalf("iterate() error after retryable cursor failure: %v", err)
	}
	if store.cursorWrites != 2 {
		t.Errorf("cursor writes = %d, want a retry after the first failure", store.cursorWrites)
	}
	if store.cursor != 5 {
		t.Errorf("cursor = %d, want 5", store.cursor)
	}
}

type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler       { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler            { return h }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *recordingHandler) warnings() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, r := range h.records {
		if r.Level >= slog.LevelWarn {
			out = append(out, r.Message)
		}
	}
	return out
}

type cancellingSource struct{ cancel context.CancelFunc }

func (s cancellingSource) Fetch(ctx context.Context, _ int64) ([]event.Event, int64, error) {
	s.cancel()
	return nil, 0, fmt.Errorf("fetching updates: %w", context.Canceled)
}

func TestPollLoopShutdownIsQuiet(t *testing.T) {
	t.Parallel()

	handler := &recordingHandler{}
	log := slog.New(handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemStore()
	cfg := &config.Config{}
	cfg.Poller.RetryDelay = time.Millisecond
	cfg.Poller.OracleFailPause = time.Millisecond
	rec := reconcile.New(store, stubActuator{}, stubOracle{}, log)
	d := New(log, cfg, store, cancellingSource{cancel: cancel}, rec, nil)

	err := d.pollLoop(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("pollLoop() error = %v, want context.Canceled", err)
	}
	if warns := handler.warnings(); len(warns) != 0 {
		t.Errorf("shutdown logged warnings: %v", warns)
	}
}
