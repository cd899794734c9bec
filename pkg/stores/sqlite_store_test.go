package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/blueprintd/blueprintd/pkg/netres"
	"github.com/blueprintd/blueprintd/pkg/telemetry"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestMemoryStoreUsesSingleConnection(t *testing.T) {
	store, _ := NewSQLiteStore(Config{Path: ":memory:", MaxOpenConns: 10})
	if store.config.MaxOpenConns != 1 {
		t.Errorf("expected MaxOpenConns 1 for :memory:, got %d", store.config.MaxOpenConns)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	tables := []string{"blueprints", "events", "network_layout", "audit"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migrate failed: %v", err)
	}
}

// TestBlueprintCRUD tests the engine persistence contract
func TestBlueprintCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	doc := &engine.Document{
		ID:        "edge-1",
		Type:      "k8s",
		Status:    engine.StatusIdle,
		Labels:    map[string]string{"site": "lab"},
		State:     json.RawMessage(`{"workers":2}`),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := store.Save(ctx, doc); err != nil {
		t.Fatalf("failed to save blueprint: %v", err)
	}

	loaded, err := store.Load(ctx, doc.ID)
	if err != nil {
		t.Fatalf("failed to load blueprint: %v", err)
	}
	if loaded.Type != "k8s" || loaded.Status != engine.StatusIdle {
		t.Errorf("unexpected header %s/%s", loaded.Type, loaded.Status)
	}
	if loaded.Labels["site"] != "lab" {
		t.Errorf("expected label site=lab, got %v", loaded.Labels)
	}
	if string(loaded.State) != `{"workers":2}` {
		t.Errorf("expected state to round trip, got %s", loaded.State)
	}
	if loaded.Pending != nil {
		t.Error("expected no pending callback")
	}
	if !loaded.CreatedAt.Equal(now) {
		t.Errorf("expected CreatedAt %v, got %v", now, loaded.CreatedAt)
	}

	// Update with a pending callback
	loaded.Status = engine.StatusProcessing
	loaded.DetailedStatus = "build"
	loaded.CurrentOperation = "init"
	loaded.Pending = &engine.PendingCallback{
		Session:  engine.Session{ID: "s-1", InstanceID: "edge-1", Operation: "init"},
		Position: engine.Position{Stage: 0, List: engine.ListBuild, Handler: 1},
		Callback: "vim_confirmed",
		Deadline: now.Add(10 * time.Minute),
		Ack:      engine.Result{"job": "j-1"},
	}
	if err := store.Save(ctx, loaded); err != nil {
		t.Fatalf("failed to update blueprint: %v", err)
	}

	updated, err := store.Load(ctx, doc.ID)
	if err != nil {
		t.Fatalf("failed to load updated blueprint: %v", err)
	}
	if updated.Status != engine.StatusProcessing || updated.DetailedStatus != "build" {
		t.Errorf("unexpected status %s/%s", updated.Status, updated.DetailedStatus)
	}
	if updated.Pending == nil {
		t.Fatal("expected pending callback to round trip")
	}
	if updated.Pending.Callback != "vim_confirmed" || updated.Pending.Position.Handler != 1 {
		t.Errorf("unexpected pending callback %+v", updated.Pending)
	}
	if updated.Pending.Ack["job"] != "j-1" {
		t.Errorf("expected ack job j-1, got %v", updated.Pending.Ack)
	}
	if !updated.CreatedAt.Equal(now) {
		t.Error("expected CreatedAt to survive updates")
	}

	// Delete
	if err := store.Delete(ctx, doc.ID); err != nil {
		t.Fatalf("failed to delete blueprint: %v", err)
	}

	_, err = store.Load(ctx, doc.ID)
	if !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND after delete, got %v", err)
	}
	if err := store.Delete(ctx, doc.ID); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND deleting twice, got %v", err)
	}
}

func TestBlueprintList(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	docs := []*engine.Document{
		{ID: "c", Type: "k8s", Status: engine.StatusIdle, Labels: map[string]string{"tier": "core"}},
		{ID: "a", Type: "k8s", Status: engine.StatusError, Labels: map[string]string{"tier": "edge"}},
		{ID: "b", Type: "vrouter", Status: engine.StatusIdle, Labels: map[string]string{"tier": "edge"}},
	}
	for _, doc := range docs {
		if err := store.Save(ctx, doc); err != nil {
			t.Fatalf("failed to save %s: %v", doc.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter engine.Filter
		want   []string
	}{
		{"all ordered by id", engine.Filter{}, []string{"a", "b", "c"}},
		{"by type", engine.Filter{Type: "k8s"}, []string{"a", "c"}},
		{"by status", engine.Filter{Status: engine.StatusIdle}, []string{"b", "c"}},
		{"by label", engine.Filter{Labels: map[string]string{"tier": "edge"}}, []string{"a", "b"}},
		{"by ids", engine.Filter{IDs: []string{"c", "b"}}, []string{"b", "c"}},
		{"no match", engine.Filter{Type: "ran"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("failed to list: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d documents, got %d", len(tt.want), len(got))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}
}

// TestLayoutPersistence tests the network layout round trip through a registry
func TestLayoutPersistence(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	layout, err := store.LoadLayout(ctx)
	if err != nil {
		t.Fatalf("failed to load empty layout: %v", err)
	}
	if layout != nil {
		t.Errorf("expected nil layout before first save, got %+v", layout)
	}

	reg := netres.NewRegistry(netres.Options{Store: store})
	if err := reg.AddNetwork(ctx, "mgmt", []netres.AllocationPool{
		{Start: netres.MustAddr("10.0.0.1"), End: netres.MustAddr("10.0.0.20")},
	}); err != nil {
		t.Fatalf("failed to add network: %v", err)
	}
	ranges, err := reg.Reserve(ctx, "mgmt", "edge-1", 4)
	if err != nil {
		t.Fatalf("failed to reserve: %v", err)
	}
	if _, _, err := reg.AssignAddress(ctx, "mgmt", ranges[0].ID); err != nil {
		t.Fatalf("failed to assign address: %v", err)
	}

	restored := netres.NewRegistry(netres.Options{Store: store})
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("failed to load registry: %v", err)
	}

	got, err := restored.Reservations(ctx, "mgmt", "edge-1")
	if err != nil {
		t.Fatalf("failed to list reservations: %v", err)
	}
	if len(got) != 1 || got[0].Start.String() != "10.0.0.1" || got[0].End.String() != "10.0.0.4" {
		t.Fatalf("unexpected restored reservations %+v", got)
	}
	if got[0].Assigned != 1 {
		t.Errorf("expected 1 assigned address, got %d", got[0].Assigned)
	}

	next, err := restored.Reserve(ctx, "mgmt", "edge-2", 2)
	if err != nil {
		t.Fatalf("failed to reserve after restore: %v", err)
	}
	if next[0].Start.String() != "10.0.0.5" {
		t.Errorf("expected next range at 10.0.0.5, got %s", next[0].Start)
	}
}

// TestEventOperations tests the event log
func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	instance := "edge-1"
	session := "s-1"
	details := `{"list":"build"}`

	events := []*Event{
		{Type: "ProcessingStarted", Topic: engine.TopicLifecycle, InstanceID: &instance, SessionID: &session, Level: EventLevelInfo, Message: "started", Timestamp: now},
		{Type: "StageStarted", Topic: engine.TopicLifecycle, InstanceID: &instance, SessionID: &session, Level: EventLevelInfo, Message: "build", Details: &details, Timestamp: now.Add(time.Second)},
		{Type: "ProcessingFailed", Topic: engine.TopicFailures, InstanceID: &instance, SessionID: &session, Level: EventLevelError, Message: "failed", Timestamp: now.Add(2 * time.Second)},
		{Type: "network.range_reserved", Topic: "network", Level: EventLevelInfo, Message: "reserved", Timestamp: now.Add(3 * time.Second)},
	}
	for _, event := range events {
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if event.ID == 0 {
			t.Error("expected event ID to be set after insert")
		}
	}

	all, err := store.GetEvents(ctx, EventQuery{})
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 events, got %d", len(all))
	}
	if all[0].Type != "ProcessingStarted" || all[3].InstanceID != nil {
		t.Errorf("unexpected event order or instance: %+v", all)
	}

	byInstance, _ := store.GetEvents(ctx, EventQuery{InstanceID: &instance})
	if len(byInstance) != 3 {
		t.Errorf("expected 3 instance events, got %d", len(byInstance))
	}

	level := EventLevelError
	errorsOnly, _ := store.GetEvents(ctx, EventQuery{Level: &level})
	if len(errorsOnly) != 1 || errorsOnly[0].Topic != engine.TopicFailures {
		t.Errorf("expected one failure event, got %+v", errorsOnly)
	}

	paged, _ := store.GetEvents(ctx, EventQuery{Limit: 2, Offset: 1})
	if len(paged) != 2 || paged[0].Type != "StageStarted" {
		t.Errorf("unexpected page %+v", paged)
	}

	pruned, err := store.PruneEvents(ctx, now.Add(1500*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to prune events: %v", err)
	}
	if pruned != 2 {
		t.Errorf("expected 2 pruned events, got %d", pruned)
	}
}

func TestEventSink(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	sink := store.EventSink(nil)
	sink(telemetry.Event{
		Timestamp:  time.Now(),
		Type:       "ProcessingFailed",
		Topic:      engine.TopicFailures,
		Source:     "engine",
		InstanceID: "edge-1",
		SessionID:  "s-9",
		Operation:  "init",
		Message:    "init failed",
		Level:      telemetry.EventLevelError,
		Data:       map[string]interface{}{"code": "STAGE_FAILED"},
	})

	events, err := store.GetEvents(context.Background(), EventQuery{})
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	ev := events[0]
	if ev.Level != EventLevelError || ev.Operation != "init" || ev.Source != "engine" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.SessionID == nil || *ev.SessionID != "s-9" {
		t.Errorf("expected session s-9, got %v", ev.SessionID)
	}
	if ev.Details == nil || *ev.Details != `{"code":"STAGE_FAILED"}` {
		t.Errorf("unexpected details %v", ev.Details)
	}
}

// TestAuditOperations tests audit operations
func TestAuditOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	entries := []*AuditEntry{
		{Action: "blueprint.created", Actor: "admin", Timestamp: now},
		{Action: "network.reserved", Actor: "system", Timestamp: now.Add(1 * time.Second)},
		{Action: "blueprint.created", Actor: "user1", Timestamp: now.Add(2 * time.Second)},
	}

	for _, entry := range entries {
		if err := store.CreateAuditEntry(ctx, entry); err != nil {
			t.Fatalf("failed to create audit entry: %v", err)
		}
		if entry.ID == 0 {
			t.Error("expected audit entry ID to be set after insert")
		}
	}

	retrieved, err := store.ListAuditEntries(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(retrieved) != 3 {
		t.Errorf("expected 3 audit entries, got %d", len(retrieved))
	}
	if len(retrieved) > 0 && retrieved[0].Actor != "user1" {
		t.Errorf("expected newest entry first, got %s", retrieved[0].Actor)
	}

	action := "blueprint.created"
	filtered, err := store.ListAuditEntries(ctx, &action, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list filtered audit entries: %v", err)
	}
	if len(filtered) != 2 {
		t.Errorf("expected 2 blueprint.created entries, got %d", len(filtered))
	}

	actor := "admin"
	actorFiltered, err := store.ListAuditEntries(ctx, nil, &actor, 10, 0)
	if err != nil {
		t.Fatalf("failed to list actor filtered audit entries: %v", err)
	}
	if len(actorFiltered) != 1 {
		t.Errorf("expected 1 admin entry, got %d", len(actorFiltered))
	}
}

// TestTransactions tests transaction support
func TestTransactions(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	query := `
		INSERT INTO blueprints (id, type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`

	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if _, err := tx.ExecContext(ctx, query, "tx-1", "k8s", "idle", now, now); err != nil {
		_ = store.RollbackTx(tx)
		t.Fatalf("failed to insert in transaction: %v", err)
	}
	if err := store.RollbackTx(tx); err != nil {
		t.Fatalf("failed to rollback transaction: %v", err)
	}

	if _, err := store.Load(ctx, "tx-1"); err == nil {
		t.Error("expected error when loading rolled back blueprint")
	}

	tx, err = store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin second transaction: %v", err)
	}
	if _, err := tx.ExecContext(ctx, query, "tx-1", "k8s", "idle", now, now); err != nil {
		_ = store.RollbackTx(tx)
		t.Fatalf("failed to insert in second transaction: %v", err)
	}
	if err := store.CommitTx(tx); err != nil {
		t.Fatalf("failed to commit transaction: %v", err)
	}

	doc, err := store.Load(ctx, "tx-1")
	if err != nil {
		t.Fatalf("failed to load committed blueprint: %v", err)
	}
	if doc.Labels != nil {
		t.Errorf("expected default labels to decode as nil, got %v", doc.Labels)
	}
}

func TestStatusConstraint(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	err := store.Save(context.Background(), &engine.Document{ID: "bad", Type: "k8s", Status: "running"})
	if err == nil {
		t.Error("expected check constraint to reject unknown status")
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blueprintd.db")
	ctx := context.Background()

	open := func() *SQLiteStore {
		store, err := NewSQLiteStore(Config{Path: path})
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		if err := store.Init(ctx); err != nil {
			t.Fatalf("failed to init store: %v", err)
		}
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("failed to migrate store: %v", err)
		}
		return store
	}

	first := open()
	if err := first.Save(ctx, &engine.Document{ID: "edge-1", Type: "vrouter", Status: engine.StatusError, LastError: "boom"}); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	_ = first.Close()

	second := open()
	defer second.Close()

	doc, err := second.Load(ctx, "edge-1")
	if err != nil {
		t.Fatalf("failed to load after reopen: %v", err)
	}
	if doc.Status != engine.StatusError || doc.LastError != "boom" {
		t.Errorf("unexpected document %+v", doc)
	}
}

func openFileStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "blueprintd.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDSN(t *testing.T) {
	tests := []struct {
		path   string
		prefix string
	}{
		{path: "/var/lib/blueprintd.db", prefix: "/var/lib/blueprintd.db?"},
		{path: "file:test.db?mode=rwc", prefix: "file:test.db?mode=rwc&"},
	}

	for _, tt := range tests {
		got := dsn(tt.path)
		if !strings.HasPrefix(got, tt.prefix) {
			t.Errorf("dsn(%q) = %q, want prefix %q", tt.path, got, tt.prefix)
		}
		for _, want := range []string{"_pragma=busy_timeout%285000%29", "_pragma=journal_mode%28WAL%29", "_txlock=immediate"} {
			if !strings.Contains(got, want) {
				t.Errorf("dsn(%q) = %q, missing %s", tt.path, got, want)
			}
		}
	}
}

func TestFileStoreConnectionPragmas(t *testing.T) {
	store := openFileStore(t)
	ctx := context.Background()

	var mode string
	if err := store.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("failed to read journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %s, want wal", mode)
	}

	var timeout int
	if err := store.db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("failed to read busy_timeout: %v", err)
	}
	if timeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", timeout)
	}

	var fk int
	if err := store.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("failed to read foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

func TestFileStoreConcurrentSaves(t *testing.T) {
	store := openFileStore(t)
	ctx := context.Background()

	const writers, saves = 32, 50
	var wg sync.WaitGroup
	errs := make(chan error, writers*saves)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("edge-%d", w)
			for i := 0; i < saves; i++ {
				doc := &engine.Document{
					ID:               id,
					Type:             "vrouter",
					Status:           engine.StatusProcessing,
					CurrentOperation: fmt.Sprintf("op-%d", i),
				}
				if err := store.Save(ctx, doc); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent save failed: %v", err)
	}

	docs, err := store.List(ctx, engine.Filter{})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(docs) != writers {
		t.Errorf("expected %d documents, got %d", writers, len(docs))
	}
}

// TestMain sets up and tears down test environment
func TestMain(m *testing.M) {
	code := m.Run()
	os.Exit(code)
}
