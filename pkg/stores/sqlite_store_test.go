package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/toscaflow/pkg/models"
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

	t.Cleanup(func() { _ = store.Close() })
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
		t.Fatal("expected error for empty path")
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"services", "nodes", "relationships", "executions", "tasks", "logs"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestSQLiteStoreFileReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "toscaflow.db")

	store, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	service := newTestService("svc-file", "file")
	if err := store.CreateService(ctx, service); err != nil {
		t.Fatalf("CreateService failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetServiceByName(ctx, "file")
	if err != nil {
		t.Fatalf("GetServiceByName failed: %v", err)
	}
	if len(got.Nodes) != 2 {
		t.Errorf("expected 2 nodes after reopen, got %d", len(got.Nodes))
	}
}

func TestSQLiteDeleteServiceCascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	service := newTestService("svc-1", "cascade")
	if err := store.CreateService(ctx, service); err != nil {
		t.Fatalf("CreateService failed: %v", err)
	}
	exec := models.NewExecution("exec-1", service.ID, "install", nil)
	if err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	if err := store.CreateTasks(ctx, []*models.Task{newTestTask("task-1", exec.ID)}); err != nil {
		t.Fatalf("CreateTasks failed: %v", err)
	}
	if err := store.AppendLog(ctx, &models.Log{ExecutionID: exec.ID, Level: "info", Message: "hi", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}

	if err := store.DeleteService(ctx, service.ID); err != nil {
		t.Fatalf("DeleteService failed: %v", err)
	}

	for _, table := range []string{"services", "nodes", "relationships", "executions", "tasks", "logs"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if count != 0 {
			t.Errorf("expected %s to be empty after delete, got %d rows", table, count)
		}
	}
}

func TestSQLiteForeignKeys(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	exec := models.NewExecution("exec-orphan", "missing-service", "install", nil)
	err := store.CreateExecution(ctx, exec)
	if err == nil {
		t.Fatal("expected error creating execution for unknown service")
	}
	if !models.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}
