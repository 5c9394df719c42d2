package checkpoint

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func openTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harvest.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestStore_RecordAndContains(t *testing.T) {
	db, _ := openTestDB(t)
	store, err := New(db, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if store.Contains("B01001:0:st13-co051") {
		t.Error("Contains() = true on an empty store")
	}

	if err := store.Record(context.Background(), "B01001:0:st13-co051"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if !store.Contains("B01001:0:st13-co051") {
		t.Error("Contains() = false after Record")
	}
	if store.Count() != 1 {
		t.Errorf("Count() = %d, want 1", store.Count())
	}
}

func TestStore_RecordIsIdempotent(t *testing.T) {
	db, _ := openTestDB(t)
	store, err := New(db, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := store.Record(context.Background(), "B01001:0:st13-co051"); err != nil {
			t.Fatalf("Record() #%d error = %v", i+1, err)
		}
	}
	if store.Count() != 1 {
		t.Errorf("Count() = %d, want 1", store.Count())
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	db, path := openTestDB(t)
	store, err := New(db, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ids := []string{
		"B01001:0:st13-co051",
		"B01001:1:st13-co051",
		"B19013:0:st13-co051",
	}
	for _, id := range ids {
		if err := store.Record(context.Background(), id); err != nil {
			t.Fatalf("Record(%s) error = %v", id, err)
		}
	}
	db.Close()

	// A fresh process opens the same file and sees the completed set.
	db2, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer db2.Close()

	store2, err := New(db2, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := store2.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if store2.Count() != len(ids) {
		t.Fatalf("Count() = %d after reopen, want %d", store2.Count(), len(ids))
	}
	for _, id := range ids {
		if !store2.Contains(id) {
			t.Errorf("Contains(%s) = false after reopen", id)
		}
	}
}
