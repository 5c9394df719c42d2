package integration

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/civicdata/acs-harvest/internal/testutil"
	"github.com/civicdata/acs-harvest/pkg/catalog"
	"github.com/civicdata/acs-harvest/pkg/checkpoint"
	"github.com/civicdata/acs-harvest/pkg/fetch"
	"github.com/civicdata/acs-harvest/pkg/planner"
	"github.com/civicdata/acs-harvest/pkg/quota"
	"github.com/civicdata/acs-harvest/pkg/scheduler"
	"github.com/civicdata/acs-harvest/pkg/sink"
)

const dataPath = "/2023/acs/acs5"

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

// harness wires the full pipeline against a mock provider and a
// SQLite file shared across runs.
type harness struct {
	server *testutil.MockCensus
	db     *sql.DB
	pool   *quota.Pool
	exec   *fetch.Executor
	ckpt   *checkpoint.Store
	sink   *sink.Sink
}

func newHarness(t *testing.T, server *testutil.MockCensus, dbPath string, keys []string, dailyCap int) *harness {
	t.Helper()

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	poolCfg := quota.DefaultConfig()
	poolCfg.DailyCap = dailyCap
	poolCfg.Delay = 0
	pool, err := quota.NewPool(context.Background(), keys, poolCfg, quota.NopStore{}, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	exec, err := fetch.New(fetch.Config{
		BaseURL:   server.URL(),
		Year:      "2023",
		Dataset:   "acs/acs5",
		UserAgent: "acs-harvest-test",
		Timeout:   5 * time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("fetch.New: %v", err)
	}

	ckpt, err := checkpoint.New(db, testLogger())
	if err != nil {
		t.Fatalf("checkpoint.New: %v", err)
	}
	if err := ckpt.Load(context.Background()); err != nil {
		t.Fatalf("checkpoint.Load: %v", err)
	}

	resultSink, err := sink.New(db, testLogger())
	if err != nil {
		t.Fatalf("sink.New: %v", err)
	}

	return &harness{server: server, db: db, pool: pool, exec: exec, ckpt: ckpt, sink: resultSink}
}

// harvest runs discovery, planning, and the scheduler end to end.
func (h *harness) harvest(t *testing.T, geo planner.Geography) scheduler.Outcome {
	t.Helper()
	ctx := context.Background()

	discovery := scheduler.NewDiscoveryClient(h.pool, h.exec, scheduler.DefaultRetryConfig(), testLogger())
	cat, err := catalog.NewEnumerator(discovery, testLogger()).Enumerate(ctx)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	for _, table := range cat.Tables {
		if err := h.sink.RecordCatalog(ctx, table); err != nil {
			t.Fatalf("RecordCatalog: %v", err)
		}
	}

	units := planner.Plan(cat, geo, planner.DefaultBatchWidth)
	sched := scheduler.New(h.pool, h.exec, h.ckpt, h.sink, scheduler.DefaultConfig(), testLogger())
	return sched.Run(ctx, units)
}

// setupProvider configures two small tables with data for two counties.
func setupProvider(server *testutil.MockCensus) {
	server.SetResponse(dataPath+"/groups", testutil.MockResponse{
		StatusCode: 200,
		Body:       testutil.GroupsBody("B01001", "B19013"),
	})
	server.SetResponse(dataPath+"/groups/B01001", testutil.MockResponse{
		StatusCode: 200,
		Body:       testutil.GroupDetailBody("B01001_001E", "B01001_002E"),
	})
	server.SetResponse(dataPath+"/groups/B19013", testutil.MockResponse{
		StatusCode: 200,
		Body:       testutil.GroupDetailBody("B19013_001E"),
	})
	server.SetResponse(dataPath, testutil.MockResponse{
		StatusCode: 200,
		Body:       testutil.DataBody([]string{"B01001_001E", "B01001_002E"}, "13", "051", "179"),
	})
}

func TestHarvest_EndToEnd(t *testing.T) {
	server := testutil.NewMockCensus()
	defer server.Close()
	setupProvider(server)

	dbPath := filepath.Join(t.TempDir(), "harvest.db")
	h := newHarness(t, server, dbPath, []string{"key-a", "key-b"}, 500)

	geo := planner.Geography{StateFIPS: "13", CountyFIPS: []string{"051", "179"}}
	outcome := h.harvest(t, geo)

	if outcome.Status != scheduler.StatusCompleted {
		t.Fatalf("Status = %s, want completed (failures: %+v)", outcome.Status, outcome.Failures)
	}
	if outcome.Completed != 2 {
		t.Errorf("Completed = %d, want 2 units (one per table)", outcome.Completed)
	}

	// Catalog metadata landed in SQLite.
	var tableCount int
	if err := h.db.QueryRow(`SELECT COUNT(*) FROM acs_tables`).Scan(&tableCount); err != nil {
		t.Fatalf("query acs_tables: %v", err)
	}
	if tableCount != 2 {
		t.Errorf("acs_tables = %d, want 2", tableCount)
	}

	// Data rows landed, values as verbatim strings.
	var dataCount int
	if err := h.db.QueryRow(`SELECT COUNT(*) FROM acs_data`).Scan(&dataCount); err != nil {
		t.Fatalf("query acs_data: %v", err)
	}
	if dataCount == 0 {
		t.Error("acs_data is empty after a completed run")
	}

	// Every request carried one of the pool's keys.
	if server.GetKeyCount("key-a")+server.GetKeyCount("key-b") != server.GetRequestCount() {
		t.Error("some requests reached the provider without a credential")
	}
}

func TestHarvest_ResumeSkipsCompletedUnits(t *testing.T) {
	server := testutil.NewMockCensus()
	defer server.Close()
	setupProvider(server)

	dbPath := filepath.Join(t.TempDir(), "harvest.db")
	geo := planner.Geography{StateFIPS: "13", CountyFIPS: []string{"051", "179"}}

	first := newHarness(t, server, dbPath, []string{"key-a"}, 500)
	if out := first.harvest(t, geo); out.Status != scheduler.StatusCompleted {
		t.Fatalf("first run status = %s, want completed", out.Status)
	}
	firstRequests := server.GetRequestCount()

	var dataAfterFirst int
	if err := first.db.QueryRow(`SELECT COUNT(*) FROM acs_data`).Scan(&dataAfterFirst); err != nil {
		t.Fatalf("query acs_data: %v", err)
	}

	// A fresh process against the same database: discovery runs again,
	// but no data request is repeated and no row is duplicated.
	second := newHarness(t, server, dbPath, []string{"key-a"}, 500)
	out := second.harvest(t, geo)
	if out.Status != scheduler.StatusCompleted {
		t.Fatalf("second run status = %s, want completed", out.Status)
	}
	if out.Skipped != 2 || out.Completed != 0 {
		t.Errorf("second run Skipped = %d, Completed = %d, want 2/0", out.Skipped, out.Completed)
	}

	// groups + 2 tables = 3 discovery requests, zero data requests.
	if got := server.GetRequestCount() - firstRequests; got != 3 {
		t.Errorf("second run made %d requests, want 3 discovery-only", got)
	}

	var dataAfterSecond int
	if err := second.db.QueryRow(`SELECT COUNT(*) FROM acs_data`).Scan(&dataAfterSecond); err != nil {
		t.Fatalf("query acs_data: %v", err)
	}
	if dataAfterSecond != dataAfterFirst {
		t.Errorf("acs_data grew from %d to %d on a resumed run", dataAfterFirst, dataAfterSecond)
	}
}

func TestHarvest_BlockedRunStaysResumable(t *testing.T) {
	server := testutil.NewMockCensus()
	defer server.Close()
	setupProvider(server)

	dbPath := filepath.Join(t.TempDir(), "harvest.db")
	geo := planner.Geography{StateFIPS: "13", CountyFIPS: []string{"051", "179"}}

	// Budget covers discovery (3 requests) plus one of the two units.
	h := newHarness(t, server, dbPath, []string{"key-a"}, 4)
	out := h.harvest(t, geo)

	if out.Status != scheduler.StatusBlocked {
		t.Fatalf("Status = %s, want blocked", out.Status)
	}
	if out.Completed != 1 || out.Pending != 1 {
		t.Errorf("Completed = %d, Pending = %d, want 1/1", out.Completed, out.Pending)
	}

	// The completed unit survived; a run with fresh budget finishes the
	// remainder without repeating it.
	resumed := newHarness(t, server, dbPath, []string{"key-b"}, 500)
	out2 := resumed.harvest(t, geo)
	if out2.Status != scheduler.StatusCompleted {
		t.Fatalf("resumed status = %s, want completed", out2.Status)
	}
	if out2.Skipped != 1 || out2.Completed != 1 {
		t.Errorf("resumed Skipped = %d, Completed = %d, want 1/1", out2.Skipped, out2.Completed)
	}
}
