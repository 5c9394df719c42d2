package sink

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/civicdata/acs-harvest/pkg/catalog"
	"github.com/civicdata/acs-harvest/pkg/fetch"
	"github.com/civicdata/acs-harvest/pkg/planner"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func testSink(t *testing.T) (*Sink, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "harvest.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sink, err := New(db, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return sink, db
}

func testUnit() planner.FetchUnit {
	return planner.FetchUnit{
		TableID:    "B19013",
		BatchIndex: 0,
		Variables:  []string{"B19013_001E"},
		Geography:  planner.Geography{StateFIPS: "13", CountyFIPS: []string{"051", "179"}},
	}
}

func TestSink_RecordCatalog(t *testing.T) {
	sink, db := testSink(t)

	table := catalog.Table{
		ID:          "B19013",
		Description: "Median Household Income",
		Variables:   []string{"B19013_001E", "B19013_001M"},
	}
	if err := sink.RecordCatalog(context.Background(), table); err != nil {
		t.Fatalf("RecordCatalog() error = %v", err)
	}

	var desc string
	var count int
	err := db.QueryRow(
		`SELECT table_description, variables_count FROM acs_tables WHERE table_id = ?`,
		"B19013").Scan(&desc, &count)
	if err != nil {
		t.Fatalf("query acs_tables: %v", err)
	}
	if desc != "Median Household Income" || count != 2 {
		t.Errorf("got (%q, %d), want (Median Household Income, 2)", desc, count)
	}

	var varCount int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM acs_variables WHERE table_id = ?`, "B19013").Scan(&varCount); err != nil {
		t.Fatalf("query acs_variables: %v", err)
	}
	if varCount != 2 {
		t.Errorf("acs_variables rows = %d, want 2", varCount)
	}

	// Re-recording the same table must not duplicate variables.
	if err := sink.RecordCatalog(context.Background(), table); err != nil {
		t.Fatalf("RecordCatalog() second call error = %v", err)
	}
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM acs_variables WHERE table_id = ?`, "B19013").Scan(&varCount); err != nil {
		t.Fatalf("query acs_variables: %v", err)
	}
	if varCount != 2 {
		t.Errorf("acs_variables rows after re-record = %d, want 2", varCount)
	}
}

func TestSink_AppendRows(t *testing.T) {
	sink, db := testSink(t)

	rows := []fetch.Row{
		{StateFIPS: "13", CountyFIPS: "051",
			Cells: []fetch.Cell{{Variable: "B19013_001E", Value: "52345"}}},
		{StateFIPS: "13", CountyFIPS: "179",
			Cells: []fetch.Cell{{Variable: "B19013_001E", Value: "61200"}}},
	}
	if err := sink.AppendRows(context.Background(), testUnit(), rows); err != nil {
		t.Fatalf("AppendRows() error = %v", err)
	}

	var value string
	err := db.QueryRow(
		`SELECT value FROM acs_data WHERE county_fips = ? AND variable_id = ?`,
		"179", "B19013_001E").Scan(&value)
	if err != nil {
		t.Fatalf("query acs_data: %v", err)
	}
	// Values are stored verbatim as text.
	if value != "61200" {
		t.Errorf("value = %q, want \"61200\"", value)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM acs_data`).Scan(&count); err != nil {
		t.Fatalf("count acs_data: %v", err)
	}
	if count != 2 {
		t.Errorf("acs_data rows = %d, want 2", count)
	}
}

func TestSink_AppendRowsPreservesSentinels(t *testing.T) {
	sink, db := testSink(t)

	// Provider sentinel and annotation values must survive untouched.
	rows := []fetch.Row{
		{StateFIPS: "13", CountyFIPS: "051",
			Cells: []fetch.Cell{
				{Variable: "B19013_001E", Value: "-666666666"},
				{Variable: "B19013_001M", Value: "null"},
			}},
	}
	if err := sink.AppendRows(context.Background(), testUnit(), rows); err != nil {
		t.Fatalf("AppendRows() error = %v", err)
	}

	var value string
	err := db.QueryRow(
		`SELECT value FROM acs_data WHERE variable_id = ?`, "B19013_001E").Scan(&value)
	if err != nil {
		t.Fatalf("query acs_data: %v", err)
	}
	if value != "-666666666" {
		t.Errorf("value = %q, want the sentinel string unchanged", value)
	}
}

func TestSink_LogOutcome(t *testing.T) {
	sink, db := testSink(t)

	if err := sink.LogOutcome(context.Background(), "B19013:0:st13-co051_179", "success", 2, ""); err != nil {
		t.Fatalf("LogOutcome() error = %v", err)
	}
	if err := sink.LogOutcome(context.Background(), "B19013:1:st13-co051_179", "malformed", 0, "row width mismatch"); err != nil {
		t.Fatalf("LogOutcome() error = %v", err)
	}

	var runID, status, errMsg string
	err := db.QueryRow(
		`SELECT run_id, status, error_message FROM collection_log WHERE unit_id = ?`,
		"B19013:1:st13-co051_179").Scan(&runID, &status, &errMsg)
	if err != nil {
		t.Fatalf("query collection_log: %v", err)
	}
	if runID != sink.RunID() {
		t.Errorf("run_id = %q, want %q", runID, sink.RunID())
	}
	if status != "malformed" || errMsg != "row width mismatch" {
		t.Errorf("got (%q, %q), want (malformed, row width mismatch)", status, errMsg)
	}
}
