package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"testing"

	"github.com/rs/zerolog"
)

// fakeFetcher serves canned bodies per path and records calls.
type fakeFetcher struct {
	bodies map[string]string
	errs   map[string]error
	calls  []string
}

func (f *fakeFetcher) Discover(ctx context.Context, path string) ([]byte, error) {
	f.calls = append(f.calls, path)
	if err, ok := f.errs[path]; ok {
		return nil, err
	}
	body, ok := f.bodies[path]
	if !ok {
		return nil, fmt.Errorf("unexpected path %q", path)
	}
	return []byte(body), nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func TestEnumerator_Enumerate(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string]string{
		"groups": `{"groups":[
			{"name":"B01001","description":"Sex by Age"},
			{"name":"C17002","description":"Ratio of Income to Poverty"},
			{"name":"P2","description":"Decennial table, filtered out"}
		]}`,
		"groups/B01001": `{"variables":{
			"B01001_002E":{"label":"Male"},
			"B01001_001E":{"label":"Total"},
			"NAME":{"label":"Geographic Area Name"},
			"GEO_ID":{"label":"Geography"}
		}}`,
		"groups/C17002": `{"variables":{
			"C17002_001E":{"label":"Total"}
		}}`,
	}}

	enum := NewEnumerator(fetcher, testLogger())
	cat, err := enum.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}

	if len(cat.Tables) != 2 {
		t.Fatalf("catalog has %d tables, want 2", len(cat.Tables))
	}

	// Variables sorted, metadata variables excluded.
	wantVars := []string{"B01001_001E", "B01001_002E"}
	if !reflect.DeepEqual(cat.Tables[0].Variables, wantVars) {
		t.Errorf("B01001 variables = %v, want %v", cat.Tables[0].Variables, wantVars)
	}

	if cat.Tables[0].ID != "B01001" || cat.Tables[1].ID != "C17002" {
		t.Errorf("tables not sorted by id: %s, %s", cat.Tables[0].ID, cat.Tables[1].ID)
	}

	if got := cat.VariableCount(); got != 3 {
		t.Errorf("VariableCount() = %d, want 3", got)
	}
}

func TestEnumerator_SkipsFailingTable(t *testing.T) {
	fetcher := &fakeFetcher{
		bodies: map[string]string{
			"groups":        `{"groups":[{"name":"B01001"},{"name":"B02001"}]}`,
			"groups/B02001": `{"variables":{"B02001_001E":{"label":"Total"}}}`,
		},
		errs: map[string]error{
			"groups/B01001": errors.New("boom"),
		},
	}

	enum := NewEnumerator(fetcher, testLogger())
	cat, err := enum.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate() error = %v, want skip-and-continue", err)
	}

	if len(cat.Tables) != 1 || cat.Tables[0].ID != "B02001" {
		t.Fatalf("catalog = %+v, want only B02001", cat.Tables)
	}
}

func TestEnumerator_GroupListFailureIsFatal(t *testing.T) {
	fetcher := &fakeFetcher{
		errs: map[string]error{"groups": errors.New("unreachable")},
	}

	enum := NewEnumerator(fetcher, testLogger())
	_, err := enum.Enumerate(context.Background())
	if err == nil {
		t.Fatal("Enumerate() expected error for failed group list")
	}

	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("error = %T, want *DiscoveryError", err)
	}
	if de.TableID != "" {
		t.Errorf("DiscoveryError.TableID = %q, want empty for group list", de.TableID)
	}
}

func TestEnumerator_PrefixFilter(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string]string{
		"groups":        `{"groups":[{"name":"B01001"},{"name":"X99999"}]}`,
		"groups/B01001": `{"variables":{"B01001_001E":{"label":"Total"}}}`,
	}}

	enum := NewEnumerator(fetcher, testLogger())
	cat, err := enum.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}

	if len(cat.Tables) != 1 {
		t.Fatalf("catalog has %d tables, want 1 (X-prefixed filtered)", len(cat.Tables))
	}

	for _, call := range fetcher.calls {
		if call == "groups/X99999" {
			t.Error("enumerator fetched metadata for a filtered table")
		}
	}
}
