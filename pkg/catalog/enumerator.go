package catalog

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for catalog discovery.
var (
	discoveryTablesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_discovery_tables_total",
		Help: "Total tables discovered from the group list",
	})

	discoverySkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_discovery_skips_total",
		Help: "Tables skipped because their variable metadata was unavailable",
	})
)

// Fetcher performs one metadata GET and returns the raw body.
// Implementations are expected to charge the request against the
// credential pool, so discovery spends the same budget as data fetches.
type Fetcher interface {
	Discover(ctx context.Context, path string) ([]byte, error)
}

// metadata variables that are not valid in data requests.
var metadataVariables = map[string]bool{
	"NAME":   true,
	"GEO_ID": true,
}

// Enumerator walks the provider's metadata endpoints and builds the
// catalog: one request for the group list, then one per table.
type Enumerator struct {
	fetcher Fetcher
	logger  zerolog.Logger

	// Prefixes restricts discovery to table ids starting with one of
	// these prefixes. Empty means no filter.
	Prefixes []string
}

// NewEnumerator creates an enumerator over the given metadata fetcher.
func NewEnumerator(fetcher Fetcher, logger zerolog.Logger) *Enumerator {
	return &Enumerator{
		fetcher:  fetcher,
		logger:   logger.With().Str("component", "catalog").Logger(),
		Prefixes: []string{"B", "C", "S"},
	}
}

// groupList is the provider's group-list envelope.
type groupList struct {
	Groups []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"groups"`
}

// groupDetail is the provider's per-table metadata envelope.
type groupDetail struct {
	Variables map[string]struct {
		Label   string `json:"label"`
		Concept string `json:"concept"`
	} `json:"variables"`
}

// Enumerate builds the full catalog. A failed group list is fatal; a
// failed per-table lookup is logged and skipped so one broken table
// cannot sink the run.
func (e *Enumerator) Enumerate(ctx context.Context) (*Catalog, error) {
	body, err := e.fetcher.Discover(ctx, "groups")
	if err != nil {
		return nil, &DiscoveryError{Err: err}
	}

	var list groupList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, &DiscoveryError{Err: err}
	}

	e.logger.Info().
		Int("groups", len(list.Groups)).
		Msg("Group list discovered")

	tables := make([]Table, 0, len(list.Groups))
	for _, g := range list.Groups {
		if g.Name == "" || !e.wantTable(g.Name) {
			continue
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		vars, err := e.tableVariables(ctx, g.Name)
		if err != nil {
			discoverySkipsTotal.Inc()
			e.logger.Warn().
				Err(err).
				Str("table_id", g.Name).
				Msg("Skipping table, variable metadata unavailable")
			continue
		}

		tables = append(tables, Table{
			ID:          g.Name,
			Description: g.Description,
			Variables:   vars,
		})
		discoveryTablesTotal.Inc()
	}

	sortTables(tables)

	e.logger.Info().
		Int("tables", len(tables)).
		Msg("Catalog enumeration complete")

	return &Catalog{Tables: tables}, nil
}

// tableVariables fetches and parses the variable list for one table.
func (e *Enumerator) tableVariables(ctx context.Context, tableID string) ([]string, error) {
	body, err := e.fetcher.Discover(ctx, "groups/"+tableID)
	if err != nil {
		return nil, &DiscoveryError{TableID: tableID, Err: err}
	}

	var detail groupDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, &DiscoveryError{TableID: tableID, Err: err}
	}

	vars := make([]string, 0, len(detail.Variables))
	for id := range detail.Variables {
		if metadataVariables[id] {
			continue
		}
		vars = append(vars, id)
	}
	sort.Strings(vars)

	e.logger.Debug().
		Str("table_id", tableID).
		Int("variables", len(vars)).
		Msg("Table variables discovered")

	return vars, nil
}

func (e *Enumerator) wantTable(id string) bool {
	if len(e.Prefixes) == 0 {
		return true
	}
	for _, p := range e.Prefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}
