// Package catalog discovers the set of fetchable tables and their
// variables from the provider's metadata endpoints.
package catalog

import (
	"fmt"
	"sort"
)

// Table describes one harvestable table and its variables.
type Table struct {
	// ID is the provider's table identifier (e.g. "B01001").
	ID string `json:"id"`

	// Description is the human-readable table concept, when present.
	Description string `json:"description"`

	// Variables holds the table's variable ids in sorted order.
	// Sorting makes enumeration deterministic across runs, which the
	// planner relies on for stable unit identities.
	Variables []string `json:"variables"`
}

// Catalog is the full table inventory for one dataset vintage.
// Populated once at run start; treated as immutable afterward.
type Catalog struct {
	Tables []Table `json:"tables"`
}

// VariableCount returns the total number of variables across all tables.
func (c *Catalog) VariableCount() int {
	n := 0
	for _, t := range c.Tables {
		n += len(t.Variables)
	}
	return n
}

// DiscoveryError indicates a metadata endpoint could not be read.
type DiscoveryError struct {
	TableID string // empty for the group list itself
	Err     error
}

// Error implements the error interface.
func (e *DiscoveryError) Error() string {
	if e.TableID == "" {
		return fmt.Sprintf("discovery failed for group list: %v", e.Err)
	}
	return fmt.Sprintf("discovery failed for table %s: %v", e.TableID, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// sortTables orders tables by id so the catalog is deterministic.
func sortTables(tables []Table) {
	sort.Slice(tables, func(i, j int) bool {
		return tables[i].ID < tables[j].ID
	})
}
