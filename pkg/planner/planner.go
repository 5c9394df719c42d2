// Package planner partitions the catalog into an ordered queue of
// fetchable request units.
package planner

import (
	"fmt"
	"strings"

	"github.com/civicdata/acs-harvest/pkg/catalog"
)

// DefaultBatchWidth is the largest variable batch a single request may
// carry. Bounded by the provider's per-request variable limit and by
// URL length.
const DefaultBatchWidth = 50

// Geography identifies the rows a unit asks for: a set of counties
// within one state.
type Geography struct {
	StateFIPS  string   `yaml:"state_fips"`
	CountyFIPS []string `yaml:"county_fips"`
}

// Key returns a stable identifier for the geography filter, suitable
// for embedding in unit ids and checkpoint records.
func (g Geography) Key() string {
	return fmt.Sprintf("st%s-co%s", g.StateFIPS, strings.Join(g.CountyFIPS, "_"))
}

// ForClause renders the geography's "for" query parameter.
func (g Geography) ForClause() string {
	if len(g.CountyFIPS) == 0 {
		return "county:*"
	}
	return "county:" + strings.Join(g.CountyFIPS, ",")
}

// InClause renders the geography's "in" query parameter.
func (g Geography) InClause() string {
	return "state:" + g.StateFIPS
}

// FetchUnit is one plannable request: a consecutive slice of one
// table's variables against one geography filter. Immutable once
// planned.
type FetchUnit struct {
	TableID    string
	BatchIndex int
	Variables  []string
	Geography  Geography
}

// ID returns the unit's stable identity. Identical catalogs and batch
// widths always produce identical ids, which is what lets checkpoint
// records from a previous run line up with a fresh plan.
func (u FetchUnit) ID() string {
	return fmt.Sprintf("%s:%d:%s", u.TableID, u.BatchIndex, u.Geography.Key())
}

// Plan partitions each table's variables into consecutive batches of
// width at most maxBatchWidth, preserving catalog order within and
// across batches. Tables with zero variables yield no units.
func Plan(cat *catalog.Catalog, geo Geography, maxBatchWidth int) []FetchUnit {
	if maxBatchWidth <= 0 {
		maxBatchWidth = DefaultBatchWidth
	}

	var units []FetchUnit
	for _, table := range cat.Tables {
		for i := 0; i < len(table.Variables); i += maxBatchWidth {
			end := i + maxBatchWidth
			if end > len(table.Variables) {
				end = len(table.Variables)
			}
			units = append(units, FetchUnit{
				TableID:    table.ID,
				BatchIndex: i / maxBatchWidth,
				Variables:  table.Variables[i:end],
				Geography:  geo,
			})
		}
	}
	return units
}
