/*
Package country provides the domain model for the country data set.

PURPOSE:
  Holds the persisted Country and RefreshLog records, the outcome of a
  refresh attempt, list filters, and the GDP estimator. Everything here
  is storage- and transport-agnostic: the sqlite store, the in-memory
  store, the refresh engine and the HTTP API all speak these types.

KEY CONCEPTS IN THIS FILE (types.go):
  - Country:       One row per distinct (case-insensitive) country name
  - RefreshLog:    Append-only audit row, one per refresh attempt
  - RefreshResult: What a refresh reports back to its caller
  - Filter/Sort:   Listing parameters for the read API

OPTIONAL VALUES:
  Exchange rate and estimated GDP use decimal.NullDecimal so that
  "absent" and "zero" stay distinct. A country without any currency gets
  a GDP of exactly zero; a country whose currency has no rate gets none.

SEE ALSO:
  - gdp.go:    Estimated GDP calculation
  - store.go:  Persistence interfaces
  - errors.go: Sentinel and structured errors
*/
package country

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
)

// =============================================================================
// COUNTRY - Persisted, one row per normalized name
// =============================================================================

// Country is a persisted country record.
type Country struct {
	ID              int64
	Name            string
	Capital         string
	Region          string
	Population      int64
	CurrencyCode    string
	ExchangeRate    decimal.NullDecimal
	EstimatedGDP    decimal.NullDecimal
	FlagURL         string
	LastRefreshedAt time.Time
}

// Key returns the normalized lookup key for the country's name.
func (c Country) Key() string {
	return NameKey(c.Name)
}

var folder = cases.Fold()

// NameKey normalizes a country name for case-insensitive matching.
// Unicode case folding is used so "ÅLAND ISLANDS" and "åland islands" collide.
func NameKey(name string) string {
	return folder.String(strings.TrimSpace(name))
}

// =============================================================================
// REFRESH LOG - Append-only audit trail
// =============================================================================

// RefreshLog records the outcome of one refresh attempt.
type RefreshLog struct {
	ID             string
	RefreshedAt    time.Time
	TotalCountries int
	Success        bool
	ErrorMessage   string
}

// =============================================================================
// REFRESH RESULT - Returned to refresh callers
// =============================================================================

// RefreshResult is the caller-facing outcome of a refresh.
// Warnings are kept in processing order.
type RefreshResult struct {
	Success            bool
	CountriesProcessed int
	CountriesUpdated   int
	CountriesCreated   int
	ErrorMessage       string
	Warnings           []string
}

// Warn appends a warning.
func (r *RefreshResult) Warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// =============================================================================
// LISTING - Filters and sort orders for the read API
// =============================================================================

// SortOrder is a whitelisted listing order.
type SortOrder string

const (
	SortGDPDesc        SortOrder = "gdp_desc"
	SortGDPAsc         SortOrder = "gdp_asc"
	SortPopulationDesc SortOrder = "population_desc"
	SortPopulationAsc  SortOrder = "population_asc"
	SortNameAsc        SortOrder = "name_asc"
	SortNameDesc       SortOrder = "name_desc"
)

// ParseSort maps a query value to a SortOrder.
// Unknown or empty values fall back to SortNameAsc.
func ParseSort(s string) SortOrder {
	switch order := SortOrder(strings.ToLower(strings.TrimSpace(s))); order {
	case SortGDPDesc, SortGDPAsc, SortPopulationDesc, SortPopulationAsc, SortNameAsc, SortNameDesc:
		return order
	default:
		return SortNameAsc
	}
}

// Filter selects countries for listing. Empty fields match everything.
type Filter struct {
	Region   string
	Currency string
	Sort     SortOrder
}
