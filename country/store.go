/*
store.go - Persistence interfaces for countries and the refresh audit log

PURPOSE:
  Defines the boundary between the domain (refresh engine, summary
  projection, HTTP API) and the database. Implementations:
    - store/sqlite/sqlite.go: Production SQLite store
    - country/store/memory.go: In-memory store for tests and dev

UPSERT CONTRACT:
  Repository exposes lookup-then-write primitives rather than a blind
  upsert, because the refresh engine needs to know whether each row was
  created or updated. Lookups use the normalized name key (NameKey), so
  "Wakanda" and "wakanda" resolve to the same row.

ATOMIC BATCHES:
  TxStore.WithTx runs fn against a transaction-scoped Repository. If fn
  returns an error, nothing it wrote is visible afterwards. Writes made
  inside fn are visible to later lookups inside the same fn.

AUDIT LOG:
  Append-only. No update or delete methods exist.
*/
package country

import (
	"context"
	"time"
)

// =============================================================================
// REPOSITORY - Row-level writes used inside a refresh transaction
// =============================================================================

// Repository reads and writes single country rows.
type Repository interface {
	// FindByName returns the country whose normalized name matches,
	// or ErrCountryNotFound.
	FindByName(ctx context.Context, name string) (*Country, error)

	// Insert creates a new row and sets c.ID.
	Insert(ctx context.Context, c *Country) error

	// Update overwrites every mutable field of the row identified by c.ID.
	// The name is never changed.
	Update(ctx context.Context, c *Country) error
}

// TxStore runs a batch of repository writes atomically.
type TxStore interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Repository) error) error
}

// =============================================================================
// AUDIT LOG - One row per refresh attempt
// =============================================================================

// AuditLog stores refresh attempts.
type AuditLog interface {
	AppendRefreshLog(ctx context.Context, entry RefreshLog) error

	// LastSuccessfulRefresh returns the newest successful attempt time,
	// or nil if no refresh ever succeeded.
	LastSuccessfulRefresh(ctx context.Context) (*time.Time, error)

	// ListRefreshLogs returns up to limit entries, newest first.
	ListRefreshLogs(ctx context.Context, limit int) ([]RefreshLog, error)
}

// =============================================================================
// READER - Queries for the API and the summary projection
// =============================================================================

// Reader serves read-only queries.
type Reader interface {
	ListCountries(ctx context.Context, f Filter) ([]Country, error)
	GetCountry(ctx context.Context, name string) (*Country, error)
	CountCountries(ctx context.Context) (int, error)

	// TopCountriesByGDP returns up to n countries with a GDP, highest first.
	TopCountriesByGDP(ctx context.Context, n int) ([]Country, error)

	// LatestCountryRefresh returns the newest last_refreshed_at, or nil if
	// there are no countries.
	LatestCountryRefresh(ctx context.Context) (*time.Time, error)
}

// =============================================================================
// STORE - Everything the service needs
// =============================================================================

// Store is the full persistence surface.
type Store interface {
	TxStore
	AuditLog
	Reader

	// DeleteCountry removes one country by name, transactionally.
	// Returns ErrCountryNotFound if nothing matched.
	DeleteCountry(ctx context.Context, name string) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error
}
