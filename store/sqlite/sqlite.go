/*
Package sqlite provides a SQLite-backed implementation of country.Store.

PURPOSE:
  Persists countries and the refresh audit log. The refresh engine writes
  a whole batch through WithTx; the HTTP API reads through the Reader
  methods and deletes single rows.

INTERFACES IMPLEMENTED:
  country.TxStore:  Atomic refresh batches
  country.AuditLog: Append-only refresh history
  country.Reader:   Listing, lookup, top-N by GDP

KEY TABLES:
  countries:    One row per case-folded name (name_key is UNIQUE)
  refresh_logs: One row per refresh attempt, never updated

CASE-INSENSITIVE NAMES:
  SQLite's NOCASE collation only folds ASCII. The store keeps a separate
  name_key column holding country.NameKey(name) and matches on it, so
  "ÅLAND ISLANDS" finds "Åland Islands".

DECIMALS:
  Exchange rates and GDP are stored as TEXT to keep decimal precision.
  Sorting casts them to REAL; NULLs sort first ascending, last descending.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, and a single pooled connection so
  that ":memory:" databases survive across calls.

MIGRATION:
  Schema is migrated on New() with golang-migrate over embedded SQL
  files (see migrations/).

USAGE:
  store, err := sqlite.New("./countries.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - country/store.go: Interface definitions
  - country/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/country-engine/country"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Store implements country.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ country.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SchemaVersion reports the applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (uint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		version uint
		dirty   bool
	)
	err := s.db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	return version, dirty, err
}

// =============================================================================
// TRANSACTIONAL STORE (country.TxStore interface)
// =============================================================================

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(repo country.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) FindByName(ctx context.Context, name string) (*country.Country, error) {
	return findByName(ctx, ts.tx, name)
}

func (ts *txStore) Insert(ctx context.Context, c *country.Country) error {
	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO countries
		(name, name_key, capital, region, population, currency_code,
		 exchange_rate, estimated_gdp, flag_url, last_refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.Name,
		c.Key(),
		nullString(c.Capital),
		nullString(c.Region),
		c.Population,
		nullString(c.CurrencyCode),
		nullDecimal(c.ExchangeRate),
		nullDecimal(c.EstimatedGDP),
		nullString(c.FlagURL),
		formatTime(c.LastRefreshedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert country %q: %w", c.Name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read country id: %w", err)
	}
	c.ID = id
	return nil
}

func (ts *txStore) Update(ctx context.Context, c *country.Country) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE countries SET
			capital = ?, region = ?, population = ?, currency_code = ?,
			exchange_rate = ?, estimated_gdp = ?, flag_url = ?, last_refreshed_at = ?
		WHERE id = ?
	`,
		nullString(c.Capital),
		nullString(c.Region),
		c.Population,
		nullString(c.CurrencyCode),
		nullDecimal(c.ExchangeRate),
		nullDecimal(c.EstimatedGDP),
		nullString(c.FlagURL),
		formatTime(c.LastRefreshedAt),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update country %q: %w", c.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return country.ErrCountryNotFound
	}
	return nil
}

// =============================================================================
// READER (country.Reader interface)
// =============================================================================

const countryColumns = `id, name, capital, region, population, currency_code,
	exchange_rate, estimated_gdp, flag_url, last_refreshed_at`

var orderClauses = map[country.SortOrder]string{
	country.SortGDPDesc:        "CAST(estimated_gdp AS REAL) DESC, name_key ASC",
	country.SortGDPAsc:         "CAST(estimated_gdp AS REAL) ASC, name_key ASC",
	country.SortPopulationDesc: "population DESC, name_key ASC",
	country.SortPopulationAsc:  "population ASC, name_key ASC",
	country.SortNameAsc:        "name_key ASC",
	country.SortNameDesc:       "name_key DESC",
}

// ListCountries returns countries matching the filter in the requested order.
func (s *Store) ListCountries(ctx context.Context, f country.Filter) ([]country.Country, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + countryColumns + ` FROM countries WHERE 1=1`
	var args []any
	if f.Region != "" {
		query += ` AND region = ?`
		args = append(args, f.Region)
	}
	if f.Currency != "" {
		query += ` AND currency_code = ?`
		args = append(args, f.Currency)
	}
	query += ` ORDER BY ` + orderClauses[country.ParseSort(string(f.Sort))]

	return s.queryCountries(ctx, query, args...)
}

// GetCountry returns one country by case-insensitive name.
func (s *Store) GetCountry(ctx context.Context, name string) (*country.Country, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findByName(ctx, s.db, name)
}

// CountCountries returns the number of stored countries.
func (s *Store) CountCountries(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM countries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count countries: %w", err)
	}
	return count, nil
}

// TopCountriesByGDP returns up to n countries with a GDP, highest first.
func (s *Store) TopCountriesByGDP(ctx context.Context, n int) ([]country.Country, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + countryColumns + ` FROM countries
		WHERE estimated_gdp IS NOT NULL
		ORDER BY ` + orderClauses[country.SortGDPDesc] + `
		LIMIT ?`
	return s.queryCountries(ctx, query, n)
}

// LatestCountryRefresh returns the newest last_refreshed_at, or nil.
func (s *Store) LatestCountryRefresh(ctx context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(last_refreshed_at) FROM countries`).Scan(&latest); err != nil {
		return nil, fmt.Errorf("failed to read latest refresh: %w", err)
	}
	return parseNullTime(latest)
}

// DeleteCountry removes one country by case-insensitive name.
func (s *Store) DeleteCountry(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM countries WHERE name_key = ?`, country.NameKey(name))
	if err != nil {
		return fmt.Errorf("failed to delete country %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return country.ErrCountryNotFound
	}
	return tx.Commit()
}

func (s *Store) queryCountries(ctx context.Context, query string, args ...any) ([]country.Country, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query countries: %w", err)
	}
	defer rows.Close()

	var countries []country.Country
	for rows.Next() {
		c, err := scanCountry(rows)
		if err != nil {
			return nil, err
		}
		countries = append(countries, c)
	}
	return countries, rows.Err()
}

func findByName(ctx context.Context, db execQuerier, name string) (*country.Country, error) {
	row := db.QueryRowContext(ctx, `SELECT `+countryColumns+` FROM countries WHERE name_key = ?`, country.NameKey(name))
	c, err := scanCountry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, country.ErrCountryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCountry(row scanner) (country.Country, error) {
	var (
		c                              country.Country
		capital, region, code, flagURL sql.NullString
		rate, gdp                      sql.NullString
		refreshedAt                    string
	)
	err := row.Scan(&c.ID, &c.Name, &capital, &region, &c.Population, &code,
		&rate, &gdp, &flagURL, &refreshedAt)
	if err != nil {
		return country.Country{}, err
	}

	c.Capital = capital.String
	c.Region = region.String
	c.CurrencyCode = code.String
	c.FlagURL = flagURL.String
	if c.ExchangeRate, err = parseNullDecimal(rate); err != nil {
		return country.Country{}, err
	}
	if c.EstimatedGDP, err = parseNullDecimal(gdp); err != nil {
		return country.Country{}, err
	}
	if c.LastRefreshedAt, err = time.Parse(timeLayout, refreshedAt); err != nil {
		return country.Country{}, fmt.Errorf("invalid last_refreshed_at %q: %w", refreshedAt, err)
	}
	return c, nil
}

// =============================================================================
// AUDIT LOG (country.AuditLog interface)
// =============================================================================

// AppendRefreshLog records one refresh attempt.
func (s *Store) AppendRefreshLog(ctx context.Context, entry country.RefreshLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_logs (id, refreshed_at, total_countries, success, error_message)
		VALUES (?, ?, ?, ?, ?)
	`,
		entry.ID,
		formatTime(entry.RefreshedAt),
		entry.TotalCountries,
		entry.Success,
		nullString(entry.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("failed to append refresh log: %w", err)
	}
	return nil
}

// LastSuccessfulRefresh returns the newest successful attempt time, or nil.
func (s *Store) LastSuccessfulRefresh(ctx context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(refreshed_at) FROM refresh_logs WHERE success = 1`,
	).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("failed to read last successful refresh: %w", err)
	}
	return parseNullTime(latest)
}

// ListRefreshLogs returns up to limit entries, newest first.
func (s *Store) ListRefreshLogs(ctx context.Context, limit int) ([]country.RefreshLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, refreshed_at, total_countries, success, error_message
		FROM refresh_logs
		ORDER BY refreshed_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query refresh logs: %w", err)
	}
	defer rows.Close()

	var logs []country.RefreshLog
	for rows.Next() {
		var (
			l           country.RefreshLog
			refreshedAt string
			errMsg      sql.NullString
		)
		if err := rows.Scan(&l.ID, &refreshedAt, &l.TotalCountries, &l.Success, &errMsg); err != nil {
			return nil, err
		}
		if l.RefreshedAt, err = time.Parse(timeLayout, refreshedAt); err != nil {
			return nil, fmt.Errorf("invalid refreshed_at %q: %w", refreshedAt, err)
		}
		l.ErrorMessage = errMsg.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) (decimal.NullDecimal, error) {
	if !s.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("invalid decimal %q: %w", s.String, err)
	}
	return decimal.NewNullDecimal(d), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", s.String, err)
	}
	return &t, nil
}
