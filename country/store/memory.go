// Package store provides in-memory country.Store implementations.
package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/country-engine/country"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	countries map[string]country.Country // keyed by country.NameKey
	nextID    int64
	logs      []country.RefreshLog
}

var _ country.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		countries: make(map[string]country.Country),
		nextID:    1,
	}
}

// Ping always succeeds.
func (m *Memory) Ping(_ context.Context) error { return nil }

// =============================================================================
// TRANSACTIONS - Copy-on-write snapshot, swapped in on success
// =============================================================================

// WithTx executes fn against a private copy of the country table.
// The copy replaces the live table only if fn returns nil.
func (m *Memory) WithTx(ctx context.Context, fn func(country.Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	view := &txMemoryView{
		countries: make(map[string]country.Country, len(m.countries)),
		nextID:    m.nextID,
	}
	for k, v := range m.countries {
		view.countries[k] = v
	}

	if err := fn(view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.countries = view.countries
	m.nextID = view.nextID
	return nil
}

type txMemoryView struct {
	countries map[string]country.Country
	nextID    int64
}

func (tv *txMemoryView) FindByName(_ context.Context, name string) (*country.Country, error) {
	c, ok := tv.countries[country.NameKey(name)]
	if !ok {
		return nil, country.ErrCountryNotFound
	}
	return &c, nil
}

func (tv *txMemoryView) Insert(_ context.Context, c *country.Country) error {
	c.ID = tv.nextID
	tv.nextID++
	tv.countries[c.Key()] = *c
	return nil
}

func (tv *txMemoryView) Update(_ context.Context, c *country.Country) error {
	for k, existing := range tv.countries {
		if existing.ID == c.ID {
			updated := *c
			updated.Name = existing.Name
			tv.countries[k] = updated
			return nil
		}
	}
	return country.ErrCountryNotFound
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) ListCountries(_ context.Context, f country.Filter) ([]country.Country, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]country.Country, 0, len(m.countries))
	for _, c := range m.countries {
		if f.Region != "" && c.Region != f.Region {
			continue
		}
		if f.Currency != "" && c.CurrencyCode != f.Currency {
			continue
		}
		result = append(result, c)
	}
	slices.SortFunc(result, compareBy(country.ParseSort(string(f.Sort))))
	return result, nil
}

func (m *Memory) GetCountry(_ context.Context, name string) (*country.Country, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.countries[country.NameKey(name)]
	if !ok {
		return nil, country.ErrCountryNotFound
	}
	return &c, nil
}

func (m *Memory) CountCountries(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.countries), nil
}

func (m *Memory) TopCountriesByGDP(_ context.Context, n int) ([]country.Country, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []country.Country
	for _, c := range m.countries {
		if c.EstimatedGDP.Valid {
			result = append(result, c)
		}
	}
	slices.SortFunc(result, compareBy(country.SortGDPDesc))
	if len(result) > n {
		result = result[:n]
	}
	return result, nil
}

func (m *Memory) LatestCountryRefresh(_ context.Context) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *time.Time
	for _, c := range m.countries {
		if latest == nil || c.LastRefreshedAt.After(*latest) {
			t := c.LastRefreshedAt
			latest = &t
		}
	}
	return latest, nil
}

// DeleteCountry removes a country by case-insensitive name.
func (m *Memory) DeleteCountry(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := country.NameKey(name)
	if _, ok := m.countries[key]; !ok {
		return country.ErrCountryNotFound
	}
	delete(m.countries, key)
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) AppendRefreshLog(_ context.Context, entry country.RefreshLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

func (m *Memory) LastSuccessfulRefresh(_ context.Context) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *time.Time
	for _, l := range m.logs {
		if !l.Success {
			continue
		}
		if latest == nil || l.RefreshedAt.After(*latest) {
			t := l.RefreshedAt
			latest = &t
		}
	}
	return latest, nil
}

func (m *Memory) ListRefreshLogs(_ context.Context, limit int) ([]country.RefreshLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Reversed first so equal timestamps list the latest append first.
	result := slices.Clone(m.logs)
	slices.Reverse(result)
	slices.SortStableFunc(result, func(a, b country.RefreshLog) int {
		return b.RefreshedAt.Compare(a.RefreshedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// =============================================================================
// ORDERING - Mirrors the SQLite ORDER BY clauses, NULLs sort lowest
// =============================================================================

func compareBy(order country.SortOrder) func(a, b country.Country) int {
	byName := func(a, b country.Country) int {
		return cmp.Compare(a.Key(), b.Key())
	}
	switch order {
	case country.SortGDPDesc:
		return func(a, b country.Country) int {
			return cmp.Or(-compareNull(a.EstimatedGDP, b.EstimatedGDP), byName(a, b))
		}
	case country.SortGDPAsc:
		return func(a, b country.Country) int {
			return cmp.Or(compareNull(a.EstimatedGDP, b.EstimatedGDP), byName(a, b))
		}
	case country.SortPopulationDesc:
		return func(a, b country.Country) int {
			return cmp.Or(cmp.Compare(b.Population, a.Population), byName(a, b))
		}
	case country.SortPopulationAsc:
		return func(a, b country.Country) int {
			return cmp.Or(cmp.Compare(a.Population, b.Population), byName(a, b))
		}
	case country.SortNameDesc:
		return func(a, b country.Country) int { return byName(b, a) }
	default:
		return byName
	}
}

func compareNull(a, b decimal.NullDecimal) int {
	switch {
	case !a.Valid && !b.Valid:
		return 0
	case !a.Valid:
		return -1
	case !b.Valid:
		return 1
	default:
		return a.Decimal.Cmp(b.Decimal)
	}
}
