package refresh_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/country-engine/country"
	"github.com/warp/country-engine/country/store"
	"github.com/warp/country-engine/metrics"
	"github.com/warp/country-engine/refresh"
	"github.com/warp/country-engine/store/sqlite"
	"github.com/warp/country-engine/upstream"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// midpoint always draws 500, so the multiplier is 1500.
type midpoint struct{}

func (midpoint) IntN(int) int { return 500 }

const multiplier = 1500

type fakeGateway struct {
	countries    []upstream.Country
	countriesErr error
	rates        map[string]decimal.Decimal
	ratesErr     error

	countryCalls atomic.Int32
	rateCalls    atomic.Int32
}

func (g *fakeGateway) FetchCountries(context.Context) ([]upstream.Country, error) {
	g.countryCalls.Add(1)
	return g.countries, g.countriesErr
}

func (g *fakeGateway) FetchExchangeRates(context.Context) (map[string]decimal.Decimal, error) {
	g.rateCalls.Add(1)
	return g.rates, g.ratesErr
}

func uc(name string, population int64, currencies ...string) upstream.Country {
	return upstream.Country{
		Name:       name,
		Capitals:   []string{name + " City"},
		Region:     "Africa",
		Population: population,
		FlagURL:    "https://flagcdn.com/" + name + ".png",
		Currencies: currencies,
	}
}

func defaultRates() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(1),
		"NGN": decimal.RequireFromString("1600.5"),
		"GHS": decimal.RequireFromString("15"),
	}
}

func expectedGDP(population int64, rate string) decimal.Decimal {
	return decimal.NewFromInt(population).
		Mul(decimal.NewFromInt(multiplier)).
		Div(decimal.RequireFromString(rate))
}

func newEngine(gw refresh.Gateway, st refresh.Store, opts ...refresh.Option) *refresh.Engine {
	opts = append([]refresh.Option{refresh.WithEstimator(country.NewEstimator(midpoint{}))}, opts...)
	return refresh.NewEngine(gw, st, opts...)
}

func logs(t *testing.T, st country.AuditLog) []country.RefreshLog {
	t.Helper()
	entries, err := st.ListRefreshLogs(context.Background(), 0)
	require.NoError(t, err)
	return entries
}

func count(t *testing.T, st country.Reader) int {
	t.Helper()
	n, err := st.CountCountries(context.Background())
	require.NoError(t, err)
	return n
}

// faultyStore injects failures around a Memory store.
type faultyStore struct {
	*store.Memory
	failRow    string // NameKey of a row whose write fails
	failCommit error
	failAudit  error
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(country.Repository) error) error {
	return f.Memory.WithTx(ctx, func(repo country.Repository) error {
		if err := fn(&faultyRepo{Repository: repo, failRow: f.failRow}); err != nil {
			return err
		}
		return f.failCommit
	})
}

func (f *faultyStore) AppendRefreshLog(ctx context.Context, entry country.RefreshLog) error {
	if f.failAudit != nil {
		return f.failAudit
	}
	return f.Memory.AppendRefreshLog(ctx, entry)
}

type faultyRepo struct {
	country.Repository
	failRow string
}

func (r *faultyRepo) Insert(ctx context.Context, c *country.Country) error {
	if r.failRow != "" && c.Key() == r.failRow {
		return errors.New("disk I/O error")
	}
	return r.Repository.Insert(ctx, c)
}

type recordingImages struct {
	err   error
	calls int
	seen  int
	store country.Reader
}

func (r *recordingImages) Regenerate(ctx context.Context) error {
	r.calls++
	if r.store != nil {
		r.seen, _ = r.store.CountCountries(ctx)
	}
	return r.err
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestRefresh_CreatesCountries(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	gw := &fakeGateway{
		countries: []upstream.Country{uc("Nigeria", 206139589, "NGN"), uc("Ghana", 31072940, "GHS")},
		rates:     defaultRates(),
	}

	result, err := newEngine(gw, st).Refresh(ctx)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.CountriesProcessed)
	assert.Equal(t, 2, result.CountriesCreated)
	assert.Equal(t, 0, result.CountriesUpdated)
	assert.Empty(t, result.ErrorMessage)
	assert.Empty(t, result.Warnings)

	ng, err := st.GetCountry(ctx, "nigeria")
	require.NoError(t, err)
	assert.Equal(t, "Nigeria", ng.Name)
	assert.Equal(t, "Nigeria City", ng.Capital)
	assert.Equal(t, "NGN", ng.CurrencyCode)
	assert.True(t, ng.ExchangeRate.Decimal.Equal(decimal.RequireFromString("1600.5")))
	require.True(t, ng.EstimatedGDP.Valid)
	assert.True(t, ng.EstimatedGDP.Decimal.Equal(expectedGDP(206139589, "1600.5")))
	assert.False(t, ng.LastRefreshedAt.IsZero())

	entries := logs(t, st)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, 2, entries[0].TotalCountries)
	assert.Empty(t, entries[0].ErrorMessage)

	last, err := st.LastSuccessfulRefresh(ctx)
	require.NoError(t, err)
	assert.NotNil(t, last)
}

func TestRefresh_FetchesConcurrently(t *testing.T) {
	// GIVEN: A gateway whose countries fetch blocks until the rates fetch starts
	ratesStarted := make(chan struct{})
	gw := &blockingGateway{ratesStarted: ratesStarted}

	// WHEN: Refreshing
	done := make(chan struct{})
	go func() {
		newEngine(gw, store.NewMemory()).Refresh(context.Background())
		close(done)
	}()

	// THEN: Both fetches were in flight together
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fetches did not overlap")
	}
	assert.True(t, gw.overlapped.Load())
}

type blockingGateway struct {
	ratesStarted chan struct{}
	overlapped   atomic.Bool
}

func (g *blockingGateway) FetchCountries(ctx context.Context) ([]upstream.Country, error) {
	select {
	case <-g.ratesStarted:
		g.overlapped.Store(true)
	case <-time.After(time.Second):
	}
	return []upstream.Country{uc("Ghana", 1, "GHS")}, nil
}

func (g *blockingGateway) FetchExchangeRates(context.Context) (map[string]decimal.Decimal, error) {
	close(g.ratesStarted)
	return defaultRates(), nil
}

// =============================================================================
// IDEMPOTENCE AND UPSERT MATCHING
// =============================================================================

func TestRefresh_Idempotent(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	gw := &fakeGateway{
		countries: []upstream.Country{uc("Nigeria", 100, "NGN"), uc("Ghana", 200, "GHS"), uc("Togo", 300)},
		rates:     defaultRates(),
	}
	engine := newEngine(gw, st)

	first, err := engine.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, first.CountriesCreated)
	before, err := st.ListCountries(ctx, country.Filter{})
	require.NoError(t, err)

	second, err := engine.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.CountriesCreated)
	assert.Equal(t, 3, second.CountriesUpdated)

	after, err := st.ListCountries(ctx, country.Filter{})
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Name, after[i].Name)
		assert.Equal(t, before[i].Population, after[i].Population)
		assert.True(t, before[i].EstimatedGDP.Decimal.Equal(after[i].EstimatedGDP.Decimal))
	}

	assert.Len(t, logs(t, st), 2)
}

func TestRefresh_UpdatesExistingRowCaseInsensitively(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	// GIVEN: "Wakanda" exists
	seed := &fakeGateway{countries: []upstream.Country{uc("Wakanda", 1000, "USD")}, rates: defaultRates()}
	_, err := newEngine(seed, st).Refresh(ctx)
	require.NoError(t, err)
	original, err := st.GetCountry(ctx, "Wakanda")
	require.NoError(t, err)

	// WHEN: Upstream sends "wakanda" with a new population
	gw := &fakeGateway{countries: []upstream.Country{uc("wakanda", 5000, "USD")}, rates: defaultRates()}
	result, err := newEngine(gw, st).Refresh(ctx)
	require.NoError(t, err)

	// THEN: Same row, updated in place, name unchanged
	assert.Equal(t, 1, result.CountriesUpdated)
	assert.Equal(t, 0, result.CountriesCreated)
	assert.Equal(t, 1, count(t, st))

	updated, err := st.GetCountry(ctx, "WAKANDA")
	require.NoError(t, err)
	assert.Equal(t, original.ID, updated.ID)
	assert.Equal(t, "Wakanda", updated.Name)
	assert.Equal(t, int64(5000), updated.Population)
}

func TestRefresh_DuplicateWithinBatchIsUpdate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	gw := &fakeGateway{
		countries: []upstream.Country{uc("Congo", 10, "USD"), uc("CONGO", 20, "USD")},
		rates:     defaultRates(),
	}

	result, err := newEngine(gw, st).Refresh(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, result.CountriesProcessed)
	assert.Equal(t, 1, result.CountriesCreated)
	assert.Equal(t, 1, result.CountriesUpdated)
	assert.Equal(t, 1, count(t, st))

	c, err := st.GetCountry(ctx, "congo")
	require.NoError(t, err)
	assert.Equal(t, "Congo", c.Name)
	assert.Equal(t, int64(20), c.Population, "last write wins")
}

// =============================================================================
// CURRENCY EDGE CASES
// =============================================================================

func TestRefresh_NoCurrency_ZeroGDPAndWarning(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	gw := &fakeGateway{countries: []upstream.Country{uc("Antarctica", 1000)}, rates: defaultRates()}

	result, err := newEngine(gw, st).Refresh(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"No currency found for country: Antarctica"}, result.Warnings)

	c, err := st.GetCountry(ctx, "Antarctica")
	require.NoError(t, err)
	assert.Empty(t, c.CurrencyCode)
	assert.False(t, c.ExchangeRate.Valid)
	require.True(t, c.EstimatedGDP.Valid, "GDP must be zero, not absent")
	assert.True(t, c.EstimatedGDP.Decimal.IsZero())
}

func TestRefresh_RateMissing_AbsentGDPAndWarning(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	gw := &fakeGateway{countries: []upstream.Country{uc("Zeta", 1000, "ZZZ")}, rates: defaultRates()}

	result, err := newEngine(gw, st).Refresh(ctx)
	require.NoError(t, err)

	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "Exchange rate not found for currency: ZZZ in country: Zeta", result.Warnings[0])

	c, err := st.GetCountry(ctx, "Zeta")
	require.NoError(t, err)
	assert.Equal(t, "ZZZ", c.CurrencyCode)
	assert.False(t, c.ExchangeRate.Valid)
	assert.False(t, c.EstimatedGDP.Valid)
}

func TestRefresh_UsesFirstCurrency(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	gw := &fakeGateway{countries: []upstream.Country{uc("Zimbabwe", 100, "GHS", "USD")}, rates: defaultRates()}

	_, err := newEngine(gw, st).Refresh(ctx)
	require.NoError(t, err)

	c, err := st.GetCountry(ctx, "Zimbabwe")
	require.NoError(t, err)
	assert.Equal(t, "GHS", c.CurrencyCode)
	assert.True(t, c.EstimatedGDP.Decimal.Equal(expectedGDP(100, "15")))
}

func TestRefresh_WarningsInProcessingOrder(t *testing.T) {
	gw := &fakeGateway{
		countries: []upstream.Country{uc("A", 1, "ZZZ"), uc("B", 1), uc("C", 1, "YYY")},
		rates:     defaultRates(),
	}

	result, err := newEngine(gw, store.NewMemory()).Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Exchange rate not found for currency: ZZZ in country: A",
		"No currency found for country: B",
		"Exchange rate not found for currency: YYY in country: C",
	}, result.Warnings)
}

// =============================================================================
// UPSTREAM FAILURE
// =============================================================================

func TestRefresh_RatesUnavailable_NothingTouched(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	gw := &fakeGateway{
		countries: []upstream.Country{uc("Nigeria", 100, "NGN")},
		ratesErr:  &country.FetchError{Source: upstream.SourceExchangeRates, Attempts: 3, Err: errors.New("503")},
	}

	result, err := newEngine(gw, st).Refresh(ctx)

	require.ErrorIs(t, err, country.ErrUpstreamUnavailable)
	assert.False(t, result.Success)
	assert.Equal(t, 0, result.CountriesProcessed)
	assert.Equal(t, "External data source unavailable: ExchangeRates", result.ErrorMessage)
	assert.Equal(t, 0, count(t, st))

	entries := logs(t, st)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Contains(t, entries[0].ErrorMessage, "ExchangeRates")
	assert.Equal(t, 0, entries[0].TotalCountries)

	// Both fetches ran even though one failed
	assert.Equal(t, int32(1), gw.countryCalls.Load())
	assert.Equal(t, int32(1), gw.rateCalls.Load())
}

func TestRefresh_BothUnavailable_NamesBoth(t *testing.T) {
	st := store.NewMemory()
	gw := &fakeGateway{
		countriesErr: &country.FetchError{Source: upstream.SourceCountries, Attempts: 3, Err: errors.New("timeout")},
		ratesErr:     errors.New("dial tcp: connection refused"),
	}

	engine := newEngine(gw, st)
	result, err := engine.Refresh(context.Background())

	var ue *country.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, []string{"RestCountries", "ExchangeRates"}, ue.Sources)
	assert.Equal(t, "External data source unavailable: RestCountries and ExchangeRates", result.ErrorMessage)
	assert.Equal(t, refresh.StateFailed, engine.State())
}

// =============================================================================
// ROW AND PERSISTENCE FAULTS
// =============================================================================

func TestRefresh_RowFaultIsIsolated(t *testing.T) {
	ctx := context.Background()
	st := &faultyStore{Memory: store.NewMemory(), failRow: country.NameKey("Ghana")}
	gw := &fakeGateway{
		countries: []upstream.Country{uc("Nigeria", 100, "NGN"), uc("Ghana", 200, "GHS"), uc("Togo", 300, "USD")},
		rates:     defaultRates(),
	}

	result, err := newEngine(gw, st).Refresh(ctx)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.CountriesProcessed)
	assert.Equal(t, 2, result.CountriesCreated)
	assert.Equal(t, []string{"Failed to process country: Ghana"}, result.Warnings)

	assert.Equal(t, 2, count(t, st))
	_, err = st.GetCountry(ctx, "Ghana")
	assert.ErrorIs(t, err, country.ErrCountryNotFound)
}

func TestRefresh_EmptyNameIsRowFault(t *testing.T) {
	gw := &fakeGateway{
		countries: []upstream.Country{uc("Nigeria", 100, "NGN"), {Name: "  "}},
		rates:     defaultRates(),
	}

	result, err := newEngine(gw, store.NewMemory()).Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.CountriesCreated)
	assert.Equal(t, []string{"Failed to process country:   "}, result.Warnings)
}

func TestRefresh_CommitFailure_RollsBack(t *testing.T) {
	ctx := context.Background()
	st := &faultyStore{Memory: store.NewMemory(), failCommit: errors.New("database is locked")}
	images := &recordingImages{}
	gw := &fakeGateway{countries: []upstream.Country{uc("Nigeria", 100, "NGN")}, rates: defaultRates()}

	result, err := newEngine(gw, st, refresh.WithImageRegenerator(images)).Refresh(ctx)

	// THEN: Generic message to the caller, raw cause in the audit log only
	require.ErrorIs(t, err, country.ErrRefreshFailed)
	assert.False(t, result.Success)
	assert.Equal(t, "Internal server error during refresh", result.ErrorMessage)
	assert.NotContains(t, result.ErrorMessage, "locked")
	assert.Zero(t, result.CountriesCreated)

	assert.Equal(t, 0, count(t, st))
	assert.Zero(t, images.calls, "no image regeneration after rollback")

	entries := logs(t, st)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Equal(t, "database is locked", entries[0].ErrorMessage)
	assert.Equal(t, 0, entries[0].TotalCountries)
}

func TestRefresh_CancelledMidBatch_RollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := store.NewMemory()
	gw := &cancellingGateway{cancel: cancel}

	result, err := newEngine(gw, st).Refresh(ctx)

	require.ErrorIs(t, err, country.ErrRefreshFailed)
	assert.False(t, result.Success)
	assert.Equal(t, 0, count(t, st))

	// The audit row is still written
	entries := logs(t, st)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ErrorMessage, "context canceled")
}

type cancellingGateway struct {
	cancel context.CancelFunc
}

func (g *cancellingGateway) FetchCountries(context.Context) ([]upstream.Country, error) {
	return []upstream.Country{uc("Nigeria", 1, "NGN")}, nil
}

func (g *cancellingGateway) FetchExchangeRates(context.Context) (map[string]decimal.Decimal, error) {
	defer g.cancel()
	return defaultRates(), nil
}

func TestRefresh_AuditFailure_ReportsFailure(t *testing.T) {
	st := &faultyStore{Memory: store.NewMemory(), failAudit: errors.New("disk full")}
	gw := &fakeGateway{countries: []upstream.Country{uc("Nigeria", 100, "NGN")}, rates: defaultRates()}

	result, err := newEngine(gw, st).Refresh(context.Background())

	require.ErrorIs(t, err, country.ErrRefreshFailed)
	assert.False(t, result.Success)
	assert.Equal(t, "Internal server error during refresh", result.ErrorMessage)
}

// =============================================================================
// IMAGE POST-STEP
// =============================================================================

func TestRefresh_ImageRegeneratedAfterCommit(t *testing.T) {
	st := store.NewMemory()
	images := &recordingImages{store: st}
	gw := &fakeGateway{countries: []upstream.Country{uc("Nigeria", 100, "NGN"), uc("Ghana", 1, "GHS")}, rates: defaultRates()}

	_, err := newEngine(gw, st, refresh.WithImageRegenerator(images)).Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, images.calls)
	assert.Equal(t, 2, images.seen, "image sees committed rows")
}

func TestRefresh_ImageFailureIsWarning(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	images := &recordingImages{err: errors.New("font missing")}
	gw := &fakeGateway{countries: []upstream.Country{uc("Nigeria", 100, "NGN")}, rates: defaultRates()}

	result, err := newEngine(gw, st, refresh.WithImageRegenerator(images)).Refresh(ctx)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, []string{"Image generation failed: font missing"}, result.Warnings)
	assert.Equal(t, 1, count(t, st))

	entries := logs(t, st)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
}

// =============================================================================
// SERIALIZATION AND METRICS
// =============================================================================

func TestRefresh_ConcurrentCallsSerialize(t *testing.T) {
	st := store.NewMemory()
	gw := &countingGateway{}
	engine := newEngine(gw, st)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Refresh(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), gw.maxInFlight.Load())
	assert.Len(t, logs(t, st), 5)
	assert.Equal(t, 1, count(t, st))
}

type countingGateway struct {
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (g *countingGateway) FetchCountries(context.Context) ([]upstream.Country, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		cur := g.maxInFlight.Load()
		if n <= cur || g.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return []upstream.Country{uc("Nigeria", 1, "NGN")}, nil
}

func (g *countingGateway) FetchExchangeRates(context.Context) (map[string]decimal.Decimal, error) {
	return defaultRates(), nil
}

func TestRefresh_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	gw := &fakeGateway{countries: []upstream.Country{uc("Nigeria", 1, "NGN"), uc("Nowhere", 1)}, rates: defaultRates()}

	_, err := newEngine(gw, store.NewMemory(), refresh.WithMetrics(m)).Refresh(context.Background())
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{
		"country_refresh_total",
		"country_refresh_duration_seconds",
		"country_rows_upserted_total",
		"country_refresh_warnings_total",
	} {
		assert.True(t, found[name], fmt.Sprintf("metric %s not gathered", name))
	}
}
