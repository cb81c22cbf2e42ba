/*
Package refresh reconciles the upstream datasets into the country store.

PURPOSE:
  Engine.Refresh is the one operation that writes countries. It fetches
  the countries directory and the exchange-rate table concurrently,
  upserts every upstream record inside a single transaction, regenerates
  the summary image, and appends exactly one audit log row.

STATE MACHINE:
  Idle -> Fetching -> Reconciling -> Committing -> Succeeded | Failed

FAILURE MODES:
  Upstream unavailable: Either fetch exhausted its retries. No rows are
                        touched. Returns an error wrapping
                        country.ErrUpstreamUnavailable.
  Row fault:            One upstream record could not be written. Becomes
                        a warning; the batch continues.
  Persistence fault:    The transaction failed. Everything rolls back.
                        Returns country.ErrRefreshFailed; the raw cause
                        goes to the log and the audit row only.
  Image fault:          Post-commit regeneration failed. Becomes a
                        warning; the refresh still succeeds.

SERIALIZATION:
  Refresh holds a mutex for its whole duration, so two callers never
  interleave transactions. Callers queue behind a running refresh.

SEE ALSO:
  - upstream/client.go:  Gateway implementation with retry
  - summary/service.go:  ImageRegenerator implementation
  - refresh/scheduler.go: Periodic refreshes
*/
package refresh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/country-engine/country"
	"github.com/warp/country-engine/metrics"
	"github.com/warp/country-engine/upstream"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Gateway fetches the upstream datasets.
type Gateway interface {
	FetchCountries(ctx context.Context) ([]upstream.Country, error)
	FetchExchangeRates(ctx context.Context) (map[string]decimal.Decimal, error)
}

// ImageRegenerator rebuilds the summary image from committed data.
type ImageRegenerator interface {
	Regenerate(ctx context.Context) error
}

// Store is the persistence the engine writes to.
type Store interface {
	country.TxStore
	country.AuditLog
}

// =============================================================================
// STATE
// =============================================================================

// State is the engine's position in the refresh state machine.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateReconciling
	StateCommitting
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateReconciling:
		return "reconciling"
	case StateCommitting:
		return "committing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine runs refreshes. Safe for concurrent use.
type Engine struct {
	mu    sync.Mutex
	state atomic.Int32

	gateway   Gateway
	store     Store
	images    ImageRegenerator
	estimator *country.Estimator
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	newID     func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithImageRegenerator sets the post-commit image step.
func WithImageRegenerator(r ImageRegenerator) Option {
	return func(e *Engine) { e.images = r }
}

// WithEstimator sets the GDP estimator, e.g. one with a seeded source.
func WithEstimator(est *country.Estimator) Option {
	return func(e *Engine) { e.estimator = est }
}

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a refresh engine.
func NewEngine(gateway Gateway, store Store, opts ...Option) *Engine {
	e := &Engine{
		gateway:   gateway,
		store:     store,
		estimator: country.NewEstimator(nil),
		log:       zap.NewNop(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named("refresh")
	return e
}

// State reports where the current (or last) refresh is.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Refresh runs one refresh. The result is never nil.
//
// On success the error is nil. On upstream failure it wraps
// country.ErrUpstreamUnavailable. On any other failure it is
// country.ErrRefreshFailed.
func (e *Engine) Refresh(ctx context.Context) (*country.RefreshResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	result := &country.RefreshResult{Warnings: []string{}}

	// Phase 1: fetch both datasets
	e.setState(StateFetching)
	countries, rates, err := e.fetch(ctx)
	if err != nil {
		result.ErrorMessage = err.Error()
		e.log.Warn("refresh aborted: upstream unavailable", zap.Error(err))
		e.fail(ctx, result, result.ErrorMessage, metrics.OutcomeUnavailable, start)
		return result, err
	}
	result.CountriesProcessed = len(countries)

	// Phase 2+3: reconcile and commit in one transaction
	e.setState(StateReconciling)
	err = e.store.WithTx(ctx, func(repo country.Repository) error {
		if err := e.reconcile(ctx, repo, countries, rates, result); err != nil {
			return err
		}
		e.setState(StateCommitting)
		return nil
	})
	if err != nil {
		result.CountriesCreated = 0
		result.CountriesUpdated = 0
		result.ErrorMessage = refreshFailedMessage
		e.log.Error("refresh rolled back", zap.Error(err))
		e.fail(ctx, result, err.Error(), metrics.OutcomeFailed, start)
		return result, country.ErrRefreshFailed
	}

	// Phase 4: best-effort image regeneration
	if e.images != nil {
		if err := e.images.Regenerate(ctx); err != nil {
			e.log.Warn("summary image generation failed", zap.Error(err))
			result.Warn(fmt.Sprintf("Image generation failed: %s", err))
		}
	}

	// Phase 5: audit
	result.Success = true
	if err := e.audit(ctx, true, "", result.CountriesProcessed); err != nil {
		// The rows are committed but the attempt is unaudited; report failure.
		e.log.Error("refresh audit append failed", zap.Error(err))
		result.Success = false
		result.ErrorMessage = refreshFailedMessage
		e.setState(StateFailed)
		e.metrics.ObserveRefresh(metrics.OutcomeFailed, e.now().Sub(start))
		return result, country.ErrRefreshFailed
	}

	e.setState(StateSucceeded)
	e.metrics.ObserveRefresh(metrics.OutcomeSuccess, e.now().Sub(start))
	e.metrics.AddUpserted(result.CountriesCreated, result.CountriesUpdated)
	e.metrics.AddWarnings(len(result.Warnings))
	e.log.Info("refresh completed",
		zap.Int("processed", result.CountriesProcessed),
		zap.Int("updated", result.CountriesUpdated),
		zap.Int("created", result.CountriesCreated),
		zap.Int("warnings", len(result.Warnings)),
		zap.Duration("elapsed", e.now().Sub(start)),
	)
	return result, nil
}

// refreshFailedMessage is what callers see for any internal fault.
const refreshFailedMessage = "Internal server error during refresh"

func (e *Engine) fail(ctx context.Context, result *country.RefreshResult, auditMessage, outcome string, start time.Time) {
	if err := e.audit(ctx, false, auditMessage, 0); err != nil {
		e.log.Error("refresh audit append failed", zap.Error(err))
	}
	e.setState(StateFailed)
	e.metrics.ObserveRefresh(outcome, e.now().Sub(start))
	e.metrics.AddWarnings(len(result.Warnings))
}

// audit appends the attempt's log row. It runs even if ctx was cancelled.
func (e *Engine) audit(ctx context.Context, success bool, message string, total int) error {
	return e.store.AppendRefreshLog(context.WithoutCancel(ctx), country.RefreshLog{
		ID:             e.newID(),
		RefreshedAt:    e.now().UTC(),
		TotalCountries: total,
		Success:        success,
		ErrorMessage:   message,
	})
}

// =============================================================================
// FETCHING
// =============================================================================

// fetch runs both upstream fetches concurrently and waits for both.
func (e *Engine) fetch(ctx context.Context) ([]upstream.Country, map[string]decimal.Decimal, error) {
	var (
		g            errgroup.Group
		countries    []upstream.Country
		rates        map[string]decimal.Decimal
		countriesErr error
		ratesErr     error
	)

	// Neither goroutine returns an error so one failure never cancels the other.
	g.Go(func() error {
		countries, countriesErr = e.gateway.FetchCountries(ctx)
		return nil
	})
	g.Go(func() error {
		rates, ratesErr = e.gateway.FetchExchangeRates(ctx)
		return nil
	})
	g.Wait()

	var failed []string
	if countriesErr != nil {
		failed = append(failed, sourceOf(countriesErr, upstream.SourceCountries))
	}
	if ratesErr != nil {
		failed = append(failed, sourceOf(ratesErr, upstream.SourceExchangeRates))
	}
	if len(failed) > 0 {
		return nil, nil, &country.UpstreamError{Sources: failed}
	}
	return countries, rates, nil
}

func sourceOf(err error, fallback string) string {
	var fe *country.FetchError
	if errors.As(err, &fe) && fe.Source != "" {
		return fe.Source
	}
	return fallback
}

// =============================================================================
// RECONCILING
// =============================================================================

// reconcile upserts every upstream record. Row faults become warnings;
// only context cancellation aborts the batch.
func (e *Engine) reconcile(ctx context.Context, repo country.Repository, countries []upstream.Country, rates map[string]decimal.Decimal, result *country.RefreshResult) error {
	for _, uc := range countries {
		if err := ctx.Err(); err != nil {
			return err
		}

		created, err := e.upsert(ctx, repo, uc, rates, result)
		if err != nil {
			e.log.Error("failed to process country",
				zap.String("country", uc.Name),
				zap.Error(err),
			)
			result.Warn(fmt.Sprintf("Failed to process country: %s", uc.Name))
			continue
		}
		if created {
			result.CountriesCreated++
		} else {
			result.CountriesUpdated++
		}
	}
	return nil
}

// upsert writes one upstream record and reports whether it created a row.
func (e *Engine) upsert(ctx context.Context, repo country.Repository, uc upstream.Country, rates map[string]decimal.Decimal, result *country.RefreshResult) (created bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	name := strings.TrimSpace(uc.Name)
	if name == "" {
		return false, errors.New("upstream record has no name")
	}

	row := country.Country{
		Name:            name,
		Capital:         uc.Capital(),
		Region:          uc.Region,
		Population:      uc.Population,
		CurrencyCode:    uc.CurrencyCode(),
		FlagURL:         uc.FlagURL,
		LastRefreshedAt: e.now().UTC(),
	}

	switch rate, ok := rates[row.CurrencyCode]; {
	case row.CurrencyCode == "":
		row.EstimatedGDP = decimal.NewNullDecimal(decimal.Zero)
		result.Warn(fmt.Sprintf("No currency found for country: %s", name))
	case !ok:
		result.Warn(fmt.Sprintf("Exchange rate not found for currency: %s in country: %s", row.CurrencyCode, name))
	default:
		row.ExchangeRate = decimal.NewNullDecimal(rate)
		row.EstimatedGDP = e.estimator.Estimate(row.Population, row.ExchangeRate)
	}

	existing, err := repo.FindByName(ctx, name)
	switch {
	case err == nil:
		row.ID = existing.ID
		row.Name = existing.Name
		return false, repo.Update(ctx, &row)
	case errors.Is(err, country.ErrCountryNotFound):
		return true, repo.Insert(ctx, &row)
	default:
		return false, err
	}
}
