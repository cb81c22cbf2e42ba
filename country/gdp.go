/*
gdp.go - Estimated GDP calculation

PURPOSE:
  Derives a rough GDP figure from population and the local currency's
  exchange rate against the base currency:

    estimated_gdp = population * multiplier / exchange_rate

  The multiplier is either supplied (deterministic) or drawn uniformly
  from [MinMultiplier, MaxMultiplier] via an injected RandomSource.

ABSENT VALUES:
  A missing or zero exchange rate yields an invalid NullDecimal, never
  zero. Zero GDP is reserved for countries with no currency at all and
  is decided by the refresh engine, not here.

RANDOMNESS:
  Production refreshes draw a fresh multiplier per country. Tests pass a
  seeded source (math/rand/v2) or call EstimateGDP directly.
*/
package country

import (
	"math/rand/v2"
	"sync"

	"github.com/shopspring/decimal"
)

const (
	MinMultiplier = 1000
	MaxMultiplier = 2000
)

// RandomSource draws integers in [0, n). *rand.Rand satisfies it.
type RandomSource interface {
	IntN(n int) int
}

// EstimateGDP computes population * multiplier / rate.
// Returns an invalid NullDecimal when rate is absent or zero.
func EstimateGDP(population int64, rate decimal.NullDecimal, multiplier int64) decimal.NullDecimal {
	if !rate.Valid || rate.Decimal.IsZero() {
		return decimal.NullDecimal{}
	}
	gdp := decimal.NewFromInt(population).
		Mul(decimal.NewFromInt(multiplier)).
		Div(rate.Decimal)
	return decimal.NewNullDecimal(gdp)
}

// Estimator draws a random multiplier per estimate.
type Estimator struct {
	mu  sync.Mutex
	rng RandomSource
	min int
	max int
}

// NewEstimator creates an estimator over the default multiplier range.
// A nil source uses the global math/rand/v2 generator.
func NewEstimator(rng RandomSource) *Estimator {
	return &Estimator{rng: rng, min: MinMultiplier, max: MaxMultiplier}
}

// Estimate computes an estimated GDP with a randomly drawn multiplier.
func (e *Estimator) Estimate(population int64, rate decimal.NullDecimal) decimal.NullDecimal {
	if !rate.Valid || rate.Decimal.IsZero() {
		return decimal.NullDecimal{}
	}
	return EstimateGDP(population, rate, e.Multiplier())
}

// Multiplier draws one multiplier in [min, max].
func (e *Estimator) Multiplier() int64 {
	span := e.max - e.min + 1
	if e.rng == nil {
		return int64(e.min + rand.IntN(span))
	}
	// Seeded sources are not safe for concurrent use.
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(e.min + e.rng.IntN(span))
}
