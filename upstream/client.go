/*
Package upstream fetches the two external datasets a refresh needs.

PURPOSE:
  - FetchCountries:     Countries directory (name, capital, region,
                        population, flag, currency table)
  - FetchExchangeRates: Currency code -> rate against a fixed base

RETRY POLICY:
  Each fetch makes up to MaxAttempts attempts. A transport error, a
  timeout, a non-2xx status, a body that does not parse, or a rate
  payload whose result is not "success" (or that carries no rates) all
  count as a failed attempt. Before attempt n+1 the client waits
  n * BaseDelay. There is no wait after the last attempt.

  When every attempt fails the returned error is a *country.FetchError
  naming the source, so the refresh engine can report which dataset
  was unavailable.

The client holds no state between calls and is safe for concurrent use.
*/
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/country-engine/country"
	"github.com/warp/country-engine/metrics"
)

// maxBodyBytes caps how much of an upstream response is read.
const maxBodyBytes = 32 << 20

// Config configures the upstream client.
type Config struct {
	CountriesURL     string
	ExchangeRatesURL string
	RequestTimeout   time.Duration
	MaxAttempts      int
	BaseDelay        time.Duration
}

// Client fetches upstream datasets with retry.
type Client struct {
	cfg     Config
	http    *http.Client
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewClient creates a client. log and m may be nil.
func NewClient(cfg Config, log *zap.Logger, m *metrics.Metrics) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		log:     log.Named("upstream"),
		metrics: m,
	}
}

// FetchCountries downloads the countries directory.
func (c *Client) FetchCountries(ctx context.Context) ([]Country, error) {
	return fetchWithRetry(ctx, c, SourceCountries, c.cfg.CountriesURL, decodeCountries)
}

// FetchExchangeRates downloads the exchange-rate table.
func (c *Client) FetchExchangeRates(ctx context.Context) (map[string]decimal.Decimal, error) {
	return fetchWithRetry(ctx, c, SourceExchangeRates, c.cfg.ExchangeRatesURL, decodeRates)
}

// =============================================================================
// RETRY LOOP
// =============================================================================

func fetchWithRetry[T any](ctx context.Context, c *Client, source, url string, decode func(io.Reader) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		c.log.Info("fetching upstream data",
			zap.String("source", source),
			zap.Int("attempt", attempt),
		)

		payload, err := getOnce(ctx, c, url, decode)
		if err == nil {
			c.metrics.ObserveFetchAttempt(source, metrics.AttemptOK)
			return payload, nil
		}

		lastErr = err
		c.metrics.ObserveFetchAttempt(source, metrics.AttemptError)
		c.log.Warn("upstream fetch attempt failed",
			zap.String("source", source),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt == c.cfg.MaxAttempts {
			break
		}
		if err := wait(ctx, time.Duration(attempt)*c.cfg.BaseDelay); err != nil {
			return zero, &country.FetchError{Source: source, Attempts: attempt, Err: err}
		}
	}

	return zero, &country.FetchError{Source: source, Attempts: c.cfg.MaxAttempts, Err: lastErr}
}

func getOnce[T any](ctx context.Context, c *Client, url string, decode func(io.Reader) (T, error)) (T, error) {
	var zero T

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return zero, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return zero, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return decode(io.LimitReader(resp.Body, maxBodyBytes))
}

// =============================================================================
// DECODERS
// =============================================================================

func decodeCountries(r io.Reader) ([]Country, error) {
	var countries []Country
	if err := json.NewDecoder(r).Decode(&countries); err != nil {
		return nil, fmt.Errorf("decode countries: %w", err)
	}
	return countries, nil
}

func decodeRates(r io.Reader) (map[string]decimal.Decimal, error) {
	var payload ratesResponse
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode exchange rates: %w", err)
	}
	if payload.Result != "success" {
		if payload.ErrorType != "" {
			return nil, fmt.Errorf("exchange rate provider returned %q: %s", payload.Result, payload.ErrorType)
		}
		return nil, fmt.Errorf("exchange rate provider returned %q", payload.Result)
	}
	if len(payload.Rates) == 0 {
		return nil, errors.New("exchange rate provider returned no rates")
	}
	return payload.Rates, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
