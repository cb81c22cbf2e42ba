/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the country domain model from the external API contract.

NAMING CONVENTION:
  - *DTO:      Response types returned to clients
  - *Response: Complex response wrappers

DECIMALS:
  Exchange rates and GDP estimates are written as JSON numbers with the
  stored precision (json.Number), never through float64. Absent values
  are written as null.

SEE ALSO:
  - handlers.go: Uses these types
  - country/types.go: Domain types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/country-engine/country"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// CountryDTO represents a country in API responses.
type CountryDTO struct {
	ID              int64        `json:"id"`
	Name            string       `json:"name"`
	Capital         *string      `json:"capital"`
	Region          *string      `json:"region"`
	Population      int64        `json:"population"`
	CurrencyCode    *string      `json:"currency_code"`
	ExchangeRate    *json.Number `json:"exchange_rate"`
	EstimatedGDP    *json.Number `json:"estimated_gdp"`
	FlagURL         *string      `json:"flag_url"`
	LastRefreshedAt string       `json:"last_refreshed_at"`
}

// RefreshResponse is returned by a successful refresh.
type RefreshResponse struct {
	Message   string   `json:"message"`
	Processed int      `json:"processed"`
	Updated   int      `json:"updated"`
	Created   int      `json:"created"`
	Warnings  []string `json:"warnings"`
}

// StatusDTO summarizes the dataset.
type StatusDTO struct {
	TotalCountries  int     `json:"total_countries"`
	LastRefreshedAt *string `json:"last_refreshed_at"`
}

// RefreshLogDTO is one audit row.
type RefreshLogDTO struct {
	ID             string  `json:"id"`
	RefreshedAt    string  `json:"refreshed_at"`
	TotalCountries int     `json:"total_countries"`
	Success        bool    `json:"success"`
	ErrorMessage   *string `json:"error_message"`
}

// MessageResponse carries a plain confirmation.
type MessageResponse struct {
	Message string `json:"message"`
}

// HealthDTO is the /health body.
type HealthDTO struct {
	Status string `json:"status"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toCountryDTO(c country.Country) CountryDTO {
	return CountryDTO{
		ID:              c.ID,
		Name:            c.Name,
		Capital:         optString(c.Capital),
		Region:          optString(c.Region),
		Population:      c.Population,
		CurrencyCode:    optString(c.CurrencyCode),
		ExchangeRate:    optDecimal(c.ExchangeRate),
		EstimatedGDP:    optDecimal(c.EstimatedGDP),
		FlagURL:         optString(c.FlagURL),
		LastRefreshedAt: formatTime(c.LastRefreshedAt),
	}
}

func toCountryDTOs(countries []country.Country) []CountryDTO {
	dtos := make([]CountryDTO, len(countries))
	for i, c := range countries {
		dtos[i] = toCountryDTO(c)
	}
	return dtos
}

func toRefreshLogDTOs(logs []country.RefreshLog) []RefreshLogDTO {
	dtos := make([]RefreshLogDTO, len(logs))
	for i, l := range logs {
		dtos[i] = RefreshLogDTO{
			ID:             l.ID,
			RefreshedAt:    formatTime(l.RefreshedAt),
			TotalCountries: l.TotalCountries,
			Success:        l.Success,
			ErrorMessage:   optString(l.ErrorMessage),
		}
	}
	return dtos
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optDecimal(d decimal.NullDecimal) *json.Number {
	if !d.Valid {
		return nil
	}
	n := json.Number(d.Decimal.String())
	return &n
}
