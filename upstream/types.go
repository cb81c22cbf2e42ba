package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Source names reported in fetch failures and the audit log.
const (
	SourceCountries     = "RestCountries"
	SourceExchangeRates = "ExchangeRates"
)

// Country is one record from the countries directory.
type Country struct {
	Name       string
	Capitals   []string
	Region     string
	Population int64
	FlagURL    string
	// Currencies lists currency codes in the order the directory sent them.
	Currencies []string
}

// Capital returns the first listed capital, if any.
func (c Country) Capital() string {
	if len(c.Capitals) == 0 {
		return ""
	}
	return c.Capitals[0]
}

// CurrencyCode returns the first listed currency code, if any.
func (c Country) CurrencyCode() string {
	if len(c.Currencies) == 0 {
		return ""
	}
	return c.Currencies[0]
}

type countryJSON struct {
	Name       nameJSON      `json:"name"`
	Capital    []string      `json:"capital"`
	Region     string        `json:"region"`
	Population int64         `json:"population"`
	Flags      flagsJSON     `json:"flags"`
	Currencies currencyCodes `json:"currencies"`
}

type nameJSON struct {
	Common string `json:"common"`
}

type flagsJSON struct {
	PNG string `json:"png"`
	SVG string `json:"svg"`
}

func (c *Country) UnmarshalJSON(data []byte) error {
	var raw countryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Country{
		Name:       raw.Name.Common,
		Capitals:   raw.Capital,
		Region:     raw.Region,
		Population: raw.Population,
		FlagURL:    raw.Flags.PNG,
		Currencies: raw.Currencies,
	}
	if c.FlagURL == "" {
		c.FlagURL = raw.Flags.SVG
	}
	return nil
}

// currencyCodes decodes the keys of a currency table in document order.
// encoding/json maps do not preserve order.
type currencyCodes []string

func (cc *currencyCodes) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*cc = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("currencies: expected object, got %v", tok)
	}

	var codes []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("currencies: expected key, got %v", keyTok)
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return err
		}
		codes = append(codes, key)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*cc = codes
	return nil
}

// ratesResponse is the exchange-rate provider's payload.
type ratesResponse struct {
	Result    string                     `json:"result"`
	BaseCode  string                     `json:"base_code"`
	ErrorType string                     `json:"error-type"`
	Rates     map[string]decimal.Decimal `json:"rates"`
}
