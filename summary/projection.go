/*
Package summary derives the country summary report and its PNG rendering.

PURPOSE:
  Project reads the current total, the top five countries by estimated
  GDP and the latest refresh time. Render draws that projection as a
  fixed-layout 600x400 image. Service owns the last rendered image and
  replaces it wholesale after each committed refresh.

SEE ALSO:
  - refresh/engine.go: Calls Service.Regenerate after commit
  - api/handlers.go:   Serves Service.Image
*/
package summary

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/country-engine/country"
)

// TopN is how many countries the summary ranks.
const TopN = 5

// Entry is one ranked country.
type Entry struct {
	Name string
	GDP  decimal.Decimal
}

// Projection is the data the summary image encodes.
type Projection struct {
	Total           int
	Top             []Entry
	LastRefreshedAt time.Time
}

// Projector reads a Projection from the store.
type Projector struct {
	reader country.Reader
	now    func() time.Time
}

func NewProjector(reader country.Reader) *Projector {
	return &Projector{reader: reader, now: time.Now}
}

// Project reads the current summary. With no countries stored the
// refresh time is the current time.
func (p *Projector) Project(ctx context.Context) (Projection, error) {
	total, err := p.reader.CountCountries(ctx)
	if err != nil {
		return Projection{}, fmt.Errorf("count countries: %w", err)
	}

	top, err := p.reader.TopCountriesByGDP(ctx, TopN)
	if err != nil {
		return Projection{}, fmt.Errorf("top countries: %w", err)
	}

	latest, err := p.reader.LatestCountryRefresh(ctx)
	if err != nil {
		return Projection{}, fmt.Errorf("latest refresh: %w", err)
	}

	proj := Projection{Total: total, LastRefreshedAt: p.now().UTC()}
	if latest != nil {
		proj.LastRefreshedAt = latest.UTC()
	}
	for _, c := range top {
		proj.Top = append(proj.Top, Entry{Name: c.Name, GDP: c.EstimatedGDP.Decimal})
	}
	return proj, nil
}
