package quote

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ecolebourse/plus-engine/internal/cache"
)

// minorUnits maps currencies quoted in hundredths to their major currency.
// Case matters: "GBp" is pence, "GBP" is pounds.
var minorUnits = map[string]string{
	"GBp": "GBP",
	"GBX": "GBP",
	"ZAc": "ZAR",
	"ILA": "ILS",
}

var hundredth = decimal.New(1, -2)

// FX converts listing-currency prices into EUR. Rates are read from a Source
// using "<CCY>EUR=X" pair symbols and cached for ttl. FX never fails: EUR and
// any lookup failure yield a rate of 1 (scaled for minor units).
type FX struct {
	src   Source
	cache cache.Cache[decimal.Decimal]
	ttl   time.Duration
}

// NewFX creates a converter.
func NewFX(src Source, c cache.Cache[decimal.Decimal], ttl time.Duration) *FX {
	return &FX{src: src, cache: c, ttl: ttl}
}

// ToEUR returns the multiplier that converts a price in currency into EUR.
func (f *FX) ToEUR(ctx context.Context, currency string) decimal.Decimal {
	scale := decimal.NewFromInt(1)
	ccy := strings.TrimSpace(currency)
	if major, ok := minorUnits[ccy]; ok {
		scale = hundredth
		ccy = major
	}
	ccy = strings.ToUpper(ccy)
	if ccy == "" || ccy == "EUR" {
		return scale
	}

	rate, err := f.cache.GetOrRefresh(ctx, ccy, f.ttl, func(ctx context.Context) (decimal.Decimal, error) {
		q, err := f.src.Quote(ctx, ccy+"EUR=X")
		if err != nil {
			return decimal.Zero, err
		}
		return q.Price, nil
	})
	if err != nil {
		slog.Warn("fx rate unavailable, using 1", "currency", ccy, "err", err)
		return scale
	}
	return rate.Mul(scale)
}
