// Package quote adapts third-party market-data providers into last prices
// and daily closes, converts them to EUR and caches the results.
package quote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ecolebourse/plus-engine/internal/metrics"
)

var (
	// ErrUnavailable is returned when no source could price a symbol.
	ErrUnavailable = errors.New("quote: unavailable")

	// ErrUnsupported is returned by a source that does not cover a symbol,
	// so a chain can move on without counting a failure.
	ErrUnsupported = errors.New("quote: symbol not covered by source")
)

// Quote is a price in the listing currency of a symbol.
type Quote struct {
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	Source   string          `json:"source"`
	At       time.Time       `json:"at"`
}

// Source returns last prices.
type Source interface {
	Name() string
	Quote(ctx context.Context, symbol string) (Quote, error)
}

// HistorySource returns the daily close of a symbol on or before day.
type HistorySource interface {
	Name() string
	CloseOn(ctx context.Context, symbol string, day time.Time) (Quote, error)
}

// Chain queries sources in order and returns the first usable price.
type Chain struct {
	sources []Source
}

// NewChain builds a chain; the first source is primary, the rest are fallbacks.
func NewChain(sources ...Source) *Chain {
	return &Chain{sources: sources}
}

func (c *Chain) Name() string {
	names := make([]string, 0, len(c.sources))
	for _, s := range c.sources {
		names = append(names, s.Name())
	}
	return strings.Join(names, ">")
}

func (c *Chain) Quote(ctx context.Context, symbol string) (Quote, error) {
	var errs []error
	for _, s := range c.sources {
		q, err := s.Quote(ctx, symbol)
		if err == nil {
			return q, nil
		}
		if ctx.Err() != nil {
			return Quote{}, ctx.Err()
		}
		if !errors.Is(err, ErrUnsupported) {
			metrics.QuoteFailures.WithLabelValues(s.Name()).Inc()
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return Quote{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, symbol, errors.Join(errs...))
}

func (c *Chain) CloseOn(ctx context.Context, symbol string, day time.Time) (Quote, error) {
	var errs []error
	for _, s := range c.sources {
		h, ok := s.(HistorySource)
		if !ok {
			continue
		}
		q, err := h.CloseOn(ctx, symbol, day)
		if err == nil {
			return q, nil
		}
		if ctx.Err() != nil {
			return Quote{}, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return Quote{}, fmt.Errorf("%w: %s close on %s: %w", ErrUnavailable, symbol, day.Format("2006-01-02"), errors.Join(errs...))
}

// priceFromFloat converts a provider float into a decimal price, rejecting
// NaN, infinities and non-positive values.
func priceFromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return decimal.Zero, fmt.Errorf("invalid price %v", f)
	}
	return decimal.NewFromFloat(f), nil
}
