package quote

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ecolebourse/plus-engine/internal/apperr"
	"github.com/ecolebourse/plus-engine/internal/cache"
)

// EURQuote is a quote converted to EUR.
type EURQuote struct {
	Symbol   string          `json:"symbol"`
	Native   decimal.Decimal `json:"native_price"`
	Currency string          `json:"currency"`
	FXRate   decimal.Decimal `json:"fx_rate"`
	PriceEUR decimal.Decimal `json:"price_eur"`
	Source   string          `json:"source"`
	At       time.Time       `json:"at"`
}

// Pricer is the single entry point the trading services use for prices.
type Pricer struct {
	src        Source
	hist       HistorySource
	fx         *FX
	quotes     cache.Cache[Quote]
	quoteTTL   time.Duration
	historyTTL time.Duration
}

// NewPricer wires a last-price source, an optional history source, FX and
// the quote cache. quoteTTL bounds last-price staleness.
func NewPricer(src Source, hist HistorySource, fx *FX, quotes cache.Cache[Quote], quoteTTL time.Duration) *Pricer {
	return &Pricer{
		src:        src,
		hist:       hist,
		fx:         fx,
		quotes:     quotes,
		quoteTTL:   quoteTTL,
		historyTTL: 6 * time.Hour,
	}
}

// PriceEUR returns the last price of symbol in EUR. Any failure surfaces as
// QUOTE_UNAVAILABLE.
func (p *Pricer) PriceEUR(ctx context.Context, symbol string) (EURQuote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	q, err := p.quotes.GetOrRefresh(ctx, "last:"+symbol, p.quoteTTL, func(ctx context.Context) (Quote, error) {
		return p.src.Quote(ctx, symbol)
	})
	if err != nil {
		return EURQuote{}, apperr.New(apperr.QuoteUnavailable, fmt.Sprintf("%s: %v", symbol, err))
	}
	return p.convert(ctx, q)
}

// CloseEUR returns the daily close of symbol on day, in EUR.
func (p *Pricer) CloseEUR(ctx context.Context, symbol string, day time.Time) (EURQuote, error) {
	if p.hist == nil {
		return EURQuote{}, apperr.New(apperr.QuoteUnavailable, "no history source")
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	key := "close:" + symbol + ":" + day.Format("2006-01-02")
	q, err := p.quotes.GetOrRefresh(ctx, key, p.historyTTL, func(ctx context.Context) (Quote, error) {
		return p.hist.CloseOn(ctx, symbol, day)
	})
	if err != nil {
		return EURQuote{}, apperr.New(apperr.QuoteUnavailable, fmt.Sprintf("%s close: %v", symbol, err))
	}
	return p.convert(ctx, q)
}

func (p *Pricer) convert(ctx context.Context, q Quote) (EURQuote, error) {
	rate := p.fx.ToEUR(ctx, q.Currency)
	eur := q.Price.Mul(rate)
	if !eur.IsPositive() {
		return EURQuote{}, apperr.New(apperr.QuoteUnavailable, fmt.Sprintf("%s: non-positive price", q.Symbol))
	}
	return EURQuote{
		Symbol:   q.Symbol,
		Native:   q.Price,
		Currency: q.Currency,
		FXRate:   rate,
		PriceEUR: eur,
		Source:   q.Source,
		At:       q.At,
	}, nil
}

// EURPricer is the read side of Pricer that services depend on.
type EURPricer interface {
	PriceEUR(ctx context.Context, symbol string) (EURQuote, error)
}

// PriceAll prices symbols concurrently, at most limit at a time. Symbols that
// cannot be priced are left out of the result and returned in failed.
func PriceAll(ctx context.Context, p EURPricer, symbols []string, limit int) (prices map[string]EURQuote, failed map[string]error) {
	prices = make(map[string]EURQuote, len(symbols))
	failed = make(map[string]error)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			q, err := p.PriceEUR(ctx, sym)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[sym] = err
				return nil
			}
			prices[sym] = q
			return nil
		})
	}
	_ = g.Wait()
	return prices, failed
}
