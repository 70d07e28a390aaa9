package quote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"golang.org/x/time/rate"
)

// Compile-time interface checks.
var (
	_ Source        = (*AlpacaSource)(nil)
	_ HistorySource = (*AlpacaSource)(nil)
)

// alpacaClient is the subset of *marketdata.Client used here.
type alpacaClient interface {
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// AlpacaSource prices US equities in USD through the Alpaca market-data API.
// Symbols with an exchange suffix (AIR.PA) or index/FX markers are reported
// as unsupported so a chain skips straight to the next source.
type AlpacaSource struct {
	client  alpacaClient
	feed    string
	limiter *rate.Limiter
}

// NewAlpacaSource creates an Alpaca-backed source. feed is "iex" or "sip".
func NewAlpacaSource(apiKey, apiSecret, dataURL, feed string, perMinute int) *AlpacaSource {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	if feed == "" {
		feed = "iex"
	}
	return &AlpacaSource{
		client:  marketdata.NewClient(opts),
		feed:    feed,
		limiter: newLimiter(perMinute),
	}
}

// Name returns "alpaca".
func (a *AlpacaSource) Name() string { return "alpaca" }

func (a *AlpacaSource) covers(symbol string) bool {
	return symbol != "" && !strings.ContainsAny(symbol, ".^=")
}

// Quote returns the latest trade price.
func (a *AlpacaSource) Quote(ctx context.Context, symbol string) (Quote, error) {
	if !a.covers(symbol) {
		return Quote{}, ErrUnsupported
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return Quote{}, err
	}

	trade, err := a.client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{Feed: a.feed})
	if err != nil {
		return Quote{}, fmt.Errorf("alpaca: latest trade %s: %w", symbol, err)
	}
	if trade == nil {
		return Quote{}, fmt.Errorf("alpaca: no trade for %s", symbol)
	}
	price, err := priceFromFloat(trade.Price)
	if err != nil {
		return Quote{}, fmt.Errorf("alpaca: %s: %w", symbol, err)
	}
	return Quote{Symbol: symbol, Price: price, Currency: "USD", Source: a.Name(), At: trade.Timestamp.UTC()}, nil
}

// CloseOn returns the last daily bar close at or before day.
func (a *AlpacaSource) CloseOn(ctx context.Context, symbol string, day time.Time) (Quote, error) {
	if !a.covers(symbol) {
		return Quote{}, ErrUnsupported
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return Quote{}, err
	}

	end := day.Add(24 * time.Hour)
	bars, err := a.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     day.AddDate(0, 0, -7),
		End:       end,
		Feed:      a.feed,
	})
	if err != nil {
		return Quote{}, fmt.Errorf("alpaca: bars %s: %w", symbol, err)
	}
	for i := len(bars) - 1; i >= 0; i-- {
		if !bars[i].Timestamp.Before(end) {
			continue
		}
		price, err := priceFromFloat(bars[i].Close)
		if err != nil {
			continue
		}
		return Quote{Symbol: symbol, Price: price, Currency: "USD", Source: a.Name(), At: bars[i].Timestamp.UTC()}, nil
	}
	return Quote{}, fmt.Errorf("alpaca: no bar for %s before %s", symbol, end.Format("2006-01-02"))
}
