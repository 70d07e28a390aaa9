package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Compile-time interface checks.
var (
	_ Source        = (*YahooSource)(nil)
	_ HistorySource = (*YahooSource)(nil)
)

// DefaultYahooURL is the public chart API host.
const DefaultYahooURL = "https://query1.finance.yahoo.com"

// YahooSource reads the chart endpoint, which covers European listings
// (AIR.PA, MC.PA), US tickers and FX pairs such as USDEUR=X.
type YahooSource struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewYahooSource creates a source against baseURL (DefaultYahooURL when
// empty). perMinute <= 0 disables throttling.
func NewYahooSource(baseURL string, perMinute int, client *http.Client) *YahooSource {
	if baseURL == "" {
		baseURL = DefaultYahooURL
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &YahooSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		limiter: newLimiter(perMinute),
	}
}

// Name returns "yahoo".
func (y *YahooSource) Name() string { return "yahoo" }

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency           string  `json:"currency"`
				Symbol             string  `json:"symbol"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				RegularMarketTime  int64   `json:"regularMarketTime"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Quote returns the regular market price of symbol.
func (y *YahooSource) Quote(ctx context.Context, symbol string) (Quote, error) {
	q := url.Values{}
	q.Set("range", "1d")
	q.Set("interval", "1d")

	chart, err := y.fetch(ctx, symbol, q)
	if err != nil {
		return Quote{}, err
	}
	res := chart.Chart.Result[0]
	price, err := priceFromFloat(res.Meta.RegularMarketPrice)
	if err != nil {
		return Quote{}, err
	}
	at := time.Now().UTC()
	if res.Meta.RegularMarketTime > 0 {
		at = time.Unix(res.Meta.RegularMarketTime, 0).UTC()
	}
	return Quote{
		Symbol:   symbol,
		Price:    price,
		Currency: res.Meta.Currency,
		Source:   y.Name(),
		At:       at,
	}, nil
}

// CloseOn returns the last daily close at or before the end of day.
func (y *YahooSource) CloseOn(ctx context.Context, symbol string, day time.Time) (Quote, error) {
	end := day.Add(24 * time.Hour)
	q := url.Values{}
	// A week back covers weekends and holidays.
	q.Set("period1", strconv.FormatInt(day.AddDate(0, 0, -7).Unix(), 10))
	q.Set("period2", strconv.FormatInt(end.Unix(), 10))
	q.Set("interval", "1d")

	chart, err := y.fetch(ctx, symbol, q)
	if err != nil {
		return Quote{}, err
	}
	res := chart.Chart.Result[0]
	if len(res.Indicators.Quote) == 0 {
		return Quote{}, fmt.Errorf("yahoo: no quote series for %s", symbol)
	}
	closes := res.Indicators.Quote[0].Close

	for i := len(res.Timestamp) - 1; i >= 0; i-- {
		ts := time.Unix(res.Timestamp[i], 0)
		if !ts.Before(end) || i >= len(closes) || closes[i] == nil {
			continue
		}
		price, err := priceFromFloat(*closes[i])
		if err != nil {
			continue
		}
		return Quote{Symbol: symbol, Price: price, Currency: res.Meta.Currency, Source: y.Name(), At: ts.UTC()}, nil
	}
	return Quote{}, fmt.Errorf("yahoo: no close for %s before %s", symbol, end.Format(time.RFC3339))
}

func (y *YahooSource) fetch(ctx context.Context, symbol string, params url.Values) (*chartResponse, error) {
	if err := y.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?%s", y.baseURL, url.PathEscape(symbol), params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "plus-engine/1.0")

	resp, err := y.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yahoo: %w", err)
	}
	defer resp.Body.Close()

	var chart chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&chart); err != nil {
		return nil, fmt.Errorf("yahoo: decode %s (status %d): %w", symbol, resp.StatusCode, err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo: %s: %s", chart.Chart.Error.Code, chart.Chart.Error.Description)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("yahoo: status %d for %s", resp.StatusCode, symbol)
	}
	if len(chart.Chart.Result) == 0 {
		return nil, fmt.Errorf("yahoo: empty result for %s", symbol)
	}
	return &chart, nil
}

// newLimiter converts a per-minute budget into a token bucket.
func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute/10+1)
}
