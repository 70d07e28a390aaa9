package leaderboard

import "github.com/shopspring/decimal"

// Badge names. Badges are derived on every computation and never stored.
const (
	BadgeTop10        = "top10"
	BadgeBigGainer    = "big_gainer"
	BadgeActiveTrader = "active_trader"
	BadgeComeback     = "comeback"
)

// Rules holds the badge thresholds.
type Rules struct {
	TopN               int             // top10 when rank <= TopN
	BigGainerPct       decimal.Decimal // big_gainer when perf >= BigGainerPct
	ActiveTraderOrders int             // active_trader when orders >= this
	ComebackOrders     int             // comeback when perf > 0 and orders >= this, outside the season board
}

// DefaultRules returns top 10, 5% gain, 5 orders and 3 orders.
func DefaultRules() Rules {
	return Rules{
		TopN:               10,
		BigGainerPct:       decimal.New(5, -2),
		ActiveTraderOrders: 5,
		ComebackOrders:     3,
	}
}

// Badges derives the badges of a ranked entry.
func Badges(e Entry, p Period, r Rules) []string {
	badges := []string{}
	if e.Rank >= 1 && e.Rank <= r.TopN {
		badges = append(badges, BadgeTop10)
	}
	if e.Perf.GreaterThanOrEqual(r.BigGainerPct) {
		badges = append(badges, BadgeBigGainer)
	}
	if e.Orders >= r.ActiveTraderOrders {
		badges = append(badges, BadgeActiveTrader)
	}
	if p != Season && e.Perf.IsPositive() && e.Orders >= r.ComebackOrders {
		badges = append(badges, BadgeComeback)
	}
	return badges
}
