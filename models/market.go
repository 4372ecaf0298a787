package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TradingPair identifies a market as base/quote currency codes. The value is
// immutable and safe to use as a map key; equality is case-insensitive
// because NewTradingPair normalizes both codes to upper case.
type TradingPair struct {
	Base  string
	Quote string
}

// NewTradingPair normalizes the currency codes to upper case so that
// equivalent pairs compare equal regardless of input casing.
func NewTradingPair(base, quote string) TradingPair {
	return TradingPair{
		Base:  strings.ToUpper(strings.TrimSpace(base)),
		Quote: strings.ToUpper(strings.TrimSpace(quote)),
	}
}

// ParseTradingPair accepts "BTC-USD", "BTC/USD" or "BTC_USD" forms.
func ParseTradingPair(s string) (TradingPair, error) {
	for _, sep := range []string{"-", "/", "_"} {
		if parts := strings.Split(s, sep); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return NewTradingPair(parts[0], parts[1]), nil
		}
	}
	return TradingPair{}, fmt.Errorf("unparseable trading pair %q", s)
}

func (p TradingPair) String() string {
	return p.Base + "-" + p.Quote
}

// OrderBookEntry is a single price level. Quantity zero is only meaningful as
// a removal sentinel while applying deltas and never survives into a
// published book.
type OrderBookEntry struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook is one venue's view of a market. Bids are sorted descending by
// price, asks ascending. Instances are immutable once published; every
// update produces a replacement book.
type OrderBook struct {
	Venue     string           `json:"venue"`
	Pair      TradingPair      `json:"pair"`
	Timestamp time.Time        `json:"timestamp"`
	Bids      []OrderBookEntry `json:"bids"`
	Asks      []OrderBookEntry `json:"asks"`

	// Sequence is the venue's update id for the snapshot this book derives
	// from, when the venue numbers its stream. Zero otherwise.
	Sequence int64 `json:"sequence,omitempty"`

	// Synthesized is set when the book was derived from a best-bid/ask
	// ticker rather than a depth feed. Consumers treat such books as
	// lower-confidence input.
	Synthesized bool `json:"synthesized,omitempty"`
}

// BestBid returns the highest bid, if any.
func (b *OrderBook) BestBid() (OrderBookEntry, bool) {
	if len(b.Bids) == 0 {
		return OrderBookEntry{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b *OrderBook) BestAsk() (OrderBookEntry, bool) {
	if len(b.Asks) == 0 {
		return OrderBookEntry{}, false
	}
	return b.Asks[0], true
}

// Crossed reports whether best bid >= best ask. A crossed book is a protocol
// error and must never be published.
func (b *OrderBook) Crossed() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	return okBid && okAsk && bid.Price >= ask.Price
}

// Sorted reports whether bids are strictly descending and asks strictly
// ascending with no duplicate price levels.
func (b *OrderBook) Sorted() bool {
	bidsOK := sort.SliceIsSorted(b.Bids, func(i, j int) bool { return b.Bids[i].Price > b.Bids[j].Price })
	asksOK := sort.SliceIsSorted(b.Asks, func(i, j int) bool { return b.Asks[i].Price < b.Asks[j].Price })
	if !bidsOK || !asksOK {
		return false
	}
	for i := 1; i < len(b.Bids); i++ {
		if b.Bids[i].Price == b.Bids[i-1].Price {
			return false
		}
	}
	for i := 1; i < len(b.Asks); i++ {
		if b.Asks[i].Price == b.Asks[i-1].Price {
			return false
		}
	}
	return true
}

// Balance is one currency's funds on one venue.
type Balance struct {
	Venue     string    `json:"venue"`
	Currency  string    `json:"currency"`
	Total     float64   `json:"total"`
	Available float64   `json:"available"`
	Held      float64   `json:"held"`
	FetchedAt time.Time `json:"fetched_at"`
}

// FeeSchedule carries a venue's maker/taker rates as decimal fractions
// (0.001 = 10 bps). Defaults apply when the venue's fee endpoint is
// unavailable or the client is unauthenticated.
type FeeSchedule struct {
	Venue     string  `json:"venue"`
	MakerRate float64 `json:"maker_rate"`
	TakerRate float64 `json:"taker_rate"`
}

// ArbitrageOpportunity is an actionable cross-venue spread detected by the
// engine. Immutable after creation.
type ArbitrageOpportunity struct {
	ID            string      `json:"id"`
	BuyVenue      string      `json:"buy_venue"`
	SellVenue     string      `json:"sell_venue"`
	Pair          TradingPair `json:"pair"`
	BuyPrice      float64     `json:"buy_price"`
	SellPrice     float64     `json:"sell_price"`
	TradeVolume   float64     `json:"trade_volume"`
	GrossSpread   float64     `json:"gross_spread"`
	SpreadPct     float64     `json:"spread_pct"`
	EstimatedFees float64     `json:"estimated_fees"`
	NetProfit     float64     `json:"net_profit"`
	Degraded      bool        `json:"degraded"`
	DetectedAt    time.Time   `json:"detected_at"`
}

// ConnectionState is the managed connection's lifecycle state. It is owned
// exclusively by the connection; other components only observe it.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateCircuitOpen
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateCircuitOpen:
		return "circuit_open"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}
