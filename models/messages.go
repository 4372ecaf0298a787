package models

import "time"

// MessageKind discriminates what a venue adapter extracted from a raw frame.
type MessageKind int

const (
	// KindIgnore marks control traffic (heartbeats, pongs) that carries no
	// market data but still counts as inbound activity.
	KindIgnore MessageKind = iota
	KindSnapshot
	KindDelta
	KindTicker
	KindSubscribeAck
	KindSubscribeError
)

// BookChange is one (side, price, quantity) mutation inside a delta message.
// Quantity zero removes the level.
type BookChange struct {
	Side     string  `json:"side"` // "bid" or "ask"
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// ParsedMessage is the adapter-neutral result of decoding one inbound frame.
// Exactly the fields relevant to Kind are populated.
type ParsedMessage struct {
	Kind      MessageKind
	Pair      TradingPair
	Timestamp time.Time

	// Venue sequence number, when the venue provides one. Zero otherwise.
	Sequence int64

	// Snapshot payload.
	Bids []OrderBookEntry
	Asks []OrderBookEntry

	// Delta payload.
	Changes []BookChange

	// Ticker payload (degraded venues).
	BestBid    float64
	BestAsk    float64
	BestBidQty float64
	BestAskQty float64

	// Subscribe ack/error payload.
	Channel   string
	Reason    string
	NeedsAuth bool
}
