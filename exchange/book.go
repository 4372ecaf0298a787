package exchange

import (
	"errors"
	"sort"
	"sync"
	"time"

	"arbiflow/models"
)

var (
	// ErrNoSnapshot is returned for deltas that arrive before the book has
	// been seeded; they cannot be applied and are dropped.
	ErrNoSnapshot = errors.New("delta received before snapshot")
	// ErrStaleDelta is returned for deltas already covered by the current
	// snapshot's sequence number.
	ErrStaleDelta = errors.New("delta sequence precedes snapshot")
	// ErrCrossedBook is returned when applying an update would leave best
	// bid at or above best ask. The book is invalidated and must be
	// reseeded from a fresh snapshot.
	ErrCrossedBook = errors.New("update produced a crossed book")
)

// bookState maintains one venue/pair order book as mutable price-level maps,
// emitting an immutable sorted OrderBook after every successful update.
type bookState struct {
	venue string
	pair  models.TradingPair
	depth int

	mu       sync.Mutex
	seeded   bool
	sequence int64
	bids     map[float64]float64
	asks     map[float64]float64
}

func newBookState(venue string, pair models.TradingPair, depth int) *bookState {
	return &bookState{
		venue: venue,
		pair:  pair,
		depth: depth,
		bids:  make(map[float64]float64),
		asks:  make(map[float64]float64),
	}
}

// ApplySnapshot replaces the book wholesale. Nonpositive prices and
// quantities are dropped rather than stored.
func (b *bookState) ApplySnapshot(bids, asks []models.OrderBookEntry, sequence int64, ts time.Time) (*models.OrderBook, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[float64]float64, len(bids))
	b.asks = make(map[float64]float64, len(asks))
	for _, e := range bids {
		if e.Price > 0 && e.Quantity > 0 {
			b.bids[e.Price] = e.Quantity
		}
	}
	for _, e := range asks {
		if e.Price > 0 && e.Quantity > 0 {
			b.asks[e.Price] = e.Quantity
		}
	}
	b.sequence = sequence
	b.seeded = true

	book := b.buildLocked(ts)
	if book.Crossed() {
		b.invalidateLocked()
		return nil, ErrCrossedBook
	}
	return book, nil
}

// ApplyDelta upserts changed levels, removing those with quantity zero.
func (b *bookState) ApplyDelta(changes []models.BookChange, sequence int64, ts time.Time) (*models.OrderBook, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.seeded {
		return nil, ErrNoSnapshot
	}
	if sequence != 0 && sequence <= b.sequence {
		return nil, ErrStaleDelta
	}

	for _, ch := range changes {
		side := b.bids
		if ch.Side == "ask" {
			side = b.asks
		}
		if ch.Quantity <= 0 {
			delete(side, ch.Price)
		} else if ch.Price > 0 {
			side[ch.Price] = ch.Quantity
		}
	}
	if sequence != 0 {
		b.sequence = sequence
	}

	book := b.buildLocked(ts)
	if book.Crossed() {
		b.invalidateLocked()
		return nil, ErrCrossedBook
	}
	return book, nil
}

// Seeded reports whether the book has a snapshot to apply deltas against.
func (b *bookState) Seeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seeded
}

// Invalidate discards the book so the next snapshot reseeds it. Used on
// reconnect, when stream continuity is lost.
func (b *bookState) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidateLocked()
}

func (b *bookState) invalidateLocked() {
	b.seeded = false
	b.sequence = 0
	b.bids = make(map[float64]float64)
	b.asks = make(map[float64]float64)
}

// buildLocked assembles the immutable sorted view, trimmed to depth.
func (b *bookState) buildLocked(ts time.Time) *models.OrderBook {
	book := &models.OrderBook{
		Venue:     b.venue,
		Pair:      b.pair,
		Timestamp: ts,
		Sequence:  b.sequence,
		Bids:      make([]models.OrderBookEntry, 0, len(b.bids)),
		Asks:      make([]models.OrderBookEntry, 0, len(b.asks)),
	}
	for price, qty := range b.bids {
		book.Bids = append(book.Bids, models.OrderBookEntry{Price: price, Quantity: qty})
	}
	for price, qty := range b.asks {
		book.Asks = append(book.Asks, models.OrderBookEntry{Price: price, Quantity: qty})
	}
	sort.Slice(book.Bids, func(i, j int) bool { return book.Bids[i].Price > book.Bids[j].Price })
	sort.Slice(book.Asks, func(i, j int) bool { return book.Asks[i].Price < book.Asks[j].Price })
	if b.depth > 0 {
		if len(book.Bids) > b.depth {
			book.Bids = book.Bids[:b.depth]
		}
		if len(book.Asks) > b.depth {
			book.Asks = book.Asks[:b.depth]
		}
	}
	return book
}

// synthesizeTicker builds a single-level book from a best-bid/ask ticker.
// Crossed tickers are rejected the same way crossed depth updates are.
func synthesizeTicker(venueName string, msg models.ParsedMessage) (*models.OrderBook, error) {
	if msg.BestBid <= 0 || msg.BestAsk <= 0 {
		return nil, ErrCrossedBook
	}
	if msg.BestBid >= msg.BestAsk {
		return nil, ErrCrossedBook
	}
	return &models.OrderBook{
		Venue:       venueName,
		Pair:        msg.Pair,
		Timestamp:   msg.Timestamp,
		Bids:        []models.OrderBookEntry{{Price: msg.BestBid, Quantity: msg.BestBidQty}},
		Asks:        []models.OrderBookEntry{{Price: msg.BestAsk, Quantity: msg.BestAskQty}},
		Synthesized: true,
	}, nil
}
