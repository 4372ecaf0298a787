package exchange

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"arbiflow/models"
)

var testPair = models.NewTradingPair("BTC", "USD")

func seeded(t *testing.T, depth int) *bookState {
	t.Helper()
	b := newBookState("testvenue", testPair, depth)
	_, err := b.ApplySnapshot(
		[]models.OrderBookEntry{{Price: 50000, Quantity: 1}, {Price: 49999, Quantity: 2}},
		[]models.OrderBookEntry{{Price: 50001, Quantity: 1.5}, {Price: 50002, Quantity: 3}},
		100, time.Now(),
	)
	if err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	return b
}

func TestApplySnapshotSortsAndTrims(t *testing.T) {
	b := newBookState("testvenue", testPair, 2)
	book, err := b.ApplySnapshot(
		[]models.OrderBookEntry{{Price: 49998, Quantity: 1}, {Price: 50000, Quantity: 1}, {Price: 49999, Quantity: 1}},
		[]models.OrderBookEntry{{Price: 50003, Quantity: 1}, {Price: 50001, Quantity: 1}, {Price: 50002, Quantity: 1}},
		1, time.Now(),
	)
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if len(book.Bids) != 2 || len(book.Asks) != 2 {
		t.Fatalf("depth not trimmed: %d bids, %d asks", len(book.Bids), len(book.Asks))
	}
	if book.Bids[0].Price != 50000 || book.Bids[1].Price != 49999 {
		t.Fatalf("bids not descending: %+v", book.Bids)
	}
	if book.Asks[0].Price != 50001 || book.Asks[1].Price != 50002 {
		t.Fatalf("asks not ascending: %+v", book.Asks)
	}
}

func TestApplySnapshotDropsNonpositive(t *testing.T) {
	b := newBookState("testvenue", testPair, 10)
	book, err := b.ApplySnapshot(
		[]models.OrderBookEntry{{Price: 50000, Quantity: 1}, {Price: 49999, Quantity: 0}, {Price: -1, Quantity: 1}},
		[]models.OrderBookEntry{{Price: 50001, Quantity: 1}},
		1, time.Now(),
	)
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if len(book.Bids) != 1 {
		t.Fatalf("nonpositive levels survived: %+v", book.Bids)
	}
}

func TestApplyDeltaUpsertAndRemove(t *testing.T) {
	b := seeded(t, 100)

	book, err := b.ApplyDelta([]models.BookChange{
		{Side: "bid", Price: 50000, Quantity: 5},   // update
		{Side: "bid", Price: 49999, Quantity: 0},   // remove
		{Side: "ask", Price: 50005, Quantity: 0.5}, // insert
	}, 101, time.Now())
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if len(book.Bids) != 1 || book.Bids[0].Quantity != 5 {
		t.Fatalf("unexpected bids: %+v", book.Bids)
	}
	if len(book.Asks) != 3 || book.Asks[2].Price != 50005 {
		t.Fatalf("unexpected asks: %+v", book.Asks)
	}
}

func TestApplyDeltaBeforeSnapshot(t *testing.T) {
	b := newBookState("testvenue", testPair, 100)
	_, err := b.ApplyDelta([]models.BookChange{{Side: "bid", Price: 50000, Quantity: 1}}, 1, time.Now())
	if !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
}

func TestApplyDeltaStaleSequence(t *testing.T) {
	b := seeded(t, 100)
	_, err := b.ApplyDelta([]models.BookChange{{Side: "bid", Price: 50000, Quantity: 2}}, 99, time.Now())
	if !errors.Is(err, ErrStaleDelta) {
		t.Fatalf("expected ErrStaleDelta, got %v", err)
	}
}

func TestApplyDeltaCrossedBookInvalidates(t *testing.T) {
	b := seeded(t, 100)
	_, err := b.ApplyDelta([]models.BookChange{{Side: "bid", Price: 50002, Quantity: 1}}, 101, time.Now())
	if !errors.Is(err, ErrCrossedBook) {
		t.Fatalf("expected ErrCrossedBook, got %v", err)
	}
	if b.Seeded() {
		t.Fatal("crossed book must invalidate the state")
	}
	// Subsequent deltas are dropped until a new snapshot arrives.
	_, err = b.ApplyDelta([]models.BookChange{{Side: "bid", Price: 50000, Quantity: 1}}, 102, time.Now())
	if !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot after invalidation, got %v", err)
	}
}

func TestInvalidate(t *testing.T) {
	b := seeded(t, 100)
	b.Invalidate()
	if b.Seeded() {
		t.Fatal("Invalidate must clear the seeded flag")
	}
}

// TestApplyDeltaRandomized applies random update batches and checks that
// every emitted book is sorted, uncrossed and within depth.
func TestApplyDeltaRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := newBookState("testvenue", testPair, 50)

	if _, err := b.ApplySnapshot(
		[]models.OrderBookEntry{{Price: 1000, Quantity: 1}},
		[]models.OrderBookEntry{{Price: 2000, Quantity: 1}},
		1, time.Now(),
	); err != nil {
		t.Fatalf("seed: %v", err)
	}

	seq := int64(1)
	for i := 0; i < 500; i++ {
		var changes []models.BookChange
		for n := 0; n < 1+rng.Intn(5); n++ {
			if rng.Intn(2) == 0 {
				changes = append(changes, models.BookChange{
					Side: "bid", Price: 500 + rng.Float64()*999, Quantity: float64(rng.Intn(3)),
				})
			} else {
				changes = append(changes, models.BookChange{
					Side: "ask", Price: 1501 + rng.Float64()*999, Quantity: float64(rng.Intn(3)),
				})
			}
		}
		seq++
		book, err := b.ApplyDelta(changes, seq, time.Now())
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if !book.Sorted() {
			t.Fatalf("iteration %d produced unsorted book", i)
		}
		if book.Crossed() {
			t.Fatalf("iteration %d produced crossed book", i)
		}
		if len(book.Bids) > 50 || len(book.Asks) > 50 {
			t.Fatalf("iteration %d exceeded depth: %d/%d", i, len(book.Bids), len(book.Asks))
		}
		for _, e := range append(append([]models.OrderBookEntry{}, book.Bids...), book.Asks...) {
			if e.Quantity <= 0 {
				t.Fatalf("iteration %d kept zero-quantity level %+v", i, e)
			}
		}
	}
}

func TestSynthesizeTicker(t *testing.T) {
	book, err := synthesizeTicker("testvenue", models.ParsedMessage{
		Kind:       models.KindTicker,
		Pair:       testPair,
		Timestamp:  time.Now(),
		BestBid:    50000,
		BestAsk:    50010,
		BestBidQty: 2,
		BestAskQty: 1,
	})
	if err != nil {
		t.Fatalf("synthesizeTicker: %v", err)
	}
	if !book.Synthesized {
		t.Fatal("ticker book must be flagged synthesized")
	}
	if len(book.Bids) != 1 || len(book.Asks) != 1 {
		t.Fatalf("expected single-level book, got %d/%d", len(book.Bids), len(book.Asks))
	}
	if book.Bids[0].Quantity != 2 || book.Asks[0].Quantity != 1 {
		t.Fatalf("quantities lost: %+v %+v", book.Bids[0], book.Asks[0])
	}

	if _, err := synthesizeTicker("testvenue", models.ParsedMessage{BestBid: 50010, BestAsk: 50000}); err == nil {
		t.Fatal("crossed ticker must be rejected")
	}
	if _, err := synthesizeTicker("testvenue", models.ParsedMessage{BestBid: 0, BestAsk: 50000}); err == nil {
		t.Fatal("zero bid must be rejected")
	}
}
