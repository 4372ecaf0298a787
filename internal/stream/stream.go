package stream

import (
	"sync"

	"arbiflow/logger"
	"arbiflow/models"
)

// Stats counts traffic through one book stream.
type Stats struct {
	Sent    int64
	Dropped int64
}

// BookStream is a bounded, one-way stream of order book snapshots for a
// single (venue, pair). When the buffer is full the oldest snapshot is
// dropped so consumers always converge on the latest state.
type BookStream struct {
	ch     chan *models.OrderBook
	mu     sync.Mutex
	stats  Stats
	closed bool
	log    *logger.Log
	name   string
}

// NewBookStream creates a stream with the given buffer size.
func NewBookStream(name string, buffer int) *BookStream {
	if buffer <= 0 {
		buffer = 1
	}
	return &BookStream{
		ch:   make(chan *models.OrderBook, buffer),
		log:  logger.GetLogger(),
		name: name,
	}
}

// Publish enqueues a book, evicting the oldest buffered one on overflow.
// Returns false once the stream has been closed.
func (s *BookStream) Publish(book *models.OrderBook) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- book:
			s.stats.Sent++
			logger.RecordChannelMessage(s.name, 0)
			return true
		default:
			// Buffer full: evict the oldest entry and retry.
			select {
			case <-s.ch:
				s.stats.Dropped++
			default:
			}
		}
	}
}

// Updates exposes the receive side. The channel is closed when the stream is
// closed; it is never reopened.
func (s *BookStream) Updates() <-chan *models.OrderBook {
	return s.ch
}

// Close terminates the stream. Publish calls after Close are no-ops.
func (s *BookStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// GetStats returns a snapshot of the stream counters.
func (s *BookStream) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
