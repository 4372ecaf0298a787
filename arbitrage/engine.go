// Package arbitrage scans synchronized order books across venues for
// spreads that survive taker fees.
package arbitrage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "arbiflow/config"
	"arbiflow/logger"
	"arbiflow/models"
)

// BookSource is one venue's view as the engine consumes it. Satisfied by
// *exchange.Client.
type BookSource interface {
	Name() string
	LatestBook(pair models.TradingPair) (*models.OrderBook, bool)
	Fees() models.FeeSchedule
}

const sinkBuffer = 64

// Engine periodically compares the best levels of every venue pairing and
// emits opportunities whose net profit after fees is positive and whose
// spread clears the configured threshold.
type Engine struct {
	cfg     appconfig.ArbitrageConfig
	sources []BookSource
	pairs   []models.TradingPair
	log     *logger.Entry

	mu      sync.RWMutex
	running bool
	active  []models.ArbitrageOpportunity
	sink    chan models.ArbitrageOpportunity

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds a detection engine over the given venue sources. Pairs
// come from configuration; malformed entries are skipped with a warning. The
// opportunity sink is sized by channels.opportunity_buffer.
func NewEngine(cfg appconfig.ArbitrageConfig, channels appconfig.ChannelsConfig, sources []BookSource) *Engine {
	log := logger.GetLogger().WithComponent("arbitrage-engine")

	pairs := make([]models.TradingPair, 0, len(cfg.Pairs))
	for _, raw := range cfg.Pairs {
		pair, err := models.ParseTradingPair(raw)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"pair": raw}).Warn("skipping malformed pair")
			continue
		}
		pairs = append(pairs, pair)
	}

	buffer := channels.OpportunityBuffer
	if buffer <= 0 {
		buffer = sinkBuffer
	}

	return &Engine{
		cfg:     cfg,
		sources: sources,
		pairs:   pairs,
		log:     log,
		sink:    make(chan models.ArbitrageOpportunity, buffer),
	}
}

// Start launches the scan loop. Idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop(ctx)
	e.log.WithFields(logger.Fields{
		"venues":   len(e.sources),
		"pairs":    len(e.pairs),
		"interval": e.cfg.ScanInterval.String(),
	}).Info("engine started")
}

// Stop halts scanning and closes the opportunity channel.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	close(e.sink)
	e.log.Info("engine stopped")
}

// Opportunities is the stream of detections, in detection order. Closed by
// Stop.
func (e *Engine) Opportunities() <-chan models.ArbitrageOpportunity {
	return e.sink
}

// GetActiveOpportunities returns the findings of the most recent scan.
func (e *Engine) GetActiveOpportunities() []models.ArbitrageOpportunity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.ArbitrageOpportunity, len(e.active))
	copy(out, e.active)
	return out
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runScan()
		}
	}
}

func (e *Engine) runScan() {
	start := time.Now()
	found := e.Scan()

	logger.LogPerformanceEntry(e.log, "arbitrage-engine", "scan", time.Since(start), logger.Fields{
		"pairs":         len(e.pairs),
		"sources":       len(e.sources),
		"opportunities": len(found),
	})

	e.mu.Lock()
	e.active = found
	e.mu.Unlock()

	for _, opp := range found {
		logger.IncrementOpportunity()
		e.log.WithFields(logger.Fields{
			"id":         opp.ID,
			"pair":       opp.Pair.String(),
			"buy_venue":  opp.BuyVenue,
			"sell_venue": opp.SellVenue,
			"spread_pct": opp.SpreadPct,
			"net_profit": opp.NetProfit,
			"degraded":   opp.Degraded,
		}).Info("opportunity detected")
		select {
		case e.sink <- opp:
		default:
			e.log.WithFields(logger.Fields{"id": opp.ID}).Warn("opportunity sink full, dropped")
		}
	}
}

// Scan walks every ordered venue pairing for every configured pair once.
func (e *Engine) Scan() []models.ArbitrageOpportunity {
	var found []models.ArbitrageOpportunity
	for _, pair := range e.pairs {
		for _, buy := range e.sources {
			for _, sell := range e.sources {
				if buy.Name() == sell.Name() {
					continue
				}
				if opp, ok := e.evaluate(pair, buy, sell); ok {
					found = append(found, opp)
				}
			}
		}
	}
	return found
}

// evaluate prices one direction: buy at buySrc's best ask, sell at
// sellSrc's best bid.
func (e *Engine) evaluate(pair models.TradingPair, buySrc, sellSrc BookSource) (models.ArbitrageOpportunity, bool) {
	buyBook, ok := buySrc.LatestBook(pair)
	if !ok {
		return models.ArbitrageOpportunity{}, false
	}
	sellBook, ok := sellSrc.LatestBook(pair)
	if !ok {
		return models.ArbitrageOpportunity{}, false
	}

	ask, ok := buyBook.BestAsk()
	if !ok {
		return models.ArbitrageOpportunity{}, false
	}
	bid, ok := sellBook.BestBid()
	if !ok {
		return models.ArbitrageOpportunity{}, false
	}

	spread := bid.Price - ask.Price
	if spread <= 0 {
		return models.ArbitrageOpportunity{}, false
	}
	spreadPct := spread / ask.Price * 100
	if spreadPct < e.cfg.RiskProfile.MinProfitThresholdPercent {
		return models.ArbitrageOpportunity{}, false
	}

	askVol := ask.Quantity
	bidVol := bid.Quantity
	degraded := buyBook.Synthesized || sellBook.Synthesized
	if buyBook.Synthesized {
		askVol *= e.cfg.RiskProfile.TickerBookConfidence
	}
	if sellBook.Synthesized {
		bidVol *= e.cfg.RiskProfile.TickerBookConfidence
	}

	volume := askVol
	if bidVol < volume {
		volume = bidVol
	}
	if e.cfg.RiskProfile.MaxTradeAmount > 0 && e.cfg.RiskProfile.MaxTradeAmount < volume {
		volume = e.cfg.RiskProfile.MaxTradeAmount
	}
	if volume <= 0 {
		return models.ArbitrageOpportunity{}, false
	}

	gross := spread * volume
	fees := (ask.Price*buySrc.Fees().TakerRate + bid.Price*sellSrc.Fees().TakerRate) * volume
	net := gross - fees
	if net <= 0 {
		return models.ArbitrageOpportunity{}, false
	}

	return models.ArbitrageOpportunity{
		ID:            uuid.NewString(),
		BuyVenue:      buySrc.Name(),
		SellVenue:     sellSrc.Name(),
		Pair:          pair,
		BuyPrice:      ask.Price,
		SellPrice:     bid.Price,
		TradeVolume:   volume,
		GrossSpread:   spread,
		SpreadPct:     spreadPct,
		EstimatedFees: fees,
		NetProfit:     net,
		Degraded:      degraded,
		DetectedAt:    time.Now(),
	}, true
}
