// Package kraken implements a degraded, ticker-only dialect for Kraken's
// public websocket. Kraken still reports Bitcoin under its legacy XBT code
// and joins pairs with a slash; ticker frames are positional JSON arrays.
// Books produced from this feed are synthesized single-level views.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	appconfig "arbiflow/config"
	"arbiflow/models"
	"arbiflow/venue"
)

const Name = "kraken"

// Adapter implements venue.Adapter for Kraken's public ticker stream. It is
// market-data only: trading and account operations are unsupported.
type Adapter struct{}

func New(_ appconfig.VenueConfig) *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return Name }

func (a *Adapter) SupportsStreaming() bool { return true }

// FormatSymbol renders "XBT/USD" style pairs, remapping BTC to the legacy
// XBT code on the way out.
func (a *Adapter) FormatSymbol(pair models.TradingPair) string {
	base := pair.Base
	if base == "BTC" {
		base = "XBT"
	}
	quote := pair.Quote
	if quote == "BTC" {
		quote = "XBT"
	}
	return base + "/" + quote
}

// ParseSymbol reverses the XBT remap so the rest of the system only ever
// sees BTC.
func (a *Adapter) ParseSymbol(symbol string) (models.TradingPair, error) {
	pair, err := models.ParseTradingPair(symbol)
	if err != nil {
		return models.TradingPair{}, err
	}
	if pair.Base == "XBT" {
		pair.Base = "BTC"
	}
	if pair.Quote == "XBT" {
		pair.Quote = "BTC"
	}
	return pair, nil
}

// ValidateCredentials always succeeds: the public ticker stream needs none.
func (a *Adapter) ValidateCredentials(_ venue.Credentials) error { return nil }

type subscribeFrame struct {
	Event        string       `json:"event"`
	Pair         []string     `json:"pair"`
	Subscription subscription `json:"subscription"`
}

type subscription struct {
	Name string `json:"name"`
}

func (a *Adapter) SubscribePayload(pairs []models.TradingPair, _ venue.Credentials) ([]byte, error) {
	return json.Marshal(subscribeFrame{
		Event:        "subscribe",
		Pair:         a.formatAll(pairs),
		Subscription: subscription{Name: "ticker"},
	})
}

func (a *Adapter) UnsubscribePayload(pairs []models.TradingPair) ([]byte, error) {
	return json.Marshal(subscribeFrame{
		Event:        "unsubscribe",
		Pair:         a.formatAll(pairs),
		Subscription: subscription{Name: "ticker"},
	})
}

func (a *Adapter) formatAll(pairs []models.TradingPair) []string {
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = a.FormatSymbol(p)
	}
	return out
}

type eventFrame struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
	ChannelName  string `json:"channelName"`
}

type tickerPayload struct {
	Ask []json.Number `json:"a"`
	Bid []json.Number `json:"b"`
}

// Parse decodes Kraken's two frame shapes: event objects (subscription
// status, heartbeat, system status) and positional data arrays
// [channelID, payload, channelName, pair].
func (a *Adapter) Parse(data []byte) (models.ParsedMessage, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		return a.parseEvent(data)
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return models.ParsedMessage{}, fmt.Errorf("decode kraken frame: %w", err)
	}
	if len(frame) < 4 {
		return models.ParsedMessage{}, fmt.Errorf("short kraken data frame: %d elements", len(frame))
	}

	var channel, symbol string
	if err := json.Unmarshal(frame[len(frame)-2], &channel); err != nil {
		return models.ParsedMessage{}, fmt.Errorf("kraken channel name: %w", err)
	}
	if err := json.Unmarshal(frame[len(frame)-1], &symbol); err != nil {
		return models.ParsedMessage{}, fmt.Errorf("kraken pair: %w", err)
	}
	if channel != "ticker" {
		return models.ParsedMessage{Kind: models.KindIgnore}, nil
	}

	pair, err := a.ParseSymbol(symbol)
	if err != nil {
		return models.ParsedMessage{}, err
	}

	var payload tickerPayload
	if err := json.Unmarshal(frame[1], &payload); err != nil {
		return models.ParsedMessage{}, fmt.Errorf("kraken ticker payload: %w", err)
	}
	if len(payload.Ask) < 3 || len(payload.Bid) < 3 {
		return models.ParsedMessage{}, fmt.Errorf("truncated kraken ticker for %s", symbol)
	}

	ask, err1 := payload.Ask[0].Float64()
	askQty, err2 := strconv.ParseFloat(payload.Ask[2].String(), 64)
	bid, err3 := payload.Bid[0].Float64()
	bidQty, err4 := strconv.ParseFloat(payload.Bid[2].String(), 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return models.ParsedMessage{}, fmt.Errorf("unparseable kraken ticker for %s", symbol)
	}

	return models.ParsedMessage{
		Kind:       models.KindTicker,
		Pair:       pair,
		Timestamp:  time.Now(),
		BestBid:    bid,
		BestAsk:    ask,
		BestBidQty: bidQty,
		BestAskQty: askQty,
	}, nil
}

func (a *Adapter) parseEvent(data []byte) (models.ParsedMessage, error) {
	var ev eventFrame
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.ParsedMessage{}, fmt.Errorf("decode kraken event: %w", err)
	}
	switch ev.Event {
	case "subscriptionStatus":
		if ev.Status == "error" {
			return models.ParsedMessage{Kind: models.KindSubscribeError, Reason: ev.ErrorMessage}, nil
		}
		return models.ParsedMessage{Kind: models.KindSubscribeAck, Channel: ev.ChannelName}, nil
	default:
		// heartbeat, systemStatus, pong
		return models.ParsedMessage{Kind: models.KindIgnore}, nil
	}
}

// FetchSnapshot is unsupported: the synthesized book comes from ticker
// frames on the stream.
func (a *Adapter) FetchSnapshot(context.Context, models.TradingPair) (*models.OrderBook, error) {
	return nil, venue.ErrNoRESTSnapshot
}

func (a *Adapter) FetchBalances(context.Context, venue.Credentials) ([]models.Balance, error) {
	return nil, fmt.Errorf("%w: kraken balances", venue.ErrUnsupported)
}

func (a *Adapter) FetchFees(context.Context, venue.Credentials) (models.FeeSchedule, error) {
	return models.FeeSchedule{}, fmt.Errorf("%w: kraken fees", venue.ErrUnsupported)
}

func (a *Adapter) PlaceOrder(context.Context, venue.Credentials, venue.OrderRequest) (venue.OrderResponse, error) {
	return venue.OrderResponse{}, fmt.Errorf("%w: kraken orders", venue.ErrUnsupported)
}
