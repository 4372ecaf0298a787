// Package binance implements the Binance spot wire dialect: concatenated
// symbols, hex HMAC-SHA256 signatures over the query string, a REST depth
// snapshot paired with diff-depth stream deltas, and JSON-RPC style
// SUBSCRIBE frames on the combined stream endpoint.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	appconfig "arbiflow/config"
	"arbiflow/logger"
	"arbiflow/models"
	"arbiflow/venue"
)

const Name = "binance"

// knownQuotes drives symbol splitting: Binance concatenates base and quote
// with no separator, so "BTCUSDT" needs a suffix match against the quote
// currencies this system trades.
var knownQuotes = []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH", "EUR", "GBP"}

// Adapter implements venue.Adapter for Binance spot.
type Adapter struct {
	restURL   string
	bookDepth int
	limiter   *rate.Limiter
	log       *logger.Log
	subID     atomic.Int64
}

// New creates a Binance adapter from the venue configuration.
func New(cfg appconfig.VenueConfig) *Adapter {
	return &Adapter{
		restURL:   strings.TrimSuffix(cfg.RestURL, "/"),
		bookDepth: cfg.BookDepth,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.BurstSize),
		log:       logger.GetLogger(),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) SupportsStreaming() bool { return true }

// FormatSymbol renders "BTCUSDT" style concatenated symbols.
func (a *Adapter) FormatSymbol(pair models.TradingPair) string {
	return pair.Base + pair.Quote
}

// ParseSymbol splits a concatenated symbol on a known quote currency suffix.
func (a *Adapter) ParseSymbol(symbol string) (models.TradingPair, error) {
	s := strings.ToUpper(symbol)
	for _, quote := range knownQuotes {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return models.NewTradingPair(s[:len(s)-len(quote)], quote), nil
		}
	}
	return models.TradingPair{}, fmt.Errorf("unrecognized quote currency in symbol %q", symbol)
}

// ValidateCredentials checks field presence. Binance secrets are plain
// strings with no passphrase.
func (a *Adapter) ValidateCredentials(creds venue.Credentials) error {
	if creds.APIKey == "" {
		return fmt.Errorf("binance api_key is empty")
	}
	if creds.APISecret == "" {
		return fmt.Errorf("binance api_secret is empty")
	}
	return nil
}

// sign computes the hex HMAC-SHA256 signature Binance expects over the raw
// query string.
func sign(secret, query string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

type methodFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// SubscribePayload builds a SUBSCRIBE frame for the diff-depth streams of
// all pairs. Binance market data needs no authentication.
func (a *Adapter) SubscribePayload(pairs []models.TradingPair, _ venue.Credentials) ([]byte, error) {
	return json.Marshal(methodFrame{
		Method: "SUBSCRIBE",
		Params: a.streamNames(pairs),
		ID:     a.subID.Add(1),
	})
}

func (a *Adapter) UnsubscribePayload(pairs []models.TradingPair) ([]byte, error) {
	return json.Marshal(methodFrame{
		Method: "UNSUBSCRIBE",
		Params: a.streamNames(pairs),
		ID:     a.subID.Add(1),
	})
}

func (a *Adapter) streamNames(pairs []models.TradingPair) []string {
	names := make([]string, len(pairs))
	for i, p := range pairs {
		names[i] = strings.ToLower(a.FormatSymbol(p)) + "@depth@100ms"
	}
	return names
}

type depthEvent struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	FirstID   int64           `json:"U"`
	FinalID   int64           `json:"u"`
	Bids      [][]string      `json:"b"`
	Asks      [][]string      `json:"a"`
	Result    json.RawMessage `json:"result"`
	ID        int64           `json:"id"`
	Code      int             `json:"code"`
	Msg       string          `json:"msg"`
}

// Parse decodes depthUpdate events, SUBSCRIBE acks (null result) and error
// frames. Deltas carry absolute quantities; zero means remove the level.
func (a *Adapter) Parse(data []byte) (models.ParsedMessage, error) {
	var event depthEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return models.ParsedMessage{}, fmt.Errorf("decode binance frame: %w", err)
	}

	if event.Msg != "" {
		return models.ParsedMessage{Kind: models.KindSubscribeError, Reason: event.Msg}, nil
	}
	if event.EventType == "" {
		// Method responses carry an id and a null result.
		if event.ID != 0 {
			return models.ParsedMessage{Kind: models.KindSubscribeAck, Channel: "depth"}, nil
		}
		return models.ParsedMessage{Kind: models.KindIgnore}, nil
	}
	if event.EventType != "depthUpdate" {
		return models.ParsedMessage{Kind: models.KindIgnore}, nil
	}

	pair, err := a.ParseSymbol(event.Symbol)
	if err != nil {
		return models.ParsedMessage{}, err
	}
	msg := models.ParsedMessage{
		Kind:      models.KindDelta,
		Pair:      pair,
		Timestamp: time.UnixMilli(event.EventTime),
		Sequence:  event.FinalID,
	}
	for _, lvl := range event.Bids {
		change, err := parseChange("bid", lvl)
		if err != nil {
			return models.ParsedMessage{}, err
		}
		msg.Changes = append(msg.Changes, change)
	}
	for _, lvl := range event.Asks {
		change, err := parseChange("ask", lvl)
		if err != nil {
			return models.ParsedMessage{}, err
		}
		msg.Changes = append(msg.Changes, change)
	}
	return msg, nil
}

func parseChange(side string, lvl []string) (models.BookChange, error) {
	if len(lvl) < 2 {
		return models.BookChange{}, fmt.Errorf("malformed depth level: %v", lvl)
	}
	price, err1 := strconv.ParseFloat(lvl[0], 64)
	qty, err2 := strconv.ParseFloat(lvl[1], 64)
	if err1 != nil || err2 != nil {
		return models.BookChange{}, fmt.Errorf("unparseable depth level: %v", lvl)
	}
	return models.BookChange{Side: side, Price: price, Quantity: qty}, nil
}

// FetchSnapshot pulls the REST depth snapshot that seeds the local book
// before stream deltas are applied.
func (a *Adapter) FetchSnapshot(ctx context.Context, pair models.TradingPair) (*models.OrderBook, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	client := gobinance.NewClient("", "")
	if a.restURL != "" {
		client.BaseURL = a.restURL
	}
	depth, err := client.NewDepthService().
		Symbol(a.FormatSymbol(pair)).
		Limit(a.bookDepth).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch depth snapshot for %s: %w", pair, err)
	}

	book := &models.OrderBook{
		Venue:     Name,
		Pair:      pair,
		Timestamp: time.Now(),
		Sequence:  depth.LastUpdateID,
	}
	for _, b := range depth.Bids {
		price, qty, err := parseSDKLevel(b.Price, b.Quantity)
		if err != nil {
			continue
		}
		book.Bids = append(book.Bids, models.OrderBookEntry{Price: price, Quantity: qty})
	}
	for _, ask := range depth.Asks {
		price, qty, err := parseSDKLevel(ask.Price, ask.Quantity)
		if err != nil {
			continue
		}
		book.Asks = append(book.Asks, models.OrderBookEntry{Price: price, Quantity: qty})
	}
	return book, nil
}

func parseSDKLevel(priceStr, qtyStr string) (float64, float64, error) {
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, 0, err
	}
	qty, err := strconv.ParseFloat(qtyStr, 64)
	if err != nil {
		return 0, 0, err
	}
	return price, qty, nil
}

func (a *Adapter) FetchBalances(ctx context.Context, creds venue.Credentials) ([]models.Balance, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	client := gobinance.NewClient(creds.APIKey, creds.APISecret)
	if a.restURL != "" {
		client.BaseURL = a.restURL
	}
	account, err := client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch account: %w", err)
	}

	balances := make([]models.Balance, 0, len(account.Balances))
	now := time.Now()
	for _, b := range account.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if free == 0 && locked == 0 {
			continue
		}
		balances = append(balances, models.Balance{
			Venue:     Name,
			Currency:  strings.ToUpper(b.Asset),
			Total:     free + locked,
			Available: free,
			Held:      locked,
			FetchedAt: now,
		})
	}
	return balances, nil
}

// FetchFees reads the account's commission rates. Binance reports them in
// basis-point style integers out of 10000.
func (a *Adapter) FetchFees(ctx context.Context, creds venue.Credentials) (models.FeeSchedule, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return models.FeeSchedule{}, err
	}

	client := gobinance.NewClient(creds.APIKey, creds.APISecret)
	if a.restURL != "" {
		client.BaseURL = a.restURL
	}
	account, err := client.NewGetAccountService().Do(ctx)
	if err != nil {
		return models.FeeSchedule{}, fmt.Errorf("fetch account fees: %w", err)
	}
	return models.FeeSchedule{
		Venue:     Name,
		MakerRate: float64(account.MakerCommission) / 10000,
		TakerRate: float64(account.TakerCommission) / 10000,
	}, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, creds venue.Credentials, req venue.OrderRequest) (venue.OrderResponse, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return venue.OrderResponse{}, err
	}

	client := gobinance.NewClient(creds.APIKey, creds.APISecret)
	if a.restURL != "" {
		client.BaseURL = a.restURL
	}

	side := gobinance.SideTypeBuy
	if req.Side == venue.SideSell {
		side = gobinance.SideTypeSell
	}
	svc := client.NewCreateOrderService().
		Symbol(a.FormatSymbol(req.Pair)).
		Side(side).
		Quantity(strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.Price > 0 {
		svc = svc.Type(gobinance.OrderTypeLimit).
			TimeInForce(gobinance.TimeInForceTypeGTC).
			Price(strconv.FormatFloat(req.Price, 'f', -1, 64))
	} else {
		svc = svc.Type(gobinance.OrderTypeMarket)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return venue.OrderResponse{}, fmt.Errorf("place order: %w", err)
	}
	return venue.OrderResponse{
		OrderID: strconv.FormatInt(order.OrderID, 10),
		Status:  string(order.Status),
	}, nil
}
