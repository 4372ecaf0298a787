// Package coinbase implements the Coinbase Exchange wire dialect: hyphenated
// product ids, base64-encoded API secrets, HMAC-SHA256 request signatures
// over timestamp+method+path+body, and a level2 channel that delivers the
// initial snapshot on the stream.
package coinbase

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	appconfig "arbiflow/config"
	"arbiflow/logger"
	"arbiflow/models"
	"arbiflow/venue"
)

const Name = "coinbase"

// Adapter implements venue.Adapter for Coinbase Exchange.
type Adapter struct {
	restURL string
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Log
}

// New creates a Coinbase adapter from the venue configuration.
func New(cfg appconfig.VenueConfig) *Adapter {
	return &Adapter{
		restURL: strings.TrimSuffix(cfg.RestURL, "/"),
		client:  &http.Client{Timeout: cfg.RestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.BurstSize),
		log:     logger.GetLogger(),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) SupportsStreaming() bool { return true }

// FormatSymbol renders "BTC-USD" style product ids.
func (a *Adapter) FormatSymbol(pair models.TradingPair) string {
	return pair.Base + "-" + pair.Quote
}

func (a *Adapter) ParseSymbol(symbol string) (models.TradingPair, error) {
	return models.ParseTradingPair(symbol)
}

// ValidateCredentials checks field presence and that the secret is valid
// base64 before any signing is attempted.
func (a *Adapter) ValidateCredentials(creds venue.Credentials) error {
	if creds.APIKey == "" {
		return fmt.Errorf("coinbase api_key is empty")
	}
	if creds.APIPassphrase == "" {
		return fmt.Errorf("coinbase api_passphrase is empty")
	}
	if _, err := base64.StdEncoding.DecodeString(creds.APISecret); err != nil {
		return fmt.Errorf("coinbase api_secret is not valid base64: %w", err)
	}
	return nil
}

// sign computes the CB-ACCESS-SIGN value: base64(HMAC-SHA256(secret,
// timestamp+method+path+body)) with the secret base64-decoded first.
func sign(secret, timestamp, method, path string, body []byte) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp + method + path))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

type subscribeFrame struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
	Signature  string   `json:"signature,omitempty"`
	Key        string   `json:"key,omitempty"`
	Passphrase string   `json:"passphrase,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
}

// SubscribePayload builds the level2+heartbeat subscription. Coinbase signs
// the subscribe frame itself (the level2 channel requires authentication);
// without credentials the frame is sent unsigned and the venue's error frame
// is surfaced as ErrAuthRequired by Parse.
func (a *Adapter) SubscribePayload(pairs []models.TradingPair, creds venue.Credentials) ([]byte, error) {
	frame := subscribeFrame{
		Type:       "subscribe",
		ProductIDs: formatAll(a, pairs),
		Channels:   []string{"level2", "heartbeat"},
	}
	if creds.Present() {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		sig, err := sign(creds.APISecret, ts, http.MethodGet, "/users/self/verify", nil)
		if err != nil {
			return nil, err
		}
		frame.Signature = sig
		frame.Key = creds.APIKey
		frame.Passphrase = creds.APIPassphrase
		frame.Timestamp = ts
	}
	return json.Marshal(frame)
}

func (a *Adapter) UnsubscribePayload(pairs []models.TradingPair) ([]byte, error) {
	return json.Marshal(subscribeFrame{
		Type:       "unsubscribe",
		ProductIDs: formatAll(a, pairs),
		Channels:   []string{"level2", "heartbeat"},
	})
}

func formatAll(a *Adapter, pairs []models.TradingPair) []string {
	ids := make([]string, len(pairs))
	for i, p := range pairs {
		ids[i] = a.FormatSymbol(p)
	}
	return ids
}

type inboundFrame struct {
	Type      string     `json:"type"`
	ProductID string     `json:"product_id"`
	Time      string     `json:"time"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Changes   [][]string `json:"changes"`
	Message   string     `json:"message"`
	Reason    string     `json:"reason"`
	Channels  []json.RawMessage `json:"channels"`
}

// Parse decodes snapshot, l2update, subscriptions, error and heartbeat
// frames. Unknown frame types are ignored rather than treated as errors so
// one new venue message cannot kill the stream.
func (a *Adapter) Parse(data []byte) (models.ParsedMessage, error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return models.ParsedMessage{}, fmt.Errorf("decode coinbase frame: %w", err)
	}

	switch frame.Type {
	case "snapshot":
		pair, err := a.ParseSymbol(frame.ProductID)
		if err != nil {
			return models.ParsedMessage{}, err
		}
		msg := models.ParsedMessage{Kind: models.KindSnapshot, Pair: pair, Timestamp: time.Now()}
		msg.Bids = parseLevels(frame.Bids)
		msg.Asks = parseLevels(frame.Asks)
		return msg, nil

	case "l2update":
		pair, err := a.ParseSymbol(frame.ProductID)
		if err != nil {
			return models.ParsedMessage{}, err
		}
		msg := models.ParsedMessage{Kind: models.KindDelta, Pair: pair, Timestamp: parseTime(frame.Time)}
		for _, ch := range frame.Changes {
			if len(ch) != 3 {
				return models.ParsedMessage{}, fmt.Errorf("malformed l2update change: %v", ch)
			}
			price, err1 := strconv.ParseFloat(ch[1], 64)
			qty, err2 := strconv.ParseFloat(ch[2], 64)
			if err1 != nil || err2 != nil {
				return models.ParsedMessage{}, fmt.Errorf("unparseable l2update level: %v", ch)
			}
			side := "bid"
			if ch[0] == "sell" {
				side = "ask"
			}
			msg.Changes = append(msg.Changes, models.BookChange{Side: side, Price: price, Quantity: qty})
		}
		return msg, nil

	case "subscriptions":
		return models.ParsedMessage{Kind: models.KindSubscribeAck, Channel: "level2"}, nil

	case "error":
		msg := models.ParsedMessage{
			Kind:   models.KindSubscribeError,
			Reason: strings.TrimSpace(frame.Message + " " + frame.Reason),
		}
		lowered := strings.ToLower(frame.Message + " " + frame.Reason)
		msg.NeedsAuth = strings.Contains(lowered, "auth")
		return msg, nil

	case "heartbeat", "ticker":
		return models.ParsedMessage{Kind: models.KindIgnore}, nil

	default:
		return models.ParsedMessage{Kind: models.KindIgnore}, nil
	}
}

func parseLevels(raw [][]string) []models.OrderBookEntry {
	entries := make([]models.OrderBookEntry, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(lvl[0], 64)
		qty, err2 := strconv.ParseFloat(lvl[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		entries = append(entries, models.OrderBookEntry{Price: price, Quantity: qty})
	}
	return entries
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Now()
}

// FetchSnapshot is not used for Coinbase: the level2 channel sends a full
// snapshot as its first message.
func (a *Adapter) FetchSnapshot(ctx context.Context, pair models.TradingPair) (*models.OrderBook, error) {
	return nil, venue.ErrNoRESTSnapshot
}

type accountResponse struct {
	Currency  string `json:"currency"`
	Balance   string `json:"balance"`
	Available string `json:"available"`
	Hold      string `json:"hold"`
}

func (a *Adapter) FetchBalances(ctx context.Context, creds venue.Credentials) ([]models.Balance, error) {
	var accounts []accountResponse
	if err := a.signedRequest(ctx, creds, http.MethodGet, "/accounts", nil, &accounts); err != nil {
		return nil, err
	}

	balances := make([]models.Balance, 0, len(accounts))
	now := time.Now()
	for _, acct := range accounts {
		total, _ := strconv.ParseFloat(acct.Balance, 64)
		avail, _ := strconv.ParseFloat(acct.Available, 64)
		held, _ := strconv.ParseFloat(acct.Hold, 64)
		balances = append(balances, models.Balance{
			Venue:     Name,
			Currency:  strings.ToUpper(acct.Currency),
			Total:     total,
			Available: avail,
			Held:      held,
			FetchedAt: now,
		})
	}
	return balances, nil
}

type feeResponse struct {
	MakerFeeRate string `json:"maker_fee_rate"`
	TakerFeeRate string `json:"taker_fee_rate"`
}

func (a *Adapter) FetchFees(ctx context.Context, creds venue.Credentials) (models.FeeSchedule, error) {
	var fees feeResponse
	if err := a.signedRequest(ctx, creds, http.MethodGet, "/fees", nil, &fees); err != nil {
		return models.FeeSchedule{}, err
	}
	maker, err1 := strconv.ParseFloat(fees.MakerFeeRate, 64)
	taker, err2 := strconv.ParseFloat(fees.TakerFeeRate, 64)
	if err1 != nil || err2 != nil {
		return models.FeeSchedule{}, fmt.Errorf("unparseable fee rates: %+v", fees)
	}
	return models.FeeSchedule{Venue: Name, MakerRate: maker, TakerRate: taker}, nil
}

type orderRequest struct {
	Type      string `json:"type"`
	Side      string `json:"side"`
	ProductID string `json:"product_id"`
	Size      string `json:"size"`
	Price     string `json:"price,omitempty"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (a *Adapter) PlaceOrder(ctx context.Context, creds venue.Credentials, req venue.OrderRequest) (venue.OrderResponse, error) {
	payload := orderRequest{
		Type:      "market",
		Side:      string(req.Side),
		ProductID: a.FormatSymbol(req.Pair),
		Size:      strconv.FormatFloat(req.Quantity, 'f', -1, 64),
	}
	if req.Price > 0 {
		payload.Type = "limit"
		payload.Price = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return venue.OrderResponse{}, err
	}

	var resp orderResponse
	if err := a.signedRequest(ctx, creds, http.MethodPost, "/orders", body, &resp); err != nil {
		return venue.OrderResponse{}, err
	}
	return venue.OrderResponse{OrderID: resp.ID, Status: resp.Status}, nil
}

// signedRequest performs one authenticated REST call with CB-ACCESS headers.
func (a *Adapter) signedRequest(ctx context.Context, creds venue.Credentials, method, path string, body []byte, out interface{}) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := sign(creds.APISecret, ts, method, path, body)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.restURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("CB-ACCESS-KEY", creds.APIKey)
	req.Header.Set("CB-ACCESS-SIGN", sig)
	req.Header.Set("CB-ACCESS-TIMESTAMP", ts)
	req.Header.Set("CB-ACCESS-PASSPHRASE", creds.APIPassphrase)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s %s returned %d", venue.ErrAuthRequired, method, path, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("coinbase %s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
