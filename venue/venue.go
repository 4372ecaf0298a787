// Package venue defines the strategy surface an exchange dialect implements:
// symbol formatting, subscribe payloads, request signing and frame parsing.
// Adapters are plain values composed into the generic exchange client; adding
// a venue never touches shared client logic.
package venue

import (
	"context"
	"errors"
	"net/http"

	"arbiflow/models"
)

var (
	// ErrAuthRequired marks a venue rejection attributable to missing
	// authentication on a channel that needs it. Fatal for that pair's
	// real-time feed; never silently downgraded.
	ErrAuthRequired = errors.New("channel requires authentication")
	// ErrNoRESTSnapshot is returned by FetchSnapshot when the venue
	// delivers the initial snapshot on the stream itself.
	ErrNoRESTSnapshot = errors.New("venue delivers snapshots on the stream")
	// ErrUnsupported is returned for operations the venue dialect cannot
	// perform (e.g. order placement on a ticker-only feed).
	ErrUnsupported = errors.New("operation not supported by venue")
)

// Credentials carries one venue's API credentials, read-only after load.
type Credentials struct {
	APIKey        string
	APISecret     string
	APIPassphrase string
}

// Present reports whether enough credential material exists to attempt
// authentication. Absence is not an error; clients run in public-data-only
// mode without it.
func (c Credentials) Present() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// OrderSide is "buy" or "sell" in venue-neutral casing.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderRequest describes a market or limit order.
type OrderRequest struct {
	Pair     models.TradingPair
	Side     OrderSide
	Quantity float64
	// Price is zero for market orders.
	Price float64
}

// OrderResponse is the venue's acknowledgement of a placed order.
type OrderResponse struct {
	OrderID string
	Status  string
}

// Adapter is one venue's wire dialect. Implementations are stateless except
// for REST plumbing (http client, rate limiter) and are safe for concurrent
// use.
type Adapter interface {
	// Name returns the venue id used in config, logs and order books.
	Name() string

	// SupportsStreaming reports whether the venue has a depth stream;
	// ticker-only venues still stream but publish synthesized books.
	SupportsStreaming() bool

	// FormatSymbol renders a pair in the venue's native symbol form.
	FormatSymbol(pair models.TradingPair) string

	// ParseSymbol reverses FormatSymbol, applying any legacy ticker remaps.
	ParseSymbol(symbol string) (models.TradingPair, error)

	// ValidateCredentials checks credential format only (encodings, field
	// presence) and fails with an error naming the offending field before
	// any cryptographic signing is attempted.
	ValidateCredentials(creds Credentials) error

	// SubscribePayload builds the venue's subscribe frame for the pairs.
	// Credentials are included when the venue signs subscriptions; a zero
	// Credentials value requests public channels only.
	SubscribePayload(pairs []models.TradingPair, creds Credentials) ([]byte, error)

	// UnsubscribePayload builds the venue's unsubscribe frame.
	UnsubscribePayload(pairs []models.TradingPair) ([]byte, error)

	// Parse decodes one inbound frame into an adapter-neutral message.
	Parse(data []byte) (models.ParsedMessage, error)

	// FetchSnapshot retrieves an initial book over REST for venues whose
	// stream carries deltas only. Returns ErrNoRESTSnapshot otherwise.
	FetchSnapshot(ctx context.Context, pair models.TradingPair) (*models.OrderBook, error)

	// FetchBalances queries the authenticated balance endpoint.
	FetchBalances(ctx context.Context, creds Credentials) ([]models.Balance, error)

	// FetchFees queries the venue fee schedule; callers fall back to
	// configured defaults on error.
	FetchFees(ctx context.Context, creds Credentials) (models.FeeSchedule, error)

	// PlaceOrder submits a signed order request.
	PlaceOrder(ctx context.Context, creds Credentials, req OrderRequest) (OrderResponse, error)
}

// DialConfigurer is implemented by adapters that need to customize the
// websocket handshake (extra headers, compression).
type DialConfigurer interface {
	ConfigureDial(header http.Header)
}
