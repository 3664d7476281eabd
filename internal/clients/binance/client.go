// Package binance implements domain.BrokerClient against the Binance spot
// API: signed REST calls for order management and a websocket user-data
// stream for execution reports.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/helmsman-trade/helmsman/internal/domain"
)

const (
	venue          = "BINANCE"
	requestTimeout = 15 * time.Second
	recvWindow     = "5000"
)

// Config holds Binance connectivity settings.
type Config struct {
	APIKey     string
	APISecret  string
	BaseURL    string // e.g. https://api.binance.com
	StreamURL  string // e.g. wss://stream.binance.com:9443/ws
	QuoteAsset string // Asset account balances are positions against, e.g. USDT
}

// Client is the REST side of the adapter. It is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a new Binance REST client
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log.With().Str("client", "binance").Logger(),
	}
}

func (c *Client) Name() string { return "binance" }

// apiError is Binance's error envelope.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Venue error codes that are worth retrying. Everything else from the venue
// is treated as a permanent rejection of the request.
var transientCodes = map[int]bool{
	-1000: true, // UNKNOWN
	-1001: true, // DISCONNECTED
	-1003: true, // TOO_MANY_REQUESTS
	-1007: true, // TIMEOUT
	-1016: true, // SERVICE_SHUTTING_DOWN
}

func brokerError(status int, body []byte) error {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err != nil || ae.Code == 0 {
		return &domain.BrokerError{
			Code:      -status,
			Message:   fmt.Sprintf("http %d: %s", status, strings.TrimSpace(string(body))),
			Transient: status == http.StatusTooManyRequests || status >= http.StatusInternalServerError,
		}
	}
	return &domain.BrokerError{
		Code:      ae.Code,
		Message:   ae.Msg,
		Transient: transientCodes[ae.Code] || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError,
	}
}

// sign appends timestamp, recvWindow and the HMAC-SHA256 signature Binance
// requires on account endpoints.
func (c *Client) sign(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)

	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(params.Encode()))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	return params
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params = c.sign(params)
	}

	endpoint := c.cfg.BaseURL + path
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		endpoint += "?" + params.Encode()
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connectivity failures are always retryable.
		return &domain.BrokerError{Code: -1, Message: err.Error(), Transient: true}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.BrokerError{Code: -1, Message: err.Error(), Transient: true}
	}
	if resp.StatusCode != http.StatusOK {
		return brokerError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Price         string `json:"price"`
	TransactTime  int64  `json:"transactTime"`
	Time          int64  `json:"time"`
}

// PlaceOrder submits a new order. The fill arrives later on the user-data
// stream, not in this acknowledgment.
func (c *Client) PlaceOrder(ctx context.Context, req domain.BrokerOrderRequest) (domain.BrokerOrderAck, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol.Ticker)
	params.Set("side", string(req.Side))
	params.Set("quantity", req.Quantity.String())
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	switch req.Type {
	case domain.TypeLimit:
		if req.LimitPrice == nil {
			return domain.BrokerOrderAck{}, fmt.Errorf("limit order without limit price")
		}
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", req.LimitPrice.Amount.String())
	default:
		params.Set("type", "MARKET")
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/api/v3/order", params, true, &resp); err != nil {
		return domain.BrokerOrderAck{}, fmt.Errorf("failed to place order: %w", err)
	}
	return domain.BrokerOrderAck{
		BrokerOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:        resp.Status,
		PlacedAt:      time.UnixMilli(resp.TransactTime).UTC(),
	}, nil
}

// CancelOrder requests cancellation. The confirmation arrives on the
// user-data stream.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string, symbol domain.Symbol) error {
	params := url.Values{}
	params.Set("symbol", symbol.Ticker)
	params.Set("orderId", brokerOrderID)

	err := c.do(ctx, http.MethodDelete, "/api/v3/order", params, true, nil)
	var be *domain.BrokerError
	if errors.As(err, &be) && be.Code == -2011 {
		// UNKNOWN_ORDER: already filled, cancelled or never existed.
		return domain.ErrUnknownBrokerOrder
	}
	if err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", brokerOrderID, err)
	}
	return nil
}

// OrderStatus queries one order.
func (c *Client) OrderStatus(ctx context.Context, brokerOrderID string, symbol domain.Symbol) (domain.BrokerOpenOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol.Ticker)
	params.Set("orderId", brokerOrderID)

	var resp orderResponse
	err := c.do(ctx, http.MethodGet, "/api/v3/order", params, true, &resp)
	var be *domain.BrokerError
	if errors.As(err, &be) && be.Code == -2013 {
		// NO_SUCH_ORDER
		return domain.BrokerOpenOrder{}, domain.ErrUnknownBrokerOrder
	}
	if err != nil {
		return domain.BrokerOpenOrder{}, fmt.Errorf("failed to query order %s: %w", brokerOrderID, err)
	}
	return c.toOpenOrder(resp)
}

// OpenOrders lists every open order on the account.
func (c *Client) OpenOrders(ctx context.Context) ([]domain.BrokerOpenOrder, error) {
	var resp []orderResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/openOrders", nil, true, &resp); err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}

	out := make([]domain.BrokerOpenOrder, 0, len(resp))
	for _, r := range resp {
		oo, err := c.toOpenOrder(r)
		if err != nil {
			return nil, err
		}
		out = append(out, oo)
	}
	return out, nil
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// Positions reads account balances and reports each non-quote asset holding
// as a position against the configured quote asset.
func (c *Client) Positions(ctx context.Context) ([]domain.BrokerPosition, error) {
	var resp accountResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/account", nil, true, &resp); err != nil {
		return nil, fmt.Errorf("failed to query account: %w", err)
	}

	var out []domain.BrokerPosition
	for _, b := range resp.Balances {
		if b.Asset == c.cfg.QuoteAsset {
			continue
		}
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return nil, fmt.Errorf("failed to parse balance for %s: %w", b.Asset, err)
		}
		locked, err := decimal.NewFromString(b.Locked)
		if err != nil {
			return nil, fmt.Errorf("failed to parse balance for %s: %w", b.Asset, err)
		}
		total := free.Add(locked)
		if total.IsZero() {
			continue
		}
		out = append(out, domain.BrokerPosition{
			Symbol:   domain.NewSymbol(venue, b.Asset+c.cfg.QuoteAsset),
			Quantity: total,
		})
	}
	return out, nil
}

// TickerPrice returns the latest trade price for a symbol.
func (c *Client) TickerPrice(ctx context.Context, symbol domain.Symbol) (domain.Money, error) {
	params := url.Values{}
	params.Set("symbol", symbol.Ticker)

	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v3/ticker/price", params, false, &resp); err != nil {
		return domain.Money{}, fmt.Errorf("failed to query ticker price: %w", err)
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return domain.Money{}, fmt.Errorf("failed to parse ticker price %q: %w", resp.Price, err)
	}
	return domain.NewMoney(price, c.cfg.QuoteAsset), nil
}

// listenKey obtains the user-data stream key. The stream side keeps it
// alive with keepAliveListenKey.
func (c *Client) listenKey(ctx context.Context) (string, error) {
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v3/userDataStream", nil, false, &resp); err != nil {
		return "", fmt.Errorf("failed to obtain listen key: %w", err)
	}
	return resp.ListenKey, nil
}

func (c *Client) keepAliveListenKey(ctx context.Context, key string) error {
	params := url.Values{}
	params.Set("listenKey", key)
	return c.do(ctx, http.MethodPut, "/api/v3/userDataStream", params, false, nil)
}

func (c *Client) toOpenOrder(r orderResponse) (domain.BrokerOpenOrder, error) {
	qty, err := decimal.NewFromString(r.OrigQty)
	if err != nil {
		return domain.BrokerOpenOrder{}, fmt.Errorf("failed to parse order quantity: %w", err)
	}
	filled, err := decimal.NewFromString(r.ExecutedQty)
	if err != nil {
		return domain.BrokerOpenOrder{}, fmt.Errorf("failed to parse executed quantity: %w", err)
	}

	oo := domain.BrokerOpenOrder{
		BrokerOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: r.ClientOrderID,
		Symbol:        domain.NewSymbol(venue, r.Symbol),
		Side:          domain.OrderSide(r.Side),
		Type:          domain.OrderType(r.Type),
		Quantity:      qty,
		FilledQty:     filled,
		PlacedAt:      time.UnixMilli(r.Time).UTC(),
	}
	if r.Type == "LIMIT" && r.Price != "" {
		price, err := decimal.NewFromString(r.Price)
		if err != nil {
			return domain.BrokerOpenOrder{}, fmt.Errorf("failed to parse limit price: %w", err)
		}
		m := domain.NewMoney(price, c.cfg.QuoteAsset)
		oo.LimitPrice = &m
	}
	return oo, nil
}
