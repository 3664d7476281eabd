package binance

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/helmsman-trade/helmsman/internal/domain"
)

const (
	dialTimeout        = 30 * time.Second
	readLimit          = 1 << 20
	keepAliveInterval  = 30 * time.Minute
	baseReconnectDelay = 2 * time.Second
	maxReconnectDelay  = 2 * time.Minute
)

// userDataEvent is the envelope of a user-data stream message. Only
// executionReport events carry order state.
type userDataEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`

	// executionReport fields
	Symbol          string `json:"s"`
	Side            string `json:"S"`
	ExecType        string `json:"x"`
	OrderStatus     string `json:"X"`
	RejectReason    string `json:"r"`
	OrderID         int64  `json:"i"`
	LastFilledQty   string `json:"l"`
	LastFilledPrice string `json:"L"`
	CommissionAmt   string `json:"n"`
	CommissionAsset string `json:"N"`
	TransactTime    int64  `json:"T"`
}

// Stream connects to the user-data stream and delivers execution reports
// until the context is cancelled. It reconnects with capped exponential
// backoff and keeps the listen key alive.
func (c *Client) Stream(ctx context.Context) (<-chan domain.ExecutionReport, error) {
	key, err := c.listenKey(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.ExecutionReport, 64)
	go c.streamLoop(ctx, key, out)
	go c.keepAliveLoop(ctx, key)
	return out, nil
}

func (c *Client) streamLoop(ctx context.Context, key string, out chan<- domain.ExecutionReport) {
	defer close(out)

	delay := baseReconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx, key)
		if err != nil {
			c.log.Warn().Err(err).Dur("retry_in", delay).Msg("User-data stream dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxReconnectDelay)
			continue
		}
		delay = baseReconnectDelay
		c.log.Info().Msg("User-data stream connected")

		c.readMessages(ctx, conn, out)
		_ = conn.Close()
	}
}

func (c *Client) dial(ctx context.Context, key string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.StreamURL+"/"+key, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// readMessages pumps one connection until it breaks or the context ends.
func (c *Client) readMessages(ctx context.Context, conn *websocket.Conn, out chan<- domain.ExecutionReport) {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("User-data stream read failed, reconnecting")
			}
			return
		}

		report, ok, err := c.parseExecutionReport(data)
		if err != nil {
			c.log.Error().Err(err).RawJSON("payload", data).Msg("Malformed execution report")
			continue
		}
		if !ok {
			continue
		}

		select {
		case out <- report:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) keepAliveLoop(ctx context.Context, key string) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.keepAliveListenKey(ctx, key); err != nil {
				c.log.Warn().Err(err).Msg("Listen key keepalive failed")
			}
		}
	}
}

// parseExecutionReport translates one stream message. The second return is
// false for messages that carry no order transition (balance updates, fills
// of zero quantity and intermediate NEW acks). Prices and commissions are
// reported in the configured quote asset.
func (c *Client) parseExecutionReport(data []byte) (domain.ExecutionReport, bool, error) {
	var ev userDataEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.ExecutionReport{}, false, err
	}
	if ev.EventType != "executionReport" {
		return domain.ExecutionReport{}, false, nil
	}

	base := domain.ExecutionReport{
		BrokerOrderID: strconv.FormatInt(ev.OrderID, 10),
		Symbol:        domain.NewSymbol(venue, ev.Symbol),
		Timestamp:     time.UnixMilli(ev.TransactTime).UTC(),
	}

	switch ev.ExecType {
	case "TRADE":
		qty, err := decimal.NewFromString(ev.LastFilledQty)
		if err != nil {
			return domain.ExecutionReport{}, false, err
		}
		if qty.IsZero() {
			return domain.ExecutionReport{}, false, nil
		}
		price, err := decimal.NewFromString(ev.LastFilledPrice)
		if err != nil {
			return domain.ExecutionReport{}, false, err
		}
		commission := decimal.Zero
		if ev.CommissionAmt != "" {
			if commission, err = decimal.NewFromString(ev.CommissionAmt); err != nil {
				return domain.ExecutionReport{}, false, err
			}
		}
		base.Kind = domain.ExecutionFill
		base.Price = domain.NewMoney(price, c.cfg.QuoteAsset)
		base.Quantity = qty
		base.Commission = domain.NewMoney(commission, c.cfg.QuoteAsset)
		return base, true, nil

	case "CANCELED":
		base.Kind = domain.ExecutionCancelConfirmed
		return base, true, nil

	case "REJECTED":
		base.Kind = domain.ExecutionRejected
		base.Reason = ev.RejectReason
		return base, true, nil

	case "EXPIRED":
		// An expired order never fills again; surface it like a venue
		// cancellation so funds are released.
		base.Kind = domain.ExecutionCancelConfirmed
		return base, true, nil
	}
	return domain.ExecutionReport{}, false, nil
}
