package events

import "time"

// All payloads are self-contained: each carries enough data to reconstruct
// the transition it describes without re-reading the aggregate.

// OrderPlacedData contains data for OrderPlaced events.
type OrderPlacedData struct {
	OrderID       string `json:"order_id"`
	PortfolioID   string `json:"portfolio_id"`
	BrokerOrderID string `json:"broker_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Quantity      string `json:"quantity"`
	Reserved      string `json:"reserved"`
	Currency      string `json:"currency"`
}

// EventType returns the event type for OrderPlacedData
func (d *OrderPlacedData) EventType() EventType { return OrderPlaced }

// OrderFilledData contains data for OrderFilled events.
type OrderFilledData struct {
	OrderID       string    `json:"order_id"`
	PortfolioID   string    `json:"portfolio_id"`
	BrokerOrderID string    `json:"broker_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	FillPrice     string    `json:"fill_price"`
	FillQuantity  string    `json:"fill_quantity"`
	Currency      string    `json:"currency"`
	FilledAt      time.Time `json:"filled_at"`
}

// EventType returns the event type for OrderFilledData
func (d *OrderFilledData) EventType() EventType { return OrderFilled }

// OrderPartiallyFilledData contains data for OrderPartiallyFilled events.
type OrderPartiallyFilledData struct {
	OrderID       string    `json:"order_id"`
	PortfolioID   string    `json:"portfolio_id"`
	BrokerOrderID string    `json:"broker_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	FillPrice     string    `json:"fill_price"`
	FillQuantity  string    `json:"fill_quantity"`
	Remaining     string    `json:"remaining"`
	Currency      string    `json:"currency"`
	FilledAt      time.Time `json:"filled_at"`
}

// EventType returns the event type for OrderPartiallyFilledData
func (d *OrderPartiallyFilledData) EventType() EventType { return OrderPartiallyFilled }

// OrderCancelledData contains data for OrderCancelled events.
type OrderCancelledData struct {
	OrderID       string    `json:"order_id"`
	PortfolioID   string    `json:"portfolio_id"`
	BrokerOrderID string    `json:"broker_order_id"`
	Symbol        string    `json:"symbol"`
	Unfilled      string    `json:"unfilled"`
	Reserved      string    `json:"reserved"`
	Currency      string    `json:"currency"`
	CancelledAt   time.Time `json:"cancelled_at"`
}

// EventType returns the event type for OrderCancelledData
func (d *OrderCancelledData) EventType() EventType { return OrderCancelled }

// OrderCancellationConfirmedData contains data for OrderCancellationConfirmed events.
type OrderCancellationConfirmedData struct {
	OrderID       string    `json:"order_id"`
	PortfolioID   string    `json:"portfolio_id"`
	BrokerOrderID string    `json:"broker_order_id"`
	Symbol        string    `json:"symbol"`
	Reserved      string    `json:"reserved"`
	Currency      string    `json:"currency"`
	ConfirmedAt   time.Time `json:"confirmed_at"`
}

// EventType returns the event type for OrderCancellationConfirmedData
func (d *OrderCancellationConfirmedData) EventType() EventType { return OrderCancellationConfirmed }

// OrderRejectedData contains data for OrderRejected events.
type OrderRejectedData struct {
	OrderID       string    `json:"order_id"`
	PortfolioID   string    `json:"portfolio_id"`
	BrokerOrderID string    `json:"broker_order_id,omitempty"`
	Symbol        string    `json:"symbol"`
	Reason        string    `json:"reason"`
	Reserved      string    `json:"reserved"`
	Currency      string    `json:"currency"`
	RejectedAt    time.Time `json:"rejected_at"`
}

// EventType returns the event type for OrderRejectedData
func (d *OrderRejectedData) EventType() EventType { return OrderRejected }

// FundsReservedData contains data for FundsReserved events.
type FundsReservedData struct {
	PortfolioID string `json:"portfolio_id"`
	OrderID     string `json:"order_id"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Available   string `json:"available"`
	Reserved    string `json:"reserved"`
}

// EventType returns the event type for FundsReservedData
func (d *FundsReservedData) EventType() EventType { return FundsReserved }

// FundsReleasedData contains data for FundsReleased events.
type FundsReleasedData struct {
	PortfolioID string `json:"portfolio_id"`
	OrderID     string `json:"order_id"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Clamped     bool   `json:"clamped,omitempty"`
	Available   string `json:"available"`
	Reserved    string `json:"reserved"`
}

// EventType returns the event type for FundsReleasedData
func (d *FundsReleasedData) EventType() EventType { return FundsReleased }

// FillSettledData contains data for FillSettled events.
type FillSettledData struct {
	PortfolioID string `json:"portfolio_id"`
	OrderID     string `json:"order_id"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Spent       string `json:"spent"`
	Refunded    string `json:"refunded"`
	Commission  string `json:"commission"`
	RealizedPnL string `json:"realized_pnl"`
	Currency    string `json:"currency"`
	PositionQty string `json:"position_qty"`
	AverageCost string `json:"average_cost"`
	// Shortfall is the part of the fill cost that neither the reservation
	// nor available cash could cover. Non-zero values are anomalous.
	Shortfall string `json:"shortfall,omitempty"`
}

// EventType returns the event type for FillSettledData
func (d *FillSettledData) EventType() EventType { return FillSettled }

// PositionClosedData contains data for PositionClosed events.
type PositionClosedData struct {
	PortfolioID string `json:"portfolio_id"`
	Symbol      string `json:"symbol"`
	RealizedPnL string `json:"realized_pnl"`
	Currency    string `json:"currency"`
}

// EventType returns the event type for PositionClosedData
func (d *PositionClosedData) EventType() EventType { return PositionClosed }

// SessionStateChangedData contains data for SessionStateChanged events.
type SessionStateChangedData struct {
	SessionID   string `json:"session_id"`
	PortfolioID string `json:"portfolio_id"`
	OldStatus   string `json:"old_status"`
	NewStatus   string `json:"new_status"`
	Reason      string `json:"reason,omitempty"`
}

// EventType returns the event type for SessionStateChangedData
func (d *SessionStateChangedData) EventType() EventType { return SessionStateChanged }

// EmergencyStopTriggeredData contains data for EmergencyStopTriggered events.
type EmergencyStopTriggeredData struct {
	SessionID      string `json:"session_id"`
	PortfolioID    string `json:"portfolio_id"`
	Reason         string `json:"reason"`
	ClosePositions bool   `json:"close_positions"`
}

// EventType returns the event type for EmergencyStopTriggeredData
func (d *EmergencyStopTriggeredData) EventType() EventType { return EmergencyStopTriggered }

// SignalRejectedData contains data for SignalRejected events.
type SignalRejectedData struct {
	SessionID  string   `json:"session_id"`
	StrategyID string   `json:"strategy_id"`
	Symbol     string   `json:"symbol"`
	Side       string   `json:"side"`
	Violations []string `json:"violations"`
}

// EventType returns the event type for SignalRejectedData
func (d *SignalRejectedData) EventType() EventType { return SignalRejected }

// ReconciliationAnomalyData contains data for ReconciliationAnomaly events.
type ReconciliationAnomalyData struct {
	Kind          string `json:"kind"`
	OrderID       string `json:"order_id,omitempty"`
	BrokerOrderID string `json:"broker_order_id,omitempty"`
	PortfolioID   string `json:"portfolio_id,omitempty"`
	Detail        string `json:"detail"`
}

// EventType returns the event type for ReconciliationAnomalyData
func (d *ReconciliationAnomalyData) EventType() EventType { return ReconciliationAnomaly }

// ErrorEventData contains data for ErrorOccurred events.
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType { return ErrorOccurred }
