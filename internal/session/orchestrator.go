package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/helmsman-trade/helmsman/internal/domain"
	"github.com/helmsman-trade/helmsman/internal/events"
	"github.com/helmsman-trade/helmsman/internal/modules/orders"
	"github.com/helmsman-trade/helmsman/internal/risk"
)

// OrderStore is the slice of the order repository the orchestrator needs.
type OrderStore interface {
	Save(order *domain.Order) error
	GetByBrokerOrderID(brokerOrderID string) (*domain.Order, error)
	ListOpen(portfolioID string) ([]*domain.Order, error)
}

// PortfolioStore persists portfolio snapshots.
type PortfolioStore interface {
	Save(snap domain.PortfolioSnapshot) error
}

// SessionStore persists session state.
type SessionStore interface {
	Save(s *Session) error
}

// AnomalyRecorder persists reconciliation anomalies.
type AnomalyRecorder interface {
	Record(a orders.Anomaly) error
}

// Placement retry bounds for transient broker failures. Cancellations are
// retried until confirmed or the session stops, with no attempt bound.
const (
	placeMaxAttempts  = 4
	placeBaseBackoff  = 250 * time.Millisecond
	cancelRetryPause  = 2 * time.Second
	signalQueueLength = 256
)

// positionGuard carries the stop-loss/take-profit of a filled order
// forward to the position monitor.
type positionGuard struct {
	side       domain.OrderSide
	quantity   decimal.Decimal
	stopLoss   *domain.Money
	takeProfit *domain.Money
}

// Orchestrator runs one trading session: a signal-consumer loop, a
// broker-event-consumer loop, and a periodic position-monitor tick. All
// state mutations go through the owning aggregates' locks; none of the
// loops hold a lock across I/O.
type Orchestrator struct {
	session    *Session
	portfolio  *domain.Portfolio
	broker     domain.BrokerClient
	validator  *risk.Validator
	sizer      risk.Sizer
	limits     risk.Limits
	commission domain.CommissionModel

	orderStore     OrderStore
	portfolioStore PortfolioStore
	sessionStore   SessionStore
	anomalies      AnomalyRecorder
	eventsMgr      *events.Manager

	monitorInterval time.Duration
	log             zerolog.Logger

	signals chan *domain.Signal
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu         sync.Mutex               // guards the maps below, never held across I/O
	open       map[string]*domain.Order // broker order ID -> live order
	guards     map[domain.Symbol]positionGuard
	lastPrices map[domain.Symbol]decimal.Decimal
	intakeOpen bool
}

// Config wires an orchestrator.
type Config struct {
	Session         *Session
	Portfolio       *domain.Portfolio
	Broker          domain.BrokerClient
	Validator       *risk.Validator
	Sizer           risk.Sizer
	Limits          risk.Limits
	Commission      domain.CommissionModel
	OrderStore      OrderStore
	PortfolioStore  PortfolioStore
	SessionStore    SessionStore
	Anomalies       AnomalyRecorder
	Events          *events.Manager
	MonitorInterval time.Duration
	Log             zerolog.Logger
}

// NewOrchestrator creates an orchestrator for one session.
func NewOrchestrator(cfg Config) *Orchestrator {
	interval := cfg.MonitorInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Orchestrator{
		session:         cfg.Session,
		portfolio:       cfg.Portfolio,
		broker:          cfg.Broker,
		validator:       cfg.Validator,
		sizer:           cfg.Sizer,
		limits:          cfg.Limits,
		commission:      cfg.Commission,
		orderStore:      cfg.OrderStore,
		portfolioStore:  cfg.PortfolioStore,
		sessionStore:    cfg.SessionStore,
		anomalies:       cfg.Anomalies,
		eventsMgr:       cfg.Events,
		monitorInterval: interval,
		log: cfg.Log.With().
			Str("service", "orchestrator").
			Str("session_id", cfg.Session.ID).
			Logger(),
		signals:    make(chan *domain.Signal, signalQueueLength),
		open:       make(map[string]*domain.Order),
		guards:     make(map[domain.Symbol]positionGuard),
		lastPrices: make(map[domain.Symbol]decimal.Decimal),
	}
}

// Session returns the session aggregate.
func (o *Orchestrator) Session() *Session { return o.session }

// Portfolio returns the portfolio aggregate.
func (o *Orchestrator) Portfolio() *domain.Portfolio { return o.portfolio }

// Start transitions the session to RUNNING and launches the loops. The
// caller is expected to have run recovery already.
func (o *Orchestrator) Start(ctx context.Context) error {
	if data, err := o.session.Start(time.Now()); err != nil {
		return err
	} else if data == nil {
		return nil // already starting or running
	} else {
		o.emitSession(data)
	}

	stream, err := o.broker.Stream(ctx)
	if err != nil {
		o.failSession(fmt.Sprintf("broker stream: %v", err))
		return fmt.Errorf("failed to open broker stream: %w", err)
	}

	// Track orders that survived recovery so stream events can find them.
	openOrders, err := o.orderStore.ListOpen(o.portfolio.ID)
	if err != nil {
		o.failSession(fmt.Sprintf("load open orders: %v", err))
		return fmt.Errorf("failed to load open orders: %w", err)
	}
	o.mu.Lock()
	for _, order := range openOrders {
		if order.BrokerOrderID != "" {
			o.open[order.BrokerOrderID] = order
		}
	}
	o.intakeOpen = true
	o.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	o.wg.Add(3)
	go o.signalLoop(loopCtx)
	go o.brokerEventLoop(loopCtx, stream)
	go o.monitorLoop(loopCtx)

	data, err := o.session.MarkRunning()
	if err != nil {
		cancel()
		return err
	}
	o.emitSession(data)
	o.persistSession()
	o.log.Info().Str("portfolio_id", o.portfolio.ID).Msg("Session running")
	return nil
}

// SubmitSignal enqueues a signal for the consumer loop. Signals are
// dropped with a warning when intake is closed or the queue is full.
func (o *Orchestrator) SubmitSignal(sig *domain.Signal) error {
	o.mu.Lock()
	intake := o.intakeOpen
	o.mu.Unlock()
	if !intake {
		return fmt.Errorf("signal intake closed")
	}

	select {
	case o.signals <- sig:
		return nil
	default:
		o.log.Warn().Str("strategy_id", sig.StrategyID).Msg("Signal queue full, dropping signal")
		return fmt.Errorf("signal queue full")
	}
}

// Pause suspends order placement. Position monitoring keeps running.
func (o *Orchestrator) Pause() error {
	data, err := o.session.Pause()
	if err != nil {
		return err
	}
	o.emitSession(data)
	o.persistSession()
	return nil
}

// Resume returns the session to RUNNING.
func (o *Orchestrator) Resume() error {
	data, err := o.session.Resume()
	if err != nil {
		return err
	}
	o.emitSession(data)
	o.persistSession()
	return nil
}

// Stop winds the session down cooperatively: the stop flag is observed at
// the top of each loop iteration, so in-flight submissions complete before
// the loops exit. Idempotent under repeated invocation.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if data := o.session.BeginStop(""); data != nil {
		o.emitSession(data)
	}
	o.shutdown()

	o.persistAll()
	if data := o.session.MarkStopped(time.Now()); data != nil {
		o.emitSession(data)
	}
	o.persistSession()
	o.log.Info().Msg("Session stopped")
	return nil
}

// EmergencyStop is immediate: it flips the session to STOPPING, closes
// signal intake, cancels all open orders, optionally market-closes all
// positions, and locks the session until an explicit Unlock.
func (o *Orchestrator) EmergencyStop(ctx context.Context, reason string, closePositions bool) error {
	o.session.Lock()
	if data := o.session.BeginStop(reason); data != nil {
		o.emitSession(data)
	}
	o.eventsMgr.Emit("session", o.session.ID, &events.EmergencyStopTriggeredData{
		SessionID:      o.session.ID,
		PortfolioID:    o.portfolio.ID,
		Reason:         reason,
		ClosePositions: closePositions,
	})
	o.log.Warn().Str("reason", reason).Bool("close_positions", closePositions).Msg("Emergency stop triggered")

	o.mu.Lock()
	o.intakeOpen = false
	openNow := make([]*domain.Order, 0, len(o.open))
	for _, order := range o.open {
		openNow = append(openNow, order)
	}
	o.mu.Unlock()

	for _, order := range openNow {
		o.cancelOrder(ctx, order)
	}
	if closePositions {
		o.closeAllPositions(ctx)
	}

	o.shutdown()
	o.persistAll()
	if data := o.session.MarkStopped(time.Now()); data != nil {
		o.emitSession(data)
	}
	o.persistSession()
	return nil
}

// Unlock releases the manual gate left by an emergency stop or fault.
func (o *Orchestrator) Unlock() {
	if data := o.session.Unlock(); data != nil {
		o.emitSession(data)
	}
	o.persistSession()
}

// shutdown stops the loops and waits for them to drain.
func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	o.intakeOpen = false
	o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
		o.wg.Wait()
	}
}

func (o *Orchestrator) signalLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-o.signals:
			o.handleSignal(ctx, sig)
		}
	}
}

func (o *Orchestrator) brokerEventLoop(ctx context.Context, stream <-chan domain.ExecutionReport) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case report, ok := <-stream:
			if !ok {
				o.log.Warn().Msg("Broker stream closed")
				return
			}
			o.handleExecutionReport(report)
		}
	}
}

func (o *Orchestrator) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(o.monitorInterval)
	defer ticker.Stop()
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.monitorTick(ctx)
		}
	}
}

// handleSignal runs the risk pipeline for one signal. While PAUSED the
// signal is still evaluated and its decision logged, but no order is
// placed.
func (o *Orchestrator) handleSignal(ctx context.Context, sig *domain.Signal) {
	if err := sig.Validate(); err != nil {
		o.log.Warn().Err(err).Msg("Malformed signal dropped")
		return
	}

	status := o.session.CurrentStatus()
	if status != StatusRunning && status != StatusPaused {
		return
	}

	price, err := o.estimatedPrice(ctx, sig)
	if err != nil {
		o.log.Warn().Err(err).Str("symbol", sig.Symbol.String()).Msg("No price for signal, dropping")
		return
	}

	snap := o.portfolio.Snapshot()
	equity := snapEquity(snap, o.marks())

	qty := sig.Quantity
	if qty.IsZero() {
		qty = o.sizer.Size(equity, price, sig)
	}
	qty = risk.CapToPositionLimit(qty, price, equity, o.limits)
	if !qty.IsPositive() {
		o.log.Debug().Str("symbol", sig.Symbol.String()).Msg("Sized to zero, dropping signal")
		return
	}

	var stopLoss *decimal.Decimal
	if sig.StopLoss != nil {
		stopLoss = &sig.StopLoss.Amount
	}
	decision := o.validator.Validate(risk.Input{
		Portfolio: snap,
		Limits:    o.limits,
		Trade: risk.ProposedTrade{
			Symbol:   sig.Symbol,
			Side:     sig.Side,
			Quantity: qty,
			Price:    price,
			StopLoss: stopLoss,
		},
		Prices:       o.marks(),
		DailyPnL:     o.session.Snapshot().RealizedPnL,
		TradeReturns: sig.Returns,
	})
	if !decision.Approved {
		o.eventsMgr.Emit("session", o.session.ID, &events.SignalRejectedData{
			SessionID:  o.session.ID,
			StrategyID: sig.StrategyID,
			Symbol:     sig.Symbol.String(),
			Side:       string(sig.Side),
			Violations: decision.Reasons(),
		})
		return
	}

	if status == StatusPaused {
		o.log.Info().
			Str("symbol", sig.Symbol.String()).
			Str("side", string(sig.Side)).
			Msg("Signal approved but session paused, no order placed")
		return
	}

	o.placeOrder(ctx, sig, qty, price)
}

// placeOrder creates the order, reserves funds, and submits to the broker
// with bounded backoff on transient failures. Any failure after the
// reservation rolls it back.
func (o *Orchestrator) placeOrder(ctx context.Context, sig *domain.Signal, qty, price decimal.Decimal) {
	reserve := domain.Zero(o.portfolio.Currency)
	if sig.Side == domain.SideBuy {
		// The reservation covers the estimated commission so settlement
		// cannot draw past it.
		gross := price.Mul(qty)
		reserve = domain.NewMoney(gross.Add(o.commission.Of(gross)), o.portfolio.Currency)
	}

	order, err := domain.NewOrder(domain.NewOrderParams{
		PortfolioID: o.portfolio.ID,
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		Type:        sig.Type,
		Quantity:    qty,
		LimitPrice:  sig.LimitPrice,
		Reserved:    reserve,
		StopLoss:    sig.StopLoss,
		TakeProfit:  sig.TakeProfit,
	})
	if err != nil {
		o.log.Error().Err(err).Msg("Failed to create order")
		return
	}

	if reserve.IsPositive() {
		data, err := o.portfolio.Reserve(order.ID, reserve)
		if err != nil {
			o.log.Warn().Err(err).Str("order_id", order.ID).Msg("Reservation failed, dropping signal")
			return
		}
		o.eventsMgr.Emit("portfolio", o.portfolio.ID, data)
	}

	ack, err := o.placeWithBackoff(ctx, domain.BrokerOrderRequest{
		ClientOrderID: order.ID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity,
		LimitPrice:    order.LimitPrice,
	})
	if err != nil {
		o.rollbackPlacement(order, err)
		return
	}

	placed, err := order.Accept(ack.BrokerOrderID)
	if err != nil {
		o.log.Error().Err(err).Str("order_id", order.ID).Msg("Failed to accept order")
		return
	}

	if err := o.persistOrder(order); err != nil {
		return
	}
	o.persistPortfolio()

	o.mu.Lock()
	o.open[ack.BrokerOrderID] = order
	o.mu.Unlock()

	o.eventsMgr.Emit("orders", order.ID, placed)
	o.log.Info().
		Str("order_id", order.ID).
		Str("broker_order_id", ack.BrokerOrderID).
		Str("symbol", order.Symbol.String()).
		Str("side", string(order.Side)).
		Str("quantity", order.Quantity.String()).
		Msg("Order placed")
}

// placeWithBackoff retries transient broker failures with exponential
// backoff. Permanent failures return immediately.
func (o *Orchestrator) placeWithBackoff(ctx context.Context, req domain.BrokerOrderRequest) (domain.BrokerOrderAck, error) {
	backoff := placeBaseBackoff
	var lastErr error
	for attempt := 1; attempt <= placeMaxAttempts; attempt++ {
		ack, err := o.broker.PlaceOrder(ctx, req)
		if err == nil {
			return ack, nil
		}
		lastErr = err
		if !domain.IsTransientBrokerError(err) {
			return domain.BrokerOrderAck{}, err
		}
		o.log.Warn().Err(err).Int("attempt", attempt).Msg("Transient placement failure, retrying")

		select {
		case <-ctx.Done():
			return domain.BrokerOrderAck{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return domain.BrokerOrderAck{}, fmt.Errorf("placement failed after %d attempts: %w", placeMaxAttempts, lastErr)
}

// rollbackPlacement releases the reservation and rejects the order after a
// synchronous broker rejection or exhausted retries.
func (o *Orchestrator) rollbackPlacement(order *domain.Order, cause error) {
	released, relErr := o.portfolio.ReleaseAll(order.ID)
	if relErr != nil {
		o.log.Error().Err(relErr).Str("order_id", order.ID).Msg("Rollback release failed")
	} else if released != nil {
		o.eventsMgr.Emit("portfolio", o.portfolio.ID, released)
	}

	rejected, rejErr := order.Reject(cause.Error(), time.Now())
	if rejErr != nil {
		o.log.Error().Err(rejErr).Str("order_id", order.ID).Msg("Rollback reject failed")
		return
	}
	_ = o.persistOrder(order)
	o.persistPortfolio()
	o.eventsMgr.Emit("orders", order.ID, rejected)
	o.log.Warn().Err(cause).Str("order_id", order.ID).Msg("Order placement rolled back")
}

// handleExecutionReport matches an asynchronous broker confirmation by
// broker_order_id and drives the order and portfolio transitions. Fills
// for the same order arrive in broker order and are applied in that order.
func (o *Orchestrator) handleExecutionReport(report domain.ExecutionReport) {
	order := o.lookupOrder(report.BrokerOrderID)
	if order == nil {
		_ = o.anomalies.Record(orders.Anomaly{
			Kind:          orders.AnomalyUnknownBrokerOrder,
			BrokerOrderID: report.BrokerOrderID,
			PortfolioID:   o.portfolio.ID,
			Detail:        fmt.Sprintf("execution report %s for unknown order", report.Kind),
		})
		o.eventsMgr.Emit("recovery", o.portfolio.ID, &events.ReconciliationAnomalyData{
			Kind:          orders.AnomalyUnknownBrokerOrder,
			BrokerOrderID: report.BrokerOrderID,
			PortfolioID:   o.portfolio.ID,
			Detail:        "execution report for unknown order",
		})
		return
	}

	switch report.Kind {
	case domain.ExecutionFill:
		o.applyFill(order, report)
	case domain.ExecutionCancelConfirmed:
		o.applyCancelConfirmed(order, report)
	case domain.ExecutionRejected:
		o.applyBrokerRejection(order, report)
	default:
		o.log.Warn().Str("kind", string(report.Kind)).Msg("Unknown execution report kind")
	}
}

func (o *Orchestrator) applyFill(order *domain.Order, report domain.ExecutionReport) {
	o.recordPrice(report.Symbol, report.Price.Amount)

	data, err := order.Fill(report.Price, report.Quantity, report.Timestamp)
	if errors.Is(err, domain.ErrCannotFillCancelledOrder) {
		// The broker filled before our cancel reached it. The money moved,
		// so the portfolio must reflect it even though the order stays
		// cancelled locally.
		_ = o.anomalies.Record(orders.Anomaly{
			Kind:          orders.AnomalyFillAfterCancel,
			OrderID:       order.ID,
			BrokerOrderID: report.BrokerOrderID,
			PortfolioID:   o.portfolio.ID,
			Detail:        fmt.Sprintf("fill of %s at %s arrived after local cancel", report.Quantity, report.Price),
		})
		o.settle(order, report, true)
		o.persistPortfolio()
		return
	}
	if err != nil {
		o.log.Error().Err(err).Str("order_id", order.ID).Msg("Fill rejected by order aggregate")
		return
	}

	final := order.IsTerminal()
	o.settle(order, report, final)
	_ = o.persistOrder(order)
	o.persistPortfolio()
	o.eventsMgr.Emit("orders", order.ID, data)

	if final {
		o.forgetOrder(report.BrokerOrderID)
		o.armGuard(order)
		o.persistSession()
	}
}

// settle applies the fill to the portfolio and emits settlement events.
func (o *Orchestrator) settle(order *domain.Order, report domain.ExecutionReport, final bool) {
	settled, closed, err := o.portfolio.SettleFill(domain.SettleFillParams{
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Price:      report.Price,
		Quantity:   report.Quantity,
		Commission: report.Commission,
		Final:      final,
		Time:       report.Timestamp,
	})
	if err != nil {
		o.log.Error().Err(err).Str("order_id", order.ID).Msg("Settlement failed")
		o.failSession(fmt.Sprintf("settlement: %v", err))
		return
	}
	o.eventsMgr.Emit("portfolio", o.portfolio.ID, settled)

	if shortfall, _ := decimal.NewFromString(settled.Shortfall); shortfall.IsPositive() {
		_ = o.anomalies.Record(orders.Anomaly{
			Kind:          orders.AnomalyCashShortfall,
			OrderID:       order.ID,
			BrokerOrderID: report.BrokerOrderID,
			PortfolioID:   o.portfolio.ID,
			Detail:        fmt.Sprintf("fill cost exceeded reservation and available cash by %s", shortfall),
		})
		o.log.Error().
			Str("order_id", order.ID).
			Str("shortfall", shortfall.String()).
			Msg("Fill cost exceeded reservation and available cash")
	}

	realized, _ := decimal.NewFromString(settled.RealizedPnL)
	if !realized.IsZero() {
		o.session.RecordTrade(realized)
	}
	if closed != nil {
		o.eventsMgr.Emit("portfolio", o.portfolio.ID, closed)
		o.mu.Lock()
		delete(o.guards, order.Symbol)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) applyCancelConfirmed(order *domain.Order, report domain.ExecutionReport) {
	// A confirmation can arrive for an order we never cancelled locally,
	// e.g. when the broker expires it. Apply the local cancel first.
	switch order.CurrentStatus() {
	case domain.StatusCancelled, domain.StatusCancelledConfirmed:
	default:
		res := order.Cancel(report.Timestamp)
		if res.Outcome != domain.CancelOK {
			o.log.Warn().Err(res.Err).Str("order_id", order.ID).Msg("Cancel confirmation for uncancellable order")
			return
		}
		if res.Event != nil {
			o.eventsMgr.Emit("orders", order.ID, res.Event)
		}
	}

	data, err := order.ConfirmCancellation(report.Timestamp)
	if err != nil {
		o.log.Warn().Err(err).Str("order_id", order.ID).Msg("Unexpected cancel confirmation")
		return
	}

	released, relErr := o.portfolio.ReleaseAll(order.ID)
	if relErr != nil {
		o.log.Error().Err(relErr).Str("order_id", order.ID).Msg("Release after cancel failed")
	} else if released != nil {
		o.eventsMgr.Emit("portfolio", o.portfolio.ID, released)
	}

	_ = o.persistOrder(order)
	o.persistPortfolio()
	if data != nil {
		o.eventsMgr.Emit("orders", order.ID, data)
	}
	o.forgetOrder(report.BrokerOrderID)
}

func (o *Orchestrator) applyBrokerRejection(order *domain.Order, report domain.ExecutionReport) {
	data, err := order.Reject(report.Reason, report.Timestamp)
	if err != nil {
		o.log.Warn().Err(err).Str("order_id", order.ID).Msg("Rejection for terminal order")
		return
	}

	released, relErr := o.portfolio.ReleaseAll(order.ID)
	if relErr != nil {
		o.log.Error().Err(relErr).Str("order_id", order.ID).Msg("Release after rejection failed")
	} else if released != nil {
		o.eventsMgr.Emit("portfolio", o.portfolio.ID, released)
	}

	_ = o.persistOrder(order)
	o.persistPortfolio()
	o.eventsMgr.Emit("orders", order.ID, data)
	o.forgetOrder(report.BrokerOrderID)
}

// cancelOrder requests a broker cancellation, retrying transient failures
// until the request is accepted or the context ends. The terminal
// transition itself waits for the broker's asynchronous confirmation.
func (o *Orchestrator) cancelOrder(ctx context.Context, order *domain.Order) {
	res := order.Cancel(time.Now())
	switch res.Outcome {
	case domain.CancelConflict, domain.CancelAlreadyTerminal:
		o.log.Warn().Err(res.Err).Str("order_id", order.ID).Msg("Cancel not possible")
		return
	}
	if res.Event != nil {
		_ = o.persistOrder(order)
		o.eventsMgr.Emit("orders", order.ID, res.Event)
	}
	if order.BrokerOrderID == "" {
		return
	}

	for {
		err := o.broker.CancelOrder(ctx, order.BrokerOrderID, order.Symbol)
		if err == nil {
			return
		}
		if !domain.IsTransientBrokerError(err) {
			o.log.Error().Err(err).Str("order_id", order.ID).Msg("Cancel rejected by broker")
			return
		}
		o.log.Warn().Err(err).Str("order_id", order.ID).Msg("Cancel failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(cancelRetryPause):
		}
	}
}

// monitorTick checks stop-loss/take-profit guards against current prices.
// It runs every cycle regardless of pause state.
func (o *Orchestrator) monitorTick(ctx context.Context) {
	o.mu.Lock()
	guarded := make(map[domain.Symbol]positionGuard, len(o.guards))
	for sym, g := range o.guards {
		guarded[sym] = g
	}
	o.mu.Unlock()

	for sym, guard := range guarded {
		price, err := o.broker.TickerPrice(ctx, sym)
		if err != nil {
			o.log.Debug().Err(err).Str("symbol", sym.String()).Msg("No price for guard check")
			continue
		}
		o.recordPrice(sym, price.Amount)

		if o.guardBreached(guard, price.Amount) {
			o.log.Info().
				Str("symbol", sym.String()).
				Str("price", price.Amount.String()).
				Msg("Protective exit triggered")
			o.closePosition(ctx, sym)
		}
	}

	equity := o.portfolio.Equity(o.marks())
	o.session.UpdateEquity(equity.Amount)
}

func (o *Orchestrator) guardBreached(guard positionGuard, price decimal.Decimal) bool {
	long := guard.side == domain.SideBuy
	if guard.stopLoss != nil {
		if long && price.LessThanOrEqual(guard.stopLoss.Amount) {
			return true
		}
		if !long && price.GreaterThanOrEqual(guard.stopLoss.Amount) {
			return true
		}
	}
	if guard.takeProfit != nil {
		if long && price.GreaterThanOrEqual(guard.takeProfit.Amount) {
			return true
		}
		if !long && price.LessThanOrEqual(guard.takeProfit.Amount) {
			return true
		}
	}
	return false
}

// armGuard registers the stop-loss/take-profit of a filled order.
func (o *Orchestrator) armGuard(order *domain.Order) {
	if order.StopLoss == nil && order.TakeProfit == nil {
		return
	}
	o.mu.Lock()
	o.guards[order.Symbol] = positionGuard{
		side:       order.Side,
		quantity:   order.Quantity,
		stopLoss:   order.StopLoss,
		takeProfit: order.TakeProfit,
	}
	o.mu.Unlock()
}

// closePosition submits a market order that flattens the position in a
// symbol. Exits skip the risk validator: they only reduce exposure.
func (o *Orchestrator) closePosition(ctx context.Context, sym domain.Symbol) {
	pos, ok := o.portfolio.Position(sym)
	if !ok || pos.Quantity.IsZero() {
		o.mu.Lock()
		delete(o.guards, sym)
		o.mu.Unlock()
		return
	}

	side := domain.SideSell
	qty := pos.Quantity
	if pos.Quantity.IsNegative() {
		side = domain.SideBuy
		qty = pos.Quantity.Neg()
	}

	order, err := domain.NewOrder(domain.NewOrderParams{
		PortfolioID: o.portfolio.ID,
		Symbol:      sym,
		Side:        side,
		Type:        domain.TypeMarket,
		Quantity:    qty,
		Reserved:    domain.Zero(o.portfolio.Currency),
	})
	if err != nil {
		o.log.Error().Err(err).Str("symbol", sym.String()).Msg("Failed to create close order")
		return
	}

	// Closing buys need funds reserved like any other buy, commission
	// included.
	if side == domain.SideBuy {
		if price, perr := o.broker.TickerPrice(ctx, sym); perr == nil {
			gross := price.Amount.Mul(qty)
			reserve := domain.NewMoney(gross.Add(o.commission.Of(gross)), o.portfolio.Currency)
			order.ReservedAmount = reserve
			if data, rerr := o.portfolio.Reserve(order.ID, reserve); rerr != nil {
				o.log.Error().Err(rerr).Str("symbol", sym.String()).Msg("Cannot reserve for closing buy")
				return
			} else {
				o.eventsMgr.Emit("portfolio", o.portfolio.ID, data)
			}
		}
	}

	ack, err := o.placeWithBackoff(ctx, domain.BrokerOrderRequest{
		ClientOrderID: order.ID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity,
	})
	if err != nil {
		o.rollbackPlacement(order, err)
		return
	}

	placed, err := order.Accept(ack.BrokerOrderID)
	if err != nil {
		o.log.Error().Err(err).Str("order_id", order.ID).Msg("Failed to accept close order")
		return
	}
	_ = o.persistOrder(order)
	o.persistPortfolio()

	o.mu.Lock()
	o.open[ack.BrokerOrderID] = order
	delete(o.guards, sym)
	o.mu.Unlock()

	o.eventsMgr.Emit("orders", order.ID, placed)
}

// closeAllPositions market-closes everything, for emergency stops.
func (o *Orchestrator) closeAllPositions(ctx context.Context) {
	for _, pos := range o.portfolio.Snapshot().Positions {
		o.closePosition(ctx, pos.Symbol)
	}
}

func (o *Orchestrator) lookupOrder(brokerOrderID string) *domain.Order {
	o.mu.Lock()
	order, ok := o.open[brokerOrderID]
	o.mu.Unlock()
	if ok {
		return order
	}
	order, err := o.orderStore.GetByBrokerOrderID(brokerOrderID)
	if err != nil {
		return nil
	}
	o.mu.Lock()
	o.open[brokerOrderID] = order
	o.mu.Unlock()
	return order
}

func (o *Orchestrator) forgetOrder(brokerOrderID string) {
	o.mu.Lock()
	delete(o.open, brokerOrderID)
	o.mu.Unlock()
}

func (o *Orchestrator) recordPrice(sym domain.Symbol, price decimal.Decimal) {
	o.mu.Lock()
	o.lastPrices[sym] = price
	o.mu.Unlock()
}

func (o *Orchestrator) marks() map[domain.Symbol]decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[domain.Symbol]decimal.Decimal, len(o.lastPrices))
	for sym, p := range o.lastPrices {
		out[sym] = p
	}
	return out
}

// estimatedPrice is the limit price for limit signals and the broker's
// latest ticker for market signals.
func (o *Orchestrator) estimatedPrice(ctx context.Context, sig *domain.Signal) (decimal.Decimal, error) {
	if sig.LimitPrice != nil {
		return sig.LimitPrice.Amount, nil
	}
	price, err := o.broker.TickerPrice(ctx, sig.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return price.Amount, nil
}

// persistOrder persists an order. A persistence failure is a fatal fault:
// the session moves to ERROR rather than running on unpersisted state.
func (o *Orchestrator) persistOrder(order *domain.Order) error {
	if err := o.orderStore.Save(order); err != nil {
		o.log.Error().Err(err).Str("order_id", order.ID).Msg("Order persistence failed")
		o.failSession(fmt.Sprintf("order persistence: %v", err))
		return err
	}
	return nil
}

func (o *Orchestrator) persistPortfolio() {
	if err := o.portfolioStore.Save(o.portfolio.Snapshot()); err != nil {
		o.log.Error().Err(err).Msg("Portfolio persistence failed")
		o.failSession(fmt.Sprintf("portfolio persistence: %v", err))
	}
}

func (o *Orchestrator) persistSession() {
	if err := o.sessionStore.Save(o.session); err != nil {
		o.log.Error().Err(err).Msg("Session persistence failed")
	}
}

func (o *Orchestrator) persistAll() {
	o.persistPortfolio()
	o.persistSession()
}

func (o *Orchestrator) failSession(reason string) {
	if data := o.session.Fail(reason); data != nil {
		o.emitSession(data)
		o.eventsMgr.EmitError("session", errors.New(reason), map[string]interface{}{
			"session_id": o.session.ID,
		})
	}
	o.persistSession()
}

func (o *Orchestrator) emitSession(data *events.SessionStateChangedData) {
	if data != nil {
		o.eventsMgr.Emit("session", o.session.ID, data)
	}
}

// snapEquity values a snapshot at the given marks, falling back to average
// cost for unmarked symbols.
func snapEquity(snap domain.PortfolioSnapshot, prices map[domain.Symbol]decimal.Decimal) decimal.Decimal {
	total := snap.CashAvailable.Add(snap.CashReserved)
	for _, pos := range snap.Positions {
		price, ok := prices[pos.Symbol]
		if !ok {
			price = pos.AverageCost
		}
		total = total.Add(pos.Quantity.Mul(price))
	}
	return total
}
