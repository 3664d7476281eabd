// Package recovery rebuilds local state after a restart and reconciles it
// against the broker.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/helmsman-trade/helmsman/internal/domain"
	"github.com/helmsman-trade/helmsman/internal/events"
	"github.com/helmsman-trade/helmsman/internal/modules/orders"
	"github.com/helmsman-trade/helmsman/internal/modules/portfolio"
	"github.com/helmsman-trade/helmsman/internal/snapshots"
)

// ErrNoState is returned by Recover when neither a portfolio row nor a
// snapshot exists, so there is nothing to recover from.
var ErrNoState = errors.New("no persisted state for portfolio")

// Reconciler rebuilds a portfolio from persisted state and squares it with
// the broker's authoritative order and position lists. The broker is
// trusted for existence, the local ledger for cost basis and P&L history.
type Reconciler struct {
	orderRepo     *orders.Repository
	portfolioRepo *portfolio.Repository
	anomalyRepo   *orders.AnomalyRepository
	snapshots     *snapshots.Service
	broker        domain.BrokerClient
	eventsMgr     *events.Manager
	log           zerolog.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(
	orderRepo *orders.Repository,
	portfolioRepo *portfolio.Repository,
	anomalyRepo *orders.AnomalyRepository,
	snapshotSvc *snapshots.Service,
	broker domain.BrokerClient,
	eventsMgr *events.Manager,
	log zerolog.Logger,
) *Reconciler {
	return &Reconciler{
		orderRepo:     orderRepo,
		portfolioRepo: portfolioRepo,
		anomalyRepo:   anomalyRepo,
		snapshots:     snapshotSvc,
		broker:        broker,
		eventsMgr:     eventsMgr,
		log:           log.With().Str("service", "recovery").Logger(),
	}
}

// Recover loads the persisted portfolio, restores its reservations from
// open orders, and runs a full reconciliation pass against the broker.
// A lost PENDING order is never assumed filled: it is rejected and its
// funds released.
func (r *Reconciler) Recover(ctx context.Context, portfolioID string, method domain.CostBasisMethod) (*domain.Portfolio, error) {
	snap, err := r.loadState(portfolioID)
	if err != nil {
		return nil, err
	}

	pf, err := restorePortfolio(snap, method)
	if err != nil {
		return nil, err
	}

	openOrders, err := r.orderRepo.ListOpen(portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to load open orders: %w", err)
	}
	for _, order := range openOrders {
		if order.ReservedAmount.IsPositive() {
			remaining := remainingReservation(order)
			pf.RestoreReservation(order.ID, remaining)
		}
	}

	if err := r.reconcileOrders(ctx, pf, openOrders); err != nil {
		return nil, err
	}
	if err := r.reconcilePositions(ctx, pf); err != nil {
		return nil, err
	}

	if err := r.portfolioRepo.Save(pf.Snapshot()); err != nil {
		return nil, fmt.Errorf("failed to persist recovered portfolio: %w", err)
	}
	r.log.Info().
		Str("portfolio_id", portfolioID).
		Int("open_orders", len(openOrders)).
		Msg("Recovery complete")
	return pf, nil
}

// loadState reads the persisted portfolio, falling back to the latest
// snapshot when the portfolio row is gone. ErrNoState when neither exists.
func (r *Reconciler) loadState(portfolioID string) (domain.PortfolioSnapshot, error) {
	snap, err := r.portfolioRepo.Get(portfolioID)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, portfolio.ErrNotFound) {
		return domain.PortfolioSnapshot{}, fmt.Errorf("failed to load portfolio: %w", err)
	}

	rec, serr := r.snapshots.Latest(portfolioID)
	if errors.Is(serr, snapshots.ErrNoSnapshot) {
		return domain.PortfolioSnapshot{}, fmt.Errorf("%w: %s", ErrNoState, portfolioID)
	}
	if serr != nil {
		return domain.PortfolioSnapshot{}, fmt.Errorf("failed to load snapshot: %w", serr)
	}
	r.log.Warn().
		Str("portfolio_id", portfolioID).
		Time("taken_at", rec.TakenAt).
		Msg("Portfolio row missing, seeding state from latest snapshot")
	return rec.Portfolio, nil
}

// reconcileOrders squares local open orders with the broker's open-orders
// list. Broker orders unknown locally are adopted; local orders unknown to
// the broker are lost and rejected with funds released.
func (r *Reconciler) reconcileOrders(ctx context.Context, pf *domain.Portfolio, local []*domain.Order) error {
	brokerOrders, err := r.broker.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to query broker open orders: %w", err)
	}

	atBroker := make(map[string]domain.BrokerOpenOrder, len(brokerOrders))
	for _, bo := range brokerOrders {
		atBroker[bo.BrokerOrderID] = bo
	}
	localByBrokerID := make(map[string]*domain.Order, len(local))
	for _, order := range local {
		if order.BrokerOrderID != "" {
			localByBrokerID[order.BrokerOrderID] = order
		}
	}

	// Broker orders absent from local state are adopted.
	for _, bo := range brokerOrders {
		if _, known := localByBrokerID[bo.BrokerOrderID]; known {
			continue
		}
		if err := r.adoptBrokerOrder(pf, bo); err != nil {
			return err
		}
	}

	for _, order := range local {
		if order.BrokerOrderID != "" {
			if _, present := atBroker[order.BrokerOrderID]; present {
				continue
			}
		}
		// A CANCELLED order the broker no longer lists is simply done.
		if order.CurrentStatus() == domain.StatusCancelled {
			if err := r.finishCancelled(pf, order); err != nil {
				return err
			}
			continue
		}
		if err := r.rejectLost(pf, order); err != nil {
			return err
		}
	}
	return nil
}

// adoptBrokerOrder creates a local record for an order only the broker
// knows about.
func (r *Reconciler) adoptBrokerOrder(pf *domain.Portfolio, bo domain.BrokerOpenOrder) error {
	order, err := domain.NewOrder(domain.NewOrderParams{
		PortfolioID: pf.ID,
		Symbol:      bo.Symbol,
		Side:        bo.Side,
		Type:        bo.Type,
		Quantity:    bo.Quantity,
		LimitPrice:  bo.LimitPrice,
		Reserved:    domain.Zero(pf.Currency),
	})
	if err != nil {
		return fmt.Errorf("failed to adopt broker order %s: %w", bo.BrokerOrderID, err)
	}
	if _, err := order.Accept(bo.BrokerOrderID); err != nil {
		return err
	}
	if err := r.orderRepo.Save(order); err != nil {
		return fmt.Errorf("failed to save adopted order: %w", err)
	}

	detail := fmt.Sprintf("adopted broker order %s %s %s", bo.Side, bo.Quantity, bo.Symbol)
	if err := r.anomalyRepo.Record(orders.Anomaly{
		Kind:          orders.AnomalyUnknownBrokerOrder,
		OrderID:       order.ID,
		BrokerOrderID: bo.BrokerOrderID,
		PortfolioID:   pf.ID,
		Detail:        detail,
	}); err != nil {
		return err
	}
	r.emitAnomaly(orders.AnomalyUnknownBrokerOrder, order.ID, bo.BrokerOrderID, pf.ID, detail)
	return nil
}

// rejectLost moves a local order the broker has no record of to REJECTED
// and releases its reservation.
func (r *Reconciler) rejectLost(pf *domain.Portfolio, order *domain.Order) error {
	rejected, err := order.Reject("lost: broker has no record of this order", time.Now())
	if err != nil {
		return fmt.Errorf("failed to reject lost order %s: %w", order.ID, err)
	}
	released, err := pf.ReleaseAll(order.ID)
	if err != nil {
		return fmt.Errorf("failed to release funds for lost order %s: %w", order.ID, err)
	}
	if err := r.orderRepo.Save(order); err != nil {
		return fmt.Errorf("failed to save lost order: %w", err)
	}

	detail := fmt.Sprintf("local %s order not in broker open orders, rejected with %s released",
		order.Side, released.Amount)
	if err := r.anomalyRepo.Record(orders.Anomaly{
		Kind:          orders.AnomalyLostLocalOrder,
		OrderID:       order.ID,
		BrokerOrderID: order.BrokerOrderID,
		PortfolioID:   pf.ID,
		Detail:        detail,
	}); err != nil {
		return err
	}
	r.emitAnomaly(orders.AnomalyLostLocalOrder, order.ID, order.BrokerOrderID, pf.ID, detail)
	r.eventsMgr.Emit("orders", order.ID, rejected)
	r.eventsMgr.Emit("portfolio", pf.ID, released)
	return nil
}

// finishCancelled confirms a cancellation the broker has already applied.
func (r *Reconciler) finishCancelled(pf *domain.Portfolio, order *domain.Order) error {
	confirmed, err := order.ConfirmCancellation(time.Now())
	if err != nil {
		return fmt.Errorf("failed to confirm cancellation for %s: %w", order.ID, err)
	}
	released, err := pf.ReleaseAll(order.ID)
	if err != nil {
		return fmt.Errorf("failed to release funds for %s: %w", order.ID, err)
	}
	if err := r.orderRepo.Save(order); err != nil {
		return err
	}
	if confirmed != nil {
		r.eventsMgr.Emit("orders", order.ID, confirmed)
	}
	r.eventsMgr.Emit("portfolio", pf.ID, released)
	return nil
}

// reconcilePositions trusts the broker for position existence and
// quantity, and the local ledger for average cost.
func (r *Reconciler) reconcilePositions(ctx context.Context, pf *domain.Portfolio) error {
	brokerPositions, err := r.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("failed to query broker positions: %w", err)
	}

	local := make(map[domain.Symbol]domain.PositionSnapshot)
	for _, pos := range pf.Snapshot().Positions {
		local[pos.Symbol] = pos
	}
	seen := make(map[domain.Symbol]bool, len(brokerPositions))

	for _, bp := range brokerPositions {
		seen[bp.Symbol] = true
		lp, known := local[bp.Symbol]
		switch {
		case !known:
			// No local cost basis exists for an adopted position.
			pf.RestorePosition(bp.Symbol, bp.Quantity, decimal.Zero, time.Now())
			r.recordPositionAnomaly(pf.ID, bp.Symbol,
				fmt.Sprintf("broker holds %s with no local record, adopted at zero cost", bp.Quantity))
		case !lp.Quantity.Equal(bp.Quantity):
			pf.RestorePosition(bp.Symbol, bp.Quantity, lp.AverageCost, time.Now())
			r.recordPositionAnomaly(pf.ID, bp.Symbol,
				fmt.Sprintf("quantity mismatch: local %s, broker %s, broker adopted", lp.Quantity, bp.Quantity))
		}
	}

	for sym, lp := range local {
		if seen[sym] {
			continue
		}
		pf.RestorePosition(sym, decimal.Zero, decimal.Zero, time.Now())
		r.recordPositionAnomaly(pf.ID, sym,
			fmt.Sprintf("local position of %s not held at broker, removed", lp.Quantity))
	}
	return nil
}

// SweepStaleOrders requeries broker status for PENDING orders older than
// the threshold and reconciles the ones the broker no longer knows.
func (r *Reconciler) SweepStaleOrders(ctx context.Context, pf *domain.Portfolio, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	stale, err := r.orderRepo.ListStalePending(pf.ID, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list stale orders: %w", err)
	}

	for _, order := range stale {
		if order.BrokerOrderID == "" {
			// Crashed before the broker ack was recorded; the broker
			// cannot know this order.
			if err := r.rejectLost(pf, order); err != nil {
				return err
			}
			continue
		}
		_, err := r.broker.OrderStatus(ctx, order.BrokerOrderID, order.Symbol)
		if errors.Is(err, domain.ErrUnknownBrokerOrder) {
			if err := r.rejectLost(pf, order); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			r.log.Warn().Err(err).Str("order_id", order.ID).Msg("Stale order status query failed")
			continue
		}
		r.log.Debug().Str("order_id", order.ID).Msg("Stale order still open at broker")
	}

	if len(stale) > 0 {
		if err := r.portfolioRepo.Save(pf.Snapshot()); err != nil {
			return fmt.Errorf("failed to persist portfolio after sweep: %w", err)
		}
	}
	return nil
}

func (r *Reconciler) recordPositionAnomaly(portfolioID string, sym domain.Symbol, detail string) {
	if err := r.anomalyRepo.Record(orders.Anomaly{
		Kind:        orders.AnomalyPositionMismatch,
		PortfolioID: portfolioID,
		Detail:      fmt.Sprintf("%s: %s", sym, detail),
	}); err != nil {
		r.log.Error().Err(err).Msg("Failed to record position anomaly")
	}
	r.emitAnomaly(orders.AnomalyPositionMismatch, "", "", portfolioID, fmt.Sprintf("%s: %s", sym, detail))
}

func (r *Reconciler) emitAnomaly(kind, orderID, brokerOrderID, portfolioID, detail string) {
	r.eventsMgr.Emit("recovery", portfolioID, &events.ReconciliationAnomalyData{
		Kind:          kind,
		OrderID:       orderID,
		BrokerOrderID: brokerOrderID,
		PortfolioID:   portfolioID,
		Detail:        detail,
	})
}

// restorePortfolio rebuilds the aggregate from a persisted snapshot.
func restorePortfolio(snap domain.PortfolioSnapshot, method domain.CostBasisMethod) (*domain.Portfolio, error) {
	pf, err := domain.NewPortfolio(snap.ID, snap.Currency, snap.CashAvailable, method)
	if err != nil {
		return nil, fmt.Errorf("failed to restore portfolio: %w", err)
	}
	pf.CashReserved = snap.CashReserved
	pf.RealizedPnL = snap.RealizedPnL
	for _, pos := range snap.Positions {
		pf.RestorePosition(pos.Symbol, pos.Quantity, pos.AverageCost, time.Now())
	}
	return pf, nil
}

// remainingReservation is the order's reservation minus what its recorded
// fills already spent.
func remainingReservation(order *domain.Order) decimal.Decimal {
	remaining := order.ReservedAmount.Amount
	for _, f := range order.Fills {
		remaining = remaining.Sub(f.Price.Amount.Mul(f.Quantity))
	}
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}
