package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-trade/helmsman/internal/domain"
	"github.com/helmsman-trade/helmsman/internal/events"
	"github.com/helmsman-trade/helmsman/internal/modules/orders"
	"github.com/helmsman-trade/helmsman/internal/modules/portfolio"
	"github.com/helmsman-trade/helmsman/internal/risk"
	helmtest "github.com/helmsman-trade/helmsman/internal/testing"
)

type orchFixture struct {
	orch        *Orchestrator
	broker      *helmtest.MockBroker
	portfolio   *domain.Portfolio
	orderRepo   *orders.Repository
	pfRepo      *portfolio.Repository
	anomalyRepo *orders.AnomalyRepository
	cleanup     func()
}

func newOrchFixture(t *testing.T, mutate ...func(*Config)) *orchFixture {
	t.Helper()

	ledgerDB, cleanLedger := helmtest.NewTestDB(t, "ledger")
	stateDB, cleanState := helmtest.NewTestDB(t, "state")

	pf := helmtest.NewPortfolio(t, "pf-1", "10000")
	broker := helmtest.NewMockBroker()
	broker.SetPrice(helmtest.BTCUSDT, helmtest.USD(t, "9000"))

	orderRepo := orders.NewRepository(ledgerDB.Conn(), zerolog.Nop())
	pfRepo := portfolio.NewRepository(stateDB.Conn(), zerolog.Nop())
	anomalyRepo := orders.NewAnomalyRepository(ledgerDB.Conn(), zerolog.Nop())
	sess := NewSession("pf-1", []string{"momentum"}, []domain.Symbol{helmtest.BTCUSDT})

	cfg := Config{
		Session:         sess,
		Portfolio:       pf,
		Broker:          broker,
		Validator:       risk.NewValidator(zerolog.Nop()),
		Sizer:           risk.FixedFractional{Fraction: helmtest.Dec(t, "0.02")},
		Limits:          risk.DefaultLimits(),
		OrderStore:      orderRepo,
		PortfolioStore:  pfRepo,
		SessionStore:    NewRepository(stateDB.Conn(), zerolog.Nop()),
		Anomalies:       anomalyRepo,
		Events:          events.NewManager(events.NewBus(zerolog.Nop()), zerolog.Nop()),
		MonitorInterval: 20 * time.Millisecond,
		Log:             zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	return &orchFixture{
		orch:        NewOrchestrator(cfg),
		broker:      broker,
		portfolio:   pf,
		orderRepo:   orderRepo,
		pfRepo:      pfRepo,
		anomalyRepo: anomalyRepo,
		cleanup: func() {
			cleanLedger()
			cleanState()
		},
	}
}

func buySignal(t *testing.T, qty string) *domain.Signal {
	t.Helper()
	return &domain.Signal{
		StrategyID: "momentum",
		Symbol:     helmtest.BTCUSDT,
		Side:       domain.SideBuy,
		Type:       domain.TypeMarket,
		Quantity:   helmtest.Dec(t, qty),
		Confidence: decimal.NewFromInt(1),
	}
}

func TestOrchestrator_SignalToFilledOrder(t *testing.T) {
	f := newOrchFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	require.NoError(t, f.orch.Start(ctx))
	assert.Equal(t, StatusRunning, f.orch.Session().CurrentStatus())

	require.NoError(t, f.orch.SubmitSignal(buySignal(t, "0.1")))

	// Reservation of 900 is visible once the order is placed.
	require.Eventually(t, func() bool {
		return f.portfolio.Snapshot().CashReserved.Equal(helmtest.Dec(t, "900"))
	}, 2*time.Second, 10*time.Millisecond)

	open, err := f.orderRepo.ListOpen("pf-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	brokerOrderID := open[0].BrokerOrderID
	require.NotEmpty(t, brokerOrderID)

	f.broker.Push(domain.ExecutionReport{
		Kind:          domain.ExecutionFill,
		BrokerOrderID: brokerOrderID,
		Symbol:        helmtest.BTCUSDT,
		Price:         helmtest.USD(t, "8950"),
		Quantity:      helmtest.Dec(t, "0.1"),
		Commission:    helmtest.USD(t, "0"),
		Timestamp:     time.Now(),
	})

	require.Eventually(t, func() bool {
		pos, ok := f.portfolio.Position(helmtest.BTCUSDT)
		return ok && pos.Quantity.Equal(helmtest.Dec(t, "0.1"))
	}, 2*time.Second, 10*time.Millisecond)

	snap := f.portfolio.Snapshot()
	assert.True(t, snap.CashReserved.IsZero(), "reservation settled and refunded")
	// 10000 - 895 spent = 9105.
	assert.Equal(t, "9105", snap.CashAvailable.String())

	require.NoError(t, f.orch.Stop(ctx))
	assert.Equal(t, StatusStopped, f.orch.Session().CurrentStatus())
}

// A commissioned buy reserves the estimated fee on top of the notional,
// so settlement never has to draw past the reservation.
func TestOrchestrator_ReservationCoversCommission(t *testing.T) {
	f := newOrchFixture(t, func(cfg *Config) {
		cfg.Commission = domain.CommissionModel{
			Fixed: helmtest.Dec(t, "1"),
			Rate:  helmtest.Dec(t, "0.001"),
		}
	})
	defer f.cleanup()
	ctx := context.Background()

	require.NoError(t, f.orch.Start(ctx))
	require.NoError(t, f.orch.SubmitSignal(buySignal(t, "0.1")))

	// 900 notional + 1 fixed + 0.9 variable.
	var brokerOrderID string
	require.Eventually(t, func() bool {
		if !f.portfolio.Snapshot().CashReserved.Equal(helmtest.Dec(t, "901.9")) {
			return false
		}
		open, err := f.orderRepo.ListOpen("pf-1")
		if err == nil && len(open) == 1 && open[0].BrokerOrderID != "" {
			brokerOrderID = open[0].BrokerOrderID
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	f.broker.Push(domain.ExecutionReport{
		Kind:          domain.ExecutionFill,
		BrokerOrderID: brokerOrderID,
		Symbol:        helmtest.BTCUSDT,
		Price:         helmtest.USD(t, "9000"),
		Quantity:      helmtest.Dec(t, "0.1"),
		Commission:    helmtest.USD(t, "1.9"),
		Timestamp:     time.Now(),
	})

	require.Eventually(t, func() bool {
		snap := f.portfolio.Snapshot()
		return snap.CashReserved.IsZero() && snap.CashAvailable.Equal(helmtest.Dec(t, "9098.1"))
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, f.portfolio.Snapshot().CashAvailable.IsNegative())
	anomalies, err := f.anomalyRepo.List(10)
	require.NoError(t, err)
	assert.Empty(t, anomalies, "fully covered fill records no anomaly")

	require.NoError(t, f.orch.Stop(ctx))
}

// A fill that lands after a local cancel still settles, and the settled
// portfolio reaches the store so a restart cannot lose it.
func TestOrchestrator_FillAfterCancelSettlesAndPersists(t *testing.T) {
	f := newOrchFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	require.NoError(t, f.orch.Start(ctx))
	require.NoError(t, f.orch.SubmitSignal(buySignal(t, "0.1")))

	var brokerOrderID string
	require.Eventually(t, func() bool {
		open, err := f.orderRepo.ListOpen("pf-1")
		if err == nil && len(open) == 1 && open[0].BrokerOrderID != "" {
			brokerOrderID = open[0].BrokerOrderID
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// Cancel locally, then let the broker's fill win the race.
	res := f.orch.lookupOrder(brokerOrderID).Cancel(time.Now())
	require.Equal(t, domain.CancelOK, res.Outcome)

	f.broker.Push(domain.ExecutionReport{
		Kind:          domain.ExecutionFill,
		BrokerOrderID: brokerOrderID,
		Symbol:        helmtest.BTCUSDT,
		Price:         helmtest.USD(t, "9000"),
		Quantity:      helmtest.Dec(t, "0.1"),
		Commission:    helmtest.USD(t, "0"),
		Timestamp:     time.Now(),
	})

	require.Eventually(t, func() bool {
		snap, err := f.pfRepo.Get("pf-1")
		return err == nil && snap.CashAvailable.Equal(helmtest.Dec(t, "9100")) && snap.CashReserved.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	anomalies, err := f.anomalyRepo.List(10)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, orders.AnomalyFillAfterCancel, anomalies[0].Kind)

	require.NoError(t, f.orch.Stop(ctx))
}

func TestOrchestrator_SynchronousRejectionRollsBack(t *testing.T) {
	f := newOrchFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	f.broker.PlaceErrs = []error{&domain.BrokerError{Code: -1121, Message: "unknown symbol"}}

	require.NoError(t, f.orch.Start(ctx))
	require.NoError(t, f.orch.SubmitSignal(buySignal(t, "0.1")))

	require.Eventually(t, func() bool {
		all, err := f.orderRepo.ListByPortfolio("pf-1", 10)
		return err == nil && len(all) == 1 && all[0].Status == domain.StatusRejected
	}, 2*time.Second, 10*time.Millisecond)

	snap := f.portfolio.Snapshot()
	assert.Equal(t, "10000", snap.CashAvailable.String(), "reservation rolled back")
	assert.True(t, snap.CashReserved.IsZero())

	require.NoError(t, f.orch.Stop(ctx))
}

func TestOrchestrator_TransientFailureRetriesThenPlaces(t *testing.T) {
	f := newOrchFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	f.broker.PlaceErrs = []error{
		&domain.BrokerError{Code: -1003, Message: "slow down", Transient: true},
		nil, // second attempt succeeds
	}

	require.NoError(t, f.orch.Start(ctx))
	require.NoError(t, f.orch.SubmitSignal(buySignal(t, "0.1")))

	require.Eventually(t, func() bool {
		open, err := f.orderRepo.ListOpen("pf-1")
		return err == nil && len(open) == 1 && open[0].BrokerOrderID != ""
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, f.orch.Stop(ctx))
}

func TestOrchestrator_PausedEvaluatesButDoesNotPlace(t *testing.T) {
	f := newOrchFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	require.NoError(t, f.orch.Start(ctx))
	require.NoError(t, f.orch.Pause())
	require.NoError(t, f.orch.SubmitSignal(buySignal(t, "0.1")))

	// Give the signal loop time to consume it.
	time.Sleep(100 * time.Millisecond)

	all, err := f.orderRepo.ListByPortfolio("pf-1", 10)
	require.NoError(t, err)
	assert.Empty(t, all, "no order placed while paused")
	assert.True(t, f.portfolio.Snapshot().CashReserved.IsZero())

	require.NoError(t, f.orch.Resume())
	require.NoError(t, f.orch.SubmitSignal(buySignal(t, "0.1")))
	require.Eventually(t, func() bool {
		all, err := f.orderRepo.ListByPortfolio("pf-1", 10)
		return err == nil && len(all) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.orch.Stop(ctx))
}

func TestOrchestrator_CancelConfirmationReleasesFunds(t *testing.T) {
	f := newOrchFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	require.NoError(t, f.orch.Start(ctx))
	require.NoError(t, f.orch.SubmitSignal(buySignal(t, "0.1")))

	var brokerOrderID string
	require.Eventually(t, func() bool {
		open, err := f.orderRepo.ListOpen("pf-1")
		if err == nil && len(open) == 1 && open[0].BrokerOrderID != "" {
			brokerOrderID = open[0].BrokerOrderID
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	f.broker.Push(domain.ExecutionReport{
		Kind:          domain.ExecutionCancelConfirmed,
		BrokerOrderID: brokerOrderID,
		Symbol:        helmtest.BTCUSDT,
		Timestamp:     time.Now(),
	})

	require.Eventually(t, func() bool {
		snap := f.portfolio.Snapshot()
		return snap.CashAvailable.Equal(helmtest.Dec(t, "10000")) && snap.CashReserved.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	loaded, err := f.orderRepo.GetByBrokerOrderID(brokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelledConfirmed, loaded.Status)

	require.NoError(t, f.orch.Stop(ctx))
}

func TestOrchestrator_EmergencyStopCancelsAndLocks(t *testing.T) {
	f := newOrchFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	require.NoError(t, f.orch.Start(ctx))
	require.NoError(t, f.orch.SubmitSignal(buySignal(t, "0.1")))

	require.Eventually(t, func() bool {
		open, err := f.orderRepo.ListOpen("pf-1")
		return err == nil && len(open) == 1 && open[0].BrokerOrderID != ""
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.orch.EmergencyStop(ctx, "manual kill", false))

	assert.Equal(t, StatusStopped, f.orch.Session().CurrentStatus())
	assert.True(t, f.orch.Session().IsLocked())
	assert.Len(t, f.broker.Cancelled, 1, "open order cancelled at the broker")

	// Locked sessions refuse to start again until unlocked.
	_, err := f.orch.Session().Start(time.Now())
	assert.ErrorIs(t, err, ErrSessionLocked)

	f.orch.Unlock()
	assert.False(t, f.orch.Session().IsLocked())

	err = f.orch.SubmitSignal(buySignal(t, "0.1"))
	assert.Error(t, err, "intake stays closed after stop")
}

func TestOrchestrator_StopLossMonitorClosesPosition(t *testing.T) {
	f := newOrchFixture(t)
	defer f.cleanup()
	ctx := context.Background()

	require.NoError(t, f.orch.Start(ctx))

	stop := helmtest.USD(t, "8500")
	sig := buySignal(t, "0.1")
	sig.StopLoss = &stop
	require.NoError(t, f.orch.SubmitSignal(sig))

	var brokerOrderID string
	require.Eventually(t, func() bool {
		open, err := f.orderRepo.ListOpen("pf-1")
		if err == nil && len(open) == 1 && open[0].BrokerOrderID != "" {
			brokerOrderID = open[0].BrokerOrderID
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	f.broker.Push(domain.ExecutionReport{
		Kind:          domain.ExecutionFill,
		BrokerOrderID: brokerOrderID,
		Symbol:        helmtest.BTCUSDT,
		Price:         helmtest.USD(t, "9000"),
		Quantity:      helmtest.Dec(t, "0.1"),
		Commission:    helmtest.USD(t, "0"),
		Timestamp:     time.Now(),
	})
	require.Eventually(t, func() bool {
		_, ok := f.portfolio.Position(helmtest.BTCUSDT)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// Price drops through the stop; the monitor submits a closing sell.
	f.broker.SetPrice(helmtest.BTCUSDT, helmtest.USD(t, "8400"))

	require.Eventually(t, func() bool {
		all, err := f.orderRepo.ListByPortfolio("pf-1", 10)
		if err != nil {
			return false
		}
		for _, o := range all {
			if o.Side == domain.SideSell {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, f.orch.Stop(ctx))
}
