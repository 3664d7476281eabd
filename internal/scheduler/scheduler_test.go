package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-trade/helmsman/internal/domain"
	"github.com/helmsman-trade/helmsman/internal/events"
	"github.com/helmsman-trade/helmsman/internal/modules/orders"
	"github.com/helmsman-trade/helmsman/internal/modules/portfolio"
	"github.com/helmsman-trade/helmsman/internal/recovery"
	"github.com/helmsman-trade/helmsman/internal/risk"
	"github.com/helmsman-trade/helmsman/internal/session"
	"github.com/helmsman-trade/helmsman/internal/snapshots"
	helmtest "github.com/helmsman-trade/helmsman/internal/testing"
)

type countingJob struct {
	runs int
	err  error
}

func (j *countingJob) Run() error   { j.runs++; return j.err }
func (j *countingJob) Name() string { return "counting" }

func TestScheduler_RejectsBadSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.AddJob("not a schedule", &countingJob{})
	assert.Error(t, err)
}

func TestScheduler_RunNow(t *testing.T) {
	s := New(zerolog.Nop())

	job := &countingJob{}
	require.NoError(t, s.RunNow(job))
	assert.Equal(t, 1, job.runs)

	job.err = errors.New("boom")
	assert.Error(t, s.RunNow(job))
}

type jobFixture struct {
	sessions    *session.Manager
	reconciler  *recovery.Reconciler
	snapService *snapshots.Service
	broker      *helmtest.MockBroker
}

func newJobFixture(t *testing.T) *jobFixture {
	t.Helper()

	ledgerDB, cleanLedger := helmtest.NewTestDB(t, "ledger")
	stateDB, cleanState := helmtest.NewTestDB(t, "state")
	t.Cleanup(cleanLedger)
	t.Cleanup(cleanState)

	log := zerolog.Nop()
	broker := helmtest.NewMockBroker()
	broker.SetPrice(helmtest.BTCUSDT, helmtest.USD(t, "9000"))

	orderRepo := orders.NewRepository(ledgerDB.Conn(), log)
	portfolioRepo := portfolio.NewRepository(stateDB.Conn(), log)
	anomalyRepo := orders.NewAnomalyRepository(ledgerDB.Conn(), log)
	sessionRepo := session.NewRepository(stateDB.Conn(), log)
	snapService := snapshots.NewService(stateDB.Conn(), log)
	eventsMgr := events.NewManager(events.NewBus(log), log)

	factory := func(s *session.Session) (*session.Orchestrator, error) {
		return session.NewOrchestrator(session.Config{
			Session:         s,
			Portfolio:       helmtest.NewPortfolio(t, s.PortfolioID, "10000"),
			Broker:          broker,
			Validator:       risk.NewValidator(log),
			Sizer:           risk.FixedFractional{Fraction: helmtest.Dec(t, "0.02")},
			Limits:          risk.DefaultLimits(),
			OrderStore:      orderRepo,
			PortfolioStore:  portfolioRepo,
			SessionStore:    sessionRepo,
			Anomalies:       anomalyRepo,
			Events:          eventsMgr,
			MonitorInterval: 50 * time.Millisecond,
			Log:             log,
		}), nil
	}

	return &jobFixture{
		sessions:    session.NewManager(factory, log),
		reconciler:  recovery.NewReconciler(orderRepo, portfolioRepo, anomalyRepo, snapService, broker, eventsMgr, log),
		snapService: snapService,
		broker:      broker,
	}
}

func TestStaleOrderSweepJob_NoSessionIsNoop(t *testing.T) {
	f := newJobFixture(t)

	job := NewStaleOrderSweepJob(f.sessions, f.reconciler, "pf-1", time.Hour, zerolog.Nop())
	assert.NoError(t, job.Run())
}

func TestSnapshotJob_PersistsActiveSession(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	_, err := f.sessions.Start(ctx, "pf-1", nil, []domain.Symbol{helmtest.BTCUSDT})
	require.NoError(t, err)
	defer f.sessions.StopAll(ctx)

	job := NewSnapshotJob(f.sessions, f.snapService, "pf-1", 3, zerolog.Nop())
	require.NoError(t, job.Run())

	rec, err := f.snapService.Latest("pf-1")
	require.NoError(t, err)
	assert.True(t, rec.Portfolio.CashAvailable.Equal(helmtest.Dec(t, "10000")))
	assert.Equal(t, session.StatusRunning, rec.Session.Status)
}

func TestSnapshotJob_NoSessionIsNoop(t *testing.T) {
	f := newJobFixture(t)

	job := NewSnapshotJob(f.sessions, f.snapService, "pf-1", 3, zerolog.Nop())
	require.NoError(t, job.Run())

	_, err := f.snapService.Latest("pf-1")
	assert.ErrorIs(t, err, snapshots.ErrNoSnapshot)
}
