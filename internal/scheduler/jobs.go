package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/helmsman-trade/helmsman/internal/recovery"
	"github.com/helmsman-trade/helmsman/internal/session"
	"github.com/helmsman-trade/helmsman/internal/snapshots"
)

// jobTimeout bounds one job execution so a hung broker call cannot pile up
// overlapping runs.
const jobTimeout = 2 * time.Minute

// StaleOrderSweepJob requeries the broker for PENDING orders that have not
// resolved within the configured age and reconciles the ones the broker no
// longer knows about.
type StaleOrderSweepJob struct {
	sessions    *session.Manager
	reconciler  *recovery.Reconciler
	portfolioID string
	olderThan   time.Duration
	log         zerolog.Logger
}

// NewStaleOrderSweepJob creates a new stale order sweep job
func NewStaleOrderSweepJob(
	sessions *session.Manager,
	reconciler *recovery.Reconciler,
	portfolioID string,
	olderThan time.Duration,
	log zerolog.Logger,
) *StaleOrderSweepJob {
	return &StaleOrderSweepJob{
		sessions:    sessions,
		reconciler:  reconciler,
		portfolioID: portfolioID,
		olderThan:   olderThan,
		log:         log.With().Str("job", "stale_order_sweep").Logger(),
	}
}

func (j *StaleOrderSweepJob) Name() string { return "stale_order_sweep" }

// Run sweeps the active session's portfolio. Without an active session
// there are no in-flight orders to check.
func (j *StaleOrderSweepJob) Run() error {
	orch, ok := j.sessions.Get(j.portfolioID)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	return j.reconciler.SweepStaleOrders(ctx, orch.Portfolio(), j.olderThan)
}

// SnapshotJob periodically persists the active session and portfolio state
// for crash recovery.
type SnapshotJob struct {
	sessions    *session.Manager
	service     *snapshots.Service
	portfolioID string
	keep        int
	log         zerolog.Logger
}

// NewSnapshotJob creates a new snapshot job
func NewSnapshotJob(
	sessions *session.Manager,
	service *snapshots.Service,
	portfolioID string,
	keep int,
	log zerolog.Logger,
) *SnapshotJob {
	return &SnapshotJob{
		sessions:    sessions,
		service:     service,
		portfolioID: portfolioID,
		keep:        keep,
		log:         log.With().Str("job", "snapshot").Logger(),
	}
}

func (j *SnapshotJob) Name() string { return "snapshot" }

func (j *SnapshotJob) Run() error {
	orch, ok := j.sessions.Get(j.portfolioID)
	if !ok {
		return nil
	}

	sess := orch.Session().Snapshot()
	pf := orch.Portfolio().Snapshot()
	if err := j.service.Take(sess, pf); err != nil {
		return err
	}
	return j.service.Prune(j.portfolioID, j.keep)
}
