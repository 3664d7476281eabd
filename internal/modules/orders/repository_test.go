package orders

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-trade/helmsman/internal/domain"
	helmtest "github.com/helmsman-trade/helmsman/internal/testing"
)

func newRepo(t *testing.T) (*Repository, func()) {
	t.Helper()
	db, cleanup := helmtest.NewTestDB(t, "ledger")
	return NewRepository(db.Conn(), zerolog.Nop()), cleanup
}

func TestRepository_SaveAndLoadRoundTrip(t *testing.T) {
	repo, cleanup := newRepo(t)
	defer cleanup()

	limit := helmtest.USD(t, "9000")
	order, err := domain.NewOrder(domain.NewOrderParams{
		PortfolioID: "pf-1",
		Symbol:      helmtest.BTCUSDT,
		Side:        domain.SideBuy,
		Type:        domain.TypeLimit,
		Quantity:    decimal.NewFromInt(2),
		LimitPrice:  &limit,
		Reserved:    helmtest.USD(t, "18000"),
	})
	require.NoError(t, err)
	require.NoError(t, repo.Save(order))

	loaded, err := repo.GetByID(order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, loaded.ID)
	assert.Equal(t, domain.StatusPending, loaded.Status)
	assert.Equal(t, helmtest.BTCUSDT, loaded.Symbol)
	require.NotNil(t, loaded.LimitPrice)
	assert.Equal(t, "9000", loaded.LimitPrice.Amount.String())
	assert.Equal(t, "18000", loaded.ReservedAmount.Amount.String())
}

func TestRepository_SavePersistsFillsOnce(t *testing.T) {
	repo, cleanup := newRepo(t)
	defer cleanup()

	order := helmtest.NewBuyOrder(t, "pf-1", helmtest.BTCUSDT, "2", "18000")
	_, err := order.Accept("bo-1")
	require.NoError(t, err)
	require.NoError(t, repo.Save(order))

	_, err = order.Fill(helmtest.USD(t, "8900"), decimal.NewFromInt(1), time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.Save(order))
	// Saving again must not duplicate the fill row.
	require.NoError(t, repo.Save(order))

	_, err = order.Fill(helmtest.USD(t, "8950"), decimal.NewFromInt(1), time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.Save(order))

	loaded, err := repo.GetByBrokerOrderID("bo-1")
	require.NoError(t, err)
	require.Len(t, loaded.Fills, 2)
	assert.Equal(t, "8900", loaded.Fills[0].Price.Amount.String())
	assert.Equal(t, "8950", loaded.Fills[1].Price.Amount.String())
	assert.Equal(t, domain.StatusFilled, loaded.Status)
	assert.True(t, loaded.UnfilledQuantity().IsZero())
}

func TestRepository_GetByIDNotFound(t *testing.T) {
	repo, cleanup := newRepo(t)
	defer cleanup()

	_, err := repo.GetByID("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_ListOpenIncludesCancelledAwaitingConfirmation(t *testing.T) {
	repo, cleanup := newRepo(t)
	defer cleanup()

	pending := helmtest.NewBuyOrder(t, "pf-1", helmtest.BTCUSDT, "1", "9000")
	require.NoError(t, repo.Save(pending))

	cancelled := helmtest.NewBuyOrder(t, "pf-1", helmtest.BTCUSDT, "1", "9000")
	cancelled.Cancel(time.Now())
	require.NoError(t, repo.Save(cancelled))

	rejected := helmtest.NewBuyOrder(t, "pf-1", helmtest.BTCUSDT, "1", "9000")
	_, err := rejected.Reject("no", time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.Save(rejected))

	open, err := repo.ListOpen("pf-1")
	require.NoError(t, err)
	require.Len(t, open, 2)

	ids := map[string]bool{open[0].ID: true, open[1].ID: true}
	assert.True(t, ids[pending.ID])
	assert.True(t, ids[cancelled.ID], "CANCELLED awaits confirmation, still open")
	assert.False(t, ids[rejected.ID])
}

func TestRepository_ListStalePending(t *testing.T) {
	repo, cleanup := newRepo(t)
	defer cleanup()

	order := helmtest.NewBuyOrder(t, "pf-1", helmtest.BTCUSDT, "1", "9000")
	require.NoError(t, repo.Save(order))

	stale, err := repo.ListStalePending("pf-1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale, "fresh order is not stale")

	stale, err = repo.ListStalePending("pf-1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, order.ID, stale[0].ID)
}

func TestAnomalyRepository_RecordAndList(t *testing.T) {
	db, cleanup := helmtest.NewTestDB(t, "ledger")
	defer cleanup()
	repo := NewAnomalyRepository(db.Conn(), zerolog.Nop())

	require.NoError(t, repo.Record(Anomaly{
		Kind:        AnomalyLostLocalOrder,
		OrderID:     "order-1",
		PortfolioID: "pf-1",
		Detail:      "broker has no record of order",
	}))

	list, err := repo.List(10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, AnomalyLostLocalOrder, list[0].Kind)
	assert.Equal(t, "order-1", list[0].OrderID)
	assert.False(t, list[0].DetectedAt.IsZero())
}
