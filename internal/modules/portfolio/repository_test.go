package portfolio

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-trade/helmsman/internal/domain"
	helmtest "github.com/helmsman-trade/helmsman/internal/testing"
)

func newRepo(t *testing.T) (*Repository, func()) {
	t.Helper()
	db, cleanup := helmtest.NewTestDB(t, "state")
	return NewRepository(db.Conn(), zerolog.Nop()), cleanup
}

func TestRepository_SaveAndGetRoundTrip(t *testing.T) {
	repo, cleanup := newRepo(t)
	defer cleanup()

	snap := domain.PortfolioSnapshot{
		ID:            "pf-1",
		Currency:      "USD",
		CashAvailable: helmtest.Dec(t, "1050"),
		CashReserved:  helmtest.Dec(t, "0"),
		RealizedPnL:   helmtest.Dec(t, "50"),
		Positions: []domain.PositionSnapshot{
			{Symbol: helmtest.BTCUSDT, Quantity: helmtest.Dec(t, "1"), AverageCost: helmtest.Dec(t, "8950")},
		},
	}
	require.NoError(t, repo.Save(snap))

	loaded, err := repo.Get("pf-1")
	require.NoError(t, err)
	assert.Equal(t, "1050", loaded.CashAvailable.String())
	assert.Equal(t, "50", loaded.RealizedPnL.String())
	require.Len(t, loaded.Positions, 1)
	assert.Equal(t, helmtest.BTCUSDT, loaded.Positions[0].Symbol)
	assert.Equal(t, "8950", loaded.Positions[0].AverageCost.String())
}

func TestRepository_SaveReplacesPositions(t *testing.T) {
	repo, cleanup := newRepo(t)
	defer cleanup()

	snap := domain.PortfolioSnapshot{
		ID: "pf-1", Currency: "USD",
		CashAvailable: helmtest.Dec(t, "1000"),
		CashReserved:  helmtest.Dec(t, "0"),
		RealizedPnL:   helmtest.Dec(t, "0"),
		Positions: []domain.PositionSnapshot{
			{Symbol: helmtest.BTCUSDT, Quantity: helmtest.Dec(t, "1"), AverageCost: helmtest.Dec(t, "9000")},
		},
	}
	require.NoError(t, repo.Save(snap))

	// Position closed: next save carries no positions.
	snap.Positions = nil
	require.NoError(t, repo.Save(snap))

	loaded, err := repo.Get("pf-1")
	require.NoError(t, err)
	assert.Empty(t, loaded.Positions)
}

func TestRepository_GetNotFound(t *testing.T) {
	repo, cleanup := newRepo(t)
	defer cleanup()

	_, err := repo.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := repo.Exists("missing")
	require.NoError(t, err)
	assert.False(t, exists)
}
