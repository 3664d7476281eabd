package snapshots

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-trade/helmsman/internal/domain"
	"github.com/helmsman-trade/helmsman/internal/session"
	helmtest "github.com/helmsman-trade/helmsman/internal/testing"
)

func newService(t *testing.T) *Service {
	t.Helper()
	db, cleanup := helmtest.NewTestDB(t, "state")
	t.Cleanup(cleanup)
	return NewService(db.Conn(), zerolog.Nop())
}

func TestSnapshot_RoundTrip(t *testing.T) {
	svc := newService(t)

	pf := helmtest.NewPortfolio(t, "pf-1", "10000")
	_, err := pf.Reserve("o-1", helmtest.USD(t, "900"))
	require.NoError(t, err)
	pf.RestorePosition(helmtest.BTCUSDT, helmtest.Dec(t, "0.5"), helmtest.Dec(t, "9000"), time.Now())

	sess := session.NewSession("pf-1", []string{"momentum"}, []domain.Symbol{helmtest.BTCUSDT})
	_, err = sess.Start(time.Now())
	require.NoError(t, err)
	sess.RecordTrade(helmtest.Dec(t, "125.50"))

	require.NoError(t, svc.Take(sess.Snapshot(), pf.Snapshot()))

	rec, err := svc.Latest("pf-1")
	require.NoError(t, err)

	assert.Equal(t, "pf-1", rec.Portfolio.ID)
	assert.True(t, rec.Portfolio.CashAvailable.Equal(helmtest.Dec(t, "9100")))
	assert.True(t, rec.Portfolio.CashReserved.Equal(helmtest.Dec(t, "900")))
	require.Len(t, rec.Portfolio.Positions, 1)
	assert.Equal(t, helmtest.BTCUSDT, rec.Portfolio.Positions[0].Symbol)
	assert.True(t, rec.Portfolio.Positions[0].Quantity.Equal(helmtest.Dec(t, "0.5")))
	assert.True(t, rec.Portfolio.Positions[0].AverageCost.Equal(helmtest.Dec(t, "9000")))

	assert.Equal(t, "pf-1", rec.Session.PortfolioID)
	assert.Equal(t, session.StatusStarting, rec.Session.Status)
	assert.Equal(t, 1, rec.Session.Trades)
	assert.Equal(t, 1, rec.Session.Wins)
	assert.True(t, rec.Session.RealizedPnL.Equal(helmtest.Dec(t, "125.50")))
	assert.False(t, rec.TakenAt.IsZero())
}

func TestSnapshot_LatestPicksNewest(t *testing.T) {
	svc := newService(t)
	sess := session.NewSession("pf-1", nil, nil)

	first := helmtest.NewPortfolio(t, "pf-1", "10000")
	require.NoError(t, svc.Take(sess.Snapshot(), first.Snapshot()))

	second := helmtest.NewPortfolio(t, "pf-1", "7500")
	require.NoError(t, svc.Take(sess.Snapshot(), second.Snapshot()))

	rec, err := svc.Latest("pf-1")
	require.NoError(t, err)
	assert.True(t, rec.Portfolio.CashAvailable.Equal(helmtest.Dec(t, "7500")))
}

func TestSnapshot_LatestMissing(t *testing.T) {
	svc := newService(t)

	_, err := svc.Latest("nope")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestSnapshot_Prune(t *testing.T) {
	svc := newService(t)
	sess := session.NewSession("pf-1", nil, nil)

	for _, cash := range []string{"100", "200", "300", "400"} {
		pf := helmtest.NewPortfolio(t, "pf-1", cash)
		require.NoError(t, svc.Take(sess.Snapshot(), pf.Snapshot()))
	}
	other := helmtest.NewPortfolio(t, "pf-2", "999")
	require.NoError(t, svc.Take(sess.Snapshot(), other.Snapshot()))

	require.NoError(t, svc.Prune("pf-1", 2))

	rec, err := svc.Latest("pf-1")
	require.NoError(t, err)
	assert.True(t, rec.Portfolio.CashAvailable.Equal(helmtest.Dec(t, "400")))

	// The other portfolio's snapshots are untouched.
	recOther, err := svc.Latest("pf-2")
	require.NoError(t, err)
	assert.True(t, recOther.Portfolio.CashAvailable.Equal(helmtest.Dec(t, "999")))
}
