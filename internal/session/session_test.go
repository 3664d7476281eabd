package session

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_Lifecycle(t *testing.T) {
	s := NewSession("pf-1", []string{"momentum"}, nil)
	assert.Equal(t, StatusStopped, s.CurrentStatus())

	data, err := s.Start(time.Now())
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, "STOPPED", data.OldStatus)
	assert.Equal(t, "STARTING", data.NewStatus)

	data, err = s.MarkRunning()
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, StatusRunning, s.CurrentStatus())

	data, err = s.Pause()
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, StatusPaused, s.CurrentStatus())

	data, err = s.Resume()
	require.NoError(t, err)
	require.NotNil(t, data)

	require.NotNil(t, s.BeginStop(""))
	assert.Equal(t, StatusStopping, s.CurrentStatus())
	require.NotNil(t, s.MarkStopped(time.Now()))
	assert.Equal(t, StatusStopped, s.CurrentStatus())
}

func TestSession_TransitionsIdempotent(t *testing.T) {
	s := NewSession("pf-1", nil, nil)

	_, err := s.Start(time.Now())
	require.NoError(t, err)
	data, err := s.Start(time.Now())
	require.NoError(t, err)
	assert.Nil(t, data, "starting a starting session is a no-op")

	_, err = s.MarkRunning()
	require.NoError(t, err)
	_, err = s.Pause()
	require.NoError(t, err)
	data, err = s.Pause()
	require.NoError(t, err)
	assert.Nil(t, data, "pausing a paused session is a no-op")

	assert.Nil(t, s.BeginStop(""))
	_ = s.MarkStopped(time.Now())
	assert.Nil(t, s.BeginStop(""), "stopping a stopped session is a no-op")
	assert.Nil(t, s.MarkStopped(time.Now()))
}

func TestSession_InvalidTransitions(t *testing.T) {
	s := NewSession("pf-1", nil, nil)

	_, err := s.Pause()
	assert.ErrorIs(t, err, ErrInvalidTransition, "cannot pause a stopped session")

	_, err = s.Resume()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.MarkRunning()
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSession_LockGatesStartAndResume(t *testing.T) {
	s := NewSession("pf-1", nil, nil)
	s.Lock()

	_, err := s.Start(time.Now())
	assert.ErrorIs(t, err, ErrSessionLocked)

	s.Unlock()
	_, err = s.Start(time.Now())
	assert.NoError(t, err)
}

func TestSession_FailLocksAndUnlockRecovers(t *testing.T) {
	s := NewSession("pf-1", nil, nil)
	_, err := s.Start(time.Now())
	require.NoError(t, err)
	_, err = s.MarkRunning()
	require.NoError(t, err)

	data := s.Fail("persistence unavailable")
	require.NotNil(t, data)
	assert.Equal(t, StatusError, s.CurrentStatus())
	assert.True(t, s.IsLocked())
	assert.Nil(t, s.Fail("again"), "failing a failed session is a no-op")

	data = s.Unlock()
	require.NotNil(t, data)
	assert.Equal(t, StatusStopped, s.CurrentStatus())
	assert.False(t, s.IsLocked())
}

func TestSession_StatsAndDrawdown(t *testing.T) {
	s := NewSession("pf-1", nil, nil)

	s.RecordTrade(decimal.NewFromInt(100))
	s.RecordTrade(decimal.NewFromInt(-40))
	s.RecordTrade(decimal.NewFromInt(25))

	snap := s.Snapshot()
	assert.Equal(t, 3, snap.Trades)
	assert.Equal(t, 2, snap.Wins)
	assert.Equal(t, 1, snap.Losses)
	assert.Equal(t, "85", snap.RealizedPnL.String())

	s.UpdateEquity(decimal.NewFromInt(10000))
	dd := s.UpdateEquity(decimal.NewFromInt(9000))
	assert.Equal(t, "10", dd.String())

	// A new high resets the drawdown.
	dd = s.UpdateEquity(decimal.NewFromInt(11000))
	assert.True(t, dd.IsZero())
}
