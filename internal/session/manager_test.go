package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-trade/helmsman/internal/domain"
	helmtest "github.com/helmsman-trade/helmsman/internal/testing"
)

// Concurrent Start calls for the same portfolio must build exactly one
// session; the rest observe it.
func TestManager_ConcurrentStartBuildsOneSession(t *testing.T) {
	var builds atomic.Int32
	mgr := NewManager(func(s *Session) (*Orchestrator, error) {
		builds.Add(1)
		f := newOrchFixture(t, func(cfg *Config) { cfg.Session = s })
		t.Cleanup(f.cleanup)
		return f.orch, nil
	}, zerolog.Nop())

	const starters = 8
	snaps := make([]Snapshot, starters)
	var wg sync.WaitGroup
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := mgr.Start(context.Background(), "pf-1", []string{"momentum"}, []domain.Symbol{helmtest.BTCUSDT})
			assert.NoError(t, err)
			snaps[i] = snap
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, snap := range snaps[1:] {
		assert.Equal(t, snaps[0].ID, snap.ID)
	}

	require.NoError(t, mgr.Stop(context.Background(), "pf-1"))
}
