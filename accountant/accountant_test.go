package accountant

import (
	"sync"
	"testing"

	"github.com/dragoonfly-net/dragoonfly/dragoonerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveCommit(t *testing.T) {
	a := New(1000)
	tok, err := a.Reserve(400)
	require.NoError(t, err)
	assert.Equal(t, Totals{Total: 1000, Used: 400, Free: 600}, a.Snapshot())

	a.Commit(tok)
	assert.Equal(t, Totals{Total: 1000, Used: 400, Free: 600}, a.Snapshot())
}

func TestReserveAbortReleases(t *testing.T) {
	a := New(1000)
	tok, err := a.Reserve(400)
	require.NoError(t, err)
	a.Abort(tok)
	assert.Equal(t, Totals{Total: 1000, Used: 0, Free: 1000}, a.Snapshot())
}

func TestReserveInsufficientSpace(t *testing.T) {
	a := New(100)
	_, err := a.Reserve(50)
	require.NoError(t, err)
	_, err = a.Reserve(51)
	require.Error(t, err)
	derr, ok := dragoonerr.As(err)
	require.True(t, ok)
	assert.Equal(t, dragoonerr.InsufficientSpace, derr.Kind)
}

func TestSetTotalDoesNotEvict(t *testing.T) {
	a := New(1000)
	_, err := a.Reserve(900)
	require.NoError(t, err)

	totals := a.SetTotal(100)
	assert.Equal(t, int64(100), totals.Total)
	assert.Equal(t, int64(900), totals.Used)
	assert.Equal(t, int64(0), totals.Free)

	_, err = a.Reserve(1)
	require.Error(t, err)
}

func TestAbortIsIdempotent(t *testing.T) {
	a := New(1000)
	tok, err := a.Reserve(100)
	require.NoError(t, err)
	a.Abort(tok)
	a.Abort(tok)
	assert.Equal(t, int64(1000), a.Snapshot().Free)
}

func TestConcurrentReserveNeverExceedsTotal(t *testing.T) {
	a := New(1000)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := a.Reserve(30)
			if err == nil {
				mu.Lock()
				succeeded += 30
				mu.Unlock()
				a.Commit(tok)
			}
		}()
	}
	wg.Wait()
	snap := a.Snapshot()
	assert.LessOrEqual(t, snap.Used, int64(1000))
	assert.Equal(t, succeeded, snap.Used)
}
