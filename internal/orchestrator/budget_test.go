package orchestrator

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetReserveCommitRelease(t *testing.T) {
	t.Parallel()

	b := NewBudget(2)
	require.True(t, b.TryReserve())
	require.True(t, b.TryReserve())
	require.False(t, b.TryReserve())
	require.False(t, b.HasRoom())

	b.Release()
	require.True(t, b.HasRoom())
	require.True(t, b.TryReserve())

	assert.False(t, b.Commit())
	assert.True(t, b.Commit())
	assert.True(t, b.Full())
	assert.False(t, b.TryReserve())

	reserved, committed := b.Counts()
	assert.Equal(t, 0, reserved)
	assert.Equal(t, 2, committed)
}

func TestBudgetUnlimited(t *testing.T) {
	t.Parallel()

	b := NewBudget(0)
	for range 1000 {
		require.True(t, b.TryReserve())
		require.False(t, b.Commit())
	}
	assert.True(t, b.HasRoom())
	assert.False(t, b.Full())
}

func TestBudgetReleaseWithoutReservationIsIgnored(t *testing.T) {
	t.Parallel()

	b := NewBudget(1)
	b.Release()
	reserved, committed := b.Counts()
	assert.Zero(t, reserved)
	assert.Zero(t, committed)
	assert.True(t, b.TryReserve())
}

func TestBudgetConcurrentReservationsNeverOvershoot(t *testing.T) {
	t.Parallel()

	const limit = 10
	b := NewBudget(limit)
	var granted atomic.Int64
	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				if b.TryReserve() {
					granted.Add(1)
					b.Commit()
				}
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, limit, granted.Load())
	_, committed := b.Counts()
	assert.Equal(t, limit, committed)
}
