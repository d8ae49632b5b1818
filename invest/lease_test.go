package invest_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/investment-engine/invest"
)

func TestRunLease_SecondAcquireRejected(t *testing.T) {
	// GIVEN: A lease held by run A
	// WHEN: Run B tries to acquire it
	// THEN: ErrRunInProgress

	lease := invest.NewRunLease("payout-run", time.Minute)

	require.NoError(t, lease.TryAcquire("run-a"))
	assert.ErrorIs(t, lease.TryAcquire("run-b"), invest.ErrRunInProgress)
	assert.True(t, lease.Held())
}

func TestRunLease_ReleaseThenReacquire(t *testing.T) {
	lease := invest.NewRunLease("payout-run", time.Minute)

	require.NoError(t, lease.TryAcquire("run-a"))
	lease.Release("run-a")
	assert.False(t, lease.Held())

	assert.NoError(t, lease.TryAcquire("run-b"))
}

func TestRunLease_ExpiredLeaseIsFree(t *testing.T) {
	// GIVEN: A lease whose holder crashed (never released) past the TTL
	// WHEN: Another run tries to acquire
	// THEN: The stale lease is taken over

	lease := invest.NewRunLease("payout-run", 10*time.Millisecond)

	require.NoError(t, lease.TryAcquire("run-crashed"))
	time.Sleep(20 * time.Millisecond)

	assert.False(t, lease.Held())
	assert.NoError(t, lease.TryAcquire("run-b"))
}

func TestRunLease_ReleaseByNonHolderIsNoop(t *testing.T) {
	lease := invest.NewRunLease("payout-run", time.Minute)

	require.NoError(t, lease.TryAcquire("run-a"))
	lease.Release("run-b")

	assert.True(t, lease.Held())
	assert.ErrorIs(t, lease.TryAcquire("run-b"), invest.ErrRunInProgress)
}

func TestRunLease_ConcurrentContention_ExactlyOneWinner(t *testing.T) {
	// GIVEN: 50 goroutines racing for a fresh lease
	// WHEN: All call TryAcquire at once
	// THEN: Exactly one succeeds

	lease := invest.NewRunLease("payout-run", time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if lease.TryAcquire(fmt.Sprintf("run-%d", n)) == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}
