package egress

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sold-listings-crawler/internal/crawler"
)

func TestPoolRoundRobin(t *testing.T) {
	pool := New(Config{Addresses: []string{"p1", "p2", "p3"}}, nil)
	ctx := context.Background()

	var got []string
	for i := 0; i < 6; i++ {
		ep, err := pool.Acquire(ctx)
		require.NoError(t, err)
		got = append(got, ep.Address)
		pool.Report(ep.Address, OutcomeSuccess)
	}
	assert.Equal(t, []string{"p1", "p2", "p3", "p1", "p2", "p3"}, got)
}

func TestPoolStampsLastUsed(t *testing.T) {
	at := time.Date(2024, 10, 14, 9, 30, 0, 0, time.UTC)
	pool := New(Config{Addresses: []string{"p1", "p2"}}, nil, WithClock(func() time.Time { return at }))

	ep, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	snap := pool.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, at, snap[0].LastUsed)
	assert.Equal(t, 1, snap[0].InUse)
	assert.True(t, snap[1].LastUsed.IsZero())

	pool.Report(ep.Address, OutcomeSuccess)
	assert.Equal(t, 0, pool.Snapshot()[0].InUse)
}

func TestPoolEmptyListUsesDirectEndpoint(t *testing.T) {
	pool := New(Config{Addresses: []string{" ", ""}}, nil)
	require.Equal(t, 1, pool.Size())

	ep, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ep.Direct())
}

func TestPoolBansAfterThreshold(t *testing.T) {
	var banned []string
	pool := New(Config{Addresses: []string{"bad", "good"}, FailureThreshold: 2}, nil,
		WithBanHook(func(addr string) { banned = append(banned, addr) }))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ep, err := pool.Acquire(ctx)
		require.NoError(t, err)
		if ep.Address == "bad" {
			pool.Report(ep.Address, OutcomeBlocked)
		} else {
			pool.Report(ep.Address, OutcomeSuccess)
		}
		ep, err = pool.Acquire(ctx)
		require.NoError(t, err)
		if ep.Address == "bad" {
			pool.Report(ep.Address, OutcomeBlocked)
		} else {
			pool.Report(ep.Address, OutcomeSuccess)
		}
	}

	status := statusByAddress(pool.Snapshot())
	require.Equal(t, Banned, status["bad"].Health)
	require.Equal(t, 3, status["bad"].ConsecutiveFailures)
	require.Equal(t, Healthy, status["good"].Health)
	require.Equal(t, []string{"bad"}, banned)

	for i := 0; i < 20; i++ {
		ep, err := pool.Acquire(ctx)
		require.NoError(t, err)
		require.Equal(t, "good", ep.Address, "banned endpoint must never be handed out")
		pool.Report(ep.Address, OutcomeSuccess)
	}
}

func TestPoolToleratesFailuresUpToThreshold(t *testing.T) {
	pool := New(Config{Addresses: []string{"p1"}, FailureThreshold: 2}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ep, err := pool.Acquire(ctx)
		require.NoError(t, err)
		pool.Report(ep.Address, OutcomeBlocked)
	}
	snap := pool.Snapshot()[0]
	require.Equal(t, Suspected, snap.Health)
	require.Equal(t, 2, snap.ConsecutiveFailures)

	ep, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Report(ep.Address, OutcomeBlocked)
	require.Equal(t, Banned, pool.Snapshot()[0].Health)

	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, crawler.ErrPoolExhausted)
}

func TestPoolSuspectedRecoversOnSuccess(t *testing.T) {
	pool := New(Config{Addresses: []string{"p1"}, FailureThreshold: 5}, nil)
	ctx := context.Background()

	ep, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Report(ep.Address, OutcomeTransportFailure)
	require.Equal(t, Suspected, pool.Snapshot()[0].Health)

	ep, err = pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Report(ep.Address, OutcomeSuccess)
	snap := pool.Snapshot()[0]
	require.Equal(t, Healthy, snap.Health)
	require.Zero(t, snap.ConsecutiveFailures)
}

func TestPoolNeutralOnlyReleases(t *testing.T) {
	pool := New(Config{Addresses: []string{"p1"}, FailureThreshold: 1}, nil)
	ep, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, pool.Snapshot()[0].InUse)

	pool.Report(ep.Address, OutcomeNeutral)
	snap := pool.Snapshot()[0]
	require.Equal(t, Healthy, snap.Health)
	require.Zero(t, snap.InUse)
}

func TestPoolAllBannedFailsFast(t *testing.T) {
	pool := New(Config{Addresses: []string{"p1"}, FailureThreshold: 1}, nil)
	for i := 0; i < 2; i++ {
		ep, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		pool.Report(ep.Address, OutcomeBlocked)
	}

	_, err := pool.Acquire(context.Background())
	require.ErrorIs(t, err, crawler.ErrPoolExhausted)
}

func TestPoolAcquireBlocksUntilRelease(t *testing.T) {
	pool := New(Config{Addresses: []string{"p1"}}, nil)
	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)

	acquired := make(chan Endpoint, 1)
	go func() {
		ep, err := pool.Acquire(ctx)
		if err == nil {
			acquired <- ep
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should block while the endpoint is at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Report(first.Address, OutcomeSuccess)
	select {
	case ep := <-acquired:
		require.Equal(t, "p1", ep.Address)
	case <-time.After(time.Second):
		t.Fatal("acquire did not resume after release")
	}
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	pool := New(Config{Addresses: []string{"p1"}}, nil)
	_, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolConcurrentCapacity(t *testing.T) {
	pool := New(Config{Addresses: []string{"p1", "p2"}, MaxConcurrentPerEndpoint: 2}, nil)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inUse   = map[string]int{}
		maxSeen = map[string]int{}
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ep, err := pool.Acquire(ctx)
			if err != nil {
				return
			}
			mu.Lock()
			inUse[ep.Address]++
			if inUse[ep.Address] > maxSeen[ep.Address] {
				maxSeen[ep.Address] = inUse[ep.Address]
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inUse[ep.Address]--
			mu.Unlock()
			pool.Report(ep.Address, OutcomeSuccess)
		}()
	}
	wg.Wait()

	for addr, n := range maxSeen {
		assert.LessOrEqual(t, n, 2, "endpoint %s exceeded its capacity", addr)
	}
	for _, st := range pool.Snapshot() {
		assert.Zero(t, st.InUse)
	}
}

func TestParseAddresses(t *testing.T) {
	input := "# proxies\nhttp://10.0.0.1:8080\n\n  socks5://10.0.0.2:1080  \n#http://disabled\n"
	got, err := ParseAddresses(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []string{"http://10.0.0.1:8080", "socks5://10.0.0.2:1080"}, got)
}

func TestLoadAddressesMissingFile(t *testing.T) {
	_, err := LoadAddresses(t.TempDir() + "/missing.txt")
	require.Error(t, err)
}

func statusByAddress(in []EndpointStatus) map[string]EndpointStatus {
	out := make(map[string]EndpointStatus, len(in))
	for _, st := range in {
		out[st.Address] = st
	}
	return out
}
