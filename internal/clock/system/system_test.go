package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "got %v", got)
}

func TestFixedClock(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("BST", 3600)
	at := time.Date(2024, 10, 14, 9, 30, 0, 0, loc)
	clk := Fixed{At: at}

	require.Equal(t, time.UTC, clk.Now().Location())
	require.True(t, clk.Now().Equal(at))
}
