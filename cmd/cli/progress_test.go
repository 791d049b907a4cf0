package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/peerdrop/internal/transfer"
)

func TestProgressThrottle(t *testing.T) {
	p := newProgressThrottle()
	snap := transfer.Snapshot{ID: "a", Direction: transfer.DirectionReceive, Status: transfer.StatusInProgress}

	require.True(t, p.allow(snap))
	snap.ProgressPercent = 0.4
	require.False(t, p.allow(snap))
	snap.ProgressPercent = 1.2
	require.True(t, p.allow(snap))
	snap.ProgressPercent = 1.9
	require.False(t, p.allow(snap))

	other := snap
	other.Direction = transfer.DirectionSend
	require.True(t, p.allow(other))

	snap.ProgressPercent = 100
	snap.Status = transfer.StatusCompleted
	require.True(t, p.allow(snap))
	require.True(t, p.allow(snap))
	require.Len(t, p.seen, 1)
}
