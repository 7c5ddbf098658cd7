package bcs

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/lightwatch-go/lightwatch/p2p"
)

// S4 — Sync trigger: spec §8 scenario S4. Head at 50; an announced header at
// 500 arrives with no known parent, becoming an orphan and triggering the
// sync driver.
func TestSyncTrigger(t *testing.T) {
	g := header(t, common.Hash{}, 0)
	e, peer := newTestEngine(g)

	cursor := g
	for n := int64(1); n <= 50; n++ {
		h := header(t, cursor.Hash(), n)
		e.handleBlockHeader(h)
		cursor = h
	}
	require.Equal(t, uint64(50), e.headOrZero())
	peer.provisions = nil // drop the linear-extension noise, only the sync batch matters

	h500 := header(t, common.HexToHash("0xfeedface"), 500)
	e.handleBlockHeader(h500)

	require.True(t, e.sync.active)
	require.Equal(t, uint64(51), e.sync.tail)
	require.Equal(t, uint64(500), e.sync.head)
	require.Equal(t, uint64(150), e.sync.next)

	last := peer.last()
	require.NotNil(t, last)
	require.Equal(t, p2p.ProvisionGetHeaders, last.Type)
	require.Equal(t, uint64(51), last.HeadersFrom)
	require.Equal(t, uint64(100), last.HeadersCount)
}

// TestSyncContinueRequestsNextBatch exercises syncContinue directly: once
// the chain catches up to syncNext, the next contiguous batch is requested.
func TestSyncContinueRequestsNextBatch(t *testing.T) {
	g := header(t, common.Hash{}, 0)
	e, peer := newTestEngine(g)
	e.sync = syncState{active: true, tail: 51, head: 500, next: 150}

	e.syncContinue(150)

	require.True(t, e.sync.active)
	require.Equal(t, uint64(250), e.sync.next)
	last := peer.last()
	require.NotNil(t, last)
	require.Equal(t, uint64(151), last.HeadersFrom)
	require.Equal(t, uint64(100), last.HeadersCount)
}

// TestSyncContinueCompletes verifies sync deactivates once the chain number
// reaches syncHead.
func TestSyncContinueCompletes(t *testing.T) {
	g := header(t, common.Hash{}, 0)
	e, _ := newTestEngine(g)
	e.sync = syncState{active: true, tail: 451, head: 500, next: 500}

	e.syncContinue(500)

	require.False(t, e.sync.active)
}
