package bcs

import (
	"sort"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

// Once head-tail reaches twice the retention depth, everything older than
// the new tail is saved oldest-first and released, except genesis.
func TestReclaimSavesOldestFirst(t *testing.T) {
	g := header(t, common.Hash{}, 0)
	peer := &fakePeer{}
	var saved []uint64
	e := New(Config{
		Peer:    peer,
		Genesis: g,
		SaveCallback: func(h *types.Header) {
			saved = append(saved, h.Number.Uint64())
		},
	})

	cursor := g
	for n := int64(1); n <= 601; n++ {
		h := header(t, cursor.Hash(), n)
		e.handleBlockHeader(h)
		cursor = h
	}

	tail := e.headers.get(e.chainTail)
	require.NotNil(t, tail)
	require.Equal(t, uint64(300), tail.Number.Uint64())

	require.Len(t, saved, 299, "headers 1..299 are released; genesis never is")
	require.True(t, sort.SliceIsSorted(saved, func(i, j int) bool { return saved[i] < saved[j] }),
		"save callback must receive headers oldest-first")
	require.Equal(t, uint64(1), saved[0])
	require.Equal(t, uint64(299), saved[len(saved)-1])

	require.NotNil(t, e.headers.get(g.Hash()), "genesis must survive reclamation")
}

// Restore rebuilds head and tail from a shuffled save-file replay, keeping
// the latest-timestamp entry when two saved headers share a number.
func TestRestoreReconstructsChain(t *testing.T) {
	g := header(t, common.Hash{}, 0)
	h1 := header(t, g.Hash(), 1)
	stale2 := header(t, h1.Hash(), 2)
	h2 := header(t, h1.Hash(), 2)
	h2.Time = stale2.Time + 5
	h3 := header(t, h2.Hash(), 3)

	e, _ := newTestEngine(nil)
	e.Restore([]*types.Header{h3, stale2, g, h2, h1})

	require.Equal(t, h3.Hash(), e.chain)
	require.Equal(t, g.Hash(), e.chainTail)
	require.NotNil(t, e.headers.get(stale2.Hash()), "stale siblings stay in the header set")
}
