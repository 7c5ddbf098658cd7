package bcs

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/lightwatch-go/lightwatch/p2p"
)

// S5 — Pending -> included -> orphaned -> pending: spec §8 scenario S5.
func TestPendingIncludedOrphanedPending(t *testing.T) {
	g := header(t, common.Hash{}, 0)
	e, peer := newTestEngine(g)

	a1 := header(t, g.Hash(), 1)
	a2 := header(t, a1.Hash(), 2)
	e.handleBlockHeader(a1)
	e.handleBlockHeader(a2)

	tx := &Transaction{Hash: common.HexToHash("0xbeef"), Status: Status{Kind: StatusSubmitted}}
	e.txs[tx.Hash] = tx
	e.addToPending(tx.Hash)

	e.applyWireStatus(tx, p2p.WireTxStatus{Kind: p2p.TxStatusIncluded, BlockHash: a2.Hash(), BlockNumber: 2})
	require.Equal(t, StatusIncluded, tx.Status.Kind)
	require.NotContains(t, e.pendingTxs, tx.Hash, "an in-chain INCLUDED tx must leave the pending list")

	// Reorg: B2/B3 orphan A2 (mirrors TestSingleBlockReorg).
	b2 := header(t, a1.Hash(), 2)
	b3 := header(t, b2.Hash(), 3)
	e.handleBlockHeader(b2)
	e.handleBlockHeader(b3)

	require.Equal(t, StatusPending, tx.Status.Kind, "tx must revert to PENDING once its block becomes an orphan")
	require.Contains(t, e.pendingTxs, tx.Hash, "a reverted-to-PENDING tx must rejoin the pending list")

	// The periodic tick must re-request status for the now-pending tx.
	e.tickTransactionStatus()
	last := peer.last()
	require.NotNil(t, last)
	require.Equal(t, p2p.ProvisionGetTxStatuses, last.Type)
	require.Contains(t, last.Hashes, tx.Hash)
}

// Invariant 4 from spec §8: terminal-status transactions are never in the
// pending list.
func TestErroredTransactionLeavesPending(t *testing.T) {
	g := header(t, common.Hash{}, 0)
	e, _ := newTestEngine(g)

	tx := &Transaction{Hash: common.HexToHash("0xcafe"), Status: Status{Kind: StatusSubmitted}}
	e.txs[tx.Hash] = tx
	e.addToPending(tx.Hash)

	e.applyWireStatus(tx, p2p.WireTxStatus{Kind: p2p.TxStatusError, Reason: "insufficient funds"})

	require.Equal(t, StatusErrored, tx.Status.Kind)
	require.NotContains(t, e.pendingTxs, tx.Hash)

	// ERRORED is sticky: a later status must not move it off terminal.
	e.applyWireStatus(tx, p2p.WireTxStatus{Kind: p2p.TxStatusPending})
	require.Equal(t, StatusErrored, tx.Status.Kind)
}

// TestUnknownStatusIsNoise verifies spec §4.4.6 step 2: UNKNOWN never
// overwrites a transaction's prior status.
func TestUnknownStatusIsNoise(t *testing.T) {
	g := header(t, common.Hash{}, 0)
	e, _ := newTestEngine(g)

	tx := &Transaction{Hash: common.HexToHash("0xf00d"), Status: Status{Kind: StatusSubmitted}}
	e.txs[tx.Hash] = tx

	e.applyWireStatus(tx, p2p.WireTxStatus{Kind: p2p.TxStatusUnknown})
	require.Equal(t, StatusSubmitted, tx.Status.Kind)
}
