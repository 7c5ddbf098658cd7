package p2p

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func testNode() *Node {
	return NewNode([64]byte{1}, Endpoint{}, nil)
}

func TestProvisionerSplitsHeaders(t *testing.T) {
	n := testNode()
	p := &Provision{ID: 1, Type: ProvisionGetHeaders, HeadersFrom: 100, HeadersCount: 400}
	pr, err := newProvisioner(n, p)
	require.NoError(t, err)
	require.Equal(t, uint64(3), pr.messagesCount)

	var sent []GetBlockHeadersMessage
	for pr.hasUnsentMessages() {
		require.NoError(t, pr.sendNext(func(code uint64, data interface{}) error {
			require.Equal(t, uint64(CodeGetBlockHeaders), code)
			sent = append(sent, data.(GetBlockHeadersMessage))
			return nil
		}))
	}

	require.Len(t, sent, 3)
	require.Equal(t, uint64(100), sent[0].From)
	require.Equal(t, uint64(192), sent[0].Count)
	require.Equal(t, uint64(292), sent[1].From)
	require.Equal(t, uint64(192), sent[1].Count)
	require.Equal(t, uint64(484), sent[2].From)
	require.Equal(t, uint64(16), sent[2].Count)
}

// Responses may arrive out of order; slots are keyed by reqID-baseID and
// flattened in index order, never arrival order.
func TestProvisionerReassemblesOutOfOrder(t *testing.T) {
	n := testNode()
	p := &Provision{Type: ProvisionGetHeaders, HeadersFrom: 0, HeadersCount: 400}
	pr, err := newProvisioner(n, p)
	require.NoError(t, err)
	base := pr.messageIdentifier

	h := func(num int64) *types.Header { return &types.Header{Number: big.NewInt(num)} }
	require.NoError(t, pr.handleResponse(base+2, BlockHeadersMessage{ReqID: base + 2, Headers: []*types.Header{h(3)}}))
	require.NoError(t, pr.handleResponse(base, BlockHeadersMessage{ReqID: base, Headers: []*types.Header{h(1)}}))
	require.NoError(t, pr.handleResponse(base+1, BlockHeadersMessage{ReqID: base + 1, Headers: []*types.Header{h(2)}}))

	require.False(t, pr.hasOutstandingResponses())
	pr.finalize()

	got := p.Headers()
	require.Len(t, got, 3)
	require.Equal(t, int64(1), got[0].Number.Int64())
	require.Equal(t, int64(2), got[1].Number.Int64())
	require.Equal(t, int64(3), got[2].Number.Int64())
}

// Live provisioners on one node must hold disjoint contiguous request-ID
// blocks.
func TestRequestIDRangesDisjoint(t *testing.T) {
	n := testNode()

	var ranges [][2]uint64
	for i := 0; i < 5; i++ {
		pr, err := newProvisioner(n, &Provision{Type: ProvisionGetBodies, Hashes: make([]common.Hash, 70)})
		require.NoError(t, err)
		require.Equal(t, uint64(3), pr.messagesCount) // 70 hashes at a 32-per-message limit
		ranges = append(ranges, [2]uint64{pr.messageIdentifier, pr.messageIdentifier + pr.messagesCount})
	}
	for i := 1; i < len(ranges); i++ {
		require.GreaterOrEqual(t, ranges[i][0], ranges[i-1][1], "request-ID blocks must never overlap")
	}
}

// SubmitTx sends a Send plus a GetStatus follow-up but counts as one
// logical response: the single TxStatus reply completes it.
func TestSubmitTxSingleLogicalResponse(t *testing.T) {
	n := testNode()
	tx := types.NewTransaction(1, common.Address{}, big.NewInt(1), 21000, big.NewInt(1), nil)
	pr, err := newProvisioner(n, &Provision{Type: ProvisionSubmitTx, Transaction: tx})
	require.NoError(t, err)
	require.Equal(t, uint64(2), pr.messagesCount)
	require.True(t, pr.hasOutstandingResponses())

	reply := TxStatusMessage{ReqID: pr.messageIdentifier + 1, Statuses: []WireTxStatus{{Kind: TxStatusPending}}}
	require.NoError(t, pr.handleResponse(pr.messageIdentifier+1, reply))
	require.False(t, pr.hasOutstandingResponses())

	pr.finalize()
	require.Len(t, pr.provision.Statuses(), 1)
}

func TestCreditsSpendAndRefresh(t *testing.T) {
	n := testNode()
	n.seedCredits(1000)
	n.setSpecs([]MessageSpec{{Code: CodeGetBlockHeaders, BaseCost: 10, ReqCost: 2, Limit: 192}})

	pr, err := newProvisioner(n, &Provision{Type: ProvisionGetHeaders, HeadersCount: 100})
	require.NoError(t, err)
	require.NoError(t, pr.sendNext(func(uint64, interface{}) error { return nil }))

	require.Equal(t, uint64(1000-10-100*2), n.Credits())

	n.refreshCredits(5000)
	require.Equal(t, uint64(5000), n.Credits())
}

func TestNegotiateCapability(t *testing.T) {
	les2 := Capability{Name: "les", Version: 2}
	les3 := Capability{Name: "les", Version: 3}
	pip1 := Capability{Name: "pip", Version: 1}
	eth66 := Capability{Name: "eth", Version: 66}

	got, ok := negotiateCapability([]Capability{les3}, []Capability{les2})
	require.True(t, ok)
	require.Equal(t, les2, got, "negotiation must pick the lower common version")

	_, ok = negotiateCapability([]Capability{les2}, []Capability{eth66})
	require.False(t, ok, "no common capability must fail")

	_, ok = negotiateCapability([]Capability{les2, pip1}, []Capability{les2, pip1})
	require.False(t, ok, "an ambiguous two-dialect intersection must fail")
}
