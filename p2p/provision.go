package p2p

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ProvisionType discriminates the Provision union, spec §3.
type ProvisionType int

const (
	ProvisionGetHeaders ProvisionType = iota
	ProvisionGetBodies
	ProvisionGetReceipts
	ProvisionGetAccounts
	ProvisionGetTxStatuses
	ProvisionSubmitTx
)

// Provision is a high-level, peer-agnostic request. A Node's Provisioner
// splits it into one or more wire messages.
type Provision struct {
	ID   uint64
	Type ProvisionType

	// GetHeaders fields.
	HeadersFrom    uint64
	HeadersCount   uint64
	HeadersSkip    uint64
	HeadersReverse bool

	// GetBodies / GetReceipts / GetTxStatuses share a hash list.
	Hashes []common.Hash

	// GetAccounts.
	AccountAddress common.Address

	// SubmitTx.
	Transaction *types.Transaction

	// results, filled in as messages are handled.
	resultHeaders  []*types.Header
	resultBodies   []BlockBody
	resultReceipts [][]*types.Receipt
	resultAccounts []AccountState
	resultStatuses []WireTxStatus
}

// Headers returns the accumulated GetHeaders result.
func (p *Provision) Headers() []*types.Header { return p.resultHeaders }

// Bodies returns the accumulated GetBodies result, index-aligned with Hashes.
func (p *Provision) Bodies() []BlockBody { return p.resultBodies }

// Receipts returns the accumulated GetReceipts result, index-aligned with Hashes.
func (p *Provision) Receipts() [][]*types.Receipt { return p.resultReceipts }

// Accounts returns the accumulated GetAccounts result.
func (p *Provision) Accounts() []AccountState { return p.resultAccounts }

// Statuses returns the accumulated GetTxStatuses (or SubmitTx follow-up)
// result.
func (p *Provision) Statuses() []WireTxStatus { return p.resultStatuses }

// itemCount is the number of individual content units this provision asks
// for, used to compute Provisioner.messagesCount (spec §4.3).
func (p *Provision) itemCount() uint64 {
	switch p.Type {
	case ProvisionGetHeaders:
		return p.HeadersCount
	case ProvisionGetBodies, ProvisionGetReceipts, ProvisionGetTxStatuses:
		return uint64(len(p.Hashes))
	case ProvisionGetAccounts:
		return uint64(len(p.Hashes))
	case ProvisionSubmitTx:
		// One Send + one GetStatus, but logically a single round trip
		// (spec §4.3 "Special-case SubmitTx").
		return 2
	default:
		return 0
	}
}

// ProvisionResultStatus tags whether a provision completed or failed, spec
// §7 "ProvisionError".
type ProvisionResultStatus int

const (
	ProvisionSuccess ProvisionResultStatus = iota
	ProvisionFailure
)

// ProvisionFailureReason names why a provision failed to complete.
type ProvisionFailureReason int

const (
	ProvisionFailureUnknown ProvisionFailureReason = iota
	ProvisionFailureNetworkUnreachable
	ProvisionFailureTimedOut
)

// ProvisionResult is delivered via the Peer Node's provide callback once a
// Provisioner completes (or gives up).
type ProvisionResult struct {
	ID     uint64
	Type   ProvisionType
	Status ProvisionResultStatus
	Reason ProvisionFailureReason // valid when Status == ProvisionFailure
	*Provision
}
