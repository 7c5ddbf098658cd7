package p2p

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Protocol message codes below MessageIDOffset are P2P control messages;
// codes at or above it are subprotocol (LES/PIP) messages after subtracting
// the offset, per spec §4.2.2.
const MessageIDOffset = 0x10

// P2P control message codes.
const (
	CodeHello      = 0x00
	CodeDisconnect = 0x01
	CodePing       = 0x02
	CodePong       = 0x03
)

// Discovery (UDP) message codes.
const (
	CodeDISPing          = 0x01
	CodeDISPong          = 0x02
	CodeDISFindNeighbors = 0x03
	CodeDISNeighbors     = 0x04
)

// Subprotocol message codes, relative to MessageIDOffset. Shared by the
// GETH-classified (LES-named) and PARITY-classified (PIP-named) dialects;
// the wire shapes differ slightly (see StatusMessage/AnnounceMessage) but
// the codes line up so dispatch in frame.go does not need to branch on
// NodeType for routing, only for construction.
const (
	CodeStatus          = 0x00
	CodeAnnounce        = 0x01
	CodeGetBlockHeaders = 0x02
	CodeBlockHeaders    = 0x03
	CodeGetBlockBodies  = 0x04
	CodeBlockBodies     = 0x05
	CodeGetReceipts     = 0x06
	CodeReceipts        = 0x07
	CodeGetTxStatus     = 0x08
	CodeTxStatus        = 0x09
	CodeSendTx          = 0x0a
	CodeGetAccounts     = 0x0b
	CodeAccounts        = 0x0c
	// PIP-only.
	CodeUpdateCreditParameters = 0x0d
	CodeAcknowledgeUpdate      = 0x0e
)

// HelloMessage is the P2P capability-negotiation handshake message (spec
// §4.2.1 step 5).
type HelloMessage struct {
	ProtocolVersion uint64
	ClientID        string
	Capabilities    []Capability
	ListenPort      uint64
	NodeID          []byte
}

// Capability is one {name, version} pair advertised in Hello.
type Capability struct {
	Name    string
	Version uint64
}

// DisconnectMessage carries a P2P disconnect reason code.
type DisconnectMessage struct {
	Reason uint64
}

// PingMessage and PongMessage (P2P and DIS share the same empty shape for
// the P2P dialect; DIS ping/pong additionally carry endpoint/hash data).
type PingMessage struct{}
type PongMessage struct{}

// DISPingMessage is the discovery-protocol ping, spec §4.2.1 UDP handshake.
type DISPingMessage struct {
	Version    uint64
	From       Endpoint
	To         Endpoint
	Expiration uint64
}

// DISPongMessage replies to a DISPingMessage, echoing the ping's hash.
type DISPongMessage struct {
	To         Endpoint
	PingHash   common.Hash
	Expiration uint64
}

// DISFindNeighborsMessage requests the neighbors of Target.
type DISFindNeighborsMessage struct {
	Target     [64]byte
	Expiration uint64
}

// DISNeighborsMessage carries discovered peer records.
type DISNeighborsMessage struct {
	Neighbors  []NeighborRecord
	Expiration uint64
}

// NeighborRecord describes one peer learned via discovery.
type NeighborRecord struct {
	IP      []byte
	UDPPort uint16
	TCPPort uint16
	NodeID  [64]byte
}

// StatusMessage is exchanged once after Hello to agree on network identity
// and exchange the local/remote head, and (for GETH peers) per-message
// credit parameters (spec §4.2.1 step 8, §7.2 "credit accounting").
type StatusMessage struct {
	ProtocolVersion uint64
	NetworkID       uint64
	GenesisHash     common.Hash
	HeadHash        common.Hash
	HeadNumber      uint64
	HeadTD          *big.Int
	BufferLimit     uint64        // initial request-credit budget granted to the requester
	Specs           []MessageSpec // non-nil only for GETH/LES peers
}

// MessageSpec is the per-message-type credit cost/limit tuple parsed out of
// Status for GETH peers, spec §4.3 "contentLimit".
type MessageSpec struct {
	Code     uint64
	BaseCost uint64
	ReqCost  uint64
	Limit    uint64
}

// AnnounceMessage notifies of a new head, spec §4.4.1.
type AnnounceMessage struct {
	HeadHash   common.Hash
	HeadNumber uint64
	HeadTD     *big.Int
	ReorgDepth uint64
}

// GetBlockHeadersMessage is the GetHeaders provision's wire message, spec §3
// Provision variant GetHeaders{from,count,skip,reverse}.
type GetBlockHeadersMessage struct {
	ReqID   uint64
	From    uint64
	Count   uint64
	Skip    uint64
	Reverse bool
}

type BlockHeadersMessage struct {
	ReqID       uint64
	BufferValue uint64
	Headers     []*types.Header
}

type GetBlockBodiesMessage struct {
	ReqID  uint64
	Hashes []common.Hash
}

type BlockBodiesMessage struct {
	ReqID       uint64
	BufferValue uint64
	Bodies      []BlockBody
}

// BlockBody is the {transactions, uncles} pair a GetBodies response carries
// per hash; persistence/serialization of the historic chain is out of
// scope, so this is only ever assembled transiently in an ActiveBlock.
type BlockBody struct {
	Transactions []*types.Transaction
	Uncles       []*types.Header
}

type GetReceiptsMessage struct {
	ReqID  uint64
	Hashes []common.Hash
}

type ReceiptsMessage struct {
	ReqID       uint64
	BufferValue uint64
	Receipts    [][]*types.Receipt
}

type GetTxStatusMessage struct {
	ReqID  uint64
	Hashes []common.Hash
}

// TxStatusKind mirrors spec §3's Transaction.Status tagged union as seen on
// the wire (UNKNOWN is receivable but never stored, per spec).
type TxStatusKind uint8

const (
	TxStatusUnknown TxStatusKind = iota
	TxStatusQueued
	TxStatusPending
	TxStatusIncluded
	TxStatusError
)

type WireTxStatus struct {
	Kind        TxStatusKind
	BlockHash   common.Hash
	BlockNumber uint64
	TxIndex     uint64
	GasUsed     uint64
	Reason      string
}

type TxStatusMessage struct {
	ReqID       uint64
	BufferValue uint64
	Statuses    []WireTxStatus
}

type SendTxMessage struct {
	ReqID       uint64
	Transaction *types.Transaction
}

type GetAccountsMessage struct {
	ReqID   uint64
	Hashes  []common.Hash
	Address common.Address
}

// AccountState is the minimal extension-point response to GetAccounts; spec
// §9 Open Questions leaves validation of this undefined, so it is stored
// without being checked against anything.
type AccountState struct {
	Nonce   uint64
	Balance *big.Int
}

type AccountsMessage struct {
	ReqID       uint64
	BufferValue uint64
	States      []AccountState
}

// UpdateCreditParametersMessage is a PIP-dialect-only message; GETH peers
// never send it.
type UpdateCreditParametersMessage struct {
	Specs []MessageSpec
}

type AcknowledgeUpdateMessage struct{}

// Endpoint is the {IP, UDP port, TCP port} triple devp2p discovery
// messages embed.
type Endpoint struct {
	IP      []byte
	UDPPort uint16
	TCPPort uint16
}
