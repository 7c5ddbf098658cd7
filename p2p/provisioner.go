package p2p

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// defaultGethLimits mirrors the GETH LES message-spec content limits (spec
// §4.3: "192 headers; GETH LES uses messageLESSpecs[id].limit"). These are
// overridden per-peer once Status parses real specs (see Node.messageSpecFor).
var defaultGethLimits = map[ProvisionType]uint64{
	ProvisionGetHeaders:    192,
	ProvisionGetBodies:     32,
	ProvisionGetReceipts:   128,
	ProvisionGetAccounts:   64,
	ProvisionGetTxStatuses: 256,
}

// defaultPartyLimit is the PARITY PIP flat content limit (spec §4.3:
// "PARITY PIP defaults to 256").
const defaultPartyLimit = 256

// outboundMessage is one wire message a Provisioner has built from its
// Provision, ready to hand to the Node's writer.
type outboundMessage struct {
	code  uint64
	data  interface{}
	items uint64 // content units carried, for the credit-cost estimate
	sent  bool
}

// Provisioner translates one Provision into one or more wire messages and
// reassembles their responses, per spec §4.3. It holds a non-owning
// back-reference to its Node and is discarded once complete.
type Provisioner struct {
	provision *Provision
	node      *Node

	messageIdentifier uint64
	messagesCount     uint64
	contentLimit      uint64
	messagesRemaining uint64
	messagesReceived  uint64

	messages []outboundMessage

	// slots holds one decoded response payload per message index
	// (reqID-messageIdentifier), nil until that response arrives. Kept
	// slot-indexed rather than appended in arrival order because spec §4.3
	// "Ordering" allows responses to arrive out of order.
	slots []interface{}
}

func contentLimitFor(node *Node, t ProvisionType) uint64 {
	if node.nodeType == NodeTypeParity {
		return defaultPartyLimit
	}
	if spec, ok := node.messageSpecFor(t); ok && spec.Limit > 0 {
		return spec.Limit
	}
	return defaultGethLimits[t]
}

// newProvisioner establishes a Provisioner for provision against node: it
// computes the content limit, the message count, reserves a contiguous
// request-ID block from the node's counter, and builds every outbound
// message up front.
func newProvisioner(node *Node, provision *Provision) (*Provisioner, error) {
	var messagesCount, limit uint64
	if provision.Type == ProvisionSubmitTx {
		// Fixed shape regardless of content limit: one Send + one GetStatus,
		// spec §4.3 "Special-case SubmitTx".
		messagesCount, limit = 2, 1
	} else {
		limit = contentLimitFor(node, provision.Type)
		if limit == 0 {
			return nil, fmt.Errorf("p2p: no content limit for provision type %d", provision.Type)
		}
		count := provision.itemCount()
		messagesCount = (count + limit - 1) / limit
		if messagesCount == 0 {
			messagesCount = 1
		}
	}

	baseID := node.reserveRequestIDs(messagesCount)

	pr := &Provisioner{
		provision:         provision,
		node:              node,
		contentLimit:      limit,
		messagesCount:     messagesCount,
		messageIdentifier: baseID,
		messagesRemaining: messagesCount,
		// SubmitTx sends two messages but only ever expects one logical
		// response, so seed the received counter as already-one (spec §4.3).
		messagesReceived: func() uint64 {
			if provision.Type == ProvisionSubmitTx {
				return 1
			}
			return 0
		}(),
	}

	pr.messages = buildOutboundMessages(provision, node.nodeType, limit, baseID, messagesCount)
	pr.slots = make([]interface{}, messagesCount)
	return pr, nil
}

func buildOutboundMessages(p *Provision, nodeType NodeType, limit, baseID, count uint64) []outboundMessage {
	msgs := make([]outboundMessage, 0, count)
	for index := uint64(0); index < count; index++ {
		reqID := baseID + index
		switch p.Type {
		case ProvisionGetHeaders:
			count := minU64(limit, p.HeadersCount-index*limit)
			msgs = append(msgs, outboundMessage{
				code:  CodeGetBlockHeaders,
				items: count,
				data: GetBlockHeadersMessage{
					ReqID:   reqID,
					From:    p.HeadersFrom + index*limit,
					Count:   count,
					Skip:    p.HeadersSkip,
					Reverse: p.HeadersReverse,
				},
			})
		case ProvisionGetBodies:
			hashes := sliceHashes(p.Hashes, index, limit)
			msgs = append(msgs, outboundMessage{
				code:  CodeGetBlockBodies,
				items: uint64(len(hashes)),
				data:  GetBlockBodiesMessage{ReqID: reqID, Hashes: hashes},
			})
		case ProvisionGetReceipts:
			hashes := sliceHashes(p.Hashes, index, limit)
			msgs = append(msgs, outboundMessage{
				code:  CodeGetReceipts,
				items: uint64(len(hashes)),
				data:  GetReceiptsMessage{ReqID: reqID, Hashes: hashes},
			})
		case ProvisionGetAccounts:
			hashes := sliceHashes(p.Hashes, index, limit)
			msgs = append(msgs, outboundMessage{
				code:  CodeGetAccounts,
				items: uint64(len(hashes)),
				data:  GetAccountsMessage{ReqID: reqID, Hashes: hashes, Address: p.AccountAddress},
			})
		case ProvisionGetTxStatuses:
			hashes := sliceHashes(p.Hashes, index, limit)
			msgs = append(msgs, outboundMessage{
				code:  CodeGetTxStatus,
				items: uint64(len(hashes)),
				data:  GetTxStatusMessage{ReqID: reqID, Hashes: hashes},
			})
		case ProvisionSubmitTx:
			if index == 0 {
				msgs = append(msgs, outboundMessage{code: CodeSendTx, items: 1, data: SendTxMessage{ReqID: reqID, Transaction: p.Transaction}})
			} else {
				msgs = append(msgs, outboundMessage{
					code:  CodeGetTxStatus,
					items: 1,
					data:  GetTxStatusMessage{ReqID: reqID, Hashes: []common.Hash{p.Transaction.Hash()}},
				})
			}
		}
	}
	return msgs
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func sliceHashes(hashes []common.Hash, index, limit uint64) []common.Hash {
	start := index * limit
	end := start + limit
	if end > uint64(len(hashes)) {
		end = uint64(len(hashes))
	}
	if start > end {
		start = end
	}
	return hashes[start:end]
}

// hasUnsentMessages reports whether sendNext would have anything to send.
func (pr *Provisioner) hasUnsentMessages() bool { return pr.messagesRemaining > 0 }

// hasOutstandingResponses reports whether the provisioner is still waiting
// on responses.
func (pr *Provisioner) hasOutstandingResponses() bool { return pr.messagesReceived < pr.messagesCount }

// sendNext sends exactly one unsent message, back-pressure per spec §4.2.3,
// and deducts its estimated credit cost from the owning node's budget.
func (pr *Provisioner) sendNext(send func(code uint64, data interface{}) error) error {
	idx := pr.messagesCount - pr.messagesRemaining
	msg := &pr.messages[idx]
	if err := send(msg.code, msg.data); err != nil {
		return err
	}
	msg.sent = true
	pr.messagesRemaining--
	pr.node.spendCredits(msg.code, msg.items)
	return nil
}

// owns reports whether reqID belongs to this provisioner's reserved block,
// spec §4.2.3 "Request-ID routing".
func (pr *Provisioner) owns(reqID uint64) bool {
	return pr.messageIdentifier <= reqID && reqID < pr.messageIdentifier+pr.messagesCount
}

// handleResponse records one wire response into its slot, keyed by its
// index derived from reqId-baseId (responses may arrive out of order,
// spec §4.3 "Ordering"). Once every slot is filled, finalize flattens them
// into the accumulating Provision result in index order.
func (pr *Provisioner) handleResponse(reqID uint64, payload interface{}) error {
	if !pr.owns(reqID) {
		return fmt.Errorf("p2p: response reqID %d not owned by provisioner base %d", reqID, pr.messageIdentifier)
	}
	switch payload.(type) {
	case BlockHeadersMessage, BlockBodiesMessage, ReceiptsMessage, AccountsMessage, TxStatusMessage:
	default:
		return fmt.Errorf("p2p: unexpected response payload type %T", payload)
	}

	index := reqID - pr.messageIdentifier
	if pr.slots[index] == nil {
		pr.messagesReceived++
	}
	pr.slots[index] = payload
	return nil
}

// finalize flattens every filled slot, in index order, into the
// Provision's accumulating result fields. Called once hasOutstandingResponses
// reports false.
func (pr *Provisioner) finalize() {
	for _, slot := range pr.slots {
		if slot == nil {
			continue
		}
		switch v := slot.(type) {
		case BlockHeadersMessage:
			pr.provision.resultHeaders = append(pr.provision.resultHeaders, v.Headers...)
		case BlockBodiesMessage:
			pr.provision.resultBodies = append(pr.provision.resultBodies, v.Bodies...)
		case ReceiptsMessage:
			pr.provision.resultReceipts = append(pr.provision.resultReceipts, v.Receipts...)
		case AccountsMessage:
			pr.provision.resultAccounts = append(pr.provision.resultAccounts, v.States...)
		case TxStatusMessage:
			pr.provision.resultStatuses = append(pr.provision.resultStatuses, v.Statuses...)
		}
	}
}
