package bcs

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/lightwatch-go/lightwatch/p2p"
)

// StatusKind tags a Transaction's status, spec §3 "Transaction.status".
type StatusKind int

const (
	StatusCreated StatusKind = iota
	StatusSigned
	StatusSubmitted
	StatusQueued
	StatusPending
	StatusIncluded
	StatusErrored
)

// Status is the tagged-union transaction status of spec §3.
type Status struct {
	Kind StatusKind

	// valid when Kind == StatusIncluded.
	BlockHash   common.Hash
	BlockNumber uint64
	TxIndex     uint64
	GasUsed     uint64

	// valid when Kind == StatusErrored.
	Reason string
}

// Transaction is the tracked record for one submitted transaction, spec §3
// "Transaction".
type Transaction struct {
	Hash   common.Hash
	Raw    *types.Transaction
	Status Status
}

// setTxStatus updates tx's status, invoking the transaction callback only
// when the status actually changed, and keeps pendingTxs consistent with
// spec §4.4.6 "Pending list update".
func (e *Engine) setTxStatus(tx *Transaction, newStatus Status) {
	changed := tx.Status.Kind != newStatus.Kind ||
		tx.Status.BlockHash != newStatus.BlockHash ||
		tx.Status.Reason != newStatus.Reason

	tx.Status = newStatus

	inChain := newStatus.Kind == StatusIncluded && e.isNonOrphanInRange(newStatus.BlockHash)
	inError := newStatus.Kind == StatusErrored

	if inChain || inError {
		e.removeFromPending(tx.Hash)
	} else {
		e.addToPending(tx.Hash)
	}

	if changed && e.callbacks != nil {
		e.callbacks.OnTransaction(tx)
	}
	pendingTxGauge.Update(int64(len(e.pendingTxs)))
}

func (e *Engine) isNonOrphanInRange(blockHash common.Hash) bool {
	if e.orphans.contains(blockHash) {
		return false
	}
	h := e.headers.get(blockHash)
	if h == nil {
		return false
	}
	tail := e.headers.get(e.chainTail)
	head := e.headers.get(e.chain)
	if tail == nil || head == nil {
		return false
	}
	n := h.Number.Uint64()
	return n >= tail.Number.Uint64() && n <= head.Number.Uint64()
}

func (e *Engine) addToPending(hash common.Hash) {
	for _, h := range e.pendingTxs {
		if h == hash {
			return
		}
	}
	e.pendingTxs = append(e.pendingTxs, hash)
}

func (e *Engine) removeFromPending(hash common.Hash) {
	for i, h := range e.pendingTxs {
		if h == hash {
			e.pendingTxs = append(e.pendingTxs[:i], e.pendingTxs[i+1:]...)
			return
		}
	}
}

// tickTransactionStatus is the periodic (every 3s) dispatcher of spec
// §4.4.6: request status for every pending transaction.
func (e *Engine) tickTransactionStatus() {
	if len(e.pendingTxs) == 0 {
		return
	}
	hashes := make([]common.Hash, len(e.pendingTxs))
	copy(hashes, e.pendingTxs)

	e.nextProvisionID++
	_ = e.peer.Provide(&p2p.Provision{
		ID:     e.nextProvisionID,
		Type:   p2p.ProvisionGetTxStatuses,
		Hashes: hashes,
	})
}

// onTxStatus applies the response of a GetTxStatuses provision, per spec
// §4.4.6 steps 1-5.
func (e *Engine) onTxStatus(result p2p.ProvisionResult) {
	if result.Status != p2p.ProvisionSuccess {
		return
	}
	for i, hash := range result.Provision.Hashes {
		if i >= len(result.Statuses()) {
			break
		}
		tx, ok := e.txs[hash]
		if !ok {
			continue
		}
		e.applyWireStatus(tx, result.Statuses()[i])
	}
}

// applyWireStatus normalizes one wire status against a transaction's prior
// status, spec §4.4.6 steps 1-5.
func (e *Engine) applyWireStatus(tx *Transaction, wire p2p.WireTxStatus) {
	// 1. ERRORED is terminal.
	if tx.Status.Kind == StatusErrored {
		return
	}

	switch wire.Kind {
	case p2p.TxStatusUnknown:
		// 2. Noise from peer; keep S0.
		return
	case p2p.TxStatusQueued, p2p.TxStatusPending:
		// 3. Normalize to SUBMITTED.
		e.setTxStatus(tx, Status{Kind: StatusSubmitted})
	case p2p.TxStatusIncluded:
		// 4. Validate inChain before accepting INCLUDED.
		newStatus := Status{
			Kind:        StatusIncluded,
			BlockHash:   wire.BlockHash,
			BlockNumber: wire.BlockNumber,
			TxIndex:     wire.TxIndex,
			GasUsed:     wire.GasUsed,
		}
		if e.isNonOrphanInRange(wire.BlockHash) {
			e.setTxStatus(tx, newStatus)
		} else {
			e.setTxStatus(tx, Status{Kind: StatusSubmitted})
		}
	case p2p.TxStatusError:
		// 5. inError.
		e.setTxStatus(tx, Status{Kind: StatusErrored, Reason: wire.Reason})
	}
}

// SubmitTransaction implements spec §4.4.7: insert into the transaction
// set, append to pending, and issue a SubmitTx provision. Safe to call from
// any goroutine; the mutation itself happens on the engine's run task.
func (e *Engine) SubmitTransaction(raw *types.Transaction) {
	e.events <- submitTxEvent{raw: raw}
}

func (e *Engine) submitTransaction(raw *types.Transaction) {
	hash := raw.Hash()
	tx := &Transaction{Hash: hash, Raw: raw, Status: Status{Kind: StatusSubmitted}}
	e.txs[hash] = tx
	e.addToPending(hash)

	e.nextProvisionID++
	err := e.peer.Provide(&p2p.Provision{
		ID:          e.nextProvisionID,
		Type:        p2p.ProvisionSubmitTx,
		Transaction: raw,
	})
	if err != nil {
		// Synthesize a local ERRORED status and feed it through the
		// normal status path, spec §4.4.7 "synthesize a local ERRORED".
		e.setTxStatus(tx, Status{Kind: StatusErrored, Reason: err.Error()})
	}
}

// onSubmitResult handles the completion of a SubmitTx provision. On
// success, the provision's follow-up GetStatus response is fed through the
// normal status path; a failure with UnknownError or NetworkUnreachable
// synthesizes a local ERRORED status instead, spec §4.4.7.
func (e *Engine) onSubmitResult(result p2p.ProvisionResult) {
	if result.Provision == nil || result.Provision.Transaction == nil {
		return
	}
	tx, ok := e.txs[result.Provision.Transaction.Hash()]
	if !ok {
		return
	}
	if result.Status == p2p.ProvisionSuccess {
		for _, wire := range result.Statuses() {
			e.applyWireStatus(tx, wire)
		}
		return
	}
	switch result.Reason {
	case p2p.ProvisionFailureUnknown, p2p.ProvisionFailureNetworkUnreachable:
		e.setTxStatus(tx, Status{Kind: StatusErrored, Reason: "submit failed"})
	}
}
