package bcs

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/lightwatch-go/lightwatch/p2p"
)

// onAccountsComplete implements spec §9 Open Questions' "AccountState
// handling (handleAccountState) is partially implemented in source; the
// effect of a mismatching account state on block handling is undefined and
// left as an extension point": it stores every returned AccountState,
// keyed by the block hash it was requested against, and forwards it
// through OnAccountState, without validating it against anything.
func (e *Engine) onAccountsComplete(result p2p.ProvisionResult) {
	if result.Status != p2p.ProvisionSuccess {
		return
	}

	hashes := result.Provision.Hashes
	states := result.Accounts()
	for i, hash := range hashes {
		if i >= len(states) {
			break
		}
		e.accountStates[hash] = states[i]
		if e.callbacks != nil {
			e.callbacks.OnAccountState(hash, states[i])
		}
	}
}

// AccountState returns the last-known AccountState recorded for blockHash,
// or false if none has been received yet.
func (e *Engine) AccountState(blockHash common.Hash) (p2p.AccountState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.accountStates[blockHash]
	return s, ok
}

// RequestAccountState issues a GetAccounts provision for the watched
// address against the given block hashes. Safe to call from any goroutine.
func (e *Engine) RequestAccountState(blockHashes []common.Hash) {
	e.events <- requestAccountsEvent{hashes: blockHashes}
}

func (e *Engine) requestAccountState(hashes []common.Hash) {
	e.nextProvisionID++
	_ = e.peer.Provide(&p2p.Provision{
		ID:             e.nextProvisionID,
		Type:           p2p.ProvisionGetAccounts,
		Hashes:         hashes,
		AccountAddress: e.watched,
	})
}
