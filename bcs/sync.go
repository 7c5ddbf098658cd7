package bcs

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/lightwatch-go/lightwatch/p2p"
)

// syncState holds the sync driver's fields, spec §4.4.4.
type syncState struct {
	active bool
	tail   uint64
	head   uint64
	next   uint64
}

// syncFrom implements spec §4.4.4 "syncFrom(chainNumber)".
func (e *Engine) syncFrom(chainNumber uint64) {
	if e.sync.active {
		e.syncContinue(chainNumber)
		return
	}

	orphanMin, ok := e.minOrphanNumber()
	if !ok || orphanMin <= chainNumber+1 {
		return
	}

	e.sync.active = true
	e.sync.tail = chainNumber + 1
	e.sync.head = orphanMin
	e.sync.next = e.sync.tail - 1

	e.requestNextSyncBatch()
}

// syncContinue implements spec §4.4.4 "syncContinue".
func (e *Engine) syncContinue(chainNumber uint64) {
	if !e.sync.active {
		return
	}
	syncLagGauge.Update(int64(e.sync.head) - int64(chainNumber))

	if chainNumber >= e.sync.head {
		e.sync.active = false
		return
	}
	if chainNumber >= e.sync.next {
		e.requestNextSyncBatch()
	}
}

func (e *Engine) requestNextSyncBatch() {
	from := e.sync.next + 1
	if from > e.sync.head {
		return
	}
	count := syncBatch
	remaining := e.sync.head - from + 1
	if remaining < uint64(count) {
		count = int(remaining)
	}
	if count <= 0 {
		return
	}

	e.sync.next = from + uint64(count) - 1

	e.nextProvisionID++
	_ = e.peer.Provide(&p2p.Provision{
		ID:           e.nextProvisionID,
		Type:         p2p.ProvisionGetHeaders,
		HeadersFrom:  from,
		HeadersCount: uint64(count),
	})
}

// minOrphanNumber returns the lowest block number across the orphan set,
// used by syncFrom to decide whether a gap justifies a bulk sync.
func (e *Engine) minOrphanNumber() (uint64, bool) {
	var min uint64
	found := false
	e.orphans.each(func(hash common.Hash) {
		h := e.headers.get(hash)
		if h == nil {
			return
		}
		n := h.Number.Uint64()
		if !found || n < min {
			min, found = n, true
		}
	})
	return min, found
}
