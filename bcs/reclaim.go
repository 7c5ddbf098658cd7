package bcs

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// SaveCallback persists a header once it falls behind the retained tail,
// spec §4.4.3 "emit a save callback".
type SaveCallback func(header *types.Header)

// Restore replays headers previously emitted through the SaveCallback:
// every header is re-inserted into the header set, then the chain is
// reconstructed by sorting ascending on (number, timestamp), keeping the
// last entry per unique number, and chaining by parentHash from the
// earliest. Call it once, before Start.
func (e *Engine) Restore(headers []*types.Header) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(headers) == 0 {
		return
	}

	sorted := make([]*types.Header, len(headers))
	copy(sorted, headers)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := sorted[i].Number.Cmp(sorted[j].Number); c != 0 {
			return c < 0
		}
		return sorted[i].Time < sorted[j].Time
	})

	perNumber := make(map[uint64]*types.Header)
	for _, h := range sorted {
		e.headers.add(h.Hash(), h)
		perNumber[h.Number.Uint64()] = h // last entry per number wins
	}

	tail := perNumber[sorted[0].Number.Uint64()]
	cursor := tail
	for {
		next, ok := perNumber[cursor.Number.Uint64()+1]
		if !ok || next.ParentHash != cursor.Hash() {
			break
		}
		cursor = next
	}

	e.chainTail = tail.Hash()
	e.chain = cursor.Hash()
}

// reclaimAndSave implements spec §4.4.3: once the chain grows past
// 2*saveCount, advance the tail to head-saveCount and release everything
// older, except genesis (number 0) and explicit checkpoints.
func (e *Engine) reclaimAndSave() {
	head := e.headers.get(e.chain)
	tail := e.headers.get(e.chainTail)
	if head == nil || tail == nil {
		return
	}

	headNumber := head.Number.Uint64()
	tailNumber := tail.Number.Uint64()
	if headNumber-tailNumber < saveThreshold {
		return
	}

	newTailNumber := headNumber - saveCount

	cursor := e.chain
	var newTailHash common.Hash
	for {
		h := e.headers.get(cursor)
		if h == nil {
			return
		}
		if h.Number.Uint64() == newTailNumber {
			newTailHash = cursor
			break
		}
		if h.Number.Uint64() < newTailNumber {
			return
		}
		cursor = h.ParentHash
	}
	e.chainTail = newTailHash

	// Walk backward (toward genesis) from the new tail's parent, releasing
	// every header older than the new tail except genesis and checkpoints.
	// The walk stops naturally once it reaches a header already released by
	// a prior cycle (headers.get returns nil) or genesis.
	var toRelease []common.Hash
	newTail := e.headers.get(newTailHash)
	cursor = newTail.ParentHash
	for {
		h := e.headers.get(cursor)
		if h == nil {
			break
		}
		if h.Number.Uint64() == 0 {
			break
		}
		if !e.checkpoints[cursor] {
			toRelease = append(toRelease, cursor)
		}
		cursor = h.ParentHash
	}

	// The walk above collected newest-first; the save callback contract is
	// oldest-first so replay can re-insert in chain order.
	for i := len(toRelease) - 1; i >= 0; i-- {
		hash := toRelease[i]
		if hdr := e.headers.get(hash); hdr != nil {
			if e.saveCallback != nil {
				e.saveCallback(hdr)
			}
			e.reclaimed.Add(hash, hdr.Number.Uint64())
		}
		e.headers.remove(hash)
	}
	totalHeadersGauge.Update(int64(e.headers.count()))
	totalOrphansGauge.Update(int64(e.orphans.len()))
}
