package bcs

import (
	"encoding/binary"

	mapset "github.com/deckarep/golang-set"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	bloomfilter "github.com/steakknife/bloomfilter"

	"github.com/lightwatch-go/lightwatch/p2p"
)

// hashHashable adapts common.Hash to the hash.Hash64 interface
// steakknife/bloomfilter keys on. The hash is already uniformly
// distributed, so Sum64 just takes its leading 8 bytes; the hash.Hash
// methods exist only to satisfy the interface and are never driven as a
// streaming hash.
type hashHashable common.Hash

func (h hashHashable) Sum64() uint64               { return binary.BigEndian.Uint64(h[:8]) }
func (h hashHashable) Write(p []byte) (int, error) { return len(p), nil }
func (h hashHashable) Sum(b []byte) []byte         { return append(b, h[:]...) }
func (h hashHashable) Reset()                      {}
func (h hashHashable) Size() int                   { return common.HashLength }
func (h hashHashable) BlockSize() int              { return common.HashLength }

// headerSet is the superset of chain + orphan headers, keyed by hash, spec
// §3 "HeaderSet". A bloom filter in front of the map answers "definitely
// not seen" in O(1) without a map lookup, the fast path for the
// high-frequency duplicate-header check in handleBlockHeader step 1.
type headerSet struct {
	byHash map[common.Hash]*types.Header
	seen   *bloomfilter.Filter
}

func newHeaderSet() *headerSet {
	f, err := bloomfilter.NewOptimal(1_000_000, 0.001)
	if err != nil {
		// NewOptimal only fails on invalid parameters, which are fixed
		// constants here; fall back to a nil filter (map-only lookups).
		f = nil
	}
	return &headerSet{byHash: make(map[common.Hash]*types.Header), seen: f}
}

func (s *headerSet) maybeHas(h common.Hash) bool {
	if s.seen == nil {
		return true
	}
	return s.seen.Contains(hashHashable(h))
}

func (s *headerSet) has(h common.Hash) bool {
	if !s.maybeHas(h) {
		return false
	}
	_, ok := s.byHash[h]
	return ok
}

func (s *headerSet) get(h common.Hash) *types.Header { return s.byHash[h] }

func (s *headerSet) add(h common.Hash, header *types.Header) {
	s.byHash[h] = header
	if s.seen != nil {
		s.seen.Add(hashHashable(h))
	}
}

func (s *headerSet) remove(h common.Hash) {
	delete(s.byHash, h)
	// Bloom filters do not support removal; a stale "maybe present" entry
	// only costs one extra map miss, never a false negative.
}

func (s *headerSet) count() int { return len(s.byHash) }

// orphanSet tracks headers whose parent is absent or itself an orphan,
// spec §3 "OrphanSet". Backed by mapset for the same hash-only membership
// pattern eth/peer.go uses for knownBlocks/knownTxs; order keeps the
// insertion order that each visits.
type orphanSet struct {
	hashes mapset.Set
	order  []common.Hash
}

func newOrphanSet() *orphanSet { return &orphanSet{hashes: mapset.NewSet()} }

func (o *orphanSet) add(h common.Hash) {
	if !o.hashes.Contains(h) {
		o.hashes.Add(h)
		o.order = append(o.order, h)
	}
}
func (o *orphanSet) remove(h common.Hash) {
	o.hashes.Remove(h)
	for i, v := range o.order {
		if v == h {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}
func (o *orphanSet) contains(h common.Hash) bool { return o.hashes.Contains(h) }

// each visits orphans in insertion order over a snapshot, so f may remove.
func (o *orphanSet) each(f func(common.Hash)) {
	for _, h := range append([]common.Hash(nil), o.order...) {
		f(h)
	}
}
func (o *orphanSet) len() int { return o.hashes.Cardinality() }

// isValid performs the minimal header-level checks spec §4.4.2 step 2
// requires before admission: non-nil, well-formed number, and (when its
// parent is known and not an orphan) parent-linkage consistency is
// re-checked separately in step 4, so here only self-consistency is
// checked.
func isValid(h *types.Header) bool {
	return h != nil && h.Number != nil
}

// handleBlockHeader is the policy of spec §4.4.2, steps 1-10.
func (e *Engine) handleBlockHeader(h *types.Header) {
	hash := h.Hash()
	forkParent := h.ParentHash

	// 1. Already known: drop silently.
	if e.headers.has(hash) {
		return
	}
	// 2. Basic validation.
	if !isValid(h) {
		return
	}

	// 3-4. Parent-linkage consistency. If the parent has already been
	// released by reclaimAndSave, its number is still known via the
	// reclaimed-header LRU, so the consistency check still applies.
	parent := e.headers.get(h.ParentHash)
	if parent != nil && h.Number.Uint64() != parent.Number.Uint64()+1 {
		return
	}
	if parent == nil {
		if releasedNumber, ok := e.reclaimed.Get(h.ParentHash); ok {
			if h.Number.Uint64() != releasedNumber.(uint64)+1 {
				return
			}
		}
	}

	// 5. Insert into header set.
	e.headers.add(hash, h)

	switch {
	case e.chain == (common.Hash{}):
		// 6a. Bootstrap.
		e.chain = hash
		e.chainTail = hash

	case parent == nil || e.orphans.contains(h.ParentHash):
		// 6b. Orphan.
		e.orphans.add(hash)
		e.syncFrom(e.headOrZero())
		return

	default:
		// 6c. Reorg or simple extension: walk the current head back to P.
		// A parent not met on that walk before chainTail (reorg may not
		// extend past the stable tail) leaves H an orphan.
		onChain := false
		for c := e.chain; c != (common.Hash{}); {
			if c == h.ParentHash {
				onChain = true
				break
			}
			ch := e.headers.get(c)
			if c == e.chainTail || ch == nil {
				break
			}
			c = ch.ParentHash
		}
		if !onChain {
			e.orphans.add(hash)
			return
		}
		e.reorgTo(h.ParentHash)
		e.chain = hash
	}

	// 7. Extend chain by any orphan whose parent is now the head, then
	// purge old orphans.
	e.extendFromOrphansThenPurge()

	// 8. Re-evaluate transactions whose included block just became an
	// orphan.
	e.revalidateIncludedAgainstOrphans()

	// 9. Fetch bodies for the new chain segment, walking the (possibly
	// orphan-extended) head back to the fork parent P.
	e.fetchBodiesForRange(forkParent, e.chain)

	// 10. Housekeeping.
	e.reclaimAndSave()
	e.syncContinue(e.headOrZero())

	if e.callbacks != nil {
		e.callbacks.OnState(e.headers.get(e.chain), e.headers.get(e.chainTail))
	}
}

func (e *Engine) headOrZero() uint64 {
	if head := e.headers.get(e.chain); head != nil {
		return head.Number.Uint64()
	}
	return 0
}

// reorgTo re-marks every header from the current head back to (but not
// including) newParent as an orphan, per spec §4.4.2 step 6c. It never
// walks past chainTail (Open Question: reorg may not extend past the
// stable tail).
func (e *Engine) reorgTo(newParent common.Hash) {
	cursor := e.chain
	for cursor != newParent && cursor != e.chainTail && cursor != (common.Hash{}) {
		h := e.headers.get(cursor)
		if h == nil {
			break
		}
		e.orphans.add(cursor)
		cursor = h.ParentHash
	}
}

// extendFromOrphansThenPurge repeatedly adopts any orphan whose parentHash
// equals the current head, then purges orphans older than
// head.number-orphanAgeOffset, spec §4.4.2 step 7.
func (e *Engine) extendFromOrphansThenPurge() {
	for {
		head := e.headers.get(e.chain)
		if head == nil {
			break
		}
		extended := false
		// Insertion-order tie-break: orphans are visited in the order
		// they were added and the first match is taken, per the Open
		// Question decision recorded in DESIGN.md.
		e.orphans.each(func(candidate common.Hash) {
			if extended {
				return
			}
			ch := e.headers.get(candidate)
			if ch == nil || ch.ParentHash != head.Hash() {
				return
			}
			e.orphans.remove(candidate)
			e.chain = candidate
			extended = true
		})
		if !extended {
			break
		}
	}

	head := e.headers.get(e.chain)
	if head == nil {
		return
	}
	headNumber := head.Number.Uint64()
	if headNumber <= orphanAgeOffset {
		return
	}
	cutoff := headNumber - orphanAgeOffset
	var toPurge []common.Hash
	e.orphans.each(func(h common.Hash) {
		if hdr := e.headers.get(h); hdr != nil && hdr.Number.Uint64() < cutoff {
			toPurge = append(toPurge, h)
		}
	})
	for _, h := range toPurge {
		e.orphans.remove(h)
		e.headers.remove(h)
	}
}

// revalidateIncludedAgainstOrphans implements spec §4.4.2 step 8: any
// INCLUDED transaction whose blockHash is now an orphan returns to PENDING.
func (e *Engine) revalidateIncludedAgainstOrphans() {
	for _, tx := range e.txs {
		if tx.Status.Kind != StatusIncluded {
			continue
		}
		if e.orphans.contains(tx.Status.BlockHash) {
			e.setTxStatus(tx, Status{Kind: StatusPending})
		}
	}
}

// fetchBodiesForRange walks the newly adopted chain segment from newHead
// back to (but not including) stop and issues a GetBodies provision for any
// header whose bloom plausibly matches the watched address, spec §4.4.2
// step 9.
func (e *Engine) fetchBodiesForRange(stop, newHead common.Hash) {
	var hashes []common.Hash
	cursor := newHead
	for cursor != stop && cursor != (common.Hash{}) {
		h := e.headers.get(cursor)
		if h == nil {
			break
		}
		if h.Bloom.Test(e.watched.Bytes()) {
			hashes = append([]common.Hash{cursor}, hashes...)
			e.activeBlocks[cursor] = &activeBlock{blockHash: cursor, state: activeStatePendingBodies}
		}
		cursor = h.ParentHash
	}
	if len(hashes) == 0 {
		return
	}
	e.nextProvisionID++
	_ = e.peer.Provide(&p2p.Provision{
		ID:     e.nextProvisionID,
		Type:   p2p.ProvisionGetBodies,
		Hashes: hashes,
	})
}
