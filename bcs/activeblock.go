package bcs

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/lightwatch-go/lightwatch/p2p"
)

// activeBlockState is the state of an in-flight body/receipt fetch, spec
// §3 "ActiveBlock".
type activeBlockState int

const (
	activeStatePendingBodies activeBlockState = iota
	activeStatePendingReceipts
)

// activeBlock is a transient record per in-flight block-body/receipts
// fetch, spec §3 "ActiveBlock".
type activeBlock struct {
	blockHash common.Hash
	state     activeBlockState
	body      p2p.BlockBody
}

// onBodiesComplete implements spec §4.4.5 "On GetBodies completion".
func (e *Engine) onBodiesComplete(result p2p.ProvisionResult) {
	if result.Status != p2p.ProvisionSuccess {
		for _, hash := range result.Provision.Hashes {
			delete(e.activeBlocks, hash)
		}
		return
	}

	hashes := result.Provision.Hashes
	bodies := result.Bodies()
	for i, hash := range hashes {
		if i >= len(bodies) {
			break
		}
		ab, ok := e.activeBlocks[hash]
		if !ok {
			continue
		}
		header := e.headers.get(hash)
		if header == nil {
			delete(e.activeBlocks, hash)
			continue
		}
		if !validateBody(header, bodies[i]) {
			delete(e.activeBlocks, hash)
			continue
		}
		ab.body = bodies[i]

		if tx, ok := findWatchedTransaction(e.watched, bodies[i].Transactions); ok {
			e.trackWatchedTransaction(hash, tx)
		}

		if header.Bloom.Test(e.watched.Bytes()) {
			ab.state = activeStatePendingReceipts
			e.nextProvisionID++
			_ = e.peer.Provide(&p2p.Provision{
				ID:     e.nextProvisionID,
				Type:   p2p.ProvisionGetReceipts,
				Hashes: []common.Hash{hash},
			})
		} else {
			delete(e.activeBlocks, hash)
		}
	}
}

// validateBody checks the fetched body against its header's commitments,
// spec §4.4.5 "validate the block against its header (includes verifying
// transactionsRoot and ommersHash match the bodies received)".
func validateBody(header *types.Header, body p2p.BlockBody) bool {
	gotTxRoot := types.DeriveSha(types.Transactions(body.Transactions), trie.NewStackTrie(nil))
	if gotTxRoot != header.TxHash {
		return false
	}
	gotUnclesHash := types.CalcUncleHash(body.Uncles)
	return gotUnclesHash == header.UncleHash
}

func findWatchedTransaction(watched common.Address, txs []*types.Transaction) (*types.Transaction, bool) {
	for _, tx := range txs {
		signer := types.NewEIP155Signer(tx.ChainId())
		from, err := types.Sender(signer, tx)
		if err == nil && from == watched {
			return tx, true
		}
		if tx.To() != nil && *tx.To() == watched {
			return tx, true
		}
	}
	return nil, false
}

// trackWatchedTransaction adds a watched-address transaction to the
// transaction set and explicitly fetches its status to learn gasUsed, spec
// §4.4.5 "add that transaction ... and explicitly fetch its status".
func (e *Engine) trackWatchedTransaction(blockHash common.Hash, tx *types.Transaction) {
	hash := tx.Hash()
	if _, ok := e.txs[hash]; !ok {
		e.txs[hash] = &Transaction{Hash: hash, Raw: tx, Status: Status{Kind: StatusIncluded, BlockHash: blockHash}}
		if e.callbacks != nil {
			e.callbacks.OnTransaction(e.txs[hash])
		}
	}

	e.nextProvisionID++
	_ = e.peer.Provide(&p2p.Provision{
		ID:     e.nextProvisionID,
		Type:   p2p.ProvisionGetTxStatuses,
		Hashes: []common.Hash{hash},
	})
}

// onReceiptsComplete implements spec §4.4.5 "On receipts completion".
func (e *Engine) onReceiptsComplete(result p2p.ProvisionResult) {
	defer func() {
		for _, hash := range result.Provision.Hashes {
			delete(e.activeBlocks, hash)
		}
	}()

	if result.Status != p2p.ProvisionSuccess {
		return
	}

	hashes := result.Provision.Hashes
	receiptSets := result.Receipts()
	for i := range hashes {
		if i >= len(receiptSets) {
			break
		}
		for _, receipt := range receiptSets[i] {
			if !receipt.Bloom.Test(e.watched.Bytes()) {
				continue
			}
			for logIndex, lg := range receipt.Logs {
				if !logMatchesWatched(e.watched, lg) {
					continue
				}
				cloned := *lg
				cloned.TxHash = receipt.TxHash
				cloned.Index = uint(logIndex)
				if e.callbacks != nil {
					e.callbacks.OnLog(&cloned)
				}
				e.feed.Send(&cloned)
			}
		}
	}
}

func logMatchesWatched(watched common.Address, lg *types.Log) bool {
	if lg.Address == watched {
		return true
	}
	for _, topic := range lg.Topics {
		if watched.Hash() == topic {
			return true
		}
	}
	return false
}
