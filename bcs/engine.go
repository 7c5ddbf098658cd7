// Package bcs implements the BCS (Blockchain-Consensus-Surface) engine: it
// maintains a local view of the chain learned from a single Peer Node,
// drives header/body/receipt fetches, and tracks the status of submitted
// transactions, per spec §4.4.
package bcs

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	lru "github.com/hashicorp/golang-lru"

	"github.com/lightwatch-go/lightwatch/p2p"
)

// reclaimedCacheSize bounds the LRU of released-header summaries consulted
// by the ancestor-consistency check after reclaimAndSave has freed the
// full header from memory.
const reclaimedCacheSize = 10_000

// Tunables fixed by spec §4.4.
const (
	orphanAgeOffset  = 10
	saveCount        = 300
	saveThreshold    = 2 * saveCount
	syncBatch        = 100
	txStatusInterval = 3 * time.Second
)

var (
	totalHeadersGauge = metrics.NewRegisteredGauge("bcs/chain/headers", nil)
	totalOrphansGauge = metrics.NewRegisteredGauge("bcs/chain/orphans", nil)
	pendingTxGauge    = metrics.NewRegisteredGauge("bcs/tx/pending", nil)
	syncLagGauge      = metrics.NewRegisteredGauge("bcs/sync/lag", nil)
)

// PeerNode is the subset of *p2p.Node the engine drives. Narrowed to an
// interface so the engine can be tested against a fake.
type PeerNode interface {
	Provide(provision *p2p.Provision) error
}

// Callbacks is the capability interface the embedding application
// implements to learn about chain and transaction activity, spec §9.
type Callbacks interface {
	OnTransaction(tx *Transaction)
	OnLog(log *types.Log)
	OnState(head *types.Header, tail *types.Header)
	OnAnnounce(head common.Hash, number uint64)
	OnProvide(result p2p.ProvisionResult)
	// OnAccountState is invoked once per hash in a completed GetAccounts
	// provision (spec §9 Open Questions, "handleAccountState" extension
	// point; see bcs/accounts.go).
	OnAccountState(blockHash common.Hash, state p2p.AccountState)
}

// Engine is the BCS engine: the single owner of the chain, orphan, header,
// transaction and active-block state, per spec §3 "Ownership".
type Engine struct {
	mu sync.Mutex // guards fields touched by both the run loop and external readers (Head/Tail/etc)

	peer      PeerNode
	callbacks Callbacks
	watched   common.Address
	clock     mclock.Clock
	log       log.Logger
	feed      event.Feed

	headers *headerSet
	orphans *orphanSet

	chain     common.Hash // head hash
	chainTail common.Hash

	txs           map[common.Hash]*Transaction
	pendingTxs    []common.Hash
	activeBlocks  map[common.Hash]*activeBlock
	accountStates map[common.Hash]p2p.AccountState

	sync syncState

	checkpoints  map[common.Hash]bool
	saveCallback SaveCallback
	reclaimed    *lru.Cache // common.Hash -> uint64 (released header's number)

	nextProvisionID uint64

	events  chan interface{}
	quit    chan struct{}
	stopped chan struct{}
	started bool
}

// Config bundles Engine construction parameters.
type Config struct {
	Peer         PeerNode
	Callbacks    Callbacks
	Watched      common.Address
	Clock        mclock.Clock // nil defaults to mclock.System{}
	Genesis      *types.Header
	Checkpoints  []common.Hash
	SaveCallback SaveCallback
}

// New constructs an Engine primed with genesis as both chain head and tail,
// per spec §4.4.2 case (a) "bootstrap primed from endpoint".
func New(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = mclock.System{}
	}

	reclaimed, err := lru.New(reclaimedCacheSize)
	if err != nil {
		panic(err) // only fails for a non-positive size, which reclaimedCacheSize never is
	}

	e := &Engine{
		peer:          cfg.Peer,
		callbacks:     cfg.Callbacks,
		watched:       cfg.Watched,
		clock:         clock,
		log:           log.New("pkg", "bcs"),
		headers:       newHeaderSet(),
		orphans:       newOrphanSet(),
		txs:           make(map[common.Hash]*Transaction),
		activeBlocks:  make(map[common.Hash]*activeBlock),
		accountStates: make(map[common.Hash]p2p.AccountState),
		events:        make(chan interface{}, 256),
		quit:          make(chan struct{}),
		stopped:       make(chan struct{}),
		checkpoints:   make(map[common.Hash]bool, len(cfg.Checkpoints)),
		saveCallback:  cfg.SaveCallback,
		reclaimed:     reclaimed,
	}

	for _, c := range cfg.Checkpoints {
		e.checkpoints[c] = true
	}

	if cfg.Genesis != nil {
		h := cfg.Genesis.Hash()
		e.headers.add(h, cfg.Genesis)
		e.chain = h
		e.chainTail = h
	}

	return e
}

// Start launches the engine's single run goroutine and periodic tx-status
// timer, spec §5 "single-threaded cooperative event handler".
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	go e.run()
}

// Stop halts the run loop; any in-flight provisions are abandoned without
// completion callbacks, per spec §5 "On BCS stop".
func (e *Engine) Stop() {
	close(e.quit)
	<-e.stopped
}

// run is the engine's single task: it processes events (announce, provide
// results) in FIFO order and fires the periodic tx-status tick. All chain,
// orphan, header and transaction mutation happens only here.
func (e *Engine) run() {
	defer close(e.stopped)

	timer := e.clock.NewTimer(txStatusInterval)
	defer timer.Stop()

	for {
		select {
		case <-e.quit:
			return
		case ev := <-e.events:
			e.mu.Lock()
			e.handleEvent(ev)
			e.mu.Unlock()
		case <-timer.C():
			e.mu.Lock()
			e.tickTransactionStatus()
			e.mu.Unlock()
			timer.Reset(txStatusInterval)
		}
	}
}

func (e *Engine) handleEvent(ev interface{}) {
	switch v := ev.(type) {
	case announceEvent:
		e.onAnnounce(v.hash, v.number, v.td)
	case headerEvent:
		e.handleBlockHeader(v.header)
	case bodiesEvent:
		e.onBodiesComplete(v.result)
	case receiptsEvent:
		e.onReceiptsComplete(v.result)
	case accountsEvent:
		e.onAccountsComplete(v.result)
	case statusEvent:
		e.onTxStatus(v.result)
	case submitEvent:
		e.onSubmitResult(v.result)
	case submitTxEvent:
		e.submitTransaction(v.raw)
	case requestAccountsEvent:
		e.requestAccountState(v.hashes)
	default:
		e.log.Error("unknown bcs event", "type", v)
	}
}

// event payload types; kept unexported since they only ever travel through
// e.events.
type announceEvent struct {
	hash   common.Hash
	number uint64
	td     *big.Int
}
type headerEvent struct{ header *types.Header }
type bodiesEvent struct{ result p2p.ProvisionResult }
type receiptsEvent struct{ result p2p.ProvisionResult }
type accountsEvent struct{ result p2p.ProvisionResult }
type statusEvent struct{ result p2p.ProvisionResult }
type submitEvent struct{ result p2p.ProvisionResult }
type submitTxEvent struct{ raw *types.Transaction }
type requestAccountsEvent struct{ hashes []common.Hash }

// Announced implements p2p.Callbacks, forwarding onto the engine's own
// event queue so every mutation happens on the run goroutine.
func (e *Engine) Announced(_ *p2p.Node, msg p2p.AnnounceMessage) {
	e.events <- announceEvent{hash: msg.HeadHash, number: msg.HeadNumber, td: msg.HeadTD}
}

// Provided implements p2p.Callbacks.
func (e *Engine) Provided(_ *p2p.Node, result p2p.ProvisionResult) {
	switch result.Type {
	case p2p.ProvisionGetHeaders:
		if result.Status == p2p.ProvisionSuccess {
			for _, h := range result.Headers() {
				e.events <- headerEvent{header: h}
			}
		}
	case p2p.ProvisionGetBodies:
		e.events <- bodiesEvent{result: result}
	case p2p.ProvisionGetReceipts:
		e.events <- receiptsEvent{result: result}
	case p2p.ProvisionGetAccounts:
		e.events <- accountsEvent{result: result}
	case p2p.ProvisionGetTxStatuses:
		e.events <- statusEvent{result: result}
	case p2p.ProvisionSubmitTx:
		e.events <- submitEvent{result: result}
	}
	if e.callbacks != nil {
		e.callbacks.OnProvide(result)
	}
}

// StateChanged implements p2p.Callbacks; route failures drop in-flight
// provisions tied to this peer (handled upstream by the Node itself via
// failAllProvisioners, so the engine only needs to log here).
func (e *Engine) StateChanged(_ *p2p.Node, route p2p.Route, state p2p.State) {
	e.log.Info("peer state changed", "route", route, "state", state)
}

// Neighbors implements p2p.Callbacks; the engine does not act on discovery
// in this single-peer scope.
func (e *Engine) Neighbors(_ *p2p.Node, _ []p2p.NeighborRecord) {}

// Head returns the current chain head hash and number.
func (e *Engine) Head() (common.Hash, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.headers.get(e.chain)
	if h == nil {
		return common.Hash{}, 0
	}
	return e.chain, h.Number.Uint64()
}

// Tail returns the current stable chain tail.
func (e *Engine) Tail() (common.Hash, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.headers.get(e.chainTail)
	if h == nil {
		return common.Hash{}, 0
	}
	return e.chainTail, h.Number.Uint64()
}

// SubscribeActivity lets callers tap the engine's transaction/log/state
// events independent of the primary Callbacks interface, spec §0 domain
// stack note on event.Feed as a secondary tap.
func (e *Engine) SubscribeActivity(ch chan<- interface{}) event.Subscription {
	return e.feed.Subscribe(ch)
}

func (e *Engine) onAnnounce(hash common.Hash, number uint64, td *big.Int) {
	if e.callbacks != nil {
		e.callbacks.OnAnnounce(hash, number)
	}
	e.feed.Send(announceEvent{hash: hash, number: number, td: td})

	e.nextProvisionID++
	_ = e.peer.Provide(&p2p.Provision{
		ID:           e.nextProvisionID,
		Type:         p2p.ProvisionGetHeaders,
		HeadersFrom:  number,
		HeadersCount: 1,
	})
}
