package p2p

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/lightwatch-go/lightwatch/rlpx"
)

// NodeType distinguishes the two light-subprotocol dialects a Node may
// negotiate in Hello, spec §4.2.1 "Capability negotiation".
type NodeType int

const (
	NodeTypeUnknown NodeType = iota
	NodeTypeGeth             // LES
	NodeTypeParity           // PIP
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeGeth:
		return "geth/les"
	case NodeTypeParity:
		return "parity/pip"
	default:
		return "unknown"
	}
}

// Callbacks is the set of notifications a Node emits to its owner. Every
// method is called synchronously from the Node's own goroutine and must not
// block.
type Callbacks interface {
	// StateChanged is invoked whenever a route's State transitions.
	StateChanged(n *Node, route Route, state State)
	// Announced is invoked on receipt of an Announce message.
	Announced(n *Node, msg AnnounceMessage)
	// Provided is invoked once a Provisioner completes or fails.
	Provided(n *Node, result ProvisionResult)
	// Neighbors is invoked on receipt of a DIS Neighbors message.
	Neighbors(n *Node, records []NeighborRecord)
}

// Node is one remote peer: a UDP discovery route and a TCP light-subprotocol
// route, each with its own State, per spec §3 "Node".
type Node struct {
	mu sync.Mutex

	id       [64]byte // uncompressed secp256k1 public key, minus the 0x04 prefix
	endpoint Endpoint
	nodeType NodeType

	states [numRoutes]State

	frameCoder *rlpx.FrameCoder
	specs      map[uint64]MessageSpec // populated from Status for NodeTypeGeth peers
	credits    uint64                 // request budget, seeded from Status and refreshed per response

	nextRequestID uint64
	provisioners  []*Provisioner

	callbacks Callbacks

	headHash   common.Hash
	headNumber uint64
	headTD     *big.Int

	log log.Logger
}

// NewNode constructs a Node in the Available state on both routes, spec §4.1
// "Node creation".
func NewNode(id [64]byte, endpoint Endpoint, callbacks Callbacks) *Node {
	n := &Node{
		id:        id,
		endpoint:  endpoint,
		callbacks: callbacks,
		specs:     make(map[uint64]MessageSpec),
		log:       log.New("node", fmt.Sprintf("%x", id[:8])),
	}
	for r := Route(0); r < numRoutes; r++ {
		n.states[r] = StateAvailable()
	}
	return n
}

// SetCallbacks (re)binds the Node's Callbacks. Useful when the callback
// owner (e.g. a bcs.Engine) itself needs a reference to the Node at
// construction time, creating an unavoidable construction cycle.
func (n *Node) SetCallbacks(callbacks Callbacks) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks = callbacks
}

// Type returns the dialect classification fixed at Hello time
// (NodeTypeUnknown until the TCP handshake negotiates a capability).
func (n *Node) Type() NodeType {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodeType
}

// State returns the current state of route.
func (n *Node) State(route Route) State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.states[route]
}

// setState transitions route to state and notifies callbacks, spec §4.2.3
// "State transitions are always reported".
func (n *Node) setState(route Route, state State) {
	n.mu.Lock()
	n.states[route] = state
	n.mu.Unlock()

	n.log.Debug("node state changed", "route", route, "state", state)
	if n.callbacks != nil {
		n.callbacks.StateChanged(n, route, state)
	}
}

// reserveRequestIDs atomically allocates a contiguous block of count
// request IDs and returns the first, grounded on the original's
// nodeGetThenIncrementMessageIdentifier.
func (n *Node) reserveRequestIDs(count uint64) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	base := n.nextRequestID
	n.nextRequestID += count
	return base
}

// messageSpecFor looks up the per-message credit spec parsed out of Status,
// valid only for NodeTypeGeth peers (spec §4.3 "contentLimit").
func (n *Node) messageSpecFor(t ProvisionType) (MessageSpec, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	code, ok := wireCodeForProvision(t)
	if !ok {
		return MessageSpec{}, false
	}
	spec, ok := n.specs[code]
	return spec, ok
}

func wireCodeForProvision(t ProvisionType) (uint64, bool) {
	switch t {
	case ProvisionGetHeaders:
		return CodeGetBlockHeaders, true
	case ProvisionGetBodies:
		return CodeGetBlockBodies, true
	case ProvisionGetReceipts:
		return CodeGetReceipts, true
	case ProvisionGetAccounts:
		return CodeGetAccounts, true
	case ProvisionGetTxStatuses, ProvisionSubmitTx:
		return CodeGetTxStatus, true
	default:
		return 0, false
	}
}

// setSpecs stores the peer's advertised per-message credit parameters,
// called once after Status (GETH) or on UpdateCreditParameters (PIP
// translated to the same shape by frame.go).
func (n *Node) setSpecs(specs []MessageSpec) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.specs = make(map[uint64]MessageSpec, len(specs))
	for _, s := range specs {
		n.specs[s.Code] = s
	}
}

// Credits returns the estimated request budget remaining on this peer:
// seeded from the buffer limit its Status advertised, decremented by an
// estimated per-message cost on every send, and re-anchored to the
// buffer value each response reports.
func (n *Node) Credits() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.credits
}

// spendCredits deducts the estimated cost of sending one message carrying
// items content units, using the peer's advertised per-message cost
// parameters when present.
func (n *Node) spendCredits(code, items uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	spec, ok := n.specs[code]
	if !ok {
		return
	}
	cost := spec.BaseCost + items*spec.ReqCost
	if cost > n.credits {
		n.credits = 0
		return
	}
	n.credits -= cost
}

// refreshCredits re-anchors the local estimate to the post-request balance
// the peer reported in a response's BufferValue field.
func (n *Node) refreshCredits(bufferValue uint64) {
	if bufferValue == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.credits = bufferValue
}

func (n *Node) seedCredits(bufferLimit uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.credits = bufferLimit
}

// SetInitialState seeds route's state from a state persisted by a previous
// run: permanent negotiation failures are adopted as-is, anything transient
// resets to Available (see InitialState).
func (n *Node) SetInitialState(route Route, persisted State) {
	n.setState(route, InitialState(persisted))
}

// setHead records the peer's latest chain head, from its Status or an
// Announce; Head returns it.
func (n *Node) setHead(hash common.Hash, number uint64, td *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.headHash, n.headNumber, n.headTD = hash, number, td
}

// Head returns the peer's last-known chain head.
func (n *Node) Head() (hash common.Hash, number uint64, td *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.headHash, n.headNumber, n.headTD
}

// ErrNotConnected is returned by Provide when the TCP route is not in the
// Connected state.
var ErrNotConnected = fmt.Errorf("p2p: node TCP route is not connected")

// Provide submits a Provision to the Node, establishing a Provisioner for
// it. The result is delivered asynchronously via Callbacks.Provided once
// frame.go drains its responses (spec §4.3 "provisionerEstablish").
func (n *Node) Provide(provision *Provision) error {
	if n.State(RouteTCP).Kind != Connected {
		return ErrNotConnected
	}

	pr, err := newProvisioner(n, provision)
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.provisioners = append(n.provisioners, pr)
	n.mu.Unlock()
	return nil
}

// pendingProvisioner returns the first provisioner with an unsent message,
// or nil, used by frame.go's per-tick send-interest check.
func (n *Node) pendingProvisioner() *Provisioner {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, pr := range n.provisioners {
		if pr.hasUnsentMessages() {
			return pr
		}
	}
	return nil
}

// routeResponse dispatches one parsed response payload to whichever
// provisioner owns reqID, completing and removing it once its response set
// is full.
func (n *Node) routeResponse(reqID uint64, payload interface{}) {
	n.mu.Lock()
	var owner *Provisioner
	for _, pr := range n.provisioners {
		if pr.owns(reqID) {
			owner = pr
			break
		}
	}
	n.mu.Unlock()

	if owner == nil {
		n.log.Debug("response for unknown or expired request", "reqID", reqID)
		return
	}

	if err := owner.handleResponse(reqID, payload); err != nil {
		n.log.Debug("discarding malformed response", "reqID", reqID, "err", err)
		return
	}

	if !owner.hasOutstandingResponses() {
		owner.finalize()

		n.mu.Lock()
		for i, pr := range n.provisioners {
			if pr == owner {
				n.provisioners = append(n.provisioners[:i], n.provisioners[i+1:]...)
				break
			}
		}
		n.mu.Unlock()

		if n.callbacks != nil {
			n.callbacks.Provided(n, ProvisionResult{
				ID:        owner.provision.ID,
				Type:      owner.provision.Type,
				Status:    ProvisionSuccess,
				Provision: owner.provision,
			})
		}
	}
}

// failAllProvisioners reports every outstanding provisioner as failed, used
// when the TCP route drops (spec §4.3 "ProvisionError on disconnect").
func (n *Node) failAllProvisioners(reason ProvisionFailureReason) {
	n.mu.Lock()
	pending := n.provisioners
	n.provisioners = nil
	n.mu.Unlock()

	if n.callbacks == nil {
		return
	}
	for _, pr := range pending {
		n.callbacks.Provided(n, ProvisionResult{
			ID:        pr.provision.ID,
			Type:      pr.provision.Type,
			Status:    ProvisionFailure,
			Reason:    reason,
			Provision: pr.provision,
		})
	}
}
