// Package e2e_test exercises the RLPx handshake and Peer Node framing
// end-to-end: two real Nodes negotiate over an in-memory pipe exactly as
// they would over TCP, proving the Frame Coder and handshake state
// machine interoperate bit-for-bit rather than merely unit-testing each
// piece in isolation.
package e2e_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/lightwatch-go/lightwatch/p2p"
)

type recordingCallbacks struct {
	mu       sync.Mutex
	states   []p2p.State
	provided []p2p.ProvisionResult
}

func (r *recordingCallbacks) StateChanged(_ *p2p.Node, _ p2p.Route, state p2p.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}
func (r *recordingCallbacks) Announced(_ *p2p.Node, _ p2p.AnnounceMessage)  {}
func (r *recordingCallbacks) Neighbors(_ *p2p.Node, _ []p2p.NeighborRecord) {}
func (r *recordingCallbacks) Provided(_ *p2p.Node, result p2p.ProvisionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provided = append(r.provided, result)
}

// TestTCPHandshakeEndToEnd drives the full RLPx AUTH/AUTH-ACK/HELLO/STATUS
// sequence (spec §4.2.1) between two Nodes connected over a net.Pipe,
// asserting both sides land in CONNECTED with the negotiated head and
// capability recorded, per S1-style setup used throughout spec §8.
func TestTCPHandshakeEndToEnd(t *testing.T) {
	initiatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	responderKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	// Both sides advertise only "les" here: a real remote only ever speaks
	// one dialect, and two lightwatch nodes each offering both les and pip
	// would otherwise intersect on two capabilities, which spec §4.2.1 step
	// 6 requires rejecting as CapabilitiesMismatch.
	lesOnly := []p2p.Capability{{Name: "les", Version: 2}}
	initiatorLocal := &p2p.LocalIdentity{StaticKey: initiatorKey, IP: net.ParseIP("127.0.0.1"), TCPPort: 30303, UDPPort: 30303, Capabilities: lesOnly}
	responderLocal := &p2p.LocalIdentity{StaticKey: responderKey, IP: net.ParseIP("127.0.0.1"), TCPPort: 30304, UDPPort: 30304, Capabilities: lesOnly}

	initiatorCB := &recordingCallbacks{}
	responderCB := &recordingCallbacks{}

	initiatorID := initiatorLocal.NodeID()
	responderID := responderLocal.NodeID()
	initiatorNode := p2p.NewNode(responderID, responderLocal.Endpoint(), initiatorCB)
	responderNode := p2p.NewNode(initiatorID, initiatorLocal.Endpoint(), responderCB)

	clientConn, serverConn := net.Pipe()

	const networkID = uint64(1)
	genesisHash := common.HexToHash("0x01")
	headHash := common.HexToHash("0x02")

	var wg sync.WaitGroup
	wg.Add(2)

	var initiatorErr, responderErr error
	go func() {
		defer wg.Done()
		initiatorErr = initiatorNode.ConnectTCP(initiatorLocal, &responderKey.PublicKey, clientConn, networkID, genesisHash, headHash, 100)
	}()
	go func() {
		defer wg.Done()
		responderErr = responderNode.AcceptTCP(responderLocal, serverConn, networkID, genesisHash, headHash, 100)
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not complete within timeout")
	}

	require.NoError(t, initiatorErr)
	require.NoError(t, responderErr)

	require.Equal(t, p2p.Connected, initiatorNode.State(p2p.RouteTCP).Kind)
	require.Equal(t, p2p.Connected, responderNode.State(p2p.RouteTCP).Kind)

	gotHash, gotNumber, _ := initiatorNode.Head()
	require.Equal(t, headHash, gotHash)
	require.Equal(t, uint64(100), gotNumber)
}

// TestTCPHandshakeNetworkMismatch is scenario S6 of spec §8: a Status
// exchange where the remote's network ID disagrees must fail the route into
// ErrorProtocol{NetworkMismatch} on both ends, and neither side ends up
// Connected.
func TestTCPHandshakeNetworkMismatch(t *testing.T) {
	initiatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	responderKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	lesOnly := []p2p.Capability{{Name: "les", Version: 2}}
	initiatorLocal := &p2p.LocalIdentity{StaticKey: initiatorKey, IP: net.ParseIP("127.0.0.1"), TCPPort: 30303, UDPPort: 30303, Capabilities: lesOnly}
	responderLocal := &p2p.LocalIdentity{StaticKey: responderKey, IP: net.ParseIP("127.0.0.1"), TCPPort: 30304, UDPPort: 30304, Capabilities: lesOnly}

	initiatorNode := p2p.NewNode(responderLocal.NodeID(), responderLocal.Endpoint(), &recordingCallbacks{})
	responderNode := p2p.NewNode(initiatorLocal.NodeID(), initiatorLocal.Endpoint(), &recordingCallbacks{})

	clientConn, serverConn := net.Pipe()
	genesisHash := common.HexToHash("0x01")

	var wg sync.WaitGroup
	wg.Add(2)
	var initiatorErr, responderErr error
	go func() {
		defer wg.Done()
		initiatorErr = initiatorNode.ConnectTCP(initiatorLocal, &responderKey.PublicKey, clientConn, 1, genesisHash, genesisHash, 0)
	}()
	go func() {
		defer wg.Done()
		responderErr = responderNode.AcceptTCP(responderLocal, serverConn, 3, genesisHash, genesisHash, 0)
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not complete within timeout")
	}

	require.Error(t, initiatorErr)
	require.Error(t, responderErr)
	require.Equal(t, p2p.ErrorProtocol, initiatorNode.State(p2p.RouteTCP).Kind)
	require.Equal(t, p2p.ErrorProtocol, responderNode.State(p2p.RouteTCP).Kind)
	require.Equal(t, p2p.ReasonNetworkMismatch, initiatorNode.State(p2p.RouteTCP).ProtoReason)
	require.Equal(t, p2p.ReasonNetworkMismatch, responderNode.State(p2p.RouteTCP).ProtoReason)
}
