// Package p2p implements the Peer Node: a connected remote peer that owns a
// UDP discovery route and a TCP light-subprotocol route, runs the RLPx
// handshake on each, and multiplexes outstanding Provisioner requests over
// the TCP route once connected.
package p2p

import (
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

// Route identifies one of a Node's two independent connections.
type Route int

const (
	RouteUDP Route = iota
	RouteTCP
	numRoutes
)

func (r Route) String() string {
	if r == RouteUDP {
		return "udp"
	}
	return "tcp"
}

// StateKind is the tag of the NodeState variant, per spec §3 "NodeState".
type StateKind int

const (
	Available StateKind = iota
	Connecting
	Connected
	Exhausted
	ErrorOS
	ErrorDisconnect
	ErrorProtocol
)

// ConnectSubphase names where in the handshake a Connecting route currently
// is, per spec §4.2.1.
type ConnectSubphase int

const (
	SubphaseOpen ConnectSubphase = iota
	// TCP-only subphases.
	SubphaseAuth
	SubphaseAuthAck
	SubphaseHello
	SubphaseHelloAck
	SubphaseStatus
	SubphaseStatusAck
	// UDP-only subphases.
	SubphasePing
	SubphasePingAck
)

// ProtocolReason enumerates spec §7's ProtocolError reasons.
type ProtocolReason int

const (
	ReasonNonStandardPort ProtocolReason = iota
	ReasonUDPPingPongMissed
	ReasonUDPExcessiveByteCount
	ReasonTCPAuthentication
	ReasonTCPHelloMissed
	ReasonTCPStatusMissed
	ReasonCapabilitiesMismatch
	ReasonNetworkMismatch
)

func (r ProtocolReason) String() string {
	names := [...]string{
		"NonStandardPort", "UDPPingPongMissed", "UDPExcessiveByteCount",
		"TCPAuthentication", "TCPHelloMissed", "TCPStatusMissed",
		"CapabilitiesMismatch", "NetworkMismatch",
	}
	if int(r) < len(names) {
		return names[r]
	}
	return "Unknown"
}

// DisconnectReason mirrors the devp2p P2P disconnect reason codes relevant
// here; DisconnectRequested is the only one that is not sticky (spec §4.2.3).
type DisconnectReason int

const (
	DisconnectRequested DisconnectReason = iota
	DisconnectTCPError
	DisconnectProtocolError
	DisconnectUselessPeer
	DisconnectTooManyPeers
	DisconnectAlreadyConnected
	DisconnectIncompatibleVersion
	DisconnectQuitting
)

// State is the tagged-union NodeState of spec §3.
type State struct {
	Kind StateKind

	Subphase    ConnectSubphase  // valid when Kind == Connecting
	ExhaustedAt time.Time        // valid when Kind == Exhausted
	OSErrno     int              // valid when Kind == ErrorOS
	DiscReason  DisconnectReason // valid when Kind == ErrorDisconnect
	ProtoReason ProtocolReason   // valid when Kind == ErrorProtocol
}

func StateAvailable() State                     { return State{Kind: Available} }
func StateConnecting(sub ConnectSubphase) State { return State{Kind: Connecting, Subphase: sub} }
func StateConnected() State                     { return State{Kind: Connected} }
func StateExhausted(at time.Time) State         { return State{Kind: Exhausted, ExhaustedAt: at} }
func StateErrorOS(errno int) State              { return State{Kind: ErrorOS, OSErrno: errno} }
func StateErrorDisconnect(reason DisconnectReason) State {
	return State{Kind: ErrorDisconnect, DiscReason: reason}
}
func StateErrorProtocol(reason ProtocolReason) State {
	return State{Kind: ErrorProtocol, ProtoReason: reason}
}

// IsError reports whether the state is one of the terminal error variants,
// per the nodeHasErrorState check in the original BCS/LES node.
func (s State) IsError() bool {
	switch s.Kind {
	case Exhausted, ErrorOS, ErrorDisconnect, ErrorProtocol:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	switch s.Kind {
	case Available:
		return "Available"
	case Connecting:
		return fmt.Sprintf("Connecting(%d)", s.Subphase)
	case Connected:
		return "Connected"
	case Exhausted:
		return fmt.Sprintf("Exhausted(%s)", s.ExhaustedAt)
	case ErrorOS:
		return fmt.Sprintf("ErrorOS(%d)", s.OSErrno)
	case ErrorDisconnect:
		return fmt.Sprintf("ErrorDisconnect(%d)", s.DiscReason)
	case ErrorProtocol:
		return fmt.Sprintf("ErrorProtocol(%s)", s.ProtoReason)
	default:
		return "Unknown"
	}
}

// rlpState is the wire shape used to persist a Node's state across restarts
// (a supplemented feature grounded on the original's nodeStateEncode).
type rlpState struct {
	Kind        uint8
	Subphase    uint8
	ExhaustedAt uint64
	OSErrno     uint64
	DiscReason  uint8
	ProtoReason uint8
}

// EncodeRLP implements rlp.Encoder so a peer list can be persisted between
// runs.
func (s State) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, rlpState{
		Kind:        uint8(s.Kind),
		Subphase:    uint8(s.Subphase),
		ExhaustedAt: uint64(s.ExhaustedAt.Unix()),
		OSErrno:     uint64(s.OSErrno),
		DiscReason:  uint8(s.DiscReason),
		ProtoReason: uint8(s.ProtoReason),
	})
}

// DecodeRLP implements rlp.Decoder.
func (s *State) DecodeRLP(stream *rlp.Stream) error {
	var raw rlpState
	if err := stream.Decode(&raw); err != nil {
		return err
	}
	*s = State{
		Kind:        StateKind(raw.Kind),
		Subphase:    ConnectSubphase(raw.Subphase),
		ExhaustedAt: time.Unix(int64(raw.ExhaustedAt), 0),
		OSErrno:     int(raw.OSErrno),
		DiscReason:  DisconnectReason(raw.DiscReason),
		ProtoReason: ProtocolReason(raw.ProtoReason),
	}
	return nil
}

// InitialState decides the state a restored route should start in, given
// its last-persisted state: sticky protocol failures that cannot possibly
// be transient are adopted as-is, everything else resets to Available so
// the node gets a fresh retry. Grounded on the original's
// nodeSetStateInitial.
func InitialState(persisted State) State {
	if persisted.Kind != ErrorProtocol {
		return StateAvailable()
	}
	switch persisted.ProtoReason {
	case ReasonNonStandardPort, ReasonCapabilitiesMismatch, ReasonNetworkMismatch, ReasonUDPExcessiveByteCount:
		return persisted
	default:
		return StateAvailable()
	}
}
