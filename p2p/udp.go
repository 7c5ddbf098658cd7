package p2p

import (
	"crypto/ecdsa"
	"fmt"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// maxDISDatagram is the excessive-byte-count threshold of spec §4.2.1 "UDP
// handshake": "Excessive datagram bytes (>1500 bytes) -> ErrorKind::
// ProtocolError::UDPExcessiveByteCount".
const maxDISDatagram = 1500

// disHandshakeTimeout is the 1s wait spec §4.2.1/§5 prescribes for each
// handshake subphase ("select-equivalent with 1 s timeout during
// handshake").
const disHandshakeTimeout = time.Second

// discovery packet-type bytes, distinct from the subprotocol codes in
// messages.go since they travel as the first plaintext byte of a signed
// datagram rather than an RLPx frame.
const (
	disPacketPing          = 0x01
	disPacketPong          = 0x02
	disPacketFindNeighbors = 0x03
	disPacketNeighbors     = 0x04
)

// encodeDISPacket signs and frames one discovery packet following the
// devp2p v4 layout: hash || signature || packet-type || rlp(data), where
// hash = keccak256(signature || packet-type || rlp(data)) and signature
// recovers the sender's public key on the receiving side.
func encodeDISPacket(priv *ecdsa.PrivateKey, ptype byte, data interface{}) ([]byte, error) {
	payload, err := rlp.EncodeToBytes(data)
	if err != nil {
		return nil, fmt.Errorf("p2p: encode dis packet: %w", err)
	}
	sigInput := append([]byte{ptype}, payload...)
	sig, err := crypto.Sign(crypto.Keccak256(sigInput), priv)
	if err != nil {
		return nil, fmt.Errorf("p2p: sign dis packet: %w", err)
	}

	packet := make([]byte, 0, 32+65+1+len(payload))
	packet = append(packet, sig...)
	packet = append(packet, ptype)
	packet = append(packet, payload...)
	hash := crypto.Keccak256(packet)
	return append(hash, packet...), nil
}

// decodeDISPacket validates and parses a received datagram, returning the
// packet type, its RLP payload, and the sender's recovered node ID.
func decodeDISPacket(buf []byte) (ptype byte, payload []byte, fromID [64]byte, err error) {
	if len(buf) > maxDISDatagram {
		return 0, nil, fromID, &ProtocolError{ReasonUDPExcessiveByteCount}
	}
	if len(buf) < 32+65+1 {
		return 0, nil, fromID, fmt.Errorf("p2p: dis packet too short")
	}

	hash, rest := buf[:32], buf[32:]
	if got := crypto.Keccak256(rest); !bytesEqualDIS(got, hash) {
		return 0, nil, fromID, fmt.Errorf("p2p: dis packet hash mismatch")
	}

	sig, rest := rest[:65], rest[65:]
	ptype, payload = rest[0], rest[1:]

	sigInput := append([]byte{ptype}, payload...)
	pub, err := crypto.Ecrecover(crypto.Keccak256(sigInput), sig)
	if err != nil {
		return 0, nil, fromID, fmt.Errorf("p2p: recover dis sender: %w", err)
	}
	copy(fromID[:], pub[1:])
	return ptype, payload, fromID, nil
}

func bytesEqualDIS(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ConnectUDP drives the discovery handshake of spec §4.2.1 "UDP handshake":
// send Ping, await Pong, then optimistically send FindNeighbors and await
// either a Ping (answered with Pong) or a Neighbors response. The UDP route
// is address-based (remoteAddr), not identity-authenticated the way the TCP
// route is.
func (n *Node) ConnectUDP(local *LocalIdentity, conn net.PacketConn, remoteAddr net.Addr, remoteEndpoint Endpoint) error {
	n.setState(RouteUDP, StateConnecting(SubphasePing))

	ping := DISPingMessage{
		Version:    4,
		From:       local.Endpoint(),
		To:         remoteEndpoint,
		Expiration: uint64(time.Now().Add(20 * time.Second).Unix()),
	}
	packet, err := encodeDISPacket(local.StaticKey, disPacketPing, ping)
	if err != nil {
		return err
	}
	if _, err := conn.WriteTo(packet, remoteAddr); err != nil {
		n.setState(RouteUDP, StateErrorOS(0))
		return err
	}

	n.setState(RouteUDP, StateConnecting(SubphasePingAck))
	if _, _, err := n.awaitDISPacket(conn, disHandshakeTimeout, disPacketPong); err != nil {
		n.setState(RouteUDP, StateErrorProtocol(ReasonUDPPingPongMissed))
		return err
	}

	n.setState(RouteUDP, StateConnected())

	find := DISFindNeighborsMessage{Expiration: uint64(time.Now().Add(20 * time.Second).Unix())}
	findPacket, err := encodeDISPacket(local.StaticKey, disPacketFindNeighbors, find)
	if err == nil {
		_, _ = conn.WriteTo(findPacket, remoteAddr)
	}

	ptype, payload, err := n.awaitDISPacket(conn, disHandshakeTimeout, disPacketPing, disPacketNeighbors)
	if err != nil {
		// FindNeighbors is "optimistic": spec §4.2.1 does not require it to
		// succeed for the route to be Connected.
		return nil
	}
	return n.handleDISPacket(conn, remoteAddr, local, ptype, payload)
}

// awaitDISPacket blocks for at most timeout waiting for a datagram whose
// packet type is one of want, decoding and validating it along the way.
func (n *Node) awaitDISPacket(conn net.PacketConn, timeout time.Duration, want ...byte) (byte, []byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, maxDISDatagram+64)
	for {
		sz, _, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, nil, err
		}
		ptype, payload, _, err := decodeDISPacket(buf[:sz])
		if err != nil {
			if pe, ok := err.(*ProtocolError); ok {
				return 0, nil, pe
			}
			continue // malformed/foreign datagram; keep waiting within the deadline
		}
		for _, w := range want {
			if ptype == w {
				return ptype, payload, nil
			}
		}
	}
}

// RunUDP services one Node's discovery route after the handshake completes,
// per spec §4.2.3's per-tick duty extended to DIS messages: "DIS Ping ->
// reply Pong; DIS Neighbors -> forward each neighbor record via a neighbor
// callback".
func (n *Node) RunUDP(conn net.PacketConn, local *LocalIdentity) error {
	buf := make([]byte, maxDISDatagram+64)
	for {
		if n.State(RouteUDP).Kind != Connected {
			return nil
		}
		sz, addr, err := conn.ReadFrom(buf)
		if err != nil {
			n.setState(RouteUDP, StateErrorOS(0))
			return err
		}
		ptype, payload, _, err := decodeDISPacket(buf[:sz])
		if err != nil {
			if pe, ok := err.(*ProtocolError); ok {
				n.setState(RouteUDP, StateErrorProtocol(pe.Reason))
				return pe
			}
			continue
		}
		if err := n.handleDISPacket(conn, addr, local, ptype, payload); err != nil {
			return err
		}
	}
}

func (n *Node) handleDISPacket(conn net.PacketConn, addr net.Addr, local *LocalIdentity, ptype byte, payload []byte) error {
	switch ptype {
	case disPacketPing:
		var msg DISPingMessage
		if err := rlp.DecodeBytes(payload, &msg); err != nil {
			return nil
		}
		pong := DISPongMessage{
			To:         local.Endpoint(),
			PingHash:   crypto.Keccak256Hash(payload),
			Expiration: uint64(time.Now().Add(20 * time.Second).Unix()),
		}
		packet, err := encodeDISPacket(local.StaticKey, disPacketPong, pong)
		if err != nil {
			return nil
		}
		_, _ = conn.WriteTo(packet, addr)
		return nil
	case disPacketNeighbors:
		var msg DISNeighborsMessage
		if err := rlp.DecodeBytes(payload, &msg); err != nil {
			return nil
		}
		if n.callbacks != nil {
			n.callbacks.Neighbors(n, msg.Neighbors)
		}
		return nil
	default:
		n.log.Debug("ignoring unexpected DIS packet", "type", ptype)
		return nil
	}
}
