package p2p

import (
	"crypto/ecdsa"
	"fmt"
	"net"
)

// LocalIdentity is this process's own static keypair and listening
// endpoint, presented to every remote peer during the handshake (spec
// §4.2.1 steps 1-5).
type LocalIdentity struct {
	StaticKey *ecdsa.PrivateKey
	IP        net.IP
	UDPPort   uint16
	TCPPort   uint16

	// Capabilities overrides the set advertised in Hello. Nil/empty means
	// "advertise both dialects" (lesCapability, pipCapability), the default
	// for a real lightwatch node dialing an unknown remote. Tests modeling
	// two specific, single-dialect peers set this explicitly so the
	// intersection in negotiateCapability stays unambiguous.
	Capabilities []Capability
}

// NodeID returns the 64-byte uncompressed public key (sans the leading
// 0x04 prefix byte) devp2p uses to identify a peer.
func (l *LocalIdentity) NodeID() [64]byte {
	var id [64]byte
	pub := l.StaticKey.PublicKey
	copy(id[:32], pub.X.Bytes())
	copy(id[32:], pub.Y.Bytes())
	return id
}

// Endpoint returns the discovery-message Endpoint describing this identity.
func (l *LocalIdentity) Endpoint() Endpoint {
	return Endpoint{IP: l.IP, UDPPort: l.UDPPort, TCPPort: l.TCPPort}
}

// String renders host:tcpport/udpport for logs.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d/%d", net.IP(e.IP), e.TCPPort, e.UDPPort)
}

// HasNonStandardPort reports whether TCPPort differs from UDPPort, which
// spec §7 flags as ReasonNonStandardPort during discovery.
func (e Endpoint) HasNonStandardPort() bool {
	return e.TCPPort != 0 && e.UDPPort != 0 && e.TCPPort != e.UDPPort
}
