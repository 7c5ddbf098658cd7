package p2p

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/lightwatch-go/lightwatch/rlpx"
)

// tcpHandshakeStageTimeout bounds each handshake stage, spec §5: "handshake
// stages use a 1 s wait; failure yields ERROR_OS{ETIMEDOUT}".
const tcpHandshakeStageTimeout = time.Second

func armStage(conn net.Conn) { _ = conn.SetDeadline(time.Now().Add(tcpHandshakeStageTimeout)) }

// failStage classifies a failed handshake read: a stage timeout is an OS
// error, anything else is the given protocol reason.
func (n *Node) failStage(err error, reason ProtocolReason) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		n.setState(RouteTCP, StateErrorOS(int(syscall.ETIMEDOUT)))
		return err
	}
	n.setState(RouteTCP, StateErrorProtocol(reason))
	return &ProtocolError{reason}
}

// lesCapability and pipCapability are the two capability strings Hello
// negotiates between, spec §4.2.1 step 5 "Capability negotiation".
var (
	lesCapability = Capability{Name: "les", Version: 2}
	pipCapability = Capability{Name: "pip", Version: 1}
)

// ProtocolError reports a handshake failure that should be recorded as
// State ErrorProtocol rather than retried, per spec §7.
type ProtocolError struct {
	Reason ProtocolReason
}

func (e *ProtocolError) Error() string { return "p2p: protocol error: " + e.Reason.String() }

// ConnectTCP drives the initiator side of the TCP handshake over conn:
// AUTH -> AUTH_ACK -> HELLO -> HELLO_ACK -> STATUS -> STATUS_ACK ->
// CONNECTED, reporting each subphase via Callbacks.StateChanged (spec
// §4.2.1).
func (n *Node) ConnectTCP(local *LocalIdentity, remoteStatic *ecdsa.PublicKey, conn net.Conn, networkID uint64, genesisHash common.Hash, headHash common.Hash, headNumber uint64) (err error) {
	defer func() {
		// Failed handshakes close the socket, spec §8 S6 "no further sends;
		// socket closed".
		if err != nil {
			conn.Close()
		}
	}()

	n.setState(RouteTCP, StateConnecting(SubphaseAuth))

	ephemeral, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	var nonce [rlpx.NonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}

	authCipher, err := rlpx.EncodeAuthInitiator(local.StaticKey, ephemeral, remoteStatic, nonce)
	if err != nil {
		return err
	}
	armStage(conn)
	if _, err := conn.Write(authCipher); err != nil {
		n.setState(RouteTCP, StateErrorOS(0))
		return err
	}

	n.setState(RouteTCP, StateConnecting(SubphaseAuthAck))
	armStage(conn)
	ackCipher := make([]byte, rlpx.AckCipherLen)
	if _, err := io.ReadFull(conn, ackCipher); err != nil {
		return n.failStage(err, ReasonTCPAuthentication)
	}
	remoteEphemeral, remoteNonce, err := rlpx.DecodeAuthAck(local.StaticKey, ackCipher)
	if err != nil {
		n.setState(RouteTCP, StateErrorProtocol(ReasonTCPAuthentication))
		return &ProtocolError{ReasonTCPAuthentication}
	}

	secrets, err := rlpx.DeriveSecrets(rlpx.HandshakeMaterial{
		LocalEphemeral:  ephemeral,
		RemoteEphemeral: remoteEphemeral,
		LocalNonce:      nonce,
		RemoteNonce:     remoteNonce,
		AuthCiphertext:  authCipher,
		AckCiphertext:   ackCipher,
		Initiator:       true,
	})
	if err != nil {
		n.setState(RouteTCP, StateErrorProtocol(ReasonTCPAuthentication))
		return &ProtocolError{ReasonTCPAuthentication}
	}
	coder, err := rlpx.NewFrameCoder(secrets)
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.frameCoder = coder
	n.mu.Unlock()

	return n.completeTCPHandshake(conn, local, true, networkID, genesisHash, headHash, headNumber)
}

// AcceptTCP drives the responder side of the TCP handshake: it reads an
// inbound AUTH, answers with AUTH_ACK, then runs the HELLO/STATUS exchange
// in the responder's read-first order.
func (n *Node) AcceptTCP(local *LocalIdentity, conn net.Conn, networkID uint64, genesisHash common.Hash, headHash common.Hash, headNumber uint64) (err error) {
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	n.setState(RouteTCP, StateConnecting(SubphaseAuth))

	armStage(conn)
	authCipher := make([]byte, rlpx.AuthCipherLen)
	if _, err := io.ReadFull(conn, authCipher); err != nil {
		return n.failStage(err, ReasonTCPAuthentication)
	}
	remoteEphemeral, remoteStatic, remoteNonce, err := rlpx.DecodeAuthInitiator(local.StaticKey, authCipher)
	if err != nil {
		n.setState(RouteTCP, StateErrorProtocol(ReasonTCPAuthentication))
		return &ProtocolError{ReasonTCPAuthentication}
	}

	ephemeral, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	var nonce [rlpx.NonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}

	n.setState(RouteTCP, StateConnecting(SubphaseAuthAck))
	ackCipher, err := rlpx.EncodeAuthAck(remoteStatic, ephemeral, nonce)
	if err != nil {
		return err
	}
	armStage(conn)
	if _, err := conn.Write(ackCipher); err != nil {
		n.setState(RouteTCP, StateErrorOS(0))
		return err
	}

	secrets, err := rlpx.DeriveSecrets(rlpx.HandshakeMaterial{
		LocalEphemeral:  ephemeral,
		RemoteEphemeral: remoteEphemeral,
		LocalNonce:      nonce,
		RemoteNonce:     remoteNonce,
		AuthCiphertext:  authCipher,
		AckCiphertext:   ackCipher,
		Initiator:       false,
	})
	if err != nil {
		n.setState(RouteTCP, StateErrorProtocol(ReasonTCPAuthentication))
		return &ProtocolError{ReasonTCPAuthentication}
	}
	coder, err := rlpx.NewFrameCoder(secrets)
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.frameCoder = coder
	n.mu.Unlock()

	return n.completeTCPHandshake(conn, local, false, networkID, genesisHash, headHash, headNumber)
}

// completeTCPHandshake runs the HELLO/STATUS exchange once the frame coder
// is established. The initiator writes each message before reading the
// remote's; the responder reads first. Fixing the order per role keeps the
// frame coder single-threaded (it is not safe for a concurrent write) and
// avoids both sides blocking on an unbuffered transport.
func (n *Node) completeTCPHandshake(conn net.Conn, local *LocalIdentity, initiator bool, networkID uint64, genesisHash common.Hash, headHash common.Hash, headNumber uint64) error {
	n.setState(RouteTCP, StateConnecting(SubphaseHello))
	id := local.NodeID()
	capabilities := local.Capabilities
	if len(capabilities) == 0 {
		capabilities = []Capability{lesCapability, pipCapability}
	}
	hello := HelloMessage{
		ProtocolVersion: 5,
		ClientID:        "lightwatch/1.0",
		Capabilities:    capabilities,
		ListenPort:      uint64(local.TCPPort),
		NodeID:          id[:],
	}

	writeHello := func() error {
		armStage(conn)
		if err := writeFrame(conn, n.frameCoder, CodeHello, hello); err != nil {
			n.setState(RouteTCP, StateErrorProtocol(ReasonTCPHelloMissed))
			return &ProtocolError{ReasonTCPHelloMissed}
		}
		return nil
	}
	var remoteHello HelloMessage
	readHello := func() error {
		armStage(conn)
		code, payload, err := readFrame(conn, n.frameCoder)
		if err != nil {
			return n.failStage(err, ReasonTCPHelloMissed)
		}
		if code != CodeHello {
			n.setState(RouteTCP, StateErrorProtocol(ReasonTCPHelloMissed))
			return &ProtocolError{ReasonTCPHelloMissed}
		}
		if err := rlp.DecodeBytes(payload, &remoteHello); err != nil {
			n.setState(RouteTCP, StateErrorProtocol(ReasonTCPHelloMissed))
			return &ProtocolError{ReasonTCPHelloMissed}
		}
		return nil
	}

	if initiator {
		if err := writeHello(); err != nil {
			return err
		}
		n.setState(RouteTCP, StateConnecting(SubphaseHelloAck))
		if err := readHello(); err != nil {
			return err
		}
	} else {
		if err := readHello(); err != nil {
			return err
		}
		n.setState(RouteTCP, StateConnecting(SubphaseHelloAck))
		if err := writeHello(); err != nil {
			return err
		}
	}

	negotiated, ok := negotiateCapability(hello.Capabilities, remoteHello.Capabilities)
	if !ok {
		n.setState(RouteTCP, StateErrorProtocol(ReasonCapabilitiesMismatch))
		return &ProtocolError{ReasonCapabilitiesMismatch}
	}
	n.mu.Lock()
	if negotiated.Name == "les" {
		n.nodeType = NodeTypeGeth
	} else {
		n.nodeType = NodeTypeParity
	}
	n.mu.Unlock()

	if initiator && negotiated.Name != "les" {
		// PARITY classification: spec §4.2.1 step 7 "a P2P Ping arrives
		// before Status; respond with Pong."
		armStage(conn)
		code, payload, err := readFrame(conn, n.frameCoder)
		if err != nil {
			return n.failStage(err, ReasonTCPStatusMissed)
		}
		if code != CodePing {
			n.setState(RouteTCP, StateErrorProtocol(ReasonTCPStatusMissed))
			return &ProtocolError{ReasonTCPStatusMissed}
		}
		var ping PingMessage
		_ = rlp.DecodeBytes(payload, &ping)
		armStage(conn)
		if err := writeFrame(conn, n.frameCoder, CodePong, PongMessage{}); err != nil {
			n.setState(RouteTCP, StateErrorProtocol(ReasonTCPStatusMissed))
			return &ProtocolError{ReasonTCPStatusMissed}
		}
	}

	status := StatusMessage{
		ProtocolVersion: negotiated.Version,
		NetworkID:       networkID,
		GenesisHash:     genesisHash,
		HeadHash:        headHash,
		HeadNumber:      headNumber,
	}
	writeStatus := func() error {
		armStage(conn)
		if err := writeFrame(conn, n.frameCoder, MessageIDOffset+CodeStatus, status); err != nil {
			n.setState(RouteTCP, StateErrorProtocol(ReasonTCPStatusMissed))
			return &ProtocolError{ReasonTCPStatusMissed}
		}
		return nil
	}
	var remoteStatus StatusMessage
	readStatus := func() error {
		armStage(conn)
		code, payload, err := readFrame(conn, n.frameCoder)
		if err != nil {
			return n.failStage(err, ReasonTCPStatusMissed)
		}
		if code != MessageIDOffset+CodeStatus {
			n.setState(RouteTCP, StateErrorProtocol(ReasonTCPStatusMissed))
			return &ProtocolError{ReasonTCPStatusMissed}
		}
		if err := rlp.DecodeBytes(payload, &remoteStatus); err != nil {
			n.setState(RouteTCP, StateErrorProtocol(ReasonTCPStatusMissed))
			return &ProtocolError{ReasonTCPStatusMissed}
		}
		return nil
	}

	n.setState(RouteTCP, StateConnecting(SubphaseStatus))
	if initiator {
		if err := writeStatus(); err != nil {
			return err
		}
		n.setState(RouteTCP, StateConnecting(SubphaseStatusAck))
		if err := readStatus(); err != nil {
			return err
		}
	} else {
		if err := readStatus(); err != nil {
			return err
		}
		n.setState(RouteTCP, StateConnecting(SubphaseStatusAck))
		if err := writeStatus(); err != nil {
			return err
		}
	}

	if remoteStatus.NetworkID != networkID || remoteStatus.GenesisHash != genesisHash {
		n.setState(RouteTCP, StateErrorProtocol(ReasonNetworkMismatch))
		return &ProtocolError{ReasonNetworkMismatch}
	}

	if len(remoteStatus.Specs) > 0 {
		n.setSpecs(remoteStatus.Specs)
	}
	n.seedCredits(remoteStatus.BufferLimit)
	n.setHead(remoteStatus.HeadHash, remoteStatus.HeadNumber, remoteStatus.HeadTD)

	_ = conn.SetDeadline(time.Time{})
	n.setState(RouteTCP, StateConnected())
	return nil
}

// negotiateCapability intersects local and remote capabilities by name,
// spec §4.2.1 step 6: "Intersect capabilities with the local advertised
// set. Exactly one common capability must exist". Returns ok=false, not
// just on zero matches but also on more than one distinct common name —
// an ambiguous intersection is just as much a CapabilitiesMismatch as no
// intersection at all.
func negotiateCapability(local, remote []Capability) (Capability, bool) {
	matches := make(map[string]Capability)
	for _, l := range local {
		for _, r := range remote {
			if l.Name != r.Name {
				continue
			}
			v := l.Version
			if r.Version < v {
				v = r.Version
			}
			if existing, ok := matches[l.Name]; !ok || v > existing.Version {
				matches[l.Name] = Capability{Name: l.Name, Version: v}
			}
		}
	}
	if len(matches) != 1 {
		return Capability{}, false
	}
	for _, c := range matches {
		return c, true
	}
	panic("unreachable")
}

// writeFrame RLP-encodes data, prefixes it with code, and hands the whole
// thing to the frame coder before writing it to conn.
func writeFrame(conn net.Conn, coder *rlpx.FrameCoder, code uint64, data interface{}) error {
	payload, err := rlp.EncodeToBytes(data)
	if err != nil {
		return err
	}
	codeBytes, err := rlp.EncodeToBytes(code)
	if err != nil {
		return err
	}
	plaintext := append(codeBytes, payload...)
	ciphertext, err := coder.Encrypt(plaintext)
	if err != nil {
		return err
	}
	_, err = conn.Write(ciphertext)
	return err
}

// readFrame reads exactly one frame from conn and returns its message code
// and RLP-encoded payload.
func readFrame(conn net.Conn, coder *rlpx.FrameCoder) (uint64, []byte, error) {
	header := make([]byte, 16)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, nil, err
	}
	length, err := coder.DecryptHeader(header)
	if err != nil {
		return 0, nil, err
	}

	padded := pad16(length)
	body := make([]byte, padded+16)
	if _, err := io.ReadFull(conn, body); err != nil {
		return 0, nil, err
	}
	plaintext, err := coder.DecryptFrame(length, body)
	if err != nil {
		return 0, nil, err
	}

	code, rest, err := splitCodeAndPayload(plaintext)
	if err != nil {
		return 0, nil, err
	}
	return code, rest, nil
}

// splitCodeAndPayload parses a devp2p-style frame body: an RLP-encoded
// uint64 message code immediately followed by the RLP-encoded payload
// value, with no wrapping list around the pair.
func splitCodeAndPayload(plaintext []byte) (uint64, []byte, error) {
	stream := rlp.NewStream(bytes.NewReader(plaintext), uint64(len(plaintext)))
	var code uint64
	if err := stream.Decode(&code); err != nil {
		return 0, nil, err
	}
	payload, err := stream.Raw()
	if err != nil {
		return 0, nil, err
	}
	return code, payload, nil
}

func pad16(n int) int {
	if n%16 == 0 {
		return n
	}
	return n + (16 - n%16)
}
