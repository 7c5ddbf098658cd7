package p2p

import (
	"net"

	"github.com/ethereum/go-ethereum/rlp"
)

// RunTCP owns conn for the lifetime of the Connected state: it alternates
// between draining one inbound frame and sending at most one outbound
// provisioner message per tick, per spec §4.2.3's "one message per loop
// iteration" back-pressure rule. It returns once the connection is closed
// or a protocol violation is observed.
func (n *Node) RunTCP(conn net.Conn) error {
	defer conn.Close()

	for {
		if n.State(RouteTCP).Kind != Connected {
			return nil
		}

		if pr := n.pendingProvisioner(); pr != nil {
			if err := pr.sendNext(func(code uint64, data interface{}) error {
				return writeFrame(conn, n.frameCoder, MessageIDOffset+code, data)
			}); err != nil {
				n.disconnectTCP(conn, DisconnectTCPError)
				return err
			}
		}

		code, payload, err := readFrame(conn, n.frameCoder)
		if err != nil {
			n.disconnectTCP(conn, DisconnectTCPError)
			n.failAllProvisioners(ProvisionFailureNetworkUnreachable)
			return err
		}
		if err := n.dispatch(conn, code, payload); err != nil {
			n.disconnectTCP(conn, DisconnectProtocolError)
			n.failAllProvisioners(ProvisionFailureUnknown)
			return err
		}
	}
}

// dispatch routes one decoded frame to the right handler. P2P control
// messages (code < MessageIDOffset) are handled here directly; subprotocol
// messages are un-offset and matched against the LES/PIP codes.
func (n *Node) dispatch(conn net.Conn, code uint64, payload []byte) error {
	if code < MessageIDOffset {
		return n.dispatchP2P(conn, code, payload)
	}
	return n.dispatchSubprotocol(conn, code-MessageIDOffset, payload)
}

func (n *Node) dispatchP2P(conn net.Conn, code uint64, payload []byte) error {
	switch code {
	case CodeDisconnect:
		var msg DisconnectMessage
		if err := rlp.DecodeBytes(payload, &msg); err != nil {
			return err
		}
		reason := DisconnectReason(msg.Reason)
		if reason == DisconnectRequested {
			// Requested disconnects are not sticky, spec §4.2.3 "Failure
			// semantics": "`requested` disconnects revert to AVAILABLE".
			n.setState(RouteTCP, StateAvailable())
		} else {
			n.setState(RouteTCP, StateErrorDisconnect(reason))
		}
		return nil
	case CodePing:
		return writeFrame(conn, n.frameCoder, CodePong, PongMessage{})
	case CodePong:
		return nil
	default:
		n.log.Debug("ignoring unexpected P2P message", "code", code)
		return nil
	}
}

func (n *Node) dispatchSubprotocol(conn net.Conn, code uint64, payload []byte) error {
	switch code {
	case CodeAnnounce:
		var msg AnnounceMessage
		if err := rlp.DecodeBytes(payload, &msg); err != nil {
			return err
		}
		n.setHead(msg.HeadHash, msg.HeadNumber, msg.HeadTD)
		if n.callbacks != nil {
			n.callbacks.Announced(n, msg)
		}
		return nil
	case CodeBlockHeaders:
		var msg BlockHeadersMessage
		if err := rlp.DecodeBytes(payload, &msg); err != nil {
			return err
		}
		n.refreshCredits(msg.BufferValue)
		n.routeResponse(msg.ReqID, msg)
		return nil
	case CodeBlockBodies:
		var msg BlockBodiesMessage
		if err := rlp.DecodeBytes(payload, &msg); err != nil {
			return err
		}
		n.refreshCredits(msg.BufferValue)
		n.routeResponse(msg.ReqID, msg)
		return nil
	case CodeReceipts:
		var msg ReceiptsMessage
		if err := rlp.DecodeBytes(payload, &msg); err != nil {
			return err
		}
		n.refreshCredits(msg.BufferValue)
		n.routeResponse(msg.ReqID, msg)
		return nil
	case CodeAccounts:
		var msg AccountsMessage
		if err := rlp.DecodeBytes(payload, &msg); err != nil {
			return err
		}
		n.refreshCredits(msg.BufferValue)
		n.routeResponse(msg.ReqID, msg)
		return nil
	case CodeTxStatus:
		var msg TxStatusMessage
		if err := rlp.DecodeBytes(payload, &msg); err != nil {
			return err
		}
		n.refreshCredits(msg.BufferValue)
		n.routeResponse(msg.ReqID, msg)
		return nil
	case CodeUpdateCreditParameters:
		var msg UpdateCreditParametersMessage
		if err := rlp.DecodeBytes(payload, &msg); err != nil {
			return err
		}
		n.setSpecs(msg.Specs)
		return writeFrame(conn, n.frameCoder, MessageIDOffset+CodeAcknowledgeUpdate, AcknowledgeUpdateMessage{})
	default:
		n.log.Debug("ignoring unexpected subprotocol message", "code", code)
		return nil
	}
}

// disconnectTCP best-efforts a Disconnect message before tearing down the
// route's state, spec §4.2.3 "graceful disconnect".
func (n *Node) disconnectTCP(conn net.Conn, reason DisconnectReason) {
	_ = writeFrame(conn, n.frameCoder, CodeDisconnect, DisconnectMessage{Reason: uint64(reason)})
	n.setState(RouteTCP, StateErrorDisconnect(reason))
}
