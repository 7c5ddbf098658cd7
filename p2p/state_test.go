package p2p

import (
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"
)

func TestStateRLPRoundTrip(t *testing.T) {
	s := StateErrorProtocol(ReasonNetworkMismatch)

	encoded, err := rlp.EncodeToBytes(s)
	require.NoError(t, err)

	var got State
	require.NoError(t, rlp.DecodeBytes(encoded, &got))
	require.Equal(t, s.Kind, got.Kind)
	require.Equal(t, s.ProtoReason, got.ProtoReason)
}

// Restoring a persisted peer keeps only permanent negotiation failures;
// everything transient gets a fresh retry from Available.
func TestInitialStateStickyReasons(t *testing.T) {
	sticky := []ProtocolReason{
		ReasonNonStandardPort,
		ReasonCapabilitiesMismatch,
		ReasonNetworkMismatch,
		ReasonUDPExcessiveByteCount,
	}
	for _, reason := range sticky {
		got := InitialState(StateErrorProtocol(reason))
		require.Equal(t, ErrorProtocol, got.Kind, reason.String())
		require.Equal(t, reason, got.ProtoReason)
	}

	transient := []State{
		StateErrorProtocol(ReasonTCPAuthentication),
		StateErrorProtocol(ReasonUDPPingPongMissed),
		StateErrorOS(110),
		StateErrorDisconnect(DisconnectTooManyPeers),
		StateConnected(),
	}
	for _, s := range transient {
		require.Equal(t, Available, InitialState(s).Kind, s.String())
	}
}
