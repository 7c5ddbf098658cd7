package rlpx

import (
	"crypto/rand"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestAuthInitiatorRoundTrip(t *testing.T) {
	initiatorStatic, err := crypto.GenerateKey()
	require.NoError(t, err)
	initiatorEphemeral, err := crypto.GenerateKey()
	require.NoError(t, err)
	responderStatic, err := crypto.GenerateKey()
	require.NoError(t, err)

	var nonce [NonceLen]byte
	_, err = rand.Read(nonce[:])
	require.NoError(t, err)

	cipher, err := EncodeAuthInitiator(initiatorStatic, initiatorEphemeral, &responderStatic.PublicKey, nonce)
	require.NoError(t, err)
	require.Len(t, cipher, AuthCipherLen)

	ephemeralPub, staticPub, gotNonce, err := DecodeAuthInitiator(responderStatic, cipher)
	require.NoError(t, err)
	require.Equal(t, nonce, gotNonce)
	require.Equal(t, crypto.PubkeyToAddress(initiatorStatic.PublicKey), crypto.PubkeyToAddress(*staticPub))
	require.Equal(t, initiatorEphemeral.PublicKey, *ephemeralPub)
}

func TestAuthAckRoundTrip(t *testing.T) {
	responderEphemeral, err := crypto.GenerateKey()
	require.NoError(t, err)
	initiatorStatic, err := crypto.GenerateKey()
	require.NoError(t, err)

	var nonce [NonceLen]byte
	_, err = rand.Read(nonce[:])
	require.NoError(t, err)

	cipher, err := EncodeAuthAck(&initiatorStatic.PublicKey, responderEphemeral, nonce)
	require.NoError(t, err)
	require.Len(t, cipher, AckCipherLen)

	gotPub, gotNonce, err := DecodeAuthAck(initiatorStatic, cipher)
	require.NoError(t, err)
	require.Equal(t, nonce, gotNonce)
	require.Equal(t, responderEphemeral.PublicKey, *gotPub)
}
