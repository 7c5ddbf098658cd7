package rlpx

import (
	"crypto/rand"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func mustSecretsPair(t *testing.T) (initiator, responder *Secrets) {
	t.Helper()
	localKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	remoteKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	var localNonce, remoteNonce [NonceLen]byte
	_, err = rand.Read(localNonce[:])
	require.NoError(t, err)
	_, err = rand.Read(remoteNonce[:])
	require.NoError(t, err)

	authCipher := []byte("auth-ciphertext-fixture")
	ackCipher := []byte("ack-ciphertext-fixture")

	initiatorSecrets, err := DeriveSecrets(HandshakeMaterial{
		LocalEphemeral:  localKey,
		RemoteEphemeral: &remoteKey.PublicKey,
		LocalNonce:      localNonce,
		RemoteNonce:     remoteNonce,
		AuthCiphertext:  authCipher,
		AckCiphertext:   ackCipher,
		Initiator:       true,
	})
	require.NoError(t, err)

	responderSecrets, err := DeriveSecrets(HandshakeMaterial{
		LocalEphemeral:  remoteKey,
		RemoteEphemeral: &localKey.PublicKey,
		LocalNonce:      remoteNonce,
		RemoteNonce:     localNonce,
		AuthCiphertext:  authCipher,
		AckCiphertext:   ackCipher,
		Initiator:       false,
	})
	require.NoError(t, err)

	return initiatorSecrets, responderSecrets
}

func TestFrameCoderRoundTrip(t *testing.T) {
	initSecrets, respSecrets := mustSecretsPair(t)

	initCoder, err := NewFrameCoder(initSecrets)
	require.NoError(t, err)
	respCoder, err := NewFrameCoder(respSecrets)
	require.NoError(t, err)

	messages := [][]byte{
		[]byte("hello"),
		make([]byte, 0),
		make([]byte, 1000),
		[]byte("exactly-16-bytes"),
	}

	for _, plaintext := range messages {
		frame, err := initCoder.Encrypt(plaintext)
		require.NoError(t, err)

		length, err := respCoder.DecryptHeader(frame[:16])
		require.NoError(t, err)
		require.Equal(t, len(plaintext), length)

		got, err := respCoder.DecryptFrame(length, frame[16:])
		require.NoError(t, err)
		require.Equal(t, plaintext, got)
	}
}

func TestFrameCoderDetectsTamperedBody(t *testing.T) {
	initSecrets, respSecrets := mustSecretsPair(t)
	initCoder, err := NewFrameCoder(initSecrets)
	require.NoError(t, err)
	respCoder, err := NewFrameCoder(respSecrets)
	require.NoError(t, err)

	frame, err := initCoder.Encrypt([]byte("payload"))
	require.NoError(t, err)

	length, err := respCoder.DecryptHeader(frame[:16])
	require.NoError(t, err)

	tampered := append([]byte{}, frame[16:]...)
	tampered[0] ^= 0xFF

	_, err = respCoder.DecryptFrame(length, tampered)
	require.ErrorIs(t, err, ErrMAC)
}

func TestFrameCoderDetectsTamperedHeader(t *testing.T) {
	initSecrets, respSecrets := mustSecretsPair(t)
	initCoder, err := NewFrameCoder(initSecrets)
	require.NoError(t, err)
	respCoder, err := NewFrameCoder(respSecrets)
	require.NoError(t, err)

	frame, err := initCoder.Encrypt([]byte("payload"))
	require.NoError(t, err)

	tampered := append([]byte{}, frame[:16]...)
	tampered[15] ^= 0x01

	_, err = respCoder.DecryptHeader(tampered)
	require.ErrorIs(t, err, ErrMAC)
}

func TestFrameCoderMismatchedKeysFail(t *testing.T) {
	initSecrets, _ := mustSecretsPair(t)
	_, otherResp := mustSecretsPair(t)

	initCoder, err := NewFrameCoder(initSecrets)
	require.NoError(t, err)
	wrongCoder, err := NewFrameCoder(otherResp)
	require.NoError(t, err)

	frame, err := initCoder.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = wrongCoder.DecryptHeader(frame[:16])
	require.ErrorIs(t, err, ErrMAC)
}
