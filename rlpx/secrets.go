// Package rlpx implements the encrypted, MAC-authenticated record layer used
// after the RLPx auth handshake completes: the Frame Coder of the light
// client core. It derives session keys from the handshake's ephemeral keys,
// nonces and ciphertexts, then exposes an encrypt/decrypt pair over framed
// messages.
package rlpx

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"fmt"
	"hash"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"golang.org/x/crypto/sha3"
)

const (
	// NonceLen is the length in bytes of each side's handshake nonce.
	NonceLen = 32
	// eciesSharedHalf splits the 32-byte ECDH x-coordinate into the two
	// halves GenerateShared wants (key length and MAC length); secp256k1's
	// shared-key maximum is 32 bytes total.
	eciesSharedHalf = 16
)

// Secrets is the set of symmetric keys and running MAC state derived, once,
// from the auth handshake. Everything downstream (the FrameCoder) is built
// on top of this.
type Secrets struct {
	AES        []byte
	MAC        []byte
	EgressMAC  hash.Hash
	IngressMAC hash.Hash
	macCipher  cipher.Block
}

// HandshakeMaterial carries everything the handshake produced that the
// Frame Coder needs. Ciphertexts are the exact bytes placed on the wire,
// since they (not the plaintext) feed the MAC seed per the RLPx scheme.
type HandshakeMaterial struct {
	LocalEphemeral  *ecdsa.PrivateKey
	RemoteEphemeral *ecdsa.PublicKey
	LocalNonce      [NonceLen]byte
	RemoteNonce     [NonceLen]byte
	AuthCiphertext  []byte // the AUTH blob ciphertext, sent by the initiator
	AckCiphertext   []byte // the AUTH-ACK blob ciphertext, sent by the responder
	Initiator       bool
}

func xorNonce(secret []byte, nonce [NonceLen]byte) []byte {
	out := make([]byte, len(secret))
	for i := range out {
		out[i] = secret[i] ^ nonce[i%NonceLen]
	}
	return out
}

// DeriveSecrets runs the ÐΞVp2p RLPx key-derivation scheme: an ECDH of the
// two ephemeral keys feeds a chain of Keccak256 mixes that produce the
// AES-CTR key, the MAC key, and two independent running MAC states (one per
// direction), primed with each side's nonce and the ciphertext it is
// responsible for having sent.
func DeriveSecrets(m HandshakeMaterial) (*Secrets, error) {
	localEcies := ecies.ImportECDSA(m.LocalEphemeral)
	remoteEcies := ecies.ImportECDSAPublic(m.RemoteEphemeral)

	ephemeralShared, err := localEcies.GenerateShared(remoteEcies, eciesSharedHalf, eciesSharedHalf)
	if err != nil {
		return nil, fmt.Errorf("rlpx: ecdh shared secret: %w", err)
	}

	// nonce material mixes the responder's nonce first, then the initiator's.
	var responderNonce, initiatorNonce [NonceLen]byte
	if m.Initiator {
		responderNonce, initiatorNonce = m.RemoteNonce, m.LocalNonce
	} else {
		responderNonce, initiatorNonce = m.LocalNonce, m.RemoteNonce
	}

	nonceMaterial := crypto.Keccak256(append(append([]byte{}, responderNonce[:]...), initiatorNonce[:]...))
	sharedSecret := crypto.Keccak256(append(append([]byte{}, ephemeralShared...), nonceMaterial...))
	aesSecret := crypto.Keccak256(append(append([]byte{}, ephemeralShared...), sharedSecret...))
	macSecret := crypto.Keccak256(append(append([]byte{}, ephemeralShared...), aesSecret...))

	block, err := aes.NewCipher(macSecret)
	if err != nil {
		return nil, fmt.Errorf("rlpx: mac cipher: %w", err)
	}

	// mac1 authenticates what the initiator sent (the AUTH ciphertext),
	// seeded with the responder's nonce; mac2 authenticates what the
	// responder sent (the AUTH-ACK ciphertext), seeded with the initiator's
	// nonce. Each side's egress MAC is the other side's ingress MAC.
	mac1 := sha3.NewLegacyKeccak256()
	mac1.Write(xorNonce(macSecret, responderNonce))
	mac1.Write(m.AuthCiphertext)

	mac2 := sha3.NewLegacyKeccak256()
	mac2.Write(xorNonce(macSecret, initiatorNonce))
	mac2.Write(m.AckCiphertext)

	s := &Secrets{AES: aesSecret, MAC: macSecret, macCipher: block}
	if m.Initiator {
		s.EgressMAC, s.IngressMAC = mac1, mac2
	} else {
		s.EgressMAC, s.IngressMAC = mac2, mac1
	}
	return s, nil
}

// updateMAC folds seed (exactly 16 bytes) into the running MAC state the
// way RLPx does: encrypt the current digest's first 16 bytes with the MAC
// cipher, XOR in seed, feed the result back into the hash, and return the
// new digest's first 16 bytes as the tag.
func updateMAC(mac hash.Hash, block cipher.Block, seed []byte) []byte {
	digest := mac.Sum(nil)
	encrypted := make([]byte, 16)
	block.Encrypt(encrypted, digest[:16])
	for i := range encrypted {
		encrypted[i] ^= seed[i]
	}
	mac.Write(encrypted)
	out := mac.Sum(nil)
	return out[:16]
}
