package rlpx

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// Byte layout for the RLPx v4 handshake messages.
const (
	sigLen        = 65
	hePublicLen   = 32 // keccak256(ephemeral pub)
	publicLen     = 64
	versionLen    = 1
	ackPaddingLen = 16 // reserved/padding added to reach the 113-byte ack plaintext

	AuthLen       = sigLen + hePublicLen + publicLen + NonceLen + versionLen // 194
	AckLen        = publicLen + NonceLen + versionLen + ackPaddingLen        // 113
	eciesOverhead = 65 + 16 + 32                                             // ephemeral pubkey + IV + MAC
	AuthCipherLen = AuthLen + eciesOverhead                                  // 307
	AckCipherLen  = AckLen + eciesOverhead                                   // 226
)

// AuthInitiator is the plaintext of the auth-initiator message: step 2 of
// the TCP handshake in spec §4.2.1.
//
//	sig(ephemeral_priv, static_shared ⊕ local_nonce) || keccak(ephemeral_pub) ||
//	local_static_pub || local_nonce || 0x00
type AuthInitiator struct {
	Signature        [sigLen]byte
	EphemeralPubHash [hePublicLen]byte
	StaticPub        [publicLen]byte
	Nonce            [NonceLen]byte
}

// EncodeAuthInitiator builds and ECIES-encrypts the auth-initiator blob
// under the remote party's static public key.
func EncodeAuthInitiator(localStatic, localEphemeral *ecdsa.PrivateKey, remoteStatic *ecdsa.PublicKey, nonce [NonceLen]byte) ([]byte, error) {
	staticShared, err := ecies.ImportECDSA(localStatic).GenerateShared(ecies.ImportECDSAPublic(remoteStatic), eciesSharedHalf, eciesSharedHalf)
	if err != nil {
		return nil, fmt.Errorf("rlpx: static ecdh: %w", err)
	}

	toSign := xorBytes(staticShared, nonce[:])
	sig, err := crypto.Sign(toSign, localEphemeral)
	if err != nil {
		return nil, fmt.Errorf("rlpx: sign auth: %w", err)
	}

	ephemeralPubBytes := crypto.FromECDSAPub(&localEphemeral.PublicKey)[1:] // drop 0x04 prefix
	ephemeralPubHash := crypto.Keccak256(ephemeralPubBytes)

	plaintext := make([]byte, 0, AuthLen)
	plaintext = append(plaintext, sig...)
	plaintext = append(plaintext, ephemeralPubHash...)
	plaintext = append(plaintext, crypto.FromECDSAPub(&localStatic.PublicKey)[1:]...)
	plaintext = append(plaintext, nonce[:]...)
	plaintext = append(plaintext, 0x00)

	return ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(remoteStatic), plaintext, nil, nil)
}

// DecodeAuthInitiator decrypts and parses an auth-initiator blob received on
// the responder side. The sender's ephemeral public key is not carried in
// the plaintext directly (only its keccak hash is, for forward secrecy);
// instead it is recovered from the embedded signature the same way the
// original protocol does, by recomputing the static-static ECDH shared
// secret and using it to un-blind the signature via ECDSA public-key
// recovery, then checking the recovered key's hash matches.
func DecodeAuthInitiator(localStatic *ecdsa.PrivateKey, ciphertext []byte) (remoteEphemeralPub *ecdsa.PublicKey, remoteStaticPub *ecdsa.PublicKey, remoteNonce [NonceLen]byte, err error) {
	plaintext, err := ecies.ImportECDSA(localStatic).Decrypt(ciphertext, nil, nil)
	if err != nil {
		return nil, nil, remoteNonce, fmt.Errorf("rlpx: decrypt auth: %w", err)
	}
	if len(plaintext) != AuthLen {
		return nil, nil, remoteNonce, fmt.Errorf("rlpx: auth plaintext length %d, want %d", len(plaintext), AuthLen)
	}

	sig := plaintext[:sigLen]
	off := sigLen

	var ephemeralPubHash [hePublicLen]byte
	copy(ephemeralPubHash[:], plaintext[off:off+hePublicLen])
	off += hePublicLen

	staticPubBytes := append([]byte{0x04}, plaintext[off:off+publicLen]...)
	remoteStaticPub, err = crypto.UnmarshalPubkey(staticPubBytes)
	if err != nil {
		return nil, nil, remoteNonce, fmt.Errorf("rlpx: unmarshal static pub: %w", err)
	}
	off += publicLen

	copy(remoteNonce[:], plaintext[off:off+NonceLen])

	staticShared, err := ecies.ImportECDSA(localStatic).GenerateShared(ecies.ImportECDSAPublic(remoteStaticPub), eciesSharedHalf, eciesSharedHalf)
	if err != nil {
		return nil, nil, remoteNonce, fmt.Errorf("rlpx: static ecdh: %w", err)
	}
	signedHash := xorBytes(staticShared, remoteNonce[:])

	recoveredBytes, err := crypto.Ecrecover(signedHash, sig)
	if err != nil {
		return nil, nil, remoteNonce, fmt.Errorf("rlpx: recover ephemeral pub: %w", err)
	}
	if got := crypto.Keccak256(recoveredBytes[1:]); !bytesEqual(got, ephemeralPubHash[:]) {
		return nil, nil, remoteNonce, fmt.Errorf("rlpx: recovered ephemeral pub does not match hash")
	}
	remoteEphemeralPub, err = crypto.UnmarshalPubkey(recoveredBytes)
	if err != nil {
		return nil, nil, remoteNonce, fmt.Errorf("rlpx: unmarshal recovered ephemeral pub: %w", err)
	}

	return remoteEphemeralPub, remoteStaticPub, remoteNonce, nil
}

func bytesEqual(a, b []byte) bool {
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

// EncodeAuthAck builds and ECIES-encrypts the auth-ack blob: the responder's
// ephemeral public key and nonce, padded to the 113-byte layout.
func EncodeAuthAck(remoteStatic *ecdsa.PublicKey, localEphemeral *ecdsa.PrivateKey, nonce [NonceLen]byte) ([]byte, error) {
	plaintext := make([]byte, 0, AckLen)
	plaintext = append(plaintext, crypto.FromECDSAPub(&localEphemeral.PublicKey)[1:]...)
	plaintext = append(plaintext, nonce[:]...)
	plaintext = append(plaintext, 0x00)
	plaintext = append(plaintext, make([]byte, ackPaddingLen)...)

	return ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(remoteStatic), plaintext, nil, nil)
}

// DecodeAuthAck decrypts and parses an auth-ack blob, step 3 of the TCP
// handshake.
func DecodeAuthAck(localStatic *ecdsa.PrivateKey, ciphertext []byte) (remoteEphemeralPub *ecdsa.PublicKey, remoteNonce [NonceLen]byte, err error) {
	plaintext, err := ecies.ImportECDSA(localStatic).Decrypt(ciphertext, nil, nil)
	if err != nil {
		return nil, remoteNonce, fmt.Errorf("rlpx: decrypt ack: %w", err)
	}
	if len(plaintext) != AckLen {
		return nil, remoteNonce, fmt.Errorf("rlpx: ack plaintext length %d, want %d", len(plaintext), AckLen)
	}

	pubBytes := append([]byte{0x04}, plaintext[:publicLen]...)
	remoteEphemeralPub, err = crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return nil, remoteNonce, fmt.Errorf("rlpx: unmarshal ephemeral pub: %w", err)
	}
	copy(remoteNonce[:], plaintext[publicLen:publicLen+NonceLen])
	return remoteEphemeralPub, remoteNonce, nil
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range out {
		out[i] = a[i] ^ b[i%len(b)]
	}
	return out
}
