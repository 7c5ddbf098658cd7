package rlpx

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"hash"
)

// ErrMAC is returned by DecryptHeader/DecryptFrame on a MAC mismatch; the
// owning Peer Node handles it like any other failed frame read.
var ErrMAC = errors.New("rlpx: mac mismatch")

const (
	headerLen      = 16
	macTagLen      = headerLen - lengthFieldLen
	lengthFieldLen = 3
	blockSize      = aes.BlockSize
)

// FrameCoder is the per-session symmetric record layer. It is NOT
// thread-safe. The owning Peer Node does not guard it with its mutex; it
// drives the coder from one goroutine at a time (the handshake, then
// RunTCP).
type FrameCoder struct {
	enc cipher.Stream
	dec cipher.Stream

	egressMAC  *macState
	ingressMAC *macState
}

type macState struct {
	secrets *Secrets
	running hash.Hash
}

// NewFrameCoder builds a FrameCoder from session secrets already derived by
// DeriveSecrets. The AES-CTR streams start at a zero IV; both sides derive
// identical keys so the streams stay in lock-step as long as every call to
// Encrypt/DecryptHeader/DecryptFrame is made in the same order on both ends.
func NewFrameCoder(s *Secrets) (*FrameCoder, error) {
	block, err := aes.NewCipher(s.AES)
	if err != nil {
		return nil, fmt.Errorf("rlpx: frame cipher: %w", err)
	}
	iv := make([]byte, blockSize)
	return &FrameCoder{
		enc:        cipher.NewCTR(block, iv),
		dec:        cipher.NewCTR(block, iv),
		egressMAC:  &macState{secrets: s, running: s.EgressMAC},
		ingressMAC: &macState{secrets: s, running: s.IngressMAC},
	}, nil
}

func pad16(n int) int {
	if r := n % blockSize; r != 0 {
		return n + (blockSize - r)
	}
	return n
}

// Encrypt produces one complete frame for plaintext: a 16-byte header
// (3-byte big-endian length followed by a 13-byte MAC tag), the AES-CTR
// ciphertext padded to a 16-byte multiple, and a 16-byte trailing MAC.
func (f *FrameCoder) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) > 1<<24-1 {
		return nil, fmt.Errorf("rlpx: frame too large: %d bytes", len(plaintext))
	}

	header := make([]byte, headerLen)
	header[0] = byte(len(plaintext) >> 16)
	header[1] = byte(len(plaintext) >> 8)
	header[2] = byte(len(plaintext))

	headerCipher := make([]byte, headerLen)
	f.enc.XORKeyStream(headerCipher[:lengthFieldLen], header[:lengthFieldLen])
	tag := updateMAC(f.egressMAC.running, f.egressMAC.secrets.macCipher, padTo16(headerCipher[:lengthFieldLen]))
	copy(headerCipher[lengthFieldLen:], tag[:macTagLen])

	padded := make([]byte, pad16(len(plaintext)))
	copy(padded, plaintext)
	body := make([]byte, len(padded))
	f.enc.XORKeyStream(body, padded)

	f.egressMAC.running.Write(body)
	seed := f.egressMAC.running.Sum(nil)[:16]
	bodyTag := updateMAC(f.egressMAC.running, f.egressMAC.secrets.macCipher, seed)

	frame := make([]byte, 0, headerLen+len(body)+len(bodyTag))
	frame = append(frame, headerCipher...)
	frame = append(frame, body...)
	frame = append(frame, bodyTag...)
	return frame, nil
}

// padTo16 right-pads (with zero) or truncates b to exactly 16 bytes, used to
// feed the 3-byte encrypted length field into the MAC's 16-byte seed slot.
func padTo16(b []byte) []byte {
	out := make([]byte, 16)
	copy(out, b)
	return out
}

// DecryptHeader validates and decodes a 16-byte frame header, returning the
// plaintext body length that follows.
func (f *FrameCoder) DecryptHeader(header []byte) (int, error) {
	if len(header) != headerLen {
		return 0, fmt.Errorf("rlpx: header must be %d bytes, got %d", headerLen, len(header))
	}
	lengthCipher := header[:lengthFieldLen]
	gotTag := header[lengthFieldLen:]

	wantTag := updateMAC(f.ingressMAC.running, f.ingressMAC.secrets.macCipher, padTo16(lengthCipher))
	if !constantTimeEqual(gotTag, wantTag[:macTagLen]) {
		return 0, ErrMAC
	}

	lengthPlain := make([]byte, lengthFieldLen)
	f.dec.XORKeyStream(lengthPlain, lengthCipher)
	n := int(lengthPlain[0])<<16 | int(lengthPlain[1])<<8 | int(lengthPlain[2])
	return n, nil
}

// DecryptFrame decrypts and authenticates the body of a frame whose
// plaintext length was already learned from DecryptHeader. bodyCipher must
// contain exactly pad16(length)+16 bytes: the padded ciphertext followed by
// the trailing MAC.
func (f *FrameCoder) DecryptFrame(length int, bodyCipher []byte) ([]byte, error) {
	paddedLen := pad16(length)
	if len(bodyCipher) != paddedLen+16 {
		return nil, fmt.Errorf("rlpx: expected %d bytes, got %d", paddedLen+16, len(bodyCipher))
	}
	ciphertext := bodyCipher[:paddedLen]
	gotTag := bodyCipher[paddedLen:]

	f.ingressMAC.running.Write(ciphertext)
	seed := f.ingressMAC.running.Sum(nil)[:16]
	wantTag := updateMAC(f.ingressMAC.running, f.ingressMAC.secrets.macCipher, seed)
	if !constantTimeEqual(gotTag, wantTag) {
		return nil, ErrMAC
	}

	plaintext := make([]byte, paddedLen)
	f.dec.XORKeyStream(plaintext, ciphertext)
	return plaintext[:length], nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
