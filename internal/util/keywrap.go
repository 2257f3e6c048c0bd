package util

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

// KeyWrapOverhead is the number of bytes RFC 3394 key wrapping adds to the
// plaintext (the 64-bit integrity check register).
const KeyWrapOverhead = 8

// ErrKeyWrapIntegrity is returned when the unwrapped integrity check value
// does not match the RFC 3394 default IV.
var ErrKeyWrapIntegrity = errors.New("key unwrap: integrity check failed")

var keyWrapIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// WrapAESKW wraps plaintext with AES Key Wrap (RFC 3394). The plaintext must
// be at least 16 bytes and a multiple of 8.
func WrapAESKW(key, plaintext []byte) ([]byte, error) {
	if len(plaintext) < 16 || len(plaintext)%8 != 0 {
		return nil, fmt.Errorf("key wrap: plaintext must be at least 16 bytes and a multiple of 8, got %d", len(plaintext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	n := len(plaintext) / 8
	out := make([]byte, (n+1)*8)
	copy(out[:8], keyWrapIV[:])
	copy(out[8:], plaintext)

	var b [16]byte
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			// B = AES(K, A | R[i])
			copy(b[:8], out[:8])
			copy(b[8:], out[i*8:(i+1)*8])
			block.Encrypt(b[:], b[:])

			// A = MSB(64, B) ^ t, R[i] = LSB(64, B)
			t := uint64(n*j + i)
			binary.BigEndian.PutUint64(out[:8], binary.BigEndian.Uint64(b[:8])^t)
			copy(out[i*8:(i+1)*8], b[8:])
		}
	}
	WipeBytes(b[:])
	return out, nil
}

// UnwrapAESKW reverses WrapAESKW. The ciphertext must be at least 24 bytes and
// a multiple of 8; the result is KeyWrapOverhead bytes shorter.
func UnwrapAESKW(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < KeyWrapOverhead {
		return nil, fmt.Errorf("key unwrap: ciphertext must be at least 24 bytes and a multiple of 8, got %d", len(ciphertext))
	}
	r := make([]byte, len(ciphertext)-KeyWrapOverhead)
	if err := UnwrapAESKWInto(key, ciphertext, r); err != nil {
		return nil, err
	}
	return r, nil
}

// UnwrapAESKWInto is UnwrapAESKW writing the plaintext into dst, which must
// be exactly KeyWrapOverhead bytes shorter than ciphertext. No other copy of
// the plaintext is made; dst is wiped if the integrity check fails.
func UnwrapAESKWInto(key, ciphertext, dst []byte) error {
	if len(ciphertext) < 24 || len(ciphertext)%8 != 0 {
		return fmt.Errorf("key unwrap: ciphertext must be at least 24 bytes and a multiple of 8, got %d", len(ciphertext))
	}
	if len(dst) != len(ciphertext)-KeyWrapOverhead {
		return fmt.Errorf("key unwrap: destination is %d bytes, need %d", len(dst), len(ciphertext)-KeyWrapOverhead)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}

	n := len(dst) / 8
	var a [8]byte
	copy(a[:], ciphertext[:8])
	r := dst
	copy(r, ciphertext[8:])

	var b [16]byte
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			// B = AES-1(K, (A ^ t) | R[i])
			t := uint64(n*j + i)
			binary.BigEndian.PutUint64(b[:8], binary.BigEndian.Uint64(a[:])^t)
			copy(b[8:], r[(i-1)*8:i*8])
			block.Decrypt(b[:], b[:])

			copy(a[:], b[:8])
			copy(r[(i-1)*8:i*8], b[8:])
		}
	}
	WipeBytes(b[:])

	if subtle.ConstantTimeCompare(a[:], keyWrapIV[:]) != 1 {
		WipeBytes(r)
		return ErrKeyWrapIntegrity
	}
	return nil
}
