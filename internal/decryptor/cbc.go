// Package decryptor handles AES-128-CBC decryption of protected segments.
package decryptor

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrBlockSize means the ciphertext was truncated or corrupted in transit.
	ErrBlockSize = errors.New("ciphertext is not a positive multiple of the block size")
	// ErrPadding usually means a wrong key or a wrong IV derivation.
	ErrPadding = errors.New("invalid PKCS#7 padding")
)

// AES128 decrypts independent CBC units with one key. The underlying block
// cipher is safe for concurrent use; every call builds its own CBC state.
type AES128 struct {
	block cipher.Block
}

// New creates a decryptor for a 16-byte key.
func New(key []byte) (*AES128, error) {
	if len(key) != aes.BlockSize {
		return nil, errors.Errorf("invalid key length: expected 16 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create cipher")
	}
	return &AES128{block: block}, nil
}

// Decrypt decrypts one segment and strips its PKCS#7 padding.
func (d *AES128) Decrypt(data, iv []byte) ([]byte, error) {
	if len(iv) != aes.BlockSize {
		return nil, errors.Errorf("invalid IV length: expected 16 bytes, got %d", len(iv))
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.Wrapf(ErrBlockSize, "%d bytes", len(data))
	}

	decrypted := make([]byte, len(data))
	cipher.NewCBCDecrypter(d.block, iv).CryptBlocks(decrypted, data)

	return pkcs7Unpad(decrypted)
}

// Encrypt pads and encrypts plaintext. It mirrors what the origin does and
// is used to build fixtures.
func (d *AES128) Encrypt(plain, iv []byte) ([]byte, error) {
	if len(iv) != aes.BlockSize {
		return nil, errors.Errorf("invalid IV length: expected 16 bytes, got %d", len(iv))
	}
	padded := pkcs7Pad(plain)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(d.block, iv).CryptBlocks(out, padded)
	return out, nil
}

// Decrypt is a one-shot helper for a single segment.
func Decrypt(data, key, iv []byte) ([]byte, error) {
	d, err := New(key)
	if err != nil {
		return nil, err
	}
	return d.Decrypt(data, iv)
}

// Encrypt is a one-shot helper for a single segment.
func Encrypt(plain, key, iv []byte) ([]byte, error) {
	d, err := New(key)
	if err != nil {
		return nil, err
	}
	return d.Encrypt(plain, iv)
}

// ParseIV parses a hex-encoded IV ("0x..." or plain hex).
// Shorter values are left-padded with zeros.
func ParseIV(ivStr string) ([]byte, error) {
	ivStr = strings.TrimSpace(ivStr)
	if ivStr == "" {
		return nil, nil
	}
	if len(ivStr) >= 2 && (ivStr[:2] == "0x" || ivStr[:2] == "0X") {
		ivStr = ivStr[2:]
	}
	if len(ivStr)%2 == 1 {
		ivStr = "0" + ivStr
	}

	iv, err := hex.DecodeString(ivStr)
	if err != nil {
		return nil, errors.Wrap(err, "parse IV")
	}
	if len(iv) > aes.BlockSize {
		return nil, errors.Errorf("parse IV: %d bytes is longer than a block", len(iv))
	}

	if len(iv) < aes.BlockSize {
		padded := make([]byte, aes.BlockSize)
		copy(padded[aes.BlockSize-len(iv):], iv)
		iv = padded
	}
	return iv, nil
}

// SegmentIV derives an IV from a segment sequence number as a big-endian
// 128-bit value.
func SegmentIV(sequenceNumber uint64) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], sequenceNumber)
	return iv
}

func pkcs7Pad(data []byte) []byte {
	padLen := aes.BlockSize - len(data)%aes.BlockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, errors.Wrapf(ErrPadding, "pad byte %d", padLen)
	}
	for i := len(data) - padLen; i < len(data); i++ {
		if data[i] != byte(padLen) {
			return nil, errors.Wrapf(ErrPadding, "byte %d", i)
		}
	}
	return data[:len(data)-padLen], nil
}
