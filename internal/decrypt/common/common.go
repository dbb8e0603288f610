// Package common implements the KDF and PageCodec primitives shared by
// every database-decryption session: key derivation from a master key
// and per-file salt, per-page HMAC verification, and AES-256-CBC page
// decryption.
package common

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/oriole-labs/wxvault/internal/errors"
)

const (
	// KeySize is the length in bytes of the master key, the derived
	// encryption key, and the derived MAC key.
	KeySize = 32

	// SaltSize is the length in bytes of the per-file salt stored as
	// the first 16 bytes of page 0.
	SaltSize = 16

	// IVSize is the length in bytes of the per-page initialization
	// vector stored in the page's reserve region.
	IVSize = 16

	// MACSize is the length in bytes of the HMAC-SHA512 tag stored in
	// the page's reserve region.
	MACSize = 64

	// PageSize is the fixed on-disk page size.
	PageSize = 4096

	// Reserve is the size in bytes of the per-page tail region holding
	// the IV, the MAC, and any padding (IV + MAC = 80, no padding at
	// this page size).
	Reserve = IVSize + MACSize

	// EncIterations is the PBKDF2 iteration count used to derive encKey
	// from the master key.
	EncIterations = 256_000

	// MacIterations is the PBKDF2 iteration count used to derive macKey
	// from encKey. Intentionally tiny: macKey only needs to be
	// unpredictable to an attacker who does not already have encKey.
	MacIterations = 2

	// MacSaltXor is XORed byte-wise into the file salt to produce the
	// salt used when deriving macKey, so encKey and macKey are never
	// derived with the same (password, salt) pair.
	MacSaltXor = 0x3A

	// SQLiteHeader is the 16-byte magic a decrypted database's first
	// page must begin with.
	SQLiteHeader = "SQLite format 3\x00"
)

// Derive computes the per-file encryption and MAC keys from the
// caller's master key and the file's salt (spec §4.1). It is
// deterministic and cannot fail given correctly-sized inputs.
func Derive(masterKey, salt []byte) (encKey, macKey []byte, err error) {
	if len(masterKey) != KeySize {
		return nil, nil, errors.InvalidKey(fmt.Sprintf("master key must be %d bytes, got %d", KeySize, len(masterKey)), nil)
	}
	if len(salt) != SaltSize {
		return nil, nil, errors.InvalidInput(fmt.Sprintf("salt must be %d bytes, got %d", SaltSize, len(salt)), nil)
	}

	encKey = pbkdf2.Key(masterKey, salt, EncIterations, KeySize, sha512.New)

	macSalt := XorBytes(salt, MacSaltXor)
	macKey = pbkdf2.Key(encKey, macSalt, MacIterations, KeySize, sha512.New)

	return encKey, macKey, nil
}

// XorBytes XORs every byte of a with the constant b, returning a new
// slice. Used to derive the MAC salt from the file salt.
func XorBytes(a []byte, b byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b
	}
	return result
}

// pageOffsets returns the byte offsets that depend only on whether this
// is page 0 (which carries the 16-byte salt prefix in place of plaintext).
func pageOffsets(pageIndex uint32) (prefix, ivOffset, macOffset int) {
	prefix = 0
	if pageIndex == 0 {
		prefix = SaltSize
	}
	ivOffset = PageSize - Reserve
	macOffset = ivOffset + IVSize
	return
}

// VerifyPageMAC recomputes the page's HMAC-SHA512 tag and compares it
// in constant time against the tag stored in the page's reserve
// region. The MAC covers the ciphertext, the IV, and the 1-based
// little-endian page number.
func VerifyPageMAC(page []byte, pageIndex uint32, macKey []byte) bool {
	if len(page) != PageSize {
		return false
	}

	prefix, _, macOffset := pageOffsets(pageIndex)

	mac := hmac.New(sha512.New, macKey)
	mac.Write(page[prefix:macOffset])

	pageNoBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(pageNoBytes, pageIndex+1)
	mac.Write(pageNoBytes)

	calculated := mac.Sum(nil)
	stored := page[macOffset : macOffset+MACSize]

	// hmac.Equal is constant-time; it must never short-circuit on the
	// first mismatching byte (spec §5).
	return hmac.Equal(calculated, stored)
}

// DecryptPage verifies a page's MAC and, on success, AES-256-CBC
// decrypts its ciphertext region using the per-page IV stored in the
// reserve. The returned slice is plaintext || iv || mac || pad; for
// page 0 the 16-byte salt prefix is not included, so that slice is
// SaltSize bytes shorter than the page. On MAC mismatch it returns
// an IntegrityFailure error carrying pageIndex.
func DecryptPage(page []byte, pageIndex uint32, encKey, macKey []byte) ([]byte, error) {
	if len(page) != PageSize {
		return nil, errors.InvalidInput(fmt.Sprintf("page must be %d bytes, got %d", PageSize, len(page)), nil)
	}

	if !VerifyPageMAC(page, pageIndex, macKey) {
		return nil, errors.IntegrityFailure(pageIndex)
	}

	prefix, ivOffset, macOffset := pageOffsets(pageIndex)
	iv := page[ivOffset:macOffset]

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, errors.InvalidKey("failed to construct AES cipher", err)
	}
	mode := cipher.NewCBCDecrypter(block, iv)

	plaintext := make([]byte, ivOffset-prefix)
	copy(plaintext, page[prefix:ivOffset])
	mode.CryptBlocks(plaintext, plaintext)

	out := make([]byte, 0, len(plaintext)+Reserve)
	out = append(out, plaintext...)
	out = append(out, page[ivOffset:PageSize]...)
	return out, nil
}
