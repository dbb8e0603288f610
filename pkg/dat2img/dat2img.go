// Package dat2img decrypts the three on-disk variants of a desktop chat
// application's cached media container ("dat") files: the legacy
// single-byte-XOR V3 format, and the two AES-128-ECB+XOR V4 variants
// distinguished by a 6-byte magic.
//
// Implementation based on the container layouts documented by
// https://github.com/tujiaw/wechat_dat_to_image and
// https://github.com/LC044/WeChatMsg.
package dat2img

import (
	"bytes"
	"crypto/aes"
	"encoding/binary"

	"github.com/rs/zerolog"

	"github.com/oriole-labs/wxvault/internal/errors"
)

// Variant identifies a dat container's on-disk format.
type Variant int

const (
	// VariantV3 is the legacy full-file single-byte XOR container.
	VariantV3 Variant = iota
	// VariantV4_1 carries magic 07 08 56 31 08 07 and a fixed AES key.
	VariantV4_1
	// VariantV4_2 carries magic 07 08 56 32 08 07; its AES key is
	// caller-supplied (spec has no production constant for it).
	VariantV4_2
)

func (v Variant) String() string {
	switch v {
	case VariantV3:
		return "v3"
	case VariantV4_1:
		return "v4.1"
	case VariantV4_2:
		return "v4.2"
	default:
		return "unknown"
	}
}

var (
	magicV4_1 = []byte{0x07, 0x08, 0x56, 0x31, 0x08, 0x07}
	magicV4_2 = []byte{0x07, 0x08, 0x56, 0x32, 0x08, 0x07}

	// DefaultAESKeyV1 is the fixed AES-128 key used by every V4_1
	// container observed in the wild.
	DefaultAESKeyV1 = []byte("cfcd208495d565ef")
)

const v4HeaderSize = 15

// DetectVariant inspects a dat container's leading bytes and reports
// which of the three known formats it is. Fewer than 6 bytes is
// reported as a distinct error rather than assumed to be V3, since a
// short read can't rule out a truncated V4 magic.
func DetectVariant(data []byte) (Variant, error) {
	if len(data) < 6 {
		return 0, errors.ErrTruncatedMagic
	}
	switch {
	case bytes.Equal(data[:6], magicV4_1):
		return VariantV4_1, nil
	case bytes.Equal(data[:6], magicV4_2):
		return VariantV4_2, nil
	default:
		return VariantV3, nil
	}
}

// Decrypt decrypts a dat container, auto-detecting its variant.
// xorKey is required by every variant; aesKey is required for V4_2 (V4_1
// falls back to DefaultAESKeyV1 when aesKey is nil). log receives
// Debug-level tracing; pass zerolog.Nop() to disable it.
func Decrypt(data []byte, xorKey byte, aesKey []byte, log zerolog.Logger) ([]byte, Variant, error) {
	variant, err := DetectVariant(data)
	if err != nil {
		return nil, 0, err
	}

	log.Debug().Str("variant", variant.String()).Int("size", len(data)).Msg("decrypting dat container")

	switch variant {
	case VariantV3:
		return decryptV3(data, xorKey), variant, nil
	case VariantV4_1:
		key := aesKey
		if key == nil {
			key = DefaultAESKeyV1
		}
		out, err := decryptV4(data, xorKey, key)
		return out, variant, err
	case VariantV4_2:
		if aesKey == nil {
			return nil, variant, errors.InvalidKey("V4_2 containers require an explicit AES key", nil)
		}
		out, err := decryptV4(data, xorKey, aesKey)
		return out, variant, err
	default:
		return nil, variant, errors.UnknownVariant("unrecognized dat container variant")
	}
}

func decryptV3(data []byte, xorKey byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ xorKey
	}
	return out
}

// decryptV4 parses the 15-byte V4 header (aes_size, xor_size, a
// reserved byte) and reassembles the AES-decrypted region, the raw
// passthrough region, and the XOR-decrypted tail.
func decryptV4(data []byte, xorKey byte, aesKey []byte) ([]byte, error) {
	if len(data) < v4HeaderSize {
		return nil, errors.InvalidContainer("dat header shorter than 15 bytes")
	}

	body := data[v4HeaderSize:]

	_, xorSize, alignedAESSize := parseV4Header(data[:v4HeaderSize])

	if uint64(alignedAESSize) > uint64(len(body)) {
		return nil, errors.InvalidContainer("aes region exceeds container length")
	}
	if uint64(xorSize) > uint64(len(body))-uint64(alignedAESSize) {
		return nil, errors.InvalidContainer("xor region exceeds remaining container length")
	}

	var aesPlain []byte
	if alignedAESSize > 0 {
		decrypted, err := decryptAESECB(body[:alignedAESSize], aesKey)
		if err != nil {
			return nil, err
		}
		unpadded, err := stripPKCS7(decrypted)
		if err != nil {
			return nil, err
		}
		aesPlain = unpadded
	}

	rawStart := alignedAESSize
	rawEnd := uint32(len(body)) - xorSize
	var raw []byte
	if rawStart < rawEnd {
		raw = body[rawStart:rawEnd]
	}

	var xorPlain []byte
	if xorSize > 0 {
		xorCipher := body[rawEnd:]
		xorPlain = make([]byte, len(xorCipher))
		for i, b := range xorCipher {
			xorPlain[i] = b ^ xorKey
		}
	}

	out := make([]byte, 0, len(aesPlain)+len(raw)+len(xorPlain))
	out = append(out, aesPlain...)
	out = append(out, raw...)
	out = append(out, xorPlain...)
	return out, nil
}

// parseV4Header reads the aes_size and xor_size fields (offsets 6:10
// and 10:14, little-endian) out of a 15-byte V4 header and rounds
// aes_size up to the next multiple of 16 to get the actual ciphertext
// length of the AES region.
func parseV4Header(header []byte) (aesSize, xorSize, alignedAESSize uint32) {
	aesSize = binary.LittleEndian.Uint32(header[6:10])
	xorSize = binary.LittleEndian.Uint32(header[10:14])

	alignedAESSize = aesSize
	if rem := aesSize % aes.BlockSize; rem != 0 {
		alignedAESSize += aes.BlockSize - rem
	}
	return aesSize, xorSize, alignedAESSize
}

// decryptAESECB decrypts data block-by-block under AES-ECB. The
// standard library has no ECB cipher.AEAD/BlockMode, so each block is
// decrypted individually.
func decryptAESECB(data, key []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.InvalidContainer("aes region is not a multiple of the block size")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.InvalidKey("failed to construct AES cipher", err)
	}

	out := make([]byte, len(data))
	for off := 0; off < len(data); off += aes.BlockSize {
		block.Decrypt(out[off:off+aes.BlockSize], data[off:off+aes.BlockSize])
	}
	return out, nil
}

// stripPKCS7 validates and removes PKCS#7 padding, checking every
// padding byte rather than trusting the length byte alone — a forged
// container must not silently pass through.
func stripPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.InvalidPadding("padded data is empty")
	}

	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, errors.InvalidPadding("padding length out of range")
	}

	for i := len(data) - padLen; i < len(data); i++ {
		if data[i] != byte(padLen) {
			return nil, errors.InvalidPadding("padding bytes are not uniform")
		}
	}

	return data[:len(data)-padLen], nil
}
