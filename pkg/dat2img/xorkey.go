package dat2img

import "bytes"

// knownHeaders lists the container magics XorKeyOracle tests candidate
// keys against, in the same order the original Python reference
// implementation checks them.
var knownHeaders = [][]byte{
	{0xFF, 0xD8, 0xFF},       // JPEG
	{0x89, 0x50, 0x4E, 0x47}, // PNG
	{0x47, 0x49, 0x46, 0x38}, // GIF
	{0x42, 0x4D},             // BMP
	{0x52, 0x49, 0x46, 0x46}, // RIFF/WEBP
}

// DetectXorKey brute-forces the 256 candidate single-byte XOR keys,
// ascending from 0, and returns the first one that decrypts firstBytes
// into a recognized container magic. ok is false if no candidate key
// produces a match.
func DetectXorKey(firstBytes []byte) (key byte, ok bool) {
	if len(firstBytes) < 2 {
		return 0, false
	}

	for candidate := 0; candidate < 256; candidate++ {
		k := byte(candidate)
		decoded := make([]byte, len(firstBytes))
		for i, b := range firstBytes {
			decoded[i] = b ^ k
		}
		for _, header := range knownHeaders {
			if bytes.HasPrefix(decoded, header) {
				return k, true
			}
		}
	}
	return 0, false
}

// jpegTail is the expected trailing marker of a JPEG thumbnail, used by
// DetectXorKeyFromTail to corroborate a key from a file's last two
// bytes instead of its header.
var jpegTail = []byte{0xFF, 0xD9}

// DetectXorKeyFromTail derives the XOR key from the last two bytes of
// a V3 container, assuming it is a JPEG and therefore ends in FF D9.
// It reports ok=false if the two derived key bytes disagree, since
// that means the tail assumption (or the file) doesn't hold.
func DetectXorKeyFromTail(tail []byte) (key byte, ok bool) {
	if len(tail) < 2 {
		return 0, false
	}

	last := tail[len(tail)-2:]
	k0 := last[0] ^ jpegTail[0]
	k1 := last[1] ^ jpegTail[1]
	if k0 != k1 {
		return 0, false
	}
	return k0, true
}
