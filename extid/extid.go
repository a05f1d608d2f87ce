// Package extid derives Chrome-style extension ids from filesystem paths.
//
// Chrome identifies an unpacked extension by hashing its directory path and
// spelling the digest in the letters a..p. The bot needs the same id up front
// to pass --whitelisted-extension-id when launching the browser.
package extid

import (
	"crypto/sha256"
	"encoding/hex"
)

// Length is the number of characters in an extension id.
const Length = 32

// Alphabet maps hex digit n to the n-th letter.
const Alphabet = "abcdefghijklmnop"

// FromPath returns the 32-character extension id for path.
func FromPath(path string) string {
	sum := sha256.Sum256([]byte(path))
	hexed := hex.EncodeToString(sum[:])
	out := make([]byte, Length)
	for i := 0; i < Length; i++ {
		out[i] = Alphabet[hexDigit(hexed[i])]
	}
	return string(out)
}

func hexDigit(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
