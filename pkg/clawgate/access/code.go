package access

import (
	"crypto/rand"
	"math/big"
)

// codeAlphabet is what a human is asked to read back: upper-case letters
// and digits.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateCode returns a random pairing code of the given length.
func GenerateCode(length int) string {
	if length <= 0 {
		length = 6
	}
	max := big.NewInt(int64(len(codeAlphabet)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on supported platforms.
			panic("access: crypto/rand: " + err.Error())
		}
		b[i] = codeAlphabet[n.Int64()]
	}
	return string(b)
}
