package utils

import (
	"crypto/rand"
	"encoding/hex"

	jsoniter "github.com/json-iterator/go"
)

var JSON = jsoniter.Config{EscapeHTML: false, SortMapKeys: true, ValidateJsonRawMessage: true}.Froze()

func If[T any](b bool, t, f T) T {
	if b {
		return t
	}
	return f
}

// GenRandByte returns n cryptographically random bytes.
func GenRandByte(n int) []byte {
	secBuffer := make([]byte, n)
	rand.Reader.Read(secBuffer)
	return secBuffer
}

// GetStrUUID returns a random 32-char hex identifier.
func GetStrUUID() string {
	return hex.EncodeToString(GenRandByte(16))
}
