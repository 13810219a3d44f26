// Package credential normalises deploy private keys.
package credential

import (
	"fmt"
	"strings"
)

// keyHexLen is the length of a 32-byte key in hex.
const keyHexLen = 64

// ValidationError describes a rejected credential without echoing it.
type ValidationError struct {
	Length int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid private key: %s (got %d characters, expected %d hex characters)", e.Reason, e.Length, keyHexLen)
}

// Normalize trims whitespace, drops an optional 0x/0X prefix, checks for
// exactly 64 hex digits and returns the lowercase key re-prefixed with 0x.
func Normalize(raw string) (string, error) {
	body := strings.TrimSpace(raw)
	if strings.HasPrefix(body, "0x") || strings.HasPrefix(body, "0X") {
		body = body[2:]
	}

	if len(body) != keyHexLen {
		return "", &ValidationError{Length: len(body), Reason: "wrong length"}
	}
	for i := 0; i < len(body); i++ {
		if !isHex(body[i]) {
			return "", &ValidationError{Length: len(body), Reason: "contains non-hex characters"}
		}
	}
	return "0x" + strings.ToLower(body), nil
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
