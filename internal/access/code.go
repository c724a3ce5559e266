package access

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	codeBytes = 20 // 160 bits
	codeGroup = 4
)

// Crockford's alphabet avoids I, L, O and U so codes survive being read aloud.
var codeEncoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

// newCode returns a fresh unguessable code in canonical form.
func newCode() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	return codeEncoding.EncodeToString(buf), nil
}

// hashCode is the lookup key persisted instead of the code itself.
func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// DisplayCode groups a canonical code for legibility, e.g. ABCD-EFGH-....
func DisplayCode(code string) string {
	var b strings.Builder
	for i, r := range code {
		if i > 0 && i%codeGroup == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NormalizeCode turns a typed or scanned display code back into canonical form.
// Comparison is always on the canonical string.
func NormalizeCode(input string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(input) {
		switch {
		case r == '-' || r == ' ' || r == '\t':
			continue
		case r == 'O':
			b.WriteRune('0')
		case r == 'I' || r == 'L':
			b.WriteRune('1')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// QRURI builds the payload encoded into the QR image.
func QRURI(scheme, code string) string {
	scheme = strings.TrimSuffix(strings.TrimSpace(scheme), "://")
	if scheme == "" {
		scheme = "consentgate"
	}
	return scheme + "://emergency/" + code
}
