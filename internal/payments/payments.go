package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const tokenAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// TokenLength is the number of characters after the memo prefix.
const TokenLength = 10

// uuid bytes 6 and 8 carry version and variant bits.
var tokenBytes = [TokenLength]int{0, 1, 2, 3, 4, 5, 7, 9, 10, 11}

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrBadSignature     = errors.New("webhook signature mismatch")
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret string, body []byte, signature string) error {
	signature = strings.TrimSpace(strings.TrimPrefix(signature, "sha256="))
	if signature == "" {
		return ErrMissingSignature
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}

// NewToken returns a fresh correlation token such as RS7K2Q9MZ0AB.
func NewToken(prefix string) string {
	id := uuid.New()
	var b strings.Builder
	b.Grow(len(prefix) + TokenLength)
	b.WriteString(prefix)
	for _, i := range tokenBytes {
		b.WriteByte(tokenAlphabet[int(id[i])%len(tokenAlphabet)])
	}
	return b.String()
}

// TokenMatcher finds correlation tokens in free-text bank memos.
type TokenMatcher struct {
	re *regexp.Regexp
}

func NewTokenMatcher(prefix string) TokenMatcher {
	return TokenMatcher{re: regexp.MustCompile(`\b` + regexp.QuoteMeta(strings.ToUpper(prefix)) + `[0-9A-Z]{10}\b`)}
}

// Extract returns the first token in memo. Bank rails often upper- or
// lower-case memos, so matching is case-insensitive.
func (m TokenMatcher) Extract(memo string) (string, bool) {
	tok := m.re.FindString(strings.ToUpper(memo))
	return tok, tok != ""
}
