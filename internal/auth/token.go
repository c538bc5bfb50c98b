package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Keyword is the scheme of the Authorization header: "Token <key>".
const Keyword = "Token"

const keyBytes = 20

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoCredential = errors.New("invalid token header: no credentials provided")
	ErrBadHeader    = errors.New("invalid token header: token string should not contain spaces")
)

// NewKey returns a fresh 40 character hex key.
func NewKey() (string, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashToken is used wherever a key would otherwise be stored outside the
// database, e.g. as part of a Redis key.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}

// KeyFromRequest extracts the token key. ok is false when the request carries
// no "Token" credentials at all (anonymous); a malformed Token header is an error.
func KeyFromRequest(r *http.Request) (key string, ok bool, err error) {
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) == 0 || !strings.EqualFold(fields[0], Keyword) {
		return "", false, nil
	}
	switch len(fields) {
	case 1:
		return "", true, ErrNoCredential
	case 2:
		return fields[1], true, nil
	default:
		return "", true, ErrBadHeader
	}
}
