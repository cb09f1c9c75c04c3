// Package resume keeps the state a session needs to survive a transport loss: an opaque token,
// the frames sent but not yet acknowledged, and the count of frames received.
package resume

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cbeuw/remoting/internal/common"
	"golang.org/x/crypto/blake2b"
)

const (
	TokenLength    = 16
	MinTokenLength = 16
	// length of the blake2b MAC appended by a TokenIssuer
	MACLength = 16
)

var (
	ErrTokenTooShort = errors.New("resume token too short")
	ErrForgedToken   = errors.New("resume token failed verification")
)

func NewToken() []byte {
	token := make([]byte, TokenLength)
	common.CryptoRandRead(token)
	return token
}

func ValidateToken(token []byte) error {
	if len(token) < MinTokenLength {
		return ErrTokenTooShort
	}
	return nil
}

// Fingerprint identifies a token in logs, on disk and over the admin API without revealing it
func Fingerprint(token []byte) string {
	sum := blake2b.Sum256(token)
	return hex.EncodeToString(sum[:8])
}

// TokenIssuer issues tokens made of TokenLength random bytes followed by a keyed blake2b MAC of
// them. Peers holding the same key can reject forged tokens without looking them up.
type TokenIssuer struct {
	key []byte
}

func NewTokenIssuer(key []byte) (*TokenIssuer, error) {
	if len(key) == 0 || len(key) > blake2b.Size {
		return nil, fmt.Errorf("resume key must be between 1 and %v bytes, got %v", blake2b.Size, len(key))
	}
	return &TokenIssuer{key: append([]byte(nil), key...)}, nil
}

func (ti *TokenIssuer) mac(nonce []byte) []byte {
	h, err := blake2b.New(MACLength, ti.key)
	if err != nil {
		// key length is checked in NewTokenIssuer
		panic(err)
	}
	h.Write(nonce)
	return h.Sum(nil)
}

func (ti *TokenIssuer) Issue() []byte {
	token := make([]byte, TokenLength, TokenLength+MACLength)
	common.CryptoRandRead(token)
	return append(token, ti.mac(token)...)
}

func (ti *TokenIssuer) Verify(token []byte) error {
	if len(token) != TokenLength+MACLength {
		return ErrForgedToken
	}
	if subtle.ConstantTimeCompare(ti.mac(token[:TokenLength]), token[TokenLength:]) != 1 {
		return ErrForgedToken
	}
	return nil
}
