package devidp

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"sync"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type signingKey struct {
	private *rsa.PrivateKey
	jwk     jose.JSONWebKey
}

// keySet holds the RS256 signing keys. Rotated-out keys stay published so
// tokens signed before a rotation still verify.
type keySet struct {
	mu       sync.RWMutex
	current  signingKey
	previous []signingKey
}

func newKeySet() (*keySet, error) {
	ks := &keySet{}
	if err := ks.rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

func (ks *keySet) rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return err
	}
	kid := hex.EncodeToString(buf)
	next := signingKey{
		private: key,
		jwk:     jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"},
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.current.private != nil {
		ks.previous = append([]signingKey{ks.current}, ks.previous...)
	}
	ks.current = next
	return nil
}

func (ks *keySet) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	token.Header["kid"] = ks.current.jwk.KeyID
	return token.SignedString(ks.current.private)
}

func (ks *keySet) public() jose.JSONWebKeySet {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	keys := []jose.JSONWebKey{ks.current.jwk.Public()}
	for _, prev := range ks.previous {
		keys = append(keys, prev.jwk.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}
