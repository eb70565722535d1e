package devidp

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

type authCode struct {
	Code          string
	ClientID      string
	RedirectURI   string
	Scope         string
	Nonce         string
	Audience      string
	Organization  string
	CodeChallenge string
	AuthTime      time.Time
	ExpiresAt     time.Time
}

type refreshToken struct {
	ID           string
	ClientID     string
	Scope        string
	Audience     string
	Organization string
	AuthTime     time.Time
}

// store keeps issued codes and refresh tokens in memory.
type store struct {
	mu            sync.Mutex
	codes         map[string]authCode
	refreshTokens map[string]refreshToken
}

func newStore() *store {
	return &store{
		codes:         make(map[string]authCode),
		refreshTokens: make(map[string]refreshToken),
	}
}

func newID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func (s *store) saveCode(c authCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[c.Code] = c
}

// takeCode returns and deletes a code; codes are single use.
func (s *store) takeCode(code string) (authCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	delete(s.codes, code)
	return c, ok
}

func (s *store) saveRefreshToken(rt refreshToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[rt.ID] = rt
}

// takeRefreshToken returns a refresh token and, when consume is set,
// invalidates it.
func (s *store) takeRefreshToken(id string, consume bool) (refreshToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.refreshTokens[id]
	if ok && consume {
		delete(s.refreshTokens, id)
	}
	return rt, ok
}

func (s *store) revokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens = make(map[string]refreshToken)
}
