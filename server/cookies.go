package server

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"oidcsession/internal/clock"
	"oidcsession/session"
)

const (
	correlationCookiePrefix = ".correlation."
	correlationTTL          = 15 * time.Minute
	// Browsers drop cookies larger than about 4KB.
	maxCookieSize = 4000
)

var (
	ErrInvalidCookie  = errors.New("invalid cookie")
	ErrSessionExpired = errors.New("session expired")
)

// SessionState is a session loaded from the cookie.
type SessionState struct {
	Properties *session.Properties
	IssuedAt   time.Time
	ExpiresAt  time.Time

	ticket string
}

type sessionEnvelope struct {
	IssuedAt   int64               `json:"iat"`
	ExpiresAt  int64               `json:"exp"`
	Ticket     string              `json:"tkt,omitempty"`
	Properties *session.Properties `json:"props,omitempty"`
}

// challengeState travels from the challenge to the callback.
type challengeState struct {
	State      string              `json:"state"`
	Nonce      string              `json:"nonce"`
	Verifier   string              `json:"verifier,omitempty"`
	Properties *session.Properties `json:"props"`
	ExpiresAt  int64               `json:"exp"`
}

// CookieManager seals session and correlation cookies with XChaCha20-Poly1305.
type CookieManager struct {
	name    string
	ttl     time.Duration
	secure  bool
	domain  string
	aead    cipher.AEAD
	tickets TicketStore
	clock   clock.Clock
	logger  *slog.Logger
}

// NewCookieManager builds a manager from cfg. tickets may be nil, in which
// case properties are kept in the cookie itself.
func NewCookieManager(cfg Config, key []byte, tickets TicketStore, clk clock.Clock, logger *slog.Logger) (*CookieManager, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cookie cipher: %w", err)
	}
	name := cfg.Session.CookieName
	if name == "" {
		name = DefaultSessionCookieName
	}
	if clk == nil {
		clk = clock.System()
	}
	return &CookieManager{
		name:    name,
		ttl:     cfg.SessionTTL(),
		secure:  !cfg.Server.DevMode,
		domain:  cfg.Server.CookieDomain,
		aead:    aead,
		tickets: tickets,
		clock:   clk,
		logger:  logger,
	}, nil
}

// Name returns the session cookie name.
func (cm *CookieManager) Name() string { return cm.name }

func (cm *CookieManager) seal(v any, name string) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode cookie: %w", err)
	}
	nonce := make([]byte, cm.aead.NonceSize(), cm.aead.NonceSize()+len(plain)+cm.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cookie nonce: %w", err)
	}
	sealed := cm.aead.Seal(nonce, nonce, plain, []byte(name))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (cm *CookieManager) open(value, name string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil || len(raw) < cm.aead.NonceSize() {
		return ErrInvalidCookie
	}
	nonce, ciphertext := raw[:cm.aead.NonceSize()], raw[cm.aead.NonceSize():]
	plain, err := cm.aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return ErrInvalidCookie
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return ErrInvalidCookie
	}
	return nil
}

func (cm *CookieManager) setCookie(w http.ResponseWriter, name, value string, maxAge int, sameSite http.SameSite) {
	if len(value) > maxCookieSize {
		cm.logger.Warn("cookie exceeds browser size limit", "cookie", name, "size", len(value))
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   cm.domain,
		HttpOnly: true,
		Secure:   cm.secure,
		SameSite: sameSite,
		MaxAge:   maxAge,
	})
}

// Load reads the session cookie. It returns nil without error when the
// request carries no session cookie.
func (cm *CookieManager) Load(ctx context.Context, r *http.Request) (*SessionState, error) {
	c, err := r.Cookie(cm.name)
	if err != nil {
		return nil, nil
	}
	var env sessionEnvelope
	if err := cm.open(c.Value, cm.name, &env); err != nil {
		return nil, err
	}
	expires := time.Unix(env.ExpiresAt, 0)
	if !cm.clock.Now().Before(expires) {
		return nil, ErrSessionExpired
	}

	st := &SessionState{IssuedAt: time.Unix(env.IssuedAt, 0), ExpiresAt: expires, ticket: env.Ticket}
	switch {
	case env.Ticket != "":
		if cm.tickets == nil {
			return nil, ErrInvalidCookie
		}
		props, err := cm.tickets.Retrieve(ctx, env.Ticket)
		if err != nil {
			return nil, err
		}
		st.Properties = props
	case env.Properties != nil:
		st.Properties = env.Properties
	default:
		return nil, ErrInvalidCookie
	}
	return st, nil
}

// Save persists st and writes a fresh session cookie with a full TTL.
func (cm *CookieManager) Save(ctx context.Context, w http.ResponseWriter, st *SessionState) error {
	now := cm.clock.Now()
	st.IssuedAt = now
	st.ExpiresAt = now.Add(cm.ttl)

	env := sessionEnvelope{IssuedAt: now.Unix(), ExpiresAt: st.ExpiresAt.Unix()}
	if cm.tickets != nil {
		key, err := cm.tickets.Store(ctx, st.ticket, st.Properties, cm.ttl)
		if err != nil {
			return err
		}
		st.ticket = key
		env.Ticket = key
	} else {
		env.Properties = st.Properties
	}

	value, err := cm.seal(env, cm.name)
	if err != nil {
		return err
	}
	cm.setCookie(w, cm.name, value, int(cm.ttl.Seconds()), http.SameSiteLaxMode)
	return nil
}

// SignIn starts a new session for props, discarding any server side ticket
// of the previous session.
func (cm *CookieManager) SignIn(ctx context.Context, w http.ResponseWriter, r *http.Request, props *session.Properties) error {
	cm.removeTicket(ctx, r)
	return cm.Save(ctx, w, &SessionState{Properties: props})
}

// Clear expires the session cookie and removes its ticket.
func (cm *CookieManager) Clear(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	cm.removeTicket(ctx, r)
	cm.setCookie(w, cm.name, "", -1, http.SameSiteLaxMode)
}

func (cm *CookieManager) removeTicket(ctx context.Context, r *http.Request) {
	if cm.tickets == nil || r == nil {
		return
	}
	c, err := r.Cookie(cm.name)
	if err != nil {
		return
	}
	var env sessionEnvelope
	if err := cm.open(c.Value, cm.name, &env); err != nil || env.Ticket == "" {
		return
	}
	if err := cm.tickets.Remove(ctx, env.Ticket); err != nil {
		cm.logger.Warn("remove session ticket failed", "error", err)
	}
}

// ShouldSlide reports whether more than half of the session lifetime passed
// and the cookie should be reissued.
func (cm *CookieManager) ShouldSlide(st *SessionState) bool {
	return cm.clock.Now().After(st.IssuedAt.Add(cm.ttl / 2))
}

func correlationCookieName(scheme string) string {
	return correlationCookiePrefix + scheme
}

// correlationSameSite allows the cookie on the cross site form_post callback
// when the cookie can be marked Secure.
func (cm *CookieManager) correlationSameSite() http.SameSite {
	if cm.secure {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

func (cm *CookieManager) setCorrelation(w http.ResponseWriter, scheme string, cs challengeState) error {
	cs.ExpiresAt = cm.clock.Now().Add(correlationTTL).Unix()
	name := correlationCookieName(scheme)
	value, err := cm.seal(cs, name)
	if err != nil {
		return err
	}
	cm.setCookie(w, name, value, int(correlationTTL.Seconds()), cm.correlationSameSite())
	return nil
}

// takeCorrelation reads and expires the correlation cookie of scheme.
func (cm *CookieManager) takeCorrelation(w http.ResponseWriter, r *http.Request, scheme string) (challengeState, error) {
	name := correlationCookieName(scheme)
	c, err := r.Cookie(name)
	if err != nil {
		return challengeState{}, errors.New("correlation cookie not found")
	}
	cm.setCookie(w, name, "", -1, cm.correlationSameSite())

	var cs challengeState
	if err := cm.open(c.Value, name, &cs); err != nil {
		return challengeState{}, fmt.Errorf("correlation cookie: %w", err)
	}
	if cm.clock.Now().Unix() > cs.ExpiresAt {
		return challengeState{}, errors.New("correlation cookie expired")
	}
	if cs.Properties == nil {
		cs.Properties = session.NewProperties()
	}
	return cs, nil
}
