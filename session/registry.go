package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrSchemeExists  = errors.New("scheme already registered")
	ErrUnknownScheme = errors.New("unknown scheme")
)

// Registry maps scheme names to their options. Options are validated once
// at registration and never change afterwards.
type Registry struct {
	mu      sync.RWMutex
	schemes map[string]*Options
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemes: map[string]*Options{}}
}

// Register validates opts and stores them under scheme. Configuration errors
// are returned immediately.
func (r *Registry) Register(scheme string, opts Options) error {
	if strings.TrimSpace(scheme) == "" {
		return errors.New("scheme name is required")
	}
	if opts.AccessToken != nil {
		at := *opts.AccessToken
		opts.AccessToken = &at
	}
	opts.applyDefaults()
	if err := ValidateOptions(opts); err != nil {
		return fmt.Errorf("scheme %s: %w", scheme, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemes[scheme]; ok {
		return fmt.Errorf("%w: %s", ErrSchemeExists, scheme)
	}
	r.schemes[scheme] = &opts
	r.order = append(r.order, scheme)
	return nil
}

// Lookup returns the options of a registered scheme. Callers must not
// modify the returned value.
func (r *Registry) Lookup(scheme string) (*Options, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.schemes[scheme]
	return o, ok
}

// Schemes lists scheme names in registration order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// ValidateOptions checks options after defaults were applied.
func ValidateOptions(o Options) error {
	if strings.TrimSpace(o.Domain) == "" {
		return errors.New("domain is required")
	}
	if strings.Contains(o.Domain, "://") {
		return fmt.Errorf("domain must be a host name without scheme, got %q", o.Domain)
	}
	if strings.TrimSpace(o.ClientID) == "" {
		return errors.New("client id is required")
	}
	if !strings.HasPrefix(o.CallbackPath, "/") {
		return fmt.Errorf("callback path must start with /, got %q", o.CallbackPath)
	}
	if o.MaxAge != nil && *o.MaxAge < 0 {
		return errors.New("max age must not be negative")
	}
	secretMissing := strings.TrimSpace(o.ClientSecret) == ""
	if o.AccessToken != nil && secretMissing {
		return errors.New("client secret can not be empty when requesting an access token")
	}
	if o.ResponseType.IsCodeFlow() && secretMissing {
		return errors.New("client secret can not be empty when using `code` or `code id_token` as the response_type")
	}
	switch o.ResponseType {
	case ResponseTypeCode, ResponseTypeCodeIDToken, ResponseTypeIDToken, ResponseTypeIDTokenToken:
	default:
		return fmt.Errorf("unsupported response_type %q", o.ResponseType)
	}
	return nil
}
