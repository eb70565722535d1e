package server

import (
	"net/url"
	"strings"
	"unicode"
)

// safeReturnURL returns raw when it is a local path or an absolute URL on
// the public origin, and "/" otherwise.
func safeReturnURL(raw, publicURL string) string {
	if raw == "" || hasControlOrSpace(raw) {
		return "/"
	}
	if isLocalPath(raw) {
		return raw
	}
	if !isSafeRedirectURI(raw) {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "/"
	}
	pub, err := url.Parse(publicURL)
	if err != nil {
		return "/"
	}
	if !strings.EqualFold(u.Scheme, pub.Scheme) || !strings.EqualFold(u.Host, pub.Host) {
		return "/"
	}
	return raw
}

func isLocalPath(raw string) bool {
	if !strings.HasPrefix(raw, "/") {
		return false
	}
	// "//host" and "/\host" are treated as network paths by browsers.
	if len(raw) > 1 && (raw[1] == '/' || raw[1] == '\\') {
		return false
	}
	return true
}

// hasControlOrSpace reports whether raw contains characters browsers strip or
// normalize before resolving a URL, such as the tab in "/\t/evil.example".
func hasControlOrSpace(raw string) bool {
	return strings.IndexFunc(raw, func(r rune) bool {
		return r < 0x20 || r == 0x7f || unicode.IsSpace(r)
	}) >= 0
}

// isSafeRedirectURI rejects dangerous schemes and malformed absolute URIs.
func isSafeRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}

	lower := strings.ToLower(uri)
	for _, scheme := range []string{"javascript:", "data:", "file:", "vbscript:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	if strings.HasPrefix(uri, "//") {
		return false
	}

	idx := strings.Index(uri, "://")
	if idx == -1 {
		return false
	}
	scheme := uri[:idx]
	rest := uri[idx+3:]
	if scheme != "http" && scheme != "https" {
		return false
	}

	// user:pass@host and path@domain tricks
	if strings.Contains(rest, "@") {
		return false
	}

	hostPart := rest
	if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
		hostPart = rest[:slashIdx]
	}
	return !strings.Contains(hostPart, "#")
}
