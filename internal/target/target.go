// Package target resolves the upstream playlist service origin from
// configuration and guards it against SSRF: private address literals are
// refused and the host must be on the forwarding allowlist.
package target

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// ErrNoBackend is returned when every candidate is empty.
var ErrNoBackend = errors.New("no backend url configured")

// ResolveError reports a configured candidate that is not a usable origin.
type ResolveError struct {
	Candidate string
	Reason    string
	Err       error
}

func (e *ResolveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid backend url %q: %s: %v", e.Candidate, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid backend url %q: %s", e.Candidate, e.Reason)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Target is a validated backend origin. It is immutable once resolved.
type Target struct {
	Scheme     string
	Host       string // lowercase hostname, IPv6 without brackets
	Port       string // empty when the scheme default applies
	PathPrefix string // no trailing slash; empty for the root
}

// HostPort returns the host with its port, suitable for URL.Host.
func (t *Target) HostPort() string {
	host := t.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if t.Port == "" {
		return host
	}
	return host + ":" + t.Port
}

// String returns the origin plus path prefix.
func (t *Target) String() string {
	return t.Scheme + "://" + t.HostPort() + t.PathPrefix
}

// EndpointURL builds <target>/api/<endpoint>?<rawQuery>.
func (t *Target) EndpointURL(endpoint, rawQuery string) *url.URL {
	return &url.URL{
		Scheme:   t.Scheme,
		Host:     t.HostPort(),
		Path:     t.PathPrefix + "/api/" + endpoint,
		RawQuery: rawQuery,
	}
}

// Resolve picks the first candidate that is non-empty after cleaning and
// parses it into a Target. Later candidates are never consulted once one
// is chosen, even if it turns out to be invalid.
func Resolve(candidates []string) (*Target, error) {
	for _, c := range candidates {
		if cleaned := Clean(c); cleaned != "" {
			return parse(cleaned)
		}
	}
	return nil, ErrNoBackend
}

// Clean strips surrounding whitespace, quotes and angle brackets, the
// usual debris of copy-pasted environment values.
func Clean(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune("\"'<>", r)
	})
}

func parse(raw string) (*Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &ResolveError{Candidate: raw, Reason: "unparseable", Err: err}
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "http", "https":
	case "":
		return nil, &ResolveError{Candidate: raw, Reason: "not an absolute url"}
	default:
		return nil, &ResolveError{Candidate: raw, Reason: fmt.Sprintf("scheme %q is not allowed", u.Scheme)}
	}
	if u.Hostname() == "" {
		return nil, &ResolveError{Candidate: raw, Reason: "empty host"}
	}
	if u.User != nil {
		return nil, &ResolveError{Candidate: raw, Reason: "credentials are not allowed in the backend url"}
	}

	return &Target{
		Scheme:     scheme,
		Host:       strings.ToLower(u.Hostname()),
		Port:       u.Port(),
		PathPrefix: strings.TrimRight(u.EscapedPath(), "/"),
	}, nil
}
