// Package validate checks the playlist link carried by the url query
// parameter before a request is forwarded. Validation is pure: the same
// input always yields the same result and nothing is rewritten.
package validate

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxURLLength is the longest accepted url parameter, in characters.
const MaxURLLength = 2048

const (
	CanonicalHost = "open.spotify.com"
	SecondaryHost = "music.apple.com"
)

// Stage identifies which check rejected the input.
type Stage string

const (
	StageSyntax Stage = "syntax"
	StageDomain Stage = "domain"
)

// Error is a validation failure. Message is safe to show to end users and
// never contains parser output.
type Error struct {
	Stage   Stage
	Message string
}

func (e *Error) Error() string { return e.Message }

var (
	playlistID    = `[A-Za-z0-9]{22}`
	canonicalPath = regexp.MustCompile(`^/(?:intl-[A-Za-z]{2}/)?playlist/` + playlistID + `/?$`)
	shorthand     = regexp.MustCompile(`^spotify:playlist:` + playlistID + `$`)
)

// Validator holds the feature flags that affect validation.
type Validator struct {
	AllowSecondaryDomain bool
}

// URLParam validates raw, the decoded value of the url query parameter.
func (v Validator) URLParam(raw string) error {
	s := Sanitize(raw)
	if s == "" {
		return &Error{Stage: StageSyntax, Message: "url parameter is required"}
	}
	if utf8.RuneCountInString(s) > MaxURLLength {
		return &Error{Stage: StageSyntax, Message: "url must be at most 2048 characters"}
	}

	if strings.HasPrefix(strings.ToLower(s), "spotify:") {
		if !shorthand.MatchString(s) {
			return &Error{Stage: StageSyntax, Message: "url must be a playlist link or a spotify:playlist: URI"}
		}
		return nil
	}

	u, err := url.Parse(s)
	if err != nil || u.Host == "" || (!strings.EqualFold(u.Scheme, "http") && !strings.EqualFold(u.Scheme, "https")) {
		return &Error{Stage: StageSyntax, Message: "url must be a playlist link or a spotify:playlist: URI"}
	}

	switch host := strings.ToLower(u.Hostname()); {
	case host == CanonicalHost:
		if !canonicalPath.MatchString(u.EscapedPath()) {
			return &Error{Stage: StageDomain, Message: "url must point to a Spotify playlist"}
		}
		return nil
	case host == SecondaryHost && v.AllowSecondaryDomain:
		return nil
	}

	if v.AllowSecondaryDomain {
		return &Error{Stage: StageDomain, Message: "url must be an open.spotify.com or music.apple.com playlist link"}
	}
	return &Error{Stage: StageDomain, Message: "url must be an open.spotify.com playlist link"}
}

// URLParams validates the values of the url query parameter, which must
// appear at most once.
func (v Validator) URLParams(values []string) error {
	switch len(values) {
	case 0:
		return v.URLParam("")
	case 1:
		return v.URLParam(values[0])
	}
	return &Error{Stage: StageSyntax, Message: "url parameter must be given only once"}
}

// Sanitize trims whitespace, one pair of enclosing angle brackets and any
// leading or trailing quotes.
func Sanitize(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") && len(s) >= 2 {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.Trim(s, `'"`)
	return strings.TrimSpace(s)
}
