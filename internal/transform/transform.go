// Package transform prepares headers and bodies crossing the gateway in
// both directions.
package transform

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// RequestIDHeader carries the correlation id to the upstream and back to
// the client.
const RequestIDHeader = "X-Request-Id"

// JSONContentType is the canonical content type for JSON responses.
const JSONContentType = "application/json; charset=utf-8"

// ErrBodyTooLarge is returned by ReadBody when the limit is exceeded.
var ErrBodyTooLarge = errors.New("request body too large")

// hopHeaders are meaningful for a single connection only.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// outboundDrop are additionally removed before forwarding upstream.
var outboundDrop = []string{"Host", "Expect", "Content-Length"}

// inboundDrop are additionally removed from upstream responses. The body
// is always delivered decoded and in full, so length and encoding are
// recomputed.
var inboundDrop = []string{"Content-Encoding", "Content-Length", "Set-Cookie"}

// Outbound returns a copy of in that is safe to send upstream.
func Outbound(in http.Header, requestID string) http.Header {
	h := in.Clone()
	if h == nil {
		h = make(http.Header)
	}
	removeHopHeaders(h)
	for _, name := range outboundDrop {
		h.Del(name)
	}
	h.Set(RequestIDHeader, requestID)
	h.Set("Accept-Encoding", "identity")
	return h
}

// Inbound returns a copy of the upstream response headers fit to send to
// the client along with a body of bodyLen bytes.
func Inbound(upstream http.Header, bodyLen int) http.Header {
	h := upstream.Clone()
	if h == nil {
		h = make(http.Header)
	}
	removeHopHeaders(h)
	for _, name := range inboundDrop {
		h.Del(name)
	}
	h.Set("Content-Length", strconv.Itoa(bodyLen))
	if ct := h.Get("Content-Type"); IsJSONContentType(ct) {
		h.Set("Content-Type", JSONContentType)
	}
	return h
}

// removeHopHeaders deletes the standard hop-by-hop headers and any header
// named by a Connection token.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = textproto.TrimString(tok); tok != "" {
				h.Del(tok)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// IsJSONContentType reports JSON-like media types regardless of charset:
// application/json, text/json, text/x-json and application/*+json.
func IsJSONContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	switch mt {
	case "application/json", "text/json", "text/x-json":
		return true
	}
	return strings.HasPrefix(mt, "application/") && strings.HasSuffix(mt, "+json")
}

// ReadBody reads r fully. A limit <= 0 means unlimited; otherwise more
// than limit bytes yields ErrBodyTooLarge.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	if r == nil || r == http.NoBody {
		return nil, nil
	}
	if limit <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(b)) > limit {
		return nil, ErrBodyTooLarge
	}
	return b, nil
}
