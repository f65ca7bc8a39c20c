package admission

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReq(remote string, headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/playlist", nil)
	r.RemoteAddr = remote
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestKeyExtractor(t *testing.T) {
	k, err := NewKeyExtractor([]string{"9.9.9.0/24"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"first XFF entry", "9.9.9.9:1", map[string]string{"X-Forwarded-For": " 1.2.3.4 , 5.6.7.8"}, "1.2.3.4"},
		{"X-Real-IP when XFF missing", "9.9.9.9:1", map[string]string{"X-Real-IP": "10.0.0.1"}, "10.0.0.1"},
		{"empty XFF entry falls through", "9.9.9.9:1", map[string]string{"X-Forwarded-For": " ,5.6.7.8", "X-Real-IP": "10.0.0.2"}, "10.0.0.2"},
		{"non-IP XFF falls through", "9.9.9.9:1", map[string]string{"X-Forwarded-For": "garbage-key-1"}, "9.9.9.9"},
		{"non-IP X-Real-IP falls through", "9.9.9.9:1", map[string]string{"X-Real-IP": "not-an-ip"}, "9.9.9.9"},
		{"IPv6 XFF canonicalized", "9.9.9.9:1", map[string]string{"X-Forwarded-For": "2001:DB8:0::1"}, "2001:db8::1"},
		{"RemoteAddr host", "192.168.1.1:12345", nil, "192.168.1.1"},
		{"RemoteAddr without port", "192.168.1.1", nil, "192.168.1.1"},
		{"IPv6 RemoteAddr", "[2001:db8::1]:443", nil, "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, k.Extract(newReq(tt.remote, tt.headers)))
		})
	}
}

func TestKeyExtractor_NoTrustedProxies(t *testing.T) {
	k, err := NewKeyExtractor(nil)
	require.NoError(t, err)

	for _, xff := range []string{"", "1.1.1.1", "garbage-key-", "2.2.2.2"} {
		r := newReq("203.0.113.5:4000", map[string]string{"X-Forwarded-For": xff, "X-Real-IP": "3.3.3.3"})
		assert.Equal(t, "203.0.113.5", k.Extract(r), "xff=%q", xff)
	}
}

func TestKeyExtractor_TrustedProxies(t *testing.T) {
	k, err := NewKeyExtractor([]string{"10.0.0.0/8", " 192.168.0.0/16 "})
	require.NoError(t, err)

	t.Run("honors headers from trusted peer", func(t *testing.T) {
		r := newReq("10.1.2.3:5000", map[string]string{"X-Forwarded-For": "203.0.113.7"})
		assert.Equal(t, "203.0.113.7", k.Extract(r))
	})

	t.Run("ignores headers from untrusted peer", func(t *testing.T) {
		r := newReq("203.0.113.9:5000", map[string]string{"X-Forwarded-For": "1.1.1.1", "X-Real-IP": "2.2.2.2"})
		assert.Equal(t, "203.0.113.9", k.Extract(r))
	})

	t.Run("unparseable peer is untrusted", func(t *testing.T) {
		r := newReq("pipe", map[string]string{"X-Forwarded-For": "1.1.1.1"})
		assert.Equal(t, "pipe", k.Extract(r))
	})

	t.Run("rejects bad CIDR", func(t *testing.T) {
		_, err := NewKeyExtractor([]string{"10.0.0.1"})
		assert.Error(t, err)
	})
}
