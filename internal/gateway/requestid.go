package gateway

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"math/rand/v2"
	"sync"
)

const maxRequestIDLen = 128

// requestIDRng is a ChaCha8 stream seeded once from crypto/rand. ChaCha8
// is not safe for concurrent use, hence the mutex.
var (
	requestIDMu  sync.Mutex
	requestIDRng = func() *rand.ChaCha8 {
		var seed [32]byte
		if _, err := cryptorand.Read(seed[:]); err != nil {
			panic("failed to seed ChaCha8: " + err.Error())
		}
		return rand.NewChaCha8(seed)
	}()
)

// generateRequestID returns 128 random bits, hex encoded.
func generateRequestID() string {
	var buf [16]byte
	requestIDMu.Lock()
	for i := 0; i < len(buf); i += 8 {
		binary.LittleEndian.PutUint64(buf[i:], requestIDRng.Uint64())
	}
	requestIDMu.Unlock()
	return hex.EncodeToString(buf[:])
}

// validRequestID accepts client-supplied ids made of [A-Za-z0-9-_.:] up to
// maxRequestIDLen bytes, which keeps them safe to echo and log.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}
