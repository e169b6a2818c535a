// Package secmem keeps the bot token out of logs, dumps and serialized
// config.
package secmem

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/rdpwatch/internal/logging"
)

var log = logging.L("secmem")

const redacted = "[REDACTED]"

var errNoDecode = errors.New("secmem: refusing to decode a secret")

// SecureString holds a credential that every formatting and encoding path
// renders as [REDACTED]. Zero wipes the bytes; the GC may still hold copies.
type SecureString struct {
	mu     sync.Mutex
	data   []byte
	wiped  atomic.Bool
	warned atomic.Bool
}

func NewSecureString(s string) *SecureString {
	return &SecureString{data: []byte(s)}
}

// Reveal returns the plaintext, or "" for a nil or wiped secret.
func (s *SecureString) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	val := string(s.data)
	s.mu.Unlock()

	if val == "" && s.wiped.Load() {
		if s.warned.CompareAndSwap(false, true) {
			log.Warn("secret read after it was wiped")
		}
	}
	return val
}

// Header renders the secret as an Authorization value, e.g. "Bot <token>".
func (s *SecureString) Header(scheme string) string {
	v := s.Reveal()
	if v == "" {
		return ""
	}
	return scheme + " " + v
}

func (s *SecureString) IsZeroed() bool {
	return s != nil && s.wiped.Load()
}

// Zero overwrites and drops the backing bytes.
func (s *SecureString) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	clear(s.data)
	s.data = nil
	s.mu.Unlock()
	s.wiped.Store(true)
}

func (s *SecureString) String() string               { return redacted }
func (s *SecureString) GoString() string             { return redacted }
func (s *SecureString) Format(f fmt.State, _ rune)   { fmt.Fprint(f, redacted) }
func (s *SecureString) MarshalJSON() ([]byte, error) { return json.Marshal(redacted) }
func (s *SecureString) MarshalText() ([]byte, error) { return []byte(redacted), nil }
func (s *SecureString) UnmarshalJSON(_ []byte) error { return errNoDecode }
