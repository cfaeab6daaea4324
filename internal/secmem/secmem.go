package secmem

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/meetbot/internal/logging"
)

var log = logging.L("secmem")

var ErrUnmarshal = errors.New("secmem: cannot deserialize into SecureString")

const redacted = "[REDACTED]"

// SecureString holds a credential with best-effort memory zeroing.
// The GC may have copied the backing array, so Zero narrows the exposure
// window rather than guaranteeing erasure.
//
// Every fmt and encoding path prints [REDACTED]. Reveal returns the plaintext.
type SecureString struct {
	mu         sync.Mutex
	data       []byte
	zeroed     atomic.Bool
	warnedOnce atomic.Bool
}

// NewSecureString copies s into a SecureString.
func NewSecureString(s string) *SecureString {
	b := make([]byte, len(s))
	copy(b, s)
	return &SecureString{data: b}
}

// Reveal returns the plaintext at the point of use (filling a password
// field, building an auth header). Returns "" on nil or after Zero.
func (s *SecureString) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	wiped := s.data == nil && s.zeroed.Load()
	val := string(s.data)
	s.mu.Unlock()

	if wiped {
		if s.warnedOnce.CompareAndSwap(false, true) {
			log.Warn("Reveal called after Zero, secret has been wiped")
		}
		return ""
	}
	return val
}

// Empty reports whether there is no usable secret.
func (s *SecureString) Empty() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data) == 0
}

// Matches compares candidate to the secret in constant time.
// A nil, empty or zeroed secret never matches.
func (s *SecureString) Matches(candidate string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(s.data, []byte(candidate)) == 1
}

// IsZeroed returns true if Zero() has been called.
func (s *SecureString) IsZeroed() bool {
	if s == nil {
		return false
	}
	return s.zeroed.Load()
}

func (s *SecureString) String() string {
	return redacted
}

func (s *SecureString) GoString() string {
	return redacted
}

// Format implements fmt.Formatter so every verb redacts.
func (s *SecureString) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, redacted)
}

func (s *SecureString) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

func (s *SecureString) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// UnmarshalJSON always fails: secrets are never populated from request bodies.
func (s *SecureString) UnmarshalJSON(data []byte) error {
	return ErrUnmarshal
}

// Zero overwrites the backing bytes and drops them.
func (s *SecureString) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.data)
	s.data = nil
	s.zeroed.Store(true)
}
