package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

const maxOTPAttempts = 5

type otpEntry struct {
	code      string
	expiresAt time.Time
	attempts  int
}

// OTPStore holds one pending code per e-mail address in memory. Codes are
// single use and die after maxOTPAttempts wrong guesses.
type OTPStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*otpEntry
	now     func() time.Time
}

func NewOTPStore(ttl time.Duration) *OTPStore {
	return &OTPStore{
		ttl:     ttl,
		entries: make(map[string]*otpEntry),
		now:     time.Now,
	}
}

func otpKey(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Issue replaces any pending code for email with a fresh one.
func (s *OTPStore) Issue(email string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[otpKey(email)] = &otpEntry{code: code, expiresAt: s.now().Add(s.ttl)}
	return code, nil
}

// Verify consumes the pending code for email if it matches.
func (s *OTPStore) Verify(email, code string) bool {
	key := otpKey(email)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return false
	}
	if subtle.ConstantTimeCompare([]byte(e.code), []byte(strings.TrimSpace(code))) != 1 {
		e.attempts++
		if e.attempts >= maxOTPAttempts {
			delete(s.entries, key)
		}
		return false
	}
	delete(s.entries, key)
	return true
}

// Sweep drops expired codes and returns how many were removed.
func (s *OTPStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// TTL is how long an issued code stays valid.
func (s *OTPStore) TTL() time.Duration { return s.ttl }

func (s *OTPStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
