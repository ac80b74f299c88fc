// Package magiclink mints and one-shot-consumes magic-link tokens. The
// token map is a process-resident in-memory store, not Valkey: the wire
// format embeds its own HMAC and needs no external TTL store to be
// tamper-evident. A restart invalidates in-flight links, which is the
// documented behavior for this window.
package magiclink

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the magiclink package.
var (
	ErrMalformed = errors.New("malformed magic link")
	ErrBadHMAC   = errors.New("magic link signature mismatch")
	ErrUnknown   = errors.New("magic link not found or already used")
	ErrExpired   = errors.New("magic link expired")
)

// Lifetime is the fixed validity window for a minted link.
const Lifetime = 5 * time.Minute

// entry is the transient record behind a live token.
type entry struct {
	address   string
	userID    uuid.UUID
	expiresAt time.Time
	used      bool
}

// Store is a process-resident map of live magic-link tokens, guarded by a
// mutex, swept opportunistically on access like noncecache.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	nowFunc func() time.Time
}

// NewStore creates an empty magic-link store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry), nowFunc: time.Now}
}

// Service mints and verifies magic links of the form
// "{server_url}|{random_32B_hex}|{timestamp_ms}|{hmac_hex}".
type Service struct {
	store      *Store
	signingKey []byte
	serverURL  string
}

// New creates a magic-link service. signingKey is the server's HMAC signing
// key; serverURL is embedded verbatim as the first wire field.
func New(store *Store, signingKey []byte, serverURL string) *Service {
	return &Service{store: store, signingKey: signingKey, serverURL: serverURL}
}

// Mint generates a new link bound to address/userID and returns the full
// wire-format string.
func (s *Service) Mint(address string, userID uuid.UUID) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate magic link random: %w", err)
	}
	random := hex.EncodeToString(raw)
	ts := time.Now().UnixMilli()
	sig := s.sign(random, ts)

	link := strings.Join([]string{s.serverURL, random, strconv.FormatInt(ts, 10), sig}, "|")

	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.sweepLocked()
	s.store.entries[random] = &entry{
		address:   address,
		userID:    userID,
		expiresAt: s.store.now().Add(Lifetime),
	}
	return link, nil
}

// Verify parses and validates a wire-format link, consuming it on success
// (one-shot: a second call with the same link fails with ErrUnknown).
func (s *Service) Verify(link string) (address string, userID uuid.UUID, err error) {
	fields := strings.Split(link, "|")
	if len(fields) != 4 {
		return "", uuid.Nil, ErrMalformed
	}
	serverURL, random, tsField, sig := fields[0], fields[1], fields[2], fields[3]
	if serverURL != s.serverURL {
		return "", uuid.Nil, ErrMalformed
	}
	ts, parseErr := strconv.ParseInt(tsField, 10, 64)
	if parseErr != nil {
		return "", uuid.Nil, ErrMalformed
	}

	expected := s.sign(random, ts)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return "", uuid.Nil, ErrBadHMAC
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	e, ok := s.store.entries[random]
	if !ok || e.used {
		return "", uuid.Nil, ErrUnknown
	}
	if s.store.now().After(e.expiresAt) {
		delete(s.store.entries, random)
		return "", uuid.Nil, ErrExpired
	}

	e.used = true
	s.store.sweepLocked()
	return e.address, e.userID, nil
}

func (s *Service) sign(random string, timestampMs int64) string {
	mac := hmac.New(sha256.New, s.signingKey)
	fmt.Fprintf(mac, "%s|%s|%d", s.serverURL, random, timestampMs)
	return hex.EncodeToString(mac.Sum(nil))
}

func (st *Store) now() time.Time {
	if st.nowFunc != nil {
		return st.nowFunc()
	}
	return time.Now()
}

// sweepLocked drops expired or used entries. Caller must hold st.mu.
func (st *Store) sweepLocked() {
	now := st.now()
	for k, e := range st.entries {
		if e.used || now.After(e.expiresAt) {
			delete(st.entries, k)
		}
	}
}
