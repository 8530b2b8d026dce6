// Package invitetoken implements the STEALTH-visibility invite-token
// store: opaque bytes a responder hands out of band, which a KNOCK
// frame must present before Noise even begins. Lookups are constant
// time across the whole store (spec §4.8), and tokens can expire, cap
// their use count, or be single-use.
package invitetoken

import (
	"errors"
	"sync"
	"time"

	"github.com/alexrudloff/snap2p/snap2p/core/cryptoprim"
)

const (
	MinTokenLen = 16
	MaxTokenLen = 32

	// DefaultExpiry is applied by Generate when Options.Expiry is zero.
	DefaultExpiry = 24 * time.Hour
)

var (
	ErrInvalidTokenLen = errors.New("invitetoken: token length out of range")
	ErrNotFound        = errors.New("invitetoken: not found")
)

// Options configures a single token's policy.
type Options struct {
	Expiry   time.Duration // zero means DefaultExpiry
	MaxUses  int           // zero means unlimited
	SingleUse bool
}

type entry struct {
	token     []byte
	expiresAt time.Time
	maxUses   int
	singleUse bool
	uses      int
}

// Store holds every currently-valid invite token for one STEALTH
// listener. All mutation happens under a single mutex, matching the
// "owned by Peer's event loop" resource model of spec §5.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Generate creates and stores a fresh random 32-byte token.
func (s *Store) Generate(opts Options) ([]byte, error) {
	token, err := cryptoprim.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	if err := s.Import(token, opts); err != nil {
		return nil, err
	}
	return token, nil
}

// Import stores an externally-created token under the same policy
// options Generate would apply.
func (s *Store) Import(token []byte, opts Options) error {
	if len(token) < MinTokenLen || len(token) > MaxTokenLen {
		return ErrInvalidTokenLen
	}
	expiry := opts.Expiry
	if expiry == 0 {
		expiry = DefaultExpiry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[string(token)] = &entry{
		token:     append([]byte(nil), token...),
		expiresAt: time.Now().Add(expiry),
		maxUses:   opts.MaxUses,
		singleUse: opts.SingleUse,
	}
	return nil
}

// Revoke removes a token immediately, regardless of its remaining uses
// or expiry.
func (s *Store) Revoke(token []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, string(token))
}

// Count returns the number of currently-stored (not necessarily
// unexpired) tokens.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Validate checks presented against every stored token in constant
// time, regardless of which (if any) it matches, then applies use-count
// bookkeeping on success. An expired or exhausted token is treated as
// not found and is removed from the store.
func (s *Store) Validate(presented []byte) error {
	if len(presented) < MinTokenLen || len(presented) > MaxTokenLen {
		return ErrInvalidTokenLen
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var matched *entry
	var matchedKey string

	// Compare against every entry unconditionally so that the
	// "not found" and "found but wrong" time signatures are the same.
	for key, e := range s.entries {
		if cryptoprim.ConstantTimeEqual(e.token, presented) {
			matched = e
			matchedKey = key
		}
	}

	if matched == nil {
		return ErrNotFound
	}
	if now.After(matched.expiresAt) {
		delete(s.entries, matchedKey)
		return ErrNotFound
	}
	if matched.maxUses > 0 && matched.uses >= matched.maxUses {
		delete(s.entries, matchedKey)
		return ErrNotFound
	}

	matched.uses++
	if matched.singleUse || (matched.maxUses > 0 && matched.uses >= matched.maxUses) {
		delete(s.entries, matchedKey)
	}
	return nil
}

// Sweep removes every expired token; a Peer can run this periodically
// so an unused, long-lived STEALTH listener doesn't accumulate dead
// entries indefinitely.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}
