package store

import (
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-namesys/internal/namerec"
)

// Memory is an in-process record store backed by an expirable LRU.
// The LRU TTL caps how long any entry may live regardless of its
// validity bound; record expiry itself is checked against the clock
// on every read.
type Memory struct {
	cache *lru.LRU[peer.ID, *Entry]
	locks *keyedLocks
	clock clock.Clock
}

// NewMemory creates a memory store holding up to size entries (0 means
// unbounded) for at most ttl (0 disables the age cap).
func NewMemory(size int, ttl time.Duration, clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		cache: lru.NewLRU[peer.ID, *Entry](size, nil, ttl),
		locks: newKeyedLocks(),
		clock: clk,
	}
}

// Put advances the cached record for pid when rec orders after the
// current entry. Writes for the same identity are serialized.
func (m *Memory) Put(pid peer.ID, rec *namerec.Record, raw []byte) (bool, error) {
	l := m.locks.lock(pid)
	defer l.Unlock()

	now := m.clock.Now()
	if cur, ok := m.cache.Get(pid); ok && !advances(rec, cur.Record, now) {
		return false, nil
	}
	m.cache.Add(pid, &Entry{
		PeerID:     pid,
		Record:     rec,
		Raw:        raw,
		ReceivedAt: now,
	})
	return true, nil
}

// Get returns the live entry for pid, or ErrNotFound when no entry
// exists or the cached record has expired.
func (m *Memory) Get(pid peer.ID) (*Entry, error) {
	entry, ok := m.cache.Get(pid)
	if !ok {
		return nil, ErrNotFound
	}
	if m.clock.Now().After(entry.Record.Validity) {
		m.cache.Remove(pid)
		return nil, ErrNotFound
	}
	return entry, nil
}

// Entries returns all live entries.
func (m *Memory) Entries() ([]*Entry, error) {
	now := m.clock.Now()
	all := m.cache.Values()
	entries := make([]*Entry, 0, len(all))
	for _, entry := range all {
		if now.After(entry.Record.Validity) {
			m.cache.Remove(entry.PeerID)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Remove drops the entry for pid.
func (m *Memory) Remove(pid peer.ID) error {
	l := m.locks.lock(pid)
	defer l.Unlock()

	m.cache.Remove(pid)
	return nil
}

// Close is a no-op for the memory store.
func (m *Memory) Close() error {
	return nil
}
