// Package store caches the last known good name record per identity.
// Both providers serialize writes per identity and only advance to a
// record that orders after the one already cached.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-namesys/internal/namerec"
)

// ErrNotFound indicates no live record is cached for an identity.
var ErrNotFound = errors.New("no record found")

// Entry is a cached record plus receipt metadata.
type Entry struct {
	PeerID     peer.ID
	Record     *namerec.Record
	Raw        []byte
	ReceivedAt time.Time
}

// RecordStore holds the last known good record per identity. Put reports
// whether the record advanced the cache; a lower-or-equal record is
// ignored without error. Get never returns an expired record.
type RecordStore interface {
	Put(pid peer.ID, rec *namerec.Record, raw []byte) (bool, error)
	Get(pid peer.ID) (*Entry, error)
	Entries() ([]*Entry, error)
	Remove(pid peer.ID) error
	Close() error
}

// keyedLocks hands out one mutex per identity so concurrent writers for
// different names never contend.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[peer.ID]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[peer.ID]*sync.Mutex)}
}

func (k *keyedLocks) lock(pid peer.ID) *sync.Mutex {
	k.mu.Lock()
	l, ok := k.locks[pid]
	if !ok {
		l = &sync.Mutex{}
		k.locks[pid] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l
}

func timeFromUnixNano(ns int64) time.Time {
	return time.Unix(0, ns)
}

// advances reports whether next should replace cur, where cur may be nil
// or already expired at now.
func advances(next *namerec.Record, cur *namerec.Record, now time.Time) bool {
	if cur == nil {
		return true
	}
	if now.After(cur.Validity) {
		return true
	}
	return namerec.Compare(next, cur) > 0
}
