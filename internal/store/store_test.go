package store

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-namesys/internal/namerec"
)

func genPeer(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("failed to derive peer ID: %v", err)
	}
	return pid
}

func makeRec(t *testing.T, value string, seq uint64, validity time.Time) (*namerec.Record, []byte) {
	t.Helper()
	rec := &namerec.Record{
		Value:     value,
		Sequence:  seq,
		Validity:  validity.UTC(),
		Signature: []byte{0xde, 0xad, 0xbe, 0xef},
	}
	raw, err := namerec.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return rec, raw
}

// Both providers must satisfy the same contract.
func runStoreTests(t *testing.T, open func(t *testing.T, clk clock.Clock) RecordStore) {
	t.Run("PutGet", func(t *testing.T) {
		mock := clock.NewMock()
		s := open(t, mock)
		defer s.Close()
		pid := genPeer(t)

		rec, raw := makeRec(t, "/ipfs/one", 1, mock.Now().Add(time.Hour))
		advanced, err := s.Put(pid, rec, raw)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if !advanced {
			t.Error("First Put should advance")
		}

		entry, err := s.Get(pid)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if entry.Record.Value != "/ipfs/one" || entry.Record.Sequence != 1 {
			t.Errorf("Entry mismatch: %+v", entry.Record)
		}
		if !entry.ReceivedAt.Equal(mock.Now()) {
			t.Errorf("ReceivedAt mismatch: got %v", entry.ReceivedAt)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := open(t, clock.NewMock())
		defer s.Close()

		if _, err := s.Get(genPeer(t)); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("StaleSequenceIgnored", func(t *testing.T) {
		mock := clock.NewMock()
		s := open(t, mock)
		defer s.Close()
		pid := genPeer(t)

		rec2, raw2 := makeRec(t, "/ipfs/two", 2, mock.Now().Add(time.Hour))
		if _, err := s.Put(pid, rec2, raw2); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		rec1, raw1 := makeRec(t, "/ipfs/one", 1, mock.Now().Add(time.Hour))
		advanced, err := s.Put(pid, rec1, raw1)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if advanced {
			t.Error("Lower sequence should not advance")
		}

		entry, err := s.Get(pid)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if entry.Record.Value != "/ipfs/two" {
			t.Errorf("Cache regressed to %s", entry.Record.Value)
		}
	})

	t.Run("EqualSequenceLaterValidityWins", func(t *testing.T) {
		mock := clock.NewMock()
		s := open(t, mock)
		defer s.Close()
		pid := genPeer(t)

		recA, rawA := makeRec(t, "/ipfs/a", 5, mock.Now().Add(time.Hour))
		if _, err := s.Put(pid, recA, rawA); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		// Same sequence, longer validity: advances.
		recB, rawB := makeRec(t, "/ipfs/b", 5, mock.Now().Add(2*time.Hour))
		advanced, err := s.Put(pid, recB, rawB)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if !advanced {
			t.Error("Equal sequence with later validity should advance")
		}

		// Exact replay: ignored.
		advanced, err = s.Put(pid, recB, rawB)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if advanced {
			t.Error("Replay of the cached record should not advance")
		}
	})

	t.Run("ExpiredRecordNotReturned", func(t *testing.T) {
		mock := clock.NewMock()
		s := open(t, mock)
		defer s.Close()
		pid := genPeer(t)

		rec, raw := makeRec(t, "/ipfs/shortlived", 1, mock.Now().Add(time.Minute))
		if _, err := s.Put(pid, rec, raw); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if _, err := s.Get(pid); err != nil {
			t.Fatalf("Get before expiry failed: %v", err)
		}

		mock.Add(2 * time.Minute)
		if _, err := s.Get(pid); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound after expiry, got %v", err)
		}
	})

	t.Run("ExpiredEntryReplacedByAnyRecord", func(t *testing.T) {
		mock := clock.NewMock()
		s := open(t, mock)
		defer s.Close()
		pid := genPeer(t)

		rec9, raw9 := makeRec(t, "/ipfs/old", 9, mock.Now().Add(time.Minute))
		if _, err := s.Put(pid, rec9, raw9); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		mock.Add(time.Hour)

		// The old record is dead; even a lower sequence takes over.
		rec1, raw1 := makeRec(t, "/ipfs/new", 1, mock.Now().Add(time.Hour))
		advanced, err := s.Put(pid, rec1, raw1)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if !advanced {
			t.Error("Record should replace an expired entry regardless of sequence")
		}
	})

	t.Run("EntriesAndRemove", func(t *testing.T) {
		mock := clock.NewMock()
		s := open(t, mock)
		defer s.Close()

		pidA, pidB := genPeer(t), genPeer(t)
		recA, rawA := makeRec(t, "/ipfs/a", 1, mock.Now().Add(time.Hour))
		recB, rawB := makeRec(t, "/ipfs/b", 1, mock.Now().Add(time.Hour))
		if _, err := s.Put(pidA, recA, rawA); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if _, err := s.Put(pidB, recB, rawB); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		entries, err := s.Entries()
		if err != nil {
			t.Fatalf("Entries failed: %v", err)
		}
		if len(entries) != 2 {
			t.Errorf("Expected 2 entries, got %d", len(entries))
		}

		if err := s.Remove(pidA); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if _, err := s.Get(pidA); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound after remove, got %v", err)
		}
		entries, err = s.Entries()
		if err != nil {
			t.Fatalf("Entries failed: %v", err)
		}
		if len(entries) != 1 || entries[0].PeerID != pidB {
			t.Errorf("Entries after remove mismatch: %v", entries)
		}
	})

	t.Run("ConcurrentPuts", func(t *testing.T) {
		mock := clock.NewMock()
		s := open(t, mock)
		defer s.Close()
		pid := genPeer(t)

		var wg sync.WaitGroup
		for g := 0; g < 10; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := 1; i <= 20; i++ {
					seq := uint64(g*20 + i)
					rec, raw := makeRec(t, fmt.Sprintf("/ipfs/seq-%d", seq), seq, mock.Now().Add(time.Hour))
					if _, err := s.Put(pid, rec, raw); err != nil {
						t.Errorf("Put failed: %v", err)
						return
					}
				}
			}(g)
		}
		wg.Wait()

		entry, err := s.Get(pid)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if entry.Record.Sequence != 200 {
			t.Errorf("Expected final sequence 200, got %d", entry.Record.Sequence)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T, clk clock.Clock) RecordStore {
		return NewMemory(0, 0, clk)
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T, clk clock.Clock) RecordStore {
		s, err := NewSQLite(t.TempDir(), clk)
		if err != nil {
			t.Fatalf("NewSQLite failed: %v", err)
		}
		return s
	})
}

func TestSQLitePersistence(t *testing.T) {
	mock := clock.NewMock()
	dir := t.TempDir()

	s, err := NewSQLite(dir, mock)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	pid := genPeer(t)
	rec, raw := makeRec(t, "/ipfs/persisted", 3, mock.Now().Add(time.Hour))
	if _, err := s.Put(pid, rec, raw); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := NewSQLite(dir, mock)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s2.Close()

	entry, err := s2.Get(pid)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if entry.Record.Value != "/ipfs/persisted" || entry.Record.Sequence != 3 {
		t.Errorf("Persisted entry mismatch: %+v", entry.Record)
	}
}

func TestMemoryLRUSizeBound(t *testing.T) {
	mock := clock.NewMock()
	s := NewMemory(2, 0, mock)

	pids := []peer.ID{genPeer(t), genPeer(t), genPeer(t)}
	for i, pid := range pids {
		rec, raw := makeRec(t, fmt.Sprintf("/ipfs/%d", i), 1, mock.Now().Add(time.Hour))
		if _, err := s.Put(pid, rec, raw); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	// The oldest identity fell out of the bounded cache.
	if _, err := s.Get(pids[0]); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected eviction of oldest entry, got %v", err)
	}
	if _, err := s.Get(pids[2]); err != nil {
		t.Errorf("Newest entry should remain: %v", err)
	}
}
