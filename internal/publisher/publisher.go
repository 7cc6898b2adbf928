// Package publisher builds, stores, and broadcasts name records.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-namesys/internal/keystore"
	"github.com/spacedatanetwork/sdn-namesys/internal/metrics"
	"github.com/spacedatanetwork/sdn-namesys/internal/namerec"
	"github.com/spacedatanetwork/sdn-namesys/internal/protocol"
	"github.com/spacedatanetwork/sdn-namesys/internal/store"
	"github.com/spacedatanetwork/sdn-namesys/internal/topics"
	"github.com/spacedatanetwork/sdn-namesys/internal/tracker"
)

var log = logging.Logger("namesys-publish")

const (
	// DefaultRecordLifetime is the validity window of a published record.
	DefaultRecordLifetime = 48 * time.Hour
	// resolveFirstTimeout bounds the sequence-recovery fetch.
	resolveFirstTimeout = 15 * time.Second
)

// Options control a single publish call.
type Options struct {
	// Key names the keystore identity to publish under. Empty means the
	// node's default identity.
	Key string
	// Lifetime is the record validity window. Zero means
	// DefaultRecordLifetime.
	Lifetime time.Duration
	// ResolveFirst recovers the latest sequence from topic peers before
	// building the record.
	ResolveFirst bool
}

// Result summarizes a published record.
type Result struct {
	Name     peer.ID
	Value    string
	Sequence uint64
	EOL      time.Time
}

// Publisher signs records under keystore identities and pushes them onto
// their derived topics. The local store is written before the broadcast so
// a self-resolve immediately after Publish never waits on the network.
type Publisher struct {
	keys    *keystore.Manager
	store   store.RecordStore
	tracker *tracker.Tracker
	fetcher *protocol.Fetcher
	clock   clock.Clock

	locks keyedLocks

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a publisher.
func New(keys *keystore.Manager, st store.RecordStore, tr *tracker.Tracker, f *protocol.Fetcher) *Publisher {
	return NewWithClock(keys, st, tr, f, clock.New())
}

// NewWithClock creates a publisher with an injected clock.
func NewWithClock(keys *keystore.Manager, st store.RecordStore, tr *tracker.Tracker, f *protocol.Fetcher, clk clock.Clock) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		keys:    keys,
		store:   st,
		tracker: tr,
		fetcher: f,
		clock:   clk,
		locks:   keyedLocks{locks: make(map[peer.ID]*sync.Mutex)},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Publish signs value under the chosen identity, stores the record, and
// broadcasts it. Broadcast is best effort: a publish with zero subscribers
// still succeeds, the record waits in the store for later joiners.
func (p *Publisher) Publish(ctx context.Context, value string, opts Options) (*Result, error) {
	name := opts.Key
	if name == "" {
		name = keystore.DefaultKeyName
	}
	ident, err := p.keys.Identity(name)
	if err != nil {
		metrics.PublishesTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, err
	}

	lifetime := opts.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultRecordLifetime
	}

	topic := topics.ForPeer(ident.PeerID)
	if err := p.tracker.EnsureSubscribed(topic, nil); err != nil {
		metrics.PublishesTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, err
	}

	if opts.ResolveFirst {
		p.recoverSequence(ctx, topic, ident.PeerID)
	}

	rec, raw, err := p.buildNext(ident, value, lifetime)
	if err != nil {
		metrics.PublishesTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, err
	}

	if err := p.tracker.Publish(ctx, topic, raw); err != nil {
		metrics.PublishesTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, fmt.Errorf("failed to broadcast record: %w", err)
	}

	if c, cidErr := namerec.RecordCID(raw); cidErr == nil {
		log.Infof("Published %s under %s (seq %d, cid %s)", value, ident.PeerID.ShortString(), rec.Sequence, c)
	}
	metrics.PublishesTotal.WithLabelValues(metrics.OutcomeOK).Inc()

	return &Result{Name: ident.PeerID, Value: value, Sequence: rec.Sequence, EOL: rec.Validity}, nil
}

// buildNext assigns the next sequence, signs, and writes the record to the
// store, serialized per identity so concurrent publishes never reuse a
// sequence number.
func (p *Publisher) buildNext(ident *keystore.Identity, value string, lifetime time.Duration) (*namerec.Record, []byte, error) {
	lk := p.locks.lock(ident.PeerID)
	defer lk.Unlock()

	seq := uint64(0)
	if cur, err := p.store.Get(ident.PeerID); err == nil {
		seq = cur.Record.Sequence + 1
	}

	rec, err := namerec.Build(ident.PrivKey, value, seq, p.clock.Now().Add(lifetime))
	if err != nil {
		return nil, nil, err
	}
	raw, err := namerec.Marshal(rec)
	if err != nil {
		return nil, nil, err
	}
	if _, err := p.store.Put(ident.PeerID, rec, raw); err != nil {
		return nil, nil, fmt.Errorf("failed to store record: %w", err)
	}
	return rec, raw, nil
}

// recoverSequence pulls the newest record for pid from current topic peers
// into the store. Best effort: no peers or no record just means the store's
// view stands.
func (p *Publisher) recoverSequence(ctx context.Context, topic string, pid peer.ID) {
	fctx, cancel := context.WithTimeout(ctx, resolveFirstTimeout)
	defer cancel()

	peers := p.tracker.ListSubscribers(topic)
	if len(peers) == 0 {
		log.Debugf("No topic peers for sequence recovery of %s", pid.ShortString())
		return
	}

	rec, raw, err := p.fetcher.FetchFromPeers(fctx, peers, pid)
	if err != nil {
		log.Debugf("Sequence recovery for %s found nothing: %v", pid.ShortString(), err)
		return
	}
	if _, err := p.store.Put(pid, rec, raw); err != nil {
		log.Warnf("Failed to store recovered record for %s: %v", pid.ShortString(), err)
	}
}

// StartRebroadcast runs a background loop that republishes every record the
// keystore controls, once at start and then every interval. Records are
// re-signed at their current sequence with a fresh validity window so they
// outlive gossip churn.
func (p *Publisher) StartRebroadcast(interval time.Duration) {
	p.wg.Add(1)
	go p.rebroadcastLoop(interval)
}

func (p *Publisher) rebroadcastLoop(interval time.Duration) {
	defer p.wg.Done()

	p.rebroadcastAll()

	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.rebroadcastAll()
		}
	}
}

func (p *Publisher) rebroadcastAll() {
	for _, ident := range p.keys.Identities() {
		if err := p.rebroadcast(p.ctx, ident); err != nil {
			log.Debugf("Rebroadcast for %q failed: %v", ident.Name, err)
		}
	}
}

func (p *Publisher) rebroadcast(ctx context.Context, ident *keystore.Identity) error {
	topic := topics.ForPeer(ident.PeerID)
	if err := p.tracker.EnsureSubscribed(topic, nil); err != nil {
		return err
	}

	lk := p.locks.lock(ident.PeerID)
	cur, err := p.store.Get(ident.PeerID)
	if err != nil {
		lk.Unlock()
		if errors.Is(err, store.ErrNotFound) {
			return nil // identity has never published
		}
		return err
	}

	// Same sequence, extended validity. The store advances on the later
	// validity bound, remote caches do the same.
	rec, err := namerec.Build(ident.PrivKey, cur.Record.Value, cur.Record.Sequence, p.clock.Now().Add(DefaultRecordLifetime))
	if err != nil {
		lk.Unlock()
		return err
	}
	raw, err := namerec.Marshal(rec)
	if err != nil {
		lk.Unlock()
		return err
	}
	if _, err := p.store.Put(ident.PeerID, rec, raw); err != nil {
		lk.Unlock()
		return err
	}
	lk.Unlock()

	if err := p.tracker.Publish(ctx, topic, raw); err != nil {
		return err
	}
	log.Debugf("Rebroadcast %s (seq %d)", ident.PeerID.ShortString(), rec.Sequence)
	return nil
}

// Close stops the rebroadcast loop.
func (p *Publisher) Close() error {
	p.cancel()
	p.wg.Wait()
	return nil
}

// keyedLocks serializes work per identity without a global lock.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[peer.ID]*sync.Mutex
}

func (k *keyedLocks) lock(pid peer.ID) *sync.Mutex {
	k.mu.Lock()
	lk, ok := k.locks[pid]
	if !ok {
		lk = &sync.Mutex{}
		k.locks[pid] = lk
	}
	k.mu.Unlock()

	lk.Lock()
	return lk
}
