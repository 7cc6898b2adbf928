// Package resolver resolves peer identities to their published name record
// values. A resolve checks self-authority and the local store first, then
// subscribes to the identity's topic and waits for a valid record.
package resolver

import (
	"context"
	"errors"
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

var log = logging.Logger("namesys-resolve")

// Errors
var (
	// ErrResolveTimeout means no valid record arrived within the wait bound.
	ErrResolveTimeout = errors.New("resolution timed out")
	// ErrNotFound means nothing local satisfied a no-wait resolve.
	ErrNotFound = errors.New("name not found")
)

const (
	// DefaultResolveTimeout is the wait bound callers usually pass.
	DefaultResolveTimeout = time.Minute
	// primeTimeout bounds the background fetch fired on first subscribe.
	primeTimeout = 30 * time.Second
)

// Options control a single resolve call.
type Options struct {
	// Timeout bounds the Await step. Zero means no network wait: the call
	// returns ErrNotFound unless self-authority or cache policy satisfies
	// it immediately.
	Timeout time.Duration
}

// Resolver coordinates name resolution over the subscription tracker.
//
// Cache policy: a stored record may satisfy a resolve without fresh network
// traffic depending on the trust window. Negative trusts any unexpired
// entry, zero always waits for a live record during the call, positive
// trusts entries confirmed by live traffic within the window.
type Resolver struct {
	keys       *keystore.Manager
	store      store.RecordStore
	tracker    *tracker.Tracker
	fetcher    *protocol.Fetcher
	clock      clock.Clock
	cacheTrust time.Duration

	mu        sync.Mutex
	confirmed map[peer.ID]time.Time
	notify    map[string]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a resolver with the given cache trust window.
func New(keys *keystore.Manager, st store.RecordStore, tr *tracker.Tracker, f *protocol.Fetcher, cacheTrust time.Duration) *Resolver {
	return NewWithClock(keys, st, tr, f, cacheTrust, clock.New())
}

// NewWithClock creates a resolver with an injected clock.
func NewWithClock(keys *keystore.Manager, st store.RecordStore, tr *tracker.Tracker, f *protocol.Fetcher, cacheTrust time.Duration, clk clock.Clock) *Resolver {
	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		keys:       keys,
		store:      st,
		tracker:    tr,
		fetcher:    f,
		clock:      clk,
		cacheTrust: cacheTrust,
		confirmed:  make(map[peer.ID]time.Time),
		notify:     make(map[string]chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Resolve returns the current value published under pid.
func (r *Resolver) Resolve(ctx context.Context, pid peer.ID, opts Options) (string, error) {
	start := r.clock.Now()
	value, err := r.resolve(ctx, pid, opts, start)

	metrics.ResolveDuration.Observe(r.clock.Since(start).Seconds())
	switch {
	case err == nil:
		metrics.ResolvesTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	case errors.Is(err, ErrResolveTimeout):
		metrics.ResolvesTotal.WithLabelValues(metrics.OutcomeTimeout).Inc()
	case errors.Is(err, ErrNotFound):
		metrics.ResolvesTotal.WithLabelValues(metrics.OutcomeNotFound).Inc()
	default:
		metrics.ResolvesTotal.WithLabelValues(metrics.OutcomeError).Inc()
	}
	return value, err
}

func (r *Resolver) resolve(ctx context.Context, pid peer.ID, opts Options, start time.Time) (string, error) {
	// Self-resolution never waits on the network.
	if r.keys.Has(pid) {
		if entry, err := r.store.Get(pid); err == nil {
			return entry.Record.Value, nil
		}
		// Own identity with no record yet. Another device may hold the
		// key and have published, so fall through to the network path.
	}

	if value, ok := r.checkLocal(pid, start); ok {
		return value, nil
	}

	topic, err := r.Subscribe(pid)
	if err != nil {
		return "", err
	}

	if opts.Timeout <= 0 {
		return "", ErrNotFound
	}
	return r.await(ctx, pid, topic, start, opts.Timeout)
}

// Subscribe wires pid's topic into the resolver: the record-ingest listener
// is registered once per topic and a background fetch primes the store from
// peers already on the topic. Idempotent. The subscription stays active
// after resolves complete so later calls and other waiters benefit.
func (r *Resolver) Subscribe(pid peer.ID) (string, error) {
	topic := topics.ForPeer(pid)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.notify[topic]; ok {
		return topic, nil
	}

	if err := r.tracker.EnsureSubscribed(topic, r.ingestHandler(pid, topic)); err != nil {
		return "", err
	}
	r.notify[topic] = make(chan struct{})

	r.wg.Add(1)
	go r.prime(pid, topic)

	return topic, nil
}

// checkLocal applies the cache trust policy to the stored record.
func (r *Resolver) checkLocal(pid peer.ID, since time.Time) (string, bool) {
	entry, err := r.store.Get(pid)
	if err != nil {
		return "", false
	}

	switch {
	case r.cacheTrust < 0:
		return entry.Record.Value, true
	case r.cacheTrust == 0:
		if r.confirmedAt(pid).After(since) {
			return entry.Record.Value, true
		}
	default:
		confirmed := r.confirmedAt(pid)
		if !confirmed.IsZero() && r.clock.Since(confirmed) <= r.cacheTrust {
			return entry.Record.Value, true
		}
	}
	return "", false
}

func (r *Resolver) confirmedAt(pid peer.ID) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmed[pid]
}

// await blocks until the topic's store state satisfies the caller. Waiters
// re-check after every notify generation, so an invalid or forged record
// can never wake a false success.
func (r *Resolver) await(ctx context.Context, pid peer.ID, topic string, start time.Time, timeout time.Duration) (string, error) {
	timer := r.clock.Timer(timeout)
	defer timer.Stop()

	for {
		r.mu.Lock()
		ch := r.notify[topic]
		r.mu.Unlock()

		// The channel is grabbed before the check so an arrival in
		// between still wakes this waiter.
		if value, ok := r.checkLocal(pid, start); ok {
			return value, nil
		}

		select {
		case <-ch:
		case <-timer.C:
			return "", ErrResolveTimeout
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// ingestHandler returns the pubsub listener for pid's topic. Individual bad
// messages are logged and dropped; they never abort a waiting resolve.
func (r *Resolver) ingestHandler(pid peer.ID, topic string) tracker.MessageHandler {
	return func(from peer.ID, data []byte) {
		rec, err := namerec.Unmarshal(data)
		if err != nil {
			metrics.RecordsIngested.WithLabelValues(metrics.ResultMalformed).Inc()
			log.Debugf("Malformed record on %s from %s: %v", topic, from.ShortString(), err)
			return
		}
		if err := namerec.Validate(rec, pid, r.clock.Now()); err != nil {
			metrics.RecordsIngested.WithLabelValues(metrics.ResultInvalid).Inc()
			log.Debugf("Rejected record on %s from %s: %v", topic, from.ShortString(), err)
			return
		}
		r.accept(pid, topic, rec, data)
	}
}

// accept stores a validated record, marks the identity live, and wakes
// waiters. Stale records still count as live confirmations: the cache holds
// something at least as new.
func (r *Resolver) accept(pid peer.ID, topic string, rec *namerec.Record, raw []byte) {
	advanced, err := r.store.Put(pid, rec, raw)
	if err != nil {
		log.Warnf("Failed to store record for %s: %v", pid.ShortString(), err)
		return
	}
	if advanced {
		metrics.RecordsIngested.WithLabelValues(metrics.ResultValid).Inc()
	} else {
		metrics.RecordsIngested.WithLabelValues(metrics.ResultStale).Inc()
	}

	r.mu.Lock()
	r.confirmed[pid] = r.clock.Now()
	if ch, ok := r.notify[topic]; ok {
		close(ch)
		r.notify[topic] = make(chan struct{})
	}
	r.mu.Unlock()

	log.Debugf("Accepted record for %s (seq %d, advanced %t)", pid.ShortString(), rec.Sequence, advanced)
}

// prime asks peers already subscribed to the topic for their newest record
// so a first resolve does not have to wait for the next republish.
func (r *Resolver) prime(pid peer.ID, topic string) {
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(r.ctx, primeTimeout)
	defer cancel()

	peers := r.tracker.ListSubscribers(topic)
	if len(peers) == 0 {
		if err := r.tracker.WaitForSubscriber(ctx, topic, "", tracker.DefaultRetryPolicy); err != nil {
			log.Debugf("No peers to prime %s from: %v", topic, err)
			return
		}
		peers = r.tracker.ListSubscribers(topic)
	}

	rec, raw, err := r.fetcher.FetchFromPeers(ctx, peers, pid)
	if err != nil {
		log.Debugf("Prime fetch for %s found nothing: %v", pid.ShortString(), err)
		return
	}
	r.accept(pid, topic, rec, raw)
}

// Close stops background priming. Live subscriptions are left to the
// tracker's own shutdown.
func (r *Resolver) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}
