// Package tracker is the process-wide registry of record-topic
// subscriptions. Subscribing is idempotent and reference-counted; a
// waiter abandoning a resolve never tears down a subscription another
// caller may still be using.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"
	ps "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-namesys/internal/metrics"
)

var log = logging.Logger("namesys-tracker")

// Tracker errors.
var (
	ErrNoSubscribers = errors.New("no subscribers found for topic")
	ErrNotSubscribed = errors.New("not subscribed to topic")
	ErrClosed        = errors.New("subscription tracker closed")
)

// MessageHandler consumes raw messages arriving on a topic. from is the
// originating publisher, not the gossip neighbor that relayed the message.
type MessageHandler func(from peer.ID, data []byte)

// RetryPolicy bounds WaitForSubscriber polling: a fixed number of
// attempts with a fixed interval between them.
type RetryPolicy struct {
	Attempts uint64
	Interval time.Duration
}

// DefaultRetryPolicy covers the usual gossip mesh convergence window.
var DefaultRetryPolicy = RetryPolicy{Attempts: 20, Interval: 250 * time.Millisecond}

type topicState struct {
	topic    *ps.Topic
	sub      *ps.Subscription
	handlers []MessageHandler
	refs     int
}

// Tracker tracks which topics are subscribed and dispatches their
// messages to registered handlers.
type Tracker struct {
	pubsub *ps.PubSub

	mu     sync.RWMutex
	topics map[string]*topicState
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a tracker over an existing pubsub router.
func New(pubsub *ps.PubSub) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		pubsub: pubsub,
		topics: make(map[string]*topicState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// EnsureSubscribed joins topic and starts its receive loop on first use;
// later calls only bump the reference count and register the extra
// handler. A nil handler subscribes without listening.
func (t *Tracker) EnsureSubscribed(topic string, handler MessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	if st, ok := t.topics[topic]; ok {
		st.refs++
		if handler != nil {
			st.handlers = append(st.handlers, handler)
		}
		return nil
	}

	th, err := t.pubsub.Join(topic)
	if err != nil {
		return fmt.Errorf("failed to join topic %s: %w", topic, err)
	}
	sub, err := th.Subscribe()
	if err != nil {
		th.Close()
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	st := &topicState{topic: th, sub: sub, refs: 1}
	if handler != nil {
		st.handlers = append(st.handlers, handler)
	}
	t.topics[topic] = st

	t.wg.Add(1)
	go t.receiveLoop(topic, sub)

	metrics.TopicsSubscribed.Inc()
	log.Debugf("Subscribed to topic: %s", topic)
	return nil
}

// receiveLoop drains one subscription until it is cancelled.
func (t *Tracker) receiveLoop(topic string, sub *ps.Subscription) {
	defer t.wg.Done()

	for {
		msg, err := sub.Next(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return // tracker closed
			}
			// Cancelled subscriptions are the only other exit.
			log.Debugf("Subscription for %s ended: %v", topic, err)
			return
		}
		t.dispatch(topic, msg)
	}
}

func (t *Tracker) dispatch(topic string, msg *ps.Message) {
	t.mu.RLock()
	st, ok := t.topics[topic]
	var handlers []MessageHandler
	if ok {
		handlers = make([]MessageHandler, len(st.handlers))
		copy(handlers, st.handlers)
	}
	t.mu.RUnlock()

	metrics.MessagesReceived.Inc()
	for _, handler := range handlers {
		handler(msg.GetFrom(), msg.Data)
	}
}

// Publish pushes data onto a topic this tracker has joined.
func (t *Tracker) Publish(ctx context.Context, topic string, data []byte) error {
	t.mu.RLock()
	st, ok := t.topics[topic]
	t.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, topic)
	}
	return st.topic.Publish(ctx, data)
}

// ListSubscribers returns the peers known to be subscribed to topic.
func (t *Tracker) ListSubscribers(topic string) []peer.ID {
	return t.pubsub.ListPeers(topic)
}

// WaitForSubscriber polls the subscriber list until a peer shows up, the
// policy is exhausted, or ctx is cancelled. A non-empty hint waits for
// that specific peer; otherwise any subscriber satisfies the wait.
func (t *Tracker) WaitForSubscriber(ctx context.Context, topic string, hint peer.ID, policy RetryPolicy) error {
	if policy.Attempts == 0 {
		policy = DefaultRetryPolicy
	}

	check := func() error {
		peers := t.pubsub.ListPeers(topic)
		if hint != "" {
			for _, p := range peers {
				if p == hint {
					return nil
				}
			}
			return fmt.Errorf("%w: waiting for %s", ErrNoSubscribers, hint)
		}
		if len(peers) == 0 {
			return ErrNoSubscribers
		}
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.Interval), policy.Attempts-1),
		ctx,
	)
	err := backoff.Retry(check, b)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Subscriptions returns all subscribed topics, sorted.
func (t *Tracker) Subscriptions() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.topics))
	for topic := range t.topics {
		names = append(names, topic)
	}
	sort.Strings(names)
	return names
}

// Refs returns the current reference count for topic.
func (t *Tracker) Refs(topic string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if st, ok := t.topics[topic]; ok {
		return st.refs
	}
	return 0
}

// Release drops one reference to topic. The subscription itself stays
// live: teardown is only ever explicit via Cancel or Close, so a racing
// waiter can never lose a subscription it still needs.
func (t *Tracker) Release(topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.topics[topic]; ok && st.refs > 0 {
		st.refs--
	}
}

// Cancel explicitly tears down the subscription to topic.
func (t *Tracker) Cancel(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.topics[topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, topic)
	}
	delete(t.topics, topic)

	st.sub.Cancel()
	if err := st.topic.Close(); err != nil {
		log.Debugf("Failed to close topic %s: %v", topic, err)
	}
	metrics.TopicsSubscribed.Dec()
	log.Debugf("Cancelled topic: %s", topic)
	return nil
}

// Close tears down every subscription and stops all receive loops.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.cancel()

	for topic, st := range t.topics {
		st.sub.Cancel()
		if err := st.topic.Close(); err != nil {
			log.Debugf("Failed to close topic %s: %v", topic, err)
		}
		metrics.TopicsSubscribed.Dec()
		delete(t.topics, topic)
	}
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}
