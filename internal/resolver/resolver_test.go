package resolver

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p"
	ps "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-namesys/internal/keystore"
	"github.com/spacedatanetwork/sdn-namesys/internal/namerec"
	"github.com/spacedatanetwork/sdn-namesys/internal/protocol"
	"github.com/spacedatanetwork/sdn-namesys/internal/publisher"
	"github.com/spacedatanetwork/sdn-namesys/internal/store"
	"github.com/spacedatanetwork/sdn-namesys/internal/topics"
	"github.com/spacedatanetwork/sdn-namesys/internal/tracker"
)

type testNode struct {
	host     host.Host
	tracker  *tracker.Tracker
	store    store.RecordStore
	keys     *keystore.Manager
	clock    clock.Clock
	resolver *Resolver
	pub      *publisher.Publisher
}

func newTestNode(t *testing.T, ctx context.Context, cacheTrust time.Duration, clk clock.Clock) *testNode {
	t.Helper()

	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("failed to create host: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	router, err := ps.NewGossipSub(ctx, h)
	if err != nil {
		t.Fatalf("failed to create pubsub: %v", err)
	}

	keys, err := keystore.Open(t.TempDir(), "")
	if err != nil {
		t.Fatalf("failed to open keystore: %v", err)
	}
	if _, err := keys.Ensure(keystore.DefaultKeyName); err != nil {
		t.Fatalf("failed to ensure default key: %v", err)
	}

	st := store.NewMemory(0, 0, clk)
	tr := tracker.New(router)
	t.Cleanup(func() { tr.Close() })

	// Serve the sync protocol the way the daemon does, so prime fetches
	// between test nodes work.
	h.SetStreamHandler(protocol.SyncProtocolID, protocol.NewHandler(st).HandleStream)
	fetcher := protocol.NewFetcherWithClock(h, clk)

	res := NewWithClock(keys, st, tr, fetcher, cacheTrust, clk)
	t.Cleanup(func() { res.Close() })

	pub := publisher.NewWithClock(keys, st, tr, fetcher, clk)
	t.Cleanup(func() { pub.Close() })

	return &testNode{host: h, tracker: tr, store: st, keys: keys, clock: clk, resolver: res, pub: pub}
}

func mockNow(t *testing.T) *clock.Mock {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Now())
	return mock
}

func genIdentity(t *testing.T) (crypto.PrivKey, peer.ID) {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("failed to derive peer ID: %v", err)
	}
	return priv, pid
}

func buildRaw(t *testing.T, priv crypto.PrivKey, value string, seq uint64, validity time.Time) (*namerec.Record, []byte) {
	t.Helper()
	rec, err := namerec.Build(priv, value, seq, validity)
	if err != nil {
		t.Fatalf("failed to build record: %v", err)
	}
	raw, err := namerec.Marshal(rec)
	if err != nil {
		t.Fatalf("failed to marshal record: %v", err)
	}
	return rec, raw
}

func TestSelfResolutionAfterPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newTestNode(t, ctx, 0, mockNow(t))

	res, err := n.pub.Publish(ctx, "/ipfs/bafyself", publisher.Options{})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Zero timeout: any network wait would fail the resolve.
	value, err := n.resolver.Resolve(ctx, res.Name, Options{})
	if err != nil {
		t.Fatalf("Self-resolve failed: %v", err)
	}
	if value != "/ipfs/bafyself" {
		t.Errorf("Value mismatch: %q", value)
	}
}

func TestSelfResolutionBeforePublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newTestNode(t, ctx, 0, mockNow(t))

	pid, err := n.keys.PeerID(keystore.DefaultKeyName)
	if err != nil {
		t.Fatalf("PeerID failed: %v", err)
	}
	_, err = n.resolver.Resolve(ctx, pid, Options{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMonotonicSequenceOrderIndependent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for name, reversed := range map[string]bool{"ascending": false, "descending": true} {
		t.Run(name, func(t *testing.T) {
			mock := mockNow(t)
			n := newTestNode(t, ctx, -1, mock)

			priv, pid := genIdentity(t)
			topic, err := n.resolver.Subscribe(pid)
			if err != nil {
				t.Fatalf("Subscribe failed: %v", err)
			}
			handler := n.resolver.ingestHandler(pid, topic)

			_, raw1 := buildRaw(t, priv, "/ipfs/bafyone", 1, mock.Now().Add(time.Hour))
			_, raw2 := buildRaw(t, priv, "/ipfs/bafytwo", 2, mock.Now().Add(time.Hour))
			if reversed {
				handler(pid, raw2)
				handler(pid, raw1)
			} else {
				handler(pid, raw1)
				handler(pid, raw2)
			}

			value, err := n.resolver.Resolve(ctx, pid, Options{})
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if value != "/ipfs/bafytwo" {
				t.Errorf("Expected highest sequence to win, got %q", value)
			}
		})
	}
}

func TestForgedRecordNeverResolves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := mockNow(t)
	n := newTestNode(t, ctx, -1, mock)

	victimPriv, victim := genIdentity(t)
	attackerPriv, _ := genIdentity(t)

	topic, err := n.resolver.Subscribe(victim)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	handler := n.resolver.ingestHandler(victim, topic)

	// Forged record under the victim's topic, high sequence.
	_, forged := buildRaw(t, attackerPriv, "/ipfs/bafyevil", 99, mock.Now().Add(time.Hour))
	handler(victim, forged)

	if _, err := n.resolver.Resolve(ctx, victim, Options{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Forged record satisfied resolve: %v", err)
	}

	// A legitimate lower-sequence record still wins.
	_, legit := buildRaw(t, victimPriv, "/ipfs/bafyreal", 1, mock.Now().Add(time.Hour))
	handler(victim, legit)
	handler(victim, forged) // arrival order must not matter

	value, err := n.resolver.Resolve(ctx, victim, Options{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if value != "/ipfs/bafyreal" {
		t.Errorf("Expected legitimate value, got %q", value)
	}
}

func TestMalformedRecordIgnored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newTestNode(t, ctx, -1, mockNow(t))

	_, pid := genIdentity(t)
	topic, err := n.resolver.Subscribe(pid)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	handler := n.resolver.ingestHandler(pid, topic)

	handler(pid, []byte("not a record at all"))
	handler(pid, nil)

	if _, err := n.resolver.Resolve(ctx, pid, Options{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after garbage input, got %v", err)
	}
}

func TestResolveTimeoutBounded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := mockNow(t)
	n := newTestNode(t, ctx, 0, mock)

	_, pid := genIdentity(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := n.resolver.Resolve(ctx, pid, Options{Timeout: time.Second})
		errCh <- err
	}()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case err := <-errCh:
			if !errors.Is(err, ErrResolveTimeout) {
				t.Fatalf("Expected ErrResolveTimeout, got %v", err)
			}
			return
		case <-deadline:
			t.Fatal("Resolve did not terminate")
		default:
			mock.Add(200 * time.Millisecond)
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestTimeoutLeavesSubscriptionActive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := mockNow(t)
	n := newTestNode(t, ctx, 0, mock)

	_, pid := genIdentity(t)
	topic := topics.ForPeer(pid)

	errCh := make(chan error, 1)
	go func() {
		_, err := n.resolver.Resolve(ctx, pid, Options{Timeout: time.Second})
		errCh <- err
	}()

	deadline := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case <-errCh:
			done = true
		case <-deadline:
			t.Fatal("Resolve did not terminate")
		default:
			mock.Add(200 * time.Millisecond)
			time.Sleep(5 * time.Millisecond)
		}
	}

	if refs := n.tracker.Refs(topic); refs != 1 {
		t.Errorf("Expected subscription to survive the timeout, refs %d", refs)
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newTestNode(t, ctx, 0, mockNow(t))

	_, pid := genIdentity(t)
	topic, err := n.resolver.Subscribe(pid)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := n.resolver.Subscribe(pid); err != nil {
		t.Fatalf("Second subscribe failed: %v", err)
	}

	// One tracker ref, one handler: the listener registers once per topic.
	if refs := n.tracker.Refs(topic); refs != 1 {
		t.Errorf("Expected 1 ref, got %d", refs)
	}
}

func TestCacheTrustNegativeAlwaysTrusts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := mockNow(t)
	n := newTestNode(t, ctx, -1, mock)

	priv, pid := genIdentity(t)
	rec, raw := buildRaw(t, priv, "/ipfs/bafycached", 1, mock.Now().Add(time.Hour))
	if _, err := n.store.Put(pid, rec, raw); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Never confirmed live this process, still trusted.
	value, err := n.resolver.Resolve(ctx, pid, Options{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if value != "/ipfs/bafycached" {
		t.Errorf("Value mismatch: %q", value)
	}
}

func TestCacheTrustZeroWaitsForLiveRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := mockNow(t)
	n := newTestNode(t, ctx, 0, mock)

	priv, pid := genIdentity(t)
	rec, raw := buildRaw(t, priv, "/ipfs/bafystale", 1, mock.Now().Add(time.Hour))
	if _, err := n.store.Put(pid, rec, raw); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Cache alone never satisfies an always-wait policy.
	if _, err := n.resolver.Resolve(ctx, pid, Options{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	topic, err := n.resolver.Subscribe(pid)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	handler := n.resolver.ingestHandler(pid, topic)

	valueCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		v, err := n.resolver.Resolve(ctx, pid, Options{Timeout: time.Minute})
		if err != nil {
			errCh <- err
			return
		}
		valueCh <- v
	}()

	// A live arrival of the same record (a rebroadcast) satisfies the
	// waiting call even though the cache does not advance.
	time.Sleep(100 * time.Millisecond)
	mock.Add(time.Millisecond)
	handler(pid, raw)

	select {
	case v := <-valueCh:
		if v != "/ipfs/bafystale" {
			t.Errorf("Value mismatch: %q", v)
		}
	case err := <-errCh:
		t.Fatalf("Resolve failed: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("Resolve did not wake on live record")
	}
}

func TestCacheTrustWindowExpires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := mockNow(t)
	n := newTestNode(t, ctx, 10*time.Minute, mock)

	priv, pid := genIdentity(t)
	topic, err := n.resolver.Subscribe(pid)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	handler := n.resolver.ingestHandler(pid, topic)

	_, raw := buildRaw(t, priv, "/ipfs/bafywin", 1, mock.Now().Add(24*time.Hour))
	handler(pid, raw)

	// Inside the trust window the confirmed cache satisfies a no-wait call.
	value, err := n.resolver.Resolve(ctx, pid, Options{})
	if err != nil {
		t.Fatalf("Resolve inside window failed: %v", err)
	}
	if value != "/ipfs/bafywin" {
		t.Errorf("Value mismatch: %q", value)
	}

	// Past the window the same call needs the network again.
	mock.Add(11 * time.Minute)
	if _, err := n.resolver.Resolve(ctx, pid, Options{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound past trust window, got %v", err)
	}
}

func TestExpiredRecordNotResolved(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := mockNow(t)
	n := newTestNode(t, ctx, -1, mock)

	priv, pid := genIdentity(t)
	rec, raw := buildRaw(t, priv, "/ipfs/bafybrief", 1, mock.Now().Add(time.Minute))
	if _, err := n.store.Put(pid, rec, raw); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	mock.Add(2 * time.Minute)

	if _, err := n.resolver.Resolve(ctx, pid, Options{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for expired record, got %v", err)
	}
}

func TestResolveRemotePublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestNode(t, ctx, -1, clock.New())
	b := newTestNode(t, ctx, -1, clock.New())

	err := b.host.Connect(ctx, peer.AddrInfo{ID: a.host.ID(), Addrs: a.host.Addrs()})
	if err != nil {
		t.Fatalf("failed to connect hosts: %v", err)
	}

	res, err := a.pub.Publish(ctx, "/ipfs/QmTestZoZU", publisher.Options{})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// B confirms A is on the topic before resolving, then converges via
	// the prime fetch without waiting for a republish.
	topic, err := b.resolver.Subscribe(res.Name)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := b.tracker.WaitForSubscriber(ctx, topic, a.host.ID(), tracker.DefaultRetryPolicy); err != nil {
		t.Fatalf("WaitForSubscriber failed: %v", err)
	}

	value, err := b.resolver.Resolve(ctx, res.Name, Options{Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if value != "/ipfs/QmTestZoZU" {
		t.Errorf("Value mismatch: %q", value)
	}
}

func TestResolveWakesOnLivePublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestNode(t, ctx, 0, clock.New())
	b := newTestNode(t, ctx, 0, clock.New())

	err := b.host.Connect(ctx, peer.AddrInfo{ID: a.host.ID(), Addrs: a.host.Addrs()})
	if err != nil {
		t.Fatalf("failed to connect hosts: %v", err)
	}

	selfPID, err := a.keys.PeerID(keystore.DefaultKeyName)
	if err != nil {
		t.Fatalf("PeerID failed: %v", err)
	}

	topic, err := b.resolver.Subscribe(selfPID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := a.tracker.EnsureSubscribed(topic, nil); err != nil {
		t.Fatalf("EnsureSubscribed failed: %v", err)
	}
	if err := a.tracker.WaitForSubscriber(ctx, topic, b.host.ID(), tracker.DefaultRetryPolicy); err != nil {
		t.Fatalf("WaitForSubscriber failed: %v", err)
	}

	valueCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		v, err := b.resolver.Resolve(ctx, selfPID, Options{Timeout: 30 * time.Second})
		if err != nil {
			errCh <- err
			return
		}
		valueCh <- v
	}()

	time.Sleep(200 * time.Millisecond)
	if _, err := a.pub.Publish(ctx, "/ipfs/bafylive", publisher.Options{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case v := <-valueCh:
		if v != "/ipfs/bafylive" {
			t.Errorf("Value mismatch: %q", v)
		}
	case err := <-errCh:
		t.Fatalf("Resolve failed: %v", err)
	case <-time.After(20 * time.Second):
		t.Fatal("Resolve never woke on the live publish")
	}
}
