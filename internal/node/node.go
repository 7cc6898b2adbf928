// Package node assembles the libp2p host, record store, and name system
// services into a running daemon.
package node

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	"github.com/multiformats/go-multiaddr"
	mh "github.com/multiformats/go-multihash"

	"github.com/spacedatanetwork/sdn-namesys/internal/config"
	"github.com/spacedatanetwork/sdn-namesys/internal/keystore"
	"github.com/spacedatanetwork/sdn-namesys/internal/protocol"
	"github.com/spacedatanetwork/sdn-namesys/internal/publisher"
	"github.com/spacedatanetwork/sdn-namesys/internal/resolver"
	"github.com/spacedatanetwork/sdn-namesys/internal/store"
	"github.com/spacedatanetwork/sdn-namesys/internal/tracker"
)

var log = logging.Logger("namesys-node")

// Version is announced on the DHT so namesys nodes can find each other.
const Version = "1.0.0"

const (
	// MDNSServiceName tags local-network discovery for namesys peers.
	MDNSServiceName = "sdn-namesys"

	dhtAnnounceInterval = 30 * time.Second
	dhtDiscoverInterval = 60 * time.Second
	peerConnectTimeout  = 10 * time.Second
)

// Node is a running name system daemon: a libp2p host plus the keystore,
// record store, subscription tracker, publisher, and resolver wired
// together from a Config.
type Node struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub

	config    *config.Config
	keys      *keystore.Manager
	store     store.RecordStore
	tracker   *tracker.Tracker
	fetcher   *protocol.Fetcher
	publisher *publisher.Publisher
	resolver  *resolver.Resolver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a node from the given configuration.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	n := &Node{
		config: cfg,
		ctx:    nodeCtx,
		cancel: cancel,
	}

	if err := n.init(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize node: %w", err)
	}

	return n, nil
}

func (n *Node) init() error {
	cfg := n.config

	keys, err := keystore.Open(cfg.Keystore.Dir, cfg.Passphrase())
	if err != nil {
		return fmt.Errorf("failed to open keystore: %w", err)
	}
	n.keys = keys

	ident, err := keys.Ensure(keystore.DefaultKeyName)
	if err != nil {
		return fmt.Errorf("failed to load node identity: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.Network.Listen))
	for _, addr := range cfg.Network.Listen {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return fmt.Errorf("failed to parse listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	connManager, err := connmgr.NewConnManager(
		100,
		cfg.Network.MaxConns,
		connmgr.WithGracePeriod(time.Minute),
	)
	if err != nil {
		return fmt.Errorf("failed to create connection manager: %w", err)
	}

	var ddht *dht.IpfsDHT
	opts := []libp2p.Option{
		libp2p.Identity(ident.PrivKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(websocket.New),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(connManager),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			ddht, err = dht.New(n.ctx, h,
				dht.Mode(dht.ModeAutoServer),
				dht.ProtocolPrefix("/spacedatanetwork"),
			)
			return ddht, err
		}),
		libp2p.NATPortMap(),
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n.host = h
	n.dht = ddht

	ps, err := pubsub.NewGossipSub(n.ctx, n.host)
	if err != nil {
		return fmt.Errorf("failed to create pubsub: %w", err)
	}
	n.pubsub = ps

	switch cfg.Store.Backend {
	case "memory":
		n.store = store.NewMemory(cfg.Store.CacheSize, cfg.CacheTTL(), clock.New())
	default:
		st, err := store.NewSQLite(cfg.Store.Path, clock.New())
		if err != nil {
			return fmt.Errorf("failed to open record store: %w", err)
		}
		n.store = st
	}

	n.host.SetStreamHandler(protocol.SyncProtocolID, protocol.NewHandler(n.store).HandleStream)

	n.tracker = tracker.New(n.pubsub)
	n.fetcher = protocol.NewFetcher(n.host)
	n.publisher = publisher.New(n.keys, n.store, n.tracker, n.fetcher)
	n.resolver = resolver.New(n.keys, n.store, n.tracker, n.fetcher, cfg.CacheTrust())

	log.Infof("Node initialized with peer ID: %s", n.host.ID())
	return nil
}

// Start connects to the network and begins serving name records.
func (n *Node) Start(ctx context.Context) error {
	if err := n.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	for _, addr := range n.config.Network.Bootstrap {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			log.Warnf("Invalid bootstrap address %s: %v", addr, err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			log.Warnf("Invalid bootstrap peer %s: %v", addr, err)
			continue
		}

		n.wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer n.wg.Done()
			cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := n.host.Connect(cctx, pi); err != nil {
				log.Warnf("Failed to connect to bootstrap peer %s: %v", pi.ID, err)
			} else {
				log.Infof("Connected to bootstrap peer: %s", pi.ID)
			}
		}(*pi)
	}

	// Keep the node's own topic live so peers can fetch and confirm its
	// records as soon as it comes up.
	for _, ident := range n.keys.Identities() {
		if _, err := n.resolver.Subscribe(ident.PeerID); err != nil {
			return fmt.Errorf("failed to subscribe to own topic: %w", err)
		}
	}

	n.publisher.StartRebroadcast(n.config.RebroadcastInterval())

	if n.config.Network.EnableMDNS {
		n.wg.Add(1)
		go n.runMDNS()
	}

	n.wg.Add(1)
	go n.runDHTDiscovery()

	log.Infof("Node started, listening on: %v", n.host.Addrs())
	return nil
}

// mdnsNotifee connects to peers discovered on the local network.
type mdnsNotifee struct {
	host host.Host
	ctx  context.Context
}

func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.host.ID() {
		return
	}
	log.Debugf("mDNS discovered peer: %s", pi.ID)

	ctx, cancel := context.WithTimeout(m.ctx, peerConnectTimeout)
	defer cancel()
	if err := m.host.Connect(ctx, pi); err != nil {
		log.Debugf("Failed to connect to mDNS peer %s: %v", pi.ID, err)
	}
}

func (n *Node) runMDNS() {
	defer n.wg.Done()

	service := mdns.NewMdnsService(n.host, MDNSServiceName, &mdnsNotifee{host: n.host, ctx: n.ctx})
	if err := service.Start(); err != nil {
		log.Warnf("Failed to start mDNS discovery: %v", err)
		return
	}
	defer service.Close()

	log.Info("mDNS discovery started")
	<-n.ctx.Done()
}

// runDHTDiscovery announces this node under the namesys rendezvous CID
// and periodically connects to other providers of it.
func (n *Node) runDHTDiscovery() {
	defer n.wg.Done()

	hash := sha256.Sum256([]byte(MDNSServiceName + "/" + Version))
	mhash, err := mh.Encode(hash[:], mh.SHA2_256)
	if err != nil {
		log.Errorf("Failed to build discovery CID: %v", err)
		return
	}
	rendezvous := cid.NewCidV1(cid.Raw, mhash)

	announceTicker := time.NewTicker(dhtAnnounceInterval)
	defer announceTicker.Stop()
	discoverTicker := time.NewTicker(dhtDiscoverInterval)
	defer discoverTicker.Stop()

	n.announceOnDHT(rendezvous)
	n.discoverPeers(rendezvous)

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-announceTicker.C:
			n.announceOnDHT(rendezvous)
		case <-discoverTicker.C:
			n.discoverPeers(rendezvous)
		}
	}
}

func (n *Node) announceOnDHT(c cid.Cid) {
	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()

	if err := n.dht.Provide(ctx, c, true); err != nil {
		log.Debugf("DHT announce failed (will retry): %v", err)
	}
}

func (n *Node) discoverPeers(c cid.Cid) {
	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()

	providers := n.dht.FindProvidersAsync(ctx, c, 20)
	for pi := range providers {
		if pi.ID == n.host.ID() || len(pi.Addrs) == 0 {
			continue
		}
		if n.host.Network().Connectedness(pi.ID) == network.Connected {
			continue
		}

		go func(pi peer.AddrInfo) {
			cctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
			defer cancel()
			if err := n.host.Connect(cctx, pi); err != nil {
				log.Debugf("Failed to connect to discovered peer %s: %v", pi.ID, err)
			} else {
				log.Infof("Connected to discovered namesys peer: %s", pi.ID)
			}
		}(pi)
	}
}

// Stop gracefully shuts down the node.
func (n *Node) Stop() error {
	n.cancel()
	n.wg.Wait()

	if err := n.publisher.Close(); err != nil {
		log.Warnf("Error closing publisher: %v", err)
	}
	if err := n.resolver.Close(); err != nil {
		log.Warnf("Error closing resolver: %v", err)
	}
	if err := n.tracker.Close(); err != nil {
		log.Warnf("Error closing subscription tracker: %v", err)
	}
	if err := n.store.Close(); err != nil {
		log.Warnf("Error closing record store: %v", err)
	}

	if err := n.host.Close(); err != nil {
		return fmt.Errorf("failed to close host: %w", err)
	}

	return nil
}

// PeerID returns the node's peer ID.
func (n *Node) PeerID() peer.ID {
	return n.host.ID()
}

// ListenAddrs returns the node's listen addresses.
func (n *Node) ListenAddrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// Host returns the libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}

// DHT returns the Kademlia DHT instance.
func (n *Node) DHT() *dht.IpfsDHT {
	return n.dht
}

// PubSub returns the GossipSub instance.
func (n *Node) PubSub() *pubsub.PubSub {
	return n.pubsub
}

// Config returns the node configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// Keystore returns the identity manager.
func (n *Node) Keystore() *keystore.Manager {
	return n.keys
}

// Store returns the record store.
func (n *Node) Store() store.RecordStore {
	return n.store
}

// Tracker returns the subscription tracker.
func (n *Node) Tracker() *tracker.Tracker {
	return n.tracker
}

// Publisher returns the record publisher.
func (n *Node) Publisher() *publisher.Publisher {
	return n.publisher
}

// Resolver returns the name resolver.
func (n *Node) Resolver() *resolver.Resolver {
	return n.resolver
}
