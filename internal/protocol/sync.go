// Package protocol provides the record sync protocol handlers.
package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/errgroup"

	"github.com/spacedatanetwork/sdn-namesys/internal/namerec"
	"github.com/spacedatanetwork/sdn-namesys/internal/store"
	"github.com/spacedatanetwork/sdn-namesys/internal/topics"
)

// Protocol timeouts
const (
	// DefaultReadTimeout is the timeout for reading from streams
	DefaultReadTimeout = 10 * time.Second
	// DefaultWriteTimeout is the timeout for writing responses
	DefaultWriteTimeout = 10 * time.Second
	// MaxRoutingKeySize caps the routing key a peer may ask about.
	MaxRoutingKeySize = 256
	// fetchConcurrency bounds parallel record fetches across peers.
	fetchConcurrency = 4
)

var log = logging.Logger("namesys-sync")

// SyncProtocolID identifies the record sync protocol.
const SyncProtocolID = "/spacedatanetwork/namesys-sync/1.0.0"

// Message types
const (
	MsgGetRecord byte = 0x01
)

// Response codes
const (
	RespRecord   byte = 0x01
	RespNotFound byte = 0x02
	RespReject   byte = 0x03
)

// ErrNoRecord is returned when no queried peer holds a record.
var ErrNoRecord = errors.New("no record available")

// Handler answers record sync requests from the local store.
type Handler struct {
	store store.RecordStore
}

// NewHandler creates a sync protocol handler backed by the given store.
func NewHandler(st store.RecordStore) *Handler {
	return &Handler{store: st}
}

// HandleStream handles an incoming record sync stream.
func (h *Handler) HandleStream(s network.Stream) {
	defer s.Close()

	if err := s.SetReadDeadline(time.Now().Add(DefaultReadTimeout)); err != nil {
		log.Warnf("Failed to set read deadline: %v", err)
	}

	// Read message type
	msgType := make([]byte, 1)
	if _, err := io.ReadFull(s, msgType); err != nil {
		log.Warnf("Failed to read message type: %v", err)
		return
	}

	switch msgType[0] {
	case MsgGetRecord:
		h.handleGetRecord(s)
	default:
		log.Warnf("Unknown message type: 0x%02x", msgType[0])
		s.Write([]byte{RespReject})
	}
}

func (h *Handler) handleGetRecord(s network.Stream) {
	// Read routing key length (2 bytes)
	keyLenBuf := make([]byte, 2)
	if _, err := io.ReadFull(s, keyLenBuf); err != nil {
		log.Warnf("Failed to read routing key length: %v", err)
		return
	}

	keyLen := binary.BigEndian.Uint16(keyLenBuf)
	if int(keyLen) > MaxRoutingKeySize {
		log.Warnf("Routing key too long: %d > %d", keyLen, MaxRoutingKeySize)
		s.Write([]byte{RespReject})
		return
	}

	// Read routing key
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(s, key); err != nil {
		log.Warnf("Failed to read routing key: %v", err)
		return
	}

	pid, err := topics.PeerFromRoutingKey(key)
	if err != nil {
		log.Warnf("Invalid routing key from %s: %v", s.Conn().RemotePeer().ShortString(), err)
		s.Write([]byte{RespReject})
		return
	}

	if err := s.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout)); err != nil {
		log.Warnf("Failed to set write deadline: %v", err)
	}

	// Lookup record; expired entries read as missing.
	entry, err := h.store.Get(pid)
	if err != nil {
		log.Debugf("No record for %s", pid.ShortString())
		s.Write([]byte{RespNotFound})
		return
	}

	// Send response
	s.Write([]byte{RespRecord})

	// Send record length (4 bytes)
	recLen := make([]byte, 4)
	binary.BigEndian.PutUint32(recLen, uint32(len(entry.Raw)))
	s.Write(recLen)

	// Send record
	s.Write(entry.Raw)

	log.Debugf("Sent %d byte record for %s", len(entry.Raw), pid.ShortString())
}

// Fetcher pulls records from remote peers over the sync protocol.
type Fetcher struct {
	host  host.Host
	clock clock.Clock
}

// NewFetcher creates a record fetcher using the given host for streams.
func NewFetcher(h host.Host) *Fetcher {
	return NewFetcherWithClock(h, clock.New())
}

// NewFetcherWithClock creates a fetcher with an injected clock.
func NewFetcherWithClock(h host.Host, clk clock.Clock) *Fetcher {
	return &Fetcher{host: h, clock: clk}
}

// FetchRecord asks a single peer for its record for target. The record is
// verified against target's identity before it is returned.
func (f *Fetcher) FetchRecord(ctx context.Context, from peer.ID, target peer.ID) (*namerec.Record, []byte, error) {
	s, err := f.host.NewStream(ctx, from, SyncProtocolID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sync stream to %s: %w", from.ShortString(), err)
	}
	defer s.Close()

	deadline := time.Now().Add(DefaultReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.SetDeadline(deadline); err != nil {
		log.Warnf("Failed to set stream deadline: %v", err)
	}

	// Write message type
	if _, err := s.Write([]byte{MsgGetRecord}); err != nil {
		return nil, nil, fmt.Errorf("failed to write message type: %w", err)
	}

	// Write routing key length and key
	key := topics.RoutingKey(target)
	keyLen := make([]byte, 2)
	binary.BigEndian.PutUint16(keyLen, uint16(len(key)))
	s.Write(keyLen)
	s.Write(key)

	// Read response
	resp := make([]byte, 1)
	if _, err := io.ReadFull(s, resp); err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch resp[0] {
	case RespRecord:
	case RespNotFound:
		return nil, nil, ErrNoRecord
	default:
		return nil, nil, fmt.Errorf("sync request rejected by %s", from.ShortString())
	}

	// Read record length
	recLenBuf := make([]byte, 4)
	if _, err := io.ReadFull(s, recLenBuf); err != nil {
		return nil, nil, fmt.Errorf("failed to read record length: %w", err)
	}

	recLen := binary.BigEndian.Uint32(recLenBuf)
	if int(recLen) > namerec.MaxRecordSize {
		return nil, nil, fmt.Errorf("record too large: %d bytes", recLen)
	}

	// Read record
	raw := make([]byte, recLen)
	if _, err := io.ReadFull(s, raw); err != nil {
		return nil, nil, fmt.Errorf("failed to read record: %w", err)
	}

	rec, err := namerec.Unmarshal(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("peer %s sent malformed record: %w", from.ShortString(), err)
	}
	if err := namerec.Validate(rec, target, f.clock.Now()); err != nil {
		return nil, nil, fmt.Errorf("peer %s sent invalid record: %w", from.ShortString(), err)
	}

	return rec, raw, nil
}

// FetchFromPeers queries the given peers for target's record with bounded
// concurrency and returns the newest valid record found. Per-peer failures
// are logged and skipped; ErrNoRecord means no peer had a usable record.
func (f *Fetcher) FetchFromPeers(ctx context.Context, peers []peer.ID, target peer.ID) (*namerec.Record, []byte, error) {
	var (
		mu      sync.Mutex
		best    *namerec.Record
		bestRaw []byte
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	self := f.host.ID()
	for _, p := range peers {
		if p == self {
			continue
		}
		p := p
		g.Go(func() error {
			rec, raw, err := f.FetchRecord(gctx, p, target)
			if err != nil {
				log.Debugf("Fetch from %s failed: %v", p.ShortString(), err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if best == nil || namerec.Compare(rec, best) > 0 {
				best, bestRaw = rec, raw
			}
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if best == nil {
		return nil, nil, ErrNoRecord
	}
	return best, bestRaw, nil
}
