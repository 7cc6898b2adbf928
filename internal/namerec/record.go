// Package namerec builds, serializes, and validates signed name records.
// A name record is the mutable pointer a peer publishes under its identity:
// an opaque value, a monotonic sequence number, and an expiry bound, all
// covered by the identity's signature.
package namerec

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	mh "github.com/multiformats/go-multihash"
	"github.com/multiformats/go-varint"

	"github.com/spacedatanetwork/sdn-namesys/internal/schema/NRC"
)

var (
	// ErrSigningFailed indicates the private key was unavailable or unusable.
	ErrSigningFailed = errors.New("failed to sign record")
	// ErrMalformedRecord indicates bytes that cannot be parsed as a record.
	ErrMalformedRecord = errors.New("malformed name record")
	// ErrInvalidSignature indicates a record whose signature does not verify
	// against the identity it was published under.
	ErrInvalidSignature = errors.New("record signature verification failed")
	// ErrRecordExpired indicates a record whose validity bound has passed.
	ErrRecordExpired = errors.New("name record expired")
)

// MaxRecordSize caps the size-prefixed wire form of a record. Larger
// buffers are rejected before parsing.
const MaxRecordSize = 10 << 10

// sigPrefix domain-separates record signatures from any other signing the
// same key performs.
const sigPrefix = "sdn-namesys-record:"

// Record is a decoded name record. Records are never mutated after
// creation; a republish produces a new record with a higher sequence.
type Record struct {
	// Value is the opaque resolved target, e.g. "/ipfs/Qm...".
	Value string
	// Sequence is the per-identity version counter.
	Sequence uint64
	// Validity is the instant the record stops being valid (EOL).
	Validity time.Time
	// ValidityType selects how Validity is interpreted.
	ValidityType NRC.ValidityType
	// Signature covers the record preimage, see sigPayload.
	Signature []byte
	// PublicKey is the marshaled publisher key, set only when the
	// publishing identity's peer ID does not embed the key.
	PublicKey []byte

	// validityRaw preserves the exact signed validity bytes so that
	// verification is independent of time formatting round trips.
	validityRaw string
}

// Build constructs and signs a record for value with the given sequence
// and validity bound. The public key is embedded only when it cannot be
// recovered from the peer ID derived from key.
func Build(key crypto.PrivKey, value string, seq uint64, validity time.Time) (*Record, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: no private key", ErrSigningFailed)
	}

	rec := &Record{
		Value:        value,
		Sequence:     seq,
		Validity:     validity.UTC(),
		ValidityType: NRC.ValidityTypeEOL,
		validityRaw:  validity.UTC().Format(time.RFC3339Nano),
	}

	sig, err := key.Sign(sigPayload(rec.Value, rec.validityRaw, rec.ValidityType, rec.Sequence))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	rec.Signature = sig

	pub := key.GetPublic()
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	if _, err := pid.ExtractPublicKey(); err != nil {
		pkBytes, err := crypto.MarshalPublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
		}
		rec.PublicKey = pkBytes
	}
	return rec, nil
}

// Validate checks rec's signature against the public key belonging to pid
// and its validity bound against now. The embedded public key, when
// present, must match pid; otherwise the key is extracted from pid itself.
func Validate(rec *Record, pid peer.ID, now time.Time) error {
	pub, err := publicKeyFor(rec, pid)
	if err != nil {
		return err
	}

	ok, err := pub.Verify(sigPayload(rec.Value, rec.validityString(), rec.ValidityType, rec.Sequence), rec.Signature)
	if err != nil || !ok {
		return ErrInvalidSignature
	}

	switch rec.ValidityType {
	case NRC.ValidityTypeEOL:
		if now.After(rec.Validity) {
			return fmt.Errorf("%w: EOL %s", ErrRecordExpired, rec.Validity.Format(time.RFC3339))
		}
	default:
		return fmt.Errorf("%w: unknown validity type %d", ErrMalformedRecord, rec.ValidityType)
	}
	return nil
}

// Compare orders two records for the same identity: the higher sequence
// wins; for equal sequences the later validity bound wins. Returns
// -1, 0, or 1 as a sorts before, equal to, or after b.
func Compare(a, b *Record) int {
	if a.Sequence != b.Sequence {
		if a.Sequence < b.Sequence {
			return -1
		}
		return 1
	}
	if a.Validity.Before(b.Validity) {
		return -1
	}
	if a.Validity.After(b.Validity) {
		return 1
	}
	return 0
}

// RecordCID derives the content identifier of a marshaled record, used to
// reference records in logs and the sync protocol.
func RecordCID(raw []byte) (cid.Cid, error) {
	hash := sha256.Sum256(raw)
	encoded, err := mh.Encode(hash[:], mh.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, encoded), nil
}

func (r *Record) validityString() string {
	if r.validityRaw != "" {
		return r.validityRaw
	}
	return r.Validity.UTC().Format(time.RFC3339Nano)
}

// publicKeyFor recovers the key a record must verify against. An embedded
// key that does not belong to pid is an authentication failure, not a
// parse failure.
func publicKeyFor(rec *Record, pid peer.ID) (crypto.PubKey, error) {
	if len(rec.PublicKey) > 0 {
		pub, err := crypto.UnmarshalPublicKey(rec.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: embedded public key: %v", ErrMalformedRecord, err)
		}
		if !pid.MatchesPublicKey(pub) {
			return nil, fmt.Errorf("%w: embedded key does not match identity", ErrInvalidSignature)
		}
		return pub, nil
	}
	pub, err := pid.ExtractPublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: no public key for %s", ErrInvalidSignature, pid)
	}
	return pub, nil
}

// sigPayload is the canonical signature preimage: a domain separator,
// varint-framed value and validity strings, the validity type byte, and
// the sequence as 8 big-endian bytes.
func sigPayload(value, validity string, vt NRC.ValidityType, seq uint64) []byte {
	buf := make([]byte, 0, len(sigPrefix)+len(value)+len(validity)+16)
	buf = append(buf, sigPrefix...)
	buf = appendFramed(buf, []byte(value))
	buf = appendFramed(buf, []byte(validity))
	buf = append(buf, byte(vt))
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return append(buf, seqBytes[:]...)
}

func appendFramed(dst, b []byte) []byte {
	dst = append(dst, varint.ToUvarint(uint64(len(b)))...)
	return append(dst, b...)
}
