// Package topics derives pubsub topic names from peer identities.
package topics

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
)

// TopicPrefix is the prefix for all name-record topics.
const TopicPrefix = "/record/"

// RecordNamespace prefixes routing keys so record keys cannot collide
// with other keyspaces sharing the overlay.
const RecordNamespace = "/sdn-ns/"

// RoutingKey returns the routing key bytes for a peer: the record
// namespace followed by the raw peer ID bytes.
func RoutingKey(pid peer.ID) []byte {
	return append([]byte(RecordNamespace), []byte(pid)...)
}

// ForPeer returns the name-record topic for a peer. The mapping is
// deterministic: one topic per identity, stable for its lifetime.
func ForPeer(pid peer.ID) string {
	return ForRoutingKey(RoutingKey(pid))
}

// ForRoutingKey returns the topic for raw routing key bytes.
func ForRoutingKey(key []byte) string {
	return TopicPrefix + base64.RawURLEncoding.EncodeToString(key)
}

// PeerFromTopic recovers the peer whose records a topic carries.
func PeerFromTopic(topic string) (peer.ID, error) {
	if !strings.HasPrefix(topic, TopicPrefix) {
		return "", fmt.Errorf("not a record topic: %s", topic)
	}
	key, err := base64.RawURLEncoding.DecodeString(topic[len(TopicPrefix):])
	if err != nil {
		return "", fmt.Errorf("failed to decode topic key: %w", err)
	}
	return PeerFromRoutingKey(key)
}

// PeerFromRoutingKey recovers the peer a routing key belongs to.
func PeerFromRoutingKey(key []byte) (peer.ID, error) {
	if !strings.HasPrefix(string(key), RecordNamespace) {
		return "", fmt.Errorf("routing key outside %s namespace", RecordNamespace)
	}
	pid, err := peer.IDFromBytes(key[len(RecordNamespace):])
	if err != nil {
		return "", fmt.Errorf("failed to parse peer ID from routing key: %w", err)
	}
	return pid, nil
}
