package topics

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
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

func TestForPeerDeterministic(t *testing.T) {
	pid := genPeer(t)

	t1 := ForPeer(pid)
	t2 := ForPeer(pid)
	if t1 != t2 {
		t.Errorf("Topic derivation not deterministic: %s vs %s", t1, t2)
	}
	if !strings.HasPrefix(t1, TopicPrefix) {
		t.Errorf("Topic missing prefix: %s", t1)
	}
}

func TestForPeerDistinct(t *testing.T) {
	a := genPeer(t)
	b := genPeer(t)
	if ForPeer(a) == ForPeer(b) {
		t.Error("Distinct peers should derive distinct topics")
	}
}

func TestPeerFromTopicRoundTrip(t *testing.T) {
	pid := genPeer(t)

	got, err := PeerFromTopic(ForPeer(pid))
	if err != nil {
		t.Fatalf("PeerFromTopic failed: %v", err)
	}
	if got != pid {
		t.Errorf("Peer mismatch: got %s, want %s", got, pid)
	}
}

func TestPeerFromTopicRejects(t *testing.T) {
	cases := []string{
		"",
		"/other/abc",
		TopicPrefix + "!!!not-base64!!!",
		TopicPrefix, // empty key
	}
	for _, topic := range cases {
		if _, err := PeerFromTopic(topic); err == nil {
			t.Errorf("Expected error for topic %q", topic)
		}
	}
}

func TestRoutingKeyNamespace(t *testing.T) {
	pid := genPeer(t)

	key := RoutingKey(pid)
	if !strings.HasPrefix(string(key), RecordNamespace) {
		t.Errorf("Routing key missing namespace: %q", key)
	}
	got, err := PeerFromRoutingKey(key)
	if err != nil {
		t.Fatalf("PeerFromRoutingKey failed: %v", err)
	}
	if got != pid {
		t.Errorf("Peer mismatch: got %s, want %s", got, pid)
	}
}
