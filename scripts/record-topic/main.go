// Command record-topic maps a peer ID to its record topic and back, for
// cross-checking gossipsub traffic against a namesys node.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-namesys/internal/topics"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: record-topic <peer-id | /record/...>")
		os.Exit(1)
	}

	arg := os.Args[1]
	if strings.HasPrefix(arg, topics.TopicPrefix) {
		pid, err := topics.PeerFromTopic(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to decode topic: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(pid)
		return
	}

	pid, err := peer.Decode(arg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid peer ID: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(topics.ForPeer(pid))
}
