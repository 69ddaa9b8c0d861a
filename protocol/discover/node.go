// Package discover maintains a Kademlia-style routing table of peers and
// the provider records announcing which peer holds which file's blocks:
// XOR-distance buckets, iterative lookups, and a persistent node database
// for rejoining after restarts.
package discover

import (
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/dragoonfly-net/dragoonfly/identity"
)

// Node is a peer known to the routing table.
type Node struct {
	ID      identity.ID
	Addr    identity.Multiaddr
	sha     hash
	addedAt time.Time
}

// NewNode builds a Node from an identity and multiaddr, precomputing its
// position in the distance metric.
func NewNode(id identity.ID, addr identity.Multiaddr) *Node {
	return &Node{ID: id, Addr: addr, sha: shaOf(id)}
}

func shaOf(id identity.ID) hash {
	return hash(sha3.Sum256([]byte(id)))
}

// closest keeps the bucketSize nodes nearest to Target, sorted by
// ascending distance, deduplicated by ID.
type closest struct {
	Target hash
	Nodes  []*Node
}

func newClosest(target hash) *closest {
	return &closest{Target: target}
}

// Add inserts n in distance order, keeping at most bucketSize entries and
// ignoring duplicates already present.
func (c *closest) Add(n *Node) {
	for _, e := range c.Nodes {
		if e.ID == n.ID {
			return
		}
	}
	if len(c.Nodes) == bucketSize && distcmp(c.Target, n.sha, c.Nodes[len(c.Nodes)-1].sha) >= 0 {
		return
	}
	c.Nodes = append(c.Nodes, n)
	// insertion sort: Nodes stays small (<= bucketSize+1).
	for i := len(c.Nodes) - 1; i > 0; i-- {
		if distcmp(c.Target, c.Nodes[i].sha, c.Nodes[i-1].sha) >= 0 {
			break
		}
		c.Nodes[i], c.Nodes[i-1] = c.Nodes[i-1], c.Nodes[i]
	}
	if len(c.Nodes) > bucketSize {
		c.Nodes = c.Nodes[:bucketSize]
	}
}

// Slice returns the accumulated nodes, nearest first.
func (c *closest) Slice() []*Node {
	return c.Nodes
}
