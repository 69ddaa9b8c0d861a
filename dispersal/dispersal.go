// Package dispersal implements the peer-selection policies for a batch of
// blocks: RoundRobin and Random. Both take an ordered list
// of block hashes and a set of reachable peers and produce an assignment,
// surfacing the final distribution even on partial failure the way the
// way a worker reports partial results rather than discarding work
// already done.
package dispersal

import (
	"math/rand"
	"sort"

	"github.com/dragoonfly-net/dragoonfly/dragoonerr"
	"github.com/dragoonfly-net/dragoonfly/identity"
)

// Placement records that blockHash was accepted by peer for fileHash.
type Placement struct {
	Peer      identity.ID
	FileHash  string
	BlockHash string
}

// Result is the final distribution a strategy produces, regardless of
// whether every block was placed.
type Result struct {
	Placed []Placement
}

// Send attempts to place a single block on peer, returning nil if the peer
// accepted it, or a *dragoonerr.Error of kind PeerRefused/InsufficientSpace/
// AlreadyInFlight if the peer was not used for it, in which case the
// strategy tries the next peer. Any other error aborts the whole dispersal.
type Send func(peer identity.ID, fileHash, blockHash string) error

func isRejection(err error) bool {
	de, ok := dragoonerr.As(err)
	if !ok {
		return false
	}
	// AlreadyInFlight counts as a rejection here: a duplicate-suppressed
	// attempt must not consume a dispersal slot, so the strategy moves on
	// to the next peer in order.
	return de.Kind == dragoonerr.PeerRefused || de.Kind == dragoonerr.InsufficientSpace ||
		de.Kind == dragoonerr.AlreadyInFlight
}

// sortedPeers returns peers in a deterministic order, by their base-58
// textual form.
func sortedPeers(peers []identity.ID) []identity.ID {
	out := make([]identity.ID, len(peers))
	copy(out, peers)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoundRobin assigns block[i] to peers[i mod len(peers)], trying the next
// peer in ring order whenever one rejects its offer. It stops
// at the first block that exhausts the full ring, returning NoPeersLeft
// with the partial distribution made so far attached as context.
func RoundRobin(blocks []string, peers []identity.ID, fileHash string, send Send) (Result, error) {
	ordered := sortedPeers(peers)
	if len(ordered) == 0 {
		return Result{}, dragoonerr.New(dragoonerr.NoPeersLeft, "no peers available for dispersal").WithContext(Result{})
	}
	var res Result
	m := len(ordered)
	for i, block := range blocks {
		placed := false
		for attempt := 0; attempt < m; attempt++ {
			peer := ordered[(i+attempt)%m]
			err := send(peer, fileHash, block)
			if err == nil {
				res.Placed = append(res.Placed, Placement{Peer: peer, FileHash: fileHash, BlockHash: block})
				placed = true
				break
			}
			if !isRejection(err) {
				return res, err
			}
		}
		if !placed {
			return res, dragoonerr.New(dragoonerr.NoPeersLeft,
				"no peer accepted block %s after trying the full ring", block).WithContext(res)
		}
	}
	return res, nil
}

// Random independently selects a uniformly random peer per block, retrying
// a fresh random choice (without repeats) whenever one rejects. rng is
// injected so tests are deterministic.
func Random(blocks []string, peers []identity.ID, fileHash string, send Send, rng *rand.Rand) (Result, error) {
	if len(peers) == 0 {
		return Result{}, dragoonerr.New(dragoonerr.NoPeersLeft, "no peers available for dispersal").WithContext(Result{})
	}
	var res Result
	for _, block := range blocks {
		order := rng.Perm(len(peers))
		placed := false
		for _, idx := range order {
			peer := peers[idx]
			err := send(peer, fileHash, block)
			if err == nil {
				res.Placed = append(res.Placed, Placement{Peer: peer, FileHash: fileHash, BlockHash: block})
				placed = true
				break
			}
			if !isRejection(err) {
				return res, err
			}
		}
		if !placed {
			return res, dragoonerr.New(dragoonerr.NoPeersLeft,
				"no peer accepted block %s after trying every known peer", block).WithContext(res)
		}
	}
	return res, nil
}

// Name identifies a strategy by its HTTP-facing string.
type Name string

const (
	StrategyRoundRobin Name = "round_robin"
	StrategyRandom     Name = "random"
)

// ParseName accepts the strategy name from an HTTP request body.
func ParseName(s string) (Name, error) {
	switch Name(s) {
	case StrategyRoundRobin, "":
		return StrategyRoundRobin, nil
	case StrategyRandom:
		return StrategyRandom, nil
	default:
		return "", dragoonerr.New(dragoonerr.BadRequest, "unknown dispersal strategy %q", s)
	}
}

// Disperse runs the named strategy.
func Disperse(name Name, blocks []string, peers []identity.ID, fileHash string, send Send, rng *rand.Rand) (Result, error) {
	switch name {
	case StrategyRandom:
		return Random(blocks, peers, fileHash, send, rng)
	default:
		return RoundRobin(blocks, peers, fileHash, send)
	}
}
