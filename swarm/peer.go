package swarm

import (
	"time"

	"gopkg.in/fatih/set.v0"

	"github.com/dragoonfly-net/dragoonfly/identity"
)

const (
	maxQueuedOffers = 64 // outbound block offers queued before being dropped
	maxKnownBlocks  = 4096
)

// Direction records which side initiated a connection, exposed through
// get-network-info's established/pending incoming/outgoing counters
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

// connState is a connection's lifecycle stage.
type connState int

const (
	statePending connState = iota
	stateEstablished
)

// peer is one connected (or pending) remote node: a bounded outbound
// offer queue plus a "known" set to avoid redundant re-offers.
type peer struct {
	id          identity.ID
	addr        identity.Multiaddr
	dir         Direction
	state       connState
	connectedAt time.Time

	knownBlocks set.Interface // block hashes this peer is known to already hold, per connection

	queuedOffers chan queuedOffer
	term         chan struct{}
}

type queuedOffer struct {
	fileHash  string
	blockHash string
	send      func()
}

func newPeer(id identity.ID, addr identity.Multiaddr, dir Direction) *peer {
	return &peer{
		id:           id,
		addr:         addr,
		dir:          dir,
		state:        statePending,
		knownBlocks:  set.New(set.ThreadSafe),
		queuedOffers: make(chan queuedOffer, maxQueuedOffers),
		term:         make(chan struct{}),
	}
}

// broadcast drains queued offers to the remote peer on its own goroutine,
// so a slow or unresponsive peer can never stall the event loop that
// enqueued the offer (mirrors eth.peer.broadcast's rationale exactly).
func (p *peer) broadcast() {
	for {
		select {
		case o := <-p.queuedOffers:
			o.send()
		case <-p.term:
			return
		}
	}
}

func (p *peer) close() {
	select {
	case <-p.term:
	default:
		close(p.term)
	}
}

// markBlock records that the peer is now known to hold blockHash, evicting
// arbitrary entries (set.Pop) first if the bound is reached (same amortized-eviction
// shape as eth.peer.MarkBlock/MarkTransaction).
func (p *peer) markBlock(blockHash string) {
	for p.knownBlocks.Size() >= maxKnownBlocks {
		p.knownBlocks.Pop()
	}
	p.knownBlocks.Add(blockHash)
}

func (p *peer) hasBlock(blockHash string) bool {
	return p.knownBlocks.Has(blockHash)
}

// queueOffer enqueues an outbound block offer's send function. If the
// peer's queue is full, the offer is dropped rather than blocking the
// event loop.
func (p *peer) queueOffer(fileHash, blockHash string, send func()) bool {
	select {
	case p.queuedOffers <- queuedOffer{fileHash, blockHash, send}:
		return true
	default:
		return false
	}
}
