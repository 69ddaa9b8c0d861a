// Package swarm is the sole owner of network state: open
// connections, the Kademlia routing table, and pending correlated
// requests. Connection and listener changes go through commands processed
// one at a time from a bounded channel. Block transfers, block fetches,
// block-info requests and provider queries do not: they run on the
// caller's goroutine against the network, routing table and provider
// store directly.
package swarm

import (
	"time"

	"github.com/dragoonfly-net/dragoonfly/dragoonerr"
	"github.com/dragoonfly-net/dragoonfly/identity"
	"github.com/dragoonfly-net/dragoonfly/logger"
	"github.com/dragoonfly-net/dragoonfly/metrics"
	"github.com/dragoonfly-net/dragoonfly/protocol/blockinfo"
	"github.com/dragoonfly-net/dragoonfly/protocol/discover"
	"github.com/dragoonfly-net/dragoonfly/protocol/transfer"
)

var log = logger.New("swarm")

const commandQueueSize = 256

// provideTTL/provideRefreshWindow govern the re-publication loop:
// provider records expire and must be re-published while a provision
// stays active.
const (
	provideTTL           = 24 * time.Hour
	provideRefreshWindow = 1 * time.Hour
	republishInterval    = 15 * time.Minute
)

// Network is the injected overlay transport. Production
// wiring plugs in a real TCP/noise/yamux implementation; tests use a fake.
type Network interface {
	Dial(addr identity.Multiaddr) error
	Listen(addr identity.Multiaddr) error
	RemoveListener(addr identity.Multiaddr) error
	RequestBlockInfo(peer identity.ID, fileHash string) (blockinfo.Response, error)
	RequestBlock(peer identity.ID, fileHash, blockHash string) ([]byte, error)
	SendOffer(peer identity.ID, offer transfer.Offer) (transfer.Decision, error)
	SendPayload(peer identity.ID, fileHash, blockHash string, payload []byte) (transfer.Outcome, error)
	FindNode(to identity.ID, addr identity.Multiaddr, target identity.ID) ([]*discover.Node, error)
	Ping(id identity.ID, addr identity.Multiaddr) error
	WaitPing(id identity.ID) error

	// Provide asks a remote peer to record that self holds blocks for
	// fileHash; FindProviders asks it to
	// report the provider peers it currently knows of.
	Provide(to identity.ID, addr identity.Multiaddr, fileHash string, self identity.ID, selfAddr identity.Multiaddr) error
	FindProviders(to identity.ID, addr identity.Multiaddr, fileHash string) ([]discover.ProviderRecord, error)
}

// NetworkInfo mirrors the get-network-info response body.
type NetworkInfo struct {
	Peers               int
	Pending             int
	Connections         int
	Established         int
	PendingIncoming     int
	PendingOutgoing     int
	EstablishedIncoming int
	EstablishedOutgoing int
}

// command is a unit of work processed strictly in arrival order by the
// event loop. Each command closes over its own reply channel.
type command func(*Swarm)

// ReceiverDeps lets the swarm answer inbound offers from remote peers
// without importing the store/codec packages directly; Deps is supplied
// by the node that owns this swarm.
type ReceiverDeps = transfer.ReceiverDeps

// Swarm is the event-loop owner of all connection and discovery state.
type Swarm struct {
	self      identity.Identity
	net       Network
	table     *discover.Table
	providers *discover.ProviderStore
	infoCache *blockinfo.Cache
	registry  *transfer.InFlightRegistry
	receiver  ReceiverDeps
	local     LocalStore

	peers     map[identity.ID]*peer
	listeners map[string]identity.Multiaddr

	cmdCh   chan command
	closeCh chan struct{}
	done    chan struct{}
}

// selfAddr returns the multiaddr this node advertises to remote peers when
// publishing a provider record: its first active listener, carrying the
// local identity as the p2p component.
func (s *Swarm) selfAddr() identity.Multiaddr {
	for _, a := range s.listeners {
		a.Peer = s.self.ID
		return a
	}
	return identity.Multiaddr{Peer: s.self.ID}
}

// New constructs a Swarm. dbPath/providerPath are "" for throwaway
// discovery state (used by tests): an in-memory node database and a
// temporary provider ledger; infoCacheSize bounds the block-info response
// cache; receiver supplies the accountant/verify/put collaborators used
// to answer inbound block offers.
func New(self identity.Identity, net Network, dbPath, providerPath string, infoCacheSize int, receiver ReceiverDeps) (*Swarm, error) {
	table, err := discover.NewTable(net, discover.NewNode(self.ID, identity.Multiaddr{}), dbPath)
	if err != nil {
		return nil, err
	}
	providers, err := discover.OpenProviderStore(providerPath)
	if err != nil {
		table.Close()
		return nil, err
	}
	cache, err := blockinfo.NewCache(infoCacheSize)
	if err != nil {
		providers.Close()
		table.Close()
		return nil, err
	}
	s := &Swarm{
		self:      self,
		net:       net,
		table:     table,
		providers: providers,
		infoCache: cache,
		registry:  transfer.NewInFlightRegistry(),
		receiver:  receiver,
		peers:     make(map[identity.ID]*peer),
		listeners: make(map[string]identity.Multiaddr),
		cmdCh:     make(chan command, commandQueueSize),
		closeCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.run()
	go s.republishLoop()
	return s, nil
}

// run is the event loop: it processes exactly one command at a time,
// never blocking on external I/O itself.
func (s *Swarm) run() {
	defer close(s.done)
	for {
		select {
		case cmd := <-s.cmdCh:
			cmd(s)
		case <-s.closeCh:
			s.shutdown()
			return
		}
	}
}

func (s *Swarm) shutdown() {
	for _, p := range s.peers {
		p.close()
	}
	s.table.Close()
}

// Close stops the event loop and releases discovery resources.
func (s *Swarm) Close() {
	select {
	case <-s.done:
	default:
		close(s.closeCh)
		<-s.done
	}
}

// submit enqueues a command and blocks until the loop has processed it,
// via the closure's own reply channel convention.
func (s *Swarm) submit(cmd command) {
	select {
	case s.cmdCh <- cmd:
	case <-s.done:
	}
}

// Dial asks the loop to connect to addr, recording a pending connection
// entry until the network confirms it.
func (s *Swarm) Dial(addr identity.Multiaddr) error {
	reply := make(chan error, 1)
	s.submit(func(s *Swarm) {
		if addr.Peer != "" {
			p := newPeer(addr.Peer, addr, Outgoing)
			s.peers[addr.Peer] = p
			go p.broadcast()
		}
		err := s.net.Dial(addr)
		if err == nil && addr.Peer != "" {
			s.peers[addr.Peer].state = stateEstablished
			s.peers[addr.Peer].connectedAt = time.Now()
			s.table.AddSeenNode(discover.NewNode(addr.Peer, addr))
		}
		reply <- err
	})
	return <-reply
}

// DialMultiple dials each address, collecting (not stopping on) errors.
func (s *Swarm) DialMultiple(addrs []identity.Multiaddr) []error {
	errs := make([]error, len(addrs))
	for i, a := range addrs {
		errs[i] = s.Dial(a)
	}
	return errs
}

// PeerConnected records a connection initiated by the remote side, called
// by the transport server when it accepts an identified inbound stream.
// The peer becomes visible to ConnectedPeers/Info and joins the discovery
// table the same way a successfully dialed peer does.
func (s *Swarm) PeerConnected(id identity.ID, addr identity.Multiaddr) {
	if id == "" || id == s.self.ID {
		return
	}
	s.submit(func(s *Swarm) {
		p, ok := s.peers[id]
		if !ok {
			p = newPeer(id, addr, Incoming)
			s.peers[id] = p
			go p.broadcast()
		}
		p.state = stateEstablished
		p.connectedAt = time.Now()
		s.table.AddSeenNode(discover.NewNode(id, addr))
	})
}

// Listen asks the loop to start listening on addr.
func (s *Swarm) Listen(addr identity.Multiaddr) error {
	reply := make(chan error, 1)
	s.submit(func(s *Swarm) {
		err := s.net.Listen(addr)
		if err == nil {
			s.listeners[addr.String()] = addr
			maybeMapExternal(addr.Host, addr.Port)
		}
		reply <- err
	})
	return <-reply
}

// Listeners returns the currently active listen addresses.
func (s *Swarm) Listeners() []identity.Multiaddr {
	reply := make(chan []identity.Multiaddr, 1)
	s.submit(func(s *Swarm) {
		out := make([]identity.Multiaddr, 0, len(s.listeners))
		for _, a := range s.listeners {
			out = append(out, a)
		}
		reply <- out
	})
	return <-reply
}

// RemoveListener stops listening on addr.
func (s *Swarm) RemoveListener(addr identity.Multiaddr) bool {
	reply := make(chan bool, 1)
	s.submit(func(s *Swarm) {
		key := addr.String()
		if _, ok := s.listeners[key]; !ok {
			reply <- false
			return
		}
		delete(s.listeners, key)
		s.net.RemoveListener(addr)
		reply <- true
	})
	return <-reply
}

// ConnectedPeers lists the IDs of peers with an established connection.
func (s *Swarm) ConnectedPeers() []identity.ID {
	reply := make(chan []identity.ID, 1)
	s.submit(func(s *Swarm) {
		var out []identity.ID
		for id, p := range s.peers {
			if p.state == stateEstablished {
				out = append(out, id)
			}
		}
		reply <- out
	})
	return <-reply
}

// Info returns the get-network-info snapshot.
func (s *Swarm) Info() NetworkInfo {
	reply := make(chan NetworkInfo, 1)
	s.submit(func(s *Swarm) {
		var info NetworkInfo
		info.Peers = len(s.peers)
		for _, p := range s.peers {
			switch {
			case p.state == stateEstablished && p.dir == Incoming:
				info.EstablishedIncoming++
			case p.state == stateEstablished && p.dir == Outgoing:
				info.EstablishedOutgoing++
			case p.state == statePending && p.dir == Incoming:
				info.PendingIncoming++
			case p.state == statePending && p.dir == Outgoing:
				info.PendingOutgoing++
			}
		}
		info.Established = info.EstablishedIncoming + info.EstablishedOutgoing
		info.Pending = info.PendingIncoming + info.PendingOutgoing
		info.Connections = info.Established + info.Pending
		reply <- info
	})
	return <-reply
}

// StartProvide announces to the DHT that this node holds blocks for
// fileHash. It requires at
// least one known peer; the file hash doubles as a lookup target in the
// same XOR keyspace node IDs live in, the standard Kademlia content-routing
// trick of treating a content key as if it were a node ID.
func (s *Swarm) StartProvide(fileHash string) error {
	if s.table.Len() == 0 {
		return dragoonerr.New(dragoonerr.DhtError, "start-provide requires at least one known peer")
	}
	metrics.DhtProvides.Mark(1)
	reply := make(chan error, 1)
	s.submit(func(s *Swarm) {
		addr := s.selfAddr()
		rec := discover.ProviderRecord{
			Peer: s.self.ID, Addr: addr,
			PublishedAt: time.Now(), ExpiresAt: time.Now().Add(provideTTL),
		}
		if err := s.providers.Publish(fileHash, rec); err != nil {
			reply <- dragoonerr.Wrap(dragoonerr.IoError, err, "publish local provider record")
			return
		}
		for _, n := range s.table.Lookup(identity.ID(fileHash)) {
			if n.ID == s.self.ID {
				continue
			}
			// Best-effort: one unreachable peer never fails the whole
			// announcement.
			if err := s.net.Provide(n.ID, n.Addr, fileHash, s.self.ID, addr); err != nil {
				log.Debugf("provide to %s failed: %v", n.ID, err)
			}
		}
		reply <- nil
	})
	return <-reply
}

// StopProvide withdraws this node's local provider record for fileHash.
// This does not proactively
// invalidate copies remote peers already cached; those expire on their
// own schedule. A node that stops providing still serves block requests
// for blocks it holds (the other resolved Open Question).
func (s *Swarm) StopProvide(fileHash string) error {
	return s.providers.Unpublish(fileHash, s.self.ID)
}

// FindProviders returns the peers known to hold blocks for fileHash,
// combining the local provider ledger with a DHT lookup against the
// closest known peers in the content's keyspace.
func (s *Swarm) FindProviders(fileHash string) ([]identity.ID, error) {
	metrics.DhtFindProviders.Mark(1)
	now := time.Now()
	seen := make(map[identity.ID]struct{})
	var out []identity.ID
	local, err := s.providers.Providers(fileHash, now)
	if err != nil {
		return nil, dragoonerr.Wrap(dragoonerr.IoError, err, "read local provider records")
	}
	for _, r := range local {
		if _, ok := seen[r.Peer]; !ok {
			seen[r.Peer] = struct{}{}
			out = append(out, r.Peer)
		}
	}
	for _, n := range s.table.Lookup(identity.ID(fileHash)) {
		if n.ID == s.self.ID {
			continue
		}
		recs, err := s.net.FindProviders(n.ID, n.Addr, fileHash)
		if err != nil {
			log.Debugf("find-providers query to %s failed: %v", n.ID, err)
			continue
		}
		for _, r := range recs {
			s.providers.Publish(fileHash, r)
			if _, ok := seen[r.Peer]; !ok {
				seen[r.Peer] = struct{}{}
				out = append(out, r.Peer)
			}
		}
	}
	return out, nil
}

// republishLoop periodically re-publishes this node's active provider
// records before they expire.
func (s *Swarm) republishLoop() {
	ticker := time.NewTicker(republishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.providers.Republish(s.self.ID, time.Now(), provideTTL, provideRefreshWindow); err != nil {
				log.Debugf("republish: %v", err)
			}
		case <-s.done:
			return
		}
	}
}

// GetBlockInfo implements P2: the list of block hashes peer
// currently holds for fileHash, served from the response cache when
// available.
func (s *Swarm) GetBlockInfo(peer identity.ID, fileHash string) (blockinfo.Response, error) {
	if resp, ok := s.infoCache.Get(peer, fileHash); ok {
		return resp, nil
	}
	metrics.BlockInfoOut.Mark(1)
	resp, err := s.net.RequestBlockInfo(peer, fileHash)
	if err != nil {
		return blockinfo.Response{}, dragoonerr.Wrap(dragoonerr.NetworkError, err, "request block info from %s", peer)
	}
	s.infoCache.Put(resp)
	return resp, nil
}

// FetchBlock pulls a single block's bytes directly from peer. This is a
// pull, not the push-style P3 transfer used by
// send-block-to/send-block-list.
func (s *Swarm) FetchBlock(peer identity.ID, fileHash, blockHash string) ([]byte, error) {
	data, err := s.net.RequestBlock(peer, fileHash, blockHash)
	if err != nil {
		return nil, dragoonerr.Wrap(dragoonerr.NetworkError, err, "fetch block %s from %s", blockHash, peer)
	}
	metrics.BlockFetchOut.Mark(1)
	metrics.BlockFetchOutBytes.Mark(int64(len(data)))
	return data, nil
}

// SendBlockTo drives one outbound P3 transfer to completion:
// duplicate suppression via the in-flight registry, then Offer/Payload.
// The registry and net collaborators are individually safe for concurrent
// use from many request tasks, so this runs directly on the caller's
// goroutine rather than the serialized command queue; a long transfer
// must never stall the event loop.
func (s *Swarm) SendBlockTo(dest identity.ID, offer transfer.Offer, payload []byte) error {
	sender, err := transfer.NewSender(s.registry, dest, offer)
	if err != nil {
		return err
	}
	metrics.TransferOffersOut.Mark(1)
	return sender.Run(
		func(o transfer.Offer) (transfer.Decision, error) {
			return s.net.SendOffer(dest, o)
		},
		payload,
		func(b []byte) (transfer.Outcome, error) {
			return s.net.SendPayload(dest, offer.FileHash, offer.BlockHash, b)
		},
	)
}

// Receiver exposes the collaborators needed to answer an inbound Offer on
// this node, for a Network implementation to
// drive against.
func (s *Swarm) Receiver() ReceiverDeps { return s.receiver }
