package discover

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/dragoonfly-net/dragoonfly/identity"
	"github.com/dragoonfly-net/dragoonfly/logger"
	"github.com/dragoonfly-net/dragoonfly/protocol/discover/netutil"
)

// hostIP resolves a multiaddr host to an IP for IP-limiting purposes. Hosts
// that are not literal IPs (unexpected outside of tests) are treated as
// unlimited; rejecting them outright would break test fixtures.
func hostIP(host string) (net.IP, bool) {
	ip := net.ParseIP(host)
	return ip, ip != nil
}

const (
	alpha           = 3  // concurrency factor for lookups
	bucketSize      = 16 // max live entries per bucket
	maxReplacements = 10 // size of the per-bucket replacement list

	hashBits          = len(hash{}) * 8
	nBuckets          = hashBits + 1
	bucketMinDistance = hashBits - nBuckets

	maxBondingPingPongs = 16
	maxFindnodeFailures = 5

	bucketIPLimit, bucketSubnet = 2, 24
	tableIPLimit, tableSubnet   = 10, 24

	autoRefreshInterval = 1 * time.Hour
	seedCount           = 30
	seedMaxAge          = 5 * 24 * time.Hour
)

var log = logger.New("discover")

// transport is implemented by the swarm's connection layer so the table
// can bond with and query peers without depending on swarm directly.
type transport interface {
	Ping(identity.ID, identity.Multiaddr) error
	WaitPing(identity.ID) error
	FindNode(to identity.ID, addr identity.Multiaddr, target identity.ID) ([]*Node, error)
}

type bucket struct {
	entries      []*Node
	replacements []*Node
	ips          netutil.DistinctNetSet
}

type bondproc struct {
	err  error
	n    *Node
	done chan struct{}
}

// Table is the Kademlia-style routing table of known peers: buckets by
// XOR distance, a nursery of bootstrap candidates, and a bonding step
// gating entry.
type Table struct {
	mutex   sync.Mutex
	buckets [nBuckets]*bucket
	nursery []*Node
	db      *nodeDB
	ips     netutil.DistinctNetSet

	refreshReq chan chan struct{}
	closeReq   chan struct{}
	closed     chan struct{}
	initDone   chan struct{}

	bondmu    sync.Mutex
	bonding   map[identity.ID]*bondproc
	bondslots chan struct{}

	nodeAddedHook func(*Node)

	net  transport
	self *Node
}

// NewTable opens (or creates) the routing table for the local node. dbPath
// empty means an in-memory node database.
func NewTable(t transport, self *Node, dbPath string) (*Table, error) {
	db, err := newNodeDB(dbPath)
	if err != nil {
		return nil, err
	}
	tab := &Table{
		net:        t,
		db:         db,
		self:       self,
		bonding:    make(map[identity.ID]*bondproc),
		bondslots:  make(chan struct{}, maxBondingPingPongs),
		refreshReq: make(chan chan struct{}),
		closeReq:   make(chan struct{}),
		closed:     make(chan struct{}),
		initDone:   make(chan struct{}),
		ips:        netutil.DistinctNetSet{Subnet: tableSubnet, Limit: tableIPLimit},
	}
	for i := 0; i < cap(tab.bondslots); i++ {
		tab.bondslots <- struct{}{}
	}
	for i := range tab.buckets {
		tab.buckets[i] = &bucket{ips: netutil.DistinctNetSet{Subnet: bucketSubnet, Limit: bucketIPLimit}}
	}
	go tab.refreshLoop()
	return tab, nil
}

// Self returns the local node record.
func (tab *Table) Self() *Node { return tab.self }

// Close terminates the refresh loop and flushes the node database.
func (tab *Table) Close() {
	select {
	case <-tab.closed:
	case tab.closeReq <- struct{}{}:
		<-tab.closed
	}
}

// SetFallbackNodes sets the bootstrap nodes used to join the network when
// the table is otherwise empty.
func (tab *Table) SetFallbackNodes(nodes []*Node) {
	tab.mutex.Lock()
	tab.nursery = append([]*Node(nil), nodes...)
	tab.mutex.Unlock()
	tab.refresh()
}

func (tab *Table) isInitDone() bool {
	select {
	case <-tab.initDone:
		return true
	default:
		return false
	}
}

// Resolve finds a specific node by ID, using the network if it isn't
// already known locally.
func (tab *Table) Resolve(id identity.ID) *Node {
	tab.mutex.Lock()
	for _, b := range tab.buckets {
		for _, n := range b.entries {
			if n.ID == id {
				tab.mutex.Unlock()
				return n
			}
		}
	}
	tab.mutex.Unlock()

	for _, n := range tab.lookup(id, true) {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Lookup returns up to bucketSize nodes closest to id, querying the
// network iteratively.
func (tab *Table) Lookup(id identity.ID) []*Node {
	return tab.lookup(id, true)
}

func (tab *Table) lookup(id identity.ID, refreshIfEmpty bool) []*Node {
	var (
		asked          = make(map[identity.ID]bool)
		reply          = make(chan []*Node, alpha)
		pendingQueries = 0
	)
	target := shaOf(id)
	result := tab.closest(target)
	asked[tab.self.ID] = true

	if len(result.Nodes) == 0 && refreshIfEmpty {
		<-tab.refresh()
		result = tab.closest(target)
	}

	for {
		for _, n := range result.Nodes {
			if pendingQueries >= alpha {
				break
			}
			if asked[n.ID] {
				continue
			}
			asked[n.ID] = true
			pendingQueries++
			go func(n *Node) {
				neighbors, err := tab.net.FindNode(n.ID, n.Addr, id)
				if err != nil {
					fails := tab.db.findFails(n.ID) + 1
					tab.db.updateFindFails(n.ID, fails)
					if fails >= maxFindnodeFailures {
						tab.delete(n)
					}
				}
				reply <- tab.bondAll(neighbors)
			}(n)
		}
		if pendingQueries == 0 {
			break
		}
		for _, n := range <-reply {
			result.Add(n)
		}
		pendingQueries--
	}
	return result.Slice()
}

func (tab *Table) refresh() <-chan struct{} {
	done := make(chan struct{})
	select {
	case tab.refreshReq <- done:
	case <-tab.closed:
		close(done)
	}
	return done
}

func (tab *Table) refreshLoop() {
	var (
		timer   = time.NewTicker(autoRefreshInterval)
		waiting = []chan struct{}{tab.initDone}
		done    = make(chan struct{})
	)
	defer timer.Stop()
	go tab.doRefresh(done)

loop:
	for {
		select {
		case <-timer.C:
			if done == nil {
				done = make(chan struct{})
				go tab.doRefresh(done)
			}
		case req := <-tab.refreshReq:
			waiting = append(waiting, req)
			if done == nil {
				done = make(chan struct{})
				go tab.doRefresh(done)
			}
		case <-done:
			for _, ch := range waiting {
				close(ch)
			}
			waiting = nil
			done = nil
		case <-tab.closeReq:
			break loop
		}
	}
	if done != nil {
		<-done
	}
	for _, ch := range waiting {
		close(ch)
	}
	tab.db.close()
	close(tab.closed)
}

func (tab *Table) doRefresh(done chan struct{}) {
	defer close(done)

	seeds := tab.db.querySeeds(seedCount, seedMaxAge)
	seeds = tab.bondAll(append(seeds, tab.nursery...))
	if log.V(logger.Debug) {
		log.Debugf("refresh: %d seed nodes bonded", len(seeds))
	}
	tab.mutex.Lock()
	tab.stuff(seeds)
	tab.mutex.Unlock()

	tab.lookup(tab.self.ID, false)

	for i := 0; i < 3; i++ {
		tab.lookup(randomID(), false)
	}
}

func randomID() identity.ID {
	var b [8]byte
	rand.Read(b[:])
	seed := int64(binary.BigEndian.Uint64(b[:]))
	return identity.FromSeed(seed).ID
}

func (tab *Table) closest(target hash) *closest {
	c := newClosest(target)
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	for _, b := range tab.buckets {
		for _, n := range b.entries {
			c.Add(n)
		}
	}
	return c
}

func (tab *Table) len() (n int) {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	for _, b := range tab.buckets {
		n += len(b.entries)
	}
	return n
}

// ClosestNodes returns up to max known nodes closest to id, consulting
// only local table state (no network queries). Serving a remote find_node
// must never recurse into a lookup of our own.
func (tab *Table) ClosestNodes(id identity.ID, max int) []*Node {
	c := tab.closest(shaOf(id))
	nodes := c.Slice()
	if len(nodes) > max {
		nodes = nodes[:max]
	}
	return nodes
}

// Len reports how many peers the table currently knows about, used to
// enforce the bootstrap DHT invariant.
func (tab *Table) Len() int { return tab.len() }

func (tab *Table) bondAll(nodes []*Node) []*Node {
	rc := make(chan *Node, len(nodes))
	for i := range nodes {
		go func(n *Node) {
			nn, _ := tab.bond(false, n.ID, n.Addr)
			rc <- nn
		}(nodes[i])
	}
	var result []*Node
	for range nodes {
		if n := <-rc; n != nil {
			result = append(result, n)
		}
	}
	return result
}

// bond establishes (or confirms) a ping/pong bond with a remote node
// before it can be queried or added to the table.
func (tab *Table) bond(pinged bool, id identity.ID, addr identity.Multiaddr) (*Node, error) {
	if id == tab.self.ID {
		return nil, errors.New("discover: is self")
	}
	if pinged && !tab.isInitDone() {
		return nil, errors.New("discover: still initializing")
	}
	node := tab.db.node(id)
	fails := 0
	if node != nil {
		fails = tab.db.findFails(id)
	}
	age := time.Since(tab.db.lastPong(id))

	var result error
	if node == nil || fails > 0 || age > nodeDBNodeExpiration {
		if log.V(logger.Detail) {
			log.Detailf("bonding %s: known=%t fails=%d age=%v", id, node != nil, fails, age)
		}
		tab.bondmu.Lock()
		w := tab.bonding[id]
		if w != nil {
			tab.bondmu.Unlock()
			<-w.done
		} else {
			w = &bondproc{done: make(chan struct{})}
			tab.bonding[id] = w
			tab.bondmu.Unlock()
			tab.pingpong(w, pinged, id, addr)
			tab.bondmu.Lock()
			delete(tab.bonding, id)
			tab.bondmu.Unlock()
		}
		result = w.err
		if result == nil {
			node = w.n
		}
	}
	if node != nil {
		tab.add(node)
		tab.db.updateFindFails(id, 0)
	}
	return node, result
}

func (tab *Table) pingpong(w *bondproc, pinged bool, id identity.ID, addr identity.Multiaddr) {
	<-tab.bondslots
	defer func() { tab.bondslots <- struct{}{} }()

	if w.err = tab.ping(id, addr); w.err != nil {
		close(w.done)
		return
	}
	if !pinged {
		tab.net.WaitPing(id)
	}
	w.n = NewNode(id, addr)
	tab.db.updateNode(w.n)
	close(w.done)
}

func (tab *Table) ping(id identity.ID, addr identity.Multiaddr) error {
	tab.db.updateLastPing(id, time.Now())
	if err := tab.net.Ping(id, addr); err != nil {
		return err
	}
	tab.db.updateLastPong(id, time.Now())
	return nil
}

func (tab *Table) add(n *Node) {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	b := tab.bucketFor(n.sha)
	if !tab.bumpOrAdd(b, n) {
		tab.addReplacement(b, n)
	}
}

// AddSeenNode records a node we have a live connection to (a successful
// dial or an accepted inbound connection), bypassing the bond handshake:
// an established connection is at least as strong an aliveness proof as a
// ping/pong exchange.
func (tab *Table) AddSeenNode(n *Node) {
	if n.ID == tab.self.ID {
		return
	}
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	tab.stuff([]*Node{n})
	tab.db.updateNode(n)
	tab.db.updateLastPong(n.ID, time.Now())
}

func (tab *Table) bucketFor(sha hash) *bucket {
	d := logdist(tab.self.sha, sha)
	if d <= bucketMinDistance {
		return tab.buckets[0]
	}
	return tab.buckets[d-bucketMinDistance-1]
}

func (tab *Table) stuff(nodes []*Node) {
outer:
	for _, n := range nodes {
		if n.ID == tab.self.ID {
			continue
		}
		b := tab.bucketFor(n.sha)
		for _, e := range b.entries {
			if e.ID == n.ID {
				continue outer
			}
		}
		if len(b.entries) < bucketSize {
			b.entries = append(b.entries, n)
			if tab.nodeAddedHook != nil {
				tab.nodeAddedHook(n)
			}
		}
	}
}

func (tab *Table) delete(n *Node) {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	b := tab.bucketFor(n.sha)
	for i, e := range b.entries {
		if e.ID == n.ID {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

func (b *bucket) bump(n *Node) bool {
	for i, e := range b.entries {
		if e.ID == n.ID {
			copy(b.entries[1:], b.entries[:i])
			b.entries[0] = n
			return true
		}
	}
	return false
}

func (tab *Table) bumpOrAdd(b *bucket, n *Node) bool {
	if b.bump(n) {
		return true
	}
	if len(b.entries) >= bucketSize || !tab.addIP(b, n) {
		return false
	}
	b.entries, _ = pushNode(b.entries, n, bucketSize)
	b.replacements = deleteNode(b.replacements, n)
	n.addedAt = time.Now()
	if tab.nodeAddedHook != nil {
		tab.nodeAddedHook(n)
	}
	return true
}

func (tab *Table) addReplacement(b *bucket, n *Node) {
	for _, e := range b.replacements {
		if e.ID == n.ID {
			return
		}
	}
	if !tab.addIP(b, n) {
		return
	}
	var removed *Node
	b.replacements, removed = pushNode(b.replacements, n, maxReplacements)
	if removed != nil {
		tab.removeIP(b, removed)
	}
}

func (tab *Table) addIP(b *bucket, n *Node) bool {
	ip, ok := hostIP(n.Addr.Host)
	if !ok || netutil.IsLAN(ip) {
		return true
	}
	if !tab.ips.Add(ip) {
		return false
	}
	if !b.ips.Add(ip) {
		tab.ips.Remove(ip)
		return false
	}
	return true
}

func (tab *Table) removeIP(b *bucket, n *Node) {
	ip, ok := hostIP(n.Addr.Host)
	if !ok || netutil.IsLAN(ip) {
		return
	}
	tab.ips.Remove(ip)
	b.ips.Remove(ip)
}

func pushNode(list []*Node, n *Node, max int) ([]*Node, *Node) {
	if len(list) < max {
		list = append(list, nil)
	}
	removed := list[len(list)-1]
	copy(list[1:], list)
	list[0] = n
	return list, removed
}

func deleteNode(list []*Node, n *Node) []*Node {
	for i, e := range list {
		if e.ID == n.ID {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
