// Package transport carries the three peer protocols over plain TCP with
// line-delimited JSON framing, one exchange per connection. It is the
// command/event seam the swarm consumes; a production overlay with
// multiplexed, encrypted streams can replace it behind the same
// interfaces.
package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dragoonfly-net/dragoonfly/identity"
	"github.com/dragoonfly-net/dragoonfly/logger"
	"github.com/dragoonfly-net/dragoonfly/protocol/blockinfo"
	"github.com/dragoonfly-net/dragoonfly/protocol/discover"
	"github.com/dragoonfly-net/dragoonfly/protocol/transfer"
)

var log = logger.New("transport")

const (
	dialTimeout    = 10 * time.Second
	requestTimeout = 15 * time.Second
	payloadTimeout = 60 * time.Second
)

// Message types on the wire. Every request opens with a hello-carrying
// envelope so the responder learns who is talking and how to dial back.
const (
	msgHello         = "hello"
	msgPing          = "ping"
	msgPong          = "pong"
	msgFindNode      = "find_node"
	msgNodes         = "nodes"
	msgProvide       = "provide"
	msgFindProviders = "find_providers"
	msgProviders     = "providers"
	msgBlockInfo     = "block_info"
	msgBlockInfoResp = "block_info_resp"
	msgGetBlock      = "get_block"
	msgBlock         = "block"
	msgOffer         = "offer"
	msgDecision      = "decision"
	msgPayload       = "payload"
	msgOutcome       = "outcome"
	msgOK            = "ok"
	msgError         = "error"
)

// envelope is the single wire frame: a type tag, the sender's identity and
// advertised listen address, and a type-specific body.
type envelope struct {
	Type string          `json:"type"`
	From string          `json:"from,omitempty"`
	Addr string          `json:"addr,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

type errorBody struct {
	Message string `json:"message"`
}

type findNodeBody struct {
	Target string `json:"target"`
}

type nodesBody struct {
	Nodes []wireNode `json:"nodes"`
}

type wireNode struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

type provideBody struct {
	FileHash string `json:"file_hash"`
	Peer     string `json:"peer"`
	Addr     string `json:"addr"`
}

type fileBody struct {
	FileHash string `json:"file_hash"`
}

type providersBody struct {
	Records []wireProvider `json:"records"`
}

type wireProvider struct {
	Peer        string    `json:"peer"`
	Addr        string    `json:"addr"`
	PublishedAt time.Time `json:"published_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type blockInfoRespBody struct {
	Peer       string   `json:"peer"`
	FileHash   string   `json:"file_hash"`
	Blocks     []string `json:"blocks"`
	Descriptor []byte   `json:"descriptor,omitempty"`
}

type getBlockBody struct {
	FileHash  string `json:"file_hash"`
	BlockHash string `json:"block_hash"`
}

type blockBody struct {
	Data []byte `json:"data"`
}

type offerBody struct {
	FileHash   string `json:"file_hash"`
	BlockHash  string `json:"block_hash"`
	Size       int64  `json:"size"`
	Commitment []byte `json:"commitment"`
}

type decisionBody struct {
	Accept bool   `json:"accept"`
	Reason string `json:"reason,omitempty"`
}

type payloadBody struct {
	Data []byte `json:"data"`
}

type outcomeBody struct {
	Stored bool   `json:"stored"`
	Reason string `json:"reason,omitempty"`
}

// Handler is the inbound half the swarm supplies: it answers block-info
// and block requests from the local store, admits inbound offers through
// the accountant, serves discovery queries, and learns about peers that
// connected to us.
type Handler interface {
	HandleBlockInfo(fileHash string) (blockinfo.Response, error)
	HandleGetBlock(fileHash, blockHash string) ([]byte, error)
	HandleProvide(fileHash string, rec discover.ProviderRecord) error
	HandleFindProviders(fileHash string) ([]discover.ProviderRecord, error)
	HandleFindNode(target identity.ID) ([]*discover.Node, error)
	Receiver() transfer.ReceiverDeps
	PeerConnected(id identity.ID, addr identity.Multiaddr)
}

// Transport is both the client side (it implements swarm.Network) and the
// server side (accept loops for active listeners) of the TCP adapter.
type Transport struct {
	self identity.ID

	mu        sync.Mutex
	advert    identity.Multiaddr                 // listen address advertised in outbound hellos
	book      map[identity.ID]identity.Multiaddr // last known dialable address per peer
	listeners map[string]net.Listener
	pending   map[string]net.Conn // accepted offers awaiting their payload, keyed dest:block

	handler Handler
	closed  chan struct{}
}

// New returns a Transport for the given local identity. The Handler is
// attached later (SetHandler) because the swarm that implements it is
// constructed with the transport as its Network.
func New(self identity.ID) *Transport {
	return &Transport{
		self:      self,
		book:      make(map[identity.ID]identity.Multiaddr),
		listeners: make(map[string]net.Listener),
		pending:   make(map[string]net.Conn),
		closed:    make(chan struct{}),
	}
}

// SetHandler attaches the inbound request handler. Must be called before
// Listen.
func (t *Transport) SetHandler(h Handler) { t.handler = h }

// Close shuts every listener down and drops pending transfer connections.
func (t *Transport) Close() {
	select {
	case <-t.closed:
		return
	default:
		close(t.closed)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.listeners {
		l.Close()
	}
	for _, c := range t.pending {
		c.Close()
	}
}

func (t *Transport) record(id identity.ID, addr identity.Multiaddr) {
	if id == "" || id == t.self || addr.Host == "" {
		return
	}
	t.mu.Lock()
	t.book[id] = addr
	t.mu.Unlock()
}

func (t *Transport) resolve(id identity.ID) (identity.Multiaddr, error) {
	t.mu.Lock()
	addr, ok := t.book[id]
	t.mu.Unlock()
	if !ok {
		return identity.Multiaddr{}, fmt.Errorf("transport: no known address for peer %s", id)
	}
	return addr, nil
}

func (t *Transport) hello() (from, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.advert
	a.Peer = t.self
	return string(t.self), a.String()
}

// connect opens a fresh connection and returns JSON codecs bound to it.
func (t *Transport) connect(addr identity.Multiaddr) (net.Conn, *json.Encoder, *json.Decoder, error) {
	conn, err := net.DialTimeout("tcp", addr.HostPort(), dialTimeout)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("transport: dial %s: %w", addr.HostPort(), err)
	}
	return conn, json.NewEncoder(conn), json.NewDecoder(conn), nil
}

// roundTrip performs one request/response exchange on a fresh connection.
func (t *Transport) roundTrip(addr identity.Multiaddr, req envelope, timeout time.Duration) (envelope, error) {
	conn, enc, dec, err := t.connect(addr)
	if err != nil {
		return envelope{}, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))
	req.From, req.Addr = t.hello()
	if err := enc.Encode(&req); err != nil {
		return envelope{}, fmt.Errorf("transport: send %s: %w", req.Type, err)
	}
	var resp envelope
	if err := dec.Decode(&resp); err != nil {
		return envelope{}, fmt.Errorf("transport: await reply to %s: %w", req.Type, err)
	}
	if resp.Type == msgError {
		var eb errorBody
		json.Unmarshal(resp.Body, &eb)
		return envelope{}, fmt.Errorf("transport: remote error: %s", eb.Message)
	}
	return resp, nil
}

func mustBody(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// All body types are plain structs of JSON-safe fields.
		panic(err)
	}
	return b
}

// Dial performs a hello exchange with addr, verifying reachability and
// recording the peer's address for later protocol requests.
func (t *Transport) Dial(addr identity.Multiaddr) error {
	resp, err := t.roundTrip(addr, envelope{Type: msgHello}, requestTimeout)
	if err != nil {
		return err
	}
	if resp.From != "" {
		if addr.Peer != "" && string(addr.Peer) != resp.From {
			return fmt.Errorf("transport: dialed %s but peer identified as %s", addr.Peer, resp.From)
		}
		t.record(identity.ID(resp.From), stripPeer(addr, identity.ID(resp.From)))
	} else if addr.Peer != "" {
		t.record(addr.Peer, addr)
	}
	return nil
}

// stripPeer normalizes a dialed address into the book entry for id.
func stripPeer(addr identity.Multiaddr, id identity.ID) identity.Multiaddr {
	addr.Peer = id
	return addr
}

// Listen binds a TCP listener for addr and starts its accept loop.
func (t *Transport) Listen(addr identity.Multiaddr) error {
	l, err := net.Listen("tcp", addr.HostPort())
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr.HostPort(), err)
	}
	t.mu.Lock()
	t.listeners[addr.String()] = l
	if t.advert.Host == "" {
		t.advert = addr
	}
	t.mu.Unlock()
	go t.acceptLoop(l)
	return nil
}

// RemoveListener closes the listener bound for addr.
func (t *Transport) RemoveListener(addr identity.Multiaddr) error {
	t.mu.Lock()
	l, ok := t.listeners[addr.String()]
	if ok {
		delete(t.listeners, addr.String())
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no listener for %s", addr)
	}
	return l.Close()
}

func (t *Transport) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-t.closed:
			default:
				log.Debugf("accept: %v", err)
			}
			return
		}
		go t.serve(conn)
	}
}

// serve handles one inbound exchange. The transfer protocol is the one
// multi-round case: after an accepted offer the payload arrives on the
// same connection, so the reservation token never has to be correlated
// across connections.
func (t *Transport) serve(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(requestTimeout))
	enc, dec := json.NewEncoder(conn), json.NewDecoder(conn)

	var req envelope
	if err := dec.Decode(&req); err != nil {
		return
	}
	if req.From != "" {
		if addr, err := identity.ParseMultiaddr(req.Addr); err == nil {
			t.record(identity.ID(req.From), addr)
			t.handler.PeerConnected(identity.ID(req.From), addr)
		}
	}

	reply := func(typ string, body interface{}) {
		from, addr := t.hello()
		enc.Encode(&envelope{Type: typ, From: from, Addr: addr, Body: mustBody(body)})
	}
	fail := func(err error) {
		reply(msgError, errorBody{Message: err.Error()})
	}

	switch req.Type {
	case msgHello, msgPing:
		typ := msgOK
		if req.Type == msgPing {
			typ = msgPong
		}
		reply(typ, nil)

	case msgFindNode:
		var b findNodeBody
		if err := json.Unmarshal(req.Body, &b); err != nil {
			fail(err)
			return
		}
		nodes, err := t.handler.HandleFindNode(identity.ID(b.Target))
		if err != nil {
			fail(err)
			return
		}
		out := make([]wireNode, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, wireNode{ID: string(n.ID), Addr: n.Addr.String()})
		}
		reply(msgNodes, nodesBody{Nodes: out})

	case msgProvide:
		var b provideBody
		if err := json.Unmarshal(req.Body, &b); err != nil {
			fail(err)
			return
		}
		addr, _ := identity.ParseMultiaddr(b.Addr)
		rec := discover.ProviderRecord{
			Peer: identity.ID(b.Peer), Addr: addr,
			PublishedAt: time.Now(), ExpiresAt: time.Now().Add(24 * time.Hour),
		}
		if err := t.handler.HandleProvide(b.FileHash, rec); err != nil {
			fail(err)
			return
		}
		reply(msgOK, nil)

	case msgFindProviders:
		var b fileBody
		if err := json.Unmarshal(req.Body, &b); err != nil {
			fail(err)
			return
		}
		recs, err := t.handler.HandleFindProviders(b.FileHash)
		if err != nil {
			fail(err)
			return
		}
		out := make([]wireProvider, 0, len(recs))
		for _, r := range recs {
			out = append(out, wireProvider{
				Peer: string(r.Peer), Addr: r.Addr.String(),
				PublishedAt: r.PublishedAt, ExpiresAt: r.ExpiresAt,
			})
		}
		reply(msgProviders, providersBody{Records: out})

	case msgBlockInfo:
		var b fileBody
		if err := json.Unmarshal(req.Body, &b); err != nil {
			fail(err)
			return
		}
		resp, err := t.handler.HandleBlockInfo(b.FileHash)
		if err != nil {
			fail(err)
			return
		}
		reply(msgBlockInfoResp, blockInfoRespBody{
			Peer: string(resp.Peer), FileHash: resp.FileHash,
			Blocks: resp.Blocks, Descriptor: resp.Descriptor,
		})

	case msgGetBlock:
		var b getBlockBody
		if err := json.Unmarshal(req.Body, &b); err != nil {
			fail(err)
			return
		}
		data, err := t.handler.HandleGetBlock(b.FileHash, b.BlockHash)
		if err != nil {
			fail(err)
			return
		}
		reply(msgBlock, blockBody{Data: data})

	case msgOffer:
		t.serveTransfer(conn, enc, dec, req)

	default:
		fail(fmt.Errorf("unknown message type %q", req.Type))
	}
}

// serveTransfer runs the receiver half of P3 on a single connection:
// decide on the offer, then (if accepted) await the payload and resolve
// the reservation token by commit or abort.
func (t *Transport) serveTransfer(conn net.Conn, enc *json.Encoder, dec *json.Decoder, req envelope) {
	var b offerBody
	if err := json.Unmarshal(req.Body, &b); err != nil {
		enc.Encode(&envelope{Type: msgError, Body: mustBody(errorBody{Message: err.Error()})})
		return
	}
	offer := transfer.Offer{
		FileHash: b.FileHash, BlockHash: b.BlockHash,
		Size: b.Size, Commitment: b.Commitment,
	}
	deps := t.handler.Receiver()
	decision, tok, err := transfer.Decide(deps, offer)
	if err != nil {
		enc.Encode(&envelope{Type: msgError, Body: mustBody(errorBody{Message: err.Error()})})
		return
	}
	enc.Encode(&envelope{Type: msgDecision, Body: mustBody(decisionBody{Accept: decision.Accept, Reason: decision.Reason})})
	if !decision.Accept {
		return
	}

	conn.SetDeadline(time.Now().Add(payloadTimeout))
	var payloadEnv envelope
	if err := dec.Decode(&payloadEnv); err != nil || payloadEnv.Type != msgPayload {
		// The sender vanished between Accept and Payload; the reservation
		// must not leak.
		deps.Accountant.Abort(tok)
		return
	}
	var pb payloadBody
	if err := json.Unmarshal(payloadEnv.Body, &pb); err != nil {
		deps.Accountant.Abort(tok)
		return
	}
	outcome, _ := transfer.AcceptPayload(deps, offer, tok, pb.Data)
	enc.Encode(&envelope{Type: msgOutcome, Body: mustBody(outcomeBody{Stored: outcome.Stored, Reason: outcome.Reason})})
}

// --- client side: the swarm.Network implementation ---

// Ping round-trips a ping with the peer at addr.
func (t *Transport) Ping(id identity.ID, addr identity.Multiaddr) error {
	if addr.Host == "" {
		var err error
		if addr, err = t.resolve(id); err != nil {
			return err
		}
	}
	resp, err := t.roundTrip(addr, envelope{Type: msgPing}, requestTimeout)
	if err != nil {
		return err
	}
	if resp.Type != msgPong {
		return fmt.Errorf("transport: unexpected reply %q to ping", resp.Type)
	}
	t.record(id, addr)
	return nil
}

// WaitPing is satisfied trivially: a connection-oriented transport proves
// the remote's liveness on every exchange, so there is no separate
// incoming-ping event to wait for.
func (t *Transport) WaitPing(identity.ID) error { return nil }

// FindNode asks the peer at addr for the nodes it knows closest to target.
func (t *Transport) FindNode(to identity.ID, addr identity.Multiaddr, target identity.ID) ([]*discover.Node, error) {
	if addr.Host == "" {
		var err error
		if addr, err = t.resolve(to); err != nil {
			return nil, err
		}
	}
	resp, err := t.roundTrip(addr, envelope{
		Type: msgFindNode, Body: mustBody(findNodeBody{Target: string(target)}),
	}, requestTimeout)
	if err != nil {
		return nil, err
	}
	var b nodesBody
	if err := json.Unmarshal(resp.Body, &b); err != nil {
		return nil, fmt.Errorf("transport: bad nodes reply: %w", err)
	}
	out := make([]*discover.Node, 0, len(b.Nodes))
	for _, wn := range b.Nodes {
		na, err := identity.ParseMultiaddr(wn.Addr)
		if err != nil {
			continue
		}
		out = append(out, discover.NewNode(identity.ID(wn.ID), na))
	}
	return out, nil
}

// Provide publishes a provider record at the remote peer.
func (t *Transport) Provide(to identity.ID, addr identity.Multiaddr, fileHash string, self identity.ID, selfAddr identity.Multiaddr) error {
	if addr.Host == "" {
		var err error
		if addr, err = t.resolve(to); err != nil {
			return err
		}
	}
	_, err := t.roundTrip(addr, envelope{
		Type: msgProvide,
		Body: mustBody(provideBody{FileHash: fileHash, Peer: string(self), Addr: selfAddr.String()}),
	}, requestTimeout)
	return err
}

// FindProviders queries the remote peer's provider records for fileHash.
func (t *Transport) FindProviders(to identity.ID, addr identity.Multiaddr, fileHash string) ([]discover.ProviderRecord, error) {
	if addr.Host == "" {
		var err error
		if addr, err = t.resolve(to); err != nil {
			return nil, err
		}
	}
	resp, err := t.roundTrip(addr, envelope{
		Type: msgFindProviders, Body: mustBody(fileBody{FileHash: fileHash}),
	}, requestTimeout)
	if err != nil {
		return nil, err
	}
	var b providersBody
	if err := json.Unmarshal(resp.Body, &b); err != nil {
		return nil, fmt.Errorf("transport: bad providers reply: %w", err)
	}
	out := make([]discover.ProviderRecord, 0, len(b.Records))
	for _, r := range b.Records {
		ra, _ := identity.ParseMultiaddr(r.Addr)
		out = append(out, discover.ProviderRecord{
			Peer: identity.ID(r.Peer), Addr: ra,
			PublishedAt: r.PublishedAt, ExpiresAt: r.ExpiresAt,
		})
	}
	return out, nil
}

// RequestBlockInfo runs P2 against peer.
func (t *Transport) RequestBlockInfo(peer identity.ID, fileHash string) (blockinfo.Response, error) {
	addr, err := t.resolve(peer)
	if err != nil {
		return blockinfo.Response{}, err
	}
	resp, err := t.roundTrip(addr, envelope{
		Type: msgBlockInfo, Body: mustBody(fileBody{FileHash: fileHash}),
	}, requestTimeout)
	if err != nil {
		return blockinfo.Response{}, err
	}
	var b blockInfoRespBody
	if err := json.Unmarshal(resp.Body, &b); err != nil {
		return blockinfo.Response{}, fmt.Errorf("transport: bad block-info reply: %w", err)
	}
	return blockinfo.Response{
		Peer: identity.ID(b.Peer), FileHash: b.FileHash,
		Blocks: b.Blocks, Descriptor: b.Descriptor, FetchedAt: time.Now(),
	}, nil
}

// RequestBlock pulls one block's bytes from peer.
func (t *Transport) RequestBlock(peer identity.ID, fileHash, blockHash string) ([]byte, error) {
	addr, err := t.resolve(peer)
	if err != nil {
		return nil, err
	}
	resp, err := t.roundTrip(addr, envelope{
		Type: msgGetBlock, Body: mustBody(getBlockBody{FileHash: fileHash, BlockHash: blockHash}),
	}, payloadTimeout)
	if err != nil {
		return nil, err
	}
	var b blockBody
	if err := json.Unmarshal(resp.Body, &b); err != nil {
		return nil, fmt.Errorf("transport: bad block reply: %w", err)
	}
	return b.Data, nil
}

func pendingKey(peer identity.ID, blockHash string) string {
	return string(peer) + ":" + blockHash
}

// SendOffer opens a transfer connection, sends the Offer and returns the
// receiver's Decision. On Accept the connection is parked until the
// matching SendPayload; the in-flight registry guarantees at most one
// outstanding transfer per (peer, block), so the parked-connection key
// cannot collide.
func (t *Transport) SendOffer(peer identity.ID, offer transfer.Offer) (transfer.Decision, error) {
	addr, err := t.resolve(peer)
	if err != nil {
		return transfer.Decision{}, err
	}
	conn, enc, dec, err := t.connect(addr)
	if err != nil {
		return transfer.Decision{}, err
	}
	conn.SetDeadline(time.Now().Add(requestTimeout))
	from, selfAddr := t.hello()
	req := envelope{
		Type: msgOffer, From: from, Addr: selfAddr,
		Body: mustBody(offerBody{
			FileHash: offer.FileHash, BlockHash: offer.BlockHash,
			Size: offer.Size, Commitment: offer.Commitment,
		}),
	}
	if err := enc.Encode(&req); err != nil {
		conn.Close()
		return transfer.Decision{}, fmt.Errorf("transport: send offer: %w", err)
	}
	var resp envelope
	if err := dec.Decode(&resp); err != nil {
		conn.Close()
		return transfer.Decision{}, fmt.Errorf("transport: await decision: %w", err)
	}
	if resp.Type != msgDecision {
		conn.Close()
		return transfer.Decision{}, fmt.Errorf("transport: unexpected reply %q to offer", resp.Type)
	}
	var b decisionBody
	if err := json.Unmarshal(resp.Body, &b); err != nil {
		conn.Close()
		return transfer.Decision{}, fmt.Errorf("transport: bad decision reply: %w", err)
	}
	if !b.Accept {
		conn.Close()
		return transfer.Decision{Accept: false, Reason: b.Reason}, nil
	}
	t.mu.Lock()
	t.pending[pendingKey(peer, offer.BlockHash)] = conn
	t.mu.Unlock()
	return transfer.Decision{Accept: true}, nil
}

// SendPayload streams the block bytes over the connection parked by the
// accepted offer and returns the receiver's Outcome.
func (t *Transport) SendPayload(peer identity.ID, fileHash, blockHash string, payload []byte) (transfer.Outcome, error) {
	key := pendingKey(peer, blockHash)
	t.mu.Lock()
	conn, ok := t.pending[key]
	delete(t.pending, key)
	t.mu.Unlock()
	if !ok {
		return transfer.Outcome{}, fmt.Errorf("transport: no accepted offer pending for %s/%s", peer, blockHash)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(payloadTimeout))
	enc, dec := json.NewEncoder(conn), json.NewDecoder(conn)
	if err := enc.Encode(&envelope{Type: msgPayload, Body: mustBody(payloadBody{Data: payload})}); err != nil {
		return transfer.Outcome{}, fmt.Errorf("transport: send payload: %w", err)
	}
	var resp envelope
	if err := dec.Decode(&resp); err != nil {
		return transfer.Outcome{}, fmt.Errorf("transport: await outcome: %w", err)
	}
	if resp.Type != msgOutcome {
		return transfer.Outcome{}, fmt.Errorf("transport: unexpected reply %q to payload", resp.Type)
	}
	var b outcomeBody
	if err := json.Unmarshal(resp.Body, &b); err != nil {
		return transfer.Outcome{}, fmt.Errorf("transport: bad outcome reply: %w", err)
	}
	return transfer.Outcome{Stored: b.Stored, Reason: b.Reason}, nil
}
