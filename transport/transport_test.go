package transport

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragoonfly-net/dragoonfly/accountant"
	"github.com/dragoonfly-net/dragoonfly/codec"
	"github.com/dragoonfly-net/dragoonfly/identity"
	"github.com/dragoonfly-net/dragoonfly/protocol/blockinfo"
	"github.com/dragoonfly-net/dragoonfly/protocol/discover"
	"github.com/dragoonfly-net/dragoonfly/protocol/transfer"
)

// memHandler is a Handler backed by in-memory maps, standing in for the
// swarm in wire-level tests.
type memHandler struct {
	mu        sync.Mutex
	self      identity.ID
	blocks    map[string][]byte // blockHash -> payload
	providers map[string][]discover.ProviderRecord
	acct      *accountant.Accountant
	connected []identity.ID
}

func newMemHandler(self identity.ID, budget int64) *memHandler {
	return &memHandler{
		self:      self,
		blocks:    make(map[string][]byte),
		providers: make(map[string][]discover.ProviderRecord),
		acct:      accountant.New(budget),
	}
}

func (h *memHandler) HandleBlockInfo(fileHash string) (blockinfo.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var hashes []string
	for bh := range h.blocks {
		hashes = append(hashes, bh)
	}
	return blockinfo.Response{Peer: h.self, FileHash: fileHash, Blocks: hashes}, nil
}

func (h *memHandler) HandleGetBlock(fileHash, blockHash string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.blocks[blockHash], nil
}

func (h *memHandler) HandleProvide(fileHash string, rec discover.ProviderRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.providers[fileHash] = append(h.providers[fileHash], rec)
	return nil
}

func (h *memHandler) HandleFindProviders(fileHash string) ([]discover.ProviderRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.providers[fileHash], nil
}

func (h *memHandler) HandleFindNode(identity.ID) ([]*discover.Node, error) { return nil, nil }

func (h *memHandler) Receiver() transfer.ReceiverDeps {
	return transfer.ReceiverDeps{
		Accountant: h.acct,
		Verify:     codec.VerifyPayload,
		Put: func(fileHash, blockHash string, payload []byte) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.blocks[blockHash] = append([]byte(nil), payload...)
			return nil
		},
	}
}

func (h *memHandler) PeerConnected(id identity.ID, addr identity.Multiaddr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = append(h.connected, id)
}

func freeAddr(t *testing.T) identity.Multiaddr {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return identity.Multiaddr{Host: "127.0.0.1", Port: uint16(port)}
}

// newPair starts two transports with listeners, returning both plus the
// second node's handler and listen address.
func newPair(t *testing.T, budget int64) (*Transport, *Transport, *memHandler, identity.Multiaddr) {
	t.Helper()
	id1, id2 := identity.FromSeed(1).ID, identity.FromSeed(2).ID

	t1 := New(id1)
	h1 := newMemHandler(id1, budget)
	t1.SetHandler(h1)
	a1 := freeAddr(t)
	require.NoError(t, t1.Listen(a1))
	t.Cleanup(t1.Close)

	t2 := New(id2)
	h2 := newMemHandler(id2, budget)
	t2.SetHandler(h2)
	a2 := freeAddr(t)
	require.NoError(t, t2.Listen(a2))
	t.Cleanup(t2.Close)

	return t1, t2, h2, a2
}

func TestDialRecordsPeerAddress(t *testing.T) {
	t1, _, _, a2 := newPair(t, 1<<20)
	id2 := identity.FromSeed(2).ID

	dialAddr := a2
	dialAddr.Peer = id2
	require.NoError(t, t1.Dial(dialAddr))

	// Ping by bare ID now resolves through the recorded address.
	require.NoError(t, t1.Ping(id2, identity.Multiaddr{}))
}

func TestDialRejectsIdentityMismatch(t *testing.T) {
	t1, _, _, a2 := newPair(t, 1<<20)

	wrong := a2
	wrong.Peer = identity.FromSeed(99).ID
	err := t1.Dial(wrong)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identified as")
}

func TestBlockInfoAndGetBlockRoundTrip(t *testing.T) {
	t1, _, h2, a2 := newPair(t, 1<<20)
	id2 := identity.FromSeed(2).ID
	h2.blocks["b1"] = []byte{1, 2, 3, 4}

	dialAddr := a2
	dialAddr.Peer = id2
	require.NoError(t, t1.Dial(dialAddr))

	resp, err := t1.RequestBlockInfo(id2, "f1")
	require.NoError(t, err)
	assert.Equal(t, id2, resp.Peer)
	assert.Equal(t, []string{"b1"}, resp.Blocks)

	data, err := t1.RequestBlock(id2, "f1", "b1")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
}

func TestTransferAcceptAndStore(t *testing.T) {
	t1, _, h2, a2 := newPair(t, 1<<20)
	id2 := identity.FromSeed(2).ID
	dialAddr := a2
	dialAddr.Peer = id2
	require.NoError(t, t1.Dial(dialAddr))

	payload := []byte("hello block payload")
	offer := transfer.Offer{
		FileHash:   "f1",
		BlockHash:  "b1",
		Size:       int64(len(payload)),
		Commitment: codec.CommitmentOf(payload),
	}
	decision, err := t1.SendOffer(id2, offer)
	require.NoError(t, err)
	require.True(t, decision.Accept)

	outcome, err := t1.SendPayload(id2, "f1", "b1", payload)
	require.NoError(t, err)
	assert.True(t, outcome.Stored)
	assert.Equal(t, payload, h2.blocks["b1"])
	assert.Equal(t, int64(len(payload)), h2.acct.Snapshot().Used)
}

func TestTransferRejectedWhenBudgetExhausted(t *testing.T) {
	t1, _, _, a2 := newPair(t, 4)
	id2 := identity.FromSeed(2).ID
	dialAddr := a2
	dialAddr.Peer = id2
	require.NoError(t, t1.Dial(dialAddr))

	offer := transfer.Offer{FileHash: "f1", BlockHash: "b1", Size: 100}
	decision, err := t1.SendOffer(id2, offer)
	require.NoError(t, err)
	assert.False(t, decision.Accept)
	assert.Equal(t, transfer.ReasonInsufficientSpace, decision.Reason)
}

func TestTransferNacksSizeMismatch(t *testing.T) {
	t1, _, h2, a2 := newPair(t, 1<<20)
	id2 := identity.FromSeed(2).ID
	dialAddr := a2
	dialAddr.Peer = id2
	require.NoError(t, t1.Dial(dialAddr))

	offer := transfer.Offer{FileHash: "f1", BlockHash: "b1", Size: 999}
	decision, err := t1.SendOffer(id2, offer)
	require.NoError(t, err)
	require.True(t, decision.Accept)

	outcome, err := t1.SendPayload(id2, "f1", "b1", []byte("short"))
	require.NoError(t, err)
	assert.False(t, outcome.Stored)
	assert.Equal(t, transfer.NackSizeMismatch, outcome.Reason)
	// The aborted reservation must release its bytes.
	assert.Equal(t, int64(0), h2.acct.Snapshot().Used)
}

func TestProvideAndFindProviders(t *testing.T) {
	t1, _, h2, a2 := newPair(t, 1<<20)
	id1, id2 := identity.FromSeed(1).ID, identity.FromSeed(2).ID
	selfAddr := identity.Multiaddr{Host: "127.0.0.1", Port: 4500, Peer: id1}

	require.NoError(t, t1.Provide(id2, a2, "f1", id1, selfAddr))
	require.Len(t, h2.providers["f1"], 1)
	assert.Equal(t, id1, h2.providers["f1"][0].Peer)

	recs, err := t1.FindProviders(id2, a2, "f1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id1, recs[0].Peer)
}
