package swarm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragoonfly-net/dragoonfly/accountant"
	"github.com/dragoonfly-net/dragoonfly/identity"
	"github.com/dragoonfly-net/dragoonfly/protocol/blockinfo"
	"github.com/dragoonfly-net/dragoonfly/protocol/discover"
	"github.com/dragoonfly-net/dragoonfly/protocol/transfer"
)

// fakeNetwork is an in-memory stand-in for the overlay transport, shared
// by a set of Swarms in a test so Dial/FindNode/
// Provide calls actually reach one another instead of erroring out.
type fakeNetwork struct {
	mu        sync.Mutex
	peers     map[identity.ID]*Swarm
	blocks    map[identity.ID]map[string][]byte // peer -> blockHash -> payload
	blockInfo map[identity.ID]map[string][]string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		peers:     make(map[identity.ID]*Swarm),
		blocks:    make(map[identity.ID]map[string][]byte),
		blockInfo: make(map[identity.ID]map[string][]string),
	}
}

func (n *fakeNetwork) register(id identity.ID, s *Swarm) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[id] = s
}

func (n *fakeNetwork) swarmFor(id identity.ID) *Swarm {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[id]
}

func (n *fakeNetwork) Dial(addr identity.Multiaddr) error      { return nil }
func (n *fakeNetwork) Listen(addr identity.Multiaddr) error    { return nil }
func (n *fakeNetwork) RemoveListener(identity.Multiaddr) error { return nil }

func (n *fakeNetwork) RequestBlockInfo(peer identity.ID, fileHash string) (blockinfo.Response, error) {
	n.mu.Lock()
	blocks := append([]string(nil), n.blockInfo[peer][fileHash]...)
	n.mu.Unlock()
	return blockinfo.Response{Peer: peer, FileHash: fileHash, Blocks: blocks}, nil
}

func (n *fakeNetwork) RequestBlock(peer identity.ID, fileHash, blockHash string) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	data, ok := n.blocks[peer][blockHash]
	if !ok {
		return nil, assertErr{"block not found"}
	}
	return data, nil
}

func (n *fakeNetwork) SendOffer(peer identity.ID, offer transfer.Offer) (transfer.Decision, error) {
	dest := n.swarmFor(peer)
	if dest == nil {
		return transfer.Decision{}, assertErr{"unknown peer"}
	}
	decision, _, _ := transfer.Decide(dest.Receiver(), offer)
	if decision.Accept {
		n.mu.Lock()
		if n.blocks[peer] == nil {
			n.blocks[peer] = make(map[string][]byte)
		}
		n.mu.Unlock()
	}
	return decision, nil
}

func (n *fakeNetwork) SendPayload(peer identity.ID, fileHash, blockHash string, payload []byte) (transfer.Outcome, error) {
	dest := n.swarmFor(peer)
	if dest == nil {
		return transfer.Outcome{}, assertErr{"unknown peer"}
	}
	offer := transfer.Offer{FileHash: fileHash, BlockHash: blockHash, Size: int64(len(payload))}
	tok, err := dest.Receiver().Accountant.Reserve(offer.Size)
	if err != nil {
		return transfer.Outcome{Stored: false, Reason: "insufficient_space"}, nil
	}
	outcome, _ := transfer.AcceptPayload(dest.Receiver(), offer, tok, payload)
	if outcome.Stored {
		n.mu.Lock()
		n.blocks[peer][blockHash] = payload
		if n.blockInfo[peer] == nil {
			n.blockInfo[peer] = make(map[string][]string)
		}
		n.blockInfo[peer][fileHash] = append(n.blockInfo[peer][fileHash], blockHash)
		n.mu.Unlock()
	}
	return outcome, nil
}

func (n *fakeNetwork) FindNode(to identity.ID, addr identity.Multiaddr, target identity.ID) ([]*discover.Node, error) {
	return nil, nil
}
func (n *fakeNetwork) Ping(identity.ID, identity.Multiaddr) error { return nil }
func (n *fakeNetwork) WaitPing(identity.ID) error                 { return nil }

func (n *fakeNetwork) Provide(to identity.ID, addr identity.Multiaddr, fileHash string, self identity.ID, selfAddr identity.Multiaddr) error {
	dest := n.swarmFor(to)
	if dest == nil {
		return assertErr{"unknown peer"}
	}
	return dest.providers.Publish(fileHash, discover.ProviderRecord{Peer: self, Addr: selfAddr})
}

func (n *fakeNetwork) FindProviders(to identity.ID, addr identity.Multiaddr, fileHash string) ([]discover.ProviderRecord, error) {
	dest := n.swarmFor(to)
	if dest == nil {
		return nil, assertErr{"unknown peer"}
	}
	return dest.providers.Providers(fileHash, time.Now())
}

type assertErr struct{ s string }

func (e assertErr) Error() string { return e.s }

func newTestSwarm(t *testing.T, net *fakeNetwork, seed int64) (*Swarm, identity.Identity) {
	t.Helper()
	self := identity.FromSeed(seed)
	recv := transfer.ReceiverDeps{
		Accountant: accountant.New(1 << 30),
		Verify:     func(payload, commitment []byte) bool { return true },
		Put:        func(string, string, []byte) error { return nil },
	}
	s, err := New(self, net, "", "", 16, recv)
	require.NoError(t, err)
	net.register(self.ID, s)
	t.Cleanup(s.Close)
	return s, self
}

func TestListenAndListeners(t *testing.T) {
	net := newFakeNetwork()
	s, _ := newTestSwarm(t, net, 1)
	addr := identity.Multiaddr{Host: "127.0.0.1", Port: 4001}
	require.NoError(t, s.Listen(addr))
	assert.Equal(t, []identity.Multiaddr{addr}, s.Listeners())
	assert.True(t, s.RemoveListener(addr))
	assert.Empty(t, s.Listeners())
}

func TestDialRecordsConnectedPeer(t *testing.T) {
	net := newFakeNetwork()
	s0, _ := newTestSwarm(t, net, 1)
	_, id1 := newTestSwarm(t, net, 2)

	addr := identity.Multiaddr{Host: "127.0.0.1", Port: 4002, Peer: id1.ID}
	require.NoError(t, s0.Dial(addr))
	assert.Equal(t, []identity.ID{id1.ID}, s0.ConnectedPeers())
	info := s0.Info()
	assert.Equal(t, 1, info.EstablishedOutgoing)
}

func TestStartProvideRequiresKnownPeer(t *testing.T) {
	net := newFakeNetwork()
	s, _ := newTestSwarm(t, net, 1)
	err := s.StartProvide("deadbeef")
	require.Error(t, err)
}

func TestSendBlockToAndFetch(t *testing.T) {
	net := newFakeNetwork()
	s0, _ := newTestSwarm(t, net, 1)
	_, id1 := newTestSwarm(t, net, 2)

	offer := transfer.Offer{FileHash: "f1", BlockHash: "b1", Size: 3, Commitment: []byte("c")}
	err := s0.SendBlockTo(id1.ID, offer, []byte{1, 2, 3})
	require.NoError(t, err)

	data, err := s0.FetchBlock(id1.ID, "f1", "b1")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestSendBlockToDuplicateInFlight(t *testing.T) {
	net := newFakeNetwork()
	s0, _ := newTestSwarm(t, net, 1)
	_, id1 := newTestSwarm(t, net, 2)
	offer := transfer.Offer{FileHash: "f1", BlockHash: "b1", Size: 3}

	require.True(t, s0.registry.TryAcquire(id1.ID, offer.BlockHash))
	defer s0.registry.Release(id1.ID, offer.BlockHash)

	err := s0.SendBlockTo(id1.ID, offer, []byte{1, 2, 3})
	require.Error(t, err)
}
