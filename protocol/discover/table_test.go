package discover

import (
	"testing"

	"github.com/dragoonfly-net/dragoonfly/identity"
)

type fakeTransport struct {
	pinged map[identity.ID]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{pinged: make(map[identity.ID]bool)}
}

func (f *fakeTransport) Ping(id identity.ID, addr identity.Multiaddr) error {
	f.pinged[id] = true
	return nil
}

func (f *fakeTransport) WaitPing(id identity.ID) error { return nil }

func (f *fakeTransport) FindNode(to identity.ID, addr identity.Multiaddr, target identity.ID) ([]*Node, error) {
	return nil, nil
}

func newTestTable(t *testing.T) (*Table, *fakeTransport) {
	t.Helper()
	self := identity.FromSeed(1)
	selfNode := NewNode(self.ID, identity.Multiaddr{Host: "127.0.0.1", Port: 9000, Peer: self.ID})
	ft := newFakeTransport()
	tab, err := NewTable(ft, selfNode, "")
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	t.Cleanup(tab.Close)
	return tab, ft
}

func TestTableAddAndResolve(t *testing.T) {
	tab, ft := newTestTable(t)

	peer := identity.FromSeed(2)
	addr := identity.Multiaddr{Host: "127.0.0.2", Port: 9001, Peer: peer.ID}
	n, err := tab.bond(false, peer.ID, addr)
	if err != nil {
		t.Fatalf("bond: %v", err)
	}
	if n == nil {
		t.Fatal("bond returned nil node")
	}
	if !ft.pinged[peer.ID] {
		t.Error("expected transport to receive a ping")
	}

	got := tab.Resolve(peer.ID)
	if got == nil || got.ID != peer.ID {
		t.Errorf("Resolve did not find bonded peer")
	}
}

func TestTableBondRejectsSelf(t *testing.T) {
	tab, _ := newTestTable(t)
	_, err := tab.bond(false, tab.Self().ID, identity.Multiaddr{})
	if err == nil {
		t.Error("expected bonding with self to fail")
	}
}

func TestTableLenReflectsAddedNodes(t *testing.T) {
	tab, _ := newTestTable(t)
	if tab.len() != 0 {
		t.Fatalf("expected empty table, got %d", tab.len())
	}
	for i := int64(2); i < 6; i++ {
		peer := identity.FromSeed(i)
		addr := identity.Multiaddr{Host: "127.0.0.1", Port: uint16(9000 + i), Peer: peer.ID}
		if _, err := tab.bond(false, peer.ID, addr); err != nil {
			t.Fatalf("bond: %v", err)
		}
	}
	if tab.len() != 4 {
		t.Errorf("expected 4 entries, got %d", tab.len())
	}
}
