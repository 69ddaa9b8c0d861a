package blockinfo

import (
	"testing"

	"github.com/dragoonfly-net/dragoonfly/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	blocks map[string][]string
}

func (f fakeLister) List(fileHash string) ([]string, error) {
	return f.blocks[fileHash], nil
}

func TestServeListsLocalBlocks(t *testing.T) {
	store := fakeLister{blocks: map[string][]string{"h1": {"b1", "b2", "b3"}}}
	self := identity.FromSeed(1).ID

	resp, err := Serve(store, self, Request{FileHash: "h1"})
	require.NoError(t, err)
	assert.Equal(t, self, resp.Peer)
	assert.Equal(t, []string{"b1", "b2", "b3"}, resp.Blocks)
}

func TestCachePutGet(t *testing.T) {
	c, err := NewCache(4)
	require.NoError(t, err)
	peer := identity.FromSeed(2).ID

	_, ok := c.Get(peer, "h1")
	assert.False(t, ok)

	c.Put(Response{Peer: peer, FileHash: "h1", Blocks: []string{"b1"}})
	got, ok := c.Get(peer, "h1")
	require.True(t, ok)
	assert.Equal(t, []string{"b1"}, got.Blocks)
}

func TestCacheInvalidate(t *testing.T) {
	c, err := NewCache(4)
	require.NoError(t, err)
	peer := identity.FromSeed(3).ID
	c.Put(Response{Peer: peer, FileHash: "h1", Blocks: []string{"b1"}})

	c.Invalidate(peer, "h1")
	_, ok := c.Get(peer, "h1")
	assert.False(t, ok)
}

func TestCacheEviction(t *testing.T) {
	c, err := NewCache(2)
	require.NoError(t, err)
	p1, p2, p3 := identity.FromSeed(4).ID, identity.FromSeed(5).ID, identity.FromSeed(6).ID
	c.Put(Response{Peer: p1, FileHash: "h"})
	c.Put(Response{Peer: p2, FileHash: "h"})
	c.Put(Response{Peer: p3, FileHash: "h"}) // evicts p1 (least recently used)

	_, ok := c.Get(p1, "h")
	assert.False(t, ok)
	_, ok = c.Get(p3, "h")
	assert.True(t, ok)
}
