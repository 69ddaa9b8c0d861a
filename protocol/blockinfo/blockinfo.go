// Package blockinfo implements P2, the block-metadata exchange protocol:
// given a file hash, a responder reports which block
// hashes it currently holds for that file. The request is trivially
// implemented by invoking the local block store's list operation; the
// interesting part is caching responses from remote peers so that
// back-to-back get-file style composite operations do not re-query the
// same (peer, file_hash) pair.
package blockinfo

import (
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/dragoonfly-net/dragoonfly/identity"
)

// Request is the wire request: the file whose block list is wanted.
type Request struct {
	FileHash string
}

// Response is the wire response: the block hashes the responder holds,
// plus the file's serialized codec descriptor when the responder has one.
// The descriptor rides along because a peer reconstructing a file it never
// encoded needs the commitments and matrix parameters, not just payloads.
type Response struct {
	Peer       identity.ID
	FileHash   string
	Blocks     []string
	Descriptor []byte
	FetchedAt  time.Time
}

// Lister is implemented by the local block store (store.Store.List).
type Lister interface {
	List(fileHash string) ([]string, error)
}

// DescriptorSource is optionally implemented by the store to let Serve
// attach the file's persisted descriptor to a response.
type DescriptorSource interface {
	GetDescriptor(fileHash string) ([]byte, error)
}

// cacheKey identifies a cached response by the peer it came from and the
// file it describes.
type cacheKey struct {
	peer     identity.ID
	fileHash string
}

// Cache bounds the number of remembered (peer, file_hash) block-info
// responses,
// so a long-running node doesn't grow this map without bound across many
// distinct files and peers.
type Cache struct {
	inner *lru.Cache
}

// NewCache returns a block-info response cache holding up to size entries.
func NewCache(size int) (*Cache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{inner: c}, nil
}

// Get returns a cached response for (peer, fileHash), if present.
func (c *Cache) Get(peer identity.ID, fileHash string) (Response, bool) {
	v, ok := c.inner.Get(cacheKey{peer, fileHash})
	if !ok {
		return Response{}, false
	}
	return v.(Response), true
}

// Put stores a response, evicting the least recently used entry if the
// cache is full.
func (c *Cache) Put(resp Response) {
	c.inner.Add(cacheKey{resp.Peer, resp.FileHash}, resp)
}

// Invalidate drops any cached response for (peer, fileHash); used when a
// local mutation (e.g. receiving a new block) would make a stale entry
// misleading for a composite get-file.
func (c *Cache) Invalidate(peer identity.ID, fileHash string) {
	c.inner.Remove(cacheKey{peer, fileHash})
}

// Serve answers a P2 request against the local block store.
func Serve(store Lister, self identity.ID, req Request) (Response, error) {
	blocks, err := store.List(req.FileHash)
	if err != nil {
		return Response{}, err
	}
	resp := Response{Peer: self, FileHash: req.FileHash, Blocks: blocks, FetchedAt: time.Now()}
	if ds, ok := store.(DescriptorSource); ok {
		if desc, err := ds.GetDescriptor(req.FileHash); err == nil {
			resp.Descriptor = desc
		}
	}
	return resp, nil
}
