package swarm

import (
	"time"

	"github.com/dragoonfly-net/dragoonfly/dragoonerr"
	"github.com/dragoonfly-net/dragoonfly/identity"
	"github.com/dragoonfly-net/dragoonfly/metrics"
	"github.com/dragoonfly-net/dragoonfly/protocol/blockinfo"
	"github.com/dragoonfly-net/dragoonfly/protocol/discover"
)

// LocalStore is the slice of the block store the swarm needs for serving
// inbound P2/P3 requests.
type LocalStore interface {
	List(fileHash string) ([]string, error)
	Get(fileHash, blockHash string) ([]byte, error)
	GetDescriptor(fileHash string) ([]byte, error)
}

// SetLocalStore attaches the block store the inbound protocol handlers
// serve from. Must be set before the transport starts accepting.
func (s *Swarm) SetLocalStore(ls LocalStore) { s.local = ls }

// HandleBlockInfo answers an inbound P2 request from the local store.
// Serving happens on the transport's connection goroutine, not the event
// loop: a directory listing must never stall command processing.
func (s *Swarm) HandleBlockInfo(fileHash string) (blockinfo.Response, error) {
	if s.local == nil {
		return blockinfo.Response{}, dragoonerr.New(dragoonerr.Internal, "no local store attached")
	}
	metrics.BlockInfoIn.Mark(1)
	return blockinfo.Serve(s.local, s.self.ID, blockinfo.Request{FileHash: fileHash})
}

// HandleGetBlock serves a stored block's bytes to a remote peer. A block
// on disk has already passed verification at write time, so it is served as-is.
func (s *Swarm) HandleGetBlock(fileHash, blockHash string) ([]byte, error) {
	if s.local == nil {
		return nil, dragoonerr.New(dragoonerr.Internal, "no local store attached")
	}
	data, err := s.local.Get(fileHash, blockHash)
	if err == nil {
		metrics.BlockFetchIn.Mark(1)
		metrics.BlockFetchInBytes.Mark(int64(len(data)))
	}
	return data, err
}

// HandleProvide records a remote peer's provider announcement.
func (s *Swarm) HandleProvide(fileHash string, rec discover.ProviderRecord) error {
	return s.providers.Publish(fileHash, rec)
}

// HandleFindProviders reports the unexpired provider records this node
// knows for fileHash.
func (s *Swarm) HandleFindProviders(fileHash string) ([]discover.ProviderRecord, error) {
	return s.providers.Providers(fileHash, time.Now())
}

// HandleFindNode answers a Kademlia find-node query from local table state.
func (s *Swarm) HandleFindNode(target identity.ID) ([]*discover.Node, error) {
	return s.table.ClosestNodes(target, 16), nil
}
