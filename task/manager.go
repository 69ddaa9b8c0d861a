// Package task is the request task manager: every external
// request runs as its own task carrying a timeout and a cancellation
// signal, answering from local state where it can and otherwise issuing
// commands to the swarm loop. Composite operations (get-file) are built as
// sequences of simple ones, reporting partial failure with the last
// successful state attached.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/dragoonfly-net/dragoonfly/accountant"
	"github.com/dragoonfly-net/dragoonfly/codec"
	"github.com/dragoonfly-net/dragoonfly/dispersal"
	"github.com/dragoonfly-net/dragoonfly/dragoonerr"
	"github.com/dragoonfly-net/dragoonfly/identity"
	"github.com/dragoonfly-net/dragoonfly/logger"
	"github.com/dragoonfly-net/dragoonfly/protocol/blockinfo"
	"github.com/dragoonfly-net/dragoonfly/protocol/transfer"
	"github.com/dragoonfly-net/dragoonfly/store"
	"github.com/dragoonfly-net/dragoonfly/swarm"
)

var log = logger.New("task")

// DefaultTimeout bounds any single request task.
const DefaultTimeout = 60 * time.Second

// Network is the slice of the swarm the manager drives. *swarm.Swarm
// implements it; tests substitute a fake.
type Network interface {
	Listen(identity.Multiaddr) error
	Listeners() []identity.Multiaddr
	RemoveListener(identity.Multiaddr) bool
	Dial(identity.Multiaddr) error
	DialMultiple([]identity.Multiaddr) []error
	ConnectedPeers() []identity.ID
	Info() swarm.NetworkInfo
	StartProvide(string) error
	StopProvide(string) error
	FindProviders(string) ([]identity.ID, error)
	GetBlockInfo(identity.ID, string) (blockinfo.Response, error)
	FetchBlock(identity.ID, string, string) ([]byte, error)
	SendBlockTo(identity.ID, transfer.Offer, []byte) error
}

// Manager owns the per-request task machinery and the local collaborators
// tasks touch in short critical sections.
type Manager struct {
	self    identity.Identity
	label   string
	net     Network
	store   *store.Store
	acct    *accountant.Accountant
	pool    *codec.Pool
	fs      afero.Fs
	timeout time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New constructs a Manager. fs is the filesystem used to read encode
// inputs and write decode outputs; it is the same afero.Fs the store
// writes blocks through.
func New(self identity.Identity, label string, net Network, st *store.Store, acct *accountant.Accountant, pool *codec.Pool, fs afero.Fs) *Manager {
	return &Manager{
		self:    self,
		label:   label,
		net:     net,
		store:   st,
		acct:    acct,
		pool:    pool,
		fs:      fs,
		timeout: DefaultTimeout,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetTimeout overrides the per-task timeout, used by tests to keep
// timeout-path assertions fast.
func (m *Manager) SetTimeout(d time.Duration) { m.timeout = d }

// await runs fn as this request's task body, enforcing the task timeout
// and the caller's cancellation signal.
func (m *Manager) await(ctx context.Context, op string, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return dragoonerr.New(dragoonerr.Timeout, "%s timed out after %s", op, m.timeout)
		}
		return dragoonerr.New(dragoonerr.Cancelled, "%s cancelled by caller", op)
	}
}

// NodeInfo returns the local peer id and label.
func (m *Manager) NodeInfo() (identity.ID, string) {
	return m.self.ID, m.label
}

// Listen starts a new overlay listener.
func (m *Manager) Listen(ctx context.Context, addr identity.Multiaddr) error {
	return m.await(ctx, "listen", func() error {
		if err := m.net.Listen(addr); err != nil {
			return dragoonerr.Wrap(dragoonerr.NetworkError, err, "listen on %s", addr)
		}
		return nil
	})
}

// DialSingle connects to one peer.
func (m *Manager) DialSingle(ctx context.Context, addr identity.Multiaddr) error {
	return m.await(ctx, "dial-single", func() error {
		if err := m.net.Dial(addr); err != nil {
			return dragoonerr.Wrap(dragoonerr.NetworkError, err, "dial %s", addr)
		}
		return nil
	})
}

// DialMultiple connects to several peers, reporting the first failure but
// attempting every address.
func (m *Manager) DialMultiple(ctx context.Context, addrs []identity.Multiaddr) error {
	return m.await(ctx, "dial-multiple", func() error {
		var firstErr error
		for i, err := range m.net.DialMultiple(addrs) {
			if err != nil && firstErr == nil {
				firstErr = dragoonerr.Wrap(dragoonerr.NetworkError, err, "dial %s", addrs[i])
			}
		}
		return firstErr
	})
}

// Listeners lists active listen addresses.
func (m *Manager) Listeners() []identity.Multiaddr { return m.net.Listeners() }

// RemoveListener drops a listener by its address.
func (m *Manager) RemoveListener(addr identity.Multiaddr) bool { return m.net.RemoveListener(addr) }

// ConnectedPeers lists established peers.
func (m *Manager) ConnectedPeers() []identity.ID { return m.net.ConnectedPeers() }

// NetworkInfo snapshots connection counters.
func (m *Manager) NetworkInfo() swarm.NetworkInfo { return m.net.Info() }

// StartProvide announces this node as a provider for fileHash.
func (m *Manager) StartProvide(ctx context.Context, fileHash string) error {
	return m.await(ctx, "start-provide", func() error {
		return m.net.StartProvide(fileHash)
	})
}

// StopProvide withdraws the local provider record.
func (m *Manager) StopProvide(ctx context.Context, fileHash string) error {
	return m.await(ctx, "stop-provide", func() error {
		return m.net.StopProvide(fileHash)
	})
}

// GetProviders queries the DHT for peers providing fileHash.
func (m *Manager) GetProviders(ctx context.Context, fileHash string) ([]identity.ID, error) {
	var out []identity.ID
	err := m.await(ctx, "get-providers", func() error {
		var err error
		out, err = m.net.FindProviders(fileHash)
		return err
	})
	return out, err
}

// EncodeFile reads the file at path, erasure-codes it and persists the
// resulting blocks locally. With replace set, stale
// blocks from a prior encoding of the same descriptor are cleared first
func (m *Manager) EncodeFile(ctx context.Context, path string, replace bool, method codec.Method, k, n int) (string, []string, error) {
	var fileHash string
	var blockHashes []string
	err := m.await(ctx, "encode-file", func() error {
		data, err := afero.ReadFile(m.fs, path)
		if err != nil {
			return dragoonerr.Wrap(dragoonerr.IoError, err, "read input file %s", path)
		}
		desc, blocks, err := m.pool.Encode(data, k, n, method)
		if err != nil {
			return err
		}
		if replace {
			if err := m.store.Clear(desc.FileHash); err != nil {
				return dragoonerr.Wrap(dragoonerr.IoError, err, "clear prior blocks of %s", desc.FileHash)
			}
		}
		for _, b := range blocks {
			if err := m.store.Put(desc.FileHash, b.BlockHash, b.Payload); err != nil {
				return dragoonerr.Wrap(dragoonerr.IoError, err, "persist block %s", b.BlockHash)
			}
		}
		descJSON, err := json.Marshal(desc)
		if err != nil {
			return dragoonerr.Wrap(dragoonerr.Internal, err, "marshal descriptor for %s", desc.FileHash)
		}
		if err := m.store.PutDescriptor(desc.FileHash, descJSON); err != nil {
			return dragoonerr.Wrap(dragoonerr.IoError, err, "persist descriptor for %s", desc.FileHash)
		}
		fileHash = desc.FileHash
		blockHashes = desc.BlockHashes
		log.Infof("encoded %s: file=%s k=%d n=%d blocks=%d", path, fileHash, k, n, len(blockHashes))
		return nil
	})
	return fileHash, blockHashes, err
}

// localDescriptor loads and decodes the persisted descriptor for fileHash,
// or returns nil without error when none is stored.
func (m *Manager) localDescriptor(fileHash string) (*codec.Descriptor, error) {
	raw, err := m.store.GetDescriptor(fileHash)
	if err != nil {
		if errors.Is(err, store.ErrMissing) {
			return nil, nil
		}
		return nil, dragoonerr.Wrap(dragoonerr.IoError, err, "read descriptor of %s", fileHash)
	}
	var desc codec.Descriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, dragoonerr.Wrap(dragoonerr.Internal, err, "decode stored descriptor of %s", fileHash)
	}
	return &desc, nil
}

// adoptDescriptor persists a descriptor received from a remote peer if we
// don't hold one yet, so later decode/send operations can use it.
func (m *Manager) adoptDescriptor(fileHash string, raw []byte) {
	if len(raw) == 0 || m.store.HasDescriptor(fileHash) {
		return
	}
	var desc codec.Descriptor
	if err := json.Unmarshal(raw, &desc); err != nil || desc.FileHash != fileHash {
		return
	}
	if err := m.store.PutDescriptor(fileHash, raw); err != nil {
		log.Warnf("adopt descriptor for %s: %v", fileHash, err)
	}
}

// GetBlockFrom fetches one block's bytes from a remote peer. With save
// set the block is persisted locally; when a
// descriptor for the file is already held, the fetched payload is verified
// against it before being stored.
func (m *Manager) GetBlockFrom(ctx context.Context, peer identity.ID, fileHash, blockHash string, save bool) ([]byte, error) {
	var data []byte
	err := m.await(ctx, "get-block-from", func() error {
		var err error
		data, err = m.net.FetchBlock(peer, fileHash, blockHash)
		if err != nil {
			return err
		}
		if desc, derr := m.localDescriptor(fileHash); derr == nil && desc != nil {
			blk, berr := codec.NewBlock(*desc, blockHash, data)
			if berr != nil || !m.pool.Verify(blk, *desc) {
				return dragoonerr.New(dragoonerr.CorruptBlock,
					"block %s from %s failed verification", blockHash, peer)
			}
		}
		if save {
			if err := m.store.Put(fileHash, blockHash, data); err != nil {
				return dragoonerr.Wrap(dragoonerr.IoError, err, "save fetched block %s", blockHash)
			}
		}
		return nil
	})
	return data, err
}

// GetBlocksInfoFrom runs P2 against a remote peer, adopting the file's
// descriptor as a side effect when the response carries one.
func (m *Manager) GetBlocksInfoFrom(ctx context.Context, peer identity.ID, fileHash string) (blockinfo.Response, error) {
	var resp blockinfo.Response
	err := m.await(ctx, "get-blocks-info-from", func() error {
		var err error
		resp, err = m.net.GetBlockInfo(peer, fileHash)
		if err != nil {
			return err
		}
		m.adoptDescriptor(fileHash, resp.Descriptor)
		return nil
	})
	return resp, err
}

// GetBlockList lists the block hashes held locally for fileHash.
func (m *Manager) GetBlockList(fileHash string) ([]string, error) {
	blocks, err := m.store.List(fileHash)
	if err != nil {
		return nil, dragoonerr.Wrap(dragoonerr.IoError, err, "list blocks of %s", fileHash)
	}
	return blocks, nil
}

// SendBlockTo pushes one locally-held block to a peer through P3. The
// block's commitment is taken from the stored
// descriptor when available and recomputed otherwise.
func (m *Manager) SendBlockTo(ctx context.Context, peer identity.ID, fileHash, blockHash string) error {
	return m.await(ctx, "send-block-to", func() error {
		return m.sendBlock(peer, fileHash, blockHash)
	})
}

func (m *Manager) sendBlock(peer identity.ID, fileHash, blockHash string) error {
	data, err := m.store.Get(fileHash, blockHash)
	if err != nil {
		if errors.Is(err, store.ErrMissing) {
			return dragoonerr.New(dragoonerr.NotFound, "no local block %s for file %s", blockHash, fileHash)
		}
		return dragoonerr.Wrap(dragoonerr.IoError, err, "read block %s", blockHash)
	}
	commitment := codec.CommitmentOf(data)
	if desc, derr := m.localDescriptor(fileHash); derr == nil && desc != nil {
		if row := desc.RowOf(blockHash); row >= 0 {
			commitment = desc.Commitments[row]
		}
	}
	offer := transfer.Offer{
		FileHash:   fileHash,
		BlockHash:  blockHash,
		Size:       int64(len(data)),
		Commitment: commitment,
	}
	return m.net.SendBlockTo(peer, offer, data)
}

// SendBlockList disperses a batch of blocks over the connected peers using
// the named strategy.
func (m *Manager) SendBlockList(ctx context.Context, strategy dispersal.Name, fileHash string, blocks []string) (dispersal.Result, error) {
	var res dispersal.Result
	err := m.await(ctx, "send-block-list", func() error {
		peers := m.net.ConnectedPeers()
		send := func(peer identity.ID, fh, bh string) error {
			return m.sendBlock(peer, fh, bh)
		}
		m.rngMu.Lock()
		rng := rand.New(rand.NewSource(m.rng.Int63()))
		m.rngMu.Unlock()
		var err error
		res, err = dispersal.Disperse(strategy, blocks, peers, fileHash, send, rng)
		return err
	})
	return res, err
}

// AvailableSendStorage reports the free send-storage budget in bytes.
func (m *Manager) AvailableSendStorage() int64 { return m.acct.Available() }

// ChangeSendStorage updates the send-storage ceiling and returns the
// resulting totals.
func (m *Manager) ChangeSendStorage(newTotal int64) accountant.Totals {
	return m.acct.SetTotal(newTotal)
}

// DecodeBlocks reconstructs a file from blocks already on disk: blockDir
// names the directory holding the block files,
// the hashes select which blocks to use, and the output is written as a
// sibling of the blocks directory.
func (m *Manager) DecodeBlocks(ctx context.Context, blockDir string, blockHashes []string, outputFilename string) (string, error) {
	var outPath string
	err := m.await(ctx, "decode-blocks", func() error {
		desc, err := m.descriptorNear(blockDir)
		if err != nil {
			return err
		}
		blocks := make([]codec.Block, 0, len(blockHashes))
		for _, h := range blockHashes {
			payload, err := afero.ReadFile(m.fs, filepath.Join(blockDir, h))
			if err != nil {
				return dragoonerr.Wrap(dragoonerr.IoError, err, "read block file %s", h)
			}
			blk, err := codec.NewBlock(*desc, h, payload)
			if err != nil {
				return err
			}
			blocks = append(blocks, blk)
		}
		data, err := m.decode(*desc, blocks)
		if err != nil {
			return err
		}
		outPath = filepath.Join(filepath.Dir(blockDir), outputFilename)
		if err := afero.WriteFile(m.fs, outPath, data, 0o644); err != nil {
			return dragoonerr.Wrap(dragoonerr.IoError, err, "write decoded output %s", outPath)
		}
		return nil
	})
	return outPath, err
}

// descriptorNear locates the descriptor.json for a blocks directory: next
// to the blocks (legacy layouts) or as its sibling (the store's layout).
func (m *Manager) descriptorNear(blockDir string) (*codec.Descriptor, error) {
	for _, p := range []string{
		filepath.Join(blockDir, "descriptor.json"),
		filepath.Join(filepath.Dir(blockDir), "descriptor.json"),
	} {
		raw, err := afero.ReadFile(m.fs, p)
		if err != nil {
			continue
		}
		var desc codec.Descriptor
		if err := json.Unmarshal(raw, &desc); err != nil {
			return nil, dragoonerr.Wrap(dragoonerr.Internal, err, "decode descriptor %s", p)
		}
		return &desc, nil
	}
	return nil, dragoonerr.New(dragoonerr.NotFound, "no descriptor found near %s", blockDir)
}

// decode runs the codec off the calling task's goroutine via the worker
// pool, retrying over sliding subsets when a chosen subset is linearly
// dependent (possible with the Random matrix construction).
func (m *Manager) decode(desc codec.Descriptor, blocks []codec.Block) ([]byte, error) {
	if len(blocks) < desc.K {
		return nil, dragoonerr.New(dragoonerr.InsufficientBlocks,
			"need %d blocks, have %d", desc.K, len(blocks))
	}
	var lastErr error
	for start := 0; start+desc.K <= len(blocks); start++ {
		subset := blocks[start : start+desc.K]
		var data []byte
		var err error
		if desc.Method == codec.Random {
			data, err = m.pool.DecodeWithSeed(desc, subset, desc.Seed)
		} else {
			data, err = m.pool.Decode(desc, subset)
		}
		if err == nil {
			return data, nil
		}
		lastErr = err
		if de, ok := dragoonerr.As(err); !ok || de.Kind != dragoonerr.LinearDependence {
			return nil, err
		}
	}
	return nil, lastErr
}
