package task

import (
	"context"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/dragoonfly-net/dragoonfly/codec"
	"github.com/dragoonfly-net/dragoonfly/dragoonerr"
	"github.com/dragoonfly-net/dragoonfly/identity"
)

// GetFileState is the structured progress record attached to a failed
// get-file.
type GetFileState struct {
	Stage     string        `json:"stage"`
	Providers []identity.ID `json:"providers,omitempty"`
	Fetched   []string      `json:"fetched_blocks,omitempty"`
}

// GetFile is the composite retrieval operation: find
// providers for fileHash, collect block lists and the descriptor, fetch
// blocks until k are held, decode, and write the output next to the
// file's local blocks directory. Locally-held blocks are used first so a
// node that already stores k blocks never touches the network.
func (m *Manager) GetFile(ctx context.Context, fileHash, outputFilename string) (string, error) {
	var outPath string
	err := m.await(ctx, "get-file", func() error {
		var err error
		outPath, err = m.getFile(fileHash, outputFilename)
		return err
	})
	return outPath, err
}

func (m *Manager) getFile(fileHash, outputFilename string) (string, error) {
	state := GetFileState{Stage: "collect-local"}

	desc, err := m.localDescriptor(fileHash)
	if err != nil {
		return "", err
	}
	held := make(map[string][]byte)
	localHashes, err := m.store.List(fileHash)
	if err == nil {
		for _, h := range localHashes {
			if data, gerr := m.store.Get(fileHash, h); gerr == nil {
				held[h] = data
				state.Fetched = append(state.Fetched, h)
			}
		}
	}

	// The network is consulted only for what local state cannot supply:
	// a missing descriptor, or fewer than k locally-held blocks.
	if desc == nil || len(held) < desc.K {
		state.Stage = "find-providers"
		providers, err := m.net.FindProviders(fileHash)
		if err != nil {
			return "", dragoonerr.Wrap(dragoonerr.DhtError, err, "find providers of %s", fileHash).WithContext(state)
		}
		state.Providers = providers

		state.Stage = "fetch-blocks"
		for _, peer := range providers {
			if peer == m.self.ID {
				continue
			}
			if desc != nil && len(held) >= desc.K {
				break
			}
			info, err := m.net.GetBlockInfo(peer, fileHash)
			if err != nil {
				log.Debugf("get-file: block info from %s: %v", peer, err)
				continue
			}
			if desc == nil && len(info.Descriptor) > 0 {
				m.adoptDescriptor(fileHash, info.Descriptor)
				desc, err = m.localDescriptor(fileHash)
				if err != nil {
					return "", err
				}
			}
			for _, h := range info.Blocks {
				if _, ok := held[h]; ok {
					continue
				}
				if desc != nil && len(held) >= desc.K {
					break
				}
				data, err := m.net.FetchBlock(peer, fileHash, h)
				if err != nil {
					log.Debugf("get-file: fetch %s from %s: %v", h, peer, err)
					continue
				}
				held[h] = data
				state.Fetched = append(state.Fetched, h)
			}
		}
	}

	if desc == nil {
		return "", dragoonerr.New(dragoonerr.NotFound,
			"no descriptor for %s reachable from any provider", fileHash).WithContext(state)
	}
	if len(held) < desc.K {
		return "", dragoonerr.New(dragoonerr.InsufficientBlocks,
			"need %d blocks of %s, reached %d", desc.K, fileHash, len(held)).WithContext(state)
	}

	state.Stage = "decode"
	blocks := make([]codec.Block, 0, len(held))
	for h, data := range held {
		blk, err := codec.NewBlock(*desc, h, data)
		if err != nil {
			// A block the descriptor doesn't know is skipped, not fatal:
			// it may belong to a different encoding of the same bytes.
			continue
		}
		blocks = append(blocks, blk)
	}
	data, err := m.decode(*desc, blocks)
	if err != nil {
		if de, ok := dragoonerr.As(err); ok {
			return "", de.WithContext(state)
		}
		return "", err
	}

	state.Stage = "write-output"
	dir := m.store.FileDir(fileHash)
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return "", dragoonerr.Wrap(dragoonerr.IoError, err, "create output dir %s", dir).WithContext(state)
	}
	outPath := filepath.Join(dir, outputFilename)
	if err := afero.WriteFile(m.fs, outPath, data, 0o644); err != nil {
		return "", dragoonerr.Wrap(dragoonerr.IoError, err, "write output %s", outPath).WithContext(state)
	}
	return outPath, nil
}
