// Package codec is the facade over the erasure-coding concern. The real
// library (commitment scheme, encoder, verifier, decoder) is an external
// collaborator out of this repository's scope; this package treats it as
// an opaque codec and runs it off the swarm event loop on a worker pool.
// The Vandermonde/Random matrix construction below is the reference
// implementation exercised by this repository's own tests, standing in
// for whatever production coding library a deployment links against.
package codec

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/dragoonfly-net/dragoonfly/dragoonerr"
)

// Method selects the encoding-matrix construction.
type Method int

const (
	Vandermonde Method = iota
	Random
)

func (m Method) String() string {
	if m == Random {
		return "random"
	}
	return "vandermonde"
}

// ParseMethod accepts the HTTP-facing method name from encode-file's body.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "vandermonde", "":
		return Vandermonde, nil
	case "random":
		return Random, nil
	default:
		return 0, dragoonerr.New(dragoonerr.BadRequest, "unknown codec method %q", s)
	}
}

// Block is a single erasure-coded fragment: immutable, content
// addressed, carrying the commitment/proof the receiver verifies before
// accepting it.
type Block struct {
	BlockHash  string
	FileHash   string
	Size       int
	Payload    []byte
	Commitment []byte
	Proof      []byte
	row        int // index into the coding matrix, needed to decode
}

// Row exposes the block's coding-matrix row index; decode needs it to
// build the correct submatrix from an arbitrary subset of blocks.
func (b Block) Row() int { return b.row }

// Descriptor is the file descriptor: the file hash plus the
// parameters needed to verify and decode its blocks. It is the sidecar
// metadata a store persists next to a file's blocks (store.PutDescriptor):
// unlike a block, it isn't itself content-addressed or part of the wire
// protocol, but without it even the node that produced the blocks cannot
// later decode them, since a block's row/commitment only make sense
// relative to the matrix construction recorded here.
type Descriptor struct {
	FileHash    string
	K, N        int
	Method      Method
	Commitments [][]byte // one per block, ordered by row index
	BlockHashes []string // one per block, ordered by row index
	ShardSize   int
	OrigLen     int    // original byte length, to trim shard padding on decode
	Seed        uint64 // coding-matrix seed, populated only for the Random method
}

// RowOf returns the row index for blockHash, or -1 if the descriptor
// doesn't know about it.
func (d Descriptor) RowOf(blockHash string) int {
	for i, h := range d.BlockHashes {
		if h == blockHash {
			return i
		}
	}
	return -1
}

// NewBlock reconstructs a Block usable by Decode/DecodeWithSeed from a
// payload fetched over the wire (get-block-from, send-block-to) plus the
// descriptor that names which row it occupies.
func NewBlock(desc Descriptor, blockHash string, payload []byte) (Block, error) {
	row := desc.RowOf(blockHash)
	if row < 0 {
		return Block{}, dragoonerr.New(dragoonerr.CorruptBlock, "block %s is not part of file %s", blockHash, desc.FileHash)
	}
	return Block{
		BlockHash:  blockHash,
		FileHash:   desc.FileHash,
		Size:       len(payload),
		Payload:    payload,
		Commitment: desc.Commitments[row],
		row:        row,
	}, nil
}

// hashBytes is the canonical digest used for both file_hash and block_hash:
// a deterministic function of encoded bytes.
func hashBytes(b []byte) string {
	sum := sha3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// commitmentOf stands in for the external library's commitment scheme: a
// digest over the shard bytes keyed by the loaded public parameters. A
// real deployment replaces this with whatever polynomial/vector commitment
// its coding library produces; this repository only needs commit/verify to
// agree with each other under identical parameters.
func commitmentOf(shard []byte) []byte {
	h := sha3.New256()
	h.Write(paramsPrefix())
	h.Write(shard)
	return h.Sum(nil)
}

// CommitmentOf recomputes the commitment for a block payload under the
// loaded public parameters. Callers that hold a block without its
// descriptor (a fetched-and-saved block, never encoded locally) use this
// to populate an Offer's commitment field.
func CommitmentOf(payload []byte) []byte { return commitmentOf(payload) }

// VerifyPayload checks raw payload bytes against an announced commitment,
// the receiver-side check of the transfer protocol. It recomputes the
// commitment under the local parameters, so sender and receiver only agree
// when their parameter files match.
func VerifyPayload(payload, commitment []byte) bool {
	got := commitmentOf(payload)
	if len(got) != len(commitment) {
		return false
	}
	for i := range got {
		if got[i] != commitment[i] {
			return false
		}
	}
	return true
}

// Encode splits fileBytes into k data shards and produces n total blocks:
// the first k are the systematic data shards, the remaining
// n-k are coded parity shards from the chosen matrix construction.
func Encode(fileBytes []byte, k, n int, method Method) (Descriptor, []Block, error) {
	if k < 1 || n < k {
		return Descriptor{}, nil, dragoonerr.New(dragoonerr.BadRequest, "invalid (k=%d, n=%d): require n >= k >= 1", k, n)
	}
	shardSize := (len(fileBytes) + k - 1) / k
	if shardSize == 0 {
		shardSize = 1
	}
	padded := make([]byte, shardSize*k)
	copy(padded, fileBytes)

	shards := make([][]byte, k)
	for i := 0; i < k; i++ {
		shards[i] = padded[i*shardSize : (i+1)*shardSize]
	}

	var gen matrix
	var seed uint64
	switch method {
	case Vandermonde:
		gen = vandermondeGenerator(k, n)
	case Random:
		seed = seedFromBytes(fileBytes)
		gen = randomGenerator(k, n, seed)
	default:
		return Descriptor{}, nil, dragoonerr.New(dragoonerr.BadRequest, "unknown method %v", method)
	}

	blocks := make([]Block, n)
	commitments := make([][]byte, n)
	for row := 0; row < n; row++ {
		shard := make([]byte, shardSize)
		if row < k {
			copy(shard, shards[row])
		} else {
			for col := 0; col < k; col++ {
				coef := gen[row][col]
				if coef == 0 {
					continue
				}
				for b := 0; b < shardSize; b++ {
					shard[b] ^= gfMul(coef, shards[col][b])
				}
			}
		}
		commitments[row] = commitmentOf(shard)
		blocks[row] = Block{
			Size:       shardSize,
			Payload:    shard,
			Commitment: commitments[row],
			row:        row,
		}
	}

	desc := Descriptor{
		K: k, N: n, Method: method,
		Commitments: commitments,
		ShardSize:   shardSize,
		OrigLen:     len(fileBytes),
		Seed:        seed,
	}
	// file_hash is the canonical digest over the encoded commitments, not
	// the raw file bytes: two encodings with different
	// parameters yield different hashes even for identical input bytes.
	desc.FileHash = hashBytes(concatCommitments(commitments))

	desc.BlockHashes = make([]string, n)
	for row := range blocks {
		blocks[row].FileHash = desc.FileHash
		blocks[row].BlockHash = hashBytes(encodeBlockForHash(desc.FileHash, row, blocks[row].Payload))
		desc.BlockHashes[row] = blocks[row].BlockHash
	}
	return desc, blocks, nil
}

func concatCommitments(cs [][]byte) []byte {
	var buf []byte
	for _, c := range cs {
		buf = append(buf, c...)
	}
	return buf
}

func encodeBlockForHash(fileHash string, row int, payload []byte) []byte {
	buf := []byte(fmt.Sprintf("%s:%d:", fileHash, row))
	return append(buf, payload...)
}

// Verify checks a block's commitment against the descriptor.
// A verification failure is fatal for the transfer carrying the block, not
// for the connection.
func Verify(block Block, desc Descriptor) bool {
	if block.row < 0 || block.row >= len(desc.Commitments) {
		return false
	}
	want := desc.Commitments[block.row]
	got := commitmentOf(block.Payload)
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] != got[i] {
			return false
		}
	}
	return true
}

// Decode reconstructs the original file from k or more blocks.
func Decode(desc Descriptor, blocks []Block) ([]byte, error) {
	if len(blocks) < desc.K {
		return nil, dragoonerr.New(dragoonerr.InsufficientBlocks,
			"need %d blocks, have %d", desc.K, len(blocks))
	}
	chosen := blocks[:desc.K]

	var gen matrix
	switch desc.Method {
	case Vandermonde:
		gen = vandermondeGenerator(desc.K, desc.N)
	case Random:
		// Decode needs the same matrix encode used; callers must carry the
		// seed alongside the descriptor for Random-method files (the HTTP
		// surface stores it as part of the persisted descriptor metadata).
		return nil, dragoonerr.New(dragoonerr.Internal, "random-method decode requires the original seed; use DecodeWithSeed")
	default:
		return nil, dragoonerr.New(dragoonerr.BadRequest, "unknown method %v", desc.Method)
	}
	return decodeWithGenerator(desc, gen, chosen)
}

// DecodeWithSeed is Decode for files encoded with the Random method, where
// the coding matrix depends on a seed derived from the original file bytes
// and therefore must be supplied out of band (it cannot be derived from
// the blocks alone, unlike Vandermonde's fixed construction).
func DecodeWithSeed(desc Descriptor, blocks []Block, seed uint64) ([]byte, error) {
	if len(blocks) < desc.K {
		return nil, dragoonerr.New(dragoonerr.InsufficientBlocks,
			"need %d blocks, have %d", desc.K, len(blocks))
	}
	gen := randomGenerator(desc.K, desc.N, seed)
	return decodeWithGenerator(desc, gen, blocks[:desc.K])
}

// DecodeDescriptor dispatches to Decode or DecodeWithSeed based on
// desc.Method, so callers that only carry a persisted/propagated Descriptor
// (store.GetDescriptor, a blockinfo.Response's Descriptor field) don't need
// to branch on the method themselves.
func DecodeDescriptor(desc Descriptor, blocks []Block) ([]byte, error) {
	if desc.Method == Random {
		return DecodeWithSeed(desc, blocks, desc.Seed)
	}
	return Decode(desc, blocks)
}

func decodeWithGenerator(desc Descriptor, gen matrix, chosen []Block) ([]byte, error) {
	rows := make([]int, len(chosen))
	for i, b := range chosen {
		if b.row < 0 || b.row >= desc.N {
			return nil, dragoonerr.New(dragoonerr.CorruptBlock, "block has out-of-range row %d", b.row)
		}
		rows[i] = b.row
	}
	sub := gen.subMatrix(rows)
	inv, err := sub.invert()
	if err != nil {
		return nil, dragoonerr.Wrap(dragoonerr.LinearDependence, err, "chosen blocks are not linearly independent")
	}

	out := make([]byte, desc.K*desc.ShardSize)
	for col := 0; col < desc.K; col++ {
		for b := 0; b < desc.ShardSize; b++ {
			var v byte
			for row := 0; row < desc.K; row++ {
				coef := inv[col][row]
				if coef == 0 {
					continue
				}
				v ^= gfMul(coef, chosen[row].Payload[b])
			}
			out[col*desc.ShardSize+b] = v
		}
	}
	if desc.OrigLen < len(out) {
		out = out[:desc.OrigLen]
	}
	return out, nil
}
