// Package httpapi is the HTTP command surface: a closed
// set of routes that parse inputs, construct commands against the request
// task manager, and map results onto HTTP statuses: 200 on success, 404
// for an unknown route, 500 with a structured JSON error body otherwise.
// The handler set is CORS-wrapped so browser-hosted tooling can drive it.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/cors"

	"github.com/dragoonfly-net/dragoonfly/codec"
	"github.com/dragoonfly-net/dragoonfly/dispersal"
	"github.com/dragoonfly-net/dragoonfly/dragoonerr"
	"github.com/dragoonfly-net/dragoonfly/identity"
	"github.com/dragoonfly-net/dragoonfly/logger"
	"github.com/dragoonfly-net/dragoonfly/task"
)

var log = logger.New("httpapi")

const maxBodyBytes = 16 << 20

// Server routes external HTTP requests onto the task manager.
type Server struct {
	mgr *task.Manager
}

// NewServer returns a Server driving mgr.
func NewServer(mgr *task.Manager) *Server {
	return &Server{mgr: mgr}
}

// Handler returns the full HTTP handler, CORS-wrapped.
func (s *Server) Handler() http.Handler {
	return cors.AllowAll().Handler(http.HandlerFunc(s.route))
}

// segments splits the escaped request path and percent-decodes each
// segment, so a multiaddr passed as a single encoded segment survives its
// embedded slashes.
func segments(r *http.Request) ([]string, error) {
	raw := strings.Trim(r.URL.EscapedPath(), "/")
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, "/")
	out := make([]string, len(parts))
	for i, p := range parts {
		dec, err := url.PathUnescape(p)
		if err != nil {
			return nil, dragoonerr.Wrap(dragoonerr.BadRequest, err, "bad path segment %q", p)
		}
		out[i] = dec
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("write response: %v", err)
	}
}

func writeErr(w http.ResponseWriter, err error) {
	de := dragoonerr.Of(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(de.HTTPStatus())
	w.Write(de.JSON())
}

func readBody(r *http.Request, v interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return dragoonerr.Wrap(dragoonerr.BadRequest, err, "read request body")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return dragoonerr.Wrap(dragoonerr.BadRequest, err, "decode request body")
	}
	return nil
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	segs, err := segments(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if len(segs) == 0 {
		writeErr(w, dragoonerr.New(dragoonerr.NotFound, "no such route"))
		return
	}
	ctx := r.Context()

	switch {
	case r.Method == http.MethodGet && segs[0] == "listen" && len(segs) == 2:
		addr, err := identity.ParseMultiaddr(segs[1])
		if err != nil {
			writeErr(w, dragoonerr.Wrap(dragoonerr.BadRequest, err, "parse multiaddr"))
			return
		}
		if err := s.mgr.Listen(ctx, addr); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, "1")

	case r.Method == http.MethodPost && segs[0] == "dial-single" && len(segs) == 1:
		var raw string
		if err := readBody(r, &raw); err != nil {
			writeErr(w, err)
			return
		}
		addr, err := identity.ParseMultiaddr(raw)
		if err != nil {
			writeErr(w, dragoonerr.Wrap(dragoonerr.BadRequest, err, "parse multiaddr"))
			return
		}
		if err := s.mgr.DialSingle(ctx, addr); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, nil)

	case r.Method == http.MethodPost && segs[0] == "dial-multiple" && len(segs) == 1:
		var raws []string
		if err := readBody(r, &raws); err != nil {
			writeErr(w, err)
			return
		}
		addrs := make([]identity.Multiaddr, 0, len(raws))
		for _, raw := range raws {
			addr, err := identity.ParseMultiaddr(raw)
			if err != nil {
				writeErr(w, dragoonerr.Wrap(dragoonerr.BadRequest, err, "parse multiaddr %q", raw))
				return
			}
			addrs = append(addrs, addr)
		}
		if err := s.mgr.DialMultiple(ctx, addrs); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, nil)

	case r.Method == http.MethodGet && segs[0] == "get-listeners" && len(segs) == 1:
		listeners := s.mgr.Listeners()
		out := make([]string, len(listeners))
		for i, a := range listeners {
			out[i] = a.String()
		}
		writeJSON(w, out)

	case r.Method == http.MethodGet && segs[0] == "get-connected-peers" && len(segs) == 1:
		writeJSON(w, peerStrings(s.mgr.ConnectedPeers()))

	case r.Method == http.MethodGet && segs[0] == "get-network-info" && len(segs) == 1:
		info := s.mgr.NetworkInfo()
		writeJSON(w, map[string]int{
			"peers":                info.Peers,
			"pending":              info.Pending,
			"connections":          info.Connections,
			"established":          info.Established,
			"pending_incoming":     info.PendingIncoming,
			"pending_outgoing":     info.PendingOutgoing,
			"established_incoming": info.EstablishedIncoming,
			"established_outgoing": info.EstablishedOutgoing,
		})

	case r.Method == http.MethodPost && segs[0] == "remove-listener" && len(segs) == 1:
		var raw string
		if err := readBody(r, &raw); err != nil {
			writeErr(w, err)
			return
		}
		addr, err := identity.ParseMultiaddr(raw)
		if err != nil {
			writeErr(w, dragoonerr.Wrap(dragoonerr.BadRequest, err, "parse listener id"))
			return
		}
		writeJSON(w, s.mgr.RemoveListener(addr))

	case r.Method == http.MethodGet && segs[0] == "node-info" && len(segs) == 1:
		id, label := s.mgr.NodeInfo()
		writeJSON(w, []string{string(id), label})

	case r.Method == http.MethodPost && segs[0] == "start-provide" && len(segs) == 1:
		s.fileHashOp(w, r, s.mgr.StartProvide)

	case r.Method == http.MethodPost && segs[0] == "stop-provide" && len(segs) == 1:
		s.fileHashOp(w, r, s.mgr.StopProvide)

	case r.Method == http.MethodPost && segs[0] == "get-providers" && len(segs) == 1:
		var fileHash string
		if err := readBody(r, &fileHash); err != nil {
			writeErr(w, err)
			return
		}
		providers, err := s.mgr.GetProviders(ctx, fileHash)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, peerStrings(providers))

	case r.Method == http.MethodPost && segs[0] == "encode-file" && len(segs) == 1:
		s.encodeFile(w, r)

	case r.Method == http.MethodGet && segs[0] == "get-block-from" && len(segs) == 5:
		s.getBlockFrom(w, r, segs)

	case r.Method == http.MethodGet && segs[0] == "get-blocks-info-from" && len(segs) == 3:
		peer, err := identity.ParseID(segs[1])
		if err != nil {
			writeErr(w, dragoonerr.Wrap(dragoonerr.BadRequest, err, "parse peer id"))
			return
		}
		resp, err := s.mgr.GetBlocksInfoFrom(ctx, peer, segs[2])
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"peer_id_base_58": string(resp.Peer),
			"file_hash":       resp.FileHash,
			"block_hashes":    resp.Blocks,
		})

	case r.Method == http.MethodGet && segs[0] == "get-block-list" && len(segs) == 2:
		blocks, err := s.mgr.GetBlockList(segs[1])
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, blocks)

	case r.Method == http.MethodPost && segs[0] == "decode-blocks" && len(segs) == 1:
		s.decodeBlocks(w, r)

	case r.Method == http.MethodGet && segs[0] == "get-file" && len(segs) == 3:
		outPath, err := s.mgr.GetFile(ctx, segs[1], segs[2])
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, outPath)

	case r.Method == http.MethodPost && segs[0] == "send-block-to" && len(segs) == 1:
		s.sendBlockTo(w, r)

	case r.Method == http.MethodPost && segs[0] == "send-block-list" && len(segs) == 1:
		s.sendBlockList(w, r)

	case r.Method == http.MethodGet && segs[0] == "get-available-send-storage" && len(segs) == 1:
		writeJSON(w, s.mgr.AvailableSendStorage())

	case r.Method == http.MethodPost && segs[0] == "change-available-send-storage" && len(segs) == 1:
		var newTotal int64
		if err := readBody(r, &newTotal); err != nil {
			writeErr(w, err)
			return
		}
		t := s.mgr.ChangeSendStorage(newTotal)
		writeJSON(w, fmt.Sprintf("send storage changed: total %d bytes, used %d, free %d", t.Total, t.Used, t.Free))

	default:
		writeErr(w, dragoonerr.New(dragoonerr.NotFound, "no such route %s %s", r.Method, r.URL.Path))
	}
}

func peerStrings(peers []identity.ID) []string {
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = string(p)
	}
	return out
}

// fileHashOp covers the start-provide/stop-provide shape: a single file
// hash in the body, no result payload.
func (s *Server) fileHashOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	var fileHash string
	if err := readBody(r, &fileHash); err != nil {
		writeErr(w, err)
		return
	}
	if err := op(r.Context(), fileHash); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, nil)
}

// encodeFile handles POST encode-file with body [path, replace, method, k, n].
func (s *Server) encodeFile(w http.ResponseWriter, r *http.Request) {
	var body []json.RawMessage
	if err := readBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if len(body) != 5 {
		writeErr(w, dragoonerr.New(dragoonerr.BadRequest, "encode-file expects [path, replace, method, k, n], got %d elements", len(body)))
		return
	}
	var (
		path, methodName string
		replace          bool
		k, n             int
	)
	if err := unmarshalAll(body, &path, &replace, &methodName, &k, &n); err != nil {
		writeErr(w, err)
		return
	}
	method, err := codec.ParseMethod(methodName)
	if err != nil {
		writeErr(w, err)
		return
	}
	fileHash, blockHashes, err := s.mgr.EncodeFile(r.Context(), path, replace, method, k, n)
	if err != nil {
		writeErr(w, err)
		return
	}
	// The block hash list travels as a JSON string, not a nested array
	hashesJSON, err := json.Marshal(blockHashes)
	if err != nil {
		writeErr(w, dragoonerr.Wrap(dragoonerr.Internal, err, "marshal block hashes"))
		return
	}
	writeJSON(w, []string{fileHash, string(hashesJSON)})
}

// getBlockFrom handles GET get-block-from/<peer>/<file>/<block>/<save>.
func (s *Server) getBlockFrom(w http.ResponseWriter, r *http.Request, segs []string) {
	peer, err := identity.ParseID(segs[1])
	if err != nil {
		writeErr(w, dragoonerr.Wrap(dragoonerr.BadRequest, err, "parse peer id"))
		return
	}
	save := segs[4] == "true" || segs[4] == "1"
	data, err := s.mgr.GetBlockFrom(r.Context(), peer, segs[2], segs[3], save)
	if err != nil {
		writeErr(w, err)
		return
	}
	if save {
		writeJSON(w, "1")
		return
	}
	ints := make([]int, len(data))
	for i, b := range data {
		ints[i] = int(b)
	}
	writeJSON(w, map[string][]int{"block_data": ints})
}

// decodeBlocks handles POST decode-blocks with body
// [block_dir, [block_hash], output_filename].
func (s *Server) decodeBlocks(w http.ResponseWriter, r *http.Request) {
	var body []json.RawMessage
	if err := readBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if len(body) != 3 {
		writeErr(w, dragoonerr.New(dragoonerr.BadRequest, "decode-blocks expects [block_dir, [block_hash], output_filename]"))
		return
	}
	var (
		blockDir, outputFilename string
		blockHashes              []string
	)
	if err := unmarshalAll(body, &blockDir, &blockHashes, &outputFilename); err != nil {
		writeErr(w, err)
		return
	}
	outPath, err := s.mgr.DecodeBlocks(r.Context(), blockDir, blockHashes, outputFilename)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, outPath)
}

// sendBlockTo handles POST send-block-to with body [peer, file_hash, block_hash].
func (s *Server) sendBlockTo(w http.ResponseWriter, r *http.Request) {
	var body []string
	if err := readBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if len(body) != 3 {
		writeErr(w, dragoonerr.New(dragoonerr.BadRequest, "send-block-to expects [peer, file_hash, block_hash]"))
		return
	}
	peer, err := identity.ParseID(body[0])
	if err != nil {
		writeErr(w, dragoonerr.Wrap(dragoonerr.BadRequest, err, "parse peer id"))
		return
	}
	if err := s.mgr.SendBlockTo(r.Context(), peer, body[1], body[2]); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, []interface{}{true, body})
}

// sendBlockList handles POST send-block-list with body
// [strategy, file_hash, [block_hash]].
func (s *Server) sendBlockList(w http.ResponseWriter, r *http.Request) {
	var body []json.RawMessage
	if err := readBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if len(body) != 3 {
		writeErr(w, dragoonerr.New(dragoonerr.BadRequest, "send-block-list expects [strategy, file_hash, [block_hash]]"))
		return
	}
	var (
		strategyName, fileHash string
		blocks                 []string
	)
	if err := unmarshalAll(body, &strategyName, &fileHash, &blocks); err != nil {
		writeErr(w, err)
		return
	}
	strategy, err := dispersal.ParseName(strategyName)
	if err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.mgr.SendBlockList(r.Context(), strategy, fileHash, blocks)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, placementTriples(res.Placed))
}

func placementTriples(placed []dispersal.Placement) [][]string {
	out := make([][]string, len(placed))
	for i, p := range placed {
		out[i] = []string{string(p.Peer), p.FileHash, p.BlockHash}
	}
	return out
}

// unmarshalAll decodes each raw element into the matching target pointer.
func unmarshalAll(raws []json.RawMessage, targets ...interface{}) error {
	if len(raws) != len(targets) {
		return dragoonerr.New(dragoonerr.BadRequest, "expected %d elements, got %d", len(targets), len(raws))
	}
	for i, raw := range raws {
		if err := json.Unmarshal(raw, targets[i]); err != nil {
			return dragoonerr.Wrap(dragoonerr.BadRequest, err, "decode element %d", i)
		}
	}
	return nil
}
