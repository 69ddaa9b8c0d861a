package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragoonfly-net/dragoonfly/accountant"
	"github.com/dragoonfly-net/dragoonfly/codec"
	"github.com/dragoonfly-net/dragoonfly/identity"
	"github.com/dragoonfly-net/dragoonfly/protocol/blockinfo"
	"github.com/dragoonfly-net/dragoonfly/protocol/transfer"
	"github.com/dragoonfly-net/dragoonfly/store"
	"github.com/dragoonfly-net/dragoonfly/swarm"
	"github.com/dragoonfly-net/dragoonfly/task"
)

// nullNet answers every network call with an empty success, enough to
// exercise the HTTP layer's parsing and response shaping.
type nullNet struct {
	listeners []identity.Multiaddr
}

func (n *nullNet) Listen(a identity.Multiaddr) error {
	n.listeners = append(n.listeners, a)
	return nil
}
func (n *nullNet) Listeners() []identity.Multiaddr        { return n.listeners }
func (n *nullNet) RemoveListener(identity.Multiaddr) bool { return len(n.listeners) > 0 }
func (n *nullNet) Dial(identity.Multiaddr) error          { return nil }
func (n *nullNet) DialMultiple(addrs []identity.Multiaddr) []error {
	return make([]error, len(addrs))
}
func (n *nullNet) ConnectedPeers() []identity.ID { return nil }
func (n *nullNet) Info() swarm.NetworkInfo {
	return swarm.NetworkInfo{Peers: 2, Established: 2, Connections: 2, EstablishedOutgoing: 2}
}
func (n *nullNet) StartProvide(string) error                   { return nil }
func (n *nullNet) StopProvide(string) error                    { return nil }
func (n *nullNet) FindProviders(string) ([]identity.ID, error) { return nil, nil }
func (n *nullNet) GetBlockInfo(identity.ID, string) (blockinfo.Response, error) {
	return blockinfo.Response{}, nil
}
func (n *nullNet) FetchBlock(identity.ID, string, string) ([]byte, error) { return nil, nil }
func (n *nullNet) SendBlockTo(identity.ID, transfer.Offer, []byte) error  { return nil }

func newTestServer(t *testing.T) (*httptest.Server, afero.Fs, *accountant.Accountant) {
	t.Helper()
	fs := afero.NewMemMapFs()
	self := identity.FromSeed(42)
	st, err := store.New(fs, "/data", string(self.ID), false)
	require.NoError(t, err)
	pool := codec.NewPool(1)
	t.Cleanup(pool.Stop)
	acct := accountant.New(5000)
	mgr := task.New(self, "httptest-node", &nullNet{}, st, acct, pool, fs)
	srv := httptest.NewServer(NewServer(mgr).Handler())
	t.Cleanup(srv.Close)
	return srv, fs, acct
}

func getJSON(t *testing.T, srv *httptest.Server, path string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body interface{}, out interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestNodeInfo(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var out []string
	resp := getJSON(t, srv, "/node-info", &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out, 2)
	assert.Equal(t, string(identity.FromSeed(42).ID), out[0])
	assert.Equal(t, "httptest-node", out[1])
}

func TestUnknownRouteIs404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var body map[string]interface{}
	resp := getJSON(t, srv, "/no-such-endpoint", &body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", body["kind"])
}

func TestListenAcceptsEncodedMultiaddr(t *testing.T) {
	srv, _, _ := newTestServer(t)
	addr := url.PathEscape("/ip4/127.0.0.1/tcp/4001")
	var out string
	resp := getJSON(t, srv, "/listen/"+addr, &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", out)

	var listeners []string
	getJSON(t, srv, "/get-listeners", &listeners)
	assert.Equal(t, []string{"/ip4/127.0.0.1/tcp/4001"}, listeners)
}

func TestNetworkInfoShape(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var out map[string]int
	resp := getJSON(t, srv, "/get-network-info", &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, out["peers"])
	assert.Equal(t, 2, out["established"])
	assert.Contains(t, out, "pending_incoming")
	assert.Contains(t, out, "established_outgoing")
}

func TestEncodeFileAndBlockList(t *testing.T) {
	srv, fs, _ := newTestServer(t)
	require.NoError(t, afero.WriteFile(fs, "/input.bin", bytes.Repeat([]byte{0xAB}, 600), 0o644))

	var out []string
	resp := postJSON(t, srv, "/encode-file", []interface{}{"/input.bin", false, "vandermonde", 2, 4}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out, 2)
	fileHash := out[0]

	// The second element is a JSON string encoding the block hash list.
	var blockHashes []string
	require.NoError(t, json.Unmarshal([]byte(out[1]), &blockHashes))
	assert.Len(t, blockHashes, 4)

	var listed []string
	getJSON(t, srv, "/get-block-list/"+fileHash, &listed)
	assert.ElementsMatch(t, blockHashes, listed)
}

func TestEncodeFileBadBody(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var body map[string]interface{}
	resp := postJSON(t, srv, "/encode-file", []interface{}{"/input.bin"}, &body)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "BadRequest", body["kind"])
}

func TestSendStorageEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var free int64
	getJSON(t, srv, "/get-available-send-storage", &free)
	assert.Equal(t, int64(5000), free)

	var msg string
	resp := postJSON(t, srv, "/change-available-send-storage", 9000, &msg)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, msg, "9000")

	getJSON(t, srv, "/get-available-send-storage", &free)
	assert.Equal(t, int64(9000), free)
}

func TestGetFileErrorCarriesStructuredContext(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var body map[string]interface{}
	resp := getJSON(t, srv, "/get-file/deadbeef/out.bin", &body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", body["kind"])
	require.Contains(t, body, "context")
	ctx := body["context"].(map[string]interface{})
	assert.Equal(t, "fetch-blocks", ctx["stage"])
}
