package node

import (
	"context"
	"net/http"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/afero"

	"github.com/dragoonfly-net/dragoonfly/accountant"
	"github.com/dragoonfly-net/dragoonfly/codec"
	"github.com/dragoonfly-net/dragoonfly/httpapi"
	"github.com/dragoonfly-net/dragoonfly/identity"
	"github.com/dragoonfly-net/dragoonfly/logger"
	"github.com/dragoonfly-net/dragoonfly/metrics"
	"github.com/dragoonfly-net/dragoonfly/protocol/transfer"
	"github.com/dragoonfly-net/dragoonfly/store"
	"github.com/dragoonfly-net/dragoonfly/swarm"
	"github.com/dragoonfly-net/dragoonfly/task"
	"github.com/dragoonfly-net/dragoonfly/transport"
)

var log = logger.New("node")

const (
	blockInfoCacheSize = 512
	httpReadTimeout    = 30 * time.Second
	shutdownGrace      = 5 * time.Second
)

// Node is a running dragoonfly peer.
type Node struct {
	cfg   Config
	self  identity.Identity
	store *store.Store
	acct  *accountant.Accountant
	pool  *codec.Pool
	trans *transport.Transport
	swarm *swarm.Swarm
	mgr   *task.Manager

	httpServer *http.Server
}

// New assembles a node from cfg. Codec parameter loading happens here and
// its failure is fatal for startup.
func New(cfg Config, fs afero.Fs) (*Node, error) {
	if err := cfg.Validate(fs); err != nil {
		return nil, err
	}
	if err := codec.Setup(fs, cfg.PowersPath); err != nil {
		return nil, err
	}
	self := identity.FromSeed(cfg.Seed)

	root, err := cfg.dataDir()
	if err != nil {
		return nil, err
	}
	st, err := store.New(fs, root, string(self.ID), cfg.ReplaceFileDir)
	if err != nil {
		return nil, err
	}
	budget, err := cfg.Budget()
	if err != nil {
		return nil, err
	}
	acct := accountant.New(budget)
	acct.Registry(metrics.Registry())
	pool := codec.NewPool(runtime.NumCPU())

	trans := transport.New(self.ID)
	recv := transfer.ReceiverDeps{
		Accountant: acct,
		Verify:     codec.VerifyPayload,
		Put:        st.Put,
	}
	// Discovery state persists beside the file directory so a restarted
	// node rejoins from its previous peer set.
	sw, err := swarm.New(self, trans,
		filepath.Join(st.Root(), "discovery"),
		filepath.Join(st.Root(), "providers.db"),
		blockInfoCacheSize, recv)
	if err != nil {
		pool.Stop()
		return nil, err
	}
	sw.SetLocalStore(st)
	trans.SetHandler(sw)

	mgr := task.New(self, cfg.Label, sw, st, acct, pool, fs)

	n := &Node{
		cfg:   cfg,
		self:  self,
		store: st,
		acct:  acct,
		pool:  pool,
		trans: trans,
		swarm: sw,
		mgr:   mgr,
	}
	n.httpServer = &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     httpapi.NewServer(mgr).Handler(),
		ReadTimeout: httpReadTimeout,
	}
	return n, nil
}

// ID returns the node's peer identity.
func (n *Node) ID() identity.ID { return n.self.ID }

// Manager exposes the request task manager, used by tests that drive the
// node below the HTTP layer.
func (n *Node) Manager() *task.Manager { return n.mgr }

// Start serves the HTTP command surface and begins collecting process
// metrics. It blocks until the HTTP server stops.
func (n *Node) Start() error {
	go metrics.CollectProcessMetrics(3 * time.Second)
	log.Infof("node %s (%q) serving HTTP on %s", n.self.ID, n.cfg.Label, n.cfg.HTTPAddr)
	err := n.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the node down: HTTP first so no new commands arrive, then
// the swarm loop, transport and codec workers.
func (n *Node) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	n.httpServer.Shutdown(ctx)
	n.swarm.Close()
	n.trans.Close()
	n.pool.Stop()
}
