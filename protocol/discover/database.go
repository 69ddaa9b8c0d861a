package discover

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/dragoonfly-net/dragoonfly/identity"
)

// nodeDB persists known nodes and their bonding history across restarts,
// a persistent seed-node cache, here
// backed by goleveldb instead of an ad hoc LevelDB wrapper.
type nodeDB struct {
	db *leveldb.DB
}

const (
	dbNodePrefix          = "n:"
	dbPingSuffix          = ":lastping"
	dbPongSuffix          = ":lastpong"
	dbFailsSuffix         = ":findfails"
	dbVersionKey          = "version"
	nodeDBVersion         = 1
	nodeDBCleanupInterval = time.Hour
	nodeDBNodeExpiration  = 24 * time.Hour
)

// newNodeDB opens the node database at path, or an in-memory store if path
// is empty (used by tests and by nodes that don't want persistence).
func newNodeDB(path string) (*nodeDB, error) {
	if path == "" {
		db, err := leveldb.Open(storage.NewMemStorage(), nil)
		if err != nil {
			return nil, err
		}
		return &nodeDB{db: db}, nil
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	ndb := &nodeDB{db: db}
	if err := ndb.checkVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return ndb, nil
}

func (db *nodeDB) checkVersion() error {
	raw, err := db.db.Get([]byte(dbVersionKey), nil)
	if err == leveldb.ErrNotFound {
		return db.db.Put([]byte(dbVersionKey), []byte{nodeDBVersion}, nil)
	}
	if err != nil {
		return err
	}
	if len(raw) != 1 || raw[0] != nodeDBVersion {
		return db.wipe()
	}
	return nil
}

func (db *nodeDB) wipe() error {
	db.db.Close()
	return os.ErrInvalid // caller should delete and reopen; left as a TODO for the CLI
}

func nodeKey(id identity.ID, suffix string) []byte {
	return []byte(dbNodePrefix + string(id) + suffix)
}

func (db *nodeDB) node(id identity.ID) *Node {
	raw, err := db.db.Get(nodeKey(id, ""), nil)
	if err != nil {
		return nil
	}
	var stored struct {
		Host string
		Port uint16
		IPv6 bool
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil
	}
	return NewNode(id, identity.Multiaddr{Host: stored.Host, Port: stored.Port, IPv6: stored.IPv6, Peer: id})
}

func (db *nodeDB) updateNode(n *Node) error {
	raw, err := json.Marshal(struct {
		Host string
		Port uint16
		IPv6 bool
	}{n.Addr.Host, n.Addr.Port, n.Addr.IPv6})
	if err != nil {
		return err
	}
	return db.db.Put(nodeKey(n.ID, ""), raw, nil)
}

func (db *nodeDB) deleteNode(id identity.ID) error {
	return db.db.Delete(nodeKey(id, ""), nil)
}

func timeKey(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.Unix()))
	return buf
}

func (db *nodeDB) updateLastPing(id identity.ID, t time.Time) error {
	return db.db.Put(nodeKey(id, dbPingSuffix), timeKey(t), nil)
}

func (db *nodeDB) lastPing(id identity.ID) time.Time {
	return db.readTime(nodeKey(id, dbPingSuffix))
}

func (db *nodeDB) updateLastPong(id identity.ID, t time.Time) error {
	return db.db.Put(nodeKey(id, dbPongSuffix), timeKey(t), nil)
}

func (db *nodeDB) lastPong(id identity.ID) time.Time {
	return db.readTime(nodeKey(id, dbPongSuffix))
}

func (db *nodeDB) readTime(key []byte) time.Time {
	raw, err := db.db.Get(key, nil)
	if err != nil || len(raw) != 8 {
		return time.Time{}
	}
	return time.Unix(int64(binary.BigEndian.Uint64(raw)), 0)
}

func (db *nodeDB) findFails(id identity.ID) int {
	raw, err := db.db.Get(nodeKey(id, dbFailsSuffix), nil)
	if err != nil || len(raw) != 4 {
		return 0
	}
	return int(binary.BigEndian.Uint32(raw))
}

func (db *nodeDB) updateFindFails(id identity.ID, fails int) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(fails))
	return db.db.Put(nodeKey(id, dbFailsSuffix), buf, nil)
}

// querySeeds returns up to n nodes from the database that last ponged
// within maxAge, used to re-seed the table on startup.
func (db *nodeDB) querySeeds(n int, maxAge time.Duration) []*Node {
	iter := db.db.NewIterator(nil, nil)
	defer iter.Release()

	var seeds []*Node
	cutoff := time.Now().Add(-maxAge)
	for iter.Next() && len(seeds) < n {
		key := string(iter.Key())
		if len(key) < len(dbNodePrefix) || key[:len(dbNodePrefix)] != dbNodePrefix {
			continue
		}
		rest := key[len(dbNodePrefix):]
		// only the bare node record (no suffix) carries the address.
		if containsSuffix(rest) {
			continue
		}
		id := identity.ID(rest)
		if db.lastPong(id).Before(cutoff) {
			continue
		}
		if n := db.node(id); n != nil {
			seeds = append(seeds, n)
		}
	}
	return seeds
}

func containsSuffix(s string) bool {
	for _, suf := range []string{dbPingSuffix, dbPongSuffix, dbFailsSuffix} {
		if len(s) >= len(suf) && s[len(s)-len(suf):] == suf {
			return true
		}
	}
	return false
}

func (db *nodeDB) close() error {
	return db.db.Close()
}
