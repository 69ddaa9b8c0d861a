package discover

import (
	"encoding/json"
	"os"
	"time"

	"github.com/boltdb/bolt"

	"github.com/dragoonfly-net/dragoonfly/identity"
)

// providerBucket is the single bucket of the ledger, keyed by file hash,
// value a JSON-encoded recordsByFile.
var providerBucket = []byte("providers")

// ProviderRecord announces that a peer holds (or held) a file's blocks.
type ProviderRecord struct {
	Peer        identity.ID
	Addr        identity.Multiaddr
	PublishedAt time.Time
	ExpiresAt   time.Time
}

// ProviderStore is the local ledger of provider records, backed by
// boltdb/bolt so it survives restarts the way the node database does
// for discovery, but as a separate store since provider records have
// their own publish/expiry lifecycle independent of routing-table
// membership.
type ProviderStore struct {
	db *bolt.DB
}

// OpenProviderStore opens (creating if needed) the provider ledger at path.
// With path "" the ledger lives in a fresh temporary file that is unlinked
// once opened, so it is discarded when the store is closed.
func OpenProviderStore(path string) (*ProviderStore, error) {
	temp := path == ""
	if temp {
		f, err := os.CreateTemp("", "providers-*.db")
		if err != nil {
			return nil, err
		}
		path = f.Name()
		f.Close()
		defer os.Remove(path)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(providerBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &ProviderStore{db: db}, nil
}

func fileBucketKey(fileHash string) []byte {
	return []byte(fileHash)
}

// recordsByFile is the JSON-encoded value stored under each file hash:
// a map of peer ID to record, so one bolt Put covers a whole file's
// provider set without needing nested buckets.
type recordsByFile map[string]ProviderRecord

// Publish records (or refreshes) that peer provides fileHash, expiring at
// expiresAt.
func (s *ProviderStore) Publish(fileHash string, rec ProviderRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(providerBucket)
		recs, err := loadRecords(b, fileHash)
		if err != nil {
			return err
		}
		recs[string(rec.Peer)] = rec
		return storeRecords(b, fileHash, recs)
	})
}

// Unpublish removes peer's provider record for fileHash.
// Already-dispersed blocks are not recalled; this only
// affects future discovery; remote copies age out on their own expiry.
func (s *ProviderStore) Unpublish(fileHash string, peer identity.ID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(providerBucket)
		recs, err := loadRecords(b, fileHash)
		if err != nil {
			return err
		}
		delete(recs, string(peer))
		if len(recs) == 0 {
			return b.Delete(fileBucketKey(fileHash))
		}
		return storeRecords(b, fileHash, recs)
	})
}

// Providers returns the non-expired provider records for fileHash.
func (s *ProviderStore) Providers(fileHash string, now time.Time) ([]ProviderRecord, error) {
	var out []ProviderRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(providerBucket)
		recs, err := loadRecords(b, fileHash)
		if err != nil {
			return err
		}
		for _, r := range recs {
			if r.ExpiresAt.After(now) {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

// Republish extends the expiry of every local record whose ExpiresAt is
// within refreshWindow of now, the bolt-backed analogue of the discovery
// table's periodic refresh loop.
func (s *ProviderStore) Republish(self identity.ID, now time.Time, ttl, refreshWindow time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(providerBucket)
		return b.ForEach(func(k, v []byte) error {
			recs, err := decodeRecords(v)
			if err != nil {
				return err
			}
			rec, ok := recs[string(self)]
			if !ok || rec.ExpiresAt.Sub(now) > refreshWindow {
				return nil
			}
			rec.PublishedAt = now
			rec.ExpiresAt = now.Add(ttl)
			recs[string(self)] = rec
			return storeRecords(b, string(k), recs)
		})
	})
}

func loadRecords(b *bolt.Bucket, fileHash string) (recordsByFile, error) {
	v := b.Get(fileBucketKey(fileHash))
	if v == nil {
		return recordsByFile{}, nil
	}
	return decodeRecords(v)
}

func decodeRecords(v []byte) (recordsByFile, error) {
	recs := recordsByFile{}
	if len(v) == 0 {
		return recs, nil
	}
	if err := json.Unmarshal(v, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func storeRecords(b *bolt.Bucket, fileHash string, recs recordsByFile) error {
	raw, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	return b.Put(fileBucketKey(fileHash), raw)
}

// Close closes the underlying bolt database.
func (s *ProviderStore) Close() error {
	return s.db.Close()
}
