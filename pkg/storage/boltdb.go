package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/renderfarm/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// FileName is the database file inside the farm data directory
const FileName = "renderfarm.db"

var (
	bucketNodes = []byte("nodes")
	bucketJobs  = []byte("jobs")
)

// BoltStore keeps farm history in a single BoltDB file
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens or creates the database in dataDir. Opening fails
// after one second if another farm holds the file lock.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, FileName)

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketNodes, bucketJobs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close releases the file lock
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) PutNode(node *types.Node) error {
	return putRecord(s.db, bucketNodes, node.Key.String(), node)
}

func (s *BoltStore) GetNode(key types.NodeKey) (*types.Node, error) {
	return getRecord[types.Node](s.db, bucketNodes, key.String())
}

// ListNodes returns known nodes ordered by host:port
func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	return listRecords[types.Node](s.db, bucketNodes)
}

func (s *BoltStore) DeleteNode(key types.NodeKey) error {
	return deleteRecord(s.db, bucketNodes, key.String())
}

func (s *BoltStore) PutJob(job *types.JobRecord) error {
	return putRecord(s.db, bucketJobs, job.ID, job)
}

func (s *BoltStore) GetJob(id string) (*types.JobRecord, error) {
	return getRecord[types.JobRecord](s.db, bucketJobs, id)
}

// ListJobs returns all jobs, oldest first
func (s *BoltStore) ListJobs() ([]*types.JobRecord, error) {
	jobs, err := listRecords[types.JobRecord](s.db, bucketJobs)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	return jobs, nil
}

func (s *BoltStore) DeleteJob(id string) error {
	return deleteRecord(s.db, bucketJobs, id)
}

func putRecord[T any](db *bolt.DB, bucket []byte, key string, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func getRecord[T any](db *bolt.DB, bucket []byte, key string) (*T, error) {
	var out T
	err := db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// listRecords decodes a whole bucket in key order
func listRecords[T any](db *bolt.DB, bucket []byte) ([]*T, error) {
	var out []*T
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			rec := new(T)
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("decode %s/%s: %w", bucket, k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func deleteRecord(db *bolt.DB, bucket []byte, key string) error {
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}
