package resume

import (
	"encoding/binary"
	"errors"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// FrameStore retains encoded frames by session token and position until they are acknowledged
type FrameStore interface {
	Append(token []byte, pos uint64, data []byte) error
	// Trim drops every frame at or below upTo and returns how many bytes were freed
	Trim(token []byte, upTo uint64) (int, error)
	// Range calls fn in ascending position order for every frame above after
	Range(token []byte, after uint64, fn func(pos uint64, data []byte) error) error
	Delete(token []byte) error
}

type storedFrame struct {
	pos  uint64
	data []byte
}

// MemoryStore keeps frames in process memory
type MemoryStore struct {
	m      sync.Mutex
	frames map[string][]storedFrame
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{frames: make(map[string][]storedFrame)}
}

func (s *MemoryStore) Append(token []byte, pos uint64, data []byte) error {
	s.m.Lock()
	defer s.m.Unlock()
	key := string(token)
	s.frames[key] = append(s.frames[key], storedFrame{pos, data})
	return nil
}

func (s *MemoryStore) Trim(token []byte, upTo uint64) (int, error) {
	s.m.Lock()
	defer s.m.Unlock()
	key := string(token)
	frames := s.frames[key]
	freed := 0
	i := 0
	for ; i < len(frames) && frames[i].pos <= upTo; i++ {
		freed += len(frames[i].data)
		frames[i].data = nil
	}
	s.frames[key] = frames[i:]
	return freed, nil
}

func (s *MemoryStore) Range(token []byte, after uint64, fn func(uint64, []byte) error) error {
	s.m.Lock()
	frames := append([]storedFrame(nil), s.frames[string(token)]...)
	s.m.Unlock()
	for _, f := range frames {
		if f.pos <= after {
			continue
		}
		if err := fn(f.pos, f.data); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Delete(token []byte) error {
	s.m.Lock()
	delete(s.frames, string(token))
	s.m.Unlock()
	return nil
}

// BoltStore persists frames in a bbolt database, one bucket per session keyed by the token's
// fingerprint, with 8 byte big-endian positions as keys so that cursor order is position order
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func posToB(pos uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, pos)
	return b
}

func bucketName(token []byte) []byte { return []byte(Fingerprint(token)) }

func (s *BoltStore) Append(token []byte, pos uint64, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketName(token))
		if err != nil {
			return err
		}
		return bucket.Put(posToB(pos), data)
	})
}

func (s *BoltStore) Trim(token []byte, upTo uint64) (int, error) {
	freed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(token))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.First(); k != nil && binary.BigEndian.Uint64(k) <= upTo; k, v = c.First() {
			freed += len(v)
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	return freed, err
}

func (s *BoltStore) Range(token []byte, after uint64, fn func(uint64, []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(token))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Seek(posToB(after + 1)); k != nil; k, v = c.Next() {
			// values are only valid for the life of the transaction
			data := make([]byte, len(v))
			copy(data, v)
			if err := fn(binary.BigEndian.Uint64(k), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Delete(token []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(bucketName(token))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// Sessions returns the number of sessions with frames on disk
func (s *BoltStore) Sessions() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func([]byte, *bolt.Bucket) error {
			n++
			return nil
		})
	})
	return n, err
}

// Clear drops the frames of every session, returning how many there were
func (s *BoltStore) Clear() (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		var names [][]byte
		err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		n = len(names)
		return nil
	})
	return n, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
