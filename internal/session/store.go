package session

import (
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

var (
	ErrDuplicateID = errors.New("session id already exists")
	ErrStoreClosed = errors.New("session store closed")
)

// Store tracks live and recently closed session records. It is sharded by
// session id so that unrelated exams do not contend on one lock.
type Store struct {
	shards [shardCount]shard

	mu     sync.RWMutex
	closed bool
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].records = make(map[string]*Record)
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	return &s.shards[xxhash.Sum64String(id)%shardCount]
}

// Insert adds rec. It fails if the id is taken or the store is closed.
func (s *Store) Insert(rec *Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	sh := s.shardFor(rec.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.records[rec.ID()]; ok {
		return ErrDuplicateID
	}
	sh.records[rec.ID()] = rec
	return nil
}

func (s *Store) Get(id string) (*Record, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.records[id]
	return rec, ok
}

// Delete removes id and reports whether it was present.
func (s *Store) Delete(id string) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.records[id]; !ok {
		return false
	}
	delete(sh.records, id)
	return true
}

// Range calls fn for every record until fn returns false. fn must not call
// back into the store for the same shard with a write.
func (s *Store) Range(fn func(*Record) bool) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		recs := make([]*Record, 0, len(sh.records))
		for _, r := range sh.records {
			recs = append(recs, r)
		}
		sh.mu.RUnlock()

		for _, r := range recs {
			if !fn(r) {
				return
			}
		}
	}
}

// Filter returns the records for which keep returns true.
func (s *Store) Filter(keep func(*Record) bool) []*Record {
	var out []*Record
	s.Range(func(r *Record) bool {
		if keep(r) {
			out = append(out, r)
		}
		return true
	})
	return out
}

func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.records)
		sh.mu.RUnlock()
	}
	return n
}

// Close rejects further inserts. Existing records stay readable so callers
// can finish shutting sessions down.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
