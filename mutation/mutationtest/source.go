// Package mutationtest builds committed mutation histories for tests.
package mutationtest

import (
	"fmt"
	"sync"

	"github.com/maxpert/changefeed/capture"
	"github.com/maxpert/changefeed/mutation"
)

// Version builds the mutations of one version: the transaction followed by
// size single event entity upserts.
func Version(version int64, size int) []capture.Mutation {
	batch := make([]capture.Mutation, 0, size+1)
	batch = append(batch, &mutation.Transaction{
		Version:       version,
		TxnID:         uint64(version),
		MutationCount: int32(size),
	})
	for i := 0; i < size; i++ {
		batch = append(batch, &mutation.EntityUpsert{
			EntityType: "product",
			PrimaryKey: int32(i + 1),
		})
	}
	return batch
}

// Source is an in-memory durable source. Versions start at 1.
type Source struct {
	mu       sync.Mutex
	versions [][]capture.Mutation
	opened   int
	closed   int
	failAt   int64
	horizon  int64
}

// NewSource creates a source holding one version per size
func NewSource(sizes ...int) *Source {
	s := &Source{}
	for _, size := range sizes {
		s.Append(size)
	}
	return s
}

// Append commits a new version of the given size and returns its number
func (s *Source) Append(size int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := int64(len(s.versions) + 1)
	s.versions = append(s.versions, Version(v, size))
	return v
}

// AppendBatch commits an already built batch
func (s *Source) AppendBatch(batch []capture.Mutation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = append(s.versions, batch)
}

// FailReadsAt makes iteration fail when it reaches the given version
func (s *Source) FailReadsAt(version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAt = version
}

// CommittedVersion returns the newest committed version
func (s *Source) CommittedVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.versions))
}

// Horizon returns the oldest retained version
func (s *Source) Horizon() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.horizon
}

// TruncateBefore forgets every version below version
func (s *Source) TruncateBefore(version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version > s.horizon {
		s.horizon = version
	}
	return nil
}

// ReadVersion returns the mutations of one version
func (s *Source) ReadVersion(version int64) ([]capture.Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version < 1 || version < s.horizon || version > int64(len(s.versions)) {
		return nil, fmt.Errorf("version %d not found", version)
	}
	return s.versions[version-1], nil
}

// CommittedMutationStream iterates every mutation of versions >= since
func (s *Source) CommittedMutationStream(since int64) (capture.MutationIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if since < s.horizon {
		return nil, fmt.Errorf("%w: version %d is below horizon %d", capture.ErrOutOfScope, since, s.horizon)
	}
	s.opened++

	var items []capture.Mutation
	for i, batch := range s.versions {
		if int64(i+1) < since {
			continue
		}
		items = append(items, batch...)
	}
	return &iterator{source: s, items: items, failAt: s.failAt}, nil
}

// OpenIterators returns how many iterators are currently not closed
func (s *Source) OpenIterators() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened - s.closed
}

type iterator struct {
	source *Source
	items  []capture.Mutation
	pos    int
	failAt int64
	err    error
}

func (it *iterator) Next() (capture.Mutation, bool) {
	if it.err != nil || it.pos >= len(it.items) {
		return nil, false
	}
	m := it.items[it.pos]
	if b, ok := m.(capture.Boundary); ok && it.failAt > 0 && b.TransactionVersion() == it.failAt {
		it.err = fmt.Errorf("injected read failure at version %d", it.failAt)
		return nil, false
	}
	it.pos++
	return m, true
}

func (it *iterator) Err() error {
	return it.err
}

func (it *iterator) Close() error {
	it.source.mu.Lock()
	it.source.closed++
	it.source.mu.Unlock()
	return nil
}
