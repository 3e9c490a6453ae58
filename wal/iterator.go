package wal

import (
	"github.com/maxpert/changefeed/capture"
)

// iterator reads versions lazily up to the version committed when the stream
// was opened. Versions truncated meanwhile fail the stream with
// ErrVersionNotFound.
type iterator struct {
	log     *Log
	next    int64
	ceiling int64

	batch  []capture.Mutation
	idx    int
	err    error
	closed bool
}

func (it *iterator) Next() (capture.Mutation, bool) {
	for it.idx >= len(it.batch) {
		if it.err != nil || it.closed || it.next > it.ceiling {
			return nil, false
		}
		if it.log.closed.Load() {
			it.err = ErrClosed
			return nil, false
		}
		batch, err := it.log.readVersion(it.next)
		if err != nil {
			it.err = err
			return nil, false
		}
		it.batch = batch
		it.idx = 0
		it.next++
	}

	m := it.batch[it.idx]
	it.idx++
	return m, true
}

func (it *iterator) Err() error {
	return it.err
}

func (it *iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.batch = nil
	return nil
}
