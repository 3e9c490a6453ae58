// Package wal is the durable, version ordered log of committed mutations.
// Every version is stored as one record holding its transaction boundary
// followed by the mutations committed with it.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/changefeed/capture"
	"github.com/maxpert/changefeed/encoding"
	"github.com/maxpert/changefeed/hlc"
	"github.com/maxpert/changefeed/mutation"
	"github.com/maxpert/changefeed/notify"
	"github.com/maxpert/changefeed/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	// ErrClosed is returned by operations on a closed log
	ErrClosed = errors.New("mutation log is closed")
	// ErrVersionNotFound is returned for versions never committed or already truncated
	ErrVersionNotFound = errors.New("version not found in mutation log")
	// ErrBoundaryNotAllowed is returned when a caller tries to commit its own transaction boundary
	ErrBoundaryNotAllowed = errors.New("transaction boundaries are assigned by the log")
)

// Key prefixes for Pebble storage
const (
	prefixVersion = "/wal/"        // /wal/{16-hex-version}
	prefixCursor  = "/cursor/"     // /cursor/{name}
	keyLastVer    = "/walmeta/ver" // newest committed version
	keyHorizon    = "/walmeta/hor" // oldest retained version
)

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

const defaultCacheVersions = 1024

// Options configures a Log
type Options struct {
	Catalog       string
	Compression   string
	CacheVersions int
	Clock         *hlc.Clock
	Notifier      *notify.Hub
}

// Log is a pebble backed mutation log
type Log struct {
	db       *pebble.DB
	path     string
	catalog  string
	codec    *codec
	clock    *hlc.Clock
	notifier *notify.Hub
	cache    *lru.Cache[int64, []capture.Mutation]

	commitMu sync.Mutex
	version  atomic.Int64
	horizon  atomic.Int64
	closed   atomic.Bool
}

// Open creates or opens the log stored under dir
func Open(dir string, opts Options) (*Log, error) {
	compression, err := ParseCompression(opts.Compression)
	if err != nil {
		return nil, err
	}
	if opts.CacheVersions < 1 {
		opts.CacheVersions = defaultCacheVersions
	}
	if opts.Clock == nil {
		opts.Clock = hlc.NewClock(0)
	}

	path := filepath.Clean(dir)
	db, err := pebble.Open(path, &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open mutation log at %s: %w", path, err)
	}

	cache, err := lru.New[int64, []capture.Mutation](opts.CacheVersions)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create version cache: %w", err)
	}
	c, err := newCodec(compression)
	if err != nil {
		db.Close()
		return nil, err
	}

	l := &Log{
		db:       db,
		path:     path,
		catalog:  opts.Catalog,
		codec:    c,
		clock:    opts.Clock,
		notifier: opts.Notifier,
		cache:    cache,
	}

	version, err := l.loadMeta(keyLastVer)
	if err != nil {
		l.close()
		return nil, fmt.Errorf("failed to load committed version: %w", err)
	}
	horizon, err := l.loadMeta(keyHorizon)
	if err != nil {
		l.close()
		return nil, fmt.Errorf("failed to load retention horizon: %w", err)
	}
	l.version.Store(version)
	l.horizon.Store(horizon)
	telemetry.WALCommittedVersion.Set(float64(version))

	log.Info().
		Str("path", path).
		Str("compression", compression.String()).
		Int64("version", version).
		Int64("horizon", horizon).
		Msg("Opened mutation log")
	return l, nil
}

func (l *Log) loadMeta(key string) (int64, error) {
	val, closer, err := l.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("invalid %s value length: %d", key, len(val))
	}
	return int64(binary.LittleEndian.Uint64(val)), nil
}

func encodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return buf
}

// Commit persists mutations as the next version. The returned batch starts
// with the transaction boundary assigned by the log.
func (l *Log) Commit(mutations ...capture.Mutation) (int64, []capture.Mutation, error) {
	for _, m := range mutations {
		if _, ok := m.(capture.Boundary); ok {
			return 0, nil, ErrBoundaryNotAllowed
		}
	}

	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	if l.closed.Load() {
		return 0, nil, ErrClosed
	}

	start := time.Now()
	version := l.version.Load() + 1
	ts := l.clock.Now()

	batch := make([]capture.Mutation, 0, len(mutations)+1)
	batch = append(batch, &mutation.Transaction{
		Version:       version,
		TxnID:         ts.ToTxnID(),
		MutationCount: int32(len(mutations)),
		CommitTS:      ts.UnixMilli(),
	})
	batch = append(batch, mutations...)

	raw, err := mutation.EncodeBatch(batch)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode version %d: %w", version, err)
	}
	record, err := l.codec.encode(raw)
	if err != nil {
		return 0, nil, err
	}

	b := l.db.NewBatch()
	defer b.Close()
	if err := b.Set(versionKey(version), record, nil); err != nil {
		return 0, nil, fmt.Errorf("failed to write version %d: %w", version, err)
	}
	if err := b.Set([]byte(keyLastVer), encodeInt64(version), nil); err != nil {
		return 0, nil, fmt.Errorf("failed to update committed version: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, nil, fmt.Errorf("failed to commit version %d: %w", version, err)
	}

	// Only publish the version AFTER successful commit
	l.version.Store(version)
	l.cache.Add(version, batch)

	telemetry.WALCommits.Inc()
	telemetry.WALCommitSeconds.Observe(time.Since(start).Seconds())
	telemetry.WALCommittedVersion.Set(float64(version))

	if l.notifier != nil {
		l.notifier.Signal(l.catalog, version)
	}
	return version, batch, nil
}

// CommittedVersion returns the newest committed version, 0 when empty
func (l *Log) CommittedVersion() int64 {
	return l.version.Load()
}

// Horizon returns the oldest version still retained
func (l *Log) Horizon() int64 {
	return l.horizon.Load()
}

// ReadVersion returns the mutations of one version, boundary first
func (l *Log) ReadVersion(version int64) ([]capture.Mutation, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	return l.readVersion(version)
}

func (l *Log) readVersion(version int64) ([]capture.Mutation, error) {
	if batch, ok := l.cache.Get(version); ok {
		telemetry.WALCacheHits.Inc()
		return batch, nil
	}
	telemetry.WALCacheMisses.Inc()

	val, closer, err := l.db.Get(versionKey(version))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read version %d: %w", version, err)
	}
	raw, err := l.codec.decode(val)
	closer.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to decode version %d: %w", version, err)
	}

	batch, err := mutation.DecodeBatch(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode version %d: %w", version, err)
	}
	l.cache.Add(version, batch)
	return batch, nil
}

// CommittedMutationStream iterates the mutations of every version >= since
// that was committed when the stream was opened. A since below the retention
// horizon fails with capture.ErrOutOfScope.
func (l *Log) CommittedMutationStream(since int64) (capture.MutationIterator, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	next := since
	if h := l.horizon.Load(); next < h {
		return nil, fmt.Errorf("%w: version %d is below horizon %d", capture.ErrOutOfScope, since, h)
	}
	if next < 1 {
		next = 1
	}
	return &iterator{
		log:     l,
		next:    next,
		ceiling: l.version.Load(),
	}, nil
}

// TruncateBefore drops every version below version and raises the horizon
func (l *Log) TruncateBefore(version int64) error {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	if l.closed.Load() {
		return ErrClosed
	}
	if limit := l.version.Load() + 1; version > limit {
		version = limit
	}
	if version <= l.horizon.Load() {
		return nil
	}

	if err := l.db.DeleteRange([]byte(prefixVersion), versionKey(version), pebble.Sync); err != nil {
		return fmt.Errorf("failed to truncate mutation log: %w", err)
	}
	if err := l.db.Set([]byte(keyHorizon), encodeInt64(version), pebble.Sync); err != nil {
		return fmt.Errorf("failed to update retention horizon: %w", err)
	}
	l.horizon.Store(version)

	for _, v := range l.cache.Keys() {
		if v < version {
			l.cache.Remove(v)
		}
	}

	log.Debug().Int64("horizon", version).Msg("Truncated mutation log")
	return nil
}

// SaveCursor persists the last position a named consumer processed
func (l *Log) SaveCursor(name string, pos capture.Position) error {
	if l.closed.Load() {
		return ErrClosed
	}
	val, err := encoding.Marshal(&pos)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}
	if err := l.db.Set([]byte(prefixCursor+name), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}
	return nil
}

// LoadCursor returns the stored cursor of a consumer
func (l *Log) LoadCursor(name string) (capture.Position, bool, error) {
	if l.closed.Load() {
		return capture.Position{}, false, ErrClosed
	}
	val, closer, err := l.db.Get([]byte(prefixCursor + name))
	if err == pebble.ErrNotFound {
		return capture.Position{}, false, nil
	}
	if err != nil {
		return capture.Position{}, false, err
	}
	defer closer.Close()

	var pos capture.Position
	if err := encoding.Unmarshal(val, &pos); err != nil {
		return capture.Position{}, false, fmt.Errorf("corrupted cursor %s: %w", name, err)
	}
	return pos, true, nil
}

// Cursors returns every stored cursor
func (l *Log) Cursors() (map[string]capture.Position, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	prefix := []byte(prefixCursor)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	cursors := make(map[string]capture.Position)
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefixCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var pos capture.Position
		if err := encoding.Unmarshal(val, &pos); err != nil {
			log.Warn().Err(err).Str("cursor", name).Msg("Skipping corrupted cursor")
			continue
		}
		cursors[name] = pos
	}
	return cursors, iter.Error()
}

// Close closes the log; open streams fail afterwards
func (l *Log) Close() error {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	if !l.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return l.close()
}

func (l *Log) close() error {
	l.codec.close()
	return l.db.Close()
}

func versionKey(version int64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixVersion, version))
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
