// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package quarry provides an embedded log-structured key-value write path:
// concurrently submitted batches are gathered into group commits that share
// a single WAL write, and applied to an arena-backed memtable, possibly in
// parallel.
package quarry

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quarrydb/quarry/internal/arenaskl"
	"github.com/quarrydb/quarry/internal/base"
	"github.com/quarrydb/quarry/record"
)

// SeqNum exports the base.SeqNum type.
type SeqNum = base.SeqNum

// ErrNotFound is returned when a get does not find the requested key.
var ErrNotFound = base.ErrNotFound

// ErrClosed is returned when an operation is performed on a closed DB.
var ErrClosed = errors.New("quarry: closed")

// DB provides a concurrent, persistent ordered key/value store backed by a
// write-ahead log and a stack of memtables.
type DB struct {
	dirname string
	opts    *Options

	commit *commitPipeline

	// Prometheus instrumentation, registerable via Collectors.
	commitGroups    prometheus.Counter
	commitWriters   prometheus.Counter
	writeStalls     prometheus.Counter
	walFsyncLatency prometheus.Histogram

	flushWorkerDone chan struct{}

	mu struct {
		sync.Mutex

		closed bool

		mem struct {
			// mutable is the memtable accepting new writes.
			mutable *memTable
			// queue holds immutable memtables awaiting flush, oldest first.
			queue []*memTable
			// flushed holds retired memtables, oldest first. There is no
			// sstable tier: a flushed memtable stays readable, its arena
			// sealed, with its WAL retained on disk for recovery.
			flushed []*memTable
		}

		log struct {
			number uint32
			*record.LogWriter
		}

		// stallActive is true while the stall sentinel is installed on the
		// commit queue.
		stallActive bool

		// flushCond wakes the flush worker; flushedCond is broadcast after
		// each retired memtable.
		flushCond   sync.Cond
		flushedCond sync.Cond

		flushes int64
	}
}

// Open opens the DB rooted at dirname, creating the directory if needed and
// replaying any write-ahead logs found in it.
func Open(dirname string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = defaultOptions()
	} else {
		opts = opts.EnsureDefaults()
	}
	if err := os.MkdirAll(dirname, 0755); err != nil {
		return nil, err
	}

	d := &DB{
		dirname: dirname,
		opts:    opts,
		commitGroups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quarry_commit_groups_total",
			Help: "Write groups committed.",
		}),
		commitWriters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quarry_commit_writers_total",
			Help: "Writers committed across all groups.",
		}),
		writeStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quarry_write_stalls_total",
			Help: "Write stalls installed on the commit queue.",
		}),
		flushWorkerDone: make(chan struct{}),
	}
	d.walFsyncLatency = opts.WALFsyncLatency
	if d.walFsyncLatency == nil {
		d.walFsyncLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quarry_wal_fsync_latency_nanos",
			Help:    "WAL fsync latency in nanoseconds.",
			Buckets: prometheus.ExponentialBuckets(1e3, 4, 12),
		})
	}
	d.mu.flushCond.L = &d.mu.Mutex
	d.mu.flushedCond.L = &d.mu.Mutex
	d.mu.mem.mutable = newMemTable(opts)

	d.commit = newCommitPipeline(commitEnv{
		write: d.commitWrite,
		apply: d.commitApply,
	}, opts)
	d.commit.commitGroups = d.commitGroups
	d.commit.commitWriters = d.commitWriters
	d.commit.writeStalls = d.writeStalls

	maxLogNum, err := d.replayWALs()
	if err != nil {
		return nil, err
	}
	if err := d.createWAL(maxLogNum + 1); err != nil {
		return nil, err
	}

	go d.flushWorker()
	return d, nil
}

func walFilename(dirname string, logNum uint32) string {
	return filepath.Join(dirname, fmt.Sprintf("%06d.log", logNum))
}

// replayWALs reads every WAL in the directory in log-number order,
// re-applying its batches to the memtable stack, and returns the largest
// log number seen.
func (d *DB) replayWALs() (maxLogNum uint32, err error) {
	entries, err := os.ReadDir(d.dirname)
	if err != nil {
		return 0, err
	}
	var logNums []uint32
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		var n uint32
		if _, err := fmt.Sscanf(name, "%06d.log", &n); err != nil {
			continue
		}
		logNums = append(logNums, n)
	}
	sort.Slice(logNums, func(i, j int) bool { return logNums[i] < logNums[j] })

	for _, logNum := range logNums {
		if err := d.replayWAL(logNum); err != nil {
			return 0, err
		}
		if logNum > maxLogNum {
			maxLogNum = logNum
		}
	}
	return maxLogNum, nil
}

func (d *DB) replayWAL(logNum uint32) error {
	f, err := os.Open(walFilename(d.dirname, logNum))
	if err != nil {
		return err
	}
	defer f.Close()

	d.mu.mem.mutable.logNum = logNum
	rr := record.NewReader(f, logNum)
	for {
		r, err := rr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if record.IsInvalidRecord(err) {
				// A torn write at the tail of the log is the expected crash
				// artifact; everything before it has been applied.
				d.opts.Logger.Infof("quarry: WAL %06d: stopping replay at invalid record: %v", logNum, err)
				return nil
			}
			return err
		}
		data, err := io.ReadAll(r)
		if err != nil {
			if record.IsInvalidRecord(err) {
				d.opts.Logger.Infof("quarry: WAL %06d: stopping replay at invalid record: %v", logNum, err)
				return nil
			}
			return err
		}
		b := &Batch{}
		if err := b.SetRepr(slices.Clone(data)); err != nil {
			return err
		}
		if err := d.replayBatch(b, logNum); err != nil {
			return err
		}
	}
}

// replayBatch applies a recovered batch at its recorded sequence number.
// Replay is single-goroutine, so it bypasses the commit pipeline and only
// reuses the memtable rotation logic.
func (d *DB) replayBatch(b *Batch, logNum uint32) error {
	if b.Count() == 0 {
		return nil
	}
	mem := d.mu.mem.mutable
	if err := mem.prepare(b); err != nil {
		if !errors.Is(err, arenaskl.ErrArenaFull) {
			return err
		}
		d.rotateMemtableLocked(logNum)
		mem = d.mu.mem.mutable
		if err := mem.prepare(b); err != nil {
			return errors.Wrap(err, "replaying batch larger than memtable")
		}
	}
	err := mem.apply(b, b.SeqNum())
	mem.writerUnref()
	if err != nil {
		return err
	}
	if last := b.SeqNum() + base.SeqNum(b.Count()) - 1; last > d.commit.lastSequence {
		d.commit.lastSequence = last
		d.commit.visibleSequence.Store(uint64(last))
	}
	return nil
}

// createWAL installs a fresh WAL for the mutable memtable.
func (d *DB) createWAL(logNum uint32) error {
	f, err := os.OpenFile(walFilename(d.dirname, logNum), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	d.mu.log.number = logNum
	d.mu.log.LogWriter = record.NewLogWriter(f, logNum, record.LogWriterConfig{
		WALFsyncLatency: d.walFsyncLatency,
	})
	d.mu.mem.mutable.logNum = logNum
	return nil
}

// commitWrite is the commit pipeline's WAL-stage collaborator. It runs in
// the exclusive WAL-stage leader, so it may touch the log writer and the
// memtable reservation state without further coordination (memtable
// rotation briefly takes the DB mutex).
func (d *DB) commitWrite(g *writeGroup) error {
	// Encode sequence numbers and reserve memtable space for every member
	// before any WAL bytes are written, so a reservation failure poisons
	// the group before it reaches the log.
	var err error
	g.forEach(func(w *commitWriter) {
		if err != nil {
			return
		}
		w.batch.setSeqNum(w.sequence)
		if w.shouldWriteToMemtable() {
			mem, rerr := d.reserveMem(w.batch)
			if rerr != nil {
				err = rerr
				return
			}
			w.mem = mem
		}
	})

	if err == nil && !g.leader.disableWAL {
		log := d.wal()
		var lastPos int64
		wrote := false
		g.forEach(func(w *commitWriter) {
			if err != nil || w.disableWAL {
				return
			}
			pos, werr := log.WriteRecord(w.batch.Repr())
			if werr != nil {
				err = errors.Wrap(werr, "WAL write")
				return
			}
			lastPos = pos
			wrote = true
		})
		if err == nil && wrote && g.leader.sync {
			if serr := log.Sync(lastPos); serr != nil {
				err = errors.Wrap(serr, "WAL sync")
			}
		}
	}

	if err != nil {
		// The group will never reach its memtable phase; give back the
		// reservations so the memtables can still drain and flush.
		g.forEach(func(w *commitWriter) {
			if w.mem != nil {
				w.mem.writerUnref()
				w.mem = nil
			}
		})
		return err
	}
	return nil
}

// commitApply is the commit pipeline's memtable collaborator, called by
// every writer with memtable work during the parallel phase (or by a leader
// inserting serially on the group's behalf).
func (d *DB) commitApply(w *commitWriter) error {
	err := w.mem.apply(w.batch, w.sequence)
	w.mem.writerUnref()
	return err
}

func (d *DB) wal() *record.LogWriter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mu.log.LogWriter
}

// reserveMem reserves room for the batch in the mutable memtable, rotating
// to a fresh memtable (and WAL) when the current arena cannot hold it.
func (d *DB) reserveMem(b *Batch) (*memTable, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mu.closed {
		return nil, ErrClosed
	}
	m := d.mu.mem.mutable
	err := m.prepare(b)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, arenaskl.ErrArenaFull) {
		return nil, err
	}
	if err := d.switchMemtableLocked(); err != nil {
		return nil, err
	}
	m = d.mu.mem.mutable
	if err := m.prepare(b); err != nil {
		return nil, errors.Wrap(err, "batch larger than memtable")
	}
	return m, nil
}

// rotateMemtableLocked retires the mutable memtable without touching the
// WAL. Used during replay, where the log already exists.
func (d *DB) rotateMemtableLocked(logNum uint32) {
	old := d.mu.mem.mutable
	old.markImmutable()
	d.mu.mem.queue = append(d.mu.mem.queue, old)
	d.mu.mem.mutable = newMemTable(d.opts)
	d.mu.mem.mutable.logNum = logNum
	d.mu.flushCond.Signal()
}

// switchMemtableLocked retires the mutable memtable, rotates the WAL, and
// installs the write stall sentinel when too many immutable memtables have
// piled up. Requires d.mu; the caller must hold WAL-stage leadership or the
// unbatched gate so the log writer is quiescent.
func (d *DB) switchMemtableLocked() error {
	if err := d.mu.log.Close(); err != nil {
		return errors.Wrap(err, "closing WAL")
	}
	d.rotateMemtableLocked(d.mu.log.number)
	if err := d.createWAL(d.mu.log.number + 1); err != nil {
		return err
	}
	if !d.mu.stallActive &&
		len(d.mu.mem.queue) >= d.opts.MemTableStopWritesThreshold {
		d.mu.stallActive = true
		d.commit.beginWriteStall()
	}
	return nil
}

// flushWorker retires immutable memtables in the background. The engine
// keeps every WAL holding unflushed entries, so retiring a memtable is a
// bookkeeping operation; its cost here is waiting for in-flight appliers to
// drain.
func (d *DB) flushWorker() {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer close(d.flushWorkerDone)
	for {
		for !d.mu.closed && len(d.mu.mem.queue) == 0 {
			d.mu.flushCond.Wait()
		}
		if len(d.mu.mem.queue) == 0 {
			return
		}
		m := d.mu.mem.queue[0]
		d.mu.Unlock()

		// Wait for the last writers reserved into this memtable to finish.
		<-m.drained

		d.mu.Lock()
		d.mu.mem.queue = d.mu.mem.queue[1:]
		d.mu.mem.flushed = append(d.mu.mem.flushed, m)
		d.mu.flushes++
		if d.mu.stallActive &&
			len(d.mu.mem.queue) < d.opts.MemTableStopWritesThreshold {
			d.mu.stallActive = false
			d.commit.endWriteStall()
		}
		d.mu.flushedCond.Broadcast()
	}
}

// Apply commits the batch: it is written to the WAL (honoring
// opts.DisableWAL and opts.Sync) and applied to the memtable. Upon return
// the batch's mutations are visible to readers.
func (d *DB) Apply(batch *Batch, opts *WriteOptions) error {
	d.mu.Lock()
	closed := d.mu.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return d.commit.commit(batch, opts, nil)
}

// applyWithCallback is Apply with a pre-commit batching callback attached
// to the writer.
func (d *DB) applyWithCallback(batch *Batch, opts *WriteOptions, cb WriteCallback) error {
	return d.commit.commit(batch, opts, cb)
}

// Set sets the value for the given key, overwriting any previous value.
func (d *DB) Set(key, value []byte, opts *WriteOptions) error {
	b := newBatch()
	b.Set(key, value)
	return d.Apply(b, opts)
}

// Delete deletes the value for the given key.
func (d *DB) Delete(key []byte, opts *WriteOptions) error {
	b := newBatch()
	b.Delete(key)
	return d.Apply(b, opts)
}

// Merge merges the value for the given key with the existing value, using
// the configured merge operator.
func (d *DB) Merge(key, value []byte, opts *WriteOptions) error {
	b := newBatch()
	b.Merge(key, value)
	return d.Apply(b, opts)
}

// Get gets the value for the given key, returning ErrNotFound if the DB
// does not contain the key. The returned slice must not be modified.
func (d *DB) Get(key []byte) ([]byte, error) {
	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	// Memtables, newest first: the mutable one, then immutables awaiting
	// flush, then the flushed tier.
	mems := make([]*memTable, 0, 1+len(d.mu.mem.queue)+len(d.mu.mem.flushed))
	mems = append(mems, d.mu.mem.mutable)
	for i := len(d.mu.mem.queue) - 1; i >= 0; i-- {
		mems = append(mems, d.mu.mem.queue[i])
	}
	for i := len(d.mu.mem.flushed) - 1; i >= 0; i-- {
		mems = append(mems, d.mu.mem.flushed[i])
	}
	d.mu.Unlock()

	var operands [][]byte
	for _, m := range mems {
		v, res := m.get(key, &operands)
		switch res {
		case getFound:
			return d.foldMerge(key, v, operands), nil
		case getDeleted:
			if len(operands) > 0 {
				return d.foldMerge(key, nil, operands), nil
			}
			return nil, ErrNotFound
		case getMergePending, getNotFound:
			// Keep descending into older memtables.
		}
	}
	if len(operands) > 0 {
		return d.foldMerge(key, nil, operands), nil
	}
	return nil, ErrNotFound
}

// foldMerge folds merge operands (collected newest first) on top of the
// base value, oldest operand first.
func (d *DB) foldMerge(key, existing []byte, operands [][]byte) []byte {
	result := existing
	for i := len(operands) - 1; i >= 0; i-- {
		result = d.opts.Merger(key, result, operands[i])
	}
	return result
}

// Flush retires the mutable memtable and blocks until the flush worker has
// processed it. The memtable switch is serialized against the writer stream
// through the unbatched gate, giving it an exclusive, in-order commit
// position.
func (d *DB) Flush() error {
	w := &commitWriter{}
	w.state.Store(writerStateInit)

	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.commit.enterUnbatched(w, &d.mu.Mutex)

	var err error
	var flushed *memTable
	if !d.mu.mem.mutable.empty() {
		flushed = d.mu.mem.mutable
		err = d.switchMemtableLocked()
	}
	d.commit.exitUnbatched(w)

	if err == nil && flushed != nil {
		for slices.Contains(d.mu.mem.queue, flushed) {
			d.mu.flushedCond.Wait()
		}
	}
	d.mu.Unlock()
	return err
}

// Metrics returns a point-in-time snapshot of engine statistics.
func (d *DB) Metrics() Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Metrics{
		MemTableCount: 1 + len(d.mu.mem.queue) + len(d.mu.mem.flushed),
		Flushes:       d.mu.flushes,
		WALSize:       d.mu.log.Size(),
		VisibleSeqNum: d.commit.visibleSeqNum(),
		StallActive:   d.mu.stallActive,
	}
}

// Collectors returns the DB's Prometheus collectors for registration.
func (d *DB) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		d.commitGroups, d.commitWriters, d.writeStalls, d.walFsyncLatency,
	}
}

// Close flushes buffered WAL data, stops the flush worker and closes the
// DB. It is not safe to call Close concurrently with other operations.
func (d *DB) Close() error {
	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.mu.closed = true
	d.mu.flushCond.Signal()
	err := d.mu.log.Close()
	d.mu.Unlock()

	<-d.flushWorkerDone
	return err
}
