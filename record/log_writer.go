// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package record

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quarrydb/quarry/internal/crc"
)

type block struct {
	// buf[:written] has already been filled with fragments. Updated atomically.
	written atomic.Int32
	// buf[:flushed] has already been flushed to w.
	flushed int32
	buf     [blockSize]byte
}

type flusher interface {
	Flush() error
}

type syncer interface {
	Sync() error
}

// LogWriterConfig is a struct used for configuring new LogWriters.
type LogWriterConfig struct {
	// WALFsyncLatency records the latency of the fsyncs issued by the sync
	// path. May be nil.
	WALFsyncLatency prometheus.Histogram
}

// LogWriter writes records to an underlying io.Writer. In order to support
// WAL file reuse, a LogWriter's records are tagged with the WAL's file
// number.
type LogWriter struct {
	// w is the underlying writer.
	w io.Writer
	// c is w as a closer.
	c io.Closer
	// f is w as a flusher.
	f flusher
	// s is w as a syncer.
	s syncer
	// logNum is the low 32-bits of the log's file number.
	logNum uint32
	// blockNum is the zero based block number for the current block.
	blockNum int64
	// err is any accumulated error.
	err error
	// block is the current block being written. Protected by flusher.Mutex.
	block *block
	free  chan *block

	fsyncLatency prometheus.Histogram

	// Protects against concurrent calls to Flush().
	flushMu sync.Mutex
	// The latest position in the file that has been flushed. Updated
	// atomically.
	flushWatermark atomic.Int64

	// Protects against concurrent calls to Sync().
	sync struct {
		sync.Mutex
		// The latest position in the file that has been synced.
		watermark int64
	}
	// syncWatermark mirrors sync.watermark for lock-free early-exit checks.
	syncWatermark atomic.Int64

	flusher struct {
		sync.Mutex
		// Cond var signalled when there are blocks to flush or the LogWriter
		// has been closed.
		ready sync.Cond
		// Cond var signalled when flushing of pending blocks has been
		// completed.
		done sync.Cond
		// Is flushing currently active?
		flushing bool
		// Has the writer been closed?
		closed bool
		// Accumulated flush error.
		err     error
		pending []*block
	}
}

// NewLogWriter returns a new LogWriter. The records it writes are tagged
// with the specified log number.
func NewLogWriter(w io.Writer, logNum uint32, config LogWriterConfig) *LogWriter {
	c, _ := w.(io.Closer)
	f, _ := w.(flusher)
	s, _ := w.(syncer)
	r := &LogWriter{
		w:            w,
		c:            c,
		f:            f,
		s:            s,
		logNum:       logNum,
		free:         make(chan *block, 4),
		fsyncLatency: config.WALFsyncLatency,
	}
	for i := 0; i < cap(r.free); i++ {
		r.free <- &block{}
	}
	r.block = <-r.free
	r.flusher.ready.L = &r.flusher.Mutex
	r.flusher.done.L = &r.flusher.Mutex
	go r.flushLoop()
	return r
}

func (w *LogWriter) flushLoop() {
	f := &w.flusher
	f.Lock()
	defer f.Unlock()

	for {
		for {
			if f.closed {
				return
			}
			if f.flushing {
				f.done.Wait()
				continue
			}
			if len(f.pending) == 0 {
				f.ready.Wait()
				continue
			}
			break
		}

		pending := f.pending
		f.pending = nil
		f.flushing = true

		f.Unlock()

		var err error
		for _, b := range pending {
			if err = w.flushBlock(b); err != nil {
				break
			}
		}

		f.Lock()
		f.err = err
		if f.err != nil {
			return
		}
		f.flushing = false
		f.done.Signal()
	}
}

func (w *LogWriter) flushBlock(b *block) error {
	n, err := w.w.Write(b.buf[b.flushed:])
	if err != nil {
		return err
	}
	b.written.Store(0)
	b.flushed = 0
	w.free <- b
	w.flushWatermark.Add(int64(n))
	return nil
}

// queueBlock queues the current block for writing to the underlying writer,
// allocates a new block and reserves space for the next header.
func (w *LogWriter) queueBlock() {
	// Allocate a new block, blocking until one is available. We do this
	// first because w.block is protected by w.flusher.Mutex.
	nextBlock := <-w.free

	f := &w.flusher
	f.Lock()
	f.pending = append(f.pending, w.block)
	w.block = nextBlock
	f.ready.Signal()
	w.err = w.flusher.err
	f.Unlock()

	w.blockNum++
}

// Close flushes and syncs any unwritten data and closes the writer.
func (w *LogWriter) Close() error {
	if err := w.Sync(math.MaxInt64); err != nil {
		return err
	}

	w.flusher.Lock()
	w.flusher.closed = true
	w.flusher.ready.Signal()
	w.flusher.Unlock()

	if w.c != nil {
		if err := w.c.Close(); err != nil {
			return err
		}
	}
	w.err = errors.New("quarry/record: closed LogWriter")
	return nil
}

// Flush flushes unwritten data to the underlying writer. May be called
// concurrently with WriteRecord, Sync and itself.
func (w *LogWriter) Flush() error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	if w.err != nil {
		return w.err
	}

	w.flusher.Lock()
	// Wait for any existing flushing to complete.
	for w.flusher.flushing {
		w.flusher.done.Wait()
	}
	// Block any new flushing from starting.
	w.flusher.flushing = true
	// Grab the list of pending blocks to be flushed.
	pending := w.flusher.pending
	w.flusher.pending = nil
	// Grab the portion of the current block that requires flushing. Note
	// that the current block can be added to the pending blocks list after
	// we release the flusher lock, but it won't be part of pending.
	written := w.block.written.Load()
	data := w.block.buf[w.block.flushed:written]
	w.block.flushed = written
	w.flusher.Unlock()

	// Flush any pending blocks.
	var err error
	for _, t := range pending {
		if err = w.flushBlock(t); err != nil {
			break
		}
	}
	if err == nil && len(data) > 0 {
		var n int
		n, err = w.w.Write(data)
		w.flushWatermark.Add(int64(n))
	}

	// Release the flush loop.
	w.flusher.Lock()
	w.err = err
	w.flusher.err = err
	w.flusher.flushing = false
	w.flusher.done.Signal()
	w.flusher.Unlock()

	if err != nil {
		return err
	}
	if w.f != nil {
		w.err = w.f.Flush()
		return w.err
	}
	return nil
}

// Sync flushes unwritten data up to the specified position and synchronizes
// the underlying file. May be called concurrently with WriteRecord, Flush
// and itself.
func (w *LogWriter) Sync(pos int64) error {
	if err := w.Flush(); err != nil {
		return err
	}

	if pos <= w.syncWatermark.Load() {
		// Nothing to do, the position we're being asked to sync to has
		// already been synced.
		return nil
	}

	w.sync.Lock()
	defer w.sync.Unlock()

	// Note that this check doesn't require an atomic because the watermark
	// is only ever set with sync.Mutex held.
	if pos <= w.sync.watermark {
		return nil
	}

	newWatermark := w.flushWatermark.Load()
	if w.s != nil {
		syncBegin := crtime.NowMono()
		w.err = w.s.Sync()
		if w.fsyncLatency != nil {
			w.fsyncLatency.Observe(float64(syncBegin.Elapsed()))
		}
		if w.err != nil {
			return w.err
		}
	}
	w.sync.watermark = newWatermark
	w.syncWatermark.Store(newWatermark)
	return nil
}

// Size returns the current size of the file, including data that has not
// yet been flushed.
func (w *LogWriter) Size() int64 {
	return w.blockNum*blockSize + int64(w.block.written.Load())
}

// WriteRecord writes a complete record. Returns the offset just past the
// end of the record.
func (w *LogWriter) WriteRecord(p []byte) (int64, error) {
	if w.err != nil {
		return -1, w.err
	}

	for i := 0; i == 0 || len(p) > 0; i++ {
		p = w.emitFragment(i, p)
	}

	offset := w.blockNum*blockSize + int64(w.block.written.Load())
	return offset, w.err
}

func (w *LogWriter) emitFragment(n int, p []byte) []byte {
	b := w.block
	i := b.written.Load()
	first := n == 0
	last := blockSize-i-recyclableHeaderSize >= int32(len(p))

	if last {
		if first {
			b.buf[i+6] = recyclableFullChunkType
		} else {
			b.buf[i+6] = recyclableLastChunkType
		}
	} else {
		if first {
			b.buf[i+6] = recyclableFirstChunkType
		} else {
			b.buf[i+6] = recyclableMiddleChunkType
		}
	}

	binary.LittleEndian.PutUint32(b.buf[i+7:i+11], w.logNum)

	r := copy(b.buf[i+recyclableHeaderSize:], p)
	j := i + int32(recyclableHeaderSize+r)
	binary.LittleEndian.PutUint32(b.buf[i+0:i+4], crc.New(b.buf[i+6:j]).Value())
	binary.LittleEndian.PutUint16(b.buf[i+4:i+6], uint16(r))
	b.written.Store(j)

	if blockSize-b.written.Load() <= recyclableHeaderSize {
		// There is no room for another fragment in the block, so fill the
		// remaining bytes with zeros and queue the block for flushing.
		for i := b.written.Load(); i < blockSize; i++ {
			b.buf[i] = 0
		}
		b.written.Store(blockSize)
		w.queueBlock()
	}
	return p[r:]
}
