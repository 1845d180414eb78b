// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package quarry

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/quarrydb/quarry/batchrepr"
	"github.com/quarrydb/quarry/internal/arenaskl"
	"github.com/quarrydb/quarry/internal/base"
)

// A memTable implements the in-memory layer of the LSM. A memTable is
// mutable, but append-only. Records are added, but never removed. Deletion
// is supported via tombstones, but it is up to higher level code to process
// them.
//
// A memTable is implemented on top of a lock-free arena-backed skiplist. An
// arena is a fixed size contiguous chunk of memory (see
// Options.MemTableSize), so a memTable's memory consumption is fixed at the
// time of creation.
//
// A batch is applied to a memTable in a two step process: prepare(batch) ->
// apply(batch). prepare is not thread-safe and must be called by the
// WAL-stage leader, which is serialized by the commit pipeline. Preparation
// pessimistically reserves space in the memTable for the batch and is an
// O(1) operation. Applying a batch can be performed concurrently with other
// apply operations; the commit pipeline decides which writers apply in
// parallel.
//
// It is safe to call get concurrently with apply.
type memTable struct {
	cmp       base.Compare
	skl       arenaskl.Skiplist
	reserved  uint32
	immutable atomic.Bool

	// writerRefs counts the batches that have reserved space but not yet
	// applied, plus one reference held while the memtable is mutable. When
	// it falls to zero the memtable is quiescent and may be flushed.
	writerRefs atomic.Int32
	drainOnce  sync.Once
	// drained is closed once writerRefs reaches zero, which can only happen
	// after the memtable has been made immutable.
	drained chan struct{}

	// logNum is the WAL file that holds this memtable's unflushed entries.
	logNum uint32
}

func newMemTable(o *Options) *memTable {
	m := &memTable{
		cmp:     o.Comparer,
		drained: make(chan struct{}),
	}
	arena := arenaskl.NewArena(make([]byte, o.MemTableSize))
	m.skl.Reset(arena, m.cmp)
	m.reserved = arena.Size()
	m.writerRefs.Store(1)
	return m
}

func (m *memTable) writerRef() {
	m.writerRefs.Add(1)
}

func (m *memTable) writerUnref() {
	switch v := m.writerRefs.Add(-1); {
	case v < 0:
		panic("quarry: inconsistent memtable writer refcount")
	case v == 0:
		m.drainOnce.Do(func() { close(m.drained) })
	}
}

// markImmutable retires the mutable-state reference. No further prepare
// calls are allowed; once in-flight appliers drain, the drained channel is
// closed.
func (m *memTable) markImmutable() {
	m.immutable.Store(true)
	m.writerUnref()
}

// availBytes returns the number of bytes available for reservation.
func (m *memTable) availBytes() uint32 {
	return m.skl.Arena().Capacity() - m.reserved
}

// prepare reserves space for the batch in the memtable and references the
// memtable, preventing it from being flushed until the batch has been
// applied. It is not thread-safe: only the serialized WAL-stage leader may
// call it. The caller must pair it with a writerUnref after apply.
func (m *memTable) prepare(b *Batch) error {
	if m.immutable.Load() {
		panic(errors.AssertionFailedf("quarry: preparing batch on immutable memtable"))
	}
	if b.memTableSize > uint64(m.availBytes()) {
		return arenaskl.ErrArenaFull
	}
	m.reserved += uint32(b.memTableSize)
	m.writerRef()
	return nil
}

// apply inserts the batch's records into the memtable, assigning them
// sequence numbers starting at seqNum. It may be called concurrently with
// other apply calls.
func (m *memTable) apply(b *Batch, seqNum base.SeqNum) error {
	r := batchrepr.Read(b.Repr())
	for {
		kind, ukey, value, ok, err := r.Next()
		if !ok {
			if err != nil {
				return err
			}
			break
		}
		if kind == base.InternalKeyKindLogData {
			// Log data lives in the WAL only.
			continue
		}
		ikey := base.MakeInternalKey(ukey, seqNum, kind)
		seqNum++
		if err := m.skl.Add(ikey, value); err != nil {
			return errors.Wrap(err, "memtable apply")
		}
	}
	if expected := b.SeqNum() + base.SeqNum(b.Count()); seqNum != expected {
		panic(errors.AssertionFailedf("quarry: memtable apply consumed %d sequence numbers, expected %d",
			uint64(seqNum-b.SeqNum()), b.Count()))
	}
	return nil
}

// getResult describes what a memtable knows about a key: a final value, a
// tombstone, a (possibly partial) stack of merge operands, or nothing.
type getResult int8

const (
	getNotFound getResult = iota
	getFound
	getDeleted
	getMergePending
)

// get looks up the newest version of key within the memtable. When the
// newest records are merge operands, they are appended to operands
// (newest first) and getMergePending is returned so the caller can continue
// into older memtables.
func (m *memTable) get(key []byte, operands *[][]byte) (value []byte, res getResult) {
	it := m.skl.NewIter()
	if !it.SeekGE(key) || !m.equalKey(it.Key().UserKey, key) {
		return nil, getNotFound
	}
	for {
		k := it.Key()
		switch k.Kind() {
		case base.InternalKeyKindSet:
			return it.Value(), getFound
		case base.InternalKeyKindDelete:
			return nil, getDeleted
		case base.InternalKeyKindMerge:
			*operands = append(*operands, it.Value())
			if !it.Next() || !m.equalKey(it.Key().UserKey, key) {
				return nil, getMergePending
			}
		default:
			panic(errors.AssertionFailedf("quarry: unexpected key kind %s in memtable", k.Kind()))
		}
	}
}

func (m *memTable) equalKey(a, b []byte) bool {
	return m.cmp(a, b) == 0
}

// empty returns true iff the memtable has never had a record applied.
func (m *memTable) empty() bool {
	it := m.skl.NewIter()
	return !it.First()
}
