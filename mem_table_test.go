// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package quarry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/quarrydb/quarry/internal/arenaskl"
	"github.com/stretchr/testify/require"
)

func newTestMemTable(size int) *memTable {
	o := &Options{MemTableSize: size}
	return newMemTable(o.EnsureDefaults())
}

func memGet(t *testing.T, m *memTable, key string) (string, getResult) {
	t.Helper()
	var operands [][]byte
	v, res := m.get([]byte(key), &operands)
	if res == getMergePending {
		// Fold the operands as the DB would with no older state.
		var acc []byte
		for i := len(operands) - 1; i >= 0; i-- {
			acc = append(acc, operands[i]...)
		}
		return string(acc), res
	}
	return string(v), res
}

func applyBatch(t *testing.T, m *memTable, seq uint64, build func(*Batch)) {
	t.Helper()
	b := newBatch()
	build(b)
	b.setSeqNum(SeqNum(seq))
	require.NoError(t, m.prepare(b))
	require.NoError(t, m.apply(b, SeqNum(seq)))
	m.writerUnref()
}

func TestMemTableBasic(t *testing.T) {
	m := newTestMemTable(1 << 20)
	applyBatch(t, m, 1, func(b *Batch) {
		b.Set([]byte("a"), []byte("1"))
		b.Set([]byte("b"), []byte("2"))
	})

	v, res := memGet(t, m, "a")
	require.Equal(t, getFound, res)
	require.Equal(t, "1", v)

	_, res = memGet(t, m, "missing")
	require.Equal(t, getNotFound, res)

	// A newer delete shadows the set.
	applyBatch(t, m, 3, func(b *Batch) {
		b.Delete([]byte("a"))
	})
	_, res = memGet(t, m, "a")
	require.Equal(t, getDeleted, res)

	// And a newer set shadows the delete.
	applyBatch(t, m, 4, func(b *Batch) {
		b.Set([]byte("a"), []byte("1b"))
	})
	v, res = memGet(t, m, "a")
	require.Equal(t, getFound, res)
	require.Equal(t, "1b", v)
}

func TestMemTableMergeOperands(t *testing.T) {
	m := newTestMemTable(1 << 20)
	applyBatch(t, m, 1, func(b *Batch) {
		b.Set([]byte("k"), []byte("base-"))
	})
	applyBatch(t, m, 2, func(b *Batch) {
		b.Merge([]byte("k"), []byte("x"))
	})
	applyBatch(t, m, 3, func(b *Batch) {
		b.Merge([]byte("k"), []byte("y"))
	})

	var operands [][]byte
	v, res := m.get([]byte("k"), &operands)
	require.Equal(t, getFound, res)
	require.Equal(t, "base-", string(v))
	require.Equal(t, [][]byte{[]byte("y"), []byte("x")}, operands)

	// With no base value underneath, the lookup reports pending operands.
	operands = operands[:0]
	m2 := newTestMemTable(1 << 20)
	applyBatch(t, m2, 1, func(b *Batch) {
		b.Merge([]byte("k"), []byte("solo"))
	})
	_, res = m2.get([]byte("k"), &operands)
	require.Equal(t, getMergePending, res)
	require.Equal(t, [][]byte{[]byte("solo")}, operands)
}

func TestMemTableLogDataSkipped(t *testing.T) {
	m := newTestMemTable(1 << 20)
	applyBatch(t, m, 1, func(b *Batch) {
		b.Set([]byte("a"), []byte("1"))
		b.LogData([]byte("marker"))
		b.Set([]byte("b"), []byte("2"))
	})
	v, res := memGet(t, m, "b")
	require.Equal(t, getFound, res)
	require.Equal(t, "2", v)
}

func TestMemTablePrepareFull(t *testing.T) {
	m := newTestMemTable(16 << 10)
	var seq uint64 = 1
	var err error
	for i := 0; i < 1000; i++ {
		b := newBatch()
		b.Set([]byte(fmt.Sprintf("key-%04d", i)), make([]byte, 128))
		if err = m.prepare(b); err != nil {
			break
		}
		b.setSeqNum(SeqNum(seq))
		require.NoError(t, m.apply(b, SeqNum(seq)))
		m.writerUnref()
		seq += uint64(b.Count())
	}
	require.ErrorIs(t, err, arenaskl.ErrArenaFull)
}

func TestMemTableConcurrentApply(t *testing.T) {
	m := newTestMemTable(4 << 20)

	// Reserve serially, as the WAL-stage leader would, then apply in
	// parallel as the group's writers do.
	const writers = 8
	batches := make([]*Batch, writers)
	seq := SeqNum(1)
	for i := range batches {
		b := newBatch()
		for j := 0; j < 50; j++ {
			b.Set([]byte(fmt.Sprintf("%02d-%04d", i, j)), []byte("value"))
		}
		b.setSeqNum(seq)
		require.NoError(t, m.prepare(b))
		batches[i] = b
		seq += SeqNum(b.Count())
	}

	var wg sync.WaitGroup
	wg.Add(writers)
	for i := range batches {
		go func(b *Batch) {
			defer wg.Done()
			if err := m.apply(b, b.SeqNum()); err != nil {
				t.Error(err)
			}
			m.writerUnref()
		}(batches[i])
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		v, res := memGet(t, m, fmt.Sprintf("%02d-%04d", i, 7))
		require.Equal(t, getFound, res)
		require.Equal(t, "value", v)
	}
}

func TestMemTableWriterDrain(t *testing.T) {
	m := newTestMemTable(1 << 20)
	b := newBatch()
	b.Set([]byte("a"), []byte("1"))
	b.setSeqNum(1)
	require.NoError(t, m.prepare(b))

	m.markImmutable()
	select {
	case <-m.drained:
		t.Fatal("memtable drained with an outstanding writer")
	default:
	}

	require.NoError(t, m.apply(b, 1))
	m.writerUnref()
	<-m.drained
}
