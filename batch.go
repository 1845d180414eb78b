// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package quarry

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/quarrydb/quarry/batchrepr"
	"github.com/quarrydb/quarry/internal/arenaskl"
	"github.com/quarrydb/quarry/internal/base"
)

const (
	batchInitialSize     = 1 << 10
	batchMaxRetainedSize = 1 << 20
)

// A Batch is a sequence of Sets, Merges, Deletes and LogDatas that are
// applied atomically.
//
// A batch is not safe for concurrent use. Once a batch has been committed
// it may be reused (via Reset), but not concurrently with the commit it was
// part of.
type Batch struct {
	// data is the wire format of the batch: a 12-byte header holding the
	// sequence number and count, followed by the batch's records.
	data []byte

	// count is the number of sequence-number-consuming records in the
	// batch. Log data records do not consume a sequence number and are not
	// counted.
	count uint32

	// memTableSize is the pessimistic number of arena bytes the batch will
	// consume when applied to a memtable.
	memTableSize uint64

	// hasMerge is true when the batch contains at least one merge record.
	// The commit pipeline refuses to insert merge operands concurrently, so
	// it consults this bit when deciding between the serial and parallel
	// memtable paths.
	hasMerge bool
}

func newBatch() *Batch {
	var b Batch
	b.init(batchInitialSize)
	return &b
}

func (b *Batch) init(cap int) {
	n := batchInitialSize
	for n < cap {
		n *= 2
	}
	b.data = make([]byte, batchrepr.HeaderLen, n)
}

// Reset clears the batch for reuse, retaining moderately sized buffers.
func (b *Batch) Reset() {
	b.count = 0
	b.memTableSize = 0
	b.hasMerge = false
	if b.data != nil {
		if cap(b.data) > batchMaxRetainedSize {
			// If the capacity of the buffer is larger than our maximum
			// retention size, don't re-use it. Let it be GC-d instead. This
			// prevents the memory from an unusually large batch from being
			// held on to indefinitely.
			b.data = nil
		} else {
			b.data = b.data[:batchrepr.HeaderLen]
			clear(b.data)
		}
	}
}

// SetRepr adopts the given encoded batch representation, as produced by
// Repr or read back from the WAL.
func (b *Batch) SetRepr(data []byte) error {
	h, ok := batchrepr.ReadHeader(data)
	if !ok {
		return batchrepr.ErrInvalidBatch
	}
	b.data = data
	b.count = h.Count
	b.memTableSize = 0
	b.hasMerge = false
	// Re-derive the derived state the header does not carry.
	r := batchrepr.Read(data)
	for {
		kind, key, value, ok, err := r.Next()
		if !ok {
			if err != nil {
				return err
			}
			break
		}
		switch kind {
		case base.InternalKeyKindMerge:
			b.hasMerge = true
			fallthrough
		case base.InternalKeyKindSet, base.InternalKeyKindDelete:
			b.memTableSize += memTableEntrySize(len(key), len(value))
		}
	}
	return nil
}

// Set adds an action to the batch that sets the key to map to the value.
func (b *Batch) Set(key, value []byte) {
	b.appendRecord(base.InternalKeyKindSet, key, value, true)
	b.memTableSize += memTableEntrySize(len(key), len(value))
}

// Merge adds an action to the batch that merges the value at key with the
// new value. The details of the merge are dependent upon the configured
// merge operator.
func (b *Batch) Merge(key, value []byte) {
	b.appendRecord(base.InternalKeyKindMerge, key, value, true)
	b.memTableSize += memTableEntrySize(len(key), len(value))
	b.hasMerge = true
}

// Delete adds an action to the batch that deletes the entry for key.
func (b *Batch) Delete(key []byte) {
	b.appendRecord(base.InternalKeyKindDelete, key, nil, false)
	b.memTableSize += memTableEntrySize(len(key), 0)
}

// LogData adds the specified blob to the batch, never to be applied to a
// memtable. The data is written to the WAL only, which makes it useful for
// out-of-band log messages such as replication markers. Log data does not
// consume a sequence number.
func (b *Batch) LogData(data []byte) {
	b.appendRecord(base.InternalKeyKindLogData, data, nil, false)
	// Log data is not counted: it is never applied to the memtable.
	b.count--
}

func (b *Batch) appendRecord(kind base.InternalKeyKind, key, value []byte, hasValue bool) {
	if len(b.data) == 0 {
		b.init(batchrepr.HeaderLen + len(key) + len(value) + 2*binary.MaxVarintLen32)
	}
	b.count++
	b.data = append(b.data, byte(kind))
	b.data = binary.AppendUvarint(b.data, uint64(len(key)))
	b.data = append(b.data, key...)
	if hasValue {
		b.data = binary.AppendUvarint(b.data, uint64(len(value)))
		b.data = append(b.data, value...)
	}
}

// Empty returns true if the batch is empty, and false otherwise.
func (b *Batch) Empty() bool {
	return len(b.data) <= batchrepr.HeaderLen
}

// Len returns the current size of the batch in bytes.
func (b *Batch) Len() int {
	if len(b.data) < batchrepr.HeaderLen {
		return batchrepr.HeaderLen
	}
	return len(b.data)
}

// Count returns the count of sequence-number-consuming records in the
// batch.
func (b *Batch) Count() uint32 {
	return b.count
}

// HasMerge returns true when the batch contains a merge record.
func (b *Batch) HasMerge() bool {
	return b.hasMerge
}

// SeqNum returns the batch sequence number as stored in its header. It
// returns zero if the batch is empty or has not committed yet.
func (b *Batch) SeqNum() base.SeqNum {
	if len(b.data) == 0 {
		return 0
	}
	return batchrepr.ReadSeqNum(b.data)
}

func (b *Batch) setSeqNum(seqNum base.SeqNum) {
	batchrepr.SetSeqNum(b.data, seqNum)
}

// Repr returns the encoded batch representation. It is safe to pass the
// returned data to SetRepr on another Batch, or to write it to the WAL.
func (b *Batch) Repr() []byte {
	if len(b.data) == 0 {
		b.init(batchrepr.HeaderLen)
	}
	batchrepr.SetCount(b.data, b.count)
	return b.data
}

// Apply appends the records of the other batch to this batch, as if each of
// the other batch's mutations were made directly on this batch.
func (b *Batch) Apply(other *Batch) error {
	if other.Empty() {
		return nil
	}
	if len(b.data) == 0 {
		b.init(len(other.data) + len(b.data))
	}

	r := batchrepr.Read(other.data)
	for {
		kind, key, value, ok, err := r.Next()
		if !ok {
			if err != nil {
				return errors.Wrap(err, "applying batch")
			}
			return nil
		}
		switch kind {
		case base.InternalKeyKindSet:
			b.Set(key, value)
		case base.InternalKeyKindMerge:
			b.Merge(key, value)
		case base.InternalKeyKindDelete:
			b.Delete(key)
		case base.InternalKeyKindLogData:
			b.LogData(key)
		}
	}
}

// memTableEntrySize pessimistically computes the arena space an entry will
// consume, including the skiplist node, tower and internal key trailer.
func memTableEntrySize(keyBytes, valueBytes int) uint64 {
	return arenaskl.MaxNodeSize(uint32(keyBytes)+base.InternalKeyTrailerLen, uint32(valueBytes))
}
