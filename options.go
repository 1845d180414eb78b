// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package quarry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quarrydb/quarry/internal/base"
)

// Options holds the parameters needed for creating a DB. All fields have
// usable zero values; EnsureDefaults fills in the rest.
type Options struct {
	// Comparer defines a total ordering over the space of []byte keys. The
	// default value uses the same ordering as bytes.Compare.
	Comparer base.Compare

	// Merger defines the associative merge operation to use for merging
	// values written with Batch.Merge. The default concatenates the
	// operands.
	Merger base.Merge

	// MemTableSize is the size of a memtable in bytes. When the memtable's
	// arena fills up the memtable is marked immutable, a new mutable
	// memtable is installed and a flush of the immutable one is scheduled.
	//
	// The default value is 4 MB.
	MemTableSize int

	// MemTableStopWritesThreshold is the number of unflushed memtables at
	// which writes are stalled until a flush retires one.
	//
	// The default value is 4.
	MemTableStopWritesThreshold int

	// EnablePipelinedWrite splits the commit of a write group into two
	// stages with independent leaders: the WAL stage accepts new writers
	// while a memtable-stage leader drains insertion for earlier groups.
	// When false, the group leader drives both phases before the next
	// leader is promoted.
	EnablePipelinedWrite bool

	// AllowConcurrentMemtableWrite permits the members of a write group to
	// insert their own batches into the memtable concurrently, rather than
	// the leader inserting on behalf of everyone.
	//
	// Open uses true when it is given nil Options. EnsureDefaults does not
	// change this field, so a zero Options leaves it false.
	AllowConcurrentMemtableWrite bool

	// EnableWriteThreadAdaptiveYield enables the middle tier of the commit
	// pipeline's wait primitive: a cooperative-yield loop with per-call-site
	// credit that bridges the gap between spinning and blocking.
	//
	// Open uses true when it is given nil Options. EnsureDefaults does not
	// change this field, so a zero Options leaves it false.
	EnableWriteThreadAdaptiveYield bool

	// WriteThreadMaxYieldUsec is the maximum number of microseconds a
	// writer spends in the adaptive-yield tier before falling back to
	// blocking. Ignored unless EnableWriteThreadAdaptiveYield is set.
	//
	// The default value is 100.
	WriteThreadMaxYieldUsec int

	// WriteThreadSlowYieldUsec is the duration beyond which a single yield
	// counts as slow. Three slow yields abort the yield tier.
	//
	// The default value is 3.
	WriteThreadSlowYieldUsec int

	// WALFsyncLatency, if set, records the latency of WAL fsyncs. May be
	// nil.
	WALFsyncLatency prometheus.Histogram

	// Logger is used to write log messages. The default logger uses the Go
	// stdlib log package.
	Logger base.Logger
}

// EnsureDefaults ensures that the default values for all options are set if
// a valid value was not already specified, returning the updated options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.Comparer == nil {
		o.Comparer = base.DefaultCompare
	}
	if o.Merger == nil {
		o.Merger = base.DefaultMerge
	}
	if o.MemTableSize <= 0 {
		o.MemTableSize = 4 << 20
	}
	if o.MemTableStopWritesThreshold <= 0 {
		o.MemTableStopWritesThreshold = 4
	}
	if o.WriteThreadMaxYieldUsec <= 0 {
		o.WriteThreadMaxYieldUsec = 100
	}
	if o.WriteThreadSlowYieldUsec <= 0 {
		o.WriteThreadSlowYieldUsec = 3
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	return o
}

// defaultOptions returns the options a fresh DB uses when none are
// specified. Concurrent memtable writes and adaptive yielding are on by
// default; pipelined writes are opt-in.
func defaultOptions() *Options {
	o := (&Options{}).EnsureDefaults()
	o.AllowConcurrentMemtableWrite = true
	o.EnableWriteThreadAdaptiveYield = true
	return o
}

// WriteOptions hold the per-write parameters for a commit.
type WriteOptions struct {
	// Sync requests that the write be flushed and synced to stable storage
	// before the commit is acknowledged. Writers with differing Sync values
	// are never grouped together.
	Sync bool

	// DisableWAL skips the WAL entirely for this write, voiding its
	// durability. A WAL-requiring writer never joins a group led by a
	// WAL-disabled writer.
	DisableWAL bool

	// NoSlowdown requests that the write fail with ErrWriteStall instead of
	// blocking when a write stall is in effect.
	NoSlowdown bool
}

// Sync specifies the default write options for writes which synchronize to
// disk before acknowledging.
var Sync = &WriteOptions{Sync: true}

// NoSync specifies the default write options for writes which do not
// synchronize to disk.
var NoSync = &WriteOptions{}

// GetSync returns the Sync value, handling a nil receiver.
func (o *WriteOptions) GetSync() bool {
	return o != nil && o.Sync
}

// GetDisableWAL returns the DisableWAL value, handling a nil receiver.
func (o *WriteOptions) GetDisableWAL() bool {
	return o != nil && o.DisableWAL
}

// GetNoSlowdown returns the NoSlowdown value, handling a nil receiver.
func (o *WriteOptions) GetNoSlowdown() bool {
	return o != nil && o.NoSlowdown
}
