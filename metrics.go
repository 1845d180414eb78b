// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package quarry

import (
	"github.com/cockroachdb/redact"
	"github.com/quarrydb/quarry/internal/base"
)

// Metrics is a point-in-time snapshot of engine statistics. Commit-path
// counters (groups, writers, stalls) and WAL fsync latency are exported as
// Prometheus collectors instead; see DB.Collectors.
type Metrics struct {
	// MemTableCount is the number of resident memtables: the mutable one,
	// any immutable memtables awaiting flush, and the retired memtables of
	// the flushed tier.
	MemTableCount int

	// Flushes is the number of memtables retired by the flush worker.
	Flushes int64

	// WALSize is the size of the current WAL, including unflushed buffered
	// data.
	WALSize int64

	// VisibleSeqNum is the highest sequence number fully applied to the
	// memtable.
	VisibleSeqNum base.SeqNum

	// StallActive is true while writes are stalled behind the flush worker.
	StallActive bool
}

// SafeFormat implements redact.SafeFormatter.
func (m Metrics) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("memtables: %d  flushes: %d  wal-size: %d  visible-seq: %s  stalled: %t",
		redact.Safe(m.MemTableCount), redact.Safe(m.Flushes), redact.Safe(m.WALSize),
		m.VisibleSeqNum, redact.Safe(m.StallActive))
}

func (m Metrics) String() string {
	return redact.StringWithoutMarkers(m)
}
