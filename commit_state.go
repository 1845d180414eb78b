// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package quarry

import (
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/quarrydb/quarry/internal/base"
)

// Writer states. A commitWriter's state field is a bitmask over these values
// so that a waiter can block on several goal states at once.
const (
	// writerStateInit is the initial state of a writer. It may be linked to
	// the queue or waiting for its group to commit, but it does not yet have
	// a duty to perform.
	writerStateInit uint32 = 1 << iota

	// writerStateGroupLeader means the writer is the leader of the WAL-stage
	// queue. It is responsible for assembling a group, writing the group's
	// batches to the WAL and driving (or handing off) memtable insertion.
	writerStateGroupLeader

	// writerStateMemtableWriterLeader is only used in pipelined mode. The
	// writer leads the memtable-stage queue and drives insertion for its
	// group.
	writerStateMemtableWriterLeader

	// writerStateParallelMemtableWriter means the writer's group is inserting
	// into the memtable concurrently, and the writer should insert its own
	// batch.
	writerStateParallelMemtableWriter

	// writerStateCompleted is terminal: the writer's batch has been committed
	// (or rejected) and its status field is final.
	writerStateCompleted

	// writerStateLockedWaiting means the writer has given up spinning and is
	// blocked on its condition variable. A state setter observing this value
	// must publish the new state under the writer's mutex and signal.
	writerStateLockedWaiting
)

// writerStateMask spans every goal state a waiter may block on.
const writerStateMask = writerStateGroupLeader | writerStateMemtableWriterLeader |
	writerStateParallelMemtableWriter | writerStateCompleted

// A WriteCallback is invoked by the group assembler to ask whether the
// writer that carries it may be batched with other writers. Writers whose
// callback refuses batching always commit in a group of one.
type WriteCallback interface {
	AllowBatching() bool
}

// commitWriter carries one write batch through the commit pipeline. It is
// owned by the submitting goroutine: the queue references it only between
// linkOne and its transition to writerStateCompleted, after which no
// pipeline structure retains it.
type commitWriter struct {
	batch      *Batch
	sync       bool
	disableWAL bool
	noSlowdown bool
	callback   WriteCallback

	// sequence is the sequence number assigned to the first operation of the
	// writer's batch. It is set by the WAL-stage leader before the writer is
	// woken for memtable work.
	sequence base.SeqNum

	// mem is the memtable the writer's batch reserved space in. Assigned by
	// the WAL-stage leader together with sequence.
	mem *memTable

	// status is the writer's final result. It is written by the writer
	// itself, by its leader during exit, or by the stall gate, always before
	// the writerStateCompleted transition is published.
	status error

	state atomic.Uint32

	// writeGroup is the group the writer was assembled into, set by the
	// leader before any non-init state is published to the writer.
	writeGroup atomic.Pointer[writeGroup]

	// linkOlder points toward the front of the queue and is authoritative:
	// it is set once at enqueue by the tail CAS. linkNewer is lazily
	// materialized by leaders walking the queue, and reset to nil when the
	// writer is respliced onto the memtable queue.
	linkOlder atomic.Pointer[commitWriter]
	linkNewer atomic.Pointer[commitWriter]

	// stateMu guards status aggregation on the group this writer leads, and
	// pairs with stateCond for the blocking wait tier. The condition
	// variable is created lazily; the zero-value mutex needs no
	// construction.
	stateMu   sync.Mutex
	condOnce  sync.Once
	stateCond *sync.Cond
}

func newCommitWriter(b *Batch, opts *WriteOptions, cb WriteCallback) *commitWriter {
	w := &commitWriter{
		batch:      b,
		sync:       opts.GetSync(),
		disableWAL: opts.GetDisableWAL(),
		noSlowdown: opts.GetNoSlowdown(),
		callback:   cb,
	}
	w.state.Store(writerStateInit)
	return w
}

// createMutex readies the blocking tier. It must be called before the
// writer's state can transition to writerStateLockedWaiting; the waker then
// touches stateCond only after observing that state, which the atomic
// ordering guarantees happens after construction.
func (w *commitWriter) createMutex() {
	w.condOnce.Do(func() {
		w.stateCond = sync.NewCond(&w.stateMu)
	})
}

// shouldWriteToMemtable reports whether the writer has memtable work. A
// batch carrying only log data (or nothing) is WAL-only and completes at the
// end of the WAL stage.
func (w *commitWriter) shouldWriteToMemtable() bool {
	return w.batch != nil && w.batch.Count() > 0
}

// writeGroup is a contiguous run of writers from leader to lastWriter along
// linkNewer, committed together at one pipeline stage. The group header is
// owned by the leader's stack frame; followers may read it only between
// their writeGroup pointer being set and their completion, and may write
// only the status field, under the leader's state mutex.
type writeGroup struct {
	leader     *commitWriter
	lastWriter *commitWriter
	size       int

	// lastSequence is the sequence number of the final operation in the
	// group, used to publish sequence-number visibility after the memtable
	// stage.
	lastSequence base.SeqNum

	// status aggregates the first failure encountered by any member.
	// Followers write it under the leader's state mutex.
	status error

	// running counts members that have not finished their parallel memtable
	// insertion. The member that decrements it to zero performs exit duties
	// on behalf of the group.
	running atomic.Int32
}

// forEach invokes fn on every member from leader to lastWriter. It may only
// be called after the group's linkNewer chain has been materialized, which
// enterAsBatchGroupLeader and enterAsMemTableWriter guarantee.
func (g *writeGroup) forEach(fn func(w *commitWriter)) {
	for w := g.leader; ; w = w.linkNewer.Load() {
		fn(w)
		if w == g.lastWriter {
			break
		}
	}
}

// An adaptationContext holds the yield credit for one awaitState call site.
// The credit is reinforced when a sampled yield loop observes the goal state
// before timing out and decayed otherwise; a negative balance disables the
// yield tier at that site except for sampled probes. Lost updates between
// concurrent waiters are acceptable.
type adaptationContext struct {
	name   string
	credit atomic.Int64
}

var (
	jbgCtx   = &adaptationContext{name: "JoinBatchGroup"}
	cpmtwCtx = &adaptationContext{name: "CompleteParallelMemTableWriter"}
	eabglCtx = &adaptationContext{name: "ExitAsBatchGroupLeader"}
	euCtx    = &adaptationContext{name: "EnterUnbatched"}
	wfmwCtx  = &adaptationContext{name: "WaitForMemTableWriters"}
)

// blockingAwaitState is the final wait tier. The writer advertises that it
// is blocking by CASing its state to writerStateLockedWaiting; the CAS can
// only fail if a concurrent setState met the goal first. The pipeline never
// waits across an intermediate state, so a failed CAS means the wait is
// over.
func (p *commitPipeline) blockingAwaitState(w *commitWriter, goalMask uint32) uint32 {
	// We're going to block. Lazily create the condition variable. We
	// guarantee propagation of this construction to the waker via the
	// writerStateLockedWaiting state: the waker won't touch the mutex or
	// the condvar unless it CASes away the writerStateLockedWaiting that we
	// install below.
	w.createMutex()

	state := w.state.Load()
	if state&goalMask == 0 {
		if w.state.CompareAndSwap(state, writerStateLockedWaiting) {
			w.stateMu.Lock()
			for w.state.Load() == writerStateLockedWaiting {
				w.stateCond.Wait()
			}
			state = w.state.Load()
			w.stateMu.Unlock()
		} else {
			// Tricky. The CAS can only fail because a racing setState got
			// there first, and the pipeline never waits across an
			// intermediate state, so the new state must meet the goal.
			state = w.state.Load()
		}
	}
	if state&goalMask == 0 {
		panic("quarry: blocking await returned without goal state")
	}
	return state
}

// awaitState blocks until w.state intersects goalMask, returning the
// observed state. The wait escalates through three tiers:
//
//  1. A bounded busy loop of acquire loads, covering the common
//     sub-microsecond handoff without touching the clock or the scheduler.
//  2. A cooperative-yield loop bounded by WriteThreadMaxYieldUsec, entered
//     only when the call site's credit is non-negative or a 1-in-256 sample
//     forces a probe. Yields that take longer than WriteThreadSlowYieldUsec
//     count as slow; three slow yields abort the tier.
//  3. Blocking on the writer's condition variable.
//
// The middle tier captures handoffs too slow to spin for but too fast to
// justify a trip through the scheduler's sleep path.
func (p *commitPipeline) awaitState(
	w *commitWriter, goalMask uint32, ctx *adaptationContext,
) uint32 {
	var state uint32

	// Go has no portable CPU pause hint, so the spin tier is a plain bounded
	// reload loop. 200 iterations keeps it around a microsecond, long
	// enough that anything slower can amortize the cost of reading the
	// clock and yielding.
	for tries := 0; tries < 200; tries++ {
		state = w.state.Load()
		if state&goalMask != 0 {
			return state
		}
	}

	const maxSlowYieldsWhileSpinning = 3
	const samplingBase = 256

	// updateCtx is set when this run should adjust the call site's credit:
	// either it was sampled, or the yield tier failed hard.
	updateCtx := false
	wouldSpinAgain := false

	if p.maxYield > 0 {
		updateCtx = rand.Uint32N(samplingBase) == 0

		if updateCtx || ctx.credit.Load() >= 0 {
			// We're updating the adaptation statistics, or yielding has a
			// better than even chance of finishing inside the budget without
			// causing an involuntary context switch.
			spinBegin := crtime.NowMono()

			// slowYieldCount doesn't include the final yield (if any) that
			// causes the goal to be met.
			slowYieldCount := 0

			iterBegin := spinBegin
			for iterBegin.Sub(spinBegin) <= p.maxYield {
				runtime.Gosched()

				state = w.state.Load()
				if state&goalMask != 0 {
					wouldSpinAgain = true
					break
				}

				now := crtime.NowMono()
				if now == iterBegin || now.Sub(iterBegin) >= p.slowYield {
					// Conservatively count it as a slow yield if our clock
					// isn't accurate enough to measure the yield duration.
					slowYieldCount++
					if slowYieldCount >= maxSlowYieldsWhileSpinning {
						// Not just one slow yield, but several. Update the
						// credit immediately and fall back to blocking.
						updateCtx = true
						break
					}
				}
				iterBegin = now
			}
		}
	}

	if state&goalMask == 0 {
		state = p.blockingAwaitState(w, goalMask)
	}

	if updateCtx {
		// Since the update is sample based, it is ok if a thread overwrites
		// updates by other threads; it does not have to be atomic.
		v := ctx.credit.Load()
		// Fixed point exponential decay with decay constant 1/1024, with the
		// +1 and -1 scaled by 2^17 so the credit never leaves the range
		// (-2^27, 2^27).
		delta := int64(131072)
		if !wouldSpinAgain {
			delta = -delta
		}
		ctx.credit.Store(v - v/1024 + delta)
	}

	if state&goalMask == 0 {
		panic("quarry: awaitState returned without goal state")
	}
	return state
}

// setState publishes newState and wakes the writer if it is blocked. The
// waiter's mutex is touched only when the waiter has advertised, via
// writerStateLockedWaiting, that it needs a blocking wakeup; every other
// transition rides the CAS.
func (p *commitPipeline) setState(w *commitWriter, newState uint32) {
	state := w.state.Load()
	if state == writerStateLockedWaiting || !w.state.CompareAndSwap(state, newState) {
		if w.state.Load() != writerStateLockedWaiting {
			panic("quarry: concurrent setState on writer")
		}
		w.stateMu.Lock()
		w.state.Store(newState)
		w.stateCond.Signal()
		w.stateMu.Unlock()
	}
}

// yieldDuration converts a microsecond option value into the duration used
// by the yield tier.
func yieldDuration(usec int) time.Duration {
	return time.Duration(usec) * time.Microsecond
}
