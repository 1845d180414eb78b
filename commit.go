// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package quarry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quarrydb/quarry/internal/base"
	"github.com/quarrydb/quarry/internal/invariants"
)

// ErrWriteStall is returned for writers that request no slowdown while a
// write stall is in effect.
var ErrWriteStall = errors.New("quarry: write stall")

// commitEnv holds the collaborators the commit pipeline drives. The
// pipeline itself knows nothing about WAL encodings or memtables; it only
// guarantees the ordering and grouping of the calls below.
type commitEnv struct {
	// write writes the group's batches to the WAL (syncing if the group
	// requires it), and reserves memtable space for every member, assigning
	// each member's mem field. Sequence numbers have been assigned before
	// the call. Called serially, by WAL-stage leaders only.
	write func(g *writeGroup) error

	// apply inserts the writer's batch into the writer's reserved memtable
	// at the batch's assigned sequence number. Called concurrently during
	// the parallel memtable phase.
	apply func(w *commitWriter) error
}

// A commitPipeline coordinates the commit of concurrently submitted write
// batches. Writers are gathered into groups committed with a single WAL
// write, amortizing fsync cost and guaranteeing a total order over
// committed writes without a global mutex on the fast path.
//
// Writers are linked into a lock-free intrusive queue by a CAS on the tail
// pointer. The first writer to land in the empty queue becomes the leader;
// it walks the queue, collects a maximal group of compatible writers,
// performs the WAL work on behalf of all of them, and then either drives
// memtable insertion itself or, in pipelined mode, hands the group off to a
// second queue whose leader drains the memtable stage while the WAL stage
// accepts new writers.
type commitPipeline struct {
	env commitEnv

	// Configuration, fixed at construction.
	maxYield                     time.Duration
	slowYield                    time.Duration
	allowConcurrentMemtableWrite bool
	enablePipelinedWrite         bool

	// Tail pointers of the two stage queues. The chain reached from a tail
	// via linkOlder ends in the writer at the head of that queue.
	newestWriter         atomic.Pointer[commitWriter]
	newestMemtableWriter atomic.Pointer[commitWriter]

	// lastSequence is the sequence number of the last operation assigned to
	// a group. Only WAL-stage leaders mutate it, and leadership is
	// exclusive, so no atomicity is required.
	lastSequence base.SeqNum

	// visibleSequence is the highest sequence number fully applied to the
	// memtable, ratcheted up as groups finish their memtable stage.
	visibleSequence atomic.Uint64

	// writeStallDummy is the stall sentinel. Its identity, not its fields,
	// distinguishes it: while it occupies the tail, no new writer is
	// admitted.
	writeStallDummy commitWriter
	stallMu         sync.Mutex
	stallCond       sync.Cond

	// Optional instrumentation, wired by the DB.
	commitGroups  prometheus.Counter
	commitWriters prometheus.Counter
	writeStalls   prometheus.Counter
}

func newCommitPipeline(env commitEnv, opts *Options) *commitPipeline {
	p := &commitPipeline{
		env:                          env,
		slowYield:                    yieldDuration(opts.WriteThreadSlowYieldUsec),
		allowConcurrentMemtableWrite: opts.AllowConcurrentMemtableWrite,
		enablePipelinedWrite:         opts.EnablePipelinedWrite,
	}
	if opts.EnableWriteThreadAdaptiveYield {
		p.maxYield = yieldDuration(opts.WriteThreadMaxYieldUsec)
	}
	p.writeStallDummy.state.Store(writerStateInit)
	p.stallCond.L = &p.stallMu
	return p
}

// commit submits a batch and blocks until it has been committed or
// rejected. It is safe for any number of goroutines to call commit
// concurrently.
func (p *commitPipeline) commit(b *Batch, opts *WriteOptions, cb WriteCallback) error {
	w := newCommitWriter(b, opts, cb)
	if p.enablePipelinedWrite {
		return p.pipelinedCommit(w)
	}
	return p.unifiedCommit(w)
}

// unifiedCommit drives a writer through the single-queue state machine:
// enqueue, then either lead the group through both the WAL and memtable
// phases, participate in a parallel memtable phase, or return immediately
// with the status the group leader produced.
func (p *commitPipeline) unifiedCommit(w *commitWriter) error {
	p.joinBatchGroup(w)

	switch state := w.state.Load(); state {
	case writerStateParallelMemtableWriter:
		// A follower in a group doing concurrent memtable insertion. Insert
		// our own batch, and if we are the last one out, perform exit duties
		// on behalf of the whole group.
		if w.shouldWriteToMemtable() {
			if err := p.env.apply(w); err != nil {
				w.status = err
			}
		}
		if p.completeParallelMemTableWriter(w) {
			p.exitAsBatchGroupFollower(w)
		}
		return w.status

	case writerStateCompleted:
		// The group leader did all the work, or the stall gate rejected us.
		return w.status

	case writerStateGroupLeader:
		return p.leadUnifiedGroup(w)

	default:
		panic(errors.AssertionFailedf("quarry: writer in unexpected state %d after join", state))
	}
}

func (p *commitPipeline) leadUnifiedGroup(w *commitWriter) error {
	var g writeGroup
	p.enterAsBatchGroupLeader(w, &g)

	parallel := p.allowConcurrentMemtableWrite && g.size > 1
	g.forEach(func(member *commitWriter) {
		if member.batch.HasMerge() {
			// Merge operands are not commutative with concurrent inserters.
			parallel = false
		}
	})
	p.assignSequences(&g)
	p.observeGroup(&g)

	status := p.env.write(&g)
	if status != nil {
		g.status = status
	}

	if status == nil && !parallel {
		// Insert every member's batch ourselves.
		g.forEach(func(member *commitWriter) {
			if g.status == nil && member.shouldWriteToMemtable() {
				if err := p.env.apply(member); err != nil {
					g.status = err
				}
			}
		})
	}

	if status == nil && parallel {
		p.launchParallelMemTableWriters(&g)
		if w.shouldWriteToMemtable() {
			if err := p.env.apply(w); err != nil {
				w.status = err
			}
		}
		if p.completeParallelMemTableWriter(w) {
			p.exitAsBatchGroupFollower(w)
		}
		return w.status
	}

	w.status = g.status
	p.exitAsBatchGroupLeader(&g, g.status)
	return w.status
}

// pipelinedCommit drives a writer through the two-queue state machine. The
// WAL stage and the memtable stage have independent leaders that run
// concurrently: a WAL leader finishing its log write splices its group onto
// the memtable queue and immediately promotes the next WAL leader.
func (p *commitPipeline) pipelinedCommit(w *commitWriter) error {
	p.joinBatchGroup(w)

	if w.state.Load() == writerStateGroupLeader {
		var g writeGroup
		p.enterAsBatchGroupLeader(w, &g)
		p.assignSequences(&g)
		p.observeGroup(&g)

		if err := p.env.write(&g); err != nil {
			g.status = err
		}

		// Completes WAL-only writers, hands the remainder to the memtable
		// queue, promotes the next WAL leader, and waits for this writer's
		// own memtable-stage role.
		p.exitAsBatchGroupLeader(&g, g.status)
	}

	if w.state.Load() == writerStateMemtableWriterLeader {
		// The memtable-stage group header lives on this leader's stack, like
		// the WAL-stage group header lives on the WAL leader's.
		var mg writeGroup
		p.enterAsMemTableWriter(w, &mg)

		if p.allowConcurrentMemtableWrite {
			p.launchParallelMemTableWriters(&mg)
		} else {
			mg.forEach(func(member *commitWriter) {
				if mg.status == nil && member.shouldWriteToMemtable() {
					if err := p.env.apply(member); err != nil {
						mg.status = err
					}
				}
			})
			if mg.status != nil {
				w.status = mg.status
			}
			p.ratchetVisibleSequence(&mg)
			p.exitAsMemTableWriter(w, &mg)
			return w.status
		}
	}

	if w.state.Load() == writerStateParallelMemtableWriter {
		if w.shouldWriteToMemtable() {
			if err := p.env.apply(w); err != nil {
				w.status = err
			}
		}
		if p.completeParallelMemTableWriter(w) {
			g := w.writeGroup.Load()
			p.ratchetVisibleSequence(g)
			p.exitAsMemTableWriter(w, g)
		}
	}

	if invariants.Enabled && w.state.Load() != writerStateCompleted {
		panic(errors.AssertionFailedf("quarry: writer exiting commit in state %d", w.state.Load()))
	}
	return w.status
}

// assignSequences gives every member of a freshly assembled WAL-stage group
// its base sequence number, in enqueue order.
func (p *commitPipeline) assignSequences(g *writeGroup) {
	seq := p.lastSequence + 1
	g.forEach(func(w *commitWriter) {
		w.sequence = seq
		seq += base.SeqNum(w.batch.Count())
	})
	g.lastSequence = seq - 1
	p.lastSequence = g.lastSequence
}

func (p *commitPipeline) observeGroup(g *writeGroup) {
	if p.commitGroups != nil {
		p.commitGroups.Inc()
		p.commitWriters.Add(float64(g.size))
	}
}

// joinBatchGroup links the writer into the WAL-stage queue. On return the
// writer is in one of the non-init states: it has been elected leader, the
// previous leader has committed on its behalf, its group has entered the
// parallel memtable phase, or (pipelined mode) it has been promoted to lead
// the memtable stage.
func (p *commitPipeline) joinBatchGroup(w *commitWriter) {
	if invariants.Enabled && w.batch == nil {
		panic(errors.AssertionFailedf("quarry: batched writer without a batch"))
	}
	linkedAsLeader := p.linkOne(w, &p.newestWriter)
	if linkedAsLeader {
		p.setState(w, writerStateGroupLeader)
		return
	}
	p.awaitState(w, writerStateMask, jbgCtx)
}

// linkOne atomically publishes w as the new tail of the queue, splicing
// w.linkOlder to the previous tail. Returns true iff the previous tail was
// nil, making the caller the queue's leader.
//
// If the tail is the stall sentinel, a no-slowdown writer fails immediately
// with ErrWriteStall; any other writer blocks on the stall condition
// variable until the sentinel is removed, then retries.
func (p *commitPipeline) linkOne(w *commitWriter, newestWriter *atomic.Pointer[commitWriter]) bool {
	if invariants.Enabled && w.state.Load() != writerStateInit {
		panic(errors.AssertionFailedf("quarry: linking writer in state %d", w.state.Load()))
	}
	writers := newestWriter.Load()
	for {
		if writers == &p.writeStallDummy {
			if w.noSlowdown {
				w.status = ErrWriteStall
				p.setState(w, writerStateCompleted)
				return false
			}
			// Wait to be notified of the stall clearing.
			p.stallMu.Lock()
			writers = newestWriter.Load()
			if writers == &p.writeStallDummy {
				p.stallCond.Wait()
				// Load the tail again since it may have changed.
				writers = newestWriter.Load()
				p.stallMu.Unlock()
				continue
			}
			p.stallMu.Unlock()
		}
		w.linkOlder.Store(writers)
		if newestWriter.CompareAndSwap(writers, w) {
			return writers == nil
		}
		writers = newestWriter.Load()
	}
}

// linkGroup atomically splices an entire pre-formed group onto the tail of
// the queue. Returns true iff the group's leader became the head of the
// queue.
func (p *commitPipeline) linkGroup(g *writeGroup, newestWriter *atomic.Pointer[commitWriter]) bool {
	leader := g.leader
	lastWriter := g.lastWriter
	for w := lastWriter; ; {
		// Unset the linkNewer pointers so a later call to
		// createMissingNewerLinks rebuilds every missing link, and drop the
		// group back-reference so the next stage can re-group.
		w.linkNewer.Store(nil)
		w.writeGroup.Store(nil)
		if w == leader {
			break
		}
		w = w.linkOlder.Load()
	}
	newest := newestWriter.Load()
	for {
		leader.linkOlder.Store(newest)
		if newestWriter.CompareAndSwap(newest, lastWriter) {
			return newest == nil
		}
		newest = newestWriter.Load()
	}
}

// createMissingNewerLinks walks linkOlder from head toward the front of the
// queue, materializing linkNewer pointers until it reaches a writer whose
// linkNewer is already set. Only a leader walks, so the walk cannot race
// with another walk; concurrent tail-side enqueues extend the chain behind
// head and are not observed.
func (p *commitPipeline) createMissingNewerLinks(head *commitWriter) {
	for {
		next := head.linkOlder.Load()
		if next == nil || next.linkNewer.Load() != nil {
			break
		}
		next.linkNewer.Store(head)
		head = next
	}
}

// findNextLeader locates the writer at the head side of the queue segment
// (boundary, from]: the writer whose linkOlder is boundary.
func (p *commitPipeline) findNextLeader(from, boundary *commitWriter) *commitWriter {
	current := from
	for current.linkOlder.Load() != boundary {
		current = current.linkOlder.Load()
	}
	return current
}

// enterAsBatchGroupLeader assembles the WAL-stage group led by leader:
// starting from the leader it admits newer writers while they are
// compatible with the leader's flags and the group stays under the size
// cap. The first incompatible writer becomes the candidate leader of the
// next round.
func (p *commitPipeline) enterAsBatchGroupLeader(leader *commitWriter, g *writeGroup) int {
	if invariants.Enabled {
		if leader.linkOlder.Load() != nil {
			panic(errors.AssertionFailedf("quarry: group leader is not at the head of the queue"))
		}
		if leader.batch == nil {
			panic(errors.AssertionFailedf("quarry: group leader has no batch"))
		}
	}

	size := leader.batch.Len()

	// Allow the group to grow up to a maximum size, but if the original
	// write is small, limit the growth so we do not slow down the small
	// write too much.
	maxSize := 1 << 20
	if size <= 128<<10 {
		maxSize = size + 128<<10
	}

	leader.writeGroup.Store(g)
	g.leader = leader
	g.lastWriter = leader
	g.size = 1

	newestWriter := p.newestWriter.Load()

	// This is safe regardless of any mutex held by the caller. Previous
	// calls to exitAsBatchGroupLeader either didn't call
	// createMissingNewerLinks (they emptied the list and then we added
	// ourselves as leader) or had to explicitly wake us up (the list was
	// non-empty when we added ourselves, so we have already been handed
	// leadership).
	p.createMissingNewerLinks(newestWriter)

	// Tricky. Iteration start (leader) is exclusive and finish
	// (newestWriter) is inclusive. Iteration goes from old to new.
	for w := leader; w != newestWriter; {
		w = w.linkNewer.Load()

		if w.sync != leader.sync {
			// Do not mix writes that sync the WAL with ones that don't.
			break
		}

		if w.noSlowdown != leader.noSlowdown {
			// Do not mix writes that are ok with delays with ones that
			// request failure on delays.
			break
		}

		if !w.disableWAL && leader.disableWAL {
			// Do not include a write that needs WAL into a batch that has
			// WAL disabled.
			break
		}

		if w.batch == nil {
			// Writers without a batch are not writes, they are something
			// else. They want to be alone.
			break
		}

		if w.callback != nil && !w.callback.AllowBatching() {
			// Don't batch writes that don't want to be batched.
			break
		}

		batchSize := w.batch.Len()
		if size+batchSize > maxSize {
			// Do not make the batch too big.
			break
		}

		w.writeGroup.Store(g)
		size += batchSize
		g.lastWriter = w
		g.size++
	}
	return size
}

// enterAsMemTableWriter assembles the memtable-stage group led by leader.
// The WAL-stage mixing constraints no longer apply, but if concurrent
// memtable writes are enabled the group terminates at any batch carrying a
// merge operand: merges are not commutative with concurrent inserters.
func (p *commitPipeline) enterAsMemTableWriter(leader *commitWriter, g *writeGroup) {
	if invariants.Enabled {
		if leader.linkOlder.Load() != nil {
			panic(errors.AssertionFailedf("quarry: memtable leader is not at the head of the queue"))
		}
		if leader.batch == nil {
			panic(errors.AssertionFailedf("quarry: memtable leader has no batch"))
		}
	}

	size := leader.batch.Len()
	maxSize := 1 << 20
	if size <= 128<<10 {
		maxSize = size + 128<<10
	}

	leader.writeGroup.Store(g)
	g.leader = leader
	g.size = 1
	lastWriter := leader

	if !p.allowConcurrentMemtableWrite || !leader.batch.HasMerge() {
		newestWriter := p.newestMemtableWriter.Load()
		p.createMissingNewerLinks(newestWriter)

		for w := leader; w != newestWriter; {
			w = w.linkNewer.Load()

			if w.batch == nil {
				break
			}

			if w.batch.HasMerge() {
				break
			}

			if !p.allowConcurrentMemtableWrite {
				batchSize := w.batch.Len()
				if size+batchSize > maxSize {
					// Do not make the batch too big.
					break
				}
				size += batchSize
			}

			w.writeGroup.Store(g)
			lastWriter = w
			g.size++
		}
	}

	g.lastWriter = lastWriter
	g.lastSequence = lastWriter.sequence + base.SeqNum(lastWriter.batch.Count()) - 1
}

// exitAsMemTableWriter concludes the memtable stage for the group: it
// advances the memtable queue past the group, promoting a new memtable
// leader if more work arrived, and completes every member. The leader exits
// last, since it owns the write group.
func (p *commitPipeline) exitAsMemTableWriter(_ *commitWriter, g *writeGroup) {
	leader := g.leader
	lastWriter := g.lastWriter

	if !p.newestMemtableWriter.CompareAndSwap(lastWriter, nil) {
		// Writers have been spliced behind us while we were inserting.
		newestWriter := p.newestMemtableWriter.Load()
		p.createMissingNewerLinks(newestWriter)
		nextLeader := lastWriter.linkNewer.Load()
		if invariants.Enabled && nextLeader == nil {
			panic(errors.AssertionFailedf("quarry: memtable queue non-empty but no next leader"))
		}
		nextLeader.linkOlder.Store(nil)
		p.setState(nextLeader, writerStateMemtableWriterLeader)
	}
	for w := leader; ; {
		if g.status != nil {
			w.status = g.status
		}
		next := w.linkNewer.Load()
		if w != leader {
			p.setState(w, writerStateCompleted)
		}
		if w == lastWriter {
			break
		}
		w = next
	}
	// Note that the leader has to exit last, since it owns the write group.
	p.setState(leader, writerStateCompleted)
}

// launchParallelMemTableWriters wakes every member of the group to insert
// its own batch into the memtable concurrently.
func (p *commitPipeline) launchParallelMemTableWriters(g *writeGroup) {
	g.running.Store(int32(g.size))
	g.forEach(func(w *commitWriter) {
		p.setState(w, writerStateParallelMemtableWriter)
	})
}

// completeParallelMemTableWriter records the completion of one member's
// parallel insertion. It returns false for every member but the last, after
// waiting for the group to be completed on its behalf. The member that
// drops the running count to zero gets true and must drive the group's
// exit.
func (p *commitPipeline) completeParallelMemTableWriter(w *commitWriter) bool {
	g := w.writeGroup.Load()
	if w.status != nil {
		// The group's status lives in leader-owned memory; this is the only
		// place a follower writes into it, guarded by the leader's state
		// mutex.
		g.leader.stateMu.Lock()
		g.status = w.status
		g.leader.stateMu.Unlock()
	}

	if g.running.Add(-1) > 0 {
		// We're not the last one out.
		p.awaitState(w, writerStateCompleted, cpmtwCtx)
		return false
	}
	// We're the last parallel worker and should perform exit duties.
	w.status = g.status
	return true
}

// exitAsBatchGroupFollower is called by the last-one-out of a unified-mode
// parallel group, whether that member is a follower or the leader itself.
// It performs the leader's exit duties and then completes the leader.
func (p *commitPipeline) exitAsBatchGroupFollower(w *commitWriter) {
	g := w.writeGroup.Load()
	p.exitAsBatchGroupLeader(g, g.status)
	p.setState(g.leader, writerStateCompleted)
}

// exitAsBatchGroupLeader concludes the WAL stage for the group.
//
// In unified mode it advances the head queue past the group, promoting the
// next leader if writers arrived during the commit, and completes every
// follower (the leader completes itself on return).
//
// In pipelined mode it completes WAL-only writers, splices the remainder of
// the group onto the memtable queue, elects the next WAL leader using a
// dummy-tail handshake, and finally waits for this leader's own
// memtable-stage role to arrive.
func (p *commitPipeline) exitAsBatchGroupLeader(g *writeGroup, status error) {
	leader := g.leader
	lastWriter := g.lastWriter
	if invariants.Enabled && leader.linkOlder.Load() != nil {
		panic(errors.AssertionFailedf("quarry: exiting group leader is not at the head of the queue"))
	}

	// Propagate a memtable write error to the whole group.
	if status == nil && g.status != nil {
		status = g.status
	}

	if p.enablePipelinedWrite {
		// Notify writers that have no memtable work to exit. A failed WAL
		// stage completes the whole group: its memtable reservations have
		// been released, so nothing may reach the second stage.
		for w := lastWriter; w != leader; {
			next := w.linkOlder.Load()
			w.status = status
			if status != nil || !w.shouldWriteToMemtable() {
				p.completeFollower(w, g)
			}
			w = next
		}
		if status != nil || !leader.shouldWriteToMemtable() {
			p.completeLeader(g)
		}

		var nextLeader *commitWriter

		// Look for the next leader before we call linkGroup. If there are
		// no pending writers, place a dummy writer at the tail of the queue
		// so we know the boundary of the current write group.
		var dummy commitWriter
		hasDummy := p.newestWriter.CompareAndSwap(lastWriter, &dummy)
		if !hasDummy {
			// We found at least one pending writer when trying to insert
			// the dummy. Search for the next leader from there.
			expected := p.newestWriter.Load()
			nextLeader = p.findNextLeader(expected, lastWriter)
			if invariants.Enabled && (nextLeader == nil || nextLeader == lastWriter) {
				panic(errors.AssertionFailedf("quarry: failed to locate next WAL leader"))
			}
		}

		// Link the remainder of the group to the memtable writer list.
		//
		// We have to link our group to the memtable writer queue before
		// waking up the next leader or setting newestWriter to nil,
		// otherwise the next leader can run ahead of us and link to the
		// memtable writer queue before we do.
		if g.size > 0 {
			if p.linkGroup(g, &p.newestMemtableWriter) {
				// The leader can now be different from the current writer.
				p.setState(g.leader, writerStateMemtableWriterLeader)
			}
		}

		// If we inserted the dummy, remove it now and check whether any
		// writers joined the queue since. If so, look for the next leader
		// again.
		if hasDummy {
			if invariants.Enabled && nextLeader != nil {
				panic(errors.AssertionFailedf("quarry: next leader found before dummy removal"))
			}
			if !p.newestWriter.CompareAndSwap(&dummy, nil) {
				expected := p.newestWriter.Load()
				nextLeader = p.findNextLeader(expected, &dummy)
				if invariants.Enabled && (nextLeader == nil || nextLeader == &dummy) {
					panic(errors.AssertionFailedf("quarry: failed to locate next WAL leader behind dummy"))
				}
			}
		}

		if nextLeader != nil {
			nextLeader.linkOlder.Store(nil)
			p.setState(nextLeader, writerStateGroupLeader)
		}
		p.awaitState(leader,
			writerStateMemtableWriterLeader|writerStateParallelMemtableWriter|writerStateCompleted,
			eabglCtx)
	} else {
		// In unified mode the memtable phase is over by the time the group
		// exits, so the group's sequences become visible here.
		p.ratchetVisibleSequence(g)

		head := p.newestWriter.Load()
		if head != lastWriter || !p.newestWriter.CompareAndSwap(head, nil) {
			// Either we weren't the tail during the load, or we were but
			// somebody pushed onto the list before the CAS (causing it to
			// fail). No need to retry a failing CAS, because only a
			// departing leader can remove nodes from the list.
			if head == lastWriter {
				head = p.newestWriter.Load()
			}
			if invariants.Enabled && head == lastWriter {
				panic(errors.AssertionFailedf("quarry: tail unchanged after failed CAS"))
			}

			// After walking linkOlder starting from head we will be able to
			// traverse linkNewer below. Only a leader can clear
			// newestWriter, we didn't, so no other leader work is going on
			// here.
			p.createMissingNewerLinks(head)
			nextLeader := lastWriter.linkNewer.Load()
			nextLeader.linkOlder.Store(nil)

			// The next leader didn't self-identify, because newestWriter
			// wasn't nil when it enqueued. Leader handoff happens here.
			p.setState(nextLeader, writerStateGroupLeader)
		}
		// else nobody else was waiting, although there might already be a
		// new leader now.

		for w := lastWriter; w != leader; {
			w.status = status
			// We need to read linkOlder before calling setState, because as
			// soon as the writer is marked completed the other goroutine's
			// await may return and the writer's frame go out of scope.
			next := w.linkOlder.Load()
			p.setState(w, writerStateCompleted)
			w = next
		}
	}
}

// completeLeader removes the leader from the group and completes it, used
// when the leader has no memtable work to hand to the second stage.
func (p *commitPipeline) completeLeader(g *writeGroup) {
	if invariants.Enabled && g.size == 0 {
		panic(errors.AssertionFailedf("quarry: completing leader of empty group"))
	}
	leader := g.leader
	if g.size == 1 {
		g.leader = nil
		g.lastWriter = nil
	} else {
		next := leader.linkNewer.Load()
		next.linkOlder.Store(nil)
		g.leader = next
	}
	g.size--
	p.setState(leader, writerStateCompleted)
}

// completeFollower unlinks a follower from the group's chain and completes
// it.
func (p *commitPipeline) completeFollower(w *commitWriter, g *writeGroup) {
	if invariants.Enabled && (g.size <= 1 || w == g.leader) {
		panic(errors.AssertionFailedf("quarry: invalid follower completion"))
	}
	if w == g.lastWriter {
		w.linkOlder.Load().linkNewer.Store(nil)
		g.lastWriter = w.linkOlder.Load()
	} else {
		w.linkOlder.Load().linkNewer.Store(w.linkNewer.Load())
		w.linkNewer.Load().linkOlder.Store(w.linkOlder.Load())
	}
	g.size--
	p.setState(w, writerStateCompleted)
}

// beginWriteStall installs the stall sentinel at the tail of the WAL-stage
// queue. Writers that arrived before the sentinel but have not been
// grouped and asked for no slowdown are unlinked and failed immediately;
// already-grouped writers are left alone, since a group never mixes
// slowdown policies.
func (p *commitPipeline) beginWriteStall() {
	p.linkOne(&p.writeStallDummy, &p.newestWriter)
	if p.writeStalls != nil {
		p.writeStalls.Inc()
	}

	// Walk the writer list until a writer with a write group is found.
	prev := &p.writeStallDummy
	w := prev.linkOlder.Load()
	for w != nil && w.writeGroup.Load() == nil {
		if w.noSlowdown {
			prev.linkOlder.Store(w.linkOlder.Load())
			w.status = ErrWriteStall
			p.setState(w, writerStateCompleted)
			w = prev.linkOlder.Load()
		} else {
			prev = w
			w = w.linkOlder.Load()
		}
	}
}

// endWriteStall removes the stall sentinel and releases every writer
// blocked in linkOne.
func (p *commitPipeline) endWriteStall() {
	p.stallMu.Lock()
	defer p.stallMu.Unlock()

	if p.newestWriter.Load() != &p.writeStallDummy {
		panic(errors.AssertionFailedf("quarry: ending a stall but the sentinel is not at the tail"))
	}
	p.newestWriter.Store(p.writeStallDummy.linkOlder.Load())
	p.writeStallDummy.linkOlder.Store(nil)
	p.writeStallDummy.linkNewer.Store(nil)
	// A departing leader adjacent to the sentinel can have promoted it; put
	// it back in its inert state for the next stall cycle.
	p.writeStallDummy.state.Store(writerStateInit)

	// Wake up blocked writers.
	p.stallCond.Broadcast()
}

// enterUnbatched gives the caller exclusive, in-order access to the commit
// position for operations that cannot be batched. The external mutex is
// released while waiting; on return it is reacquired and the caller holds
// WAL-stage leadership with the memtable stage drained to quiescence.
func (p *commitPipeline) enterUnbatched(w *commitWriter, mu *sync.Mutex) {
	if invariants.Enabled && (w == nil || w.batch != nil) {
		panic(errors.AssertionFailedf("quarry: unbatched writer must have no batch"))
	}
	mu.Unlock()
	linkedAsLeader := p.linkOne(w, &p.newestWriter)
	if !linkedAsLeader {
		// The last leader will not pick us as a follower since our batch is
		// nil.
		p.awaitState(w, writerStateGroupLeader, euCtx)
	}
	if p.enablePipelinedWrite {
		p.waitForMemTableWriters()
	}
	mu.Lock()
}

// exitUnbatched releases the commit position acquired by enterUnbatched.
func (p *commitPipeline) exitUnbatched(w *commitWriter) {
	if !p.newestWriter.CompareAndSwap(w, nil) {
		newest := p.newestWriter.Load()
		p.createMissingNewerLinks(newest)
		nextLeader := w.linkNewer.Load()
		if invariants.Enabled && nextLeader == nil {
			panic(errors.AssertionFailedf("quarry: queue non-empty but no next leader"))
		}
		nextLeader.linkOlder.Store(nil)
		p.setState(nextLeader, writerStateGroupLeader)
	}
}

// waitForMemTableWriters installs a private sentinel on the memtable queue
// and waits until it is elected leader, at which point the memtable stage
// is quiescent. Only meaningful in pipelined mode.
func (p *commitPipeline) waitForMemTableWriters() {
	if invariants.Enabled && !p.enablePipelinedWrite {
		panic(errors.AssertionFailedf("quarry: memtable queue drain outside pipelined mode"))
	}
	if p.newestMemtableWriter.Load() == nil {
		return
	}
	w := &commitWriter{}
	w.state.Store(writerStateInit)
	if !p.linkOne(w, &p.newestMemtableWriter) {
		p.awaitState(w, writerStateMemtableWriterLeader, wfmwCtx)
	}
	p.newestMemtableWriter.Store(nil)
}

// ratchetVisibleSequence publishes that every operation at or below
// g.lastSequence has been applied. Another group may have already published
// a higher sequence, so only ratchet upward.
func (p *commitPipeline) ratchetVisibleSequence(g *writeGroup) {
	newSeqNum := uint64(g.lastSequence)
	for {
		curSeqNum := p.visibleSequence.Load()
		if newSeqNum <= curSeqNum {
			break
		}
		if p.visibleSequence.CompareAndSwap(curSeqNum, newSeqNum) {
			break
		}
	}
}

// visibleSeqNum returns the highest sequence number known to be fully
// applied to the memtable.
func (p *commitPipeline) visibleSeqNum() base.SeqNum {
	return base.SeqNum(p.visibleSequence.Load())
}
