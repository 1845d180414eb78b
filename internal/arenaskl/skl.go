/*
 * Copyright 2017 Dgraph Labs, Inc. and Contributors
 * Modifications copyright (C) 2017 Andy Kimball and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package arenaskl implements a fast, mostly lock-free skiplist whose nodes,
keys and values live in a fixed-size arena. The skiplist supports concurrent
insertion: multiple goroutines may Add at once, and readers always observe a
consistent list. Keys are internal keys; duplicate internal keys (same user
key and trailer) are rejected with ErrRecordExists, and deletion is not
supported. Instead, higher-level code is expected to add new entries that
shadow existing entries at newer sequence numbers and to add tombstones.
*/
package arenaskl

import (
	"math"
	"math/rand/v2"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/quarrydb/quarry/internal/base"
)

// ErrRecordExists indicates that an entry with the specified key already
// exists in the skiplist. Duplicate entries are not directly supported and
// instead must be handled by the user by appending a unique version suffix
// to keys.
var ErrRecordExists = errors.New("record with this key already exists")

// Skiplist is a fast, concurrent skiplist implementation that supports
// forward and backward iteration. Keys and values are immutable once added
// to the skiplist and deletion is not supported. Instead, higher-level code
// is expected to add new entries that shadow existing entries and perform
// deletion via tombstones.
type Skiplist struct {
	arena  *Arena
	cmp    base.Compare
	head   *node
	tail   *node
	height atomic.Uint32 // Current height: 1 <= height <= maxHeight. CAS.
}

// The splice accumulates the nodes bracketing the insertion position at each
// level of the tower.
type splice struct {
	prev *node
	next *node
}

var probabilities [maxHeight]uint32

func init() {
	// Precompute the skiplist probabilities so that only a single random
	// number needs to be generated and so that the optimal pvalue can be
	// used (inverse of Euler's number).
	p := 1.0
	for i := 0; i < maxHeight; i++ {
		probabilities[i] = uint32(float64(math.MaxUint32) * p)
		p *= pValue
	}
}

// NewSkiplist constructs and initializes a new, empty skiplist. All the
// nodes, keys, and values in the skiplist will be allocated from the given
// arena.
func NewSkiplist(arena *Arena, cmp base.Compare) *Skiplist {
	skl := &Skiplist{}
	skl.Reset(arena, cmp)
	return skl
}

// Reset the skiplist to empty and re-initialize.
func (s *Skiplist) Reset(arena *Arena, cmp base.Compare) {
	// Allocate head and tail nodes.
	head, err := newRawNode(arena, maxHeight, 0, 0)
	if err != nil {
		panic("arenaSize is not large enough to hold the head node")
	}
	tail, err := newRawNode(arena, maxHeight, 0, 0)
	if err != nil {
		panic("arenaSize is not large enough to hold the tail node")
	}

	// Link all head/tail levels together.
	headOffset := arena.getPointerOffset(unsafe.Pointer(head))
	tailOffset := arena.getPointerOffset(unsafe.Pointer(tail))
	for i := 0; i < maxHeight; i++ {
		head.tower[i].init(0, tailOffset)
		tail.tower[i].init(headOffset, 0)
	}

	*s = Skiplist{
		arena: arena,
		cmp:   cmp,
		head:  head,
		tail:  tail,
	}
	s.height.Store(1)
}

// Arena returns the arena backing this skiplist.
func (s *Skiplist) Arena() *Arena { return s.arena }

// Height returns the height of the highest tower within any of the nodes
// that have ever been allocated as part of this skiplist.
func (s *Skiplist) Height() uint32 { return s.height.Load() }

// Size returns the number of bytes that have allocated from the arena.
func (s *Skiplist) Size() uint32 { return s.arena.Size() }

// Add adds a new key to the skiplist if it does not yet exist. If the record
// already exists, then Add returns ErrRecordExists. If there isn't enough
// room in the arena, then Add returns ErrArenaFull. Add is safe to call
// concurrently with itself and with readers.
func (s *Skiplist) Add(key base.InternalKey, value []byte) error {
	var spl [maxHeight]splice
	if s.findSplice(key, &spl) {
		// Found a node with the same user key and trailer.
		return ErrRecordExists
	}

	nd, height, err := s.newNode(key, value)
	if err != nil {
		return err
	}
	ndOffset := s.arena.getPointerOffset(unsafe.Pointer(nd))

	// We always insert from the base level and up. After you add a node in
	// base level, we cannot create a node in the level above because it
	// would have discovered the node in the base level.
	var found bool
	for i := 0; i < int(height); i++ {
		prev := spl[i].prev
		next := spl[i].next

		if prev == nil {
			// New node increased the height of the skiplist, so assume that
			// the new level has not yet been populated.
			if next != nil {
				panic("next is expected to be nil, since prev is nil")
			}
			prev = s.head
			next = s.tail
		}

		// +----------------+     +------------+     +----------------+
		// |      prev      |     |     nd     |     |      next      |
		// | prevNextOffset |---->|            |     |                |
		// |                |<----| prevOffset |     |                |
		// |                |     | nextOffset |---->|                |
		// |                |     |            |<----| nextPrevOffset |
		// +----------------+     +------------+     +----------------+
		//
		// 1. Initialize prevOffset and nextOffset to point to prev and next.
		// 2. CAS prevNextOffset to repoint from next to nd.
		// 3. CAS nextPrevOffset to repoint from prev to nd.
		for {
			prevOffset := s.arena.getPointerOffset(unsafe.Pointer(prev))
			nextOffset := s.arena.getPointerOffset(unsafe.Pointer(next))
			nd.tower[i].init(prevOffset, nextOffset)

			// Check whether next has an updated link to prev. If it does
			// not, that can mean one of two things:
			//   1. The thread that added the next node hasn't yet had a
			//      chance to add the prev link (but will shortly).
			//   2. Another thread has added a new node between prev and
			//      next.
			nextPrevOffset := next.prevOffset(i)
			if nextPrevOffset != prevOffset {
				// Determine whether #1 or #2 is true by checking whether
				// prev is still pointing to next. As long as the atomic
				// operations have at least acquire/release semantics (no
				// need for sequential consistency), this works, as it is
				// equivalent to the "publication safety" pattern.
				prevNextOffset := prev.nextOffset(i)
				if prevNextOffset == nextOffset {
					// Ok, case #1 is true, so help the other thread along
					// by updating the next node's prev link.
					next.casPrevOffset(i, nextPrevOffset, prevOffset)
				}
			}

			if prev.casNextOffset(i, nextOffset, ndOffset) {
				// Managed to insert nd between prev and next, so update the
				// next node's prev link and go to the next level.
				next.casPrevOffset(i, prevOffset, ndOffset)
				break
			}

			// CAS failed. We need to recompute prev and next. It is unlikely
			// to be helpful to try to use a different level as we redo the
			// search, because it is unlikely that lots of nodes are being
			// inserted between prev and next.
			prev, next, found = s.findSpliceForLevel(key, i, prev)
			if found {
				if i != 0 {
					panic("how can another thread have inserted a node at a non-base level?")
				}
				return ErrRecordExists
			}
		}
	}
	return nil
}

func (s *Skiplist) newNode(key base.InternalKey, value []byte) (nd *node, height uint32, err error) {
	height = s.randomHeight()
	nd, err = newNode(s.arena, height, key, value)
	if err != nil {
		return
	}

	// Try to increase s.height via CAS.
	listHeight := s.Height()
	for height > listHeight {
		if s.height.CompareAndSwap(listHeight, height) {
			// Successfully increased skiplist.height.
			break
		}
		listHeight = s.Height()
	}
	return
}

func (s *Skiplist) randomHeight() uint32 {
	rnd := rand.Uint32()
	h := uint32(1)
	for h < maxHeight && rnd <= probabilities[h] {
		h++
	}
	return h
}

func (s *Skiplist) findSplice(key base.InternalKey, spl *[maxHeight]splice) (found bool) {
	var prev *node
	level := int(s.Height())
	prev = s.head

	for i := level - 1; i >= 0; i-- {
		var next *node
		prev, next, found = s.findSpliceForLevel(key, i, prev)
		spl[i].prev = prev
		spl[i].next = next
	}
	return
}

func (s *Skiplist) findSpliceForLevel(
	key base.InternalKey, level int, start *node,
) (prev, next *node, found bool) {
	prev = start
	for {
		// Assume prev.key < key.
		next = s.getNext(prev, level)
		if next == s.tail {
			// Tail node, so done.
			break
		}

		offset, size := next.keyOffset, next.keySize
		nextKey := s.arena.buf[offset : offset+size]
		cmp := s.cmp(key.UserKey, nextKey)
		if cmp < 0 {
			// We are done for this level, since prev.key < key < next.key.
			break
		}
		if cmp == 0 {
			// User-key equality. Order by trailer descending so that the
			// most recently written version of a key sorts first.
			if key.Trailer == next.keyTrailer {
				found = true
				break
			}
			if key.Trailer > next.keyTrailer {
				// We are done for this level, since prev.key < key < next.key.
				break
			}
		}

		// Keep moving right on this level.
		prev = next
	}
	return
}

func (s *Skiplist) getNext(nd *node, h int) *node {
	offset := nd.nextOffset(h)
	return (*node)(s.arena.getPointer(offset))
}

func (s *Skiplist) getPrev(nd *node, h int) *node {
	offset := nd.prevOffset(h)
	return (*node)(s.arena.getPointer(offset))
}
