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

package arenaskl

import (
	"github.com/quarrydb/quarry/internal/base"
)

// Iterator is an iterator over the skiplist object. Use Skiplist.NewIter to
// construct an iterator. The current state of the iterator can be cloned by
// simply value copying the struct. All iterator methods are thread-safe.
type Iterator struct {
	list *Skiplist
	nd   *node
	key  base.InternalKey
}

// NewIter returns a new Iterator object. Note that it is safe for an
// iterator to be copied by value.
func (s *Skiplist) NewIter() Iterator {
	return Iterator{list: s, nd: s.head}
}

// Valid returns true iff the iterator is positioned at a valid node.
func (it *Iterator) Valid() bool {
	return it.nd != it.list.head && it.nd != it.list.tail
}

// Key returns the key at the current position.
func (it *Iterator) Key() base.InternalKey {
	return it.key
}

// Value returns the value at the current position.
func (it *Iterator) Value() []byte {
	return it.nd.getValue(it.list.arena)
}

// Next advances to the next position. If there are no following nodes, the
// iterator is invalidated.
func (it *Iterator) Next() bool {
	it.nd = it.list.getNext(it.nd, 0)
	return it.decodeKey()
}

// Prev moves to the previous position. If there are no previous nodes, the
// iterator is invalidated.
func (it *Iterator) Prev() bool {
	it.nd = it.list.getPrev(it.nd, 0)
	return it.decodeKey()
}

// SeekGE moves the iterator to the first entry whose key is greater than or
// equal to the given user key (at any trailer). Returns true iff the
// iterator is pointing at a valid entry.
func (it *Iterator) SeekGE(key []byte) bool {
	_, it.nd, _ = it.seekForBaseSplice(key)
	return it.decodeKey()
}

// First seeks position at the first entry in list. Returns true iff the list
// is not empty.
func (it *Iterator) First() bool {
	it.nd = it.list.getNext(it.list.head, 0)
	return it.decodeKey()
}

// Last seeks position at the last entry in list. Returns true iff the list
// is not empty.
func (it *Iterator) Last() bool {
	it.nd = it.list.getPrev(it.list.tail, 0)
	return it.decodeKey()
}

func (it *Iterator) decodeKey() bool {
	if !it.Valid() {
		it.key = base.InternalKey{}
		return false
	}
	it.key = base.InternalKey{
		UserKey: it.nd.getKeyBytes(it.list.arena),
		Trailer: it.nd.keyTrailer,
	}
	return true
}

// seekForBaseSplice descends the tower looking for the first node at the
// base level whose user key is >= key. The trailer is ignored: because equal
// user keys order trailer-descending, the returned node is the newest
// version of the key when present.
func (it *Iterator) seekForBaseSplice(key []byte) (prev, next *node, found bool) {
	ikey := base.MakeInternalKey(key, base.SeqNumMax, base.InternalKeyKindMax)
	level := int(it.list.Height())

	prev = it.list.head
	for {
		prev, next, found = it.list.findSpliceForLevel(ikey, level-1, prev)
		if found {
			break
		}
		if level == 1 {
			break
		}
		level--
	}
	return
}
