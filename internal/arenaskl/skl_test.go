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
	"fmt"
	"sync"
	"testing"

	"github.com/quarrydb/quarry/internal/base"
	"github.com/stretchr/testify/require"
)

func newTestSkiplist(arenaSize int) *Skiplist {
	return NewSkiplist(NewArena(make([]byte, arenaSize)), base.DefaultCompare)
}

func TestSkiplistEmpty(t *testing.T) {
	s := newTestSkiplist(1 << 16)
	it := s.NewIter()
	require.False(t, it.First())
	require.False(t, it.SeekGE([]byte("a")))
	require.False(t, it.Valid())
}

func TestSkiplistAddAndIterate(t *testing.T) {
	s := newTestSkiplist(1 << 20)
	keys := []string{"b", "d", "a", "c", "e"}
	for i, k := range keys {
		ikey := base.MakeInternalKey([]byte(k), base.SeqNum(i+1), base.InternalKeyKindSet)
		require.NoError(t, s.Add(ikey, []byte("v-"+k)))
	}

	it := s.NewIter()
	var got []string
	for ok := it.First(); ok; ok = it.Next() {
		got = append(got, string(it.Key().UserKey))
		require.Equal(t, "v-"+string(it.Key().UserKey), string(it.Value()))
	}
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, got)

	// Reverse iteration.
	got = got[:0]
	for ok := it.Last(); ok; ok = it.Prev() {
		got = append(got, string(it.Key().UserKey))
	}
	require.Equal(t, []string{"e", "d", "c", "b", "a"}, got)
}

// TestSkiplistVersionOrdering verifies that equal user keys order by
// trailer descending, so a SeekGE lands on the newest version.
func TestSkiplistVersionOrdering(t *testing.T) {
	s := newTestSkiplist(1 << 16)
	for seq := 1; seq <= 3; seq++ {
		ikey := base.MakeInternalKey([]byte("k"), base.SeqNum(seq), base.InternalKeyKindSet)
		require.NoError(t, s.Add(ikey, []byte(fmt.Sprintf("v%d", seq))))
	}

	it := s.NewIter()
	require.True(t, it.SeekGE([]byte("k")))
	require.Equal(t, base.SeqNum(3), it.Key().SeqNum())
	require.Equal(t, "v3", string(it.Value()))
	require.True(t, it.Next())
	require.Equal(t, base.SeqNum(2), it.Key().SeqNum())
	require.True(t, it.Next())
	require.Equal(t, base.SeqNum(1), it.Key().SeqNum())
	require.False(t, it.Next())
}

func TestSkiplistDuplicate(t *testing.T) {
	s := newTestSkiplist(1 << 16)
	ikey := base.MakeInternalKey([]byte("k"), 1, base.InternalKeyKindSet)
	require.NoError(t, s.Add(ikey, []byte("v")))
	require.Equal(t, ErrRecordExists, s.Add(ikey, []byte("v2")))
}

func TestSkiplistArenaFull(t *testing.T) {
	s := newTestSkiplist(1 << 10)
	var err error
	for i := 0; err == nil && i < 1000; i++ {
		ikey := base.MakeInternalKey([]byte(fmt.Sprintf("key-%04d", i)), base.SeqNum(i+1), base.InternalKeyKindSet)
		err = s.Add(ikey, make([]byte, 32))
	}
	require.Equal(t, ErrArenaFull, err)
}

func TestSkiplistConcurrentAdd(t *testing.T) {
	const writers = 8
	const perWriter = 200

	s := newTestSkiplist(8 << 20)
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				ikey := base.MakeInternalKey(
					[]byte(fmt.Sprintf("%02d-%06d", i, j)),
					base.SeqNum(i*perWriter+j+1), base.InternalKeyKindSet)
				if err := s.Add(ikey, []byte("value")); err != nil {
					t.Error(err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	it := s.NewIter()
	count := 0
	var prev []byte
	for ok := it.First(); ok; ok = it.Next() {
		if prev != nil {
			require.Negative(t, base.DefaultCompare(prev, it.Key().UserKey))
		}
		prev = append(prev[:0], it.Key().UserKey...)
		count++
	}
	require.Equal(t, writers*perWriter, count)
}
