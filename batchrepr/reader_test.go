// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package batchrepr

import (
	"encoding/binary"
	"testing"

	"github.com/quarrydb/quarry/internal/base"
	"github.com/stretchr/testify/require"
)

func TestReadHeader(t *testing.T) {
	_, ok := ReadHeader(nil)
	require.False(t, ok)
	_, ok = ReadHeader(make([]byte, HeaderLen-1))
	require.False(t, ok)

	repr := make([]byte, HeaderLen)
	SetSeqNum(repr, 42)
	SetCount(repr, 7)
	h, ok := ReadHeader(repr)
	require.True(t, ok)
	require.Equal(t, base.SeqNum(42), h.SeqNum)
	require.Equal(t, uint32(7), h.Count)
	require.Equal(t, "[seqNum=42,count=7]", h.String())
	require.True(t, IsEmpty(repr))
}

func TestReaderMalformed(t *testing.T) {
	appendStr := func(dst []byte, s string) []byte {
		dst = binary.AppendUvarint(dst, uint64(len(s)))
		return append(dst, s...)
	}

	// A well-formed set record followed by a record with an invalid kind.
	repr := make([]byte, HeaderLen)
	repr = append(repr, byte(base.InternalKeyKindSet))
	repr = appendStr(repr, "key")
	repr = appendStr(repr, "value")
	repr = append(repr, 0x7f)

	r := Read(repr)
	kind, key, value, ok, err := r.Next()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, base.InternalKeyKindSet, kind)
	require.Equal(t, "key", string(key))
	require.Equal(t, "value", string(value))

	_, _, _, ok, err = r.Next()
	require.False(t, ok)
	require.ErrorIs(t, err, ErrInvalidBatch)

	// A record whose value length overruns the data.
	repr = make([]byte, HeaderLen)
	repr = append(repr, byte(base.InternalKeyKindSet))
	repr = appendStr(repr, "key")
	repr = binary.AppendUvarint(repr, 1000)
	r = Read(repr)
	_, _, _, ok, err = r.Next()
	require.False(t, ok)
	require.ErrorIs(t, err, ErrInvalidBatch)
}
