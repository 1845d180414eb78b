// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package base holds the types shared by the quarry write path: sequence
// numbers, internal key encoding, comparers and logging.
package base

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/redact"
)

// SeqNum is a sequence number defining precedence among identical keys. A
// key with a higher sequence number takes precedence over an equal user key
// with a lower sequence number. Sequence numbers are assigned in commit
// order by the commit pipeline: within a write group they increase in
// enqueue order, and across groups the earlier group's last sequence number
// is smaller than the later group's first.
type SeqNum uint64

const (
	// SeqNumZero is the zero sequence number. No committed key carries it;
	// it is the value of a batch that has not been assigned a sequence yet.
	SeqNumZero SeqNum = 0
	// SeqNumMax is the largest valid sequence number.
	SeqNumMax SeqNum = 1<<56 - 1
)

func (s SeqNum) String() string {
	if s == SeqNumMax {
		return "inf"
	}
	return fmt.Sprintf("%d", uint64(s))
}

// SafeFormat implements redact.SafeFormatter.
func (s SeqNum) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(s.String()))
}

// InternalKeyKind enumerates the kind of key: a deletion tombstone, a set
// value, or a merged value.
type InternalKeyKind uint8

// These constants are part of the batch and WAL formats, and should not be
// changed.
const (
	InternalKeyKindDelete  InternalKeyKind = 0
	InternalKeyKindSet     InternalKeyKind = 1
	InternalKeyKindMerge   InternalKeyKind = 2
	InternalKeyKindLogData InternalKeyKind = 3

	// InternalKeyKindMax is the largest valid kind. A reader encountering a
	// kind above it is looking at a corrupt batch.
	InternalKeyKindMax InternalKeyKind = 3
)

func (k InternalKeyKind) String() string {
	switch k {
	case InternalKeyKindDelete:
		return "DEL"
	case InternalKeyKindSet:
		return "SET"
	case InternalKeyKindMerge:
		return "MERGE"
	case InternalKeyKindLogData:
		return "LOGDATA"
	default:
		return fmt.Sprintf("UNKNOWN:%d", uint8(k))
	}
}

// InternalKeyTrailerLen is the number of bytes the trailer occupies at the
// tail of an encoded internal key.
const InternalKeyTrailerLen = 8

// InternalKeyTrailer encodes a SeqNum and an InternalKeyKind in 8 bytes:
// (seqNum << 8) | kind.
type InternalKeyTrailer uint64

// MakeTrailer constructs an internal key trailer from the specified sequence
// number and kind.
func MakeTrailer(seqNum SeqNum, kind InternalKeyKind) InternalKeyTrailer {
	return (InternalKeyTrailer(seqNum) << 8) | InternalKeyTrailer(kind)
}

// SeqNum returns the sequence number component of the trailer.
func (t InternalKeyTrailer) SeqNum() SeqNum {
	return SeqNum(t >> 8)
}

// Kind returns the key kind component of the trailer.
func (t InternalKeyTrailer) Kind() InternalKeyKind {
	return InternalKeyKind(t & 0xff)
}

// InternalKey is a key used for the in-memory and on-disk partial DBs that
// make up a quarry DB.
//
// It consists of the user key (as given by the arbitrary code that uses the
// engine) followed by an 8-byte trailer:
//   - 1 byte for the internal key kind.
//   - 7 bytes for a uint56 sequence number, in little-endian format.
type InternalKey struct {
	UserKey []byte
	Trailer InternalKeyTrailer
}

// MakeInternalKey constructs an internal key from a specified user key,
// sequence number and kind.
func MakeInternalKey(userKey []byte, seqNum SeqNum, kind InternalKeyKind) InternalKey {
	return InternalKey{UserKey: userKey, Trailer: MakeTrailer(seqNum, kind)}
}

// DecodeInternalKey decodes an encoded internal key. If the key is too short
// to hold a trailer it decodes to an empty user key with a zero trailer.
func DecodeInternalKey(encoded []byte) InternalKey {
	n := len(encoded) - InternalKeyTrailerLen
	var t InternalKeyTrailer
	var ukey []byte
	if n >= 0 {
		t = InternalKeyTrailer(binary.LittleEndian.Uint64(encoded[n:]))
		ukey = encoded[:n:n]
	}
	return InternalKey{UserKey: ukey, Trailer: t}
}

// Size returns the encoded size of the key.
func (k InternalKey) Size() int {
	return len(k.UserKey) + InternalKeyTrailerLen
}

// Encode encodes the receiver into the buffer. The buffer must be large
// enough to hold the encoded data (see Size).
func (k InternalKey) Encode(buf []byte) {
	i := copy(buf, k.UserKey)
	binary.LittleEndian.PutUint64(buf[i:], uint64(k.Trailer))
}

// SeqNum returns the sequence number component of the key.
func (k InternalKey) SeqNum() SeqNum {
	return k.Trailer.SeqNum()
}

// Kind returns the kind component of the key.
func (k InternalKey) Kind() InternalKeyKind {
	return k.Trailer.Kind()
}

// String returns a string representation of the key.
func (k InternalKey) String() string {
	return fmt.Sprintf("%s#%d,%s", k.UserKey, k.SeqNum(), k.Kind())
}

// Compare is a comparison function for user keys. A nil key is considered
// smaller than any non-nil key.
type Compare func(a, b []byte) int

// Equal is an equality function for user keys.
type Equal func(a, b []byte) bool

// InternalCompare compares two internal keys using the specified comparison
// function. For equal user keys, the trailer sorts in descending order so
// that newer sequence numbers come first.
func InternalCompare(userCmp Compare, a, b InternalKey) int {
	if x := userCmp(a.UserKey, b.UserKey); x != 0 {
		return x
	}
	switch {
	case a.Trailer > b.Trailer:
		return -1
	case a.Trailer < b.Trailer:
		return 1
	default:
		return 0
	}
}

// DefaultCompare compares user keys lexicographically.
func DefaultCompare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// DefaultEqual tests user keys for byte equality.
func DefaultEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// Merge combines an existing value with a merge operand, returning the new
// value. The existing value may be nil when the merge operand is the oldest
// entry for its key.
type Merge func(key, existing, operand []byte) []byte

// DefaultMerge concatenates the operand onto the existing value. It is
// commutative-free: the memtable-stage group assembler refuses to run merge
// operands concurrently, which keeps this well defined.
func DefaultMerge(key, existing, operand []byte) []byte {
	buf := make([]byte, 0, len(existing)+len(operand))
	buf = append(buf, existing...)
	buf = append(buf, operand...)
	return buf
}
