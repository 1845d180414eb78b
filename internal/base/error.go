// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"github.com/cockroachdb/errors"
)

// ErrNotFound means that a get call did not find the requested key.
var ErrNotFound = errors.New("quarry: not found")

// ErrCorruption is the base error marking data that failed a checksum or
// structural check during replay.
var ErrCorruption = errors.New("quarry: corruption")

// MarkCorruptionError marks the error as a corruption error, detectable via
// errors.Is(err, ErrCorruption).
func MarkCorruptionError(err error) error {
	return errors.Mark(err, ErrCorruption)
}
