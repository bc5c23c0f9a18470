/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package hlogdb is a Redis-compatible hybrid log-structured key-value
// engine: epoch-protected concurrent access to a record log spanning
// on-disk, read-only in-memory and mutable in-memory regions, backed by
// a lock-free hash index, with checkpoint/recovery and AOF-based replica
// tail sync. This file and its siblings (config.go, store.go, logger.go)
// wire the internal/... packages into one public Store.
package hlogdb

import (
	"errors"

	"github.com/launix-de/hlogdb/internal/errs"
)

// Sentinel errors mirroring internal/errs' Kind enum, so callers can write
// errors.Is(err, hlogdb.ErrNotFound) without importing internal/errs.
var (
	ErrNotFound            = errs.New(errs.NotFound, "")
	ErrRegionFull          = errs.New(errs.RegionFull, "")
	ErrIoError             = errs.New(errs.IoError, "")
	ErrReplicaTooFarBehind = errs.New(errs.ReplicaTooFarBehind, "")
	ErrCanceled            = errs.New(errs.Canceled, "")
	ErrInvariantViolation  = errs.New(errs.InvariantViolation, "")
	ErrWrongType           = errs.New(errs.WrongType, "")
)

// IsTransient reports whether err is transient (the caller should retry
// rather than surface a failure). RegionFull is the only such kind
// within this engine's control; NotFound/WrongType are terminal
// answers, not failures.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRegionFull)
}
