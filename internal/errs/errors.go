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

// Package errs defines the engine's error kinds, shared between the
// internal engine packages and the root hlogdb package (which re-exports
// them as sentinel *StoreError values so callers can use errors.Is against
// hlogdb.ErrNotFound etc. without importing this package directly).
package errs

// Kind classifies a StoreError.
type Kind int

const (
	NotFound Kind = iota
	RegionFull
	IoError
	ReplicaTooFarBehind
	Canceled
	InvariantViolation
	WrongType
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case RegionFull:
		return "RegionFull"
	case IoError:
		return "IoError"
	case ReplicaTooFarBehind:
		return "ReplicaTooFarBehind"
	case Canceled:
		return "Canceled"
	case InvariantViolation:
		return "InvariantViolation"
	case WrongType:
		return "WrongType"
	default:
		return "Unknown"
	}
}

// StoreError is the concrete error type surfaced by the engine. Two
// StoreErrors are Is-equal whenever their Kind matches, regardless of
// message or wrapped cause, so callers can test errors.Is(err,
// hlogdb.ErrIoError) against a sentinel built with an empty message.
type StoreError struct {
	Kind Kind
	Msg  string
	Err  error
}

func New(kind Kind, msg string) *StoreError {
	return &StoreError{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, cause error) *StoreError {
	return &StoreError{Kind: kind, Msg: msg, Err: cause}
}

func (e *StoreError) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
