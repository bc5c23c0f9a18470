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
package hlogdb

import (
	"fmt"
	"os"
	"time"
)

// Logger is the collaborator the background tasks started by
// RunBackgroundTasks (AOF commit loop, truncation sweep) report through, so
// tests can capture output and production wiring can redirect it. The
// core's synchronous call paths do not themselves log.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// stderrLogger is the default Logger: os.Stderr with a timestamp
// prefix.
type stderrLogger struct{}

// NewStderrLogger returns the default Logger.
func NewStderrLogger() Logger { return stderrLogger{} }

func (stderrLogger) Infof(format string, args ...any)  { logf("INFO", format, args...) }
func (stderrLogger) Warnf(format string, args ...any)  { logf("WARN", format, args...) }
func (stderrLogger) Errorf(format string, args ...any) { logf("ERROR", format, args...) }

func logf(level, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s [%s] %s\n", time.Now().Format(time.RFC3339), level, fmt.Sprintf(format, args...))
}

// noopLogger discards everything, used by DefaultConfig so a Store built
// without explicit wiring does not write to stderr by default outside of
// cmd/hlogdb-cli.
type noopLogger struct{}

func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}
