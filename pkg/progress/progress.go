// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

// Package progress defines the reporting contract between long-running core
// operations and whatever surface hosts them.
//
// The core never writes to a terminal or UI. Bulk jobs and paged reads emit
// events through a Reporter; adapters marshal them onto their own threads.
package progress

import (
	"github.com/fetchcore-dev/fetchcore/pkg/logging"
)

// Reporter receives progress events from core operations. Implementations
// must tolerate concurrent calls; the bulk dispatcher reports from multiple
// workers.
type Reporter interface {
	// ReportStatus announces a phase change ("chunking", "dispatching", ...).
	ReportStatus(msg string)

	// ReportProgress reports current/total completion. Throughput is in
	// records per second and may be zero when unknown.
	ReportProgress(current, total int64, throughput float64)

	// ReportComplete announces successful completion.
	ReportComplete(msg string)

	// ReportError announces a terminal failure.
	ReportError(msg string)
}

// Noop is a Reporter that discards all events.
type Noop struct{}

func (Noop) ReportStatus(string)                  {}
func (Noop) ReportProgress(int64, int64, float64) {}
func (Noop) ReportComplete(string)                {}
func (Noop) ReportError(string)                   {}

// Log is a Reporter that forwards events to the structured logger at debug
// level. Useful for services that have no interactive surface.
type Log struct{}

func (Log) ReportStatus(msg string) {
	logging.Debug().Str("phase", msg).Msg("progress status")
}

func (Log) ReportProgress(current, total int64, throughput float64) {
	logging.Debug().
		Int64("current", current).
		Int64("total", total).
		Float64("records_per_second", throughput).
		Msg("progress")
}

func (Log) ReportComplete(msg string) {
	logging.Debug().Str("result", msg).Msg("progress complete")
}

func (Log) ReportError(msg string) {
	logging.Debug().Str("result", msg).Msg("progress error")
}
