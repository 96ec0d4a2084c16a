// Package plog is this module's diagnostic logger: a thin wrapper over
// logiface/stumpy so every package logs through one configured sink instead
// of reaching for the standard library's log package directly. It is for
// diagnostics only (an epoch advance blocked by a lagging participant, a
// helper clearing a stale tid in detectable CAS); programmer errors still use panic the way the teacher's own code
// uses log.Fatal for a corrupt header.
package plog

import (
	"fmt"
	"os"

	"github.com/joeycumines/stumpy"
)

// L is the package-wide logger, defaulting to stderr at Info level. Replace
// it with SetOutput before any epoch.Collector or ploc primitive is used if
// a different sink or verbosity is wanted.
var L = stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)))

// SetOutput reconfigures the package-wide logger. It is not safe to call
// concurrently with logging calls; set it up during program initialization.
func SetOutput(opts ...stumpy.Option) {
	L = stumpy.L.New(stumpy.L.WithStumpy(opts...))
}

// Debugf logs a formatted debug-level diagnostic.
func Debugf(format string, args ...any) {
	L.Debug().Log(fmt.Sprintf(format, args...))
}

// Infof logs a formatted info-level diagnostic.
func Infof(format string, args ...any) {
	L.Info().Log(fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warn-level diagnostic.
func Warnf(format string, args ...any) {
	L.Warning().Log(fmt.Sprintf(format, args...))
}
