// Package log prints diagnostics for twill through the standard logger.
package log

import (
	"io"
	"log"
	"sync/atomic"
)

var verbose atomic.Bool

// SetVerbose switches the printing of verbose logs on or off.
func SetVerbose(on bool) {
	verbose.Store(on)
}

// Verbose reports whether verbose logs are printed.
func Verbose() bool {
	return verbose.Load()
}

// SetOutput redirects the standard logger used by this package.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

// Printf prints to the standard logger regardless of whether verbose logging
// is enabled.
func Printf(fmt string, v ...any) {
	log.Printf(fmt, v...)
}

// Verbosef prints to the standard logger only if verbose logging is enabled.
func Verbosef(fmt string, v ...any) {
	if verbose.Load() {
		log.Printf(fmt, v...)
	}
}
