// Package bootutil provides the error type and status logging shared by
// every ZEPboot package: a chained error similar to the one newt's build
// tool uses to keep a parent cause around for diagnostics, plus thin
// wrappers over logrus for the verbosity-gated status messages the
// bootloader and its simulator print during a boot/swap run.
package bootutil

import (
	"fmt"
	"runtime"

	log "github.com/sirupsen/logrus"
)

// BootError wraps a failure with an optional parent cause and a captured
// stack trace, mirroring the diagnostic needs of a field-debugged
// bootloader: when a swap aborts we want to know not just that flash I/O
// failed, but what called into it.
type BootError struct {
	Parent     error
	Text       string
	StackTrace []byte
}

func (e *BootError) Error() string {
	return e.Text
}

func (e *BootError) Unwrap() error {
	return e.Parent
}

func NewBootError(msg string) *BootError {
	e := &BootError{
		Text:       msg,
		StackTrace: make([]byte, 4096),
	}
	n := runtime.Stack(e.StackTrace, false)
	e.StackTrace = e.StackTrace[:n]
	return e
}

func FmtBootError(format string, args ...interface{}) *BootError {
	return NewBootError(fmt.Sprintf(format, args...))
}

// ChildBootError wraps an external error (flash driver, crypto facade)
// with a BootError so callers can attach additional context while
// preserving the original cause for Unwrap/Is.
func ChildBootError(parent error, format string, args ...interface{}) *BootError {
	return &BootError{
		Parent: parent,
		Text:   fmt.Sprintf(format, args...),
	}
}

const (
	VerbositySilent  = 0
	VerbosityQuiet   = 1
	VerbosityDefault = 2
	VerbosityVerbose = 3
)

var Verbosity = VerbosityDefault

// InitLogging configures logrus the way the bootloader's simulator and
// command-line tooling expect: text output, level driven by -loglevel,
// timestamps disabled since a flash-backed boot log has no wall clock of
// its own worth stamping.
func InitLogging(level log.Level) {
	log.SetFormatter(&log.TextFormatter{
		DisableTimestamp: true,
	})
	log.SetLevel(level)
}

// Statusf logs a verbosity-gated progress line. Phase transitions in the
// swap engine and boot dispatcher call this instead of fmt.Printf so a
// silent run (Verbosity == VerbositySilent) produces no output at all,
// matching how a production bootloader build strips logging.
func Statusf(level int, format string, args ...interface{}) {
	if Verbosity >= level {
		log.Infof(format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	log.Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	log.Errorf(format, args...)
}
