// Package logging provides the thin structured-printf logger every
// component in this repo takes as a dependency, instead of calling the
// standard library's default logger directly.
package logging

import (
	"log"
	"os"
)

// Logger is the minimal surface components depend on. The UI frontend and
// log-sink wiring are out of scope (spec §1); this interface is the seam
// they attach to.
type Logger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warnf(format string, v ...any)
	Errorf(format string, v ...any)
}

// StdLogger wraps the standard library logger with leveled prefixes.
type StdLogger struct {
	debug *log.Logger
	info  *log.Logger
	warn  *log.Logger
	err   *log.Logger
}

// NewStdLogger builds a Logger that writes to os.Stderr with a component tag.
func NewStdLogger(component string) Logger {
	flags := log.LstdFlags | log.Lmsgprefix
	prefix := "[" + component + "] "
	return &StdLogger{
		debug: log.New(os.Stderr, "DEBUG "+prefix, flags),
		info:  log.New(os.Stderr, "INFO  "+prefix, flags),
		warn:  log.New(os.Stderr, "WARN  "+prefix, flags),
		err:   log.New(os.Stderr, "ERROR "+prefix, flags),
	}
}

func (l *StdLogger) Debugf(format string, v ...any) { l.debug.Printf(format, v...) }
func (l *StdLogger) Infof(format string, v ...any)  { l.info.Printf(format, v...) }
func (l *StdLogger) Warnf(format string, v ...any)  { l.warn.Printf(format, v...) }
func (l *StdLogger) Errorf(format string, v ...any) { l.err.Printf(format, v...) }

// Nop discards everything; used in tests that don't care about log output.
type Nop struct{}

func (Nop) Debugf(string, ...any) {}
func (Nop) Infof(string, ...any)  {}
func (Nop) Warnf(string, ...any)  {}
func (Nop) Errorf(string, ...any) {}
