// Package oxilog is a thin logging façade over the standard library's
// log package. The engine never picks a structured/leveled logging
// library of its own invention; it uses prefixed *log.Logger instances
// the way the rest of the codebase this was learned from does.
package oxilog

import (
	"io"
	"log"
	"os"
)

// Logger wraps a handful of named *log.Logger instances, one per
// component, all writing to the same underlying writer.
type Logger struct {
	out    io.Writer
	debug  *log.Logger
	info   *log.Logger
	warn   *log.Logger
	errlog *log.Logger
}

// New creates a Logger writing to w with the given component prefix,
// e.g. oxilog.New(os.Stderr, "wal").
func New(w io.Writer, component string) *Logger {
	flags := log.LstdFlags | log.Lmicroseconds
	return &Logger{
		out:    w,
		debug:  log.New(w, "["+component+"] DEBUG ", flags),
		info:   log.New(w, "["+component+"] INFO  ", flags),
		warn:   log.New(w, "["+component+"] WARN  ", flags),
		errlog: log.New(w, "["+component+"] ERROR ", flags),
	}
}

// Default returns a Logger writing to stderr, matching log.Default()'s
// destination, for components that don't need their own sink.
func Default(component string) *Logger {
	return New(os.Stderr, component)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.debug.Printf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.info.Printf(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.warn.Printf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.errlog.Printf(format, args...) }
