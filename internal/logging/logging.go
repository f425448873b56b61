// Package logging wraps the standard logger with a component-scoped
// prefix, matching the teacher's "[Poller]"/"[BlockScanner]" tagging
// convention. One *Logger is built in main and passed explicitly into
// every component — no package-level global is reached for mid-stack.
package logging

import (
	"fmt"
	"log"
	"os"
)

// Logger tags every line with a component name.
type Logger struct {
	component string
	std       *log.Logger
}

// New builds a root logger writing to stderr.
func New() *Logger {
	return &Logger{std: log.New(os.Stderr, "", log.LstdFlags)}
}

// With returns a child logger scoped to component, e.g. "bulksearch.poller".
func (l *Logger) With(component string) *Logger {
	name := component
	if l.component != "" {
		name = l.component + "." + component
	}
	return &Logger{component: name, std: l.std}
}

func (l *Logger) prefix() string {
	if l.component == "" {
		return ""
	}
	return "[" + l.component + "] "
}

func (l *Logger) Printf(format string, args ...interface{}) {
	l.std.Printf(l.prefix()+format, args...)
}

func (l *Logger) Println(args ...interface{}) {
	l.std.Println(append([]interface{}{l.prefix()}, args...)...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.std.Printf("[WARN] "+l.prefix()+format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.std.Printf("[ERROR] "+l.prefix()+format, args...)
}

// Fatalf logs and exits, matching main's requireEnv fail-fast idiom.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.std.Fatalf(l.prefix()+format, args...)
}

// Errorln is a convenience used from error-returning call sites that
// already have a formatted apperr.Error.
func (l *Logger) Errorln(err error) {
	l.std.Println(l.prefix() + fmt.Sprint(err))
}
