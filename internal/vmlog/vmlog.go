// Package vmlog wraps logrus for the structured, per-component logging
// VMKit's core emits around rendezvous, allocation, and exception-bridging
// events (spec §10.1).
//
// Grounded on joeycumines-go-utilpkg/sql/log's use of logrus.FieldLogger as
// an embeddable interface, and on logrus's own WithFields idiom for
// request/component-scoped loggers.
package vmlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is a component-scoped logrus wrapper. Every VirtualMachine holds
// one root Logger and derives a child per internal component (e.g. "vm",
// "sigbridge", "refqueue") with Component at each call site; a child
// carries a thread_id field once bound to a thread via WithThread.
type Logger struct {
	entry *logrus.Entry
}

// New returns the root Logger for a VirtualMachine, logging through out
// (os.Stderr if nil) at level.
func New(out *os.File, level logrus.Level) *Logger {
	base := logrus.New()
	base.SetLevel(level)
	if out != nil {
		base.SetOutput(out)
	}
	// logrus.Logger.Fatal exits 1 by default; spec §7 reserves exit code 2
	// for fatal VM bugs.
	base.ExitFunc = func(int) { os.Exit(2) }
	return &Logger{entry: logrus.NewEntry(base)}
}

// Component returns a child Logger scoped to the named internal component.
func (l *Logger) Component(name string) *Logger {
	return &Logger{entry: l.entry.WithField("component", name)}
}

// WithThread returns a child Logger additionally scoped to threadID.
func (l *Logger) WithThread(threadID uint64) *Logger {
	return &Logger{entry: l.entry.WithField("thread_id", threadID)}
}

// Debugf logs at DebugLevel.
func (l *Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }

// Infof logs at InfoLevel.
func (l *Logger) Infof(format string, args ...any) { l.entry.Infof(format, args...) }

// Warn logs a recoverable exception (NPE, stack overflow, finalizer panic)
// at WarnLevel, attaching the offending frame's return address and
// destructor-panic metadata when present (spec §10.1, §9).
func (l *Logger) Warn(msg string, fields map[string]any) {
	l.entry.WithFields(fields).Warn(msg)
}

// Fatal logs msg at FatalLevel with fields, then terminates the process
// with exit code 2. This is VMKit's response to a fatal VM bug (spec §7)
// detected while running mutator code: vm.VirtualMachine.GuardManaged
// calls it for a fault outside any registered managed frame and for a
// fault on a thread already inside the rendezvous.
func (l *Logger) Fatal(msg string, fields map[string]any) {
	l.entry.WithFields(fields).Fatal(msg)
}

// Fatalf logs a fatal error at FatalLevel then calls os.Exit(2), without
// requiring a fields map. Provided as a convenience for call sites with no
// structured context to attach.
func (l *Logger) Fatalf(format string, args ...any) {
	l.entry.Fatalf(format, args...)
}
