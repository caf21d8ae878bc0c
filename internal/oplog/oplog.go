// Package oplog provides per-operation structured logging: one accumulator
// started at the beginning of an operation, fields attached as it
// progresses, a single log line and a golang.org/x/net/trace event emitted
// from a deferred Finish.
package oplog

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/trace"
)

// Entry accumulates the outcome of a single protocol-level operation
// (a lockdown request, a mux message, a backup file transfer).
type Entry struct {
	log     *logrus.Logger
	name    string
	subject string
	start   time.Time
	trace   trace.Trace

	fields logrus.Fields
	err    error
	result string
	status string
}

var traceFormatter = new(logrus.JSONFormatter)

// Start begins a new Entry. subject is a short identifier for what the
// operation concerns (a service name, a device UDID, a backup path).
func Start(log *logrus.Logger, name, subject string) *Entry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Entry{
		log:     log,
		name:    name,
		subject: subject,
		start:   time.Now(),
		trace:   trace.New(name, subject),
		fields:  logrus.Fields{},
	}
}

// WithField attaches a field that will appear on the final log line.
func (e *Entry) WithField(key string, value interface{}) *Entry {
	e.fields[key] = value
	return e
}

// Error records a failure result. Panics if called more than once.
func (e *Entry) Error(err error) {
	if e.err != nil {
		panic(fmt.Sprintf("oplog: error already set to %q, can't set to %q", e.err, err))
	}
	e.err = err
}

// Result records a non-failure outcome summary.
func (e *Entry) Result(msg string, args ...interface{}) {
	e.result = fmt.Sprintf(msg, args...)
}

// Status records a terminal status string (e.g. an ierrors.Code, "OK").
func (e *Entry) Status(status string) {
	e.status = status
}

// Finish logs the accumulated entry and closes out the trace. Should be
// deferred immediately after Start.
func (e *Entry) Finish() {
	entry := e.log.WithFields(logrus.Fields{
		"op":          e.name,
		"subject":     e.subject,
		"duration_ms": time.Since(e.start).Milliseconds(),
	})
	for k, v := range e.fields {
		entry = entry.WithField(k, v)
	}
	if e.status != "" {
		entry = entry.WithField("status", e.status)
	}
	if e.result != "" {
		entry = entry.WithField("result", e.result)
	}

	if e.err != nil {
		entry.WithError(e.err).Error(e.name)
	} else {
		entry.Debug(e.name)
	}

	e.logTrace(entry)
}

func (e *Entry) logTrace(entry *logrus.Entry) {
	var msg string
	if b, err := traceFormatter.Format(entry); err == nil {
		msg = string(b)
	} else {
		msg = fmt.Sprint(entry)
	}
	e.trace.LazyPrintf("%s", msg)

	if e.err != nil {
		e.trace.SetError()
		e.trace.LazyPrintf("%v", e.err)
	}
	e.trace.Finish()
}
