// Package loggingtest records log lines so tests can assert on them.
package loggingtest

import (
	"sync"

	"github.com/drblury/momflow/internal/runtime/logging"
)

// Entry is one recorded line.
type Entry struct {
	Level  string
	Msg    string
	Err    error
	Fields logging.LogFields
}

// Recorder is a ServiceLogger that keeps every line in memory. Loggers
// derived through With share the recorder.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func New() *Recorder { return &Recorder{} }

func (r *Recorder) With(fields logging.LogFields) logging.ServiceLogger {
	return &child{root: r, fields: fields}
}

func (r *Recorder) Debug(msg string, fields logging.LogFields) { r.add("debug", msg, nil, fields) }
func (r *Recorder) Info(msg string, fields logging.LogFields)  { r.add("info", msg, nil, fields) }
func (r *Recorder) Trace(msg string, fields logging.LogFields) { r.add("trace", msg, nil, fields) }
func (r *Recorder) Error(msg string, err error, fields logging.LogFields) {
	r.add("error", msg, err, fields)
}

func (r *Recorder) add(level, msg string, err error, fields logging.LogFields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Msg: msg, Err: err, Fields: fields})
}

// Entries returns a copy of everything recorded.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Find returns the entries whose message is msg.
func (r *Recorder) Find(msg string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Msg == msg {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

type child struct {
	root   *Recorder
	fields logging.LogFields
}

func (c *child) merge(fields logging.LogFields) logging.LogFields {
	out := make(logging.LogFields, len(c.fields)+len(fields))
	for k, v := range c.fields {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (c *child) With(fields logging.LogFields) logging.ServiceLogger {
	return &child{root: c.root, fields: c.merge(fields)}
}

func (c *child) Debug(msg string, fields logging.LogFields) { c.root.Debug(msg, c.merge(fields)) }
func (c *child) Info(msg string, fields logging.LogFields)  { c.root.Info(msg, c.merge(fields)) }
func (c *child) Trace(msg string, fields logging.LogFields) { c.root.Trace(msg, c.merge(fields)) }
func (c *child) Error(msg string, err error, fields logging.LogFields) {
	c.root.Error(msg, err, c.merge(fields))
}
