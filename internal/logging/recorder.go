package logging

import (
	"context"
	"sync"
)

// Entry is one record captured by a Recorder.
type Entry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// Recorder is a Logger that keeps every entry in memory. Tests use it to
// assert that a condition was logged.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
	base    []Field
	root    *Recorder
}

func NewRecorder() *Recorder {
	r := &Recorder{}
	r.root = r
	return r
}

func (r *Recorder) With(fields ...Field) Logger {
	base := append(append([]Field{}, r.base...), fields...)
	return &Recorder{base: base, root: r.root}
}

func (r *Recorder) Debug(_ context.Context, msg string, fields ...Field) { r.add("debug", msg, fields) }
func (r *Recorder) Info(_ context.Context, msg string, fields ...Field)  { r.add("info", msg, fields) }
func (r *Recorder) Warn(_ context.Context, msg string, fields ...Field)  { r.add("warn", msg, fields) }
func (r *Recorder) Error(_ context.Context, msg string, fields ...Field) { r.add("error", msg, fields) }

func (r *Recorder) add(level, msg string, fields []Field) {
	e := Entry{Level: level, Message: msg, Fields: make(map[string]any, len(r.base)+len(fields))}
	for _, f := range r.base {
		e.Fields[f.Key] = f.Value
	}
	for _, f := range fields {
		e.Fields[f.Key] = f.Value
	}
	r.root.mu.Lock()
	r.root.entries = append(r.root.entries, e)
	r.root.mu.Unlock()
}

// Entries returns a copy of the captured records.
func (r *Recorder) Entries() []Entry {
	r.root.mu.Lock()
	defer r.root.mu.Unlock()
	return append([]Entry(nil), r.root.entries...)
}

// Find returns the first entry with the given message.
func (r *Recorder) Find(msg string) (Entry, bool) {
	for _, e := range r.Entries() {
		if e.Message == msg {
			return e, true
		}
	}
	return Entry{}, false
}
