package observability

import "sync"

// Entry is a log line captured by Recorder.
type Entry struct {
	Level   string
	Message string
	Fields  []Field
}

// Recorder is a concurrency-safe Logger that keeps every entry in memory.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// Debug records a debug entry.
func (r *Recorder) Debug(msg string, fields ...Field) { r.add("debug", msg, fields) }

// Info records an info entry.
func (r *Recorder) Info(msg string, fields ...Field) { r.add("info", msg, fields) }

// Warn records a warn entry.
func (r *Recorder) Warn(msg string, fields ...Field) { r.add("warn", msg, fields) }

// Error records an error entry.
func (r *Recorder) Error(msg string, fields ...Field) { r.add("error", msg, fields) }

func (r *Recorder) add(level, msg string, fields []Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Message: msg, Fields: append([]Field(nil), fields...)})
}

// Entries returns a copy of the captured entries.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Count returns the number of captured entries at the given level.
func (r *Recorder) Count(level string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}
