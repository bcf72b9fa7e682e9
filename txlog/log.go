package txlog

import (
	"bufio"
	"fmt"
	"io"
	"sync"
)

// Flusher is implemented by the underlying writer when it supports a
// durable sync, e.g. *os.File. Commit calls it at transaction depth
// zero.
type Flusher interface {
	Sync() error
}

// Log is the append-only transactional log writer: start/put/commit
// with a nesting counter. It is a thin wrapper around an io.Writer
// that serializes one record per Put, with no generic serialization
// library underneath it.
type Log struct {
	mu      sync.Mutex
	w       *bufio.Writer
	flusher Flusher
	nesting int
	version int
	enabled bool
}

// New wraps w as a transactional log writer. If w also implements
// Flusher, Commit at depth zero calls Sync after flushing the
// buffer. A nil w discards records, for embedders that run without
// durability (tests, scratch repositories).
func New(w io.Writer) *Log {
	if w == nil {
		w = io.Discard
	}
	f, _ := w.(Flusher)
	return &Log{
		w:       bufio.NewWriter(w),
		flusher: f,
		version: CurrentVersion,
		enabled: true,
	}
}

// SetLoggingEnabled toggles whether Put actually writes records, used
// during log replay to suppress re-logging operations being replayed.
func (l *Log) SetLoggingEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// SetVersion records the log version currently in force, normally set
// once from a replayed (or freshly written) `vers` record.
func (l *Log) SetVersion(v int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.version = v
}

// Version returns the log version currently in force.
func (l *Log) Version() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

// Start opens a (possibly nested) transaction.
func (l *Log) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nesting++
}

// Nesting reports the current transaction depth (0 = no open
// transaction).
func (l *Log) Nesting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nesting
}

// Put appends a serialized record to the open transaction. A no-op
// while logging is disabled (replay).
func (l *Log) Put(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return nil
	}
	if l.nesting == 0 {
		return fmt.Errorf("txlog: put called with no open transaction")
	}
	text, err := Encode(r)
	if err != nil {
		return err
	}
	_, err = l.w.WriteString(text)
	return err
}

// Commit closes one level of transaction nesting. At depth zero it
// flushes the buffered writer and, if the underlying writer supports
// it, syncs to stable storage, the point at which the transaction is
// considered atomically committed.
func (l *Log) Commit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nesting == 0 {
		return fmt.Errorf("txlog: commit called with no open transaction")
	}
	l.nesting--
	if l.nesting > 0 {
		return nil
	}
	if !l.enabled {
		return nil
	}
	if err := l.w.Flush(); err != nil {
		return err
	}
	if l.flusher != nil {
		return l.flusher.Sync()
	}
	return nil
}

// VersionPolicy exposes the version-gated semantic refinements as
// plain predicates, so callers (dirnode/repo) can decide how to log
// an operation without re-deriving the version thresholds themselves.
type VersionPolicy struct {
	Version int
}

// EmitOutdatedForUnshadowedDelete reports whether a delete that
// shadows nothing in the base leaves an `outdated` entry rather than
// a `deleted` tombstone, enabling later compression (v >= 2). The log
// record is `del` either way.
func (p VersionPolicy) EmitOutdatedForUnshadowedDelete() bool { return p.Version >= 2 }

// ExtendOutdatedWhenBaseLacksArc reports whether the same compression
// applies even when a base exists but simply doesn't contain the arc
// (v >= 3).
func (p VersionPolicy) ExtendOutdatedWhenBaseLacksArc() bool { return p.Version >= 3 }

// MakiBeforeInsi reports whether `maki` records must always precede
// the `insi` record that sinks a mutable directory into an immutable
// parent (v >= 4).
func (p VersionPolicy) MakiBeforeInsi() bool { return p.Version >= 4 }
