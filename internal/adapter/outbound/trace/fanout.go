package trace

import (
	"context"
	"errors"

	"github.com/policyshield/policyshield/internal/domain/trace"
)

// Fanout broadcasts every record to multiple recorders, typically the JSONL
// file plus the SQLite archive.
type Fanout struct {
	sinks []trace.Recorder
}

// NewFanout returns a recorder that forwards to every non-nil sink.
func NewFanout(sinks ...trace.Recorder) *Fanout {
	out := make([]trace.Recorder, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Fanout{sinks: out}
}

// Record forwards the record to every sink.
func (f *Fanout) Record(rec trace.Record) {
	for _, s := range f.sinks {
		s.Record(rec)
	}
}

// Flush flushes every sink and joins their errors.
func (f *Fanout) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards all records. Used when tracing is disabled.
type Nop struct{}

func (Nop) Record(trace.Record) {}

func (Nop) Flush(context.Context) error { return nil }

func (Nop) Close() error { return nil }

// Compile-time interface verification.
var (
	_ trace.Recorder = (*Fanout)(nil)
	_ trace.Recorder = Nop{}
)
