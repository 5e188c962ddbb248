package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// LogSink writes events as structured log records.
type LogSink struct {
	Logger zerolog.Logger
}

// Emit logs e. Poll events are logged at debug level, failures at warn.
func (s LogSink) Emit(e Event) {
	var ev *zerolog.Event
	switch e.Kind {
	case WaitPoll:
		ev = s.Logger.Debug()
	case StageFailed, OperationFailed:
		ev = s.Logger.Warn().Err(e.Err)
	default:
		ev = s.Logger.Info()
	}
	ev = ev.Str("event", string(e.Kind)).
		Str("backend", e.Backend).
		Str("label", e.Label)
	if e.Op != "" {
		ev = ev.Str("op", e.Op)
	}
	if e.OpID != "" {
		ev = ev.Str("op_id", e.OpID)
	}
	if e.Stage != "" {
		ev = ev.Str("stage", e.Stage)
	}
	if e.Duration > 0 {
		ev = ev.Dur("duration", e.Duration)
	}
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg(e.Message)
}

// ConsoleSink renders stage progress as human readable lines:
//
//	Creating an empty instance 'web-1'... DONE
//
// Only stage and operation events with a message are printed.
type ConsoleSink struct {
	mu   sync.Mutex
	out  io.Writer
	open bool
}

// NewConsoleSink returns a ConsoleSink writing to out.
func NewConsoleSink(out io.Writer) *ConsoleSink {
	return &ConsoleSink{out: out}
}

// Emit prints e.
func (s *ConsoleSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Kind {
	case StageStarted:
		if e.Message == "" {
			return
		}
		s.closeLine("")
		_, _ = fmt.Fprintf(s.out, "%s...", e.Message)
		s.open = true
	case StageDone:
		s.closeLine(" DONE")
	case StageFailed:
		s.closeLine(" FAILED")
		if e.Message != "" {
			_, _ = fmt.Fprintln(s.out, e.Message)
		}
	case OperationDone, OperationNoop:
		s.closeLine("")
		if e.Message != "" {
			_, _ = fmt.Fprintln(s.out, e.Message)
		}
	case OperationFailed:
		s.closeLine(" FAILED")
	}
}

func (s *ConsoleSink) closeLine(suffix string) {
	if !s.open {
		return
	}
	_, _ = fmt.Fprintln(s.out, suffix)
	s.open = false
}
