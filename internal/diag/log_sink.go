package diag

import (
	"time"

	"github.com/rs/zerolog"
)

// LogSink renders events as zerolog lines. Errors go to warn level so no failure
// is silent at the default info level.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(e Event) {
	switch e.Kind {
	case KindStats:
		s.emitStats(e)
		return
	case KindDecodeError, KindConnError, KindSendError:
		s.base(s.logger.Warn(), e).Str("error", e.Error).Msg(string(e.Kind))
		return
	}

	ev := s.base(s.logger.Info(), e)
	if e.Queue != "" {
		ev = ev.Int("records", e.Records).Int("bytes", e.Bytes)
	}
	if e.Sample != "" {
		ev = ev.Str("sample", e.Sample)
	}
	if len(e.Preview) > 0 {
		ev = ev.Strs("preview", e.Preview)
	}
	if e.Error != "" {
		ev = ev.Str("reason", e.Error)
	}
	ev.Msg(string(e.Kind))
}

func (s *LogSink) base(ev *zerolog.Event, e Event) *zerolog.Event {
	ev = ev.Time("at", e.Time)
	if e.ConnID != "" {
		ev = ev.Str("conn", e.ConnID)
	}
	if e.Remote != "" {
		ev = ev.Str("remote", e.Remote)
	}
	if e.Queue != "" {
		ev = ev.Str("queue", e.Queue)
	}
	if e.Category != "" {
		ev = ev.Str("category", e.Category)
	}
	return ev
}

func (s *LogSink) emitStats(e Event) {
	if e.Stats == nil {
		return
	}
	for _, c := range e.Stats.Categories.Active() {
		cnt := e.Stats.Categories[c]
		ev := s.logger.Info().
			Str("category", c.String()).
			Uint64("records", cnt.Records).
			Uint64("bytes", cnt.Bytes)
		if cnt.Errors > 0 {
			ev = ev.Uint64("errors", cnt.Errors)
		}
		if !cnt.LastUpdate.IsZero() {
			ev = ev.Str("last", cnt.LastUpdate.Format(time.RFC3339Nano))
		}
		ev.Msg("stats")
	}
	t := e.Stats.Totals
	s.logger.Info().
		Uint64("frames", t.Frames).
		Uint64("bytes", t.Bytes).
		Uint64("messages", t.Messages).
		Uint64("decode_errors", t.DecodeErrors).
		Uint64("connections", t.Connections).
		Int64("active", t.Active).
		Msg("stats totals")
}
