package storage

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"call-relay-service/internal/service/transcript"
)

// LogSink writes transcripts to the service log. Used when no bucket is configured.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a log-only sink.
func NewLogSink() *LogSink {
	return &LogSink{logger: log.With().Str("component", "transcript-sink").Logger()}
}

// Flush logs each rendered line.
func (s *LogSink) Flush(ctx context.Context, callID string, entries []transcript.Entry) error {
	for _, e := range entries {
		s.logger.Info().
			Str("callSid", callID).
			Int("seq", e.Seq).
			Msg(transcript.Line(e))
	}
	return nil
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Close is a no-op.
func (s *LogSink) Close() error { return nil }
