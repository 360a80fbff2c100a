// Package storage persists finished call transcripts.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"call-relay-service/internal/config"
	"call-relay-service/internal/service/transcript"
)

// ErrFlushFailed wraps every sink failure. Callers log it; a failed flush never
// keeps a call open.
var ErrFlushFailed = errors.New("transcript flush failed")

// Sink accepts the ordered entries of one call.
type Sink interface {
	Flush(ctx context.Context, callID string, entries []transcript.Entry) error
	// Name identifies the backend in logs and metrics.
	Name() string
	Close() error
}

// ObjectName builds "{prefix}/{callID}-{YYYYMMDD-HHMMSS}.txt".
func ObjectName(prefix, callID string, at time.Time) string {
	name := fmt.Sprintf("%s-%s.txt", callID, at.UTC().Format("20060102-150405"))
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// New creates the sink selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig) (Sink, error) {
	switch cfg.Backend {
	case "gcs":
		if cfg.Bucket == "" {
			return nil, errors.New("storage: gcs backend requires GCS_BUCKET_NAME")
		}
		return NewGCSSink(ctx, cfg.Bucket, cfg.Prefix)
	case "sqlite":
		return OpenSQLiteSink(cfg.SQLitePath)
	case "log", "":
		return NewLogSink(), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

func flushErr(callID string, err error) error {
	return fmt.Errorf("%w: call %s: %v", ErrFlushFailed, callID, err)
}
