package storage

import (
	"context"
	"fmt"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"

	"call-relay-service/internal/service/transcript"
)

// uploadFunc writes body to the named object.
type uploadFunc func(ctx context.Context, object string, body []byte) error

// GCSSink uploads each transcript as one text object.
type GCSSink struct {
	bucket string
	prefix string
	now    func() time.Time
	upload uploadFunc
	client *gcs.Client
}

// NewGCSSink creates a sink using Application Default Credentials.
func NewGCSSink(ctx context.Context, bucket, prefix string) (*GCSSink, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	s := &GCSSink{
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
		client: client,
	}
	s.upload = s.writeObject
	return s, nil
}

func (s *GCSSink) writeObject(ctx context.Context, object string, body []byte) error {
	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "text/plain; charset=utf-8"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Flush uploads the rendered transcript. Empty transcripts are skipped.
func (s *GCSSink) Flush(ctx context.Context, callID string, entries []transcript.Entry) error {
	if len(entries) == 0 {
		log.Info().Str("callSid", callID).Msg("Transcript empty, nothing uploaded")
		return nil
	}

	object := ObjectName(s.prefix, callID, s.now())
	body := []byte(transcript.Render(entries) + "\n")
	if err := s.upload(ctx, object, body); err != nil {
		return flushErr(callID, err)
	}

	log.Info().
		Str("callSid", callID).
		Str("bucket", s.bucket).
		Str("object", object).
		Int("entries", len(entries)).
		Msg("Transcript uploaded")
	return nil
}

// Name implements Sink.
func (s *GCSSink) Name() string { return "gcs" }

// Close releases the client.
func (s *GCSSink) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
