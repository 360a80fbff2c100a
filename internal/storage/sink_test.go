package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"call-relay-service/internal/config"
	"call-relay-service/internal/service/transcript"
)

func sampleEntries() []transcript.Entry {
	at := time.Date(2024, 5, 1, 14, 3, 7, 0, time.UTC)
	return []transcript.Entry{
		{Seq: 1, Role: transcript.RoleCaller, Text: "I need help with my order", At: at},
		{Seq: 2, Role: transcript.RoleAssistant, Text: "Sure, what's the order number?", At: at.Add(2 * time.Second)},
		{Seq: 3, Role: transcript.RoleCaller, Text: "ok, bye", At: at.Add(9 * time.Second)},
	}
}

func TestObjectName(t *testing.T) {
	at := time.Date(2024, 5, 1, 14, 3, 7, 0, time.UTC)
	tests := []struct {
		prefix string
		want   string
	}{
		{"recordings", "recordings/CA123-20240501-140307.txt"},
		{"recordings/", "recordings/CA123-20240501-140307.txt"},
		{"", "CA123-20240501-140307.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			if got := ObjectName(tt.prefix, "CA123", at); got != tt.want {
				t.Errorf("ObjectName = %s, want %s", got, tt.want)
			}
		})
	}
}

func newTestGCSSink(upload uploadFunc) *GCSSink {
	return &GCSSink{
		bucket: "test-bucket",
		prefix: "recordings",
		now:    func() time.Time { return time.Date(2024, 5, 1, 14, 5, 0, 0, time.UTC) },
		upload: upload,
	}
}

func TestGCSSink_Flush(t *testing.T) {
	var gotObject, gotBody string
	s := newTestGCSSink(func(ctx context.Context, object string, body []byte) error {
		gotObject = object
		gotBody = string(body)
		return nil
	})

	if err := s.Flush(context.Background(), "CA123", sampleEntries()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if gotObject != "recordings/CA123-20240501-140500.txt" {
		t.Errorf("object = %s", gotObject)
	}
	want := "[14:03:07] CALLER: I need help with my order\n" +
		"[14:03:09] ASSISTANT: Sure, what's the order number?\n" +
		"[14:03:16] CALLER: ok, bye\n"
	if gotBody != want {
		t.Errorf("body =\n%s\nwant\n%s", gotBody, want)
	}
}

func TestGCSSink_SkipsEmptyTranscript(t *testing.T) {
	called := false
	s := newTestGCSSink(func(ctx context.Context, object string, body []byte) error {
		called = true
		return nil
	})

	if err := s.Flush(context.Background(), "CA123", nil); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if called {
		t.Error("empty transcript should not be uploaded")
	}
}

func TestGCSSink_UploadErrorWrapsErrFlushFailed(t *testing.T) {
	s := newTestGCSSink(func(ctx context.Context, object string, body []byte) error {
		return errors.New("permission denied")
	})

	err := s.Flush(context.Background(), "CA123", sampleEntries())
	if !errors.Is(err, ErrFlushFailed) {
		t.Fatalf("expected ErrFlushFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("cause missing from %v", err)
	}
}

func TestSQLiteSink_FlushAndRead(t *testing.T) {
	s, err := OpenSQLiteSink(filepath.Join(t.TempDir(), "transcripts.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.Flush(ctx, "CA123", sampleEntries()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := s.Flush(ctx, "CA999", nil); err != nil {
		t.Fatalf("empty Flush failed: %v", err)
	}

	got, err := s.Entries(ctx, "CA123")
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, e := range sampleEntries() {
		if got[i].Seq != e.Seq || got[i].Role != e.Role || got[i].Text != e.Text {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], e)
		}
	}

	if err := s.Flush(ctx, "CA123", sampleEntries()); !errors.Is(err, ErrFlushFailed) {
		t.Errorf("duplicate flush should fail with ErrFlushFailed, got %v", err)
	}
}

func TestNew_SelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, config.StorageConfig{Backend: "log"})
	if err != nil || s.Name() != "log" {
		t.Errorf("log backend: %v %v", s, err)
	}

	s, err = New(ctx, config.StorageConfig{Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "t.db")})
	if err != nil || s.Name() != "sqlite" {
		t.Fatalf("sqlite backend: %v", err)
	}
	s.Close()

	if _, err := New(ctx, config.StorageConfig{Backend: "gcs"}); err == nil {
		t.Error("gcs backend without bucket should fail")
	}
	if _, err := New(ctx, config.StorageConfig{Backend: "s3"}); err == nil {
		t.Error("unknown backend should fail")
	}
}

func TestLogSink_Flush(t *testing.T) {
	s := NewLogSink()
	if err := s.Flush(context.Background(), "CA123", sampleEntries()); err != nil {
		t.Errorf("LogSink.Flush returned %v", err)
	}
}
