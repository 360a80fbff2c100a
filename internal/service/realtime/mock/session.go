// Package mock provides a scripted realtime model session for running the
// relay without model credentials. After every FramesPerUtterance caller
// frames it plays one scripted exchange: VAD speech events, an assistant
// response made of silent mu-law audio, and the caller's transcription.
package mock

import (
	"context"
	"fmt"
	"sync"

	"call-relay-service/internal/service/media"
	"call-relay-service/internal/service/realtime"
)

// Exchange is one caller utterance and the scripted assistant reply.
type Exchange struct {
	Caller string
	Reply  string
}

// DefaultScript is a short support call that ends with the caller saying goodbye.
var DefaultScript = []Exchange{
	{Caller: "Hi, I need help with my order", Reply: "Of course. What is the order number?"},
	{Caller: "It's 4 4 1 7, it hasn't arrived yet", Reply: "Thanks, I can see it shipped yesterday and arrives tomorrow."},
	{Caller: "Great, thanks. Ok, bye", Reply: "You're welcome, goodbye!"},
}

const (
	// DefaultFramesPerUtterance is 50 Twilio frames, about one second of caller audio.
	DefaultFramesPerUtterance = 50
	// DefaultReplyFrames is how many 20ms audio deltas each reply carries.
	DefaultReplyFrames = 10

	silenceFrameBytes = 160
	eventBuffer       = 1024
)

// Options tunes a scripted session.
type Options struct {
	Script             []Exchange
	FramesPerUtterance int
	ReplyFrames        int
}

func (o Options) withDefaults() Options {
	if o.Script == nil {
		o.Script = DefaultScript
	}
	if o.FramesPerUtterance <= 0 {
		o.FramesPerUtterance = DefaultFramesPerUtterance
	}
	if o.ReplyFrames <= 0 {
		o.ReplyFrames = DefaultReplyFrames
	}
	return o
}

// Session implements realtime.Session with scripted events.
type Session struct {
	opts Options

	mu          sync.Mutex
	events      chan realtime.Event
	closed      bool
	err         error
	framesSeen  int
	next        int
	responseSeq int
	dropped     int

	truncations []Truncation
	cancels     int
	requests    []realtime.ResponseRequest
}

// Truncation records one Truncate call.
type Truncation struct {
	ItemID     string
	AudioEndMs int64
}

// NewSession creates a scripted session and queues session.created / session.updated.
func NewSession(opts Options) *Session {
	s := &Session{
		opts:   opts.withDefaults(),
		events: make(chan realtime.Event, eventBuffer),
	}
	s.mu.Lock()
	s.emitLocked(realtime.Event{Type: realtime.EventSessionCreated})
	s.emitLocked(realtime.Event{Type: realtime.EventSessionUpdated})
	s.mu.Unlock()
	return s
}

// SendAudio counts caller frames and plays the next exchange when enough have arrived.
func (s *Session) SendAudio(ctx context.Context, frame media.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return realtime.ErrSessionDisconnected
	}
	s.framesSeen++
	if s.framesSeen%s.opts.FramesPerUtterance != 0 || s.next >= len(s.opts.Script) {
		return nil
	}

	ex := s.opts.Script[s.next]
	s.next++

	s.emitLocked(realtime.Event{Type: realtime.EventSpeechStarted})
	s.emitLocked(realtime.Event{Type: realtime.EventSpeechStopped})

	// The model starts answering before the caller's transcription lands.
	respID, itemID := s.beginResponseLocked("")
	s.emitLocked(realtime.Event{
		Type:       realtime.EventInputTranscriptionCompleted,
		ItemID:     fmt.Sprintf("item_caller_%d", s.next),
		Transcript: ex.Caller,
	})
	s.finishResponseLocked(respID, itemID, ex.Reply, "")
	return nil
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan realtime.Event {
	return s.events
}

// Truncate records the request.
func (s *Session) Truncate(ctx context.Context, itemID string, audioEndMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrSessionDisconnected
	}
	s.truncations = append(s.truncations, Truncation{ItemID: itemID, AudioEndMs: audioEndMs})
	return nil
}

// CancelResponse records the request.
func (s *Session) CancelResponse(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrSessionDisconnected
	}
	s.cancels++
	return nil
}

// CreateResponse plays a response whose transcript is the request's instructions.
func (s *Session) CreateResponse(ctx context.Context, req realtime.ResponseRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrSessionDisconnected
	}
	s.requests = append(s.requests, req)
	respID, itemID := s.beginResponseLocked(req.Purpose)
	s.finishResponseLocked(respID, itemID, req.Instructions, req.Purpose)
	return nil
}

// Err returns the error passed to Disconnect.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the event stream.
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

// Disconnect simulates the model dropping the connection.
func (s *Session) Disconnect() {
	s.shutdown(fmt.Errorf("%w: mock disconnect", realtime.ErrSessionDisconnected))
}

func (s *Session) shutdown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}

// Truncations returns the recorded Truncate calls.
func (s *Session) Truncations() []Truncation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Truncation(nil), s.truncations...)
}

// Dropped returns how many events overflowed the buffer.
func (s *Session) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Cancels returns how many times CancelResponse was called.
func (s *Session) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

// Requests returns the recorded CreateResponse calls.
func (s *Session) Requests() []realtime.ResponseRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]realtime.ResponseRequest(nil), s.requests...)
}

func (s *Session) beginResponseLocked(purpose string) (string, string) {
	s.responseSeq++
	respID := fmt.Sprintf("resp_%d", s.responseSeq)
	itemID := fmt.Sprintf("item_assistant_%d", s.responseSeq)
	s.emitLocked(realtime.Event{Type: realtime.EventResponseCreated, ResponseID: respID, Purpose: purpose})
	return respID, itemID
}

func (s *Session) finishResponseLocked(respID, itemID, text, purpose string) {
	for i := 0; i < s.opts.ReplyFrames; i++ {
		s.emitLocked(realtime.Event{
			Type:       realtime.EventAudioDelta,
			ResponseID: respID,
			ItemID:     itemID,
			Audio:      silence(),
		})
	}
	s.emitLocked(realtime.Event{
		Type:       realtime.EventAudioTranscriptDone,
		ResponseID: respID,
		ItemID:     itemID,
		Transcript: text,
	})
	s.emitLocked(realtime.Event{
		Type:       realtime.EventResponseDone,
		ResponseID: respID,
		Status:     "completed",
		Purpose:    purpose,
	})
}

func (s *Session) emitLocked(ev realtime.Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped++
	}
}

func silence() []byte {
	b := make([]byte, silenceFrameBytes)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

// Dialer hands out scripted sessions and remembers them.
type Dialer struct {
	Options Options
	// Err, when set, is returned from Dial instead of a session.
	Err error

	mu       sync.Mutex
	configs  []realtime.SessionConfig
	sessions []*Session
}

// NewDialer creates a dialer producing sessions with opts.
func NewDialer(opts Options) *Dialer {
	return &Dialer{Options: opts}
}

// Dial implements realtime.Dialer.
func (d *Dialer) Dial(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	s := NewSession(d.Options)
	d.mu.Lock()
	d.configs = append(d.configs, cfg)
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

// Sessions returns every session dialed so far.
func (d *Dialer) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

// Configs returns the session configs passed to Dial.
func (d *Dialer) Configs() []realtime.SessionConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]realtime.SessionConfig(nil), d.configs...)
}
