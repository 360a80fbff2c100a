// Package realtime defines the interface to a streaming conversational speech model.
package realtime

import (
	"context"
	"errors"

	"call-relay-service/internal/service/media"
)

// ErrSessionDisconnected is returned when the model connection is gone.
// It is terminal for the call that owns the session.
var ErrSessionDisconnected = errors.New("model session disconnected")

// Server event types the relay acts on.
const (
	EventSessionCreated              = "session.created"
	EventSessionUpdated              = "session.updated"
	EventResponseCreated             = "response.created"
	EventAudioDelta                  = "response.audio.delta"
	EventAudioTranscriptDelta        = "response.audio_transcript.delta"
	EventAudioTranscriptDone         = "response.audio_transcript.done"
	EventInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventSpeechStarted               = "input_audio_buffer.speech_started"
	EventSpeechStopped               = "input_audio_buffer.speech_stopped"
	EventResponseDone                = "response.done"
	EventError                       = "error"
)

// Response purposes attached as metadata so the relay can recognize its own requests.
const (
	PurposeGreeting = "greeting"
	PurposeClosing  = "closing"
)

// Event is one typed server event.
type Event struct {
	Type       string
	ResponseID string
	ItemID     string
	// Audio is the decoded payload of a response.audio.delta.
	Audio []byte
	// Transcript is the text of transcript deltas and completions.
	Transcript string
	// Purpose echoes ResponseRequest.Purpose on response.created / response.done.
	Purpose string
	// Status is the response status on response.done (completed, cancelled, ...).
	Status string
	Error  *ErrorDetail
}

// ErrorDetail describes an error event.
type ErrorDetail struct {
	Type    string
	Code    string
	Message string
}

// SessionConfig is sent once when the session opens.
type SessionConfig struct {
	Instructions       string
	Voice              string
	InputAudioFormat   string
	OutputAudioFormat  string
	TurnDetection      string // server_vad, or none to disable
	VADThreshold       float64
	SilenceDurationMs  int
	Temperature        float64
	TranscriptionModel string
}

// ResponseRequest asks the model to produce a response outside the normal turn flow.
type ResponseRequest struct {
	Instructions string
	Purpose      string
}

// Session is one open model connection.
type Session interface {
	// SendAudio forwards caller audio immediately.
	SendAudio(ctx context.Context, frame media.AudioFrame) error

	// Events yields server events until the connection ends, then is closed.
	// A session is not resumable; a new call needs a new session.
	Events() <-chan Event

	// Truncate cuts an assistant item at audioEndMs of played audio.
	Truncate(ctx context.Context, itemID string, audioEndMs int64) error

	// CancelResponse stops the in-flight response, if any.
	CancelResponse(ctx context.Context) error

	// CreateResponse requests a response with per-response instructions.
	CreateResponse(ctx context.Context, req ResponseRequest) error

	// Err reports why Events closed; nil after a local Close.
	Err() error

	// Close ends the session and releases resources.
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig) (Session, error)
}
