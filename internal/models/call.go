// Package models defines the call event payloads published to Kafka.
package models

const (
	EventTypeTranscriptEntry = "call.transcript.entry"
	EventTypeCallEnded       = "call.ended"
)

// TranscriptEntryEvent is published once per finalized transcript entry.
type TranscriptEntryEvent struct {
	EventType string `json:"eventType"`
	CallID    string `json:"callId"`
	StreamSid string `json:"streamSid"`
	Timestamp int64  `json:"timestamp"`
	Seq       int    `json:"seq"`
	Role      string `json:"role"`
	Text      string `json:"text"`
}

// CallEndedEvent is published when a call reaches CLOSED.
type CallEndedEvent struct {
	EventType      string `json:"eventType"`
	CallID         string `json:"callId"`
	StreamSid      string `json:"streamSid"`
	Timestamp      int64  `json:"timestamp"`
	Reason         string `json:"reason"`
	DurationMs     int64  `json:"durationMs"`
	Entries        int    `json:"entries"`
	StorageBackend string `json:"storageBackend"`
	Flushed        bool   `json:"flushed"`
	FlushError     string `json:"flushError,omitempty"`
}
