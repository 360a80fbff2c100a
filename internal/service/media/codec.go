// Package media encodes and decodes telephony media-stream envelopes.
//
// Inbound envelopes are JSON objects discriminated by "event": start, media,
// mark and stop are recognized; anything else (connected, dtmf, future events)
// decodes to KindIgnored so new provider events never break a call.
package media

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// SampleRate is the telephony audio rate (G.711 mu-law, 8 kHz, mono, 1 byte per sample).
const SampleRate = 8000

// ErrMalformedFrame is returned for envelopes that cannot be decoded.
// The frame is dropped; the call continues.
var ErrMalformedFrame = errors.New("malformed frame")

// Source tags where an audio frame came from.
type Source int

const (
	SourceCaller Source = iota
	SourceModel
)

func (s Source) String() string {
	switch s {
	case SourceCaller:
		return "caller"
	case SourceModel:
		return "model"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// AudioFrame is one chunk of raw (already base64-decoded) audio.
type AudioFrame struct {
	Source      Source
	Payload     []byte
	Sequence    int64
	TimestampMs int64
}

// DurationMs returns how long the frame plays.
func (f AudioFrame) DurationMs() int64 {
	return DurationMs(len(f.Payload))
}

// DurationMs converts a mu-law byte count to milliseconds of audio.
func DurationMs(n int) int64 {
	return int64(n) * 1000 / SampleRate
}

// Kind is the decoded envelope type.
type Kind int

const (
	KindIgnored Kind = iota
	KindStart
	KindMedia
	KindMark
	KindStop
)

func (k Kind) String() string {
	switch k {
	case KindIgnored:
		return "ignored"
	case KindStart:
		return "start"
	case KindMedia:
		return "media"
	case KindMark:
		return "mark"
	case KindStop:
		return "stop"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(k))
	}
}

// ControlEvent carries the non-audio content of start, mark and stop envelopes.
type ControlEvent struct {
	StreamSid        string
	CallSid          string
	MarkName         string
	CustomParameters map[string]string
}

// Inbound is a decoded telephony envelope. Frame is set for KindMedia,
// Control for the other recognized kinds.
type Inbound struct {
	Kind    Kind
	Event   string
	Frame   AudioFrame
	Control ControlEvent
}

type envelope struct {
	Event          string          `json:"event"`
	SequenceNumber string          `json:"sequenceNumber,omitempty"`
	StreamSid      string          `json:"streamSid,omitempty"`
	Start          *startPayload   `json:"start,omitempty"`
	Media          *mediaPayload   `json:"media,omitempty"`
	Mark           *markPayload    `json:"mark,omitempty"`
	Stop           json.RawMessage `json:"stop,omitempty"`
}

type startPayload struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

type stopPayload struct {
	CallSid string `json:"callSid"`
}

// Decode parses one inbound envelope.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Inbound{}, fmt.Errorf("%w: invalid json: %v", ErrMalformedFrame, err)
	}
	if env.Event == "" {
		return Inbound{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}

	in := Inbound{Event: env.Event}
	switch env.Event {
	case "start":
		if env.Start == nil {
			return Inbound{}, fmt.Errorf("%w: start without start payload", ErrMalformedFrame)
		}
		streamSid := env.Start.StreamSid
		if streamSid == "" {
			streamSid = env.StreamSid
		}
		if streamSid == "" {
			return Inbound{}, fmt.Errorf("%w: start without streamSid", ErrMalformedFrame)
		}
		in.Kind = KindStart
		in.Control = ControlEvent{
			StreamSid:        streamSid,
			CallSid:          env.Start.CallSid,
			CustomParameters: env.Start.CustomParameters,
		}

	case "media":
		if env.Media == nil || env.Media.Payload == "" {
			return Inbound{}, fmt.Errorf("%w: media without payload", ErrMalformedFrame)
		}
		audio, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return Inbound{}, fmt.Errorf("%w: payload is not base64: %v", ErrMalformedFrame, err)
		}
		in.Kind = KindMedia
		in.Frame = AudioFrame{
			Source:      SourceCaller,
			Payload:     audio,
			Sequence:    parseInt(env.SequenceNumber),
			TimestampMs: parseInt(env.Media.Timestamp),
		}

	case "mark":
		if env.Mark == nil || env.Mark.Name == "" {
			return Inbound{}, fmt.Errorf("%w: mark without name", ErrMalformedFrame)
		}
		in.Kind = KindMark
		in.Control = ControlEvent{StreamSid: env.StreamSid, MarkName: env.Mark.Name}

	case "stop":
		in.Kind = KindStop
		in.Control = ControlEvent{StreamSid: env.StreamSid}
		if len(env.Stop) > 0 {
			var stop stopPayload
			if err := json.Unmarshal(env.Stop, &stop); err == nil {
				in.Control.CallSid = stop.CallSid
			}
		}

	default:
		in.Kind = KindIgnored
	}
	return in, nil
}

// EncodeOutbound wraps model audio in a media envelope for the telephony side.
func EncodeOutbound(streamSid string, frame AudioFrame) ([]byte, error) {
	if streamSid == "" {
		return nil, errors.New("encode media: stream sid is required")
	}
	return json.Marshal(envelope{
		Event:     "media",
		StreamSid: streamSid,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(frame.Payload)},
	})
}

// EncodeMark builds a mark envelope; telephony echoes it back once the
// audio queued before it has played.
func EncodeMark(streamSid, name string) ([]byte, error) {
	if streamSid == "" {
		return nil, errors.New("encode mark: stream sid is required")
	}
	return json.Marshal(envelope{
		Event:     "mark",
		StreamSid: streamSid,
		Mark:      &markPayload{Name: name},
	})
}

// EncodeClear builds a clear envelope, flushing audio telephony has buffered but not played.
func EncodeClear(streamSid string) ([]byte, error) {
	if streamSid == "" {
		return nil, errors.New("encode clear: stream sid is required")
	}
	return json.Marshal(envelope{Event: "clear", StreamSid: streamSid})
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
