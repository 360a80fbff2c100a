package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"call-relay-service/internal/service/realtime"
)

type typedMessage struct {
	Type string `json:"type"`
}

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionFields `json:"session"`
}

type sessionFields struct {
	TurnDetection           *turnDetection      `json:"turn_detection"`
	InputAudioFormat        string              `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string              `json:"output_audio_format,omitempty"`
	InputAudioTranscription *audioTranscription `json:"input_audio_transcription,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	Modalities              []string            `json:"modalities"`
	Temperature             float64             `json:"temperature,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type audioTranscription struct {
	Model string `json:"model"`
}

type inputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemTruncate struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

type responseCreate struct {
	Type     string           `json:"type"`
	Response *responseOptions `json:"response,omitempty"`
}

type responseOptions struct {
	Instructions string            `json:"instructions,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func sessionUpdate(sc realtime.SessionConfig) sessionUpdateMessage {
	fields := sessionFields{
		InputAudioFormat:  sc.InputAudioFormat,
		OutputAudioFormat: sc.OutputAudioFormat,
		Voice:             sc.Voice,
		Instructions:      sc.Instructions,
		Modalities:        []string{"text", "audio"},
		Temperature:       sc.Temperature,
	}
	if sc.TurnDetection != "" && sc.TurnDetection != "none" {
		fields.TurnDetection = &turnDetection{
			Type:              sc.TurnDetection,
			Threshold:         sc.VADThreshold,
			SilenceDurationMs: sc.SilenceDurationMs,
		}
	}
	if sc.TranscriptionModel != "" {
		fields.InputAudioTranscription = &audioTranscription{Model: sc.TranscriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: fields}
}

type serverEvent struct {
	Type       string          `json:"type"`
	ResponseID string          `json:"response_id"`
	ItemID     string          `json:"item_id"`
	Delta      string          `json:"delta"`
	Transcript string          `json:"transcript"`
	Response   *serverResponse `json:"response"`
	Error      *serverError    `json:"error"`
}

type serverResponse struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func parseEvent(data []byte) (realtime.Event, error) {
	var raw serverEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return realtime.Event{}, fmt.Errorf("decode server event: %w", err)
	}
	if raw.Type == "" {
		return realtime.Event{}, fmt.Errorf("server event without type")
	}

	ev := realtime.Event{
		Type:       raw.Type,
		ResponseID: raw.ResponseID,
		ItemID:     raw.ItemID,
		Transcript: raw.Transcript,
	}

	switch raw.Type {
	case realtime.EventAudioDelta:
		audio, err := base64.StdEncoding.DecodeString(raw.Delta)
		if err != nil {
			return realtime.Event{}, fmt.Errorf("decode audio delta: %w", err)
		}
		ev.Audio = audio
	case realtime.EventAudioTranscriptDelta:
		ev.Transcript = raw.Delta
	case realtime.EventResponseCreated, realtime.EventResponseDone:
		if raw.Response != nil {
			ev.ResponseID = raw.Response.ID
			ev.Status = raw.Response.Status
			ev.Purpose = raw.Response.Metadata["purpose"]
		}
	case realtime.EventError:
		if raw.Error != nil {
			ev.Error = &realtime.ErrorDetail{
				Type:    raw.Error.Type,
				Code:    raw.Error.Code,
				Message: raw.Error.Message,
			}
		}
	}
	return ev, nil
}
