package media

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode_Start(t *testing.T) {
	raw := `{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ123","callSid":"CA456","customParameters":{"tenant":"acme"}},"streamSid":"MZ123"}`

	in, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Kind != KindStart {
		t.Fatalf("expected KindStart, got %v", in.Kind)
	}
	if in.Control.StreamSid != "MZ123" || in.Control.CallSid != "CA456" {
		t.Errorf("unexpected ids: %+v", in.Control)
	}
	if in.Control.CustomParameters["tenant"] != "acme" {
		t.Errorf("custom parameters not decoded: %+v", in.Control.CustomParameters)
	}
}

func TestDecode_StartFallsBackToEnvelopeStreamSid(t *testing.T) {
	in, err := Decode([]byte(`{"event":"start","streamSid":"MZ9","start":{"callSid":"CA9"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Control.StreamSid != "MZ9" {
		t.Errorf("expected MZ9, got %s", in.Control.StreamSid)
	}
}

func TestDecode_Media(t *testing.T) {
	audio := []byte{0xff, 0x7f, 0x00, 0x10}
	raw := `{"event":"media","sequenceNumber":"7","media":{"track":"inbound","timestamp":"140","payload":"` +
		base64.StdEncoding.EncodeToString(audio) + `"}}`

	in, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Kind != KindMedia {
		t.Fatalf("expected KindMedia, got %v", in.Kind)
	}
	if string(in.Frame.Payload) != string(audio) {
		t.Errorf("payload mismatch: %v", in.Frame.Payload)
	}
	if in.Frame.Source != SourceCaller {
		t.Errorf("expected caller source, got %v", in.Frame.Source)
	}
	if in.Frame.Sequence != 7 || in.Frame.TimestampMs != 140 {
		t.Errorf("unexpected sequence/timestamp: %d/%d", in.Frame.Sequence, in.Frame.TimestampMs)
	}
}

func TestDecode_MarkAndStop(t *testing.T) {
	in, err := Decode([]byte(`{"event":"mark","streamSid":"MZ1","mark":{"name":"m-1"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Kind != KindMark || in.Control.MarkName != "m-1" {
		t.Errorf("unexpected mark decode: %+v", in)
	}

	in, err = Decode([]byte(`{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Kind != KindStop || in.Control.CallSid != "CA1" {
		t.Errorf("unexpected stop decode: %+v", in)
	}
}

func TestDecode_UnknownEventIgnored(t *testing.T) {
	for _, raw := range []string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		`{"event":"dtmf","dtmf":{"digit":"1"}}`,
		`{"event":"something-new"}`,
	} {
		in, err := Decode([]byte(raw))
		if err != nil {
			t.Errorf("%s: unexpected error: %v", raw, err)
			continue
		}
		if in.Kind != KindIgnored {
			t.Errorf("%s: expected KindIgnored, got %v", raw, in.Kind)
		}
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"event":`},
		{"missing event", `{"media":{"payload":"AAAA"}}`},
		{"bad base64", `{"event":"media","media":{"payload":"***not-base64***"}}`},
		{"media without payload", `{"event":"media","media":{}}`},
		{"start without sid", `{"event":"start","start":{"callSid":"CA1"}}`},
		{"start without payload", `{"event":"start"}`},
		{"mark without name", `{"event":"mark","mark":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("expected ErrMalformedFrame, got %v", err)
			}
		})
	}
}

func TestEncodeOutbound(t *testing.T) {
	frame := AudioFrame{Source: SourceModel, Payload: []byte("hello")}

	data, err := EncodeOutbound("MZ1", frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got struct {
		Event     string `json:"event"`
		StreamSid string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got.Event != "media" || got.StreamSid != "MZ1" {
		t.Errorf("unexpected envelope: %s", data)
	}
	if got.Media.Payload != base64.StdEncoding.EncodeToString([]byte("hello")) {
		t.Errorf("unexpected payload: %s", got.Media.Payload)
	}

	if _, err := EncodeOutbound("", frame); err == nil {
		t.Error("expected error without stream sid")
	}
}

func TestEncodeMarkAndClear(t *testing.T) {
	data, err := EncodeMark("MZ1", "m-7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	in, err := Decode(data)
	if err != nil || in.Kind != KindMark || in.Control.MarkName != "m-7" {
		t.Errorf("mark did not decode back: %+v err=%v", in, err)
	}

	data, err = EncodeClear("MZ1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"event":"clear","streamSid":"MZ1"}` {
		t.Errorf("unexpected clear envelope: %s", data)
	}
}

func TestDurationMs(t *testing.T) {
	tests := []struct {
		bytes int
		want  int64
	}{
		{0, 0},
		{160, 20},
		{8000, 1000},
		{12000, 1500},
	}
	for _, tt := range tests {
		if got := DurationMs(tt.bytes); got != tt.want {
			t.Errorf("DurationMs(%d) = %d, want %d", tt.bytes, got, tt.want)
		}
	}
}
