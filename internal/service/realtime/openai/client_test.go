package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"call-relay-service/internal/service/media"
	"call-relay-service/internal/service/realtime"
)

// fakeModel is a loopback realtime endpoint. Received client messages are
// pushed to received; anything written to send is delivered to the client.
type fakeModel struct {
	t        *testing.T
	server   *httptest.Server
	received chan map[string]any
	send     chan string
	headers  chan http.Header
	query    chan string
}

func newFakeModel(t *testing.T) *fakeModel {
	t.Helper()
	fm := &fakeModel{
		t:        t,
		received: make(chan map[string]any, 32),
		send:     make(chan string, 32),
		headers:  make(chan http.Header, 1),
		query:    make(chan string, 1),
	}
	upgrader := websocket.Upgrader{}
	fm.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fm.headers <- r.Header.Clone()
		fm.query <- r.URL.Query().Get("model")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var msg map[string]any
				if err := json.Unmarshal(data, &msg); err == nil {
					fm.received <- msg
				}
			}
		}()

		for {
			select {
			case out, ok := <-fm.send:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, []byte(out)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}))
	t.Cleanup(fm.server.Close)
	return fm
}

func (fm *fakeModel) url() string {
	return "ws" + strings.TrimPrefix(fm.server.URL, "http")
}

func (fm *fakeModel) next() map[string]any {
	fm.t.Helper()
	select {
	case msg := <-fm.received:
		return msg
	case <-time.After(2 * time.Second):
		fm.t.Fatal("timed out waiting for client message")
		return nil
	}
}

func dialFake(t *testing.T, fm *fakeModel) realtime.Session {
	t.Helper()
	d := NewDialer(Config{URL: fm.url(), Model: "gpt-4o-realtime", APIKey: "sk-test"})
	sess, err := d.Dial(context.Background(), realtime.SessionConfig{
		Instructions:       "be brief",
		Voice:              "alloy",
		InputAudioFormat:   "g711_ulaw",
		OutputAudioFormat:  "g711_ulaw",
		TurnDetection:      "server_vad",
		VADThreshold:       0.3,
		SilenceDurationMs:  400,
		Temperature:        0.8,
		TranscriptionModel: "whisper-1",
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestDial_SendsSessionUpdate(t *testing.T) {
	fm := newFakeModel(t)
	dialFake(t, fm)

	h := <-fm.headers
	if got := h.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got)
	}
	if got := h.Get("OpenAI-Beta"); got != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", got)
	}
	if got := <-fm.query; got != "gpt-4o-realtime" {
		t.Errorf("model query = %q", got)
	}

	msg := fm.next()
	if msg["type"] != "session.update" {
		t.Fatalf("first message type = %v", msg["type"])
	}
	sess := msg["session"].(map[string]any)
	if sess["voice"] != "alloy" || sess["input_audio_format"] != "g711_ulaw" || sess["output_audio_format"] != "g711_ulaw" {
		t.Errorf("unexpected session fields: %v", sess)
	}
	td := sess["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" || td["threshold"] != 0.3 || td["silence_duration_ms"] != float64(400) {
		t.Errorf("unexpected turn detection: %v", td)
	}
	tr := sess["input_audio_transcription"].(map[string]any)
	if tr["model"] != "whisper-1" {
		t.Errorf("unexpected transcription model: %v", tr)
	}
}

func TestDial_RequiresAPIKey(t *testing.T) {
	d := NewDialer(Config{URL: "wss://example.invalid/v1/realtime"})
	if _, err := d.Dial(context.Background(), realtime.SessionConfig{}); err == nil {
		t.Error("expected error without api key")
	}
}

func TestBuildURL(t *testing.T) {
	got, err := buildURL("wss://api.openai.com/v1/realtime", "gpt-4o-realtime-preview")
	if err != nil {
		t.Fatalf("buildURL failed: %v", err)
	}
	if got != "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview" {
		t.Errorf("buildURL = %s", got)
	}
	if _, err := buildURL("https://api.openai.com", ""); err == nil {
		t.Error("expected error for non-websocket scheme")
	}
}

func TestSession_OutboundMessages(t *testing.T) {
	fm := newFakeModel(t)
	sess := dialFake(t, fm)
	fm.next() // session.update
	ctx := context.Background()

	payload := []byte{0xFF, 0x7F, 0x00}
	if err := sess.SendAudio(ctx, media.AudioFrame{Source: media.SourceCaller, Payload: payload}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	msg := fm.next()
	if msg["type"] != "input_audio_buffer.append" || msg["audio"] != base64.StdEncoding.EncodeToString(payload) {
		t.Errorf("unexpected append: %v", msg)
	}

	if err := sess.Truncate(ctx, "item_1", 1500); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	msg = fm.next()
	if msg["type"] != "conversation.item.truncate" || msg["item_id"] != "item_1" ||
		msg["content_index"] != float64(0) || msg["audio_end_ms"] != float64(1500) {
		t.Errorf("unexpected truncate: %v", msg)
	}

	if err := sess.CancelResponse(ctx); err != nil {
		t.Fatalf("CancelResponse: %v", err)
	}
	if msg = fm.next(); msg["type"] != "response.cancel" {
		t.Errorf("unexpected cancel: %v", msg)
	}

	if err := sess.CreateResponse(ctx, realtime.ResponseRequest{Instructions: "Say goodbye.", Purpose: realtime.PurposeClosing}); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}
	msg = fm.next()
	resp := msg["response"].(map[string]any)
	meta := resp["metadata"].(map[string]any)
	if msg["type"] != "response.create" || resp["instructions"] != "Say goodbye." || meta["purpose"] != "closing" {
		t.Errorf("unexpected response.create: %v", msg)
	}
}

func TestSession_InboundEvents(t *testing.T) {
	fm := newFakeModel(t)
	sess := dialFake(t, fm)

	audio := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	fm.send <- `{"type":"response.created","response":{"id":"resp_1","status":"in_progress","metadata":{"purpose":"closing"}}}`
	fm.send <- `not json`
	fm.send <- `{"type":"response.audio.delta","response_id":"resp_1","item_id":"item_1","delta":"` + audio + `"}`
	fm.send <- `{"type":"conversation.item.input_audio_transcription.completed","item_id":"item_0","transcript":"hello"}`
	fm.send <- `{"type":"error","error":{"type":"invalid_request_error","code":"bad","message":"nope"}}`

	want := []string{
		realtime.EventResponseCreated,
		realtime.EventAudioDelta,
		realtime.EventInputTranscriptionCompleted,
		realtime.EventError,
	}
	var got []realtime.Event
	for len(got) < len(want) {
		select {
		case ev := <-sess.Events():
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	for i, ev := range got {
		if ev.Type != want[i] {
			t.Errorf("event %d type = %s, want %s", i, ev.Type, want[i])
		}
	}
	if got[0].ResponseID != "resp_1" || got[0].Purpose != realtime.PurposeClosing {
		t.Errorf("response.created not decoded: %+v", got[0])
	}
	if string(got[1].Audio) != string([]byte{1, 2, 3, 4}) || got[1].ItemID != "item_1" {
		t.Errorf("audio delta not decoded: %+v", got[1])
	}
	if got[2].Transcript != "hello" {
		t.Errorf("transcript = %q", got[2].Transcript)
	}
	if got[3].Error == nil || got[3].Error.Code != "bad" {
		t.Errorf("error not decoded: %+v", got[3])
	}
}

func TestSession_RemoteDisconnect(t *testing.T) {
	fm := newFakeModel(t)
	sess := dialFake(t, fm)
	close(fm.send)

	select {
	case _, ok := <-drain(sess.Events()):
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after disconnect")
	}
	if err := sess.Err(); !errors.Is(err, realtime.ErrSessionDisconnected) {
		t.Errorf("Err() = %v, want ErrSessionDisconnected", err)
	}
}

func TestSession_LocalCloseHasNoError(t *testing.T) {
	fm := newFakeModel(t)
	sess := dialFake(t, fm)

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	sess.Close()

	select {
	case _, ok := <-drain(sess.Events()):
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after Close")
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err() after local close = %v", err)
	}
	if err := sess.CancelResponse(context.Background()); !errors.Is(err, realtime.ErrSessionDisconnected) {
		t.Errorf("write after close = %v", err)
	}
}

// drain discards events until the channel closes, then reports closure.
func drain(events <-chan realtime.Event) <-chan realtime.Event {
	out := make(chan realtime.Event)
	go func() {
		for range events {
		}
		close(out)
	}()
	return out
}

func TestSession_CancelledContextSkipsWrite(t *testing.T) {
	fm := newFakeModel(t)
	sess := dialFake(t, fm)
	fm.next() // session.update

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sess.SendAudio(ctx, media.AudioFrame{Payload: []byte{0xFF}}); !errors.Is(err, context.Canceled) {
		t.Errorf("SendAudio with cancelled context = %v, want context.Canceled", err)
	}
	if err := sess.CreateResponse(ctx, realtime.ResponseRequest{Instructions: "hi"}); !errors.Is(err, context.Canceled) {
		t.Errorf("CreateResponse with cancelled context = %v, want context.Canceled", err)
	}

	// The session itself stays usable for other calls.
	if err := sess.CancelResponse(context.Background()); err != nil {
		t.Fatalf("CancelResponse: %v", err)
	}
	if msg := fm.next(); msg["type"] != "response.cancel" {
		t.Errorf("first message after cancelled writes = %v, want response.cancel", msg["type"])
	}
}
