package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"call-relay-service/internal/config"
	"call-relay-service/internal/models"
	"call-relay-service/internal/observability/metrics"
	"call-relay-service/internal/service/media"
	"call-relay-service/internal/service/realtime"
	"call-relay-service/internal/service/transcript"
)

var errConnClosed = errors.New("use of closed network connection")

// outbound is one envelope the bridge wrote to telephony.
type outbound struct {
	event      string
	mark       string
	payloadLen int
}

// fakeConn is an in-memory telephony socket. With autoAck set it echoes every
// mark back, as if audio played instantly.
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	autoAck   bool

	mu      sync.Mutex
	written []outbound
}

func newFakeConn(autoAck bool) *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 512),
		closed:  make(chan struct{}),
		autoAck: autoAck,
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, errConnClosed
	default:
	}
	select {
	case msg := <-c.inbound:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}

	var env struct {
		Event string `json:"event"`
		Media *struct {
			Payload string `json:"payload"`
		} `json:"media"`
		Mark *struct {
			Name string `json:"name"`
		} `json:"mark"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	out := outbound{event: env.Event}
	if env.Media != nil {
		audio, _ := base64.StdEncoding.DecodeString(env.Media.Payload)
		out.payloadLen = len(audio)
	}
	if env.Mark != nil {
		out.mark = env.Mark.Name
	}

	c.mu.Lock()
	c.written = append(c.written, out)
	c.mu.Unlock()

	if c.autoAck && out.event == "mark" {
		c.send(markEnvelope(out.mark))
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.written = append(c.written, outbound{event: "hangup"})
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) send(msg string) {
	select {
	case c.inbound <- []byte(msg):
	default:
	}
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) events() []outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]outbound(nil), c.written...)
}

func (c *fakeConn) count(event string) int {
	n := 0
	for _, o := range c.events() {
		if o.event == event {
			n++
		}
	}
	return n
}

func (c *fakeConn) marks() []string {
	var out []string
	for _, o := range c.events() {
		if o.event == "mark" {
			out = append(out, o.mark)
		}
	}
	return out
}

// lastIndex returns the index of the last envelope of event, or -1.
func (c *fakeConn) lastIndex(event string) int {
	evs := c.events()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].event == event {
			return i
		}
	}
	return -1
}

func (c *fakeConn) firstIndex(event string) int {
	for i, o := range c.events() {
		if o.event == event {
			return i
		}
	}
	return -1
}

func startEnvelope(streamSid, callSid string) string {
	return fmt.Sprintf(`{"event":"start","streamSid":%q,"start":{"streamSid":%q,"callSid":%q,"customParameters":{"caller":"+15550100"}}}`,
		streamSid, streamSid, callSid)
}

func mediaEnvelope(payload []byte) string {
	return fmt.Sprintf(`{"event":"media","media":{"track":"inbound","payload":%q}}`,
		base64.StdEncoding.EncodeToString(payload))
}

func markEnvelope(name string) string {
	return fmt.Sprintf(`{"event":"mark","streamSid":"MZ1","mark":{"name":%q}}`, name)
}

const stopEnvelope = `{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`

type truncation struct {
	itemID     string
	audioEndMs int64
}

// fakeSession is a hand-driven realtime.Session. Tests push server events;
// with completeResponses set every CreateResponse plays a one-chunk response.
type fakeSession struct {
	completeResponses bool

	mu          sync.Mutex
	events      chan realtime.Event
	closed      bool
	err         error
	audio       int
	truncations []truncation
	cancels     int
	requests    []realtime.ResponseRequest
	seq         int
}

func newFakeSession(completeResponses bool) *fakeSession {
	return &fakeSession{
		completeResponses: completeResponses,
		events:            make(chan realtime.Event, 256),
	}
}

func (s *fakeSession) push(ev realtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(ev)
}

func (s *fakeSession) pushLocked(ev realtime.Event) {
	if s.closed {
		return
	}
	s.events <- ev
}

func (s *fakeSession) SendAudio(ctx context.Context, frame media.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrSessionDisconnected
	}
	s.audio++
	return nil
}

func (s *fakeSession) Events() <-chan realtime.Event { return s.events }

func (s *fakeSession) Truncate(ctx context.Context, itemID string, audioEndMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncations = append(s.truncations, truncation{itemID, audioEndMs})
	return nil
}

func (s *fakeSession) CancelResponse(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	return nil
}

func (s *fakeSession) CreateResponse(ctx context.Context, req realtime.ResponseRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrSessionDisconnected
	}
	s.requests = append(s.requests, req)
	if !s.completeResponses {
		return nil
	}
	s.seq++
	resp := fmt.Sprintf("resp_fake_%d", s.seq)
	item := fmt.Sprintf("item_fake_%d", s.seq)
	s.pushLocked(realtime.Event{Type: realtime.EventResponseCreated, ResponseID: resp, Purpose: req.Purpose})
	s.pushLocked(realtime.Event{Type: realtime.EventAudioDelta, ResponseID: resp, ItemID: item, Audio: make([]byte, 160)})
	s.pushLocked(realtime.Event{Type: realtime.EventAudioTranscriptDone, ResponseID: resp, ItemID: item, Transcript: req.Instructions})
	s.pushLocked(realtime.Event{Type: realtime.EventResponseDone, ResponseID: resp, Status: "completed", Purpose: req.Purpose})
	return nil
}

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSession) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *fakeSession) disconnect() {
	s.shutdown(fmt.Errorf("%w: connection reset", realtime.ErrSessionDisconnected))
}

func (s *fakeSession) shutdown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}

func (s *fakeSession) audioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *fakeSession) getTruncations() []truncation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]truncation(nil), s.truncations...)
}

func (s *fakeSession) getRequests() []realtime.ResponseRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]realtime.ResponseRequest(nil), s.requests...)
}

func (s *fakeSession) getCancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

type flushCall struct {
	callID  string
	entries []transcript.Entry
}

type fakeSink struct {
	err error

	mu      sync.Mutex
	flushes []flushCall
}

func (s *fakeSink) Flush(ctx context.Context, callID string, entries []transcript.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes = append(s.flushes, flushCall{callID, entries})
	return s.err
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) calls() []flushCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]flushCall(nil), s.flushes...)
}

type fakePublisher struct {
	mu      sync.Mutex
	entries []models.TranscriptEntryEvent
	ended   []models.CallEndedEvent
}

func (p *fakePublisher) PublishTranscriptEntry(ctx context.Context, ev models.TranscriptEntryEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, ev)
	return nil
}

func (p *fakePublisher) PublishCallEnded(ctx context.Context, ev models.CallEndedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = append(p.ended, ev)
	return nil
}

func (p *fakePublisher) snapshot() ([]models.TranscriptEntryEvent, []models.CallEndedEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.TranscriptEntryEvent(nil), p.entries...), append([]models.CallEndedEvent(nil), p.ended...)
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

func testPersona() config.Persona {
	return config.Persona{
		Instructions:     "be brief",
		Voice:            "alloy",
		ClosingUtterance: "Goodbye, call me back if you need help.",
		ApologyUtterance: "Sorry, we have to end the call now.",
		GoodbyePhrases:   config.DefaultGoodbyePhrases,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func runBridge(ctx context.Context, b *Bridge) <-chan error {
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not finish")
		return nil
	}
}
