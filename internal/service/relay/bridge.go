// Package relay bridges a telephony media stream and a realtime model session
// for the lifetime of one call.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"call-relay-service/internal/config"
	"call-relay-service/internal/models"
	"call-relay-service/internal/observability/logging"
	"call-relay-service/internal/observability/metrics"
	"call-relay-service/internal/service/call"
	"call-relay-service/internal/service/goodbye"
	"call-relay-service/internal/service/media"
	"call-relay-service/internal/service/realtime"
	"call-relay-service/internal/service/transcript"
	"call-relay-service/internal/storage"
)

const (
	defaultClosingTimeout = 8 * time.Second
	defaultFlushTimeout   = 30 * time.Second
	publishTimeout        = 5 * time.Second
	entryBuffer           = 256
)

// Settings are the per-call timing limits.
type Settings struct {
	// ClosingTimeout bounds the wait for the closing utterance to finish playing.
	ClosingTimeout time.Duration
	// MaxDuration ends the call with the apology utterance. Zero disables it.
	MaxDuration  time.Duration
	FlushTimeout time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.ClosingTimeout <= 0 {
		s.ClosingTimeout = defaultClosingTimeout
	}
	if s.FlushTimeout <= 0 {
		s.FlushTimeout = defaultFlushTimeout
	}
	return s
}

// EventPublisher receives call events. *events.Publisher satisfies it.
type EventPublisher interface {
	PublishTranscriptEntry(ctx context.Context, event models.TranscriptEntryEvent) error
	PublishCallEnded(ctx context.Context, event models.CallEndedEvent) error
}

// Bridge is one call session. It owns the caller→model and model→caller pumps
// together with the call lifecycle and its transcript.
type Bridge struct {
	connID    string
	tel       *telephony
	session   realtime.Session
	persona   config.Persona
	detector  *goodbye.Detector
	recorder  *transcript.Recorder
	lc        *call.Lifecycle
	pb        *playback
	sink      storage.Sink
	publisher EventPublisher
	metrics   *metrics.Metrics
	settings  Settings
	startedAt time.Time

	log    atomic.Pointer[zerolog.Logger]
	outSeq atomic.Int64

	closingDone    chan struct{}
	closingOnce    sync.Once
	callerGone     chan struct{}
	callerGoneOnce sync.Once
	modelGone      chan struct{}
	modelGoneOnce  sync.Once
	releaseOnce    sync.Once

	entries   chan transcript.Entry
	published chan struct{}
}

// BridgeOptions wires a Bridge.
type BridgeOptions struct {
	ConnID    string
	Conn      Conn
	Session   realtime.Session
	Persona   config.Persona
	Sink      storage.Sink
	Publisher EventPublisher
	Metrics   *metrics.Metrics
	Settings  Settings
}

// NewBridge creates a call session over an accepted telephony connection and
// an open model session. The Bridge owns both from here on.
func NewBridge(opts BridgeOptions) *Bridge {
	if opts.ConnID == "" {
		opts.ConnID = uuid.NewString()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultMetrics
	}
	if opts.Sink == nil {
		opts.Sink = storage.NewLogSink()
	}
	b := &Bridge{
		connID:      opts.ConnID,
		tel:         newTelephony(opts.Conn),
		session:     opts.Session,
		persona:     opts.Persona,
		detector:    goodbye.New(opts.Persona.GoodbyePhrases),
		recorder:    transcript.NewRecorder(),
		lc:          call.NewLifecycle(opts.ConnID),
		pb:          newPlayback(),
		sink:        opts.Sink,
		publisher:   opts.Publisher,
		metrics:     opts.Metrics,
		settings:    opts.Settings.withDefaults(),
		startedAt:   time.Now(),
		closingDone: make(chan struct{}),
		callerGone:  make(chan struct{}),
		modelGone:   make(chan struct{}),
		entries:     make(chan transcript.Entry, entryBuffer),
		published:   make(chan struct{}),
	}
	l := logging.WithComponent("relay").With().Str("connId", b.connID).Logger()
	b.log.Store(&l)
	return b
}

func (b *Bridge) logger() *zerolog.Logger {
	return b.log.Load()
}

// Lifecycle exposes the call state machine.
func (b *Bridge) Lifecycle() *call.Lifecycle {
	return b.lc
}

// Run relays until the call reaches CLOSED. The transcript is flushed exactly
// once before Run returns. Cancelling ctx ends the call with ReasonShutdown.
func (b *Bridge) Run(ctx context.Context) error {
	b.metrics.RecordCallStart()
	b.logger().Info().Msg("Call session started")
	go b.publishEntries()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.callerToModel(gctx) })
	g.Go(func() error { return b.modelToCaller(gctx) })
	g.Go(func() error { return b.supervise(ctx, gctx) })
	err := g.Wait()

	b.finalize()
	return err
}

// callerToModel reads telephony envelopes: caller audio goes to the model,
// marks advance the playback offset.
func (b *Bridge) callerToModel(ctx context.Context) error {
	defer b.callerGoneOnce.Do(func() { close(b.callerGone) })

	for {
		_, data, err := b.tel.conn.ReadMessage()
		if err != nil {
			if b.lc.BeginEnding(call.ReasonCallerHangup) {
				b.logger().Info().Err(err).Msg("Telephony stream closed")
			}
			return nil
		}

		in, err := media.Decode(data)
		if err != nil {
			b.metrics.RecordMalformedFrame()
			b.logger().Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}

		switch in.Kind {
		case media.KindStart:
			b.onStart(ctx, in.Control)
		case media.KindMedia:
			if !b.lc.IsActive() {
				continue
			}
			b.metrics.RecordAudioIn(len(in.Frame.Payload))
			if err := b.session.SendAudio(ctx, in.Frame); err != nil {
				if ctx.Err() != nil {
					// Cancelled: the supervisor records why.
					return nil
				}
				if b.lc.BeginEnding(call.ReasonSessionError) {
					b.logger().Error().Err(err).Msg("Failed to forward caller audio")
				}
				return fmt.Errorf("forward caller audio: %w", err)
			}
		case media.KindMark:
			if b.pb.ack(in.Control.MarkName) {
				b.metrics.RecordMarkAcked()
			}
		case media.KindStop:
			if b.lc.BeginEnding(call.ReasonCallerHangup) {
				b.logger().Info().Msg("Telephony stream stopped by caller")
			}
			return nil
		}
	}
}

func (b *Bridge) onStart(ctx context.Context, ev media.ControlEvent) {
	b.tel.setStreamSid(ev.StreamSid)
	callID := ev.CallSid
	if callID == "" {
		callID = ev.StreamSid
	}
	b.lc.SetCallID(callID)

	l := logging.WithCall(callID, ev.StreamSid).With().
		Str("component", "relay").
		Str("connId", b.connID).
		Logger()
	b.log.Store(&l)
	l.Info().Interface("customParameters", ev.CustomParameters).Msg("Incoming stream has started")

	if b.persona.Greeting == "" {
		return
	}
	req := realtime.ResponseRequest{Instructions: b.persona.Greeting, Purpose: realtime.PurposeGreeting}
	if err := b.session.CreateResponse(ctx, req); err != nil {
		l.Warn().Err(err).Msg("Failed to request greeting")
	}
}

// modelToCaller consumes model events until the session ends.
func (b *Bridge) modelToCaller(ctx context.Context) error {
	defer b.modelGoneOnce.Do(func() { close(b.modelGone) })

	for ev := range b.session.Events() {
		b.handleModelEvent(ctx, ev)
	}
	if err := b.session.Err(); err != nil {
		if b.lc.BeginEnding(call.ReasonSessionError) {
			b.logger().Error().Err(err).Msg("Model session lost")
		}
		return err
	}
	return nil
}

func (b *Bridge) handleModelEvent(ctx context.Context, ev realtime.Event) {
	switch ev.Type {
	case realtime.EventSessionCreated, realtime.EventSessionUpdated:
		b.logger().Debug().Str("event", ev.Type).Msg("Model session event")

	case realtime.EventResponseCreated:
		b.pb.responseCreated(ev.ResponseID, ev.Purpose)

	case realtime.EventAudioDelta:
		b.forwardDelta(ev)

	case realtime.EventSpeechStarted:
		if b.lc.IsActive() {
			b.interrupt(ctx)
		}

	case realtime.EventInputTranscriptionCompleted:
		b.onCallerText(ctx, ev.Transcript)

	case realtime.EventAudioTranscriptDone:
		b.onAssistantText(ev)

	case realtime.EventResponseDone:
		if b.pb.responseDone(ev.ResponseID, ev.Purpose) == realtime.PurposeClosing {
			b.markClosingDone()
		}

	case realtime.EventError:
		code := ""
		if ev.Error != nil {
			code = ev.Error.Code
			b.logger().Warn().
				Str("type", ev.Error.Type).
				Str("code", ev.Error.Code).
				Str("message", ev.Error.Message).
				Msg("Model reported an error")
		}
		b.metrics.RecordModelError(code)
	}
}

func (b *Bridge) forwardDelta(ev realtime.Event) {
	if b.pb.dropped(ev.ResponseID, ev.ItemID) {
		b.metrics.RecordDroppedDelta()
		return
	}
	// While ending, only the closing utterance is played.
	if !b.lc.IsActive() && b.pb.purposeOf(ev.ResponseID) != realtime.PurposeClosing {
		b.metrics.RecordDroppedDelta()
		return
	}

	frame := media.AudioFrame{
		Source:   media.SourceModel,
		Payload:  ev.Audio,
		Sequence: b.outSeq.Add(1),
	}
	if err := b.tel.SendMedia(frame); err != nil {
		b.telephonyWriteFailed(err)
		return
	}
	b.metrics.RecordAudioOut(len(ev.Audio))

	mark := uuid.NewString()
	b.pb.queued(ev.ItemID, mark, len(ev.Audio))
	if err := b.tel.SendMark(mark); err != nil {
		b.telephonyWriteFailed(err)
		return
	}
	b.metrics.RecordMarkSent()
}

// interrupt truncates the playing item at the confirmed offset and clears
// telephony playback. A second speech_started finds nothing queued.
func (b *Bridge) interrupt(ctx context.Context) {
	itemID, endMs, ok := b.pb.interrupt()
	if !ok {
		return
	}
	if err := b.session.Truncate(ctx, itemID, endMs); err != nil {
		b.logger().Warn().Err(err).Str("itemId", itemID).Msg("Failed to truncate response")
	}
	if err := b.tel.SendClear(); err != nil {
		b.telephonyWriteFailed(err)
	}
	b.metrics.RecordTruncation()
	b.logger().Info().
		Str("itemId", itemID).
		Int64("audioEndMs", endMs).
		Msg("Caller interrupted, response truncated")
}

func (b *Bridge) onCallerText(ctx context.Context, text string) {
	entry, ok := b.recorder.Append(transcript.RoleCaller, text)
	if !ok {
		return
	}
	b.recordEntry(entry)

	if !b.lc.IsActive() {
		return
	}
	if phrase, hit := b.detector.MatchPhrase(entry.Text); hit {
		b.metrics.RecordGoodbye()
		b.logger().Info().Str("phrase", phrase).Msg("Goodbye detected")
		b.endWithUtterance(ctx, call.ReasonGoodbye, b.persona.ClosingUtterance)
	}
}

// onAssistantText records answers to the caller. Greeting and closing
// responses are scripted and not recorded; cancelled responses were never heard.
func (b *Bridge) onAssistantText(ev realtime.Event) {
	if b.pb.purposeOf(ev.ResponseID) != "" || b.pb.cancelled(ev.ResponseID) {
		return
	}
	if entry, ok := b.recorder.Append(transcript.RoleAssistant, ev.Transcript); ok {
		b.recordEntry(entry)
	}
}

func (b *Bridge) recordEntry(e transcript.Entry) {
	b.metrics.RecordTranscriptEntry(string(e.Role))
	b.logger().Info().Int("seq", e.Seq).Str("role", string(e.Role)).Str("text", e.Text).Msg("Transcript entry")
	select {
	case b.entries <- e:
	default:
		b.logger().Warn().Int("seq", e.Seq).Msg("Transcript event queue full, entry not published")
	}
}

// endWithUtterance moves the call to ENDING, stops whatever is playing and
// asks the model to speak utterance. closingDone is always signalled, either
// by the response completing or here when no response could be requested.
func (b *Bridge) endWithUtterance(ctx context.Context, reason call.Reason, utterance string) {
	if !b.lc.BeginEnding(reason) {
		return
	}
	b.logger().Info().Str("reason", string(reason)).Msg("Call ending")
	b.stopPlayback(ctx)

	if utterance == "" {
		b.markClosingDone()
		return
	}
	req := realtime.ResponseRequest{
		Instructions: fmt.Sprintf("Say exactly the following to the caller and nothing else: %q", utterance),
		Purpose:      realtime.PurposeClosing,
	}
	if err := b.session.CreateResponse(ctx, req); err != nil {
		b.logger().Warn().Err(err).Msg("Failed to request closing utterance")
		b.markClosingDone()
	}
}

func (b *Bridge) stopPlayback(ctx context.Context) {
	responseID, hadAudio := b.pb.cancel()
	if responseID != "" {
		if err := b.session.CancelResponse(ctx); err != nil {
			b.logger().Warn().Err(err).Str("responseId", responseID).Msg("Failed to cancel response")
		}
	}
	if responseID != "" || hadAudio {
		if err := b.tel.SendClear(); err != nil {
			b.telephonyWriteFailed(err)
		}
	}
}

func (b *Bridge) markClosingDone() {
	b.closingOnce.Do(func() { close(b.closingDone) })
}

func (b *Bridge) telephonyWriteFailed(err error) {
	if errors.Is(err, errStreamNotStarted) {
		b.metrics.RecordDroppedDelta()
		b.logger().Debug().Msg("Dropping model audio before stream start")
		return
	}
	if b.lc.BeginEnding(call.ReasonSessionError) {
		b.logger().Error().Err(err).Msg("Telephony write failed")
	}
}

// supervise waits for the call to leave ACTIVE, plays out the closing
// utterance when one was requested, then hangs up and releases both sockets.
func (b *Bridge) supervise(parent, gctx context.Context) error {
	var limit <-chan time.Time
	if b.settings.MaxDuration > 0 {
		t := time.NewTimer(b.settings.MaxDuration)
		defer t.Stop()
		limit = t.C
	}

	select {
	case <-b.lc.Ending():
	case <-limit:
		b.logger().Warn().Dur("maxDuration", b.settings.MaxDuration).Msg("Call exceeded max duration")
		b.endWithUtterance(gctx, call.ReasonLimit, b.persona.ApologyUtterance)
	case <-gctx.Done():
		if parent.Err() != nil {
			b.lc.BeginEnding(call.ReasonShutdown)
		} else {
			b.lc.BeginEnding(call.ReasonSessionError)
		}
	}

	switch b.lc.Reason() {
	case call.ReasonGoodbye, call.ReasonLimit:
		b.awaitClosing()
	}

	b.logger().Info().Str("reason", string(b.lc.Reason())).Msg("Hanging up")
	b.release()
	return nil
}

func (b *Bridge) awaitClosing() {
	timer := time.NewTimer(b.settings.ClosingTimeout)
	defer timer.Stop()

	select {
	case <-b.closingDone:
	case <-b.modelGone:
	case <-b.callerGone:
		return
	case <-timer.C:
		err := fmt.Errorf("closing utterance: %w", call.ErrTimeoutExceeded)
		b.metrics.RecordClosingTimeout()
		b.logger().Warn().Err(err).Dur("timeout", b.settings.ClosingTimeout).Msg("Closing utterance did not complete")
		return
	}

	for b.pb.pending() > 0 {
		select {
		case <-b.pb.drained:
		case <-b.callerGone:
			return
		case <-timer.C:
			b.logger().Warn().Int("pendingMarks", b.pb.pending()).Msg("Closing audio not confirmed played")
			return
		}
	}
}

// release hangs up the telephony side and closes the model session.
func (b *Bridge) release() {
	b.releaseOnce.Do(func() {
		if err := b.tel.HangUp(); err != nil {
			b.logger().Debug().Err(err).Msg("Telephony close")
		}
		if err := b.session.Close(); err != nil {
			b.logger().Debug().Err(err).Msg("Model session close")
		}
	})
}

func (b *Bridge) finalize() {
	if b.lc.BeginEnding(call.ReasonSessionError) {
		b.logger().Warn().Msg("Call finalized while still active")
	}
	b.release()
	if err := b.lc.Close(); err != nil {
		b.logger().Warn().Err(err).Msg("Unexpected lifecycle state on close")
	}

	close(b.entries)
	<-b.published

	callID := b.lc.CallID()
	entries := b.recorder.Entries()

	ctx, cancel := context.WithTimeout(context.Background(), b.settings.FlushTimeout)
	defer cancel()
	flushErr := b.sink.Flush(ctx, callID, entries)
	b.metrics.RecordTranscriptFlush(b.sink.Name(), flushErr)
	if flushErr != nil {
		b.logger().Error().Err(flushErr).Str("backend", b.sink.Name()).Msg("Transcript flush failed")
	}

	duration := time.Since(b.startedAt)
	reason := b.lc.Reason()
	b.metrics.RecordCallEnd(string(reason), duration.Seconds())

	if b.publisher != nil {
		ev := models.CallEndedEvent{
			EventType:      models.EventTypeCallEnded,
			CallID:         callID,
			StreamSid:      b.tel.StreamSid(),
			Timestamp:      time.Now().UnixMilli(),
			Reason:         string(reason),
			DurationMs:     duration.Milliseconds(),
			Entries:        len(entries),
			StorageBackend: b.sink.Name(),
			Flushed:        flushErr == nil,
		}
		if flushErr != nil {
			ev.FlushError = flushErr.Error()
		}
		pctx, pcancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := b.publisher.PublishCallEnded(pctx, ev); err != nil {
			b.logger().Warn().Err(err).Msg("Failed to publish call ended")
		}
		pcancel()
	}

	b.logger().Info().
		Str("reason", string(reason)).
		Int("entries", len(entries)).
		Dur("duration", duration).
		Msg("Call session closed")
}

func (b *Bridge) publishEntries() {
	defer close(b.published)
	for e := range b.entries {
		if b.publisher == nil {
			continue
		}
		ev := models.TranscriptEntryEvent{
			EventType: models.EventTypeTranscriptEntry,
			CallID:    b.lc.CallID(),
			StreamSid: b.tel.StreamSid(),
			Timestamp: e.At.UnixMilli(),
			Seq:       e.Seq,
			Role:      string(e.Role),
			Text:      e.Text,
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := b.publisher.PublishTranscriptEntry(ctx, ev); err != nil {
			b.logger().Warn().Err(err).Int("seq", e.Seq).Msg("Failed to publish transcript entry")
		}
		cancel()
	}
}
