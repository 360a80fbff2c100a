// Package openai provides a realtime.Session over the OpenAI Realtime websocket API.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"call-relay-service/internal/service/media"
	"call-relay-service/internal/service/realtime"
)

const (
	defaultWriteTimeout = 10 * time.Second
	eventBuffer         = 256
)

// Config holds connection settings.
type Config struct {
	URL    string // wss://api.openai.com/v1/realtime
	Model  string
	APIKey string
}

// Dialer implements realtime.Dialer.
type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
}

// NewDialer creates a dialer for cfg.
func NewDialer(cfg Config) *Dialer {
	return &Dialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Dial opens a session and sends the session configuration as the first message.
func (d *Dialer) Dial(ctx context.Context, sc realtime.SessionConfig) (realtime.Session, error) {
	if strings.TrimSpace(d.cfg.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	wsURL, err := buildURL(d.cfg.URL, d.cfg.Model)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := d.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial realtime model: %w", err)
	}

	s := newSession(conn)
	if err := s.writeJSON(ctx, sessionUpdate(sc)); err != nil {
		s.Close()
		return nil, fmt.Errorf("send session config: %w", err)
	}
	go s.readLoop()
	return s, nil
}

func buildURL(base, model string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse model url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("model url must be ws or wss, got %q", u.Scheme)
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is a live realtime connection.
type Session struct {
	conn   wsConn
	logger zerolog.Logger

	writeMu sync.Mutex

	events    chan realtime.Event
	closed    chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func newSession(conn wsConn) *Session {
	return &Session{
		conn:   conn,
		logger: log.With().Str("component", "realtime-openai").Logger(),
		events: make(chan realtime.Event, eventBuffer),
		closed: make(chan struct{}),
	}
}

// SendAudio appends caller audio to the model's input buffer.
func (s *Session) SendAudio(ctx context.Context, frame media.AudioFrame) error {
	return s.writeJSON(ctx, inputAudioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(frame.Payload),
	})
}

// Events returns the server event stream.
func (s *Session) Events() <-chan realtime.Event {
	return s.events
}

// Truncate cuts the assistant item at audioEndMs.
func (s *Session) Truncate(ctx context.Context, itemID string, audioEndMs int64) error {
	if itemID == "" {
		return errors.New("truncate: item id is required")
	}
	if audioEndMs < 0 {
		audioEndMs = 0
	}
	return s.writeJSON(ctx, itemTruncate{
		Type:         "conversation.item.truncate",
		ItemID:       itemID,
		ContentIndex: 0,
		AudioEndMs:   audioEndMs,
	})
}

// CancelResponse cancels the in-flight response.
func (s *Session) CancelResponse(ctx context.Context) error {
	return s.writeJSON(ctx, typedMessage{Type: "response.cancel"})
}

// CreateResponse requests a response with its own instructions.
func (s *Session) CreateResponse(ctx context.Context, req realtime.ResponseRequest) error {
	msg := responseCreate{Type: "response.create"}
	if req.Instructions != "" || req.Purpose != "" {
		msg.Response = &responseOptions{Instructions: req.Instructions}
		if req.Purpose != "" {
			msg.Response.Metadata = map[string]string{"purpose": req.Purpose}
		}
	}
	return s.writeJSON(ctx, msg)
}

// Err reports why the event stream ended.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close ends the session. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) writeJSON(ctx context.Context, v any) error {
	if s.isClosed() {
		return realtime.ErrSessionDisconnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	// The call may have ended while another write held the lock.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", realtime.ErrSessionDisconnected, err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", realtime.ErrSessionDisconnected, err)
	}
	return nil
}

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.isClosed() {
				s.setErr(fmt.Errorf("%w: %v", realtime.ErrSessionDisconnected, err))
			}
			return
		}

		ev, err := parseEvent(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Dropping undecodable model event")
			continue
		}

		select {
		case s.events <- ev:
		case <-s.closed:
			return
		}
	}
}
