package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"call-relay-service/internal/service/media"
)

const telephonyWriteTimeout = 5 * time.Second

// Conn is the telephony media-stream socket. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var errStreamNotStarted = errors.New("telephony stream not started")

// telephony serializes writes to the media-stream socket. The socket allows a
// single concurrent writer and both pumps plus the supervisor write to it.
type telephony struct {
	conn Conn

	mu        sync.Mutex
	streamSid string
	closed    bool
}

func newTelephony(conn Conn) *telephony {
	return &telephony{conn: conn}
}

func (t *telephony) setStreamSid(sid string) {
	t.mu.Lock()
	t.streamSid = sid
	t.mu.Unlock()
}

func (t *telephony) StreamSid() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamSid
}

// SendMedia writes one audio frame.
func (t *telephony) SendMedia(frame media.AudioFrame) error {
	return t.write(func(sid string) ([]byte, error) { return media.EncodeOutbound(sid, frame) })
}

// SendMark writes a mark; telephony echoes name once prior audio has played.
func (t *telephony) SendMark(name string) error {
	return t.write(func(sid string) ([]byte, error) { return media.EncodeMark(sid, name) })
}

// SendClear flushes audio buffered on the telephony side.
func (t *telephony) SendClear() error {
	return t.write(media.EncodeClear)
}

// HangUp closes the media stream. The call-control document ends the call
// once its stream closes. Safe to call more than once.
func (t *telephony) HangUp() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"))
	return t.conn.Close()
}

func (t *telephony) write(encode func(streamSid string) ([]byte, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return websocket.ErrCloseSent
	}
	if t.streamSid == "" {
		return errStreamNotStarted
	}
	data, err := encode(t.streamSid)
	if err != nil {
		return err
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(telephonyWriteTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}
