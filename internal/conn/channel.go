package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	ierrors "github.com/jamesprial/sockroute/internal/errors"
)

// Message types, re-exported from gorilla/websocket so callers do not need
// to import it for the common cases.
const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage
)

const (
	// controlWriteWait bounds writes of close frames.
	controlWriteWait = time.Second

	// maxCloseReason is the longest reason a close frame can carry.
	maxCloseReason = 123
)

// ErrReadTimeout is returned by NextMessage when no message arrived in time.
var ErrReadTimeout = errors.New("timed out waiting for message")

// Message is a single data message read from a Channel.
type Message struct {
	Type int
	Data []byte
}

// IsBinary reports whether the message was sent as a binary frame.
func (m Message) IsBinary() bool {
	return m.Type == BinaryMessage
}

// Channel is the live bidirectional connection obtained after a successful
// upgrade. Reads are left entirely to the application: the channel never
// consumes messages on its own. Done is closed once the transport is gone,
// either because Close was called or because a read observed the peer
// going away.
type Channel struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newChannel(ws *websocket.Conn) *Channel {
	return &Channel{
		ws:   ws,
		done: make(chan struct{}),
	}
}

// Conn returns the underlying gorilla connection for advanced use.
// Writes through it bypass the channel's write lock.
func (c *Channel) Conn() *websocket.Conn {
	return c.ws
}

// Done returns a channel that is closed when the transport has closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// ReadMessage reads the next data message. Any error other than a read
// timeout means the transport is unusable and releases the channel.
func (c *Channel) ReadMessage() (int, []byte, error) {
	messageType, data, err := c.ws.ReadMessage()
	if err != nil && !isTimeout(err) {
		c.release()
	}
	return messageType, data, err
}

// NextMessage waits for the next data message, giving up after timeout
// (zero means no timeout) or when ctx is done.
func (c *Channel) NextMessage(ctx context.Context, timeout time.Duration) (Message, error) {
	if timeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})

	messageType, data, err := c.ReadMessage()
	stopped := stop()
	if err != nil {
		if isTimeout(err) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Message{}, ctxErr
			}
			return Message{}, ErrReadTimeout
		}
		return Message{}, err
	}

	if stopped {
		_ = c.ws.SetReadDeadline(time.Time{})
	}
	return Message{Type: messageType, Data: data}, nil
}

// Send writes one data message. It is safe for concurrent use. A failed
// write other than a timeout means the peer is gone and releases the
// channel.
func (c *Channel) Send(messageType int, data []byte) error {
	select {
	case <-c.done:
		return ierrors.New("conn", "Send", ierrors.ErrAlreadyClosed, nil)
	default:
	}

	c.writeMu.Lock()
	err := c.ws.WriteMessage(messageType, data)
	c.writeMu.Unlock()
	if err != nil && !isTimeout(err) {
		c.release()
	}
	return err
}

// SendText writes one text message.
func (c *Channel) SendText(text string) error {
	return c.Send(TextMessage, []byte(text))
}

// Close sends a close frame with the given code and reason and then closes
// the transport. Only the first call has any effect.
func (c *Channel) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		reason = truncateReason(reason)
		msg := websocket.FormatCloseMessage(code, reason)
		if writeErr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteWait)); writeErr != nil &&
			!errors.Is(writeErr, websocket.ErrCloseSent) {
			err = fmt.Errorf("write close frame: %w", writeErr)
		}
		_ = c.ws.Close()
		close(c.done)
	})
	return err
}

// release closes the transport without a close frame.
func (c *Channel) release() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
		close(c.done)
	})
}

// truncateReason cuts reason to fit a close frame without splitting a rune.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	reason = reason[:maxCloseReason]
	for len(reason) > 0 && !utf8.ValidString(reason) {
		reason = reason[:len(reason)-1]
	}
	return reason
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
