// Package notifysource provides the notification-source boundary: the
// scheduler consumes notifications through this package's interface
// without caring where they originated.
package notifysource

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xxfunc/xxfunc/pkg/hostlog"
	"github.com/xxfunc/xxfunc/pkg/scheduler"
)

// Source produces an ordered stream of notifications until Close is
// called or the stream is exhausted.
type Source interface {
	Notifications() <-chan scheduler.Notification
	Close() error
}

// ChanSource adapts a caller-owned channel into a Source. It is the
// simplest possible adapter and is what tests and in-process notification
// producers use directly.
type ChanSource struct {
	ch chan scheduler.Notification
}

// NewChanSource wraps ch as a Source. The caller retains ownership of ch
// and closes it to signal end of stream; Close neither closes nor detaches
// the channel.
func NewChanSource(ch chan scheduler.Notification) *ChanSource {
	return &ChanSource{ch: ch}
}

// Notifications implements Source.
func (c *ChanSource) Notifications() <-chan scheduler.Notification {
	return c.ch
}

// Close is a no-op; ChanSource does not own its channel.
func (c *ChanSource) Close() error { return nil }

// jsonNotification carries the bytes of one WebSocket message, unchanged.
type jsonNotification struct {
	raw json.RawMessage
}

func (n jsonNotification) Encode() ([]byte, error) {
	return n.raw, nil
}

// WSSource connects to an upstream WebSocket endpoint and republishes the
// bytes of each message as a notification; the bytes are not parsed or
// validated as JSON. Failed dials are retried with exponential backoff; a
// dropped connection is redialed after the initial backoff delay.
type WSSource struct {
	url    string
	logger *hostlog.Logger

	out    chan scheduler.Notification
	done   chan struct{}
	closed chan struct{}
}

// NewWSSource dials url in a background goroutine and begins forwarding
// frames immediately; connection errors are retried, not returned.
func NewWSSource(ctx context.Context, url string, logger *hostlog.Logger) *WSSource {
	s := &WSSource{
		url:    url,
		logger: logger,
		out:    make(chan scheduler.Notification, 64),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Notifications implements Source.
func (s *WSSource) Notifications() <-chan scheduler.Notification {
	return s.out
}

// Close stops the reconnect loop and waits for it to exit.
func (s *WSSource) Close() error {
	close(s.done)
	<-s.closed
	return nil
}

func (s *WSSource) run(ctx context.Context) {
	defer close(s.closed)

	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.logger.Warn(hostlog.ComponentScheduler, "notification source dial failed",
				zap.String("url", s.url), zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleepOrDone(s.done, backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		backoff = 500 * time.Millisecond
		s.readLoop(conn)
		conn.Close()

		if !sleepOrDone(s.done, backoff) {
			return
		}
	}
}

func (s *WSSource) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Warn(hostlog.ComponentScheduler, "notification source read failed", zap.Error(err))
			return
		}

		raw := make(json.RawMessage, len(data))
		copy(raw, data)

		select {
		case s.out <- jsonNotification{raw: raw}:
		case <-s.done:
			return
		}
	}
}

func sleepOrDone(done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-done:
		return false
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
