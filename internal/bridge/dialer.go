package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callbridge/internal/reliability"
)

// Conn is one websocket leg. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens the agent leg.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// ChannelError is a transport failure on one leg.
type ChannelError struct {
	Leg  string
	Op   string
	Code int
	Err  error
}

func (e *ChannelError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s %s (status %d): %v", e.Leg, e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Leg, e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// WSDialer dials the agent websocket with a pre-issued credential header.
// Handshakes rejected with a retryable HTTP status are retried with capped
// backoff until ctx ends.
type WSDialer struct {
	URL         string
	Header      http.Header
	Dialer      *websocket.Dialer
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	ReadLimit   int64
}

func NewWSDialer(url, authHeader, credential string) *WSDialer {
	header := http.Header{}
	if authHeader != "" && credential != "" {
		header.Set(authHeader, credential)
	}
	return &WSDialer{
		URL:    url,
		Header: header,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   16 << 10,
			WriteBufferSize:  16 << 10,
		},
		MaxAttempts: 3,
		BaseBackoff: 150 * time.Millisecond,
		MaxBackoff:  time.Second,
		ReadLimit:   4 << 20,
	}
}

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	attempts := d.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(reliability.ExponentialBackoff(attempt-1, d.BaseBackoff, d.MaxBackoff))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, &ChannelError{Leg: "agent", Op: "dial", Err: ctx.Err()}
			case <-timer.C:
			}
		}

		conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
		if err == nil {
			if d.ReadLimit > 0 {
				conn.SetReadLimit(d.ReadLimit)
			}
			return conn, nil
		}

		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		lastErr = &ChannelError{Leg: "agent", Op: "dial", Code: status, Err: err}
		if ctx.Err() != nil || !reliability.IsRetryableHTTPStatus(status) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// closeDetails extracts the peer's close code and reason from a read error.
func closeDetails(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, ""
}
