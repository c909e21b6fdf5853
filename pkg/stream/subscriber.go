// Package stream maintains the persistent user-events subscription for the
// target account and delivers decoded updates in receive order.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/zeromicro/go-zero/core/logx"
)

const (
	mainnetWSURL = "wss://api.hyperliquid.xyz/ws"
	testnetWSURL = "wss://api.hyperliquid-testnet.xyz/ws"

	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second

	defaultMaxFailures = 10
	defaultBufferSize  = 256
)

// ErrTooManyFailures is returned by Run when consecutive reconnect cycles
// exceed the configured limit.
var ErrTooManyFailures = errors.New("stream: too many consecutive connection failures")

// Subscriber owns the websocket connection. Updates are delivered on a
// single channel in receive order; after any reconnect a Resync marker is
// emitted before further frames.
type Subscriber struct {
	url         string
	user        string
	dialer      *websocket.Dialer
	maxFailures int
	out         chan Update
}

// Option customises the subscriber.
type Option func(*Subscriber)

// WithURL overrides the websocket endpoint (primarily for testing).
func WithURL(url string) Option {
	return func(s *Subscriber) {
		if url != "" {
			s.url = url
		}
	}
}

// WithMaxFailures sets how many consecutive failed connection cycles are
// tolerated before Run gives up.
func WithMaxFailures(n int) Option {
	return func(s *Subscriber) {
		if n > 0 {
			s.maxFailures = n
		}
	}
}

// New constructs a subscriber for the given user address.
func New(user string, testnet bool, opts ...Option) *Subscriber {
	s := &Subscriber{
		url:         mainnetWSURL,
		user:        user,
		dialer:      websocket.DefaultDialer,
		maxFailures: defaultMaxFailures,
		out:         make(chan Update, defaultBufferSize),
	}
	if testnet {
		s.url = testnetWSURL
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Updates returns the delivery channel. It is closed when Run returns.
func (s *Subscriber) Updates() <-chan Update { return s.out }

// Run connects, subscribes and pumps frames until ctx is canceled or the
// reconnect policy is exhausted. Reconnects back off from 1 s doubling up to
// 60 s with jitter.
func (s *Subscriber) Run(ctx context.Context) error {
	defer close(s.out)

	retry := &backoff.Backoff{
		Min:    time.Second,
		Max:    60 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	failures := 0
	connectedBefore := false

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delivered, err := s.connectAndPump(ctx, connectedBefore)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered {
			connectedBefore = true
			failures = 0
			retry.Reset()
		} else {
			failures++
			if failures >= s.maxFailures {
				return fmt.Errorf("%w after %d attempts: %v", ErrTooManyFailures, failures, err)
			}
		}
		wait := retry.Duration()
		logx.Errorf("stream: connection lost (%v), reconnecting in %s", err, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// connectAndPump runs one connection lifetime. It reports whether any frame
// was delivered, which resets the failure budget.
func (s *Subscriber) connectAndPump(ctx context.Context, reconnect bool) (bool, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	sub := map[string]interface{}{
		"method": "subscribe",
		"subscription": map[string]string{
			"type": "userEvents",
			"user": s.user,
		},
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	logx.Infof("stream: subscribed to userEvents for %s", s.user)

	// The consumer must refresh its snapshot before applying post-gap
	// frames.
	if reconnect {
		if err := s.deliver(ctx, Update{Resync: true}); err != nil {
			return false, err
		}
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(conn, pingDone)

	delivered := false
	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return delivered, fmt.Errorf("read: %w", err)
		}
		var frame wireFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			logx.Errorf("stream: drop undecodable frame: %v", err)
			continue
		}
		switch frame.Channel {
		case "user", "userEvents":
			update, err := decodeUserEvents(frame.Data)
			if err != nil {
				logx.Errorf("stream: drop undecodable user events: %v", err)
				continue
			}
			if update.IsEmpty() {
				continue
			}
			if err := s.deliver(ctx, update); err != nil {
				return delivered, err
			}
			delivered = true
		case "subscriptionResponse":
			delivered = true
		case "pong", "":
			// keepalive noise
		default:
			logx.Slowf("stream: ignoring frame on channel %q", frame.Channel)
		}
	}
}

func (s *Subscriber) deliver(ctx context.Context, update Update) error {
	select {
	case s.out <- update:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscriber) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(map[string]string{"method": "ping"}); err != nil {
				return
			}
		}
	}
}
