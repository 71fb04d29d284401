// Package transport is the client's Transport Connection: one WebSocket
// event stream to the server with an explicit lifecycle and bounded
// automatic reconnection. It reports everything through callbacks that are
// handed to a poster (normally the client event loop), never by blocking or
// panicking across the event boundary.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/sync/singleflight"

	"github.com/projecthub/realtime/internal/protocol"
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrNotConnected is returned by Send when there is no live stream.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrRetriesExhausted is reported once every connection attempt in a
	// round has failed. No further automatic retry happens after it.
	ErrRetriesExhausted = errors.New("transport: retries exhausted")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("transport: closed")
)

// Config holds transport tuning.
type Config struct {
	URL          string        // ws:// or wss:// endpoint, e.g. ws://host:8080/ws
	Token        string        // bearer token from the established session
	Retries      int           // extra attempts after the first failure
	RetryDelay   time.Duration // fixed wait between attempts
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns defaults for everything except URL and Token.
func DefaultConfig() Config {
	return Config{
		Retries:      5,
		RetryDelay:   2 * time.Second,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Handlers are the transport's outbound callbacks. Any of them may be nil.
type Handlers struct {
	OnState func(State)
	OnEvent func(msgType string, msg interface{})
	OnError func(error)
}

// Transport owns one connection to the server.
type Transport struct {
	cfg      Config
	handlers Handlers
	post     func(func())
	dialer   ws.Dialer
	sf       singleflight.Group

	mu     sync.Mutex
	state  State
	conn   net.Conn
	closed bool
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
}

// New creates a Transport in the Disconnected state. post schedules a
// callback; pass the event loop's Post, or nil to invoke callbacks inline.
func New(cfg Config, handlers Handlers, post func(func())) *Transport {
	if post == nil {
		post = func(fn func()) { fn() }
	}
	ctx, cancel := context.WithCancel(context.Background())

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	return &Transport{
		cfg:      cfg,
		handlers: handlers,
		post:     post,
		dialer: ws.Dialer{
			Header:  ws.HandshakeHeaderHTTP(header),
			Timeout: cfg.DialTimeout,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect establishes the stream. It returns immediately when already
// connected, and concurrent callers share a single in-flight attempt. The
// initial connect uses the same retry budget as reconnection.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		// Reopening after an explicit Close starts a fresh lifecycle.
		t.closed = false
		t.ctx, t.cancel = context.WithCancel(context.Background())
	}
	connected := t.state == Connected
	t.mu.Unlock()
	if connected {
		return nil
	}

	_, err, _ := t.sf.Do("connect", func() (interface{}, error) {
		return nil, t.connect(ctx, Connecting)
	})
	return err
}

// connect runs one round of attempts, entering the given state first.
func (t *Transport) connect(ctx context.Context, entering State) error {
	t.mu.Lock()
	if t.state == Connected {
		t.mu.Unlock()
		return nil
	}
	base := t.ctx
	t.mu.Unlock()
	t.setState(entering)

	var lastErr error
	for attempt := 0; attempt <= t.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(t.cfg.RetryDelay):
			case <-ctx.Done():
				return t.fail(ctx.Err())
			case <-base.Done():
				return ErrClosed
			}
		}

		conn, rd, err := t.dial(ctx)
		if err == nil {
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				conn.Close()
				return ErrClosed
			}
			t.conn = conn
			t.mu.Unlock()

			log.Printf("[transport] connected url=%s attempt=%d", t.cfg.URL, attempt+1)
			t.setState(Connected)
			go t.readLoop(conn, rd)
			return nil
		}

		lastErr = err
		log.Printf("[transport] connect attempt=%d/%d failed: %v", attempt+1, t.cfg.Retries+1, err)
		if base.Err() != nil {
			return ErrClosed
		}
	}
	return t.fail(fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr))
}

func (t *Transport) fail(err error) error {
	t.setState(Disconnected)
	t.report(err)
	return err
}

func (t *Transport) dial(ctx context.Context) (net.Conn, io.Reader, error) {
	conn, br, _, err := t.dialer.Dial(ctx, t.cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	if br != nil {
		return conn, br, nil
	}
	return conn, conn, nil
}

// Close tears the connection down. No reconnection follows.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.cancel()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.setState(Disconnected)
	return err
}

// Send encodes and writes a client event.
func (t *Transport) Send(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", msgType, err)
	}

	t.mu.Lock()
	conn := t.conn
	ok := t.state == Connected
	t.mu.Unlock()
	if !ok || conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := wsutil.WriteClientText(conn, data); err != nil {
		return fmt.Errorf("transport: write %s: %w", msgType, err)
	}
	return nil
}

// lockedWriter serializes pong replies written by the read loop with Send.
type lockedWriter struct {
	t    *Transport
	conn net.Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.t.writeMu.Lock()
	defer w.t.writeMu.Unlock()
	return w.conn.Write(p)
}

func (t *Transport) readLoop(conn net.Conn, rd io.Reader) {
	rw := struct {
		io.Reader
		io.Writer
	}{rd, lockedWriter{t: t, conn: conn}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			t.lost(conn, err)
			return
		}

		msgType, msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			log.Printf("[transport] bad server event: %v", err)
			continue
		}
		if msg == nil {
			// Unknown server event, tolerated.
			continue
		}
		if h := t.handlers.OnEvent; h != nil {
			t.post(func() { h(msgType, msg) })
		}
	}
}

// lost handles a dropped stream: unless it was closed on purpose, a
// reconnection round starts.
func (t *Transport) lost(conn net.Conn, err error) {
	t.mu.Lock()
	if t.closed || t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.state = Reconnecting
	base := t.ctx
	t.mu.Unlock()
	conn.Close()

	log.Printf("[transport] connection lost: %v", err)
	t.notifyState(Reconnecting)

	go func() {
		// A Do that joined an attempt already finishing leaves the state at
		// Reconnecting, so go again.
		for t.State() == Reconnecting && base.Err() == nil {
			_, _, _ = t.sf.Do("connect", func() (interface{}, error) {
				return nil, t.connect(base, Reconnecting)
			})
		}
	}()
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
	t.notifyState(s)
}

func (t *Transport) notifyState(s State) {
	if h := t.handlers.OnState; h != nil {
		t.post(func() { h(s) })
	}
}

func (t *Transport) report(err error) {
	if h := t.handlers.OnError; h != nil {
		t.post(func() { h(err) })
	}
}
