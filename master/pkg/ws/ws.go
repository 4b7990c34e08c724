// Package ws carries typed JSON messages over a gorilla websocket, one message per frame.
package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	defaultPingInterval = 15 * time.Second
	defaultPongWait     = time.Minute
	closeWait           = 5 * time.Second
	inboxSize           = 64
	outboxSize          = 64
	// Task descriptors and function arguments are small; file contents travel over HTTP.
	defaultMaxMessageSize = 16 * 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Options tune a Conn. The zero value is usable.
type Options struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	return o
}

// Conn is a thread-safe, typed wrapper around a *websocket.Conn. Messages of type TIn are decoded
// from incoming frames onto Inbox; values put on Outbox are encoded and written in order.
type Conn[TIn, TOut any] struct {
	log  *logrus.Entry
	conn *websocket.Conn
	opts Options

	cancel    context.CancelFunc
	mu        sync.Mutex
	err       *multierror.Error
	closeOnce sync.Once
	closeErr  error

	// Done is closed once both pumps exit. Close must still be called.
	Done <-chan struct{}
	// Inbox receives decoded messages and is closed when the read pump exits.
	Inbox <-chan TIn
	// Outbox accepts messages to send.
	Outbox chan<- TOut
}

// Upgrade upgrades the request in c to a websocket and wraps it.
func Upgrade[TIn, TOut any](c echo.Context, name string, opts Options) (*Conn[TIn, TOut], error) {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "upgrading connection")
	}
	return Wrap[TIn, TOut](name, conn, opts), nil
}

// Dial opens a websocket to url and wraps it.
func Dial[TIn, TOut any](
	ctx context.Context, url string, name string, opts Options,
) (*Conn[TIn, TOut], error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", url)
	}
	return Wrap[TIn, TOut](name, conn, opts), nil
}

// Wrap takes ownership of conn and starts its read and write pumps.
func Wrap[TIn, TOut any](name string, conn *websocket.Conn, opts Options) *Conn[TIn, TOut] {
	ctx, cancel := context.WithCancel(context.Background())
	inbox := make(chan TIn, inboxSize)
	outbox := make(chan TOut, outboxSize)
	done := make(chan struct{})

	c := &Conn[TIn, TOut]{
		log: logrus.WithFields(logrus.Fields{
			"component":   "ws",
			"name":        name,
			"remote-addr": conn.RemoteAddr(),
		}),
		conn:   conn,
		opts:   opts.withDefaults(),
		cancel: cancel,
		Done:   done,
		Inbox:  inbox,
		Outbox: outbox,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.readPump(ctx, inbox); err != nil {
			c.fail(errors.Wrap(err, "read pump"))
		}
	}()
	go func() {
		defer wg.Done()
		if err := c.writePump(ctx, outbox); err != nil {
			c.fail(errors.Wrap(err, "write pump"))
		}
	}()
	go func() {
		wg.Wait()
		close(done)
	}()
	return c
}

// Err returns the errors the pumps exited with, if any.
func (c *Conn[TIn, TOut]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err.ErrorOrNil()
}

// Wait blocks until both pumps exit and returns Err.
func (c *Conn[TIn, TOut]) Wait() error {
	<-c.Done
	return c.Err()
}

// Close sends a close frame, waits briefly for the peer to answer, then drops the connection.
func (c *Conn[TIn, TOut]) Close() error {
	c.closeOnce.Do(func() {
		var errs *multierror.Error
		if err := c.closeGracefully(); err != nil {
			errs = multierror.Append(errs, err)
			c.log.WithError(err).Debug("graceful close failed, closing forcibly")
			c.cancel()
			if err := c.conn.Close(); err != nil {
				errs = multierror.Append(errs, errors.Wrap(err, "closing conn"))
			}
			<-c.Done
		}
		c.closeErr = errs.ErrorOrNil()
	})
	return c.closeErr
}

func (c *Conn[TIn, TOut]) readPump(ctx context.Context, inbox chan<- TIn) error {
	defer c.cancel()
	defer close(inbox)

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	}
	if err := extend(); err != nil {
		return errors.Wrap(err, "setting read deadline")
	}
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		typ, frame, err := c.conn.ReadMessage()
		switch {
		case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "reading frame")
		case typ != websocket.TextMessage:
			return errors.Errorf("unexpected frame type %d", typ)
		case ctx.Err() != nil:
			// Closing: drain until the peer's close frame arrives.
			continue
		}

		var msg TIn
		if err := json.Unmarshal(frame, &msg); err != nil {
			return errors.Wrap(err, "decoding frame")
		}
		select {
		case inbox <- msg:
		case <-ctx.Done():
		}
	}
}

func (c *Conn[TIn, TOut]) writePump(ctx context.Context, outbox <-chan TOut) error {
	defer c.cancel()

	ping := time.NewTicker(c.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-outbox:
			frame, err := json.Marshal(msg)
			if err != nil {
				return errors.Wrap(err, "encoding frame")
			}
			if int64(len(frame)) > c.opts.MaxMessageSize {
				return errors.Errorf("frame of %d bytes exceeds limit %d", len(frame), c.opts.MaxMessageSize)
			}
			switch err := c.conn.WriteMessage(websocket.TextMessage, frame); {
			case errors.Is(err, websocket.ErrCloseSent):
				return nil
			case err != nil:
				return errors.Wrap(err, "writing frame")
			}
		case <-ping.C:
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.PongWait))
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
			case errors.Is(err, websocket.ErrCloseSent):
				return nil
			case err != nil:
				return errors.Wrap(err, "writing ping")
			}
		}
	}
}

func (c *Conn[TIn, TOut]) closeGracefully() error {
	c.cancel()
	deadline := time.Now().Add(closeWait)
	c.conn.SetPongHandler(nil)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return errors.Wrap(err, "setting close deadline")
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing")
	err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return errors.Wrap(err, "writing close frame")
	}
	<-c.Done
	return errors.Wrap(c.conn.Close(), "closing conn")
}

func (c *Conn[TIn, TOut]) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = multierror.Append(c.err, err)
}
