// Package backend maintains the connector's single control-plane
// connection to the competition service: a Unix stream socket carrying
// NUL-framed JSON records. Tagged requests are correlated with their
// responses through one-shot channels; untagged records are asynchronous
// events dispatched to a registered handler. One background task owns the
// socket and re-dials it forever.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/fkm-protocol/connector-go/pkg/transport"
	"github.com/fkm-protocol/connector-go/pkg/wire"
)

// Client defaults.
const (
	// DefaultRequestTimeout bounds the wait for a tagged response.
	DefaultRequestTimeout = 7500 * time.Millisecond

	// DefaultRedialDelay is the pause between reconnect attempts.
	DefaultRedialDelay = 500 * time.Millisecond
)

// Client errors.
var (
	// ErrSendFailed indicates the request could not be enqueued.
	ErrSendFailed = errors.New("send failed")

	// ErrTimeout indicates no response arrived within the bound.
	ErrTimeout = errors.New("request timed out")

	// ErrClosed indicates the client has been shut down.
	ErrClosed = errors.New("client closed")
)

// PeerError is a back-end failure answering a tagged request.
type PeerError struct {
	Message         string
	ShouldResetTime bool
}

// Error returns the back-end's message.
func (e *PeerError) Error() string {
	return e.Message
}

// EventHandler receives untagged records. Handlers run on the socket
// reader and must not block it for longer than the request timeout, or
// tagged calls start expiring behind them.
type EventHandler interface {
	HandleEvent(data wire.ResponseData)
}

// Config configures a Client.
type Config struct {
	// Path is the Unix socket path of the back-end.
	Path string

	// Handler receives untagged events. Required.
	Handler EventHandler

	// RequestTimeout bounds tagged calls (default: 7.5s).
	RequestTimeout time.Duration

	// RedialDelay is the pause between reconnect attempts (default: 500ms).
	RedialDelay time.Duration

	// Logger for connection lifecycle events (default: slog.Default()).
	Logger *slog.Logger
}

// Client is the control-plane multiplexer. Create with New, start with
// Run, then call SendTagged/SendAsync from any goroutine.
type Client struct {
	cfg Config

	mu      sync.Mutex
	pending map[uint32]chan *wire.Response
	queue   []*wire.Request
	wake    chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a client. Run must be called before requests complete.
func New(cfg Config) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RedialDelay == 0 {
		cfg.RedialDelay = DefaultRedialDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		cfg:     cfg,
		pending: make(map[uint32]chan *wire.Response),
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

// SendTagged sends a request under a fresh random tag and awaits the
// correlated response. Peer failures surface as *PeerError; a missing
// payload decodes as wire.Empty.
func (c *Client) SendTagged(ctx context.Context, data wire.RequestData) (wire.ResponseData, error) {
	tag := rand.Uint32()
	ch := make(chan *wire.Response, 1)

	c.mu.Lock()
	// Collisions are vanishingly rare across a 32-bit space, but a
	// clobbered completion would strand a caller; re-roll instead.
	for {
		if _, exists := c.pending[tag]; !exists {
			break
		}
		tag = rand.Uint32()
	}
	c.pending[tag] = ch
	c.queue = append(c.queue, &wire.Request{Tag: &tag, Data: data})
	c.mu.Unlock()

	c.kick()

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return interpret(resp)
	case <-timer.C:
		c.forget(tag)
		return nil, fmt.Errorf("%w after %s", ErrTimeout, c.cfg.RequestTimeout)
	case <-ctx.Done():
		c.forget(tag)
		return nil, ctx.Err()
	case <-c.closed:
		c.forget(tag)
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, ErrClosed)
	}
}

// SendAsync enqueues a fire-and-forget request.
func (c *Client) SendAsync(data wire.RequestData) error {
	select {
	case <-c.closed:
		return fmt.Errorf("%w: %v", ErrSendFailed, ErrClosed)
	default:
	}

	c.mu.Lock()
	c.queue = append(c.queue, &wire.Request{Data: data})
	c.mu.Unlock()

	c.kick()
	return nil
}

// Run owns the socket until ctx is cancelled: dial, serve, sleep, redial.
// Pending tagged requests simply time out during an outage.
func (c *Client) Run(ctx context.Context) {
	defer c.close()

	for {
		conn, err := net.Dial("unix", c.cfg.Path)
		if err != nil {
			c.cfg.Logger.Warn("backend dial failed", "path", c.cfg.Path, "error", err)
		} else {
			c.cfg.Logger.Info("backend connected", "path", c.cfg.Path)
			err = c.serve(ctx, conn)
			if err != nil && ctx.Err() == nil {
				c.cfg.Logger.Error("backend connection lost", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.RedialDelay):
		}
	}
}

// serve pumps one connection until it fails or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(conn)
	}()

	writer := transport.NewRecordWriter(conn)
	for {
		req := c.dequeue()
		for req != nil {
			data, err := wire.EncodeRequest(req)
			if err != nil {
				// Unencodable request: drop it, not the connection.
				c.cfg.Logger.Error("dropping unencodable request", "error", err)
			} else if err := writer.WriteRecord(data); err != nil {
				c.requeueFront(req)
				return err
			}
			req = c.dequeue()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-c.wake:
		}
	}
}

// readLoop decodes inbound records, completing tagged calls and
// dispatching untagged events in arrival order.
func (c *Client) readLoop(conn net.Conn) error {
	reader := transport.NewRecordReader(conn)
	for {
		data, err := reader.ReadRecord()
		if err != nil {
			return err
		}

		resp, err := wire.DecodeResponse(data)
		if err != nil {
			c.cfg.Logger.Error("undecodable backend record", "error", err)
			continue
		}

		if resp.Tag != nil {
			c.complete(*resp.Tag, resp)
			continue
		}

		if c.cfg.Handler != nil {
			// Serial dispatch; handler errors are the handler's problem
			// and never terminate the multiplexer.
			c.cfg.Handler.HandleEvent(resp.Data)
		}
	}
}

// complete delivers a tagged response. Late responses whose caller
// already timed out are dropped silently.
func (c *Client) complete(tag uint32, resp *wire.Response) {
	c.mu.Lock()
	ch, ok := c.pending[tag]
	if ok {
		delete(c.pending, tag)
	}
	c.mu.Unlock()

	if ok {
		ch <- resp
	}
}

func (c *Client) forget(tag uint32) {
	c.mu.Lock()
	delete(c.pending, tag)
	c.mu.Unlock()
}

func (c *Client) dequeue() *wire.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return nil
	}
	req := c.queue[0]
	c.queue = c.queue[1:]
	return req
}

func (c *Client) requeueFront(req *wire.Request) {
	c.mu.Lock()
	c.queue = append([]*wire.Request{req}, c.queue...)
	c.mu.Unlock()
}

// kick nudges the writer without blocking.
func (c *Client) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// interpret maps a completed response to the caller's result: an error
// payload becomes *PeerError, a missing payload becomes wire.Empty.
func interpret(resp *wire.Response) (wire.ResponseData, error) {
	if resp.Error != nil && *resp.Error {
		if e, ok := resp.Data.(wire.ErrorData); ok {
			return nil, &PeerError{Message: e.Message, ShouldResetTime: e.ShouldResetTime}
		}
		return nil, &PeerError{Message: "operation failed"}
	}

	if resp.Data == nil {
		return wire.Empty{}, nil
	}
	return resp.Data, nil
}
