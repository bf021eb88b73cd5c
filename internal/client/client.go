// Package client implements the resolver's reconnecting client: a single
// task that owns one connection to the resolver, multiplexes a
// request queue over it, reconnects with linear backoff on any transport
// failure, heartbeats to keep a writer's TTL alive, and transparently
// republishes a writer's paths after a server-observed TTL expiry.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"odin-resolver/internal/metrics"
	"odin-resolver/internal/path"
	"odin-resolver/internal/protocol"
)

// Mode selects the role a Client presents at hello time.
type Mode int

const (
	ModeReadOnly Mode = iota
	ModeReadWrite
)

// Config parametrizes a Client.
type Config struct {
	ResolverAddr string
	Mode         Mode

	// TTL is the writer's requested hello TTL (ReadWrite only) and also
	// governs this client's heartbeat period (TTL/2) regardless of mode.
	TTL time.Duration

	// WriteAddr is the endpoint this writer advertises (ReadWrite only).
	WriteAddr protocol.Endpoint

	// Linger is the idle period after which a connection may be dropped.
	Linger time.Duration

	DialTimeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Registry
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 600 * time.Second
	}
	if c.Linger <= 0 {
		c.Linger = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// ErrShutdown is returned to callers whose request was outstanding (queued
// or in flight) when the Client was shut down.
var ErrShutdown = errors.New("resolver client: shut down")

type pendingRequest struct {
	req   protocol.ToResolver
	reply chan pendingResult
}

type pendingResult struct {
	resp protocol.FromResolver
	err  error
}

// Client is the reconnecting client state machine. It owns exactly one
// connection and one background goroutine; all socket I/O happens on that
// goroutine, so a socket is never shared between tasks.
type Client struct {
	cfg Config

	queue chan *pendingRequest
	done  chan struct{}

	mu             sync.Mutex
	publishedPaths map[path.Path]struct{}
}

// New constructs a Client. Call Start to begin its background goroutine.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:            cfg,
		queue:          make(chan *pendingRequest),
		done:           make(chan struct{}),
		publishedPaths: make(map[path.Path]struct{}),
	}
}

// Start launches the client's event loop. It returns immediately; the loop
// runs until ctx is cancelled, at which point outstanding and subsequently
// enqueued requests fail with ErrShutdown.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

// Done is closed once the event loop has exited (ctx cancelled and cleanup
// complete).
func (c *Client) Done() <-chan struct{} { return c.done }

// enqueue submits req and blocks for its response, honoring ctx for the
// caller's own cancellation (distinct from the Client's lifetime context
// passed to Start).
func (c *Client) enqueue(ctx context.Context, req protocol.ToResolver) (protocol.FromResolver, error) {
	preq := &pendingRequest{req: req, reply: make(chan pendingResult, 1)}
	select {
	case c.queue <- preq:
	case <-c.done:
		return protocol.FromResolver{}, ErrShutdown
	case <-ctx.Done():
		return protocol.FromResolver{}, ctx.Err()
	}
	select {
	case res := <-preq.reply:
		return res.resp, res.err
	case <-ctx.Done():
		return protocol.FromResolver{}, ctx.Err()
	}
}

// snapshotPublished returns a copy of the currently tracked published set.
func (c *Client) snapshotPublished() []path.Path {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]path.Path, 0, len(c.publishedPaths))
	for p := range c.publishedPaths {
		out = append(out, p)
	}
	return out
}

func (c *Client) mergePublished(paths []path.Path) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range paths {
		c.publishedPaths[p] = struct{}{}
	}
}

func (c *Client) removePublished(paths []path.Path) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range paths {
		delete(c.publishedPaths, p)
	}
}

// run is the single cooperative event loop: a heartbeat timer, an
// idle/linger timer, and the request queue. It is the only goroutine that
// ever touches the connection.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	var conn *protocol.FramedConn
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()

	heartbeat := time.NewTicker(c.cfg.TTL / 2)
	defer heartbeat.Stop()

	idle := time.NewTimer(c.cfg.Linger)
	defer idle.Stop()
	resetIdle := func() {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(c.cfg.Linger)
	}

	for {
		select {
		case <-ctx.Done():
			c.drainShutdown()
			return

		case <-heartbeat.C:
			if conn == nil {
				newConn, err := c.connect(ctx)
				if err != nil {
					if ctx.Err() != nil {
						c.drainShutdown()
						return
					}
					c.cfg.Logger.Debug("heartbeat reconnect failed", zap.Error(err))
					continue
				}
				conn = newConn
				resetIdle()
				continue
			}
			// With a live connection, every tick sends a List("/") so the
			// server sees activity within TTL, whether or not other traffic
			// happened this period.
			if err := c.keepalive(conn); err != nil {
				_ = conn.Close()
				conn = nil
			} else {
				resetIdle()
			}

		case <-idle.C:
			if conn != nil {
				c.cfg.Logger.Debug("closing idle resolver connection")
				_ = conn.Close()
				conn = nil
			}
			idle.Reset(c.cfg.Linger)

		case preq := <-c.queue:
			resetIdle()
			conn = c.dispatch(ctx, conn, preq)
			if ctx.Err() != nil {
				c.drainShutdown()
				return
			}
		}
	}
}

// drainShutdown fails every request still sitting in the queue once the
// event loop is exiting; requests already in flight were already failed by
// dispatch's own ctx check.
func (c *Client) drainShutdown() {
	for {
		select {
		case preq := <-c.queue:
			preq.reply <- pendingResult{err: ErrShutdown}
		default:
			return
		}
	}
}

// keepalive sends a self-contained request that touches the server's
// last-seen clock without altering any state, tolerating errors the same
// way any other dispatch would.
func (c *Client) keepalive(conn *protocol.FramedConn) error {
	if err := conn.Encode(protocol.ListRequest("/")); err != nil {
		return err
	}
	var resp protocol.FromResolver
	return conn.Decode(&resp)
}

// dispatch sends preq on conn (connecting first if conn is nil), retrying
// on any failure by reconnecting and resending. This retry is unbounded,
// so requests are effectively blocking until success or shutdown. It
// returns the (possibly new, possibly nil on shutdown) connection for the
// caller to keep using.
func (c *Client) dispatch(ctx context.Context, conn *protocol.FramedConn, preq *pendingRequest) *protocol.FramedConn {
	for {
		if ctx.Err() != nil {
			preq.reply <- pendingResult{err: ErrShutdown}
			return conn
		}
		if conn == nil {
			newConn, err := c.connect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					preq.reply <- pendingResult{err: ErrShutdown}
					return nil
				}
				continue
			}
			conn = newConn
		}

		if err := conn.Encode(preq.req); err != nil {
			_ = conn.Close()
			conn = nil
			continue
		}
		var resp protocol.FromResolver
		if err := conn.Decode(&resp); err != nil {
			_ = conn.Close()
			conn = nil
			continue
		}

		switch preq.req.Kind {
		case protocol.ReqPublish:
			if !resp.IsError() {
				c.mergePublished(preq.req.Paths)
			}
		case protocol.ReqUnpublish:
			if !resp.IsError() {
				c.removePublished(preq.req.Paths)
			}
		}
		preq.reply <- pendingResult{resp: resp}
		return conn
	}
}

// connect dials the resolver, performs the hello handshake, and (if the
// server reports ttl_expired) republishes the tracked path set before the
// connection is handed back as usable. Failures retry with linear backoff:
// the N-th consecutive failure sleeps N seconds.
func (c *Client) connect(ctx context.Context) (*protocol.FramedConn, error) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		conn, err := c.dialAndHandshake(ctx)
		if err == nil {
			failures = 0
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.ClientReconnects.Inc()
			}
			return conn, nil
		}

		failures++
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ClientReconnectFail.Inc()
		}
		c.cfg.Logger.Warn("resolver connect failed",
			zap.Error(err), zap.Int("consecutive_failures", failures))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(failures) * time.Second):
		}
	}
}

func (c *Client) dialAndHandshake(ctx context.Context) (*protocol.FramedConn, error) {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.cfg.ResolverAddr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn := protocol.NewFramedConn(rawConn)

	hello := c.helloForMode()
	if err := conn.Encode(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	var serverHello protocol.ServerHello
	if err := conn.Decode(&serverHello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read server hello: %w", err)
	}

	if c.cfg.Mode == ModeReadWrite && serverHello.TTLExpired {
		if err := c.republish(conn); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("republish: %w", err)
		}
	}
	return conn, nil
}

func (c *Client) helloForMode() protocol.ClientHello {
	if c.cfg.Mode == ModeReadWrite {
		return protocol.ReadWriteHello(int64(c.cfg.TTL/time.Second), c.cfg.WriteAddr)
	}
	return protocol.ReadOnlyHello()
}

// republish reissues Publish for every path currently tracked as owned by
// this writer, only considering the connection usable once the server has
// acknowledged it with a Published response.
func (c *Client) republish(conn *protocol.FramedConn) error {
	paths := c.snapshotPublished()
	if len(paths) == 0 {
		return nil
	}
	if err := conn.Encode(protocol.PublishRequest(paths...)); err != nil {
		return err
	}
	var resp protocol.FromResolver
	if err := conn.Decode(&resp); err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("server rejected republish: %s", resp.Error)
	}
	if resp.Kind != protocol.RespPublished {
		return fmt.Errorf("unexpected republish response kind %q", resp.Kind)
	}
	return nil
}
