package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/zde37/simpledht/internal/chord"
	"github.com/zde37/simpledht/internal/wire"
	"github.com/zde37/simpledht/pkg"
)

// Compile-time check to ensure Client implements chord.RemoteClient
var _ chord.RemoteClient = (*Client)(nil)

// maxIdlePerPeer caps the request connections kept open for reuse per peer.
const maxIdlePerPeer = 4

// peerConn is one connection to a peer. mu keeps frames whole on the stream.
type peerConn struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// Client talks to peers over two kinds of connection. Fire-and-forget frames
// share one persistent connection per peer, so they arrive in send order. A
// request owns a connection of its own until the reply arrives; finished
// request connections are kept idle for reuse.
type Client struct {
	logger       *pkg.Logger
	dialTimeout  time.Duration
	maxFrameSize int

	// Connection pool
	connections map[string]*peerConn
	connMu      sync.Mutex

	idle   map[string][]*peerConn
	idleMu sync.Mutex
	closed bool
}

// NewClient creates a new client.
func NewClient(logger *pkg.Logger, dialTimeout time.Duration, maxFrameSize int) *Client {
	if logger == nil {
		logger = pkg.NewNop()
	}
	if maxFrameSize <= 0 {
		maxFrameSize = wire.DefaultMaxFrameSize
	}

	return &Client{
		logger:       logger.WithFields(pkg.Fields{"component": "tcp_client"}),
		dialTimeout:  dialTimeout,
		maxFrameSize: maxFrameSize,
		connections:  make(map[string]*peerConn),
		idle:         make(map[string][]*peerConn),
	}
}

func (c *Client) dial(ctx context.Context, address string) (*peerConn, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return &peerConn{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// getConnection returns the persistent send connection to address, dialing one if needed.
func (c *Client) getConnection(ctx context.Context, address string) (*peerConn, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if pc, ok := c.connections[address]; ok {
		return pc, nil
	}

	pc, err := c.dial(ctx, address)
	if err != nil {
		return nil, err
	}
	c.connections[address] = pc
	c.logger.Debug().Str("address", address).Msg("Created new peer connection")
	return pc, nil
}

// evict drops a broken send connection so the next call dials afresh.
func (c *Client) evict(address string, pc *peerConn) {
	c.connMu.Lock()
	if cur, ok := c.connections[address]; ok && cur == pc {
		delete(c.connections, address)
	}
	c.connMu.Unlock()

	pc.conn.Close()
}

// takeRequestConn hands out an idle request connection, or dials a new one.
// reused reports whether the connection came from the idle pool.
func (c *Client) takeRequestConn(ctx context.Context, address string) (pc *peerConn, reused bool, err error) {
	c.idleMu.Lock()
	if c.closed {
		c.idleMu.Unlock()
		return nil, false, fmt.Errorf("client is closed")
	}
	if pool := c.idle[address]; len(pool) > 0 {
		pc = pool[len(pool)-1]
		c.idle[address] = pool[:len(pool)-1]
		c.idleMu.Unlock()
		return pc, true, nil
	}
	c.idleMu.Unlock()

	pc, err = c.dial(ctx, address)
	return pc, false, err
}

// releaseRequestConn parks a healthy request connection for reuse.
func (c *Client) releaseRequestConn(address string, pc *peerConn) {
	c.idleMu.Lock()
	if c.closed || len(c.idle[address]) >= maxIdlePerPeer {
		c.idleMu.Unlock()
		pc.conn.Close()
		return
	}
	c.idle[address] = append(c.idle[address], pc)
	c.idleMu.Unlock()
}

func (c *Client) idleCount(address string) int {
	c.idleMu.Lock()
	defer c.idleMu.Unlock()
	return len(c.idle[address])
}

// Send writes one frame to address and returns without waiting for a reply.
func (c *Client) Send(ctx context.Context, address string, msg *wire.Message) error {
	pc, err := c.getConnection(ctx, address)
	if err != nil {
		return err
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = pc.conn.SetWriteDeadline(deadline)
		defer pc.conn.SetWriteDeadline(time.Time{})
	}

	if err := wire.WriteFrame(pc.conn, msg); err != nil {
		c.evict(address, pc)
		return fmt.Errorf("send %s to %s: %w", msg.Op, address, err)
	}
	return nil
}

// Request writes one frame on a connection of its own and reads the reply
// frame. It gives up when ctx is done and closes the connection, because the
// stream position is then unknown.
func (c *Client) Request(ctx context.Context, address string, msg *wire.Message) (*wire.Message, error) {
	pc, reused, err := c.takeRequestConn(ctx, address)
	if err != nil {
		return nil, err
	}

	reply, err := c.roundTrip(ctx, address, pc, msg)
	if err != nil && reused && ctx.Err() == nil {
		// The peer may have closed the idle connection; queries are reads, so
		// one more attempt on a fresh connection is safe.
		c.logger.Debug().Err(err).Str("address", address).Msg("Idle connection failed, redialing")
		if pc, err = c.dial(ctx, address); err != nil {
			return nil, err
		}
		reply, err = c.roundTrip(ctx, address, pc, msg)
	}
	return reply, err
}

func (c *Client) roundTrip(ctx context.Context, address string, pc *peerConn, msg *wire.Message) (*wire.Message, error) {
	// The socket deadline only moves when ctx ends, so a timed-out read always
	// reports ctx.Err() rather than a bare i/o timeout.
	stop := context.AfterFunc(ctx, func() {
		_ = pc.conn.SetDeadline(time.Now())
	})

	if err := wire.WriteFrame(pc.conn, msg); err != nil {
		stop()
		pc.conn.Close()
		return nil, requestError(ctx, msg, address, err)
	}

	reply, err := wire.ReadFrame(pc.reader, c.maxFrameSize)
	if err != nil {
		stop()
		pc.conn.Close()
		return nil, requestError(ctx, msg, address, err)
	}

	if !stop() {
		// ctx ended as the reply arrived; the deadline is already in the past.
		pc.conn.Close()
		return reply, nil
	}
	c.releaseRequestConn(address, pc)
	return reply, nil
}

func requestError(ctx context.Context, msg *wire.Message, address string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("request %s to %s: %w", msg.Op, address, ctxErr)
	}
	return fmt.Errorf("request %s to %s: %w", msg.Op, address, err)
}

// Close closes all pooled connections.
func (c *Client) Close() error {
	c.connMu.Lock()
	for address, pc := range c.connections {
		if err := pc.conn.Close(); err != nil {
			c.logger.Warn().Err(err).Str("address", address).Msg("Error closing connection")
		}
		delete(c.connections, address)
	}
	c.connMu.Unlock()

	c.idleMu.Lock()
	c.closed = true
	for address, pool := range c.idle {
		for _, pc := range pool {
			pc.conn.Close()
		}
		delete(c.idle, address)
	}
	c.idleMu.Unlock()
	return nil
}
