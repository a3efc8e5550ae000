// Package transport carries wire frames between nodes over plain TCP.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/zde37/simpledht/internal/wire"
	"github.com/zde37/simpledht/pkg"
)

// Handler processes one inbound message and optionally returns a reply.
type Handler interface {
	HandleMessage(ctx context.Context, msg *wire.Message) (*wire.Message, error)
}

// Server accepts peer connections and feeds their frames to a Handler, one
// frame at a time per connection.
type Server struct {
	handler      Handler
	address      string
	maxFrameSize int
	logger       *pkg.Logger

	listener net.Listener

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server for handler listening on address.
func NewServer(handler Handler, address string, maxFrameSize int, logger *pkg.Logger) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if maxFrameSize <= 0 {
		maxFrameSize = wire.DefaultMaxFrameSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler:      handler,
		address:      address,
		maxFrameSize: maxFrameSize,
		logger:       logger.WithFields(pkg.Fields{"component": "tcp_server"}),
		conns:        make(map[net.Conn]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start starts listening and accepting connections in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting TCP server")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("Accept failed")
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

// serveConn reads frames in order, hands each to the handler and writes any
// reply back on the same connection. A malformed frame ends the connection.
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	log := s.logger.WithFields(pkg.Fields{"remote": conn.RemoteAddr().String()})
	log.Debug().Msg("Peer connected")

	reader := bufio.NewReader(conn)
	for {
		msg, err := wire.ReadFrame(reader, s.maxFrameSize)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), s.ctx.Err() != nil:
				log.Debug().Msg("Peer disconnected")
			case errors.Is(err, pkg.ErrMalformedMessage):
				log.Warn().Err(err).Msg("Malformed frame, closing connection")
			default:
				log.Warn().Err(err).Msg("Connection read failed")
			}
			return
		}

		reply, err := s.handler.HandleMessage(s.ctx, msg)
		if err != nil {
			log.Warn().Err(err).Str("op", string(msg.Op)).Str("key", msg.Key).Msg("Failed to handle message")
			continue
		}
		if reply == nil {
			continue
		}

		if err := wire.WriteFrame(conn, reply); err != nil {
			log.Warn().Err(err).Str("op", string(reply.Op)).Msg("Failed to write reply")
			return
		}
	}
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to exit.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping TCP server")
	s.cancel()

	var err error
	if s.listener != nil {
		if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("failed to close listener: %w", cerr)
		}
	}

	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	return err
}
