package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/guseggert/workerrpc/protocol"
	"go.uber.org/zap"
)

// Server is the remote side of a connection. It answers the host's initialize handshake and serves the channels
// registered with SetChannel.
type Server struct {
	log    *zap.SugaredLogger
	conn   Conn
	engine *protocol.Engine
	hook   func(ctx context.Context, id int, data any) error

	ctx    context.Context
	cancel context.CancelFunc

	initOnce    sync.Once
	initialized chan struct{}
	closeOnce   sync.Once
}

func NewServer(conn Conn, opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:         o.log.Named("server"),
		conn:        conn,
		hook:        o.onInitialize,
		ctx:         ctx,
		cancel:      cancel,
		initialized: make(chan struct{}),
	}
	s.engine = protocol.NewEngine(func(msg *protocol.Message, transfer [][]byte) error {
		return conn.Send(s.ctx, msg, transfer)
	}, o.engineOptions()...)
	s.engine.SetChannel(protocol.DefaultChannel, protocol.NewHandler().Method(protocol.InitializeMethod, s.initialize))
	return s
}

func (s *Server) initialize(ctx context.Context, id int, data any) error {
	s.engine.SetRemoteID(id)
	s.log.Debugw("initializing", "RemoteID", id)
	if s.hook != nil {
		if err := s.hook(ctx, id, data); err != nil {
			return fmt.Errorf("initialize hook: %w", err)
		}
	}
	s.initOnce.Do(func() { close(s.initialized) })
	return nil
}

func (s *Server) barrier(ctx context.Context) error {
	select {
	case <-s.initialized:
		return nil
	default:
	}
	select {
	case <-s.initialized:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initialized waits until the host's initialize request has been served.
func (s *Server) Initialized(ctx context.Context) error {
	return s.barrier(ctx)
}

// SetChannel registers a channel the host can call into.
func (s *Server) SetChannel(name string, ch protocol.Channel) error {
	if name == protocol.DefaultChannel {
		return protocol.ErrReservedChannel
	}
	s.engine.SetChannel(name, ch)
	return nil
}

// GetChannel returns a proxy for one of the host's channels. Its calls wait for the handshake.
func (s *Server) GetChannel(name string) *protocol.Proxy {
	return s.engine.Proxy(name, s.barrier)
}

// Serve reads messages until the host ends the connection, ctx is done, or the server is closed.
// It returns nil in all of those cases, and the read error otherwise.
func (s *Server) Serve(ctx context.Context) error {
	for {
		msg, err := s.conn.Receive(ctx)
		if errors.Is(err, protocol.ErrMalformedMessage) {
			s.log.Warnw("dropping malformed message", "Error", err)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil || s.ctx.Err() != nil {
				s.log.Debugw("serve stopped", "Error", err)
				return nil
			}
			return fmt.Errorf("receiving: %w", err)
		}
		s.engine.HandleMessage(msg)
	}
}

// Close disposes the engine and closes the connection. It is safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.engine.Dispose()
		err = s.conn.Close()
	})
	return err
}
