package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Server accepts direct transport connections and hands their envelopes to a
// Responder.
type Server struct {
	listener  net.Listener
	responder *Responder
	log       *slog.Logger

	closing atomic.Bool
	wg      sync.WaitGroup
	mu      sync.Mutex
	conns   map[net.Conn]struct{}
}

func Listen(addr string, responder *Responder, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Server{
		listener:  listener,
		responder: responder,
		log:       log,
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("Starting enclave listener", "listenAddress", s.listener.Addr().String())
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) RunInBackground(ctx context.Context) {
	go func() {
		if err := s.Serve(ctx); err != nil {
			s.log.Error("Enclave listener failed", "err", err)
		}
	}()
}

// Close stops accepting, drops open connections and waits for their handlers.
func (s *Server) Close() error {
	if s.closing.Swap(true) {
		return nil
	}
	err := s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("Enclave listener stopped")
	return err
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	channels := make(map[uuid.UUID]struct{})
	defer func() {
		for id := range channels {
			s.responder.Drop(id)
		}
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		env, err := readEnvelope(conn)
		if err != nil {
			if !s.closing.Load() {
				s.log.Debug("Connection ended", slog.String("remote", conn.RemoteAddr().String()), "err", err)
			}
			return
		}
		channels[env.channelID()] = struct{}{}

		reply := s.responder.Handle(ctx, env)
		if err := writeEnvelope(conn, reply); err != nil {
			s.log.Debug("Failed to write reply", slog.String("remote", conn.RemoteAddr().String()), "err", err)
			return
		}
		if reply.Kind == kindClose || reply.Kind == kindAlert {
			return
		}
	}
}
