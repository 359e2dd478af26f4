package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tracker-svr/internal/link"
	"tracker-svr/internal/protocol"
)

// Protocol describes one listener: name, bind address and decoder factory.
type Protocol struct {
	Name    string
	Addr    string
	Factory protocol.Factory
}

// Processor recibe cada mensaje decodificado, en orden, por conexión.
type Processor interface {
	Process(proto, remote string, msg protocol.Message) bool
}

type DeviceNotifier interface {
	SendDevice(info link.DeviceInfo)
}

type RawSink interface {
	Write(proto, remote, sessionID string, data []byte) error
}

type HealthReporter interface {
	SetServing(service string, serving bool)
}

type Options struct {
	// IdleTimeout closes connections silent for that long; 0 disables it.
	IdleTimeout time.Duration
	Notifier    DeviceNotifier
	RawLog      RawSink
	Health      HealthReporter
}

type ListenerBindError struct {
	Protocol string
	Addr     string
	Err      error
}

func (e *ListenerBindError) Error() string {
	return fmt.Sprintf("bind %s listener on %s: %v", e.Protocol, e.Addr, e.Err)
}

func (e *ListenerBindError) Unwrap() error { return e.Err }

type listener struct {
	proto Protocol
	ln    net.Listener
}

// Server owns one TCP listener per protocol and the live sessions.
type Server struct {
	protocols []Protocol
	proc      Processor
	opts      Options
	logger    zerolog.Logger

	listeners []listener
	sessions  cmap.ConcurrentMap[string, *Session]
	wg        sync.WaitGroup
}

func New(protocols []Protocol, proc Processor, opts Options, logger zerolog.Logger) *Server {
	return &Server{
		protocols: protocols,
		proc:      proc,
		opts:      opts,
		logger:    logger.With().Str("component", "tcp").Logger(),
		sessions:  cmap.New[*Session](),
	}
}

// Bind opens every listener before anything is served. On the first
// failure the listeners already bound are closed.
func (s *Server) Bind() error {
	for _, p := range s.protocols {
		ln, err := net.Listen("tcp", p.Addr)
		if err != nil {
			s.closeListeners()
			return &ListenerBindError{Protocol: p.Name, Addr: p.Addr, Err: err}
		}
		s.listeners = append(s.listeners, listener{proto: p, ln: ln})
		s.logger.Info().Str("protocol", p.Name).Str("addr", ln.Addr().String()).Msg("listening")
	}
	return nil
}

// Addr returns the bound address of proto, nil if not bound.
func (s *Server) Addr(proto string) net.Addr {
	for _, l := range s.listeners {
		if l.proto.Name == proto {
			return l.ln.Addr()
		}
	}
	return nil
}

func (s *Server) Sessions() int {
	return s.sessions.Count()
}

// Serve runs the accept loops until ctx is cancelled, then closes the
// listeners and every live connection and waits for the sessions to end.
func (s *Server) Serve(ctx context.Context) error {
	if len(s.listeners) == 0 {
		if err := s.Bind(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range s.listeners {
		if s.opts.Health != nil {
			s.opts.Health.SetServing(l.proto.Name, true)
		}
		g.Go(func() error { return s.acceptLoop(l) })
	}

	<-gctx.Done()
	s.closeListeners()
	for _, l := range s.listeners {
		if s.opts.Health != nil {
			s.opts.Health.SetServing(l.proto.Name, false)
		}
	}
	err := g.Wait()

	s.sessions.IterCb(func(_ string, sess *Session) {
		sess.Close()
	})
	s.wg.Wait()
	s.logger.Info().Msg("all sessions closed")
	return err
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		_ = l.ln.Close()
	}
}

func (s *Server) acceptLoop(l listener) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error().Err(err).Str("protocol", l.proto.Name).Msg("accept error")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetKeepAlive(true)
			_ = tcpConn.SetKeepAlivePeriod(60 * time.Second)
		}

		sess := newSession(l.proto.Name, conn, l.proto.Factory(), s.proc, s.opts, s.logger)
		s.sessions.Set(sess.id, sess)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sessions.Remove(sess.id)
			sess.run()
		}()
	}
}
