package server

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tracker-svr/internal/link"
	"tracker-svr/internal/observability"
	"tracker-svr/internal/protocol"
)

const (
	readBufferSize = 2048
	writeTimeout   = 10 * time.Second
)

// Session is one device connection. All decoder calls happen on the
// goroutine running run, so Parse never overlaps.
type Session struct {
	id     string
	proto  string
	conn   net.Conn
	remote string

	decoder protocol.Decoder
	proc    Processor
	opts    Options
	logger  zerolog.Logger

	deviceID  string
	closeOnce sync.Once
}

func newSession(proto string, conn net.Conn, dec protocol.Decoder, proc Processor, opts Options, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	remote := conn.RemoteAddr().String()
	return &Session{
		id:      id,
		proto:   proto,
		conn:    conn,
		remote:  remote,
		decoder: dec,
		proc:    proc,
		opts:    opts,
		logger: logger.With().
			Str("protocol", proto).
			Str("remote", remote).
			Str("session", id).
			Logger(),
	}
}

func (s *Session) ID() string { return s.id }

// Close cierra el socket; run termina en la siguiente lectura.
func (s *Session) Close() {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
}

func (s *Session) run() {
	observability.TCPConnections.WithLabelValues(s.proto).Inc()
	observability.ActiveSessions.WithLabelValues(s.proto).Inc()
	s.logger.Info().Msg("connection opened")

	defer func() {
		s.Close()
		observability.ActiveSessions.WithLabelValues(s.proto).Dec()
		if s.deviceID != "" {
			s.notify(link.DeviceStateDisconnect)
		}
		s.decoder = nil
		s.logger.Info().Str("device_id", s.deviceID).Msg("connection closed")
	}()

	buffer := make([]byte, readBufferSize)
	for {
		if s.opts.IdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		n, err := s.conn.Read(buffer)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buffer[:n])
			if werr := s.onData(chunk); werr != nil {
				s.logger.Error().Err(werr).Str("device_id", s.deviceID).Msg("reply write failed")
				return
			}
		}
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.As(err, &ne) && ne.Timeout():
				s.logger.Info().Dur("idle", s.opts.IdleTimeout).Msg("idle timeout")
			default:
				s.logger.Error().Err(err).Msg("read error")
			}
			return
		}
	}
}

// onData: parse, responder, drenar mensajes. Solo un error de escritura
// termina la conexión.
func (s *Session) onData(chunk []byte) error {
	if s.opts.RawLog != nil {
		if err := s.opts.RawLog.Write(s.proto, s.remote, s.id, chunk); err != nil {
			s.logger.Warn().Err(err).Msg("raw log write failed")
		}
	}

	observability.FramesRecv.WithLabelValues(s.proto).Inc()
	start := time.Now()
	err := s.decoder.Parse(chunk)
	observability.ObserveParseLatency(s.proto, start)
	if err != nil {
		for _, e := range splitErrors(err) {
			observability.DecodeErrors.WithLabelValues(s.proto).Inc()
			s.logger.Warn().Err(e).Str("device_id", s.deviceID).Msg("decode error")
		}
	}

	if s.decoder.ExpectsResponse() {
		if resp := s.decoder.Response(); len(resp) > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := s.conn.Write(resp); err != nil {
				return err
			}
			observability.RepliesSent.WithLabelValues(s.proto).Inc()
		}
	}

	if id := s.decoder.DeviceID(); id != "" {
		s.identify(id)
	}
	for _, msg := range s.decoder.Messages() {
		if s.deviceID == "" && msg.DeviceID != "" {
			s.identify(msg.DeviceID)
		}
		s.proc.Process(s.proto, s.remote, msg)
	}
	s.decoder.ClearMessages()
	return nil
}

func (s *Session) identify(id string) {
	if id == s.deviceID {
		return
	}
	if s.deviceID != "" {
		s.notify(link.DeviceStateDisconnect)
	}
	s.deviceID = id
	s.logger.Info().Str("device_id", id).Msg("device identified")
	s.notify(link.DeviceStateConnect)
}

func (s *Session) notify(state link.DeviceState) {
	if s.opts.Notifier == nil {
		return
	}
	info := link.DeviceInfo{
		IMEI:      s.deviceID,
		Protocol:  s.proto,
		SessionID: s.id,
		State:     state,
	}
	if host, port, err := net.SplitHostPort(s.remote); err == nil {
		info.RemoteIP = host
		info.RemotePort, _ = strconv.Atoi(port)
	}
	s.opts.Notifier.SendDevice(info)
}

// splitErrors expands an errors.Join result into its parts.
func splitErrors(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
