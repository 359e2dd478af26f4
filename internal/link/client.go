package link

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"tracker-svr/internal/pipeline"
)

var ErrNotConnected = errors.New("link: not connected")

const (
	redialDelay    = 5 * time.Second
	reconnectDelay = 2 * time.Second
	writeTimeout   = 2 * time.Second
)

// Client mantiene una conexión TCP hacia el proxy y le envía NDJSON.
// Si la conexión no está arriba los envíos fallan; no hay buffer.
type Client struct {
	addr   string
	logger zerolog.Logger

	mu   sync.Mutex
	conn net.Conn
}

func New(addr string, logger zerolog.Logger) *Client {
	return &Client{
		addr:   addr,
		logger: logger.With().Str("component", "link").Str("addr", addr).Logger(),
	}
}

// Run dials and redials until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Msg("dial failed")
			if !sleep(ctx, redialDelay) {
				return
			}
			continue
		}

		c.setConn(conn)
		c.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("connected")

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		c.readLoop(conn)
		stop()

		c.clearConn(conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().Msg("connection closed, reconnecting")
		if !sleep(ctx, reconnectDelay) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) clearConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Por ahora sólo logueamos lo que llega del proxy.
func (c *Client) readLoop(conn net.Conn) {
	r := bufio.NewScanner(conn)
	for r.Scan() {
		c.logger.Info().Bytes("line", r.Bytes()).Msg("incoming line")
	}
	if err := r.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Warn().Err(err).Msg("read error")
	}
}

func (c *Client) sendNDJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = c.conn.Write(append(b, '\n'))
	return err
}

type deviceConnectPayload struct {
	DeviceConnect bool   `json:"device_connect"`
	IMEI          string `json:"imei"`
	Protocol      string `json:"protocol"`
	SessionID     string `json:"session_id,omitempty"`
	RemoteIP      string `json:"remote_ip,omitempty"`
	RemotePort    int    `json:"remote_port,omitempty"`
}

type deviceDisconnectPayload struct {
	DeviceDisconnect bool   `json:"device_disconnect"`
	IMEI             string `json:"imei"`
	Protocol         string `json:"protocol"`
	SessionID        string `json:"session_id,omitempty"`
}

// SendDevice envía device_connect o device_disconnect según info.State.
func (c *Client) SendDevice(info DeviceInfo) {
	var pl any
	switch info.State {
	case DeviceStateConnect:
		pl = deviceConnectPayload{
			DeviceConnect: true,
			IMEI:          info.IMEI,
			Protocol:      info.Protocol,
			SessionID:     info.SessionID,
			RemoteIP:      info.RemoteIP,
			RemotePort:    info.RemotePort,
		}
	case DeviceStateDisconnect:
		pl = deviceDisconnectPayload{
			DeviceDisconnect: true,
			IMEI:             info.IMEI,
			Protocol:         info.Protocol,
			SessionID:        info.SessionID,
		}
	default:
		return
	}
	if err := c.sendNDJSON(pl); err != nil {
		c.logger.Debug().Err(err).Str("device_id", info.IMEI).Msg("send device event failed")
	}
}

// SendTracking forwards a validated position as one NDJSON line.
func (c *Client) SendTracking(pos pipeline.Position) error {
	return c.sendNDJSON(pos)
}
