package pubsub

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Client is the subset of the paho client the publisher needs.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type Options struct {
	Broker         string // e.g. tcp://localhost:1883
	ClientID       string
	Username       string
	Password       string
	CACertPath     string
	QoS            byte
	Retain         bool
	ConnectTimeout time.Duration
}

// BrokerURL traduce el esquema estilo mqtt.js (mqtt, mqtts, ws, wss) al que
// entiende paho.
func BrokerURL(proto, host, port string) string {
	scheme := "tcp"
	switch proto {
	case "mqtts", "ssl", "tls":
		scheme = "ssl"
	case "ws":
		scheme = "ws"
	case "wss":
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%s", scheme, host, port)
}

// Publisher publishes payloads to the MQTT broker. It is safe for concurrent
// use; paho serializes writes internally.
type Publisher struct {
	client   Client
	qos      byte
	retained bool
	logger   zerolog.Logger
}

// NewPublisher builds a paho client with auto-reconnect and starts
// connecting. A broker that is not reachable yet is not an error: paho keeps
// retrying in the background.
func NewPublisher(o Options, logger zerolog.Logger) (*Publisher, error) {
	logger = logger.With().Str("component", "mqtt").Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	if o.CACertPath != "" {
		caCert, err := os.ReadFile(o.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate")
		}
		opts.SetTLSConfig(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12})
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().Str("broker", o.Broker).Msg("connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error().Err(err).Str("broker", o.Broker).Msg("connection lost")
	})

	p := NewPublisherWithClient(mqtt.NewClient(opts), o.QoS, o.Retain, logger)

	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	token := p.client.Connect()
	if !token.WaitTimeout(timeout) {
		logger.Warn().Str("broker", o.Broker).Dur("timeout", timeout).Msg("broker not reachable yet, retrying in background")
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", o.Broker, err)
	}
	return p, nil
}

func NewPublisherWithClient(c Client, qos byte, retained bool, logger zerolog.Logger) *Publisher {
	return &Publisher{client: c, qos: qos, retained: retained, logger: logger}
}

// Publish waits for the broker acknowledgement (per QoS) or ctx, whichever
// comes first.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, p.retained, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish %s: %w", topic, ctx.Err())
	}
}

// Close disconnects, giving in-flight messages 250ms.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
