package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"tracker-svr/internal/observability"
	"tracker-svr/internal/pipeline"
)

// Publisher is the pub/sub sink.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Persister is the geospatial store sink.
type Persister interface {
	Persist(ctx context.Context, pos pipeline.Position) error
}

// Cache keeps the last known position per device.
type Cache interface {
	SaveLast(ctx context.Context, pos pipeline.Position) error
}

// Forwarder relays positions to a downstream consumer.
type Forwarder interface {
	SendTracking(pos pipeline.Position) error
}

type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string { return fmt.Sprintf("publish %s: %v", e.Topic, e.Err) }
func (e *PublishError) Unwrap() error { return e.Err }

type PersistError struct {
	DeviceID string
	Err      error
}

func (e *PersistError) Error() string { return fmt.Sprintf("persist %s: %v", e.DeviceID, e.Err) }
func (e *PersistError) Unwrap() error { return e.Err }

// Topic devuelve <root>/<deviceId>/pos.
func Topic(root, deviceID string) string {
	return root + "/" + deviceID + "/pos"
}

type Options struct {
	RootTopic string
	Workers   int
	QueueSize int
	// Timeout bounds each sink call; PublishTimeout overrides it for the
	// broker publish when > 0.
	Timeout        time.Duration
	PublishTimeout time.Duration

	Cache     Cache
	Forwarder Forwarder
}

// Dispatcher fans validated positions out to the sinks on a keyed worker
// pool. Dispatch never blocks the caller.
type Dispatcher struct {
	rootTopic      string
	timeout        time.Duration
	publishTimeout time.Duration

	pub   Publisher
	store Persister
	cache Cache
	link  Forwarder

	pool   *Pool
	logger zerolog.Logger
}

func New(pub Publisher, store Persister, opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = opts.Timeout
	}
	return &Dispatcher{
		rootTopic:      opts.RootTopic,
		timeout:        opts.Timeout,
		publishTimeout: opts.PublishTimeout,
		pub:            pub,
		store:          store,
		cache:          opts.Cache,
		link:           opts.Forwarder,
		pool:           NewPool(opts.Workers, opts.QueueSize),
		logger:         logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch submits pos and returns immediately. When the device's queue is
// full the position is dropped and logged.
func (d *Dispatcher) Dispatch(pos pipeline.Position) {
	ok := d.pool.TrySubmit(pos.DeviceID, func() {
		d.deliver(context.Background(), pos)
	})
	if !ok {
		observability.DispatchDropped.Inc()
		d.logger.Warn().
			Str("device_id", pos.DeviceID).
			Str("protocol", pos.Protocol).
			Msg("dispatch queue full or closed, position dropped")
	}
}

// Close drains pending deliveries.
func (d *Dispatcher) Close() {
	d.pool.Shutdown()
}

// deliver: publish siempre primero; persist solo para eventos location.
// Un fallo en un sink no afecta a los demás.
func (d *Dispatcher) deliver(ctx context.Context, pos pipeline.Position) {
	if err := d.publish(ctx, pos); err != nil {
		observability.PublishErrors.Inc()
		d.logger.Error().Err(err).Str("device_id", pos.DeviceID).Str("protocol", pos.Protocol).Msg("publish failed")
	} else {
		observability.Published.Inc()
	}

	if pos.Location && d.store != nil {
		if err := d.persist(ctx, pos); err != nil {
			observability.PersistErrors.Inc()
			d.logger.Error().Err(err).Str("device_id", pos.DeviceID).Str("protocol", pos.Protocol).Msg("persist failed")
		} else {
			observability.Persisted.Inc()
		}
	}

	if pos.Location && d.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := d.cache.SaveLast(cctx, pos)
		cancel()
		if err != nil {
			observability.CacheErrors.Inc()
			d.logger.Warn().Err(err).Str("device_id", pos.DeviceID).Msg("last position cache failed")
		}
	}

	if d.link != nil {
		if err := d.link.SendTracking(pos); err != nil {
			d.logger.Debug().Err(err).Str("device_id", pos.DeviceID).Msg("link forward failed")
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, pos pipeline.Position) error {
	topic := Topic(d.rootTopic, pos.DeviceID)
	payload, err := json.Marshal(pos)
	if err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()
	if err := d.pub.Publish(ctx, topic, payload); err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	return nil
}

func (d *Dispatcher) persist(ctx context.Context, pos pipeline.Position) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.store.Persist(ctx, pos); err != nil {
		return &PersistError{DeviceID: pos.DeviceID, Err: err}
	}
	return nil
}
