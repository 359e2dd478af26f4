package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tracker-svr/internal/config"
	"tracker-svr/internal/dispatcher"
	"tracker-svr/internal/link"
	"tracker-svr/internal/observability"
	"tracker-svr/internal/pipeline"
	"tracker-svr/internal/protocol"
	"tracker-svr/internal/protocol/esptracker"
	"tracker-svr/internal/protocol/gps103"
	"tracker-svr/internal/protocol/gt06"
	"tracker-svr/internal/protocol/teltonika"
	"tracker-svr/internal/pubsub"
	"tracker-svr/internal/rawlog"
	"tracker-svr/internal/server"
	"tracker-svr/internal/store"
)

var factories = map[string]protocol.Factory{
	esptracker.Name: esptracker.New,
	gt06.Name:       gt06.New,
	gps103.Name:     gps103.New,
	teltonika.Name:  teltonika.New,
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tracker-svr:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := observability.NewLogger(cfg.LogLevel)
	logger.Info().Strs("protocols", cfg.EnabledProtocols()).Msg("starting tracker-svr")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// metrics, health y link viven hasta el final del shutdown, no hasta la señal
	auxCtx, cancelAux := context.WithCancel(context.Background())
	defer cancelAux()
	var aux errgroup.Group

	// se cierran en orden de registro al terminar
	var closers []func()
	defer func() {
		for _, c := range closers {
			c()
		}
		cancelAux()
		_ = aux.Wait()
	}()

	health := observability.NewHealth()
	aux.Go(func() error {
		if err := observability.StartMetricsServer(auxCtx, cfg.MetricsPort, logger); err != nil {
			logger.Error().Err(err).Msg("metrics server failed")
		}
		return nil
	})
	if cfg.GRPCHealthPort != "" {
		aux.Go(func() error {
			if err := health.Serve(auxCtx, ":"+cfg.GRPCHealthPort, logger); err != nil {
				logger.Error().Err(err).Msg("grpc health server failed")
			}
			return nil
		})
	}

	publisher, err := pubsub.NewPublisher(pubsub.Options{
		Broker:     pubsub.BrokerURL(cfg.MQTT.Proto, cfg.MQTT.Host, cfg.MQTT.Port),
		ClientID:   cfg.MQTT.ClientID + "-" + uuid.NewString()[:8],
		Username:   cfg.MQTT.User,
		Password:   cfg.MQTT.Password,
		CACertPath: cfg.MQTT.CACert,
		QoS:        byte(cfg.MQTT.QoS),
		Retain:     cfg.MQTT.Retain,
	}, logger)
	if err != nil {
		return err
	}
	closers = append(closers, publisher.Close)

	pg, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, pg.Close)

	dispOpts := dispatcherOptions(cfg)

	if cfg.Redis.Addr != "" {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		cache, err := store.NewLastPosition(rctx, cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.TTL, logger)
		cancel()
		if err != nil {
			logger.Error().Err(err).Msg("redis init failed, last position cache disabled")
		} else {
			closers = append(closers, func() { _ = cache.Close() })
			dispOpts.Cache = cache
		}
	}

	srvOpts := server.Options{IdleTimeout: cfg.IdleTimeout, Health: health}

	if cfg.LinkAddr != "" {
		lc := link.New(cfg.LinkAddr, logger)
		aux.Go(func() error {
			lc.Run(auxCtx)
			return nil
		})
		dispOpts.Forwarder = lc
		srvOpts.Notifier = lc
	} else {
		logger.Info().Msg("link: disabled (no proxy address configured)")
	}

	if cfg.RawLogDir != "" {
		raw, err := rawlog.New(cfg.RawLogDir)
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = raw.Close() })
		srvOpts.RawLog = raw
	}

	disp := dispatcher.New(publisher, pg, dispOpts, logger)

	policies := make(map[string]pipeline.Policy, len(cfg.Protocols))
	var protocols []server.Protocol
	for _, name := range cfg.EnabledProtocols() {
		p := cfg.Protocols[name]
		policies[name] = pipeline.Policy{MaxFixAge: p.MaxFixAge}
		protocols = append(protocols, server.Protocol{
			Name:    name,
			Addr:    net.JoinHostPort("", p.Port),
			Factory: factories[name],
		})
	}
	proc := pipeline.NewProcessor(policies, disp, logger)

	srv := server.New(protocols, proc, srvOpts, logger)
	if err := srv.Bind(); err != nil {
		disp.Close()
		return err
	}
	health.SetServing("", true)

	serveErr := srv.Serve(ctx)
	logger.Info().Msg("shutting down")

	// sesiones cerradas; drenar antes de desconectar los sinks
	disp.Close()
	logger.Info().Msg("dispatcher drained")
	health.Shutdown()
	return serveErr
}

// openStore never fails on an unreachable database; inserts are logged as
// persist errors until it comes up. Schema creation is skipped then.
func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*store.Postgres, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pg, err := store.NewPostgres(ctx, store.PostgresOptions{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.MaxConns,
	}, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Postgres.AutoMigrate {
		if err := pg.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("schema not ensured, postgres down")
		} else if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error().Err(err).Msg("ensure schema failed")
		}
	}
	return pg, nil
}

func dispatcherOptions(cfg config.Config) dispatcher.Options {
	return dispatcher.Options{
		RootTopic:      cfg.MQTT.RootTopic,
		Workers:        cfg.Dispatch.Workers,
		QueueSize:      cfg.Dispatch.QueueSize,
		Timeout:        cfg.Dispatch.SinkTimeout,
		PublishTimeout: cfg.MQTT.PublishTimeout,
	}
}
