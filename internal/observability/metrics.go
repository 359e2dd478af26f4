package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	TCPConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_tcp_connections_total",
		Help: "Total de conexiones TCP aceptadas",
	}, []string{"protocol"})
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tracker_active_sessions",
		Help: "Sesiones TCP abiertas",
	}, []string{"protocol"})
	FramesRecv = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_chunks_received_total",
		Help: "Lecturas de socket entregadas al decoder",
	}, []string{"protocol"})
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_decode_errors_total",
		Help: "Errores del decoder (frames malformados)",
	}, []string{"protocol"})
	RepliesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_replies_sent_total",
		Help: "Respuestas (ACK) escritas a los equipos",
	}, []string{"protocol"})
	RecordsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_records_accepted_total",
		Help: "Mensajes que pasaron la validación",
	}, []string{"protocol"})
	RecordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_records_dropped_total",
		Help: "Mensajes descartados por validación",
	}, []string{"protocol", "reason"})
	Published = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_published_total",
		Help: "Posiciones publicadas en MQTT",
	})
	PublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_publish_errors_total",
		Help: "Errores al publicar en MQTT",
	})
	Persisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_persisted_total",
		Help: "Posiciones insertadas en la base",
	})
	PersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_persist_errors_total",
		Help: "Errores al insertar posiciones",
	})
	CacheErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_cache_errors_total",
		Help: "Errores al escribir la última posición en Redis",
	})
	DispatchDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_dispatch_dropped_total",
		Help: "Posiciones descartadas por cola de despacho llena",
	})
	ParseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tracker_parse_latency_seconds",
		Help:    "Latencia del parseo por lectura",
		Buckets: prometheus.DefBuckets,
	}, []string{"protocol"})
)

func ObserveParseLatency(proto string, start time.Time) {
	ParseLatency.WithLabelValues(proto).Observe(time.Since(start).Seconds())
}

// StartMetricsServer sirve /metrics y /healthz hasta que ctx se cancela.
func StartMetricsServer(ctx context.Context, port string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", srv.Addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
