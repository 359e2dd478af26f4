package store

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"tracker-svr/internal/pipeline"
)

const insertPosition = `INSERT INTO positions (deviceid, position, latitude, longitude, fixtime, speed, heading)
VALUES ($1, ST_GeomFromText($2, 4326), $3, $4, to_timestamp($5), $6, $7)`

const createSchema = `CREATE EXTENSION IF NOT EXISTS postgis;
CREATE TABLE IF NOT EXISTS positions (
	id        BIGSERIAL PRIMARY KEY,
	deviceid  TEXT NOT NULL,
	position  geometry(Point, 4326) NOT NULL,
	latitude  DOUBLE PRECISION NOT NULL,
	longitude DOUBLE PRECISION NOT NULL,
	fixtime   TIMESTAMPTZ NOT NULL,
	speed     DOUBLE PRECISION,
	heading   DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS positions_device_fixtime_idx ON positions (deviceid, fixtime)`

// execer es lo único que usamos de pgxpool; en tests se sustituye.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresOptions struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
}

// DSN builds a postgres:// URL; credentials are escaped.
func (o PostgresOptions) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(o.User, o.Password),
		Host:   net.JoinHostPort(o.Host, o.Port),
		Path:   "/" + o.Database,
	}
	q := url.Values{}
	if o.SSLMode != "" {
		q.Set("sslmode", o.SSLMode)
	}
	if o.MaxConns > 0 {
		q.Set("pool_max_conns", strconv.Itoa(o.MaxConns))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Postgres persists location records into a PostGIS table.
type Postgres struct {
	db     execer
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgres builds the pool and pings it. pgxpool connects lazily, so an
// unreachable server is only logged: inserts fail with an error until it
// comes back. Only a bad DSN is an error.
func NewPostgres(ctx context.Context, o PostgresOptions, logger zerolog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(o.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	logger = logger.With().Str("component", "postgres").Logger()
	p := &Postgres{db: pool, pool: pool, logger: logger}
	if err := p.Ping(ctx); err != nil {
		logger.Warn().Err(err).Str("host", o.Host).Str("port", o.Port).Msg("postgres not reachable yet, inserts will fail until it is")
		return p, nil
	}
	logger.Info().Str("host", o.Host).Str("db", o.Database).Msg("connected")
	return p, nil
}

// Ping checks the server is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	if p.pool == nil {
		return nil
	}
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

func newPostgresWithExecer(db execer, logger zerolog.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

// PointWKT devuelve POINT(<lon> <lat>): x = longitud, y = latitud.
func PointWKT(lat, lon float64) string {
	return "POINT(" + strconv.FormatFloat(lon, 'f', -1, 64) + " " + strconv.FormatFloat(lat, 'f', -1, 64) + ")"
}

// Persist inserts exactly one row for pos.
func (p *Postgres) Persist(ctx context.Context, pos pipeline.Position) error {
	tag, err := p.db.Exec(ctx, insertPosition,
		pos.DeviceID,
		PointWKT(pos.Lat, pos.Lon),
		pos.Lat,
		pos.Lon,
		float64(pos.FixTimestamp),
		pos.Speed,
		pos.Course,
	)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	if n := tag.RowsAffected(); n != 1 {
		return fmt.Errorf("insert position: %d rows affected, want 1", n)
	}
	return nil
}

// EnsureSchema creates the PostGIS extension and the positions table if
// missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, createSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	p.logger.Info().Msg("schema ready")
	return nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}
