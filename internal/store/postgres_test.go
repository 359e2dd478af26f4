package store

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracker-svr/internal/pipeline"
)

type fakeExec struct {
	sql  []string
	args [][]any
	tag  string
	err  error
}

func (f *fakeExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = append(f.sql, sql)
	f.args = append(f.args, args)
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag(f.tag), nil
}

func samplePosition() pipeline.Position {
	fix := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return pipeline.Position{
		DeviceID:     "D1",
		Protocol:     "gt06",
		Event:        "location",
		Lat:          37.5,
		Lon:          -122.1,
		FixTime:      fix,
		FixTimestamp: fix.Unix(),
		Speed:        12.5,
		Course:       90,
		Location:     true,
	}
}

func TestPointWKT_LonFirst(t *testing.T) {
	assert.Equal(t, "POINT(-122.1 37.5)", PointWKT(37.5, -122.1))
	assert.Equal(t, "POINT(0.000001 -45)", PointWKT(-45, 0.000001))
}

func TestPersist_ParameterizedInsert(t *testing.T) {
	db := &fakeExec{tag: "INSERT 0 1"}
	p := newPostgresWithExecer(db, zerolog.Nop())

	require.NoError(t, p.Persist(context.Background(), samplePosition()))

	require.Len(t, db.sql, 1)
	assert.Contains(t, db.sql[0], "ST_GeomFromText($2, 4326)")
	assert.Contains(t, db.sql[0], "to_timestamp($5)")
	assert.NotContains(t, db.sql[0], "D1")
	assert.Equal(t, []any{"D1", "POINT(-122.1 37.5)", 37.5, -122.1, float64(1704067200), 12.5, 90.0}, db.args[0])
}

func TestPersist_RowsAffectedMustBeOne(t *testing.T) {
	db := &fakeExec{tag: "INSERT 0 0"}
	p := newPostgresWithExecer(db, zerolog.Nop())

	err := p.Persist(context.Background(), samplePosition())
	assert.ErrorContains(t, err, "0 rows affected")
}

func TestPersist_WrapsDriverError(t *testing.T) {
	cause := errors.New("relation \"positions\" does not exist")
	p := newPostgresWithExecer(&fakeExec{err: cause}, zerolog.Nop())

	err := p.Persist(context.Background(), samplePosition())
	assert.ErrorIs(t, err, cause)
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeExec{tag: "CREATE TABLE"}
	p := newPostgresWithExecer(db, zerolog.Nop())

	require.NoError(t, p.EnsureSchema(context.Background()))
	assert.Contains(t, db.sql[0], "CREATE EXTENSION IF NOT EXISTS postgis")
	assert.Contains(t, db.sql[0], "geometry(Point, 4326)")
}

func TestPostgresOptions_DSN(t *testing.T) {
	o := PostgresOptions{Host: "db", Port: "5432", User: "postgres", Password: "p@ss word", Database: "django", SSLMode: "disable", MaxConns: 8}
	assert.Equal(t, "postgres://postgres:p%40ss%20word@db:5432/django?pool_max_conns=8&sslmode=disable", o.DSN())
}

func TestNewPostgres_UnreachableServerIsNotFatal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	p, err := NewPostgres(ctx, PostgresOptions{Host: "127.0.0.1", Port: port, User: "postgres", Database: "django", SSLMode: "disable"}, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, p)
	defer p.Close()

	assert.Error(t, p.Ping(ctx))
	assert.Error(t, p.Persist(ctx, samplePosition()))
}
