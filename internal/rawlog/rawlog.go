package rawlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// sink is one open daily file for a protocol.
type sink struct {
	day  string
	file *os.File
	log  zerolog.Logger
}

// Logger guarda cada chunk recibido en <dir>/<PROTOCOLO>_<yyyymmdd>.log,
// una línea JSON por chunk. Un nil *Logger no hace nada.
type Logger struct {
	dir string
	now func() time.Time

	mu    sync.Mutex
	sinks map[string]*sink
}

func New(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("raw log dir %s: %w", dir, err)
	}
	return &Logger{dir: dir, now: time.Now, sinks: map[string]*sink{}}, nil
}

func FileName(proto string, t time.Time) string {
	return strings.ToUpper(proto) + "_" + t.Format("20060102") + ".log"
}

// Write appends one chunk. Errors opening the file are returned; the
// caller decides whether to log them.
func (l *Logger) Write(proto, remote, sessionID string, data []byte) error {
	if l == nil {
		return nil
	}
	now := l.now()
	day := now.Format("20060102")

	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.sinks[proto]
	if s == nil || s.day != day {
		if s != nil {
			_ = s.file.Close()
		}
		f, err := os.OpenFile(filepath.Join(l.dir, FileName(proto, now)), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			delete(l.sinks, proto)
			return fmt.Errorf("open raw log: %w", err)
		}
		s = &sink{day: day, file: f, log: zerolog.New(f)}
		l.sinks[proto] = s
	}

	s.log.Log().
		Time("time", now).
		Str("remote", remote).
		Str("session", sessionID).
		Int("len", len(data)).
		Hex("data", data).
		Send()
	return nil
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for proto, s := range l.sinks {
		errs = append(errs, s.file.Close())
		delete(l.sinks, proto)
	}
	return errors.Join(errs...)
}
