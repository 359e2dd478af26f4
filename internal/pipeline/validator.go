package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tracker-svr/internal/observability"
	"tracker-svr/internal/protocol"
)

// DefaultMaxFixAge descarta fixes más de una hora anteriores al parseo.
const DefaultMaxFixAge = time.Hour

const (
	ReasonNoFix      = "no fix"
	ReasonNoDevice   = "missing device id"
	ReasonNoPosition = "missing position"
	ReasonOutOfRange = "coordinates out of range"
	ReasonStaleFix   = "stale fix"
)

// Policy is the per-protocol validation policy. MaxFixAge == 0 disables the
// clock-skew guard.
type Policy struct {
	MaxFixAge time.Duration
}

type ValidationError struct {
	Reason   string
	DeviceID string
	Detail   string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invalid position for %q: %s", e.DeviceID, e.Reason)
	}
	return fmt.Sprintf("invalid position for %q: %s (%s)", e.DeviceID, e.Reason, e.Detail)
}

// coordsValid: dentro de ±90/±180 y distinto de (0,0), que es lo que
// mandan muchos equipos sin fix.
func coordsValid(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return true
}

// Validate returns a *ValidationError when msg must not become a Position.
func Validate(msg protocol.Message, p Policy) error {
	if msg.Fix == protocol.FixInvalid {
		return &ValidationError{Reason: ReasonNoFix, DeviceID: msg.DeviceID}
	}
	if msg.DeviceID == "" {
		return &ValidationError{Reason: ReasonNoDevice}
	}
	if !msg.HasPosition || msg.FixTime.IsZero() {
		return &ValidationError{Reason: ReasonNoPosition, DeviceID: msg.DeviceID}
	}
	if !coordsValid(msg.Latitude, msg.Longitude) {
		return &ValidationError{
			Reason:   ReasonOutOfRange,
			DeviceID: msg.DeviceID,
			Detail:   fmt.Sprintf("lat=%f lon=%f", msg.Latitude, msg.Longitude),
		}
	}
	if p.MaxFixAge > 0 && msg.ParseTime.Sub(msg.FixTime) > p.MaxFixAge {
		return &ValidationError{
			Reason:   ReasonStaleFix,
			DeviceID: msg.DeviceID,
			Detail:   fmt.Sprintf("fix=%s parsed=%s", msg.FixTime.UTC().Format(time.RFC3339), msg.ParseTime.UTC().Format(time.RFC3339)),
		}
	}
	return nil
}

// Normalize validates msg and builds its canonical Position.
func Normalize(proto string, msg protocol.Message, p Policy) (Position, error) {
	if err := Validate(msg, p); err != nil {
		return Position{}, err
	}
	return BuildPosition(proto, msg), nil
}

// Dispatcher receives every Position that survives validation.
type Dispatcher interface {
	Dispatch(pos Position)
}

// Processor aplica la política de cada protocolo y entrega al dispatcher.
type Processor struct {
	policies   map[string]Policy
	dispatcher Dispatcher
	logger     zerolog.Logger
}

func NewProcessor(policies map[string]Policy, d Dispatcher, logger zerolog.Logger) *Processor {
	return &Processor{
		policies:   policies,
		dispatcher: d,
		logger:     logger.With().Str("component", "pipeline").Logger(),
	}
}

// Policy returns the policy for proto, falling back to DefaultMaxFixAge.
func (p *Processor) Policy(proto string) Policy {
	if pol, ok := p.policies[proto]; ok {
		return pol
	}
	return Policy{MaxFixAge: DefaultMaxFixAge}
}

// Process drops invalid messages and dispatches the rest. It reports whether
// a Position was dispatched.
func (p *Processor) Process(proto, remote string, msg protocol.Message) bool {
	pos, err := Normalize(proto, msg, p.Policy(proto))
	if err != nil {
		var ve *ValidationError
		reason := "unknown"
		if errors.As(err, &ve) {
			reason = ve.Reason
		}
		observability.RecordsDropped.WithLabelValues(proto, reason).Inc()

		ev := p.logger.Debug()
		if reason == ReasonStaleFix || reason == ReasonOutOfRange {
			ev = p.logger.Warn()
		}
		ev.Err(err).
			Str("protocol", proto).
			Str("remote", remote).
			Str("device_id", msg.DeviceID).
			Str("event", string(msg.Event)).
			Msg("position dropped")
		return false
	}

	observability.RecordsAccepted.WithLabelValues(proto).Inc()
	p.dispatcher.Dispatch(pos)
	return true
}
