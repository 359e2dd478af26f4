// Package esptracker decodes the line protocol spoken by ESP based trackers:
// one "<imei>,<NMEA sentence>" per line. RMC sentences carry the fix, GGA
// sentences only refresh satellite count and altitude for the next RMC.
// A line with just the imei is a heartbeat. The protocol has no replies.
package esptracker

import (
	"bytes"
	"errors"
	"strings"
	"time"

	"github.com/adrianmo/go-nmea"

	"tracker-svr/internal/protocol"
)

const Name = "esptracker"

const (
	maxBuffer  = 4096
	knotsToKmh = 1.852
)

type Decoder struct {
	buf  []byte
	imei string
	msgs []protocol.Message
	now  func() time.Time

	sats     int64
	altitude float64
	ggaOK    bool
}

func New() protocol.Decoder {
	return &Decoder{now: time.Now}
}

func (d *Decoder) DeviceID() string             { return d.imei }
func (d *Decoder) ExpectsResponse() bool        { return false }
func (d *Decoder) Response() []byte             { return nil }
func (d *Decoder) Messages() []protocol.Message { return d.msgs }
func (d *Decoder) ClearMessages()               { d.msgs = nil }

func (d *Decoder) Parse(data []byte) error {
	d.buf = append(d.buf, data...)

	var errs []error
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(d.buf[:idx]))
		d.buf = d.buf[idx+1:]
		if line == "" {
			continue
		}
		if err := d.handleLine(line); err != nil {
			errs = append(errs, err)
		}
	}
	if len(d.buf) > maxBuffer {
		errs = append(errs, protocol.NewDecodeError(Name, "line too long", nil))
		d.buf = nil
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return errors.Join(errs...)
}

func (d *Decoder) handleLine(line string) error {
	imei, raw, found := strings.Cut(line, ",")
	if imei == "" {
		return protocol.NewDecodeError(Name, "missing imei", []byte(line))
	}
	d.imei = imei
	if !found {
		d.msgs = append(d.msgs, protocol.Message{
			DeviceID:  imei,
			Event:     protocol.EventHeartbeat,
			ParseTime: d.now(),
		})
		return nil
	}

	s, err := nmea.Parse(raw)
	if err != nil {
		return protocol.NewDecodeError(Name, err.Error(), []byte(line))
	}

	switch v := s.(type) {
	case nmea.GGA:
		d.sats = v.NumSatellites
		d.altitude = v.Altitude
		d.ggaOK = true
		return nil
	case nmea.RMC:
		d.msgs = append(d.msgs, d.fromRMC(v))
		return nil
	}
	return protocol.NewDecodeError(Name, "unsupported sentence "+s.DataType(), []byte(line))
}

func (d *Decoder) fromRMC(v nmea.RMC) protocol.Message {
	msg := protocol.Message{
		DeviceID:   d.imei,
		Event:      protocol.EventLocation,
		ParseTime:  d.now(),
		Fix:        protocol.FixInvalid,
		Attributes: map[string]any{},
	}
	if v.Validity == nmea.ValidRMC {
		msg.Fix = protocol.FixValid
	}
	if v.Date.Valid && v.Time.Valid {
		msg.HasPosition = true
		msg.FixTime = time.Date(2000+v.Date.YY, time.Month(v.Date.MM), v.Date.DD,
			v.Time.Hour, v.Time.Minute, v.Time.Second, v.Time.Millisecond*int(time.Millisecond), time.UTC)
		msg.Latitude = v.Latitude
		msg.Longitude = v.Longitude
		msg.Speed = v.Speed * knotsToKmh
		msg.Heading = v.Course
	}
	if d.ggaOK {
		msg.Attributes["sats"] = int(d.sats)
		msg.Attributes["altitude"] = d.altitude
	}
	return msg
}
