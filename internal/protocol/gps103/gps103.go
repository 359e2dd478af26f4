// Package gps103 decodes the Coban TK103/GPS103 text protocol.
//
// Messages are ';' terminated:
//
//	##,imei:359586015829802,A;                      login      -> "LOAD"
//	359586015829802;                                heartbeat  -> "ON"
//	imei:359586015829802,tracker,0809231929,,F,112909.397,A,2234.4669,N,11354.3287,E,0.11,;
package gps103

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tracker-svr/internal/protocol"
)

const Name = "gps103"

const maxBuffer = 4096

const knotsToKmh = 1.852

var keywords = map[string]string{
	"help me":      "sos",
	"low battery":  "low_battery",
	"move":         "move",
	"speed":        "overspeed",
	"stockade":     "geofence",
	"ac alarm":     "power_cut",
	"door alarm":   "door",
	"sensor alarm": "shock",
	"acc on":       "acc_on",
	"acc off":      "acc_off",
	"acc alarm":    "acc",
	"oil":          "oil",
}

type Decoder struct {
	buf      []byte
	imei     string
	msgs     []protocol.Message
	response []byte
	now      func() time.Time
}

func New() protocol.Decoder {
	return &Decoder{now: time.Now}
}

func (d *Decoder) DeviceID() string             { return d.imei }
func (d *Decoder) ExpectsResponse() bool        { return len(d.response) > 0 }
func (d *Decoder) Response() []byte             { return d.response }
func (d *Decoder) Messages() []protocol.Message { return d.msgs }
func (d *Decoder) ClearMessages()               { d.msgs = nil }

func (d *Decoder) Parse(data []byte) error {
	d.response = nil
	d.buf = append(d.buf, data...)

	var errs []error
	for {
		idx := bytes.IndexByte(d.buf, ';')
		if idx < 0 {
			break
		}
		seg := strings.TrimSpace(string(d.buf[:idx]))
		d.buf = d.buf[idx+1:]
		if seg == "" {
			continue
		}
		if err := d.handle(seg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(d.buf) > maxBuffer {
		errs = append(errs, protocol.NewDecodeError(Name, "buffer overflow without terminator", nil))
		d.buf = nil
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return errors.Join(errs...)
}

func (d *Decoder) handle(seg string) error {
	switch {
	case strings.HasPrefix(seg, "##"):
		parts := strings.Split(seg, ",")
		if len(parts) < 2 || !strings.HasPrefix(parts[1], "imei:") {
			return protocol.NewDecodeError(Name, "bad login", []byte(seg))
		}
		d.imei = strings.TrimPrefix(parts[1], "imei:")
		d.msgs = append(d.msgs, protocol.Message{
			DeviceID:  d.imei,
			Event:     protocol.EventLogin,
			ParseTime: d.now(),
		})
		d.response = append(d.response, "LOAD"...)
		return nil

	case isDigits(seg):
		d.imei = seg
		d.msgs = append(d.msgs, protocol.Message{
			DeviceID:  d.imei,
			Event:     protocol.EventHeartbeat,
			ParseTime: d.now(),
		})
		d.response = append(d.response, "ON"...)
		return nil

	case strings.HasPrefix(seg, "imei:"):
		msg, err := d.decodeData(seg)
		if err != nil {
			return err
		}
		d.imei = msg.DeviceID
		d.msgs = append(d.msgs, msg)
		return nil
	}
	return protocol.NewDecodeError(Name, "unknown message", []byte(seg))
}

func (d *Decoder) decodeData(seg string) (protocol.Message, error) {
	f := strings.Split(seg, ",")
	if len(f) < 13 {
		return protocol.Message{}, protocol.NewDecodeError(Name, fmt.Sprintf("expected 13 fields, got %d", len(f)), []byte(seg))
	}

	msg := protocol.Message{
		DeviceID:   strings.TrimPrefix(f[0], "imei:"),
		ParseTime:  d.now(),
		Attributes: map[string]any{"keyword": f[1]},
	}
	if msg.DeviceID == "" {
		return protocol.Message{}, protocol.NewDecodeError(Name, "empty imei", []byte(seg))
	}

	if f[1] == "tracker" {
		msg.Event = protocol.EventLocation
	} else {
		msg.Event = protocol.EventAlarm
		msg.Detail = f[1]
		if name, ok := keywords[f[1]]; ok {
			msg.Detail = name
		}
	}

	switch f[4] {
	case "F":
		msg.Fix = protocol.FixValid
	default:
		// "L": sin señal GPS, solo LBS
		msg.Fix = protocol.FixInvalid
		return msg, nil
	}

	fixTime, err := parseFixTime(f[2], f[5])
	if err != nil {
		return protocol.Message{}, protocol.NewDecodeError(Name, err.Error(), []byte(seg))
	}
	lat, err := parseCoord(f[7], f[8], 2)
	if err != nil {
		return protocol.Message{}, protocol.NewDecodeError(Name, "latitude: "+err.Error(), []byte(seg))
	}
	lon, err := parseCoord(f[9], f[10], 3)
	if err != nil {
		return protocol.Message{}, protocol.NewDecodeError(Name, "longitude: "+err.Error(), []byte(seg))
	}
	if f[6] != "A" {
		msg.Fix = protocol.FixInvalid
	}

	msg.HasPosition = true
	msg.FixTime = fixTime
	msg.Latitude = lat
	msg.Longitude = lon
	if v, err := strconv.ParseFloat(f[11], 64); err == nil {
		msg.Speed = v * knotsToKmh
	}
	if v, err := strconv.ParseFloat(f[12], 64); err == nil {
		msg.Heading = v
	}
	if len(f) > 13 {
		if v, err := strconv.ParseFloat(f[13], 64); err == nil {
			msg.Attributes["altitude"] = v
		}
	}
	return msg, nil
}

// parseFixTime combina la fecha local YYMMDDhhmm[ss] con la hora UTC
// hhmmss[.sss]. La fecha se corrige ±1 día cuando la hora local y la UTC
// quedan a distinto lado de medianoche.
func parseFixTime(local, utc string) (time.Time, error) {
	if len(local) < 6 || !isDigits(local[:6]) {
		return time.Time{}, fmt.Errorf("bad date %q", local)
	}
	date, err := time.Parse("060102", local[:6])
	if err != nil {
		return time.Time{}, fmt.Errorf("bad date %q", local)
	}
	if i := strings.IndexByte(utc, '.'); i >= 0 {
		utc = utc[:i]
	}
	if len(utc) != 6 || !isDigits(utc) {
		return time.Time{}, fmt.Errorf("bad time %q", utc)
	}
	hh, _ := strconv.Atoi(utc[0:2])
	mm, _ := strconv.Atoi(utc[2:4])
	ss, _ := strconv.Atoi(utc[4:6])
	fix := time.Date(date.Year(), date.Month(), date.Day(), hh, mm, ss, 0, time.UTC)

	if len(local) >= 10 && isDigits(local[6:10]) {
		lh, _ := strconv.Atoi(local[6:8])
		lm, _ := strconv.Atoi(local[8:10])
		// diferencia local-UTC en minutos; más de 12h implica cambio de día
		diff := (lh*60 + lm) - (hh*60 + mm)
		switch {
		case diff > 12*60:
			fix = fix.AddDate(0, 0, 1)
		case diff < -12*60:
			fix = fix.AddDate(0, 0, -1)
		}
	}
	return fix, nil
}

// parseCoord converts NMEA style (d)ddmm.mmmm plus hemisphere to degrees.
func parseCoord(v, hemi string, degDigits int) (float64, error) {
	if len(v) < degDigits+2 {
		return 0, fmt.Errorf("short value %q", v)
	}
	deg, err := strconv.ParseFloat(v[:degDigits], 64)
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.ParseFloat(v[degDigits:], 64)
	if err != nil {
		return 0, err
	}
	out := deg + minutes/60
	switch hemi {
	case "S", "W":
		out = -out
	case "N", "E":
	default:
		return 0, fmt.Errorf("bad hemisphere %q", hemi)
	}
	return out, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
