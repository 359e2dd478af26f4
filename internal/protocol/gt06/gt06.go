// Package gt06 decodes the Concox GT06 binary protocol.
//
// Frame = 7878 | len(1) | proto(1) | content | serial(2) | crc(2) | 0D0A
// (long frames use 7979 and a 2 byte length). len counts proto..crc and the
// CRC-ITU covers len..serial.
package gt06

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"tracker-svr/internal/protocol"
)

const Name = "gt06"

const (
	startShort = 0x78
	startLong  = 0x79
	stop1      = 0x0D
	stop2      = 0x0A

	msgLogin      = 0x01
	msgLocation   = 0x12
	msgStatus     = 0x13
	msgAlarm      = 0x16
	msgLocation2  = 0x22
	msgAlarmFence = 0x26

	maxBuffer = 4096
)

var alarmNames = map[byte]string{
	0x01: "sos",
	0x02: "power_cut",
	0x03: "vibration",
	0x04: "fence_in",
	0x05: "fence_out",
	0x06: "low_battery",
	0x07: "overspeed",
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

// Parse consume todos los frames completos de data; los bytes sobrantes
// quedan en buffer para la siguiente llamada.
func (d *Decoder) Parse(data []byte) error {
	d.response = nil
	d.buf = append(d.buf, data...)

	var errs []error
	for len(d.buf) > 0 {
		if d.buf[0] != d.buf[1%len(d.buf)] || (d.buf[0] != startShort && d.buf[0] != startLong) {
			skip := nextStart(d.buf)
			if skip < 0 {
				// conservar un posible inicio partido
				skip = len(d.buf)
				if d.buf[len(d.buf)-1] == startShort || d.buf[len(d.buf)-1] == startLong {
					skip--
				}
			}
			if skip == 0 {
				break
			}
			errs = append(errs, protocol.NewDecodeError(Name, "missing start bits", d.buf[:skip]))
			d.buf = d.buf[skip:]
			continue
		}
		if len(d.buf) < 2 {
			break
		}

		hdr, bodyLen := 3, 0
		if d.buf[0] == startLong {
			if len(d.buf) < 4 {
				break
			}
			hdr = 4
			bodyLen = int(binary.BigEndian.Uint16(d.buf[2:4]))
		} else {
			if len(d.buf) < 3 {
				break
			}
			bodyLen = int(d.buf[2])
		}
		total := hdr + bodyLen + 2
		if bodyLen < 5 {
			errs = append(errs, protocol.NewDecodeError(Name, fmt.Sprintf("bad length %d", bodyLen), d.buf[:hdr]))
			d.buf = d.buf[2:]
			continue
		}
		if len(d.buf) < total {
			if len(d.buf) > maxBuffer {
				errs = append(errs, protocol.NewDecodeError(Name, "buffer overflow", nil))
				d.buf = nil
			}
			break
		}

		frame := d.buf[:total]
		if frame[total-2] != stop1 || frame[total-1] != stop2 {
			errs = append(errs, protocol.NewDecodeError(Name, "missing stop bits", frame))
			d.buf = d.buf[2:]
			continue
		}
		d.buf = d.buf[total:]

		if err := d.handleFrame(frame, hdr); err != nil {
			errs = append(errs, err)
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return errors.Join(errs...)
}

func nextStart(b []byte) int {
	for i := 1; i+1 < len(b); i++ {
		if (b[i] == startShort || b[i] == startLong) && b[i+1] == b[i] {
			return i
		}
	}
	return -1
}

func (d *Decoder) handleFrame(frame []byte, hdr int) error {
	crcStart := 2
	crcEnd := len(frame) - 4
	got := binary.BigEndian.Uint16(frame[crcEnd : crcEnd+2])
	if want := CRC(frame[crcStart:crcEnd]); got != want {
		return protocol.NewDecodeError(Name, fmt.Sprintf("crc mismatch: got %04x want %04x", got, want), frame)
	}

	proto := frame[hdr]
	content := frame[hdr+1 : crcEnd-2]
	serial := frame[crcEnd-2 : crcEnd]

	switch proto {
	case msgLogin:
		if len(content) < 8 {
			return protocol.NewDecodeError(Name, "login too short", frame)
		}
		d.imei = strings.TrimPrefix(hex.EncodeToString(content[:8]), "0")
		d.msgs = append(d.msgs, protocol.Message{
			DeviceID:  d.imei,
			Event:     protocol.EventLogin,
			ParseTime: d.now(),
		})
		d.reply(proto, serial)

	case msgLocation, msgLocation2:
		msg, err := d.decodeGPS(content, frame)
		if err != nil {
			return err
		}
		msg.Event = protocol.EventLocation
		d.msgs = append(d.msgs, msg)

	case msgStatus:
		if len(content) < 3 {
			return protocol.NewDecodeError(Name, "status too short", frame)
		}
		d.msgs = append(d.msgs, protocol.Message{
			DeviceID:   d.imei,
			Event:      protocol.EventStatus,
			ParseTime:  d.now(),
			Attributes: terminalInfo(content[0], content[1], content[2]),
		})
		d.reply(proto, serial)

	case msgAlarm, msgAlarmFence:
		msg, err := d.decodeGPS(content, frame)
		if err != nil {
			return err
		}
		msg.Event = protocol.EventAlarm
		// datetime6 gps12 lbs9 -> terminal info, voltage, gsm, alarm, lang
		if len(content) >= 31 {
			for k, v := range terminalInfo(content[27], content[28], content[29]) {
				msg.Attributes[k] = v
			}
			name, ok := alarmNames[content[30]]
			if !ok {
				name = fmt.Sprintf("alarm_%02x", content[30])
			}
			msg.Detail = name
		}
		d.msgs = append(d.msgs, msg)
		d.reply(proto, serial)

	default:
		return protocol.NewDecodeError(Name, fmt.Sprintf("unsupported protocol number 0x%02x", proto), frame)
	}
	return nil
}

// decodeGPS lee datetime(6) sats(1) lat(4) lon(4) speed(1) course/status(2).
func (d *Decoder) decodeGPS(content, frame []byte) (protocol.Message, error) {
	if len(content) < 18 {
		return protocol.Message{}, protocol.NewDecodeError(Name, "gps block too short", frame)
	}
	fixTime := time.Date(2000+int(content[0]), time.Month(content[1]), int(content[2]),
		int(content[3]), int(content[4]), int(content[5]), 0, time.UTC)

	lat := float64(binary.BigEndian.Uint32(content[7:11])) / 1800000
	lon := float64(binary.BigEndian.Uint32(content[11:15])) / 1800000
	speed := float64(content[15])
	cs := binary.BigEndian.Uint16(content[16:18])

	if cs&0x0400 == 0 {
		lat = -lat
	}
	if cs&0x0800 != 0 {
		lon = -lon
	}
	fix := protocol.FixInvalid
	if cs&0x1000 != 0 {
		fix = protocol.FixValid
	}

	return protocol.Message{
		DeviceID:    d.imei,
		HasPosition: true,
		Latitude:    lat,
		Longitude:   lon,
		Speed:       speed,
		Heading:     float64(cs & 0x03FF),
		FixTime:     fixTime,
		Fix:         fix,
		ParseTime:   d.now(),
		Attributes: map[string]any{
			"sats": int(content[6] & 0x0F),
		},
	}, nil
}

func terminalInfo(info, voltage, gsm byte) map[string]any {
	return map[string]any{
		"acc":      info&0x02 != 0,
		"charging": info&0x04 != 0,
		"armed":    info&0x01 != 0,
		"voltage":  int(voltage),
		"gsm":      int(gsm),
	}
}

func (d *Decoder) reply(proto byte, serial []byte) {
	d.response = append(d.response, BuildResponse(proto, serial)...)
}

// BuildResponse arma el ACK que espera el equipo: 7878 05 proto serial crc 0D0A.
func BuildResponse(proto byte, serial []byte) []byte {
	body := []byte{0x05, proto, serial[0], serial[1]}
	crc := CRC(body)
	out := make([]byte, 0, 10)
	out = append(out, startShort, startShort)
	out = append(out, body...)
	out = append(out, byte(crc>>8), byte(crc), stop1, stop2)
	return out
}

// CRC is CRC-ITU (CRC-16/X-25) as used by GT06 frames.
func CRC(b []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, v := range b {
		crc ^= uint16(v)
		for i := 0; i < 8; i++ {
			if crc&1 == 1 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}
