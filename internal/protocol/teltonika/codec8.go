// Package teltonika decodes Teltonika Codec 8 and Codec 8 Extended over TCP.
//
// Handshake = len(2)=0x000F | imei ascii(15)          -> 0x01
// AVL       = 00000000 | dataLen(4) | codec(1) | n1(1) | records | n2(1) | crc(4)
//
// The device expects the accepted record count as a 4 byte reply.
package teltonika

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"tracker-svr/internal/protocol"
)

const Name = "teltonika"

const (
	codec8  = 0x08
	codec8E = 0x8E

	maxPacket = 1280
)

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
	for len(d.buf) >= 2 {
		n := int(binary.BigEndian.Uint16(d.buf[:2]))
		if n != 0 {
			// handshake IMEI
			if n > 32 {
				errs = append(errs, protocol.NewDecodeError(Name, fmt.Sprintf("bad imei length %d", n), d.buf[:2]))
				d.buf = nil
				break
			}
			if len(d.buf) < 2+n {
				break
			}
			d.imei = string(d.buf[2 : 2+n])
			d.buf = d.buf[2+n:]
			d.msgs = append(d.msgs, protocol.Message{
				DeviceID:  d.imei,
				Event:     protocol.EventLogin,
				ParseTime: d.now(),
			})
			d.response = append(d.response, 0x01)
			continue
		}

		if len(d.buf) < 8 {
			break
		}
		if binary.BigEndian.Uint32(d.buf[:4]) != 0 {
			errs = append(errs, protocol.NewDecodeError(Name, "invalid preamble (expected 0x00000000)", d.buf[:4]))
			d.buf = nil
			break
		}
		dataLen := int(binary.BigEndian.Uint32(d.buf[4:8]))
		if dataLen < 3 || dataLen > maxPacket {
			errs = append(errs, protocol.NewDecodeError(Name, fmt.Sprintf("bad data length %d", dataLen), d.buf[:8]))
			d.buf = nil
			break
		}
		total := 8 + dataLen + 4
		if len(d.buf) < total {
			break
		}
		packet := d.buf[:total]
		d.buf = d.buf[total:]

		count, err := d.decodePacket(packet)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		d.response = binary.BigEndian.AppendUint32(d.response, uint32(count))
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return errors.Join(errs...)
}

func (d *Decoder) decodePacket(packet []byte) (int, error) {
	payload := packet[8 : len(packet)-4]
	crc := binary.BigEndian.Uint32(packet[len(packet)-4:])
	if want := uint32(CRC16IBM(payload)); crc != want {
		return 0, protocol.NewDecodeError(Name, fmt.Sprintf("crc mismatch: got %08x want %08x", crc, want), packet)
	}

	codecID := payload[0]
	if codecID != codec8 && codecID != codec8E {
		return 0, protocol.NewDecodeError(Name, fmt.Sprintf("unsupported codec 0x%02x", codecID), packet)
	}
	n1 := int(payload[1])
	if n2 := int(payload[len(payload)-1]); n1 != n2 {
		return 0, protocol.NewDecodeError(Name, fmt.Sprintf("record count mismatch %d/%d", n1, n2), packet)
	}

	r := &reader{data: payload[2 : len(payload)-1]}
	parseTime := d.now()
	msgs := make([]protocol.Message, 0, n1)
	for i := 0; i < n1; i++ {
		msg, err := d.readRecord(r, codecID == codec8E)
		if err != nil {
			return 0, protocol.NewDecodeError(Name, fmt.Sprintf("record %d: %v", i, err), packet)
		}
		msg.ParseTime = parseTime
		msgs = append(msgs, msg)
	}
	d.msgs = append(d.msgs, msgs...)
	return n1, nil
}

func (d *Decoder) readRecord(r *reader, extended bool) (protocol.Message, error) {
	ts := r.u64()
	priority := r.u8()
	lon := float64(int32(r.u32())) / 10000000
	lat := float64(int32(r.u32())) / 10000000
	alt := int16(r.u16())
	angle := r.u16()
	sats := int(r.u8())
	speed := r.u16()
	if r.err != nil {
		return protocol.Message{}, r.err
	}

	width := r.u8AsInt
	if extended {
		width = r.u16AsInt
	}
	eventID := uint16(width())
	_ = width() // total IO, implied by the groups

	attrs := map[string]any{
		"priority": int(priority),
		"altitude": int(alt),
		"sats":     sats,
	}
	for _, size := range []int{1, 2, 4, 8} {
		count := width()
		for j := 0; j < count && r.err == nil; j++ {
			id := uint16(width())
			attrs[IOName(id)] = r.uint(size)
		}
	}
	if extended {
		count := width()
		for j := 0; j < count && r.err == nil; j++ {
			id := uint16(width())
			size := width()
			attrs[IOName(id)] = r.bytes(size)
		}
	}
	if r.err != nil {
		return protocol.Message{}, r.err
	}

	msg := protocol.Message{
		DeviceID:    d.imei,
		Event:       protocol.EventLocation,
		HasPosition: true,
		Latitude:    lat,
		Longitude:   lon,
		Speed:       float64(speed),
		Heading:     float64(angle),
		FixTime:     time.UnixMilli(int64(ts)).UTC(),
		Fix:         fixFromSats(sats, lat, lon),
		Attributes:  attrs,
	}
	if eventID != 0 {
		msg.Event = protocol.EventStatus
		msg.Detail = IOName(eventID)
	}
	return msg, nil
}

// fixFromSats: el equipo no trae bandera de fix; se considera válido con más
// de 3 satélites y coordenadas distintas de 0,0.
func fixFromSats(sats int, lat, lon float64) protocol.FixState {
	if sats > 3 && !(lat == 0 && lon == 0) {
		return protocol.FixValid
	}
	return protocol.FixInvalid
}

// CRC16IBM is CRC-16/ARC, carried in the low half of the 4 byte CRC field.
func CRC16IBM(b []byte) uint16 {
	var crc uint16
	for _, v := range b {
		crc ^= uint16(v)
		for i := 0; i < 8; i++ {
			if (crc & 1) == 1 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// reader evita panic si el offset excede el buffer; el primer error se queda.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.data) {
		r.err = fmt.Errorf("buffer overflow: tried to read %d bytes at offset %d (len=%d)", n, r.off, len(r.data))
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) u8AsInt() int  { return int(r.u8()) }
func (r *reader) u16AsInt() int { return int(r.u16()) }

func (r *reader) uint(size int) uint64 {
	switch size {
	case 1:
		return uint64(r.u8())
	case 2:
		return uint64(r.u16())
	case 4:
		return uint64(r.u32())
	default:
		return r.u64()
	}
}

func (r *reader) bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
