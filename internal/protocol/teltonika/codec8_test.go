package teltonika

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracker-svr/internal/protocol"
)

var parseTime = time.Date(2024, 1, 1, 0, 0, 2, 0, time.UTC)

func newTestDecoder() *Decoder {
	d := New().(*Decoder)
	d.now = func() time.Time { return parseTime }
	return d
}

func handshake(imei string) []byte {
	out := binary.BigEndian.AppendUint16(nil, uint16(len(imei)))
	return append(out, imei...)
}

func gpsElement(ts time.Time, lat, lon float64, sats byte) []byte {
	b := binary.BigEndian.AppendUint64(nil, uint64(ts.UnixMilli()))
	b = append(b, 0x01) // priority
	b = binary.BigEndian.AppendUint32(b, uint32(int32(lon*10000000)))
	b = binary.BigEndian.AppendUint32(b, uint32(int32(lat*10000000)))
	b = binary.BigEndian.AppendUint16(b, 120) // altitude
	b = binary.BigEndian.AppendUint16(b, 90)  // angle
	b = append(b, sats)
	return binary.BigEndian.AppendUint16(b, 55) // speed
}

// codec 8: event 0, one 1-byte IO (ignition=1), one 2-byte IO (ext voltage)
func record8(ts time.Time, lat, lon float64, sats byte, eventID byte) []byte {
	b := gpsElement(ts, lat, lon, sats)
	b = append(b, eventID, 2)
	b = append(b, 1, IOIgnition, 1)
	b = append(b, 1, IOExtVoltage, 0x30, 0x39)
	return append(b, 0, 0)
}

func record8E(ts time.Time, lat, lon float64) []byte {
	b := gpsElement(ts, lat, lon, 9)
	b = binary.BigEndian.AppendUint16(b, 0) // event id
	b = binary.BigEndian.AppendUint16(b, 2) // total
	b = binary.BigEndian.AppendUint16(b, 1) // N1
	b = binary.BigEndian.AppendUint16(b, IOMovement)
	b = append(b, 1)
	b = binary.BigEndian.AppendUint16(b, 0) // N2
	b = binary.BigEndian.AppendUint16(b, 0) // N4
	b = binary.BigEndian.AppendUint16(b, 0) // N8
	b = binary.BigEndian.AppendUint16(b, 1) // NX
	b = binary.BigEndian.AppendUint16(b, 385)
	b = binary.BigEndian.AppendUint16(b, 3)
	return append(b, 0xAA, 0xBB, 0xCC)
}

func packet(codec byte, records ...[]byte) []byte {
	payload := []byte{codec, byte(len(records))}
	for _, r := range records {
		payload = append(payload, r...)
	}
	payload = append(payload, byte(len(records)))

	out := []byte{0, 0, 0, 0}
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	return binary.BigEndian.AppendUint32(out, uint32(CRC16IBM(payload)))
}

func TestParse_Handshake(t *testing.T) {
	d := newTestDecoder()

	require.NoError(t, d.Parse(handshake("356307042441013")))
	assert.Equal(t, "356307042441013", d.DeviceID())
	assert.Equal(t, []byte{0x01}, d.Response())
	require.Len(t, d.Messages(), 1)
	assert.Equal(t, protocol.EventLogin, d.Messages()[0].Event)
}

func TestParse_Codec8(t *testing.T) {
	d := newTestDecoder()
	fix := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, d.Parse(handshake("356307042441013")))
	d.ClearMessages()

	data := packet(codec8, record8(fix, 37.5, -122.1, 9, 0), record8(fix, 37.5, -122.1, 2, IOIgnition))
	require.NoError(t, d.Parse(data))

	assert.Equal(t, []byte{0, 0, 0, 2}, d.Response())
	msgs := d.Messages()
	require.Len(t, msgs, 2)

	m := msgs[0]
	assert.Equal(t, "356307042441013", m.DeviceID)
	assert.Equal(t, protocol.EventLocation, m.Event)
	assert.Equal(t, protocol.FixValid, m.Fix)
	assert.InDelta(t, 37.5, m.Latitude, 1e-7)
	assert.InDelta(t, -122.1, m.Longitude, 1e-7)
	assert.Equal(t, 55.0, m.Speed)
	assert.Equal(t, 90.0, m.Heading)
	assert.True(t, fix.Equal(m.FixTime))
	assert.Equal(t, parseTime, m.ParseTime)
	assert.Equal(t, uint64(1), m.Attributes["ignition"])
	assert.Equal(t, uint64(12345), m.Attributes["external_voltage_mv"])

	assert.Equal(t, protocol.EventStatus, msgs[1].Event)
	assert.Equal(t, "ignition", msgs[1].Detail)
	assert.Equal(t, protocol.FixInvalid, msgs[1].Fix)
}

func TestParse_Codec8Extended(t *testing.T) {
	d := newTestDecoder()
	fix := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	data := append(handshake("356307042441013"), packet(codec8E, record8E(fix, 10, 20))...)
	require.NoError(t, d.Parse(data))

	assert.Equal(t, []byte{0x01, 0, 0, 0, 1}, d.Response())
	require.Len(t, d.Messages(), 2)
	m := d.Messages()[1]
	assert.Equal(t, uint64(1), m.Attributes["movement"])
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, m.Attributes["io385"])
}

func TestParse_SplitPacket(t *testing.T) {
	d := newTestDecoder()
	require.NoError(t, d.Parse(handshake("1")))

	data := packet(codec8, record8(parseTime, 1, 1, 5, 0))
	require.NoError(t, d.Parse(data[:20]))
	assert.False(t, d.ExpectsResponse())

	require.NoError(t, d.Parse(data[20:]))
	assert.Equal(t, []byte{0, 0, 0, 1}, d.Response())
}

func TestParse_BadCRCThenValidPacket(t *testing.T) {
	d := newTestDecoder()
	require.NoError(t, d.Parse(handshake("1")))
	d.ClearMessages()

	bad := packet(codec8, record8(parseTime, 1, 1, 5, 0))
	bad[len(bad)-1] ^= 0xFF

	err := d.Parse(append(bad, packet(codec8, record8(parseTime, 2, 2, 5, 0))...))
	var de *protocol.DecodeError
	require.True(t, errors.As(err, &de))
	assert.Contains(t, de.Reason, "crc mismatch")

	assert.Equal(t, []byte{0, 0, 0, 1}, d.Response())
	require.Len(t, d.Messages(), 1)
	assert.InDelta(t, 2.0, d.Messages()[0].Latitude, 1e-7)
}

func TestParse_TruncatedRecord(t *testing.T) {
	d := newTestDecoder()
	rec := record8(parseTime, 1, 1, 5, 0)
	// declare two records but ship one
	payload := []byte{codec8, 2}
	payload = append(payload, rec...)
	payload = append(payload, 2)
	data := []byte{0, 0, 0, 0}
	data = binary.BigEndian.AppendUint32(data, uint32(len(payload)))
	data = append(data, payload...)
	data = binary.BigEndian.AppendUint32(data, uint32(CRC16IBM(payload)))

	err := d.Parse(data)
	var de *protocol.DecodeError
	require.True(t, errors.As(err, &de))
	assert.Contains(t, de.Reason, "buffer overflow")
	assert.Empty(t, d.Messages())
	assert.False(t, d.ExpectsResponse())
}

func TestIOName(t *testing.T) {
	assert.Equal(t, "ignition", IOName(IOIgnition))
	assert.Equal(t, "io9999", IOName(9999))
}
