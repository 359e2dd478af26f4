package gt06

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

func buildFrame(proto byte, content []byte, serial uint16) []byte {
	body := []byte{byte(1 + len(content) + 2 + 2), proto}
	body = append(body, content...)
	body = binary.BigEndian.AppendUint16(body, serial)
	crc := CRC(body)

	out := []byte{0x78, 0x78}
	out = append(out, body...)
	out = binary.BigEndian.AppendUint16(out, crc)
	return append(out, 0x0D, 0x0A)
}

func loginFrame(serial uint16) []byte {
	return buildFrame(msgLogin, []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45}, serial)
}

func gpsContent(ts time.Time, lat, lon float64, speed byte, courseStatus uint16) []byte {
	c := []byte{
		byte(ts.Year() - 2000), byte(ts.Month()), byte(ts.Day()),
		byte(ts.Hour()), byte(ts.Minute()), byte(ts.Second()),
		0xC9, // 12 bytes gps info, 9 sats
	}
	c = binary.BigEndian.AppendUint32(c, uint32(lat*1800000))
	c = binary.BigEndian.AppendUint32(c, uint32(lon*1800000))
	c = append(c, speed)
	return binary.BigEndian.AppendUint16(c, courseStatus)
}

func TestParse_LoginReplies(t *testing.T) {
	d := newTestDecoder()

	err := d.Parse(loginFrame(1))
	require.NoError(t, err)

	assert.Equal(t, "123456789012345", d.DeviceID())
	assert.True(t, d.ExpectsResponse())
	assert.Equal(t, BuildResponse(msgLogin, []byte{0x00, 0x01}), d.Response())

	msgs := d.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.EventLogin, msgs[0].Event)
}

func TestParse_Location(t *testing.T) {
	d := newTestDecoder()
	fix := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// positioned | north | west | course 90
	content := gpsContent(fix, 37.5, 122.1, 42, 0x1000|0x0400|0x0800|90)
	data := append(loginFrame(1), buildFrame(msgLocation, content, 2)...)

	require.NoError(t, d.Parse(data))

	msgs := d.Messages()
	require.Len(t, msgs, 2)
	m := msgs[1]
	assert.Equal(t, protocol.EventLocation, m.Event)
	assert.Equal(t, "123456789012345", m.DeviceID)
	assert.InDelta(t, 37.5, m.Latitude, 1e-6)
	assert.InDelta(t, -122.1, m.Longitude, 1e-6)
	assert.Equal(t, 42.0, m.Speed)
	assert.Equal(t, 90.0, m.Heading)
	assert.Equal(t, protocol.FixValid, m.Fix)
	assert.True(t, fix.Equal(m.FixTime))
	assert.Equal(t, parseTime, m.ParseTime)
	assert.Equal(t, 9, m.Attributes["sats"])

	// location frames are not acknowledged, only the login
	assert.Equal(t, BuildResponse(msgLogin, []byte{0x00, 0x01}), d.Response())
}

func TestParse_NotPositioned(t *testing.T) {
	d := newTestDecoder()
	content := gpsContent(parseTime, 10, 10, 0, 0x0400)

	require.NoError(t, d.Parse(buildFrame(msgLocation, content, 3)))
	require.Len(t, d.Messages(), 1)
	assert.Equal(t, protocol.FixInvalid, d.Messages()[0].Fix)
}

func TestParse_PartialFrame(t *testing.T) {
	d := newTestDecoder()
	frame := loginFrame(7)

	require.NoError(t, d.Parse(frame[:5]))
	assert.Empty(t, d.Messages())
	assert.False(t, d.ExpectsResponse())

	require.NoError(t, d.Parse(frame[5:]))
	assert.Len(t, d.Messages(), 1)
	assert.True(t, d.ExpectsResponse())
}

func TestParse_RepliesInFrameOrder(t *testing.T) {
	d := newTestDecoder()
	status := []byte{0x06, 0x04, 0x03, 0x00, 0x01}
	data := append(buildFrame(msgStatus, status, 10), buildFrame(msgStatus, status, 11)...)

	require.NoError(t, d.Parse(data))

	want := append(BuildResponse(msgStatus, []byte{0x00, 0x0A}), BuildResponse(msgStatus, []byte{0x00, 0x0B})...)
	assert.Equal(t, want, d.Response())
	require.Len(t, d.Messages(), 2)
	assert.Equal(t, protocol.EventStatus, d.Messages()[0].Event)
	assert.Equal(t, true, d.Messages()[0].Attributes["acc"])
	assert.Equal(t, true, d.Messages()[0].Attributes["charging"])
}

func TestParse_BadCRCDoesNotBlockNextFrame(t *testing.T) {
	d := newTestDecoder()
	bad := loginFrame(1)
	bad[len(bad)-3] ^= 0xFF

	err := d.Parse(append(bad, loginFrame(2)...))
	require.Error(t, err)

	var de *protocol.DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, Name, de.Protocol)
	assert.Contains(t, de.Reason, "crc mismatch")

	require.Len(t, d.Messages(), 1)
	assert.Equal(t, BuildResponse(msgLogin, []byte{0x00, 0x02}), d.Response())
}

func TestParse_GarbageThenFrame(t *testing.T) {
	d := newTestDecoder()

	err := d.Parse([]byte{0x01, 0x02, 0x03})
	var de *protocol.DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "missing start bits", de.Reason)

	require.NoError(t, d.Parse(loginFrame(3)))
	assert.Len(t, d.Messages(), 1)
}

func TestParse_ResponseResetEachCall(t *testing.T) {
	d := newTestDecoder()
	require.NoError(t, d.Parse(loginFrame(1)))
	assert.True(t, d.ExpectsResponse())

	content := gpsContent(parseTime, 1, 1, 0, 0x1400)
	require.NoError(t, d.Parse(buildFrame(msgLocation, content, 2)))
	assert.False(t, d.ExpectsResponse())
	assert.Nil(t, d.Response())
}

func TestParse_Alarm(t *testing.T) {
	d := newTestDecoder()
	content := gpsContent(parseTime, 1, 2, 0, 0x1400)
	content = append(content, 0x08, 0x01, 0xCC, 0x00, 0x28, 0x7D, 0x00, 0x1F, 0xB8) // lbs
	content = append(content, 0x04, 0x06, 0x04, 0x01, 0x02)                         // info, volt, gsm, alarm, lang

	require.NoError(t, d.Parse(buildFrame(msgAlarm, content, 5)))
	require.Len(t, d.Messages(), 1)
	m := d.Messages()[0]
	assert.Equal(t, protocol.EventAlarm, m.Event)
	assert.Equal(t, "sos", m.Detail)
	assert.Equal(t, BuildResponse(msgAlarm, []byte{0x00, 0x05}), d.Response())

	d.ClearMessages()
	assert.Empty(t, d.Messages())
}

func TestParse_UnsupportedProtocol(t *testing.T) {
	d := newTestDecoder()
	err := d.Parse(buildFrame(0x8A, []byte{0x00}, 1))

	var de *protocol.DecodeError
	require.True(t, errors.As(err, &de))
	assert.Contains(t, de.Reason, "unsupported protocol number 0x8a")
}

func TestCRC(t *testing.T) {
	// CRC-16/X-25 check value
	assert.Equal(t, uint16(0x906E), CRC([]byte("123456789")))
}
