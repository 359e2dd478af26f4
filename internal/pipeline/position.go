package pipeline

import (
	"time"

	"tracker-svr/internal/protocol"
)

// Position es el registro canónico que sale del pipeline hacia los sinks.
type Position struct {
	DeviceID string `json:"imei"`
	Protocol string `json:"protocol"`
	Event    string `json:"event"`
	Detail   string `json:"detail,omitempty"`

	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	FixTime      time.Time `json:"fixTime"`
	FixTimestamp int64     `json:"fixTimestamp"`
	Speed        float64   `json:"speed"`
	Course       float64   `json:"course"`
	ParseTime    time.Time `json:"parseTime"`

	Attributes map[string]any `json:"attributes,omitempty"`

	// Location es true solo para eventos "location"; decide si se persiste.
	Location bool `json:"-"`
}

// BuildPosition maps an already validated message into the canonical record.
func BuildPosition(proto string, msg protocol.Message) Position {
	fix := msg.FixTime.UTC().Truncate(time.Second)
	return Position{
		DeviceID:     msg.DeviceID,
		Protocol:     proto,
		Event:        string(msg.Event),
		Detail:       msg.Detail,
		Lat:          msg.Latitude,
		Lon:          msg.Longitude,
		FixTime:      fix,
		FixTimestamp: fix.Unix(),
		Speed:        msg.Speed,
		Course:       msg.Heading,
		ParseTime:    msg.ParseTime.UTC(),
		Attributes:   msg.Attributes,
		Location:     msg.Event == protocol.EventLocation,
	}
}
