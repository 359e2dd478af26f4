package link

// DeviceState es el tipo de evento de ciclo de vida que se envía al proxy.
type DeviceState int

const (
	DeviceStateUnknown    DeviceState = iota
	DeviceStateConnect                // device_connect: true
	DeviceStateDisconnect             // device_disconnect: true
)

// DeviceInfo is the per-connection view of a device sent downstream.
type DeviceInfo struct {
	IMEI       string
	Protocol   string
	SessionID  string
	RemoteIP   string
	RemotePort int
	State      DeviceState
}
