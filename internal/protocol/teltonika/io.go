package teltonika

import "strconv"

// IDs de IO permanentes de la familia FMxxx.
const (
	IODIn1          = 1
	IODIn2          = 2
	IOTotalOdometer = 16
	IOGSMSignal     = 21
	IOSpeed         = 24
	IOExtVoltage    = 66
	IOBatteryVolt   = 67
	IOGnssStatus    = 69
	IODallasTemp1   = 72
	IODataMode      = 80
	IOBattLevel     = 113
	IODOut1         = 179
	IOGnssPDOP      = 181
	IOGnssHDOP      = 182
	IOTripOdometer  = 199
	IOSleepMode     = 200
	IOIgnition      = 239
	IOMovement      = 240
)

var ioNames = map[uint16]string{
	IODIn1:          "din1",
	IODIn2:          "din2",
	IOTotalOdometer: "total_odometer",
	IOGSMSignal:     "gsm_signal",
	IOSpeed:         "vehicle_speed",
	IOExtVoltage:    "external_voltage_mv",
	IOBatteryVolt:   "battery_voltage_mv",
	IOGnssStatus:    "gnss_status",
	IODallasTemp1:   "dallas_temp1",
	IODataMode:      "data_mode",
	IOBattLevel:     "battery_level",
	IODOut1:         "dout1",
	IOGnssPDOP:      "pdop",
	IOGnssHDOP:      "hdop",
	IOTripOdometer:  "trip_odometer",
	IOSleepMode:     "sleep_mode",
	IOIgnition:      "ignition",
	IOMovement:      "movement",
}

// IOName returns the attribute key for an IO element id.
func IOName(id uint16) string {
	if n, ok := ioNames[id]; ok {
		return n
	}
	return "io" + strconv.Itoa(int(id))
}
