package domain

// RDF302 register map. The thermostat mirrors every writable holding register
// with a read-only input register, so polling never races a pending write
// acknowledgement.
const (
	// Input registers (read-only).
	RegRoomTemp   uint16 = 0
	RegSetpointRO uint16 = 1
	RegFanSpeedRO uint16 = 2
	RegPresetRO   uint16 = 3

	// Holding registers (read/write).
	RegHeatCoolRW uint16 = 2
	RegSetpointRW uint16 = 3
	RegFanSpeedRW uint16 = 4
	RegPresetRW   uint16 = 5
)

// Temperature limits and encoding. The device transports temperatures as
// raw = °C * 50, giving two-hundredths resolution; the UI exposes tenths.
const (
	TempScale   = 50.0
	MinTempC    = 5.0
	MaxTempC    = 40.0
	TempStepC   = 0.1
	DefaultPort = 502
)

// HVACMode is the heat/cool operating mode of the thermostat.
type HVACMode string

const (
	HVACCool HVACMode = "cool"
	HVACHeat HVACMode = "heat"
)

// PresetMode selects the RDF302 energy profile.
type PresetMode string

const (
	PresetComfort PresetMode = "comfort"
	PresetEco     PresetMode = "eco"
	PresetAway    PresetMode = "away"
)

// FanMode is the fan speed selection.
type FanMode string

const (
	FanOff    FanMode = "off"
	FanAuto   FanMode = "auto"
	FanLow    FanMode = "low"
	FanMedium FanMode = "medium"
	FanHigh   FanMode = "high"
)

// RawToTemp decodes a register value into degrees Celsius.
func RawToTemp(raw uint16) float64 {
	return float64(raw) / TempScale
}

// TempToRaw encodes degrees Celsius into a register value. The bool reports
// whether the temperature is inside the device's accepted range.
func TempToRaw(tempC float64) (uint16, bool) {
	if tempC < MinTempC || tempC > MaxTempC {
		return 0, false
	}
	return uint16(tempC*TempScale + 0.5), true
}

// HVACModeFromRaw maps a register value to an HVAC mode. Unknown values
// decode as heat, matching the device's power-on default.
func HVACModeFromRaw(raw uint16) HVACMode {
	switch raw {
	case 0:
		return HVACCool
	case 1:
		return HVACHeat
	default:
		return HVACHeat
	}
}

// RawValue returns the register encoding of the HVAC mode.
func (m HVACMode) RawValue() uint16 {
	if m == HVACHeat {
		return 1
	}
	return 0
}

// PresetFromRaw maps a register value to a preset mode. Unknown values decode
// as away, the device's most conservative profile.
func PresetFromRaw(raw uint16) PresetMode {
	switch raw {
	case 1:
		return PresetComfort
	case 3:
		return PresetEco
	case 4:
		return PresetAway
	default:
		return PresetAway
	}
}

// RawValue returns the register encoding of the preset mode.
func (p PresetMode) RawValue() uint16 {
	switch p {
	case PresetComfort:
		return 1
	case PresetEco:
		return 3
	default:
		return 4
	}
}

// FanModeFromRaw maps a fan speed register value to a fan mode. The device
// reports discrete steps of a percentage scale.
func FanModeFromRaw(raw uint16) FanMode {
	switch raw {
	case 0:
		return FanOff
	case 33:
		return FanLow
	case 66:
		return FanMedium
	case 100:
		return FanHigh
	default:
		return FanOff
	}
}

// RawValue returns the register encoding of the fan mode. Auto and off share
// the zero encoding on the wire.
func (f FanMode) RawValue() uint16 {
	switch f {
	case FanLow:
		return 33
	case FanMedium:
		return 66
	case FanHigh:
		return 100
	default:
		return 0
	}
}

// ParseHVACMode parses a user-supplied mode string.
func ParseHVACMode(s string) (HVACMode, bool) {
	switch HVACMode(s) {
	case HVACCool, HVACHeat:
		return HVACMode(s), true
	}
	return "", false
}

// ParsePresetMode parses a user-supplied preset string.
func ParsePresetMode(s string) (PresetMode, bool) {
	switch PresetMode(s) {
	case PresetComfort, PresetEco, PresetAway:
		return PresetMode(s), true
	}
	return "", false
}

// ParseFanMode parses a user-supplied fan mode string.
func ParseFanMode(s string) (FanMode, bool) {
	switch FanMode(s) {
	case FanOff, FanAuto, FanLow, FanMedium, FanHigh:
		return FanMode(s), true
	}
	return "", false
}
