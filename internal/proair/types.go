package proair

import "fmt"

// Plant is an installation site owned by the account. Field names follow
// the vendor API payloads.
type Plant struct {
	ID      int           `json:"LVPL_Id"`
	Name    string        `json:"LVPL_Name"`
	OwnerID int           `json:"LVPL_USAN_Id"`
	Icon    int           `json:"LVPL_Icon"`
	Units   []ControlUnit `json:"ListDevices"`
}

// ControlUnit is one physical controller (e.g. a Polaris 5X) under a plant.
type ControlUnit struct {
	Type          int    `json:"LVDV_Type"`
	ID            int    `json:"LVDV_Id"`
	DevID         string `json:"DevId"`
	Serial        string `json:"Serial"`
	Name          string `json:"Name"`
	FWVer         string `json:"FWVer"`
	OperatingMode int    `json:"OperatingMode"`
	IsOff         bool   `json:"IsOff"`
	LastConfigUpd string `json:"LastConfigUpd"`
	LastSyncUpd   string `json:"LastSyncUpd"`
	Timezone      string `json:"LastAddTimezone"`
	NumErrors     int    `json:"NUM_ERROR"`
}

// ControlUnitState is the live state of a control unit and its zones, as
// returned by GetCUState. Temperatures are in decidegrees Celsius.
type ControlUnitState struct {
	Serial           string      `json:"Serial"`
	Name             string      `json:"Name"`
	FWVer            string      `json:"FWVer"`
	IsOff            bool        `json:"IsOFF"`
	IsCooling        bool        `json:"IsCooling"`
	CoolingMode      int         `json:"OperatingModeCooling"`
	DuctTemp         int         `json:"TempCan"`
	Errors           []any       `json:"Errors"`
	NumErrors        int         `json:"NumErrors"`
	Icon             int         `json:"Icon"`
	IP               string      `json:"IP"`
	WinterFlag       int         `json:"FInv"`
	SummerFlag       int         `json:"FEst"`
	LastConfigUpdate string      `json:"LastConfigUpdate"`
	LastSyncUpdate   string      `json:"LastSyncUpdate"`
	Zones            []ZoneState `json:"Zones"`
}

// ZoneState is the live state of one air-conditioning zone.
type ZoneState struct {
	ZoneID      int    `json:"ZoneId"`
	Name        string `json:"Name"`
	IsOff       bool   `json:"IsOFF"`
	IsMaster    bool   `json:"IsMaster"`
	Temp        int    `json:"Temp"`    // decidegrees
	SetTemp     int    `json:"SetTemp"` // decidegrees
	Humidity    int    `json:"Umd"`     // deci-percent
	Shutter     int    `json:"Serranda"`
	ShutterSet  int    `json:"SerrandaSet"`
	ChronoOn    bool   `json:"IsCrono"`
}

// SystemMode is the operating mode of a control unit.
type SystemMode string

const (
	ModeHeat    SystemMode = "heat"
	ModeCool    SystemMode = "cool"
	ModeDry     SystemMode = "dry"
	ModeFanOnly SystemMode = "fan_only"
)

// Cooling-mode codes used by the upd_cu command.
const (
	coolingModeCool = 1
	coolingModeDry  = 2
	coolingModeFan  = 3
)

// Mode decodes the unit's mode from its cooling flags. IsCooling false
// means the unit is heating regardless of the cooling mode code.
func (s *ControlUnitState) Mode() SystemMode {
	if !s.IsCooling {
		return ModeHeat
	}
	switch s.CoolingMode {
	case coolingModeDry:
		return ModeDry
	case coolingModeFan:
		return ModeFanOnly
	default:
		return ModeCool
	}
}

// FanMode is a zone fan/damper speed setting.
type FanMode string

const (
	FanAuto   FanMode = "auto"
	FanLow    FanMode = "low"
	FanMedium FanMode = "medium"
	FanHigh   FanMode = "high"
)

// FanModes lists all supported zone fan modes.
func FanModes() []FanMode {
	return []FanMode{FanAuto, FanLow, FanMedium, FanHigh}
}

// FanModeFromShutter decodes a SerrandaSet value. 0 and anything with the
// auto bit (>=16) map to auto.
func FanModeFromShutter(v int) FanMode {
	switch v {
	case 1:
		return FanLow
	case 2:
		return FanMedium
	case 3:
		return FanHigh
	default:
		return FanAuto
	}
}

// ShutterFromFanMode encodes a fan mode as a shu_set/fan_set command value.
// Auto is commanded as 16 (the auto bit).
func ShutterFromFanMode(m FanMode) int {
	switch m {
	case FanLow:
		return 1
	case FanMedium:
		return 2
	case FanHigh:
		return 3
	default:
		return 16
	}
}

// ShutterPercent converts a Serranda value to an opening percentage. The
// low nibble carries the position 0-3; bit 4 flags auto mode and is masked
// off.
func ShutterPercent(serranda int) float64 {
	return float64(serranda&0x0F) * 100.0 / 3.0
}

// ShutterAuto reports whether the shutter is under automatic control.
func ShutterAuto(serranda int) bool {
	return serranda == 0 || serranda >= 16
}

// Setpoint limits enforced by the controllers, in celsius.
const (
	MinTemp = 16.0
	MaxTemp = 31.0
)

// Celsius converts an API decidegree value.
func Celsius(deci int) float64 {
	return float64(deci) / 10.0
}

// Decidegrees converts celsius to the API's integer representation.
func Decidegrees(celsius float64) int {
	return int(celsius * 10)
}

// ClampTemp limits a setpoint to the controller's supported range.
func ClampTemp(celsius float64) float64 {
	if celsius < MinTemp {
		return MinTemp
	}
	if celsius > MaxTemp {
		return MaxTemp
	}
	return celsius
}

// APIError is a non-zero ResCode returned by the cloud.
type APIError struct {
	Op      string
	ResCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("proair %s: api error code %d", e.Op, e.ResCode)
}

// StatusError is an unexpected HTTP status from the cloud.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("proair %s: http status %d", e.Op, e.Status)
}
