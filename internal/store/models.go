package store

import "time"

// Controller is a persisted Polaris control unit.
type Controller struct {
	Serial       string    `json:"serial"`
	Name         string    `json:"name"`
	PlantID      int       `json:"plant_id"`
	PlantName    string    `json:"plant_name,omitempty"`
	FWVer        string    `json:"fw_version,omitempty"`
	IP           string    `json:"ip,omitempty"`
	IsOff        bool      `json:"is_off"`
	Mode         string    `json:"mode,omitempty"` // heat, cool, dry, fan_only
	DuctTemp     float64   `json:"duct_temperature,omitempty"`
	NumErrors    int       `json:"num_errors"`
	LastSyncUpd  string    `json:"last_sync_update,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Zone is a persisted air-conditioning zone under a controller.
// Temperatures are in celsius; Humidity and Shutter in percent.
type Zone struct {
	Key          string    `json:"key"` // "<plantID>_<serial>_<zoneID>"
	Serial       string    `json:"serial"`
	PlantID      int       `json:"plant_id"`
	ZoneID       int       `json:"zone_id"`
	Name         string    `json:"name"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	IsOff        bool      `json:"is_off"`
	IsMaster     bool      `json:"is_master"`
	Temperature  float64   `json:"temperature"`
	SetTemp      float64   `json:"target_temperature"`
	Humidity     float64   `json:"humidity"`
	Shutter      float64   `json:"shutter_percent"`
	ShutterAuto  bool      `json:"shutter_auto"`
	FanMode      string    `json:"fan_mode,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// DisplayName returns the friendly name if the user set one.
func (z *Zone) DisplayName() string {
	if z.FriendlyName != "" {
		return z.FriendlyName
	}
	return z.Name
}

// Identity holds per-installation bridge state. The device id keys the
// cloud cipher and must never change once generated.
// DeviceID is hidden from API/JSON serialization via json:"-".
type Identity struct {
	DeviceID  string    `json:"-"`
	UserID    int       `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// identityStorage is the internal struct used for DB serialization,
// preserving the device id on disk.
type identityStorage struct {
	DeviceID  string    `json:"device_id"`
	UserID    int       `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
