package domain

import "time"

// OnlineWindow is how long a device stays online after its last accepted
// position before it is reported offline.
const OnlineWindow = 5 * time.Minute

type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
	StatusUnknown DeviceStatus = "unknown"
)

// Device is a tracked unit identified by the vendor-assigned unique id.
// The snapshot fields mirror the most recent accepted position.
type Device struct {
	ID       int64  `json:"id"`
	UniqueID string `json:"uniqueId"`
	Name     string `json:"name"`
	Protocol string `json:"protocol"`
	Disabled bool   `json:"disabled"`

	// SpeedLimit is the per-device overspeed threshold in km/h, 0 = none.
	SpeedLimit float64 `json:"speedLimit"`

	Status     DeviceStatus `json:"status"`
	LastUpdate time.Time    `json:"lastUpdate"`

	// Snapshot of the chronologically latest position.
	LastPositionTime time.Time `json:"lastPositionTime"`
	LastLatitude     float64   `json:"lastLatitude"`
	LastLongitude    float64   `json:"lastLongitude"`
	LastSpeed        float64   `json:"lastSpeed"`
	LastCourse       float64   `json:"lastCourse"`
}

// EffectiveStatus derives the reportable status from lastUpdate. The stored
// status column is only a hint; online-ness is always recomputed on read.
func (d *Device) EffectiveStatus(now time.Time) DeviceStatus {
	if d.LastUpdate.IsZero() {
		return StatusUnknown
	}
	if now.Sub(d.LastUpdate) <= OnlineWindow {
		return StatusOnline
	}
	return StatusOffline
}

// Position is one normalized telemetry sample. Immutable once persisted.
type Position struct {
	ID       int64  `json:"id"`
	DeviceID int64  `json:"deviceId"`
	Protocol string `json:"protocol"`

	DeviceTime time.Time `json:"deviceTime"`
	FixTime    time.Time `json:"fixTime"`
	ServerTime time.Time `json:"serverTime"`

	Valid     bool    `json:"valid"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
	Speed     float64 `json:"speed"` // km/h
	Course    float64 `json:"course"`

	// Distance in meters from the previous position of the same device,
	// derived at ingest time.
	Distance float64 `json:"distance"`

	Attributes map[string]any `json:"attributes,omitempty"`
}

type GeofenceType string

const (
	GeofenceCircle    GeofenceType = "circle"
	GeofencePolygon   GeofenceType = "polygon"
	GeofenceRectangle GeofenceType = "rectangle"
	GeofenceRoute     GeofenceType = "route"
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Geometry holds exactly one variant matching the geofence type.
type Geometry struct {
	Center Point   `json:"center,omitempty"`
	Radius float64 `json:"radius,omitempty"` // meters, circle only

	// Ring is the outer ring for polygon/rectangle, implicitly closed.
	Ring []Point `json:"ring,omitempty"`

	// Line and Width describe a route corridor. Width is the full corridor
	// width in meters.
	Line  []Point `json:"line,omitempty"`
	Width float64 `json:"width,omitempty"`
}

// TimeWindow is a minute-of-day interval, inclusive on both ends. Windows do
// not wrap midnight; end < start is invalid input.
type TimeWindow struct {
	Start string `json:"start"` // HH:MM
	End   string `json:"end"`   // HH:MM
}

type Schedule struct {
	Enabled  bool         `json:"enabled"`
	Timezone string       `json:"timezone"`
	Days     []int        `json:"days"` // 0 = Sunday
	Times    []TimeWindow `json:"times"`
}

// AlertRule is one trigger kind's configuration inside a geofence.
type AlertRule struct {
	Enabled bool `json:"enabled"`

	// MaxSpeed applies to the speedLimit rule only, km/h.
	MaxSpeed float64 `json:"maxSpeed,omitempty"`

	// DwellMinutes applies to the onDwell rule only.
	DwellMinutes int `json:"dwellMinutes,omitempty"`
}

type AlertConfig struct {
	OnEnter    AlertRule `json:"onEnter"`
	OnExit     AlertRule `json:"onExit"`
	OnDwell    AlertRule `json:"onDwell"`
	SpeedLimit AlertRule `json:"speedLimit"`
}

// Geofence is a named region with an activation schedule and alert rules.
type Geofence struct {
	ID       int64        `json:"id"`
	Name     string       `json:"name"`
	Type     GeofenceType `json:"type"`
	Geometry Geometry     `json:"geometry"`
	Active   bool         `json:"active"`
	Schedule *Schedule    `json:"schedule,omitempty"`
	Alerts   AlertConfig  `json:"alerts"`

	// DeviceIDs restricts the geofence to specific devices. Empty means the
	// geofence applies to every device visible to its owner.
	DeviceIDs []int64 `json:"deviceIds,omitempty"`
}

// AppliesTo reports whether the geofence is associated with the device.
func (g *Geofence) AppliesTo(deviceID int64) bool {
	if len(g.DeviceIDs) == 0 {
		return true
	}
	for _, id := range g.DeviceIDs {
		if id == deviceID {
			return true
		}
	}
	return false
}

type EventKind string

const (
	EventGeofenceEnter   EventKind = "geofenceEnter"
	EventGeofenceExit    EventKind = "geofenceExit"
	EventGeofenceDwell   EventKind = "geofenceDwell"
	EventSpeedLimit      EventKind = "speedLimit"
	EventDeviceOverspeed EventKind = "deviceOverspeed"
)

// Event is an immutable alert record. Produced, never mutated.
type Event struct {
	ID         int64     `json:"id"`
	Kind       EventKind `json:"kind"`
	DeviceID   int64     `json:"deviceId"`
	PositionID int64     `json:"positionId"`
	GeofenceID int64     `json:"geofenceId,omitempty"`
	Value      float64   `json:"value,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
