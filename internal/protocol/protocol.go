// Package protocol turns raw device bytes into normalized positions.
//
// Identification is heuristic and strictly priority-ordered; the first
// decoder whose Identify accepts the bytes wins. Binary magic/length checks
// come before textual markers to avoid confusion on overlapping ASCII
// patterns:
//
//	1. gt06       frame starts 0x78 0x78
//	2. teltonika  IMEI handshake (2-byte length + digits) or zero preamble + length
//	3. gps103     starts "##,imei:" or "imei:"
//	4. h02        starts '*' followed by a two-letter vendor tag and ','
//	5. tk103      starts '('
package protocol

import "time"

// Result is the outcome of decoding one complete frame.
type Result struct {
	Protocol string

	// UniqueID is the vendor-assigned device identifier, when the frame
	// carries one. Binary protocols report it only in their login frame;
	// the connection session pins it for subsequent frames.
	UniqueID string

	// Position is nil for identity/heartbeat frames.
	Position *DecodedPosition

	// Response holds raw acknowledgment bytes to write back to the device.
	Response []byte
}

// DecodedPosition is a protocol-agnostic position sample. Speeds are
// normalized to km/h by each decoder.
type DecodedPosition struct {
	DeviceTime time.Time
	FixTime    time.Time
	Valid      bool
	Latitude   float64
	Longitude  float64
	Altitude   float64
	Speed      float64
	Course     float64
	Attributes map[string]any
}

// Decoder is one protocol implementation. Implementations are stateless;
// per-connection state (buffering, pinned identity) belongs to the caller.
type Decoder interface {
	// Protocol returns the registry name, e.g. "gt06".
	Protocol() string

	// Identify reports whether the bytes look like this protocol. It is
	// called with the start of a connection's accumulated buffer.
	Identify(data []byte) bool

	// Frame returns the length of the first complete frame at the start of
	// data, or 0 if more bytes are needed. An error means the buffer cannot
	// contain a valid frame and should be discarded.
	Frame(data []byte) (int, error)

	// Decode parses one complete frame as returned by Frame.
	Decode(frame []byte) (*Result, error)
}

// Registry is the ordered decoder set.
type Registry struct {
	decoders []Decoder
}

// NewRegistry returns the default registry in identification priority order.
func NewRegistry() *Registry {
	return &Registry{decoders: []Decoder{
		&GT06{},
		&Teltonika{},
		&GPS103{},
		&H02{},
		&TK103{},
	}}
}

// Identify returns the first decoder claiming the bytes, or nil when no
// heuristic matches (unknown protocol).
func (r *Registry) Identify(data []byte) Decoder {
	for _, d := range r.decoders {
		if d.Identify(data) {
			return d
		}
	}
	return nil
}

// Protocols lists the registered protocol names in priority order.
func (r *Registry) Protocols() []string {
	names := make([]string, len(r.decoders))
	for i, d := range r.decoders {
		names[i] = d.Protocol()
	}
	return names
}

const knotsToKmh = 1.852
