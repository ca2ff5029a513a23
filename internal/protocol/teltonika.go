package protocol

import (
	"encoding/binary"
	"fmt"
	"time"

	"geotrack/internal/domain"
)

// Teltonika decodes the Teltonika codec 8 TCP protocol. A connection opens
// with an IMEI handshake
//
//	len(2, big-endian) | ascii imei
//
// acknowledged with a single 0x01 byte, followed by AVL data packets
//
//	0x00000000 | data len(4) | codec(1) | count(1) | records... | count(1) | crc(4)
//
// acknowledged with the accepted record count as a 4-byte integer. Location
// records carry no identity; the session pins the handshake IMEI.
type Teltonika struct{}

const teltonikaCodec8 = 0x08

func (Teltonika) Protocol() string { return "teltonika" }

func (Teltonika) Identify(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	if binary.BigEndian.Uint32(data[:4]) == 0 {
		return true
	}
	// IMEI handshake: declared length followed by that many ASCII digits.
	// Only the bytes received so far are checked, so a fragmented handshake
	// still identifies.
	n := int(binary.BigEndian.Uint16(data[:2]))
	if n < 8 || n > 17 {
		return false
	}
	end := 2 + n
	if len(data) < end {
		end = len(data)
	}
	for _, c := range data[2:end] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (Teltonika) Frame(data []byte) (int, error) {
	if len(data) < 4 {
		return 0, nil
	}
	if binary.BigEndian.Uint32(data[:4]) == 0 {
		if len(data) < 8 {
			return 0, nil
		}
		dataLen := int(binary.BigEndian.Uint32(data[4:8]))
		if dataLen <= 0 || dataLen > 1<<16 {
			return 0, fmt.Errorf("%w: teltonika data length %d", domain.ErrDecodeFailure, dataLen)
		}
		total := 8 + dataLen + 4 // preamble + len + payload + crc
		if len(data) < total {
			return 0, nil
		}
		return total, nil
	}

	n := int(binary.BigEndian.Uint16(data[:2]))
	if n < 8 || n > 17 {
		return 0, fmt.Errorf("%w: teltonika imei length %d", domain.ErrDecodeFailure, n)
	}
	if len(data) < 2+n {
		return 0, nil
	}
	return 2 + n, nil
}

func (t Teltonika) Decode(frame []byte) (*Result, error) {
	if binary.BigEndian.Uint32(frame[:4]) != 0 {
		imei := string(frame[2:])
		return &Result{
			Protocol: "teltonika",
			UniqueID: imei,
			Response: []byte{0x01},
		}, nil
	}
	return t.decodeAVL(frame)
}

func (Teltonika) decodeAVL(frame []byte) (*Result, error) {
	payload := frame[8 : len(frame)-4]
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: teltonika payload too short", domain.ErrDecodeFailure)
	}
	if payload[0] != teltonikaCodec8 {
		return nil, fmt.Errorf("%w: teltonika codec 0x%02x unsupported", domain.ErrDecodeFailure, payload[0])
	}
	count := int(payload[1])
	if count == 0 {
		return nil, fmt.Errorf("%w: teltonika empty avl packet", domain.ErrDecodeFailure)
	}

	// Records are sequential; the device snapshot only cares about the most
	// recent one, so earlier records in the packet are walked over and the
	// last is returned, with the batch size noted in the attributes.
	var pos *DecodedPosition
	off := 2
	for i := 0; i < count; i++ {
		p, n, err := decodeCodec8Record(payload[off:])
		if err != nil {
			return nil, err
		}
		pos = p
		off += n
	}
	pos.Attributes["records"] = count

	ack := make([]byte, 4)
	binary.BigEndian.PutUint32(ack, uint32(count))
	return &Result{Protocol: "teltonika", Position: pos, Response: ack}, nil
}

func decodeCodec8Record(b []byte) (*DecodedPosition, int, error) {
	// timestamp(8) priority(1) lon(4) lat(4) alt(2) angle(2) sats(1) speed(2)
	if len(b) < 24 {
		return nil, 0, fmt.Errorf("%w: teltonika record truncated", domain.ErrDecodeFailure)
	}

	ts := time.UnixMilli(int64(binary.BigEndian.Uint64(b[:8]))).UTC()
	lon := float64(int32(binary.BigEndian.Uint32(b[9:13]))) / 1e7
	lat := float64(int32(binary.BigEndian.Uint32(b[13:17]))) / 1e7
	alt := float64(int16(binary.BigEndian.Uint16(b[17:19])))
	course := float64(binary.BigEndian.Uint16(b[19:21]))
	satellites := int(b[21])
	speed := float64(binary.BigEndian.Uint16(b[22:24])) // km/h

	attrs := map[string]any{"satellites": satellites}

	off := 24
	// IO element: event id(1), total(1), then per-width groups.
	if len(b) < off+2 {
		return nil, 0, fmt.Errorf("%w: teltonika io header truncated", domain.ErrDecodeFailure)
	}
	attrs["event"] = int(b[off])
	off += 2

	for _, width := range []int{1, 2, 4, 8} {
		if len(b) < off+1 {
			return nil, 0, fmt.Errorf("%w: teltonika io group truncated", domain.ErrDecodeFailure)
		}
		n := int(b[off])
		off++
		for j := 0; j < n; j++ {
			if len(b) < off+1+width {
				return nil, 0, fmt.Errorf("%w: teltonika io entry truncated", domain.ErrDecodeFailure)
			}
			id := int(b[off])
			var val uint64
			for _, v := range b[off+1 : off+1+width] {
				val = val<<8 | uint64(v)
			}
			attrs[fmt.Sprintf("io%d", id)] = val
			off += 1 + width
		}
	}

	return &DecodedPosition{
		DeviceTime: ts,
		FixTime:    ts,
		Valid:      satellites > 0,
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   alt,
		Speed:      speed,
		Course:     course,
		Attributes: attrs,
	}, off, nil
}
