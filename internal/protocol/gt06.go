package protocol

import (
	"encoding/binary"
	"fmt"
	"time"

	"geotrack/internal/domain"
)

// GT06 decodes the Concox GT06/GT06N binary protocol. Frames are
//
//	0x78 0x78 | len(1) | msg type(1) | content | serial(2) | crc(2) | 0x0D 0x0A
//
// where len counts everything from the message type through the crc. The
// device identity arrives only in the login frame (0x01); location frames
// (0x12) are attributed through the connection's pinned identity.
type GT06 struct{}

const (
	gt06MsgLogin     = 0x01
	gt06MsgLocation  = 0x12
	gt06MsgHeartbeat = 0x13
)

func (GT06) Protocol() string { return "gt06" }

func (GT06) Identify(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x78 && data[1] == 0x78
}

func (GT06) Frame(data []byte) (int, error) {
	if len(data) < 5 {
		return 0, nil
	}
	if data[0] != 0x78 || data[1] != 0x78 {
		return 0, fmt.Errorf("%w: gt06 frame out of sync", domain.ErrDecodeFailure)
	}
	total := int(data[2]) + 5 // start(2) + len byte(1) + payload + stop(2)
	if len(data) < total {
		return 0, nil
	}
	if data[total-2] != 0x0D || data[total-1] != 0x0A {
		return 0, fmt.Errorf("%w: gt06 frame missing terminator", domain.ErrDecodeFailure)
	}
	return total, nil
}

func (g GT06) Decode(frame []byte) (*Result, error) {
	if len(frame) < 10 {
		return nil, fmt.Errorf("%w: gt06 frame too short", domain.ErrDecodeFailure)
	}
	msgType := frame[3]
	content := frame[4 : len(frame)-6]
	serial := frame[len(frame)-6 : len(frame)-4]

	switch msgType {
	case gt06MsgLogin:
		if len(content) < 8 {
			return nil, fmt.Errorf("%w: gt06 login content %d bytes", domain.ErrDecodeFailure, len(content))
		}
		return &Result{
			Protocol: "gt06",
			UniqueID: bcdIMEI(content[:8]),
			Response: gt06Ack(gt06MsgLogin, serial),
		}, nil

	case gt06MsgHeartbeat:
		return &Result{
			Protocol: "gt06",
			Response: gt06Ack(gt06MsgHeartbeat, serial),
		}, nil

	case gt06MsgLocation:
		pos, err := g.decodeLocation(content)
		if err != nil {
			return nil, err
		}
		return &Result{Protocol: "gt06", Position: pos}, nil
	}

	// Other message types (alarm, LBS, command replies) are tolerated and
	// skipped rather than treated as decode failures.
	return &Result{Protocol: "gt06"}, nil
}

func (GT06) decodeLocation(content []byte) (*DecodedPosition, error) {
	if len(content) < 18 {
		return nil, fmt.Errorf("%w: gt06 location content %d bytes", domain.ErrDecodeFailure, len(content))
	}

	ts := time.Date(
		2000+int(content[0]), time.Month(content[1]), int(content[2]),
		int(content[3]), int(content[4]), int(content[5]), 0, time.UTC,
	)

	satellites := int(content[6] & 0x0F)

	latRaw := binary.BigEndian.Uint32(content[7:11])
	lonRaw := binary.BigEndian.Uint32(content[11:15])
	lat := float64(latRaw) / 30000.0 / 60.0
	lon := float64(lonRaw) / 30000.0 / 60.0

	speed := float64(content[15]) // already km/h

	flags := binary.BigEndian.Uint16(content[16:18])
	course := float64(flags & 0x03FF)
	valid := flags&0x1000 != 0
	if flags&0x0400 == 0 { // south
		lat = -lat
	}
	if flags&0x0800 != 0 { // west
		lon = -lon
	}

	return &DecodedPosition{
		DeviceTime: ts,
		FixTime:    ts,
		Valid:      valid,
		Latitude:   lat,
		Longitude:  lon,
		Speed:      speed,
		Course:     course,
		Attributes: map[string]any{"satellites": satellites},
	}, nil
}

// gt06Ack builds the server acknowledgment the device expects after login
// and heartbeat frames, echoing the frame serial.
func gt06Ack(msgType byte, serial []byte) []byte {
	ack := []byte{0x78, 0x78, 0x05, msgType, serial[0], serial[1], 0, 0, 0x0D, 0x0A}
	crc := crc16ITU(ack[2:6])
	binary.BigEndian.PutUint16(ack[6:8], crc)
	return ack
}

// crc16ITU is the CRC-ITU (X.25) checksum used by GT06 frames.
func crc16ITU(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}

// bcdIMEI unpacks the 8-byte BCD terminal id; the leading zero nibble pad is
// dropped to yield the 15-digit IMEI.
func bcdIMEI(b []byte) string {
	digits := make([]byte, 0, 16)
	for _, v := range b {
		digits = append(digits, '0'+v>>4, '0'+v&0x0F)
	}
	if len(digits) == 16 && digits[0] == '0' {
		digits = digits[1:]
	}
	return string(digits)
}
