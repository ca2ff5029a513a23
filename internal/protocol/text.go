package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"geotrack/internal/domain"
)

// frameUntil returns the length of the first frame terminated by term,
// 0 when the terminator has not arrived yet. Buffers growing past maxFrame
// without a terminator are declared garbage.
const maxTextFrame = 1024

func frameUntil(data []byte, term byte) (int, error) {
	if i := bytes.IndexByte(data, term); i >= 0 {
		return i + 1, nil
	}
	if len(data) > maxTextFrame {
		return 0, fmt.Errorf("%w: no frame terminator within %d bytes", domain.ErrDecodeFailure, maxTextFrame)
	}
	return 0, nil
}

// parseDDM converts NMEA-style degree-decimal-minute coordinates
// ("2234.0297", hemisphere "N"/"S"/"E"/"W") to signed decimal degrees.
func parseDDM(value, hemisphere string) (float64, error) {
	dot := strings.IndexByte(value, '.')
	if dot < 3 {
		return 0, fmt.Errorf("coordinate %q too short", value)
	}
	deg, err := strconv.ParseFloat(value[:dot-2], 64)
	if err != nil {
		return 0, err
	}
	min, err := strconv.ParseFloat(value[dot-2:], 64)
	if err != nil {
		return 0, err
	}
	out := deg + min/60
	switch hemisphere {
	case "S", "W":
		out = -out
	case "N", "E":
	default:
		return 0, fmt.Errorf("bad hemisphere %q", hemisphere)
	}
	return out, nil
}

// H02 decodes the ASCII H02 protocol:
//
//	*HQ,8168000001,V1,123456,A,2234.0297,N,11354.3278,E,000.00,000,010116,FFFFFBFF#
//
// fields: vendor, device id, type, time hhmmss, validity, lat ddmm.mmmm, N/S,
// lon dddmm.mmmm, E/W, speed (knots), course, date ddmmyy, status.
type H02 struct{}

func (H02) Protocol() string { return "h02" }

func (H02) Identify(data []byte) bool {
	return len(data) >= 4 && data[0] == '*' &&
		isUpper(data[1]) && isUpper(data[2]) && data[3] == ','
}

func isUpper(b byte) bool { return b >= 'A' && b <= 'Z' }

func (H02) Frame(data []byte) (int, error) {
	return frameUntil(data, '#')
}

func (H02) Decode(frame []byte) (*Result, error) {
	text := strings.TrimSuffix(strings.TrimSpace(string(frame)), "#")
	fields := strings.Split(text, ",")
	if len(fields) < 12 || !strings.HasPrefix(fields[0], "*") {
		return nil, fmt.Errorf("%w: h02 sentence has %d fields", domain.ErrDecodeFailure, len(fields))
	}

	id := fields[1]
	if fields[2] != "V1" {
		// V2/V3/heartbeat variants carry no position we handle.
		return &Result{Protocol: "h02", UniqueID: id}, nil
	}

	ts, err := parseTimeDate(fields[3], fields[11])
	if err != nil {
		return nil, fmt.Errorf("%w: h02 timestamp: %v", domain.ErrDecodeFailure, err)
	}
	lat, err := parseDDM(fields[5], fields[6])
	if err != nil {
		return nil, fmt.Errorf("%w: h02 latitude: %v", domain.ErrDecodeFailure, err)
	}
	lon, err := parseDDM(fields[7], fields[8])
	if err != nil {
		return nil, fmt.Errorf("%w: h02 longitude: %v", domain.ErrDecodeFailure, err)
	}
	speedKnots, _ := strconv.ParseFloat(fields[9], 64)
	course, _ := strconv.ParseFloat(fields[10], 64)

	return &Result{
		Protocol: "h02",
		UniqueID: id,
		Position: &DecodedPosition{
			DeviceTime: ts,
			FixTime:    ts,
			Valid:      fields[4] == "A",
			Latitude:   lat,
			Longitude:  lon,
			Speed:      speedKnots * knotsToKmh,
			Course:     course,
			Attributes: map[string]any{"status": fields[len(fields)-1]},
		},
	}, nil
}

// parseTimeDate combines hhmmss and ddmmyy fields into a UTC timestamp.
func parseTimeDate(hhmmss, ddmmyy string) (time.Time, error) {
	if len(hhmmss) < 6 || len(ddmmyy) < 6 {
		return time.Time{}, fmt.Errorf("time %q date %q", hhmmss, ddmmyy)
	}
	h, err1 := strconv.Atoi(hhmmss[0:2])
	m, err2 := strconv.Atoi(hhmmss[2:4])
	s, err3 := strconv.Atoi(hhmmss[4:6])
	d, err4 := strconv.Atoi(ddmmyy[0:2])
	mo, err5 := strconv.Atoi(ddmmyy[2:4])
	y, err6 := strconv.Atoi(ddmmyy[4:6])
	for _, err := range []error{err1, err2, err3, err4, err5, err6} {
		if err != nil {
			return time.Time{}, err
		}
	}
	return time.Date(2000+y, time.Month(mo), d, h, m, s, 0, time.UTC), nil
}

// GPS103 decodes the Coban/GPS103 ASCII protocol. Logon:
//
//	##,imei:359586015829802,A;
//
// answered with "LOAD". Position report:
//
//	imei:359586015829802,tracker,0809231929,,F,112909.397,A,2234.4669,N,11354.3287,E,0.11,320.12;
type GPS103 struct{}

func (GPS103) Protocol() string { return "gps103" }

func (GPS103) Identify(data []byte) bool {
	return bytes.HasPrefix(data, []byte("##,imei:")) || bytes.HasPrefix(data, []byte("imei:"))
}

func (GPS103) Frame(data []byte) (int, error) {
	return frameUntil(data, ';')
}

func (GPS103) Decode(frame []byte) (*Result, error) {
	text := strings.TrimSuffix(strings.TrimSpace(string(frame)), ";")

	if strings.HasPrefix(text, "##,") {
		fields := strings.Split(text, ",")
		if len(fields) < 2 || !strings.HasPrefix(fields[1], "imei:") {
			return nil, fmt.Errorf("%w: gps103 logon without imei", domain.ErrDecodeFailure)
		}
		return &Result{
			Protocol: "gps103",
			UniqueID: strings.TrimPrefix(fields[1], "imei:"),
			Response: []byte("LOAD"),
		}, nil
	}

	fields := strings.Split(text, ",")
	if len(fields) < 12 || !strings.HasPrefix(fields[0], "imei:") {
		return nil, fmt.Errorf("%w: gps103 report has %d fields", domain.ErrDecodeFailure, len(fields))
	}

	id := strings.TrimPrefix(fields[0], "imei:")
	alarm := fields[1]

	// fields[4] "F" = full GPS fix, "L" = LBS only (no usable coordinates).
	if fields[4] != "F" {
		return &Result{Protocol: "gps103", UniqueID: id}, nil
	}

	ts, err := parseGPS103Time(fields[2], fields[5])
	if err != nil {
		return nil, fmt.Errorf("%w: gps103 timestamp: %v", domain.ErrDecodeFailure, err)
	}
	lat, err := parseDDM(fields[7], fields[8])
	if err != nil {
		return nil, fmt.Errorf("%w: gps103 latitude: %v", domain.ErrDecodeFailure, err)
	}
	lon, err := parseDDM(fields[9], fields[10])
	if err != nil {
		return nil, fmt.Errorf("%w: gps103 longitude: %v", domain.ErrDecodeFailure, err)
	}
	speedKnots, _ := strconv.ParseFloat(fields[11], 64)

	var course float64
	if len(fields) > 12 {
		course, _ = strconv.ParseFloat(fields[12], 64)
	}

	attrs := map[string]any{}
	if alarm != "" && alarm != "tracker" {
		attrs["alarm"] = alarm
	}

	return &Result{
		Protocol: "gps103",
		UniqueID: id,
		Position: &DecodedPosition{
			DeviceTime: ts,
			FixTime:    ts,
			Valid:      fields[6] == "A",
			Latitude:   lat,
			Longitude:  lon,
			Speed:      speedKnots * knotsToKmh,
			Course:     course,
			Attributes: attrs,
		},
	}, nil
}

// parseGPS103Time combines the local date stamp yymmddhhmm with the GPS
// time hhmmss.sss; the GPS time's seconds are authoritative.
func parseGPS103Time(local, gps string) (time.Time, error) {
	if len(local) < 10 {
		return time.Time{}, fmt.Errorf("datetime %q too short", local)
	}
	y, err1 := strconv.Atoi(local[0:2])
	mo, err2 := strconv.Atoi(local[2:4])
	d, err3 := strconv.Atoi(local[4:6])
	h, err4 := strconv.Atoi(local[6:8])
	m, err5 := strconv.Atoi(local[8:10])
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return time.Time{}, err
		}
	}
	sec := 0
	if len(gps) >= 6 {
		if s, err := strconv.Atoi(gps[4:6]); err == nil {
			sec = s
		}
	}
	return time.Date(2000+y, time.Month(mo), d, h, m, sec, 0, time.UTC), nil
}

// TK103 decodes the fixed-width TK103 ASCII protocol:
//
//	(013612345678BR00150403A2234.0297N11354.3278E000.1101241309.62...)
//
// layout after '(': device id(12) command(4) date yymmdd(6) validity(1)
// lat(9) N/S(1) lon(10) E/W(1) speed(5, km/h) time hhmmss(6) course(6).
type TK103 struct{}

func (TK103) Protocol() string { return "tk103" }

func (TK103) Identify(data []byte) bool {
	return len(data) >= 1 && data[0] == '('
}

func (TK103) Frame(data []byte) (int, error) {
	return frameUntil(data, ')')
}

func (TK103) Decode(frame []byte) (*Result, error) {
	text := strings.TrimSpace(string(frame))
	if len(text) < 18 || text[0] != '(' || text[len(text)-1] != ')' {
		return nil, fmt.Errorf("%w: tk103 frame malformed", domain.ErrDecodeFailure)
	}
	body := text[1 : len(text)-1]

	id := body[:12]
	cmd := body[12:16]

	switch cmd {
	case "BP00": // handshake
		return &Result{Protocol: "tk103", UniqueID: id, Response: []byte("(" + id + "AP01HSO)")}, nil
	case "BR00", "BP05":
	default:
		return &Result{Protocol: "tk103", UniqueID: id}, nil
	}

	rest := body[16:]
	if cmd == "BP05" {
		// BP05 repeats the 15-digit IMEI before the position body.
		if len(rest) < 15 {
			return nil, fmt.Errorf("%w: tk103 bp05 truncated", domain.ErrDecodeFailure)
		}
		rest = rest[15:]
	}
	if len(rest) < 39 {
		return nil, fmt.Errorf("%w: tk103 position body %d chars", domain.ErrDecodeFailure, len(rest))
	}

	date := rest[0:6]
	validity := rest[6:7]
	latStr, latHemi := rest[7:16], rest[16:17]
	lonStr, lonHemi := rest[17:27], rest[27:28]
	speedStr := rest[28:33]
	timeStr := rest[33:39]

	lat, err := parseDDM(latStr, latHemi)
	if err != nil {
		return nil, fmt.Errorf("%w: tk103 latitude: %v", domain.ErrDecodeFailure, err)
	}
	lon, err := parseDDM(lonStr, lonHemi)
	if err != nil {
		return nil, fmt.Errorf("%w: tk103 longitude: %v", domain.ErrDecodeFailure, err)
	}
	speed, _ := strconv.ParseFloat(speedStr, 64)

	// Wire order is date-then-time with the time after the speed field.
	ts, err := parseTK103Time(date, timeStr)
	if err != nil {
		return nil, fmt.Errorf("%w: tk103 timestamp: %v", domain.ErrDecodeFailure, err)
	}

	var course float64
	if len(rest) >= 45 {
		course, _ = strconv.ParseFloat(strings.TrimRight(rest[39:45], ")"), 64)
	}

	return &Result{
		Protocol: "tk103",
		UniqueID: id,
		Position: &DecodedPosition{
			DeviceTime: ts,
			FixTime:    ts,
			Valid:      validity == "A",
			Latitude:   lat,
			Longitude:  lon,
			Speed:      speed,
			Course:     course,
			Attributes: map[string]any{},
		},
	}, nil
}

func parseTK103Time(yymmdd, hhmmss string) (time.Time, error) {
	y, err1 := strconv.Atoi(yymmdd[0:2])
	mo, err2 := strconv.Atoi(yymmdd[2:4])
	d, err3 := strconv.Atoi(yymmdd[4:6])
	h, err4 := strconv.Atoi(hhmmss[0:2])
	m, err5 := strconv.Atoi(hhmmss[2:4])
	s, err6 := strconv.Atoi(hhmmss[4:6])
	for _, err := range []error{err1, err2, err3, err4, err5, err6} {
		if err != nil {
			return time.Time{}, err
		}
	}
	return time.Date(2000+y, time.Month(mo), d, h, m, s, 0, time.UTC), nil
}
