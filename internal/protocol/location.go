package protocol

import (
	"math"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const (
	// LocationTokens is the width of the location-and-status block in comma tokens.
	LocationTokens = 18
	// locationRequired is the minimum number of block tokens a device must send
	// (status through course); the rest default to zero when missing.
	locationRequired = 9

	// minute fractions are sent in billionths of a minute
	minuteFractionScale = 1e9
)

// LocationStatus is the GPS fix plus vehicle status block embedded in
// V101/V114/V201/V251/V232/V100. When GPSValid is false the position,
// speed and course are structurally present but not trustworthy.
type LocationStatus struct {
	GPSValid        bool    `json:"gps_valid"`
	Satellites      int     `json:"satellites"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	SpeedKmh        float32 `json:"speed_kmh"`
	CourseDeg       float32 `json:"course_deg"`
	StatusFlags     string  `json:"status_flags"`
	StatusMask      string  `json:"status_mask"`
	DeviceTemp      float32 `json:"device_temp"`
	EngineTemp      float32 `json:"engine_temp"`
	CabinTemp       float32 `json:"cabin_temp"`
	OdometerMeters  int64   `json:"odometer_meters"`
	FuelConsumption float32 `json:"fuel_consumption"`
	ParkingSeconds  int64   `json:"parking_seconds"`
	Extended        string  `json:"extended"`
}

// HasPosition reports whether the fix carries a non-zero coordinate.
func (l *LocationStatus) HasPosition() bool {
	return l.Latitude != 0 || l.Longitude != 0
}

// RPM returns the engine speed, the first '|' separated element of the extended status token.
func (l *LocationStatus) RPM() int {
	head, _, _ := strings.Cut(l.Extended, "|")
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0
	}
	return n
}

// DecodeLocation decodes the location block from the head of tokens and
// returns the number of tokens consumed (always LocationTokens, or the
// remaining count when the device truncated the block).
func DecodeLocation(tokens []string) (LocationStatus, int, error) {
	var l LocationStatus
	if len(tokens) < locationRequired {
		return l, 0, errors.Annotatef(ErrMalformed, "location block has %d tokens", len(tokens))
	}
	n := min(len(tokens), LocationTokens)
	f := FieldReader{tokens: tokens[:n]}

	status := f.String()
	l.GPSValid = strings.HasPrefix(status, "A")
	if len(status) > 1 {
		sats, err := strconv.Atoi(status[1:])
		if err != nil {
			return l, 0, errors.Annotatef(ErrMalformed, "gps status %q", status)
		}
		l.Satellites = sats
	}

	lonDeg, lonMin, lonFrac := f.Int64(), f.Int64(), f.Int64()
	latDeg, latMin, latFrac := f.Int64(), f.Int64(), f.Int64()
	l.Longitude = CoordinateToDecimal(lonDeg, lonMin, lonFrac)
	l.Latitude = CoordinateToDecimal(latDeg, latMin, latFrac)
	l.SpeedKmh = f.Float32()
	l.CourseDeg = normalizeCourse(f.Float32())
	l.StatusFlags = f.String()
	l.StatusMask = f.String()
	l.DeviceTemp = f.Float32()
	l.EngineTemp = f.Float32()
	l.CabinTemp = f.Float32()
	l.OdometerMeters = f.Int64()
	l.FuelConsumption = f.Float32()
	l.ParkingSeconds = f.Int64()
	l.Extended = f.String()

	if err := f.Err(); err != nil {
		return l, 0, errors.Annotate(err, "location block")
	}
	return l, n, nil
}

// CoordinateToDecimal converts a degree / minute / billionth-of-minute triplet to decimal degrees.
func CoordinateToDecimal(deg, min, frac int64) float64 {
	minutes := float64(min) + float64(frac)/minuteFractionScale
	return float64(deg) + minutes/60
}

func normalizeCourse(c float32) float32 {
	if c >= 0 && c < 360 {
		return c
	}
	n := math.Mod(float64(c), 360)
	if n < 0 {
		n += 360
	}
	return float32(n)
}
