package geo

import (
	"errors"
	"math"
	"time"
)

// ErrInvalidTime is returned when an instant cannot be converted to a Julian day.
var ErrInvalidTime = errors.New("invalid time")

const (
	julianUnixEpoch = 2440587.5 // JD of 1970-01-01T00:00:00Z
	julianJ2000     = 2451545.0
	secondsPerDay   = 86400.0

	// risingProbe is how far ahead IsRising looks to decide the sun's direction.
	risingProbe = 100 * time.Second
)

// Elevation returns the solar elevation in degrees at instant t for the given
// coordinates. Negative values mean the sun is below the horizon.
// Atmospheric refraction is ignored.
func Elevation(t time.Time, lat, lon float64) (float64, error) {
	if t.IsZero() {
		return 0, ErrInvalidTime
	}
	unix := float64(t.Unix()) + float64(t.Nanosecond())/1e9
	return ElevationAt(unix, lat, lon)
}

// ElevationAt is Elevation for fractional Unix seconds.
func ElevationAt(unixSeconds, lat, lon float64) (float64, error) {
	if math.IsNaN(unixSeconds) || math.IsInf(unixSeconds, 0) || unixSeconds < 0 {
		return 0, ErrInvalidTime
	}

	jd := unixSeconds/secondsPerDay + julianUnixEpoch
	decl, eqTime := solarPosition(jd)

	// True solar time in minutes
	minutesUTC := math.Mod(unixSeconds, secondsPerDay) / 60.0
	tst := math.Mod(minutesUTC+eqTime+4.0*lon, 1440.0)
	if tst < 0 {
		tst += 1440.0
	}
	hourAngle := tst/4.0 - 180.0

	latRad := deg2rad(lat)
	cosZenith := math.Sin(latRad)*math.Sin(decl) +
		math.Cos(latRad)*math.Cos(decl)*math.Cos(deg2rad(hourAngle))
	cosZenith = math.Max(-1, math.Min(1, cosZenith))

	return 90.0 - rad2deg(math.Acos(cosZenith)), nil
}

// IsRising reports whether the sun's elevation is increasing at instant t.
func IsRising(t time.Time, lat, lon float64) (bool, error) {
	now, err := Elevation(t, lat, lon)
	if err != nil {
		return false, err
	}
	next, err := Elevation(t.Add(risingProbe), lat, lon)
	if err != nil {
		return false, err
	}
	return next > now, nil
}

// solarPosition returns the sun's declination (radians) and the equation of
// time (minutes) for Julian day jd, using the NOAA solar calculator formulas.
func solarPosition(jd float64) (decl, eqTime float64) {
	t := (jd - julianJ2000) / 36525.0 // Julian centuries since J2000

	// Geometric mean longitude and anomaly (degrees)
	l0 := math.Mod(280.46646+t*(36000.76983+t*0.0003032), 360.0)
	m := 357.52911 + t*(35999.05029-0.0001537*t)
	e := 0.016708634 - t*(0.000042037+0.0000001267*t)

	mRad := deg2rad(m)
	center := math.Sin(mRad)*(1.914602-t*(0.004817+0.000014*t)) +
		math.Sin(2*mRad)*(0.019993-0.000101*t) +
		math.Sin(3*mRad)*0.000289

	omega := deg2rad(125.04 - 1934.136*t)
	apparentLong := deg2rad(l0 + center - 0.00569 - 0.00478*math.Sin(omega))

	meanObliquity := 23.0 + (26.0+(21.448-t*(46.815+t*(0.00059-t*0.001813)))/60.0)/60.0
	obliquity := deg2rad(meanObliquity + 0.00256*math.Cos(omega))

	decl = math.Asin(math.Sin(obliquity) * math.Sin(apparentLong))

	y := math.Tan(obliquity / 2)
	y *= y
	l0Rad := deg2rad(l0)
	eqTime = 4.0 * rad2deg(y*math.Sin(2*l0Rad)-
		2*e*math.Sin(mRad)+
		4*e*y*math.Sin(mRad)*math.Cos(2*l0Rad)-
		0.5*y*y*math.Sin(4*l0Rad)-
		1.25*e*e*math.Sin(2*mRad))

	return decl, eqTime
}

func deg2rad(d float64) float64 { return d * math.Pi / 180.0 }
func rad2deg(r float64) float64 { return r * 180.0 / math.Pi }
