package geo

import (
	"math"
	"time"
)

// Sun depression angles (degrees) for the events reported in AstroTimes
const (
	horizonAngle  = -0.833 // Upper limb on the horizon, refraction included
	civilTwilight = -6.0
)

// AstroTimes contains astronomical times for a day
type AstroTimes struct {
	Dawn     time.Time `json:"dawn"`
	Sunrise  time.Time `json:"sunrise"`
	Noon     time.Time `json:"noon"`
	Sunset   time.Time `json:"sunset"`
	Dusk     time.Time `json:"dusk"`
	Midnight time.Time `json:"midnight"`
}

// Times computes dawn, sunrise, noon, sunset and dusk for the calendar day of
// date in tz. Polar day or night collapse the events onto solar noon.
func Times(date time.Time, lat, lon float64, tz *time.Location) AstroTimes {
	if tz == nil {
		tz = time.UTC
	}
	date = date.In(tz)

	// The sunrise equation expects JD at noon, not midnight
	jd := toJulianDay(date) + 0.5
	transit, decl := solarTransit(jd, lon)

	event := func(angle float64, rising bool) time.Time {
		omega := hourAngle(lat, decl, angle)
		if rising {
			return julianToTime(transit-omega/360.0, tz, date)
		}
		return julianToTime(transit+omega/360.0, tz, date)
	}

	return AstroTimes{
		Dawn:     event(civilTwilight, true),
		Sunrise:  event(horizonAngle, true),
		Noon:     julianToTime(transit, tz, date),
		Sunset:   event(horizonAngle, false),
		Dusk:     event(civilTwilight, false),
		Midnight: time.Date(date.Year(), date.Month(), date.Day()+1, 0, 0, 0, 0, tz),
	}
}

// solarTransit returns the Julian date of solar noon and the sun's
// declination (radians) on that day.
func solarTransit(jd, lon float64) (transit, decl float64) {
	n := jd - julianJ2000 + 0.0008
	jStar := n - lon/360.0

	// Solar mean anomaly
	m := math.Mod(357.5291+0.98560028*jStar, 360.0)
	mRad := deg2rad(m)

	// Equation of center
	c := 1.9148*math.Sin(mRad) + 0.02*math.Sin(2*mRad) + 0.0003*math.Sin(3*mRad)

	// Ecliptic longitude
	lambda := deg2rad(math.Mod(m+c+180+102.9372, 360.0))

	transit = julianJ2000 + jStar + 0.0053*math.Sin(mRad) - 0.0069*math.Sin(2*lambda)
	decl = math.Asin(math.Sin(lambda) * math.Sin(deg2rad(23.44)))
	return transit, decl
}

// hourAngle returns the hour angle (degrees) at which the sun reaches angle.
func hourAngle(lat, decl, angle float64) float64 {
	latRad := deg2rad(lat)
	cosOmega := (math.Sin(deg2rad(angle)) - math.Sin(latRad)*math.Sin(decl)) /
		(math.Cos(latRad) * math.Cos(decl))

	// Clamp to valid range
	cosOmega = math.Max(-1, math.Min(1, cosOmega))
	return rad2deg(math.Acos(cosOmega))
}

// toJulianDay converts a calendar date (midnight) to a Julian day number
func toJulianDay(t time.Time) float64 {
	y := float64(t.Year())
	m := float64(t.Month())
	d := float64(t.Day())

	if m <= 2 {
		y--
		m += 12
	}

	a := math.Floor(y / 100)
	b := 2 - a + math.Floor(a/4)

	return math.Floor(365.25*(y+4716)) + math.Floor(30.6001*(m+1)) + d + b - 1524.5
}

// julianToTime converts a Julian date to wall-clock time on refDate in tz
func julianToTime(jd float64, tz *time.Location, refDate time.Time) time.Time {
	unixTime := (jd - julianUnixEpoch) * secondsPerDay
	sec := math.Floor(unixTime)
	t := time.Unix(int64(sec), int64((unixTime-sec)*1e9)).In(tz)

	return time.Date(
		refDate.Year(), refDate.Month(), refDate.Day(),
		t.Hour(), t.Minute(), t.Second(), 0, tz,
	)
}
