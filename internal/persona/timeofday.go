package persona

import "time"

// DefaultZone is the fixed offset buckets are computed in (JST).
var DefaultZone = time.FixedZone("JST", 9*60*60)

// TimeBucket returns the time-of-day bucket for t in zone: morning from 05
// to 10, noon from 11 to 16, night otherwise.
func TimeBucket(t time.Time, zone *time.Location) string {
	if zone == nil {
		zone = DefaultZone
	}
	h := t.In(zone).Hour()
	switch {
	case h >= 5 && h < 11:
		return BucketMorning
	case h >= 11 && h < 17:
		return BucketNoon
	default:
		return BucketNight
	}
}
