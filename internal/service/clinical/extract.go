// Package clinical turns decoded health records into narrative summaries.
// Each processor owns the domain knowledge for one record type; the shared
// surface is limited to sample extraction and statistical primitives.
package clinical

import (
	"strconv"
	"time"
)

// unwrapUnion peels the single-key map an Avro union decodes into.
// {"double": 95.0} becomes 95.0; anything else passes through.
func unwrapUnion(v any) any {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return v
	}
	for _, inner := range m {
		return inner
	}
	return v
}

// field returns the first present key, union-unwrapped.
func field(rec map[string]any, names ...string) (any, bool) {
	for _, name := range names {
		if v, ok := rec[name]; ok && v != nil {
			return unwrapUnion(v), true
		}
	}
	return nil, false
}

func asFloat(v any) (float64, bool) {
	switch x := unwrapUnion(v).(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v any) (string, bool) {
	s, ok := unwrapUnion(v).(string)
	return s, ok
}

// epochMillisFloor is the smallest value read as milliseconds rather than
// seconds. 1e11 ms is 1973; anything earlier arrives as seconds.
const epochMillisFloor = 1e11

// asTime coerces the timestamp encodings the export pipeline produces:
// epoch milliseconds, epoch seconds, RFC 3339 strings, and logical-type
// time.Time values.
func asTime(v any) (time.Time, bool) {
	switch x := unwrapUnion(v).(type) {
	case time.Time:
		return x.UTC(), true
	case float64:
		return epochToTime(x), true
	case int64:
		return epochToTime(float64(x)), true
	case int:
		return epochToTime(float64(x)), true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t.UTC(), true
			}
		}
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return epochToTime(f), true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

func epochToTime(v float64) time.Time {
	if v >= epochMillisFloor {
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Unix(int64(v), 0).UTC()
}

// timeField extracts a timestamp from the first matching key.
func timeField(rec map[string]any, names ...string) (time.Time, bool) {
	v, ok := field(rec, names...)
	if !ok {
		return time.Time{}, false
	}
	return asTime(v)
}

// zoneFor returns the record's own zone when it carries an offset field,
// so "local hour" rules hold for the person who produced the sample.
func zoneFor(rec map[string]any) *time.Location {
	v, ok := field(rec, "zone_offset_seconds", "zone_offset", "utc_offset_seconds")
	if !ok {
		return time.UTC
	}
	secs, ok := asFloat(v)
	if !ok {
		return time.UTC
	}
	return time.FixedZone("record", int(secs))
}

func localHour(t time.Time, loc *time.Location) int {
	return t.In(loc).Hour()
}
