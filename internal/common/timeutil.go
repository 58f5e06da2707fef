package common

import "time"

// ISOFormat is the fixed-width UTC timestamp layout used for every
// persisted timestamp. Fixed width keeps lexicographic ordering equal to
// chronological ordering, so SQL string comparisons on timestamp columns
// are time comparisons.
const ISOFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders a time in the persisted ISO layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(ISOFormat)
}

// NowISO returns the current time in the persisted ISO layout.
func NowISO() string {
	return FormatTime(time.Now())
}

// ParseTime parses a persisted timestamp. The zero time is returned for
// empty or malformed values.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(ISOFormat, s); err == nil {
		return t
	}
	// Tolerate plain RFC 3339 rows written by older versions.
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}
