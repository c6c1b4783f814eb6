package data

import "time"

// DateLayout renders dates as "Dec 2, 2021 at 3:04:05 PM UTC". Records
// written by older clients carry only this string, so the layout must not
// change.
const DateLayout = "Jan 2, 2006 at 3:04:05 PM MST"

// DateFormatter formats and parses the display date stored with each
// message. It is passed to the stores rather than shared globally.
type DateFormatter struct {
	layout string
	loc    *time.Location
}

// NewDateFormatter returns the formatter for DateLayout in UTC.
func NewDateFormatter() DateFormatter {
	return DateFormatter{layout: DateLayout, loc: time.UTC}
}

// Format renders t.
func (f DateFormatter) Format(t time.Time) string {
	f = f.orDefault()
	return t.In(f.loc).Format(f.layout)
}

// Parse reads a string produced by Format.
func (f DateFormatter) Parse(s string) (time.Time, bool) {
	f = f.orDefault()
	t, err := time.ParseInLocation(f.layout, s, f.loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (f DateFormatter) orDefault() DateFormatter {
	if f.layout == "" || f.loc == nil {
		return NewDateFormatter()
	}
	return f
}

func toMillis(t time.Time) float64 { return float64(t.UnixMilli()) }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
