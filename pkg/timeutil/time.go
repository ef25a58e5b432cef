/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package timeutil

import (
	"time"
)

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

// NowUTC returns the current time in UTC.
func NowUTC() time.Time {
	return time.Now().UTC()
}

// FormatRFC3339 formats t as RFC3339 with millisecond precision in UTC.
func FormatRFC3339(t time.Time) string {
	return t.UTC().Format(RFC3339Milli)
}

// ParseRFC3339 parses an RFC3339 timestamp, tolerating fractional seconds.
func ParseRFC3339(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(RFC3339Milli, s)
}

// DurationMillis returns the elapsed milliseconds between start and end.
func DurationMillis(start, end time.Time) int64 {
	return end.Sub(start).Milliseconds()
}
