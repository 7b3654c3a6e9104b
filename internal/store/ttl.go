package store

import "time"

// IsExpired reports whether an entry with the given expiration is expired at
// now. The zero time means the entry never expires.
func IsExpired(expireAt, now time.Time) bool {
	return !expireAt.IsZero() && !now.Before(expireAt)
}

// remainingMs rounds a positive remaining duration to milliseconds without
// letting a live key report zero.
func remainingMs(expireAt, now time.Time) int64 {
	left := expireAt.Sub(now)
	if left <= 0 {
		return -1
	}
	ms := left.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}
