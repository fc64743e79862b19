package provider

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseRetryAfter reads a Retry-After header value given either as delay
// seconds or as an HTTP-date. The result is never negative; nil means the
// header was absent or unreadable.
func ParseRetryAfter(value string, now time.Time) *int {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		return clampSeconds(seconds)
	}

	at, err := http.ParseTime(value)
	if err != nil {
		return nil
	}
	return clampSeconds(int(math.Round(at.Sub(now).Seconds())))
}

func clampSeconds(seconds int) *int {
	if seconds < 0 {
		seconds = 0
	}
	return &seconds
}
