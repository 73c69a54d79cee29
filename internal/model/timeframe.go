package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTimeframe is returned for timeframes that are not a positive whole
// number of seconds.
var ErrInvalidTimeframe = errors.New("invalid timeframe")

// Timeframe is the fixed length of an aggregation window.
type Timeframe time.Duration

// Common timeframes.
const (
	Minute1  = Timeframe(time.Minute)
	Minute5  = Timeframe(5 * time.Minute)
	Minute15 = Timeframe(15 * time.Minute)
	Hour1    = Timeframe(time.Hour)
	Hour4    = Timeframe(4 * time.Hour)
	Day1     = Timeframe(24 * time.Hour)
)

// ParseTimeframe parses "30s", "1m", "4h", "1d" and "1w" style timeframes.
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidTimeframe)
	}

	var d time.Duration
	switch unit := s[len(s)-1]; unit {
	case 'd', 'w':
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
		}
		d = time.Duration(n) * 24 * time.Hour
		if unit == 'w' {
			d *= 7
		}
	default:
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
		}
		d = parsed
	}

	if d < time.Second || d%time.Second != 0 {
		return 0, fmt.Errorf("%w: %q must be a positive whole number of seconds", ErrInvalidTimeframe, s)
	}
	return Timeframe(d), nil
}

// Duration returns the timeframe as a time.Duration.
func (tf Timeframe) Duration() time.Duration { return time.Duration(tf) }

// Seconds returns the timeframe length in whole seconds.
func (tf Timeframe) Seconds() int64 { return int64(time.Duration(tf) / time.Second) }

// WindowStart returns floor(t / tf) * tf in UTC.
func (tf Timeframe) WindowStart(t time.Time) time.Time {
	secs := tf.Seconds()
	unix := t.Unix()
	start := unix - unix%secs
	if unix < 0 && unix%secs != 0 {
		start -= secs
	}
	return time.Unix(start, 0).UTC()
}

// String renders the shortest conventional form ("1m", "4h", "1d").
func (tf Timeframe) String() string {
	d := time.Duration(tf)
	switch {
	case d <= 0:
		return "0s"
	case d%(7*24*time.Hour) == 0:
		return fmt.Sprintf("%dw", d/(7*24*time.Hour))
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (tf Timeframe) MarshalText() ([]byte, error) {
	return []byte(tf.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (tf *Timeframe) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeframe(string(b))
	if err != nil {
		return err
	}
	*tf = parsed
	return nil
}
