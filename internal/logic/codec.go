package logic

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ErrStatusUnreadable is returned when the status line carries no usable timestamp.
var ErrStatusUnreadable = errors.New("status timestamp unreadable")

// KST is the zone the notifier status line is written in.
var KST = time.FixedZone("KST", 9*60*60)

var (
	countdownPattern = regexp.MustCompile(`(?:(\d+)분)?\D*?(\d+)초`)
	statusPattern    = regexp.MustCompile(`\d{2}:\d{2}:\d{2}`)
)

// Decode parses a "M분 S초" countdown into seconds. The minutes group is
// optional. Unparsable input yields 0.
func Decode(code string) int {
	m := countdownPattern.FindStringSubmatch(code)
	if m == nil {
		return 0
	}
	minutes, _ := strconv.Atoi(m[1])
	seconds, _ := strconv.Atoi(m[2])
	return minutes*60 + seconds
}

// DecodeDisplay maps a displayed code to seconds, checking the sentinel
// vocabulary before falling back to Decode.
func DecodeDisplay(code string) int {
	switch code {
	case CodeArrived:
		return Arrived
	case CodeNone:
		return NoBus
	case CodeBlank, "":
		return Blank
	}
	return Decode(code)
}

// Encode formats seconds for the countdown display. Minutes are not wrapped
// at the hour so Decode(Encode(s)) == s for every s > 0.
func Encode(seconds int) string {
	switch {
	case seconds > 0:
		return fmt.Sprintf("%d분 %d초", seconds/60, seconds%60)
	case seconds == Arrived:
		return CodeArrived
	case seconds == NoBus:
		return CodeNone
	}
	return CodeBlank
}

// ElapsedSeconds returns whole seconds from last to now, truncated toward zero.
func ElapsedSeconds(last, now time.Time) int {
	return int(now.Sub(last) / time.Second)
}

// FormatStatus renders the "as of" status line for now in loc.
func FormatStatus(now time.Time, loc *time.Location) string {
	return now.In(loc).Format("15:04:05") + " 기준"
}

// ParseStatusTime extracts the HH:MM:SS stamp from a status line written by
// FormatStatus. The stamp is placed on now's date in loc, and moved back a day
// when that would put it in the future (a tick just after midnight).
func ParseStatusTime(status string, now time.Time, loc *time.Location) (time.Time, error) {
	stamp := statusPattern.FindString(status)
	if stamp == "" {
		return time.Time{}, fmt.Errorf("%w: %q", ErrStatusUnreadable, status)
	}
	clock, err := time.ParseInLocation("15:04:05", stamp, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrStatusUnreadable, err)
	}

	local := now.In(loc)
	t := time.Date(local.Year(), local.Month(), local.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0, loc)
	if t.After(now) {
		t = t.AddDate(0, 0, -1)
	}
	return t, nil
}
