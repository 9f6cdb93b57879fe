// Package schedule computes when an enrollment's next step becomes due.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/unclebandit/campaign-engine/internal/model"
)

// NextRun adds d to now using calendar arithmetic in now's location, then,
// if sendTime ("HH:MM") is set, pins the time of day to it. A pinned time at
// or before now rolls forward one calendar day.
func NextRun(now time.Time, d model.Delay, sendTime string) (time.Time, error) {
	loc := now.Location()
	next := now.AddDate(0, 0, d.Days)
	next = time.Date(next.Year(), next.Month(), next.Day(),
		next.Hour()+d.Hours, next.Minute()+d.Minutes, next.Second(), next.Nanosecond(), loc)

	if sendTime == "" {
		return next, nil
	}

	h, m, err := ParseSendTime(sendTime)
	if err != nil {
		return time.Time{}, err
	}
	pinned := time.Date(next.Year(), next.Month(), next.Day(), h, m, 0, 0, loc)
	if !pinned.After(now) {
		pinned = time.Date(next.Year(), next.Month(), next.Day()+1, h, m, 0, 0, loc)
	}
	return pinned, nil
}

// ParseSendTime validates an "HH:MM" time of day.
func ParseSendTime(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("send time %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("send time %q: bad hour", s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("send time %q: bad minute", s)
	}
	return hour, minute, nil
}
