// Package schedule parses user-supplied schedule text into either a cron
// expression or a one-shot instant, and computes next firings in the user's
// timezone.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parsed is the outcome of Parse. Recurring schedules carry Cron; one-shots
// carry RunAt.
type Parsed struct {
	Recurring bool
	Cron      string
	RunAt     time.Time
	TZ        string
}

var (
	reEveryDayAt  = regexp.MustCompile(`(?i)^every\s+day\s+at\s+(.+)$`)
	reEveryWeekAt = regexp.MustCompile(`(?i)^every\s+(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\s+at\s+(.+)$`)
	reEveryNMin   = regexp.MustCompile(`(?i)^every\s+(\d+)\s+min(?:ute)?s?$`)
	reTomorrowAt  = regexp.MustCompile(`(?i)^tomorrow\s+at\s+(.+)$`)
	reInN         = regexp.MustCompile(`(?i)^in\s+(\d+)\s+(min(?:ute)?s?|hours?|days?)$`)
	reAtDateTime  = regexp.MustCompile(`^at\s+(\d{4}-\d{2}-\d{2})\s+(\d{1,2}:\d{2})$`)
	reClock       = regexp.MustCompile(`(?i)^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
)

var weekdayNumbers = map[string]int{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
	"thursday": 4, "friday": 5, "saturday": 6,
}

// Parse interprets scheduleText relative to now in defaultTZ. A nil result
// means the text is not a recognizable schedule; callers MUST refuse nil
// rather than guessing.
func Parse(scheduleText, defaultTZ string, now time.Time) *Parsed {
	text := strings.TrimSpace(scheduleText)
	if text == "" {
		return nil
	}

	loc, err := time.LoadLocation(defaultTZ)
	if err != nil {
		return nil
	}
	local := now.In(loc)

	// Verbatim 5-field cron.
	if fields := strings.Fields(text); len(fields) == 5 {
		if _, err := cronParser.Parse(text); err == nil {
			return &Parsed{Recurring: true, Cron: text, TZ: defaultTZ}
		}
	}

	if m := reEveryDayAt.FindStringSubmatch(text); m != nil {
		hour, minute, ok := parseClock(m[1])
		if !ok {
			return nil
		}
		return &Parsed{
			Recurring: true,
			Cron:      fmt.Sprintf("%d %d * * *", minute, hour),
			TZ:        defaultTZ,
		}
	}

	if m := reEveryWeekAt.FindStringSubmatch(text); m != nil {
		hour, minute, ok := parseClock(m[2])
		if !ok {
			return nil
		}
		dow := weekdayNumbers[strings.ToLower(m[1])]
		return &Parsed{
			Recurring: true,
			Cron:      fmt.Sprintf("%d %d * * %d", minute, hour, dow),
			TZ:        defaultTZ,
		}
	}

	if m := reEveryNMin.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > 59 {
			return nil
		}
		return &Parsed{
			Recurring: true,
			Cron:      fmt.Sprintf("*/%d * * * *", n),
			TZ:        defaultTZ,
		}
	}

	if m := reTomorrowAt.FindStringSubmatch(text); m != nil {
		hour, minute, ok := parseClock(m[1])
		if !ok {
			return nil
		}
		tomorrow := local.AddDate(0, 0, 1)
		runAt := time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(),
			hour, minute, 0, 0, loc)
		return &Parsed{RunAt: runAt.UTC(), TZ: defaultTZ}
	}

	if m := reInN.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return nil
		}
		var d time.Duration
		switch {
		case strings.HasPrefix(strings.ToLower(m[2]), "min"):
			d = time.Duration(n) * time.Minute
		case strings.HasPrefix(strings.ToLower(m[2]), "hour"):
			d = time.Duration(n) * time.Hour
		default:
			d = time.Duration(n) * 24 * time.Hour
		}
		return &Parsed{RunAt: now.Add(d).UTC(), TZ: defaultTZ}
	}

	if m := reAtDateTime.FindStringSubmatch(text); m != nil {
		runAt, err := time.ParseInLocation("2006-01-02 15:04", m[1]+" "+m[2], loc)
		if err != nil {
			return nil
		}
		return &Parsed{RunAt: runAt.UTC(), TZ: defaultTZ}
	}

	return nil
}

// parseClock reads "HH:MM", "H", "7pm", "7:30am" into a 24h clock.
func parseClock(text string) (hour, minute int, ok bool) {
	m := reClock.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return 0, 0, false
	}
	hour, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	if m[2] != "" {
		minute, err = strconv.Atoi(m[2])
		if err != nil {
			return 0, 0, false
		}
	}

	switch strings.ToLower(m[3]) {
	case "am":
		if hour < 1 || hour > 12 {
			return 0, 0, false
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return 0, 0, false
		}
		if hour != 12 {
			hour += 12
		}
	default:
		if hour > 23 {
			return 0, 0, false
		}
	}
	if minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}

// NextFire computes the next firing of cronExpr strictly after the given
// instant, evaluated in tz. Calling it again with its own result always
// moves forward.
func NextFire(cronExpr, tz string, after time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", cronExpr, err)
	}
	return sched.Next(after.In(loc)).UTC(), nil
}
