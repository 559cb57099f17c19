package speedtest

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field crontab specs plus descriptors
// ("@daily", "@every 6h").
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// Rule is a parsed recurrence for scheduled speed tests.
//
// Supported forms:
//   - Cron (crontab.guru-style): "*/30 * * * *", "0 3 * * *", "@hourly", "@every 6h"
//   - Go duration interval: "30m", "2h30m"
//   - Daily HH:MM: "03:00" (every day at 03:00)
type Rule struct {
	raw   string
	sched cron.Schedule
}

// ParseRule normalizes a recurrence string.
func ParseRule(raw string) (Rule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Rule{}, fmt.Errorf("recurrence rule required")
	}

	// HH:MM => daily at that wall-clock time.
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		sched, err := cronParser.Parse(fmt.Sprintf("%s %s * * *", m[2], m[1]))
		if err != nil {
			return Rule{}, fmt.Errorf("invalid daily time %q: %w", raw, err)
		}
		return Rule{raw: s, sched: sched}, nil
	}

	// Bare Go duration => fixed interval.
	if !strings.ContainsAny(s, " \t") && !strings.HasPrefix(s, "@") {
		if d, err := time.ParseDuration(s); err == nil {
			if d < time.Minute {
				return Rule{}, fmt.Errorf("interval %q too short, minimum 1m", raw)
			}
			return Rule{raw: s, sched: cron.Every(d)}, nil
		}
	}

	sched, err := cronParser.Parse(s)
	if err != nil {
		return Rule{}, fmt.Errorf(
			"invalid rule %q (use cron like '*/30 * * * *', HH:MM like '03:00', or duration like '6h'): %w",
			raw, err,
		)
	}
	return Rule{raw: s, sched: sched}, nil
}

// Next returns the first due time strictly after t.
func (r Rule) Next(t time.Time) time.Time { return r.sched.Next(t) }

func (r Rule) String() string { return r.raw }

func (r Rule) IsZero() bool { return r.sched == nil }
