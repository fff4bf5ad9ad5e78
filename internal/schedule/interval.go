package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MacJediWizard/duplimon/internal/duplicati"
	"github.com/MacJediWizard/duplimon/internal/models"
)

// Interval is a parsed repeat expression. Calendar units are kept apart from
// fixed durations so months and years follow the calendar.
type Interval struct {
	Years    int
	Months   int
	Days     int
	Duration time.Duration
}

// ParseInterval parses expressions such as "1D", "12h", "1W", "1M", "1Y",
// "30m" or combinations like "1D12h". Units: s, m, h (fixed), D, W, M, Y
// (calendar).
func ParseInterval(expr string) (Interval, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return Interval{}, errors.New("empty interval")
	}

	var iv Interval
	for len(s) > 0 {
		i := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == 0 || i == len(s) {
			return Interval{}, fmt.Errorf("invalid interval %q", expr)
		}
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return Interval{}, fmt.Errorf("invalid interval %q: %w", expr, err)
		}
		switch s[i] {
		case 's':
			iv.Duration += time.Duration(n) * time.Second
		case 'm':
			iv.Duration += time.Duration(n) * time.Minute
		case 'h':
			iv.Duration += time.Duration(n) * time.Hour
		case 'D', 'd':
			iv.Days += n
		case 'W', 'w':
			iv.Days += 7 * n
		case 'M':
			iv.Months += n
		case 'Y', 'y':
			iv.Years += n
		default:
			return Interval{}, fmt.Errorf("invalid interval unit %q in %q", s[i], expr)
		}
		s = s[i+1:]
	}

	if iv.IsZero() {
		return Interval{}, fmt.Errorf("interval %q is zero", expr)
	}
	return iv, nil
}

// IsZero reports whether the interval has no length.
func (iv Interval) IsZero() bool {
	return iv.Years == 0 && iv.Months == 0 && iv.Days == 0 && iv.Duration == 0
}

// AddTo returns t advanced by the interval.
func (iv Interval) AddTo(t time.Time) time.Time {
	return t.AddDate(iv.Years, iv.Months, iv.Days).Add(iv.Duration)
}

var weekdayNames = map[string]int{
	"sunday":    0,
	"monday":    1,
	"tuesday":   2,
	"wednesday": 3,
	"thursday":  4,
	"friday":    5,
	"saturday":  6,
}

// ParseWeekdayRule extracts the allowed weekdays from a schedule rule such as
// "AllowedWeekDays=Monday,Wednesday". A rule without the setting allows every
// day. Days are returned sorted, Sunday = 0.
func ParseWeekdayRule(rule string) ([]int, error) {
	for _, part := range strings.Split(rule, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "AllowedWeekDays") {
			continue
		}

		seen := make(map[int]bool)
		for _, d := range strings.Split(value, ",") {
			d = strings.ToLower(strings.TrimSpace(d))
			if d == "" {
				continue
			}
			n, ok := weekdayNames[d]
			if !ok {
				return nil, fmt.Errorf("unknown weekday %q", d)
			}
			seen[n] = true
		}
		if len(seen) == 0 {
			break
		}
		days := make([]int, 0, len(seen))
		for n := range seen {
			days = append(days, n)
		}
		sort.Ints(days)
		return days, nil
	}
	return allWeekdays(), nil
}

func allWeekdays() []int {
	return []int{0, 1, 2, 3, 4, 5, 6}
}

// MetaFromJob extracts schedule metadata from a job definition. It reports
// false for jobs that are not scheduled.
func MetaFromJob(job duplicati.Job) (models.JobScheduleMeta, bool, error) {
	if job.Schedule == nil || strings.TrimSpace(job.Schedule.Repeat) == "" {
		return models.JobScheduleMeta{}, false, nil
	}
	if _, err := ParseInterval(job.Schedule.Repeat); err != nil {
		return models.JobScheduleMeta{}, false, err
	}
	days, err := ParseWeekdayRule(job.Schedule.Rule)
	if err != nil {
		return models.JobScheduleMeta{}, false, err
	}

	meta := models.JobScheduleMeta{
		ExpectedInterval: strings.TrimSpace(job.Schedule.Repeat),
		AllowedWeekdays:  days,
	}
	if !job.Schedule.Time.IsZero() {
		meta.TimeOfDay = job.Schedule.Time.UTC().Format("15:04")
	}
	return meta, true, nil
}

// NextExpected returns when the run following last is due: last advanced by
// the interval, then moved forward to the next allowed weekday.
func NextExpected(last time.Time, meta models.JobScheduleMeta) (time.Time, error) {
	iv, err := ParseInterval(meta.ExpectedInterval)
	if err != nil {
		return time.Time{}, err
	}
	next := iv.AddTo(last)

	allowed := meta.AllowedWeekdays
	if len(allowed) == 0 {
		return next, nil
	}
	for i := 0; i < 7; i++ {
		if containsDay(allowed, int(next.Weekday())) {
			return next, nil
		}
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}

func containsDay(days []int, d int) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}
