package reporting

import (
	"strings"
	"time"

	"github.com/wolfman30/phi-deid-engine/internal/phierr"
)

// Period is a half-open reporting window [From, To) in UTC.
type Period struct {
	Name string    `json:"name"`
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

const (
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
	PeriodCustom  = "custom"
)

// Daily is the UTC day containing at.
func Daily(at time.Time) Period {
	from := startOfDay(at)
	return Period{Name: PeriodDaily, From: from, To: from.AddDate(0, 0, 1)}
}

// Weekly is the Monday-to-Monday UTC week containing at.
func Weekly(at time.Time) Period {
	day := startOfDay(at)
	offset := (int(day.Weekday()) + 6) % 7
	from := day.AddDate(0, 0, -offset)
	return Period{Name: PeriodWeekly, From: from, To: from.AddDate(0, 0, 7)}
}

// Monthly is the UTC calendar month containing at.
func Monthly(at time.Time) Period {
	at = at.UTC()
	from := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Name: PeriodMonthly, From: from, To: from.AddDate(0, 1, 0)}
}

// Custom builds an arbitrary window.
func Custom(from, to time.Time) (Period, error) {
	p := Period{Name: PeriodCustom, From: from.UTC(), To: to.UTC()}
	return p, p.Validate()
}

// ParsePeriod resolves daily, weekly or monthly around at.
func ParsePeriod(name string, at time.Time) (Period, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case PeriodDaily, "":
		return Daily(at), nil
	case PeriodWeekly:
		return Weekly(at), nil
	case PeriodMonthly:
		return Monthly(at), nil
	}
	return Period{}, phierr.Validationf("reporting.period", "period", "unknown period %q", name)
}

func (p Period) Validate() error {
	if p.From.IsZero() || p.To.IsZero() || !p.From.Before(p.To) {
		return phierr.Validationf("reporting.period", "period", "period start %s must be before end %s", p.From, p.To)
	}
	return nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
