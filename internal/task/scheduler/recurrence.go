package scheduler

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"servidor/internal/method"
)

// Slot is a time of day.
type Slot struct {
	Hour   int
	Minute int
}

func (s Slot) String() string { return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute) }

// On returns the slot on day's date in loc.
func (s Slot) On(day time.Time, loc *time.Location) time.Time {
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), s.Hour, s.Minute, 0, 0, loc)
}

// Recurrence is a weekly schedule: every slot on every selected weekday.
// Weekday indices run 0 = Monday .. 6 = Sunday.
type Recurrence struct {
	Slots []Slot
	Days  [7]bool

	specs []*cron.SpecSchedule
}

func (r Recurrence) Empty() bool {
	if len(r.Slots) == 0 {
		return true
	}
	for _, d := range r.Days {
		if d {
			return false
		}
	}
	return true
}

// DayIndexes returns the selected weekdays, ascending.
func (r Recurrence) DayIndexes() []int {
	var out []int
	for i, d := range r.Days {
		if d {
			out = append(out, i)
		}
	}
	return out
}

func (r Recurrence) SlotStrings() []string {
	out := make([]string, len(r.Slots))
	for i, s := range r.Slots {
		out[i] = s.String()
	}
	return out
}

func (r Recurrence) RunsOn(t time.Time) bool { return r.Days[WeekdayIndex(t)] }

// WeekdayIndex maps t's weekday to 0 = Monday .. 6 = Sunday.
func WeekdayIndex(t time.Time) int { return (int(t.Weekday()) + 6) % 7 }

var (
	reSeparators = regexp.MustCompile(`[,;/\s]+`)
	reSlot       = regexp.MustCompile(`^(\d{1,2})[:h](\d{2})$`)
)

var onDemand = map[string]bool{
	"":            true,
	"-":           true,
	"sem":         true,
	"nenhum":      true,
	"nenhuma":     true,
	"sob demanda": true,
	"demanda":     true,
	"on demand":   true,
	"manual":      true,
	"n/a":         true,
}

var dayNames = map[string][]int{
	"segunda": {0}, "seg": {0}, "mon": {0}, "monday": {0},
	"terca": {1}, "ter": {1}, "tue": {1}, "tuesday": {1},
	"quarta": {2}, "qua": {2}, "wed": {2}, "wednesday": {2},
	"quinta": {3}, "qui": {3}, "thu": {3}, "thursday": {3},
	"sexta": {4}, "sex": {4}, "fri": {4}, "friday": {4},
	"sabado": {5}, "sab": {5}, "sat": {5}, "saturday": {5},
	"domingo": {6}, "dom": {6}, "sun": {6}, "sunday": {6},
	"todos": {0, 1, 2, 3, 4, 5, 6}, "diario": {0, 1, 2, 3, 4, 5, 6}, "diariamente": {0, 1, 2, 3, 4, 5, 6},
	"uteis": {0, 1, 2, 3, 4},
}

// ParseRecurrence parses the time list and the weekday list of a method.
//
// Times are HH:MM tokens separated by comma, space, semicolon or slash;
// invalid tokens are ignored, the rest are deduplicated and sorted.
// Weekdays are Portuguese day names, case and accent insensitive, with or
// without the "-feira" suffix. An empty or on-demand value in either field
// yields ok == false.
func ParseRecurrence(times, weekdays string) (Recurrence, bool) {
	if isOnDemand(times) || isOnDemand(weekdays) {
		return Recurrence{}, false
	}

	var r Recurrence
	r.Slots = parseSlots(times)
	for _, tok := range tokens(weekdays) {
		tok = strings.TrimSuffix(tok, "-feira")
		tok = strings.TrimSuffix(tok, "feira")
		tok = strings.TrimSuffix(tok, "-")
		for _, d := range dayNames[tok] {
			r.Days[d] = true
		}
	}
	if r.Empty() {
		return Recurrence{}, false
	}
	r.specs = buildSpecs(r)
	return r, true
}

func isOnDemand(s string) bool {
	f := method.Fold(s)
	f = strings.Join(strings.Fields(f), " ")
	return onDemand[f]
}

func tokens(s string) []string {
	var out []string
	for _, t := range reSeparators.Split(method.Fold(s), -1) {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseSlots(s string) []Slot {
	seen := map[Slot]bool{}
	var out []Slot
	for _, tok := range tokens(s) {
		m := reSlot.FindStringSubmatch(tok)
		if m == nil {
			continue
		}
		h, _ := strconv.Atoi(m[1])
		mi, _ := strconv.Atoi(m[2])
		if h > 23 || mi > 59 {
			continue
		}
		sl := Slot{Hour: h, Minute: mi}
		if !seen[sl] {
			seen[sl] = true
			out = append(out, sl)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hour != out[j].Hour {
			return out[i].Hour < out[j].Hour
		}
		return out[i].Minute < out[j].Minute
	})
	return out
}

// buildSpecs compiles one cron schedule per slot, restricted to the selected
// weekdays. Cron counts weekdays from Sunday = 0.
func buildSpecs(r Recurrence) []*cron.SpecSchedule {
	dows := make([]string, 0, 7)
	for _, d := range r.DayIndexes() {
		dows = append(dows, strconv.Itoa((d+1)%7))
	}
	dowField := strings.Join(dows, ",")

	specs := make([]*cron.SpecSchedule, 0, len(r.Slots))
	for _, sl := range r.Slots {
		sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * %s", sl.Minute, sl.Hour, dowField))
		if err != nil {
			continue
		}
		if ss, ok := sched.(*cron.SpecSchedule); ok {
			specs = append(specs, ss)
		}
	}
	return specs
}

// horizon bounds the forward scan: today plus seven days.
const horizon = 8 * 24 * time.Hour

// Next returns the first slot strictly after ref, evaluated in loc, or the
// zero time when none exists within the horizon.
func (r Recurrence) Next(ref time.Time, loc *time.Location) time.Time {
	if r.Empty() {
		return time.Time{}
	}
	if loc == nil {
		loc = time.Local
	}
	specs := r.specs
	if len(specs) == 0 {
		specs = buildSpecs(r)
	}

	local := ref.In(loc)
	var best time.Time
	for _, spec := range specs {
		sp := *spec
		sp.Location = loc
		n := sp.Next(local)
		if n.IsZero() || !n.After(ref) {
			continue
		}
		if best.IsZero() || n.Before(best) {
			best = n
		}
	}
	if best.IsZero() || best.Sub(ref) > horizon {
		return time.Time{}
	}
	return best.In(loc)
}
