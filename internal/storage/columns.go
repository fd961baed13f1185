package storage

import (
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/cockroachdb/errors"

	"servidor/internal/method"
)

// Column roles recognized in snapshot headers. Headers are compared folded
// (no accents, lower case, single spaces, "_" as space).
const (
	colMethod     = "method"
	colAutomation = "automation"
	colArea       = "area"
	colStatus     = "status"
	colRecurrence = "recurrence"
	colWeekdays   = "weekdays"
	colTimestamp  = "timestamp"
	colDate       = "date"
	colTime       = "time"
	colLog        = "log"
)

var metadataHeaders = map[string]string{
	"metodo": colMethod, "method": colMethod, "nome do metodo": colMethod, "script": colMethod,
	"automacao": colAutomation, "automation": colAutomation, "nome da automacao": colAutomation,
	"area": colArea, "setor": colArea, "area responsavel": colArea,
	"status": colStatus, "situacao": colStatus, "ativo": colStatus,
	"horario": colRecurrence, "horarios": colRecurrence, "recorrencia": colRecurrence,
	"recurrence": colRecurrence, "times": colRecurrence, "horario de execucao": colRecurrence,
	"dias": colWeekdays, "dia da semana": colWeekdays, "dias da semana": colWeekdays,
	"dias de execucao": colWeekdays, "weekdays": colWeekdays, "days": colWeekdays,
}

var historyHeaders = map[string]string{
	"metodo": colMethod, "method": colMethod, "nome do metodo": colMethod, "script": colMethod,
	"data hora": colTimestamp, "datahora": colTimestamp, "timestamp": colTimestamp,
	"executado em": colTimestamp, "at": colTimestamp, "inicio": colTimestamp,
	"data": colDate, "date": colDate, "data execucao": colDate,
	"hora": colTime, "time": colTime, "hora execucao": colTime,
	"status": colStatus, "resultado": colStatus,
	"log": colLog, "arquivo de log": colLog,
}

func foldHeader(h string) string {
	h = strings.ReplaceAll(method.Fold(h), "_", " ")
	return strings.Join(strings.Fields(h), " ")
}

// mapHeader returns role -> column index. The first column with a role wins;
// unknown columns are reported in extra by their original header.
func mapHeader(header []string, known map[string]string) (roles map[string]int, extra map[int]string) {
	roles = map[string]int{}
	extra = map[int]string{}
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		role, ok := known[foldHeader(h)]
		if !ok {
			if strings.TrimSpace(h) != "" {
				extra[i] = strings.TrimSpace(h)
			}
			continue
		}
		if _, dup := roles[role]; !dup {
			roles[role] = i
		}
	}
	return roles, extra
}

func cell(rec []string, roles map[string]int, role string) string {
	i, ok := roles[role]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// timestampLayouts are tried before the generic parser, so day-first dates
// are never read month-first.
var timestampLayouts = []string{
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02-01-2006 15:04:05",
	"02-01-2006 15:04",
}

// ParseTimestamp reads a history timestamp; zone-less values are taken in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	t, err := dateparse.ParseIn(s, loc)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse timestamp %q", s)
	}
	return t, nil
}

// runTime combines either a full timestamp or a date + time pair.
func runTime(ts, date, clock string, loc *time.Location) (time.Time, error) {
	if strings.TrimSpace(ts) != "" {
		return ParseTimestamp(ts, loc)
	}
	return ParseTimestamp(strings.TrimSpace(date+" "+clock), loc)
}

// noteLatest keeps the most recent run per normalized key.
func noteLatest(out map[string]time.Time, name string, at time.Time) {
	key := method.Normalize(name)
	if key == "" || at.IsZero() {
		return
	}
	if prev, ok := out[key]; !ok || at.After(prev) {
		out[key] = at
	}
}
