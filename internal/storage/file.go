package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/encoding/charmap"

	"servidor/internal/registry"
	logx "servidor/pkg/logx"
)

// fileStore reads the synchronizer's CSV snapshots and keeps its own runs in
// an append-only CSV journal.
//
// Files:
//   - MetadataFile: one row per method
//   - HistoryFile:  one row per past run (rewritten by the synchronizer)
//   - Path:         journal of runs executed by this process
type fileStore struct {
	log logx.Logger
	loc *time.Location

	metadataPath string
	historyPath  string

	mu      sync.Mutex
	journal *os.File
	// runs mirrors the journal so LastRuns does not re-read it.
	runs map[string]time.Time
}

var journalHeader = []string{"metodo", "chave", "data_hora", "fim", "status", "codigo", "origem", "usuario", "log", "interrompido"}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for csv driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create journal dir")
	}

	runs := map[string]time.Time{}
	if err := replayJournal(path, cfg.Location, runs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run journal replay failed", logx.String("path", path), logx.Err(err))
	}

	jf, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open run journal %s", path)
	}
	if fi, err := jf.Stat(); err == nil && fi.Size() == 0 {
		w := csv.NewWriter(jf)
		_ = w.Write(journalHeader)
		w.Flush()
		if err := w.Error(); err != nil {
			_ = jf.Close()
			return nil, errors.Wrap(err, "write journal header")
		}
	}

	return &fileStore{
		log:          log,
		loc:          cfg.Location,
		metadataPath: strings.TrimSpace(cfg.MetadataFile),
		historyPath:  strings.TrimSpace(cfg.HistoryFile),
		journal:      jf,
		runs:         runs,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Methods(ctx context.Context) ([]registry.MetadataRow, error) {
	if s.metadataPath == "" {
		return nil, nil
	}
	header, records, err := readCSV(s.metadataPath)
	if err != nil || header == nil {
		return nil, err
	}
	roles, extra := mapHeader(header, metadataHeaders)
	if _, ok := roles[colMethod]; !ok {
		return nil, errors.Newf("metadata %s: no method column", s.metadataPath)
	}

	rows := make([]registry.MetadataRow, 0, len(records))
	for _, rec := range records {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		row := registry.MetadataRow{
			Method:     cell(rec, roles, colMethod),
			Automation: cell(rec, roles, colAutomation),
			Area:       cell(rec, roles, colArea),
			Status:     cell(rec, roles, colStatus),
			Recurrence: cell(rec, roles, colRecurrence),
			Weekdays:   cell(rec, roles, colWeekdays),
		}
		if row.Method == "" {
			continue
		}
		for i, name := range extra {
			if i < len(rec) && strings.TrimSpace(rec[i]) != "" {
				if row.Fields == nil {
					row.Fields = map[string]string{}
				}
				row.Fields[name] = strings.TrimSpace(rec[i])
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// LastRuns merges the synchronizer's history with the local journal.
func (s *fileStore) LastRuns(ctx context.Context) (map[string]time.Time, error) {
	out := map[string]time.Time{}
	s.mu.Lock()
	for k, v := range s.runs {
		out[k] = v
	}
	s.mu.Unlock()

	if s.historyPath == "" {
		return out, nil
	}
	header, records, err := readCSV(s.historyPath)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return out, nil
	}
	roles, _ := mapHeader(header, historyHeaders)
	if _, ok := roles[colMethod]; !ok {
		return nil, errors.Newf("history %s: no method column", s.historyPath)
	}
	_, hasTS := roles[colTimestamp]
	_, hasDate := roles[colDate]
	if !hasTS && !hasDate {
		return nil, errors.Newf("history %s: no timestamp or date column", s.historyPath)
	}

	bad := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		at, err := runTime(cell(rec, roles, colTimestamp), cell(rec, roles, colDate), cell(rec, roles, colTime), s.loc)
		if err != nil {
			bad++
			continue
		}
		noteLatest(out, cell(rec, roles, colMethod), at)
	}
	if bad > 0 {
		s.log.Debug("history rows skipped", logx.String("path", s.historyPath), logx.Int("rows", bad))
	}
	return out, nil
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("run journal closed")
	}
	w := csv.NewWriter(s.journal)
	_ = w.Write([]string{
		r.Method,
		r.Key,
		r.At.Format(time.RFC3339Nano),
		formatTime(r.Finished),
		r.Status,
		strconv.Itoa(r.ExitCode),
		r.Origin,
		r.User,
		r.LogPath,
		strconv.FormatBool(r.Killed),
	})
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrap(err, "append run")
	}
	name := r.Key
	if name == "" {
		name = r.Method
	}
	noteLatest(s.runs, name, r.At)
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func replayJournal(path string, loc *time.Location, out map[string]time.Time) error {
	header, records, err := readCSV(path)
	if err != nil || header == nil {
		return err
	}
	idx := map[string]int{}
	for i, h := range header {
		idx[h] = i
	}
	iKey, okKey := idx["chave"]
	iAt, okAt := idx["data_hora"]
	if !okKey || !okAt {
		return errors.Newf("journal %s: unexpected header", path)
	}
	for _, rec := range records {
		if iKey >= len(rec) || iAt >= len(rec) {
			continue
		}
		at, err := ParseTimestamp(rec[iAt], loc)
		if err != nil {
			continue
		}
		noteLatest(out, rec[iKey], at)
	}
	return nil
}

// readCSV reads a whole snapshot. The delimiter (";" or ",") is sniffed from
// the header line; non UTF-8 content is decoded as Windows-1252.
func readCSV(path string) ([]string, [][]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read %s", path)
	}
	b = bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(b) {
		if dec, derr := charmap.Windows1252.NewDecoder().Bytes(b); derr == nil {
			b = dec
		}
	}

	r := csv.NewReader(bufio.NewReader(bytes.NewReader(b)))
	r.Comma = sniffDelimiter(b)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = false

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "parse %s header", path)
	}
	var records [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.Wrapf(err, "parse %s", path)
		}
		records = append(records, rec)
	}
	return header, records, nil
}

func sniffDelimiter(b []byte) rune {
	line := b
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		line = b[:i]
	}
	if bytes.Count(line, []byte(";")) > bytes.Count(line, []byte(",")) {
		return ';'
	}
	return ','
}
