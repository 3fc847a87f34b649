// Package batch imports CSV files of wagon updates as background jobs.
package batch

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"rail-ingest/ingest"
	"rail-ingest/trainindex"
)

type column int

const (
	colTrainIndex column = iota
	colWagonNumber
	colIsLoaded
	colWeight
	colDate
	numColumns
)

// header names are matched case-insensitively
var columnAliases = map[string]column{
	"trainindex":  colTrainIndex,
	"index":       colTrainIndex,
	"traincode":   colTrainIndex,
	"wagonnumber": colWagonNumber,
	"number":      colWagonNumber,
	"wagon":       colWagonNumber,
	"isloaded":    colIsLoaded,
	"loaded":      colIsLoaded,
	"load":        colIsLoaded,
	"weight":      colWeight,
	"weightkg":    colWeight,
	"kg":          colWeight,
	"date":        colDate,
	"datetime":    colDate,
	"time":        colDate,
}

// ErrNoHeader is returned for an empty CSV stream.
var ErrNoHeader = errors.New("csv file is empty or has no header")

// Row is one raw CSV data row. Err is set when the line itself could not
// be parsed; the row then fails validation.
type Row struct {
	Line        int
	TrainIndex  string
	WagonNumber string
	IsLoaded    string
	Weight      string
	Date        string
	Err         error
}

const (
	maxLineBytes   = 1024 * 1024
	maxWagonNumber = 20
)

// parseLine splits one physical line. Quotes must be balanced within the
// line.
func parseLine(text string) ([]string, error) {
	cr := csv.NewReader(strings.NewReader(text))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	rec, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	return rec, err
}

// eachLine parses r one physical line at a time, so a malformed line never
// spills into the next one. Blank lines are skipped; line numbers count them.
func eachLine(r io.Reader, fn func(line int, text string, rec []string, err error) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if line == 1 {
			text = strings.TrimPrefix(text, "\ufeff")
		}
		rec, err := parseLine(text)
		if err == nil && isBlank(rec) {
			continue
		}
		if err := fn(line, text, rec, err); err != nil {
			return err
		}
	}
	return errors.Wrap(sc.Err(), "read csv")
}

func malformedLine(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	return &ingest.ValidationError{Msg: "malformed csv line: " + err.Error()}
}

// ReadRows reads the header and every data row. Blank lines are skipped.
// Columns missing from the header read as empty strings. A line that cannot
// be parsed becomes a row carrying Err.
func ReadRows(r io.Reader) ([]Row, error) {
	var (
		idx    [numColumns]int
		header bool
		rows   []Row
	)
	err := eachLine(r, func(line int, _ string, rec []string, err error) error {
		if !header {
			if err != nil {
				return errors.Wrap(err, "read csv header")
			}
			idx = headerIndex(rec)
			header = true
			return nil
		}
		if err != nil {
			rows = append(rows, Row{Line: line, Err: malformedLine(err)})
			return nil
		}
		get := func(c column) string {
			if idx[c] < 0 || idx[c] >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[idx[c]])
		}
		rows = append(rows, Row{
			Line:        line,
			TrainIndex:  get(colTrainIndex),
			WagonNumber: get(colWagonNumber),
			IsLoaded:    get(colIsLoaded),
			Weight:      get(colWeight),
			Date:        get(colDate),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !header {
		return nil, ErrNoHeader
	}
	return rows, nil
}

func headerIndex(header []string) [numColumns]int {
	idx := [numColumns]int{-1, -1, -1, -1, -1}
	for i, name := range header {
		name = strings.TrimPrefix(name, "\ufeff")
		name = strings.ToLower(strings.Trim(strings.TrimSpace(name), `"`))
		if c, ok := columnAliases[name]; ok && idx[c] == -1 {
			idx[c] = i
		}
	}
	return idx
}

func isBlank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// Update converts the row into a canonical update. now is used for rows
// without a date.
func (r Row) Update(now time.Time) (ingest.Update, error) {
	if r.Err != nil {
		return ingest.Update{}, r.Err
	}
	if r.TrainIndex == "" {
		return ingest.Update{}, &ingest.ValidationError{Msg: "train index is required"}
	}
	if r.WagonNumber == "" {
		return ingest.Update{}, &ingest.ValidationError{Msg: "wagon number is required"}
	}
	if utf8.RuneCountInString(r.WagonNumber) > maxWagonNumber {
		return ingest.Update{}, &ingest.ValidationError{Msg: fmt.Sprintf("wagon number must be at most %d characters", maxWagonNumber)}
	}
	weight, err := ParseWeight(r.Weight)
	if err != nil {
		return ingest.Update{}, err
	}
	date, err := ParseDate(r.Date, now)
	if err != nil {
		return ingest.Update{}, err
	}
	u := ingest.Update{
		Source:        "csv",
		RawTrainIndex: r.TrainIndex,
		WagonNumber:   r.WagonNumber,
		IsLoaded:      ParseBool(r.IsLoaded),
		WeightKg:      weight,
		Date:          date,
	}
	u.EventID = EventID(u)
	return u, nil
}

// ParseBool accepts true, 1, yes and loaded in any case. Anything else is false.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "loaded":
		return true
	}
	return false
}

// ParseWeight reads a decimal kilogram value; thousands separators are
// allowed and an empty value is zero.
func ParseWeight(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &ingest.ValidationError{Msg: "invalid weight value: " + s}
	}
	if v < 0 {
		return 0, &ingest.ValidationError{Msg: "weight must be >= 0: " + s}
	}
	return v, nil
}

// dates are tried in order; day-first wins over month-first when both parse
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"02/01/2006",
	"01/02/2006",
	"02-01-2006",
	"01-02-2006",
}

var fallbackDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
	"2006/01/02",
	"02.01.2006 15:04:05",
	"02.01.2006",
	"02/01/2006 15:04:05",
	"01/02/2006 15:04:05",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// ParseDate parses s as UTC. An empty value yields now.
func ParseDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return now.UTC(), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	for _, layout := range fallbackDateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &ingest.ValidationError{Msg: "invalid date value: " + s}
}

// EventID derives a stable ledger id from the row content, so importing
// the same row twice is a duplicate.
func EventID(u ingest.Update) string {
	index, ok := trainindex.TryNormalize(u.RawTrainIndex)
	if !ok {
		index = strings.TrimSpace(u.RawTrainIndex)
	}
	return "csv:" + HashParts(40,
		index,
		u.WagonNumber,
		strconv.FormatBool(u.IsLoaded),
		strconv.FormatFloat(u.WeightKg, 'f', 2, 64),
		u.Date.UTC().Format(time.RFC3339Nano),
	)
}
