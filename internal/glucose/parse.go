package glucose

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedFile marks an upload that cannot be interpreted at all.
var ErrMalformedFile = errors.New("malformed glucose file")

// Reading is a parsed glucose value already converted to mg/dL.
type Reading struct {
	Timestamp time.Time
	ValueMgDl float64
	Trend     string
}

// Event is a parsed non-reading row.
type Event struct {
	Timestamp time.Time
	Type      string
	Value     *float64
}

// Parsed is the outcome of parsing one upload.
type Parsed struct {
	Readings []Reading
	Events   []Event
	// Skipped counts rows without a usable value.
	Skipped int
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
}

// ParseTimestamp accepts the layouts found in CGM exports plus unix seconds.
// Zone-less values are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// Parse dispatches on file name, content type or leading byte.
func Parse(name, contentType string, data []byte) (*Parsed, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrMalformedFile)
	}
	if strings.HasSuffix(strings.ToLower(name), ".json") ||
		strings.Contains(strings.ToLower(contentType), "json") ||
		trimmed[0] == '{' {
		return ParseJSON(trimmed)
	}
	return ParseCSV(bytes.NewReader(data))
}

type columns struct {
	timestamp, value, unit, event, trend int
	// amounts are event quantity columns such as insulin units or carbs.
	amounts    []int
	headerUnit string
}

func locateColumns(header []string) (columns, error) {
	c := columns{timestamp: -1, value: -1, unit: -1, event: -1, trend: -1}
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		switch {
		case c.timestamp < 0 && (strings.Contains(name, "timestamp") || name == "time" || name == "datetime" || name == "date time" || name == "date"):
			c.timestamp = i
		case c.value < 0 && (strings.Contains(name, "glucose") || name == "value" || name == "reading" || name == "sgv"):
			c.value = i
			if strings.Contains(name, "mmol") {
				c.headerUnit = UnitMmolL
			}
		case c.unit < 0 && (name == "unit" || name == "units"):
			c.unit = i
		case c.event < 0 && (name == "event" || name == "event type" || name == "event_type" || name == "type"):
			c.event = i
		case c.trend < 0 && strings.Contains(name, "trend"):
			c.trend = i
		case strings.Contains(name, "insulin") || strings.Contains(name, "carb") || name == "amount":
			c.amounts = append(c.amounts, i)
		}
	}
	if c.timestamp < 0 || c.value < 0 {
		return c, fmt.Errorf("%w: need timestamp and value columns, got %v", ErrMalformedFile, header)
	}
	return c, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// ParseCSV reads a CSV export. Rows with empty, "Low" or "High" values are
// skipped; rows whose event column names something other than a glucose
// reading become events.
func ParseCSV(r io.Reader) (*Parsed, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrMalformedFile, err)
	}
	cols, err := locateColumns(header)
	if err != nil {
		return nil, err
	}

	out := &Parsed{}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
		}

		rawValue := cell(row, cols.value)
		eventType := cell(row, cols.event)
		if eventType != "" && !isReadingEvent(eventType) {
			ts, err := ParseTimestamp(cell(row, cols.timestamp))
			if err != nil {
				out.Skipped++
				continue
			}
			ev := Event{Timestamp: ts, Type: strings.ToLower(eventType)}
			for _, i := range append([]int{cols.value}, cols.amounts...) {
				if v, err := strconv.ParseFloat(cell(row, i), 64); err == nil {
					ev.Value = &v
					break
				}
			}
			out.Events = append(out.Events, ev)
			continue
		}

		if isSentinel(rawValue) {
			out.Skipped++
			continue
		}
		value, err := strconv.ParseFloat(rawValue, 64)
		if err != nil {
			out.Skipped++
			continue
		}
		ts, err := ParseTimestamp(cell(row, cols.timestamp))
		if err != nil {
			out.Skipped++
			continue
		}
		unit := cols.headerUnit
		if u := cell(row, cols.unit); u != "" {
			unit = u
		}
		mgdl, err := ToMgDl(value, unit)
		if err != nil {
			out.Skipped++
			continue
		}
		out.Readings = append(out.Readings, Reading{Timestamp: ts, ValueMgDl: mgdl, Trend: cell(row, cols.trend)})
	}
	return out, nil
}

func isSentinel(v string) bool {
	return v == "" || strings.EqualFold(v, "low") || strings.EqualFold(v, "high")
}

func isReadingEvent(t string) bool {
	switch strings.ToLower(t) {
	case "egv", "glucose", "reading", "sgv", "cgm", "calibration":
		return true
	}
	return false
}

type jsonPoint struct {
	Timestamp string          `json:"timestamp"`
	Time      string          `json:"time"`
	Value     json.RawMessage `json:"value"`
	Unit      string          `json:"unit"`
	Trend     string          `json:"trend"`
}

type jsonEvent struct {
	Timestamp string   `json:"timestamp"`
	Type      string   `json:"type"`
	EventType string   `json:"event_type"`
	Value     *float64 `json:"value"`
}

type jsonUpload struct {
	Unit     string       `json:"unit"`
	Readings *[]jsonPoint `json:"readings"`
	Points   *[]jsonPoint `json:"points"`
	Events   *[]jsonEvent `json:"events"`
}

// ParseJSON reads {"readings"|"points": [...], "events": [...]}.
func ParseJSON(data []byte) (*Parsed, error) {
	var up jsonUpload
	if err := json.Unmarshal(data, &up); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	if up.Readings == nil && up.Points == nil && up.Events == nil {
		return nil, fmt.Errorf("%w: expected readings, points or events", ErrMalformedFile)
	}

	out := &Parsed{}
	var points []jsonPoint
	if up.Readings != nil {
		points = append(points, *up.Readings...)
	}
	if up.Points != nil {
		points = append(points, *up.Points...)
	}
	for _, p := range points {
		raw := strings.Trim(strings.TrimSpace(string(p.Value)), `"`)
		if isSentinel(raw) || raw == "null" {
			out.Skipped++
			continue
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			out.Skipped++
			continue
		}
		tsText := p.Timestamp
		if tsText == "" {
			tsText = p.Time
		}
		ts, err := ParseTimestamp(tsText)
		if err != nil {
			out.Skipped++
			continue
		}
		unit := p.Unit
		if unit == "" {
			unit = up.Unit
		}
		mgdl, err := ToMgDl(value, unit)
		if err != nil {
			out.Skipped++
			continue
		}
		out.Readings = append(out.Readings, Reading{Timestamp: ts, ValueMgDl: mgdl, Trend: p.Trend})
	}

	if up.Events != nil {
		for _, e := range *up.Events {
			ts, err := ParseTimestamp(e.Timestamp)
			eventType := e.Type
			if eventType == "" {
				eventType = e.EventType
			}
			if err != nil || eventType == "" {
				out.Skipped++
				continue
			}
			out.Events = append(out.Events, Event{Timestamp: ts, Type: strings.ToLower(eventType), Value: e.Value})
		}
	}
	return out, nil
}
