package ttime

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	FORMAT_ISO_MILLI = "2006-01-02T15:04:05.000Z07:00"
	FORMAT_HOUR      = "2006-01-02T15:00:00"
	FORMAT_MINUTE    = "2006-01-02T15:04:00"
	FORMAT_DATE      = "2006-01-02"
)

// Time is stored and serialised in UTC; JSON carries millisecond ISO-8601 ("...Z").
type Time struct {
	time.Time
}

func Of(t time.Time) Time { return Time{Time: t.UTC()} }

// HourKey is the UTC hour bucket of t.
func HourKey(t time.Time) string { return t.UTC().Truncate(time.Hour).Format(FORMAT_HOUR) }

// MinuteKey formats a bucket start, seconds dropped.
func MinuteKey(t time.Time) string { return t.UTC().Format(FORMAT_MINUTE) }

// DayKey is the UTC calendar day of t.
func DayKey(t time.Time) string { return t.UTC().Format(FORMAT_DATE) }

/************** JSON **************/

func (m Time) MarshalJSON() ([]byte, error) {
	if m.Time.IsZero() {
		return json.Marshal("")
	}
	return json.Marshal(m.Time.UTC().Format(FORMAT_ISO_MILLI))
}

func (m *Time) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), "\"")
	if s == "" || s == "null" {
		*m = Time{}
		return nil
	}
	t, err := parseFlexible(s)
	if err != nil {
		return fmt.Errorf("ttime UnmarshalJSON: cannot parse %q", s)
	}
	*m = Of(t)
	return nil
}

/************** SQL Scanner / Valuer **************/

func (Time) GormDataType() string { return "time" }

func (m *Time) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*m = Time{}
		return nil
	case time.Time:
		*m = Of(v)
		return nil
	case string:
		return m.scanFromString(v)
	case []byte:
		return m.scanFromString(string(v))
	default:
		return fmt.Errorf("ttime Scan: unsupported src type %T", value)
	}
}

func (m *Time) scanFromString(s string) error {
	s = strings.TrimSpace(s)
	if s == "" || s == "0000-00-00 00:00:00" {
		*m = Time{}
		return nil
	}
	t, err := parseFlexible(s)
	if err != nil {
		return fmt.Errorf("ttime Scan: cannot parse %q", s)
	}
	*m = Of(t)
	return nil
}

func (m Time) Value() (driver.Value, error) {
	if m.Time.IsZero() {
		return nil, nil
	}
	return m.Time.UTC(), nil
}

/************** Flexible Parser **************/

// values without an offset are UTC
func parseFlexible(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05.999999999 -0700 MST",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		FORMAT_DATE,
	}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
