package jobstore

import (
	"fmt"
	"time"
)

// dbTimeLayouts covers the representations the sqlite drivers hand back for
// TEXT timestamp columns. modernc returns driver-formatted strings; libsql
// may surface the raw column text.
var dbTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

func parseDBTimeValue(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return parseDBTimeString(t)
	case []byte:
		return parseDBTimeString(string(t))
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

func parseOptionalDBTime(v any) (*time.Time, error) {
	if v == nil {
		return nil, nil
	}
	t, err := parseDBTimeValue(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDBTimeString(s string) (time.Time, error) {
	for _, layout := range dbTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
