package model

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Timestamp 兼容后端可能返回的几种时间格式：RFC3339、不带时区的 ISO8601、"YYYY-MM-DD HH:MM:SS"。
// 不带时区的值按 UTC 解析。
type Timestamp time.Time

const timeFormat = "2006-01-02 15:04:05"

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	timeFormat,
}

// Time 返回对应的 time.Time。
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

// MarshalJSON implements the json.Marshaler interface.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Time(t).UTC().Format(time.RFC3339Nano))), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	s := strings.Trim(string(data), `"`)
	if s == "" {
		return nil
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = Timestamp(parsed)
			return nil
		}
	}
	return fmt.Errorf("unsupported time format: %s", s)
}
