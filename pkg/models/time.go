package models

import (
	"strings"
	"time"
)

// Clock 可注入的时钟
type Clock func() time.Time

// SystemClock 返回当前 UTC 时间
func SystemClock() time.Time {
	return time.Now().UTC()
}

// WireLayout 线上时间格式：UTC、秒级、Z 结尾
const WireLayout = "2006-01-02T15:04:05Z"

// FormatTimestamp 零值输出为空串
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(WireLayout)
}

// ParseTimestamp 兼容带小数秒、带时区偏移和不带 Z 的 ISO-8601
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
