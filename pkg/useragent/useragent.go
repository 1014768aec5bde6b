package useragent

import (
	"regexp"
	"strings"
)

// Unknown 无法识别时的占位值
const Unknown = "Unknown"

var (
	windowsPattern  = regexp.MustCompile(`(?i)Windows NT (\d+\.\d+)`)
	macPattern      = regexp.MustCompile(`Mac OS X (\d+[_.\d]*)`)
	androidPattern  = regexp.MustCompile(`Android (\d+(?:\.\d+)*)`)
	iosPattern      = regexp.MustCompile(`OS (\d+[_.\d]*)`)
	edgePattern     = regexp.MustCompile(`Edg/(\d+(?:\.\d+)*)`)
	operaPattern    = regexp.MustCompile(`OPR/(\d+(?:\.\d+)*)`)
	chromePattern   = regexp.MustCompile(`Chrome/(\d+(?:\.\d+)*)`)
	firefoxPattern  = regexp.MustCompile(`Firefox/(\d+(?:\.\d+)*)`)
	safariPattern   = regexp.MustCompile(`Version/(\d+(?:\.\d+)*)`)
	chromiumPattern = regexp.MustCompile(`Chromium/(\d+(?:\.\d+)*)`)
)

var windowsVersions = map[string]string{
	"10.0": "Windows 10",
	"11.0": "Windows 11",
	"6.3":  "Windows 8.1",
	"6.2":  "Windows 8",
	"6.1":  "Windows 7",
	"6.0":  "Windows Vista",
	"5.1":  "Windows XP",
}

// Info 解析结果
type Info struct {
	OS      string
	Browser string
}

// Parse 从完整 User-Agent 中提取操作系统和浏览器（含版本）
func Parse(ua string) Info {
	return Info{OS: OS(ua), Browser: Browser(ua)}
}

// OS 操作系统及版本
func OS(ua string) string {
	if ua == "" {
		return Unknown
	}
	if m := windowsPattern.FindStringSubmatch(ua); m != nil {
		if name, ok := windowsVersions[m[1]]; ok {
			return name
		}
		return "Windows NT " + m[1]
	}
	switch {
	case strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPad"):
		return withVersion("iOS", iosPattern, ua)
	case strings.Contains(ua, "Mac OS X") || strings.Contains(ua, "Macintosh"):
		return withVersion("macOS", macPattern, ua)
	case strings.Contains(ua, "Android"):
		return withVersion("Android", androidPattern, ua)
	case strings.Contains(ua, "Linux"):
		return "Linux"
	}
	return Unknown
}

// Browser 浏览器及版本；Edge 和 Opera 的 UA 同时带 Chrome 标记，需先判断
func Browser(ua string) string {
	if ua == "" {
		return Unknown
	}
	switch {
	case edgePattern.MatchString(ua):
		return withVersion("Microsoft Edge", edgePattern, ua)
	case operaPattern.MatchString(ua):
		return withVersion("Opera", operaPattern, ua)
	case chromePattern.MatchString(ua) && !strings.Contains(ua, "Chromium"):
		return withVersion("Chrome", chromePattern, ua)
	case firefoxPattern.MatchString(ua):
		return withVersion("Firefox", firefoxPattern, ua)
	case strings.Contains(ua, "Safari/") && !strings.Contains(ua, "Chrome/") && !strings.Contains(ua, "Chromium/"):
		return withVersion("Safari", safariPattern, ua)
	case strings.Contains(ua, "Opera"):
		return "Opera"
	case strings.Contains(ua, "Chromium/"):
		return withVersion("Chromium", chromiumPattern, ua)
	}
	return Unknown
}

func withVersion(name string, pattern *regexp.Regexp, ua string) string {
	m := pattern.FindStringSubmatch(ua)
	if m == nil || m[1] == "" {
		return name
	}
	return name + " " + strings.ReplaceAll(m[1], "_", ".")
}
