package useragent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name    string
		ua      string
		os      string
		browser string
	}{
		{
			name:    "chrome on windows 10",
			ua:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.109 Safari/537.36",
			os:      "Windows 10",
			browser: "Chrome 120.0.6099.109",
		},
		{
			name:    "edge",
			ua:      "Mozilla/5.0 (Windows NT 6.1; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.2210.91",
			os:      "Windows 7",
			browser: "Microsoft Edge 120.0.2210.91",
		},
		{
			name:    "opera",
			ua:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36 OPR/105.0.0.0",
			os:      "Linux",
			browser: "Opera 105.0.0.0",
		},
		{
			name:    "safari on macOS",
			ua:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
			os:      "macOS 10.15.7",
			browser: "Safari 17.1",
		},
		{
			name:    "firefox on android",
			ua:      "Mozilla/5.0 (Android 14; Mobile; rv:121.0) Gecko/121.0 Firefox/121.0",
			os:      "Android 14",
			browser: "Firefox 121.0",
		},
		{
			name:    "iphone",
			ua:      "Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1",
			os:      "iOS 17.2",
			browser: "Safari 17.2",
		},
		{
			name:    "unknown windows build",
			ua:      "Mozilla/5.0 (Windows NT 4.0)",
			os:      "Windows NT 4.0",
			browser: Unknown,
		},
		{
			name:    "empty",
			ua:      "",
			os:      Unknown,
			browser: Unknown,
		},
		{
			name:    "curl",
			ua:      "curl/8.4.0",
			os:      Unknown,
			browser: Unknown,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			info := Parse(tc.ua)
			assert.Equal(t, tc.os, info.OS)
			assert.Equal(t, tc.browser, info.Browser)
		})
	}
}
