package fingerprint

import (
	"go-beaconsoc/pkg/models"
	"go-beaconsoc/pkg/useragent"
)

// 规范化信号字段
const (
	FieldVisitorID           = "visitorId"
	FieldPlatform            = "platform"
	FieldBrowser             = "browser"
	FieldOS                  = "os"
	FieldHardwareConcurrency = "hardwareConcurrency"
	FieldDeviceMemory        = "deviceMemory"
	FieldTimezone            = "timezone"
	FieldLanguages           = "languages"
	FieldScreenResolution    = "screenResolution"
)

// Fields 参与身份哈希的全部字段，顺序仅用于展示
var Fields = []string{
	FieldVisitorID,
	FieldPlatform,
	FieldBrowser,
	FieldOS,
	FieldHardwareConcurrency,
	FieldDeviceMemory,
	FieldTimezone,
	FieldLanguages,
	FieldScreenResolution,
}

// Canonicalize 从原始负载中提取稳定信号。纯函数，任何缺失都得到 nil
func Canonicalize(raw models.RawFingerprint) models.CanonicalSignals {
	root := Of(map[string]any(raw))
	data := root.Path("engines", "fingerprintjs", "data")
	components := data.Get("components")
	metadata := root.Get("metadata")
	ua, _ := metadata.Get("user_agent").Text()

	component := func(name string) Value {
		return components.Get(name).Component()
	}

	return models.CanonicalSignals{
		FieldVisitorID:           data.Get("visitorId").Signal(),
		FieldPlatform:            firstPresent(component("platform"), metadata.Get("platform")).Signal(),
		FieldBrowser:             browserSignal(component, ua),
		FieldOS:                  osSignal(component, ua),
		FieldHardwareConcurrency: component("hardwareConcurrency").Signal(),
		FieldDeviceMemory:        component("deviceMemory").Signal(),
		FieldTimezone:            firstPresent(component("timezone"), metadata.Get("timezone")).Signal(),
		FieldLanguages:           languagesSignal(firstPresent(component("languages"), metadata.Get("language"))),
		FieldScreenResolution:    joinSignal(firstPresent(component("screenResolution"), metadata.Get("screen")), "x"),
	}
}

func firstPresent(values ...Value) Value {
	for _, v := range values {
		if v.Signal() != nil {
			return v
		}
	}
	return Absent
}

func browserSignal(component func(string) Value, ua string) any {
	if name, ok := component("browserName").Text(); ok {
		if version, ok := component("browserVersion").Text(); ok {
			return name + " " + version
		}
		return name
	}
	return parsedSignal(useragent.Browser(ua))
}

func osSignal(component func(string) Value, ua string) any {
	if name, ok := component("os").Text(); ok {
		if version, ok := component("osVersion").Text(); ok {
			return name + " " + version
		}
		return name
	}
	return parsedSignal(useragent.OS(ua))
}

func parsedSignal(s string) any {
	if s == useragent.Unknown {
		return nil
	}
	return s
}

// languagesSignal 单个语言字符串也统一成列表，保证同义输入类型一致
func languagesSignal(v Value) any {
	switch s := v.Signal().(type) {
	case string:
		return []string{s}
	default:
		return s
	}
}
