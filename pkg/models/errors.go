package models

import "errors"

// 错误分类，调用方通过 errors.Is 判断后决定降级策略
var (
	ErrMalformedInput     = errors.New("malformed input")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrExternalLookup     = errors.New("external lookup failure")
	ErrPolicyCorruption   = errors.New("policy corruption")
	ErrNotFound           = errors.New("not found")
)
