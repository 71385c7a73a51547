package store

import "errors"

var (
	// ErrVersionMismatch 乐观并发检查失败：期望的版本和存储中的版本不一致
	ErrVersionMismatch = errors.New("version mismatch")
)
