// Package history 保存状态文件每次变更后的快照，只追加，不修改。
package history

import (
	"context"

	"nets-observer/internal/artifact"
)

const (
	// DefaultLimit 是未指定数量时返回的条目数。
	DefaultLimit = 200
	// MaxLimit 是单次读取的上限。
	MaxLimit = 5000
)

// Entry 是一条状态快照，TS 为毫秒时间戳。
type Entry struct {
	TS    int64          `json:"ts"`
	State artifact.State `json:"state"`
}

// Store 定义历史日志的存储能力。实现必须保证单写者追加，读者只看到完整条目。
type Store interface {
	Append(ctx context.Context, entry Entry) error
	// Recent 返回最近 limit 条记录，按时间正序，最新的在最后。
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// NormalizeLimit 将请求的数量规范到 [1, MaxLimit]，非正数使用默认值。
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
