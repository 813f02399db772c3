package artifact

import (
	"context"
	"time"

	xerrors "nets-observer/internal/errors"
)

// ReadStateRetry 在状态文件处于写入中途时重试读取。只有 MALFORMED 会重试，
// NOT_FOUND 等错误立即返回。
func ReadStateRetry(ctx context.Context, s *Store, attempts int, delay time.Duration) (*State, FileMeta, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var (
		state *State
		meta  FileMeta
		err   error
	)
	for i := 0; i < attempts; i++ {
		state, meta, err = s.ReadState()
		if err == nil || !xerrors.HasCode(err, xerrors.CodeMalformed) || i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, meta, err
		case <-time.After(delay):
		}
	}
	return state, meta, err
}
