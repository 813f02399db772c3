package history

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "nets-observer/internal/errors"
)

// FileStore 以 JSONL 形式保存历史，每行一个 {ts, state}。
type FileStore struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewFileStore 打开（必要时创建）历史日志文件。
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "history path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create history dir failed")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open history log failed")
	}
	return &FileStore{path: path, file: file}, nil
}

// Path 返回日志文件路径。
func (s *FileStore) Path() string { return s.path }

// Append 以一次 write 写入完整的一行。
func (s *FileStore) Append(_ context.Context, entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode history entry failed")
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return xerrors.New(xerrors.CodeStorageFailure, "history log closed")
	}
	if _, err := s.file.Write(line); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "append history failed",
			xerrors.WithMetadata("path", s.path))
	}
	return nil
}

// Recent 读取最近的 limit 条记录。末尾未写完的行与无法解析的行会被跳过。
func (s *FileStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	limit = NormalizeLimit(limit)
	content, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read history failed",
			xerrors.WithMetadata("path", s.path))
	}
	// 只保留以换行结尾的完整记录。
	if idx := bytes.LastIndexByte(content, '\n'); idx >= 0 {
		content = content[:idx+1]
	} else {
		content = nil
	}

	ring := make([]Entry, 0, limit)
	start := 0
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		if len(ring) < limit {
			ring = append(ring, entry)
			continue
		}
		ring[start] = entry
		start = (start + 1) % limit
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}

	out := make([]Entry, 0, len(ring))
	out = append(out, ring[start:]...)
	out = append(out, ring[:start]...)
	return out, nil
}

// Close 关闭文件句柄，之后的 Append 返回错误。
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
