package mysql

import (
	"context"
	"database/sql"
	"encoding/json"

	xerrors "nets-observer/internal/errors"
	"nets-observer/internal/history"
)

// HistoryRepository 将状态快照写入 observer_history 表，实现 history.Store。
type HistoryRepository struct {
	db *sql.DB
}

var _ history.Store = (*HistoryRepository)(nil)

// NewHistoryRepository 建立连接并执行迁移。
func NewHistoryRepository(ctx context.Context, cfg Config) (*HistoryRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open history database failed")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "migrate history database failed")
	}
	return &HistoryRepository{db: db}, nil
}

// Append 插入一条快照。
func (r *HistoryRepository) Append(ctx context.Context, entry history.Entry) error {
	state, err := json.Marshal(entry.State)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode state snapshot failed")
	}
	if _, err := r.db.ExecContext(ctx, insertHistorySQL, entry.TS, string(state)); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert history failed")
	}
	return nil
}

// Recent 取最新的 limit 条并翻转为时间正序。
func (r *HistoryRepository) Recent(ctx context.Context, limit int) ([]history.Entry, error) {
	limit = history.NormalizeLimit(limit)
	rows, err := r.db.QueryContext(ctx, selectRecentHistorySQL, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query history failed")
	}
	defer rows.Close()

	entries := make([]history.Entry, 0, limit)
	for rows.Next() {
		var (
			ts  int64
			raw []byte
		)
		if err := rows.Scan(&ts, &raw); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan history failed")
		}
		entry := history.Entry{TS: ts}
		if err := json.Unmarshal(raw, &entry.State); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate history failed")
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Close 关闭连接池。
func (r *HistoryRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const (
	insertHistorySQL       = `INSERT INTO observer_history (ts, state) VALUES (?, ?)`
	selectRecentHistorySQL = `SELECT ts, state FROM observer_history ORDER BY id DESC LIMIT ?`
)
