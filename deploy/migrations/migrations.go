package migrations

import "embed"

// Files 暴露观察服务历史表的 SQL 迁移文件，由 storage/mysql 在启动时执行。
//
//go:embed *.sql
var Files embed.FS
