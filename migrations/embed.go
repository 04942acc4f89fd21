// Package migrations 账本数据库的 SQL 迁移
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
