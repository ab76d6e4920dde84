// Package pgtest 为依赖 Postgres 的测试提供一个已迁移、已清空的连接。
package pgtest

import (
	"os"
	"testing"

	"github.com/Mohamedrebhi/videmaison/internal/db"
	"gorm.io/gorm"
)

// DSNEnv 指定测试数据库，未设置时相关测试被跳过。
const DSNEnv = "TEST_DATABASE_DSN"

// Open 连接测试库、迁移并清空全部表。
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv(DSNEnv)
	if dsn == "" {
		t.Skipf("skip: %s not set", DSNEnv)
	}
	gdb, err := db.Connect(dsn)
	if err != nil {
		t.Skipf("skip: db not available: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	err = gdb.Exec("TRUNCATE users, refresh_tokens, service_requests, chat_messages RESTART IDENTITY CASCADE").Error
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}
