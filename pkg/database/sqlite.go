package database

import (
	"threadchat-go/pkg/log"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// InitSQLite 初始化嵌入式 SQLite 数据库连接，用于本地开发与测试。
// path 可以是文件路径，也可以是 "file::memory:?cache=shared" 这类内存库。
func InitSQLite(path string) {
	var err error
	// 不开启 TranslateError：仓储按原始错误文本区分冲突列
	DB, err = gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect sqlite database", err)
	}

	// SQLite 的写并发由单个连接串行化，避免 database is locked。
	sqlDB, err := DB.DB()
	if err != nil {
		log.Fatal("failed to get sql.DB", err)
	}
	sqlDB.SetMaxOpenConns(1)

	// SQLite 默认不启用外键，级联删除依赖该开关；单连接下对整个
	// 进程生命周期生效。
	if err := DB.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		log.Fatal("failed to enable sqlite foreign keys", err)
	}

	log.Info("SQLite database connected successfully")
}
