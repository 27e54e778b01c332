// Package database 负责初始化进程级别的数据库连接资源。
package database

import (
	"time"

	"threadchat-go/pkg/log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// DB 是进程级共享的 GORM 连接池。聊天仓储只在事务作用域内借用
// 其中的连接，从不修改连接池本身的配置。
var DB *gorm.DB

// InitPostgres 初始化 PostgreSQL 数据库连接。
func InitPostgres(dsn string) {
	var err error
	// 不开启 TranslateError：聊天仓储需要原始的 pgconn.PgError
	// 来区分去重索引冲突和其他唯一冲突。
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect database", err)
	}

	// 配置连接池
	sqlDB, err := DB.DB()
	if err != nil {
		log.Fatal("failed to get sql.DB", err)
	}

	sqlDB.SetMaxIdleConns(10)           // 空闲连接池中连接的最大数量
	sqlDB.SetMaxOpenConns(100)          // 打开数据库连接的最大数量
	sqlDB.SetConnMaxLifetime(time.Hour) // 连接可复用的最大时间

	log.Info("PostgreSQL database connected successfully")
}
