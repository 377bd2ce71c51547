package db

import (
	"time"

	"circle/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect 负责建立到 Postgres 的连接，并带有简单的重试来等待容器就绪。
func Connect(dsn string) (*gorm.DB, error) {
	var gdb *gorm.DB
	var err error
	for i := 0; i < 10; i++ {
		gdb, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err == nil {
			return gdb, nil
		}
		time.Sleep(time.Second)
	}
	return nil, err
}

// Migrate 自动建表，实时层只新增表、不迁移历史数据。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&models.Chat{},
		&models.ChatMember{},
		&models.Message{},
		&models.Receipt{},
		&models.Reaction{},
		&models.Friendship{},
		&models.Block{},
		&models.BlindDateMatch{},
		&models.RefreshToken{},
	)
}
