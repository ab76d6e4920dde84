package db

import (
	"errors"
	"time"

	"github.com/Mohamedrebhi/videmaison/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
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
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetMaxOpenConns(20)
				sqlDB.SetConnMaxLifetime(time.Hour)
				return gdb, nil
			}
			err = err2
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("db not ready")
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

// Migrate 自动迁移后台涉及的全部表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.User{}, &models.RefreshToken{}, &models.ServiceRequest{}, &models.ChatMessage{})
}

// SeedAdmin 确保存在一个管理员账号；email 为空时跳过，已存在的账号只提升角色不改密码。
func SeedAdmin(gdb *gorm.DB, email, password string) error {
	if email == "" {
		return nil
	}
	var u models.User
	err := gdb.Where("email = ?", email).First(&u).Error
	if err == nil {
		if u.Role == "admin" {
			return nil
		}
		return gdb.Model(&u).Update("role", "admin").Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if password == "" {
		return errors.New("ADMIN_PASSWORD is required to seed a new admin")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u = models.User{Email: email, PasswordHash: string(hash), FirstName: "Admin", Role: "admin"}
	if err := gdb.Create(&u).Error; err != nil {
		return err
	}
	log.Info().Str("email", email).Msg("admin account seeded")
	return nil
}
