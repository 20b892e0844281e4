package models

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"MovieGen-server/config"

	"github.com/glebarez/sqlite"
	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var GormDB *gorm.DB

// InitDB 按配置打开数据库并自动建表，在 main.go 中调用
func InitDB() {
	if config.AppConfig == nil {
		log.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}
	db, err := Open(config.AppConfig.Database.Driver, config.AppConfig.Database.DSN)
	if err != nil {
		log.Fatalf("打开数据库失败: %v", err)
	}
	if err := Migrate(db); err != nil {
		log.Fatalf("自动建表失败: %v", err)
	}
	GormDB = db
	log.Printf("数据库连接成功 (driver=%s)", config.AppConfig.Database.Driver)
}

// Open returns a gorm handle for the given driver ("mysql" or "sqlite").
func Open(driver, dsn string) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	switch driver {
	case "", "mysql":
		raw, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		raw.SetMaxOpenConns(25)
		raw.SetMaxIdleConns(5)
		raw.SetConnMaxLifetime(time.Hour)
		if err := raw.Ping(); err != nil {
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		return gorm.Open(mysql.New(mysql.Config{Conn: raw}), gcfg)
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(dsn), gcfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		raw, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite 只允许单写者，串行化所有连接
		raw.SetMaxOpenConns(1)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Migrate creates or updates every table the pipeline uses.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Project{},
		&Scene{},
		&SchedulerLock{},
		&UserCredit{},
		&CreditTransaction{},
	)
}
