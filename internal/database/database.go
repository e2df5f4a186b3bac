package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/ketches/mindmap-backend/internal/config"
	"github.com/ketches/mindmap-backend/internal/logger"
	"github.com/ketches/mindmap-backend/internal/models"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var mainDB *gorm.DB

// Init 初始化数据库连接并迁移表结构
func Init(cfg *config.Config) error {
	db, err := Open(cfg)
	if err != nil {
		return fmt.Errorf("初始化数据库失败: %w", err)
	}

	if err := Migrate(db); err != nil {
		return fmt.Errorf("迁移表结构失败: %w", err)
	}

	mainDB = db
	logger.Info("数据库连接初始化成功")
	return nil
}

// Open 按引擎打开数据库连接
func Open(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Database.Engine {
	case "postgres":
		dialector = postgres.Open(cfg.Database.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.Database.DSN)
	case "sqlite":
		if dir := filepath.Dir(cfg.Database.DSN); dir != "." && cfg.Database.DSN != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("创建数据目录失败: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("不支持的数据库类型: %s", cfg.Database.Engine)
	}

	db, err := gorm.Open(dialector, NewGormConfig(cfg.Server.Mode))
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取数据库实例失败: %w", err)
	}

	if cfg.Database.Engine == "sqlite" {
		// SQLite 单写者，串行化写事务
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	// 测试连接
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	logger.Info("数据库连接成功",
		zap.String("engine", cfg.Database.Engine),
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("database", cfg.Database.Name),
	)

	return db, nil
}

// NewGormConfig GORM 配置，时间统一使用 UTC 存储
func NewGormConfig(mode string) *gorm.Config {
	return &gorm.Config{
		Logger: newGormLogger(mode),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
	}
}

// Migrate 迁移全部表结构
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(models.All()...)
}

// newGormLogger 创建 GORM 日志适配器
func newGormLogger(mode string) gormlogger.Interface {
	logLevel := gormlogger.Warn
	if mode == "debug" {
		logLevel = gormlogger.Info
	}

	return gormlogger.New(
		&gormLogWriter{},
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  mode == "debug",
		},
	)
}

// gormLogWriter GORM 日志写入器
type gormLogWriter struct{}

func (w *gormLogWriter) Printf(format string, args ...interface{}) {
	logger.GetSugar().Debugf(format, args...)
}

// GetDB 获取数据库连接
func GetDB() *gorm.DB {
	return mainDB
}

// Close 关闭数据库连接
func Close() error {
	if mainDB != nil {
		sqlDB, err := mainDB.DB()
		if err == nil {
			sqlDB.Close()
		}
	}

	logger.Info("数据库连接已关闭")
	return nil
}

// Transaction 执行事务
func Transaction(fn func(*gorm.DB) error) error {
	return mainDB.Transaction(fn)
}

// HealthCheck 健康检查
func HealthCheck() error {
	if mainDB == nil {
		return fmt.Errorf("数据库未初始化")
	}
	sqlDB, err := mainDB.DB()
	if err != nil {
		return fmt.Errorf("获取数据库实例失败: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("数据库连接失败: %w", err)
	}
	return nil
}

// OpenTestDB 打开内存 SQLite 并完成迁移（仅用于单元测试）
func OpenTestDB() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), NewGormConfig("test"))
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// 内存库每个连接独立，必须固定为单连接
	sqlDB.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// SetTestDB 设置测试数据库（仅用于单元测试）
func SetTestDB(db *gorm.DB) {
	mainDB = db
}

// ClearTestDB 清除测试数据库（仅用于单元测试）
func ClearTestDB() {
	mainDB = nil
}
