package basic

import (
	"context"
	"database/sql"
	"net/url"
	"strconv"
	"time"

	core "gopersist/data/db"
	"gopersist/data/db/dialect"
	"gopersist/errors"
)

// DB 基于 database/sql 的最小实现，满足 core.IDatabase 抽象
type DB struct {
	conn
	db     *sql.DB
	driver string
}

// New 根据 core.DBConfig 创建数据库实例
//
// 调用方必须确保所配置的 Driver 已通过空导入注册
// （例如 `_ "modernc.org/sqlite"` 或 `_ "github.com/jackc/pgx/v5/stdlib"`）。
func New(config core.DBConfig) (*DB, error) {
	driver := config.Driver
	if driver == "" {
		driver = "sqlite"
	}

	db, err := sql.Open(driver, DSN(config))
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "open "+driver)
	}

	// 连接池配置（可选）
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(time.Duration(config.ConnMaxIdleTime) * time.Second)
	}

	// 基础可用性检查
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "ping "+driver)
	}

	return &DB{conn: conn{q: db, dialect: dialect.New(driver)}, db: db, driver: driver}, nil
}

// DSN 返回连接串：优先使用 DSN 字段，否则 sqlite 取 Database 作为文件路径，
// postgres 由 Host、Port、Username、Password、Database 拼出 URL
func DSN(config core.DBConfig) string {
	if config.DSN != "" {
		return config.DSN
	}
	if dialect.New(config.Driver).Name() != dialect.NamePostgres {
		return config.Database
	}
	host := config.Host
	if host == "" {
		host = "localhost"
	}
	if config.Port > 0 {
		host += ":" + strconv.Itoa(config.Port)
	}
	u := url.URL{Scheme: "postgres", Host: host, Path: "/" + config.Database}
	if config.Username != "" {
		u.User = url.UserPassword(config.Username, config.Password)
	}
	return u.String()
}

var _ core.IDatabase = (*DB)(nil)

func (d *DB) Begin(ctx context.Context) (core.ITransaction, error) {
	return d.BeginTx(ctx, nil)
}

func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (core.ITransaction, error) {
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{conn: conn{q: tx, dialect: d.dialect}, db: d, tx: tx}, nil
}

func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }
func (d *DB) Close() error                   { return d.db.Close() }
func (d *DB) Raw() any                       { return d.db }

// GetDialectName 实现 core.IDialectNameProvider 接口，返回底层 driver 名
func (d *DB) GetDialectName() string {
	return d.driver
}
