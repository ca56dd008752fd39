package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenSafe-Chain/internal/errors"
)

// Config 描述 MySQL 连接池参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.Configuration("MySQL DSN 不能为空")
	}
	dsn, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析 MySQL DSN 失败")
	}
	if dsn.Timeout == 0 {
		dsn.Timeout = 5 * time.Second
	}
	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "创建 MySQL 连接器失败")
	}
	db := sql.OpenDB(connector)

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	return db, nil
}

// storageError maps driver errors onto error codes. Deadlocks and lock wait
// timeouts are reported as conflicts so callers may retry.
func storageError(err error, message string) error {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1205, 1213:
			return xerrors.Wrap(xerrors.CodeConflict, err, message)
		}
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}
