package ingest

import (
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"rail-ingest/config"
)

var dialectors = map[string]func(config.DatabaseConfig) (gorm.Dialector, error){
	"sqlite": func(c config.DatabaseConfig) (gorm.Dialector, error) {
		return sqlite.Open(sqliteDSN(c.Path)), nil
	},
	"postgres": func(c config.DatabaseConfig) (gorm.Dialector, error) {
		return postgres.Open(c.DSN), nil
	},
	"mysql": func(c config.DatabaseConfig) (gorm.Dialector, error) {
		dsn, err := mysqlDSN(c.DSN)
		if err != nil {
			return nil, err
		}
		return mysql.Open(dsn), nil
	},
}

// sqliteDSN turns on foreign keys (wagon cascade) and waits on locks instead
// of failing immediately.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// mysqlDSN forces parseTime so DATETIME columns scan into time.Time.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, "parse mysql dsn")
	}
	cfg.ParseTime = true
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}
	return cfg.FormatDSN(), nil
}

// OpenDB opens the configured store and migrates the ingestion schema.
func OpenDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	open, ok := dialectors[cfg.Driver]
	if !ok {
		return nil, errors.Errorf("unsupported database driver %q", cfg.Driver)
	}
	dialector, err := open(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(log.StandardLogger(), logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", cfg.Driver)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 && cfg.Driver == "sqlite" {
		// a single writer connection; everything inside a transaction must use the tx handle
		maxOpen = 1
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}

	if err := Migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the ingestion tables.
func Migrate(db *gorm.DB) error {
	return errors.Wrap(db.AutoMigrate(&Train{}, &Wagon{}, &ProcessedEvent{}), "migrate schema")
}

// CloseDB closes the pool behind db.
func CloseDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
