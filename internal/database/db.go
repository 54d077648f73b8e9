package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Options selects and tunes the relational store behind the ledger.
type Options struct {
	Driver string // "mysql" or "sqlite"

	// MySQL connection parts.
	User, Pass, Host, Port, Name string

	// SQLitePath is the database file used when Driver is sqlite.
	SQLitePath string

	// MaxOpenConns overrides the computed pool size when > 0.
	MaxOpenConns int
}

// Open connects to the configured database, sizes its pool and verifies
// the connection.
func Open(opts Options) (*sql.DB, error) {
	driver, dsn, err := dataSource(opts)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	// Pool settings
	conns := opts.MaxOpenConns
	if conns <= 0 {
		conns = PoolSize()
	}
	if driver == DriverSQLite {
		// one writer at a time; extra connections only produce SQLITE_BUSY
		conns = 1
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	db.SetConnMaxLifetime(30 * time.Minute)

	// Ping with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func dataSource(opts Options) (string, string, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverMySQL:
		auth := opts.User
		if opts.Pass != "" {
			auth = fmt.Sprintf("%s:%s", opts.User, opts.Pass)
		}
		// loc=UTC keeps times consistent; timestamps are stored as unix millis anyway
		dsn := fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
			auth, opts.Host, opts.Port, opts.Name)
		return DriverMySQL, dsn, nil
	case DriverSQLite:
		if strings.TrimSpace(opts.SQLitePath) == "" {
			return "", "", fmt.Errorf("database: sqlite path is required")
		}
		dsn := opts.SQLitePath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		return DriverSQLite, dsn, nil
	default:
		return "", "", fmt.Errorf("database: unsupported driver %q", opts.Driver)
	}
}

// PoolSize derives a connection pool size from the host: four
// connections per logical CPU, capped by one connection per 64 MiB of
// memory, and kept within [4, 64].  Falls back to 25 when the host
// cannot be inspected.
func PoolSize() int {
	cpus, err := cpu.Counts(true)
	if err != nil || cpus <= 0 {
		return 25
	}
	size := cpus * 4
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		if byMem := int(vm.Total / (64 << 20)); byMem < size {
			size = byMem
		}
	}
	if size < 4 {
		size = 4
	}
	if size > 64 {
		size = 64
	}
	return size
}
