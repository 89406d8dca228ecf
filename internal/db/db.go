// Package db opens recorder databases and hides the differences between the
// supported storage engines behind Dialect.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ConnConfig describes how to reach a recorder database. Username and
// Password, when set, override any credentials embedded in URL.
type ConnConfig struct {
	URL      string
	Username string
	Password string
}

// Store pairs an open pool with the dialect it was opened for.
type Store struct {
	DB      *sql.DB
	Dialect Dialect
}

// QueryContext rebinds placeholders for the dialect and runs the query.
func (s *Store) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.DB.QueryContext(ctx, s.Dialect.Rebind(query), args...)
}

// QueryRowContext rebinds placeholders for the dialect and runs the query.
func (s *Store) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.DB.QueryRowContext(ctx, s.Dialect.Rebind(query), args...)
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Open connects to the database described by cfg and verifies the connection.
func Open(ctx context.Context, cfg ConnConfig) (*Store, error) {
	dialect, err := DialectFromURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	var sqlDB *sql.DB
	switch dialect.(type) {
	case SQLite:
		sqlDB, err = openSQLite(cfg.URL)
	case MySQL:
		sqlDB, err = openMySQL(cfg)
	case Postgres:
		sqlDB, err = openPostgres(cfg)
	}
	if err != nil {
		return nil, err
	}

	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect.Name(), err)
	}

	return &Store{DB: sqlDB, Dialect: dialect}, nil
}

// SQLitePath extracts the filesystem path from a sqlite:/// URL.
func SQLitePath(rawURL string) string {
	rest := rawURL
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	// sqlite:///relative.db and sqlite:////absolute.db
	rest = strings.TrimPrefix(rest, "/")
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func openSQLite(rawURL string) (*sql.DB, error) {
	path := SQLitePath(rawURL)
	if path == "" {
		return nil, fmt.Errorf("sqlite url %q has no path", rawURL)
	}
	if path != ":memory:" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=query_only(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return sqlDB, nil
}

func openMySQL(cfg ConnConfig) (*sql.DB, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse mysql url: %w", err)
	}

	mc := mysql.NewConfig()
	mc.DBName = strings.TrimPrefix(u.Path, "/")
	if u.User != nil {
		mc.User = u.User.Username()
		mc.Passwd, _ = u.User.Password()
	}
	if cfg.Username != "" {
		mc.User = cfg.Username
	}
	if cfg.Password != "" {
		mc.Passwd = cfg.Password
	}

	q := u.Query()
	if sock := q.Get("unix_socket"); sock != "" {
		mc.Net = "unix"
		mc.Addr = sock
	} else {
		mc.Net = "tcp"
		mc.Addr = u.Host
		if u.Port() == "" && u.Host != "" {
			mc.Addr = u.Host + ":3306"
		}
	}
	mc.Timeout = 10 * time.Second

	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("build mysql connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}

func openPostgres(cfg ConnConfig) (*sql.DB, error) {
	raw := cfg.URL
	// Driver suffixes such as postgresql+psycopg2:// are not understood by pgx.
	if i := strings.Index(raw, "://"); i >= 0 {
		raw = "postgres" + raw[i:]
	}

	pc, err := pgx.ParseConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if cfg.Username != "" {
		pc.User = cfg.Username
	}
	if cfg.Password != "" {
		pc.Password = cfg.Password
	}
	if pc.ConnectTimeout == 0 {
		pc.ConnectTimeout = 10 * time.Second
	}
	return stdlib.OpenDB(*pc), nil
}

var errNoConfig = errors.New("database url not configured")

// Provider lazily opens one shared Store and hands it to every caller.
// Close disposes the pool; a later Get opens a fresh one.
type Provider struct {
	cfg  ConnConfig
	open func(context.Context, ConnConfig) (*Store, error)

	mu    sync.Mutex
	store *Store
}

// NewProvider returns a Provider that will connect using cfg.
func NewProvider(cfg ConnConfig) *Provider {
	return &Provider{cfg: cfg, open: Open}
}

// Get returns the shared Store, opening it on first use.
func (p *Provider) Get(ctx context.Context) (*Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.store != nil {
		return p.store, nil
	}
	if p.cfg.URL == "" {
		return nil, errNoConfig
	}
	store, err := p.open(ctx, p.cfg)
	if err != nil {
		return nil, err
	}
	p.store = store
	return store, nil
}

// Dialect returns the dialect selected by the configured URL.
func (p *Provider) Dialect() (Dialect, error) {
	return DialectFromURL(p.cfg.URL)
}

// Close disposes the shared pool if one is open.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.store == nil {
		return nil
	}
	err := p.store.Close()
	p.store = nil
	return err
}
