// Package prefs is a small durable key-value store for user preferences,
// kept in a single SQL table. SQLite is the default backend; MySQL can be used
// when several server instances share one set of preferences.
package prefs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Preference keys
const (
	KeyNetworkID      = "network-id"
	KeyFavStations    = "fav-stations"
	KeyStripIDStation = "strip-id-station"
)

const (
	createTable = `create table if not exists preferences (
	name varchar(191) not null primary key,
	value text not null
)`
	selectValue  = "select value from preferences where name = ?"
	upsertSQLite = "insert into preferences (name, value) values (?, ?) on conflict(name) do update set value = excluded.value"
	upsertMySQL  = "insert into preferences (name, value) values (?, ?) on duplicate key update value = values(value)"
	deleteValue  = "delete from preferences where name = ?"
)

var ErrUnsupportedDriver = errors.New("unsupported database driver")

type Store struct {
	db     *sql.DB
	upsert string
}

// Open connects to the preference database. For sqlite, dsn is a file path
// (its directory is created) or ":memory:".
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	db, err := OpenDB(driver, dsn)
	if err != nil {
		return nil, err
	}

	s, err := New(ctx, db, driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenDB opens a connection pool for one of the supported drivers, sized
// for it. Nothing is sent to the server yet.
func OpenDB(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverSQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	case DriverMySQL:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		// one writer, and ":memory:" must not be split across connections
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(1 * time.Hour)
		db.SetConnMaxIdleTime(1 * time.Hour)
	}
	return db, nil
}

// New wraps an already open database and creates the table if needed.
func New(ctx context.Context, db *sql.DB, driver string) (*Store, error) {
	s := &Store{db: db}
	switch driver {
	case DriverSQLite:
		s.upsert = upsertSQLite
	case DriverMySQL:
		s.upsert = upsertMySQL
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return nil, fmt.Errorf("creating preferences table: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// lookup returns ok=false when the key was never set.
func (s *Store) lookup(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, selectValue, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) put(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, s.upsert, key, value); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, deleteValue, key); err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}

func (s *Store) String(ctx context.Context, key, fallback string) (string, error) {
	v, ok, err := s.lookup(ctx, key)
	if err != nil || !ok {
		return fallback, err
	}
	return v, nil
}

func (s *Store) SetString(ctx context.Context, key, value string) error {
	return s.put(ctx, key, value)
}

// Bool returns fallback when the key is unset or does not hold a boolean.
func (s *Store) Bool(ctx context.Context, key string, fallback bool) (bool, error) {
	v, ok, err := s.lookup(ctx, key)
	if err != nil || !ok {
		return fallback, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, nil
	}
	return b, nil
}

func (s *Store) SetBool(ctx context.Context, key string, value bool) error {
	return s.put(ctx, key, strconv.FormatBool(value))
}

// StringSet returns an empty, non-nil set when the key is unset.
func (s *Store) StringSet(ctx context.Context, key string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	v, ok, err := s.lookup(ctx, key)
	if err != nil || !ok {
		return out, err
	}

	var list []string
	if err := json.Unmarshal([]byte(v), &list); err != nil {
		return out, fmt.Errorf("decoding %s: %w", key, err)
	}
	for _, e := range list {
		out[e] = struct{}{}
	}
	return out, nil
}

func (s *Store) SetStringSet(ctx context.Context, key string, set map[string]struct{}) error {
	list := make([]string, 0, len(set))
	for k := range set {
		list = append(list, k)
	}
	sort.Strings(list)

	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return s.put(ctx, key, string(b))
}

func (s *Store) NetworkID(ctx context.Context) (string, error) {
	return s.String(ctx, KeyNetworkID, "")
}

func (s *Store) SetNetworkID(ctx context.Context, id string) error {
	return s.SetString(ctx, KeyNetworkID, strings.TrimSpace(id))
}

func (s *Store) StripID(ctx context.Context) (bool, error) {
	return s.Bool(ctx, KeyStripIDStation, false)
}

func (s *Store) SetStripID(ctx context.Context, strip bool) error {
	return s.SetBool(ctx, KeyStripIDStation, strip)
}

func (s *Store) FavStations(ctx context.Context) (map[string]struct{}, error) {
	return s.StringSet(ctx, KeyFavStations)
}

func (s *Store) SetFavStations(ctx context.Context, ids map[string]struct{}) error {
	return s.SetStringSet(ctx, KeyFavStations, ids)
}
