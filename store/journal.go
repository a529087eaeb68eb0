// Package store persists graph nodes so a relay restarts with the state it had.
// Each node is one row keyed by soul; the payload is the CBOR encoding of its fields and states.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang/glog"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"github.com/bringyour/meshsync/graph"
	"github.com/bringyour/meshsync/protocol"
)

type dialect struct {
	name        string
	driver      string
	createTable string
	upsert      string
	selectAll   string
}

var sqliteDialect = &dialect{
	name:   "sqlite",
	driver: "sqlite",
	createTable: `CREATE TABLE IF NOT EXISTS nodes (
		soul TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`,
	upsert:    `INSERT INTO nodes (soul, payload) VALUES (?, ?) ON CONFLICT (soul) DO UPDATE SET payload = excluded.payload`,
	selectAll: `SELECT soul, payload FROM nodes`,
}

var postgresDialect = &dialect{
	name:   "postgres",
	driver: "pgx",
	createTable: `CREATE TABLE IF NOT EXISTS nodes (
		soul TEXT PRIMARY KEY,
		payload BYTEA NOT NULL
	)`,
	upsert:    `INSERT INTO nodes (soul, payload) VALUES ($1, $2) ON CONFLICT (soul) DO UPDATE SET payload = excluded.payload`,
	selectAll: `SELECT soul, payload FROM nodes`,
}

// Open picks the journal for `dsn`:
// postgres:// and postgresql:// urls open Postgres,
// sqlite:<path> or a bare path opens SQLite,
// and "" or "memory" means no journal.
func Open(ctx context.Context, dsn string) (graph.Journal, error) {
	if dsn == "" || dsn == "memory" {
		return nil, nil
	}

	var journal *SqlJournal
	var err error
	switch {
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		journal, err = OpenPostgres(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite:"):
		journal, err = OpenSqlite(ctx, strings.TrimPrefix(dsn, "sqlite:"))
	default:
		journal, err = OpenSqlite(ctx, dsn)
	}
	if err != nil {
		return nil, err
	}
	return journal, nil
}

// graph.Journal over database/sql
type SqlJournal struct {
	db      *sql.DB
	dialect *dialect

	// one save transaction at a time
	saveLock sync.Mutex
}

func OpenSqlite(ctx context.Context, path string) (*SqlJournal, error) {
	if path == "" {
		path = "meshsync.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("Could not create journal dir: %w", err)
	}
	db, err := sql.Open(sqliteDialect.driver, path)
	if err != nil {
		return nil, fmt.Errorf("Could not open sqlite: %w", err)
	}
	// one writer avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)
	return newSqlJournal(ctx, db, sqliteDialect)
}

func OpenPostgres(ctx context.Context, dsn string) (*SqlJournal, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("Could not open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("Could not reach postgres: %w", err)
	}
	return newSqlJournal(ctx, db, postgresDialect)
}

func newSqlJournal(ctx context.Context, db *sql.DB, d *dialect) (*SqlJournal, error) {
	if _, err := db.ExecContext(ctx, d.createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("Could not create nodes table: %w", err)
	}
	glog.V(1).Infof("[store]opened %s journal\n", d.name)
	return &SqlJournal{
		db:      db,
		dialect: d,
	}, nil
}

func (self *SqlJournal) Load(ctx context.Context) ([]*protocol.Node, error) {
	rows, err := self.db.QueryContext(ctx, self.dialect.selectAll)
	if err != nil {
		return nil, fmt.Errorf("Could not select nodes: %w", err)
	}
	defer rows.Close()

	nodes := []*protocol.Node{}
	for rows.Next() {
		var soul string
		var payload []byte
		if err := rows.Scan(&soul, &payload); err != nil {
			return nil, err
		}
		node, err := decodeNode(soul, payload)
		if err != nil {
			return nil, fmt.Errorf("Could not decode node %s: %w", soul, err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nodes, nil
}

// upserts `nodes` in one transaction
func (self *SqlJournal) Save(ctx context.Context, nodes []*protocol.Node) error {
	self.saveLock.Lock()
	defer self.saveLock.Unlock()

	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	for _, node := range nodes {
		payload, err := encodeNode(node)
		if err != nil {
			return fmt.Errorf("Could not encode node %s: %w", node.Soul, err)
		}
		if _, err := tx.ExecContext(ctx, self.dialect.upsert, node.Soul, payload); err != nil {
			return fmt.Errorf("Could not save node %s: %w", node.Soul, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (self *SqlJournal) Close() error {
	return self.db.Close()
}
