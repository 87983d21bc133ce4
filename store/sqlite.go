package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/luma-run/proxyfleet/proxytype"
)

// SQLiteProxyStore is an optional durable ProxyStore, grounded on
// tomyedwab-yesterday/database/database.go's connect-then-migrate shape.
// Unlike the in-memory store, a networked or on-disk store can outlive the
// process, which is precisely the case spec.md §7/§9 flags: an
// unconditional Delete on stop can leak a container if the store write
// itself fails.
type SQLiteProxyStore struct {
	db *sqlx.DB
}

const proxySchema = `
CREATE TABLE IF NOT EXISTS proxies (
	id TEXT PRIMARY KEY,
	data JSONB NOT NULL
)
`

// OpenSQLiteProxyStore opens (creating if absent) a sqlite database at path
// and ensures the proxies table exists.
func OpenSQLiteProxyStore(path string) (*SQLiteProxyStore, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite proxy store: %w", err)
	}
	if _, err := db.Exec(proxySchema); err != nil {
		return nil, fmt.Errorf("migrate sqlite proxy store: %w", err)
	}
	return &SQLiteProxyStore{db: db}, nil
}

func (s *SQLiteProxyStore) Get(ctx context.Context, id string) (proxytype.Proxy, bool, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, "SELECT data FROM proxies WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return proxytype.Proxy{}, false, nil
	}
	if err != nil {
		return proxytype.Proxy{}, false, fmt.Errorf("get proxy %s: %w", id, err)
	}
	var p proxytype.Proxy
	if err := json.Unmarshal(data, &p); err != nil {
		return proxytype.Proxy{}, false, fmt.Errorf("decode proxy %s: %w", id, err)
	}
	return p, true, nil
}

func (s *SQLiteProxyStore) Insert(ctx context.Context, p proxytype.Proxy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode proxy %s: %w", p.ID, err)
	}
	_, err = s.db.ExecContext(ctx, "INSERT INTO proxies (id, data) VALUES ($1, $2)", p.ID, data)
	if err != nil {
		return fmt.Errorf("insert proxy %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLiteProxyStore) CompareAndSwap(ctx context.Context, old, updated proxytype.Proxy) (proxytype.Proxy, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return proxytype.Proxy{}, false, fmt.Errorf("begin swap tx for %s: %w", old.ID, err)
	}
	defer tx.Rollback()

	var data []byte
	if err := tx.Get(&data, "SELECT data FROM proxies WHERE id = $1", old.ID); err != nil {
		if err == sql.ErrNoRows {
			return proxytype.Proxy{}, false, nil
		}
		return proxytype.Proxy{}, false, fmt.Errorf("read proxy %s for swap: %w", old.ID, err)
	}
	var current proxytype.Proxy
	if err := json.Unmarshal(data, &current); err != nil {
		return proxytype.Proxy{}, false, fmt.Errorf("decode proxy %s for swap: %w", old.ID, err)
	}
	if current.Status != old.Status || current.StartupTimestamp != old.StartupTimestamp {
		return current, false, nil
	}

	newData, err := json.Marshal(updated)
	if err != nil {
		return proxytype.Proxy{}, false, fmt.Errorf("encode proxy %s: %w", updated.ID, err)
	}
	if _, err := tx.Exec("UPDATE proxies SET data = $1 WHERE id = $2", newData, updated.ID); err != nil {
		return proxytype.Proxy{}, false, fmt.Errorf("write proxy %s: %w", updated.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return proxytype.Proxy{}, false, fmt.Errorf("commit swap for %s: %w", updated.ID, err)
	}
	return updated, true, nil
}

func (s *SQLiteProxyStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM proxies WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete proxy %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteProxyStore) List(ctx context.Context) ([]proxytype.Proxy, error) {
	var rows [][]byte
	if err := s.db.SelectContext(ctx, &rows, "SELECT data FROM proxies"); err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	out := make([]proxytype.Proxy, 0, len(rows))
	for _, data := range rows {
		var p proxytype.Proxy
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode proxy row: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}
