package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by Delete for an unknown tool.
var ErrNotFound = errors.New("tool not found")

// Store is a SQLite-backed Repository. Reads are served from an
// in-memory copy guarded by a RWMutex; writes go to the database first
// and then replace the cached entry.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.RWMutex
	items map[string]Item
}

// NewStore opens the catalog at dbPath. An empty catalog is seeded
// with Defaults.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog schema: %w", err)
	}
	if _, err := s.Reload(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_catalog (
		tool_name         TEXT PRIMARY KEY,
		domain            TEXT NOT NULL,
		service           TEXT NOT NULL,
		strategy          TEXT NOT NULL,
		enabled           INTEGER NOT NULL DEFAULT 1,
		description       TEXT NOT NULL DEFAULT '',
		default_arguments TEXT NOT NULL DEFAULT '{}',
		updated_at        TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Snapshot implements Repository.
func (s *Store) Snapshot() map[string]Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Item, len(s.items))
	for k, v := range s.items {
		out[k] = v.Clone()
	}
	return out
}

// Get implements Repository.
func (s *Store) Get(toolName string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[toolName]
	if !ok {
		return Item{}, false
	}
	return it.Clone(), true
}

// Upsert validates and stores an item.
func (s *Store) Upsert(ctx context.Context, it Item) error {
	it.ToolName = strings.TrimSpace(it.ToolName)
	it.Domain = strings.TrimSpace(it.Domain)
	it.Service = strings.TrimSpace(it.Service)
	it.Strategy = strings.TrimSpace(it.Strategy)
	switch {
	case it.ToolName == "":
		return errors.New("tool_name is required")
	case it.Domain == "":
		return errors.New("domain is required")
	case it.Service == "":
		return errors.New("service is required")
	}
	if it.Strategy == "" {
		it.Strategy = "passthrough"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(ctx, it); err != nil {
		return err
	}
	s.items[it.ToolName] = it.Clone()
	s.logger.Info("catalog tool saved", "tool", it.ToolName, "strategy", it.Strategy, "enabled", it.Enabled)
	return nil
}

// Delete removes a tool.
func (s *Store) Delete(ctx context.Context, toolName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[toolName]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, toolName)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tool_catalog WHERE tool_name = ?`, toolName); err != nil {
		return fmt.Errorf("delete tool %s: %w", toolName, err)
	}
	delete(s.items, toolName)
	s.logger.Info("catalog tool deleted", "tool", toolName)
	return nil
}

// Reload replaces the cache with the database contents, seeding the
// defaults when the table is empty. It returns the number of tools.
func (s *Store) Reload(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		for _, it := range Defaults() {
			if err := s.save(ctx, it); err != nil {
				return 0, fmt.Errorf("seed catalog: %w", err)
			}
			items[it.ToolName] = it
		}
		s.logger.Info("catalog seeded with defaults", "tools", len(items))
	}
	s.items = items
	return len(items), nil
}

func (s *Store) load(ctx context.Context) (map[string]Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool_name, domain, service, strategy, enabled, description, default_arguments
		FROM tool_catalog`)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	items := make(map[string]Item)
	for rows.Next() {
		var (
			it   Item
			args string
		)
		if err := rows.Scan(&it.ToolName, &it.Domain, &it.Service, &it.Strategy, &it.Enabled, &it.Description, &args); err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		if args != "" && args != "{}" {
			if err := json.Unmarshal([]byte(args), &it.DefaultArguments); err != nil {
				s.logger.Warn("catalog tool has unreadable default arguments", "tool", it.ToolName, "error", err)
			}
		}
		items[it.ToolName] = it
	}
	return items, rows.Err()
}

func (s *Store) save(ctx context.Context, it Item) error {
	args := []byte("{}")
	if len(it.DefaultArguments) > 0 {
		var err error
		if args, err = json.Marshal(it.DefaultArguments); err != nil {
			return fmt.Errorf("encode default arguments for %s: %w", it.ToolName, err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_catalog (tool_name, domain, service, strategy, enabled, description, default_arguments, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tool_name) DO UPDATE SET
			domain = excluded.domain,
			service = excluded.service,
			strategy = excluded.strategy,
			enabled = excluded.enabled,
			description = excluded.description,
			default_arguments = excluded.default_arguments,
			updated_at = excluded.updated_at`,
		it.ToolName, it.Domain, it.Service, it.Strategy, it.Enabled, it.Description, string(args),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save tool %s: %w", it.ToolName, err)
	}
	return nil
}
