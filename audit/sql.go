package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-sql-driver/mysql"

	"github.com/x402-foundation/forwarder"
)

// DefaultTable is the table SQLStore writes to
const DefaultTable = "forwarder_events"

// SQLStore persists events in MySQL, one row per event with the full event as JSON
type SQLStore struct {
	db    *sql.DB
	table string
}

// OpenMySQL connects to MySQL and makes sure the event table exists
func OpenMySQL(ctx context.Context, dsn string) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach mysql: %w", err)
	}

	store := NewSQLStore(db, DefaultTable)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("Connected to MySQL audit store", "addr", cfg.Addr, "db", cfg.DBName)
	return store, nil
}

// NewSQLStore uses an open database
func NewSQLStore(db *sql.DB, table string) *SQLStore {
	return &SQLStore{db: db, table: table}
}

// Migrate creates the event table if it does not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	seq BIGINT AUTO_INCREMENT PRIMARY KEY,
	id VARCHAR(64) NOT NULL UNIQUE,
	type VARCHAR(64) NOT NULL,
	occurred_at DATETIME(6) NOT NULL,
	payload JSON NOT NULL,
	INDEX idx_%s_type (type)
)`, s.table, s.table))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", s.table, err)
	}
	return nil
}

// Publish inserts an event
func (s *SQLStore) Publish(ctx context.Context, event forwarder.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, type, occurred_at, payload) VALUES (?, ?, ?, ?)", s.table),
		event.ID, string(event.Type), event.Timestamp.UTC(), payload)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", event.ID, err)
	}
	return nil
}

// List returns matching events in insertion order
func (s *SQLStore) List(ctx context.Context, filter Filter) ([]forwarder.Event, error) {
	var (
		query strings.Builder
		args  []interface{}
	)
	fmt.Fprintf(&query, "SELECT payload FROM %s", s.table)
	if filter.Type != "" {
		query.WriteString(" WHERE type = ?")
		args = append(args, string(filter.Type))
	}
	query.WriteString(" ORDER BY seq")
	if filter.Limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	out := make([]forwarder.Event, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var event forwarder.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}
