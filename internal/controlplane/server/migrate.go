package server

import (
	"context"
	"fmt"
	"time"
)

func (s *Server) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS execution_records (
  id TEXT PRIMARY KEY,
  run_id TEXT NOT NULL,
  ticker TEXT NOT NULL,
  action TEXT NOT NULL,
  shares INTEGER NOT NULL,
  price REAL NOT NULL,
  total_value REAL NOT NULL,
  status TEXT NOT NULL,
  notes TEXT,
  executed_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_execution_records_run ON execution_records(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_execution_records_ticker ON execution_records(ticker);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
