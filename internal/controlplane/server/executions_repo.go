package server

import (
	"context"
	"database/sql"
	"time"

	"github.com/councilbot/gocouncil/internal/domain"
)

// RecordExecution 把一条执行记录落库（实现 execution.Recorder）
// 记录只追加，创建后不再修改。
func (s *Server) RecordExecution(ctx context.Context, rec *domain.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO execution_records (id, run_id, ticker, action, shares, price, total_value, status, notes, executed_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
`, rec.ID, rec.RunID, rec.Ticker, string(rec.Action), rec.Shares, rec.Price, rec.TotalValue,
		string(rec.Status), rec.Notes, rec.ExecutedAt.Format(time.RFC3339Nano))
	return err
}

// listExecutions 按执行时间倒序读取执行历史
// runID 非空时只取该轮派发的记录。
func (s *Server) listExecutions(ctx context.Context, runID string, limit int) ([]*domain.ExecutionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
SELECT id, run_id, ticker, action, shares, price, total_value, status, notes, executed_at
FROM execution_records
`
	args := []any{}
	if runID != "" {
		query += `WHERE run_id = ?
`
		args = append(args, runID)
	}
	query += `ORDER BY executed_at DESC
LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ExecutionRecord
	for rows.Next() {
		var (
			rec        domain.ExecutionRecord
			action     string
			status     string
			notes      sql.NullString
			executedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Ticker, &action, &rec.Shares, &rec.Price,
			&rec.TotalValue, &status, &notes, &executedAt); err != nil {
			return nil, err
		}
		rec.Action = domain.TradeAction(action)
		rec.Status = domain.ExecutionStatus(status)
		if notes.Valid {
			rec.Notes = notes.String
		}
		rec.ExecutedAt, _ = time.Parse(time.RFC3339Nano, executedAt)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
