package journal

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/relay/internal/instruction"
)

// ReadByCorrelation returns every transition of one instruction in recorded
// order. Returns an empty slice (not nil) for an unknown id.
func (s *Store) ReadByCorrelation(ctx context.Context, correlationID string) ([]instruction.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, correlation_id, type, from_status, to_status, detail, at
		FROM transitions
		WHERE correlation_id = ?
		ORDER BY id ASC
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	return scanAll(rows)
}

// ReadRecent returns the last limit transitions, oldest first.
func (s *Store) ReadRecent(ctx context.Context, limit int) ([]instruction.Transition, error) {
	if limit <= 0 {
		return []instruction.Transition{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, correlation_id, type, from_status, to_status, detail, at
		FROM transitions
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	out, err := scanAll(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// Count returns the number of recorded transitions.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transitions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transitions: %w", err)
	}
	return n, nil
}

func scanAll(rows *sql.Rows) ([]instruction.Transition, error) {
	defer rows.Close()

	out := []instruction.Transition{}
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

func scanTransition(rows *sql.Rows) (instruction.Transition, error) {
	var (
		t        instruction.Transition
		from, to string
		at       string
	)
	if err := rows.Scan(&t.Seq, &t.CorrelationID, &t.Type, &from, &to, &t.Detail, &at); err != nil {
		return t, fmt.Errorf("scan transition: %w", err)
	}

	var err error
	if t.From, err = instruction.ParseStatus(from); err != nil {
		return t, fmt.Errorf("scan transition %s: %w", t.CorrelationID, err)
	}
	if t.To, err = instruction.ParseStatus(to); err != nil {
		return t, fmt.Errorf("scan transition %s: %w", t.CorrelationID, err)
	}
	if t.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
		return t, fmt.Errorf("scan transition %s: parse time: %w", t.CorrelationID, err)
	}
	return t, nil
}
