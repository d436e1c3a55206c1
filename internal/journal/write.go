package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/relay/internal/instruction"
)

// Record appends one transition. Implements pipeline.Recorder.
func (s *Store) Record(ctx context.Context, t instruction.Transition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions
		(seq, correlation_id, type, from_status, to_status, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		t.Seq,
		t.CorrelationID,
		t.Type,
		t.From.String(),
		t.To.String(),
		t.Detail,
		t.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record transition %s: %w", t.CorrelationID, err)
	}
	return nil
}
