package correlation

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/relay/internal/instruction"
)

func TestUUIDv7Generator_Unique(t *testing.T) {
	gen := UUIDv7Generator{}
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen.Generate()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true

		parsed, err := uuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(7), parsed.Version())
	}
}

func TestSequenceGenerator(t *testing.T) {
	gen := NewSequenceGenerator("p")
	assert.Zero(t, gen.Issued())
	assert.Equal(t, "p1", gen.Generate())
	assert.Equal(t, "p2", gen.Generate())
	assert.Equal(t, 2, gen.Issued())
}

func TestTransaction_ApplyCommitOnce(t *testing.T) {
	calls := 0
	txn := &Transaction{
		CorrelationID: "c-1",
		CommitFunc: func(instruction.Confirmation) error {
			calls++
			return nil
		},
	}

	first := instruction.Confirmation{Source: instruction.SourcePush, Data: []byte(`{"v":1}`)}
	require.NoError(t, txn.ApplyCommit(first))
	require.NoError(t, txn.ApplyCommit(instruction.Confirmation{Source: instruction.SourceResponse}))

	assert.Equal(t, 1, calls)
	assert.True(t, txn.Committed())
	assert.Equal(t, instruction.SourcePush, txn.Confirmation().Source)
}

func TestTransaction_FailedCommitNotRetried(t *testing.T) {
	calls := 0
	txn := &Transaction{
		CommitFunc: func(instruction.Confirmation) error {
			calls++
			return errors.New("store rejected")
		},
	}

	require.Error(t, txn.ApplyCommit(instruction.Confirmation{}))
	require.NoError(t, txn.ApplyCommit(instruction.Confirmation{}))
	assert.Equal(t, 1, calls)
	assert.False(t, txn.Committed())
}

func TestTransaction_RollbackOnce(t *testing.T) {
	var restored []any
	txn := &Transaction{
		Snapshot: "before",
		RestoreFunc: func(s any) error {
			restored = append(restored, s)
			return nil
		},
	}

	ran, err := txn.Rollback()
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = txn.Rollback()
	require.NoError(t, err)
	assert.False(t, ran)

	assert.Equal(t, []any{"before"}, restored)
}

func TestTransaction_RollbackWithoutRestore(t *testing.T) {
	txn := &Transaction{}
	ran, err := txn.Rollback()
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestTransaction_SeenAndSatisfied(t *testing.T) {
	txn := &Transaction{Expected: instruction.ExpectBoth}
	assert.False(t, txn.Seen(instruction.SourcePush))

	txn.MarkSeen(instruction.SourcePush)
	assert.True(t, txn.Seen(instruction.SourcePush))
	assert.False(t, txn.Satisfied())

	txn.MarkSeen(instruction.SourceResponse)
	assert.True(t, txn.Satisfied())
	assert.Equal(t, []instruction.Source{instruction.SourcePush, instruction.SourceResponse}, txn.SeenSources())
}

func TestTracker_PutGetRemove(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	txn := &Transaction{CorrelationID: "c-1"}
	tr.Put(txn)
	assert.Equal(t, 1, tr.Len())

	got, ok := tr.Get("c-1")
	require.True(t, ok)
	assert.Same(t, txn, got)
	assert.False(t, tr.Settled("c-1"))

	assert.True(t, tr.Remove("c-1"))
	_, ok = tr.Get("c-1")
	assert.False(t, ok)
	assert.True(t, tr.Settled("c-1"))
	assert.Equal(t, 0, tr.Len())

	assert.False(t, tr.Remove("c-1"), "second remove finds nothing pending")
}

func TestTracker_Expiry(t *testing.T) {
	expired := make(chan string, 1)
	tr := NewTracker(
		WithTTL(30*time.Millisecond),
		WithExpiryCallback(func(id string) { expired <- id }),
	)
	defer tr.Close()

	tr.Put(&Transaction{CorrelationID: "lost"})

	select {
	case id := <-expired:
		assert.Equal(t, "lost", id)
	case <-time.After(2 * time.Second):
		t.Fatal("pending transaction was not evicted")
	}

	_, ok := tr.Get("lost")
	assert.False(t, ok)
}

func TestTracker_UnknownID(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	_, ok := tr.Get("missing")
	assert.False(t, ok)
	assert.False(t, tr.Settled("missing"))
}
