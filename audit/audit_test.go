package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront-ops/remedy/common"
	"github.com/storefront-ops/remedy/model"
)

// memStore is an in-memory audit store for ledger tests.
type memStore struct {
	entries map[uuid.UUID][]model.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[uuid.UUID][]model.AuditEntry)}
}

func (m *memStore) LastAuditEntry(_ context.Context, issueID uuid.UUID) (*model.AuditEntry, error) {
	chain := m.entries[issueID]
	if len(chain) == 0 {
		return nil, nil
	}
	last := chain[len(chain)-1]
	return &last, nil
}

func (m *memStore) InsertAuditEntry(_ context.Context, entry *model.AuditEntry) error {
	m.entries[entry.IssueID] = append(m.entries[entry.IssueID], *entry)
	return nil
}

func (m *memStore) ListAuditEntries(_ context.Context, issueID uuid.UUID) ([]model.AuditEntry, error) {
	return m.entries[issueID], nil
}

func testLedger() (*Ledger, *memStore) {
	st := newMemStore()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ledger := NewLedgerWithClock(st, func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})
	return ledger, st
}

// TestLedgerAppend tests chain construction
func TestLedgerAppend(t *testing.T) {
	ctx := context.Background()

	t.Run("first entry anchors on the genesis hash", func(t *testing.T) {
		ledger, _ := testLedger()
		entry, err := ledger.Append(ctx, Event{
			IssueID:   uuid.New(),
			EventType: "stage_completed",
			Actor:     "pipeline",
		})
		require.NoError(t, err)
		assert.Equal(t, 0, entry.Sequence)
		assert.Equal(t, GenesisHash, entry.PreviousHash)
		assert.NotEmpty(t, entry.EntryHash)
	})

	t.Run("entries link to their predecessor", func(t *testing.T) {
		ledger, _ := testLedger()
		issueID := uuid.New()

		first, err := ledger.Append(ctx, Event{IssueID: issueID, EventType: "stage_completed", Actor: "pipeline"})
		require.NoError(t, err)
		second, err := ledger.Append(ctx, Event{IssueID: issueID, EventType: "issue_recorded", Actor: "pipeline"})
		require.NoError(t, err)

		assert.Equal(t, 1, second.Sequence)
		assert.Equal(t, first.EntryHash, second.PreviousHash)
	})

	t.Run("issues chain independently", func(t *testing.T) {
		ledger, _ := testLedger()
		a, err := ledger.Append(ctx, Event{IssueID: uuid.New(), EventType: "stage_completed", Actor: "pipeline"})
		require.NoError(t, err)
		b, err := ledger.Append(ctx, Event{IssueID: uuid.New(), EventType: "stage_completed", Actor: "pipeline"})
		require.NoError(t, err)
		assert.Equal(t, GenesisHash, a.PreviousHash)
		assert.Equal(t, GenesisHash, b.PreviousHash)
	})

	t.Run("missing event type is rejected", func(t *testing.T) {
		ledger, _ := testLedger()
		_, err := ledger.Append(ctx, Event{IssueID: uuid.New()})
		assert.Error(t, err)
		assert.True(t, common.IsKind(err, common.KindInput))
	})
}

// TestVerifyChain tests tamper detection
func TestVerifyChain(t *testing.T) {
	ctx := context.Background()

	buildChain := func(t *testing.T) (*Ledger, *memStore, uuid.UUID) {
		t.Helper()
		ledger, st := testLedger()
		issueID := uuid.New()
		for _, event := range []string{"stage_completed", "approval_decided", "issue_recorded"} {
			_, err := ledger.Append(ctx, Event{
				IssueID:   issueID,
				EventType: event,
				Actor:     "pipeline",
				Outputs:   model.JSONMap{"event": event},
			})
			require.NoError(t, err)
		}
		return ledger, st, issueID
	}

	t.Run("intact chain verifies", func(t *testing.T) {
		ledger, _, issueID := buildChain(t)
		result, err := ledger.Verify(ctx, issueID)
		require.NoError(t, err)
		assert.True(t, result.OK)
		assert.Equal(t, 3, result.Entries)
	})

	t.Run("edited content breaks the chain at the edit", func(t *testing.T) {
		ledger, st, issueID := buildChain(t)
		st.entries[issueID][1].Outputs = model.JSONMap{"event": "rewritten history"}

		result, err := ledger.Verify(ctx, issueID)
		require.NoError(t, err)
		assert.False(t, result.OK)
		assert.Equal(t, 1, result.FirstBadEntry)
	})

	t.Run("relinked hashes still fail on the recomputed hash", func(t *testing.T) {
		ledger, st, issueID := buildChain(t)
		// Tamper with entry 1 and recompute its hash; entry 2 still points
		// at the old hash.
		chain := st.entries[issueID]
		chain[1].Outputs = model.JSONMap{"event": "rewritten"}
		rehashed, err := EntryHash(&chain[1])
		require.NoError(t, err)
		chain[1].EntryHash = rehashed

		result, err := ledger.Verify(ctx, issueID)
		require.NoError(t, err)
		assert.False(t, result.OK)
		assert.Equal(t, 2, result.FirstBadEntry)
	})

	t.Run("deleted entry breaks the sequence", func(t *testing.T) {
		ledger, st, issueID := buildChain(t)
		st.entries[issueID] = append(st.entries[issueID][:1], st.entries[issueID][2:]...)

		result, err := ledger.Verify(ctx, issueID)
		require.NoError(t, err)
		assert.False(t, result.OK)
		assert.Equal(t, 1, result.FirstBadEntry)
	})

	t.Run("empty chain is vacuously intact", func(t *testing.T) {
		result := VerifyChain(nil)
		assert.True(t, result.OK)
		assert.Equal(t, 0, result.Entries)
	})
}

// TestEntryHashDeterminism tests canonical hashing
func TestEntryHashDeterminism(t *testing.T) {
	entry := &model.AuditEntry{
		ID:           uuid.New(),
		IssueID:      uuid.New(),
		Sequence:     4,
		Timestamp:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		EventType:    "stage_completed",
		Actor:        "pipeline",
		Inputs:       model.JSONMap{"b": 2, "a": 1},
		PreviousHash: GenesisHash,
	}

	first, err := EntryHash(entry)
	require.NoError(t, err)
	second, err := EntryHash(entry)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// The row id is not part of the hashed content.
	entry.ID = uuid.New()
	third, err := EntryHash(entry)
	require.NoError(t, err)
	assert.Equal(t, first, third)

	entry.Actor = "operator"
	fourth, err := EntryHash(entry)
	require.NoError(t, err)
	assert.NotEqual(t, first, fourth)
}
