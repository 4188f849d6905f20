// Package audit maintains the append-only, hash-chained record of every
// observable decision the service makes. Each entry hashes its own
// canonical content together with the previous entry's hash, so any
// after-the-fact edit breaks the chain from that point forward.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/storefront-ops/remedy/common"
	"github.com/storefront-ops/remedy/model"
)

// GenesisHash anchors the first entry of every issue's chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Store is the persistence the ledger needs: append an entry and read an
// issue's chain back in sequence order.
type Store interface {
	LastAuditEntry(ctx context.Context, issueID uuid.UUID) (*model.AuditEntry, error)
	InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error
	ListAuditEntries(ctx context.Context, issueID uuid.UUID) ([]model.AuditEntry, error)
}

// Event is the caller-facing shape of one audit record.
type Event struct {
	IssueID   uuid.UUID
	EventType string
	Actor     string
	Inputs    model.JSONMap
	Outputs   model.JSONMap
	Reasoning model.JSONMap
}

// Ledger appends events to an issue's chain and verifies chains on read.
type Ledger struct {
	store Store
	now   func() time.Time
}

// NewLedger builds a ledger over the given store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// NewLedgerWithClock builds a ledger with an injected clock, for tests.
func NewLedgerWithClock(store Store, now func() time.Time) *Ledger {
	return &Ledger{store: store, now: now}
}

// Append writes one event to the issue's chain, linking it to the latest
// entry. Callers serialize per issue (the orchestrator's single-writer
// rule), so last-entry read and insert need no lock here.
func (l *Ledger) Append(ctx context.Context, ev Event) (*model.AuditEntry, error) {
	if ev.IssueID == uuid.Nil {
		return nil, common.NewInputError("audit.Append", "issue id is required")
	}
	if ev.EventType == "" {
		return nil, common.NewInputError("audit.Append", "event type is required")
	}

	prev, err := l.store.LastAuditEntry(ctx, ev.IssueID)
	if err != nil {
		return nil, common.NewDependencyError("audit.Append", "failed to read chain head", err)
	}
	prevHash := GenesisHash
	sequence := 0
	if prev != nil {
		prevHash = prev.EntryHash
		sequence = prev.Sequence + 1
	}

	entry := &model.AuditEntry{
		ID:           uuid.New(),
		IssueID:      ev.IssueID,
		Sequence:     sequence,
		Timestamp:    l.now().UTC().Truncate(time.Microsecond),
		EventType:    ev.EventType,
		Actor:        ev.Actor,
		Inputs:       ev.Inputs,
		Outputs:      ev.Outputs,
		Reasoning:    ev.Reasoning,
		PreviousHash: prevHash,
	}
	hash, err := EntryHash(entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	if err := l.store.InsertAuditEntry(ctx, entry); err != nil {
		return nil, common.NewDependencyError("audit.Append", "failed to append audit entry", err)
	}
	return entry, nil
}

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	OK            bool `json:"ok"`
	Entries       int  `json:"entries"`
	FirstBadEntry int  `json:"first_bad_entry,omitempty"`
}

// Verify re-derives every hash in the issue's chain and checks each link
// against its predecessor. The index of the first entry that fails is
// reported so an operator can bracket the tampering.
func (l *Ledger) Verify(ctx context.Context, issueID uuid.UUID) (*VerifyResult, error) {
	entries, err := l.store.ListAuditEntries(ctx, issueID)
	if err != nil {
		return nil, common.NewDependencyError("audit.Verify", "failed to load chain", err)
	}
	return VerifyChain(entries), nil
}

// VerifyChain checks an already-loaded chain, ordered by sequence.
func VerifyChain(entries []model.AuditEntry) *VerifyResult {
	res := &VerifyResult{OK: true, Entries: len(entries)}
	prevHash := GenesisHash
	for i := range entries {
		e := &entries[i]
		if e.Sequence != i || e.PreviousHash != prevHash {
			res.OK = false
			res.FirstBadEntry = i
			return res
		}
		expected, err := EntryHash(e)
		if err != nil || expected != e.EntryHash {
			res.OK = false
			res.FirstBadEntry = i
			return res
		}
		prevHash = e.EntryHash
	}
	return res
}

// hashedEntry is the canonical hashing form: the hashed fields only, in a
// map so keys serialize sorted.
func hashedEntry(e *model.AuditEntry) model.JSONMap {
	return model.JSONMap{
		"issue_id":      e.IssueID.String(),
		"sequence":      e.Sequence,
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339Nano),
		"event_type":    e.EventType,
		"actor":         e.Actor,
		"inputs":        e.Inputs,
		"outputs":       e.Outputs,
		"reasoning":     e.Reasoning,
		"previous_hash": e.PreviousHash,
	}
}

// EntryHash computes the canonical SHA-256 over the entry's content and
// its previous-hash link. json.Marshal sorts map keys, which makes the
// encoding, and so the hash, deterministic.
func EntryHash(e *model.AuditEntry) (string, error) {
	raw, err := json.Marshal(hashedEntry(e))
	if err != nil {
		return "", common.NewIntegrityError("audit.EntryHash",
			fmt.Sprintf("failed to canonicalize entry: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
