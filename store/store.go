// Package store is the PostgreSQL persistence layer. All entity access
// goes through Store; the orchestrator commits each stage transition
// through WithTx so issue, checkpoint, actions, and audit entries land
// atomically.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/storefront-ops/remedy/common"
	"github.com/storefront-ops/remedy/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Config holds the PostgreSQL connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	LogSQL   bool
}

// DSN renders the connection string.
func (c Config) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslmode)
}

// Storage is the persistence surface the orchestrator works against. The
// gorm-backed Store is the production implementation; tests drive the
// orchestrator with an in-memory one.
type Storage interface {
	WithTx(ctx context.Context, fn func(tx Storage) error) error

	CreateIssue(ctx context.Context, issue *model.Issue) error
	SaveIssue(ctx context.Context, issue *model.Issue) error
	GetIssue(ctx context.Context, id uuid.UUID) (*model.Issue, error)
	FindOpenIssue(ctx context.Context, merchantID string, source model.SignalSource) (*model.Issue, error)

	CreateSignal(ctx context.Context, sig *model.Signal) error
	ListSignals(ctx context.Context, issueID uuid.UUID) ([]model.Signal, error)

	SavePattern(ctx context.Context, p *model.Pattern) error

	CreateAction(ctx context.Context, a *model.Action) error
	GetAction(ctx context.Context, id uuid.UUID) (*model.Action, error)
	UpdateAction(ctx context.Context, a *model.Action) error
	MarkInProgress(ctx context.Context, a *model.Action) error

	SaveCheckpoint(ctx context.Context, state *model.AgentState) error
	LoadCheckpoint(ctx context.Context, issueID uuid.UUID) (*model.AgentState, error)
	LoadActiveCheckpoints(ctx context.Context) ([]model.AgentState, error)

	LastAuditEntry(ctx context.Context, issueID uuid.UUID) (*model.AuditEntry, error)
	InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error
	ListAuditEntries(ctx context.Context, issueID uuid.UUID) ([]model.AuditEntry, error)
}

// Store wraps the gorm handle.
type Store struct {
	db *gorm.DB
}

var _ Storage = (*Store)(nil)

// Open connects to PostgreSQL and returns a Store.
func Open(cfg Config) (*Store, error) {
	level := gormlogger.Silent
	if cfg.LogSQL {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return nil, common.NewDependencyError("store.Open", "failed to connect to postgres", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing gorm handle, for tests.
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema and installs the database-side audit guard.
// The gorm hooks on AuditEntry stop ORM mutations; the rules below stop
// raw SQL from the same role.
func (s *Store) Migrate() error {
	err := s.db.AutoMigrate(
		&model.Issue{},
		&model.Signal{},
		&model.Pattern{},
		&model.Action{},
		&model.AuditEntry{},
		&model.AgentState{},
	)
	if err != nil {
		return common.NewDependencyError("store.Migrate", "auto-migration failed", err)
	}
	guards := []string{
		`CREATE OR REPLACE RULE audit_entries_no_update AS ON UPDATE TO audit_entries DO INSTEAD NOTHING`,
		`CREATE OR REPLACE RULE audit_entries_no_delete AS ON DELETE TO audit_entries DO INSTEAD NOTHING`,
	}
	for _, stmt := range guards {
		if err := s.db.Exec(stmt).Error; err != nil {
			return common.NewDependencyError("store.Migrate", "failed to install audit guard", err)
		}
	}
	return nil
}

// WithTx runs fn against a transaction-scoped Store. Everything written
// inside commits or rolls back together.
func (s *Store) WithTx(ctx context.Context, fn func(tx Storage) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// --- issues ---

// CreateIssue inserts a new issue.
func (s *Store) CreateIssue(ctx context.Context, issue *model.Issue) error {
	if err := issue.Validate(); err != nil {
		return common.NewInputError("store.CreateIssue", err.Error())
	}
	if err := s.db.WithContext(ctx).Create(issue).Error; err != nil {
		return common.NewDependencyError("store.CreateIssue", "insert failed", err)
	}
	return nil
}

// SaveIssue persists the full issue row.
func (s *Store) SaveIssue(ctx context.Context, issue *model.Issue) error {
	if err := issue.Validate(); err != nil {
		return common.NewInputError("store.SaveIssue", err.Error())
	}
	if err := s.db.WithContext(ctx).Save(issue).Error; err != nil {
		return common.NewDependencyError("store.SaveIssue", "save failed", err)
	}
	return nil
}

// GetIssue loads one issue by id.
func (s *Store) GetIssue(ctx context.Context, id uuid.UUID) (*model.Issue, error) {
	var issue model.Issue
	err := s.db.WithContext(ctx).First(&issue, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, common.NewDependencyError("store.GetIssue", "query failed", err)
	}
	return &issue, nil
}

// FindOpenIssue returns the non-terminal issue for a (merchant, source)
// pair, or ErrNotFound. The orchestrator keeps at most one open.
func (s *Store) FindOpenIssue(ctx context.Context, merchantID string, source model.SignalSource) (*model.Issue, error) {
	var issue model.Issue
	err := s.db.WithContext(ctx).
		Where("merchant_id = ? AND source = ? AND stage <> ?", merchantID, source, model.StageComplete).
		Order("created_at DESC").
		First(&issue).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, common.NewDependencyError("store.FindOpenIssue", "query failed", err)
	}
	return &issue, nil
}

// IssueFilter narrows ListIssues.
type IssueFilter struct {
	MerchantID string
	Stage      model.Stage
	Limit      int
	Offset     int
}

// ListIssues returns issues matching the filter, newest first.
func (s *Store) ListIssues(ctx context.Context, f IssueFilter) ([]model.Issue, error) {
	q := s.db.WithContext(ctx).Model(&model.Issue{}).Order("created_at DESC")
	if f.MerchantID != "" {
		q = q.Where("merchant_id = ?", f.MerchantID)
	}
	if f.Stage != "" {
		q = q.Where("stage = ?", f.Stage)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var issues []model.Issue
	if err := q.Find(&issues).Error; err != nil {
		return nil, common.NewDependencyError("store.ListIssues", "query failed", err)
	}
	return issues, nil
}

// --- signals ---

// CreateSignal inserts a signal. Duplicate ids are ignored so bus
// redeliveries stay idempotent at the storage layer too.
func (s *Store) CreateSignal(ctx context.Context, sig *model.Signal) error {
	if err := sig.Validate(); err != nil {
		return common.NewInputError("store.CreateSignal", err.Error())
	}
	err := s.db.WithContext(ctx).
		Where("id = ?", sig.ID).
		FirstOrCreate(sig).Error
	if err != nil {
		return common.NewDependencyError("store.CreateSignal", "insert failed", err)
	}
	return nil
}

// ListSignals returns the signals attached to an issue in arrival order.
func (s *Store) ListSignals(ctx context.Context, issueID uuid.UUID) ([]model.Signal, error) {
	var signals []model.Signal
	err := s.db.WithContext(ctx).
		Where("issue_id = ?", issueID).
		Order("received_at ASC").
		Find(&signals).Error
	if err != nil {
		return nil, common.NewDependencyError("store.ListSignals", "query failed", err)
	}
	return signals, nil
}

// PruneSignals deletes unattached signals received before the cutoff.
// Signals attached to an issue are kept for its explanation.
func (s *Store) PruneSignals(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("received_at < ? AND issue_id IS NULL", cutoff).
		Delete(&model.Signal{})
	if res.Error != nil {
		return 0, common.NewDependencyError("store.PruneSignals", "delete failed", res.Error)
	}
	return res.RowsAffected, nil
}

// --- patterns ---

// SavePattern upserts a pattern by id.
func (s *Store) SavePattern(ctx context.Context, p *model.Pattern) error {
	if err := p.Validate(); err != nil {
		return common.NewInputError("store.SavePattern", err.Error())
	}
	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		return common.NewDependencyError("store.SavePattern", "save failed", err)
	}
	return nil
}

// FindPatternByFingerprint returns the stored pattern for a fingerprint,
// or ErrNotFound.
func (s *Store) FindPatternByFingerprint(ctx context.Context, fingerprint string) (*model.Pattern, error) {
	var p model.Pattern
	err := s.db.WithContext(ctx).First(&p, "fingerprint = ?", fingerprint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, common.NewDependencyError("store.FindPatternByFingerprint", "query failed", err)
	}
	return &p, nil
}

// --- actions ---

// CreateAction inserts a planned action.
func (s *Store) CreateAction(ctx context.Context, a *model.Action) error {
	if err := a.Validate(); err != nil {
		return common.NewInputError("store.CreateAction", err.Error())
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return common.NewDependencyError("store.CreateAction", "insert failed", err)
	}
	return nil
}

// GetAction loads one action by id.
func (s *Store) GetAction(ctx context.Context, id uuid.UUID) (*model.Action, error) {
	var a model.Action
	err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, common.NewDependencyError("store.GetAction", "query failed", err)
	}
	return &a, nil
}

// UpdateAction persists an action after checking the status move against
// the forward-only transition rule.
func (s *Store) UpdateAction(ctx context.Context, a *model.Action) error {
	if err := a.Validate(); err != nil {
		return common.NewInputError("store.UpdateAction", err.Error())
	}
	current, err := s.GetAction(ctx, a.ID)
	if err != nil {
		return err
	}
	if current.Status != a.Status && !current.Status.CanTransitionTo(a.Status) {
		return common.NewStateError("store.UpdateAction",
			fmt.Sprintf("illegal action status move %s -> %s", current.Status, a.Status))
	}
	if err := s.db.WithContext(ctx).Save(a).Error; err != nil {
		return common.NewDependencyError("store.UpdateAction", "save failed", err)
	}
	return nil
}

// MarkInProgress durably records that an action is about to execute,
// together with its rollback data. Called before the downstream request.
func (s *Store) MarkInProgress(ctx context.Context, a *model.Action) error {
	return s.UpdateAction(ctx, a)
}

// ListActionsByIssue returns the actions planned for an issue.
func (s *Store) ListActionsByIssue(ctx context.Context, issueID uuid.UUID) ([]model.Action, error) {
	var actions []model.Action
	err := s.db.WithContext(ctx).
		Where("issue_id = ?", issueID).
		Order("created_at ASC").
		Find(&actions).Error
	if err != nil {
		return nil, common.NewDependencyError("store.ListActionsByIssue", "query failed", err)
	}
	return actions, nil
}

// ListInProgressActions returns every action left in_progress, used at
// startup to drive prior-completion checks.
func (s *Store) ListInProgressActions(ctx context.Context) ([]model.Action, error) {
	var actions []model.Action
	err := s.db.WithContext(ctx).
		Where("status = ?", model.ActionInProgress).
		Find(&actions).Error
	if err != nil {
		return nil, common.NewDependencyError("store.ListInProgressActions", "query failed", err)
	}
	return actions, nil
}

// --- checkpoints ---

// SaveCheckpoint upserts the per-issue checkpoint row.
func (s *Store) SaveCheckpoint(ctx context.Context, state *model.AgentState) error {
	err := s.db.WithContext(ctx).
		Where("issue_id = ?", state.IssueID).
		Assign(map[string]interface{}{
			"stage":                state.Stage,
			"blob":                 state.Blob,
			"checkpoint_id":        state.CheckpointID,
			"parent_checkpoint_id": state.ParentCheckpointID,
			"error_count":          state.ErrorCount,
			"last_error":           state.LastError,
		}).
		FirstOrCreate(state).Error
	if err != nil {
		return common.NewDependencyError("store.SaveCheckpoint", "upsert failed", err)
	}
	return nil
}

// LoadCheckpoint returns the checkpoint for one issue, or ErrNotFound.
func (s *Store) LoadCheckpoint(ctx context.Context, issueID uuid.UUID) (*model.AgentState, error) {
	var st model.AgentState
	err := s.db.WithContext(ctx).First(&st, "issue_id = ?", issueID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, common.NewDependencyError("store.LoadCheckpoint", "query failed", err)
	}
	return &st, nil
}

// LoadActiveCheckpoints returns the checkpoints of every non-terminal
// issue, for resume at startup.
func (s *Store) LoadActiveCheckpoints(ctx context.Context) ([]model.AgentState, error) {
	var states []model.AgentState
	err := s.db.WithContext(ctx).
		Where("stage <> ?", model.StageComplete).
		Order("updated_at ASC").
		Find(&states).Error
	if err != nil {
		return nil, common.NewDependencyError("store.LoadActiveCheckpoints", "query failed", err)
	}
	return states, nil
}

// --- audit (implements audit.Store) ---

// LastAuditEntry returns the chain head for an issue, or nil when the
// chain is empty.
func (s *Store) LastAuditEntry(ctx context.Context, issueID uuid.UUID) (*model.AuditEntry, error) {
	var entry model.AuditEntry
	err := s.db.WithContext(ctx).
		Where("issue_id = ?", issueID).
		Order("sequence DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, common.NewDependencyError("store.LastAuditEntry", "query failed", err)
	}
	return &entry, nil
}

// InsertAuditEntry appends one entry. Inserts only; the hooks and the
// database rules refuse everything else.
func (s *Store) InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return common.NewDependencyError("store.InsertAuditEntry", "insert failed", err)
	}
	return nil
}

// ListAuditEntries returns an issue's chain in sequence order.
func (s *Store) ListAuditEntries(ctx context.Context, issueID uuid.UUID) ([]model.AuditEntry, error) {
	var entries []model.AuditEntry
	err := s.db.WithContext(ctx).
		Where("issue_id = ?", issueID).
		Order("sequence ASC").
		Find(&entries).Error
	if err != nil {
		return nil, common.NewDependencyError("store.ListAuditEntries", "query failed", err)
	}
	return entries, nil
}
