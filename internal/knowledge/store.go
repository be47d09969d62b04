// Package knowledge implements the Knowledge Store (spec §4.2): durable,
// embedded, single-writer relational persistence for entities,
// relationships, and tool-execution history, grounded on the teacher
// pack's sqlite-over-database/sql idiom (modernc.org/sqlite — a pure-Go
// driver, no cgo) rather than the teacher's own encrypted-JSON-file
// knowledge store, since the spec requires SQL tables, indexes, and
// transactional batch upserts that a flat file cannot give us.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/sentryctl/sentryctl/internal/entityid"
)

// ConstraintViolationError wraps an orphan-relationship rejection.
type ConstraintViolationError struct {
	Detail string
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("knowledge: constraint violation: %s", e.Detail)
}

// InvalidIDError wraps an id that does not match its kind's canonical
// format.
type InvalidIDError struct {
	Kind Kind
	ID   string
}

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("knowledge: invalid id %q for kind %s", e.ID, e.Kind)
}

// Store is the single-writer embedded SQL knowledge store.
type Store struct {
	db *sql.DB
	// writeMu serializes every mutating operation; the backing sqlite
	// connection pool is already capped to one connection, but an
	// explicit mutex keeps the single-writer invariant obvious at the Go
	// level and lets prune/checkpoint reason about quiescence.
	writeMu sync.Mutex

	insertsSincePrune int
	pruneEveryNInsert int
}

// Open creates (if needed) and opens the sqlite database at path and
// ensures the schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("knowledge: create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer: the sqlite file is the serialization point
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn().Err(err).Str("pragma", pragma).Msg("knowledge: failed to apply pragma")
		}
	}

	s := &Store{db: db, pruneEveryNInsert: 1000}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the backing sqlite connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("knowledge: migrate: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	discovered_by TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'discovered',
	confidence REAL NOT NULL DEFAULT 0,
	tags TEXT NOT NULL DEFAULT '[]',
	data_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind);
CREATE INDEX IF NOT EXISTS idx_entities_updated_at ON entities(updated_at);
CREATE INDEX IF NOT EXISTS idx_entities_confidence ON entities(confidence);

CREATE TABLE IF NOT EXISTS entity_relationships (
	parent_id TEXT NOT NULL,
	child_id TEXT NOT NULL,
	type TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (parent_id, child_id, type),
	FOREIGN KEY (parent_id) REFERENCES entities(id) ON DELETE CASCADE,
	FOREIGN KEY (child_id) REFERENCES entities(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_rel_parent ON entity_relationships(parent_id, type);
CREATE INDEX IF NOT EXISTS idx_rel_child ON entity_relationships(child_id, type);

CREATE TABLE IF NOT EXISTS tool_executions (
	execution_id TEXT PRIMARY KEY,
	tool_id TEXT NOT NULL,
	stage_id TEXT NOT NULL DEFAULT '',
	target TEXT NOT NULL DEFAULT '',
	execution_status TEXT NOT NULL,
	parse_status TEXT NOT NULL,
	raw_stdout_path TEXT NOT NULL DEFAULT '',
	raw_stderr_path TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	completed_at DATETIME NOT NULL,
	entities_created INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_exec_tool ON tool_executions(tool_id);
CREATE INDEX IF NOT EXISTS idx_exec_status ON tool_executions(execution_status);
`

// Batch is the unit of work for UpsertEntities: a set of entities plus the
// relationships the parser that produced them declared.
type Batch struct {
	Entities      []Entity
	Relationships []Relationship
}

// UpsertEntities applies batch inside a single transaction. Any error
// rolls back the whole batch; no partial knowledge is ever committed.
func (s *Store) UpsertEntities(ctx context.Context, batch Batch) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, e := range batch.Entities {
		if !entityid.Valid(entityid.Kind(e.Kind), e.ID) {
			return &InvalidIDError{Kind: e.Kind, ID: e.ID}
		}
	}

	var tx *sql.Tx
	if err := withRetry(func() (err error) {
		tx, err = s.db.BeginTx(ctx, nil)
		return err
	}); err != nil {
		return fmt.Errorf("knowledge: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	for _, e := range batch.Entities {
		entity := e
		if err := withRetry(func() error { return upsertEntity(ctx, tx, entity) }); err != nil {
			return err
		}
	}

	// Relationships are only valid if their parent already exists in the
	// same transaction or earlier; INSERT OR IGNORE still needs the FK
	// to resolve, so a genuinely orphan relationship surfaces as a
	// foreign-key failure that we translate into ConstraintViolationError.
	for _, rel := range batch.Relationships {
		relationship := rel
		err := withRetry(func() error {
			_, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO entity_relationships (parent_id, child_id, type, created_at)
				VALUES (?, ?, ?, ?)`,
				relationship.ParentID, relationship.ChildID, string(relationship.Type), now())
			return err
		})
		if err != nil {
			return &ConstraintViolationError{Detail: err.Error()}
		}
	}

	if err := withRetry(tx.Commit); err != nil {
		return fmt.Errorf("knowledge: commit: %w", err)
	}

	s.insertsSincePrune += len(batch.Entities)
	if s.insertsSincePrune >= s.pruneEveryNInsert {
		s.insertsSincePrune = 0
		go func() {
			if _, err := s.Prune(context.Background(), time.Hour); err != nil {
				log.Warn().Err(err).Msg("knowledge: scheduled prune failed")
			}
		}()
	}
	return nil
}

func upsertEntity(ctx context.Context, tx *sql.Tx, e Entity) error {
	var existing struct {
		confidence float64
		updatedAt  time.Time
		status     Status
		tags       []string
		dataJSON   []byte
	}
	row := tx.QueryRowContext(ctx, `SELECT confidence, updated_at, status, tags, data_json FROM entities WHERE id = ?`, e.ID)
	var tagsJSON string
	err := row.Scan(&existing.confidence, &existing.updatedAt, &existing.status, &tagsJSON, &existing.dataJSON)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return insertEntity(ctx, tx, e)
	case err != nil:
		return fmt.Errorf("knowledge: lookup entity %s: %w", e.ID, err)
	}
	_ = json.Unmarshal([]byte(tagsJSON), &existing.tags)
	return mergeEntity(ctx, tx, e, existing.confidence, existing.updatedAt, existing.status, existing.tags, existing.dataJSON)
}

func insertEntity(ctx context.Context, tx *sql.Tx, e Entity) error {
	tagsJSON, _ := json.Marshal(e.Tags)
	dataJSON, _ := json.Marshal(e.Data)
	discoveredAt := e.DiscoveredAt
	if discoveredAt.IsZero() {
		discoveredAt = now()
	}
	updatedAt := e.UpdatedAt
	if updatedAt.Before(discoveredAt) {
		updatedAt = discoveredAt
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO entities (id, kind, created_at, updated_at, discovered_by, status, confidence, tags, data_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), discoveredAt, updatedAt, e.DiscoveredBy, string(e.Status), e.Confidence, string(tagsJSON), string(dataJSON))
	if err != nil {
		return fmt.Errorf("knowledge: insert entity %s: %w", e.ID, err)
	}
	return nil
}

// mergeEntity implements the three merge rules (spec §4.2): higher
// confidence wins for scalar fields, newer updated_at wins for mutable
// status, and set-valued fields (tags) are unioned.
func mergeEntity(ctx context.Context, tx *sql.Tx, incoming Entity, existingConfidence float64, existingUpdatedAt time.Time, existingStatus Status, existingTags []string, existingDataJSON []byte) error {
	incomingUpdatedAt := incoming.UpdatedAt
	if incomingUpdatedAt.IsZero() {
		incomingUpdatedAt = now()
	}
	newerWrite := incomingUpdatedAt.After(existingUpdatedAt) ||
		(incomingUpdatedAt.Equal(existingUpdatedAt) && incoming.Confidence >= existingConfidence)

	// Rule 1: higher confidence wins for scalar fields; ties prefer the
	// newer updated_at (spec §3 invariants).
	confidence := existingConfidence
	dataJSON := existingDataJSON
	if incoming.Confidence > existingConfidence || (incoming.Confidence == existingConfidence && newerWrite) {
		confidence = incoming.Confidence
		dataJSON, _ = json.Marshal(incoming.Data)
	}

	// Rule 2: newer updated_at wins for mutable status.
	status := existingStatus
	if newerWrite {
		status = incoming.Status
	}
	updatedAt := existingUpdatedAt
	if incomingUpdatedAt.After(updatedAt) {
		updatedAt = incomingUpdatedAt
	}

	// Rule 3: set-valued fields are unioned.
	tags := unionStrings(existingTags, incoming.Tags)
	tagsJSON, _ := json.Marshal(tags)

	_, err := tx.ExecContext(ctx, `
		UPDATE entities
		SET updated_at = ?, status = ?, confidence = ?, tags = ?, data_json = ?
		WHERE id = ?`,
		updatedAt, string(status), confidence, string(tagsJSON), string(dataJSON), incoming.ID)
	if err != nil {
		return fmt.Errorf("knowledge: merge entity %s: %w", incoming.ID, err)
	}
	return nil
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// RecordExecution always commits an ExecutionRecord, independent of
// parse outcome; it must be called even on parse failure.
func (s *Store) RecordExecution(ctx context.Context, r ExecutionRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := withRetry(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tool_executions
				(execution_id, tool_id, stage_id, target, execution_status, parse_status,
				 raw_stdout_path, raw_stderr_path, started_at, completed_at, entities_created, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.ToolID, r.StageID, r.Target, string(r.ExecutionStatus), string(r.ParseStatus),
			r.RawStdoutPath, r.RawStderrPath, r.StartedAt, r.CompletedAt, r.EntitiesCreated, r.ErrorMessage)
		return err
	})
	if err != nil {
		return fmt.Errorf("knowledge: record execution: %w", err)
	}
	return nil
}

// Prune deletes entities whose updated_at is older than now-ttl;
// relationships cascade via the foreign key ON DELETE CASCADE.
func (s *Store) Prune(ctx context.Context, ttl time.Duration) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := now().Add(-ttl)
	var res sql.Result
	if err := withRetry(func() (err error) {
		res, err = s.db.ExecContext(ctx, `DELETE FROM entities WHERE updated_at < ?`, cutoff)
		return err
	}); err != nil {
		return 0, fmt.Errorf("knowledge: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info().Int64("pruned", n).Dur("ttl", ttl).Msg("knowledge: pruned stale entities")
	}
	return n, nil
}

// now is a seam so tests can avoid wall-clock nondeterminism if needed;
// production code always calls it with no arguments.
func now() time.Time { return time.Now().UTC() }

// withRetry runs fn, and if it fails, runs it exactly one more time
// before giving up. Spec §4.2/§7 classify a Knowledge Store I/O error as
// "retried once then surfaced as fatal": a single transient failure
// (a busy sqlite file, a momentary disk error) gets one extra shot, but
// a second failure is returned as-is for the caller to treat as fatal.
func withRetry(fn func() error) error {
	if err := fn(); err != nil {
		return fn()
	}
	return nil
}
