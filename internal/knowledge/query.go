package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// GetEntity returns the entity with the given id, or (nil, nil) if absent.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, created_at, updated_at, discovered_by, status, confidence, tags, data_json
		FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ListByKind returns every entity of the given kind.
func (s *Store) ListByKind(ctx context.Context, kind Kind) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, created_at, updated_at, discovered_by, status, confidence, tags, data_json
		FROM entities WHERE kind = ? ORDER BY updated_at DESC`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("knowledge: list by kind: %w", err)
	}
	defer rows.Close()
	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Children returns every entity related to parentID by relType.
func (s *Store) Children(ctx context.Context, parentID string, relType RelationshipType) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.kind, e.created_at, e.updated_at, e.discovered_by, e.status, e.confidence, e.tags, e.data_json
		FROM entities e
		JOIN entity_relationships r ON r.child_id = e.id
		WHERE r.parent_id = ? AND r.type = ?`, parentID, string(relType))
	if err != nil {
		return nil, fmt.Errorf("knowledge: children: %w", err)
	}
	defer rows.Close()
	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var e Entity
	var kind, status, tagsJSON, dataJSON string
	if err := row.Scan(&e.ID, &kind, &e.DiscoveredAt, &e.UpdatedAt, &e.DiscoveredBy, &status, &e.Confidence, &tagsJSON, &dataJSON); err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Status = Status(status)
	_ = json.Unmarshal([]byte(tagsJSON), &e.Tags)
	var data map[string]any
	_ = json.Unmarshal([]byte(dataJSON), &data)
	e.Data = data
	return &e, nil
}

// HasToolExecuted reports whether tool has ever run against target,
// regardless of outcome. The planner must consult this (or
// HasSuccessfulParse), never raw entity counts, to decide whether a step
// already ran (spec §4.3).
func (s *Store) HasToolExecuted(ctx context.Context, toolID, target string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tool_executions WHERE tool_id = ? AND target = ?`, toolID, target).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("knowledge: has tool executed: %w", err)
	}
	return n > 0, nil
}

// LastExecution returns the most recent ExecutionRecord for tool against
// target, or nil if none exists.
func (s *Store) LastExecution(ctx context.Context, toolID, target string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, tool_id, stage_id, target, execution_status, parse_status,
		       raw_stdout_path, raw_stderr_path, started_at, completed_at, entities_created, error_message
		FROM tool_executions WHERE tool_id = ? AND target = ? ORDER BY completed_at DESC LIMIT 1`, toolID, target)
	var r ExecutionRecord
	var execStatus, parseStatus string
	err := row.Scan(&r.ID, &r.ToolID, &r.StageID, &r.Target, &execStatus, &parseStatus,
		&r.RawStdoutPath, &r.RawStderrPath, &r.StartedAt, &r.CompletedAt, &r.EntitiesCreated, &r.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: last execution: %w", err)
	}
	r.ExecutionStatus = ExecutionStatus(execStatus)
	r.ParseStatus = ParseStatus(parseStatus)
	r.Duration = r.CompletedAt.Sub(r.StartedAt)
	return &r, nil
}

// HasSuccessfulParse reports whether tool has ever produced a Parsed
// result for target.
func (s *Store) HasSuccessfulParse(ctx context.Context, toolID, target string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tool_executions WHERE tool_id = ? AND target = ? AND parse_status = ?`,
		toolID, target, string(ParseParsed)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("knowledge: has successful parse: %w", err)
	}
	return n > 0, nil
}

// Checkpoint writes a consistent copy of the backing store to dstPath. It
// uses sqlite's VACUUM INTO, which writes a compacted snapshot of the
// database contents (not a byte-for-byte copy of the source file).
func (s *Store) Checkpoint(ctx context.Context, dstPath string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o700); err != nil {
		return fmt.Errorf("knowledge: checkpoint mkdir: %w", err)
	}
	_ = os.Remove(dstPath)
	err := withRetry(func() error {
		_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dstPath)
		return err
	})
	if err != nil {
		return fmt.Errorf("knowledge: checkpoint: %w", err)
	}
	return nil
}

// Restore overwrites dstPath with a byte-identical copy of srcPath, a file
// previously produced by Checkpoint. It is a plain file copy: it does not
// close or reopen any open Store, so the caller must not hold a Store open
// on dstPath while restoring.
func Restore(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("knowledge: restore open src: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o700); err != nil {
		return fmt.Errorf("knowledge: restore mkdir: %w", err)
	}
	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("knowledge: restore create dst: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("knowledge: restore copy: %w", err)
	}
	return nil
}
