package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quiltdb/quilt/internal/op"
)

// AppendOptions qualifies an AppendBundle call.
type AppendOptions struct {
	// Source tags the reception-log entries: "local" for author writes,
	// otherwise the sending peer's actor ID.
	Source string

	// Stale flags operations that arrived older than the staleness
	// threshold, keyed by op_id.
	Stale map[string]bool

	// Purged flags operations replicated without payload bytes (the
	// sender had already garbage collected them). Stored with a NULL
	// payload, same as a locally purged operation.
	Purged map[string]bool
}

// AppendBundle durably appends a bundle in a single transaction: the
// bundle either becomes fully visible or leaves no trace. Re-appending an
// already-stored bundle (duplicate delivery) is a no-op per operation via
// ON CONFLICT DO NOTHING.
//
// Returns the number of operations actually inserted (0 for a pure
// duplicate).
func (s *Store) AppendBundle(ctx context.Context, b *op.Bundle, opts AppendOptions) (int, error) {
	if len(b.Ops) == 0 {
		return 0, fmt.Errorf("append bundle %s: empty", b.ID)
	}
	source := opts.Source
	if source == "" {
		source = "local"
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append bundle %s: begin tx: %w", b.ID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bundles (id, actor_id, op_count, committed, created_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(id) DO NOTHING
	`, b.ID, string(b.Actor), len(b.Ops), now); err != nil {
		return 0, fmt.Errorf("append bundle %s: insert bundle: %w", b.ID, err)
	}

	inserted := 0
	for i := range b.Ops {
		o := &b.Ops[i]
		var payloadJSON any
		if !opts.Purged[o.ID] {
			payloadJSON, err = marshalPayload(o.Payload)
			if err != nil {
				return 0, fmt.Errorf("append bundle %s: op %s: %w", b.ID, o.ID, err)
			}
		}
		contextJSON, err := marshalContext(o.Context)
		if err != nil {
			return 0, fmt.Errorf("append bundle %s: op %s: %w", b.ID, o.ID, err)
		}

		stale := 0
		if opts.Stale[o.ID] {
			stale = 1
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO operations
			(op_id, bundle_id, actor_id, hlc, payload, context, schema_version, signature, stale)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(op_id) DO NOTHING
		`,
			o.ID,
			b.ID,
			string(o.Actor),
			o.HLC.String(),
			payloadJSON,
			contextJSON,
			o.SchemaVersion,
			o.Signature,
			stale,
		)
		if err != nil {
			return 0, fmt.Errorf("append bundle %s: insert op %s: %w", b.ID, o.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("append bundle %s: rows affected: %w", b.ID, err)
		}
		if n > 0 {
			inserted++
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO reception_log (op_id, source, received_at)
				VALUES (?, ?, ?)
			`, o.ID, source, now); err != nil {
				return 0, fmt.Errorf("append bundle %s: reception log: %w", b.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append bundle %s: commit: %w", b.ID, err)
	}
	return inserted, nil
}

// PurgePayloads blanks the payload bytes of the given operations, keeping
// their identity, timestamps, signatures, and canonical positions intact.
// Used by conflict GC on losing-branch operations after the retention
// window.
func (s *Store) PurgePayloads(ctx context.Context, opIDs []string) (int64, error) {
	if len(opIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(opIDs)), ",")
	args := make([]any, len(opIDs))
	for i, id := range opIDs {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET payload = NULL WHERE op_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("purge payloads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge payloads: rows affected: %w", err)
	}
	return n, nil
}

// Quarantine stores a rejected operation's raw bytes for diagnosis.
// Duplicate quarantine of the same op_id keeps the first entry.
func (s *Store) Quarantine(ctx context.Context, opID string, reason op.RejectCode, detail string, raw []byte) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quarantine (op_id, reason, detail, raw, quarantined_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(op_id) DO NOTHING
	`, opID, string(reason), detail, raw, now)
	if err != nil {
		return fmt.Errorf("quarantine op %s: %w", opID, err)
	}
	return nil
}

// ReleaseQuarantine removes a quarantine entry, typically after a valid
// copy of the operation was re-fetched from another peer.
func (s *Store) ReleaseQuarantine(ctx context.Context, opID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM quarantine WHERE op_id = ?`, opID); err != nil {
		return fmt.Errorf("release quarantine op %s: %w", opID, err)
	}
	return nil
}
