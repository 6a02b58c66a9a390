package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/identity"
	"github.com/quiltdb/quilt/internal/vclock"
)

// ReadCanonical returns every stored operation in canonical (hlc, op_id)
// order - the replay order, identical on every peer holding the same
// operation set regardless of how operations arrived.
func (s *Store) ReadCanonical(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM operations
		ORDER BY hlc, op_id
	`)
	if err != nil {
		return nil, fmt.Errorf("read canonical: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// GetOperation fetches a single operation by ID.
func (s *Store) GetOperation(ctx context.Context, opID string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM operations WHERE op_id = ?
	`, opID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get operation %s: %w", opID, err)
	}
	return rec, true, nil
}

// HasOperation reports whether an operation is already integrated.
func (s *Store) HasOperation(ctx context.Context, opID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operations WHERE op_id = ?`, opID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("has operation %s: %w", opID, err)
	}
	return count > 0, nil
}

// ActorOpsAfter returns an actor's operations with HLC strictly greater
// than after, in canonical order. This is the sync-delta primitive: a
// remote vector clock entry maps directly onto one call per actor.
// A zero HLC returns the actor's entire history.
func (s *Store) ActorOpsAfter(ctx context.Context, actor identity.ActorID, after hlc.HLC) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM operations
		WHERE actor_id = ? AND hlc > ?
		ORDER BY hlc, op_id
	`, string(actor), after.String())
	if err != nil {
		return nil, fmt.Errorf("actor ops after: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Summary computes this peer's vector clock: the newest HLC stored per
// actor.
func (s *Store) Summary(ctx context.Context) (vclock.VClock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT actor_id, MAX(hlc) FROM operations GROUP BY actor_id
	`)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	vc := vclock.New()
	for rows.Next() {
		var actor, hlcHex string
		if err := rows.Scan(&actor, &hlcHex); err != nil {
			return nil, fmt.Errorf("summary: scan: %w", err)
		}
		h, err := hlc.Parse(hlcHex)
		if err != nil {
			return nil, fmt.Errorf("summary: actor %s: %w", actor, err)
		}
		vc.Observe(identity.ActorID(actor), h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	return vc, nil
}

// CanonicalOpIDs returns all operation IDs in canonical order, the input
// to the oplog-head hash.
func (s *Store) CanonicalOpIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT op_id FROM operations ORDER BY hlc, op_id`)
	if err != nil {
		return nil, fmt.Errorf("canonical op ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("canonical op ids: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("canonical op ids: %w", err)
	}
	return ids, nil
}

// BundleRecords returns the operations of one bundle in canonical order.
func (s *Store) BundleRecords(ctx context.Context, bundleID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM operations
		WHERE bundle_id = ?
		ORDER BY hlc, op_id
	`, bundleID)
	if err != nil {
		return nil, fmt.Errorf("bundle records %s: %w", bundleID, err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// QuarantineEntry is one rejected-but-preserved operation.
type QuarantineEntry struct {
	OpID          string
	Reason        string
	Detail        string
	Raw           []byte
	QuarantinedAt string
}

// Quarantined lists all quarantined operations, oldest first.
func (s *Store) Quarantined(ctx context.Context) ([]QuarantineEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op_id, reason, detail, raw, quarantined_at
		FROM quarantine ORDER BY quarantined_at, op_id
	`)
	if err != nil {
		return nil, fmt.Errorf("quarantined: %w", err)
	}
	defer rows.Close()

	var out []QuarantineEntry
	for rows.Next() {
		var e QuarantineEntry
		if err := rows.Scan(&e.OpID, &e.Reason, &e.Detail, &e.Raw, &e.QuarantinedAt); err != nil {
			return nil, fmt.Errorf("quarantined: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quarantined: %w", err)
	}
	return out, nil
}

// ReceptionEntry is one row of the reception-order audit log.
type ReceptionEntry struct {
	Seq        int64
	OpID       string
	Source     string
	ReceivedAt string
}

// ReceptionLog returns reception-order entries, oldest first. limit <= 0
// returns everything.
func (s *Store) ReceptionLog(ctx context.Context, limit int) ([]ReceptionEntry, error) {
	query := `SELECT seq, op_id, source, received_at FROM reception_log ORDER BY seq`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reception log: %w", err)
	}
	defer rows.Close()

	var out []ReceptionEntry
	for rows.Next() {
		var e ReceptionEntry
		if err := rows.Scan(&e.Seq, &e.OpID, &e.Source, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("reception log: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reception log: %w", err)
	}
	return out, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
