package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/identity"
	"github.com/quiltdb/quilt/internal/op"
	"github.com/quiltdb/quilt/internal/vclock"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "quilt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testKeypair(t *testing.T) *identity.Keypair {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)
	return kp
}

func signedOp(t *testing.T, kp *identity.Keypair, wall int64, p op.Payload) op.Operation {
	t.Helper()
	o := op.Operation{
		ID:            op.NewID(),
		Actor:         kp.ActorID(),
		HLC:           hlc.HLC{Wall: wall},
		Payload:       p,
		Context:       vclock.New(),
		SchemaVersion: op.SchemaVersion,
	}
	require.NoError(t, o.Sign(kp))
	return o
}

func signedBundle(t *testing.T, kp *identity.Keypair, ops ...op.Operation) *op.Bundle {
	t.Helper()
	return &op.Bundle{ID: op.NewBundleID(), Actor: kp.ActorID(), Ops: ops}
}

func TestOpen_CreatesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quilt.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopen is idempotent: schema application and recovery run again.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.DB().QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestAppendBundle_AtomicAndIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	kp := testKeypair(t)

	b := signedBundle(t, kp,
		signedOp(t, kp, 1000, op.CreateEntity{Entity: "e1"}),
		signedOp(t, kp, 1001, op.SetField{Entity: "e1", Field: "title", Value: op.String("x")}),
	)

	inserted, err := s.AppendBundle(ctx, b, AppendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	// Duplicate delivery changes nothing.
	inserted, err = s.AppendBundle(ctx, b, AppendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	recs, err := s.ReadCanonical(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, b.Ops[0].ID, recs[0].Op.ID)
	assert.True(t, recs[0].Op.VerifySignature(), "round-tripped op must still verify")
}

func TestReadCanonical_OrderIndependentOfArrival(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	kp := testKeypair(t)

	// Arrive newest-first; canonical order must come back oldest-first.
	late := signedOp(t, kp, 3000, op.CreateEntity{Entity: "e3"})
	mid := signedOp(t, kp, 2000, op.CreateEntity{Entity: "e2"})
	early := signedOp(t, kp, 1000, op.CreateEntity{Entity: "e1"})

	for _, o := range []op.Operation{late, mid, early} {
		_, err := s.AppendBundle(ctx, signedBundle(t, kp, o), AppendOptions{})
		require.NoError(t, err)
	}

	recs, err := s.ReadCanonical(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{early.ID, mid.ID, late.ID},
		[]string{recs[0].Op.ID, recs[1].Op.ID, recs[2].Op.ID})

	// Reception order is preserved separately for audit.
	log, err := s.ReceptionLog(ctx, 0)
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, late.ID, log[0].OpID)
	assert.Equal(t, "local", log[0].Source)
}

func TestActorOpsAfter_SyncDelta(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	kp := testKeypair(t)

	var ops []op.Operation
	for wall := int64(1000); wall <= 5000; wall += 1000 {
		ops = append(ops, signedOp(t, kp, wall, op.CreateEntity{Entity: "e"}))
	}
	_, err := s.AppendBundle(ctx, signedBundle(t, kp, ops...), AppendOptions{})
	require.NoError(t, err)

	delta, err := s.ActorOpsAfter(ctx, kp.ActorID(), hlc.HLC{Wall: 3000})
	require.NoError(t, err)
	require.Len(t, delta, 2)
	assert.Equal(t, int64(4000), delta[0].Op.HLC.Wall)

	// Zero HLC means the peer knows nothing: full history.
	all, err := s.ActorOpsAfter(ctx, kp.ActorID(), hlc.HLC{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestSummary_NewestHLCPerActor(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	kp1 := testKeypair(t)
	kp2 := testKeypair(t)

	_, err := s.AppendBundle(ctx, signedBundle(t, kp1,
		signedOp(t, kp1, 1000, op.CreateEntity{Entity: "a"}),
		signedOp(t, kp1, 2500, op.CreateEntity{Entity: "b"}),
	), AppendOptions{})
	require.NoError(t, err)
	_, err = s.AppendBundle(ctx, signedBundle(t, kp2,
		signedOp(t, kp2, 1800, op.CreateEntity{Entity: "c"}),
	), AppendOptions{})
	require.NoError(t, err)

	vc, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, hlc.HLC{Wall: 2500}, vc[kp1.ActorID()])
	assert.Equal(t, hlc.HLC{Wall: 1800}, vc[kp2.ActorID()])
}

func TestPurgePayloads_KeepsIdentityAndOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	kp := testKeypair(t)

	loser := signedOp(t, kp, 1000, op.SetField{Entity: "e1", Field: "f", Value: op.String("losing")})
	winner := signedOp(t, kp, 2000, op.SetField{Entity: "e1", Field: "f", Value: op.String("winning")})
	_, err := s.AppendBundle(ctx, signedBundle(t, kp, loser, winner), AppendOptions{})
	require.NoError(t, err)

	n, err := s.PurgePayloads(ctx, []string{loser.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recs, err := s.ReadCanonical(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2, "purged row must not disappear")

	purged := recs[0]
	assert.Equal(t, loser.ID, purged.Op.ID)
	assert.True(t, purged.Purged)
	assert.Nil(t, purged.Op.Payload)
	assert.Equal(t, loser.HLC, purged.Op.HLC, "canonical position survives the purge")

	assert.False(t, recs[1].Purged)
}

func TestQuarantine_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Quarantine(ctx, "op-bad", op.RejectCorrupt, "checksum mismatch", []byte("raw-bytes")))
	// Duplicate keeps the first entry.
	require.NoError(t, s.Quarantine(ctx, "op-bad", op.RejectSignatureInvalid, "later", nil))

	entries, err := s.Quarantined(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(op.RejectCorrupt), entries[0].Reason)
	assert.Equal(t, []byte("raw-bytes"), entries[0].Raw)

	require.NoError(t, s.ReleaseQuarantine(ctx, "op-bad"))
	entries, err = s.Quarantined(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecover_DiscardsIncompleteBundles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "quilt.db")
	s, err := Open(path)
	require.NoError(t, err)
	kp := testKeypair(t)

	committed := signedBundle(t, kp, signedOp(t, kp, 1000, op.CreateEntity{Entity: "keep"}))
	_, err = s.AppendBundle(ctx, committed, AppendOptions{})
	require.NoError(t, err)

	// Simulate a crash mid-bundle: an uncommitted bundle row with one of
	// its operations already on disk.
	_, err = s.DB().Exec(`
		INSERT INTO bundles (id, actor_id, op_count, committed, created_at)
		VALUES ('crashed', ?, 2, 0, '2026-01-01T00:00:00Z')
	`, string(kp.ActorID()))
	require.NoError(t, err)
	orphan := signedOp(t, kp, 2000, op.CreateEntity{Entity: "lost"})
	payloadJSON, err := marshalPayload(orphan.Payload)
	require.NoError(t, err)
	_, err = s.DB().Exec(`
		INSERT INTO operations
		(op_id, bundle_id, actor_id, hlc, payload, context, schema_version, signature, stale)
		VALUES (?, 'crashed', ?, ?, ?, '{}', ?, ?, 0)
	`, orphan.ID, string(kp.ActorID()), orphan.HLC.String(), payloadJSON,
		orphan.SchemaVersion, orphan.Signature)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopen runs recovery: the whole crashed bundle vanishes, never a
	// prefix of it.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	recs, err := s.ReadCanonical(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, committed.Ops[0].ID, recs[0].Op.ID)
}

func TestAppendBundle_StaleFlag(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	kp := testKeypair(t)

	old := signedOp(t, kp, 1000, op.CreateEntity{Entity: "old"})
	b := signedBundle(t, kp, old)
	_, err := s.AppendBundle(ctx, b, AppendOptions{
		Source: "peer-1",
		Stale:  map[string]bool{old.ID: true},
	})
	require.NoError(t, err)

	rec, found, err := s.GetOperation(ctx, old.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.Stale, "stale is a review flag, not a rejection")

	log, err := s.ReceptionLog(ctx, 1)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "peer-1", log[0].Source)
}
