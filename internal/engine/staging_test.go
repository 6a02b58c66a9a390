package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltdb/quilt/internal/op"
)

func TestStaging_IsolatedUntilCommit(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	require.NoError(t, e.OpenStaging("draft"))
	_, err := e.Stage(ctx, "draft",
		op.CreateEntity{Entity: "e1"},
		op.SetField{Entity: "e1", Field: "x", Value: op.String("staged")},
	)
	require.NoError(t, err)

	// Canonical state never sees un-promoted edits.
	st, err := e.Snapshot(ctx)
	require.NoError(t, err)
	_, ok := st.Entity("e1")
	assert.False(t, ok)

	// The staged view merges canonical plus exactly this context.
	staged, err := e.SnapshotStaged(ctx, "draft")
	require.NoError(t, err)
	f, ok := staged.Field("e1", "x")
	require.True(t, ok)
	assert.Equal(t, op.String("staged"), f.Render())

	cs, err := e.CommitStaging(ctx, "draft")
	require.NoError(t, err)
	assert.True(t, cs.Empty())

	st, err = e.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, st.Live("e1"))

	// The context closed with the commit.
	_, err = e.SnapshotStaged(ctx, "draft")
	require.Error(t, err)
}

func TestStaging_ContextsNeverSeeEachOther(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	require.NoError(t, e.OpenStaging("a"))
	require.NoError(t, e.OpenStaging("b"))

	_, err := e.Stage(ctx, "a", op.CreateEntity{Entity: "only-in-a"})
	require.NoError(t, err)

	viewB, err := e.SnapshotStaged(ctx, "b")
	require.NoError(t, err)
	_, ok := viewB.Entity("only-in-a")
	assert.False(t, ok)

	// A second stage into "b" referencing a's entity must fail: isolation
	// applies to validation too.
	_, err = e.Stage(ctx, "b",
		op.SetField{Entity: "only-in-a", Field: "x", Value: op.String("v")})
	require.Error(t, err)
	assert.Equal(t, ErrCodeEntityMissing, ApplyCodeOf(err))
}

func TestStaging_LaterBundlesSeeEarlierOnes(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	require.NoError(t, e.OpenStaging("draft"))
	_, err := e.Stage(ctx, "draft", op.CreateEntity{Entity: "e1"})
	require.NoError(t, err)
	_, err = e.Stage(ctx, "draft",
		op.SetField{Entity: "e1", Field: "x", Value: op.String("v")})
	require.NoError(t, err)

	cs, err := e.CommitStaging(ctx, "draft")
	require.NoError(t, err)
	assert.True(t, cs.Empty())
}

func TestStaging_DiscardDropsEverything(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)

	require.NoError(t, e.OpenStaging("scratch"))
	_, err := e.Stage(ctx, "scratch", op.CreateEntity{Entity: "e1"})
	require.NoError(t, err)

	e.DiscardStaging("scratch")

	recs, err := s.ReadCanonical(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = e.CommitStaging(ctx, "scratch")
	require.Error(t, err)
}

func TestStaging_DuplicateOpenRefused(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.OpenStaging("x"))
	require.Error(t, e.OpenStaging("x"))
}
