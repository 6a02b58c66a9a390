package op

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/identity"
	"github.com/quiltdb/quilt/internal/vclock"
)

func newTestOp(t *testing.T, kp *identity.Keypair, h hlc.HLC, p Payload) Operation {
	t.Helper()
	o := Operation{
		ID:            NewID(),
		Actor:         kp.ActorID(),
		HLC:           h,
		Payload:       p,
		Context:       vclock.New(),
		SchemaVersion: SchemaVersion,
	}
	require.NoError(t, o.Sign(kp))
	return o
}

func TestOperation_SignVerify(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)

	o := newTestOp(t, kp, hlc.HLC{Wall: 1000}, SetField{
		Entity: "e1", Field: "status", Value: String("todo"),
	})
	assert.True(t, o.VerifySignature())

	// Tampering with any signed component invalidates the signature.
	tampered := o
	tampered.Payload = SetField{Entity: "e1", Field: "status", Value: String("done")}
	assert.False(t, tampered.VerifySignature())

	tampered = o
	tampered.HLC = hlc.HLC{Wall: 2000}
	assert.False(t, tampered.VerifySignature())
}

func TestOperation_SignRejectsWrongKeypair(t *testing.T) {
	kp1, err := identity.Generate()
	require.NoError(t, err)
	kp2, err := identity.Generate()
	require.NoError(t, err)

	o := Operation{
		ID:            NewID(),
		Actor:         kp1.ActorID(),
		HLC:           hlc.HLC{Wall: 1},
		Payload:       CreateEntity{Entity: "e1"},
		SchemaVersion: SchemaVersion,
	}
	assert.Error(t, o.Sign(kp2))
}

func TestCanonicalOrder_IndependentOfInsertion(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)

	ops := []*Operation{}
	for i := 0; i < 20; i++ {
		o := newTestOp(t, kp, hlc.HLC{Wall: int64(1000 - i*10)}, CreateEntity{Entity: "e"})
		ops = append(ops, &o)
	}

	sorted := append([]*Operation(nil), ops...)
	slices.SortFunc(sorted, Compare)

	shuffled := append([]*Operation(nil), ops...)
	slices.Reverse(shuffled)
	slices.SortFunc(shuffled, Compare)

	assert.Equal(t, sorted, shuffled, "canonical order must not depend on input order")
	for i := 1; i < len(sorted); i++ {
		assert.True(t, Less(sorted[i-1], sorted[i]))
	}
}

func TestCanonicalOrder_HLCTieBreaksOnID(t *testing.T) {
	a := &Operation{ID: "0191a000-0000-7000-8000-000000000001", HLC: hlc.HLC{Wall: 5}}
	b := &Operation{ID: "0191a000-0000-7000-8000-000000000002", HLC: hlc.HLC{Wall: 5}}

	assert.True(t, Less(a, b))
	assert.False(t, Less(b, a))
}

func TestNewID_TimeSortable(t *testing.T) {
	prev := NewID()
	for i := 0; i < 100; i++ {
		next := NewID()
		assert.LessOrEqual(t, prev, next, "UUIDv7 IDs must be non-decreasing")
		prev = next
	}
}

func TestPayload_EncodeDecode(t *testing.T) {
	payloads := []Payload{
		CreateEntity{Entity: "e1"},
		DeleteEntity{Entity: "e1", CascadedEdges: []string{"edge1", "edge2"}},
		SetField{Entity: "e1", Field: "title", Value: String("hello")},
		ClearField{Entity: "e1", Field: "title"},
		CrdtDelta{Entity: "e1", Field: "notes", FieldKind: FieldCrdtText,
			Delta: Object{"insert": String("x")}},
		ClearAndAdd{Entity: "e1", Field: "tags", Values: Array{String("a")},
			AsOf: hlc.HLC{Wall: 99}},
		CreateEdge{Edge: "ed1", From: "e1", To: "e2", Rel: "items", Position: "m"},
		MoveEdge{Edge: "ed1", Position: "t"},
		ResolveConflict{Conflict: "c1", Entity: "e1", Field: "status",
			ChosenOp: "op9", ChosenValue: String("done"), LosingOps: []string{"op3"}},
	}

	for _, p := range payloads {
		obj, err := EncodePayload(p)
		require.NoError(t, err, "%T", p)

		decoded, err := DecodePayload(obj)
		require.NoError(t, err, "%T", p)
		assert.Equal(t, p.Kind(), decoded.Kind())
		assert.Equal(t, p, decoded, "%T round trip", p)
	}
}

func TestCrdtDelta_RejectsPlainFieldKind(t *testing.T) {
	_, err := EncodePayload(CrdtDelta{
		Entity: "e1", Field: "f", FieldKind: FieldPlain, Delta: Object{},
	})
	assert.Error(t, err)
}

func TestBundle_Validate(t *testing.T) {
	kp, err := identity.Generate()
	require.NoError(t, err)
	other, err := identity.Generate()
	require.NoError(t, err)

	good := newTestOp(t, kp, hlc.HLC{Wall: 1}, CreateEntity{Entity: "e1"})

	b := &Bundle{ID: NewBundleID(), Actor: kp.ActorID(), Ops: []Operation{good}}
	assert.NoError(t, b.Validate())

	empty := &Bundle{ID: NewBundleID(), Actor: kp.ActorID()}
	assert.Error(t, empty.Validate())

	foreign := newTestOp(t, other, hlc.HLC{Wall: 2}, CreateEntity{Entity: "e2"})
	mixed := &Bundle{ID: NewBundleID(), Actor: kp.ActorID(), Ops: []Operation{good, foreign}}
	assert.Error(t, mixed.Validate(), "bundle must have a single author")

	unsigned := good
	unsigned.Signature = nil
	ub := &Bundle{ID: NewBundleID(), Actor: kp.ActorID(), Ops: []Operation{unsigned}}
	err = ub.Validate()
	assert.True(t, IsSignatureInvalid(err))

	stale := good
	stale.SchemaVersion = 99
	sb := &Bundle{ID: NewBundleID(), Actor: kp.ActorID(), Ops: []Operation{stale}}
	assert.True(t, IsSchemaVersionMismatch(sb.Validate()))
}

func TestConflictID_StableAcrossTipOrder(t *testing.T) {
	id1, err := ConflictID("e1", "status", []string{"opA", "opB"})
	require.NoError(t, err)
	id2, err := ConflictID("e1", "status", []string{"opB", "opA"})
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "conflict ID must not depend on tip enumeration order")

	id3, err := ConflictID("e1", "status", []string{"opA", "opC"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestOplogHeadHash(t *testing.T) {
	h1 := OplogHeadHash([]string{"a", "b"})
	h2 := OplogHeadHash([]string{"a", "b"})
	h3 := OplogHeadHash([]string{"b", "a"})
	hx := OplogHeadHash([]string{"ab"})

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3, "head hash is order-sensitive")
	assert.NotEqual(t, h1, hx, "separator must prevent concatenation ambiguity")
}
