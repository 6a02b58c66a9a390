package sync

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/identity"
	"github.com/quiltdb/quilt/internal/op"
	"github.com/quiltdb/quilt/internal/store"
	"github.com/quiltdb/quilt/internal/vclock"
)

// pipeTransport joins two sessions in memory. Frames cross as JSON bytes
// so the wire encoding is exercised end to end.
type pipeTransport struct {
	send chan<- []byte
	recv <-chan []byte
	done chan struct{}
	once *stdsync.Once
}

func newPipe() (*pipeTransport, *pipeTransport) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	done := make(chan struct{})
	once := &stdsync.Once{}
	a := &pipeTransport{send: ab, recv: ba, done: done, once: once}
	b := &pipeTransport{send: ba, recv: ab, done: done, once: once}
	return a, b
}

func (p *pipeTransport) Send(m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return errors.New("pipe closed")
	case p.send <- data:
		return nil
	}
}

func (p *pipeTransport) Receive() (*Message, error) {
	select {
	case <-p.done:
		return nil, errors.New("pipe closed")
	case data := <-p.recv:
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	}
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// corruptOnce mangles the payload of the first bundle frame it receives,
// simulating transit corruption that a re-fetch repairs.
type corruptOnce struct {
	Transport
	hit bool
}

func (c *corruptOnce) Receive() (*Message, error) {
	m, err := c.Transport.Receive()
	if err != nil {
		return nil, err
	}
	if !c.hit && m.Type == MsgBundle && len(m.Bundle.Ops) > 0 {
		c.hit = true
		m.Bundle.Ops[0].Payload = json.RawMessage(`"garbled"`)
	}
	return m, nil
}

type peer struct {
	kp    *identity.Keypair
	store *store.Store
	clock *hlc.Clock
	cfg   *Config
}

func newPeer(t *testing.T, workspace string) *peer {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "quilt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	kp, err := identity.Generate()
	require.NoError(t, err)

	clock := hlc.NewClock()
	return &peer{
		kp:    kp,
		store: s,
		clock: clock,
		cfg: &Config{
			Workspace: workspace,
			Actor:     kp.ActorID(),
			Store:     s,
			Clock:     clock,
			Timeout:   10 * time.Second,
		},
	}
}

func (p *peer) signedOp(t *testing.T, wall int64, payload op.Payload) op.Operation {
	t.Helper()
	o := op.Operation{
		ID:            op.NewID(),
		Actor:         p.kp.ActorID(),
		HLC:           hlc.HLC{Wall: wall},
		Payload:       payload,
		Context:       vclock.New(),
		SchemaVersion: op.SchemaVersion,
	}
	require.NoError(t, o.Sign(p.kp))
	return o
}

func (p *peer) commit(t *testing.T, ops ...op.Operation) *op.Bundle {
	t.Helper()
	b := &op.Bundle{ID: op.NewBundleID(), Actor: p.kp.ActorID(), Ops: ops}
	_, err := p.store.AppendBundle(context.Background(), b, store.AppendOptions{})
	require.NoError(t, err)
	return b
}

// runBoth executes one session on each end of a transport pair.
func runBoth(t *testing.T, a, b *peer, ta, tb Transport) (*Outcome, *Outcome, error, error) {
	t.Helper()
	var (
		wg         stdsync.WaitGroup
		outA, outB *Outcome
		errA, errB error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		outA, errA = NewSession(a.cfg, ta).Run(context.Background())
	}()
	go func() {
		defer wg.Done()
		outB, errB = NewSession(b.cfg, tb).Run(context.Background())
	}()
	wg.Wait()
	return outA, outB, errA, errB
}

func wallMS(t time.Time) int64 { return t.UnixMilli() }

func TestSession_TwoPeersConverge(t *testing.T) {
	ctx := context.Background()
	now := wallMS(time.Now())
	a := newPeer(t, "ws-1")
	b := newPeer(t, "ws-1")

	a.commit(t,
		a.signedOp(t, now-3000, op.CreateEntity{Entity: "task-1"}),
		a.signedOp(t, now-2900, op.SetField{Entity: "task-1", Field: "title", Value: op.String("draft")}),
	)
	a.commit(t,
		a.signedOp(t, now-2000, op.SetField{Entity: "task-1", Field: "status", Value: op.String("open")}),
	)
	b.commit(t,
		b.signedOp(t, now-2500, op.CreateEntity{Entity: "task-2"}),
	)

	ta, tb := newPipe()
	outA, outB, errA, errB := runBoth(t, a, b, ta, tb)
	require.NoError(t, errA)
	require.NoError(t, errB)

	assert.Equal(t, 3, outA.Sent)
	assert.Equal(t, 1, outA.Received)
	assert.Equal(t, 1, outB.Sent)
	assert.Equal(t, 3, outB.Received)
	assert.True(t, outA.HeadMatch, "oplog heads must match after exchange")
	assert.True(t, outA.StateMatch, "state hashes must match after exchange")
	assert.True(t, outB.HeadMatch)
	assert.True(t, outB.StateMatch)

	idsA, err := a.store.CanonicalOpIDs(ctx)
	require.NoError(t, err)
	idsB, err := b.store.CanonicalOpIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, idsA, idsB, "both peers must hold the identical canonical log")
}

func TestSession_ThreePeerPartitionReconverges(t *testing.T) {
	ctx := context.Background()
	now := wallMS(time.Now())

	// Pairwise gossip must reach the same log on every peer regardless of
	// which pairs talk first.
	orders := []struct {
		name   string
		rounds [][2]int
	}{
		{"ring", [][2]int{{0, 1}, {1, 2}, {2, 0}}},
		{"tail_first", [][2]int{{1, 2}, {0, 1}, {0, 2}}},
	}

	for _, order := range orders {
		t.Run(order.name, func(t *testing.T) {
			peers := []*peer{newPeer(t, "ws-1"), newPeer(t, "ws-1"), newPeer(t, "ws-1")}

			// Each peer edits in isolation before any pair reconnects.
			peers[0].commit(t,
				peers[0].signedOp(t, now-9000, op.CreateEntity{Entity: "board"}),
				peers[0].signedOp(t, now-8900, op.SetField{Entity: "board", Field: "title", Value: op.String("launch")}),
			)
			peers[1].commit(t,
				peers[1].signedOp(t, now-8000, op.CreateEntity{Entity: "note-b"}),
			)
			peers[2].commit(t,
				peers[2].signedOp(t, now-7000, op.CreateEntity{Entity: "note-c"}),
			)

			for _, r := range order.rounds {
				ta, tb := newPipe()
				_, _, errA, errB := runBoth(t, peers[r[0]], peers[r[1]], ta, tb)
				require.NoError(t, errA)
				require.NoError(t, errB)
			}

			want, err := peers[0].store.CanonicalOpIDs(ctx)
			require.NoError(t, err)
			require.Len(t, want, 4)
			for i := 1; i < len(peers); i++ {
				got, err := peers[i].store.CanonicalOpIDs(ctx)
				require.NoError(t, err)
				assert.Equal(t, want, got, "peer %d diverged", i)
			}

			// A final exchange has nothing left to send and matching
			// digests, confirming derived state converged too.
			ta, tb := newPipe()
			outA, outB, errA, errB := runBoth(t, peers[0], peers[1], ta, tb)
			require.NoError(t, errA)
			require.NoError(t, errB)
			assert.Zero(t, outA.Sent)
			assert.Zero(t, outB.Sent)
			assert.True(t, outA.HeadMatch && outA.StateMatch)
			assert.True(t, outB.HeadMatch && outB.StateMatch)
		})
	}
}

func TestSession_AlreadyInSync(t *testing.T) {
	now := wallMS(time.Now())
	a := newPeer(t, "ws-1")
	b := newPeer(t, "ws-1")

	// Same bundle on both sides before the session starts.
	o := a.signedOp(t, now-1000, op.CreateEntity{Entity: "shared"})
	bundle := a.commit(t, o)
	_, err := b.store.AppendBundle(context.Background(), bundle, store.AppendOptions{})
	require.NoError(t, err)

	ta, tb := newPipe()
	outA, outB, errA, errB := runBoth(t, a, b, ta, tb)
	require.NoError(t, errA)
	require.NoError(t, errB)

	assert.Zero(t, outA.Sent)
	assert.Zero(t, outA.Received)
	assert.Zero(t, outB.Received)
	assert.True(t, outA.HeadMatch)
	assert.True(t, outA.StateMatch)
}

func TestSession_WorkspaceMismatchRefused(t *testing.T) {
	a := newPeer(t, "ws-1")
	b := newPeer(t, "ws-2")

	ta, tb := newPipe()
	_, _, errA, errB := runBoth(t, a, b, ta, tb)
	require.Error(t, errA)
	require.Error(t, errB)
	assert.Contains(t, errA.Error(), "workspace mismatch")
}

func TestSession_RefetchRepairsTransitCorruption(t *testing.T) {
	ctx := context.Background()
	now := wallMS(time.Now())
	a := newPeer(t, "ws-1")
	b := newPeer(t, "ws-1")

	a.commit(t,
		a.signedOp(t, now-5000, op.CreateEntity{Entity: "doc"}),
		a.signedOp(t, now-4900, op.SetField{Entity: "doc", Field: "title", Value: op.String("ok")}),
	)

	ta, tb := newPipe()
	outA, outB, errA, errB := runBoth(t, a, b, ta, &corruptOnce{Transport: tb})
	require.NoError(t, errA)
	require.NoError(t, errB)

	assert.True(t, outA.HeadMatch)
	assert.True(t, outB.HeadMatch)
	assert.Equal(t, 2, outB.Received, "retry must integrate the full bundle")
	assert.NotEmpty(t, outB.Quarantined, "the corrupt first copy was quarantined")

	// The clean retry released the quarantine entry.
	entries, err := b.store.Quarantined(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIngest_BadSignatureRejectsWholeBundle(t *testing.T) {
	ctx := context.Background()
	now := wallMS(time.Now())
	a := newPeer(t, "ws-1")
	b := newPeer(t, "ws-1")

	good := a.signedOp(t, now-2000, op.CreateEntity{Entity: "e1"})
	bad := a.signedOp(t, now-1900, op.SetField{Entity: "e1", Field: "x", Value: op.String("v")})
	bad.Signature[0] ^= 0xff

	wb := wireBundleFor(t, a, good, bad)
	ing := NewIngestor(b.store, b.clock, nil, nil, 0, 0)

	res, err := ing.IngestBundle(ctx, wb, "peer")
	require.NoError(t, err)
	assert.True(t, res.Rejected())
	assert.Equal(t, op.RejectSignatureInvalid, res.Reject.Code)
	assert.Equal(t, []string{bad.ID}, res.Quarantined)
	assert.Zero(t, res.Integrated)

	// All or nothing: the good operation must not land either.
	has, err := b.store.HasOperation(ctx, good.ID)
	require.NoError(t, err)
	assert.False(t, has)

	entries, err := b.store.Quarantined(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(op.RejectSignatureInvalid), entries[0].Reason)
}

func TestIngest_FutureDriftRejectedWithoutQuarantine(t *testing.T) {
	ctx := context.Background()
	fixed := time.Now()
	a := newPeer(t, "ws-1")
	b := newPeer(t, "ws-1")

	ahead := a.signedOp(t, wallMS(fixed.Add(10*time.Minute)), op.CreateEntity{Entity: "e1"})
	wb := wireBundleFor(t, a, ahead)

	ing := NewIngestor(b.store, b.clock, nil, func() time.Time { return fixed }, 0, 0)
	res, err := ing.IngestBundle(ctx, wb, "peer")
	require.NoError(t, err)
	assert.True(t, res.Rejected())
	assert.Equal(t, op.RejectClockDrift, res.Reject.Code)
	assert.Empty(t, res.Quarantined, "drift rejections are resent later, not quarantined")

	// The local clock must be untouched by the rejected HLC.
	assert.Zero(t, b.clock.State().Wall)
}

func TestIngest_StaleOperationFlaggedButIntegrated(t *testing.T) {
	ctx := context.Background()
	fixed := time.Now()
	a := newPeer(t, "ws-1")
	b := newPeer(t, "ws-1")

	old := a.signedOp(t, wallMS(fixed.Add(-8*24*time.Hour)), op.CreateEntity{Entity: "e1"})
	wb := wireBundleFor(t, a, old)

	ing := NewIngestor(b.store, b.clock, nil, func() time.Time { return fixed }, 0, 0)
	res, err := ing.IngestBundle(ctx, wb, "peer")
	require.NoError(t, err)
	assert.False(t, res.Rejected())
	assert.Equal(t, 1, res.Integrated)
	assert.Equal(t, []string{old.ID}, res.StaleFlagged)

	rec, ok, err := b.store.GetOperation(ctx, old.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Stale)
}

func TestIngest_PurgedOperationReplicates(t *testing.T) {
	ctx := context.Background()
	now := wallMS(time.Now())
	a := newPeer(t, "ws-1")
	b := newPeer(t, "ws-1")

	o := a.signedOp(t, now-1000, op.SetField{Entity: "e1", Field: "x", Value: op.String("lost")})
	wb := wireBundleFor(t, a, o)
	wb.Ops[0].Payload = nil // sender had already purged this payload

	ing := NewIngestor(b.store, b.clock, nil, nil, 0, 0)
	res, err := ing.IngestBundle(ctx, wb, "peer")
	require.NoError(t, err)
	assert.False(t, res.Rejected())
	assert.Equal(t, 1, res.Integrated)

	rec, ok, err := b.store.GetOperation(ctx, o.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Purged)
	assert.Equal(t, o.HLC, rec.Op.HLC, "identity and position survive payload loss")
}

func TestIngest_SchemaVersionMismatchQuarantined(t *testing.T) {
	ctx := context.Background()
	now := wallMS(time.Now())
	a := newPeer(t, "ws-1")
	b := newPeer(t, "ws-1")

	o := a.signedOp(t, now-1000, op.CreateEntity{Entity: "e1"})
	wb := wireBundleFor(t, a, o)
	wb.Ops[0].SchemaVersion = 99

	ing := NewIngestor(b.store, b.clock, nil, nil, 0, 0)
	res, err := ing.IngestBundle(ctx, wb, "peer")
	require.NoError(t, err)
	assert.True(t, res.Rejected())
	assert.Equal(t, op.RejectSchemaVersion, res.Reject.Code)
	assert.Equal(t, []string{o.ID}, res.Quarantined)
}

func TestBundleWire_GroupsConsecutiveRuns(t *testing.T) {
	ctx := context.Background()
	now := wallMS(time.Now())
	a := newPeer(t, "ws-1")

	b1 := a.commit(t,
		a.signedOp(t, now-3000, op.CreateEntity{Entity: "e1"}),
		a.signedOp(t, now-2900, op.CreateEntity{Entity: "e2"}),
	)
	b2 := a.commit(t,
		a.signedOp(t, now-2000, op.CreateEntity{Entity: "e3"}),
	)

	records, err := a.store.ActorOpsAfter(ctx, a.kp.ActorID(), hlc.HLC{})
	require.NoError(t, err)
	require.Len(t, records, 3)

	bundles, err := bundleWire(records)
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	assert.Equal(t, b1.ID, bundles[0].ID)
	assert.Len(t, bundles[0].Ops, 2)
	assert.Equal(t, b2.ID, bundles[1].ID)
	assert.Len(t, bundles[1].Ops, 1)
}

func TestWireOp_RoundTripPreservesSignature(t *testing.T) {
	now := wallMS(time.Now())
	a := newPeer(t, "ws-1")

	o := a.signedOp(t, now-1000, op.SetField{Entity: "e1", Field: "x", Value: op.String("v")})
	wb := wireBundleFor(t, a, o)

	data, err := json.Marshal(wb)
	require.NoError(t, err)
	var back WireBundle
	require.NoError(t, json.Unmarshal(data, &back))

	decoded, purged, err := decodeWireOp(&back.Ops[0])
	require.NoError(t, err)
	assert.False(t, purged)
	assert.True(t, decoded.VerifySignature(), "signature must survive the wire")
	assert.Equal(t, o.HLC, decoded.HLC)
}

func TestElection_LowestHashWinsAndEpochsFence(t *testing.T) {
	now := time.Now()
	a := identity.ActorID("aaaa")
	b := identity.ActorID("bbbb")

	ea := NewElection(a, 0)
	eb := NewElection(b, 0)

	leaderA, _ := ea.Elect([]identity.ActorID{b}, now)
	leaderB, _ := eb.Elect([]identity.ActorID{a}, now)
	assert.Equal(t, leaderA, leaderB, "same peer set and epoch must elect the same leader")

	got, ok := ea.Leader(now.Add(time.Second))
	assert.True(t, ok)
	assert.Equal(t, leaderA, got)

	// Heartbeat timeout expires leadership.
	_, ok = ea.Leader(now.Add(HeartbeatTimeout + time.Second))
	assert.False(t, ok)

	// A stale-epoch heartbeat cannot resurrect an old leader.
	next, _ := ea.Elect([]identity.ActorID{b}, now.Add(6*time.Second))
	ea.Observe(&Heartbeat{Leader: "zzzz", Epoch: 0}, now.Add(7*time.Second))
	cur, ok := ea.Leader(now.Add(7*time.Second))
	assert.True(t, ok)
	assert.Equal(t, next, cur)
}

func TestElection_OnlyLeaderBeats(t *testing.T) {
	now := time.Now()
	a := identity.ActorID("aaaa")

	e := NewElection(a, 0)
	leader, isLeader := e.Elect(nil, now)
	require.Equal(t, a, leader)
	require.True(t, isLeader)

	hb := e.Beat(now.Add(time.Second))
	require.NotNil(t, hb)
	assert.Equal(t, a, hb.Leader)

	// A follower never emits heartbeats.
	f := NewElection(identity.ActorID("ffff"), 0)
	f.Observe(&Heartbeat{Leader: a, Epoch: 5}, now)
	assert.Nil(t, f.Beat(now.Add(time.Second)))
}

func TestSession_LeaderHeartbeatPropagates(t *testing.T) {
	now := time.Now()
	a := newPeer(t, "ws-1")
	b := newPeer(t, "ws-1")

	ea := NewElection(a.kp.ActorID(), 0)
	leader, isLeader := ea.Elect(nil, now)
	require.Equal(t, a.kp.ActorID(), leader)
	require.True(t, isLeader)
	a.cfg.Election = ea

	eb := NewElection(b.kp.ActorID(), 0)
	b.cfg.Election = eb

	ta, tb := newPipe()
	_, _, errA, errB := runBoth(t, a, b, ta, tb)
	require.NoError(t, errA)
	require.NoError(t, errB)

	got, ok := eb.Leader(time.Now())
	require.True(t, ok, "the session must have folded the leader's heartbeat")
	assert.Equal(t, a.kp.ActorID(), got)
}

// wireBundleFor packs freshly signed ops into a wire bundle without going
// through a store, for ingest-pipeline tests.
func wireBundleFor(t *testing.T, p *peer, ops ...op.Operation) *WireBundle {
	t.Helper()
	wb := &WireBundle{ID: op.NewBundleID(), Actor: p.kp.ActorID()}
	for i := range ops {
		rec := store.Record{Op: ops[i]}
		w, err := encodeRecord(&rec)
		require.NoError(t, err)
		wb.Ops = append(wb.Ops, w)
	}
	return wb
}
