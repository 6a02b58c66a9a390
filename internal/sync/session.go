package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/identity"
	"github.com/quiltdb/quilt/internal/op"
	"github.com/quiltdb/quilt/internal/state"
	"github.com/quiltdb/quilt/internal/store"
)

// DefaultTimeout bounds one sync session end to end. A stalled peer is
// dropped; local state is never affected by a dead connection.
const DefaultTimeout = 30 * time.Second

// Config wires one peer's sync machinery.
type Config struct {
	Workspace string
	Actor     identity.ActorID
	Store     *store.Store
	Clock     *hlc.Clock
	Logger    *slog.Logger

	// Timeout bounds the whole session; zero means DefaultTimeout.
	Timeout time.Duration

	// MaxDrift and StaleThreshold default to the hlc package values.
	MaxDrift       time.Duration
	StaleThreshold time.Duration

	// Election, when set, folds heartbeats from sessions into leader
	// state and broadcasts this peer's own heartbeat while it leads.
	// Leadership is advisory; a nil Election changes nothing about
	// convergence.
	Election *Election
}

func (c *Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.Logger
}

// Outcome summarizes a finished session.
type Outcome struct {
	Peer     identity.ActorID
	Sent     int // operations streamed to the peer
	Received int // operations newly integrated from the peer

	// Hash comparison after both deltas applied.
	HeadMatch   bool
	StateMatch  bool
	LocalHead   string
	RemoteHead  string
	LocalState  string
	RemoteState string

	// Quarantined lists operations preserved for diagnosis this session.
	Quarantined []string
}

// DivergenceError reports identical oplogs that derived different state -
// a replication or derivation bug, surfaced loudly and never reconciled
// silently.
type DivergenceError struct {
	Peer        identity.ActorID
	Head        string
	LocalState  string
	RemoteState string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("state divergence with peer %s: identical oplog head %s derived local state %s, remote state %s",
		e.Peer.Short(), e.Head[:12], e.LocalState[:12], e.RemoteState[:12])
}

// Session runs one pairwise sync exchange over a transport. Sessions are
// single-use.
type Session struct {
	cfg    *Config
	tr     Transport
	ingest *Ingestor
	logger *slog.Logger

	sendMu sync.Mutex
}

// NewSession prepares a session; Run executes it.
func NewSession(cfg *Config, tr Transport) *Session {
	logger := cfg.logger()
	return &Session{
		cfg:    cfg,
		tr:     tr,
		ingest: NewIngestor(cfg.Store, cfg.Clock, logger, nil, cfg.MaxDrift, cfg.StaleThreshold),
		logger: logger,
	}
}

func (s *Session) send(m *Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.tr.Send(m)
}

// Run executes the full protocol: handshake, bidirectional delta streams,
// digest exchange, convergence check. Local writes are never blocked - the
// only store interactions are reads and atomic bundle appends.
func (s *Session) Run(ctx context.Context) (*Outcome, error) {
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	local, err := s.cfg.Store.Summary(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}

	if err := s.send(&Message{Type: MsgHello, Hello: &Hello{
		Workspace: s.cfg.Workspace,
		Actor:     s.cfg.Actor,
		Clock:     local,
	}}); err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}

	first, err := s.tr.Receive()
	if err != nil {
		return nil, fmt.Errorf("sync: handshake: %w", err)
	}
	if first.Type != MsgHello || first.Hello == nil {
		return nil, fmt.Errorf("sync: handshake: got %s, want %s", first.Type, MsgHello)
	}
	hello := first.Hello
	if hello.Workspace != s.cfg.Workspace {
		return nil, fmt.Errorf("sync: workspace mismatch: local %q, peer %q", s.cfg.Workspace, hello.Workspace)
	}

	outcome := &Outcome{Peer: hello.Actor}
	s.logger.Debug("sync handshake",
		"peer", hello.Actor.Short(), "remote_clock", hello.Clock.String())

	if s.cfg.Election != nil {
		if hb := s.cfg.Election.Beat(time.Now()); hb != nil {
			if err := s.send(&Message{Type: MsgHeartbeat, Heartbeat: hb}); err != nil {
				return nil, fmt.Errorf("sync: %w", err)
			}
		}
	}

	// Stream our delta concurrently with ingesting theirs; the transport
	// is full duplex and neither side waits for the other's stream.
	sendErr := make(chan error, 1)
	go func() {
		n, err := s.streamDelta(ctx, local.MissingFrom(hello.Clock))
		outcome.Sent = n
		sendErr <- err
	}()

	runErr := s.receiveLoop(ctx, outcome)
	if runErr != nil {
		// Unblock a delta stream stuck writing to a dead connection.
		s.tr.Close()
	}
	if err := <-sendErr; err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return nil, fmt.Errorf("sync with %s: %w", hello.Actor.Short(), runErr)
	}

	outcome.HeadMatch = outcome.LocalHead == outcome.RemoteHead
	outcome.StateMatch = outcome.LocalState == outcome.RemoteState
	if outcome.HeadMatch && !outcome.StateMatch {
		div := &DivergenceError{
			Peer:        hello.Actor,
			Head:        outcome.LocalHead,
			LocalState:  outcome.LocalState,
			RemoteState: outcome.RemoteState,
		}
		s.logger.Error("derived state diverged on identical oplog",
			"peer", hello.Actor.Short(),
			"head", outcome.LocalHead,
			"local_state", outcome.LocalState,
			"remote_state", outcome.RemoteState)
		return outcome, div
	}
	return outcome, nil
}

// streamDelta sends every bundle the peer lacks, then a Complete frame.
// missing maps each actor to the HLC after which the peer has nothing.
func (s *Session) streamDelta(ctx context.Context, missing map[identity.ActorID]hlc.HLC) (int, error) {
	actors := make([]identity.ActorID, 0, len(missing))
	for actor := range missing {
		actors = append(actors, actor)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })

	sent := 0
	for _, actor := range actors {
		records, err := s.cfg.Store.ActorOpsAfter(ctx, actor, missing[actor])
		if err != nil {
			return sent, err
		}
		bundles, err := bundleWire(records)
		if err != nil {
			return sent, err
		}
		for _, wb := range bundles {
			if err := s.send(&Message{Type: MsgBundle, Bundle: wb}); err != nil {
				return sent, err
			}
			sent += len(wb.Ops)
		}
	}
	return sent, s.send(&Message{Type: MsgComplete, Complete: &Complete{Sent: sent}})
}

// receiveLoop ingests the peer's delta stream, serves re-fetch requests,
// and completes the digest exchange. It returns once both digests have
// crossed the wire.
func (s *Session) receiveLoop(ctx context.Context, outcome *Outcome) error {
	type frame struct {
		msg *Message
		err error
	}
	frames := make(chan frame, 1)
	go func() {
		for {
			m, err := s.tr.Receive()
			frames <- frame{m, err}
			if err != nil {
				return
			}
		}
	}()

	var (
		remoteComplete bool
		digestSent     bool
		remoteDigest   *Digest
		// pending tracks bundles we asked the peer to resend after a
		// failed ingest; each bundle gets one retry.
		pending   = make(map[string]bool)
		attempted = make(map[string]bool)
	)

	for {
		if remoteComplete && len(pending) == 0 && !digestSent {
			d, err := s.localDigest(ctx)
			if err != nil {
				return err
			}
			outcome.LocalHead = d.Head
			outcome.LocalState = d.State
			if err := s.send(&Message{Type: MsgDigest, Digest: d}); err != nil {
				return err
			}
			digestSent = true
		}
		if digestSent && remoteDigest != nil {
			outcome.RemoteHead = remoteDigest.Head
			outcome.RemoteState = remoteDigest.State
			return nil
		}

		var f frame
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f = <-frames:
		}
		if f.err != nil {
			return f.err
		}

		switch f.msg.Type {
		case MsgBundle:
			wb := f.msg.Bundle
			if wb == nil {
				return errors.New("bundle frame without body")
			}
			res, err := s.ingest.IngestBundle(ctx, wb, string(outcome.Peer))
			if err != nil {
				return err
			}
			outcome.Received += res.Integrated
			outcome.Quarantined = append(outcome.Quarantined, res.Quarantined...)

			switch {
			case !res.Rejected():
				if pending[wb.ID] {
					// Retry succeeded; the first copies were transit
					// corruption, not bad authorship.
					delete(pending, wb.ID)
					s.releaseQuarantined(ctx, wb)
				}
			case res.Reject.Code == op.RejectClockDrift:
				// The peer resends on a later round; nothing to re-fetch.
				delete(pending, wb.ID)
			case !attempted[wb.ID]:
				attempted[wb.ID] = true
				pending[wb.ID] = true
				if err := s.send(&Message{Type: MsgRefetch, Refetch: &Refetch{
					BundleIDs: []string{wb.ID},
				}}); err != nil {
					return err
				}
			default:
				// Retry also failed: the bundle is bad at the source.
				// Its operations stay quarantined for manual review.
				delete(pending, wb.ID)
			}

		case MsgRefetch:
			if f.msg.Refetch == nil {
				return errors.New("refetch frame without body")
			}
			for _, bundleID := range f.msg.Refetch.BundleIDs {
				if err := s.resendBundle(ctx, bundleID); err != nil {
					return err
				}
			}

		case MsgComplete:
			remoteComplete = true

		case MsgDigest:
			if f.msg.Digest == nil {
				return errors.New("digest frame without body")
			}
			remoteDigest = f.msg.Digest

		case MsgHeartbeat:
			if s.cfg.Election != nil && f.msg.Heartbeat != nil {
				s.cfg.Election.Observe(f.msg.Heartbeat, time.Now())
			}

		default:
			return fmt.Errorf("unexpected frame %s", f.msg.Type)
		}
	}
}

// resendBundle serves one re-fetch request from fresh store reads.
func (s *Session) resendBundle(ctx context.Context, bundleID string) error {
	records, err := s.cfg.Store.BundleRecords(ctx, bundleID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		s.logger.Warn("re-fetch for unknown bundle", "bundle", bundleID)
		return nil
	}
	bundles, err := bundleWire(records)
	if err != nil {
		return err
	}
	for _, wb := range bundles {
		if err := s.send(&Message{Type: MsgBundle, Bundle: wb}); err != nil {
			return err
		}
	}
	return nil
}

// releaseQuarantined clears quarantine entries for a bundle whose retry
// ingested cleanly.
func (s *Session) releaseQuarantined(ctx context.Context, wb *WireBundle) {
	for idx := range wb.Ops {
		if err := s.cfg.Store.ReleaseQuarantine(ctx, wb.Ops[idx].OpID); err != nil {
			s.logger.Error("release quarantine failed", "op", wb.Ops[idx].OpID, "error", err)
		}
	}
}

// localDigest computes the post-sync convergence hashes: the cheap
// oplog-head hash over canonical op IDs, and the full derived-state hash.
func (s *Session) localDigest(ctx context.Context) (*Digest, error) {
	ids, err := s.cfg.Store.CanonicalOpIDs(ctx)
	if err != nil {
		return nil, err
	}
	records, err := s.cfg.Store.ReadCanonical(ctx)
	if err != nil {
		return nil, err
	}
	ops := make([]op.Operation, len(records))
	for i := range records {
		ops[i] = records[i].Op
	}
	st := state.NewDeriver(s.logger).Derive(ops)
	stateHash, err := st.Hash()
	if err != nil {
		return nil, fmt.Errorf("state hash: %w", err)
	}
	clock, err := s.cfg.Store.Summary(ctx)
	if err != nil {
		return nil, err
	}
	return &Digest{
		Head:  op.OplogHeadHash(ids),
		State: stateHash,
		Clock: clock,
	}, nil
}
