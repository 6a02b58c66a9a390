package sync

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/quiltdb/quilt/internal/identity"
)

// HeartbeatTimeout is how long a leader may go silent before the
// remaining peers elect a successor.
const HeartbeatTimeout = 5 * time.Second

// Election tracks the optional session leader among connected peers.
//
// Leadership only reduces ordering churn during live collaboration - it is
// never required for correctness, and a workspace with no leader merely
// sees more conflict records, not wrong state. The leader is the peer with
// the lowest candidate hash for the current epoch; epochs increment on
// every leader change, and heartbeats from an older epoch are discarded,
// so a leader cut off by a partition cannot resurrect after the others
// have moved on.
type Election struct {
	mu sync.Mutex

	self     identity.ActorID
	epoch    uint64
	leader   identity.ActorID
	lastBeat time.Time
	timeout  time.Duration
}

// NewElection returns election state for one peer. timeout <= 0 uses
// HeartbeatTimeout.
func NewElection(self identity.ActorID, timeout time.Duration) *Election {
	if timeout <= 0 {
		timeout = HeartbeatTimeout
	}
	return &Election{self: self, timeout: timeout}
}

// candidateHash ranks an actor within an epoch. Hashing the epoch in
// rotates the ranking over time, so a single slow peer does not win every
// election forever.
func candidateHash(actor identity.ActorID, epoch uint64) string {
	h := sha256.New()
	h.Write([]byte(actor))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Elect recomputes the leader from the connected peer set (self
// included). Called when a peer joins, leaves, or the heartbeat times
// out. Returns the elected leader and whether this peer holds the role.
func (e *Election) Elect(peers []identity.ActorID, now time.Time) (identity.ActorID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.epoch++
	var best identity.ActorID
	var bestHash string
	for _, p := range append([]identity.ActorID{e.self}, peers...) {
		if p == "" {
			continue
		}
		h := candidateHash(p, e.epoch)
		if best == "" || h < bestHash {
			best, bestHash = p, h
		}
	}
	e.leader = best
	e.lastBeat = now
	return best, best == e.self
}

// Observe folds a received heartbeat. Stale-epoch heartbeats are ignored;
// a heartbeat from a newer epoch adopts that epoch's leader outright.
func (e *Election) Observe(hb *Heartbeat, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if hb.Epoch < e.epoch {
		return
	}
	if hb.Epoch > e.epoch {
		e.epoch = hb.Epoch
		e.leader = hb.Leader
	}
	if hb.Leader == e.leader {
		e.lastBeat = now
	}
}

// Leader returns the current leader, or ok=false when the heartbeat has
// timed out and a new election is due.
func (e *Election) Leader(now time.Time) (identity.ActorID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.leader == "" || now.Sub(e.lastBeat) > e.timeout {
		return "", false
	}
	return e.leader, true
}

// Beat returns the heartbeat frame this peer should broadcast while it
// leads, or nil when it does not.
func (e *Election) Beat(now time.Time) *Heartbeat {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.leader != e.self || now.Sub(e.lastBeat) > e.timeout {
		return nil
	}
	e.lastBeat = now
	return &Heartbeat{Leader: e.self, Epoch: e.epoch}
}
