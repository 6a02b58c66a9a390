package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator mints operation and bundle IDs.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 IDs. The hyphenated
// string form preserves byte order under lexicographic comparison, which
// the canonical (HLC, op ID) sort relies on for same-HLC ties.
//
// Stateless and safe for concurrent use.
type UUIDv7Generator struct{}

func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined IDs for deterministic tests and
// golden traces.
type FixedGenerator struct {
	mu     sync.Mutex
	prefix string
	next   int
}

// NewFixedGenerator creates a generator emitting "<prefix>-000001",
// "<prefix>-000002", ... The zero-padded counter keeps generated IDs
// lexicographically ordered like UUIDv7s are.
func NewFixedGenerator(prefix string) *FixedGenerator {
	return &FixedGenerator{prefix: prefix}
}

func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%06d", g.prefix, g.next)
}
