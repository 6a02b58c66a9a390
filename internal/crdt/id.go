package crdt

import (
	"fmt"
	"strings"

	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/identity"
)

// ElemID identifies one element (a text run, a list item, or a set add-tag)
// inside a CRDT structure. The format is
//
//	<hlc hex>-<actor hex>-<index hex>
//
// with fixed-width components, so lexicographic comparison of ElemIDs
// equals comparison by (hlc, actor, index). Uniqueness follows from HLC
// monotonicity per actor plus the per-delta index.
type ElemID string

// Root is the synthetic parent of elements inserted at the head.
const Root ElemID = ""

const (
	hlcHexLen   = hlc.EncodedSize * 2
	actorHexLen = 64
	idxHexLen   = 4
	elemIDLen   = hlcHexLen + 1 + actorHexLen + 1 + idxHexLen
)

// NewElemID builds an element ID from its components.
func NewElemID(h hlc.HLC, actor identity.ActorID, idx int) ElemID {
	return ElemID(fmt.Sprintf("%s-%s-%04x", h.String(), actor, idx&0xffff))
}

// Valid reports whether id is structurally well-formed.
func (id ElemID) Valid() bool {
	if len(id) != elemIDLen {
		return false
	}
	s := string(id)
	if s[hlcHexLen] != '-' || s[hlcHexLen+1+actorHexLen] != '-' {
		return false
	}
	if _, err := hlc.Parse(s[:hlcHexLen]); err != nil {
		return false
	}
	for _, part := range []string{s[hlcHexLen+1 : hlcHexLen+1+actorHexLen], s[hlcHexLen+2+actorHexLen:]} {
		if strings.Trim(part, "0123456789abcdef") != "" {
			return false
		}
	}
	return true
}

// HLC extracts the timestamp component. Call only on valid IDs; malformed
// IDs yield the zero HLC.
func (id ElemID) HLC() hlc.HLC {
	if len(id) < hlcHexLen {
		return hlc.HLC{}
	}
	h, err := hlc.Parse(string(id)[:hlcHexLen])
	if err != nil {
		return hlc.HLC{}
	}
	return h
}

// IDGen hands out sequential element IDs for the elements created by a
// single delta, all stamped with the delta's HLC.
type IDGen struct {
	h     hlc.HLC
	actor identity.ActorID
	idx   int
}

// NewIDGen returns a generator for elements authored at h by actor.
func NewIDGen(h hlc.HLC, actor identity.ActorID) *IDGen {
	return &IDGen{h: h, actor: actor}
}

// Next returns the next element ID.
func (g *IDGen) Next() ElemID {
	id := NewElemID(g.h, g.actor, g.idx)
	g.idx++
	return id
}
