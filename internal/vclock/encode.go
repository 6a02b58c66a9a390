package vclock

import (
	"encoding/json"
	"fmt"

	"github.com/quiltdb/quilt/internal/hlc"
	"github.com/quiltdb/quilt/internal/identity"
)

// MarshalJSON encodes the clock as {"actor_hex": "hlc_hex", ...}.
// Go marshals map keys in sorted order, so the wire form is deterministic.
func (vc VClock) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, len(vc))
	for actor, h := range vc {
		m[string(actor)] = h.String()
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (vc *VClock) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	out := make(VClock, len(m))
	for actor, hs := range m {
		h, err := hlc.Parse(hs)
		if err != nil {
			return fmt.Errorf("vector clock entry %q: %w", actor, err)
		}
		out[identity.ActorID(actor)] = h
	}
	*vc = out
	return nil
}
