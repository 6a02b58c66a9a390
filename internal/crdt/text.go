package crdt

import (
	"fmt"
	"strings"

	"github.com/quiltdb/quilt/internal/op"
)

// Text is the merge state of a collaborative text field. Elements are
// runs of text (a run per insert), rendered by concatenation.
type Text struct {
	seq sequence[string]
}

// NewText returns an empty text state.
func NewText() *Text {
	return &Text{seq: newSequence[string]()}
}

// FieldKind implements State.
func (*Text) FieldKind() op.FieldKind { return op.FieldCrdtText }

// Apply implements State.
func (t *Text) Apply(d Delta) error {
	td, ok := d.(TextDelta)
	if !ok {
		return fmt.Errorf("text state: cannot apply %T", d)
	}
	for _, o := range td.Ops {
		var err error
		if o.Insert {
			err = t.seq.insert(o.ID, o.After, o.Text)
		} else {
			err = t.seq.remove(o.ID)
		}
		if err != nil {
			return fmt.Errorf("text state: %w", err)
		}
	}
	return nil
}

// Render implements State: the concatenation of live runs.
func (t *Text) Render() op.Value {
	var b strings.Builder
	for _, id := range t.seq.live() {
		b.WriteString(t.seq.elems[id].val)
	}
	return op.String(b.String())
}

// Marshal implements State.
func (t *Text) Marshal() ([]byte, error) {
	obj, err := t.seq.marshal("text", func(s string) op.Value { return op.String(s) })
	if err != nil {
		return nil, err
	}
	return op.MarshalCanonical(obj)
}

// InsertAt builds the delta for inserting text at a rendered rune
// position (0 = head). IDs come from gen.
func (t *Text) InsertAt(gen *IDGen, index int, text string) TextDelta {
	return TextDelta{Ops: []SeqOp{{
		Insert: true,
		ID:     gen.Next(),
		After:  t.seq.idAt(index),
		Text:   text,
	}}}
}

// DeleteAt builds the delta deleting count live runs starting at the
// rendered run index (0 = head, matching InsertAt).
func (t *Text) DeleteAt(index, count int) TextDelta {
	liveIDs := t.seq.live()
	if index < 0 {
		index = 0
	}
	var ops []SeqOp
	for i := index; i < index+count && i < len(liveIDs); i++ {
		ops = append(ops, SeqOp{ID: liveIDs[i]})
	}
	return TextDelta{Ops: ops}
}

func loadText(blob []byte) (*Text, error) {
	obj, err := parseStateBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("text state: %w", err)
	}
	t := NewText()
	if err := t.seq.load(obj, "text", func(v op.Value) (string, error) {
		s, ok := v.(op.String)
		if !ok {
			return "", fmt.Errorf("run payload is %T, want string", v)
		}
		return string(s), nil
	}); err != nil {
		return nil, fmt.Errorf("text state: %w", err)
	}
	return t, nil
}
