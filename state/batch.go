package state

import (
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/imdea-software/bftsmr/rpc"
	"github.com/imdea-software/bftsmr/view"
)

const maxBatchSize = 1 << 16

var ErrBadBatch = errors.New("malformed batch")

// Batch is the value a consensus instance decides on.
type Batch struct {
	Commands []Command
}

func (b *Batch) Marshal(w io.Writer) {
	rpc.WriteInt32(w, int32(len(b.Commands)))
	for i := range b.Commands {
		b.Commands[i].Marshal(w)
	}
}

func (b *Batch) Unmarshal(r io.Reader) error {
	n, err := rpc.ReadInt32(r)
	if err != nil {
		return err
	}
	if n < 0 || n > maxBatchSize {
		return errors.Wrapf(ErrBadBatch, "%d commands", n)
	}
	b.Commands = make([]Command, n)
	for i := range b.Commands {
		if err := b.Commands[i].Unmarshal(r); err != nil {
			return errors.Wrapf(ErrBadBatch, "command %d: %v", i, err)
		}
	}
	return nil
}

func (b *Batch) Encode() []byte {
	var buf bytes.Buffer
	b.Marshal(&buf)
	return buf.Bytes()
}

// DecodeBatch parses a proposed value. Trailing bytes are rejected.
func DecodeBatch(value []byte) (*Batch, error) {
	r := bytes.NewReader(value)
	b := new(Batch)
	if err := b.Unmarshal(r); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, errors.Wrapf(ErrBadBatch, "%d trailing bytes", r.Len())
	}
	return b, nil
}

// ReconfiguresView reports whether the batch holds a reconfiguration of the
// view with the given id.
func (b *Batch) ReconfiguresView(id int32) bool {
	for i := range b.Commands {
		if b.Commands[i].Op == RECONFIG && int32(b.Commands[i].K) == id {
			return true
		}
	}
	return false
}

// Reconfigurations decodes the views installed by the batch, in order.
// Malformed views are skipped.
func (b *Batch) Reconfigurations() []*view.View {
	var out []*view.View
	for i := range b.Commands {
		if b.Commands[i].Op != RECONFIG {
			continue
		}
		v := new(view.View)
		if err := v.Unmarshal(bytes.NewReader(b.Commands[i].V)); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Execute runs every command on st and returns the results in order.
func (b *Batch) Execute(st *State) []Value {
	out := make([]Value, len(b.Commands))
	for i := range b.Commands {
		out[i] = b.Commands[i].Execute(st)
	}
	return out
}
