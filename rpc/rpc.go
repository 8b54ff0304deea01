package rpc

import "io"

// Serializable is implemented by every message that crosses a replica
// connection. Marshal writes the fixed little-endian layout; Unmarshal reads
// it back.
type Serializable interface {
	Marshal(io.Writer)
	Unmarshal(io.Reader) error
	New() Serializable
}

// Envelope is a decoded message together with the replica it arrived from.
// Authenticated reports whether the channel it arrived on vouches for Sender.
type Envelope struct {
	From          int32
	Authenticated bool
	Msg           Serializable
}

type Pair struct {
	Obj  Serializable
	Chan chan Envelope
}

// Table maps one-byte message codes to a prototype and its delivery channel.
type Table struct {
	id    uint8
	pairs map[uint8]Pair
}

func NewTable() *Table {
	return NewTableId(0)
}

func NewTableId(id uint8) *Table {
	return &Table{
		id:    id,
		pairs: make(map[uint8]Pair),
	}
}

func (t *Table) Register(obj Serializable, notify chan Envelope) uint8 {
	id := t.id
	t.id++
	t.pairs[id] = Pair{
		Obj:  obj,
		Chan: notify,
	}
	return id
}

func (t *Table) Get(id uint8) (Pair, bool) {
	p, exists := t.pairs[id]
	return p, exists
}
