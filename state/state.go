// Package state is the replicated application: an ordered key-value store
// driven by batches of commands agreed through consensus.
package state

import (
	"bytes"
	"cmp"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/imdea-software/bftsmr/rpc"
	"github.com/imdea-software/bftsmr/view"
)

type Operation uint8

const (
	NONE Operation = iota
	PUT
	GET
	SCAN
	DELETE
	// RECONFIG replaces the view whose id is K with the view encoded in V.
	RECONFIG
)

var ErrBadSnapshot = errors.New("malformed snapshot")

type Value []byte

// NIL is the result of commands that return nothing.
func NIL() Value { return Value([]byte{}) }

type Key int64

type Command struct {
	Client uuid.UUID
	Op     Operation
	K      Key
	V      Value
}

// NewReconfig builds the command moving the cluster from view current to next.
func NewReconfig(client uuid.UUID, current int32, next *view.View) Command {
	var buf bytes.Buffer
	next.Marshal(&buf)
	return Command{Client: client, Op: RECONFIG, K: Key(current), V: buf.Bytes()}
}

type State struct {
	mutex *sync.Mutex
	Store *treemap.Map
}

// KeyComparator orders the store by key.
func KeyComparator(a, b interface{}) int {
	return cmp.Compare(a.(Key), b.(Key))
}

func InitState() *State {
	return &State{new(sync.Mutex), treemap.NewWith(KeyComparator)}
}

// Execute applies c to st. GET returns the stored value and SCAN the
// concatenation of the values with keys in [K, K+count].
func (c *Command) Execute(st *State) Value {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	switch c.Op {
	case PUT:
		st.Store.Put(c.K, c.V)
	case DELETE:
		st.Store.Remove(c.K)
	case GET:
		if v, ok := st.Store.Get(c.K); ok {
			return v.(Value)
		}
	case SCAN:
		last := c.K + Key(scanCount(c.V))
		var out []byte
		for it := st.Store.Iterator(); it.Next(); {
			k := it.Key().(Key)
			if k > last {
				break
			}
			if k >= c.K {
				out = append(out, it.Value().(Value)...)
			}
		}
		return Value(out)
	}
	return NIL()
}

func scanCount(v Value) uint64 {
	if len(v) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(v)
}

// Snapshot encodes the whole store in key order.
func (st *State) Snapshot() []byte {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	var buf bytes.Buffer
	rpc.WriteInt32(&buf, int32(st.Store.Size()))
	it := st.Store.Iterator()
	for it.Next() {
		k := it.Key().(Key)
		k.Marshal(&buf)
		rpc.WriteBytes(&buf, it.Value().(Value))
	}
	return buf.Bytes()
}

// Restore replaces the store with the content of a snapshot.
func (st *State) Restore(snapshot []byte) error {
	r := bytes.NewReader(snapshot)
	n, err := rpc.ReadInt32(r)
	if err != nil || n < 0 {
		return errors.Wrap(ErrBadSnapshot, "entry count")
	}
	store := treemap.NewWith(KeyComparator)
	for i := int32(0); i < n; i++ {
		var k Key
		if err := k.Unmarshal(r); err != nil {
			return errors.Wrapf(ErrBadSnapshot, "key %d: %v", i, err)
		}
		v, err := rpc.ReadBytes(r)
		if err != nil {
			return errors.Wrapf(ErrBadSnapshot, "value %d: %v", i, err)
		}
		store.Put(k, Value(v))
	}

	st.mutex.Lock()
	defer st.mutex.Unlock()
	st.Store = store
	return nil
}

func Hash(snapshot []byte) []byte {
	h := sha256.Sum256(snapshot)
	return h[:]
}

func (v Value) String() string {
	if len(v) == 0 {
		return "(void)"
	}
	return hex.EncodeToString(v)
}

func (k Key) String() string {
	return strconv.FormatInt(int64(k), 16)
}

var opNames = map[Operation]string{
	NONE:     "NOOP",
	PUT:      "PUT",
	GET:      "GET",
	SCAN:     "SCAN",
	DELETE:   "DELETE",
	RECONFIG: "RECONFIG",
}

func (c *Command) String() string {
	name, ok := opNames[c.Op]
	if !ok {
		return fmt.Sprintf("UNKNOWN(%d)", c.Op)
	}
	switch c.Op {
	case NONE:
		return name
	case PUT:
		return fmt.Sprintf("%s(%v, %v)", name, c.K, c.V)
	case SCAN:
		return fmt.Sprintf("%s(%v, %d)", name, c.K, scanCount(c.V))
	case RECONFIG:
		return fmt.Sprintf("%s(view %d)", name, int64(c.K))
	}
	return fmt.Sprintf("%s(%v)", name, c.K)
}

func (t *Command) Marshal(w io.Writer) {
	w.Write(t.Client[:])
	t.Op.Marshal(w)
	t.K.Marshal(w)
	rpc.WriteBytes(w, t.V)
}

func (t *Command) Unmarshal(r io.Reader) error {
	if _, err := io.ReadFull(r, t.Client[:]); err != nil {
		return err
	}
	if err := t.Op.Unmarshal(r); err != nil {
		return err
	}
	if err := t.K.Unmarshal(r); err != nil {
		return err
	}
	v, err := rpc.ReadBytes(r)
	if err != nil {
		return err
	}
	t.V = v
	return nil
}

func (t *Operation) Marshal(w io.Writer) {
	rpc.WriteByte(w, byte(*t))
}

func (t *Operation) Unmarshal(r io.Reader) error {
	b, err := rpc.ReadByte(r)
	if err != nil {
		return err
	}
	if Operation(b) > RECONFIG {
		return errors.Errorf("unknown operation %d", b)
	}
	*t = Operation(b)
	return nil
}

func (t *Key) Marshal(w io.Writer) {
	bs := make([]byte, 8)
	binary.LittleEndian.PutUint64(bs, uint64(*t))
	w.Write(bs)
}

func (t *Key) Unmarshal(r io.Reader) error {
	bs := make([]byte, 8)
	if _, err := io.ReadFull(r, bs); err != nil {
		return err
	}
	*t = Key(binary.LittleEndian.Uint64(bs))
	return nil
}
