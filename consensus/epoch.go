package consensus

import (
	"bytes"
	"sort"
	"sync"

	"github.com/imdea-software/bftsmr/view"
)

// Epoch is one round of a consensus instance. WRITE and ACCEPT votes are
// stored by position in the view the epoch was last bound to; any access
// first rebinds the vectors to the controller's current view.
type Epoch struct {
	mu         sync.Mutex
	consensus  *Consensus
	controller *view.Controller
	round      int32
	lastView   *view.View

	write     [][]byte
	writeSet  []bool
	accept    [][]byte
	acceptSet []bool

	propValue             []byte
	propValueHash         []byte
	deserializedPropValue any
	changed               chan struct{}
	published             bool

	proof map[string]*Message

	writeSent  bool
	acceptSent bool
	removed    bool
}

func newEpoch(c *Consensus, controller *view.Controller, round int32) *Epoch {
	v := controller.CurrentView()
	n := v.N()
	return &Epoch{
		consensus:  c,
		controller: controller,
		round:      round,
		lastView:   v,
		write:      make([][]byte, n),
		writeSet:   make([]bool, n),
		accept:     make([][]byte, n),
		acceptSet:  make([]bool, n),
		changed:    make(chan struct{}),
		proof:      make(map[string]*Message),
	}
}

func (e *Epoch) Round() int32 {
	return e.round
}

func (e *Epoch) Consensus() *Consensus {
	return e.consensus
}

// rebind remaps the vote vectors when the current view differs from the one
// the epoch was bound to. Members present in both views keep their votes at
// their new position; votes of departed members are dropped. Must hold e.mu.
func (e *Epoch) rebind() {
	cur := e.controller.CurrentView()
	if cur.Id == e.lastView.Id {
		return
	}
	n := cur.N()
	write := make([][]byte, n)
	writeSet := make([]bool, n)
	accept := make([][]byte, n)
	acceptSet := make([]bool, n)
	for oldPos, pid := range e.lastView.Processes {
		newPos := cur.Position(pid)
		if newPos < 0 {
			continue
		}
		write[newPos] = e.write[oldPos]
		writeSet[newPos] = e.writeSet[oldPos]
		accept[newPos] = e.accept[oldPos]
		acceptSet[newPos] = e.acceptSet[oldPos]
	}
	e.write, e.writeSet = write, writeSet
	e.accept, e.acceptSet = accept, acceptSet
	e.lastView = cur
}

// position resolves pid against the current view. Must hold e.mu.
func (e *Epoch) position(pid int32) int {
	e.rebind()
	return e.lastView.Position(pid)
}

// SetWrite records the WRITE vote of pid. A later vote from the same
// process replaces the earlier one; each position is counted once.
func (e *Epoch) SetWrite(pid int32, value []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := e.position(pid)
	if pos < 0 {
		return false
	}
	e.write[pos] = value
	e.writeSet[pos] = true
	return true
}

func (e *Epoch) SetAccept(pid int32, value []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := e.position(pid)
	if pos < 0 {
		return false
	}
	e.accept[pos] = value
	e.acceptSet[pos] = true
	return true
}

// Write returns the WRITE vote of pid, or nil if none is recorded.
func (e *Epoch) Write(pid int32) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := e.position(pid)
	if pos < 0 || !e.writeSet[pos] {
		return nil
	}
	return e.write[pos]
}

func (e *Epoch) Accept(pid int32) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := e.position(pid)
	if pos < 0 || !e.acceptSet[pos] {
		return nil
	}
	return e.accept[pos]
}

func (e *Epoch) IsWriteSetted(pid int32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := e.position(pid)
	return pos >= 0 && e.writeSet[pos]
}

// CountWrite counts the positions holding a WRITE vote equal to value.
func (e *Epoch) CountWrite(value []byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rebind()
	return count(e.write, e.writeSet, value)
}

func (e *Epoch) CountAccept(value []byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rebind()
	return count(e.accept, e.acceptSet, value)
}

func count(votes [][]byte, set []bool, value []byte) int {
	c := 0
	for i := range votes {
		if set[i] && bytes.Equal(votes[i], value) {
			c++
		}
	}
	return c
}

// copyVotesFrom seeds an empty epoch with the vectors of an earlier round.
func (e *Epoch) copyVotesFrom(prev *Epoch) {
	prev.mu.Lock()
	prev.rebind()
	bound := prev.lastView
	write := append([][]byte(nil), prev.write...)
	writeSet := append([]bool(nil), prev.writeSet...)
	accept := append([][]byte(nil), prev.accept...)
	acceptSet := append([]bool(nil), prev.acceptSet...)
	prev.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastView = bound
	e.write, e.writeSet = write, writeSet
	e.accept, e.acceptSet = accept, acceptSet
	e.rebind()
}

// SetProposal stores the proposed value of this round together with its
// hash and decoded form. Only the first call has an effect; it returns false
// for every later one. Readers never see the value without its decoded form.
func (e *Epoch) SetProposal(value, hash []byte, deserialized any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.published {
		return false
	}
	e.setValueLocked(value, hash, deserialized)
	return true
}

// HasProposal reports whether the epoch already holds a proposed value.
func (e *Epoch) HasProposal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.published
}

// InstallDecidedValue overrides the proposal with a value certified by a
// quorum. Used when a decision is replayed from state transfer.
func (e *Epoch) InstallDecidedValue(value, hash []byte, deserialized any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setValueLocked(value, hash, deserialized)
}

// setValueLocked publishes a value and wakes everyone waiting on the previous
// one. Must hold e.mu.
func (e *Epoch) setValueLocked(value, hash []byte, deserialized any) {
	e.propValue = value
	e.propValueHash = hash
	e.deserializedPropValue = deserialized
	e.published = true
	close(e.changed)
	e.changed = make(chan struct{})
}

// proposal returns the current value and a channel closed when it changes.
// ok is false while nothing was proposed.
func (e *Epoch) proposal() (value, hash []byte, deserialized any, changed <-chan struct{}, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.propValue, e.propValueHash, e.deserializedPropValue, e.changed, e.published
}

func (e *Epoch) PropValue() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.propValue
}

func (e *Epoch) PropValueHash() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.propValueHash
}

func (e *Epoch) DeserializedPropValue() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deserializedPropValue
}

// acceptedHash returns the value more than quorum processes sent an ACCEPT
// for, or nil.
func (e *Epoch) acceptedHash(quorum int) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rebind()
	for i := range e.accept {
		if e.acceptSet[i] && count(e.accept, e.acceptSet, e.accept[i]) > quorum {
			return e.accept[i]
		}
	}
	return nil
}

// AddToProof adds msg to the proof set, keeping one message per sender and
// type.
func (e *Epoch) AddToProof(msg *Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.proof[msg.key()] = msg
}

// Proof returns the proof set ordered by sender then type.
func (e *Epoch) Proof() []*Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Message, 0, len(e.proof))
	for _, m := range e.proof {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sender != out[j].Sender {
			return out[i].Sender < out[j].Sender
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func (e *Epoch) IsWriteSent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writeSent
}

func (e *Epoch) WriteSent() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writeSent = true
}

func (e *Epoch) IsAcceptSent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acceptSent
}

func (e *Epoch) AcceptSent() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acceptSent = true
}

func (e *Epoch) IsRemoved() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removed
}

func (e *Epoch) setRemoved() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
}
