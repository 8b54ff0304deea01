// Package consensus holds the per-instance state of the Byzantine consensus
// protocol: instances, their rounds (epochs), vote vectors, proofs and the
// resulting decisions, plus the wire form of consensus messages.
package consensus

import (
	"bytes"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"

	"github.com/imdea-software/bftsmr/view"
)

// Deliverer receives decisions that must reach the application.
type Deliverer interface {
	Decided(d *Decision)
}

// Consensus is one instance, identified by its consensus id. Handling of a
// message for an instance is serialized through Lock/Unlock; the epoch map,
// ets and write-set have their own short-lived guard so that readers outside
// message handling see consistent values.
type Consensus struct {
	handling sync.Mutex

	mu         sync.Mutex
	controller *view.Controller
	deliverer  Deliverer

	cid           int32
	epochs        *treemap.Map
	decided       bool
	decisionRound int32
	ets           int32
	quorumWrites  *TimestampValuePair
	writeSet      []TimestampValuePair
	decision      *Decision
}

func New(cid int32, controller *view.Controller, deliverer Deliverer) *Consensus {
	return &Consensus{
		controller:    controller,
		deliverer:     deliverer,
		cid:           cid,
		epochs:        treemap.NewWith(utils.Int32Comparator),
		decisionRound: -1,
		decision:      newDecision(cid),
	}
}

// Lock acquires the instance lock held for the whole handling of a message.
func (c *Consensus) Lock() {
	c.handling.Lock()
}

func (c *Consensus) Unlock() {
	c.handling.Unlock()
}

func (c *Consensus) ID() int32 {
	return c.cid
}

// Epoch returns the epoch of the given round, creating it when create is set.
// A new epoch starts from the votes of the highest existing lower round.
func (c *Consensus) Epoch(round int32, create bool) *Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, found := c.epochs.Get(round); found {
		return e.(*Epoch)
	}
	if !create {
		return nil
	}
	return c.newEpochLocked(round)
}

func (c *Consensus) newEpochLocked(round int32) *Epoch {
	e := newEpoch(c, c.controller, round)
	if _, prev := c.epochs.Floor(round - 1); prev != nil {
		e.copyVotesFrom(prev.(*Epoch))
	}
	c.epochs.Put(round, e)
	return e
}

// CreateEpoch creates the epoch following the highest existing round.
func (c *Consensus) CreateEpoch() *Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := int32(0)
	if k, _ := c.epochs.Max(); k != nil {
		next = k.(int32) + 1
	}
	return c.newEpochLocked(next)
}

// LastEpoch returns the epoch with the highest round, or nil.
func (c *Consensus) LastEpoch() *Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, v := c.epochs.Max(); v != nil {
		return v.(*Epoch)
	}
	return nil
}

// RemoveEpochs drops every epoch with a round greater than limit and marks
// it removed.
func (c *Consensus) RemoveEpochs(limit int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		k, v := c.epochs.Ceiling(limit + 1)
		if k == nil {
			return
		}
		c.epochs.Remove(k)
		v.(*Epoch).setRemoved()
	}
}

func (c *Consensus) Ets() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ets
}

func (c *Consensus) IncEts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ets++
}

// SetETS advances ets; smaller values are ignored.
func (c *Consensus) SetETS(ets int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ets > c.ets {
		c.ets = ets
	}
}

// AddWritten records that value was written at the current ets.
func (c *Consensus) AddWritten(value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.writeSet {
		if p.Round == c.ets && bytes.Equal(p.Value, value) {
			return
		}
	}
	c.writeSet = append(c.writeSet, TimestampValuePair{Round: c.ets, Value: value})
}

// RemoveWritten drops every pair holding value.
func (c *Consensus) RemoveWritten(value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.writeSet[:0]
	for _, p := range c.writeSet {
		if !bytes.Equal(p.Value, value) {
			kept = append(kept, p)
		}
	}
	c.writeSet = kept
}

func (c *Consensus) WriteSet() []TimestampValuePair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TimestampValuePair(nil), c.writeSet...)
}

func (c *Consensus) SetQuorumWrites(round int32, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quorumWrites = &TimestampValuePair{Round: round, Value: value}
}

func (c *Consensus) QuorumWrites() *TimestampValuePair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quorumWrites
}

func (c *Consensus) IsDecided() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decided
}

// DecisionRound returns the deciding round, or -1.
func (c *Consensus) DecisionRound() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decisionRound
}

func (c *Consensus) Decision() *Decision {
	return c.decision
}

// Decided marks the instance as decided in epoch e, on the value more than a
// quorum accepted there. Only the first call has an effect; if deliver is set
// the decision is handed to the deliverer.
func (c *Consensus) Decided(e *Epoch, deliver bool) bool {
	c.mu.Lock()
	if c.decided {
		c.mu.Unlock()
		return false
	}
	c.decided = true
	c.decisionRound = e.Round()
	c.mu.Unlock()

	c.decision.setDecisionEpoch(e, e.acceptedHash(c.controller.Quorum()))
	if deliver && c.deliverer != nil {
		c.deliverer.Decided(c.decision)
	}
	return true
}

// CertifiedDecision bundles the decided value with the ACCEPT messages of the
// deciding epoch. Returns nil before the decision, or while the epoch holds a
// value other than the decided one.
func (c *Consensus) CertifiedDecision(pid int32) *CertifiedDecision {
	e := c.decision.DecisionEpoch()
	if e == nil || c.decision.Mismatched() {
		return nil
	}
	var msgs []*Message
	for _, m := range e.Proof() {
		if m.Type == ACCEPT {
			msgs = append(msgs, m)
		}
	}
	return &CertifiedDecision{
		Pid:          pid,
		Cid:          c.cid,
		Decision:     e.PropValue(),
		ConsMessages: msgs,
	}
}
