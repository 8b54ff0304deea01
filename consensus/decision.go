package consensus

import (
	"bytes"
	"context"
	"sync"
)

// Decision is the outcome of a consensus instance. Its value becomes readable
// once the deciding epoch holds a value whose hash is the decided one; readers
// block until then.
type Decision struct {
	cid int32

	mu       sync.Mutex
	epoch    *Epoch
	hash     []byte
	regency  int32
	leader   int32
	hasEpoch chan struct{}
}

func newDecision(cid int32) *Decision {
	return &Decision{
		cid:      cid,
		regency:  -1,
		leader:   -1,
		hasEpoch: make(chan struct{}),
	}
}

func (d *Decision) ConsensusID() int32 {
	return d.cid
}

// setDecisionEpoch records the deciding epoch and the hash a quorum accepted
// in it. A nil hash accepts whatever value the epoch holds.
func (d *Decision) setDecisionEpoch(e *Epoch, hash []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.epoch != nil {
		return
	}
	d.epoch = e
	d.hash = hash
	close(d.hasEpoch)
}

// Hash returns the decided hash, or nil before the decision.
func (d *Decision) Hash() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hash
}

func (d *Decision) matches(hash []byte) bool {
	return d.hash == nil || bytes.Equal(d.hash, hash)
}

// Mismatched reports whether the deciding epoch holds a value other than the
// decided one, as when the leader proposed different values to different
// replicas. Only an installed decision can fix it.
func (d *Decision) Mismatched() bool {
	e := d.DecisionEpoch()
	if e == nil {
		return false
	}
	_, hash, _, _, ok := e.proposal()
	d.mu.Lock()
	defer d.mu.Unlock()
	return ok && !d.matches(hash)
}

// DecisionEpoch returns the deciding epoch, or nil before the decision.
func (d *Decision) DecisionEpoch() *Epoch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.epoch
}

func (d *Decision) SetRegency(regency int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regency = regency
}

func (d *Decision) Regency() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regency
}

func (d *Decision) SetLeader(leader int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leader = leader
}

func (d *Decision) Leader() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leader
}

func (d *Decision) wait(ctx context.Context) ([]byte, any, error) {
	select {
	case <-d.hasEpoch:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	e := d.DecisionEpoch()
	for {
		value, hash, deserialized, changed, ok := e.proposal()
		d.mu.Lock()
		match := ok && d.matches(hash)
		d.mu.Unlock()
		if match {
			return value, deserialized, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// Value blocks until the decided value is available or ctx ends.
func (d *Decision) Value(ctx context.Context) ([]byte, error) {
	v, _, err := d.wait(ctx)
	return v, err
}

// DeserializedValue blocks like Value and returns the validated batch.
func (d *Decision) DeserializedValue(ctx context.Context) (any, error) {
	_, v, err := d.wait(ctx)
	return v, err
}
