package replica

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/imdea-software/bftsmr/consensus"
	"github.com/imdea-software/bftsmr/dlog"
	"github.com/imdea-software/bftsmr/paxos"
	"github.com/imdea-software/bftsmr/state"
	"github.com/imdea-software/bftsmr/view"
)

const valueWait = 100 * time.Millisecond

var (
	ErrNotLeader = errors.New("replica is not the leader")
	ErrStopped   = errors.New("replica stopped")
)

type retriever interface {
	IsRetrievingState() bool
	RequestAppState(cid int32)
}

// TOMLayer delivers decided batches in consensus id order, executes them on
// the application and, on the leader, proposes the next batch.
type TOMLayer struct {
	me         int32
	controller *view.Controller
	window     *ExecutionWindow
	proposer   *paxos.Proposer
	recoverer  *state.Recoverer
	sm         retriever
	batchSize  int
	log        *dlog.Logger

	mu       sync.Mutex
	lastExec int32
	inExec   int32
	proposed int32
	// decided but not yet delivered, by cid
	undelivered *treemap.Map
	wake        chan struct{}
	pending     []state.Command
	waiters     map[uuid.UUID]chan state.Value

	deliverLock sync.Mutex
	canDeliver  *sync.Cond
}

func NewTOMLayer(controller *view.Controller, window *ExecutionWindow, proposer *paxos.Proposer,
	recoverer *state.Recoverer, batchSize int, log *dlog.Logger) *TOMLayer {
	t := &TOMLayer{
		me:          controller.Me(),
		controller:  controller,
		window:      window,
		proposer:    proposer,
		recoverer:   recoverer,
		batchSize:   batchSize,
		log:         log,
		lastExec:    recoverer.LastCID(),
		inExec:      -1,
		proposed:    -1,
		undelivered: treemap.NewWith(utils.Int32Comparator),
		wake:        make(chan struct{}, 1),
		waiters:     make(map[uuid.UUID]chan state.Value),
	}
	t.canDeliver = sync.NewCond(&t.deliverLock)
	return t
}

func (t *TOMLayer) SetRetriever(sm retriever) {
	t.sm = sm
}

func (t *TOMLayer) ComputeHash(value []byte) []byte {
	h := sha256.Sum256(value)
	return h[:]
}

// CheckProposedValue decodes a proposed batch, or returns nil if value is
// not one.
func (t *TOMLayer) CheckProposedValue(value []byte, addToClientManager bool) any {
	b, err := state.DecodeBatch(value)
	if err != nil {
		t.log.Warnf("invalid proposed value: %v", err)
		return nil
	}
	return b
}

func (t *TOMLayer) LastExec() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastExec
}

func (t *TOMLayer) SetLastExec(cid int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastExec = cid
	if t.inExec != -1 && t.inExec <= cid {
		t.inExec = -1
	}
	if t.proposed < cid {
		t.proposed = cid
	}
}

func (t *TOMLayer) InExec() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inExec
}

func (t *TOMLayer) SetInExec(cid int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inExec = cid
}

func (t *TOMLayer) DeliverLock() {
	t.deliverLock.Lock()
}

func (t *TOMLayer) DeliverUnlock() {
	t.deliverLock.Unlock()
}

// CanDeliver wakes the delivery loop and replays the messages buffered while
// the replica was catching up. Call with the delivery lock held.
func (t *TOMLayer) CanDeliver() {
	t.canDeliver.Broadcast()
	t.signal()
	t.window.ProcessOutOfContext()
}

func (t *TOMLayer) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Decided queues d for delivery. It is called while the lock of the
// instance is held, so it never blocks.
func (t *TOMLayer) Decided(d *consensus.Decision) {
	t.mu.Lock()
	t.undelivered.Put(d.ConsensusID(), d)
	t.mu.Unlock()
	t.signal()
}

// Run delivers decisions until ctx ends.
func (t *TOMLayer) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		t.deliverLock.Lock()
		t.canDeliver.Broadcast()
		t.deliverLock.Unlock()
	})
	defer stop()

	for {
		select {
		case <-t.wake:
		case <-ctx.Done():
			t.failWaiters()
			return
		}
		for t.deliverNext(ctx) {
		}
	}
}

// next pops the decision of lastExec+1, discarding anything older.
func (t *TOMLayer) next() *consensus.Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		k, v := t.undelivered.Min()
		if k == nil {
			return nil
		}
		cid := k.(int32)
		switch {
		case cid <= t.lastExec:
			t.undelivered.Remove(k)
		case cid == t.lastExec+1:
			t.undelivered.Remove(k)
			return v.(*consensus.Decision)
		default:
			return nil
		}
	}
}

func (t *TOMLayer) deliverNext(ctx context.Context) bool {
	d := t.next()
	if d == nil {
		t.proposeNext()
		return false
	}
	cid := d.ConsensusID()

	// The decided value shows up with the PROPOSE; an installed state can
	// make it irrelevant while waiting. A replica that holds a different
	// proposal than the decided one only gets the value by state transfer.
	var v any
	requested := false
	for {
		wctx, cancel := context.WithTimeout(ctx, valueWait)
		val, err := d.DeserializedValue(wctx)
		cancel()
		if err == nil {
			v = val
			break
		}
		if ctx.Err() != nil {
			return false
		}
		if cid <= t.LastExec() {
			return true
		}
		if !requested && t.sm != nil && d.Mismatched() && !t.sm.IsRetrievingState() {
			t.log.Warnf("cid %d decided a value this replica was not proposed, fetching state", cid)
			t.sm.RequestAppState(cid)
			requested = true
		}
	}

	t.deliverLock.Lock()
	for t.sm != nil && t.sm.IsRetrievingState() && ctx.Err() == nil {
		t.canDeliver.Wait()
	}
	if ctx.Err() != nil {
		t.deliverLock.Unlock()
		return false
	}
	if cid != t.LastExec()+1 {
		t.deliverLock.Unlock()
		return true
	}
	batch, ok := v.(*state.Batch)
	if !ok {
		t.log.Errorf("cid %d decided a value that is not a batch", cid)
		batch = &state.Batch{}
	}
	cd := t.window.GetConsensus(cid).CertifiedDecision(t.me)
	results := t.recoverer.Execute(cid, batch, cd)
	for _, nv := range batch.Reconfigurations() {
		if t.controller.ReconfigureTo(nv) {
			t.log.Printf("cid %d installed view %d", cid, nv.Id)
		}
	}
	t.SetLastExec(cid)
	t.deliverLock.Unlock()

	t.log.Debugf("delivered cid %d with %d commands", cid, len(batch.Commands))
	t.reply(batch, results)
	t.window.RemoveConsensus(cid)
	t.window.ProcessOutOfContext()
	t.proposeNext()
	return true
}

func (t *TOMLayer) reply(b *state.Batch, results []state.Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, cmd := range b.Commands {
		ch, ok := t.waiters[cmd.Client]
		if !ok || i >= len(results) {
			continue
		}
		delete(t.waiters, cmd.Client)
		ch <- results[i]
	}
}

func (t *TOMLayer) failWaiters() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.waiters {
		close(ch)
		delete(t.waiters, id)
	}
}

// proposeNext starts the next instance with the pending commands when this
// replica leads and no instance is running.
func (t *TOMLayer) proposeNext() {
	if t.window.CurrentLeader() != t.me {
		return
	}
	t.mu.Lock()
	cid := t.lastExec + 1
	if len(t.pending) == 0 || t.inExec != -1 || t.proposed >= cid {
		t.mu.Unlock()
		return
	}
	n := min(len(t.pending), t.batchSize)
	b := &state.Batch{Commands: append([]state.Command(nil), t.pending[:n]...)}
	t.pending = t.pending[n:]
	t.proposed = cid
	t.mu.Unlock()

	t.log.Debugf("proposing %d commands for cid %d", n, cid)
	t.proposer.StartConsensus(cid, b.Encode())
}

// Submit orders cmd and returns its result once executed. Only the leader
// accepts commands.
func (t *TOMLayer) Submit(ctx context.Context, cmd state.Command) (state.Value, error) {
	if t.window.CurrentLeader() != t.me {
		return nil, ErrNotLeader
	}
	if cmd.Client == uuid.Nil {
		cmd.Client = uuid.New()
	}
	ch := make(chan state.Value, 1)
	t.mu.Lock()
	t.waiters[cmd.Client] = ch
	t.pending = append(t.pending, cmd)
	t.mu.Unlock()
	t.log.Debugf("queued %v from %v", &cmd, cmd.Client)
	t.proposeNext()

	select {
	case v, ok := <-ch:
		if !ok {
			return nil, ErrStopped
		}
		return v, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.waiters, cmd.Client)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}
