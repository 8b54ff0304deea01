// Package recovery brings a lagging or restarting replica up to date. The
// replica asks the others for the application state at some consensus id,
// takes the full state from one designated replica, checks it against the
// hashes sent by the rest and installs it together with the certified
// decision of that consensus id.
package recovery

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/imdea-software/bftsmr/consensus"
	"github.com/imdea-software/bftsmr/dlog"
	"github.com/imdea-software/bftsmr/view"
)

const (
	maxStateTimeout = time.Minute
	askInterval     = 1500 * time.Millisecond
)

// StateManager starts out initializing: it does not let the replica deliver
// until AskCurrentConsensusID learns where the others are, or a state is
// installed.
type StateManager struct {
	me          int32
	controller  *view.Controller
	comm        Communication
	recoverer   Recoverer
	window      ExecutionManager
	tom         TOMLayer
	lc          LCManager
	log         *dlog.Logger
	baseTimeout time.Duration

	waitingCID   atomic.Int32
	initializing atomic.Bool

	lockTimer       sync.Mutex
	timer           *Timer
	timeout         time.Duration
	attempt         uuid.UUID
	attemptSeq      int32
	appStateOnly    bool
	replica         int32
	state           *ApplicationState
	senderStates    map[int32]*ApplicationState
	senderViews     map[int32]*view.View
	senderRegencies map[int32]int32
	senderLeaders   map[int32]int32
	senderProofs    map[int32]*consensus.CertifiedDecision
	senderCIDs      map[int32]int32
}

func NewStateManager(controller *view.Controller, comm Communication, recoverer Recoverer,
	baseTimeout time.Duration, log *dlog.Logger) *StateManager {
	sm := &StateManager{
		me:          controller.Me(),
		controller:  controller,
		comm:        comm,
		recoverer:   recoverer,
		log:         log,
		baseTimeout: baseTimeout,
		timeout:     baseTimeout,
		replica:     -1,
		senderCIDs:  make(map[int32]int32),
	}
	sm.waitingCID.Store(-1)
	sm.initializing.Store(true)
	sm.timer = NewTimer()
	sm.reset()
	return sm
}

// Init binds the components the state manager drives.
func (sm *StateManager) Init(window ExecutionManager, tom TOMLayer, lc LCManager) {
	sm.window = window
	sm.tom = tom
	sm.lc = lc
}

// WaitingCID returns the consensus id whose state is being retrieved, or -1.
func (sm *StateManager) WaitingCID() int32 {
	return sm.waitingCID.Load()
}

func (sm *StateManager) IsRetrievingState() bool {
	return sm.initializing.Load() || sm.waitingCID.Load() > -1
}

// Deliver dispatches a state transfer message.
func (sm *StateManager) Deliver(msg *Message) {
	switch msg.Type {
	case SM_REQUEST:
		sm.SMRequestDeliver(msg)
	case SM_REPLY:
		sm.SMReplyDeliver(msg)
	case SM_ASK_INITIAL:
		sm.CurrentConsensusIDAsked(msg.Sender)
	case SM_REPLY_INITIAL:
		sm.CurrentConsensusIDReceived(msg)
	case TRIGGER_SM_LOCALLY:
		if msg.Sender == sm.me {
			sm.stateTimeout(msg.Cid, msg.Regency)
		}
	default:
		sm.log.Debugf("unknown state transfer message %v", msg)
	}
}

func (sm *StateManager) reset() {
	sm.senderStates = make(map[int32]*ApplicationState)
	sm.senderViews = make(map[int32]*view.View)
	sm.senderRegencies = make(map[int32]int32)
	sm.senderLeaders = make(map[int32]int32)
	sm.senderProofs = make(map[int32]*consensus.CertifiedDecision)
	sm.state = nil
}

func (sm *StateManager) attemptLog() *dlog.Logger {
	return sm.log.WithFields(map[string]any{
		"attempt": sm.attempt.String(),
		"cid":     sm.waitingCID.Load(),
	})
}

// RequestAppState retrieves the state as of cid, with the certified
// decision of cid.
func (sm *StateManager) RequestAppState(cid int32) {
	sm.lockTimer.Lock()
	defer sm.lockTimer.Unlock()
	sm.waitingCID.Store(cid)
	sm.appStateOnly = false
	sm.timer.Stop()
	sm.reset()
	sm.requestState()
}

// RequestAppStateOnly retrieves the state as of cid without agreeing on the
// certified decision or on regency, leader and view. Used while a leader
// change is in progress.
func (sm *StateManager) RequestAppStateOnly(cid int32) {
	sm.lockTimer.Lock()
	defer sm.lockTimer.Unlock()
	sm.waitingCID.Store(cid)
	sm.appStateOnly = true
	sm.timer.Stop()
	sm.reset()
	sm.requestState()
}

// AnalyzeState starts a state request when enough replicas were seen
// running consensus cid, beyond what this replica can reach by itself.
func (sm *StateManager) AnalyzeState(cid int32) {
	sm.lockTimer.Lock()
	defer sm.lockTimer.Unlock()
	if sm.waitingCID.Load() != -1 || !sm.window.IsDecidable(cid) {
		return
	}
	sm.log.Printf("more than %d replicas are at cid %d, beyond %d", sm.controller.CurrentViewF(), cid, sm.tom.LastExec())
	sm.waitingCID.Store(cid - 1)
	sm.requestState()
}

// changeReplica picks a new designated source among the other acceptors,
// avoiding the current one when possible.
func (sm *StateManager) changeReplica() {
	others := sm.controller.CurrentViewOtherAcceptors()
	candidates := lo.Without(others, sm.replica)
	if len(candidates) == 0 {
		candidates = others
	}
	if len(candidates) == 0 {
		return
	}
	sm.replica = lo.Sample(candidates)
}

// requestState starts a new attempt. Must hold lockTimer.
func (sm *StateManager) requestState() {
	sm.attempt = uuid.New()
	sm.attemptSeq++
	seq := sm.attemptSeq
	sm.changeReplica()
	cid := sm.waitingCID.Load()
	msg := &Message{
		Sender:  sm.me,
		Cid:     cid,
		Type:    SM_REQUEST,
		Regency: -1,
		Leader:  -1,
		Replica: sm.replica,
	}
	sm.comm.Send(sm.controller.CurrentViewOtherAcceptors(), msg)
	sm.attemptLog().Printf("requested state, full state from %d, timeout %v", sm.replica, sm.timeout)
	metrics.attempts.Add(context.Background(), 1)

	sm.timer.Start(sm.timeout, func() { sm.triggerTimeout(seq) })
	if sm.timeout *= 2; sm.timeout > maxStateTimeout {
		sm.timeout = maxStateTimeout
	}
}

// retry abandons the current attempt and starts another with a new source.
// Must hold lockTimer.
func (sm *StateManager) retry() {
	sm.timer.Stop()
	sm.reset()
	sm.requestState()
}

// triggerTimeout queues the expiry of attempt seq behind the messages
// already received. A local trigger carries the attempt in Regency.
func (sm *StateManager) triggerTimeout(seq int32) {
	cid := sm.waitingCID.Load()
	if cid == -1 {
		return
	}
	sm.comm.Send([]int32{sm.me}, &Message{
		Sender:  sm.me,
		Cid:     cid,
		Type:    TRIGGER_SM_LOCALLY,
		Regency: seq,
		Leader:  -1,
		Replica: -1,
	})
}

func (sm *StateManager) stateTimeout(cid, seq int32) {
	sm.lockTimer.Lock()
	defer sm.lockTimer.Unlock()
	if cid == -1 || cid != sm.waitingCID.Load() || seq != sm.attemptSeq {
		sm.log.Debugf("ignoring expiry of attempt %d for cid %d", seq, cid)
		return
	}
	sm.attemptLog().Warnf("timeout waiting for the state from %d", sm.replica)
	sm.retry()
}

// SMRequestDeliver answers a state request. Only the designated replica
// sends the serialized state; every replica sends its hash.
func (sm *StateManager) SMRequestDeliver(msg *Message) {
	sendFull := msg.Replica == sm.me
	st := sm.recoverer.GetState(msg.Cid, sendFull)
	if st == nil {
		st = sm.recoverer.GetState(-1, sendFull)
	}
	reply := &Message{
		Sender:  sm.me,
		Cid:     msg.Cid,
		Type:    SM_REPLY,
		Regency: sm.lc.LastRegency(),
		Leader:  sm.window.CurrentLeader(),
		State:   st,
		View:    sm.controller.CurrentView(),
		Replica: -1,
	}
	sm.log.Debugf("sending state for cid %d to %d, full=%v", msg.Cid, msg.Sender, sendFull)
	sm.comm.Send([]int32{msg.Sender}, reply)
}

// SMReplyDeliver collects a state reply and installs the state once the
// replies agree on it.
func (sm *StateManager) SMReplyDeliver(msg *Message) {
	sm.lockTimer.Lock()
	defer sm.lockTimer.Unlock()

	waiting := sm.waitingCID.Load()
	if waiting == -1 || msg.Cid != waiting || msg.State == nil {
		return
	}
	if !sm.controller.IsCurrentMember(msg.Sender) || msg.Sender == sm.me {
		return
	}
	log := sm.attemptLog()

	regency, leader := int32(-1), int32(-1)
	var current *view.View
	var proof *consensus.CertifiedDecision
	if !sm.appStateOnly {
		sm.senderRegencies[msg.Sender] = msg.Regency
		sm.senderLeaders[msg.Sender] = msg.Leader
		sm.senderViews[msg.Sender] = msg.View
		sm.senderProofs[msg.Sender] = msg.State.CertifiedDecision
		if sm.enoughRegencies(msg.Regency) {
			regency = msg.Regency
		}
		if sm.enoughLeaders(msg.Leader) {
			leader = msg.Leader
		}
		if msg.View != nil && sm.enoughViews(msg.View) {
			current = msg.View
		}
		proof = sm.enoughProofs(waiting)
	} else {
		leader = sm.window.CurrentLeader()
		regency = sm.lc.LastRegency()
		current = sm.controller.CurrentView()
	}

	if msg.Sender == sm.replica && msg.State.State != nil {
		log.Debugf("designated replica %d sent the state", msg.Sender)
		sm.state = msg.State
		sm.timer.Stop()
	}
	sm.senderStates[msg.Sender] = msg.State

	if !sm.enoughReplies() {
		return
	}

	haveState := sm.haveState()
	replies := len(sm.senderStates)
	n, f := sm.controller.CurrentViewN(), sm.controller.CurrentViewF()
	switch {
	case haveState == 1 && regency > -1 && leader > -1 && current != nil &&
		(!sm.controller.IsBFT() || proof != nil || sm.appStateOnly):
		sm.install(regency, leader, current, proof)
	case haveState == -1:
		log.Warnf("state from %d does not match the other replicas", sm.replica)
		sm.retry()
	case haveState == 0 && replies >= n-f:
		log.Warnf("could not obtain the state from %d replies, retrying", replies)
		sm.retry()
	case replies >= n-1:
		log.Warnf("all replicas answered without agreement, retrying")
		sm.retry()
	}
}

func (sm *StateManager) enoughReplies() bool {
	return len(sm.senderStates) > sm.controller.CurrentViewF()
}

func (sm *StateManager) enoughRegencies(regency int32) bool {
	return lo.CountBy(lo.Values(sm.senderRegencies), func(r int32) bool {
		return r == regency
	}) > sm.controller.Quorum()
}

func (sm *StateManager) enoughLeaders(leader int32) bool {
	return lo.CountBy(lo.Values(sm.senderLeaders), func(l int32) bool {
		return l == leader
	}) > sm.controller.Quorum()
}

func (sm *StateManager) enoughViews(v *view.View) bool {
	return lo.CountBy(lo.Values(sm.senderViews), func(o *view.View) bool {
		return o != nil && o.Equals(v)
	}) > sm.controller.Quorum()
}

// enoughProofs returns a certified decision of cid backed by more than a
// quorum of replies carrying valid certificates for the same value.
func (sm *StateManager) enoughProofs(cid int32) *consensus.CertifiedDecision {
	valid := lo.Filter(lo.Values(sm.senderProofs), func(cd *consensus.CertifiedDecision, _ int) bool {
		return cd != nil && cd.Cid == cid && sm.lc.HasValidProof(cd)
	})
	groups := lo.GroupBy(valid, func(cd *consensus.CertifiedDecision) string {
		return string(sm.tom.ComputeHash(cd.Decision))
	})
	for _, g := range groups {
		if len(g) > sm.controller.Quorum() {
			return g[0]
		}
	}
	return nil
}

// haveState compares the state of the designated replica with the hashes
// sent by the others: 1 when enough of them vouch for it, -1 when more than
// f of them agree on something else, 0 otherwise.
func (sm *StateManager) haveState() int {
	if sm.state == nil {
		return 0
	}
	hash := sm.tom.ComputeHash(sm.state.State)
	others := lo.Filter(lo.Entries(sm.senderStates), func(e lo.Entry[int32, *ApplicationState], _ int) bool {
		return e.Key != sm.replica && e.Value != nil
	})
	f := sm.controller.CurrentViewF()

	matching := lo.CountBy(others, func(e lo.Entry[int32, *ApplicationState]) bool {
		return bytes.Equal(e.Value.StateHash, hash)
	})
	if matching >= max(1, f) {
		return 1
	}
	groups := lo.GroupBy(others, func(e lo.Entry[int32, *ApplicationState]) string {
		return string(e.Value.StateHash)
	})
	for _, g := range groups {
		if len(g) > f {
			return -1
		}
	}
	return 0
}

// install applies an agreed state. Must hold lockTimer.
func (sm *StateManager) install(regency, leader int32, current *view.View, proof *consensus.CertifiedDecision) {
	log := sm.attemptLog()
	waiting := sm.waitingCID.Load()

	sm.lc.SetLastRegency(regency)
	sm.lc.SetNextRegency(regency)
	sm.lc.SetNewLeader(leader)
	sm.window.SetNewLeader(leader)

	if regency > 0 {
		sm.lc.RemoveStopRetransmissions(regency - 1)
	}

	sm.tom.DeliverLock()
	lastCID, err := sm.recoverer.InstallState(sm.state)
	if err != nil {
		sm.tom.DeliverUnlock()
		log.Errorf("installing state from %d: %v", sm.replica, err)
		sm.retry()
		return
	}
	sm.waitingCID.Store(-1)
	sm.tom.SetLastExec(lastCID)
	if proof != nil && !sm.appStateOnly {
		sm.replayDecision(waiting, proof)
	}

	if !sm.appStateOnly && sm.window.Stopped() {
		for _, m := range sm.window.StoppedMessages() {
			if m.Number > lastCID {
				sm.window.AddOutOfContextMessage(m)
			}
		}
		sm.window.Restart()
	}
	sm.window.ProcessOutOfContext()

	if sm.controller.CurrentViewID() != current.Id {
		log.Printf("installing view %d", current.Id)
		sm.controller.ReconfigureTo(current)
	}

	sm.initializing.Store(false)
	sm.tom.CanDeliver()
	sm.tom.DeliverUnlock()

	sm.reset()
	sm.timer.Stop()
	sm.timeout = sm.baseTimeout
	sm.appStateOnly = false
	metrics.installed.Add(context.Background(), 1)
	log.Printf("installed state up to cid %d from %d", lastCID, sm.replica)
}

// replayDecision seeds the instance of cid with the round of its
// certificate that holds a quorum of ACCEPTs for the decided value, and marks
// it decided without delivering it again. Called with the delivery lock held,
// once the state is installed.
func (sm *StateManager) replayDecision(cid int32, proof *consensus.CertifiedDecision) {
	cons := sm.window.GetConsensus(cid)
	cons.Lock()
	defer cons.Unlock()

	hash := sm.tom.ComputeHash(proof.Decision)
	rounds := lo.GroupBy(proof.ConsMessages, func(cm *consensus.Message) int32 { return cm.Epoch })
	var certified []int32
	for round, msgs := range rounds {
		accepts := lo.UniqBy(lo.Filter(msgs, func(cm *consensus.Message, _ int) bool {
			return cm.Type == consensus.ACCEPT && bytes.Equal(cm.Value, hash)
		}), func(cm *consensus.Message) int32 { return cm.Sender })
		if len(accepts) > sm.controller.Quorum() {
			certified = append(certified, round)
		}
	}
	if len(certified) == 0 {
		sm.log.Errorf("certificate of cid %d has no round with a quorum of ACCEPTs", cid)
		return
	}

	round := lo.Max(certified)
	e := cons.Epoch(round, true)
	for _, cm := range rounds[round] {
		e.AddToProof(cm)
		switch cm.Type {
		case consensus.ACCEPT:
			e.SetAccept(cm.Sender, cm.Value)
		case consensus.WRITE:
			e.SetWrite(cm.Sender, cm.Value)
		}
	}
	value := sm.tom.CheckProposedValue(proof.Decision, false)
	e.InstallDecidedValue(proof.Decision, hash, value)
	// Readers of an instance decided earlier wait on its own epoch.
	if de := cons.Decision().DecisionEpoch(); de != nil && de != e && bytes.Equal(cons.Decision().Hash(), hash) {
		de.InstallDecidedValue(proof.Decision, hash, value)
	}
	cons.Decided(e, false)
}

// AskCurrentConsensusID asks every replica for its last executed consensus
// id, repeating the question until this replica is initialized or ctx ends.
func (sm *StateManager) AskCurrentConsensusID(ctx context.Context) {
	if sm.controller.CurrentViewN() == 1 {
		sm.initializing.Store(false)
		return
	}
	msg := &Message{Sender: sm.me, Cid: -1, Type: SM_ASK_INITIAL, Replica: -1}
	sm.comm.Send(sm.controller.CurrentViewAcceptors(), msg)

	go func() {
		ticker := time.NewTicker(askInterval)
		defer ticker.Stop()
		for sm.initializing.Load() {
			select {
			case <-ticker.C:
				if sm.initializing.Load() && sm.waitingCID.Load() == -1 {
					sm.comm.Send(sm.controller.CurrentViewOtherAcceptors(), msg)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (sm *StateManager) CurrentConsensusIDAsked(sender int32) {
	sm.comm.Send([]int32{sender}, &Message{
		Sender:  sm.me,
		Cid:     sm.tom.LastExec(),
		Type:    SM_REPLY_INITIAL,
		Replica: -1,
	})
}

// CurrentConsensusIDReceived counts the consensus ids reported by the other
// replicas. Once more than a quorum agree, the replica either starts
// delivering or requests the state at that id.
func (sm *StateManager) CurrentConsensusIDReceived(msg *Message) {
	sm.lockTimer.Lock()
	defer sm.lockTimer.Unlock()
	if !sm.initializing.Load() || sm.waitingCID.Load() > -1 {
		return
	}
	sm.senderCIDs[msg.Sender] = msg.Cid

	groups := lo.GroupBy(lo.Values(sm.senderCIDs), func(cid int32) int32 { return cid })
	for cid, g := range groups {
		if len(g) <= sm.controller.Quorum() {
			continue
		}
		sm.senderCIDs = make(map[int32]int32)
		if cid <= sm.tom.LastExec() {
			sm.log.Printf("state is up to date at cid %d", sm.tom.LastExec())
			sm.tom.DeliverLock()
			sm.initializing.Store(false)
			sm.tom.CanDeliver()
			sm.tom.DeliverUnlock()
			return
		}
		sm.log.Printf("replicas are at cid %d, requesting state", cid)
		sm.waitingCID.Store(cid)
		sm.reset()
		sm.requestState()
		return
	}
}
