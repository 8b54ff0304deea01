// Package paxos runs the Byzantine consensus protocol for each instance: the
// acceptor state machine (PROPOSE, WRITE, ACCEPT), the proposer and the
// proofs that let ACCEPT messages be checked by third parties.
package paxos

import (
	"bytes"
	"context"

	"github.com/imdea-software/bftsmr/consensus"
	"github.com/imdea-software/bftsmr/dlog"
	"github.com/imdea-software/bftsmr/view"
)

// Acceptor processes consensus messages. In BFT mode an instance goes
// through PROPOSE, a WRITE quorum and an ACCEPT quorum; in CFT mode the
// WRITE phase is skipped.
type Acceptor struct {
	me         int32
	controller *view.Controller
	factory    *consensus.MessageFactory
	comm       Communication
	prover     *Prover
	window     ExecutionManager
	tom        TOMLayer
	log        *dlog.Logger
}

func NewAcceptor(controller *view.Controller, comm Communication, prover *Prover, log *dlog.Logger) *Acceptor {
	me := controller.Me()
	return &Acceptor{
		me:         me,
		controller: controller,
		factory:    consensus.NewMessageFactory(me),
		comm:       comm,
		prover:     prover,
		log:        log,
	}
}

func (a *Acceptor) SetExecutionManager(w ExecutionManager) {
	a.window = w
}

func (a *Acceptor) SetTOMLayer(t TOMLayer) {
	a.tom = t
}

func (a *Acceptor) Factory() *consensus.MessageFactory {
	return a.factory
}

// Deliver hands msg to the protocol if its instance is open; otherwise the
// execution manager keeps it for later.
func (a *Acceptor) Deliver(msg *consensus.Message) {
	if a.window.CheckLimits(msg) {
		a.ProcessMessage(msg)
	} else {
		a.log.Debugf("out of context: %v", msg)
	}
}

// ProcessMessage handles msg while holding the lock of its instance.
func (a *Acceptor) ProcessMessage(msg *consensus.Message) {
	cons := a.window.GetConsensus(msg.Number)
	cons.Lock()
	defer cons.Unlock()

	epoch := cons.Epoch(msg.Epoch, true)
	switch msg.Type {
	case consensus.PROPOSE:
		a.proposeReceived(epoch, msg)
	case consensus.WRITE:
		a.writeReceived(epoch, msg.Sender, msg.Value)
	case consensus.ACCEPT:
		a.acceptReceived(epoch, msg)
	default:
		a.log.Debugf("unknown consensus message %v", msg)
	}
}

func (a *Acceptor) proposeReceived(epoch *consensus.Epoch, msg *consensus.Message) {
	cons := epoch.Consensus()
	if msg.Sender != a.window.CurrentLeader() || epoch.Round() != 0 || cons.Ets() != 0 {
		a.log.Debugf("ignoring %v: leader=%d ets=%d", msg, a.window.CurrentLeader(), cons.Ets())
		return
	}
	a.executePropose(epoch, msg.Value)
}

func (a *Acceptor) executePropose(epoch *consensus.Epoch, value []byte) {
	cons := epoch.Consensus()
	cid := cons.ID()
	if epoch.HasProposal() {
		a.log.Debugf("cid %d round %d already has a proposal", cid, epoch.Round())
		return
	}
	hash := a.tom.ComputeHash(value)
	batch := a.tom.CheckProposedValue(value, true)
	if !epoch.SetProposal(value, hash, batch) {
		return
	}
	cons.AddWritten(value)

	if cid == a.tom.LastExec()+1 {
		a.tom.SetInExec(cid)
	}
	if batch == nil {
		a.log.Warnf("cid %d: proposed value rejected", cid)
		return
	}

	if a.controller.IsBFT() {
		epoch.SetWrite(a.me, hash)
		a.comm.Send(a.controller.CurrentViewOtherAcceptors(), a.factory.CreateWrite(cid, epoch.Round(), hash))
		epoch.WriteSent()
		a.computeWrite(epoch, hash)
	} else {
		epoch.SetAccept(a.me, hash)
		cons.SetQuorumWrites(epoch.Round(), hash)
		a.comm.Send(a.controller.CurrentViewOtherAcceptors(), a.factory.CreateAccept(cid, epoch.Round(), hash))
		epoch.AcceptSent()
		a.computeAccept(epoch, hash)
	}
	a.window.ProcessOutOfContext()
}

func (a *Acceptor) writeReceived(epoch *consensus.Epoch, sender int32, value []byte) {
	if !epoch.SetWrite(sender, value) {
		a.log.Debugf("WRITE from non-member %d", sender)
		return
	}
	a.computeWrite(epoch, value)
}

// computeWrite sends our ACCEPT once a quorum of WRITEs for the proposed
// value is in.
func (a *Acceptor) computeWrite(epoch *consensus.Epoch, value []byte) {
	votes := epoch.CountWrite(value)
	if votes <= a.controller.Quorum() || epoch.IsAcceptSent() {
		return
	}
	if !bytes.Equal(value, epoch.PropValueHash()) {
		return
	}

	cons := epoch.Consensus()
	cons.SetQuorumWrites(epoch.Round(), value)
	epoch.SetAccept(a.me, value)

	cm := a.factory.CreateAccept(cons.ID(), epoch.Round(), value)
	a.prover.InsertProof(cm, epoch)
	epoch.AcceptSent()
	a.comm.Send(a.controller.CurrentViewOtherAcceptors(), cm)
	epoch.AddToProof(cm)
	a.computeAccept(epoch, value)
}

func (a *Acceptor) acceptReceived(epoch *consensus.Epoch, msg *consensus.Message) {
	if !epoch.SetAccept(msg.Sender, msg.Value) {
		a.log.Debugf("ACCEPT from non-member %d", msg.Sender)
		return
	}
	epoch.AddToProof(msg)
	a.computeAccept(epoch, msg.Value)
}

func (a *Acceptor) computeAccept(epoch *consensus.Epoch, value []byte) {
	if epoch.CountAccept(value) <= a.controller.Quorum() {
		return
	}
	cons := epoch.Consensus()
	if cons.IsDecided() {
		return
	}
	a.log.Debugf("cid %d decided in round %d", cons.ID(), epoch.Round())
	if cons.Decided(epoch, true) {
		metrics.decisions.Add(context.Background(), 1, modeAttr(a.controller.IsBFT()))
	}
}
