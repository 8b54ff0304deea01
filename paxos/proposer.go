package paxos

import (
	"github.com/imdea-software/bftsmr/consensus"
	"github.com/imdea-software/bftsmr/view"
)

// Proposer starts consensus instances on the leader.
type Proposer struct {
	controller *view.Controller
	comm       Communication
	factory    *consensus.MessageFactory
}

func NewProposer(controller *view.Controller, comm Communication) *Proposer {
	return &Proposer{
		controller: controller,
		comm:       comm,
		factory:    consensus.NewMessageFactory(controller.Me()),
	}
}

// StartConsensus proposes value for cid to every current acceptor,
// including the local one.
func (p *Proposer) StartConsensus(cid int32, value []byte) {
	p.comm.Send(p.controller.CurrentViewAcceptors(), p.factory.CreatePropose(cid, 0, value))
}
