package paxos

import (
	"context"

	"github.com/imdea-software/bftsmr/consensus"
	"github.com/imdea-software/bftsmr/dlog"
	"github.com/imdea-software/bftsmr/rpc"
)

// MessageHandler filters consensus messages before they reach the acceptor.
// ACCEPTs must carry a proof that verifies for the local replica, except in
// CFT mode where an authenticated channel is enough.
type MessageHandler struct {
	me       int32
	bft      bool
	prover   *Prover
	acceptor *Acceptor
	log      *dlog.Logger
}

func NewMessageHandler(acceptor *Acceptor, prover *Prover, log *dlog.Logger) *MessageHandler {
	return &MessageHandler{
		me:       acceptor.me,
		bft:      acceptor.controller.IsBFT(),
		prover:   prover,
		acceptor: acceptor,
		log:      log,
	}
}

// Handle delivers env to the acceptor if it passes authentication. It
// reports whether the message was delivered.
func (h *MessageHandler) Handle(env rpc.Envelope) bool {
	msg, ok := env.Msg.(*consensus.Message)
	if !ok {
		return false
	}
	authenticated := env.Authenticated && env.From == msg.Sender

	switch {
	case msg.Sender == h.me && env.From == h.me:
	case msg.Type == consensus.ACCEPT && msg.Proof != nil:
		if !h.prover.VerifyAccept(msg) {
			h.drop(msg, "invalid proof")
			return false
		}
	case msg.Type == consensus.ACCEPT:
		if h.bft || !authenticated {
			h.drop(msg, "missing proof")
			return false
		}
	case !authenticated:
		h.drop(msg, "unauthenticated channel")
		return false
	}

	h.acceptor.Deliver(msg)
	return true
}

func (h *MessageHandler) drop(msg *consensus.Message, reason string) {
	h.log.Warnf("dropping %v: %s", msg, reason)
	metrics.authDropped.Add(context.Background(), 1)
}
