package paxos

import "github.com/imdea-software/bftsmr/consensus"

// ExecutionManager is the window of consensus instances currently open.
type ExecutionManager interface {
	// CheckLimits reports whether msg can be processed now. Messages that
	// cannot are buffered by the manager and redelivered later.
	CheckLimits(msg *consensus.Message) bool
	GetConsensus(cid int32) *consensus.Consensus
	CurrentLeader() int32
	// ProcessOutOfContext requeues buffered messages that became current.
	// It must not deliver them synchronously.
	ProcessOutOfContext()
}

// TOMLayer is the ordering layer on top of consensus.
type TOMLayer interface {
	ComputeHash(value []byte) []byte
	// CheckProposedValue decodes and validates a proposed value; nil means
	// the value is not acceptable.
	CheckProposedValue(value []byte, addToClientManager bool) any
	LastExec() int32
	SetInExec(cid int32)
}

// Communication sends consensus messages. Sending to the local replica must
// loop the message back.
type Communication interface {
	Send(targets []int32, msg *consensus.Message)
}

// Reconfiguring is implemented by decided values that may carry a view
// change.
type Reconfiguring interface {
	ReconfiguresView(viewID int32) bool
}
