package recovery

import "github.com/imdea-software/bftsmr/consensus"

// ExecutionManager is the window of open consensus instances.
type ExecutionManager interface {
	GetConsensus(cid int32) *consensus.Consensus
	CurrentLeader() int32
	SetNewLeader(leader int32)
	// IsDecidable reports whether more than f replicas were seen voting
	// in cid.
	IsDecidable(cid int32) bool
	Stopped() bool
	// StoppedMessages drains the messages kept while the window was stopped.
	StoppedMessages() []*consensus.Message
	AddOutOfContextMessage(msg *consensus.Message)
	Restart()
	ProcessOutOfContext()
}

// TOMLayer is the ordering layer that executes decisions.
type TOMLayer interface {
	ComputeHash(value []byte) []byte
	CheckProposedValue(value []byte, addToClientManager bool) any
	LastExec() int32
	SetLastExec(cid int32)
	DeliverLock()
	DeliverUnlock()
	// CanDeliver wakes the delivery loop after a state install.
	CanDeliver()
}

// LCManager is the leader change module.
type LCManager interface {
	LastRegency() int32
	SetLastRegency(regency int32)
	SetNextRegency(regency int32)
	SetNewLeader(leader int32)
	HasValidProof(cd *consensus.CertifiedDecision) bool
	RemoveStopRetransmissions(regency int32)
}

// Recoverer reads and installs application snapshots.
type Recoverer interface {
	// GetState returns the state as of cid (-1 for the latest), or nil if
	// it is not available. The serialized state is only set when sendFull.
	GetState(cid int32, sendFull bool) *ApplicationState
	InstallState(state *ApplicationState) (int32, error)
}

// Communication sends state transfer messages. Sending to the local replica
// must loop the message back.
type Communication interface {
	Send(targets []int32, msg *Message)
}
