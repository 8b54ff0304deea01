package replica

import (
	"sync"

	"github.com/imdea-software/bftsmr/consensus"
	"github.com/imdea-software/bftsmr/dlog"
	"github.com/imdea-software/bftsmr/paxos"
)

// LCManager keeps the regency bookkeeping that state transfer relies on.
// Regencies never advance on their own: the leader of regency 0 stays in
// charge.
type LCManager struct {
	prover *paxos.Prover
	hash   func([]byte) []byte
	log    *dlog.Logger

	mu          sync.Mutex
	lastRegency int32
	nextRegency int32
	leader      int32
}

func NewLCManager(prover *paxos.Prover, hash func([]byte) []byte, leader int32, log *dlog.Logger) *LCManager {
	return &LCManager{
		prover: prover,
		hash:   hash,
		log:    log,
		leader: leader,
	}
}

func (lc *LCManager) LastRegency() int32 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.lastRegency
}

func (lc *LCManager) SetLastRegency(regency int32) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.lastRegency = regency
}

func (lc *LCManager) NextRegency() int32 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.nextRegency
}

func (lc *LCManager) SetNextRegency(regency int32) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.nextRegency = regency
}

func (lc *LCManager) Leader() int32 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.leader
}

func (lc *LCManager) SetNewLeader(leader int32) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.leader = leader
}

// HasValidProof checks the certificate of a decision: enough distinct
// replicas must have sent a verifiable ACCEPT for the decided value.
func (lc *LCManager) HasValidProof(cd *consensus.CertifiedDecision) bool {
	return lc.prover.ValidCertificate(cd, lc.hash)
}

// RemoveStopRetransmissions has nothing to cancel since no STOP messages are
// ever sent.
func (lc *LCManager) RemoveStopRetransmissions(regency int32) {
	lc.log.Debugf("no stop retransmissions up to regency %d", regency)
}
