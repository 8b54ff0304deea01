package state

import (
	"bytes"
	"strconv"
	"sync"

	"github.com/orcaman/concurrent-map"
	"github.com/pkg/errors"

	"github.com/imdea-software/bftsmr/consensus"
	"github.com/imdea-software/bftsmr/recovery"
)

var (
	ErrNoState      = errors.New("application state carries no serialized state")
	ErrHashMismatch = errors.New("serialized state does not match its hash")
)

type logEntry struct {
	snapshot []byte
	hash     []byte
	cd       *consensus.CertifiedDecision
}

// Recoverer executes decided batches and keeps, for the most recent ones, the
// snapshot reached and the certified decision that produced it, so that
// lagging replicas can be served.
type Recoverer struct {
	mu      sync.Mutex
	st      *State
	lastCID int32
	retain  int32
	log     cmap.ConcurrentMap
}

func NewRecoverer(st *State, retain int) *Recoverer {
	if retain < 1 {
		retain = 1
	}
	r := &Recoverer{
		st:      st,
		lastCID: -1,
		retain:  int32(retain),
		log:     cmap.New(),
	}
	r.record(-1, nil)
	return r
}

func (r *Recoverer) State() *State {
	return r.st
}

func (r *Recoverer) LastCID() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCID
}

func (r *Recoverer) record(cid int32, cd *consensus.CertifiedDecision) {
	snap := r.st.Snapshot()
	r.log.Set(strconv.Itoa(int(cid)), &logEntry{snapshot: snap, hash: Hash(snap), cd: cd})
	r.log.Remove(strconv.Itoa(int(cid - r.retain)))
}

// Execute applies the batch decided in cid.
func (r *Recoverer) Execute(cid int32, b *Batch, cd *consensus.CertifiedDecision) []Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := b.Execute(r.st)
	r.lastCID = cid
	r.record(cid, cd)
	return out
}

// CertifiedDecision returns the proof of a logged cid.
func (r *Recoverer) CertifiedDecision(cid int32) *consensus.CertifiedDecision {
	if e, ok := r.log.Get(strconv.Itoa(int(cid))); ok {
		return e.(*logEntry).cd
	}
	return nil
}

// GetState returns the application state as of cid, or as of the last
// executed cid when cid is -1. The serialized state is only included when
// sendFull is set. Returns nil when cid is no longer, or not yet, logged.
func (r *Recoverer) GetState(cid int32, sendFull bool) *recovery.ApplicationState {
	r.mu.Lock()
	if cid == -1 {
		cid = r.lastCID
	}
	r.mu.Unlock()

	v, ok := r.log.Get(strconv.Itoa(int(cid)))
	if !ok {
		return nil
	}
	e := v.(*logEntry)
	s := &recovery.ApplicationState{
		HasState:          true,
		StateHash:         e.hash,
		LastCID:           cid,
		CertifiedDecision: e.cd,
	}
	if sendFull {
		s.State = e.snapshot
	}
	return s
}

// InstallState replaces the application with s and returns its last cid.
func (r *Recoverer) InstallState(s *recovery.ApplicationState) (int32, error) {
	if s == nil || s.State == nil {
		return -1, ErrNoState
	}
	if !bytes.Equal(Hash(s.State), s.StateHash) {
		return -1, errors.Wrapf(ErrHashMismatch, "cid %d", s.LastCID)
	}
	if err := r.st.Restore(s.State); err != nil {
		return -1, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastCID = s.LastCID
	for _, k := range r.log.Keys() {
		r.log.Remove(k)
	}
	r.log.Set(strconv.Itoa(int(s.LastCID)), &logEntry{
		snapshot: s.State,
		hash:     s.StateHash,
		cd:       s.CertifiedDecision,
	})
	return s.LastCID, nil
}
