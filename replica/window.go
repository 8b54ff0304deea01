package replica

import (
	"strconv"
	"sync"

	"github.com/orcaman/concurrent-map"

	"github.com/imdea-software/bftsmr/consensus"
	"github.com/imdea-software/bftsmr/dlog"
	"github.com/imdea-software/bftsmr/view"
)

// progress is what the window needs from the ordering layer.
type progress interface {
	LastExec() int32
	InExec() int32
}

// analyzer is what the window needs from state transfer.
type analyzer interface {
	IsRetrievingState() bool
	AnalyzeState(cid int32)
}

// ExecutionWindow tracks the open consensus instances and holds on to
// messages that arrive before their instance can run.
type ExecutionWindow struct {
	controller      *view.Controller
	deliverer       consensus.Deliverer
	tom             progress
	sm              analyzer
	requeue         func(*consensus.Message)
	highMark        int32
	revivalHighMark int32
	log             *dlog.Logger

	consensuses cmap.ConcurrentMap

	mu           sync.Mutex
	outOfContext map[int32][]*consensus.Message
	stopped      bool
	stoppedMsgs  []*consensus.Message
	leader       int32
	// highest cid seen from each replica beyond the revival mark
	ahead map[int32]int32
}

// NewExecutionWindow returns a window whose buffered messages are handed
// back through requeue once their instance is current. requeue is called on
// its own goroutine.
func NewExecutionWindow(controller *view.Controller, highMark, revivalHighMark int32,
	requeue func(*consensus.Message), log *dlog.Logger) *ExecutionWindow {
	return &ExecutionWindow{
		controller:      controller,
		requeue:         requeue,
		highMark:        highMark,
		revivalHighMark: revivalHighMark,
		log:             log,
		consensuses:     cmap.New(),
		outOfContext:    make(map[int32][]*consensus.Message),
		leader:          lowest(controller.CurrentViewAcceptors()),
		ahead:           make(map[int32]int32),
	}
}

func lowest(ids []int32) int32 {
	if len(ids) == 0 {
		return -1
	}
	l := ids[0]
	for _, id := range ids[1:] {
		if id < l {
			l = id
		}
	}
	return l
}

func (w *ExecutionWindow) Init(deliverer consensus.Deliverer, tom progress, sm analyzer) {
	w.deliverer = deliverer
	w.tom = tom
	w.sm = sm
}

func key(cid int32) string {
	return strconv.Itoa(int(cid))
}

// GetConsensus returns the instance of cid, creating it if needed.
func (w *ExecutionWindow) GetConsensus(cid int32) *consensus.Consensus {
	var c *consensus.Consensus
	w.consensuses.Upsert(key(cid), nil,
		func(exists bool, mapV, _ interface{}) interface{} {
			if exists {
				c = mapV.(*consensus.Consensus)
				return c
			}
			c = consensus.New(cid, w.controller, w.deliverer)
			return c
		})
	return c
}

// RemoveConsensus retires the instances before cid. The instance of cid
// itself is kept so its certificate can still be served.
func (w *ExecutionWindow) RemoveConsensus(cid int32) {
	for _, k := range w.consensuses.Keys() {
		if n, err := strconv.Atoi(k); err == nil && int32(n) < cid {
			w.consensuses.Remove(k)
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for c := range w.outOfContext {
		if c <= cid {
			delete(w.outOfContext, c)
		}
	}
}

// CheckLimits reports whether msg belongs to the instance currently running.
// Messages for later instances are buffered, up to the high mark, and
// messages for executed instances are dropped.
func (w *ExecutionWindow) CheckLimits(msg *consensus.Message) bool {
	lastExec := w.tom.LastExec()
	inExec := w.tom.InExec()
	retrieving := w.sm.IsRetrievingState()
	cid := msg.Number

	w.mu.Lock()
	canProcess, analyze := false, false
	switch {
	case cid <= lastExec:
		w.log.Debugf("dropping %v: cid %d already executed", msg, lastExec)
	case w.stopped:
		w.stoppedMsgs = append(w.stoppedMsgs, msg)
	case retrieving || (inExec != -1 && cid != inExec) || (inExec == -1 && cid != lastExec+1):
		if cid <= lastExec+w.highMark {
			w.outOfContext[cid] = append(w.outOfContext[cid], msg)
		} else {
			w.log.Debugf("dropping %v: beyond the high mark", msg)
		}
		if cid > lastExec+w.revivalHighMark && msg.Sender != w.controller.Me() {
			if cid > w.ahead[msg.Sender] {
				w.ahead[msg.Sender] = cid
			}
			analyze = !retrieving
		}
	default:
		canProcess = true
	}
	w.mu.Unlock()

	if analyze {
		w.sm.AnalyzeState(cid)
	}
	return canProcess
}

// IsDecidable reports whether more than f replicas were seen running cid or
// a later instance.
func (w *ExecutionWindow) IsDecidable(cid int32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	seen := 0
	for _, c := range w.ahead {
		if c >= cid {
			seen++
		}
	}
	return seen > w.controller.CurrentViewF()
}

func (w *ExecutionWindow) AddOutOfContextMessage(msg *consensus.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outOfContext[msg.Number] = append(w.outOfContext[msg.Number], msg)
}

// ProcessOutOfContext hands the buffered messages of the next instance back
// for processing. They are not processed on the calling goroutine, which may
// hold the lock of an instance.
func (w *ExecutionWindow) ProcessOutOfContext() {
	next := w.tom.InExec()
	if next == -1 {
		next = w.tom.LastExec() + 1
	}

	w.mu.Lock()
	msgs := w.outOfContext[next]
	delete(w.outOfContext, next)
	w.mu.Unlock()

	if len(msgs) == 0 {
		return
	}
	w.log.Debugf("processing %d out of context messages for cid %d", len(msgs), next)
	go func() {
		for _, m := range msgs {
			w.requeue(m)
		}
	}()
}

// OutOfContext returns how many messages are buffered for cid.
func (w *ExecutionWindow) OutOfContext(cid int32) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.outOfContext[cid])
}

func (w *ExecutionWindow) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
}

func (w *ExecutionWindow) Stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

func (w *ExecutionWindow) StoppedMessages() []*consensus.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	msgs := w.stoppedMsgs
	w.stoppedMsgs = nil
	return msgs
}

func (w *ExecutionWindow) Restart() {
	w.mu.Lock()
	w.stopped = false
	msgs := w.stoppedMsgs
	w.stoppedMsgs = nil
	for _, m := range msgs {
		w.outOfContext[m.Number] = append(w.outOfContext[m.Number], m)
	}
	w.mu.Unlock()
	w.ProcessOutOfContext()
}

func (w *ExecutionWindow) CurrentLeader() int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.leader
}

func (w *ExecutionWindow) SetNewLeader(leader int32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.leader = leader
}
