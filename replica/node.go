package replica

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/imdea-software/bftsmr/auth"
	"github.com/imdea-software/bftsmr/config"
	"github.com/imdea-software/bftsmr/consensus"
	"github.com/imdea-software/bftsmr/dlog"
	"github.com/imdea-software/bftsmr/paxos"
	"github.com/imdea-software/bftsmr/recovery"
	"github.com/imdea-software/bftsmr/rpc"
	"github.com/imdea-software/bftsmr/state"
	"github.com/imdea-software/bftsmr/view"
)

// Node is a complete replica.
type Node struct {
	*Replica

	controller *view.Controller
	prover     *paxos.Prover
	acceptor   *paxos.Acceptor
	handler    *paxos.MessageHandler
	proposer   *paxos.Proposer
	window     *ExecutionWindow
	tom        *TOMLayer
	lc         *LCManager
	sm         *recovery.StateManager
	recoverer  *state.Recoverer
	sender     Sender

	consensusChan chan rpc.Envelope
	recoveryChan  chan rpc.Envelope
	requeued      chan *consensus.Message
}

func loadKeys(c *config.Config) (*auth.Signer, *auth.KeyRing, error) {
	if c.KeysDir == "" {
		return auth.DerivedKeys([]byte(c.Secret), c.Id, c.IDs())
	}
	signer, err := auth.LoadSigner(c.KeysDir, c.Id)
	if err != nil {
		return nil, nil, err
	}
	ring, err := auth.LoadKeyRing(c.KeysDir, c.IDs())
	if err != nil {
		return nil, nil, err
	}
	return signer, ring, nil
}

// NewNode builds a replica from c. ctx bounds the lifetime of the node's
// background work.
func NewNode(ctx context.Context, c *config.Config, l *dlog.Logger) (*Node, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	signer, ring, err := loadKeys(c)
	if err != nil {
		return nil, errors.Wrap(err, "loading signing keys")
	}
	l = l.WithField("replica", c.Id)

	controller := view.NewController(c.Id, c.View(), c.BFT)
	keys := auth.NewKeyStore(c.Id)
	keys.DeriveSecrets([]byte(c.Secret), c.IDs())

	n := &Node{
		Replica:       New(controller, l),
		controller:    controller,
		recoverer:     state.NewRecoverer(state.InitState(), c.LogRetain),
		consensusChan: make(chan rpc.Envelope, CHAN_BUFFER_SIZE),
		recoveryChan:  make(chan rpc.Envelope, CHAN_BUFFER_SIZE),
		requeued:      make(chan *consensus.Message, CHAN_BUFFER_SIZE),
	}
	n.sender = NewSender(ctx, n.Replica)
	ccomm := consensusSender{s: n.sender, code: n.RPC.Register(new(consensus.Message), n.consensusChan)}
	rcomm := recoverySender{s: n.sender, code: n.RPC.Register(new(recovery.Message), n.recoveryChan)}

	n.prover = paxos.NewProver(ctx, controller, keys, signer, ring, l)
	n.acceptor = paxos.NewAcceptor(controller, ccomm, n.prover, l)
	n.handler = paxos.NewMessageHandler(n.acceptor, n.prover, l)
	n.proposer = paxos.NewProposer(controller, ccomm)

	n.window = NewExecutionWindow(controller, c.HighMark, c.RevivalHighMark, func(m *consensus.Message) {
		n.requeued <- m
	}, l)
	n.tom = NewTOMLayer(controller, n.window, n.proposer, n.recoverer, c.BatchSize, l)
	n.lc = NewLCManager(n.prover, n.tom.ComputeHash, n.window.CurrentLeader(), l)
	n.sm = recovery.NewStateManager(controller, rcomm, n.recoverer, c.StateTimeout, l)

	n.sm.Init(n.window, n.tom, n.lc)
	n.window.Init(n.tom, n.tom, n.sm)
	n.tom.SetRetriever(n.sm)
	n.acceptor.SetExecutionManager(n.window)
	n.acceptor.SetTOMLayer(n.tom)
	return n, nil
}

// Run starts the replica and blocks until ctx ends.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Listen(ctx); err != nil {
		return errors.Wrap(err, "listen")
	}
	go n.tom.Run(ctx)
	go n.consensusLoop(ctx)
	go n.recoveryLoop(ctx)

	n.ConnectToPeers(ctx)
	n.sm.AskCurrentConsensusID(ctx)
	<-ctx.Done()
	return nil
}

// consensusLoop is the only goroutine that runs the acceptor.
func (n *Node) consensusLoop(ctx context.Context) {
	for {
		select {
		case env := <-n.consensusChan:
			n.handler.Handle(env)
		case m := <-n.requeued:
			n.acceptor.Deliver(m)
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) recoveryLoop(ctx context.Context) {
	for {
		select {
		case env := <-n.recoveryChan:
			msg, ok := env.Msg.(*recovery.Message)
			if !ok {
				continue
			}
			if !env.Authenticated || env.From != msg.Sender {
				n.Warnf("dropping %v received from %d", msg, env.From)
				continue
			}
			n.sm.Deliver(msg)
		case <-ctx.Done():
			return
		}
	}
}

// Submit orders cmd through consensus and returns its result.
func (n *Node) Submit(ctx context.Context, cmd state.Command) (state.Value, error) {
	return n.tom.Submit(ctx, cmd)
}

// Reconfigure orders the installation of next as the new view.
func (n *Node) Reconfigure(ctx context.Context, next *view.View) error {
	_, err := n.Submit(ctx, state.NewReconfig(uuid.New(), n.controller.CurrentViewID(), next))
	return err
}

func (n *Node) Controller() *view.Controller {
	return n.controller
}

func (n *Node) State() *state.State {
	return n.recoverer.State()
}

func (n *Node) LastExec() int32 {
	return n.tom.LastExec()
}

func (n *Node) IsRetrievingState() bool {
	return n.sm.IsRetrievingState()
}
