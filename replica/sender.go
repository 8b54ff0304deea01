package replica

import (
	"context"

	"github.com/imdea-software/bftsmr/consensus"
	"github.com/imdea-software/bftsmr/recovery"
	"github.com/imdea-software/bftsmr/rpc"
)

const ARGS_NUM = CHAN_BUFFER_SIZE

type SendArg struct {
	msg     rpc.Serializable
	rpc     uint8
	targets []int32
	free    func()
}

// Sender serializes outgoing messages on a single goroutine, so protocol
// code never blocks on a socket.
type Sender chan SendArg

func NewSender(ctx context.Context, r *Replica) Sender {
	s := Sender(make(chan SendArg, ARGS_NUM))

	go func() {
		for {
			select {
			case arg := <-s:
				for _, id := range arg.targets {
					r.SendMsg(id, arg.rpc, arg.msg)
				}
				if arg.free != nil {
					arg.free()
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return s
}

func (s Sender) SendToAndFree(targets []int32, msg rpc.Serializable, rpc uint8, free func()) {
	s <- SendArg{
		msg:     msg,
		rpc:     rpc,
		targets: targets,
		free:    free,
	}
}

func (s Sender) SendTo(targets []int32, msg rpc.Serializable, rpc uint8) {
	s.SendToAndFree(targets, msg, rpc, nil)
}

// consensusSender sends consensus messages under their registered code.
type consensusSender struct {
	s    Sender
	code uint8
}

func (c consensusSender) Send(targets []int32, msg *consensus.Message) {
	c.s.SendTo(targets, msg, c.code)
}

// recoverySender sends state transfer messages under their registered code.
type recoverySender struct {
	s    Sender
	code uint8
}

func (c recoverySender) Send(targets []int32, msg *recovery.Message) {
	c.s.SendTo(targets, msg, c.code)
}
