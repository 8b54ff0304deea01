// Package replica assembles a running replica: the TCP mesh between
// replicas, the execution window, the ordering layer that executes decided
// batches, the leader-change stub and the node that wires them to the
// consensus and state transfer protocols.
package replica

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/imdea-software/bftsmr/dlog"
	"github.com/imdea-software/bftsmr/rpc"
	"github.com/imdea-software/bftsmr/view"
)

const (
	CHAN_BUFFER_SIZE = 200000
	dialRetry        = time.Second
)

// Replica is the transport of one replica. Every replica dials each peer
// once and writes to it over that connection; it reads from the connections
// peers dialed to it. A connection starts with the 4-byte id of the dialer.
type Replica struct {
	*dlog.Logger

	M          sync.Mutex
	Id         int32
	controller *view.Controller

	PeerWriters map[int32]*bufio.Writer
	peers       map[int32]net.Conn
	Alive       map[int32]bool

	RPC      *rpc.Table
	Listener net.Listener
	Shutdown bool
}

func New(controller *view.Controller, l *dlog.Logger) *Replica {
	return &Replica{
		Logger:      l,
		Id:          controller.Me(),
		controller:  controller,
		PeerWriters: make(map[int32]*bufio.Writer),
		peers:       make(map[int32]net.Conn),
		Alive:       make(map[int32]bool),
		RPC:         rpc.NewTable(),
	}
}

// Listen opens the local listening socket and starts accepting peers.
func (r *Replica) Listen(ctx context.Context) error {
	addr := r.controller.CurrentView().Address(r.Id)
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	r.M.Lock()
	r.Listener = l
	r.M.Unlock()
	go r.waitForPeerConnections()
	go func() {
		<-ctx.Done()
		r.Close()
	}()
	return nil
}

// ConnectToPeers dials every other member of the current view, retrying
// until it succeeds or ctx ends.
func (r *Replica) ConnectToPeers(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range r.controller.CurrentViewOtherAcceptors() {
		wg.Add(1)
		go func(id int32) {
			defer wg.Done()
			for ctx.Err() == nil {
				if r.connect(ctx, id) == nil {
					return
				}
				select {
				case <-time.After(dialRetry):
				case <-ctx.Done():
				}
			}
		}(id)
	}
	wg.Wait()
	r.Printf("Replica %d: done connecting to peers", r.Id)
}

func (r *Replica) connect(ctx context.Context, id int32) error {
	addr := r.controller.CurrentView().Address(id)
	if lv := r.controller.LastView(); addr == "" && lv != nil {
		addr = lv.Address(id)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	var bs [4]byte
	binary.LittleEndian.PutUint32(bs[:], uint32(r.Id))
	if _, err := conn.Write(bs[:]); err != nil {
		conn.Close()
		return err
	}
	r.M.Lock()
	defer r.M.Unlock()
	if old, ok := r.peers[id]; ok {
		old.Close()
	}
	r.peers[id] = conn
	r.PeerWriters[id] = bufio.NewWriter(conn)
	r.Alive[id] = true
	r.Printf("OUT Connected to %d", id)
	return nil
}

func (r *Replica) Close() {
	r.M.Lock()
	defer r.M.Unlock()
	r.Shutdown = true
	if r.Listener != nil {
		r.Listener.Close()
	}
	for id, conn := range r.peers {
		conn.Close()
		delete(r.PeerWriters, id)
	}
}

// SendMsg writes msg to peerId. Messages to the local replica are handed to
// the registered channel directly.
func (r *Replica) SendMsg(peerId int32, code uint8, msg rpc.Serializable) {
	if peerId == r.Id {
		r.loopback(code, msg)
		return
	}

	r.M.Lock()
	w := r.PeerWriters[peerId]
	r.M.Unlock()
	if w == nil {
		if err := r.connect(context.Background(), peerId); err != nil {
			r.Debugf("Connection to %d lost: %v", peerId, err)
			return
		}
	}

	r.M.Lock()
	defer r.M.Unlock()
	w = r.PeerWriters[peerId]
	if w == nil {
		return
	}
	w.WriteByte(code)
	msg.Marshal(w)
	if err := w.Flush(); err != nil {
		r.Warnf("Write to %d failed: %v", peerId, err)
		r.peers[peerId].Close()
		delete(r.peers, peerId)
		delete(r.PeerWriters, peerId)
		r.Alive[peerId] = false
	}
}

func (r *Replica) loopback(code uint8, msg rpc.Serializable) {
	p, exists := r.RPC.Get(code)
	if !exists {
		r.Errorf("unknown local message type %d", code)
		return
	}
	p.Chan <- rpc.Envelope{From: r.Id, Authenticated: true, Msg: msg}
}

func (r *Replica) waitForPeerConnections() {
	var bs [4]byte
	for {
		conn, err := r.Listener.Accept()
		if err != nil {
			r.M.Lock()
			shutdown := r.Shutdown
			r.M.Unlock()
			if shutdown {
				return
			}
			r.Println("Accept error:", err)
			continue
		}
		if _, err := io.ReadFull(conn, bs[:]); err != nil {
			r.Println("Connection establish error:", err)
			conn.Close()
			continue
		}
		id := int32(binary.LittleEndian.Uint32(bs[:]))
		r.Printf("IN Connected to %d", id)
		go r.replicaListener(id, conn)
	}
}

// replicaListener decodes messages arriving from rid. Channels are trusted
// to identify their peer, so envelopes carry Authenticated with From set to
// the id the dialer announced.
func (r *Replica) replicaListener(rid int32, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	for {
		msgType, err := reader.ReadByte()
		if err != nil {
			break
		}
		p, exists := r.RPC.Get(msgType)
		if !exists {
			r.Warnf("received unknown message type %d from %d", msgType, rid)
			break
		}
		obj := p.Obj.New()
		if err := obj.Unmarshal(reader); err != nil {
			r.Warnf("malformed message from %d: %v", rid, err)
			break
		}
		p.Chan <- rpc.Envelope{From: rid, Authenticated: true, Msg: obj}
	}
	r.Debugf("Connection from %d closed", rid)
}
