package consensus

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"

	"github.com/imdea-software/bftsmr/rpc"
)

type MessageType int32

const (
	PROPOSE MessageType = 44781
	WRITE   MessageType = 44782
	ACCEPT  MessageType = 44783
)

func (t MessageType) String() string {
	switch t {
	case PROPOSE:
		return "PROPOSE"
	case WRITE:
		return "WRITE"
	case ACCEPT:
		return "ACCEPT"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(t))
}

// ProofKind is the wire discriminant of a Proof.
type ProofKind uint8

const (
	ProofMACVector ProofKind = 1
	ProofSignature ProofKind = 2
)

// Proof authenticates an ACCEPT message towards third parties. Exactly one of
// MACs or Signature is meaningful, selected by Kind.
type Proof struct {
	Kind      ProofKind
	MACs      map[int32][]byte
	Signature []byte
}

func NewMACVector(macs map[int32][]byte) *Proof {
	return &Proof{Kind: ProofMACVector, MACs: macs}
}

func NewSignatureProof(sig []byte) *Proof {
	return &Proof{Kind: ProofSignature, Signature: sig}
}

func (p *Proof) Marshal(w io.Writer) {
	rpc.WriteByte(w, byte(p.Kind))
	switch p.Kind {
	case ProofMACVector:
		ids := make([]int32, 0, len(p.MACs))
		for id := range p.MACs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		rpc.WriteInt32(w, int32(len(ids)))
		for _, id := range ids {
			rpc.WriteInt32(w, id)
			rpc.WriteBytes(w, p.MACs[id])
		}
	case ProofSignature:
		rpc.WriteBytes(w, p.Signature)
	}
}

func (p *Proof) Unmarshal(r io.Reader) error {
	kind, err := rpc.ReadByte(r)
	if err != nil {
		return err
	}
	p.Kind = ProofKind(kind)
	switch p.Kind {
	case ProofMACVector:
		n, err := rpc.ReadInt32(r)
		if err != nil {
			return err
		}
		if n < 0 || n > 1<<16 {
			return errors.Errorf("bad MAC vector size %d", n)
		}
		p.MACs = make(map[int32][]byte, n)
		for i := int32(0); i < n; i++ {
			id, err := rpc.ReadInt32(r)
			if err != nil {
				return err
			}
			mac, err := rpc.ReadBytes(r)
			if err != nil {
				return err
			}
			p.MACs[id] = mac
		}
	case ProofSignature:
		if p.Signature, err = rpc.ReadBytes(r); err != nil {
			return err
		}
	default:
		return errors.Wrapf(ErrUnknownProofKind, "kind %d", kind)
	}
	return nil
}

// Message is a PROPOSE, WRITE or ACCEPT for round Epoch of consensus Number.
type Message struct {
	Sender int32
	Number int32
	Epoch  int32
	Type   MessageType
	Value  []byte
	Proof  *Proof
}

func (m *Message) New() rpc.Serializable {
	return new(Message)
}

func (m *Message) Marshal(w io.Writer) {
	m.marshal(w, true)
}

func (m *Message) marshal(w io.Writer, withProof bool) {
	rpc.WriteInt32(w, m.Sender)
	rpc.WriteInt32(w, m.Number)
	rpc.WriteInt32(w, m.Epoch)
	rpc.WriteInt32(w, int32(m.Type))
	rpc.WriteBytes(w, m.Value)
	hasProof := withProof && m.Proof != nil
	rpc.WriteBool(w, hasProof)
	if hasProof {
		m.Proof.Marshal(w)
	}
}

func (m *Message) Unmarshal(r io.Reader) error {
	var err error
	if m.Sender, err = rpc.ReadInt32(r); err != nil {
		return errors.Wrap(err, "sender")
	}
	if m.Number, err = rpc.ReadInt32(r); err != nil {
		return errors.Wrap(err, "cid")
	}
	if m.Epoch, err = rpc.ReadInt32(r); err != nil {
		return errors.Wrap(err, "round")
	}
	t, err := rpc.ReadInt32(r)
	if err != nil {
		return errors.Wrap(err, "type")
	}
	m.Type = MessageType(t)
	if m.Value, err = rpc.ReadBytes(r); err != nil {
		return errors.Wrap(err, "value")
	}
	hasProof, err := rpc.ReadBool(r)
	if err != nil {
		return errors.Wrap(err, "proof flag")
	}
	m.Proof = nil
	if hasProof {
		m.Proof = new(Proof)
		if err := m.Proof.Unmarshal(r); err != nil {
			return errors.Wrap(err, "proof")
		}
	}
	return nil
}

// SignBytes is the canonical form covered by MACs and signatures: the
// message encoding with the proof left out.
func (m *Message) SignBytes() []byte {
	var buf bytes.Buffer
	m.marshal(&buf, false)
	return buf.Bytes()
}

// key identifies a message within an epoch proof set.
func (m *Message) key() string {
	return fmt.Sprintf("%d/%d", m.Sender, m.Type)
}

func (m *Message) String() string {
	v := ""
	if len(m.Value) > 8 {
		v = hex.EncodeToString(m.Value[:8])
	} else {
		v = hex.EncodeToString(m.Value)
	}
	return fmt.Sprintf("%v cid=%d round=%d from=%d value=%s proof=%t",
		m.Type, m.Number, m.Epoch, m.Sender, v, m.Proof != nil)
}
