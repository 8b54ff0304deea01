package recovery

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/imdea-software/bftsmr/consensus"
	"github.com/imdea-software/bftsmr/rpc"
	"github.com/imdea-software/bftsmr/view"
)

type MessageType int32

const (
	SM_REQUEST         MessageType = 6
	SM_REPLY           MessageType = 7
	TRIGGER_SM_LOCALLY MessageType = 9
	SM_ASK_INITIAL     MessageType = 11
	SM_REPLY_INITIAL   MessageType = 12
)

func (t MessageType) String() string {
	switch t {
	case SM_REQUEST:
		return "SM_REQUEST"
	case SM_REPLY:
		return "SM_REPLY"
	case TRIGGER_SM_LOCALLY:
		return "TRIGGER_SM_LOCALLY"
	case SM_ASK_INITIAL:
		return "SM_ASK_INITIAL"
	case SM_REPLY_INITIAL:
		return "SM_REPLY_INITIAL"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(t))
}

// ApplicationState is a snapshot of the application as of LastCID. State is
// only carried by the replica designated to send the full state; the others
// send its hash.
type ApplicationState struct {
	HasState          bool
	State             []byte
	StateHash         []byte
	LastCID           int32
	CertifiedDecision *consensus.CertifiedDecision
}

func (s *ApplicationState) Marshal(w io.Writer) {
	rpc.WriteBool(w, s.HasState)
	rpc.WriteBytes(w, s.State)
	rpc.WriteBytes(w, s.StateHash)
	rpc.WriteInt32(w, s.LastCID)
	rpc.WriteBool(w, s.CertifiedDecision != nil)
	if s.CertifiedDecision != nil {
		s.CertifiedDecision.Marshal(w)
	}
}

func (s *ApplicationState) Unmarshal(r io.Reader) error {
	var err error
	if s.HasState, err = rpc.ReadBool(r); err != nil {
		return err
	}
	if s.State, err = rpc.ReadBytes(r); err != nil {
		return errors.Wrap(err, "serialized state")
	}
	if s.StateHash, err = rpc.ReadBytes(r); err != nil {
		return errors.Wrap(err, "state hash")
	}
	if s.LastCID, err = rpc.ReadInt32(r); err != nil {
		return err
	}
	hasCert, err := rpc.ReadBool(r)
	if err != nil {
		return err
	}
	s.CertifiedDecision = nil
	if hasCert {
		s.CertifiedDecision = new(consensus.CertifiedDecision)
		if err := s.CertifiedDecision.Unmarshal(r); err != nil {
			return errors.Wrap(err, "certified decision")
		}
	}
	return nil
}

// Message carries every state transfer exchange. Replica names the process
// asked to send the full state in an SM_REQUEST.
type Message struct {
	Sender  int32
	Cid     int32
	Type    MessageType
	Regency int32
	Leader  int32
	State   *ApplicationState
	View    *view.View
	Replica int32
}

func (m *Message) New() rpc.Serializable {
	return new(Message)
}

func (m *Message) Marshal(w io.Writer) {
	rpc.WriteInt32(w, m.Sender)
	rpc.WriteInt32(w, m.Cid)
	rpc.WriteInt32(w, int32(m.Type))
	rpc.WriteInt32(w, m.Regency)
	rpc.WriteInt32(w, m.Leader)
	rpc.WriteBool(w, m.State != nil)
	if m.State != nil {
		m.State.Marshal(w)
	}
	rpc.WriteBool(w, m.View != nil)
	if m.View != nil {
		m.View.Marshal(w)
	}
	rpc.WriteInt32(w, m.Replica)
}

func (m *Message) Unmarshal(r io.Reader) error {
	var err error
	if m.Sender, err = rpc.ReadInt32(r); err != nil {
		return errors.Wrap(err, "sender")
	}
	if m.Cid, err = rpc.ReadInt32(r); err != nil {
		return errors.Wrap(err, "cid")
	}
	t, err := rpc.ReadInt32(r)
	if err != nil {
		return errors.Wrap(err, "type")
	}
	m.Type = MessageType(t)
	if m.Regency, err = rpc.ReadInt32(r); err != nil {
		return errors.Wrap(err, "regency")
	}
	if m.Leader, err = rpc.ReadInt32(r); err != nil {
		return errors.Wrap(err, "leader")
	}
	has, err := rpc.ReadBool(r)
	if err != nil {
		return err
	}
	m.State = nil
	if has {
		m.State = new(ApplicationState)
		if err := m.State.Unmarshal(r); err != nil {
			return errors.Wrap(err, "state")
		}
	}
	if has, err = rpc.ReadBool(r); err != nil {
		return err
	}
	m.View = nil
	if has {
		m.View = new(view.View)
		if err := m.View.Unmarshal(r); err != nil {
			return err
		}
	}
	if m.Replica, err = rpc.ReadInt32(r); err != nil {
		return errors.Wrap(err, "replica")
	}
	return nil
}

func (m *Message) String() string {
	return fmt.Sprintf("%v cid=%d from=%d regency=%d leader=%d", m.Type, m.Cid, m.Sender, m.Regency, m.Leader)
}
