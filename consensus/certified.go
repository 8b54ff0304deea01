package consensus

import (
	"io"

	"github.com/pkg/errors"

	"github.com/imdea-software/bftsmr/rpc"
)

// TimestampValuePair is a value together with the round it was written in.
type TimestampValuePair struct {
	Round int32
	Value []byte
}

// CertifiedDecision is a decided value with the ACCEPT messages proving it.
// Cid is -1 when the sender had no decision to report.
type CertifiedDecision struct {
	Pid          int32
	Cid          int32
	Decision     []byte
	ConsMessages []*Message
}

func (d *CertifiedDecision) Marshal(w io.Writer) {
	rpc.WriteInt32(w, d.Pid)
	rpc.WriteInt32(w, d.Cid)
	rpc.WriteBytes(w, d.Decision)
	rpc.WriteInt32(w, int32(len(d.ConsMessages)))
	for _, m := range d.ConsMessages {
		m.Marshal(w)
	}
}

func (d *CertifiedDecision) Unmarshal(r io.Reader) error {
	var err error
	if d.Pid, err = rpc.ReadInt32(r); err != nil {
		return err
	}
	if d.Cid, err = rpc.ReadInt32(r); err != nil {
		return err
	}
	if d.Decision, err = rpc.ReadBytes(r); err != nil {
		return err
	}
	n, err := rpc.ReadInt32(r)
	if err != nil {
		return err
	}
	if n < 0 || n > 1<<16 {
		return errors.Errorf("bad certificate size %d", n)
	}
	d.ConsMessages = make([]*Message, 0, n)
	for i := int32(0); i < n; i++ {
		m := new(Message)
		if err := m.Unmarshal(r); err != nil {
			return errors.Wrapf(err, "certificate message %d", i)
		}
		d.ConsMessages = append(d.ConsMessages, m)
	}
	return nil
}
