package consensus

import (
	"bytes"
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/imdea-software/bftsmr/view"
)

func members(ids ...int32) map[int32]string {
	m := make(map[int32]string, len(ids))
	for _, id := range ids {
		m[id] = "127.0.0.1:0"
	}
	return m
}

func newController(ids ...int32) *view.Controller {
	return view.NewController(ids[0], view.New(0, 1, members(ids...)), true)
}

type recordingDeliverer struct {
	decided []*Decision
}

func (r *recordingDeliverer) Decided(d *Decision) {
	r.decided = append(r.decided, d)
}

func hash(v []byte) []byte {
	h := sha256.Sum256(v)
	return h[:]
}

func TestProposalIsWriteOnce(t *testing.T) {
	c := New(1, newController(0, 1, 2, 3), nil)
	e := c.Epoch(0, true)

	v1, v2 := []byte("v1"), []byte("v2")
	if !e.SetProposal(v1, hash(v1), nil) {
		t.Fatal("first proposal rejected")
	}
	if e.SetProposal(v2, hash(v2), nil) {
		t.Error("second proposal accepted")
	}
	if !bytes.Equal(e.PropValue(), v1) {
		t.Errorf("proposed value = %q, want %q", e.PropValue(), v1)
	}
	if !bytes.Equal(e.PropValueHash(), hash(v1)) {
		t.Error("proposed hash changed")
	}
}

func TestVoteCounting(t *testing.T) {
	c := New(1, newController(0, 1, 2, 3), nil)
	e := c.Epoch(0, true)
	h := hash([]byte("x"))

	if n := e.CountWrite(nil); n != 0 {
		t.Errorf("unset positions counted: %d", n)
	}
	e.SetWrite(0, h)
	e.SetWrite(2, h)
	e.SetWrite(3, hash([]byte("y")))
	if n := e.CountWrite(h); n != 2 {
		t.Errorf("CountWrite = %d, want 2", n)
	}
	if e.SetAccept(9, h) {
		t.Error("vote from non-member recorded")
	}
	e.SetAccept(1, h)
	if n := e.CountAccept(h); n != 1 {
		t.Errorf("CountAccept = %d, want 1", n)
	}
	if !e.IsWriteSetted(3) || e.IsWriteSetted(1) {
		t.Error("IsWriteSetted mismatch")
	}
}

func TestEpochRemapsOnViewChange(t *testing.T) {
	ctrl := newController(0, 1, 2, 5)
	c := New(1, ctrl, nil)
	e := c.Epoch(0, true)
	h := hash([]byte("h"))

	e.SetWrite(5, h)
	e.SetWrite(1, h)
	e.SetWrite(2, h)

	// 1 leaves while 6 and 8 join: 5 moves from position 3 to 2, 2 from 2 to 1.
	ctrl.ReconfigureTo(view.New(1, 1, members(0, 2, 5, 6, 8)))

	if got := e.Write(5); !bytes.Equal(got, h) {
		t.Errorf("Write(5) = %x, want %x", got, h)
	}
	if got := e.Write(2); !bytes.Equal(got, h) {
		t.Errorf("Write(2) = %x, want %x", got, h)
	}
	if got := e.Write(1); got != nil {
		t.Errorf("departed member still has vote %x", got)
	}
	if got := e.Write(6); got != nil {
		t.Errorf("new member has vote %x", got)
	}
	if n := e.CountWrite(h); n != 2 {
		t.Errorf("CountWrite = %d, want 2", n)
	}

	ctrl.ReconfigureTo(view.New(2, 1, members(0, 2, 6, 8)))
	if got := e.Write(5); got != nil {
		t.Errorf("Write(5) after leaving = %x, want nil", got)
	}
}

func TestDecidedOnce(t *testing.T) {
	d := &recordingDeliverer{}
	c := New(7, newController(0, 1, 2, 3), d)
	e0 := c.Epoch(0, true)
	e1 := c.Epoch(1, true)

	if !c.Decided(e0, true) {
		t.Fatal("first decision ignored")
	}
	if c.Decided(e1, true) {
		t.Error("second decision accepted")
	}
	if c.DecisionRound() != 0 {
		t.Errorf("decision round = %d, want 0", c.DecisionRound())
	}
	if len(d.decided) != 1 {
		t.Errorf("delivered %d times, want 1", len(d.decided))
	}
	if c.Decision().DecisionEpoch() != e0 {
		t.Error("decision bound to the wrong epoch")
	}
}

func TestDecidedWithoutDelivery(t *testing.T) {
	d := &recordingDeliverer{}
	c := New(7, newController(0, 1, 2, 3), d)
	c.Decided(c.Epoch(0, true), false)
	if !c.IsDecided() || len(d.decided) != 0 {
		t.Errorf("decided=%v deliveries=%d", c.IsDecided(), len(d.decided))
	}
}

func TestEtsOnlyIncreases(t *testing.T) {
	c := New(1, newController(0, 1, 2, 3), nil)
	c.SetETS(3)
	c.SetETS(1)
	if c.Ets() != 3 {
		t.Errorf("ets = %d, want 3", c.Ets())
	}
	c.IncEts()
	if c.Ets() != 4 {
		t.Errorf("ets = %d, want 4", c.Ets())
	}
}

func TestCreateAndRemoveEpochs(t *testing.T) {
	c := New(1, newController(0, 1, 2, 3), nil)
	if c.LastEpoch() != nil {
		t.Fatal("fresh instance has epochs")
	}
	e0 := c.CreateEpoch()
	e1 := c.CreateEpoch()
	e2 := c.CreateEpoch()
	if e0.Round() != 0 || e1.Round() != 1 || e2.Round() != 2 {
		t.Fatalf("rounds = %d %d %d", e0.Round(), e1.Round(), e2.Round())
	}
	if c.Epoch(1, false) != e1 {
		t.Error("lookup returned a different epoch")
	}

	c.RemoveEpochs(0)
	if c.LastEpoch() != e0 {
		t.Error("epochs above the limit survived")
	}
	if !e1.IsRemoved() || !e2.IsRemoved() || e0.IsRemoved() {
		t.Error("removed flags mismatch")
	}
	if c.Epoch(2, false) != nil {
		t.Error("removed epoch still reachable")
	}
}

func TestNewEpochCarriesVotesForward(t *testing.T) {
	c := New(1, newController(0, 1, 2, 3), nil)
	h := hash([]byte("v"))
	e0 := c.Epoch(0, true)
	e0.SetWrite(1, h)
	e0.SetAccept(2, h)

	e3 := c.Epoch(3, true)
	if !bytes.Equal(e3.Write(1), h) || !bytes.Equal(e3.Accept(2), h) {
		t.Error("votes were not carried forward")
	}
	e3.SetWrite(1, hash([]byte("w")))
	if !bytes.Equal(e0.Write(1), h) {
		t.Error("carry-forward aliased the earlier round")
	}
}

func TestWriteSet(t *testing.T) {
	c := New(1, newController(0, 1, 2, 3), nil)
	a, b := []byte("a"), []byte("b")
	c.AddWritten(a)
	c.AddWritten(a)
	c.IncEts()
	c.AddWritten(b)
	if ws := c.WriteSet(); len(ws) != 2 || ws[1].Round != 1 {
		t.Fatalf("write set = %+v", ws)
	}
	c.RemoveWritten(a)
	if ws := c.WriteSet(); len(ws) != 1 || !bytes.Equal(ws[0].Value, b) {
		t.Errorf("write set after remove = %+v", ws)
	}
	c.SetQuorumWrites(1, b)
	if q := c.QuorumWrites(); q == nil || q.Round != 1 {
		t.Errorf("quorum writes = %+v", q)
	}
}

func TestDecisionValueWaitsForProposal(t *testing.T) {
	c := New(4, newController(0, 1, 2, 3), nil)
	e := c.Epoch(0, true)

	done := make(chan []byte, 1)
	go func() {
		v, err := c.Decision().Value(context.Background())
		if err != nil {
			t.Error(err)
		}
		done <- v
	}()

	// Decided before a PROPOSE arrived, as with a lagging replica.
	c.Decided(e, false)
	select {
	case <-done:
		t.Fatal("value readable before the proposal")
	case <-time.After(20 * time.Millisecond):
	}

	e.SetProposal([]byte("late"), hash([]byte("late")), nil)
	select {
	case v := <-done:
		if string(v) != "late" {
			t.Errorf("value = %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("reader never woke up")
	}
}

func TestDecodedValuePublishedWithProposal(t *testing.T) {
	c := New(3, newController(0, 1, 2, 3), nil)
	e := c.Epoch(0, true)
	c.Decided(e, false)

	done := make(chan any, 1)
	go func() {
		v, err := c.Decision().DeserializedValue(context.Background())
		if err != nil {
			t.Error(err)
		}
		done <- v
	}()
	time.Sleep(10 * time.Millisecond)

	v := []byte("batch")
	decoded := &struct{ n int }{1}
	e.SetProposal(v, hash(v), decoded)
	select {
	case got := <-done:
		if got != decoded {
			t.Errorf("decoded value = %v, want %v", got, decoded)
		}
	case <-time.After(time.Second):
		t.Fatal("reader never woke up")
	}
}

func TestDecisionWaitsForDecidedHash(t *testing.T) {
	c := New(5, newController(0, 1, 2, 3), nil)
	e := c.Epoch(0, true)
	a, b := []byte("a"), []byte("b")
	e.SetProposal(b, hash(b), nil)
	for _, pid := range []int32{0, 1, 2} {
		e.SetAccept(pid, hash(a))
	}
	e.AddToProof(NewMessageFactory(0).CreateAccept(5, 0, hash(a)))
	c.Decided(e, false)

	d := c.Decision()
	if !bytes.Equal(d.Hash(), hash(a)) {
		t.Fatalf("decided hash = %x, want %x", d.Hash(), hash(a))
	}
	if !d.Mismatched() {
		t.Error("local proposal reported as the decided one")
	}
	if c.CertifiedDecision(0) != nil {
		t.Error("certificate built for a value that was not decided")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if v, err := d.Value(ctx); err == nil {
		t.Fatalf("read %q before the decided value was installed", v)
	}

	e.InstallDecidedValue(a, hash(a), nil)
	if d.Mismatched() {
		t.Error("still mismatched after install")
	}
	v, err := d.Value(context.Background())
	if err != nil || !bytes.Equal(v, a) {
		t.Errorf("value = %q, %v", v, err)
	}
}

func TestDecisionValueHonorsContext(t *testing.T) {
	c := New(4, newController(0, 1, 2, 3), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Decision().Value(ctx); err == nil {
		t.Error("expected context error")
	}
}

func TestProofSetKeepsOneMessagePerSenderAndType(t *testing.T) {
	c := New(1, newController(0, 1, 2, 3), nil)
	e := c.Epoch(0, true)
	f := NewMessageFactory(2)
	e.AddToProof(f.CreateWrite(1, 0, []byte("a")))
	e.AddToProof(f.CreateAccept(1, 0, []byte("a")))
	e.AddToProof(f.CreateAccept(1, 0, []byte("b")))
	e.AddToProof(NewMessageFactory(1).CreateAccept(1, 0, []byte("a")))

	proof := e.Proof()
	if len(proof) != 3 {
		t.Fatalf("proof size = %d, want 3", len(proof))
	}
	if proof[0].Sender != 1 || proof[1].Type != WRITE || !bytes.Equal(proof[2].Value, []byte("b")) {
		t.Errorf("unexpected proof order: %v", proof)
	}
}

func TestCertifiedDecision(t *testing.T) {
	c := New(9, newController(0, 1, 2, 3), nil)
	if c.CertifiedDecision(0) != nil {
		t.Fatal("certificate before decision")
	}
	e := c.Epoch(0, true)
	v := []byte("val")
	e.SetProposal(v, hash(v), nil)
	for _, pid := range []int32{0, 1, 2} {
		m := NewMessageFactory(pid).CreateAccept(9, 0, hash(v))
		m.Proof = NewMACVector(map[int32][]byte{0: {byte(pid)}})
		e.AddToProof(m)
	}
	e.AddToProof(NewMessageFactory(3).CreateWrite(9, 0, hash(v)))
	c.Decided(e, false)

	cd := c.CertifiedDecision(0)
	if cd.Cid != 9 || !bytes.Equal(cd.Decision, v) || len(cd.ConsMessages) != 3 {
		t.Fatalf("certificate = %+v", cd)
	}

	var buf bytes.Buffer
	cd.Marshal(&buf)
	got := new(CertifiedDecision)
	if err := got.Unmarshal(&buf); err != nil {
		t.Fatal(err)
	}
	if got.Cid != 9 || len(got.ConsMessages) != 3 || got.ConsMessages[2].Proof.MACs[0][0] != 2 {
		t.Errorf("decoded certificate = %+v", got)
	}
}

func TestMessageWireFormat(t *testing.T) {
	m := NewMessageFactory(3).CreateAccept(10, 2, []byte{1, 2, 3})
	m.Proof = NewSignatureProof([]byte("sig"))

	var buf bytes.Buffer
	m.Marshal(&buf)
	got := new(Message)
	if err := got.Unmarshal(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatal(err)
	}
	if got.Sender != 3 || got.Number != 10 || got.Epoch != 2 || got.Type != ACCEPT {
		t.Errorf("header = %v", got)
	}
	if got.Proof == nil || got.Proof.Kind != ProofSignature || string(got.Proof.Signature) != "sig" {
		t.Errorf("proof = %+v", got.Proof)
	}
	if !bytes.Equal(got.SignBytes(), m.SignBytes()) {
		t.Error("canonical bytes differ after decoding")
	}

	bad := append([]byte(nil), buf.Bytes()...)
	bad[len(m.SignBytes())] = 7 // proof kind follows the hasProof flag
	if err := new(Message).Unmarshal(bytes.NewReader(bad)); !errors.Is(err, ErrUnknownProofKind) {
		t.Errorf("err = %v, want ErrUnknownProofKind", err)
	}
}
