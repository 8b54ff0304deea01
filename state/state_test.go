package state

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/imdea-software/bftsmr/consensus"
	"github.com/imdea-software/bftsmr/view"
)

func put(k Key, v string) Command {
	return Command{Client: uuid.New(), Op: PUT, K: k, V: Value(v)}
}

func TestExecute(t *testing.T) {
	st := InitState()
	b := &Batch{Commands: []Command{
		put(1, "a"),
		put(2, "b"),
		put(5, "c"),
		{Op: GET, K: 2},
		{Op: DELETE, K: 1},
		{Op: GET, K: 1},
	}}
	out := b.Execute(st)
	if string(out[3]) != "b" {
		t.Errorf("GET(2) = %q", out[3])
	}
	if len(out[5]) != 0 {
		t.Errorf("GET(1) after delete = %q", out[5])
	}

	count := make([]byte, 8)
	binary.LittleEndian.PutUint64(count, 4)
	scan := Command{Op: SCAN, K: 1, V: count}
	if got := scan.Execute(st); string(got) != "bc" {
		t.Errorf("SCAN = %q, want bc", got)
	}
}

func TestBatchEncoding(t *testing.T) {
	next := view.New(1, 1, map[int32]string{0: "a", 1: "b", 2: "c", 4: "d"})
	b := &Batch{Commands: []Command{put(7, "x"), NewReconfig(uuid.New(), 0, next)}}

	got, err := DecodeBatch(b.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Commands) != 2 || got.Commands[0].Client != b.Commands[0].Client {
		t.Fatalf("decoded %+v", got.Commands)
	}
	if !got.ReconfiguresView(0) || got.ReconfiguresView(1) {
		t.Error("ReconfiguresView mismatch")
	}
	views := got.Reconfigurations()
	if len(views) != 1 || !views[0].Equals(next) {
		t.Errorf("reconfigurations = %+v", views)
	}

	if _, err := DecodeBatch([]byte{1, 2}); err == nil {
		t.Error("garbage decoded")
	}
	if _, err := DecodeBatch(append(b.Encode(), 0)); !errors.Is(err, ErrBadBatch) {
		t.Errorf("trailing bytes: err = %v", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	st := InitState()
	(&Batch{Commands: []Command{put(3, "c"), put(1, "a")}}).Execute(st)
	snap := st.Snapshot()

	other := InitState()
	if err := other.Restore(snap); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(other.Snapshot(), snap) {
		t.Error("restored snapshot differs")
	}
	if err := other.Restore([]byte{9, 0, 0, 0}); !errors.Is(err, ErrBadSnapshot) {
		t.Errorf("err = %v, want ErrBadSnapshot", err)
	}
}

func TestRecoverer(t *testing.T) {
	r := NewRecoverer(InitState(), 2)
	if s := r.GetState(-1, true); s == nil || s.LastCID != -1 {
		t.Fatalf("initial state = %+v", s)
	}

	for cid := int32(0); cid < 4; cid++ {
		cd := &consensus.CertifiedDecision{Cid: cid}
		r.Execute(cid, &Batch{Commands: []Command{put(Key(cid), "v")}}, cd)
	}
	if r.LastCID() != 3 {
		t.Fatalf("last cid = %d", r.LastCID())
	}
	if r.GetState(1, false) != nil {
		t.Error("pruned cid still served")
	}

	hashOnly := r.GetState(2, false)
	if hashOnly == nil || hashOnly.State != nil || hashOnly.CertifiedDecision.Cid != 2 {
		t.Fatalf("hash-only state = %+v", hashOnly)
	}
	full := r.GetState(-1, true)
	if full.LastCID != 3 || !bytes.Equal(Hash(full.State), full.StateHash) {
		t.Fatalf("full state = %+v", full)
	}

	fresh := NewRecoverer(InitState(), 2)
	cid, err := fresh.InstallState(full)
	if err != nil || cid != 3 {
		t.Fatalf("install = %d, %v", cid, err)
	}
	if !bytes.Equal(fresh.State().Snapshot(), full.State) {
		t.Error("installed store differs")
	}
	if fresh.CertifiedDecision(3) == nil {
		t.Error("installed cid not logged")
	}

	if _, err := fresh.InstallState(hashOnly); !errors.Is(err, ErrNoState) {
		t.Errorf("err = %v, want ErrNoState", err)
	}
	tampered := *full
	tampered.State = append([]byte(nil), full.State...)
	tampered.State[len(tampered.State)-1] ^= 1
	if _, err := fresh.InstallState(&tampered); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("err = %v, want ErrHashMismatch", err)
	}
}
