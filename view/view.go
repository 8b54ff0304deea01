// Package view holds replica group membership snapshots, the quorum
// arithmetic derived from them, and the controller that tracks the current
// view across reconfigurations.
package view

import (
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/imdea-software/bftsmr/rpc"
)

// View is an immutable membership snapshot. Processes is kept sorted, so the
// position of a process is its index in that list. Positions are only
// meaningful within one view.
type View struct {
	Id        int32
	F         int32
	Processes []int32
	Addresses map[int32]string
}

func New(id, f int32, addrs map[int32]string) *View {
	procs := lo.Keys(addrs)
	sort.Slice(procs, func(i, j int) bool { return procs[i] < procs[j] })
	cp := make(map[int32]string, len(addrs))
	for k, v := range addrs {
		cp[k] = v
	}
	return &View{
		Id:        id,
		F:         f,
		Processes: procs,
		Addresses: cp,
	}
}

// Position returns the index of pid in the view, or -1 if pid is not a member.
func (v *View) Position(pid int32) int {
	i := sort.Search(len(v.Processes), func(i int) bool { return v.Processes[i] >= pid })
	if i < len(v.Processes) && v.Processes[i] == pid {
		return i
	}
	return -1
}

func (v *View) IsMember(pid int32) bool {
	return v.Position(pid) >= 0
}

func (v *View) N() int {
	return len(v.Processes)
}

func (v *View) Address(pid int32) string {
	return v.Addresses[pid]
}

// Equals compares id, fault threshold and membership. Addresses are not part
// of the comparison.
func (v *View) Equals(o *View) bool {
	if v == nil || o == nil {
		return v == o
	}
	if v.Id != o.Id || v.F != o.F || len(v.Processes) != len(o.Processes) {
		return false
	}
	for i := range v.Processes {
		if v.Processes[i] != o.Processes[i] {
			return false
		}
	}
	return true
}

func (v *View) Marshal(w io.Writer) {
	rpc.WriteInt32(w, v.Id)
	rpc.WriteInt32(w, v.F)
	rpc.WriteInt32(w, int32(len(v.Processes)))
	for _, p := range v.Processes {
		rpc.WriteInt32(w, p)
		rpc.WriteString(w, v.Addresses[p])
	}
}

func (v *View) Unmarshal(r io.Reader) error {
	var err error
	if v.Id, err = rpc.ReadInt32(r); err != nil {
		return errors.Wrap(err, "view id")
	}
	if v.F, err = rpc.ReadInt32(r); err != nil {
		return errors.Wrap(err, "view f")
	}
	n, err := rpc.ReadInt32(r)
	if err != nil {
		return errors.Wrap(err, "view size")
	}
	if n < 0 || n > 1<<16 {
		return errors.Errorf("bad view size %d", n)
	}
	v.Processes = make([]int32, n)
	v.Addresses = make(map[int32]string, n)
	for i := int32(0); i < n; i++ {
		if v.Processes[i], err = rpc.ReadInt32(r); err != nil {
			return errors.Wrap(err, "view process")
		}
		addr, err := rpc.ReadString(r)
		if err != nil {
			return errors.Wrap(err, "view address")
		}
		v.Addresses[v.Processes[i]] = addr
	}
	sort.Slice(v.Processes, func(i, j int) bool { return v.Processes[i] < v.Processes[j] })
	return nil
}
