package view

import (
	"sync"

	"github.com/samber/lo"
)

// Controller tracks the current view of one replica. Views are swapped
// atomically; readers always observe a complete snapshot.
type Controller struct {
	mu      sync.RWMutex
	me      int32
	bft     bool
	current *View
	last    *View
}

func NewController(me int32, initial *View, bft bool) *Controller {
	return &Controller{
		me:      me,
		bft:     bft,
		current: initial,
	}
}

func (c *Controller) Me() int32 {
	return c.me
}

func (c *Controller) IsBFT() bool {
	return c.bft
}

func (c *Controller) CurrentView() *View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// LastView returns the view installed before the current one, or nil.
func (c *Controller) LastView() *View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *Controller) CurrentViewID() int32 {
	return c.CurrentView().Id
}

func (c *Controller) CurrentViewN() int {
	return c.CurrentView().N()
}

func (c *Controller) CurrentViewF() int {
	return int(c.CurrentView().F)
}

// Quorum returns the threshold for the current view and fault model.
func (c *Controller) Quorum() int {
	v := c.CurrentView()
	return NewQuorumOf(v.N(), int(v.F), c.bft).Size()
}

func (c *Controller) CurrentViewAcceptors() []int32 {
	v := c.CurrentView()
	out := make([]int32, len(v.Processes))
	copy(out, v.Processes)
	return out
}

func (c *Controller) CurrentViewOtherAcceptors() []int32 {
	return lo.Without(c.CurrentView().Processes, c.me)
}

func (c *Controller) PositionOf(id int32) int {
	return c.CurrentView().Position(id)
}

func (c *Controller) IsCurrentMember(id int32) bool {
	return c.CurrentView().IsMember(id)
}

// ReconfigureTo installs v if it is newer than the current view.
func (c *Controller) ReconfigureTo(v *View) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v == nil || (c.current != nil && v.Id <= c.current.Id) {
		return false
	}
	c.last = c.current
	c.current = v
	return true
}
