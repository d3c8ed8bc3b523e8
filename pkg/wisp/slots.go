package wisp

import "fmt"

// slot is one fixed entry of the endpoint table: either empty, or bound to
// exactly one descriptor plus the stream handle that backs it. The table
// exclusively owns every handle it holds; nothing else retains one past the
// call that obtained it.
type slot struct {
	bound  bool
	desc   EndpointDescriptor
	handle StreamHandle

	state  EndpointState
	volume float32
	mute   bool
}

// reset returns the slot to its empty defaults. Slots are only ever
// released whole; there is no partial release.
func (sl *slot) reset() {
	*sl = slot{volume: defaultVolume}
}

// controlValue reads a control as the float the server protocol uses
// (mute is 0.0/1.0).
func (sl *slot) controlValue(kind ControlKind) float32 {
	if kind == ControlMute {
		if sl.mute {
			return 1
		}

		return 0
	}

	return sl.volume
}

func (sl *slot) setControlValue(kind ControlKind, value float32) {
	if kind == ControlMute {
		sl.mute = value != 0
		return
	}

	sl.volume = value
}

// defaultVolume is what a freshly bound endpoint reports before any control
// change is observed.
const defaultVolume float32 = 1.0

// slotTable is the fixed-capacity registry mapping endpoint names to live
// stream handles and their control state. It carries no locking of its own;
// the owning session guards it.
type slotTable struct {
	slots []slot
}

func newSlotTable(capacity int) *slotTable {
	t := &slotTable{slots: make([]slot, capacity)}
	for i := range t.slots {
		t.slots[i].reset()
	}

	return t
}

func (t *slotTable) capacity() int {
	return len(t.slots)
}

func (t *slotTable) get(index int) *slot {
	if index < 0 || index >= len(t.slots) {
		return nil
	}

	return &t.slots[index]
}

// bind reserves the first free slot for the descriptor. Name uniqueness is
// enforced here, at bind time, not just at lookup time.
func (t *slotTable) bind(desc EndpointDescriptor, handle StreamHandle) (int, error) {
	if _, ok := t.byName(desc.Name); ok {
		return -1, fmt.Errorf("endpoint %q already bound: %w", desc.Name, ErrInvalidArgument)
	}

	for i := range t.slots {
		if t.slots[i].bound {
			continue
		}

		t.slots[i] = slot{
			bound:  true,
			desc:   desc,
			handle: handle,
			state:  StateUnconnected,
			volume: defaultVolume,
		}

		return i, nil
	}

	return -1, fmt.Errorf("bind %q: %w", desc.Name, ErrSlotsExhausted)
}

func (t *slotTable) release(index int) {
	if sl := t.get(index); sl != nil {
		sl.reset()
	}
}

func (t *slotTable) byName(name string) (int, bool) {
	for i := range t.slots {
		if t.slots[i].bound && t.slots[i].desc.Name == name {
			return i, true
		}
	}

	return -1, false
}

func (t *slotTable) byHandle(handle StreamHandle) (int, bool) {
	for i := range t.slots {
		if t.slots[i].bound && t.slots[i].handle == handle {
			return i, true
		}
	}

	return -1, false
}

func (t *slotTable) boundCount() int {
	count := 0
	for i := range t.slots {
		if t.slots[i].bound {
			count++
		}
	}

	return count
}

// boundIndexes returns the bound slots in slot order, which is also the
// order teardown processes them in.
func (t *slotTable) boundIndexes() []int {
	indexes := []int{}
	for i := range t.slots {
		if t.slots[i].bound {
			indexes = append(indexes, i)
		}
	}

	return indexes
}
