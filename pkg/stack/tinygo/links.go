package tinygo

// linkTable assigns connection handles to central addresses. BlueZ does not say which central
// wrote a characteristic, so writes are attributed to the most recent link that is still up.
type linkTable struct {
	next      uint16
	order     []uint16 // oldest first
	byAddress map[string]uint16
}

func newLinkTable() *linkTable {
	return &linkTable{byAddress: make(map[string]uint16)}
}

// connect returns the handle for address. added is false if the address was already connected.
func (t *linkTable) connect(address string) (handle uint16, added bool) {
	if handle, ok := t.byAddress[address]; ok {
		return handle, false
	}
	handle = t.next
	t.next++
	t.byAddress[address] = handle
	t.order = append(t.order, handle)
	return handle, true
}

// disconnect forgets address and returns the handle it had.
func (t *linkTable) disconnect(address string) (handle uint16, removed bool) {
	handle, ok := t.byAddress[address]
	if !ok {
		return 0, false
	}
	delete(t.byAddress, address)
	for i, h := range t.order {
		if h == handle {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return handle, true
}

// latest returns the most recently connected link that is still up.
func (t *linkTable) latest() (uint16, bool) {
	if len(t.order) == 0 {
		return 0, false
	}
	return t.order[len(t.order)-1], true
}
