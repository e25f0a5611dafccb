package server

import (
	"sort"
	"sync"
)

// Registry tracks live signaling connections by connection id and, once
// registered, by device serial. Only the owning server mutates it.
type Registry struct {
	conns   sync.Map // conn id -> *DeviceConn
	devices sync.Map // device serial -> *DeviceConn
}

func (r *Registry) add(c *DeviceConn) {
	r.conns.Store(c.ID(), c)
}

// bind maps serial to c and returns the connection it replaced, if any.
func (r *Registry) bind(serial string, c *DeviceConn) *DeviceConn {
	prev, loaded := r.devices.Swap(serial, c)
	if !loaded {
		return nil
	}
	old := prev.(*DeviceConn)
	if old == c {
		return nil
	}
	return old
}

// remove forgets c; the serial mapping is dropped only if it still points at c.
func (r *Registry) remove(c *DeviceConn) {
	r.conns.Delete(c.ID())
	if serial := c.DeviceSerial(); serial != "" {
		r.devices.CompareAndDelete(serial, c)
	}
}

// Lookup returns the registered connection of a device.
func (r *Registry) Lookup(serial string) (*DeviceConn, bool) {
	v, ok := r.devices.Load(serial)
	if !ok {
		return nil, false
	}
	return v.(*DeviceConn), true
}

// List returns a snapshot of every connection ordered by connection id.
func (r *Registry) List() []ConnInfo {
	var out []ConnInfo
	r.conns.Range(func(_, v interface{}) bool {
		out = append(out, v.(*DeviceConn).Info())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	n := 0
	r.conns.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// registered returns a registered connection of serial other than except,
// including one whose registration has not been bound yet.
func (r *Registry) registered(serial string, except *DeviceConn) *DeviceConn {
	var found *DeviceConn
	r.conns.Range(func(_, v interface{}) bool {
		c := v.(*DeviceConn)
		if c != except && c.State() == StateRegistered && c.DeviceSerial() == serial {
			found = c
			return false
		}
		return true
	})
	return found
}

func (r *Registry) each(fn func(*DeviceConn)) {
	r.conns.Range(func(_, v interface{}) bool {
		fn(v.(*DeviceConn))
		return true
	})
}
