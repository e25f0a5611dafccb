package server

import "fmt"

// ConnState is the signaling connection state.
type ConnState int32

const (
	StateUnregistered ConnState = iota
	StateRegistered
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state_%d", int32(s))
	}
}

// LifecycleKind tags a LifecycleEvent.
type LifecycleKind int

const (
	Registered LifecycleKind = iota + 1
	Disconnected
	Errored
)

func (k LifecycleKind) String() string {
	switch k {
	case Registered:
		return "registered"
	case Disconnected:
		return "disconnected"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("lifecycle_%d", int(k))
	}
}

// Close reasons carried by Disconnected events
const (
	ReasonEOF      = "eof"
	ReasonTimeout  = "idle_timeout"
	ReasonError    = "read_error"
	ReasonShutdown = "shutdown"
	ReasonReplaced = "replaced"
)

// LifecycleEvent is sent by a connection to the server that owns it.
type LifecycleEvent struct {
	Kind         LifecycleKind
	Conn         *DeviceConn
	DeviceSerial string
	Reason       string
	Err          error
}
