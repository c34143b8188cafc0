package stream

import (
	"fmt"

	"github.com/ethan/iotc-bridge/pkg/tutk"
)

// State is the externally visible position of a stream. Negative values
// other than StateStopping carry the transport errno that put the
// stream there, so operators see the same codes the vendor SDK logs.
type State int32

const (
	StateOffline    State = -90
	StateStopping   State = -1
	StateDisabled   State = 0
	StateStopped    State = 1
	StateConnecting State = 2
	StateConnected  State = 3
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateStopping:
		return "stopping"
	case StateDisabled:
		return "disabled"
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	if s < 0 {
		return fmt.Sprintf("error(%d)", int32(s))
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Errno returns the transport error carried by an error state, zero
// otherwise.
func (s State) Errno() tutk.Errno {
	if s < 0 && s != StateStopping {
		return tutk.Errno(s)
	}
	return 0
}

// Live reports whether a worker currently owns the stream.
func (s State) Live() bool {
	return s == StateConnecting || s == StateConnected
}
