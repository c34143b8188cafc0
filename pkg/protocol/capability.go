package protocol

// Capability table: which optional commands a model plus protocol version
// understands. Commands absent from every table are assumed universal.

// noSupport marks a command a model never grows into.
const noSupport = int(^uint(0) >> 1)

// DefaultProtocol is assumed when the descriptor does not state one.
const DefaultProtocol = 23

var defaultMinProtocol = map[uint16]int{
	CodeConnectUserAuth: 21,
	CodeGetVideoParam:   23,
	CodeGetNightSwitch:  23,
	CodeSetNightSwitch:  23,
}

// Per-model deviations from the default table. Legacy indoor cameras never
// learned the account-bound auth; the battery family lacks the encoder
// parameter read.
var modelMinProtocol = map[string]map[uint16]int{
	"C1": {
		CodeConnectUserAuth: noSupport,
		CodeGetVideoParam:   noSupport,
	},
	"C1PRO": {
		CodeConnectUserAuth: noSupport,
	},
	"WVOD1": {
		CodeGetVideoParam: noSupport,
	},
	"HL_WCO2": {
		CodeGetVideoParam: noSupport,
	},
}

// Supports reports whether the model at the given protocol version
// understands the command.
func Supports(model string, protocol int, code uint16) bool {
	if protocol <= 0 {
		protocol = DefaultProtocol
	}
	if overrides, ok := modelMinProtocol[model]; ok {
		if min, ok := overrides[code]; ok {
			return protocol >= min
		}
	}
	if min, ok := defaultMinProtocol[code]; ok {
		return protocol >= min
	}
	return true
}
