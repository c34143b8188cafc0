package protocol

import (
	"strconv"
	"strings"
)

// Fixed constants for textual command values.
const (
	ValueOn   = 1
	ValueOff  = 2
	ValueAuto = 3
)

// ResolveValue maps a textual command value to its wire constant. Digit
// strings pass through numerically.
func ResolveValue(s string) (int, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true":
		return ValueOn, true
	case "off", "false":
		return ValueOff, true
	case "auto":
		return ValueAuto, true
	}
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return n, true
	}
	return 0, false
}

// RotaryAction is one directional nudge of a pan mount.
type RotaryAction struct {
	Horizontal uint8
	Vertical   uint8
}

var rotaryActions = map[string]RotaryAction{
	"left":  {Horizontal: 1},
	"right": {Horizontal: 2},
	"up":    {Vertical: 1},
	"down":  {Vertical: 2},
}

// ResolveRotary maps a direction name to its action pair.
func ResolveRotary(s string) (RotaryAction, bool) {
	action, ok := rotaryActions[strings.ToLower(strings.TrimSpace(s))]
	return action, ok
}
