package config

import (
	"strconv"
	"strings"
	"time"
)

// Frame sizes as commanded over the wire.
const (
	FrameSizeHD = 0
	FrameSizeSD = 1
)

// Default bitrates in the camera's unit (kbit/s ÷ 8).
const (
	DefaultBitrateHD = 120
	DefaultBitrateSD = 30
)

// Quality is a commanded frame size plus bitrate, parsed from the
// QUALITY knob ("HD120", "SD60", ...).
type Quality struct {
	FrameSize int
	Bitrate   int
}

// String renders the knob spelling.
func (q Quality) String() string {
	prefix := "HD"
	if q.FrameSize == FrameSizeSD {
		prefix = "SD"
	}
	return prefix + strconv.Itoa(q.Bitrate)
}

// ParseQuality reads a quality knob. The prefix selects the frame size
// (default HD) and the remainder the bitrate, clamped to 1..255; out of
// range or unparsable values fall back to 120.
func ParseQuality(s string) Quality {
	q := Quality{FrameSize: FrameSizeHD, Bitrate: DefaultBitrateHD}
	s = strings.ToUpper(strings.TrimSpace(s))
	switch {
	case strings.HasPrefix(s, "SD"):
		q.FrameSize = FrameSizeSD
		s = s[2:]
	case strings.HasPrefix(s, "HD"):
		s = s[2:]
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 1 && n <= 255 {
		q.Bitrate = n
	}
	return q
}

// Snapshot configures the periodic still-image capture.
type Snapshot struct {
	Enabled  bool
	RTSP     bool
	Interval time.Duration
}

// ParseSnapshot reads the SNAPSHOT knob: empty or a false-ish value
// disables it, "RTSP" prefix switches the source from the pipe to the
// published stream, and the numeric remainder sets the interval
// (default 180s, floor 30s).
func ParseSnapshot(s string) Snapshot {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "", "0", "FALSE", "OFF", "NO":
		return Snapshot{}
	}
	snap := Snapshot{Enabled: true, Interval: 180 * time.Second}
	if strings.HasPrefix(s, "RTSP") {
		snap.RTSP = true
		s = strings.TrimSpace(s[4:])
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		snap.Interval = time.Duration(n) * time.Second
		if snap.Interval < 30*time.Second {
			snap.Interval = 30 * time.Second
		}
	}
	return snap
}

// Rotation values as ffmpeg transpose arguments.
const (
	RotateCClockFlip = 0
	RotateClock      = 1
	RotateCClock     = 2
	RotateClockFlip  = 3
)

// ParseRotate maps the ROTATE knob to a transpose argument. Both the
// numeric spellings and the symbolic names are accepted; anything else
// means clockwise.
func ParseRotate(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "cclock_flip":
		return RotateCClockFlip
	case "2", "cclock":
		return RotateCClock
	case "3", "clock_flip":
		return RotateClockFlip
	}
	return RotateClock
}
