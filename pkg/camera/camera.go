// Package camera holds the device descriptor and the model capability
// bits derived from product codes.
package camera

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Product model codes the bridge makes decisions on. Unknown codes fall
// back to the plain indoor-camera behavior.
const (
	ModelV1          = "C1"
	ModelV1Pro       = "C1PRO"
	ModelPan2        = "HL_PAN2"
	ModelPan3        = "HL_PAN3"
	ModelCam3        = "HL_CAM3"
	ModelCam4        = "HL_CAM4"
	ModelFloodlight2 = "HL_CFL2"
	ModelBatteryV1   = "WVOD1"
	ModelBatteryV2   = "HL_WCO2"
	ModelDoorbell    = "HL_DB3"
	ModelDoorbellPro = "GW_BE1"
)

// Camera is the stable descriptor fetched from the cloud inventory plus
// the camera info blob captured during authentication.
type Camera struct {
	P2PID           string `json:"p2p_id"`
	MAC             string `json:"mac"`
	Model           string `json:"product_model"`
	Nickname        string `json:"nickname"`
	FirmwareVersion string `json:"firmware_ver"`
	ENR             string `json:"enr"`
	IP              string `json:"ip"`
	DTLS            bool   `json:"dtls"`
	ParentDTLS      bool   `json:"parent_dtls"`
	ParentENR       string `json:"parent_enr"`
	ParentMAC       string `json:"parent_mac"`
	ProtocolVer     int    `json:"protocol_ver,omitempty"`

	// CameraInfo is the raw parameter JSON the device returns during
	// authentication; callers needing arbitrary fields unmarshal it
	// themselves.
	CameraInfo json.RawMessage `json:"camera_info,omitempty"`
}

// Is2K reports whether the sensor encodes 2560x1440 at the HD frame size.
func (c *Camera) Is2K() bool {
	switch c.Model {
	case ModelCam4, ModelFloodlight2:
		return true
	}
	return false
}

// IsPan reports whether the mount motorizes.
func (c *Camera) IsPan() bool {
	switch c.Model {
	case ModelPan2, ModelPan3:
		return true
	}
	return false
}

// IsVertical reports whether frames arrive in doorbell portrait variants.
func (c *Camera) IsVertical() bool {
	return c.Model == ModelDoorbell
}

// IsBattery reports whether the device is the battery family: it needs a
// wakeup payload and must not use sender-side resend.
func (c *Camera) IsBattery() bool {
	switch c.Model {
	case ModelBatteryV1, ModelBatteryV2:
		return true
	}
	return false
}

// SupportsSubstream reports whether the firmware exposes a secondary
// encoding on a second channel.
func (c *Camera) SupportsSubstream() bool {
	switch c.Model {
	case ModelV1, ModelBatteryV1, ModelDoorbellPro:
		return false
	}
	return true
}

// HasNativeRTSP reports whether the device serves RTSP itself, making the
// tunnel unnecessary.
func (c *Camera) HasNativeRTSP() bool {
	return c.Model == ModelDoorbellPro
}

// UsesDTLS reports whether the connect path must carry a derived auth key.
func (c *Camera) UsesDTLS() bool {
	return c.DTLS || c.ParentDTLS
}

// AuthENR returns the secret used for challenge solving; child devices
// authenticate with their parent's.
func (c *Camera) AuthENR() string {
	if c.ParentENR != "" && c.UsesDTLS() {
		return c.ParentENR
	}
	return c.ENR
}

// AuthMAC pairs with AuthENR for auth-key derivation.
func (c *Camera) AuthMAC() string {
	if c.ParentMAC != "" && c.UsesDTLS() {
		return c.ParentMAC
	}
	return c.MAC
}

// UsesResolvingDB reports whether resolution commands take the
// doorbell/battery payload layout.
func (c *Camera) UsesResolvingDB() bool {
	return c.IsBattery() || c.Model == ModelDoorbell
}

// FirmwareAtLeast compares dotted firmware versions numerically,
// component by component.
func (c *Camera) FirmwareAtLeast(version string) bool {
	have := strings.Split(c.FirmwareVersion, ".")
	want := strings.Split(version, ".")
	for i := 0; i < len(want); i++ {
		w, err := strconv.Atoi(want[i])
		if err != nil {
			return false
		}
		h := 0
		if i < len(have) {
			h, _ = strconv.Atoi(have[i])
		}
		if h != w {
			return h > w
		}
	}
	return true
}

// URI returns the media-relay path name for this camera: the nickname
// slugified with the given separator, falling back to model plus the mac
// tail when the nickname is empty.
func (c *Camera) URI(sep byte) string {
	name := c.Nickname
	if strings.TrimSpace(name) == "" {
		tail := c.MAC
		if len(tail) > 4 {
			tail = tail[len(tail)-4:]
		}
		name = c.Model + " " + tail
	}
	return Slug(name, sep)
}

// Slug lowercases a name and maps every run of non-alphanumeric
// characters to a single separator, trimming separators at both ends.
func Slug(name string, sep byte) string {
	var b strings.Builder
	b.Grow(len(name))
	pending := false
	for _, r := range strings.ToLower(name) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		switch {
		case isAlnum:
			if pending && b.Len() > 0 {
				b.WriteByte(sep)
			}
			pending = false
			b.WriteRune(r)
		default:
			pending = true
		}
	}
	return b.String()
}
