package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Command codes. Requests are even; the device answers on code+1.
const (
	CodeConnectRequest   uint16 = 10000
	CodeConnectAuth      uint16 = 10002 // legacy challenge answer
	CodeConnectUserAuth  uint16 = 10008
	CodeCameraInfo       uint16 = 10020
	CodeGetStatusLight   uint16 = 10030
	CodeSetStatusLight   uint16 = 10032
	CodeGetNightVision   uint16 = 10040
	CodeSetNightVision   uint16 = 10042
	CodeGetIRLED         uint16 = 10044
	CodeSetIRLED         uint16 = 10046
	CodeGetVideoParam    uint16 = 10050
	CodeSetResolvingDB   uint16 = 10052 // doorbell and battery family
	CodeSetResolving     uint16 = 10056
	CodeTakePhoto        uint16 = 10058
	CodeGetCameraTime    uint16 = 10090
	CodeSetCameraTime    uint16 = 10092
	CodeStartBoa         uint16 = 10148
	CodeGetMotionTagging uint16 = 10290
	CodeSetMotionTagging uint16 = 10292
	CodeGetRTSPSwitch    uint16 = 10600
	CodeSetRTSPSwitch    uint16 = 10604
	CodeGetNightSwitch   uint16 = 10624
	CodeSetNightSwitch   uint16 = 10626
	CodeGetAlarmFlashing uint16 = 10630
	CodeSetAlarmFlashing uint16 = 10632
	CodeRotaryByDegree   uint16 = 11000
	CodeRotaryByAction   uint16 = 11002
	CodeResetRotation    uint16 = 11004
	CodeGetCruisePoints  uint16 = 11010
	CodeSetPTZPosition   uint16 = 11018
)

// Message is one framed request plus the response code the sender expects.
// Response zero means fire-and-forget; the mux resolves such sends
// immediately.
type Message struct {
	Code     uint16
	Response uint16
	Payload  []byte
}

// Encode frames the message for the wire.
func (m Message) Encode() []byte { return Encode(m.Code, m.Payload) }

// request builds a Message expecting the conventional code+1 response.
func request(code uint16, payload []byte) Message {
	return Message{Code: code, Response: code + 1, Payload: payload}
}

// oneway builds a Message with no expected response.
func oneway(code uint16, payload []byte) Message {
	return Message{Code: code, Payload: payload}
}

// NewConnectRequest opens the authentication handshake. A non-empty mac
// requests a battery-camera wakeup alongside.
func NewConnectRequest(wakeMAC string) Message {
	if wakeMAC == "" {
		return request(CodeConnectRequest, nil)
	}
	payload, _ := json.Marshal(map[string]any{
		"cameraInfo": map[string]any{
			"mac":        wakeMAC,
			"encFlag":    0,
			"wakeupFlag": 1,
		},
	})
	return request(CodeConnectRequest, payload)
}

// NewConnectAuth answers the challenge on the legacy path. The device
// checks the first four characters of its own mac.
func NewConnectAuth(challengeResponse []byte, mac string, video, audio bool) Message {
	payload := make([]byte, 0, 22)
	payload = append(payload, challengeResponse...)
	payload = append(payload, []byte(pad4(mac))...)
	payload = append(payload, boolByte(video), boolByte(audio))
	return request(CodeConnectAuth, payload)
}

// NewConnectUserAuth answers the challenge on the account-bound path.
func NewConnectUserAuth(challengeResponse []byte, phoneID, openUserID string, video, audio bool) Message {
	payload := make([]byte, 0, 23+len(openUserID))
	payload = append(payload, challengeResponse...)
	payload = append(payload, []byte(pad4(phoneID))...)
	payload = append(payload, boolByte(video), boolByte(audio))
	payload = append(payload, byte(len(openUserID)))
	payload = append(payload, []byte(openUserID)...)
	return request(CodeConnectUserAuth, payload)
}

// NewCameraInfo requests every parameter field.
func NewCameraInfo() Message {
	payload := make([]byte, 51)
	payload[0] = 50
	for i := byte(1); i <= 50; i++ {
		payload[i] = i
	}
	return request(CodeCameraInfo, payload)
}

// NewCameraParams requests a subset of parameter fields by id.
func NewCameraParams(ids ...byte) Message {
	payload := append([]byte{byte(len(ids))}, ids...)
	return request(CodeCameraInfo, payload)
}

// NewGetVideoParam reads the encoder parameters; firmware 4.50+ only.
func NewGetVideoParam() Message { return request(CodeGetVideoParam, nil) }

// NewSetResolving commands frame size, bitrate and fps on the standard
// family. The device expects the frame size enum shifted by one.
func NewSetResolving(frameSize, bitrate, fps uint8) Message {
	return request(CodeSetResolving, []byte{frameSize + 1, bitrate, fps})
}

// NewSetResolvingDB is the doorbell/battery variant of NewSetResolving.
func NewSetResolvingDB(frameSize, bitrate, fps uint8) Message {
	return request(CodeSetResolvingDB, []byte{bitrate, 0, frameSize + 1, fps, 0, 0})
}

// NewTakePhoto asks the camera to store a still on its own flash.
func NewTakePhoto() Message { return request(CodeTakePhoto, nil) }

// NewStartBoa enables the camera-side http server on battery cameras.
func NewStartBoa() Message { return oneway(CodeStartBoa, []byte{0, 1, 0, 0, 0}) }

// NewGet builds an empty-payload getter for a catalog get code.
func NewGet(code uint16) Message { return request(code, nil) }

// NewSet builds a single-value setter for a catalog set code.
func NewSet(code uint16, value uint8) Message { return request(code, []byte{value}) }

// NewSetBytes builds a raw-payload setter for a catalog set code.
func NewSetBytes(code uint16, payload []byte) Message { return request(code, payload) }

// NewRotaryByDegree pans by relative degrees.
func NewRotaryByDegree(horizontal, vertical int16) Message {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], uint16(horizontal))
	binary.LittleEndian.PutUint16(payload[2:4], uint16(vertical))
	return request(CodeRotaryByDegree, payload)
}

// NewRotaryByAction nudges the mount one step. Horizontal: 1 left, 2
// right. Vertical: 1 up, 2 down.
func NewRotaryByAction(horizontal, vertical, speed uint8) Message {
	return request(CodeRotaryByAction, []byte{horizontal, vertical, speed})
}

// NewResetRotation recenters the mount.
func NewResetRotation() Message { return request(CodeResetRotation, nil) }

// NewGetCruisePoints reads the stored patrol positions.
func NewGetCruisePoints() Message { return request(CodeGetCruisePoints, nil) }

// NewSetPTZPosition moves to an absolute position, vertical first.
func NewSetPTZPosition(vertical, horizontal uint8) Message {
	return request(CodeSetPTZPosition, []byte{vertical, horizontal})
}

// AuthResponse is the JSON result of 10003/10009.
type AuthResponse struct {
	ConnectionRes string          `json:"connectionRes"`
	CameraInfo    json.RawMessage `json:"cameraInfo"`
}

// Granted reports whether the device accepted the challenge answer.
func (r AuthResponse) Granted() bool { return r.ConnectionRes == "1" }

// DecodeAuthResponse parses the authentication verdict. Firmware pads JSON
// with trailing NULs.
func DecodeAuthResponse(payload []byte) (AuthResponse, error) {
	var r AuthResponse
	if err := json.Unmarshal(bytes.TrimRight(payload, "\x00"), &r); err != nil {
		return r, fmt.Errorf("auth response: %w", err)
	}
	return r, nil
}

// DecodeJSON parses a NUL-padded JSON payload into out.
func DecodeJSON(payload []byte, out any) error {
	return json.Unmarshal(bytes.TrimRight(payload, "\x00"), out)
}

// CruisePoint is one stored patrol position.
type CruisePoint struct {
	Vertical   uint8 `json:"vertical"`
	Horizontal uint8 `json:"horizontal"`
}

// DecodeCruisePoints parses the 11011 payload: a count byte followed by
// (vertical, horizontal) pairs.
func DecodeCruisePoints(payload []byte) ([]CruisePoint, error) {
	if len(payload) == 0 {
		return nil, &Error{Reason: "empty cruise point list", Code: CodeGetCruisePoints}
	}
	n := int(payload[0])
	if len(payload) < 1+2*n {
		return nil, &Error{Reason: fmt.Sprintf("cruise point list truncated: %d entries in %d bytes", n, len(payload)), Code: CodeGetCruisePoints}
	}
	points := make([]CruisePoint, n)
	for i := 0; i < n; i++ {
		points[i] = CruisePoint{Vertical: payload[1+2*i], Horizontal: payload[2+2*i]}
	}
	return points, nil
}

// IsAck reports whether a settle response carries the success byte.
func IsAck(payload []byte) bool { return len(payload) > 0 && payload[0] == 1 }

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// pad4 clips or right-pads a string to exactly four bytes.
func pad4(s string) string {
	if len(s) >= 4 {
		return s[:4]
	}
	return s + string(bytes.Repeat([]byte{' '}, 4-len(s)))
}
