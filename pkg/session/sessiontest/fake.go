// Package sessiontest provides an in-memory stand-in for the native
// transport: a scriptable camera that answers the handshake, acks
// commands and serves canned frames.
package sessiontest

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethan/iotc-bridge/pkg/protocol"
	"github.com/ethan/iotc-bridge/pkg/tutk"
)

type frameItem struct {
	data []byte
	info tutk.FrameInfo
	err  error
}

// FakeTransport implements the session.Transport surface against an
// in-memory camera. The zero value answers a plain status-3 handshake,
// grants authentication and acks every command.
type FakeTransport struct {
	// Failure injection, set before use.
	ConnectErr error
	AVStartErr error
	Mode       uint8 // p2p unless overridden
	DenyAuth   bool
	Challenge  byte // handshake status byte, default 3

	// Handlers overrides the canned reply for a request code. Returning
	// a zero-code message suppresses the reply entirely.
	Handlers map[uint16]func(payload []byte) protocol.Message

	// CameraInfo is embedded in the auth verdict.
	CameraInfo json.RawMessage

	ConnectCalls      atomic.Int32
	AVStartCalls      atomic.Int32
	AVStopCalls       atomic.Int32
	AVCleanBufCalls   atomic.Int32
	ConnectStopCalls  atomic.Int32
	SessionCloseCalls atomic.Int32

	// Last observed call arguments.
	LastDTLS     bool
	LastENR      string
	LastMAC      string
	LastUsername string
	LastPassword string
	LastResend   bool

	mu      sync.Mutex
	sent    []uint16
	replies chan []byte
	frames  chan frameItem
	closed  atomic.Bool
}

// NewFakeTransport returns a transport with room for scripted frames
// and replies.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		replies: make(chan []byte, 64),
		frames:  make(chan frameItem, 256),
	}
}

// Sent lists the request codes the bridge issued, in order.
func (f *FakeTransport) Sent() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint16(nil), f.sent...)
}

// SentCount reports how many times code was issued.
func (f *FakeTransport) SentCount(code uint16) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.sent {
		if c == code {
			n++
		}
	}
	return n
}

// PushFrame schedules one video frame for RecvFrame.
func (f *FakeTransport) PushFrame(data []byte, info tutk.FrameInfo) {
	info.FrameLen = uint32(len(data))
	f.frames <- frameItem{data: data, info: info}
}

// PushFrameErr schedules a receive error for RecvFrame.
func (f *FakeTransport) PushFrameErr(err error) {
	f.frames <- frameItem{err: err}
}

// PushReply queues a raw IOCtrl message, bypassing the request scripting.
func (f *FakeTransport) PushReply(code uint16, payload []byte) {
	f.replies <- protocol.Encode(code, payload)
}

// Closed reports whether the bridge closed the IOTC session.
func (f *FakeTransport) Closed() bool { return f.closed.Load() }

func (f *FakeTransport) Connect(uid string, dtls bool, enr, mac string) (int32, error) {
	f.ConnectCalls.Add(1)
	f.mu.Lock()
	f.LastDTLS, f.LastENR, f.LastMAC = dtls, enr, mac
	f.mu.Unlock()
	if f.ConnectErr != nil {
		return -1, f.ConnectErr
	}
	f.closed.Store(false)
	return 1, nil
}

func (f *FakeTransport) ConnectStop(sid int32) { f.ConnectStopCalls.Add(1) }

func (f *FakeTransport) SessionCheck(sid int32) (tutk.SessionInfo, error) {
	return tutk.SessionInfo{Mode: f.Mode, RemoteIP: "192.0.2.10"}, nil
}

func (f *FakeTransport) SessionClose(sid int32) {
	f.SessionCloseCalls.Add(1)
	f.closed.Store(true)
}

func (f *FakeTransport) AVStart(sid int32, username, password string, timeout time.Duration, channel uint8, resend bool) (int32, error) {
	f.AVStartCalls.Add(1)
	f.mu.Lock()
	f.LastUsername, f.LastPassword, f.LastResend = username, password, resend
	f.mu.Unlock()
	if f.AVStartErr != nil {
		return -1, f.AVStartErr
	}
	return 2, nil
}

func (f *FakeTransport) AVStop(av int32)     { f.AVStopCalls.Add(1) }
func (f *FakeTransport) AVCleanBuf(av int32) { f.AVCleanBufCalls.Add(1) }

func (f *FakeTransport) RecvFrame(av int32, buf []byte) (int, tutk.FrameInfo, error) {
	if f.closed.Load() {
		return 0, tutk.FrameInfo{}, tutk.ErrAVSessionClosedByRemote
	}
	select {
	case item := <-f.frames:
		if item.err != nil {
			return 0, tutk.FrameInfo{}, item.err
		}
		n := copy(buf, item.data)
		return n, item.info, nil
	default:
		return 0, tutk.FrameInfo{}, tutk.ErrAVDataNoReady
	}
}

func (f *FakeTransport) RecvAudio(av int32, buf []byte) (int, tutk.FrameInfo, error) {
	return 0, tutk.FrameInfo{}, tutk.ErrAVDataNoReady
}

func (f *FakeTransport) SendIOCtrl(av int32, ctrlType uint32, data []byte) error {
	header, payload, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, header.Code)
	f.mu.Unlock()

	if h, ok := f.Handlers[header.Code]; ok {
		if reply := h(payload); reply.Code != 0 {
			f.replies <- protocol.Encode(reply.Code, reply.Payload)
		}
		return nil
	}

	switch header.Code {
	case protocol.CodeConnectRequest:
		status := f.Challenge
		if status == 0 {
			status = 3
		}
		challenge := append([]byte{status}, make([]byte, 16)...)
		f.replies <- protocol.Encode(header.Code+1, challenge)
	case protocol.CodeConnectAuth, protocol.CodeConnectUserAuth:
		verdict := map[string]any{"connectionRes": "1"}
		if f.DenyAuth {
			verdict["connectionRes"] = "2"
		}
		if f.CameraInfo != nil {
			verdict["cameraInfo"] = f.CameraInfo
		}
		body, _ := json.Marshal(verdict)
		f.replies <- protocol.Encode(header.Code+1, body)
	default:
		f.replies <- protocol.Encode(header.Code+1, []byte{1})
	}
	return nil
}

func (f *FakeTransport) RecvIOCtrl(av int32, buf []byte, timeout time.Duration) (uint32, int, error) {
	if f.closed.Load() {
		return 0, 0, tutk.ErrAVSessionClosedByRemote
	}
	wait := timeout
	if wait > 5*time.Millisecond {
		wait = 5 * time.Millisecond
	}
	select {
	case data := <-f.replies:
		return tutk.ControlTypeUserDefined, copy(buf, data), nil
	case <-time.After(wait):
		return 0, 0, tutk.ErrAVTimeout
	}
}
