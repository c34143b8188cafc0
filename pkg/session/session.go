// Package session drives one camera stream from disconnected to
// authenticated: IOTC connect, AV channel start, the challenge
// handshake, and the initial resolving command. The mux opened during
// authentication stays with the session for the frame pump and the
// control dispatcher.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ethan/iotc-bridge/pkg/camera"
	"github.com/ethan/iotc-bridge/pkg/config"
	"github.com/ethan/iotc-bridge/pkg/iomux"
	"github.com/ethan/iotc-bridge/pkg/logger"
	"github.com/ethan/iotc-bridge/pkg/protocol"
	"github.com/ethan/iotc-bridge/pkg/tutk"
)

// Status is the session's connection progress.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnectFailed
	StatusAVConnecting
	StatusConnected
	StatusAuthFailed
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnectFailed:
		return "connect_failed"
	case StatusAVConnecting:
		return "av_connecting"
	case StatusConnected:
		return "connected"
	case StatusAuthFailed:
		return "auth_failed"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// ErrReconnect asks the supervisor to tear down and retry after its
// cooldown: the transport came up in a mode the config forbids.
var ErrReconnect = errors.New("session: connected via disallowed mode")

const (
	username         = "admin"
	defaultPassword  = "888888"
	avStartTimeout   = 20 * time.Second
	handshakeTimeout = 5 * time.Second
)

// Transport is the slice of the native binding a session drives. It is
// satisfied by *tutk.Library.
type Transport interface {
	Connect(uid string, dtls bool, enr, mac string) (int32, error)
	ConnectStop(sid int32)
	SessionCheck(sid int32) (tutk.SessionInfo, error)
	SessionClose(sid int32)
	AVStart(sid int32, username, password string, timeout time.Duration, channel uint8, resend bool) (int32, error)
	AVStop(av int32)
	AVCleanBuf(av int32)
	RecvFrame(av int32, buf []byte) (int, tutk.FrameInfo, error)
	RecvAudio(av int32, buf []byte) (int, tutk.FrameInfo, error)
	SendIOCtrl(av int32, ctrlType uint32, data []byte) error
	RecvIOCtrl(av int32, buf []byte, timeout time.Duration) (uint32, int, error)
}

// Options fixes one stream's negotiation inputs.
type Options struct {
	Quality config.Quality
	FPS     int
	NetMode string // any, lan or p2p
	Audio   bool
	PhoneID string
	UserID  string
}

// Session owns the transport handles for one camera stream.
type Session struct {
	cam  *camera.Camera
	opts Options
	tr   Transport
	log  zerolog.Logger

	status atomic.Int32
	sid    atomic.Int32
	av     atomic.Int32

	// Commanded encoder parameters; the dispatcher mutates bitrate and
	// fps at runtime.
	frameSize atomic.Int32
	bitrate   atomic.Int32
	fps       atomic.Int32

	mu         sync.Mutex
	info       tutk.SessionInfo
	cameraInfo json.RawMessage
	mux        *iomux.Mux
}

// New builds an unconnected session for cam.
func New(cam *camera.Camera, tr Transport, opts Options) *Session {
	if opts.FPS <= 0 {
		opts.FPS = 20
	}
	s := &Session{
		cam:  cam,
		opts: opts,
		tr:   tr,
		log:  logger.WithComponent("session").With().Str("mac", cam.MAC).Logger(),
	}
	s.sid.Store(-1)
	s.av.Store(-1)
	s.frameSize.Store(int32(opts.Quality.FrameSize))
	s.bitrate.Store(int32(opts.Quality.Bitrate))
	s.fps.Store(int32(opts.FPS))
	return s
}

// Camera returns the descriptor this session serves.
func (s *Session) Camera() *camera.Camera { return s.cam }

// Status reports the connection progress, readable from any goroutine.
func (s *Session) Status() Status { return Status(s.status.Load()) }

func (s *Session) setStatus(st Status) { s.status.Store(int32(st)) }

// FrameSize is the commanded frame size enum.
func (s *Session) FrameSize() int { return int(s.frameSize.Load()) }

// Bitrate is the commanded bitrate.
func (s *Session) Bitrate() int { return int(s.bitrate.Load()) }

// FPS is the commanded frame rate.
func (s *Session) FPS() int { return int(s.fps.Load()) }

// SetBitrate records a new commanded bitrate; send a resolving message
// to apply it.
func (s *Session) SetBitrate(v int) { s.bitrate.Store(int32(v)) }

// SetFPS records a new commanded frame rate.
func (s *Session) SetFPS(v int) { s.fps.Store(int32(v)) }

// Info returns the transport's view of the session, valid once the
// session reached connected.
func (s *Session) Info() tutk.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// CameraInfo is the parameter JSON returned by the auth handshake.
func (s *Session) CameraInfo() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cameraInfo
}

// SetCameraInfo replaces the stored parameter JSON (param refresh).
func (s *Session) SetCameraInfo(info json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cameraInfo = info
}

// Mux returns the command correlator; nil until Authenticate ran.
func (s *Session) Mux() *iomux.Mux {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mux
}

// Connect brings up the IOTC session and the AV channel. It returns with
// the session connected, or tears down whatever came up and reports why.
func (s *Session) Connect(ctx context.Context) error {
	s.setStatus(StatusConnecting)
	sid, err := s.tr.Connect(s.cam.P2PID, s.cam.UsesDTLS(), s.cam.AuthENR(), s.cam.AuthMAC())
	if err != nil {
		s.setStatus(StatusConnectFailed)
		return fmt.Errorf("connect %s: %w", s.cam.P2PID, err)
	}
	s.sid.Store(sid)

	if err := ctx.Err(); err != nil {
		s.closeTransport()
		s.setStatus(StatusConnectFailed)
		return err
	}

	info, err := s.tr.SessionCheck(sid)
	if err != nil {
		s.closeTransport()
		s.setStatus(StatusConnectFailed)
		return fmt.Errorf("session check: %w", err)
	}
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
	s.log.Info().Str("mode", tutk.ModeName(info.Mode)).Str("ip", info.RemoteIP).Msg("session established")

	if err := s.checkNetMode(info.Mode); err != nil {
		s.closeTransport()
		s.setStatus(StatusConnectFailed)
		return err
	}

	s.setStatus(StatusAVConnecting)
	password := defaultPassword
	if s.cam.UsesDTLS() {
		password = s.cam.AuthENR()
	}
	av, err := s.tr.AVStart(sid, username, password, avStartTimeout, 0, !s.cam.IsBattery())
	if err != nil {
		s.closeTransport()
		s.setStatus(StatusConnectFailed)
		return fmt.Errorf("av start: %w", err)
	}
	s.av.Store(av)
	s.tr.AVCleanBuf(av)
	s.setStatus(StatusConnected)
	return nil
}

// checkNetMode enforces the per-camera connection policy.
func (s *Session) checkNetMode(mode uint8) error {
	switch s.opts.NetMode {
	case "lan":
		if mode != tutk.ModeLAN {
			return fmt.Errorf("%w: got %s, want lan", ErrReconnect, tutk.ModeName(mode))
		}
	case "p2p":
		if mode == tutk.ModeRelay {
			return fmt.Errorf("%w: got relay, want p2p", ErrReconnect)
		}
	}
	return nil
}

// Authenticate runs the challenge handshake and commands the initial
// encoder parameters. On success the session's mux is live.
func (s *Session) Authenticate(ctx context.Context) error {
	if err := s.authenticate(ctx); err != nil {
		s.setStatus(StatusAuthFailed)
		s.closeMux()
		return err
	}
	s.setStatus(StatusAuthenticated)
	return nil
}

func (s *Session) authenticate(ctx context.Context) error {
	mux := iomux.New(s.channel(), s.log)
	s.mu.Lock()
	s.mux = mux
	s.mu.Unlock()

	wakeMAC := ""
	if s.cam.IsBattery() {
		wakeMAC = s.cam.MAC
	}
	payload, err := mux.Send(protocol.NewConnectRequest(wakeMAC)).Result(handshakeTimeout)
	if err != nil {
		return fmt.Errorf("connect request: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	answer, err := protocol.SolveChallenge(payload, s.cam.AuthENR())
	if err != nil {
		return fmt.Errorf("challenge: %w", err)
	}

	var auth protocol.Message
	if protocol.Supports(s.cam.Model, s.cam.ProtocolVer, protocol.CodeConnectUserAuth) {
		auth = protocol.NewConnectUserAuth(answer, s.opts.PhoneID, s.opts.UserID, true, s.opts.Audio)
	} else {
		auth = protocol.NewConnectAuth(answer, s.cam.MAC, true, s.opts.Audio)
	}
	payload, err = mux.Send(auth).Result(handshakeTimeout)
	if err != nil {
		return fmt.Errorf("auth request: %w", err)
	}
	verdict, err := protocol.DecodeAuthResponse(payload)
	if err != nil {
		return err
	}
	if !verdict.Granted() {
		return fmt.Errorf("camera denied challenge answer (connectionRes=%s)", verdict.ConnectionRes)
	}
	s.mu.Lock()
	s.cameraInfo = verdict.CameraInfo
	s.mu.Unlock()

	if _, err := s.SendResolving().Result(handshakeTimeout); err != nil {
		return fmt.Errorf("initial resolving: %w", err)
	}
	s.log.Info().Int("frame_size", s.FrameSize()).Int("bitrate", s.Bitrate()).
		Msg("authenticated")
	return nil
}

// SendResolving commands the current frame size, bitrate and fps, using
// the payload variant the model expects.
func (s *Session) SendResolving() *iomux.Future {
	mux := s.Mux()
	fs, br, fps := uint8(s.frameSize.Load()), uint8(s.bitrate.Load()), uint8(s.fps.Load())
	if s.cam.UsesResolvingDB() {
		return mux.Send(protocol.NewSetResolvingDB(fs, br, fps))
	}
	return mux.Send(protocol.NewSetResolving(fs, br, fps))
}

// RecvFrame pulls one video frame into buf.
func (s *Session) RecvFrame(buf []byte) (int, tutk.FrameInfo, error) {
	return s.tr.RecvFrame(s.av.Load(), buf)
}

// RecvAudio pulls one audio frame into buf.
func (s *Session) RecvAudio(buf []byte) (int, tutk.FrameInfo, error) {
	return s.tr.RecvAudio(s.av.Load(), buf)
}

// Disconnect tears the stream down: mux listener first, then the AV
// channel, then the IOTC session. Safe to call twice and from a
// goroutine other than the worker, which is how blocked native calls
// get unstuck.
func (s *Session) Disconnect() {
	s.closeMux()
	s.closeTransport()
	s.setStatus(StatusDisconnected)
}

// closeMux stops the listener but keeps the pointer: a pump or
// dispatcher racing the teardown still gets a mux whose sends fail
// cleanly instead of a nil.
func (s *Session) closeMux() {
	s.mu.Lock()
	mux := s.mux
	s.mu.Unlock()
	if mux != nil {
		mux.Close()
	}
}

func (s *Session) closeTransport() {
	if av := s.av.Swap(-1); av >= 0 {
		s.tr.AVStop(av)
	}
	if sid := s.sid.Swap(-1); sid >= 0 {
		s.tr.ConnectStop(sid)
		s.tr.SessionClose(sid)
	}
}

// channel adapts the session's AV handle to the mux, baking in the
// user-defined control type.
func (s *Session) channel() iomux.Channel {
	return &avChannel{s: s}
}

type avChannel struct {
	s *Session
}

func (c *avChannel) SendIOCtrl(data []byte) error {
	return c.s.tr.SendIOCtrl(c.s.av.Load(), tutk.ControlTypeUserDefined, data)
}

func (c *avChannel) RecvIOCtrl(buf []byte, timeout time.Duration) (int, error) {
	_, n, err := c.s.tr.RecvIOCtrl(c.s.av.Load(), buf, timeout)
	return n, err
}
