// Package stream runs one worker per camera stream and the supervisor
// that keeps the fleet in its desired state. A worker owns a tunnel
// session, the ffmpeg publisher fed from it, and the control
// dispatcher; the supervisor owns the workers.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ethan/iotc-bridge/pkg/camera"
	"github.com/ethan/iotc-bridge/pkg/config"
	"github.com/ethan/iotc-bridge/pkg/control"
	"github.com/ethan/iotc-bridge/pkg/logger"
	"github.com/ethan/iotc-bridge/pkg/pump"
	"github.com/ethan/iotc-bridge/pkg/session"
	"github.com/ethan/iotc-bridge/pkg/tutk"
)

const (
	// DefaultCooldown is how long a failed stream sits out before the
	// health loop considers it again.
	DefaultCooldown = 10 * time.Second

	// stopGrace bounds how long Stop waits for a worker to unwind. The
	// session is disconnected first, so a healthy worker exits well
	// inside this.
	stopGrace = 5 * time.Second
)

// Sink is the transcoder child the frame pump writes into. Production
// sinks are ffmpeg publishers from pkg/sink.
type Sink interface {
	io.Writer
	AudioWriter() io.Writer
	Close() error
}

// SinkFactory builds the sink once a session has authenticated and the
// negotiated codec is known.
type SinkFactory func(uri, codec string, fps int) (Sink, error)

// Publisher receives state transitions. Implementations must not block;
// the worker and health loop call it inline.
type Publisher interface {
	PublishState(uri, state string)
}

// Options fixes a stream's identity and tuning for its whole life.
// Everything here comes from the env config and the camera descriptor
// at startup.
type Options struct {
	URI       string
	Substream bool // second tunnel on AV channel 1, SD quality
	Record    bool // keep connected and publishing; false means on-demand
	Audio     bool

	Quality config.Quality
	FPS     int
	NetMode string
	PhoneID string
	UserID  string

	Pump    pump.Config
	Control control.Config

	NewSink  SinkFactory
	OnResult control.Publisher // command result observer, may be nil
	Cooldown time.Duration
}

// Stream is one camera stream and its worker. The state field is
// atomic so the HTTP layer and the metrics collector read it without
// touching the worker's locks.
type Stream struct {
	tr   session.Transport
	opts Options
	pub  Publisher
	log  zerolog.Logger

	state        atomic.Int32
	connectingAt atomic.Int64 // unix nanos of the CONNECTING transition
	connectedAt  atomic.Int64 // unix nanos of the CONNECTED transition
	retryAt      atomic.Int64 // unix nanos before which the health loop must not restart

	mu     sync.Mutex
	cam    *camera.Camera
	cancel context.CancelFunc
	done   chan struct{}
	sess   *session.Session
	disp   *control.Dispatcher
	pump   *pump.Pump
	base   pump.Stats // carried across worker restarts
}

// New builds a stream in the STOPPED state. Nothing runs until Start.
func New(cam *camera.Camera, tr session.Transport, pub Publisher, opts Options) *Stream {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	st := &Stream{
		tr:   tr,
		opts: opts,
		pub:  pub,
		cam:  cam,
		log:  logger.WithComponent("stream").With().Str("uri", opts.URI).Logger(),
	}
	st.state.Store(int32(StateStopped))
	return st
}

func (st *Stream) URI() string     { return st.opts.URI }
func (st *Stream) Record() bool    { return st.opts.Record }
func (st *Stream) Substream() bool { return st.opts.Substream }

// State is safe from any goroutine.
func (st *Stream) State() State { return State(st.state.Load()) }

// Camera returns the current descriptor. The supervisor swaps it after
// a cloud refresh, so callers must not retain it across restarts.
func (st *Stream) Camera() *camera.Camera {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cam
}

// SetCamera installs a refreshed descriptor for the next connect.
func (st *Stream) SetCamera(cam *camera.Camera) {
	st.mu.Lock()
	st.cam = cam
	st.mu.Unlock()
	st.log.Info().Str("firmware", cam.FirmwareVersion).Msg("camera descriptor refreshed")
}

// Stats returns pump counters accumulated across worker restarts.
func (st *Stream) Stats() pump.Stats {
	st.mu.Lock()
	defer st.mu.Unlock()
	total := st.base
	if st.pump != nil {
		total = addStats(total, st.pump.Stats())
	}
	return total
}

// ConnectedAt is the time of the last CONNECTED transition, zero when
// the stream never connected.
func (st *Stream) ConnectedAt() time.Time {
	ns := st.connectedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// ConnectingFor is how long the stream has been in CONNECTING, zero in
// any other state.
func (st *Stream) ConnectingFor() time.Duration {
	if st.State() != StateConnecting {
		return 0
	}
	return time.Since(time.Unix(0, st.connectingAt.Load()))
}

// CoolingDown reports whether the stream is still inside its retry
// cooldown window.
func (st *Stream) CoolingDown() bool {
	return time.Now().UnixNano() < st.retryAt.Load()
}

// CameraInfo returns the device's cached camera_info document, nil
// while no session holds one.
func (st *Stream) CameraInfo() json.RawMessage {
	st.mu.Lock()
	sess := st.sess
	st.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.CameraInfo()
}

// Start spawns the worker. It reports false when one is already
// running or the stream is disabled.
func (st *Stream) Start() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.startLocked()
}

func (st *Stream) startLocked() bool {
	if st.cancel != nil {
		return false
	}
	if State(st.state.Load()) == StateDisabled {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	st.cancel = cancel
	st.done = done
	st.connectingAt.Store(time.Now().UnixNano())
	st.setState(StateConnecting)
	go st.run(ctx, cancel, done)
	return true
}

// Stop tears the worker down: cancel first, then disconnect the
// session to unstick any blocked native call, then wait bounded.
func (st *Stream) Stop() {
	st.mu.Lock()
	cancel, done, sess := st.cancel, st.done, st.sess
	if cancel == nil {
		st.mu.Unlock()
		return
	}
	// Transition under the lock so a worker finalizing concurrently
	// cannot be overwritten after it already settled.
	st.setState(StateStopping)
	st.mu.Unlock()
	cancel()
	if sess != nil {
		sess.Disconnect()
	}
	select {
	case <-done:
	case <-time.After(stopGrace):
		st.log.Warn().Msg("worker did not exit within grace")
	}
}

// Enable moves a disabled stream back to STOPPED. It reports false
// when the stream was not disabled.
func (st *Stream) Enable() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.state.CompareAndSwap(int32(StateDisabled), int32(StateStopped)) {
		return false
	}
	st.log.Info().Msg("enabled")
	st.publish(StateStopped)
	return true
}

// Disable stops the worker and parks the stream. Only Enable leaves
// this state; the health loop skips disabled streams entirely.
func (st *Stream) Disable() {
	st.Stop()
	st.mu.Lock()
	defer st.mu.Unlock()
	if State(st.state.Load()) == StateDisabled {
		return
	}
	st.state.Store(int32(StateDisabled))
	st.log.Info().Msg("disabled")
	st.publish(StateDisabled)
}

// Execute runs a control command against the live session. The status
// topic answers from the state machine and works in any state.
func (st *Stream) Execute(ctx context.Context, topic, payload string) control.Result {
	if topic == "status" {
		return control.Result{Topic: topic, Status: control.StatusOK, Value: st.State().String()}
	}
	st.mu.Lock()
	disp := st.disp
	st.mu.Unlock()
	if disp == nil {
		return control.Result{Topic: topic, Status: control.StatusError, Response: "stream is not connected"}
	}
	return disp.Execute(ctx, topic, payload)
}

// run is the worker body. It owns the final state transition so Stop
// and the health loop observe a settled stream once done closes.
func (st *Stream) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	err := st.serve(ctx)
	cancel()

	final, cool := classify(err)
	if cool {
		st.retryAt.Store(time.Now().Add(st.opts.Cooldown).UnixNano())
	}

	st.mu.Lock()
	if st.pump != nil {
		st.base = addStats(st.base, st.pump.Stats())
	}
	st.cancel = nil
	st.sess = nil
	st.disp = nil
	st.pump = nil
	if State(st.state.Load()) != StateDisabled {
		st.setState(final)
	}
	st.mu.Unlock()
	close(done)

	if err != nil && !errors.Is(err, context.Canceled) {
		st.log.Warn().Err(err).Stringer("state", final).Msg("worker exited")
	}
}

// serve drives one session's life: connect, authenticate, then the
// pump and dispatcher side by side until either fails or ctx ends.
func (st *Stream) serve(ctx context.Context) error {
	st.mu.Lock()
	cam := st.cam
	st.mu.Unlock()

	sess := session.New(cam, st.tr, session.Options{
		Quality: st.opts.Quality,
		FPS:     st.opts.FPS,
		NetMode: st.opts.NetMode,
		Audio:   st.opts.Audio,
		PhoneID: st.opts.PhoneID,
		UserID:  st.opts.UserID,
	})
	st.mu.Lock()
	st.sess = sess
	st.mu.Unlock()
	defer sess.Disconnect()

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	if err := sess.Authenticate(ctx); err != nil {
		return err
	}
	st.connectedAt.Store(time.Now().UnixNano())
	st.setState(StateConnected)

	if st.opts.NewSink == nil {
		return errors.New("stream: no sink factory")
	}
	codec, fps := videoParm(sess.CameraInfo(), st.opts.FPS)
	snk, err := st.opts.NewSink(st.opts.URI, codec, fps)
	if err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	defer snk.Close()

	var audio io.Writer
	if st.opts.Audio {
		audio = snk.AudioWriter()
	}
	p := pump.New(sess, snk, audio, st.opts.Pump)
	d := control.New(sess, st.opts.OnResult, st.opts.Control)
	st.mu.Lock()
	st.pump = p
	st.disp = d
	st.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error { return d.Run(gctx) })
	return g.Wait()
}

// setState swaps the state and publishes the transition. Callers that
// must not clobber DISABLED check before calling.
func (st *Stream) setState(s State) {
	old := State(st.state.Swap(int32(s)))
	if old == s {
		return
	}
	st.log.Debug().Stringer("from", old).Stringer("to", s).Msg("state")
	st.publish(s)
}

// casState transitions only if the stream is still where the caller
// saw it, so the health loop never clobbers a worker started in
// between.
func (st *Stream) casState(from, to State) bool {
	if !st.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	st.log.Debug().Stringer("from", from).Stringer("to", to).Msg("state")
	st.publish(to)
	return true
}

// coolOff arms the retry cooldown from now.
func (st *Stream) coolOff() {
	st.retryAt.Store(time.Now().Add(st.opts.Cooldown).UnixNano())
}

func (st *Stream) publish(s State) {
	if st.pub != nil {
		st.pub.PublishState(st.opts.URI, s.String())
	}
}

// classify folds a worker exit error into the stream state and whether
// a cooldown applies before the health loop may restart it.
func classify(err error) (State, bool) {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return StateStopped, false
	case errors.Is(err, session.ErrReconnect):
		return StateStopped, true
	}
	var errno tutk.Errno
	if errors.As(err, &errno) && errno < 0 {
		switch {
		case errno.Offline():
			return StateOffline, true
		case errno.StaleCredentials():
			// No cooldown: the next health tick refreshes the
			// descriptor and restarts.
			return State(errno), false
		default:
			return State(errno), true
		}
	}
	return StateStopped, true
}

func addStats(a, b pump.Stats) pump.Stats {
	return pump.Stats{
		Forwarded: a.Forwarded + b.Forwarded,
		Dropped:   a.Dropped + b.Dropped,
		NoReady:   a.NoReady + b.NoReady,
		BadRes:    a.BadRes + b.BadRes,
	}
}

// videoParm pulls the negotiated codec and frame rate out of the
// camera_info document. Firmware reports both as strings.
func videoParm(raw json.RawMessage, fallbackFPS int) (string, int) {
	codec, fps := "h264", fallbackFPS
	if len(raw) == 0 {
		return codec, fps
	}
	var info struct {
		VideoParm struct {
			Type string `json:"type"`
			FPS  string `json:"fps"`
		} `json:"videoParm"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return codec, fps
	}
	if strings.Contains(info.VideoParm.Type, "265") {
		codec = "hevc"
	}
	if n, err := strconv.Atoi(info.VideoParm.FPS); err == nil && n > 0 {
		fps = n
	}
	return codec, fps
}
