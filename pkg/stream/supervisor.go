package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ethan/iotc-bridge/pkg/camera"
	"github.com/ethan/iotc-bridge/pkg/config"
	"github.com/ethan/iotc-bridge/pkg/control"
	"github.com/ethan/iotc-bridge/pkg/logger"
	"github.com/ethan/iotc-bridge/pkg/metrics"
	"github.com/ethan/iotc-bridge/pkg/mtx"
)

// ErrUnknownStream is returned for operations on URIs nobody registered.
var ErrUnknownStream = errors.New("stream: unknown uri")

// Directory refreshes camera descriptors whose tunnel credentials went
// stale. The cloud client implements it.
type Directory interface {
	RefreshCamera(ctx context.Context, mac string) (*camera.Camera, error)
}

// EventSource yields media-relay hook events. The mtx event pipe
// implements it.
type EventSource interface {
	Read(timeout time.Duration) ([]mtx.Event, error)
}

// Grabber grabs still frames off the local relay. The snapshot runner
// implements it.
type Grabber interface {
	Grab(uri, rtspURL string) error
}

// ProbeFunc checks that a relay path is actually serving before a
// snapshot child is spent on it.
type ProbeFunc func(ctx context.Context, rtspURL string) error

// SupervisorConfig tunes the health loop.
type SupervisorConfig struct {
	IgnoreOffline  bool          // disable offline cameras instead of retrying
	ConnectTimeout time.Duration // stuck-connect bound, default 20s
	EventTimeout   time.Duration // event pipe wait per tick, default 1s
	RefreshTimeout time.Duration // cloud descriptor refresh bound, default 15s
	Snapshot       config.Snapshot
	RTSPHost       string // where relay paths are read back for snapshots
	ProbeTimeout   time.Duration
}

func (c *SupervisorConfig) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 20 * time.Second
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = time.Second
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 15 * time.Second
	}
	if c.Snapshot.Interval <= 0 {
		c.Snapshot.Interval = 180 * time.Second
	}
	if c.RTSPHost == "" {
		c.RTSPHost = "127.0.0.1:8554"
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
}

// Supervisor owns the registered streams and reconciles them against
// their desired state: record streams stay connected, on-demand
// streams follow viewer events, failures sit out their cooldown.
type Supervisor struct {
	dir   Directory
	pub   Publisher
	snaps Grabber
	probe ProbeFunc
	cfg   SupervisorConfig
	log   zerolog.Logger

	mu      sync.RWMutex
	streams map[string]*Stream

	stopping  atomic.Bool
	snapLimit *rate.Limiter
}

// NewSupervisor wires the supervisor's collaborators. dir, pub, snaps
// and probe may each be nil; the matching behavior is skipped.
func NewSupervisor(dir Directory, pub Publisher, snaps Grabber, probe ProbeFunc, cfg SupervisorConfig) *Supervisor {
	cfg.setDefaults()
	return &Supervisor{
		dir:       dir,
		pub:       pub,
		snaps:     snaps,
		probe:     probe,
		cfg:       cfg,
		log:       logger.WithComponent("supervisor"),
		streams:   make(map[string]*Stream),
		snapLimit: rate.NewLimiter(rate.Every(cfg.Snapshot.Interval), 1),
	}
}

// Add registers a stream under its URI.
func (s *Supervisor) Add(st *Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[st.URI()]; ok {
		return fmt.Errorf("stream: uri %s already registered", st.URI())
	}
	s.streams[st.URI()] = st
	return nil
}

// Get looks a stream up by URI.
func (s *Supervisor) Get(uri string) (*Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[uri]
	return st, ok
}

// Streams lists registered streams in URI order.
func (s *Supervisor) Streams() []*Stream {
	s.mu.RLock()
	out := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URI() < out[j].URI() })
	return out
}

// Start spawns a stream's worker on demand.
func (s *Supervisor) Start(uri string) error {
	st, ok := s.Get(uri)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, uri)
	}
	if s.stopping.Load() {
		return errors.New("stream: supervisor is stopping")
	}
	if !st.Start() && st.State() == StateDisabled {
		return fmt.Errorf("stream %s is disabled", uri)
	}
	return nil
}

// Stop tears a stream's worker down.
func (s *Supervisor) Stop(uri string) error {
	st, ok := s.Get(uri)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, uri)
	}
	st.Stop()
	return nil
}

// Enable lifts a disable.
func (s *Supervisor) Enable(uri string) error {
	st, ok := s.Get(uri)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, uri)
	}
	st.Enable()
	return nil
}

// Disable parks a stream until Enable.
func (s *Supervisor) Disable(uri string) error {
	st, ok := s.Get(uri)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, uri)
	}
	st.Disable()
	return nil
}

// StopAll stops every worker in parallel and blocks until all are
// down. New starts are refused from the first call on.
func (s *Supervisor) StopAll() {
	s.stopping.Store(true)
	var wg sync.WaitGroup
	for _, st := range s.Streams() {
		wg.Add(1)
		go func(st *Stream) {
			defer wg.Done()
			st.Stop()
		}(st)
	}
	wg.Wait()
	s.log.Info().Msg("all streams stopped")
}

// Execute routes a command. Lifecycle verbs are handled here; anything
// else goes to the stream's dispatcher.
func (s *Supervisor) Execute(ctx context.Context, uri, topic, payload string) control.Result {
	st, ok := s.Get(uri)
	if !ok {
		return control.Result{Topic: topic, Status: control.StatusError, Response: "unknown stream"}
	}
	switch topic {
	case "start":
		if s.stopping.Load() {
			return control.Result{Topic: topic, Status: control.StatusError, Response: "shutting down"}
		}
		if st.State() == StateDisabled {
			return control.Result{Topic: topic, Status: control.StatusError, Response: "stream is disabled"}
		}
		if st.Start() {
			return control.Result{Topic: topic, Status: control.StatusOK, Value: "starting"}
		}
		return control.Result{Topic: topic, Status: control.StatusOK, Value: "already running"}
	case "stop":
		st.Stop()
		return control.Result{Topic: topic, Status: control.StatusOK, Value: "stopped"}
	case "enable":
		if st.Enable() {
			return control.Result{Topic: topic, Status: control.StatusOK, Value: "enabled"}
		}
		return control.Result{Topic: topic, Status: control.StatusOK, Value: "already enabled"}
	case "disable":
		st.Disable()
		return control.Result{Topic: topic, Status: control.StatusOK, Value: "disabled"}
	}
	return st.Execute(ctx, topic, payload)
}

// Monitor is the supervisor's main loop: wait up to a second for relay
// events, act on them, then sweep every stream once. Returns when ctx
// ends or the event source fails.
func (s *Supervisor) Monitor(ctx context.Context, src EventSource) error {
	s.log.Info().Int("streams", len(s.Streams())).Msg("supervising")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		events, err := src.Read(s.cfg.EventTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("event pipe: %w", err)
		}
		for _, ev := range events {
			s.handleEvent(ev)
		}
		enabled := s.healthCheck(ctx)
		if s.snapshotDue(enabled) {
			s.snapshotPass(ctx)
		}
	}
}

func (s *Supervisor) handleEvent(ev mtx.Event) {
	metrics.RelayEvents.WithLabelValues(ev.Kind).Inc()
	st, ok := s.Get(ev.URI)
	if !ok {
		s.log.Debug().Str("uri", ev.URI).Str("event", ev.Kind).Msg("event for unknown stream")
		return
	}
	switch ev.Kind {
	case mtx.EventStart:
		if s.stopping.Load() {
			return
		}
		if st.Start() {
			s.log.Info().Str("uri", ev.URI).Msg("viewer requested stream")
		}
	case mtx.EventNotReady:
		// Record streams are health-driven; their publisher dying is
		// already being handled by the worker itself.
		if !st.Record() {
			st.Stop()
		}
	case mtx.EventReady:
		s.publish(ev.URI, "online")
	case mtx.EventRead:
		s.publish(ev.URI, "reading")
	case mtx.EventUnread:
		s.publish(ev.URI, "online")
	default:
		s.log.Debug().Str("uri", ev.URI).Str("event", ev.Kind).Msg("unhandled relay event")
	}
}

func (s *Supervisor) publish(uri, state string) {
	if s.pub != nil {
		s.pub.PublishState(uri, state)
	}
}

// healthCheck sweeps the registry once and returns how many streams
// are not disabled.
func (s *Supervisor) healthCheck(ctx context.Context) int {
	if s.stopping.Load() {
		return 0
	}
	enabled := 0
	for _, st := range s.Streams() {
		if s.checkStream(ctx, st) {
			enabled++
		}
	}
	return enabled
}

// checkStream applies one health tick to one stream. Reports whether
// the stream counts as enabled.
func (s *Supervisor) checkStream(ctx context.Context, st *Stream) bool {
	state := st.State()
	switch {
	case state == StateDisabled:
		return false

	case state == StateConnected, state == StateStopping:

	case state == StateConnecting:
		if st.ConnectingFor() > s.cfg.ConnectTimeout {
			s.log.Warn().Str("uri", st.URI()).Dur("after", s.cfg.ConnectTimeout).Msg("connect timed out")
			st.Stop()
		}

	case state == StateOffline:
		if s.cfg.IgnoreOffline {
			s.log.Info().Str("uri", st.URI()).Msg("camera offline, disabling")
			st.Disable()
			return false
		}
		if !st.CoolingDown() {
			st.casState(state, StateStopped)
		}

	case state.Errno().StaleCredentials():
		if st.CoolingDown() {
			break
		}
		if s.refreshCamera(ctx, st) {
			st.casState(state, StateStopped)
		} else {
			st.coolOff()
		}

	case state < 0:
		if !st.CoolingDown() {
			st.casState(state, StateStopped)
		}

	case state == StateStopped:
		if st.Record() && !st.CoolingDown() {
			st.Start()
		}
	}
	return true
}

// refreshCamera replaces a stream's descriptor after the device
// rejected its credentials, which happens when cloud state moved under
// a long-running bridge.
func (s *Supervisor) refreshCamera(ctx context.Context, st *Stream) bool {
	if s.dir == nil {
		return true
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RefreshTimeout)
	defer cancel()
	cam, err := s.dir.RefreshCamera(rctx, st.Camera().MAC)
	if err != nil {
		s.log.Warn().Err(err).Str("uri", st.URI()).Msg("descriptor refresh failed")
		return false
	}
	st.SetCamera(cam)
	return true
}

func (s *Supervisor) snapshotDue(enabled int) bool {
	return s.snaps != nil && s.cfg.Snapshot.Enabled && s.cfg.Snapshot.RTSP &&
		enabled > 0 && s.snapLimit.Allow()
}

// snapshotPass grabs one still per connected stream off the local
// relay. Paths are probed first so ffmpeg children are not spent on
// paths that are not serving.
func (s *Supervisor) snapshotPass(ctx context.Context) {
	for _, st := range s.Streams() {
		if st.State() != StateConnected {
			continue
		}
		uri := st.URI()
		url := "rtsp://" + s.cfg.RTSPHost + "/" + uri
		if s.probe != nil {
			pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
			err := s.probe(pctx, url)
			cancel()
			if err != nil {
				s.log.Debug().Err(err).Str("uri", uri).Msg("snapshot skipped")
				continue
			}
		}
		if err := s.snaps.Grab(uri, url); err != nil {
			s.log.Warn().Err(err).Str("uri", uri).Msg("snapshot failed")
			continue
		}
		metrics.Snapshots.WithLabelValues("rtsp").Inc()
	}
}

// MetricsSnapshot implements the metrics stream source.
func (s *Supervisor) MetricsSnapshot() []metrics.StreamStats {
	streams := s.Streams()
	out := make([]metrics.StreamStats, 0, len(streams))
	for _, st := range streams {
		ps := st.Stats()
		out = append(out, metrics.StreamStats{
			URI:       st.URI(),
			State:     int(st.State()),
			Forwarded: ps.Forwarded,
			Dropped:   ps.Dropped,
			NoReady:   ps.NoReady,
			BadRes:    ps.BadRes,
		})
	}
	return out
}

// Info is one stream's externally visible snapshot, shaped for the
// HTTP API.
type Info struct {
	URI         string          `json:"uri"`
	MAC         string          `json:"mac"`
	Model       string          `json:"model"`
	Nickname    string          `json:"nickname"`
	State       string          `json:"state"`
	Code        int             `json:"code"`
	Record      bool            `json:"record"`
	Substream   bool            `json:"substream"`
	ConnectedAt *time.Time      `json:"connected_at,omitempty"`
	Frames      FrameCounters   `json:"frames"`
	CameraInfo  json.RawMessage `json:"camera_info,omitempty"`
}

// FrameCounters mirrors the pump counters with stable JSON names.
type FrameCounters struct {
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
	NoReady   uint64 `json:"noready"`
	BadRes    uint64 `json:"badres"`
}

// Info snapshots the stream. withDetail adds the cached camera_info
// document, which single-stream lookups want and listings do not.
func (st *Stream) Info(withDetail bool) Info {
	cam := st.Camera()
	state := st.State()
	ps := st.Stats()
	info := Info{
		URI:       st.URI(),
		MAC:       cam.MAC,
		Model:     cam.Model,
		Nickname:  cam.Nickname,
		State:     state.String(),
		Code:      int(state),
		Record:    st.Record(),
		Substream: st.Substream(),
		Frames: FrameCounters{
			Forwarded: ps.Forwarded,
			Dropped:   ps.Dropped,
			NoReady:   ps.NoReady,
			BadRes:    ps.BadRes,
		},
	}
	if at := st.ConnectedAt(); !at.IsZero() {
		info.ConnectedAt = &at
	}
	if withDetail {
		info.CameraInfo = st.CameraInfo()
	}
	return info
}
