// Package control translates operator topics into wire commands for one
// live session. It runs beside the frame pump on the same mux, refreshes
// camera parameters when idle, keeps the commanded bitrate asserted and
// mirrors battery-camera photos while Boa runs.
package control

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ethan/iotc-bridge/pkg/logger"
	"github.com/ethan/iotc-bridge/pkg/metrics"
	"github.com/ethan/iotc-bridge/pkg/protocol"
	"github.com/ethan/iotc-bridge/pkg/session"
	"github.com/ethan/iotc-bridge/pkg/sink"
)

// Result statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Result is the outcome of one command, shaped for the control surface.
type Result struct {
	Topic    string `json:"topic"`
	Status   string `json:"status"`
	Value    any    `json:"value,omitempty"`
	Response string `json:"response,omitempty"`
}

// Command is one queued (topic, payload) pair.
type Command struct {
	Topic   string
	Payload string
	reply   chan Result
}

// Publisher observes every result the dispatcher produces.
type Publisher interface {
	Publish(mac string, res Result)
}

// Config tunes the dispatcher.
type Config struct {
	// RefreshInterval is the idle poll after which parameters are
	// re-read from the device.
	RefreshInterval time.Duration
	// CommandTimeout bounds each wire round trip.
	CommandTimeout time.Duration
	// EnableBoa keeps the battery camera's onboard http server alive.
	EnableBoa bool
	// PhotoURI and PhotoDir mirror the newest camera-side photo into
	// the image directory; leaving either empty disables the pull.
	PhotoURI string
	PhotoDir string
	// PhotoInterval spaces the pulls; refresh ticks in between skip it.
	PhotoInterval time.Duration
	// PhotoClient reaches the camera's onboard http server.
	PhotoClient *http.Client
}

const (
	defaultRefreshInterval = 5 * time.Second
	defaultCommandTimeout  = 5 * time.Second
	defaultPhotoInterval   = 30 * time.Second
	rotarySpeed            = 5
)

// Parameter ids re-read on every refresh tick; id 3 is the bitrate.
var paramRefreshIDs = []byte{1, 2, 3, 4, 5, 6}

// Catalog topics with a plain get/set code pair.
type topicCodes struct {
	get uint16
	set uint16
}

var topics = map[string]topicCodes{
	"status_light":   {protocol.CodeGetStatusLight, protocol.CodeSetStatusLight},
	"night_vision":   {protocol.CodeGetNightVision, protocol.CodeSetNightVision},
	"irled":          {protocol.CodeGetIRLED, protocol.CodeSetIRLED},
	"camera_time":    {protocol.CodeGetCameraTime, protocol.CodeSetCameraTime},
	"night_switch":   {protocol.CodeGetNightSwitch, protocol.CodeSetNightSwitch},
	"alarm":          {protocol.CodeGetAlarmFlashing, protocol.CodeSetAlarmFlashing},
	"motion_tagging": {protocol.CodeGetMotionTagging, protocol.CodeSetMotionTagging},
	"rtsp":           {protocol.CodeGetRTSPSwitch, protocol.CodeSetRTSPSwitch},
}

// Dispatcher owns one session's command lane.
type Dispatcher struct {
	s   *session.Session
	cfg Config
	pub Publisher
	log zerolog.Logger

	cmds chan Command

	mu         sync.Mutex
	lastParams json.RawMessage

	// Touched only from the Run goroutine.
	lastPhoto sink.BoaPhoto
	lastPull  time.Time
}

// New builds a dispatcher for an authenticated session. pub may be nil.
func New(s *session.Session, pub Publisher, cfg Config) *Dispatcher {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.PhotoInterval <= 0 {
		cfg.PhotoInterval = defaultPhotoInterval
	}
	if cfg.PhotoClient == nil {
		cfg.PhotoClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Dispatcher{
		s:    s,
		cfg:  cfg,
		pub:  pub,
		log:  logger.WithComponent("control").With().Str("mac", s.Camera().MAC).Logger(),
		cmds: make(chan Command, 16),
	}
}

// Execute queues a command and waits for its result. A dead or absent
// dispatcher loop surfaces as an error result when ctx expires.
func (d *Dispatcher) Execute(ctx context.Context, topic, payload string) Result {
	cmd := Command{Topic: topic, Payload: payload, reply: make(chan Result, 1)}
	select {
	case d.cmds <- cmd:
	case <-ctx.Done():
		return errResult(topic, fmt.Errorf("stream not accepting commands: %w", ctx.Err()))
	}
	select {
	case res := <-cmd.reply:
		return res
	case <-ctx.Done():
		return errResult(topic, fmt.Errorf("command timed out: %w", ctx.Err()))
	}
}

// Run serves commands until the context ends. Idle periods trigger the
// parameter refresh.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-d.cmds:
			res := d.execute(cmd.Topic, cmd.Payload)
			if cmd.reply != nil {
				cmd.reply <- res
			}
			d.publish(res)
		case <-time.After(d.cfg.RefreshInterval):
			d.refreshParams(ctx)
		}
	}
}

func (d *Dispatcher) publish(res Result) {
	if d.pub != nil {
		d.pub.Publish(d.s.Camera().MAC, res)
	}
}

// execute resolves one topic. Errors never stop the loop; they become
// error results.
func (d *Dispatcher) execute(topic, payload string) Result {
	if logger.Enabled(logger.DebugIOCtl) {
		d.log.Debug().Str("topic", topic).Str("payload", payload).Msg("executing command")
	}
	switch topic {
	case "caminfo":
		return okResult(topic, d.camInfo())
	case "state":
		return okResult(topic, d.s.Status().String())
	case "bitrate":
		return d.bitrate(payload)
	case "fps":
		return d.fps(payload)
	case "cruise_points":
		return d.cruisePoints()
	case "cruise_point":
		return d.cruisePoint(payload)
	case "ptz_position":
		return d.ptzPosition(payload)
	case "rotary_degree":
		return d.rotaryDegree(payload)
	case "rotary_action":
		return d.rotaryAction(payload)
	case "reset_rotation":
		return d.roundTrip(topic, protocol.NewResetRotation())
	case "take_photo":
		return d.roundTrip(topic, protocol.NewTakePhoto())
	case "start_boa":
		if _, err := d.send(protocol.NewStartBoa()); err != nil {
			return errResult(topic, err)
		}
		return okResult(topic, "sent")
	}

	codes, ok := topics[topic]
	if !ok {
		return errResult(topic, fmt.Errorf("unknown command %q", topic))
	}
	if payload == "" {
		return d.catalogGet(topic, codes.get)
	}
	return d.catalogSet(topic, codes.set, payload)
}

func (d *Dispatcher) catalogGet(topic string, code uint16) Result {
	if !d.supported(code) {
		return errResult(topic, fmt.Errorf("%s not supported by %s", topic, d.s.Camera().Model))
	}
	payload, err := d.send(protocol.NewGet(code))
	if err != nil {
		return errResult(topic, err)
	}
	return okResult(topic, normalize(payload))
}

func (d *Dispatcher) catalogSet(topic string, code uint16, payload string) Result {
	if !d.supported(code) {
		return errResult(topic, fmt.Errorf("%s not supported by %s", topic, d.s.Camera().Model))
	}
	var msg protocol.Message
	if code == protocol.CodeSetCameraTime {
		ts := time.Now().Unix()
		if v, err := strconv.ParseInt(payload, 10, 64); err == nil && v > 0 {
			ts = v
		}
		raw := make([]byte, 4)
		binary.LittleEndian.PutUint32(raw, uint32(ts))
		msg = protocol.NewSetBytes(code, raw)
	} else {
		v, ok := protocol.ResolveValue(payload)
		if !ok {
			return errResult(topic, fmt.Errorf("invalid value %q", payload))
		}
		msg = protocol.NewSet(code, uint8(v))
	}
	resp, err := d.send(msg)
	if err != nil {
		return errResult(topic, err)
	}
	return okResult(topic, normalize(resp))
}

// roundTrip sends an ack-style command.
func (d *Dispatcher) roundTrip(topic string, msg protocol.Message) Result {
	resp, err := d.send(msg)
	if err != nil {
		return errResult(topic, err)
	}
	if !protocol.IsAck(resp) {
		return errResult(topic, fmt.Errorf("device rejected %s", topic))
	}
	return okResult(topic, normalize(resp))
}

func (d *Dispatcher) camInfo() map[string]any {
	d.mu.Lock()
	params := d.lastParams
	d.mu.Unlock()
	info := map[string]any{
		"cameraInfo": d.s.CameraInfo(),
	}
	if params != nil {
		info["params"] = params
	}
	if d.cfg.EnableBoa && d.s.Camera().IsBattery() && d.s.Camera().IP != "" {
		boa := map[string]any{"url": "http://" + d.s.Camera().IP}
		if d.lastPhoto.Name != "" {
			boa["photo"] = d.lastPhoto.Name
			boa["photo_time"] = d.lastPhoto.ModTime.UTC().Format(time.RFC3339)
		}
		info["boa"] = boa
	}
	return info
}

// bitrate gets or reframes the encoder bitrate.
func (d *Dispatcher) bitrate(payload string) Result {
	const topic = "bitrate"
	if payload == "" {
		reported, err := d.readBitrate()
		if err != nil {
			return errResult(topic, err)
		}
		return okResult(topic, reported)
	}
	v, err := strconv.Atoi(payload)
	if err != nil || v < 1 || v > 255 {
		return errResult(topic, fmt.Errorf("bitrate %q out of range 1..255", payload))
	}
	d.s.SetBitrate(v)
	if _, err := d.s.SendResolving().Result(d.cfg.CommandTimeout); err != nil {
		return errResult(topic, err)
	}
	return okResult(topic, v)
}

// fps reframes the encoder frame rate; an empty payload reports the
// commanded value.
func (d *Dispatcher) fps(payload string) Result {
	const topic = "fps"
	if payload == "" {
		return okResult(topic, d.s.FPS())
	}
	v, err := strconv.Atoi(payload)
	if err != nil || v < 1 || v > 30 {
		return errResult(topic, fmt.Errorf("fps %q out of range 1..30", payload))
	}
	d.s.SetFPS(v)
	if _, err := d.s.SendResolving().Result(d.cfg.CommandTimeout); err != nil {
		return errResult(topic, err)
	}
	return okResult(topic, v)
}

func (d *Dispatcher) cruisePoints() Result {
	const topic = "cruise_points"
	payload, err := d.send(protocol.NewGetCruisePoints())
	if err != nil {
		return errResult(topic, err)
	}
	points, err := protocol.DecodeCruisePoints(payload)
	if err != nil {
		return errResult(topic, err)
	}
	return okResult(topic, points)
}

// cruisePoint pans to a stored patrol position. Indexes are 1-based;
// zero and negative index from the start and end respectively.
func (d *Dispatcher) cruisePoint(payload string) Result {
	const topic = "cruise_point"
	i, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return errResult(topic, fmt.Errorf("invalid cruise index %q", payload))
	}
	raw, err := d.send(protocol.NewGetCruisePoints())
	if err != nil {
		return errResult(topic, err)
	}
	points, err := protocol.DecodeCruisePoints(raw)
	if err != nil {
		return errResult(topic, err)
	}
	idx := i
	switch {
	case i > 0:
		idx = i - 1
	case i < 0:
		idx = len(points) + i
	}
	if idx < 0 || idx >= len(points) {
		return errResult(topic, fmt.Errorf("cruise index %d outside %d stored points", i, len(points)))
	}
	p := points[idx]
	if _, err := d.send(protocol.NewSetPTZPosition(p.Vertical, p.Horizontal)); err != nil {
		return errResult(topic, err)
	}
	return okResult(topic, p)
}

func (d *Dispatcher) ptzPosition(payload string) Result {
	const topic = "ptz_position"
	vert, horiz, err := twoInts(payload)
	if err != nil {
		return errResult(topic, fmt.Errorf("want \"vertical,horizontal\": %w", err))
	}
	if _, err := d.send(protocol.NewSetPTZPosition(uint8(vert), uint8(horiz))); err != nil {
		return errResult(topic, err)
	}
	return okResult(topic, payload)
}

func (d *Dispatcher) rotaryDegree(payload string) Result {
	const topic = "rotary_degree"
	horiz, vert, err := twoInts(payload)
	if err != nil {
		// A single number pans horizontally.
		h, convErr := strconv.Atoi(strings.TrimSpace(payload))
		if convErr != nil {
			return errResult(topic, fmt.Errorf("want degrees \"horizontal[,vertical]\": %w", err))
		}
		horiz, vert = h, 0
	}
	if _, err := d.send(protocol.NewRotaryByDegree(int16(horiz), int16(vert))); err != nil {
		return errResult(topic, err)
	}
	return okResult(topic, payload)
}

func (d *Dispatcher) rotaryAction(payload string) Result {
	const topic = "rotary_action"
	action, ok := protocol.ResolveRotary(payload)
	if !ok {
		return errResult(topic, fmt.Errorf("unknown direction %q", payload))
	}
	if _, err := d.send(protocol.NewRotaryByAction(action.Horizontal, action.Vertical, rotarySpeed)); err != nil {
		return errResult(topic, err)
	}
	return okResult(topic, payload)
}

// refreshParams re-reads device parameters while the command lane is
// idle, keeps the byte-level snapshot for caminfo, and re-asserts the
// bitrate when the device drifted.
func (d *Dispatcher) refreshParams(ctx context.Context) {
	if d.cfg.EnableBoa && d.s.Camera().IsBattery() {
		d.send(protocol.NewStartBoa())
		d.pullPhoto(ctx)
	}

	payload, err := d.send(protocol.NewCameraParams(paramRefreshIDs...))
	if err != nil {
		d.log.Debug().Err(err).Msg("param refresh failed")
		return
	}
	var params map[string]any
	if err := protocol.DecodeJSON(payload, &params); err == nil {
		d.mu.Lock()
		d.lastParams = json.RawMessage(strings.TrimRight(string(payload), "\x00"))
		d.mu.Unlock()
		d.reconcileBitrate(intField(params["3"]))
	}

	if d.videoParamSupported() {
		payload, err := d.send(protocol.NewGetVideoParam())
		if err != nil {
			return
		}
		var vp struct {
			BitRate any `json:"bitRate"`
			FPS     any `json:"fps"`
		}
		if protocol.DecodeJSON(payload, &vp) == nil {
			d.reconcileBitrate(intField(vp.BitRate))
		}
	}
}

// pullPhoto mirrors the newest camera-side photo while Boa runs, paced
// by PhotoInterval.
func (d *Dispatcher) pullPhoto(ctx context.Context) {
	if d.cfg.PhotoDir == "" || d.cfg.PhotoURI == "" {
		return
	}
	if time.Since(d.lastPull) < d.cfg.PhotoInterval {
		return
	}
	d.lastPull = time.Now()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.CommandTimeout)
	defer cancel()
	photo, err := sink.PullPhoto(ctx, d.cfg.PhotoClient, d.s.Camera().IP, d.cfg.PhotoURI, d.cfg.PhotoDir, d.lastPhoto)
	if err != nil {
		d.log.Debug().Err(err).Msg("photo pull failed")
		return
	}
	if photo.Name != d.lastPhoto.Name {
		metrics.Snapshots.WithLabelValues("boa").Inc()
		d.log.Info().Str("photo", photo.Name).Msg("mirrored camera photo")
	}
	d.lastPhoto = photo
}

// readBitrate asks the device for its live bitrate.
func (d *Dispatcher) readBitrate() (int, error) {
	if d.videoParamSupported() {
		payload, err := d.send(protocol.NewGetVideoParam())
		if err != nil {
			return 0, err
		}
		var vp struct {
			BitRate any `json:"bitRate"`
		}
		if err := protocol.DecodeJSON(payload, &vp); err != nil {
			return 0, err
		}
		return intField(vp.BitRate), nil
	}
	payload, err := d.send(protocol.NewCameraParams(3))
	if err != nil {
		return 0, err
	}
	var params map[string]any
	if err := protocol.DecodeJSON(payload, &params); err != nil {
		return 0, err
	}
	return intField(params["3"]), nil
}

func (d *Dispatcher) reconcileBitrate(reported int) {
	if reported == 0 || reported == d.s.Bitrate() {
		return
	}
	d.log.Info().Int("reported", reported).Int("want", d.s.Bitrate()).
		Msg("bitrate drifted, re-asserting")
	d.s.SendResolving()
}

func (d *Dispatcher) videoParamSupported() bool {
	cam := d.s.Camera()
	return cam.FirmwareAtLeast("4.50") &&
		protocol.Supports(cam.Model, cam.ProtocolVer, protocol.CodeGetVideoParam)
}

func (d *Dispatcher) supported(code uint16) bool {
	cam := d.s.Camera()
	return protocol.Supports(cam.Model, cam.ProtocolVer, code)
}

func (d *Dispatcher) send(msg protocol.Message) ([]byte, error) {
	start := time.Now()
	payload, err := d.s.Mux().Send(msg).Result(d.cfg.CommandTimeout)
	metrics.IOCtlDuration.WithLabelValues(metrics.CodeLabel(msg.Code)).Observe(time.Since(start).Seconds())
	return payload, err
}

func errResult(topic string, err error) Result {
	return Result{Topic: topic, Status: StatusError, Response: err.Error()}
}

func okResult(topic string, value any) Result {
	return Result{Topic: topic, Status: StatusOK, Value: value}
}

// normalize renders a byte response for operators: bytes become a
// comma-joined decimal string, and a pure digit string becomes an
// integer.
func normalize(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	parts := make([]string, len(payload))
	for i, b := range payload {
		parts[i] = strconv.Itoa(int(b))
	}
	s := strings.Join(parts, ",")
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}

// intField coerces the mixed numeric encodings the devices emit.
func intField(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

func twoInts(payload string) (int, int, error) {
	a, b, ok := strings.Cut(payload, ",")
	if !ok {
		return 0, 0, fmt.Errorf("missing separator in %q", payload)
	}
	first, err := strconv.Atoi(strings.TrimSpace(a))
	if err != nil {
		return 0, 0, err
	}
	second, err := strconv.Atoi(strings.TrimSpace(b))
	if err != nil {
		return 0, 0, err
	}
	return first, second, nil
}
