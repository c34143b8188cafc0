package control_test

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ethan/iotc-bridge/pkg/camera"
	"github.com/ethan/iotc-bridge/pkg/config"
	"github.com/ethan/iotc-bridge/pkg/control"
	"github.com/ethan/iotc-bridge/pkg/protocol"
	"github.com/ethan/iotc-bridge/pkg/session"
	"github.com/ethan/iotc-bridge/pkg/session/sessiontest"
)

func testSession(t *testing.T, tr *sessiontest.FakeTransport, model string) *session.Session {
	t.Helper()
	s := session.New(&camera.Camera{
		P2PID:           "AAAA-111111-BBBBB",
		MAC:             "AABBCCDDEEFF",
		Model:           model,
		Nickname:        "Patio",
		ENR:             "0123456789ABCDEF",
		FirmwareVersion: "4.50.1.1",
	}, tr, session.Options{
		Quality: config.Quality{FrameSize: config.FrameSizeHD, Bitrate: 120},
		FPS:     20,
		NetMode: "any",
	})
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Authenticate(context.Background()))
	t.Cleanup(s.Disconnect)
	return s
}

// runDispatcher starts the command loop with a refresh interval long
// enough to stay out of the way.
func runDispatcher(t *testing.T, d *control.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func execute(t *testing.T, d *control.Dispatcher, topic, payload string) control.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return d.Execute(ctx, topic, payload)
}

// reply builds a scripted response message for a Handlers entry.
func reply(code uint16, payload []byte) func([]byte) protocol.Message {
	return func([]byte) protocol.Message {
		return protocol.Message{Code: code, Payload: payload}
	}
}

func TestCatalogSetAndGet(t *testing.T) {
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })
	tr := sessiontest.NewFakeTransport()
	var setPayload []byte
	tr.Handlers = map[uint16]func([]byte) protocol.Message{
		protocol.CodeSetNightVision: func(p []byte) protocol.Message {
			setPayload = append([]byte(nil), p...)
			return protocol.Message{Code: protocol.CodeSetNightVision + 1, Payload: []byte{1}}
		},
		protocol.CodeGetNightVision: reply(protocol.CodeGetNightVision+1, []byte{2}),
	}
	s := testSession(t, tr, camera.ModelCam3)
	d := control.New(s, nil, control.Config{RefreshInterval: time.Minute})
	runDispatcher(t, d)

	res := execute(t, d, "night_vision", "off")
	assert.Equal(t, control.StatusOK, res.Status)
	assert.Equal(t, []byte{2}, setPayload)

	res = execute(t, d, "night_vision", "")
	assert.Equal(t, control.StatusOK, res.Status)
	assert.Equal(t, 2, res.Value)
}

func TestCatalogWordValues(t *testing.T) {
	tr := sessiontest.NewFakeTransport()
	var setPayload []byte
	tr.Handlers = map[uint16]func([]byte) protocol.Message{
		protocol.CodeSetStatusLight: func(p []byte) protocol.Message {
			setPayload = append([]byte(nil), p...)
			return protocol.Message{Code: protocol.CodeSetStatusLight + 1, Payload: []byte{1}}
		},
	}
	s := testSession(t, tr, camera.ModelCam3)
	d := control.New(s, nil, control.Config{RefreshInterval: time.Minute})
	runDispatcher(t, d)

	res := execute(t, d, "status_light", "on")
	assert.Equal(t, control.StatusOK, res.Status)
	assert.Equal(t, []byte{1}, setPayload)

	res = execute(t, d, "status_light", "bogus")
	assert.Equal(t, control.StatusError, res.Status)
	assert.Contains(t, res.Response, "invalid value")
}

func TestUnknownTopic(t *testing.T) {
	tr := sessiontest.NewFakeTransport()
	s := testSession(t, tr, camera.ModelCam3)
	d := control.New(s, nil, control.Config{RefreshInterval: time.Minute})
	runDispatcher(t, d)

	res := execute(t, d, "teleport", "1")
	assert.Equal(t, control.StatusError, res.Status)
	assert.Contains(t, res.Response, "unknown command")
}

func TestUnsupportedOnOldProtocol(t *testing.T) {
	tr := sessiontest.NewFakeTransport()
	s := session.New(&camera.Camera{
		P2PID:       "AAAA-111111-BBBBB",
		MAC:         "AABBCCDDEEFF",
		Model:       camera.ModelV1,
		ENR:         "0123456789ABCDEF",
		ProtocolVer: 20,
	}, tr, session.Options{
		Quality: config.Quality{FrameSize: config.FrameSizeHD, Bitrate: 120},
		FPS:     20,
		NetMode: "any",
	})
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Authenticate(context.Background()))
	t.Cleanup(s.Disconnect)

	d := control.New(s, nil, control.Config{RefreshInterval: time.Minute})
	runDispatcher(t, d)

	res := execute(t, d, "night_switch", "on")
	assert.Equal(t, control.StatusError, res.Status)
	assert.Contains(t, res.Response, "not supported")
	assert.Zero(t, tr.SentCount(protocol.CodeSetNightSwitch))
}

func TestCameraTimeSet(t *testing.T) {
	tr := sessiontest.NewFakeTransport()
	var setPayload []byte
	tr.Handlers = map[uint16]func([]byte) protocol.Message{
		protocol.CodeSetCameraTime: func(p []byte) protocol.Message {
			setPayload = append([]byte(nil), p...)
			return protocol.Message{Code: protocol.CodeSetCameraTime + 1, Payload: []byte{1}}
		},
	}
	s := testSession(t, tr, camera.ModelCam3)
	d := control.New(s, nil, control.Config{RefreshInterval: time.Minute})
	runDispatcher(t, d)

	res := execute(t, d, "camera_time", "1700000000")
	require.Equal(t, control.StatusOK, res.Status)
	require.Len(t, setPayload, 4)
	assert.Equal(t, uint32(1700000000), binary.LittleEndian.Uint32(setPayload))

	// An empty-ish payload stamps the current clock.
	before := uint32(time.Now().Unix())
	res = execute(t, d, "camera_time", "now")
	require.Equal(t, control.StatusOK, res.Status)
	assert.GreaterOrEqual(t, binary.LittleEndian.Uint32(setPayload), before)
}

func TestTakePhoto(t *testing.T) {
	tr := sessiontest.NewFakeTransport()
	s := testSession(t, tr, camera.ModelCam3)
	d := control.New(s, nil, control.Config{RefreshInterval: time.Minute})
	runDispatcher(t, d)

	res := execute(t, d, "take_photo", "")
	assert.Equal(t, control.StatusOK, res.Status)
	assert.Equal(t, 1, tr.SentCount(protocol.CodeTakePhoto))

	tr.Handlers = map[uint16]func([]byte) protocol.Message{
		protocol.CodeTakePhoto: reply(protocol.CodeTakePhoto+1, []byte{0}),
	}
	res = execute(t, d, "take_photo", "")
	assert.Equal(t, control.StatusError, res.Status)
	assert.Contains(t, res.Response, "rejected")
}

func TestRotaryAction(t *testing.T) {
	tr := sessiontest.NewFakeTransport()
	var payload []byte
	tr.Handlers = map[uint16]func([]byte) protocol.Message{
		protocol.CodeRotaryByAction: func(p []byte) protocol.Message {
			payload = append([]byte(nil), p...)
			return protocol.Message{Code: protocol.CodeRotaryByAction + 1, Payload: []byte{1}}
		},
	}
	s := testSession(t, tr, camera.ModelPan3)
	d := control.New(s, nil, control.Config{RefreshInterval: time.Minute})
	runDispatcher(t, d)

	res := execute(t, d, "rotary_action", "left")
	assert.Equal(t, control.StatusOK, res.Status)
	assert.Equal(t, []byte{1, 0, 5}, payload)

	res = execute(t, d, "rotary_action", "up")
	assert.Equal(t, control.StatusOK, res.Status)
	assert.Equal(t, []byte{0, 1, 5}, payload)

	res = execute(t, d, "rotary_action", "sideways")
	assert.Equal(t, control.StatusError, res.Status)
	assert.Contains(t, res.Response, "unknown direction")
}

func TestRotaryDegree(t *testing.T) {
	tr := sessiontest.NewFakeTransport()
	var payload []byte
	tr.Handlers = map[uint16]func([]byte) protocol.Message{
		protocol.CodeRotaryByDegree: func(p []byte) protocol.Message {
			payload = append([]byte(nil), p...)
			return protocol.Message{Code: protocol.CodeRotaryByDegree + 1, Payload: []byte{1}}
		},
	}
	s := testSession(t, tr, camera.ModelPan3)
	d := control.New(s, nil, control.Config{RefreshInterval: time.Minute})
	runDispatcher(t, d)

	res := execute(t, d, "rotary_degree", "-90,30")
	require.Equal(t, control.StatusOK, res.Status)
	require.Len(t, payload, 4)
	assert.Equal(t, int16(-90), int16(binary.LittleEndian.Uint16(payload[0:2])))
	assert.Equal(t, int16(30), int16(binary.LittleEndian.Uint16(payload[2:4])))

	res = execute(t, d, "rotary_degree", "45")
	require.Equal(t, control.StatusOK, res.Status)
	assert.Equal(t, int16(45), int16(binary.LittleEndian.Uint16(payload[0:2])))
	assert.Equal(t, int16(0), int16(binary.LittleEndian.Uint16(payload[2:4])))
}

func TestPTZPosition(t *testing.T) {
	tr := sessiontest.NewFakeTransport()
	var payload []byte
	tr.Handlers = map[uint16]func([]byte) protocol.Message{
		protocol.CodeSetPTZPosition: func(p []byte) protocol.Message {
			payload = append([]byte(nil), p...)
			return protocol.Message{Code: protocol.CodeSetPTZPosition + 1, Payload: []byte{1}}
		},
	}
	s := testSession(t, tr, camera.ModelPan3)
	d := control.New(s, nil, control.Config{RefreshInterval: time.Minute})
	runDispatcher(t, d)

	res := execute(t, d, "ptz_position", "10,200")
	assert.Equal(t, control.StatusOK, res.Status)
	assert.Equal(t, []byte{10, 200}, payload)

	res = execute(t, d, "ptz_position", "10")
	assert.Equal(t, control.StatusError, res.Status)
}

func TestCruisePoints(t *testing.T) {
	tr := sessiontest.NewFakeTransport()
	tr.Handlers = map[uint16]func([]byte) protocol.Message{
		protocol.CodeGetCruisePoints: reply(protocol.CodeGetCruisePoints+1,
			[]byte{2, 10, 20, 30, 40}),
	}
	s := testSession(t, tr, camera.ModelPan3)
	d := control.New(s, nil, control.Config{RefreshInterval: time.Minute})
	runDispatcher(t, d)

	res := execute(t, d, "cruise_points", "")
	require.Equal(t, control.StatusOK, res.Status)
	points, ok := res.Value.([]protocol.CruisePoint)
	require.True(t, ok)
	assert.Equal(t, []protocol.CruisePoint{
		{Vertical: 10, Horizontal: 20},
		{Vertical: 30, Horizontal: 40},
	}, points)
}

func TestCruisePointPan(t *testing.T) {
	tr := sessiontest.NewFakeTransport()
	var moved []byte
	tr.Handlers = map[uint16]func([]byte) protocol.Message{
		protocol.CodeGetCruisePoints: reply(protocol.CodeGetCruisePoints+1,
			[]byte{3, 1, 2, 3, 4, 5, 6}),
		protocol.CodeSetPTZPosition: func(p []byte) protocol.Message {
			moved = append([]byte(nil), p...)
			return protocol.Message{Code: protocol.CodeSetPTZPosition + 1, Payload: []byte{1}}
		},
	}
	s := testSession(t, tr, camera.ModelPan3)
	d := control.New(s, nil, control.Config{RefreshInterval: time.Minute})
	runDispatcher(t, d)

	// 1-based from the front.
	res := execute(t, d, "cruise_point", "2")
	require.Equal(t, control.StatusOK, res.Status)
	assert.Equal(t, []byte{3, 4}, moved)

	// Zero means the first point.
	res = execute(t, d, "cruise_point", "0")
	require.Equal(t, control.StatusOK, res.Status)
	assert.Equal(t, []byte{1, 2}, moved)

	// Negative indexes from the end.
	res = execute(t, d, "cruise_point", "-1")
	require.Equal(t, control.StatusOK, res.Status)
	assert.Equal(t, []byte{5, 6}, moved)

	res = execute(t, d, "cruise_point", "7")
	assert.Equal(t, control.StatusError, res.Status)
	assert.Contains(t, res.Response, "outside")
}

func TestBitrateReframe(t *testing.T) {
	tr := sessiontest.NewFakeTransport()
	s := testSession(t, tr, camera.ModelCam3)
	d := control.New(s, nil, control.Config{RefreshInterval: time.Minute})
	runDispatcher(t, d)

	sentBefore := tr.SentCount(protocol.CodeSetResolving)
	res := execute(t, d, "bitrate", "180")
	assert.Equal(t, control.StatusOK, res.Status)
	assert.Equal(t, 180, res.Value)
	assert.Equal(t, 180, s.Bitrate())
	assert.Equal(t, sentBefore+1, tr.SentCount(protocol.CodeSetResolving))

	res = execute(t, d, "bitrate", "300")
	assert.Equal(t, control.StatusError, res.Status)
	assert.Equal(t, 180, s.Bitrate())
}

func TestBitrateGet(t *testing.T) {
	tr := sessiontest.NewFakeTransport()
	tr.Handlers = map[uint16]func([]byte) protocol.Message{
		protocol.CodeGetVideoParam: reply(protocol.CodeGetVideoParam+1,
			[]byte(`{"bitRate":"150","fps":20}`)),
	}
	s := testSession(t, tr, camera.ModelCam3)
	d := control.New(s, nil, control.Config{RefreshInterval: time.Minute})
	runDispatcher(t, d)

	res := execute(t, d, "bitrate", "")
	require.Equal(t, control.StatusOK, res.Status)
	assert.Equal(t, 150, res.Value)
}

// The battery family has no encoder parameter read, so a bitrate get
// falls back to the parameter table.
func TestBitrateGetLegacyPath(t *testing.T) {
	tr := sessiontest.NewFakeTransport()
	tr.Handlers = map[uint16]func([]byte) protocol.Message{
		protocol.CodeCameraInfo: reply(protocol.CodeCameraInfo+1,
			[]byte(`{"3":135}`)),
	}
	s := testSession(t, tr, camera.ModelBatteryV1)
	d := control.New(s, nil, control.Config{RefreshInterval: time.Minute})
	runDispatcher(t, d)

	res := execute(t, d, "bitrate", "")
	require.Equal(t, control.StatusOK, res.Status)
	assert.Equal(t, 135, res.Value)
	assert.Zero(t, tr.SentCount(protocol.CodeGetVideoParam))
}

func TestFPSReframe(t *testing.T) {
	tr := sessiontest.NewFakeTransport()
	s := testSession(t, tr, camera.ModelCam3)
	d := control.New(s, nil, control.Config{RefreshInterval: time.Minute})
	runDispatcher(t, d)

	res := execute(t, d, "fps", "15")
	assert.Equal(t, control.StatusOK, res.Status)
	assert.Equal(t, 15, s.FPS())

	res = execute(t, d, "fps", "")
	assert.Equal(t, control.StatusOK, res.Status)
	assert.Equal(t, 15, res.Value)

	res = execute(t, d, "fps", "90")
	assert.Equal(t, control.StatusError, res.Status)
	assert.Equal(t, 15, s.FPS())
}

func TestStateTopic(t *testing.T) {
	tr := sessiontest.NewFakeTransport()
	s := testSession(t, tr, camera.ModelCam3)
	d := control.New(s, nil, control.Config{RefreshInterval: time.Minute})
	runDispatcher(t, d)

	res := execute(t, d, "state", "")
	assert.Equal(t, control.StatusOK, res.Status)
	assert.Equal(t, "authenticated", res.Value)
}

func TestCamInfo(t *testing.T) {
	tr := sessiontest.NewFakeTransport()
	tr.CameraInfo = []byte(`{"basicInfo":{"firmware":"4.50.1.1"}}`)
	s := testSession(t, tr, camera.ModelCam3)
	d := control.New(s, nil, control.Config{RefreshInterval: time.Minute})
	runDispatcher(t, d)

	res := execute(t, d, "caminfo", "")
	require.Equal(t, control.StatusOK, res.Status)
	info, ok := res.Value.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, info, "cameraInfo")
}

func TestParamRefreshReassertsBitrate(t *testing.T) {
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })
	tr := sessiontest.NewFakeTransport()
	tr.Handlers = map[uint16]func([]byte) protocol.Message{
		protocol.CodeCameraInfo: reply(protocol.CodeCameraInfo+1,
			[]byte(`{"1":1,"2":1,"3":255}`)),
	}
	s := testSession(t, tr, camera.ModelV1)
	d := control.New(s, nil, control.Config{RefreshInterval: 15 * time.Millisecond})
	runDispatcher(t, d)

	initial := tr.SentCount(protocol.CodeSetResolving)
	require.Eventually(t, func() bool {
		return tr.SentCount(protocol.CodeCameraInfo) >= 1 &&
			tr.SentCount(protocol.CodeSetResolving) > initial
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBoaKeepalive(t *testing.T) {
	tr := sessiontest.NewFakeTransport()
	s := testSession(t, tr, camera.ModelBatteryV1)
	d := control.New(s, nil, control.Config{
		RefreshInterval: 15 * time.Millisecond,
		EnableBoa:       true,
	})
	runDispatcher(t, d)

	require.Eventually(t, func() bool {
		return tr.SentCount(protocol.CodeStartBoa) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, tr.SentCount(protocol.CodeGetVideoParam))
}

func TestBoaPhotoMirror(t *testing.T) {
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cgi-bin/hello.cgi" {
			w.Write([]byte(`<a href="20260102_080000.jpg">20260102_080000.jpg</a>`))
			return
		}
		w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	tr := sessiontest.NewFakeTransport()
	s := testSession(t, tr, camera.ModelBatteryV1)
	s.Camera().IP = strings.TrimPrefix(srv.URL, "http://")

	dir := t.TempDir()
	d := control.New(s, nil, control.Config{
		RefreshInterval: 15 * time.Millisecond,
		EnableBoa:       true,
		PhotoURI:        "patio",
		PhotoDir:        dir,
		PhotoInterval:   time.Millisecond,
	})
	runDispatcher(t, d)

	photoPath := filepath.Join(dir, "patio.jpg")
	require.Eventually(t, func() bool {
		_, err := os.Stat(photoPath)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	b, err := os.ReadFile(photoPath)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(b))
}

type recordingPublisher struct {
	mu      sync.Mutex
	results []control.Result
	macs    []string
}

func (p *recordingPublisher) Publish(mac string, res control.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.macs = append(p.macs, mac)
	p.results = append(p.results, res)
}

func (p *recordingPublisher) snapshot() ([]string, []control.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.macs...), append([]control.Result(nil), p.results...)
}

func TestPublisherObservesResults(t *testing.T) {
	tr := sessiontest.NewFakeTransport()
	s := testSession(t, tr, camera.ModelCam3)
	pub := &recordingPublisher{}
	d := control.New(s, pub, control.Config{RefreshInterval: time.Minute})
	runDispatcher(t, d)

	execute(t, d, "state", "")
	macs, results := pub.snapshot()
	require.Len(t, results, 1)
	assert.Equal(t, "AABBCCDDEEFF", macs[0])
	assert.Equal(t, "state", results[0].Topic)
}

// Without a running loop, Execute resolves with an error once the
// caller's context expires.
func TestExecuteWithoutLoop(t *testing.T) {
	tr := sessiontest.NewFakeTransport()
	s := testSession(t, tr, camera.ModelCam3)
	d := control.New(s, nil, control.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res := d.Execute(ctx, "state", "")
	assert.Equal(t, control.StatusError, res.Status)
	assert.Contains(t, res.Response, "timed out")
}
