package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ethan/iotc-bridge/pkg/api"
	"github.com/ethan/iotc-bridge/pkg/camera"
	"github.com/ethan/iotc-bridge/pkg/cloud"
	"github.com/ethan/iotc-bridge/pkg/config"
	"github.com/ethan/iotc-bridge/pkg/control"
	"github.com/ethan/iotc-bridge/pkg/pump"
	"github.com/ethan/iotc-bridge/pkg/session/sessiontest"
	"github.com/ethan/iotc-bridge/pkg/stream"
)

// The real supervisor and cloud client must keep satisfying the
// handler-facing interfaces.
var (
	_ api.Streams  = (*stream.Supervisor)(nil)
	_ api.Signaler = (*cloud.Client)(nil)
)

type fakeSignaler struct {
	sig *cloud.Signal
	err error
	mac string
}

func (f *fakeSignaler) WebRTCSignaling(_ context.Context, mac string) (*cloud.Signal, error) {
	f.mac = mac
	return f.sig, f.err
}

func testCam() *camera.Camera {
	return &camera.Camera{
		P2PID:    "AAAA-111111-BBBBB",
		MAC:      "AABBCCDDEEFF",
		Model:    camera.ModelCam3,
		Nickname: "Front Door",
		ENR:      "0123456789ABCDEF",
	}
}

func newSupervisor(t *testing.T, uris ...string) *stream.Supervisor {
	t.Helper()
	sup := stream.NewSupervisor(nil, nil, nil, nil, stream.SupervisorConfig{})
	for _, uri := range uris {
		st := stream.New(testCam(), sessiontest.NewFakeTransport(), nil, stream.Options{
			URI:     uri,
			Quality: config.Quality{FrameSize: config.FrameSizeHD, Bitrate: 120},
			FPS:     20,
			NetMode: "any",
			Pump:    pump.Config{MaxNoReady: 100000},
			NewSink: func(string, string, int) (stream.Sink, error) { return nopSink{}, nil },
		})
		require.NoError(t, sup.Add(st))
	}
	t.Cleanup(sup.StopAll)
	return sup
}

type nopSink struct{}

func (nopSink) Write(p []byte) (int, error) { return len(p), nil }
func (nopSink) AudioWriter() io.Writer      { return io.Discard }
func (nopSink) Close() error                { return nil }

// serve exposes the handler on a throwaway listener. Callers defer
// Close themselves so goleak sees the server gone before it verifies.
func serve(t *testing.T, sup api.Streams, opts api.Options) *httptest.Server {
	t.Helper()
	return httptest.NewServer(api.New(sup, opts).Handler())
}

func get(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestStreamsEndpointListsAll(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sup := newSupervisor(t, "yard", "front-door")
	srv := serve(t, sup, api.Options{})
	defer srv.Close()

	var infos []stream.Info
	code := get(t, srv.URL+"/api/streams", &infos)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, infos, 2)
	assert.Equal(t, "front-door", infos[0].URI)
	assert.Equal(t, "yard", infos[1].URI)
	assert.Equal(t, "stopped", infos[0].State)
}

func TestStreamEndpointReturnsDetail(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sup := newSupervisor(t, "yard")
	srv := serve(t, sup, api.Options{})
	defer srv.Close()

	var info stream.Info
	code := get(t, srv.URL+"/api/yard", &info)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "yard", info.URI)
	assert.Equal(t, "AABBCCDDEEFF", info.MAC)

	var body map[string]string
	code = get(t, srv.URL+"/api/nope", &body)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "unknown stream", body["error"])
}

func TestCommandShortCircuitsLifecycleVerbs(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sup := newSupervisor(t, "yard")
	srv := serve(t, sup, api.Options{})
	defer srv.Close()

	var res control.Result
	code := get(t, srv.URL+"/api/yard/start", &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, control.StatusOK, res.Status)
	assert.Equal(t, "starting", res.Value)

	st, ok := sup.Get("yard")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return st.State() == stream.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	code = get(t, srv.URL+"/api/yard/stop", &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "stopped", res.Value)
}

func TestCommandReachesDispatcher(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sup := newSupervisor(t, "yard")
	defer sup.StopAll()
	srv := serve(t, sup, api.Options{})
	defer srv.Close()

	var res control.Result
	get(t, srv.URL+"/api/yard/start", &res)
	st, _ := sup.Get("yard")
	require.Eventually(t, func() bool {
		return st.State() == stream.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Post(srv.URL+"/api/yard/irled", "text/plain", strings.NewReader("on"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, control.StatusOK, res.Status)
	assert.Equal(t, "irled", res.Topic)
}

func TestCommandOnStoppedStreamFails(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sup := newSupervisor(t, "yard")
	srv := serve(t, sup, api.Options{})
	defer srv.Close()

	var res control.Result
	code := get(t, srv.URL+"/api/yard/irled?value=on", &res)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, control.StatusError, res.Status)

	code = get(t, srv.URL+"/api/nope/irled", &res)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestImageServesSnapshotFile(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "yard.jpg"), []byte("jpegbytes"), 0o644))

	sup := newSupervisor(t, "yard")
	srv := serve(t, sup, api.Options{ImageDir: dir})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/img/yard.jpg")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	code := get(t, srv.URL+"/img/missing.jpg", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSignalingPassesThrough(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sup := newSupervisor(t, "yard")
	sig := &fakeSignaler{sig: &cloud.Signal{
		SignalingURL: "wss://signal.example/ws",
		ClientID:     "client-1",
		SignalToken:  "tok",
	}}
	srv := serve(t, sup, api.Options{Signals: sig})
	defer srv.Close()

	var got cloud.Signal
	code := get(t, srv.URL+"/signaling/yard", &got)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "wss://signal.example/ws", got.SignalingURL)
	assert.Equal(t, "AABBCCDDEEFF", sig.mac)
}

func TestSignalingErrors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sup := newSupervisor(t, "yard")

	// Not configured at all.
	srv := serve(t, sup, api.Options{})
	defer srv.Close()
	code := get(t, srv.URL+"/signaling/yard", nil)
	assert.Equal(t, http.StatusNotImplemented, code)

	// Upstream failure.
	failing := serve(t, sup, api.Options{Signals: &fakeSignaler{err: errors.New("boom")}})
	defer failing.Close()
	code = get(t, failing.URL+"/signaling/yard", nil)
	assert.Equal(t, http.StatusBadGateway, code)
}

func TestHealthz(t *testing.T) {
	sup := newSupervisor(t)
	srv := serve(t, sup, api.Options{})
	defer srv.Close()

	var body map[string]string
	code := get(t, srv.URL+"/healthz", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestRateLimitKicksIn(t *testing.T) {
	sup := newSupervisor(t)
	srv := serve(t, sup, api.Options{RateLimit: 3})
	defer srv.Close()

	var last int
	for i := 0; i < 6; i++ {
		last = get(t, srv.URL+"/healthz", nil)
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
