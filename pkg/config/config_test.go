package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/iotc-bridge/pkg/camera"
)

func TestParseQuality(t *testing.T) {
	tests := []struct {
		in        string
		frameSize int
		bitrate   int
	}{
		{"HD30", FrameSizeHD, 30},
		{"SD240", FrameSizeSD, 240},
		{"hd255", FrameSizeHD, 255},
		{"SD1", FrameSizeSD, 1},
		{"SD0", FrameSizeSD, 120},   // below range, bitrate falls back
		{"HD256", FrameSizeHD, 120}, // above range
		{"120", FrameSizeHD, 120},
		{"", FrameSizeHD, 120},
		{"garbage", FrameSizeHD, 120},
	}
	for _, tt := range tests {
		q := ParseQuality(tt.in)
		assert.Equal(t, tt.frameSize, q.FrameSize, "frame size of %q", tt.in)
		assert.Equal(t, tt.bitrate, q.Bitrate, "bitrate of %q", tt.in)
	}
}

func TestQualityString(t *testing.T) {
	assert.Equal(t, "HD120", Quality{FrameSize: FrameSizeHD, Bitrate: 120}.String())
	assert.Equal(t, "SD30", Quality{FrameSize: FrameSizeSD, Bitrate: 30}.String())
}

func TestParseSnapshot(t *testing.T) {
	assert.False(t, ParseSnapshot("").Enabled)
	assert.False(t, ParseSnapshot("off").Enabled)

	snap := ParseSnapshot("true")
	assert.True(t, snap.Enabled)
	assert.False(t, snap.RTSP)
	assert.Equal(t, 180*time.Second, snap.Interval)

	snap = ParseSnapshot("60")
	assert.Equal(t, 60*time.Second, snap.Interval)

	snap = ParseSnapshot("15")
	assert.Equal(t, 30*time.Second, snap.Interval, "interval floor")

	snap = ParseSnapshot("RTSP90")
	assert.True(t, snap.RTSP)
	assert.Equal(t, 90*time.Second, snap.Interval)

	snap = ParseSnapshot("rtsp")
	assert.True(t, snap.RTSP)
	assert.Equal(t, 180*time.Second, snap.Interval)
}

func TestParseRotate(t *testing.T) {
	assert.Equal(t, RotateClock, ParseRotate(""))
	assert.Equal(t, RotateClock, ParseRotate("1"))
	assert.Equal(t, RotateClock, ParseRotate("clock"))
	assert.Equal(t, RotateCClock, ParseRotate("2"))
	assert.Equal(t, RotateCClock, ParseRotate("cclock"))
	assert.Equal(t, RotateCClockFlip, ParseRotate("0"))
	assert.Equal(t, RotateClockFlip, ParseRotate("clock_flip"))
}

func TestCameraRotate(t *testing.T) {
	cfg := &Config{env: map[string]string{
		"ROTATE_FRONT_DOOR": "cclock",
		"ROTATE_GARAGE":     "false",
		"ROTATE_DOOR":       "true",
	}}

	rot, ok := cfg.CameraRotate("front-door", false)
	require.True(t, ok)
	assert.Equal(t, RotateCClock, rot)

	_, ok = cfg.CameraRotate("garage", true)
	assert.False(t, ok, "explicit false beats the doorbell default")

	rot, ok = cfg.CameraRotate("porch", true)
	require.True(t, ok, "vertical doorbells rotate when ROTATE_DOOR is set")
	assert.Equal(t, RotateClock, rot)

	_, ok = cfg.CameraRotate("porch", false)
	assert.False(t, ok)
}

func TestLookupResolutionOrder(t *testing.T) {
	cfg := &Config{env: map[string]string{
		"AUDIO":             "false",
		"AUDIO_ALL":         "true",
		"AUDIO_FRONT_DOOR":  "false",
		"RECORD":            "true",
		"SUBSTREAM_ALL":     "true",
		"FPS_GARAGE":        "15",
		"QUALITY_BACK_YARD": "SD45",
	}}

	v, ok := cfg.Lookup("AUDIO", "front-door")
	require.True(t, ok)
	assert.Equal(t, "false", v, "per-camera beats _ALL")

	v, ok = cfg.Lookup("AUDIO", "garage")
	require.True(t, ok)
	assert.Equal(t, "true", v, "_ALL beats bare knob")

	v, ok = cfg.Lookup("RECORD", "garage")
	require.True(t, ok)
	assert.Equal(t, "true", v)

	_, ok = cfg.Lookup("BOA", "garage")
	assert.False(t, ok)

	assert.True(t, cfg.Bool("SUBSTREAM", "anything"))
	assert.Equal(t, 15, cfg.Int("FPS", "garage", 20))
	assert.Equal(t, 20, cfg.Int("FPS", "front-door", 20))
}

func TestCameraQuality(t *testing.T) {
	cfg := &Config{
		Quality:    Quality{FrameSize: FrameSizeHD, Bitrate: 120},
		SubQuality: Quality{FrameSize: FrameSizeSD, Bitrate: 30},
		env: map[string]string{
			"QUALITY_BACK_YARD": "SD45",
		},
	}
	q := cfg.CameraQuality("back-yard", false)
	assert.Equal(t, Quality{FrameSize: FrameSizeSD, Bitrate: 45}, q)

	q = cfg.CameraQuality("front-door", false)
	assert.Equal(t, Quality{FrameSize: FrameSizeHD, Bitrate: 120}, q)

	q = cfg.CameraQuality("front-door", true)
	assert.Equal(t, Quality{FrameSize: FrameSizeSD, Bitrate: 30}, q)
}

func TestSelectedWhitelist(t *testing.T) {
	cfg := &Config{
		FilterNames: []string{"FRONT DOOR"},
		FilterMacs:  []string{"AABBCCDDEEFF"},
	}
	assert.True(t, cfg.Selected(&camera.Camera{Nickname: "Front Door"}))
	assert.True(t, cfg.Selected(&camera.Camera{MAC: "AA:BB:CC:DD:EE:FF"}))
	assert.False(t, cfg.Selected(&camera.Camera{Nickname: "Garage"}))
}

func TestSelectedBlacklist(t *testing.T) {
	cfg := &Config{
		FilterBlock: true,
		FilterNames: []string{"GARAGE"},
	}
	assert.False(t, cfg.Selected(&camera.Camera{Nickname: "garage"}))
	assert.True(t, cfg.Selected(&camera.Camera{Nickname: "Front Door"}))
}

func TestSelectedNoFilters(t *testing.T) {
	cfg := &Config{}
	assert.True(t, cfg.Selected(&camera.Camera{Nickname: "anything"}))
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nCLOUD_EMAIL=user@example.com\nCLOUD_PASSWORD=p%40ss\n\nQUALITY=SD60\nFILTER_MODE=block\nFILTER_NAMES=Garage, Attic\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	env := make(map[string]string)
	require.NoError(t, loadEnvFile(path, env))
	cfg, err := fromEnv(env)
	require.NoError(t, err)

	assert.Equal(t, "user@example.com", cfg.CloudEmail)
	assert.Equal(t, "p@ss", cfg.CloudPassword, "values are URL-unescaped")
	assert.Equal(t, Quality{FrameSize: FrameSizeSD, Bitrate: 60}, cfg.Quality)
	assert.True(t, cfg.FilterBlock)
	assert.Equal(t, []string{"GARAGE", "ATTIC"}, cfg.FilterNames)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := fromEnv(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.OfflineTime)
	assert.Equal(t, 100, cfg.MaxNoReady)
	assert.Equal(t, 100, cfg.MaxBadRes)
	assert.Equal(t, 20, cfg.FPS)
	assert.Equal(t, "any", cfg.NetMode)
	assert.Equal(t, byte('-'), cfg.URISeparator)
	assert.Equal(t, Quality{FrameSize: FrameSizeHD, Bitrate: 120}, cfg.Quality)
	assert.Equal(t, Quality{FrameSize: FrameSizeSD, Bitrate: 30}, cfg.SubQuality)
	assert.False(t, cfg.Snapshot.Enabled)
}

func TestValidate(t *testing.T) {
	_, err := fromEnv(map[string]string{"CLOUD_EMAIL": "user@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLOUD_EMAIL and CLOUD_PASSWORD")

	_, err = fromEnv(map[string]string{"NET_MODE": "wan"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NET_MODE")

	_, err = fromEnv(map[string]string{"MAX_NOREADY": "0"})
	require.Error(t, err)
}

func TestCameraNetMode(t *testing.T) {
	cfg := &Config{
		NetMode: "any",
		env: map[string]string{
			"NET_MODE_FRONT_DOOR": "lan",
			"NET_MODE_GARAGE":     "bogus",
		},
	}
	assert.Equal(t, "lan", cfg.CameraNetMode("front-door"))
	assert.Equal(t, "any", cfg.CameraNetMode("garage"), "bad override falls back")
	assert.Equal(t, "any", cfg.CameraNetMode("attic"))
}
