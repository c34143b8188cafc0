package mtx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func loadDoc(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(data, &doc))
	return doc
}

func TestConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediamtx.yml")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	cfg.SetDefaults(Defaults{RecordDir: "/var/rec"})
	require.NoError(t, cfg.Write())

	doc := loadDoc(t, path)
	pd, ok := doc["pathDefaults"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "30s", pd["runOnDemandStartTimeout"])
	assert.Equal(t, "1m0s", pd["runOnDemandCloseAfter"])
	assert.Equal(t, "1m0s", pd["recordSegmentDuration"])
	assert.Contains(t, pd["recordPath"], "/var/rec/%path")
	assert.NotContains(t, pd, "recordDeleteAfter")
}

func TestConfigAddRemovePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediamtx.yml")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg.SetDefaults(Defaults{EventPath: "/run/events"})

	cfg.AddPath("front-door", PathOptions{OnDemand: true, Record: true})
	cfg.AddPath("garage", PathOptions{})
	require.NoError(t, cfg.Write())

	doc := loadDoc(t, path)
	paths := doc["paths"].(map[string]any)
	front := paths["front-door"].(map[string]any)
	assert.Contains(t, front["runOnReady"], "front-door,ready!")
	assert.Contains(t, front["runOnReady"], "/run/events")
	assert.Contains(t, front["runOnDemand"], "front-door,start!")
	assert.Equal(t, true, front["record"])

	garage := paths["garage"].(map[string]any)
	assert.NotContains(t, garage, "runOnDemand")
	assert.NotContains(t, garage, "record")
	assert.Contains(t, garage["runOnNotReady"], "garage,notready!")

	cfg.RemovePath("garage")
	require.NoError(t, cfg.Write())
	doc = loadDoc(t, path)
	paths = doc["paths"].(map[string]any)
	assert.NotContains(t, paths, "garage")
	assert.ElementsMatch(t, []string{"front-door"}, cfg.PathURIs())
}

func TestConfigPreservesOperatorKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediamtx.yml")
	seed := "rtspAddress: :8554\nlogLevel: warn\npaths:\n  manual:\n    source: rtsp://10.0.0.9/live\n"
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg.SetDefaults(Defaults{})
	cfg.AddPath("porch", PathOptions{})
	require.NoError(t, cfg.Write())

	doc := loadDoc(t, path)
	assert.Equal(t, ":8554", doc["rtspAddress"])
	assert.Equal(t, "warn", doc["logLevel"])
	paths := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "manual")
	assert.Contains(t, paths, "porch")
}

func TestSetAuth(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "mediamtx.yml"))
	require.NoError(t, err)

	require.NoError(t, cfg.SetAuth("bill:secret@cam1,cam2|carol:pw:10.1.2.3,10.1.2.4"))
	users := cfg.doc["authInternalUsers"].([]any)
	require.Len(t, users, 3)

	internal := users[0].(map[string]any)
	assert.Equal(t, "any", internal["user"])
	assert.Equal(t, []any{"127.0.0.1", "::1"}, internal["ips"])

	bill := users[1].(map[string]any)
	assert.Equal(t, "bill", bill["user"])
	assert.Equal(t, "secret", bill["pass"])
	perms := bill["permissions"].([]any)
	require.Len(t, perms, 4)
	assert.Equal(t, map[string]any{"action": "read", "path": "cam1"}, perms[0])

	carol := users[2].(map[string]any)
	assert.Equal(t, []any{"10.1.2.3", "10.1.2.4"}, carol["ips"])

	assert.Error(t, cfg.SetAuth("nopassword"))
}

func TestSetWebRTCHostsAndHLSCert(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "mediamtx.yml"))
	require.NoError(t, err)

	cfg.SetWebRTCHosts([]string{"cams.example.net"})
	assert.Equal(t, []any{"cams.example.net"}, cfg.doc["webrtcAdditionalHosts"])
	cfg.SetWebRTCHosts(nil)
	assert.NotContains(t, cfg.doc, "webrtcAdditionalHosts")

	cfg.SetHLSCert("/etc/tls/cert.pem", "")
	assert.NotContains(t, cfg.doc, "hlsEncryption")
	cfg.SetHLSCert("/etc/tls/cert.pem", "/etc/tls/key.pem")
	assert.Equal(t, true, cfg.doc["hlsEncryption"])
	assert.Equal(t, "/etc/tls/cert.pem", cfg.doc["hlsServerCert"])
}
