// Package config loads the environment-driven settings: account
// credentials, camera selection filters, stream quality, pump tunables
// and the paths the bridge touches on disk. An optional .env file seeds
// the environment; real environment variables win.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethan/iotc-bridge/pkg/camera"
)

// Config is the resolved process configuration. Per-camera overrides stay
// in the raw environment map and are answered by Lookup and friends.
type Config struct {
	// Cloud account.
	CloudEmail    string
	CloudPassword string
	CloudKeyID    string
	CloudAPIKey   string
	CloudBaseURL  string
	CloudAuthURL  string
	MFATokenPath  string
	FreshData     bool

	// Persisted state.
	TokenDir string
	ImgDir   string

	// Camera selection.
	FilterBlock  bool
	FilterNames  []string
	FilterMacs   []string
	FilterModels []string

	// Streaming defaults; X_<URI> overrides apply on top.
	Quality      Quality
	SubQuality   Quality
	NetMode      string
	FPS          int
	URISeparator byte

	// Supervisor and pump tunables.
	IgnoreOffline bool
	OfflineTime   time.Duration
	MaxNoReady    int
	MaxBadRes     int
	IgnoreRes     bool
	Snapshot      Snapshot

	// Collaborators.
	MTXConfigPath string
	MTXEventPath  string
	MTXBin        string
	MTXAuth       string
	WebRTCHosts   []string
	HLSCert       string
	HLSKey        string
	FFmpegBin     string
	RecordDir     string
	APIBind       string
	WebhookURL    string
	TUTKLib       string
	TUTKLicense   string

	env map[string]string
}

// Blacklist filter-mode spellings; anything else means whitelist.
var blockModes = map[string]bool{
	"BLOCK": true, "BLACKLIST": true, "EXCLUDE": true, "IGNORE": true, "REVERSE": true,
}

// Load builds the configuration from an optional .env file plus the
// process environment.
func Load(envPath string) (*Config, error) {
	env := make(map[string]string)
	if envPath != "" {
		if err := loadEnvFile(envPath, env); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return fromEnv(env)
}

func loadEnvFile(path string, env map[string]string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		env[key] = value
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan env file: %w", err)
	}
	return nil
}

func fromEnv(env map[string]string) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := env[key]; ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := &Config{
		CloudEmail:    get("CLOUD_EMAIL", ""),
		CloudPassword: get("CLOUD_PASSWORD", ""),
		CloudKeyID:    get("CLOUD_KEY_ID", ""),
		CloudAPIKey:   get("CLOUD_API_KEY", ""),
		CloudBaseURL:  get("CLOUD_BASE_URL", "https://api.cloud.example.com"),
		CloudAuthURL:  get("CLOUD_AUTH_URL", "https://auth.cloud.example.com"),
		MFATokenPath:  get("MFA_TOKEN", "/tokens/mfa_token.txt"),
		FreshData:     parseBool(get("FRESH_DATA", "")),

		TokenDir: get("TOKEN_DIR", "/tokens"),
		ImgDir:   get("IMG_DIR", "/img"),

		NetMode:      strings.ToLower(get("NET_MODE", "any")),
		FPS:          parseInt(get("FPS", ""), 20),
		URISeparator: parseSeparator(get("URI_SEPARATOR", "-")),

		IgnoreOffline: parseBool(get("IGNORE_OFFLINE", "")),
		OfflineTime:   time.Duration(parseInt(get("OFFLINE_TIME", ""), 10)) * time.Second,
		MaxNoReady:    parseInt(get("MAX_NOREADY", ""), 100),
		MaxBadRes:     parseInt(get("MAX_BADRES", ""), 100),
		IgnoreRes:     parseBool(get("IGNORE_RES", "")),
		Snapshot:      ParseSnapshot(get("SNAPSHOT", "")),

		MTXConfigPath: get("MTX_CONFIG", "/app/mediamtx.yml"),
		MTXEventPath:  get("MTX_EVENT", "/tmp/mtx_event"),
		MTXBin:        get("MTX_BIN", "mediamtx"),
		MTXAuth:       get("MTX_AUTH", ""),
		WebRTCHosts:   splitList(env["WEBRTC_HOSTS"]),
		HLSCert:       get("HLS_CERT", ""),
		HLSKey:        get("HLS_KEY", ""),
		FFmpegBin:     get("FFMPEG_BIN", "ffmpeg"),
		RecordDir:     get("RECORD_DIR", "/record"),
		APIBind:       get("API_BIND", ":5000"),
		WebhookURL:    get("WEBHOOK_URL", ""),
		TUTKLib:       get("TUTK_LIB", ""),
		TUTKLicense:   get("TUTK_LICENSE", ""),

		env: env,
	}

	cfg.Quality = ParseQuality(get("QUALITY", ""))
	cfg.SubQuality = ParseQuality(get("SUB_QUALITY", "SD30"))

	cfg.FilterBlock = blockModes[strings.ToUpper(get("FILTER_MODE", ""))]
	cfg.FilterNames = splitUpper(env["FILTER_NAMES"])
	cfg.FilterMacs = splitUpper(env["FILTER_MACS"])
	cfg.FilterModels = splitUpper(env["FILTER_MODELS"])

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate aggregates every bad knob into one error.
func (c *Config) Validate() error {
	var problems []string
	if (c.CloudEmail == "") != (c.CloudPassword == "") {
		problems = append(problems, "CLOUD_EMAIL and CLOUD_PASSWORD must be set together")
	}
	switch c.NetMode {
	case "any", "lan", "p2p":
	default:
		problems = append(problems, fmt.Sprintf("NET_MODE %q not one of any, lan, p2p", c.NetMode))
	}
	if c.OfflineTime < 0 {
		problems = append(problems, "OFFLINE_TIME must not be negative")
	}
	if c.MaxNoReady < 1 || c.MaxBadRes < 1 {
		problems = append(problems, "MAX_NOREADY and MAX_BADRES must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Lookup resolves a per-camera knob: KNOB_<URI> beats KNOB_ALL beats KNOB.
// URIs are normalized to the environment convention (upper case, dashes
// to underscores).
func (c *Config) Lookup(knob, uri string) (string, bool) {
	for _, key := range []string{knob + "_" + envURI(uri), knob + "_ALL", knob} {
		if v, ok := c.env[key]; ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// Bool resolves a per-camera boolean knob.
func (c *Config) Bool(knob, uri string) bool {
	v, ok := c.Lookup(knob, uri)
	return ok && parseBool(v)
}

// Int resolves a per-camera integer knob with a default.
func (c *Config) Int(knob, uri string, def int) int {
	v, ok := c.Lookup(knob, uri)
	if !ok {
		return def
	}
	return parseInt(v, def)
}

// CameraQuality resolves the commanded frame size and bitrate for one
// camera, substream-aware.
func (c *Config) CameraQuality(uri string, substream bool) Quality {
	knob, def := "QUALITY", c.Quality
	if substream {
		knob, def = "SUB_QUALITY", c.SubQuality
	}
	if v, ok := c.Lookup(knob, uri); ok {
		return ParseQuality(v)
	}
	return def
}

// CameraNetMode resolves the connection-mode policy for one camera.
func (c *Config) CameraNetMode(uri string) string {
	if v, ok := c.Lookup("NET_MODE", uri); ok {
		switch mode := strings.ToLower(v); mode {
		case "any", "lan", "p2p":
			return mode
		}
	}
	return c.NetMode
}

// CameraRotate resolves the snapshot rotation for one camera as an
// ffmpeg transpose argument. Vertical doorbells rotate clockwise when
// ROTATE_DOOR is set; anything else rotates only when its own ROTATE
// knob says so.
func (c *Config) CameraRotate(uri string, vertical bool) (int, bool) {
	v, ok := c.Lookup("ROTATE", uri)
	if !ok {
		if vertical && c.Bool("ROTATE_DOOR", uri) {
			return RotateClock, true
		}
		return 0, false
	}
	switch strings.ToLower(v) {
	case "false", "off", "no":
		return 0, false
	}
	return ParseRotate(v), true
}

// Selected applies the FILTER_* rules to one camera descriptor.
func (c *Config) Selected(cam *camera.Camera) bool {
	match := containsUpper(c.FilterNames, cam.Nickname) ||
		containsUpper(c.FilterMacs, strings.ReplaceAll(cam.MAC, ":", "")) ||
		containsUpper(c.FilterModels, cam.Model)
	if c.FilterBlock {
		return !match
	}
	if len(c.FilterNames)+len(c.FilterMacs)+len(c.FilterModels) == 0 {
		return true
	}
	return match
}

func envURI(uri string) string {
	return strings.ToUpper(strings.ReplaceAll(uri, "-", "_"))
}

func splitUpper(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		part = strings.ReplaceAll(part, ":", "")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func containsUpper(list []string, v string) bool {
	v = strings.ToUpper(strings.TrimSpace(v))
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on", "y":
		return true
	}
	return false
}

func parseInt(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

func parseSeparator(s string) byte {
	if s == "_" || s == "#" {
		return s[0]
	}
	return '-'
}
