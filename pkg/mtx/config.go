// Package mtx drives the external media relay: it rewrites the relay's
// YAML configuration, owns the named-pipe event channel the relay's
// path hooks write to, and supervises the relay child process.
package mtx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultEventPath is where path hooks deliver lifecycle records.
	DefaultEventPath = "/tmp/mtx_event"

	defaultStartTimeout = 30 * time.Second
	defaultCloseAfter   = 60 * time.Second
	defaultSegmentLen   = 60 * time.Second
)

// Config is the relay's YAML document. Keys the bridge does not own are
// preserved across rewrites, so operators can still tune the relay
// directly.
type Config struct {
	path      string
	eventPath string
	doc       map[string]any
}

// LoadConfig reads the relay configuration, tolerating a missing file.
func LoadConfig(path string) (*Config, error) {
	c := &Config{path: path, eventPath: DefaultEventPath, doc: map[string]any{}}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read relay config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c.doc); err != nil {
		return nil, fmt.Errorf("parse relay config: %w", err)
	}
	if c.doc == nil {
		c.doc = map[string]any{}
	}
	return c, nil
}

// Defaults fixes the global path behavior: demand hook timeouts and the
// recording layout.
type Defaults struct {
	EventPath    string
	RecordDir    string        // empty disables recording defaults
	SegmentLen   time.Duration // default 60s
	DeleteAfter  time.Duration // zero keeps segments forever
	StartTimeout time.Duration // default 30s
	CloseAfter   time.Duration // default 60s
}

// SetDefaults merges the bridge-owned pathDefaults keys into the
// document and pins the event pipe used by every later AddPath.
func (c *Config) SetDefaults(d Defaults) {
	if d.EventPath != "" {
		c.eventPath = d.EventPath
	}
	if d.StartTimeout <= 0 {
		d.StartTimeout = defaultStartTimeout
	}
	if d.CloseAfter <= 0 {
		d.CloseAfter = defaultCloseAfter
	}
	if d.SegmentLen <= 0 {
		d.SegmentLen = defaultSegmentLen
	}

	pd := c.section("pathDefaults")
	pd["runOnDemandStartTimeout"] = d.StartTimeout.String()
	pd["runOnDemandCloseAfter"] = d.CloseAfter.String()
	if d.RecordDir != "" {
		pd["recordPath"] = filepath.Join(d.RecordDir, "%path", "%Y-%m-%d_%H-%M-%S-%f")
		pd["recordSegmentDuration"] = d.SegmentLen.String()
		if d.DeleteAfter > 0 {
			pd["recordDeleteAfter"] = d.DeleteAfter.String()
		}
	}
}

// PathOptions tunes one registered stream path.
type PathOptions struct {
	// OnDemand registers a start hook so the stream connects only while
	// the relay has a consumer waiting.
	OnDemand bool
	Record   bool
}

// AddPath registers a stream under paths.<uri> with hooks reporting
// every lifecycle transition over the event pipe.
func (c *Config) AddPath(uri string, opts PathOptions) {
	p := map[string]any{
		"runOnReady":    c.hook(uri, EventReady),
		"runOnNotReady": c.hook(uri, EventNotReady),
		"runOnRead":     c.hook(uri, EventRead),
		"runOnUnread":   c.hook(uri, EventUnread),
	}
	if opts.OnDemand {
		p["runOnDemand"] = c.hook(uri, EventStart)
	}
	if opts.Record {
		p["record"] = true
	}
	c.section("paths")[uri] = p
}

// RemovePath drops a stream registration.
func (c *Config) RemovePath(uri string) {
	delete(c.section("paths"), uri)
}

// PathURIs lists the registered stream paths.
func (c *Config) PathURIs() []string {
	paths := c.section("paths")
	uris := make([]string, 0, len(paths))
	for uri := range paths {
		uris = append(uris, uri)
	}
	return uris
}

// SetAuth installs the loopback publisher the frame sinks use plus the
// read-only users parsed from spec, format
// "user:pass[:ip,ip][@path,path]|...". An empty spec leaves only the
// loopback entry.
func (c *Config) SetAuth(spec string) error {
	users := []any{
		map[string]any{
			"user": "any",
			"ips":  []any{"127.0.0.1", "::1"},
			"permissions": []any{
				map[string]any{"action": "publish"},
				map[string]any{"action": "read"},
				map[string]any{"action": "playback"},
			},
		},
	}
	parsed, err := parseUsers(spec)
	if err != nil {
		return err
	}
	c.doc["authInternalUsers"] = append(users, parsed...)
	return nil
}

// SetWebRTCHosts advertises extra hostnames for WebRTC candidates.
func (c *Config) SetWebRTCHosts(hosts []string) {
	if len(hosts) == 0 {
		delete(c.doc, "webrtcAdditionalHosts")
		return
	}
	out := make([]any, len(hosts))
	for i, h := range hosts {
		out[i] = h
	}
	c.doc["webrtcAdditionalHosts"] = out
}

// SetHLSCert enables TLS on the LL-HLS listener. Both paths must be
// given; otherwise the call is a no-op.
func (c *Config) SetHLSCert(certPath, keyPath string) {
	if certPath == "" || keyPath == "" {
		return
	}
	c.doc["hlsEncryption"] = true
	c.doc["hlsServerCert"] = certPath
	c.doc["hlsServerKey"] = keyPath
}

// Write saves the document atomically so a restarting relay never reads
// a half-written file.
func (c *Config) Write() error {
	data, err := yaml.Marshal(c.doc)
	if err != nil {
		return fmt.Errorf("encode relay config: %w", err)
	}
	if err := renameio.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("write relay config: %w", err)
	}
	return nil
}

// hook builds the shell one-liner a relay hook runs to report an event.
func (c *Config) hook(uri, event string) string {
	return fmt.Sprintf(`sh -c 'printf "%s,%s!" > %s'`, uri, event, c.eventPath)
}

// section returns the named top-level mapping, creating it when absent.
// A scalar left there by a hand edit is replaced.
func (c *Config) section(key string) map[string]any {
	if m, ok := c.doc[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	c.doc[key] = m
	return m
}

// parseUsers expands the read-only user spec. Entries are separated by
// "|"; each is user:pass, optionally :ip,ip to restrict sources and
// @path,path to restrict readable streams.
func parseUsers(spec string) ([]any, error) {
	var users []any
	for _, entry := range strings.Split(spec, "|") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		var paths []string
		if at := strings.IndexByte(entry, '@'); at >= 0 {
			paths = splitList(entry[at+1:])
			entry = entry[:at]
		}
		fields := strings.Split(entry, ":")
		if len(fields) < 2 || fields[0] == "" || fields[1] == "" {
			return nil, fmt.Errorf("relay user %q: want user:pass[:ip,ip][@path,path]", entry)
		}
		u := map[string]any{"user": fields[0], "pass": fields[1]}
		if len(fields) >= 3 && fields[2] != "" {
			ips := splitList(fields[2])
			out := make([]any, len(ips))
			for i, ip := range ips {
				out[i] = ip
			}
			u["ips"] = out
		}
		var perms []any
		if len(paths) == 0 {
			perms = []any{
				map[string]any{"action": "read"},
				map[string]any{"action": "playback"},
			}
		} else {
			for _, p := range paths {
				perms = append(perms,
					map[string]any{"action": "read", "path": p},
					map[string]any{"action": "playback", "path": p})
			}
		}
		u["permissions"] = perms
		users = append(users, u)
	}
	return users, nil
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
