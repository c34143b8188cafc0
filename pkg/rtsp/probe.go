// Package rtsp speaks just enough RTSP to verify that a relay path is
// actually serving: set up the video track over interleaved TCP, play,
// and read until one complete access unit comes out. The snapshot pass
// runs it before spending an ffmpeg child on a path.
package rtsp

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pion/rtcp"
	pionrtp "github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog"

	"github.com/ethan/iotc-bridge/pkg/logger"
	"github.com/ethan/iotc-bridge/pkg/rtp"
)

// DefaultTimeout bounds a probe whose context carries no deadline.
const DefaultTimeout = 5 * time.Second

const interleavedMagic = '$'

// Report is what a successful probe saw.
type Report struct {
	Codec         string    // rtpmap encoding name, H264 or H265
	Keyframe      bool      // the assembled unit is a random-access point
	NALUs         int
	Bytes         int       // elementary-stream bytes in the unit
	Packets       int       // RTP packets consumed
	SenderReports int       // RTCP sender reports seen on the way
	LastSR        time.Time // wall clock of the newest sender report
}

// Ready adapts Probe to the supervisor's probe hook.
func Ready(ctx context.Context, rtspURL string) error {
	_, err := Probe(ctx, rtspURL)
	return err
}

// Probe connects to rtspURL and reads until one access unit is
// assembled. Credentials in the URL become basic auth, as the
// doorbell's native RTSP server expects.
func Probe(ctx context.Context, rtspURL string) (*Report, error) {
	c, err := dial(ctx, rtspURL)
	if err != nil {
		return nil, err
	}
	defer c.close()
	return c.probe()
}

type track struct {
	codec   string
	control string
	payload uint8
}

type client struct {
	url     *url.URL
	base    string // Content-Base once DESCRIBE revealed it
	conn    net.Conn
	rd      *bufio.Reader
	session string
	cseq    int
	unhook  func() bool
	log     zerolog.Logger
}

func dial(ctx context.Context, rtspURL string) (*client, error) {
	u, err := url.Parse(rtspURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "rtsp" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	port := u.Port()
	if port == "" {
		port = "554"
	}
	deadline := time.Now().Add(DefaultTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	dialer := &net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetDeadline(deadline)

	return &client{
		url:    u,
		base:   rtspURL,
		conn:   conn,
		rd:     bufio.NewReaderSize(conn, 64<<10),
		unhook: context.AfterFunc(ctx, func() { conn.Close() }),
		log:    logger.WithComponent("rtsp").With().Str("url", u.Redacted()).Logger(),
	}, nil
}

func (c *client) close() {
	c.unhook()
	c.write(c.request("TEARDOWN", c.base, nil)) // best effort
	c.conn.Close()
}

func (c *client) probe() (*Report, error) {
	if _, err := c.do(c.request("OPTIONS", c.base, nil)); err != nil {
		return nil, fmt.Errorf("options: %w", err)
	}
	tk, err := c.describe()
	if err != nil {
		return nil, fmt.Errorf("describe: %w", err)
	}
	depack, ok := rtp.ForCodec(tk.codec)
	if !ok {
		return nil, fmt.Errorf("unsupported codec %q", tk.codec)
	}
	if err := c.setup(tk.control); err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}
	// PLAY is write-only: the server starts interleaving packets right
	// behind its response, so the response is picked up in the read loop.
	if err := c.write(c.request("PLAY", c.base, map[string]string{"Range": "npt=0.000-"})); err != nil {
		return nil, fmt.Errorf("play: %w", err)
	}
	rep, err := c.readUnit(depack, tk.payload)
	if err != nil {
		return nil, err
	}
	rep.Codec = tk.codec
	return rep, nil
}

func (c *client) describe() (*track, error) {
	req := c.request("DESCRIBE", c.base, map[string]string{"Accept": "application/sdp"})
	if user := c.url.User; user != nil {
		pass, _ := user.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + pass))
		req.header["Authorization"] = "Basic " + cred
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if cb := resp.header["Content-Base"]; cb != "" {
		c.base = strings.TrimSpace(cb)
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal(resp.body); err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "video" || len(md.MediaName.Formats) == 0 {
			continue
		}
		pt, err := strconv.Atoi(md.MediaName.Formats[0])
		if err != nil {
			continue
		}
		codec, err := desc.GetCodecForPayloadType(uint8(pt))
		if err != nil {
			return nil, fmt.Errorf("video payload %d has no rtpmap", pt)
		}
		control, _ := md.Attribute("control")
		return &track{codec: codec.Name, control: control, payload: uint8(pt)}, nil
	}
	return nil, errors.New("no video track in sdp")
}

func (c *client) setup(control string) error {
	resp, err := c.do(c.request("SETUP", c.controlURL(control), map[string]string{
		"Transport": "RTP/AVP/TCP;unicast;interleaved=0-1",
	}))
	if err != nil {
		return err
	}
	if s := resp.header["Session"]; s != "" {
		if i := strings.IndexByte(s, ';'); i > 0 {
			s = s[:i]
		}
		c.session = s
	}
	return nil
}

// controlURL resolves a track's control attribute against the base,
// which may itself have been rewritten by Content-Base.
func (c *client) controlURL(control string) string {
	if control == "" || control == "*" {
		return c.base
	}
	if strings.Contains(control, "://") {
		return control
	}
	return strings.TrimSuffix(c.base, "/") + "/" + strings.TrimPrefix(control, "/")
}

// readUnit consumes the interleaved stream until the depacketizer
// hands back a complete access unit. RTSP responses interleave with
// the packets; sender reports on the RTCP lane are folded into the
// report; packets outside the negotiated payload type are skipped.
func (c *client) readUnit(depack rtp.Depacketizer, payloadType uint8) (*Report, error) {
	rep := &Report{}
	debug := logger.Enabled(logger.DebugRTSP)
	for {
		head, err := c.rd.Peek(4)
		if err != nil {
			return nil, fmt.Errorf("read stream: %w", err)
		}
		if head[0] != interleavedMagic {
			if string(head) == "RTSP" {
				if _, err := c.readResponse(); err != nil {
					return nil, fmt.Errorf("inline response: %w", err)
				}
				continue
			}
			// Resync on the next record boundary.
			if _, err := c.rd.Discard(1); err != nil {
				return nil, err
			}
			continue
		}
		channel := head[1]
		size := int(binary.BigEndian.Uint16(head[2:4]))
		if _, err := c.rd.Discard(4); err != nil {
			return nil, err
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(c.rd, payload); err != nil {
			return nil, fmt.Errorf("read interleaved payload: %w", err)
		}

		switch channel {
		case 0:
			var pkt pionrtp.Packet
			if err := pkt.Unmarshal(payload); err != nil {
				if debug {
					c.log.Debug().Err(err).Msg("undecodable rtp packet")
				}
				continue
			}
			if pkt.PayloadType != payloadType {
				continue
			}
			rep.Packets++
			unit, err := depack.Push(&pkt)
			if err != nil {
				return nil, fmt.Errorf("depacketize: %w", err)
			}
			if unit != nil {
				rep.Keyframe = unit.Keyframe
				rep.NALUs = unit.NALUs
				rep.Bytes = len(unit.Data)
				if debug {
					c.log.Debug().Int("packets", rep.Packets).Int("nalus", rep.NALUs).
						Bool("keyframe", rep.Keyframe).Msg("access unit assembled")
				}
				return rep, nil
			}
		case 1:
			pkts, err := rtcp.Unmarshal(payload)
			if err != nil {
				continue
			}
			for _, p := range pkts {
				if sr, ok := p.(*rtcp.SenderReport); ok {
					rep.SenderReports++
					rep.LastSR = ntpTime(sr.NTPTime)
				}
			}
		}
	}
}

// ntpTime converts a 64-bit NTP timestamp to wall time.
func ntpTime(v uint64) time.Time {
	const ntpEpochOffset = 2208988800 // seconds between 1900 and 1970
	secs := int64(v>>32) - ntpEpochOffset
	frac := (v & 0xFFFFFFFF) * uint64(time.Second) >> 32
	return time.Unix(secs, int64(frac))
}

type request struct {
	method string
	url    string
	header map[string]string
}

func (c *client) request(method, url string, header map[string]string) *request {
	if header == nil {
		header = make(map[string]string)
	}
	return &request{method: method, url: url, header: header}
}

func (c *client) write(req *request) error {
	c.cseq++
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", req.method, req.url)
	fmt.Fprintf(&b, "CSeq: %d\r\n", c.cseq)
	b.WriteString("User-Agent: iotc-bridge\r\n")
	if c.session != "" {
		fmt.Fprintf(&b, "Session: %s\r\n", c.session)
	}
	for k, v := range req.header {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	_, err := c.conn.Write([]byte(b.String()))
	return err
}

type response struct {
	status int
	header map[string]string
	body   []byte
}

func (c *client) do(req *request) (*response, error) {
	if err := c.write(req); err != nil {
		return nil, err
	}
	return c.readResponse()
}

func (c *client) readResponse() (*response, error) {
	line, err := c.rd.ReadString('\n')
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "RTSP/") {
		return nil, fmt.Errorf("malformed status line %q", strings.TrimSpace(line))
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed status %q", parts[1])
	}

	resp := &response{status: status, header: make(map[string]string)}
	var contentLen int
	for {
		line, err := c.rd.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		resp.header[k] = v
		if strings.EqualFold(k, "Content-Length") {
			contentLen, _ = strconv.Atoi(v)
		}
	}
	if contentLen > 0 {
		resp.body = make([]byte, contentLen)
		if _, err := io.ReadFull(c.rd, resp.body); err != nil {
			return nil, err
		}
	}
	if resp.status != 200 {
		return nil, fmt.Errorf("status %d", resp.status)
	}
	return resp, nil
}
