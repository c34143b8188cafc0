// Package sink owns the ffmpeg children: the per-stream stdin publisher
// feeding the media relay, the snapshot grabs, and the battery-camera
// photo mirror.
package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ethan/iotc-bridge/pkg/logger"
)

const (
	// DefaultBin is the transcoder binary looked up on PATH.
	DefaultBin = "ffmpeg"
	// DefaultRTSPHost is where the media relay accepts publishers.
	DefaultRTSPHost = "127.0.0.1:8554"

	closeGrace = 3 * time.Second
)

// AudioOptions adds a second ffmpeg input fed through a named pipe.
type AudioOptions struct {
	Pipe       string // FIFO path, created if missing
	Format     string // ffmpeg demuxer name: aac, alaw, ulaw, s16le
	SampleRate int
}

// Options shapes one publisher child.
type Options struct {
	Bin       string
	RTSPHost  string
	Codec     string // h264 or hevc elementary stream on stdin
	FPS       int
	Audio     *AudioOptions
	ExtraArgs []string // operator passthrough, inserted before the output
}

// FFmpeg is a running publisher child. Write feeds raw elementary-stream
// bytes to its stdin; a dead child surfaces as a broken pipe, which the
// frame pump treats as a clean stop.
type FFmpeg struct {
	uri   string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	audio io.WriteCloser
	log   zerolog.Logger
	done  chan error
}

// Start spawns ffmpeg publishing uri to the local relay.
func Start(uri string, opts Options) (*FFmpeg, error) {
	if opts.Bin == "" {
		opts.Bin = DefaultBin
	}
	if opts.RTSPHost == "" {
		opts.RTSPHost = DefaultRTSPHost
	}
	if opts.Codec == "" {
		opts.Codec = "h264"
	}
	if opts.FPS <= 0 {
		opts.FPS = 20
	}

	var audioPipe io.WriteCloser
	if opts.Audio != nil {
		if err := mkfifo(opts.Audio.Pipe); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(opts.Audio.Pipe, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("open audio pipe: %w", err)
		}
		audioPipe = f
	}

	cmd := exec.Command(opts.Bin, publishArgs(uri, opts)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeQuiet(audioPipe)
		return nil, fmt.Errorf("ffmpeg stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeQuiet(audioPipe)
		return nil, fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		closeQuiet(audioPipe)
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	f := &FFmpeg{
		uri:   uri,
		cmd:   cmd,
		stdin: stdin,
		audio: audioPipe,
		log:   logger.WithComponent("sink").With().Str("uri", uri).Logger(),
		done:  make(chan error, 1),
	}
	f.log.Info().Int("pid", cmd.Process.Pid).Str("codec", opts.Codec).
		Bool("audio", opts.Audio != nil).Msg("ffmpeg publisher started")
	go func() {
		f.drainStderr(stderr)
		f.done <- cmd.Wait()
	}()
	return f, nil
}

// Write feeds one frame to the child.
func (f *FFmpeg) Write(p []byte) (int, error) {
	return f.stdin.Write(p)
}

// AudioWriter returns the audio lane, nil when audio is off.
func (f *FFmpeg) AudioWriter() io.Writer {
	if f.audio == nil {
		return nil
	}
	return f.audio
}

// Close stops the child: closing stdin lets ffmpeg flush and exit;
// a child that lingers is signalled and finally killed.
func (f *FFmpeg) Close() error {
	closeQuiet(f.stdin)
	closeQuiet(f.audio)

	select {
	case err := <-f.done:
		return f.exited(err)
	case <-time.After(closeGrace):
	}
	f.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case err := <-f.done:
		return f.exited(err)
	case <-time.After(closeGrace):
	}
	f.cmd.Process.Kill()
	return f.exited(<-f.done)
}

func (f *FFmpeg) exited(err error) error {
	if err != nil {
		f.log.Debug().Err(err).Msg("ffmpeg publisher exited")
		return err
	}
	f.log.Debug().Msg("ffmpeg publisher exited cleanly")
	return nil
}

func (f *FFmpeg) drainStderr(rd io.Reader) {
	sc := bufio.NewScanner(rd)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			f.log.Debug().Msg(line)
		}
	}
}

// publishArgs builds the child's command line: elementary stream on
// stdin, optional FIFO audio lane, copy-through to the local relay.
func publishArgs(uri string, opts Options) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-fflags", "+genpts",
		"-f", opts.Codec, "-r", strconv.Itoa(opts.FPS), "-i", "pipe:0",
	}
	if opts.Audio != nil {
		args = append(args,
			"-f", opts.Audio.Format,
			"-ar", strconv.Itoa(opts.Audio.SampleRate),
			"-ac", "1",
			"-i", opts.Audio.Pipe,
			"-map", "0:v", "-map", "1:a",
		)
	}
	args = append(args, "-c:v", "copy")
	if opts.Audio != nil {
		args = append(args, "-c:a", audioOutCodec(opts.Audio.Format))
	}
	args = append(args, opts.ExtraArgs...)
	return append(args,
		"-rtsp_transport", "tcp",
		"-f", "rtsp", "rtsp://"+opts.RTSPHost+"/"+uri,
	)
}

// snapshotArgs builds a one-frame grab of rtspURL into out.
func snapshotArgs(rtspURL, out string, transpose int, rotate bool) []string {
	args := []string{
		"-hide_banner", "-loglevel", "fatal",
		"-rtsp_transport", "tcp",
		"-i", rtspURL,
		"-frames:v", "1", "-q:v", "2",
	}
	if rotate {
		args = append(args, "-vf", fmt.Sprintf("transpose=%d", transpose))
	}
	return append(args, "-y", out)
}

// audioOutCodec picks the publish codec: compressed lanes pass through,
// raw PCM is encoded.
func audioOutCodec(format string) string {
	if format == "s16le" {
		return "aac"
	}
	return "copy"
}

func mkfifo(path string) error {
	if path == "" {
		return errors.New("audio pipe path empty")
	}
	if err := syscall.Mkfifo(path, 0o600); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return nil
}

func closeQuiet(c io.Closer) {
	if c != nil {
		c.Close()
	}
}

// Snapshots runs at most one snapshot child per stream, replacing a
// still-running grab when a new one is requested.
type Snapshots struct {
	bin string
	dir string
	log zerolog.Logger

	mu       sync.Mutex
	rotation map[string]int
	running  map[string]*snapChild
	wg       sync.WaitGroup
}

type snapChild struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// NewSnapshots builds the snapshot runner writing JPEGs into dir.
func NewSnapshots(bin, dir string) *Snapshots {
	if bin == "" {
		bin = DefaultBin
	}
	return &Snapshots{
		bin:      bin,
		dir:      dir,
		log:      logger.WithComponent("sink"),
		rotation: make(map[string]int),
		running:  make(map[string]*snapChild),
	}
}

// SetRotation registers an ffmpeg transpose argument applied to every
// later grab of uri. Vertical doorbells publish sideways video; their
// stills are turned upright here.
func (s *Snapshots) SetRotation(uri string, transpose int) {
	s.mu.Lock()
	s.rotation[uri] = transpose
	s.mu.Unlock()
}

// SnapshotPath is where a stream's snapshot lands inside dir.
func SnapshotPath(dir, uri string) string {
	return filepath.Join(dir, uri+".jpg")
}

// Path is where a stream's snapshot lands.
func (s *Snapshots) Path(uri string) string {
	return SnapshotPath(s.dir, uri)
}

// Grab starts a one-frame grab of rtspURL, killing a previous grab of
// the same stream that is still running.
func (s *Snapshots) Grab(uri, rtspURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.running[uri]; ok {
		select {
		case <-prev.done:
		default:
			s.log.Debug().Str("uri", uri).Msg("killing stuck snapshot child")
			prev.cmd.Process.Kill()
		}
		delete(s.running, uri)
	}

	transpose, rotate := s.rotation[uri]
	cmd := exec.Command(s.bin, snapshotArgs(rtspURL, s.Path(uri), transpose, rotate)...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start snapshot for %s: %w", uri, err)
	}
	child := &snapChild{cmd: cmd, done: make(chan struct{})}
	s.running[uri] = child
	s.wg.Add(1)
	go s.reap(uri, child)
	return nil
}

func (s *Snapshots) reap(uri string, c *snapChild) {
	defer s.wg.Done()
	err := c.cmd.Wait()
	close(c.done)

	s.mu.Lock()
	if s.running[uri] == c {
		delete(s.running, uri)
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Debug().Err(err).Str("uri", uri).Msg("snapshot child exited")
		return
	}
	s.log.Debug().Str("uri", uri).Msg("snapshot saved")
}

// Close kills outstanding grabs and reaps them.
func (s *Snapshots) Close() {
	s.mu.Lock()
	for _, c := range s.running {
		c.cmd.Process.Kill()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
