// Command diagnose drives one camera end to end and reports what it
// saw: connect, authenticate, pull frames for a fixed window, then
// print session and pump statistics. Use it when a stream misbehaves
// and the bridge logs are not enough.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethan/iotc-bridge/pkg/camera"
	"github.com/ethan/iotc-bridge/pkg/cloud"
	"github.com/ethan/iotc-bridge/pkg/config"
	"github.com/ethan/iotc-bridge/pkg/logger"
	"github.com/ethan/iotc-bridge/pkg/pump"
	"github.com/ethan/iotc-bridge/pkg/session"
	"github.com/ethan/iotc-bridge/pkg/tutk"
)

const connectTimeout = 30 * time.Second

// countingSink swallows elementary-stream bytes and keeps score.
type countingSink struct {
	writes atomic.Uint64
	bytes  atomic.Uint64
}

func (c *countingSink) Write(p []byte) (int, error) {
	c.writes.Add(1)
	c.bytes.Add(uint64(len(p)))
	return len(p), nil
}

func main() {
	logFlags := logger.RegisterFlags(flag.CommandLine)
	envPath := flag.String("env", ".env", "optional .env file seeding the environment")
	target := flag.String("camera", "", "camera to test: nickname, uri or mac (required)")
	duration := flag.Duration("duration", 20*time.Second, "how long to pull frames")
	audio := flag.Bool("audio", false, "also drain the audio lane")
	flag.Parse()

	logCfg, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger.Configure(logCfg)

	if *target == "" {
		fmt.Fprintln(os.Stderr, "diagnose: -camera is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*envPath)
	if err != nil {
		fatal("configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := diagnose(ctx, cfg, *target, *duration, *audio); err != nil {
		fatal("%v", err)
	}
}

func diagnose(ctx context.Context, cfg *config.Config, target string, duration time.Duration, audio bool) error {
	lib := tutk.NewLibrary(tutk.Config{
		LibraryPaths: libraryPaths(cfg.TUTKLib),
		LicenseKey:   cfg.TUTKLicense,
		Log:          logger.WithComponent("tutk"),
	})
	if err := lib.Open(); err != nil {
		return fmt.Errorf("native library: %w", err)
	}
	defer lib.Close()

	cl := cloud.NewClient(cfg)
	cred, err := cl.Login(ctx)
	if err != nil {
		return fmt.Errorf("cloud login: %w", err)
	}
	cams, err := cl.ListCamerasWait(ctx)
	if err != nil {
		return fmt.Errorf("list cameras: %w", err)
	}
	cam := match(cams, target, cfg.URISeparator)
	if cam == nil {
		return fmt.Errorf("no camera matches %q (%d on the account)", target, len(cams))
	}
	uri := cam.URI(cfg.URISeparator)

	fmt.Println("=== Camera ===")
	fmt.Printf("  nickname  %s\n", cam.Nickname)
	fmt.Printf("  uri       %s\n", uri)
	fmt.Printf("  mac       %s\n", cam.MAC)
	fmt.Printf("  model     %s (fw %s)\n", cam.Model, cam.FirmwareVersion)
	fmt.Printf("  dtls      %v\n", cam.DTLS)

	sess := session.New(cam, lib, session.Options{
		Quality: cfg.CameraQuality(uri, false),
		FPS:     cfg.Int("FPS", uri, cfg.FPS),
		NetMode: cfg.CameraNetMode(uri),
		Audio:   audio,
		PhoneID: cred.PhoneID,
		UserID:  cred.UserID,
	})
	defer sess.Disconnect()

	fmt.Println("\n=== Connect ===")
	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	start := time.Now()
	if err := sess.Connect(connCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	info := sess.Info()
	fmt.Printf("  mode      %s\n", tutk.ModeName(info.Mode))
	fmt.Printf("  remote    %s:%d (wan %s:%d)\n", info.RemoteIP, info.RemotePort, info.WanIP, info.WanPort)
	fmt.Printf("  nat       local=%d remote=%d relay=%d secure=%v\n",
		info.NATType, info.RemoteNATType, info.RelayType, info.Secure)
	fmt.Printf("  elapsed   %s\n", time.Since(start).Round(time.Millisecond))

	fmt.Println("\n=== Authenticate ===")
	start = time.Now()
	if err := sess.Authenticate(connCtx); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	fmt.Printf("  negotiated frame_size=%d bitrate=%d fps=%d\n",
		sess.FrameSize(), sess.Bitrate(), sess.FPS())
	fmt.Printf("  elapsed   %s\n", time.Since(start).Round(time.Millisecond))
	if raw := sess.CameraInfo(); len(raw) > 0 {
		fmt.Printf("  camera_info %s\n", raw)
	}

	fmt.Printf("\n=== Pulling frames for %s (Ctrl+C to stop early) ===\n", duration)
	video := &countingSink{}
	var audioSink *countingSink
	var audioWriter io.Writer // stays nil unless asked, a typed nil would arm the lane
	if audio {
		audioSink = &countingSink{}
		audioWriter = audioSink
	}
	p := pump.New(sess, video, audioWriter, pump.Config{
		MaxNoReady: cfg.MaxNoReady,
		MaxBadRes:  cfg.MaxBadRes,
		IgnoreRes:  cfg.IgnoreRes,
	})

	pullCtx, cancelPull := context.WithTimeout(ctx, duration)
	defer cancelPull()
	started := time.Now()
	err = p.Run(pullCtx)
	elapsed := time.Since(started)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		fmt.Printf("  pump stopped early: %v\n", err)
	}

	stats := p.Stats()
	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}
	fmt.Println("\n=== Report ===")
	fmt.Printf("  window     %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  forwarded  %d frames (%.1f fps)\n", stats.Forwarded, float64(stats.Forwarded)/secs)
	fmt.Printf("  video      %d bytes (%.0f kbit/s)\n", video.bytes.Load(), float64(video.bytes.Load())*8/1024/secs)
	fmt.Printf("  dropped    %d  noready %d  badres %d\n", stats.Dropped, stats.NoReady, stats.BadRes)
	if audioSink != nil {
		fmt.Printf("  audio      %d frames, %d bytes\n", audioSink.writes.Load(), audioSink.bytes.Load())
	}
	final := sess.Info()
	fmt.Printf("  packets    tx=%d rx=%d\n", final.TxPackets, final.RxPackets)

	if stats.Forwarded == 0 {
		return errors.New("no frames arrived")
	}
	return nil
}

// match finds a camera by uri slug, nickname or mac.
func match(cams []*camera.Camera, target string, sep byte) *camera.Camera {
	mac := strings.ToUpper(strings.ReplaceAll(target, ":", ""))
	for _, cam := range cams {
		switch {
		case strings.EqualFold(cam.URI(sep), target),
			strings.EqualFold(cam.Nickname, target),
			strings.ToUpper(strings.ReplaceAll(cam.MAC, ":", "")) == mac:
			return cam
		}
	}
	return nil
}

func libraryPaths(explicit string) []string {
	if explicit == "" {
		return nil
	}
	return []string{explicit}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "diagnose: "+format+"\n", args...)
	os.Exit(1)
}
