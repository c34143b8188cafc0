// Command bridge connects a fleet of IOTC cameras to a local media
// relay. Every selected camera becomes a relay path backed by a
// supervised stream worker, with a REST control surface and Prometheus
// metrics on the side.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ethan/iotc-bridge/pkg/api"
	"github.com/ethan/iotc-bridge/pkg/camera"
	"github.com/ethan/iotc-bridge/pkg/cloud"
	"github.com/ethan/iotc-bridge/pkg/config"
	"github.com/ethan/iotc-bridge/pkg/control"
	"github.com/ethan/iotc-bridge/pkg/logger"
	"github.com/ethan/iotc-bridge/pkg/metrics"
	"github.com/ethan/iotc-bridge/pkg/mtx"
	"github.com/ethan/iotc-bridge/pkg/pump"
	"github.com/ethan/iotc-bridge/pkg/rtsp"
	"github.com/ethan/iotc-bridge/pkg/session"
	"github.com/ethan/iotc-bridge/pkg/sink"
	"github.com/ethan/iotc-bridge/pkg/stream"
	"github.com/ethan/iotc-bridge/pkg/tutk"
)

func main() {
	logFlags := logger.RegisterFlags(flag.CommandLine)
	envPath := flag.String("env", ".env", "optional .env file seeding the environment")
	flag.Parse()

	logCfg, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger.Configure(logCfg)
	log := logger.WithComponent("main")

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Fatal().Err(err).Msg("bad configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("bridge failed")
	}
	log.Info().Msg("bridge stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
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

	mtxCfg, err := mtx.LoadConfig(cfg.MTXConfigPath)
	if err != nil {
		return fmt.Errorf("relay config: %w", err)
	}
	mtxCfg.SetDefaults(mtx.Defaults{
		EventPath: cfg.MTXEventPath,
		RecordDir: cfg.RecordDir,
	})
	if err := mtxCfg.SetAuth(cfg.MTXAuth); err != nil {
		return fmt.Errorf("relay auth: %w", err)
	}
	if len(cfg.WebRTCHosts) > 0 {
		mtxCfg.SetWebRTCHosts(cfg.WebRTCHosts)
	}
	if cfg.HLSCert != "" {
		mtxCfg.SetHLSCert(cfg.HLSCert, cfg.HLSKey)
	}

	snaps := sink.NewSnapshots(cfg.FFmpegBin, cfg.ImgDir)
	defer snaps.Close()

	logPub := stream.NewLogPublisher()
	pub := stream.Fanout{logPub}
	if cfg.WebhookURL != "" {
		wh := stream.NewWebhookPublisher(cfg.WebhookURL)
		defer wh.Close()
		pub = append(pub, wh)
	}

	sup := stream.NewSupervisor(cl, pub, snaps, rtsp.Ready, stream.SupervisorConfig{
		IgnoreOffline: cfg.IgnoreOffline,
		Snapshot:      cfg.Snapshot,
	})

	taken := make(map[string]bool)
	registered := 0
	for _, cam := range cams {
		if !cfg.Selected(cam) {
			log.Info().Str("nickname", cam.Nickname).Str("mac", cam.MAC).Msg("camera filtered out")
			continue
		}
		uri := cam.URI(cfg.URISeparator)
		if taken[uri] {
			// Duplicate nicknames get a mac tail so both register.
			uri = fmt.Sprintf("%s%c%s", uri, cfg.URISeparator, macTail(cam.MAC))
		}
		taken[uri] = true

		uris := []string{uri}
		if cfg.Bool("SUBSTREAM", uri) && cam.SupportsSubstream() {
			uris = append(uris, fmt.Sprintf("%s%csub", uri, cfg.URISeparator))
		}
		for i, u := range uris {
			st := buildStream(cfg, cam, lib, pub, logPub, cred, u, i > 0)
			if err := sup.Add(st); err != nil {
				return err
			}
			mtxCfg.AddPath(u, mtx.PathOptions{OnDemand: !st.Record(), Record: st.Record()})
			if rot, ok := cfg.CameraRotate(u, cam.IsVertical()); ok {
				snaps.SetRotation(u, rot)
			}
			log.Info().Str("uri", u).Str("mac", cam.MAC).Str("model", cam.Model).
				Bool("record", st.Record()).Msg("stream registered")
			registered++
		}
	}
	if registered == 0 {
		return errors.New("no cameras selected")
	}

	if err := mtxCfg.Write(); err != nil {
		return fmt.Errorf("write relay config: %w", err)
	}
	pipe, err := mtx.OpenEventPipe(cfg.MTXEventPath)
	if err != nil {
		return fmt.Errorf("event pipe: %w", err)
	}
	defer pipe.Close()

	metrics.MustRegister(metrics.NewStreamCollector(sup))

	relay := mtx.NewRelay(cfg.MTXBin, cfg.MTXConfigPath)
	srv := api.New(sup, api.Options{
		Addr:     cfg.APIBind,
		ImageDir: cfg.ImgDir,
		Signals:  cl,
	})

	log.Info().Int("streams", registered).Str("api", cfg.APIBind).Msg("bridge running")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return sup.Monitor(gctx, pipe) })
	g.Go(func() error { return srv.Run(gctx) })
	err = g.Wait()

	sup.StopAll()
	return err
}

func buildStream(cfg *config.Config, cam *camera.Camera, tr session.Transport,
	pub stream.Publisher, results control.Publisher, cred *cloud.Credential,
	uri string, substream bool) *stream.Stream {

	ctrl := control.Config{
		RefreshInterval: time.Duration(cfg.Int("BOA_INTERVAL", uri, 5)) * time.Second,
	}
	if cfg.Bool("BOA_ENABLED", uri) {
		ctrl.EnableBoa = true
		ctrl.PhotoURI = uri
		ctrl.PhotoDir = cfg.ImgDir
	}

	audio := cfg.Bool("AUDIO", uri)
	audioFormat, ok := cfg.Lookup("AUDIO_FORMAT", uri)
	if !ok {
		audioFormat = "aac"
	}
	audioRate := cfg.Int("AUDIO_RATE", uri, 16000)
	ffmpegBin := cfg.FFmpegBin

	newSink := func(u, codec string, fps int) (stream.Sink, error) {
		opts := sink.Options{Bin: ffmpegBin, Codec: codec, FPS: fps}
		if audio {
			opts.Audio = &sink.AudioOptions{
				Pipe:       filepath.Join(os.TempDir(), u+"_audio.pipe"),
				Format:     audioFormat,
				SampleRate: audioRate,
			}
		}
		f, err := sink.Start(u, opts)
		if err != nil {
			return nil, err
		}
		return f, nil
	}

	return stream.New(cam, tr, pub, stream.Options{
		URI:       uri,
		Substream: substream,
		Record:    cfg.Bool("RECORD", uri),
		Audio:     audio,
		Quality:   cfg.CameraQuality(uri, substream),
		FPS:       cfg.Int("FPS", uri, cfg.FPS),
		NetMode:   cfg.CameraNetMode(uri),
		PhoneID:   cred.PhoneID,
		UserID:    cred.UserID,
		Pump: pump.Config{
			MaxNoReady: cfg.MaxNoReady,
			MaxBadRes:  cfg.MaxBadRes,
			IgnoreRes:  cfg.IgnoreRes,
		},
		Control:  ctrl,
		NewSink:  newSink,
		OnResult: results,
		Cooldown: cfg.OfflineTime,
	})
}

func libraryPaths(explicit string) []string {
	if explicit == "" {
		return nil // NewLibrary falls back to the default search list
	}
	return []string{explicit}
}

func macTail(mac string) string {
	mac = strings.ReplaceAll(mac, ":", "")
	if len(mac) > 4 {
		mac = mac[len(mac)-4:]
	}
	return strings.ToLower(mac)
}
