// Package pump moves video frames from an authenticated session to the
// sink, enforcing resolution, freshness and keyframe guards. It is the
// only component allowed to write to the sink's stdin.
package pump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ethan/iotc-bridge/pkg/logger"
	"github.com/ethan/iotc-bridge/pkg/session"
	"github.com/ethan/iotc-bridge/pkg/tutk"
)

// Budget errors: the device kept misbehaving past the configured limits
// and the stream needs a full reconnect.
var (
	ErrNoReadyBudget = errors.New("pump: no frame data past budget")
	ErrBadResBudget  = errors.New("pump: wrong frame size past budget")
)

const (
	// Sleep after an unproductive iteration; keeps pressure off the
	// native buffer while the device catches up.
	retrySleep = 100 * time.Millisecond
	// Poll interval before the first frame arrives.
	firstFrameSleep = 10 * time.Millisecond

	// Staleness guards.
	maxFrameAge    = 20 * time.Second
	maxKeyframeGap = 5 * time.Second
	lostGOPGap     = 6

	// Largest elementary-stream frame the devices emit (2K keyframes).
	frameBufSize = 1 << 20
	audioBufSize = 64 << 10

	// Doorbells report the portrait variant of the commanded size.
	doorbellOffset = 3
)

// Config bounds the pump's tolerance for device misbehavior.
type Config struct {
	MaxNoReady int
	MaxBadRes  int
	IgnoreRes  bool
}

// Stats are the pump's counters, safe to read while it runs.
type Stats struct {
	Forwarded uint64
	Dropped   uint64
	NoReady   uint64
	BadRes    uint64
}

// Pump drains one session into one sink.
type Pump struct {
	s     *session.Session
	sink  io.Writer
	audio io.Writer
	cfg   Config
	log   zerolog.Logger

	forwarded atomic.Uint64
	dropped   atomic.Uint64
	noReady   atomic.Uint64
	badRes    atomic.Uint64
}

// New builds a pump writing video to sink and, when audio is non-nil,
// audio frames to audio.
func New(s *session.Session, sink, audio io.Writer, cfg Config) *Pump {
	if cfg.MaxNoReady <= 0 {
		cfg.MaxNoReady = 100
	}
	if cfg.MaxBadRes <= 0 {
		cfg.MaxBadRes = 100
	}
	return &Pump{
		s:     s,
		sink:  sink,
		audio: audio,
		cfg:   cfg,
		log:   logger.WithComponent("pump").With().Str("mac", s.Camera().MAC).Logger(),
	}
}

// Stats snapshots the counters.
func (p *Pump) Stats() Stats {
	return Stats{
		Forwarded: p.forwarded.Load(),
		Dropped:   p.dropped.Load(),
		NoReady:   p.noReady.Load(),
		BadRes:    p.badRes.Load(),
	}
}

// Run pumps until the context ends, the sink breaks, or a budget is
// exhausted. A broken pipe is a clean exit: the consumer went away.
func (p *Pump) Run(ctx context.Context) error {
	if p.audio != nil {
		audioCtx, stopAudio := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runAudio(audioCtx)
		}()
		defer wg.Wait()
		defer stopAudio()
	}

	debugFrames := logger.Enabled(logger.DebugFrame)
	buf := make([]byte, frameBufSize)
	var (
		lastFrameNo uint32
		lastKFNo    uint32
		lastKFTime  time.Time
		badNoReady  int
		badRes      int
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, info, err := p.s.RecvFrame(buf)
		switch {
		case errors.Is(err, tutk.ErrAVDataNoReady):
			p.noReady.Add(1)
			if lastFrameNo == 0 {
				if err := sleep(ctx, firstFrameSleep); err != nil {
					return err
				}
				continue
			}
			badNoReady++
			if badNoReady > p.cfg.MaxNoReady {
				return fmt.Errorf("%w (%d misses)", ErrNoReadyBudget, badNoReady)
			}
			if err := sleep(ctx, retrySleep); err != nil {
				return err
			}
			continue
		case errors.Is(err, tutk.ErrAVIncompleteFrame), errors.Is(err, tutk.ErrAVLosedThisFrame):
			if debugFrames {
				p.log.Debug().Err(err).Msg("frame lost in transit")
			}
			continue
		case err != nil:
			return fmt.Errorf("recv frame: %w", err)
		}

		if !p.cfg.IgnoreRes && !p.acceptedSize(info.FrameSize) {
			if lastFrameNo == 0 {
				p.log.Debug().Uint8("frame_size", info.FrameSize).Msg("skipping initial frame before resolving applies")
				continue
			}
			badRes++
			p.badRes.Add(1)
			if badRes > p.cfg.MaxBadRes {
				return fmt.Errorf("%w (size %d, want %d)", ErrBadResBudget, info.FrameSize, p.s.FrameSize())
			}
			p.s.SendResolving()
			if err := sleep(ctx, retrySleep); err != nil {
				return err
			}
			continue
		}

		badNoReady, badRes = 0, 0
		if info.IsKeyframe {
			lastKFNo = info.FrameNo
			lastKFTime = time.Now()
		}

		if reason := staleReason(info, lastFrameNo, lastKFNo, lastKFTime, p.fallbackRate(info)); reason != "" {
			p.dropped.Add(1)
			if debugFrames {
				p.log.Debug().Uint32("frame_no", info.FrameNo).Str("reason", reason).Msg("dropping stale frame")
			}
			continue
		}

		if _, err := p.sink.Write(buf[:n]); err != nil {
			if brokenPipe(err) {
				p.log.Info().Msg("sink closed, stopping pump")
				return nil
			}
			return fmt.Errorf("write sink: %w", err)
		}
		p.forwarded.Add(1)
		lastFrameNo = info.FrameNo
	}
}

// acceptedSize admits the commanded size and its doorbell portrait
// variant.
func (p *Pump) acceptedSize(size uint8) bool {
	want := p.s.FrameSize()
	return int(size) == want || int(size) == want+doorbellOffset
}

func (p *Pump) fallbackRate(info tutk.FrameInfo) int {
	if info.Framerate > 0 {
		return int(info.Framerate)
	}
	return p.s.FPS()
}

// staleReason names the guard a frame trips, or "" when it may be
// forwarded.
func staleReason(info tutk.FrameInfo, lastFrameNo, lastKFNo uint32, lastKFTime time.Time, framerate int) string {
	if info.FrameNo-lastKFNo > uint32(framerate)*2 && info.FrameNo-lastFrameNo > lostGOPGap {
		return "lost gop"
	}
	if info.TimeSec != 0 && time.Since(info.Timestamp()) > maxFrameAge {
		return "frame too old"
	}
	if time.Since(lastKFTime) > maxKeyframeGap {
		return "no recent keyframe"
	}
	return ""
}

// runAudio drains audio frames alongside the video loop. Audio trouble
// never takes the stream down; on a hard receive error the drain just
// stops.
func (p *Pump) runAudio(ctx context.Context) {
	buf := make([]byte, audioBufSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, _, err := p.s.RecvAudio(buf)
		switch {
		case errors.Is(err, tutk.ErrAVDataNoReady):
			if sleep(ctx, retrySleep) != nil {
				return
			}
			continue
		case errors.Is(err, tutk.ErrAVIncompleteFrame), errors.Is(err, tutk.ErrAVLosedThisFrame):
			continue
		case err != nil:
			p.log.Debug().Err(err).Msg("audio drain stopped")
			return
		}
		if _, err := p.audio.Write(buf[:n]); err != nil {
			if !brokenPipe(err) {
				p.log.Debug().Err(err).Msg("audio sink write failed")
			}
			return
		}
	}
}

func brokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
