package mtx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ethan/iotc-bridge/pkg/logger"
)

// DefaultBin is the relay binary looked up on PATH.
const DefaultBin = "mediamtx"

const relayKillGrace = 5 * time.Second

// Relay supervises the media relay child: spawn with the rewritten
// config, pipe its output into the log, restart with backoff when it
// dies, terminate it on shutdown.
type Relay struct {
	bin     string
	cfgPath string
	log     zerolog.Logger

	backoffMin  time.Duration
	backoffMax  time.Duration
	stableAfter time.Duration
}

// NewRelay builds a supervisor for the relay binary and config path.
func NewRelay(bin, cfgPath string) *Relay {
	if bin == "" {
		bin = DefaultBin
	}
	return &Relay{
		bin:         bin,
		cfgPath:     cfgPath,
		log:         logger.WithComponent("mtx"),
		backoffMin:  time.Second,
		backoffMax:  30 * time.Second,
		stableAfter: time.Minute,
	}
}

// Run keeps the relay alive until ctx ends. A binary that cannot be
// found at all is fatal rather than retried.
func (r *Relay) Run(ctx context.Context) error {
	backoff := r.backoffMin
	for {
		started := time.Now()
		err := r.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return err
		}
		if time.Since(started) >= r.stableAfter {
			backoff = r.backoffMin
		}
		r.log.Warn().Err(err).Dur("backoff", backoff).Msg("media relay exited, restarting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.backoffMax {
			backoff = r.backoffMax
		}
	}
}

// runOnce starts the child and blocks until it exits or ctx ends.
func (r *Relay) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.bin, r.cfgPath)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = relayKillGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("relay stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("relay stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start media relay: %w", err)
	}
	r.log.Info().Str("bin", r.bin).Int("pid", cmd.Process.Pid).Msg("media relay started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.logLines(stdout)
	}()
	go func() {
		defer wg.Done()
		r.logLines(stderr)
	}()
	// Wait closes the pipes once the child exits, which unblocks the
	// log readers even if a grandchild inherited the write ends.
	err = cmd.Wait()
	wg.Wait()
	return err
}

func (r *Relay) logLines(rd io.Reader) {
	sc := bufio.NewScanner(rd)
	for sc.Scan() {
		r.log.Debug().Msg(sc.Text())
	}
}
