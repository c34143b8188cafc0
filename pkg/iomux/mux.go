// Package iomux correlates control requests with their responses over a
// single AV channel. Requests declare the response code they expect; a
// listener goroutine reads the channel and hands each decoded message to
// the oldest waiter registered for its code. Every request gets a fresh
// single-consumer channel, so no response is ever silently dropped: each
// Future resolves with a payload or an error.
package iomux

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ethan/iotc-bridge/pkg/logger"
	"github.com/ethan/iotc-bridge/pkg/protocol"
	"github.com/ethan/iotc-bridge/pkg/tutk"
)

// Channel is the narrow control surface the mux drives. The session engine
// adapts its AV channel to this; tests substitute a scripted fake.
type Channel interface {
	SendIOCtrl(data []byte) error
	RecvIOCtrl(buf []byte, timeout time.Duration) (int, error)
}

var (
	// ErrTimeout resolves a Future whose response never arrived.
	ErrTimeout = errors.New("iomux: timeout waiting for response")
	// ErrClosed resolves Futures pending when the mux shuts down.
	ErrClosed = errors.New("iomux: mux closed")
)

const (
	recvTimeout = time.Second
	recvBufSize = 64 * 1024
)

type result struct {
	payload []byte
	err     error
}

// Future is the handle for one in-flight request.
type Future struct {
	mux  *Mux
	code uint16 // expected response code, 0 for fire-and-forget
	ch   chan result
}

// Mux owns the listener goroutine for one AV channel. Close must be called
// before the channel underneath is torn down; otherwise the native receive
// can block on a dead handle.
type Mux struct {
	ch  Channel
	log zerolog.Logger

	sendMu sync.Mutex // the transport does not support parallel senders

	mu      sync.Mutex
	waiters map[uint16][]*Future
	closed  bool
	err     error

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New starts a mux and its listener on the given channel.
func New(ch Channel, log zerolog.Logger) *Mux {
	m := &Mux{
		ch:      ch,
		log:     log,
		waiters: make(map[uint16][]*Future),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.listen()
	return m
}

// Send encodes and submits one request. The returned Future is pre-failed
// if the send itself errored, and pre-resolved if the message expects no
// response.
func (m *Mux) Send(msg protocol.Message) *Future {
	f := &Future{mux: m, code: msg.Response, ch: make(chan result, 1)}

	if msg.Response == 0 {
		f.ch <- result{}
	} else {
		m.mu.Lock()
		if m.closed {
			err := m.err
			if err == nil {
				err = ErrClosed
			}
			m.mu.Unlock()
			f.ch <- result{err: err}
			return f
		}
		m.waiters[msg.Response] = append(m.waiters[msg.Response], f)
		m.mu.Unlock()
	}

	m.sendMu.Lock()
	err := m.ch.SendIOCtrl(msg.Encode())
	m.sendMu.Unlock()
	if err != nil {
		m.remove(f)
		f.fail(fmt.Errorf("send ioctl %d: %w", msg.Code, err))
		return f
	}
	if logger.Enabled(logger.DebugIOCtl) {
		m.log.Debug().Uint16("code", msg.Code).Int("len", len(msg.Payload)).Msg("ioctl sent")
	}
	return f
}

// Result blocks up to timeout for the response payload.
func (f *Future) Result(timeout time.Duration) ([]byte, error) {
	select {
	case r := <-f.ch:
		return r.payload, r.err
	case <-time.After(timeout):
	}
	// The listener may have delivered between the timer firing and now.
	f.mux.remove(f)
	select {
	case r := <-f.ch:
		return r.payload, r.err
	default:
		return nil, fmt.Errorf("%w: code %d", ErrTimeout, f.code)
	}
}

// WaitAll resolves a set of futures, returning payloads in request order.
// The timeout covers the whole set.
func WaitAll(futures []*Future, timeout time.Duration) ([][]byte, error) {
	deadline := time.Now().Add(timeout)
	out := make([][]byte, len(futures))
	for i, f := range futures {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		payload, err := f.Result(remaining)
		if err != nil {
			return nil, err
		}
		out[i] = payload
	}
	return out, nil
}

// Close stops the listener and fails all pending futures. It returns once
// the listener goroutine has exited; callers tear the AV channel down only
// after that.
func (m *Mux) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Err reports the sticky listener error, if any.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (f *Future) fail(err error) {
	select {
	case f.ch <- result{err: err}:
	default:
	}
}

// remove drops a future from its waiter queue, keeping FIFO order intact.
func (m *Mux) remove(f *Future) {
	if f.code == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.waiters[f.code]
	for i, w := range q {
		if w == f {
			m.waiters[f.code] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

func (m *Mux) listen() {
	defer close(m.done)
	buf := make([]byte, recvBufSize)
	for {
		select {
		case <-m.stop:
			m.shutdown(nil)
			return
		default:
		}

		n, err := m.ch.RecvIOCtrl(buf, recvTimeout)
		if err != nil {
			var errno tutk.Errno
			if errors.As(err, &errno) {
				switch {
				case errno == tutk.ErrAVTimeout:
					continue
				case errno.RemoteClosed():
					m.log.Debug().Int32("errno", int32(errno)).Msg("control channel closed by remote")
					m.shutdown(nil)
					return
				}
			}
			m.shutdown(fmt.Errorf("recv ioctl: %w", err))
			return
		}

		header, payload, err := protocol.Decode(buf[:n])
		if err != nil {
			m.shutdown(err)
			return
		}
		m.deliver(header, payload)
	}
}

func (m *Mux) deliver(header protocol.Header, payload []byte) {
	m.mu.Lock()
	q := m.waiters[header.Code]
	if len(q) == 0 {
		m.mu.Unlock()
		if logger.Enabled(logger.DebugIOCtl) {
			m.log.Debug().Uint16("code", header.Code).Int("len", len(payload)).Msg("ioctl without waiter dropped")
		}
		return
	}
	f := q[0]
	m.waiters[header.Code] = q[1:]
	m.mu.Unlock()

	// The listener's read buffer is reused; hand the waiter its own copy.
	own := make([]byte, len(payload))
	copy(own, payload)
	f.ch <- result{payload: own}
	if logger.Enabled(logger.DebugIOCtl) {
		m.log.Debug().Uint16("code", header.Code).Int("len", len(payload)).Msg("ioctl delivered")
	}
}

// shutdown marks the mux closed and fails every pending waiter, with the
// sticky error when there is one.
func (m *Mux) shutdown(err error) {
	m.mu.Lock()
	m.closed = true
	if err != nil && m.err == nil {
		m.err = err
	}
	failWith := m.err
	if failWith == nil {
		failWith = ErrClosed
	}
	pending := m.waiters
	m.waiters = make(map[uint16][]*Future)
	m.mu.Unlock()

	for _, q := range pending {
		for _, f := range q {
			f.fail(failWith)
		}
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("ioctl listener terminated")
	}
}
