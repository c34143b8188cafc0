package mtx

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ethan/iotc-bridge/pkg/logger"
)

// Event kinds the relay hooks emit.
const (
	EventStart    = "start"
	EventReady    = "ready"
	EventNotReady = "notready"
	EventRead     = "read"
	EventUnread   = "unread"
)

// Event is one parsed record from the event pipe.
type Event struct {
	URI  string
	Kind string
}

// EventPipe reads "<uri>,<event>!" records from the named pipe the
// relay hooks write to. Hook invocations batch records and can split
// one across two reads; the pipe carries partial records between calls.
type EventPipe struct {
	f     *os.File
	log   zerolog.Logger
	buf   bytes.Buffer
	chunk []byte
}

// OpenEventPipe creates the FIFO if missing and opens it read-write:
// with the bridge holding a write end, hook writers never block and the
// reader never spins on EOF between hook invocations.
func OpenEventPipe(path string) (*EventPipe, error) {
	if err := syscall.Mkfifo(path, 0o666); err != nil && !errors.Is(err, syscall.EEXIST) {
		return nil, fmt.Errorf("mkfifo %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open event pipe: %w", err)
	}
	return &EventPipe{
		f:     f,
		log:   logger.WithComponent("mtx"),
		chunk: make([]byte, 4096),
	}, nil
}

// Read waits up to timeout for pipe data and returns the complete
// records received so far. A quiet pipe returns no events and no error.
func (p *EventPipe) Read(timeout time.Duration) ([]Event, error) {
	if err := p.f.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("arm event pipe deadline: %w", err)
	}
	n, err := p.f.Read(p.chunk)
	if n > 0 {
		p.buf.Write(p.chunk[:n])
	}
	events := p.drain()
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		return events, fmt.Errorf("read event pipe: %w", err)
	}
	return events, nil
}

// drain splits complete records out of the carry buffer.
func (p *EventPipe) drain() []Event {
	var events []Event
	for {
		raw := p.buf.Bytes()
		i := bytes.IndexByte(raw, '!')
		if i < 0 {
			return events
		}
		record := string(raw[:i])
		p.buf.Next(i + 1)

		uri, kind, ok := strings.Cut(record, ",")
		if !ok || uri == "" || kind == "" {
			p.log.Warn().Str("record", record).Msg("malformed event record dropped")
			continue
		}
		if logger.Enabled(logger.DebugFIFO) {
			p.log.Debug().Str("uri", uri).Str("event", kind).Msg("relay event")
		}
		events = append(events, Event{URI: uri, Kind: kind})
	}
}

// Close releases the pipe. The FIFO node itself stays for the next run.
func (p *EventPipe) Close() error {
	return p.f.Close()
}
