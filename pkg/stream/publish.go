package stream

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ethan/iotc-bridge/pkg/control"
	"github.com/ethan/iotc-bridge/pkg/logger"
)

// LogPublisher writes state transitions and command results to the
// log. It is the publisher every deployment gets.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{log: logger.WithComponent("state")}
}

func (p *LogPublisher) PublishState(uri, state string) {
	p.log.Info().Str("uri", uri).Str("state", state).Msg("stream state")
}

// Publish satisfies the control dispatcher's result observer.
func (p *LogPublisher) Publish(mac string, res control.Result) {
	p.log.Debug().Str("mac", mac).Str("topic", res.Topic).
		Str("status", res.Status).Interface("value", res.Value).Msg("command result")
}

// WebhookPublisher POSTs state transitions to an operator-supplied
// URL. Posts run detached so state changes never wait on the network,
// and a limiter sheds bursts a flapping camera would otherwise fan out.
type WebhookPublisher struct {
	url    string
	client *http.Client
	limit  *rate.Limiter
	log    zerolog.Logger
	wg     sync.WaitGroup
}

func NewWebhookPublisher(url string) *WebhookPublisher {
	return &WebhookPublisher{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		limit:  rate.NewLimiter(rate.Every(time.Second), 10),
		log:    logger.WithComponent("webhook"),
	}
}

type statePayload struct {
	URI   string    `json:"uri"`
	State string    `json:"state"`
	Time  time.Time `json:"time"`
}

func (p *WebhookPublisher) PublishState(uri, state string) {
	if !p.limit.Allow() {
		p.log.Debug().Str("uri", uri).Str("state", state).Msg("state update shed by rate limit")
		return
	}
	body, err := json.Marshal(statePayload{URI: uri, State: state, Time: time.Now().UTC()})
	if err != nil {
		return
	}
	p.wg.Add(1)
	go p.post(body)
}

func (p *WebhookPublisher) post(body []byte) {
	defer p.wg.Done()
	resp, err := p.client.Post(p.url, "application/json", bytes.NewReader(body))
	if err != nil {
		p.log.Debug().Err(err).Msg("webhook post failed")
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		p.log.Debug().Int("status", resp.StatusCode).Msg("webhook rejected state update")
	}
}

// Close waits for in-flight posts to land.
func (p *WebhookPublisher) Close() {
	p.wg.Wait()
}

// Fanout delivers each transition to every member.
type Fanout []Publisher

func (f Fanout) PublishState(uri, state string) {
	for _, p := range f {
		p.PublishState(uri, state)
	}
}
