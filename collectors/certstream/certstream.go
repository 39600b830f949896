package certstream

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/certphisher/certphisher/pipeline"
)

const (
	messageTypeHeartbeat = "heartbeat"
	messageTypeUpdate    = "certificate_update"

	initialBackoff = time.Second
	maxBackoff     = time.Minute
	readTimeout    = 90 * time.Second
)

type Config struct {
	URL string `yaml:"url"`
}

// Client consumes a certstream-compatible websocket feed and reconnects
// with exponential backoff when the subscription drops.
type Client struct {
	conf      Config
	dialer    *websocket.Dialer
	malformed int64
}

func New(conf Config) *Client {
	return &Client{
		conf: conf,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

// Malformed returns the number of stream messages skipped because expected
// fields were missing.
func (c *Client) Malformed() int64 {
	return atomic.LoadInt64(&c.malformed)
}

// Run blocks until the context is cancelled, delivering one event per
// stream message to fn. Errors from fn are logged, never fatal.
func (c *Client) Run(ctx context.Context, fn pipeline.EventFunc) error {
	backoff := initialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.stream(ctx, fn)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return ctx.Err()
		}

		log.Warn().
			Err(err).
			Dur("backoff", backoff).
			Str("url", c.conf.URL).
			Msg("certstream subscription dropped, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) stream(ctx context.Context, fn pipeline.EventFunc) error {
	conn, _, err := c.dialer.DialContext(ctx, c.conf.URL, nil)
	if err != nil {
		return errors.Wrap(err, "dial certstream")
	}
	defer conn.Close()

	// unblock pending reads when the context is cancelled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	log.Info().Str("url", c.conf.URL).Msg("subscribed to certificate stream")

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return errors.Wrap(err, "set read deadline")
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read stream message")
		}

		ev, ok := c.convert(raw)
		if !ok {
			continue
		}
		if err := fn(ev); err != nil {
			log.Error().Err(err).Msg("failed to handle stream event")
		}
	}
}

// convert turns a raw stream message into a pipeline event. Malformed
// messages are counted and skipped, never fatal.
func (c *Client) convert(raw []byte) (pipeline.Event, bool) {
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		atomic.AddInt64(&c.malformed, 1)
		log.Debug().Err(err).Msg("skipping malformed stream message")
		return pipeline.Event{}, false
	}

	switch entry.MessageType {
	case messageTypeHeartbeat:
		return pipeline.Event{Heartbeat: true}, true
	case messageTypeUpdate:
	default:
		return pipeline.Event{}, false
	}

	if entry.Data.LeafCert.Extensions.SubjectAltName == nil || len(entry.Data.Chain) == 0 {
		atomic.AddInt64(&c.malformed, 1)
		log.Debug().Msg("skipping certificate update without SAN or chain")
		return pipeline.Event{}, false
	}

	ev := pipeline.Event{
		SubjectAltName: *entry.Data.LeafCert.Extensions.SubjectAltName,
	}
	issuer := entry.Data.Chain[0].Subject
	if issuer.CN != nil {
		ev.IssuerCN = *issuer.CN
	}
	if issuer.Aggregated != nil {
		ev.IssuerAggregated = *issuer.Aggregated
	}
	return ev, true
}
