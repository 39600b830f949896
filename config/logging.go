package config

import (
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
)

type LogOptions struct {
	Tags map[string]string
	Msg  string
}

// ErrLogger reports failures from long-running components. The stream
// consumers and enrichment workers hold one and must never crash on a
// per-domain failure.
type ErrLogger interface {
	Log(error, LogOptions)
}

type SentryHub struct {
	client *sentry.Client
}

func NewSentryHub(conf Config) (*SentryHub, error) {
	c, err := sentry.NewClient(sentry.ClientOptions{
		Dsn: conf.Sentry.Dsn,
	})
	if err != nil {
		return nil, err
	}
	return &SentryHub{client: c}, nil
}

// GetLogger returns a logger that tags every captured exception, typically
// with the app name and the event source.
func (hub *SentryHub) GetLogger(tags map[string]string) ErrLogger {
	scope := sentry.NewScope()
	for k, v := range tags {
		scope.SetTag(k, v)
	}
	return &sentryLogger{
		h: sentry.NewHub(hub.client, scope),
	}
}

type sentryLogger struct {
	h *sentry.Hub
}

func (l *sentryLogger) Log(err error, opts LogOptions) {
	scope := l.h.PushScope()
	defer l.h.PopScope()
	for k, v := range opts.Tags {
		scope.SetTag(k, v)
	}
	if opts.Msg != "" {
		scope.SetExtra("msg", opts.Msg)
	}
	l.h.CaptureException(err)
}

type zeroLogger struct {
	l zerolog.Logger
}

func (l *zeroLogger) Log(err error, opts LogOptions) {
	ev := l.l.Err(err)
	for k, v := range opts.Tags {
		ev = ev.Str(k, v)
	}
	ev.Msg(opts.Msg)
}

func NewZeroLogger(tags map[string]string) ErrLogger {
	ctx := zerolog.New(os.Stderr).With().Timestamp()
	for k, v := range tags {
		ctx = ctx.Str(k, v)
	}
	return &zeroLogger{l: ctx.Logger()}
}

// errLogChain fans one error out to multiple sinks, so errors land both on
// stderr and in sentry when it is enabled.
type errLogChain struct {
	loggers []ErrLogger
}

func (chain *errLogChain) Log(err error, opts LogOptions) {
	for _, l := range chain.loggers {
		l.Log(err, opts)
	}
}

func (chain *errLogChain) Add(el ErrLogger) {
	chain.loggers = append(chain.loggers, el)
}

func NewErrLogChain(loggers ...ErrLogger) *errLogChain {
	return &errLogChain{
		loggers: loggers,
	}
}
